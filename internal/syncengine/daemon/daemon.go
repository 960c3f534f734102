// Package daemon runs the sync engine as one long-lived process.
//
// The daemon:
//  1. Restores the saved login, if any
//  2. Runs the sync coordinator (periodic sync, realtime channel, events)
//  3. Runs the scheduler that activates scheduled signals
//  4. Polls backend reachability and the host's device state
//  5. Optionally serves the local dashboard
//  6. Shuts everything down when its context is cancelled
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalcast/signalsync/internal/config"
	"github.com/signalcast/signalsync/internal/logging"
	"github.com/signalcast/signalsync/internal/syncengine/coordinator"
	"github.com/signalcast/signalsync/internal/syncengine/dashboard"
	"github.com/signalcast/signalsync/internal/syncengine/db"
	"github.com/signalcast/signalsync/internal/syncengine/host"
	"github.com/signalcast/signalsync/internal/syncengine/realtime"
	"github.com/signalcast/signalsync/internal/syncengine/remote"
	"github.com/signalcast/signalsync/internal/syncengine/scheduler"
)

// Config holds configuration for the daemon.
type Config struct {
	// Store is the opened, initialized local store. Required.
	Store *db.DB

	BackendURL     string
	BackendTimeout time.Duration
	// RealtimeURL is the push channel endpoint. Required.
	RealtimeURL string

	SyncInterval         time.Duration
	SchedulerInterval    time.Duration
	ConnectivityInterval time.Duration
	ActivityInterval     time.Duration

	// ActivityFile holds the device state written by the host. Empty means
	// the device is always active.
	ActivityFile string

	WatchdogTimeout    time.Duration
	ErrorBackoff       time.Duration
	OpenFailureBackoff time.Duration

	DashboardEnabled bool
	DashboardPort    int

	// Logs provides the per-component loggers. Defaults to stderr.
	Logs *logging.Sink
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BackendTimeout:       15 * time.Second,
		SyncInterval:         60 * time.Second,
		SchedulerInterval:    10 * time.Second,
		ConnectivityInterval: 10 * time.Second,
		ActivityInterval:     30 * time.Second,
		WatchdogTimeout:      65 * time.Second,
		ErrorBackoff:         5 * time.Second,
		OpenFailureBackoff:   10 * time.Second,
		DashboardPort:        8080,
	}
}

// FromConfig maps the loaded application configuration onto a daemon config.
func FromConfig(cfg *config.Config, store *db.DB, logs *logging.Sink) *Config {
	return &Config{
		Store:                store,
		BackendURL:           cfg.Backend.URL,
		BackendTimeout:       cfg.Backend.Timeout,
		RealtimeURL:          cfg.RealtimeEndpoint(),
		SyncInterval:         cfg.Sync.Interval,
		SchedulerInterval:    cfg.Scheduler.Interval,
		ConnectivityInterval: cfg.Host.ConnectivityInterval,
		ActivityInterval:     cfg.Host.ActivityInterval,
		ActivityFile:         cfg.Host.ActivityFile,
		WatchdogTimeout:      cfg.Realtime.Watchdog,
		ErrorBackoff:         cfg.Realtime.ErrorBackoff,
		OpenFailureBackoff:   cfg.Realtime.OpenFailureBackoff,
		DashboardEnabled:     cfg.Dashboard.Enabled,
		DashboardPort:        cfg.Dashboard.Port,
		Logs:                 logs,
	}
}

// Daemon owns every engine component.
type Daemon struct {
	config *Config
	logger *log.Logger

	remote       *remote.Client
	channel      *realtime.Client
	coordinator  *coordinator.Coordinator
	scheduler    *scheduler.Scheduler
	connectivity *host.ConnectivityMonitor
	activity     *host.ActivityMonitor
	source       *host.FileActivitySource
	dashboard    *dashboard.Server

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New builds every component. Nothing runs until Start.
func New(config *Config) (*Daemon, error) {
	if config == nil || config.Store == nil {
		return nil, fmt.Errorf("daemon requires a store")
	}
	if config.RealtimeURL == "" {
		return nil, fmt.Errorf("daemon requires a realtime URL")
	}
	logs := config.Logs
	if logs == nil {
		logs, _ = logging.Open(logging.Options{})
	}

	client, err := remote.New(&remote.Config{
		BaseURL: config.BackendURL,
		Timeout: config.BackendTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create remote client: %w", err)
	}

	channel := realtime.New(&realtime.Config{
		URL:                config.RealtimeURL,
		Token:              client.Token,
		WatchdogTimeout:    config.WatchdogTimeout,
		ErrorBackoff:       config.ErrorBackoff,
		OpenFailureBackoff: config.OpenFailureBackoff,
		Logger:             logs.Logger("realtime"),
	})

	d := &Daemon{
		config:  config,
		logger:  logs.Logger("daemon"),
		remote:  client,
		channel: channel,
	}

	var observer coordinator.Observer
	if config.DashboardEnabled {
		d.dashboard = dashboard.NewServer(&dashboard.Config{
			Port:   config.DashboardPort,
			Logger: logs.Logger("dashboard"),
		})
		observer = dashboard.NewHandler(d.dashboard, config.Store, logs.Logger("dashboard"))
	}

	d.coordinator, err = coordinator.New(&coordinator.Config{
		Store:        config.Store,
		Remote:       client,
		Channel:      channel,
		SyncInterval: config.SyncInterval,
		Observer:     observer,
		Logger:       logs.Logger("coordinator"),
	})
	if err != nil {
		return nil, err
	}

	d.scheduler, err = scheduler.New(&scheduler.Config{
		Store:     config.Store,
		Publisher: d.coordinator,
		Interval:  config.SchedulerInterval,
		Logger:    logs.Logger("scheduler"),
	})
	if err != nil {
		return nil, err
	}

	d.connectivity = host.NewConnectivityMonitor(host.ConnectivityConfig{
		Prober:   host.HealthProber(client.Health, 5*time.Second),
		Interval: config.ConnectivityInterval,
		OnChange: d.coordinator.OnConnectivityChange,
		Logger:   logs.Logger("host"),
	})

	if config.ActivityFile != "" {
		d.source = host.NewFileActivitySource(config.ActivityFile)
		d.activity = host.NewActivityMonitor(host.ActivityConfig{
			Source:   d.source,
			Interval: config.ActivityInterval,
			OnChange: d.coordinator.OnDeviceStateChange,
			Logger:   logs.Logger("host"),
		})
	}

	return d, nil
}

// Coordinator returns the sync coordinator.
func (d *Daemon) Coordinator() *coordinator.Coordinator {
	return d.coordinator
}

// DashboardAddr returns the dashboard listen address, or "" when disabled.
func (d *Daemon) DashboardAddr() string {
	if d.dashboard == nil {
		return ""
	}
	return d.dashboard.Addr()
}

// Start runs the daemon. It blocks until ctx is cancelled, Stop is called
// or a component fails to start.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()
	defer cancel()

	d.logger.Println("Starting daemon")

	g, gctx := errgroup.WithContext(ctx)

	if d.dashboard != nil {
		if err := d.dashboard.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			return d.dashboard.Stop()
		})
	}

	d.coordinator.Start(gctx)
	restored, err := d.coordinator.RestoreSession(gctx)
	switch {
	case err != nil:
		d.logger.Printf("WARNING: failed to restore session: %v", err)
	case restored:
		d.logger.Printf("Restored session for %s", d.coordinator.Identity().Email)
	default:
		d.logger.Println("Not logged in; run `signalsync login` to start syncing")
	}

	d.connectivity.Start(gctx)
	g.Go(func() error {
		<-gctx.Done()
		d.connectivity.Stop()
		return nil
	})

	if d.activity != nil {
		if err := d.source.Start(); err != nil {
			d.logger.Printf("WARNING: activity file changes are only polled: %v", err)
		}
		d.activity.Start(gctx)
		g.Go(func() error {
			<-gctx.Done()
			d.activity.Stop()
			return d.source.Stop()
		})
	}

	d.scheduler.Start(gctx)
	g.Go(func() error {
		<-gctx.Done()
		d.scheduler.Stop()
		return nil
	})

	err = g.Wait()
	d.coordinator.Shutdown()

	d.mu.Lock()
	d.cancel = nil
	d.mu.Unlock()

	d.logger.Println("Daemon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop makes a running Start return.
func (d *Daemon) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
