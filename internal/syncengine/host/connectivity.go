package host

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// Prober checks whether the backend is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HealthProber probes with a backend health check, e.g. (*remote.Client).Health.
func HealthProber(health func(ctx context.Context) error, timeout time.Duration) Prober {
	return ProberFunc(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return health(ctx)
	})
}

// ConnectivityConfig holds connectivity monitor configuration.
type ConnectivityConfig struct {
	Prober   Prober
	Interval time.Duration
	// OnChange is called with the first result and then on every change.
	OnChange func(online bool)
	Logger   *log.Logger
}

// ConnectivityMonitor polls a Prober.
type ConnectivityMonitor struct {
	config ConnectivityConfig
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	known  bool
	online bool
}

// NewConnectivityMonitor creates a monitor. Interval defaults to 10s.
func NewConnectivityMonitor(config ConnectivityConfig) *ConnectivityMonitor {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[host] ", log.LstdFlags)
	}
	return &ConnectivityMonitor{config: config, logger: logger}
}

// Start checks once immediately and then on every interval.
func (m *ConnectivityMonitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		m.Check(m.ctx)
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.Check(m.ctx)
			}
		}
	}()
}

// Stop ends polling and waits for the loop to exit.
func (m *ConnectivityMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Online returns the last probe result.
func (m *ConnectivityMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Check probes once and reports a change. Returns the probe result.
func (m *ConnectivityMonitor) Check(ctx context.Context) bool {
	err := m.config.Prober.Probe(ctx)
	if ctx.Err() != nil {
		return m.Online()
	}
	online := err == nil

	m.mu.Lock()
	changed := !m.known || m.online != online
	m.known = true
	m.online = online
	m.mu.Unlock()

	if changed {
		if online {
			m.logger.Printf("Backend reachable")
		} else {
			m.logger.Printf("Backend unreachable: %v", err)
		}
		if m.config.OnChange != nil {
			m.config.OnChange(online)
		}
	}
	return online
}
