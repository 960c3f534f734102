// Package coordinator owns the sync state of one engine instance.
//
// A Coordinator pushes local changes to the backend, applies realtime events
// to the local store and decides when the realtime channel should be open.
// There is no package-level state: the host process creates a Coordinator,
// calls Start, and calls Shutdown when it exits.
//
// Example:
//
//	c, err := coordinator.New(&coordinator.Config{Store: store, Remote: client, Channel: channel})
//	if err != nil {
//	    return err
//	}
//	c.Start(ctx)
//	defer c.Shutdown()
//	session, err := c.Authenticate(ctx, "pub@example.com", password)
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/signalcast/signalsync/internal/syncengine/db"
	"github.com/signalcast/signalsync/internal/syncengine/host"
	"github.com/signalcast/signalsync/internal/syncengine/realtime"
	"github.com/signalcast/signalsync/internal/syncengine/remote"
)

var (
	// ErrNotAuthenticated is returned by operations that need a logged-in identity.
	ErrNotAuthenticated = errors.New("not logged in")

	// ErrOffline is returned by RunSync while the host reports no connectivity.
	ErrOffline = errors.New("offline")

	// ErrPushInFlight is returned by PushSignal when the signal is already being pushed.
	ErrPushInFlight = errors.New("push already in flight")
)

// Remote is the subset of the backend client the coordinator uses.
type Remote interface {
	Login(ctx context.Context, email, password string) (*remote.Session, error)
	SetToken(token string)
	CreatePoll(ctx context.Context, poll *remote.Poll) (int64, error)
	EditPoll(ctx context.Context, cloudID int64, poll *remote.Poll, republish bool) error
	DeletePoll(ctx context.Context, cloudID int64) error
	SubmitVote(ctx context.Context, vote *remote.Vote) error
	FetchResults(ctx context.Context, cloudID int64) (*remote.Results, error)
	FetchLabels(ctx context.Context) ([]remote.Label, error)
	CreateLabel(ctx context.Context, label *remote.Label) (*remote.Label, error)
}

// Channel is the realtime push channel.
type Channel interface {
	Connect(identity string)
	Disconnect()
	Running() bool
	State() realtime.State
	Events() <-chan realtime.Event
}

// Config holds coordinator configuration.
type Config struct {
	Store   *db.DB
	Remote  Remote
	Channel Channel

	// SyncInterval is the period of the full sync while logged in.
	SyncInterval time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Observer receives progress notifications. May be nil.
	Observer Observer

	Logger *log.Logger
}

// DefaultConfig returns the default timings.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval: 60 * time.Second,
	}
}

// Coordinator drives synchronization between the local store and the backend.
type Coordinator struct {
	store    *db.DB
	remote   Remote
	channel  Channel
	interval time.Duration
	now      func() time.Time
	observer Observer
	logger   *log.Logger

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	requests chan struct{}

	mu          sync.Mutex
	identity    *remote.Identity
	token       string
	generation  uint64
	online      bool
	device      host.DeviceState
	syncing     bool
	rerun       bool
	inflight    map[string]struct{}
	stopSession context.CancelFunc
}

// New creates a coordinator. Store, Remote and Channel are required.
func New(config *Config) (*Coordinator, error) {
	if config == nil || config.Store == nil || config.Remote == nil || config.Channel == nil {
		return nil, fmt.Errorf("coordinator requires a store, a remote client and a channel")
	}

	interval := config.SyncInterval
	if interval <= 0 {
		interval = DefaultConfig().SyncInterval
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	observer := config.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[coordinator] ", log.LstdFlags)
	}

	return &Coordinator{
		store:    config.Store,
		remote:   config.Remote,
		channel:  config.Channel,
		interval: interval,
		now:      now,
		observer: observer,
		logger:   logger,
		requests: make(chan struct{}, 1),
		online:   true,
		device:   host.DeviceActive,
		inflight: make(map[string]struct{}),
	}, nil
}

// Start launches the event dispatch loop. If an identity is already set, the
// periodic sync starts as well.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.dispatchLoop(c.ctx)

	if c.identity != nil {
		c.startSessionLocked()
	}
	c.reconcileChannelLocked()
	c.logger.Printf("Coordinator started (sync every %v)", c.interval)
}

// Shutdown stops every loop and closes the channel. In-flight backend calls
// finish but their results are discarded.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.stopSessionLocked()
	c.mu.Unlock()

	c.channel.Disconnect()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.logger.Printf("Coordinator stopped")
}

// Identity returns the logged-in identity, or nil.
func (c *Coordinator) Identity() *remote.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return nil
	}
	id := *c.identity
	return &id
}

// Online reports the last connectivity state received from the host.
func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// DeviceState returns the last device state received from the host.
func (c *Coordinator) DeviceState() host.DeviceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// OnConnectivityChange records the host's connectivity. Going online
// requests an immediate sync.
func (c *Coordinator) OnConnectivityChange(online bool) {
	c.mu.Lock()
	wasOnline := c.online
	c.online = online
	c.reconcileChannelLocked()
	authenticated := c.identity != nil
	c.mu.Unlock()

	if online != wasOnline {
		c.logger.Printf("Connectivity changed: online=%v", online)
	}
	if online && !wasOnline && authenticated {
		c.RequestSync()
	}
}

// OnDeviceStateChange records the host's device state. A sleeping device
// closes the channel; waking up requests an immediate sync.
func (c *Coordinator) OnDeviceStateChange(state host.DeviceState) {
	c.mu.Lock()
	prev := c.device
	c.device = state
	c.reconcileChannelLocked()
	authenticated := c.identity != nil
	c.mu.Unlock()

	if prev == state {
		return
	}
	c.logger.Printf("Device state changed: %s -> %s", prev, state)
	if prev == host.DeviceSleeping && authenticated {
		c.RequestSync()
	}
}

// RequestSync asks the session loop for a sync pass without waiting for it.
// Requests made while one is already queued are coalesced.
func (c *Coordinator) RequestSync() {
	select {
	case c.requests <- struct{}{}:
	default:
	}
}

// reconcileChannelLocked opens the channel iff online, authenticated and not
// sleeping, and closes it otherwise. Caller must hold c.mu.
func (c *Coordinator) reconcileChannelLocked() {
	want := c.cancel != nil && c.online && c.identity != nil && c.device != host.DeviceSleeping
	switch {
	case want && !c.channel.Running():
		c.channel.Connect(c.identity.UserID)
	case !want && c.channel.Running():
		// Disconnect waits for the channel loop, which never takes c.mu.
		c.channel.Disconnect()
	}
}

// startSessionLocked starts the periodic sync bound to the current identity.
// Caller must hold c.mu.
func (c *Coordinator) startSessionLocked() {
	if c.ctx == nil || c.stopSession != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.stopSession = cancel
	c.wg.Add(1)
	go c.sessionLoop(ctx)
}

func (c *Coordinator) stopSessionLocked() {
	if c.stopSession != nil {
		c.stopSession()
		c.stopSession = nil
	}
}

// sessionLoop runs a sync on start, on every tick and on every request.
func (c *Coordinator) sessionLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.syncNow(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.syncNow(ctx)
		case <-c.requests:
			c.syncNow(ctx)
		}
	}
}

func (c *Coordinator) syncNow(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("ERROR: sync pass panic: %v", r)
		}
	}()

	report, err := c.RunSync(ctx)
	switch {
	case errors.Is(err, ErrOffline), errors.Is(err, ErrNotAuthenticated), errors.Is(err, context.Canceled):
	case err != nil:
		c.logger.Printf("Sync failed: %v", err)
	case report.Queued:
	default:
		if report.Changed() {
			c.logger.Printf("Sync complete: %s", report)
		}
	}
}

// current reports whether gen is still the live identity generation.
func (c *Coordinator) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen && c.identity != nil
}

// claim marks a signal as being pushed. Returns false if it already is.
func (c *Coordinator) claim(localID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[localID]; busy {
		return false
	}
	c.inflight[localID] = struct{}{}
	return true
}

func (c *Coordinator) release(localID string) {
	c.mu.Lock()
	delete(c.inflight, localID)
	c.mu.Unlock()
}
