package host

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// ActivitySource reports the device state.
type ActivitySource interface {
	DeviceState(ctx context.Context) (DeviceState, error)
}

// notifier is implemented by sources that can signal a change between polls.
type notifier interface {
	Changes() <-chan struct{}
}

// ActivityConfig holds activity monitor configuration.
type ActivityConfig struct {
	Source   ActivitySource
	Interval time.Duration
	// OnChange is called with the first state read and then on every change.
	OnChange func(state DeviceState)
	Logger   *log.Logger
}

// ActivityMonitor polls an ActivitySource. Sources that implement
// Changes() are also checked whenever they signal.
type ActivityMonitor struct {
	config ActivityConfig
	logger *log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	state DeviceState
}

// NewActivityMonitor creates a monitor. Interval defaults to 30s.
func NewActivityMonitor(config ActivityConfig) *ActivityMonitor {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[host] ", log.LstdFlags)
	}
	return &ActivityMonitor{config: config, logger: logger}
}

// Start checks once immediately and then on every interval or source change.
func (m *ActivityMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	var changes <-chan struct{}
	if n, ok := m.config.Source.(notifier); ok {
		changes = n.Changes()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		m.Check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check(ctx)
			case <-changes:
				m.Check(ctx)
			}
		}
	}()
}

// Stop ends polling and waits for the loop to exit.
func (m *ActivityMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// State returns the last state read, or "" before the first check.
func (m *ActivityMonitor) State() DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Check reads the source once and reports a change. A read error keeps the
// previous state.
func (m *ActivityMonitor) Check(ctx context.Context) DeviceState {
	state, err := m.config.Source.DeviceState(ctx)
	if err != nil {
		m.logger.Printf("WARNING: failed to read device state: %v", err)
		return m.State()
	}

	m.mu.Lock()
	changed := m.state != state
	m.state = state
	m.mu.Unlock()

	if changed && m.config.OnChange != nil {
		m.config.OnChange(state)
	}
	return state
}
