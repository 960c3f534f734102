// Package realtime is the client side of the backend's push channel.
//
// The channel is a websocket keyed by the logged-in user. The server sends
// JSON frames of the form {"type": "...", "data": {...}}:
//
//	CONNECTED     handshake acknowledged
//	HEARTBEAT     liveness only
//	POLL_CREATED  {"poll": Poll}
//	POLL_EDITED   {"poll": Poll, "republish": bool}
//	POLL_DELETED  {"id": 42}
//
// State machine:
//
//	Disconnected -> Connecting        Connect()
//	Connecting   -> Connected         CONNECTED frame
//	Connected    -> Connected         any frame (resets the watchdog)
//	*            -> Disconnected      transport error or watchdog expiry,
//	                                  then reconnect after a fixed backoff
//
// Every failure stays inside the client: it is reported as an EventDisconnected
// on the Events channel and never returned to callers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/signalcast/signalsync/internal/fault"
	"github.com/signalcast/signalsync/internal/syncengine/remote"
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// EventType names a channel event.
type EventType string

const (
	EventConnected   EventType = "CONNECTED"
	EventHeartbeat   EventType = "HEARTBEAT"
	EventPollCreated EventType = "POLL_CREATED"
	EventPollEdited  EventType = "POLL_EDITED"
	EventPollDeleted EventType = "POLL_DELETED"

	// EventDisconnected is produced locally when the connection is lost.
	EventDisconnected EventType = "DISCONNECTED"
)

// Disconnect reasons carried by EventDisconnected.
const (
	ReasonOpenFailed = "open_failed"
	ReasonWatchdog   = "watchdog"
	ReasonTransport  = "transport"
)

// Event is one channel event, delivered in receipt order.
type Event struct {
	Type EventType

	// Poll is set for POLL_CREATED and POLL_EDITED.
	Poll *remote.Poll
	// Republish is set for POLL_EDITED when prior answers are invalidated.
	Republish bool
	// CloudID is set for POLL_DELETED.
	CloudID int64

	// Reason and Err are set for EventDisconnected.
	Reason string
	Err    error

	Received time.Time
}

// Config holds channel configuration.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://signals.example.com/api/realtime
	URL string

	// Token returns the bearer token for the handshake. May be nil.
	Token func() string

	// WatchdogTimeout is the longest silence tolerated on an open connection.
	WatchdogTimeout time.Duration

	// ErrorBackoff is the wait before reconnecting after a transport error
	// or watchdog expiry.
	ErrorBackoff time.Duration

	// OpenFailureBackoff is the wait before retrying a connection that could not be opened.
	OpenFailureBackoff time.Duration

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int

	// OnStateChange is called on every state transition. May be nil.
	OnStateChange func(State)

	// HTTPClient is used for the handshake. May be nil.
	HTTPClient *http.Client

	Logger *log.Logger
}

// DefaultConfig returns the production timings.
func DefaultConfig() *Config {
	return &Config{
		WatchdogTimeout:    65 * time.Second,
		ErrorBackoff:       5 * time.Second,
		OpenFailureBackoff: 10 * time.Second,
		EventBuffer:        64,
	}
}

// Client maintains one push channel connection.
type Client struct {
	config Config
	logger *log.Logger
	events chan Event

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a channel client. Zero durations fall back to DefaultConfig.
func New(config *Config) *Client {
	defaults := DefaultConfig()
	cfg := *defaults
	if config != nil {
		cfg = *config
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = defaults.WatchdogTimeout
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = defaults.ErrorBackoff
	}
	if cfg.OpenFailureBackoff <= 0 {
		cfg.OpenFailureBackoff = defaults.OpenFailureBackoff
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaults.EventBuffer
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}

	return &Client{
		config: cfg,
		logger: logger,
		events: make(chan Event, cfg.EventBuffer),
		state:  StateDisconnected,
	}
}

// Events returns the channel events are delivered on. It is never closed.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running reports whether a connection loop is active.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Connect starts the connection loop for identity. It returns immediately;
// calling it while a loop is running is a no-op.
func (c *Client) Connect(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, identity, c.done)
}

// Disconnect stops the connection loop and waits for it to exit.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.setState(StateDisconnected)
}

func (c *Client) run(ctx context.Context, identity string, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("ERROR: channel loop panic: %v", r)
		}
	}()

	for {
		c.setState(StateConnecting)

		conn, err := c.dial(ctx, identity)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Printf("Failed to open channel: %v", err)
			c.setState(StateDisconnected)
			c.emit(ctx, Event{Type: EventDisconnected, Reason: ReasonOpenFailed, Err: fault.Channel("open", err)})
			if !sleep(ctx, c.config.OpenFailureBackoff) {
				return
			}
			continue
		}

		reason, err := c.serve(ctx, conn)
		conn.CloseNow()
		if ctx.Err() != nil {
			return
		}

		c.logger.Printf("Channel lost (%s): %v", reason, err)
		c.setState(StateDisconnected)
		c.emit(ctx, Event{Type: EventDisconnected, Reason: reason, Err: fault.Channel(reason, err)})
		if !sleep(ctx, c.config.ErrorBackoff) {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context, identity string) (*websocket.Conn, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("user", identity)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.config.Token != nil {
		if token := c.config.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.WatchdogTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPClient: c.config.HTTPClient,
		HTTPHeader: header,
	})
	return conn, err
}

// frame is the wire envelope.
type frame struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type pollPayload struct {
	Poll      *remote.Poll `json:"poll"`
	Republish bool         `json:"republish,omitempty"`
}

type deletePayload struct {
	ID int64 `json:"id"`
}

// serve reads frames until the connection fails. Each read is bounded by the
// watchdog, so every frame received restarts the window.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) (string, error) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, c.config.WatchdogTimeout)
		_, data, err := conn.Read(readCtx)
		expired := errors.Is(readCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err != nil {
			if expired && ctx.Err() == nil {
				return ReasonWatchdog, err
			}
			return ReasonTransport, err
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Printf("WARNING: ignoring malformed frame: %v", err)
			continue
		}

		ev, ok := c.decode(f)
		if !ok {
			continue
		}
		if ev.Type == EventConnected {
			c.setState(StateConnected)
		}
		c.emit(ctx, ev)
	}
}

// decode maps a frame onto an Event. Heartbeats and unknown frames only count as liveness.
func (c *Client) decode(f frame) (Event, bool) {
	ev := Event{Type: f.Type, Received: time.Now()}

	switch f.Type {
	case EventConnected:
		return ev, true

	case EventHeartbeat:
		return ev, false

	case EventPollCreated, EventPollEdited:
		var p pollPayload
		if err := json.Unmarshal(f.Data, &p); err != nil || p.Poll == nil {
			c.logger.Printf("WARNING: ignoring %s with bad payload: %v", f.Type, err)
			return ev, false
		}
		ev.Poll = p.Poll
		ev.Republish = f.Type == EventPollEdited && p.Republish
		return ev, true

	case EventPollDeleted:
		var p deletePayload
		if err := json.Unmarshal(f.Data, &p); err != nil || p.ID <= 0 {
			c.logger.Printf("WARNING: ignoring %s with bad payload: %v", f.Type, err)
			return ev, false
		}
		ev.CloudID = p.ID
		return ev, true

	default:
		c.logger.Printf("Ignoring unknown event type %q", f.Type)
		return ev, false
	}
}

func (c *Client) emit(ctx context.Context, ev Event) {
	if ev.Received.IsZero() {
		ev.Received = time.Now()
	}
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed && c.config.OnStateChange != nil {
		c.config.OnStateChange(s)
	}
}

// sleep waits for d or until ctx is done. Returns false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
