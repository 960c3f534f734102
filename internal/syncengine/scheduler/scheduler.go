// Package scheduler activates scheduled signals when their time comes.
//
// Every check:
//  1. Lists scheduled signals whose activation time has passed
//  2. Promotes each one to active (status, publishedAt, pending sync)
//  3. Publishes it immediately through the Publisher
//
// A failed publish leaves the signal pending for the next sync pass. One
// signal's failure never blocks the others.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/signalcast/signalsync/internal/syncengine/db"
)

// Publisher pushes one signal to the backend.
type Publisher interface {
	PushSignal(ctx context.Context, localID string) error
}

// Config holds scheduler configuration.
type Config struct {
	Store     *db.DB
	Publisher Publisher

	// Interval between checks.
	Interval time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 10 * time.Second,
	}
}

// Scheduler runs the activation check on a fixed interval.
type Scheduler struct {
	store     *db.DB
	publisher Publisher
	interval  time.Duration
	now       func() time.Time
	logger    *log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Store and Publisher are required.
func New(config *Config) (*Scheduler, error) {
	if config == nil || config.Store == nil {
		return nil, fmt.Errorf("scheduler requires a store")
	}
	if config.Publisher == nil {
		return nil, fmt.Errorf("scheduler requires a publisher")
	}

	interval := config.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}

	return &Scheduler{
		store:     config.Store,
		publisher: config.Publisher,
		interval:  interval,
		now:       now,
		logger:    logger,
	}, nil
}

// Start runs a check immediately and then on every interval until Stop is
// called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop ends the loop and waits for a running check to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.checkLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkLogged(ctx)
		}
	}
}

func (s *Scheduler) checkLogged(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("ERROR: scheduler check panic: %v", r)
		}
	}()

	n, err := s.Check(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Printf("Scheduler check failed: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("Activated %d scheduled signals", n)
	}
}

// Check activates every due signal. Returns the number promoted; publish
// failures are logged and do not count as errors.
func (s *Scheduler) Check(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.DueScheduledSignals(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list due signals: %w", err)
	}

	promoted := 0
	for _, sig := range due {
		if ctx.Err() != nil {
			return promoted, ctx.Err()
		}

		ok, err := s.store.PromoteSignal(ctx, sig.LocalID, now)
		if err != nil {
			s.logger.Printf("Warning: failed to promote %s: %v", sig.LocalID, err)
			continue
		}
		if !ok {
			// Promoted or edited by someone else since the listing.
			continue
		}
		promoted++
		s.publish(ctx, sig.LocalID)
	}
	return promoted, nil
}

// publish pushes one promoted signal. A panic is confined to that signal; the
// row is already active, so the next sync pass retries it.
func (s *Scheduler) publish(ctx context.Context, localID string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("ERROR: publish of %s panicked: %v", localID, r)
		}
	}()

	if err := s.publisher.PushSignal(ctx, localID); err != nil {
		s.logger.Printf("Publish of %s deferred to next sync: %v", localID, err)
	}
}
