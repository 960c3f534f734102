// Package loadtest exercises the local store under concurrent writers.
//
// Writers upsert signals on a small shared key space, half of them under a
// second local id carrying the same cloud id, so every write races either a
// plain update or a duplicate merge. A second phase upserts responses on the
// surviving signals. Verify then checks that the store converged to exactly
// one row per key:
//   - one signal per cloud id
//   - one response per (signal, user)
//   - no response pointing at a missing signal
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalcast/signalsync/internal/syncengine/db"
	"github.com/signalcast/signalsync/internal/syncengine/schema"
)

// Options controls a load run.
type Options struct {
	// Writers is the number of concurrent writers.
	Writers int
	// Keys is the number of distinct signals written to.
	Keys int
	// WritesPerWriter is the number of signal upserts per writer.
	WritesPerWriter int
	// Users is the number of distinct responders in the response phase.
	Users int
	// Seed makes the key sequence reproducible.
	Seed int64
}

// DefaultOptions returns a run that finishes in a few seconds.
func DefaultOptions() Options {
	return Options{
		Writers:         16,
		Keys:            20,
		WritesPerWriter: 50,
		Users:           8,
		Seed:            42,
	}
}

// LatencyStats captures per-operation latencies.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
	Operations int
	Errors     int
}

// Result is the outcome of a run.
type Result struct {
	Signals   LatencyStats
	Responses LatencyStats
	Merges    int
	Duration  time.Duration
}

// cloudIDBase offsets generated cloud ids away from real ones.
const cloudIDBase = 900000

// Run hammers store with concurrent upserts and returns latency statistics.
// Individual write failures are counted, not returned; call Verify afterwards
// to check the store.
func Run(ctx context.Context, store *db.DB, opts Options) (*Result, error) {
	opts = withDefaults(opts)
	start := time.Now()
	result := &Result{}

	var (
		mu        sync.Mutex
		durations []time.Duration
		errCount  int
	)
	record := func(d []time.Duration, errs, merges int) {
		mu.Lock()
		durations = append(durations, d...)
		errCount += errs
		result.Merges += merges
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.Writers; w++ {
		rng := rand.New(rand.NewSource(opts.Seed + int64(w)))
		g.Go(func() error {
			local := make([]time.Duration, 0, opts.WritesPerWriter)
			errs, merges := 0, 0
			for j := 0; j < opts.WritesPerWriter; j++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				sig := signalFor(rng.Intn(opts.Keys), rng.Intn(2) == 1, w, time.Now())

				t := time.Now()
				res, err := store.UpsertSignalContext(gctx, sig)
				local = append(local, time.Since(t))
				if err != nil {
					errs++
					continue
				}
				merges += len(res.Merged)
			}
			record(local, errs, merges)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	result.Signals = computeLatencyStats(durations)
	result.Signals.Errors = errCount

	signals, err := store.ListSignalsContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	if len(signals) == 0 {
		return nil, fmt.Errorf("no signal writes succeeded")
	}

	durations, errCount = nil, 0
	g, gctx = errgroup.WithContext(ctx)
	for u := 0; u < opts.Users; u++ {
		g.Go(func() error {
			local := make([]time.Duration, 0, len(signals)*2)
			errs := 0
			// Every user answers every signal twice; the second write replaces the first.
			for round := 0; round < 2; round++ {
				for _, sig := range signals {
					if err := gctx.Err(); err != nil {
						return err
					}
					resp := &schema.Response{
						SignalLocalID:  sig.LocalID,
						UserID:         fmt.Sprintf("user-%02d@example.com", u),
						SelectedOption: sig.Options[(u+round)%len(sig.Options)].Text,
					}
					resp.SetDefaults(time.Now())

					t := time.Now()
					err := store.UpsertResponse(gctx, resp)
					local = append(local, time.Since(t))
					if err != nil {
						errs++
					}
				}
			}
			record(local, errs, 0)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	result.Responses = computeLatencyStats(durations)
	result.Responses.Errors = errCount

	result.Duration = time.Since(start)
	return result, nil
}

// Verify checks that the store holds at most one signal per cloud id and one
// response per (signal, user), with no orphaned responses.
func Verify(ctx context.Context, store *db.DB) error {
	signals, err := store.ListSignalsContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to list signals: %w", err)
	}

	byCloud := make(map[int64]string, len(signals))
	for _, sig := range signals {
		if !sig.HasCloudID() {
			continue
		}
		if other, ok := byCloud[*sig.CloudID]; ok {
			return fmt.Errorf("cloud id %d held by %s and %s", *sig.CloudID, other, sig.LocalID)
		}
		byCloud[*sig.CloudID] = sig.LocalID
	}

	for _, sig := range signals {
		responses, err := store.ListResponses(ctx, sig.LocalID)
		if err != nil {
			return fmt.Errorf("failed to list responses of %s: %w", sig.LocalID, err)
		}
		seen := make(map[string]bool, len(responses))
		for _, r := range responses {
			if seen[r.UserID] {
				return fmt.Errorf("signal %s has two responses from %s", sig.LocalID, r.UserID)
			}
			seen[r.UserID] = true
		}
	}

	var orphans int
	query := `SELECT COUNT(*) FROM responses r LEFT JOIN signals s ON s.local_id = r.signal_local_id WHERE s.local_id IS NULL`
	if err := store.RawDB().GetContext(ctx, &orphans, query); err != nil {
		return fmt.Errorf("failed to count orphaned responses: %w", err)
	}
	if orphans > 0 {
		return fmt.Errorf("%d responses point at missing signals", orphans)
	}
	return nil
}

// signalFor builds the signal written for key. The alias variant uses a
// second local id with the same cloud id, forcing a duplicate merge.
func signalFor(key int, alias bool, writer int, now time.Time) *schema.Signal {
	localID := fmt.Sprintf("load-%04d", key)
	if alias {
		localID += "-alias"
	}
	consumers := make([]string, 1+writer%3)
	for i := range consumers {
		consumers[i] = fmt.Sprintf("consumer-%d@example.com", i)
	}

	sig := &schema.Signal{
		LocalID:        localID,
		CloudID:        schema.Int64Ptr(int64(cloudIDBase + key)),
		Question:       fmt.Sprintf("Load question %d", key),
		Options:        schema.OptionsFromTexts([]string{"Yes", "No", "Later"}),
		PublisherEmail: "loadtest@example.com",
		PublisherName:  "Load Test",
		Consumers:      consumers,
		Deadline:       now.Add(time.Hour),
		SyncStatus:     schema.SyncSynced,
	}
	sig.SetDefaults(now)
	return sig
}

func withDefaults(opts Options) Options {
	d := DefaultOptions()
	if opts.Writers <= 0 {
		opts.Writers = d.Writers
	}
	if opts.Keys <= 0 {
		opts.Keys = d.Keys
	}
	if opts.WritesPerWriter <= 0 {
		opts.WritesPerWriter = d.WritesPerWriter
	}
	if opts.Users <= 0 {
		opts.Users = d.Users
	}
	return opts
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(sorted)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		Operations: len(sorted),
	}
}

// Print writes a human-readable summary.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Load run finished in %v (%d merges)\n", r.Duration.Round(time.Millisecond), r.Merges)
	r.Signals.print(w, "Signal upserts")
	r.Responses.print(w, "Response upserts")
}

func (s LatencyStats) print(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
	fmt.Fprintf(w, "  Operations:    %d\n", s.Operations)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
