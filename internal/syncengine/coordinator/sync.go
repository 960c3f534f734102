package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/signalcast/signalsync/internal/fault"
	"github.com/signalcast/signalsync/internal/syncengine/db"
	"github.com/signalcast/signalsync/internal/syncengine/remote"
	"github.com/signalcast/signalsync/internal/syncengine/schema"
)

// expiredMessage is recorded on signals whose deadline passed before they
// reached the backend.
const expiredMessage = "deadline passed before sync"

// Report summarizes a RunSync call.
type Report struct {
	// Queued is set when another pass was running. The caller's request is
	// served by the single follow-up pass of that run.
	Queued bool `json:"queued,omitempty" yaml:"queued,omitempty"`
	// Discarded is set when the identity changed mid-run.
	Discarded bool `json:"discarded,omitempty" yaml:"discarded,omitempty"`

	Passes          int `json:"passes" yaml:"passes"`
	SignalsPushed   int `json:"signalsPushed" yaml:"signals_pushed"`
	SignalsDeleted  int `json:"signalsDeleted" yaml:"signals_deleted"`
	SignalsExpired  int `json:"signalsExpired" yaml:"signals_expired"`
	SignalsFailed   int `json:"signalsFailed" yaml:"signals_failed"`
	SignalsDeferred int `json:"signalsDeferred" yaml:"signals_deferred"`
	ResponsesPushed int `json:"responsesPushed" yaml:"responses_pushed"`
	ResponsesHeld   int `json:"responsesHeld" yaml:"responses_held"`
	// ResponsesSettled counts responses closed locally because the signal
	// expired before they could be sent.
	ResponsesSettled int `json:"responsesSettled" yaml:"responses_settled"`
	LabelsPushed     int `json:"labelsPushed" yaml:"labels_pushed"`
	LabelsPulled     int `json:"labelsPulled" yaml:"labels_pulled"`

	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Changed reports whether the run touched any record.
func (r Report) Changed() bool {
	return r.SignalsPushed+r.SignalsDeleted+r.SignalsExpired+r.SignalsFailed+
		r.ResponsesPushed+r.ResponsesSettled+r.LabelsPushed+r.LabelsPulled > 0
}

func (r Report) String() string {
	return fmt.Sprintf("%d signals pushed, %d deleted, %d expired, %d failed, %d deferred; %d responses pushed, %d held, %d settled; %d labels pushed, %d pulled",
		r.SignalsPushed, r.SignalsDeleted, r.SignalsExpired, r.SignalsFailed, r.SignalsDeferred,
		r.ResponsesPushed, r.ResponsesHeld, r.ResponsesSettled, r.LabelsPushed, r.LabelsPulled)
}

func (r *Report) add(o Report) {
	r.Discarded = r.Discarded || o.Discarded
	r.Passes += o.Passes
	r.SignalsPushed += o.SignalsPushed
	r.SignalsDeleted += o.SignalsDeleted
	r.SignalsExpired += o.SignalsExpired
	r.SignalsFailed += o.SignalsFailed
	r.SignalsDeferred += o.SignalsDeferred
	r.ResponsesPushed += o.ResponsesPushed
	r.ResponsesHeld += o.ResponsesHeld
	r.ResponsesSettled += o.ResponsesSettled
	r.LabelsPushed += o.LabelsPushed
	r.LabelsPulled += o.LabelsPulled
}

// errDiscarded aborts a pass whose identity went stale.
var errDiscarded = errors.New("identity changed during sync")

// RunSync pushes every pending record to the backend and pulls labels.
//
// Runs never overlap. A call made while a pass is running returns
// Report{Queued: true} at once and causes exactly one follow-up pass, no
// matter how many calls arrived. The caller that started the run gets the
// combined report of every pass it executed.
func (c *Coordinator) RunSync(ctx context.Context) (Report, error) {
	c.mu.Lock()
	if c.identity == nil {
		c.mu.Unlock()
		return Report{}, ErrNotAuthenticated
	}
	if !c.online {
		c.mu.Unlock()
		return Report{}, ErrOffline
	}
	if c.syncing {
		c.rerun = true
		c.mu.Unlock()
		return Report{Queued: true}, nil
	}
	c.syncing = true
	c.mu.Unlock()

	start := time.Now()
	var total Report
	var err error
	for {
		var pass Report
		pass, err = c.syncPass(ctx)
		total.add(pass)

		c.mu.Lock()
		again := c.rerun && err == nil && ctx.Err() == nil && c.identity != nil
		c.rerun = false
		if !again {
			c.syncing = false
		}
		c.mu.Unlock()
		if !again {
			break
		}
	}
	total.Duration = time.Since(start)

	if errors.Is(err, errDiscarded) {
		c.logger.Printf("Sync results discarded: identity changed")
		total.Discarded = true
		err = nil
	}
	if err == nil {
		c.observer.OnSyncComplete(total)
	}
	return total, err
}

// syncPass runs the signal, response and label steps once.
func (c *Coordinator) syncPass(ctx context.Context) (Report, error) {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()

	report := Report{Passes: 1}
	if err := c.syncSignals(ctx, gen, &report); err != nil {
		return report, err
	}
	if err := c.syncResponses(ctx, gen, &report); err != nil {
		return report, err
	}
	if err := c.syncLabels(ctx, gen, &report); err != nil {
		return report, err
	}
	return report, nil
}

// pushOutcome is what happened to one signal.
type pushOutcome int

const (
	outcomeSkipped pushOutcome = iota
	outcomePushed
	outcomeDeleted
	outcomeExpired
	outcomeFailed   // terminal: recorded on the signal
	outcomeDeferred // retryable: left pending for the next pass
)

func (c *Coordinator) syncSignals(ctx context.Context, gen uint64, report *Report) error {
	signals, err := c.store.ListSignalsBySyncStatus(ctx, schema.SyncPending, schema.SyncError)
	if err != nil {
		return fmt.Errorf("failed to load unsynced signals: %w", err)
	}

	for _, sig := range signals {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// An error signal with a recorded rejection waits for the user to edit it.
		if sig.SyncStatus == schema.SyncError && sig.SyncError != "" {
			continue
		}
		if !c.claim(sig.LocalID) {
			continue
		}
		outcome, err := c.pushSignal(ctx, sig, gen)
		c.release(sig.LocalID)
		if errors.Is(err, errDiscarded) {
			return err
		}
		if err != nil && !isRemote(err) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Printf("WARNING: failed to record push of signal %s: %v", sig.LocalID, err)
			continue
		}

		switch outcome {
		case outcomePushed:
			report.SignalsPushed++
		case outcomeDeleted:
			report.SignalsDeleted++
		case outcomeExpired:
			report.SignalsExpired++
		case outcomeFailed:
			report.SignalsFailed++
		case outcomeDeferred:
			report.SignalsDeferred++
		}
	}
	return nil
}

// PushSignal pushes one signal immediately. The scheduler uses it to publish
// a signal the moment it is promoted. Returns the backend failure, if any;
// a terminal failure is also recorded on the signal.
func (c *Coordinator) PushSignal(ctx context.Context, localID string) error {
	c.mu.Lock()
	gen, authenticated := c.generation, c.identity != nil
	c.mu.Unlock()
	if !authenticated {
		return ErrNotAuthenticated
	}

	sig, err := c.store.GetSignalContext(ctx, localID)
	if err != nil {
		return fmt.Errorf("failed to load signal %s: %w", localID, err)
	}
	if !c.claim(localID) {
		return ErrPushInFlight
	}
	defer c.release(localID)

	_, err = c.pushSignal(ctx, sig, gen)
	return err
}

// pushSignal sends one signal to the backend and records the outcome.
// Backend failures are returned as *fault.Fault; store failures as wrapped
// errors.
func (c *Coordinator) pushSignal(ctx context.Context, sig *schema.Signal, gen uint64) (pushOutcome, error) {
	now := c.now()

	if sig.Status == schema.StatusDeleted {
		if sig.HasCloudID() {
			if err := c.remote.DeletePoll(ctx, *sig.CloudID); err != nil {
				return c.recordPushFailure(ctx, sig, gen, err)
			}
		}
		if !c.current(gen) {
			return outcomeSkipped, errDiscarded
		}
		if err := c.store.DeleteSignalContext(ctx, sig.LocalID); err != nil && !errors.Is(err, db.ErrNotFound) {
			return outcomeSkipped, err
		}
		c.observer.OnSignalChanged(sig.LocalID, ChangeDeleted)
		return outcomeDeleted, nil
	}

	if sig.IsExpired(now) {
		if sig.SyncStatus != schema.SyncError {
			c.logger.Printf("WARNING: signal %s expired before sync, not pushing", sig.LocalID)
			if err := c.store.MarkSignalError(ctx, sig.LocalID, expiredMessage); err != nil {
				if errors.Is(err, db.ErrNotFound) {
					return outcomeSkipped, nil
				}
				return outcomeSkipped, err
			}
			c.observer.OnSignalChanged(sig.LocalID, ChangeError)
		}
		return outcomeExpired, nil
	}

	// Scheduled signals are published by the scheduler once due.
	if sig.Status == schema.StatusScheduled {
		return outcomeSkipped, nil
	}

	poll := remote.PollFromSignal(sig)
	var cloudID int64
	var err error
	if sig.HasCloudID() {
		cloudID = *sig.CloudID
		err = c.remote.EditPoll(ctx, cloudID, poll, sig.NeedsRepublish)
	} else {
		cloudID, err = c.remote.CreatePoll(ctx, poll)
	}
	if err != nil {
		return c.recordPushFailure(ctx, sig, gen, err)
	}

	if !c.current(gen) {
		return outcomeSkipped, errDiscarded
	}
	res, err := c.store.MarkSignalSynced(ctx, sig.LocalID, cloudID, sig.UpdatedAt)
	if errors.Is(err, db.ErrNotFound) {
		// Deleted locally while the push was in flight. The new poll has no
		// owner left, so withdraw it.
		c.logger.Printf("WARNING: signal %s vanished during push", sig.LocalID)
		if !sig.HasCloudID() {
			if delErr := c.remote.DeletePoll(ctx, cloudID); delErr != nil {
				c.logger.Printf("WARNING: failed to withdraw orphaned poll %d: %v", cloudID, delErr)
			}
		}
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}
	for _, merged := range res.Merged {
		c.observer.OnSignalChanged(merged, ChangeDeleted)
	}
	c.observer.OnSignalChanged(res.LocalID, ChangeSynced)
	return outcomePushed, nil
}

// recordPushFailure marks the signal as failed if the backend refused it
// for good. Retryable failures leave the record untouched.
func (c *Coordinator) recordPushFailure(ctx context.Context, sig *schema.Signal, gen uint64, err error) (pushOutcome, error) {
	if remote.IsRetryable(err) {
		c.logger.Printf("Push of signal %s deferred: %v", sig.LocalID, err)
		return outcomeDeferred, err
	}
	if !c.current(gen) {
		return outcomeSkipped, errDiscarded
	}

	c.logger.Printf("WARNING: backend rejected signal %s: %v", sig.LocalID, err)
	if markErr := c.store.MarkSignalError(ctx, sig.LocalID, failureMessage(err)); markErr != nil {
		if errors.Is(markErr, db.ErrNotFound) {
			return outcomeFailed, err
		}
		return outcomeSkipped, markErr
	}
	c.observer.OnSignalChanged(sig.LocalID, ChangeError)
	return outcomeFailed, err
}

func (c *Coordinator) syncResponses(ctx context.Context, gen uint64, report *Report) error {
	responses, err := c.store.ListResponsesBySyncStatus(ctx, schema.SyncPending)
	if err != nil {
		return fmt.Errorf("failed to load unsynced responses: %w", err)
	}

	now := c.now()
	signals := make(map[string]*schema.Signal)
	for _, resp := range responses {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sig, ok := signals[resp.SignalLocalID]
		if !ok {
			sig, err = c.store.GetSignalContext(ctx, resp.SignalLocalID)
			if errors.Is(err, db.ErrNotFound) {
				continue
			}
			if err != nil {
				c.logger.Printf("WARNING: failed to load signal %s: %v", resp.SignalLocalID, err)
				continue
			}
			signals[resp.SignalLocalID] = sig
		}

		// Held until the signal itself reaches the backend.
		if !sig.HasCloudID() {
			report.ResponsesHeld++
			continue
		}

		expired := sig.IsExpired(now)
		if !expired {
			err := c.remote.SubmitVote(ctx, remote.VoteFromResponse(*sig.CloudID, resp))
			if err != nil && remote.IsRetryable(err) {
				c.logger.Printf("Push of response %s/%s deferred: %v", resp.SignalLocalID, resp.UserID, err)
				continue
			}
			if err != nil {
				c.logger.Printf("WARNING: backend rejected response %s/%s, dropping it: %v", resp.SignalLocalID, resp.UserID, err)
			}
		}
		// Past the deadline the answer can no longer count; it is settled as is.

		if !c.current(gen) {
			return errDiscarded
		}
		if _, err := c.store.MarkResponseSynced(ctx, resp.ID, resp.SubmittedAt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Printf("WARNING: failed to record push of response %s/%s: %v", resp.SignalLocalID, resp.UserID, err)
			continue
		}
		if expired {
			report.ResponsesSettled++
		} else {
			report.ResponsesPushed++
		}
	}
	return nil
}

// isRemote reports whether err came from the backend client.
func isRemote(err error) bool {
	var f *fault.Fault
	return errors.As(err, &f)
}

// failureMessage returns the text recorded on a rejected signal.
func failureMessage(err error) string {
	var f *fault.Fault
	if errors.As(err, &f) {
		if f.Status != 0 {
			return strconv.Itoa(f.Status) + ": " + f.Message
		}
		return f.Message
	}
	return err.Error()
}
