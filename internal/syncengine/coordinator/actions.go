package coordinator

import (
	"context"
	"fmt"

	"github.com/signalcast/signalsync/internal/fault"
	"github.com/signalcast/signalsync/internal/syncengine/remote"
	"github.com/signalcast/signalsync/internal/syncengine/schema"
)

// User actions write to the local store first and return. The backend is
// reached by the next sync pass, which each action requests.

// CreateSignal stores a new signal authored by the logged-in user.
//
// Example:
//
//	sig, err := c.CreateSignal(ctx, &schema.Signal{
//	    Question:  "Deploy at 5?",
//	    Options:   schema.OptionsFromTexts([]string{"Yes", "No"}),
//	    Consumers: []string{"ops@example.com"},
//	    Deadline:  time.Now().Add(time.Hour),
//	})
func (c *Coordinator) CreateSignal(ctx context.Context, draft *schema.Signal) (*schema.Signal, error) {
	sig := draft.Clone()
	if id := c.Identity(); id != nil {
		if sig.PublisherEmail == "" {
			sig.PublisherEmail = id.Email
		}
		if sig.PublisherName == "" {
			sig.PublisherName = id.Name
		}
	}
	sig.CloudID = nil
	sig.SyncStatus = schema.SyncPending
	sig.SetDefaults(c.now())

	res, err := c.store.UpsertSignalContext(ctx, sig)
	if err != nil {
		return nil, err
	}
	sig.LocalID = res.LocalID

	c.observer.OnSignalChanged(sig.LocalID, ChangeCreated)
	c.RequestSync()
	return sig, nil
}

// EditSignal stores a local edit. With republish set, the answers collected
// so far are dropped here and on the backend. An invalid edit changes
// nothing.
func (c *Coordinator) EditSignal(ctx context.Context, edited *schema.Signal, republish bool) (*schema.Signal, error) {
	current, err := c.store.GetSignalContext(ctx, edited.LocalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load signal %s: %w", edited.LocalID, err)
	}
	if current.Status == schema.StatusDeleted {
		return nil, fault.Validation("signal %s is deleted", edited.LocalID)
	}

	sig := edited.Clone()
	sig.CloudID = current.CloudID
	sig.CreatedAt = current.CreatedAt
	sig.NeedsRepublish = current.NeedsRepublish
	sig.MarkEdited(c.now(), republish)
	if err := sig.Validate(); err != nil {
		return nil, err
	}

	if republish {
		if _, _, err := c.store.RepublishSignal(ctx, sig); err != nil {
			return nil, err
		}
	} else if _, err := c.store.UpsertSignalContext(ctx, sig); err != nil {
		return nil, err
	}

	c.observer.OnSignalChanged(sig.LocalID, ChangeUpdated)
	c.RequestSync()
	return sig, nil
}

// DeleteSignal deletes a signal. A signal the backend has never seen is
// removed at once; otherwise it is marked deleted and removed by the next
// sync pass after the backend confirms.
func (c *Coordinator) DeleteSignal(ctx context.Context, localID string) error {
	sig, err := c.store.GetSignalContext(ctx, localID)
	if err != nil {
		return fmt.Errorf("failed to load signal %s: %w", localID, err)
	}

	if !sig.HasCloudID() {
		if err := c.store.DeleteSignalContext(ctx, localID); err != nil {
			return err
		}
		c.observer.OnSignalChanged(localID, ChangeDeleted)
		return nil
	}

	sig.Status = schema.StatusDeleted
	sig.MarkEdited(c.now(), false)
	if _, err := c.store.UpsertSignalContext(ctx, sig); err != nil {
		return err
	}
	c.observer.OnSignalChanged(localID, ChangeUpdated)
	c.RequestSync()
	return nil
}

// SubmitResponse stores a consumer's answer, replacing any earlier answer by
// the same user.
func (c *Coordinator) SubmitResponse(ctx context.Context, resp *schema.Response) error {
	r := *resp
	r.SyncStatus = schema.SyncPending
	r.SetDefaults(c.now())

	sig, err := c.store.GetSignalContext(ctx, r.SignalLocalID)
	if err != nil {
		return fmt.Errorf("failed to load signal %s: %w", r.SignalLocalID, err)
	}
	if sig.IsExpired(r.SubmittedAt) {
		return fault.Validation("signal %s is past its deadline", sig.LocalID)
	}
	if err := c.store.UpsertResponse(ctx, &r); err != nil {
		return err
	}
	resp.ID = r.ID
	c.RequestSync()
	return nil
}

// CreateLabel stores a new local label.
func (c *Coordinator) CreateLabel(ctx context.Context, label *schema.Label) (*schema.Label, error) {
	l := *label
	l.SyncStatus = schema.SyncPending
	l.CloudID = nil
	l.SetDefaults(c.now())
	if err := c.store.UpsertLabel(ctx, &l); err != nil {
		return nil, err
	}
	c.RequestSync()
	return &l, nil
}

// FetchResults asks the backend for the tally of a synced signal.
func (c *Coordinator) FetchResults(ctx context.Context, localID string) (*remote.Results, error) {
	if c.Identity() == nil {
		return nil, ErrNotAuthenticated
	}
	sig, err := c.store.GetSignalContext(ctx, localID)
	if err != nil {
		return nil, fmt.Errorf("failed to load signal %s: %w", localID, err)
	}
	if !sig.HasCloudID() {
		return nil, fault.Validation("signal %s has not been synced yet", localID)
	}
	return c.remote.FetchResults(ctx, *sig.CloudID)
}
