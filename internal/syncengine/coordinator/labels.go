package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalcast/signalsync/internal/fault"
	"github.com/signalcast/signalsync/internal/syncengine/db"
	"github.com/signalcast/signalsync/internal/syncengine/remote"
	"github.com/signalcast/signalsync/internal/syncengine/schema"
)

// SyncLabels pushes pending local labels and pulls the backend's labels.
// It is also the last step of every RunSync pass.
func (c *Coordinator) SyncLabels(ctx context.Context) (Report, error) {
	c.mu.Lock()
	gen, authenticated := c.generation, c.identity != nil
	c.mu.Unlock()
	if !authenticated {
		return Report{}, ErrNotAuthenticated
	}

	var report Report
	err := c.syncLabels(ctx, gen, &report)
	if errors.Is(err, errDiscarded) {
		report.Discarded = true
		err = nil
	}
	return report, err
}

func (c *Coordinator) syncLabels(ctx context.Context, gen uint64, report *Report) error {
	if err := c.pushLabels(ctx, gen, report); err != nil {
		return err
	}
	return c.pullLabels(ctx, gen, report)
}

func (c *Coordinator) pushLabels(ctx context.Context, gen uint64, report *Report) error {
	pending, err := c.store.ListLabelsBySyncStatus(ctx, schema.SyncPending)
	if err != nil {
		return fmt.Errorf("failed to load unsynced labels: %w", err)
	}

	for _, label := range pending {
		created, err := c.remote.CreateLabel(ctx, remote.LabelFromLocal(label))
		if err != nil {
			if remote.IsRetryable(err) {
				c.logger.Printf("Push of label %s deferred: %v", label.Name, err)
				continue
			}
			c.logger.Printf("WARNING: backend rejected label %s: %v", label.Name, err)
			if !c.current(gen) {
				return errDiscarded
			}
			if err := c.store.UpdateSyncStatus(ctx, db.KindLabel, label.ID, schema.SyncError); err != nil && !errors.Is(err, db.ErrNotFound) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Printf("WARNING: failed to record rejection of label %s: %v", label.Name, err)
			}
			continue
		}

		if !c.current(gen) {
			return errDiscarded
		}
		label.SyncStatus = schema.SyncSynced
		if created.ID > 0 {
			id := created.ID
			label.CloudID = &id
		}
		if err := c.store.UpsertLabel(ctx, label); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Printf("WARNING: failed to record push of label %s: %v", label.Name, err)
			continue
		}
		report.LabelsPushed++
	}
	return nil
}

// pullLabels merges the backend's labels into the store. It only adds and
// corrects; local labels missing remotely are kept.
func (c *Coordinator) pullLabels(ctx context.Context, gen uint64, report *Report) error {
	labels, err := c.remote.FetchLabels(ctx)
	if err != nil {
		// The pull is repeated on the next pass.
		c.logger.Printf("Label pull skipped: %v", err)
		return nil
	}
	if !c.current(gen) {
		return errDiscarded
	}

	now := c.now()
	for i := range labels {
		incoming := labels[i].ToLocal()

		local, err := c.store.GetLabelByName(ctx, incoming.Name)
		switch {
		case errors.Is(err, db.ErrNotFound):
			incoming.SetDefaults(now)
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Printf("WARNING: failed to load label %q: %v", incoming.Name, err)
			continue
		default:
			if local.SameRemoteState(incoming) {
				continue
			}
			local.Color = incoming.Color
			local.Description = incoming.Description
			local.CloudID = incoming.CloudID
			local.SyncStatus = schema.SyncSynced
			incoming = local
		}

		if err := c.store.UpsertLabel(ctx, incoming); err != nil {
			if fault.IsValidation(err) {
				c.logger.Printf("WARNING: skipping remote label %q: %v", labels[i].Name, err)
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Printf("WARNING: failed to store remote label %q: %v", labels[i].Name, err)
			continue
		}
		report.LabelsPulled++
	}
	return nil
}
