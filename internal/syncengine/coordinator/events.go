package coordinator

import (
	"context"
	"errors"

	"github.com/signalcast/signalsync/internal/syncengine/db"
	"github.com/signalcast/signalsync/internal/syncengine/realtime"
	"github.com/signalcast/signalsync/internal/syncengine/schema"
)

// dispatchLoop applies channel events in receipt order.
func (c *Coordinator) dispatchLoop(ctx context.Context) {
	defer c.wg.Done()
	events := c.channel.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			c.dispatch(ctx, ev)
		}
	}
}

// dispatch handles one event. A failure is logged and never stops the loop.
func (c *Coordinator) dispatch(ctx context.Context, ev realtime.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("ERROR: event handler panic on %s: %v", ev.Type, r)
		}
	}()

	if err := c.HandleEvent(ctx, ev); err != nil {
		c.logger.Printf("Failed to apply %s event: %v", ev.Type, err)
	}
}

// HandleEvent applies one realtime event to the local store.
func (c *Coordinator) HandleEvent(ctx context.Context, ev realtime.Event) error {
	switch ev.Type {
	case realtime.EventConnected:
		c.observer.OnChannelState(realtime.StateConnected)
		c.RequestSync()
		return nil

	case realtime.EventDisconnected:
		c.observer.OnChannelState(realtime.StateDisconnected)
		return nil
	}

	c.mu.Lock()
	authenticated := c.identity != nil
	c.mu.Unlock()
	if !authenticated {
		return nil
	}

	switch ev.Type {
	case realtime.EventPollCreated, realtime.EventPollEdited:
		return c.applyRemoteSignal(ctx, ev)

	case realtime.EventPollDeleted:
		existing, err := c.store.GetSignalByCloudID(ctx, ev.CloudID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		if _, err := c.store.DeleteSignalByCloudID(ctx, ev.CloudID); err != nil {
			return err
		}
		if existing != nil {
			c.observer.OnSignalChanged(existing.LocalID, ChangeDeleted)
		}
		return nil
	}
	return nil
}

// applyRemoteSignal stores a signal pushed by the backend. A local edit that
// has not been pushed yet wins over the remote copy.
func (c *Coordinator) applyRemoteSignal(ctx context.Context, ev realtime.Event) error {
	sig := ev.Poll.ToSignal(c.now())

	var existing *schema.Signal
	if sig.HasCloudID() {
		found, err := c.store.GetSignalByCloudID(ctx, *sig.CloudID)
		switch {
		case errors.Is(err, db.ErrNotFound):
		case err != nil:
			return err
		default:
			existing = found
		}
	}

	if existing != nil && existing.SyncStatus == schema.SyncPending && !ev.Republish {
		c.logger.Printf("Keeping unpushed local edit of %s over remote %s", existing.LocalID, ev.Type)
		return nil
	}

	if ev.Republish && existing != nil {
		n, err := c.store.DeleteResponsesForSignal(ctx, existing.LocalID)
		if err != nil {
			return err
		}
		if n > 0 {
			c.logger.Printf("Signal %s republished, dropped %d responses", existing.LocalID, n)
		}
	}

	res, err := c.store.UpsertSignalContext(ctx, sig)
	if err != nil {
		return err
	}

	change := ChangeCreated
	if existing != nil {
		change = ChangeUpdated
	}
	c.observer.OnSignalChanged(res.LocalID, change)
	return nil
}
