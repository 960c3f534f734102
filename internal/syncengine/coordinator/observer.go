package coordinator

import "github.com/signalcast/signalsync/internal/syncengine/realtime"

// Change describes what happened to a signal.
type Change string

const (
	ChangeCreated Change = "created"
	ChangeUpdated Change = "updated"
	ChangeDeleted Change = "deleted"
	ChangeSynced  Change = "synced"
	ChangeError   Change = "error"
)

// Observer receives coordinator notifications. Methods are called from the
// coordinator's goroutines and must not block.
type Observer interface {
	OnSyncComplete(report Report)
	OnSignalChanged(localID string, change Change)
	OnChannelState(state realtime.State)
}

type nopObserver struct{}

func (nopObserver) OnSyncComplete(Report)          {}
func (nopObserver) OnSignalChanged(string, Change) {}
func (nopObserver) OnChannelState(realtime.State)  {}
