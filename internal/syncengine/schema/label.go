package schema

import (
	"time"

	"github.com/google/uuid"
)

// Label is a tag publishers attach to signals. Names are unique ignoring case.
type Label struct {
	ID          string     `json:"id" validate:"notblank"`
	Name        string     `json:"name" validate:"labelname"`
	Color       string     `json:"color,omitempty"`
	Description string     `json:"description,omitempty"`
	SyncStatus  SyncStatus `json:"syncStatus" validate:"oneof=pending synced error"`
	CloudID     *int64     `json:"cloudId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Validate checks the label invariants.
func (l *Label) Validate() error {
	return validateStruct(l)
}

// SetDefaults fills in optional fields.
func (l *Label) SetDefaults(now time.Time) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.SyncStatus == "" {
		l.SyncStatus = SyncPending
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
}

// SameRemoteState reports whether the mutable fields pulled from the backend match.
func (l *Label) SameRemoteState(remote *Label) bool {
	if l.Color != remote.Color || l.Description != remote.Description {
		return false
	}
	if l.SyncStatus != SyncSynced {
		return false
	}
	switch {
	case l.CloudID == nil && remote.CloudID == nil:
		return true
	case l.CloudID == nil || remote.CloudID == nil:
		return false
	default:
		return *l.CloudID == *remote.CloudID
	}
}
