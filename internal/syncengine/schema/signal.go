package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a signal.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusScheduled Status = "scheduled"
	StatusDeleted   Status = "deleted"
)

// AnonymityMode controls whether responses are attributed to consumers.
type AnonymityMode string

const (
	AnonymityAnonymous AnonymityMode = "anonymous"
	AnonymityRecord    AnonymityMode = "record"
)

// SyncStatus tracks whether a local record has been acknowledged by the backend.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncError   SyncStatus = "error"
)

// tempIDPrefix marks local ids derived from a backend id (realtime events).
const tempIDPrefix = "cloud-"

// Option is one answer choice of a signal.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text" validate:"notblank"`
}

// Signal is a prompt broadcast by a publisher to a set of consumers.
//
// LocalID is client generated and never changes. CloudID is attached once the
// backend acknowledges the signal.
type Signal struct {
	// ===== Identity =====
	LocalID string `json:"localId" validate:"notblank"`
	CloudID *int64 `json:"cloudId,omitempty"`

	// ===== Content =====
	Question        string   `json:"question" validate:"notblank,max=2000"`
	Options         []Option `json:"options" validate:"min=2,dive"`
	DefaultResponse string   `json:"defaultResponse,omitempty"`

	// ===== Audience =====
	PublisherEmail string   `json:"publisherEmail"`
	PublisherName  string   `json:"publisherName"`
	Consumers      []string `json:"consumers"`
	Labels         []string `json:"labels,omitempty"`

	// ===== Behaviour =====
	Status                 Status        `json:"status" validate:"oneof=active completed scheduled deleted"`
	AnonymityMode          AnonymityMode `json:"anonymityMode" validate:"oneof=anonymous record"`
	ShowDefaultToConsumers bool          `json:"showDefaultToConsumers"`
	IsPersistentFinalAlert bool          `json:"isPersistentFinalAlert"`
	IsEdited               bool          `json:"isEdited"`
	NeedsRepublish         bool          `json:"needsRepublish,omitempty"`

	// ===== Timing =====
	Deadline     time.Time  `json:"deadline" validate:"required"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	PublishedAt  *time.Time `json:"publishedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`

	// ===== Sync bookkeeping =====
	SyncStatus SyncStatus `json:"syncStatus" validate:"oneof=pending synced error"`
	SyncError  string     `json:"syncError,omitempty"`
}

// NewSignalID returns a fresh client-generated local id.
func NewSignalID() string {
	return uuid.NewString()
}

// TempSignalID returns the local id used for a signal first seen through the
// realtime channel. If no cloud id is known a random temporary id is used.
func TempSignalID(cloudID *int64) string {
	if cloudID != nil {
		return fmt.Sprintf("%s%d", tempIDPrefix, *cloudID)
	}
	return tempIDPrefix + "tmp-" + uuid.NewString()
}

// IsTempID reports whether id was produced by TempSignalID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// SetDefaults fills in optional fields.
func (s *Signal) SetDefaults(now time.Time) {
	if s.LocalID == "" {
		s.LocalID = NewSignalID()
	}
	if s.Status == "" {
		if s.ScheduledFor != nil && s.ScheduledFor.After(now) {
			s.Status = StatusScheduled
		} else {
			s.Status = StatusActive
		}
	}
	if s.AnonymityMode == "" {
		s.AnonymityMode = AnonymityRecord
	}
	if s.SyncStatus == "" {
		s.SyncStatus = SyncPending
	}
	if s.Consumers == nil {
		s.Consumers = []string{}
	}
	if s.Labels == nil {
		s.Labels = []string{}
	}
	for i := range s.Options {
		if s.Options[i].ID == "" {
			s.Options[i].ID = fmt.Sprintf("opt-%d", i+1)
		}
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	if s.Status == StatusActive && s.PublishedAt == nil {
		t := now
		s.PublishedAt = &t
	}
}

// MarkEdited records a local edit. The signal must be pushed again.
func (s *Signal) MarkEdited(now time.Time, republish bool) {
	s.IsEdited = true
	s.UpdatedAt = now
	s.SyncStatus = SyncPending
	s.SyncError = ""
	if republish {
		s.NeedsRepublish = true
	}
}

// IsExpired reports whether the deadline has passed.
func (s *Signal) IsExpired(now time.Time) bool {
	return !s.Deadline.After(now)
}

// IsDue reports whether a scheduled signal should be activated.
func (s *Signal) IsDue(now time.Time) bool {
	return s.Status == StatusScheduled && s.ScheduledFor != nil && !s.ScheduledFor.After(now)
}

// ConsumerCount returns the number of distinct consumers.
func (s *Signal) ConsumerCount() int {
	seen := make(map[string]struct{}, len(s.Consumers))
	for _, c := range s.Consumers {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		seen[NormalizeName(c)] = struct{}{}
	}
	return len(seen)
}

// HasCloudID reports whether the backend has acknowledged the signal.
func (s *Signal) HasCloudID() bool {
	return s.CloudID != nil && *s.CloudID > 0
}

// OptionTexts returns the option texts in order.
func (s *Signal) OptionTexts() []string {
	texts := make([]string, len(s.Options))
	for i, o := range s.Options {
		texts[i] = o.Text
	}
	return texts
}

// OptionsFromTexts builds an option list from plain texts.
func OptionsFromTexts(texts []string) []Option {
	opts := make([]Option, 0, len(texts))
	for i, t := range texts {
		opts = append(opts, Option{ID: fmt.Sprintf("opt-%d", i+1), Text: t})
	}
	return opts
}

// Validate checks the signal invariants. Invalid signals must never reach the store.
func (s *Signal) Validate() error {
	if err := validateStruct(s); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(s.Options))
	for _, o := range s.Options {
		key := NormalizeName(strings.TrimSpace(o.Text))
		if _, dup := seen[key]; dup {
			return validationf("duplicate option %q", o.Text)
		}
		seen[key] = struct{}{}
	}

	if s.Status == StatusScheduled && s.ScheduledFor == nil {
		return validationf("scheduled signal requires scheduledFor")
	}
	if s.CloudID != nil && *s.CloudID <= 0 {
		return validationf("cloudId must be positive (got %d)", *s.CloudID)
	}
	return nil
}

// Clone returns a deep copy.
func (s *Signal) Clone() *Signal {
	c := *s
	if s.CloudID != nil {
		id := *s.CloudID
		c.CloudID = &id
	}
	c.Options = append([]Option(nil), s.Options...)
	c.Consumers = append([]string(nil), s.Consumers...)
	c.Labels = append([]string(nil), s.Labels...)
	c.ScheduledFor = cloneTime(s.ScheduledFor)
	c.PublishedAt = cloneTime(s.PublishedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Int64Ptr is a small helper for optional ids.
func Int64Ptr(v int64) *int64 {
	return &v
}
