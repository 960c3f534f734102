package remote

import (
	"strings"
	"time"

	"github.com/signalcast/signalsync/internal/fault"
	"github.com/signalcast/signalsync/internal/syncengine/schema"
)

// Poll is the backend's representation of a signal. The realtime channel
// delivers the same shape.
type Poll struct {
	ID                     *int64          `json:"id,omitempty"`
	LocalID                string          `json:"localId,omitempty"`
	Question               string          `json:"question"`
	Options                []schema.Option `json:"options"`
	PublisherEmail         string          `json:"publisherEmail"`
	PublisherName          string          `json:"publisherName"`
	Consumers              []string        `json:"consumers"`
	Labels                 []string        `json:"labels,omitempty"`
	Deadline               time.Time       `json:"deadline"`
	Status                 string          `json:"status"`
	AnonymityMode          string          `json:"anonymityMode"`
	DefaultResponse        string          `json:"defaultResponse,omitempty"`
	ShowDefaultToConsumers bool            `json:"showDefaultToConsumers"`
	IsPersistentFinalAlert bool            `json:"isPersistentFinalAlert"`
	IsEdited               bool            `json:"isEdited"`
	PublishedAt            *time.Time      `json:"publishedAt,omitempty"`
	ScheduledFor           *time.Time      `json:"scheduledFor,omitempty"`
}

// PollFromSignal builds the wire payload for a local signal.
func PollFromSignal(sig *schema.Signal) *Poll {
	p := &Poll{
		LocalID:                sig.LocalID,
		Question:               sig.Question,
		Options:                append([]schema.Option(nil), sig.Options...),
		PublisherEmail:         sig.PublisherEmail,
		PublisherName:          sig.PublisherName,
		Consumers:              append([]string{}, sig.Consumers...),
		Labels:                 append([]string(nil), sig.Labels...),
		Deadline:               sig.Deadline,
		Status:                 string(sig.Status),
		AnonymityMode:          string(sig.AnonymityMode),
		DefaultResponse:        sig.DefaultResponse,
		ShowDefaultToConsumers: sig.ShowDefaultToConsumers,
		IsPersistentFinalAlert: sig.IsPersistentFinalAlert,
		IsEdited:               sig.IsEdited,
		PublishedAt:            sig.PublishedAt,
		ScheduledFor:           sig.ScheduledFor,
	}
	if sig.CloudID != nil {
		id := *sig.CloudID
		p.ID = &id
	}
	return p
}

// ToSignal maps a backend poll onto the local signal shape.
//
// The local id is derived from the backend id (or a temporary id when the
// payload has none). The store merges it with any existing row that already
// carries the same cloud id. The result is marked synced: it came from the
// backend.
func (p *Poll) ToSignal(now time.Time) *schema.Signal {
	localID := schema.TempSignalID(p.ID)
	if p.ID == nil && p.LocalID != "" {
		localID = p.LocalID
	}

	sig := &schema.Signal{
		LocalID:                localID,
		Question:               p.Question,
		Options:                append([]schema.Option(nil), p.Options...),
		PublisherEmail:         p.PublisherEmail,
		PublisherName:          p.PublisherName,
		Consumers:              append([]string{}, p.Consumers...),
		Labels:                 append([]string{}, p.Labels...),
		Deadline:               p.Deadline,
		Status:                 schema.Status(p.Status),
		AnonymityMode:          schema.AnonymityMode(p.AnonymityMode),
		DefaultResponse:        p.DefaultResponse,
		ShowDefaultToConsumers: p.ShowDefaultToConsumers,
		IsPersistentFinalAlert: p.IsPersistentFinalAlert,
		IsEdited:               p.IsEdited,
		PublishedAt:            p.PublishedAt,
		ScheduledFor:           p.ScheduledFor,
		SyncStatus:             schema.SyncSynced,
		UpdatedAt:              now,
	}
	if p.ID != nil {
		id := *p.ID
		sig.CloudID = &id
	}
	sig.SetDefaults(now)
	return sig
}

// Vote is one consumer's answer as submitted to the backend.
// Exactly one of SelectedOption, DefaultResponse and SkipReason is set.
type Vote struct {
	PollID          int64     `json:"pollId"`
	UserID          string    `json:"userId"`
	SelectedOption  string    `json:"selectedOption,omitempty"`
	DefaultResponse string    `json:"defaultResponse,omitempty"`
	SkipReason      string    `json:"skipReason,omitempty"`
	SubmittedAt     time.Time `json:"submittedAt"`
}

// VoteFromResponse builds the vote for a stored response.
func VoteFromResponse(cloudID int64, resp *schema.Response) *Vote {
	v := &Vote{
		PollID:      cloudID,
		UserID:      resp.UserID,
		SkipReason:  resp.SkipReason,
		SubmittedAt: resp.SubmittedAt,
	}
	if resp.IsDefault {
		v.DefaultResponse = resp.SelectedOption
	} else {
		v.SelectedOption = resp.SelectedOption
	}
	return v
}

// Validate enforces the payload rules the backend expects.
func (v *Vote) Validate() error {
	if v.PollID <= 0 {
		return fault.Validation("vote requires a poll id")
	}
	if strings.TrimSpace(v.UserID) == "" {
		return fault.Validation("vote requires a user id")
	}
	set := 0
	for _, s := range []string{v.SelectedOption, v.DefaultResponse, v.SkipReason} {
		if strings.TrimSpace(s) != "" {
			set++
		}
	}
	if set != 1 {
		return fault.Validation("vote must carry exactly one of selectedOption, defaultResponse, skipReason (got %d)", set)
	}
	return nil
}

// Results is the aggregated outcome of a poll.
type Results struct {
	PollID    int64          `json:"pollId"`
	Total     int            `json:"total"`
	Counts    map[string]int `json:"counts"`
	Defaults  int            `json:"defaults"`
	Skipped   int            `json:"skipped"`
	Consumers int            `json:"consumers"`
}

// Label is the backend's representation of a label.
type Label struct {
	ID          int64  `json:"id,omitempty"`
	Name        string `json:"name"`
	Color       string `json:"color,omitempty"`
	Description string `json:"description,omitempty"`
}

// LabelFromLocal builds the wire payload for a local label.
func LabelFromLocal(l *schema.Label) *Label {
	out := &Label{Name: l.Name, Color: l.Color, Description: l.Description}
	if l.CloudID != nil {
		out.ID = *l.CloudID
	}
	return out
}

// ToLocal maps a backend label onto the local shape, marked synced.
func (l *Label) ToLocal() *schema.Label {
	out := &schema.Label{
		Name:        l.Name,
		Color:       l.Color,
		Description: l.Description,
		SyncStatus:  schema.SyncSynced,
	}
	if l.ID > 0 {
		id := l.ID
		out.CloudID = &id
	}
	return out
}

// Identity is the authenticated user.
type Identity struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// Session is the result of a successful login.
type Session struct {
	Token     string    `json:"token"`
	Identity  Identity  `json:"identity"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}
