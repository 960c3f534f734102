package schema

import (
	"strings"
	"time"
)

// Response is one consumer's answer to a signal.
//
// (SignalLocalID, UserID) identifies a response. SelectedOption carries either
// the chosen option text or, when IsDefault is set, the default response text.
// SkipReason is mutually exclusive with SelectedOption.
type Response struct {
	ID             int64      `json:"id,omitempty"`
	SignalLocalID  string     `json:"signalLocalId" validate:"notblank"`
	UserID         string     `json:"userId" validate:"notblank"`
	SelectedOption string     `json:"selectedOption,omitempty"`
	IsDefault      bool       `json:"isDefault"`
	SkipReason     string     `json:"skipReason,omitempty"`
	SubmittedAt    time.Time  `json:"submittedAt"`
	SyncStatus     SyncStatus `json:"syncStatus" validate:"oneof=pending synced"`
}

// Validate checks the response invariants.
func (r *Response) Validate() error {
	if err := validateStruct(r); err != nil {
		return err
	}

	hasOption := strings.TrimSpace(r.SelectedOption) != ""
	hasSkip := strings.TrimSpace(r.SkipReason) != ""
	switch {
	case !hasOption && !hasSkip:
		return validationf("response requires a selected option, default response or skip reason")
	case hasOption && hasSkip:
		return validationf("response cannot carry both a selected option and a skip reason")
	case r.IsDefault && !hasOption:
		return validationf("default response requires the default response text")
	}
	return nil
}

// SetDefaults fills in optional fields.
func (r *Response) SetDefaults(now time.Time) {
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = now
	}
	if r.SyncStatus == "" {
		r.SyncStatus = SyncPending
	}
}

// Key returns the composite identity of the response.
func (r *Response) Key() ResponseKey {
	return ResponseKey{SignalLocalID: r.SignalLocalID, UserID: r.UserID}
}

// ResponseKey is the composite identity (signalLocalId, userId).
type ResponseKey struct {
	SignalLocalID string
	UserID        string
}
