// Package fault classifies the failures the sync engine has to tell apart.
//
// The engine only cares about four kinds of failure:
//
//   - Validation: the record is malformed. Never retried.
//   - Network: no response from the backend. Always retried on the next pass.
//   - Rejection: the backend answered with an error for a well-formed payload.
//     Terminal for the record unless Retryable is set (5xx).
//   - Channel: the realtime push channel failed. Only affects the channel lifecycle.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the failure class.
type Kind int

const (
	KindValidation Kind = iota
	KindNetwork
	KindRejection
	KindChannel
)

// String returns the kind name used in log lines.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindNetwork:
		return "NetworkError"
	case KindRejection:
		return "RemoteRejection"
	case KindChannel:
		return "ChannelError"
	default:
		return "UnknownError"
	}
}

// Fault is a classified error.
type Fault struct {
	Kind    Kind
	Message string
	// Status is the HTTP status for remote failures, 0 otherwise.
	Status int
	// Retryable is only meaningful for KindRejection.
	Retryable bool
	Err       error
}

func (f *Fault) Error() string {
	prefix := f.Kind.String()
	if f.Status != 0 {
		prefix = fmt.Sprintf("%s %d", prefix, f.Status)
	}
	if f.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", prefix, f.Message, f.Err)
	}
	return fmt.Sprintf("[%s] %s", prefix, f.Message)
}

// Unwrap allows errors.Is and errors.As to work.
func (f *Fault) Unwrap() error {
	return f.Err
}

// Validation creates a validation fault.
func Validation(format string, args ...any) error {
	return &Fault{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// WrapValidation wraps err as a validation fault.
func WrapValidation(msg string, err error) error {
	return &Fault{Kind: KindValidation, Message: msg, Err: err}
}

// RemoteValidation creates a validation fault for a payload the backend refused (400/422).
func RemoteValidation(status int, msg string) error {
	return &Fault{Kind: KindValidation, Status: status, Message: msg}
}

// Network creates a network fault.
func Network(msg string, err error) error {
	return &Fault{Kind: KindNetwork, Message: msg, Err: err}
}

// Rejection creates a remote rejection fault for the given HTTP status.
// Server-side (5xx) rejections are retryable.
func Rejection(status int, msg string) error {
	return &Fault{Kind: KindRejection, Status: status, Message: msg, Retryable: status >= 500}
}

// Channel creates a channel fault.
func Channel(msg string, err error) error {
	return &Fault{Kind: KindChannel, Message: msg, Err: err}
}

// KindOf returns the kind of err and whether err is a Fault at all.
func KindOf(err error) (Kind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return 0, false
}

// IsValidation reports whether err is a validation fault.
func IsValidation(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindValidation
}

// IsNetwork reports whether err is a network fault.
func IsNetwork(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindNetwork
}

// IsRejection reports whether err is a remote rejection.
func IsRejection(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindRejection
}

// IsChannel reports whether err is a channel fault.
func IsChannel(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindChannel
}

// IsTerminal reports whether a failed record should stop being retried
// automatically: validation faults and non-retryable rejections.
func IsTerminal(err error) bool {
	var f *Fault
	if !errors.As(err, &f) {
		return false
	}
	switch f.Kind {
	case KindValidation:
		return true
	case KindRejection:
		return !f.Retryable
	default:
		return false
	}
}
