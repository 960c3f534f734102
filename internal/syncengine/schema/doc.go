// Package schema defines the records the sync engine keeps locally.
//
// # Records
//
//   - Signal: a prompt with ordered options, a deadline and a set of consumers.
//     Identified by a client-generated LocalID; CloudID arrives once synced.
//   - Response: one consumer's answer, keyed by (SignalLocalID, UserID).
//   - Label: a case-insensitively unique tag.
//
// # Validation
//
// Every record has a Validate method. The store calls it before any write, so
// an invalid record never touches persisted state. Failures are
// fault.KindValidation errors:
//
//	sig := &schema.Signal{Question: "Lunch?", Options: schema.OptionsFromTexts([]string{"Pizza", "pizza"})}
//	sig.SetDefaults(time.Now())
//	err := sig.Validate() // duplicate option "pizza"
//
// Option texts and label names are compared with Unicode case folding
// (golang.org/x/text/cases), not strings.ToLower.
package schema
