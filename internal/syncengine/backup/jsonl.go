// Package backup exports the local store to JSON Lines and imports it back.
//
// Each line holds one record. Labels come first, then each signal followed
// by its responses, so a file can be imported in a single forward pass.
package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/signalcast/signalsync/internal/syncengine/db"
	"github.com/signalcast/signalsync/internal/syncengine/schema"
)

// Kind tags a record.
type Kind string

const (
	KindLabel    Kind = "label"
	KindSignal   Kind = "signal"
	KindResponse Kind = "response"
)

// Record is one line of an export.
type Record struct {
	Kind     Kind             `json:"kind"`
	Label    *schema.Label    `json:"label,omitempty"`
	Signal   *schema.Signal   `json:"signal,omitempty"`
	Response *schema.Response `json:"response,omitempty"`
}

// Result counts what an export or import touched.
type Result struct {
	Labels        int
	Signals       int
	Responses     int
	Merged        int
	BackupCreated string
	Errors        []string
}

// ImportOptions controls Import.
type ImportOptions struct {
	From   string // input JSONL path
	DryRun bool   // parse and validate without writing
	Backup bool   // snapshot the store before writing
}

// Export writes every label, signal and response in the store to w.
func Export(ctx context.Context, store *db.DB, w io.Writer) (*Result, error) {
	result := &Result{}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	labels, err := store.ListLabels(ctx)
	if err != nil {
		return nil, err
	}
	for _, l := range labels {
		if err := enc.Encode(Record{Kind: KindLabel, Label: l}); err != nil {
			return nil, fmt.Errorf("failed to encode label %s: %w", l.Name, err)
		}
		result.Labels++
	}

	signals, err := store.ListSignalsContext(ctx)
	if err != nil {
		return nil, err
	}
	for _, sig := range signals {
		if err := enc.Encode(Record{Kind: KindSignal, Signal: sig}); err != nil {
			return nil, fmt.Errorf("failed to encode signal %s: %w", sig.LocalID, err)
		}
		result.Signals++

		responses, err := store.ListResponses(ctx, sig.LocalID)
		if err != nil {
			return nil, err
		}
		for _, r := range responses {
			if err := enc.Encode(Record{Kind: KindResponse, Response: r}); err != nil {
				return nil, fmt.Errorf("failed to encode response %s/%s: %w", r.SignalLocalID, r.UserID, err)
			}
			result.Responses++
		}
	}

	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to write export: %w", err)
	}
	return result, nil
}

// ReadRecords parses a JSONL export.
func ReadRecords(path string) ([]Record, error) {
	// #nosec G304 - path comes from the command line
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	var records []Record
	dec := json.NewDecoder(file)
	for line := 1; ; line++ {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", line, err)
		}
		if err := rec.check(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r Record) check() error {
	var ok bool
	switch r.Kind {
	case KindLabel:
		ok = r.Label != nil
	case KindSignal:
		ok = r.Signal != nil
	case KindResponse:
		ok = r.Response != nil
	default:
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}
	if !ok {
		return fmt.Errorf("%s record without a %s", r.Kind, r.Kind)
	}
	return nil
}

// Import upserts the records of a JSONL export into the store. Signals go
// through the usual duplicate merge, so importing into a store that already
// knows a signal by its cloud id folds the two together. A record that fails
// validation is reported in Result.Errors and skipped.
func Import(ctx context.Context, store *db.DB, opts ImportOptions) (*Result, error) {
	records, err := ReadRecords(opts.From)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	if opts.Backup && !opts.DryRun {
		path, err := Snapshot(ctx, store)
		if err != nil {
			return nil, err
		}
		result.BackupCreated = path
	}

	// Responses follow their signal, whose local id may change on merge.
	renamed := make(map[string]string)
	for _, rec := range records {
		switch rec.Kind {
		case KindLabel:
			if err := rec.Label.Validate(); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("label %s: %v", rec.Label.Name, err))
				continue
			}
			if !opts.DryRun {
				if err := store.UpsertLabel(ctx, rec.Label); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("label %s: %v", rec.Label.Name, err))
					continue
				}
			}
			result.Labels++

		case KindSignal:
			sig := rec.Signal
			if err := sig.Validate(); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("signal %s: %v", sig.LocalID, err))
				continue
			}
			if !opts.DryRun {
				res, err := store.UpsertSignalContext(ctx, sig)
				if err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("signal %s: %v", sig.LocalID, err))
					continue
				}
				if res.LocalID != sig.LocalID {
					renamed[sig.LocalID] = res.LocalID
				}
				result.Merged += len(res.Merged)
			}
			result.Signals++

		case KindResponse:
			resp := *rec.Response
			if id, ok := renamed[resp.SignalLocalID]; ok {
				resp.SignalLocalID = id
			}
			resp.ID = 0
			if err := resp.Validate(); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("response %s/%s: %v", resp.SignalLocalID, resp.UserID, err))
				continue
			}
			if !opts.DryRun {
				if err := store.UpsertResponse(ctx, &resp); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("response %s/%s: %v", resp.SignalLocalID, resp.UserID, err))
					continue
				}
			}
			result.Responses++
		}
	}
	return result, nil
}

// Snapshot writes a consistent copy of the store next to it and returns the
// copy's path.
func Snapshot(ctx context.Context, store *db.DB) (string, error) {
	path := store.Path() + ".backup." + time.Now().Format("20060102-150405")
	if _, err := store.RawDB().ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}
	return path, nil
}
