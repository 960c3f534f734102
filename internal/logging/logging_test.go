package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "signalsync.log")

	sink, err := Open(Options{File: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	sink.Logger("coordinator").Printf("Sync complete")
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	line := string(data)
	if !strings.HasPrefix(line, "[coordinator] ") {
		t.Errorf("expected component prefix, got %q", line)
	}
	if !strings.Contains(line, "Sync complete") {
		t.Errorf("expected message in %q", line)
	}
}

func TestStderrSink(t *testing.T) {
	sink, err := Open(Options{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if sink.Writer() != os.Stderr {
		t.Error("expected stderr writer without a file")
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close() on stderr sink: %v", err)
	}
}

func TestDiscard(t *testing.T) {
	Discard().Logger("x").Printf("dropped")
}
