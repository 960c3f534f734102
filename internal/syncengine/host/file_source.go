package host

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileActivitySource reads the device state from a file holding one of
// active, idle, locked or sleeping. A missing file means active.
//
// The host process (a screen-lock hook, a power manager script) writes the
// file; after Start, writes are signalled on Changes without waiting for the
// next poll.
type FileActivitySource struct {
	path    string
	watcher *fsnotify.Watcher
	changes chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewFileActivitySource creates a source for path.
func NewFileActivitySource(path string) *FileActivitySource {
	return &FileActivitySource{
		path:    path,
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// DeviceState reads the file.
func (s *FileActivitySource) DeviceState(ctx context.Context) (DeviceState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return DeviceActive, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	return ParseDeviceState(string(data))
}

// Changes signals writes to the file. Signals are coalesced.
func (s *FileActivitySource) Changes() <-chan struct{} {
	return s.changes
}

// Start watches the file's directory, so the file may be created, replaced
// or removed while watched.
func (s *FileActivitySource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("activity source already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(s.path), err)
	}

	s.watcher = watcher
	s.running = true
	s.wg.Add(1)
	go s.processEvents()
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (s *FileActivitySource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (s *FileActivitySource) processEvents() {
	defer s.wg.Done()
	target := filepath.Clean(s.path)

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target || event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			select {
			case s.changes <- struct{}{}:
			default:
			}

		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}
