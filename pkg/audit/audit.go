// Package audit maintains an append-only, content-hashed log of engine
// activity for compliance reporting. Entries are never edited or removed.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/finpilot-labs/finpilot/pkg/canonical"
)

// Status of an audited operation.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Event is one audit log entry.
type Event struct {
	Timestamp    string         `json:"timestamp"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	UserID       string         `json:"user_id,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Status       string         `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Hash         string         `json:"hash"`
}

// Log records engine activity.
type Log interface {
	Append(event Event) error
	Entries() []Event
}

// stamp fills the timestamp and content hash of an event.
func stamp(event *Event) error {
	event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	event.Hash = ""
	h, err := canonical.Hash(event)
	if err != nil {
		return fmt.Errorf("audit: hash event: %w", err)
	}
	event.Hash = h
	return nil
}

// FileLog appends JSON lines to a file.
type FileLog struct {
	mu   sync.Mutex
	path string
}

// NewFileLog creates (if needed) and opens an audit log file.
func NewFileLog(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log file: %w", err)
	}
	_ = f.Close()
	return &FileLog{path: path}, nil
}

func (l *FileLog) Append(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := stamp(&event); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: write event: %w", err)
	}
	return nil
}

func (l *FileLog) Entries() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	var events []Event
	dec := json.NewDecoder(f)
	for dec.More() {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events
}

// MemoryLog keeps events in memory. Used in tests and single-shot tools.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryLog creates an empty in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := stamp(&event); err != nil {
		return err
	}
	l.events = append(l.events, event)
	return nil
}

func (l *MemoryLog) Entries() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}
