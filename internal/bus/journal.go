package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/trecbench/trecbench/internal/pkg/errors"
)

// JournaledEvent is an event as recorded on disk.
type JournaledEvent struct {
	Event     Event     `json:"event"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
}

// Journal records published events to a JSON-lines file so an
// evaluation run's lifecycle can be audited or replayed afterwards.
type Journal struct {
	path    string
	mu      sync.Mutex
	file    *os.File
	enabled bool
	encoder *json.Encoder
}

// NewJournal creates an event journal. When enabled is false the
// journal is inert and every call is a no-op.
func NewJournal(path string, enabled bool) (*Journal, error) {
	j := &Journal{path: path, enabled: enabled}
	if !enabled {
		return j, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.PersistenceError("cannot create journal directory", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.PersistenceError("cannot open journal file", path, err)
	}

	j.file = file
	j.encoder = json.NewEncoder(file)
	return j, nil
}

// Record appends an event to the journal.
func (j *Journal) Record(topic string, event Event) error {
	if !j.enabled {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return errors.New(errors.CodeInternal, "journal not initialized")
	}

	entry := JournaledEvent{
		Event:     event,
		Topic:     topic,
		Timestamp: time.Now(),
	}
	if err := j.encoder.Encode(entry); err != nil {
		return errors.PersistenceError("cannot append to journal", j.path, err)
	}
	if err := j.file.Sync(); err != nil {
		return errors.PersistenceError("cannot sync journal", j.path, err)
	}
	return nil
}

// Events reads journaled events newer than since, at most limit when
// limit > 0, in chronological order.
func (j *Journal) Events(since time.Time, limit int) ([]JournaledEvent, error) {
	if !j.enabled {
		return nil, errors.New(errors.CodeUnavailable, "event journaling is disabled")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []JournaledEvent{}, nil
		}
		return nil, errors.PersistenceError("cannot open journal", j.path, err)
	}
	defer file.Close()

	var events []JournaledEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var entry JournaledEvent
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // Skip malformed lines
		}
		if entry.Timestamp.After(since) {
			events = append(events, entry)
			if limit > 0 && len(events) >= limit {
				break
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.PersistenceError("cannot scan journal", j.path, err)
	}

	return events, nil
}

// Replay republishes journaled events newer than since to a bus.
func (j *Journal) Replay(ctx context.Context, target Bus, since time.Time) error {
	events, err := j.Events(since, 0)
	if err != nil {
		return err
	}

	for _, entry := range events {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := target.Publish(ctx, entry.Topic, entry.Event); err != nil {
				return fmt.Errorf("replaying event %s: %w", entry.Event.ID, err)
			}
		}
	}

	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	if !j.enabled {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return errors.PersistenceError("cannot close journal", j.path, err)
		}
		j.file = nil
		j.encoder = nil
	}

	return nil
}
