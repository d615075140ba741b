// Package eventlog records every externally visible side effect of a run and
// appends the record to durable sinks once the run is over.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrAlreadyFlushed = errors.New("event log already flushed")

type Event struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id,omitempty"`
	Kind      Kind      `json:"kind"`
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var aux struct {
		Timestamp time.Time       `json:"timestamp"`
		RunID     string          `json:"run_id"`
		Kind      json.RawMessage `json:"kind"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	kind, err := decodeVariant(aux.Kind)
	if err != nil {
		return err
	}
	*e = Event{Timestamp: aux.Timestamp, RunID: aux.RunID, Kind: kind}
	return nil
}

// DecodeEvent parses one line of a flushed log.
func DecodeEvent(line []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

// Sink is a durable destination for a run's events.
type Sink interface {
	Write(ctx context.Context, events []Event) error
}

// Log buffers events in memory. Push is safe for concurrent use; the
// timestamp is taken under the lock so timestamps follow append order.
type Log struct {
	mu      sync.Mutex
	runID   string
	now     func() time.Time
	events  []Event
	flushed bool
}

func New() *Log {
	return NewWithRunID(uuid.NewString())
}

func NewWithRunID(runID string) *Log {
	return &Log{runID: runID, now: func() time.Time { return time.Now().UTC() }}
}

func (l *Log) RunID() string {
	return l.runID
}

func (l *Log) Push(kind Kind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, Event{Timestamp: l.now(), RunID: l.runID, Kind: kind})
}

// Events returns a copy of the buffered events.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *Log) Kinds() []Kind {
	events := l.Events()
	kinds := make([]Kind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

// Flush hands the buffered events to every sink in order. It may be called
// once per log; a failing sink does not stop the ones after it.
func (l *Log) Flush(ctx context.Context, sinks ...Sink) error {
	l.mu.Lock()
	if l.flushed {
		l.mu.Unlock()
		return ErrAlreadyFlushed
	}
	l.flushed = true
	events := append([]Event(nil), l.events...)
	l.mu.Unlock()

	var errs []error
	for _, sink := range sinks {
		if err := sink.Write(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
