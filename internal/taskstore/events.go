package taskstore

import (
	"bufio"
	"encoding/json"
	"os"
	"time"

	"github.com/ramarlina/agx/internal/fsio"
)

// EventType identifies a record in a run's append-only event log.
type EventType string

const (
	EventRunStarted          EventType = "RUN_STARTED"
	EventPromptBuilt         EventType = "PROMPT_BUILT"
	EventEngineCallStarted   EventType = "ENGINE_CALL_STARTED"
	EventEngineCallCompleted EventType = "ENGINE_CALL_COMPLETED"
	EventRunFinished         EventType = "RUN_FINISHED"
	EventRunFailed           EventType = "RUN_FAILED"
	EventRecoveryDetected    EventType = "RECOVERY_DETECTED"
)

// Event is one record in a run's event log. Ordering is append order.
type Event struct {
	Type       EventType      `json:"type"`
	RunID      string         `json:"run_id"`
	Stage      RunStage       `json:"stage"`
	OccurredAt time.Time      `json:"occurred_at"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(typ EventType, run *Run, detail map[string]any) Event {
	return Event{
		Type:       typ,
		RunID:      run.ID,
		Stage:      run.Stage,
		OccurredAt: time.Now().UTC(),
		Detail:     detail,
	}
}

// AppendEvent durably appends one event to a run's event log. Each append is
// flushed to disk before returning so the log survives a process kill.
func (s *Store) AppendEvent(run *Run, evt Event) error {
	path := s.eventsPath(run)

	w, err := fsio.OpenAppend(path)
	if err != nil {
		return storageErr("open", path, err)
	}
	defer w.Close()

	if err := w.Append(evt); err != nil {
		return storageErr("append", path, err)
	}
	return nil
}

// ReadEvents parses a run's event log in append order. A missing log file
// yields an empty slice.
func (s *Store) ReadEvents(run *Run) ([]Event, error) {
	path := s.eventsPath(run)

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storageErr("open", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	buf := make([]byte, fsio.MaxRecordSize)
	scanner.Buffer(buf, fsio.MaxRecordSize)

	var events []Event
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return nil, storageErr("parse", path, err)
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, storageErr("scan", path, err)
	}

	return events, nil
}
