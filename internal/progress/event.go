package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageRunDone    Stage = "RUN_DONE"
	StageIndexPage  Stage = "INDEX_PAGE"
	StageTaskRetry  Stage = "TASK_RETRY"
	StageTaskDone   Stage = "TASK_DONE"
	StageTaskFailed Stage = "TASK_FAILED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one step of a retrieval run.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Site is the host label of the archived resource.
	Site string
	URL  string
	// Bytes is the size written for a completed task.
	Bytes int64
	// Attempt is the 1-based attempt number for task stages.
	Attempt     int
	StatusClass StatusClass
	Dur         time.Duration
	// Note carries low-volume context such as the last error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageIndexPage:
	case StageTaskRetry, StageTaskDone, StageTaskFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
		if e.Attempt < 1 {
			return fmt.Errorf("%s requires attempt >= 1", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID back to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes. Zero means no response was received.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
