package ingest

import (
	"time"

	"github.com/google/uuid"
)

// State is a job's position in the ingest state machine:
//
//	Pending -> Normalizing -> Embedding -> Upserting -> Done
//
// Any state before Done may move to Failed.
type State string

const (
	StatePending     State = "pending"
	StateNormalizing State = "normalizing"
	StateEmbedding   State = "embedding"
	StateUpserting   State = "upserting"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Terminal reports whether no further transitions happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

var nextState = map[State]State{
	StatePending:     StateNormalizing,
	StateNormalizing: StateEmbedding,
	StateEmbedding:   StateUpserting,
	StateUpserting:   StateDone,
}

// Job records the processing of one event.
type Job struct {
	ID    string
	Event Event
	State State
	// Err is set when State is Failed.
	Err error
	// Skipped is true when the entity is valid but not indexed.
	Skipped    bool
	StartedAt  time.Time
	FinishedAt time.Time
}

func newJob(ev Event) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Event:     ev,
		State:     StatePending,
		StartedAt: time.Now(),
	}
}

// advance moves to the given state. Only forward moves along the state
// machine are applied; anything else is ignored.
func (j *Job) advance(to State) {
	if j.State.Terminal() {
		return
	}
	for s := j.State; s != to; {
		next, ok := nextState[s]
		if !ok {
			return
		}
		s = next
		if s == to {
			break
		}
	}
	j.State = to
	if to.Terminal() {
		j.FinishedAt = time.Now()
	}
}

func (j *Job) fail(err error) {
	if j.State.Terminal() {
		return
	}
	j.State = StateFailed
	j.Err = err
	j.FinishedAt = time.Now()
}
