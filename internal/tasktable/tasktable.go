// Package tasktable implements C4: the per-task state table — retries
// remaining, the blacklist of engines that rejected a task, the held
// envelope and dependency triple, and the origin client. It also owns the
// global completed/failed mirrors and the destinations history map
// referenced throughout section 4.
package tasktable

import (
	"time"

	"github.com/basalt-run/taskweave/internal/depspec"
	"github.com/basalt-run/taskweave/internal/envelope"
)

type TaskID = depspec.TaskID

// EngineID is the opaque routing identity of a connected engine.
type EngineID string

// Record is the TaskRecord of section 3: the full state the scheduler
// holds for one in-flight task, whether it currently lives in `depending`
// (C5) or in some engine's `pending` map (C3).
type Record struct {
	MsgID    TaskID
	Envelope envelope.Envelope
	// Header is the decoded submission header, kept so the dispatcher can
	// re-encode it (with an updated msg_type/status) when forwarding to an
	// engine or replying to the client, without re-decoding Envelope.HeaderRaw.
	Header envelope.Header

	// Targets is the client's explicit engine allow-list; empty means any
	// registered engine is eligible.
	Targets depspec.IDSet // EngineID strings stored as depspec.TaskID (both are opaque strings)

	After  depspec.Spec
	Follow depspec.Spec

	TimeoutDeadline *time.Time

	RetriesRemaining int

	// Blacklist accumulates engines that rejected this task with a
	// location miss (section 4.5.5). Invariant 6: bounded by Targets
	// union engines that have since unregistered.
	Blacklist map[EngineID]struct{}

	SubmittedAt time.Time
}

// Blacklisted reports whether engine has already rejected this task.
func (r *Record) Blacklisted(e EngineID) bool {
	if r.Blacklist == nil {
		return false
	}
	_, ok := r.Blacklist[e]
	return ok
}

// AddBlacklist adds engine to the task's rejection list.
func (r *Record) AddBlacklist(e EngineID) {
	if r.Blacklist == nil {
		r.Blacklist = make(map[EngineID]struct{})
	}
	r.Blacklist[e] = struct{}{}
}

// BlacklistCoversTargets reports whether every explicitly-targeted engine
// has now rejected the task (invariant 6's unreachability trigger).
func (r *Record) BlacklistCoversTargets() bool {
	if r.Targets.Empty() == false {
		for t := range r.Targets {
			if _, ok := r.Blacklist[EngineID(t)]; !ok {
				return false
			}
		}
		return true
	}
	return false
}

// Table holds all task state: the waiting set (depending), the global
// completed/failed mirrors (all_completed / all_failed, invariant 1), the
// set of every msg_id ever submitted (all_ids, used for unknown-ID
// validation), and destinations (never purged, per section 4.3).
type Table struct {
	AllIDs    map[TaskID]struct{}
	Depending map[TaskID]*Record

	Completed map[TaskID]struct{}
	Failed    map[TaskID]struct{}

	// Destinations records which engine produced the final (successful or
	// failed) reply for a msg_id. Intentionally never purged — later
	// tasks may `follow` work done on a since-vanished engine.
	Destinations map[TaskID]EngineID
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		AllIDs:       make(map[TaskID]struct{}),
		Depending:    make(map[TaskID]*Record),
		Completed:    make(map[TaskID]struct{}),
		Failed:       make(map[TaskID]struct{}),
		Destinations: make(map[TaskID]EngineID),
	}
}

// CompletedSet and FailedSet adapt the table's maps to depspec.IDSet, the
// shape Spec.Check/Unreachable expect.
func (t *Table) CompletedSet() depspec.IDSet { return depspec.IDSet(t.Completed) }
func (t *Table) FailedSet() depspec.IDSet    { return depspec.IDSet(t.Failed) }

// AllDone reports whether id has reached a final outcome (invariant 1).
func (t *Table) AllDone(id TaskID) bool {
	_, c := t.Completed[id]
	_, f := t.Failed[id]
	return c || f
}

// MarkCompleted moves id into the completed mirror and records its
// destination engine. Callers must ensure id is not already in Failed
// (invariant 1's disjointness).
func (t *Table) MarkCompleted(id TaskID, engine EngineID) {
	delete(t.Failed, id)
	t.Completed[id] = struct{}{}
	t.Destinations[id] = engine
}

// MarkFailed moves id into the failed mirror and records its destination
// engine (a synthetic EngineID for non-engine failures such as
// InvalidDependency is acceptable; those never satisfy a future `follow`
// since no real engine completed them).
func (t *Table) MarkFailed(id TaskID, engine EngineID) {
	delete(t.Completed, id)
	t.Failed[id] = struct{}{}
	t.Destinations[id] = engine
}
