// Package registry implements C3: the ordered list of engine identities
// with its parallel load vector, insertion-at-head/removal, the LRU
// rotation discipline, and the per-engine pending/completed/failed sets
// described as "implicit" EngineRecord state in section 3.
//
// Concurrency: Registry holds no internal locking of its own. Per section
// 5's single-threaded event-loop model, every method here is only ever
// called from the dispatcher's loop goroutine; the stranded-task grace
// timer is scheduled and re-delivered onto that same loop by the
// dispatcher, never by calling back into Registry from another goroutine.
package registry

import (
	"sync"
	"time"

	"github.com/basalt-run/taskweave/internal/depspec"
	"github.com/basalt-run/taskweave/internal/tasktable"
	"github.com/decred/dcrd/lru"
	"github.com/sony/gobreaker"
)

type (
	EngineID = tasktable.EngineID
	TaskID   = depspec.TaskID
)

// Registry holds C3's engine list plus the per-engine pending/completed/
// failed sets described in section 3 as EngineRecord.
type Registry struct {
	targets []EngineID
	loads   []int

	pending   map[EngineID]map[TaskID]*tasktable.Record
	completed map[EngineID]map[TaskID]struct{}
	failed    map[EngineID]map[TaskID]struct{}

	// breakers gates engine health: repeated location misses or error
	// final replies trip an engine's breaker, which maybe_run's admission filter
	// (internal/dispatcher) treats as an additional exclusion alongside
	// HWM/blacklist/targets/follow, per SPEC_FULL.md's engine-health
	// section. This never changes blacklist/unreachable semantics.
	breakers       map[EngineID]*gobreaker.CircuitBreaker
	breakerOnTrip  func(EngineID)

	// graceSeen is a bounded recently-expired-grace-window cache
	// resolving Open Question (a) of section 9: when a late real reply
	// arrives for a task whose engine's grace window already fired
	// handle_stranded, this cache lets the dispatcher recognize that reply
	// and drop it with a debug line instead of an unknown-pending warning.
	graceSeen *lru.Cache

	mu sync.Mutex // guards graceSeen only
}

// New constructs an empty Registry. graceCacheSize bounds the recently-
// expired-grace-window diagnostic cache (section 9, Open Question a).
func New(graceCacheSize uint) *Registry {
	return &Registry{
		pending:   make(map[EngineID]map[TaskID]*tasktable.Record),
		completed: make(map[EngineID]map[TaskID]struct{}),
		failed:    make(map[EngineID]map[TaskID]struct{}),
		breakers:  make(map[EngineID]*gobreaker.CircuitBreaker),
		graceSeen: lru.NewCache(graceCacheSize),
	}
}

// OnBreakerTrip registers a callback invoked whenever an engine's breaker
// opens, letting the dispatcher log/meter the event.
func (r *Registry) OnBreakerTrip(fn func(EngineID)) {
	r.breakerOnTrip = fn
}

// Register inserts uid at the head of targets/loads with load zero and
// creates its pending/completed/failed entries. Returns true if the
// registry was empty before this call (the dispatcher uses this to
// resume accepting client submissions, per section 4.3; it triggers the
// full graph re-scan on every registration regardless).
func (r *Registry) Register(uid EngineID) (wasEmpty bool) {
	wasEmpty = len(r.targets) == 0

	r.targets = append([]EngineID{uid}, r.targets...)
	r.loads = append([]int{0}, r.loads...)

	r.pending[uid] = make(map[TaskID]*tasktable.Record)
	r.completed[uid] = make(map[TaskID]struct{})
	r.failed[uid] = make(map[TaskID]struct{})

	name := string(uid)
	r.breakers[uid] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen && r.breakerOnTrip != nil {
				r.breakerOnTrip(uid)
			}
		},
	})
	return wasEmpty
}

// Unregister removes uid from targets/loads. It reports whether uid still
// has pending tasks (the caller must then schedule handle_stranded after
// the grace delay) and, if not, drops the engine's completed/failed sets
// immediately, per section 4.3. becameEmpty tells the caller whether to
// stop accepting new client submissions.
func (r *Registry) Unregister(uid EngineID) (hadPending bool, strandedIDs []TaskID, becameEmpty bool) {
	idx := r.indexOf(uid)
	if idx >= 0 {
		r.targets = append(r.targets[:idx], r.targets[idx+1:]...)
		r.loads = append(r.loads[:idx], r.loads[idx+1:]...)
	}
	becameEmpty = len(r.targets) == 0

	if pend, ok := r.pending[uid]; ok && len(pend) > 0 {
		hadPending = true
		strandedIDs = make([]TaskID, 0, len(pend))
		for id := range pend {
			strandedIDs = append(strandedIDs, id)
		}
	} else {
		r.dropOutcomeSets(uid)
	}

	delete(r.breakers, uid)
	return hadPending, strandedIDs, becameEmpty
}

// DropOutcomeSets removes uid's completed/failed sets and, if its pending
// map is now empty, the pending map itself. Called by the dispatcher once
// handle_stranded finishes draining an unregistered engine.
func (r *Registry) DropOutcomeSets(uid EngineID) {
	r.dropOutcomeSets(uid)
	if pend, ok := r.pending[uid]; ok && len(pend) == 0 {
		delete(r.pending, uid)
	}
}

func (r *Registry) dropOutcomeSets(uid EngineID) {
	delete(r.completed, uid)
	delete(r.failed, uid)
}

// IsRegistered reports whether uid currently has a live slot in targets.
func (r *Registry) IsRegistered(uid EngineID) bool {
	return r.indexOf(uid) >= 0
}

// IndexOf returns uid's position in targets/loads, or -1.
func (r *Registry) IndexOf(uid EngineID) int { return r.indexOf(uid) }

func (r *Registry) indexOf(uid EngineID) int {
	for i, t := range r.targets {
		if t == uid {
			return i
		}
	}
	return -1
}

// Targets returns a copy of the current LRU-ordered engine list.
func (r *Registry) Targets() []EngineID {
	out := make([]EngineID, len(r.targets))
	copy(out, r.targets)
	return out
}

// Loads returns a copy of the parallel load vector.
func (r *Registry) Loads() []int {
	out := make([]int, len(r.loads))
	copy(out, r.loads)
	return out
}

// Len returns the number of registered engines.
func (r *Registry) Len() int { return len(r.targets) }

// AddJob increments loads[idx] then rotates idx to the tail of both
// parallel arrays, per section 4.3's add_job: the most-recently-used
// engine moves to the back of the LRU ordering.
func (r *Registry) AddJob(idx int) {
	r.loads[idx]++
	uid := r.targets[idx]
	load := r.loads[idx]
	r.targets = append(append(r.targets[:idx], r.targets[idx+1:]...), uid)
	r.loads = append(append(r.loads[:idx], r.loads[idx+1:]...), load)
}

// FinishJob decrements loads[idx] without rotating.
func (r *Registry) FinishJob(idx int) {
	if r.loads[idx] > 0 {
		r.loads[idx]--
	}
}

// Pending returns uid's live pending map (not a copy — callers in the
// dispatcher loop may mutate it directly, consistent with the
// single-threaded model).
func (r *Registry) Pending(uid EngineID) map[TaskID]*tasktable.Record {
	return r.pending[uid]
}

// PutPending places rec under uid's pending map.
func (r *Registry) PutPending(uid EngineID, msgID TaskID, rec *tasktable.Record) {
	if _, ok := r.pending[uid]; !ok {
		r.pending[uid] = make(map[TaskID]*tasktable.Record)
	}
	r.pending[uid][msgID] = rec
}

// PopPending removes and returns msgID from uid's pending map.
func (r *Registry) PopPending(uid EngineID, msgID TaskID) (*tasktable.Record, bool) {
	m, ok := r.pending[uid]
	if !ok {
		return nil, false
	}
	rec, ok := m[msgID]
	if ok {
		delete(m, msgID)
	}
	return rec, ok
}

// MarkEngineCompleted / MarkEngineFailed update the per-engine completed/
// failed sets that `follow` checks against (section 4.5.2).
func (r *Registry) MarkEngineCompleted(uid EngineID, msgID TaskID) {
	if _, ok := r.completed[uid]; !ok {
		r.completed[uid] = make(map[TaskID]struct{})
	}
	delete(r.failed[uid], msgID)
	r.completed[uid][msgID] = struct{}{}
}

func (r *Registry) MarkEngineFailed(uid EngineID, msgID TaskID) {
	if _, ok := r.failed[uid]; !ok {
		r.failed[uid] = make(map[TaskID]struct{})
	}
	delete(r.completed[uid], msgID)
	r.failed[uid][msgID] = struct{}{}
}

// EngineCompletedSet / EngineFailedSet expose an engine's local outcome
// sets as depspec.IDSet for `follow.check`.
func (r *Registry) EngineCompletedSet(uid EngineID) depspec.IDSet {
	return depspec.IDSet(r.completed[uid])
}

func (r *Registry) EngineFailedSet(uid EngineID) depspec.IDSet {
	return depspec.IDSet(r.failed[uid])
}

// BreakerAllows reports whether uid's circuit breaker currently permits
// dispatch (i.e. is not open). An engine with no breaker (never
// registered, or already removed) is conservatively disallowed.
func (r *Registry) BreakerAllows(uid EngineID) bool {
	cb, ok := r.breakers[uid]
	if !ok {
		return false
	}
	return cb.State() != gobreaker.StateOpen
}

// BreakerRecordSuccess / BreakerRecordFailure feed engine-health outcomes
// into uid's breaker. The dispatcher counts an "ok" final reply as
// success, and a location miss (including a retried engine failure) or an
// error final reply as failure. Unregister discards the breaker, so
// stranded tasks are not counted.
func (r *Registry) BreakerRecordSuccess(uid EngineID) {
	if cb, ok := r.breakers[uid]; ok {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, nil })
	}
}

func (r *Registry) BreakerRecordFailure(uid EngineID) {
	if cb, ok := r.breakers[uid]; ok {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, errBreakerFailure })
	}
}

var errBreakerFailure = breakerFailure{}

type breakerFailure struct{}

func (breakerFailure) Error() string { return "registry: engine health breaker observed a failure" }

// MarkGraceExpired records that uid's grace window for msgID has fired,
// so a subsequent late reply for the same (uid,msgID) pair can be
// recognized as a duplicate by SeenGraceExpired.
func (r *Registry) MarkGraceExpired(uid EngineID, msgID TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graceSeen.Add(string(uid) + "\x00" + msgID)
}

// SeenGraceExpired reports whether uid's grace window for msgID already
// fired a synthetic failure.
func (r *Registry) SeenGraceExpired(uid EngineID, msgID TaskID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.graceSeen.Contains(string(uid) + "\x00" + msgID)
}
