// Package depspec implements the dependency predicate (C1): a set of task
// IDs plus {all, success, failure} flags, evaluated against the scheduler's
// global completed/failed sets. See spec.md section 4.1.
package depspec

// TaskID is the opaque, client-assigned, globally-unique submission
// identifier described in the GLOSSARY.
type TaskID = string

// IDSet is a small set-of-TaskID helper used throughout the scheduler.
type IDSet map[TaskID]struct{}

// NewIDSet builds an IDSet from a slice, discarding duplicates.
func NewIDSet(ids ...TaskID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether id is a member.
func (s IDSet) Contains(id TaskID) bool {
	_, ok := s[id]
	return ok
}

// Slice returns the set's members in unspecified order.
func (s IDSet) Slice() []TaskID {
	out := make([]TaskID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

// Spec is the DepSpec of section 3: a set of task IDs plus the three
// boolean flags that decide how the set's outcomes are interpreted.
//
//   - All:     require every id to match (otherwise any single match suffices)
//   - Success: a completed id counts toward the predicate
//   - Failure: a failed id counts toward the predicate
//
// Both Success and Failure may be set (either outcome counts); both may be
// unset only for the canonical empty/MET spec.
type Spec struct {
	IDs     IDSet
	All     bool
	Success bool
	Failure bool
}

// MET is the sentinel empty dependency: trivially satisfied, never
// unreachable. section 4.5.1 step 4 replaces a reduced `after` with this
// once it is already met; section 4.5.3 replaces a dispatched task's
// `after` with this once placed, since dependencies no longer matter.
var MET = Spec{}

// Empty reports whether the spec has no IDs — the canonical trivial case.
func (s Spec) Empty() bool {
	return len(s.IDs) == 0
}

// Nonempty is the boolean complement of Empty, named to match the
// operation list in section 4.1.
func (s Spec) Nonempty() bool {
	return !s.Empty()
}

// Contains reports whether id is named by this spec.
func (s Spec) Contains(id TaskID) bool {
	return s.IDs.Contains(id)
}

// Check implements the truth table of section 4.1: whether the spec's
// predicate currently holds against the completed set C and failed set X.
func (s Spec) Check(completed, failed IDSet) bool {
	if s.Empty() {
		return true
	}
	switch {
	case s.Success && !s.Failure && !s.All:
		return intersects(s.IDs, completed)
	case !s.Success && s.Failure && !s.All:
		return intersects(s.IDs, failed)
	case s.Success && s.Failure && !s.All:
		return intersectsEither(s.IDs, completed, failed)
	case s.Success && !s.Failure && s.All:
		return subsetOf(s.IDs, completed)
	case !s.Success && s.Failure && s.All:
		return subsetOf(s.IDs, failed)
	case s.Success && s.Failure && s.All:
		return subsetOfEither(s.IDs, completed, failed)
	default:
		// Neither success nor failure requested: there is nothing left
		// to wait on, so the empty predicate (vacuously true) applies.
		return true
	}
}

// Unreachable implements the second column of the section 4.1 truth
// table: whether no future completion can ever make Check true.
func (s Spec) Unreachable(completed, failed IDSet) bool {
	if s.Empty() {
		return false
	}
	switch {
	case s.Success && !s.Failure && !s.All:
		return subsetOf(s.IDs, failed)
	case !s.Success && s.Failure && !s.All:
		return subsetOf(s.IDs, completed)
	case s.Success && s.Failure && !s.All:
		return false // some id could still complete or fail successfully
	case s.Success && !s.Failure && s.All:
		return intersects(s.IDs, failed)
	case !s.Success && s.Failure && s.All:
		return intersects(s.IDs, completed)
	case s.Success && s.Failure && s.All:
		return false
	default:
		return false
	}
}

// Union returns a new spec whose IDs are the union of s and other's IDs.
// The flags are taken from s; Union is used by the dispatcher only to
// combine `after` and `follow` ID sets for validation purposes (section
// 4.5.1 step 7), never to merge semantics of differing flag sets.
func (s Spec) Union(other Spec) Spec {
	out := make(IDSet, len(s.IDs)+len(other.IDs))
	for id := range s.IDs {
		out[id] = struct{}{}
	}
	for id := range other.IDs {
		out[id] = struct{}{}
	}
	return Spec{IDs: out, All: s.All, Success: s.Success, Failure: s.Failure}
}

// Intersection returns a spec whose IDs are common to both s and other.
func (s Spec) Intersection(other Spec) Spec {
	out := make(IDSet)
	for id := range s.IDs {
		if other.IDs.Contains(id) {
			out[id] = struct{}{}
		}
	}
	return Spec{IDs: out, All: s.All, Success: s.Success, Failure: s.Failure}
}

// Difference returns a spec whose IDs are s.IDs minus other.IDs.
func (s Spec) Difference(other Spec) Spec {
	out := make(IDSet)
	for id := range s.IDs {
		if !other.IDs.Contains(id) {
			out[id] = struct{}{}
		}
	}
	return Spec{IDs: out, All: s.All, Success: s.Success, Failure: s.Failure}
}

// DifferenceSet is Difference against a plain IDSet rather than another
// Spec; used for the "unknown IDs" and "reduce" computations in the
// dispatcher where there is no second Spec to build.
func (s Spec) DifferenceSet(other IDSet) Spec {
	out := make(IDSet)
	for id := range s.IDs {
		if !other.Contains(id) {
			out[id] = struct{}{}
		}
	}
	return Spec{IDs: out, All: s.All, Success: s.Success, Failure: s.Failure}
}

// Reduce implements section 4.5.1 step 4: when All is set, drop IDs that
// already match the spec's own polarity, since they can never cause the
// predicate to fail going forward. Non-all specs are returned unchanged —
// reduction is only an optimization for the All case and only before
// dispatch; unreachability and check must still be evaluated normally.
func (s Spec) Reduce(completed, failed IDSet) Spec {
	if !s.All || s.Empty() {
		return s
	}
	remaining := make(IDSet, len(s.IDs))
	for id := range s.IDs {
		switch {
		case s.Success && !s.Failure && completed.Contains(id):
			continue
		case !s.Success && s.Failure && failed.Contains(id):
			continue
		case s.Success && s.Failure && (completed.Contains(id) || failed.Contains(id)):
			continue
		}
		remaining[id] = struct{}{}
	}
	return Spec{IDs: remaining, All: s.All, Success: s.Success, Failure: s.Failure}
}

func intersects(ids, set IDSet) bool {
	for id := range ids {
		if set.Contains(id) {
			return true
		}
	}
	return false
}

func intersectsEither(ids, a, b IDSet) bool {
	for id := range ids {
		if a.Contains(id) || b.Contains(id) {
			return true
		}
	}
	return false
}

func subsetOf(ids, set IDSet) bool {
	if len(ids) == 0 {
		return true
	}
	for id := range ids {
		if !set.Contains(id) {
			return false
		}
	}
	return true
}

func subsetOfEither(ids, a, b IDSet) bool {
	for id := range ids {
		if !a.Contains(id) && !b.Contains(id) {
			return false
		}
	}
	return true
}
