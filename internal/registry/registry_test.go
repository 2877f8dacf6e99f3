package registry

import "testing"

func TestRegisterInsertsAtHead(t *testing.T) {
	r := New(64)
	wasEmpty := r.Register("e1")
	if !wasEmpty {
		t.Fatal("expected wasEmpty=true for first registration")
	}
	if got := r.Register("e2"); got {
		t.Fatal("expected wasEmpty=false for second registration")
	}
	targets := r.Targets()
	if len(targets) != 2 || targets[0] != "e2" || targets[1] != "e1" {
		t.Fatalf("expected e2 at head, got %v", targets)
	}
	for _, l := range r.Loads() {
		if l != 0 {
			t.Fatalf("expected zero initial loads, got %v", r.Loads())
		}
	}
}

func TestAddJobRotatesToTail(t *testing.T) {
	r := New(64)
	r.Register("e1")
	r.Register("e2") // targets: [e2, e1]

	r.AddJob(0) // e2 gets a job, moves to tail
	targets := r.Targets()
	loads := r.Loads()
	if targets[len(targets)-1] != "e2" {
		t.Fatalf("expected e2 rotated to tail, got %v", targets)
	}
	if loads[len(loads)-1] != 1 {
		t.Fatalf("expected load 1 at tail, got %v", loads)
	}
}

func TestFinishJobDoesNotRotate(t *testing.T) {
	r := New(64)
	r.Register("e1")
	r.Register("e2")
	r.AddJob(0)
	before := append([]EngineID{}, r.Targets()...)
	idx := r.IndexOf("e2")
	r.FinishJob(idx)
	after := r.Targets()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("finish_job must not reorder: before=%v after=%v", before, after)
		}
	}
	if r.Loads()[idx] != 0 {
		t.Fatalf("expected load decremented to 0, got %d", r.Loads()[idx])
	}
}

func TestUnregisterWithoutPendingDropsOutcomeSetsImmediately(t *testing.T) {
	r := New(64)
	r.Register("e1")
	r.MarkEngineCompleted("e1", "t1")

	hadPending, stranded, becameEmpty := r.Unregister("e1")
	if hadPending || len(stranded) != 0 {
		t.Fatalf("expected no pending, got hadPending=%v stranded=%v", hadPending, stranded)
	}
	if !becameEmpty {
		t.Fatal("expected registry to become empty")
	}
	if len(r.EngineCompletedSet("e1")) != 0 {
		t.Fatal("expected completed set dropped immediately")
	}
}

func TestUnregisterWithPendingReportsStranded(t *testing.T) {
	r := New(64)
	r.Register("e1")
	r.PutPending("e1", "t1", nil)
	r.PutPending("e1", "t2", nil)

	hadPending, stranded, _ := r.Unregister("e1")
	if !hadPending || len(stranded) != 2 {
		t.Fatalf("expected 2 stranded tasks, got %v", stranded)
	}
	// Outcome sets and pending map must survive until DropOutcomeSets is
	// called, since handle_stranded still needs them.
	if _, ok := r.pending["e1"]; !ok {
		t.Fatal("expected pending map retained across unregister with in-flight tasks")
	}
}

func TestDropOutcomeSetsClearsAfterDrain(t *testing.T) {
	r := New(64)
	r.Register("e1")
	r.PutPending("e1", "t1", nil)
	r.Unregister("e1")
	r.PopPending("e1", "t1")
	r.DropOutcomeSets("e1")
	if _, ok := r.pending["e1"]; ok {
		t.Fatal("expected pending map dropped once drained and empty")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	r := New(64)
	r.Register("e1")
	tripped := false
	r.OnBreakerTrip(func(EngineID) { tripped = true })

	for i := 0; i < 6; i++ {
		r.BreakerRecordFailure("e1")
	}
	if !tripped {
		t.Fatal("expected breaker trip callback to fire after consecutive failures")
	}
	if r.BreakerAllows("e1") {
		t.Fatal("expected breaker to disallow dispatch once open")
	}
}

func TestGraceSeenSuppressesDuplicate(t *testing.T) {
	r := New(64)
	if r.SeenGraceExpired("e1", "t1") {
		t.Fatal("expected not seen initially")
	}
	r.MarkGraceExpired("e1", "t1")
	if !r.SeenGraceExpired("e1", "t1") {
		t.Fatal("expected seen after marking")
	}
}
