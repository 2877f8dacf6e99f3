package dispatcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/basalt-run/taskweave/internal/depgraph"
	"github.com/basalt-run/taskweave/internal/dispatcher"
	"github.com/basalt-run/taskweave/internal/envelope"
	"github.com/basalt-run/taskweave/internal/metrics"
	"github.com/basalt-run/taskweave/internal/registry"
	"github.com/basalt-run/taskweave/internal/tasktable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClient struct{ sent []envelope.Envelope }

func (f *fakeClient) SendClient(_ context.Context, env envelope.Envelope) error {
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeClient) lastHeader(t *testing.T) envelope.Header {
	t.Helper()
	require.NotEmpty(t, f.sent)
	hdr, err := envelope.DecodeHeader(f.sent[len(f.sent)-1].HeaderRaw)
	require.NoError(t, err)
	return hdr
}

type dispatchedTask struct {
	engine tasktable.EngineID
	env    envelope.Envelope
}

type fakeEngine struct{ sent []dispatchedTask }

func (f *fakeEngine) SendEngine(_ context.Context, engine tasktable.EngineID, env envelope.Envelope) error {
	f.sent = append(f.sent, dispatchedTask{engine: engine, env: env})
	return nil
}

type fakeMonitor struct{ tags []string }

func (f *fakeMonitor) SendMonitor(_ context.Context, tag string, _ []byte) {
	f.tags = append(f.tags, tag)
}

type fakeAudit struct{ rows []string }

func (f *fakeAudit) Record(msgID, status, engine string, _, _ time.Time) {
	f.rows = append(f.rows, msgID+":"+status+":"+engine)
}

type harness struct {
	table   *tasktable.Table
	graph   *depgraph.Graph
	reg     *registry.Registry
	client  *fakeClient
	engine  *fakeEngine
	monitor *fakeMonitor
	audit   *fakeAudit
	d       *dispatcher.Dispatcher
	ctx     context.Context
}

func newHarness(t *testing.T, hwm int, scheme string) *harness {
	t.Helper()
	h := &harness{
		table:   tasktable.New(),
		graph:   depgraph.New(),
		reg:     registry.New(64),
		client:  &fakeClient{},
		engine:  &fakeEngine{},
		monitor: &fakeMonitor{},
		audit:   &fakeAudit{},
		ctx:     context.Background(),
	}
	m := metrics.New(prometheus.NewRegistry())
	live := dispatcher.StaticLiveConfig(hwm, scheme)
	h.d = dispatcher.New(h.table, h.graph, h.reg, live, 5*time.Second,
		h.client, h.engine, h.monitor, h.audit, m, zap.NewNop(), 42)
	return h
}

func submission(t *testing.T, msgID string, targets []string, after, follow *envelope.DepSpecWire, retries int) envelope.Envelope {
	t.Helper()
	hdr := envelope.Header{MsgID: msgID, MsgType: "submit", Targets: targets, After: after, Follow: follow, Retries: retries}
	raw, err := envelope.EncodeHeader(hdr)
	require.NoError(t, err)
	return envelope.Envelope{Identities: [][]byte{[]byte("client"), []byte("route")}, HeaderRaw: raw}
}

func engineReply(t *testing.T, msgID, status string) envelope.Envelope {
	t.Helper()
	met := true
	hdr := envelope.Header{MsgID: msgID, MsgType: "result", Status: status, DependenciesMet: &met}
	raw, err := envelope.EncodeHeader(hdr)
	require.NoError(t, err)
	return envelope.Envelope{HeaderRaw: raw}
}

func locationMissReply(t *testing.T, msgID string) envelope.Envelope {
	t.Helper()
	notMet := false
	hdr := envelope.Header{MsgID: msgID, MsgType: "result", DependenciesMet: &notMet}
	raw, err := envelope.EncodeHeader(hdr)
	require.NoError(t, err)
	return envelope.Envelope{HeaderRaw: raw}
}

// Scenario 1 (section 8): direct dispatch with no dependencies.
func TestDirectDispatch(t *testing.T) {
	h := newHarness(t, 0, "leastload")
	h.d.HandleEngineRegistered(h.ctx, "E1")
	h.d.HandleEngineRegistered(h.ctx, "E2")

	h.d.HandleSubmission(h.ctx, submission(t, "T1", nil, nil, nil, 0))

	require.Len(t, h.engine.sent, 1, "T1 must be dispatched to exactly one engine")
	dispatchedTo := h.engine.sent[0].engine

	var loaded, idle int
	for _, l := range h.reg.Loads() {
		if l == 1 {
			loaded++
		} else if l == 0 {
			idle++
		}
	}
	require.Equal(t, 1, loaded, "exactly one engine should carry the dispatched job")
	require.Equal(t, 1, idle)

	h.d.HandleResult(h.ctx, dispatchedTo, engineReply(t, "T1", "ok"))

	require.Contains(t, h.table.Completed, "T1")
	require.Equal(t, dispatchedTo, h.table.Destinations["T1"])
	require.Equal(t, "ok", h.client.lastHeader(t).Status)
}

// Scenario 2: after-dependency, dispatched once T1 succeeds.
func TestAfterDependency(t *testing.T) {
	h := newHarness(t, 0, "leastload")
	h.d.HandleEngineRegistered(h.ctx, "E1")

	h.d.HandleSubmission(h.ctx, submission(t, "T1", nil, nil, nil, 0))
	require.Len(t, h.engine.sent, 1)

	after := &envelope.DepSpecWire{IDs: []string{"T1"}, All: true, Success: true}
	h.d.HandleSubmission(h.ctx, submission(t, "T2", nil, after, nil, 0))

	require.Contains(t, h.table.Depending, "T2", "T2 must wait for T1")
	require.True(t, h.graph.Has("T1"))
	require.Len(t, h.engine.sent, 1, "T2 must not be dispatched yet")

	h.d.HandleResult(h.ctx, "E1", engineReply(t, "T1", "ok"))

	require.NotContains(t, h.table.Depending, "T2", "T2 should have been popped and dispatched")
	require.Len(t, h.engine.sent, 2, "T2 must now be dispatched")
	require.False(t, h.graph.Has("T1"))
}

// Scenario 3: after-dependency already impossible at submission time.
func TestUnreachableAfterAtSubmission(t *testing.T) {
	h := newHarness(t, 0, "leastload")
	h.d.HandleEngineRegistered(h.ctx, "E1")

	h.d.HandleSubmission(h.ctx, submission(t, "T1", nil, nil, nil, 0))
	h.d.HandleResult(h.ctx, "E1", engineReply(t, "T1", "error"))

	after := &envelope.DepSpecWire{IDs: []string{"T1"}, All: true, Success: true}
	h.d.HandleSubmission(h.ctx, submission(t, "T2", nil, after, nil, 0))

	hdr := h.client.lastHeader(t)
	require.Equal(t, "error", hdr.Status)
	require.Contains(t, hdr.Reason, "ImpossibleDependency")
	require.Contains(t, h.table.Failed, "T2")
	require.NotContains(t, h.table.Depending, "T2")
}

// Scenario 4: contradictory follow across two engines that each produced a
// distinct destination — no single engine can satisfy the follow.
func TestFollowAcrossEnginesContradictory(t *testing.T) {
	h := newHarness(t, 0, "leastload")
	h.d.HandleEngineRegistered(h.ctx, "E1")
	h.d.HandleEngineRegistered(h.ctx, "E2")

	h.d.HandleSubmission(h.ctx, submission(t, "A", []string{"E1"}, nil, nil, 0))
	h.d.HandleSubmission(h.ctx, submission(t, "B", []string{"E2"}, nil, nil, 0))
	h.d.HandleResult(h.ctx, "E1", engineReply(t, "A", "ok"))
	h.d.HandleResult(h.ctx, "E2", engineReply(t, "B", "ok"))

	require.Equal(t, tasktable.EngineID("E1"), h.table.Destinations["A"])
	require.Equal(t, tasktable.EngineID("E2"), h.table.Destinations["B"])

	follow := &envelope.DepSpecWire{IDs: []string{"A", "B"}, All: true, Success: true}
	h.d.HandleSubmission(h.ctx, submission(t, "C", nil, nil, follow, 0))

	hdr := h.client.lastHeader(t)
	require.Equal(t, "error", hdr.Status)
	require.Contains(t, hdr.Reason, "ImpossibleDependency")
}

// Scenario 5: HWM=1 backpressure; completion wakes the parked task.
func TestHWMBackpressure(t *testing.T) {
	h := newHarness(t, 1, "leastload")
	h.d.HandleEngineRegistered(h.ctx, "E1")

	h.d.HandleSubmission(h.ctx, submission(t, "T1", nil, nil, nil, 0))
	require.Len(t, h.engine.sent, 1)
	require.Equal(t, []int{1}, h.reg.Loads())

	h.d.HandleSubmission(h.ctx, submission(t, "T2", nil, nil, nil, 0))
	require.Contains(t, h.table.Depending, "T2", "T2 must park behind the HWM cap")
	require.Len(t, h.engine.sent, 1)

	h.d.HandleResult(h.ctx, "E1", engineReply(t, "T1", "ok"))

	require.NotContains(t, h.table.Depending, "T2", "T2 should be woken once load drops below hwm")
	require.Len(t, h.engine.sent, 2)
}

// Scenario 6: engine dies with in-flight work; grace window synthesizes a
// failure; destinations is retained.
func TestEngineDeathStrandedGrace(t *testing.T) {
	h := newHarness(t, 0, "leastload")
	h.d.HandleEngineRegistered(h.ctx, "E1")
	h.d.HandleEngineRegistered(h.ctx, "E2")

	h.d.HandleSubmission(h.ctx, submission(t, "T1", []string{"E1"}, nil, nil, 0))
	require.Len(t, h.engine.sent, 1)

	hadPending := h.d.HandleEngineDeregistered("E1")
	require.True(t, hadPending)

	h.d.HandleStranded(h.ctx, "E1")

	hdr := h.client.lastHeader(t)
	require.Equal(t, "error", hdr.Status)
	require.Contains(t, hdr.Reason, "EngineError")
	require.Equal(t, tasktable.EngineID("E1"), h.table.Destinations["T1"])
	require.Contains(t, h.table.Failed, "T1")
}

// Late real reply arriving after the grace window already fired: dispatch
// must not double-log or double-finalize (Open Question (a) of section 9).
func TestLateReplyAfterGraceIsSuppressed(t *testing.T) {
	h := newHarness(t, 0, "leastload")
	h.d.HandleEngineRegistered(h.ctx, "E1")
	h.d.HandleSubmission(h.ctx, submission(t, "T1", []string{"E1"}, nil, nil, 0))
	h.d.HandleEngineDeregistered("E1")
	h.d.HandleStranded(h.ctx, "E1")
	repliesBefore := len(h.client.sent)

	h.d.HandleResult(h.ctx, "E1", engineReply(t, "T1", "ok"))

	require.Equal(t, repliesBefore, len(h.client.sent), "a late reply must not produce a second client reply")
}

// Timeout audit: a task parked in depending past its deadline fails with
// TaskTimeout.
func TestTimeoutAudit(t *testing.T) {
	h := newHarness(t, 0, "leastload")
	// No engines registered, so after-met tasks park in depending.
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	h.d.SetClock(func() time.Time { return past })

	timeout := 30.0
	hdr := envelope.Header{MsgID: "T1", MsgType: "submit", TimeoutSeconds: &timeout}
	raw, err := envelope.EncodeHeader(hdr)
	require.NoError(t, err)
	h.d.HandleSubmission(h.ctx, envelope.Envelope{Identities: [][]byte{[]byte("client"), []byte("route")}, HeaderRaw: raw})
	require.Contains(t, h.table.Depending, "T1")

	h.d.SetClock(func() time.Time { return past.Add(time.Hour) })
	h.d.AuditTimeouts(h.ctx)

	require.NotContains(t, h.table.Depending, "T1")
	require.Contains(t, h.table.Failed, "T1")
	replyHdr := h.client.lastHeader(t)
	require.Contains(t, replyHdr.Reason, "TaskTimeout")
}

// A stray reply for a msg_id the registry no longer has pending (neither a
// live dispatch nor a recently-stranded one) is logged and dropped, never
// fed into the task graph (section 7's decoding/stray-reply rule).
func TestStrayReplyIsDropped(t *testing.T) {
	h := newHarness(t, 0, "leastload")
	h.d.HandleEngineRegistered(h.ctx, "E1")

	h.d.HandleResult(h.ctx, "E1", engineReply(t, "never-submitted", "ok"))

	require.Empty(t, h.client.sent)
	require.NotContains(t, h.table.Completed, "never-submitted")
}

// A final reply must carry the client's original routing identity, not the
// engine's, even though HandleResult records the engine's reply envelope
// onto the same record (section 4.5.4 step 3, section 6's reply-routing
// rule).
func TestFinalReplyPreservesClientIdentity(t *testing.T) {
	h := newHarness(t, 0, "leastload")
	h.d.HandleEngineRegistered(h.ctx, "E1")

	h.d.HandleSubmission(h.ctx, submission(t, "T1", nil, nil, nil, 0))
	require.Len(t, h.engine.sent, 1)
	require.Equal(t, [][]byte{[]byte("client"), []byte("route")}, h.engine.sent[0].env.Identities,
		"the engine dispatch must carry the client's routing identity, per the original scheduler's full raw_msg forward")

	h.d.HandleResult(h.ctx, "E1", engineReply(t, "T1", "ok"))

	require.Len(t, h.client.sent, 1)
	require.Equal(t, [][]byte{[]byte("client"), []byte("route")}, h.client.sent[0].Identities,
		"the final client reply must route on the client's own identity, not the engine's reply envelope")
}

// A breaker-tripped engine must never receive a dispatch even when hwm=0 and
// no blacklist/targets/follow apply to the task (maybeRun's fast path must
// not bypass BreakerAllows).
func TestBreakerTrippedEngineNeverDispatchedOnFastPath(t *testing.T) {
	h := newHarness(t, 0, "leastload")
	h.d.HandleEngineRegistered(h.ctx, "E1")

	for i := 0; i < 5; i++ {
		h.reg.BreakerRecordFailure("E1")
	}
	require.False(t, h.reg.BreakerAllows("E1"), "five consecutive failures must trip the breaker open")

	h.d.HandleSubmission(h.ctx, submission(t, "T1", nil, nil, nil, 0))

	require.Empty(t, h.engine.sent, "a breaker-open engine must not receive a dispatch")
	require.Contains(t, h.table.Depending, "T1", "the task must park rather than be dropped")
}
