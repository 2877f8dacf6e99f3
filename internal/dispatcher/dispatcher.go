// Package dispatcher implements C6: the top-level event handlers that
// orchestrate C1-C5 per spec section 4.5. Every exported Handle* method is
// meant to be called from a single goroutine (see Loop in event_loop.go) —
// Dispatcher itself holds no locks, consistent with section 5's
// single-threaded cooperative event-loop model.
package dispatcher

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/basalt-run/taskweave/internal/depgraph"
	"github.com/basalt-run/taskweave/internal/depspec"
	"github.com/basalt-run/taskweave/internal/envelope"
	"github.com/basalt-run/taskweave/internal/metrics"
	"github.com/basalt-run/taskweave/internal/policy"
	"github.com/basalt-run/taskweave/internal/registry"
	"github.com/basalt-run/taskweave/internal/schederr"
	"github.com/basalt-run/taskweave/internal/tasktable"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// ClientSender delivers a reply envelope back over the client stream.
type ClientSender interface {
	SendClient(ctx context.Context, env envelope.Envelope) error
}

// EngineSender delivers a task envelope to an engine over the engine stream.
type EngineSender interface {
	SendEngine(ctx context.Context, engine tasktable.EngineID, env envelope.Envelope) error
}

// MonitorSender mirrors a tagged event onto the monitor stream. Mirroring
// never fails the caller; a transport that cannot keep up drops its own
// backlog rather than propagating an error into the dispatcher.
type MonitorSender interface {
	SendMonitor(ctx context.Context, tag string, payload []byte)
}

// AuditRecorder persists a finalized task outcome. Satisfied by
// *internal/auditlog.Log.
type AuditRecorder interface {
	Record(msgID, status, engine string, submittedAt, finishedAt time.Time)
}

// LiveConfig exposes the two hot-reloadable knobs of section 6. Satisfied
// by *internal/config.Live.
type LiveConfig interface {
	HWM() int
	SchemeName() string
}

// staticLiveConfig adapts a fixed (hwm, scheme) pair to LiveConfig, used
// when the caller has no hot-reload source (tests, or a deployment with no
// config file).
type staticLiveConfig struct {
	hwm    int
	scheme string
}

func (s staticLiveConfig) HWM() int           { return s.hwm }
func (s staticLiveConfig) SchemeName() string { return s.scheme }

// StaticLiveConfig builds a LiveConfig with no hot reload.
func StaticLiveConfig(hwm int, scheme string) LiveConfig {
	return staticLiveConfig{hwm: hwm, scheme: scheme}
}

// Dispatcher holds the wiring C6 needs to reach C1-C5 and its I/O
// collaborators. Construct one per scheduler process; every method must be
// invoked from the same goroutine (the Loop in event_loop.go provides one).
type Dispatcher struct {
	table *tasktable.Table
	graph *depgraph.Graph
	reg   *registry.Registry

	live LiveConfig

	strandedGrace time.Duration

	clientOut  ClientSender
	engineOut  EngineSender
	monitorOut MonitorSender
	audit      AuditRecorder

	metrics *metrics.Set
	log     *zap.Logger

	rnd *rand.Rand
	now func() time.Time

	// dupSeen is a diagnostic-only cache of recently submitted msg_ids
	// (section 8's law: duplicate submission is tolerated, never
	// rejected); it exists purely to log a warning, never to change
	// behavior.
	dupSeen *lru.Cache[tasktable.TaskID, struct{}]

	// onAcceptingChanged, if set, is invoked whenever the registry
	// transitions between empty and non-empty, letting the transport layer
	// subscribe/unsubscribe the client stream per section 4.3/5's
	// backpressure rule.
	onAcceptingChanged func(accepting bool)
}

// New constructs a Dispatcher. rndSeed seeds the policy's random draws
// (plainrandom/twobin/weighted); pass a fixed seed in tests for
// determinism.
func New(
	table *tasktable.Table,
	graph *depgraph.Graph,
	reg *registry.Registry,
	live LiveConfig,
	strandedGrace time.Duration,
	clientOut ClientSender,
	engineOut EngineSender,
	monitorOut MonitorSender,
	audit AuditRecorder,
	m *metrics.Set,
	log *zap.Logger,
	rndSeed int64,
) *Dispatcher {
	dup, _ := lru.New[tasktable.TaskID, struct{}](4096)
	return &Dispatcher{
		table:         table,
		graph:         graph,
		reg:           reg,
		live:          live,
		strandedGrace: strandedGrace,
		clientOut:     clientOut,
		engineOut:     engineOut,
		monitorOut:    monitorOut,
		audit:         audit,
		metrics:       m,
		log:           log,
		rnd:           rand.New(rand.NewSource(rndSeed)),
		now:           time.Now,
		dupSeen:       dup,
	}
}

// SetClock overrides the dispatcher's time source. Intended for tests that
// need deterministic timeout behavior.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// OnAcceptingChanged registers a callback fired when the registry
// transitions between having zero and having at least one engine.
func (d *Dispatcher) OnAcceptingChanged(fn func(accepting bool)) {
	d.onAcceptingChanged = fn
}

// HandleSubmission implements section 4.5.1. The caller (a transport
// reader goroutine forwarding onto the Loop) is responsible for step 1,
// flushing the notifier stream before this runs — Loop's event-priority
// select achieves that without Dispatcher needing its own ordering logic.
func (d *Dispatcher) HandleSubmission(ctx context.Context, env envelope.Envelope) {
	d.monitorOut.SendMonitor(ctx, "intask", env.HeaderRaw)

	hdr, err := envelope.DecodeHeader(env.HeaderRaw)
	if err != nil {
		d.log.Warn("dispatcher: dropping undecodable submission", zap.Error(err))
		return
	}

	if d.dupSeen.Contains(hdr.MsgID) {
		d.log.Warn("dispatcher: duplicate msg_id resubmitted", zap.String("msg_id", hdr.MsgID))
	}
	d.dupSeen.Add(hdr.MsgID, struct{}{})

	d.table.AllIDs[hdr.MsgID] = struct{}{}

	after := hdr.After.ToSpec()
	follow := hdr.Follow.ToSpec()

	completed := d.table.CompletedSet()
	failed := d.table.FailedSet()

	if after.All {
		after = after.Reduce(completed, failed)
	}

	combinedRefs := after.Union(follow)
	if combinedRefs.Contains(hdr.MsgID) {
		d.metrics.Submissions.WithLabelValues("invalid_dependency").Inc()
		d.replyRejected(ctx, env, hdr, schederr.InvalidDependency("task may not depend on itself"))
		return
	}
	unknown := combinedRefs.DifferenceSet(depspec.IDSet(d.table.AllIDs))
	if unknown.Nonempty() {
		d.metrics.Submissions.WithLabelValues("invalid_dependency").Inc()
		d.replyRejected(ctx, env, hdr, schederr.InvalidDependency(fmt.Sprintf("unknown dependency ids: %v", unknown.IDs.Slice())))
		return
	}

	if after.Unreachable(completed, failed) || follow.Unreachable(completed, failed) {
		d.metrics.Submissions.WithLabelValues("impossible_dependency").Inc()
		d.replyRejected(ctx, env, hdr, schederr.ImpossibleDependency("dependency can never be satisfied"))
		return
	}
	d.metrics.Submissions.WithLabelValues("accepted").Inc()

	var deadline *time.Time
	if hdr.TimeoutSeconds != nil {
		t := d.now().Add(time.Duration(*hdr.TimeoutSeconds * float64(time.Second)))
		deadline = &t
	}

	rec := &tasktable.Record{
		MsgID:            hdr.MsgID,
		Envelope:         env,
		Header:           hdr,
		Targets:          depspec.NewIDSet(hdr.Targets...),
		After:            after,
		Follow:           follow,
		TimeoutDeadline:  deadline,
		RetriesRemaining: hdr.Retries,
		SubmittedAt:      d.now(),
	}

	if after.Check(completed, failed) {
		placed, unreachable := d.maybeRun(ctx, rec)
		if unreachable {
			d.finalizeError(ctx, rec, schederr.ImpossibleDependency("follow dependency can never be satisfied"))
			return
		}
		if placed {
			return
		}
	}
	d.saveUnmet(rec)
}

// saveUnmet implements section 4.4's save_unmet: place the record in
// depending and register a graph edge for every dependency ID (drawn from
// after ∪ follow) not yet in all_done.
func (d *Dispatcher) saveUnmet(rec *tasktable.Record) {
	d.table.Depending[rec.MsgID] = rec
	completed := d.table.CompletedSet()
	failed := d.table.FailedSet()
	for id := range rec.After.IDs {
		if !completed.Contains(id) && !failed.Contains(id) {
			d.graph.Insert(id, rec.MsgID)
		}
	}
	for id := range rec.Follow.IDs {
		if !completed.Contains(id) && !failed.Contains(id) {
			d.graph.Insert(id, rec.MsgID)
		}
	}
}

// scrubGraph removes rec's waiter entry from every graph[d] it could be
// registered under (the union of after and follow IDs), matching the
// cleanup 4.5.6 requires once a task leaves depending.
func (d *Dispatcher) scrubGraph(rec *tasktable.Record) {
	for id := range rec.After.IDs {
		d.graph.Remove(id, rec.MsgID)
	}
	for id := range rec.Follow.IDs {
		d.graph.Remove(id, rec.MsgID)
	}
}

// maybeRun implements section 4.5.2. It returns placed=true if the task
// was handed to submitTask, or unreachable=true if the caller must finalize
// the task as ImpossibleDependency. Neither true means "cannot place now" —
// the caller must save_unmet.
func (d *Dispatcher) maybeRun(ctx context.Context, rec *tasktable.Record) (placed bool, unreachable bool) {
	targetsArr := d.reg.Targets()
	loadsArr := d.reg.Loads()
	hwm := d.live.HWM()

	needsFilter := hwm > 0 || len(rec.Blacklist) > 0 || rec.Targets.Nonempty() || rec.Follow.Nonempty()

	var candidateIdx []int
	for i, uid := range targetsArr {
		if !d.reg.BreakerAllows(uid) {
			continue
		}
		if !needsFilter {
			candidateIdx = append(candidateIdx, i)
			continue
		}
		if hwm > 0 && loadsArr[i] >= hwm {
			continue
		}
		if rec.Blacklisted(uid) {
			continue
		}
		if rec.Targets.Nonempty() && !rec.Targets.Contains(string(uid)) {
			continue
		}
		if rec.Follow.Nonempty() && !rec.Follow.Check(d.reg.EngineCompletedSet(uid), d.reg.EngineFailedSet(uid)) {
			continue
		}
		candidateIdx = append(candidateIdx, i)
	}

	if len(candidateIdx) > 0 {
		d.submitTask(ctx, rec, candidateIdx, targetsArr, loadsArr)
		return true, false
	}

	if rec.Follow.All && rec.Follow.Nonempty() && len(distinctDestinations(d.table, rec.Follow.IDs)) > 1 {
		return false, true
	}
	if rec.Targets.Nonempty() {
		live := make(map[string]struct{}, len(targetsArr))
		for _, uid := range targetsArr {
			live[string(uid)] = struct{}{}
		}
		anyLive := false
		for t := range rec.Targets {
			if rec.Blacklisted(tasktable.EngineID(t)) {
				continue
			}
			if _, ok := live[t]; ok {
				anyLive = true
				break
			}
		}
		if !anyLive {
			return false, true
		}
	}
	return false, false
}

func distinctDestinations(table *tasktable.Table, ids depspec.IDSet) map[tasktable.EngineID]struct{} {
	out := make(map[tasktable.EngineID]struct{})
	for id := range ids {
		if eng, ok := table.Destinations[id]; ok {
			out[eng] = struct{}{}
		}
	}
	return out
}

// submitTask implements section 4.5.3: run the configured policy over the
// admitted subset, dispatch to the winner, and record the task as pending
// on that engine with its after-dependency replaced by the met sentinel.
func (d *Dispatcher) submitTask(ctx context.Context, rec *tasktable.Record, candidateIdx []int, targetsArr []tasktable.EngineID, loadsArr []int) {
	pick, err := policy.Lookup(policy.Name(d.live.SchemeName()))
	if err != nil {
		d.log.Error("dispatcher: policy lookup failed, defaulting to leastload", zap.Error(err))
		pick = policy.Table[policy.LeastLoad]
	}

	filteredLoads := make([]int, len(candidateIdx))
	for i, gi := range candidateIdx {
		filteredLoads[i] = loadsArr[gi]
	}

	start := time.Now()
	localIdx := pick(filteredLoads, d.rnd)
	d.metrics.PolicyPickSeconds.Observe(time.Since(start).Seconds())

	globalIdx := candidateIdx[localIdx]
	uid := targetsArr[globalIdx]

	delete(d.table.Depending, rec.MsgID)
	d.scrubGraph(rec)
	rec.After = depspec.MET

	hdr := rec.Header
	hdr.MsgType = "task"
	raw, err := envelope.EncodeHeader(hdr)
	if err != nil {
		d.log.Error("dispatcher: encode dispatch header", zap.Error(err), zap.String("msg_id", rec.MsgID))
		return
	}
	outEnv := envelope.Envelope{HeaderRaw: raw, Rest: rec.Envelope.Rest, Identities: rec.Envelope.Identities}

	idx := d.reg.IndexOf(uid)
	d.reg.AddJob(idx)
	d.reg.PutPending(uid, rec.MsgID, rec)

	if err := d.engineOut.SendEngine(ctx, uid, outEnv); err != nil {
		d.log.Warn("dispatcher: send to engine failed", zap.Error(err), zap.String("engine", string(uid)))
	}
	d.metrics.Dispatches.Inc()
	if newIdx := d.reg.IndexOf(uid); newIdx >= 0 {
		d.metrics.EngineLoad.WithLabelValues(string(uid)).Set(float64(d.reg.Loads()[newIdx]))
	}
	d.monitorOut.SendMonitor(ctx, "tracktask", raw)
}

// HandleResult implements section 4.5.4. engine is the routing identity
// taken from the reply's first identity frame; the transport layer
// resolves that before calling in.
func (d *Dispatcher) HandleResult(ctx context.Context, engine tasktable.EngineID, env envelope.Envelope) {
	hdr, err := envelope.DecodeHeader(env.HeaderRaw)
	if err != nil {
		d.log.Warn("dispatcher: dropping undecodable result", zap.Error(err), zap.String("engine", string(engine)))
		return
	}

	if idx := d.reg.IndexOf(engine); idx >= 0 {
		d.reg.FinishJob(idx)
		d.metrics.EngineLoad.WithLabelValues(string(engine)).Set(float64(d.reg.Loads()[idx]))
		// Ordering rule (b) of section 5: the load decrement must be
		// visible before any graph re-evaluation. Section 4.5.5's HWM
		// wake-on-drop rule ("a completion that drops an engine from HWM
		// to HWM-1 triggers update_graph(None)") applies to every
		// completion that frees capacity, not only location misses —
		// scenario 5 of section 8 dispatches its parked task on a plain
		// 'ok' reply, not a location miss.
		if d.live.HWM() > 0 {
			d.updateGraph(ctx, "")
		}
	}

	rec, ok := d.reg.PopPending(engine, hdr.MsgID)
	if !ok {
		if d.reg.SeenGraceExpired(engine, hdr.MsgID) {
			d.log.Debug("dispatcher: late reply for already-stranded task suppressed",
				zap.String("msg_id", hdr.MsgID), zap.String("engine", string(engine)))
			return
		}
		d.log.Warn("dispatcher: result for unknown pending task",
			zap.String("msg_id", hdr.MsgID), zap.String("engine", string(engine)))
		return
	}
	// Only the header and the engine's result payload are replaced here;
	// Identities must stay the client's original routing frames captured
	// at submission time, not the engine's, or the final reply routes
	// nowhere (or to the wrong peer).
	rec.Envelope.HeaderRaw = env.HeaderRaw
	rec.Envelope.Rest = env.Rest
	rec.Header = hdr

	if !hdr.DependenciesMetOrDefault() {
		d.locationMiss(ctx, rec, engine)
		return
	}

	if hdr.Status != "ok" && rec.RetriesRemaining > 0 {
		rec.RetriesRemaining--
		d.locationMiss(ctx, rec, engine)
		return
	}

	d.finalizeEngineResult(ctx, rec, hdr.Status, engine)
}

// locationMiss implements section 4.5.5.
func (d *Dispatcher) locationMiss(ctx context.Context, rec *tasktable.Record, engine tasktable.EngineID) {
	rec.AddBlacklist(engine)
	d.metrics.LocationMisses.Inc()
	d.reg.BreakerRecordFailure(engine)

	if rec.BlacklistCoversTargets() {
		d.finalizeError(ctx, rec, schederr.ImpossibleDependency("blacklist now covers every explicit target"))
		return
	}

	placed, unreachable := d.maybeRun(ctx, rec)
	if unreachable {
		d.finalizeError(ctx, rec, schederr.ImpossibleDependency("no live engine can satisfy follow/targets"))
		return
	}
	if !placed {
		d.saveUnmet(rec)
	}
}

// finalizeEngineResult implements the finalize branch of 4.5.4 (status ok,
// or retries exhausted).
func (d *Dispatcher) finalizeEngineResult(ctx context.Context, rec *tasktable.Record, status string, engine tasktable.EngineID) {
	if status == "ok" {
		d.table.MarkCompleted(rec.MsgID, engine)
		d.reg.MarkEngineCompleted(engine, rec.MsgID)
		d.reg.BreakerRecordSuccess(engine)
		d.metrics.Completions.WithLabelValues("ok").Inc()
	} else {
		d.table.MarkFailed(rec.MsgID, engine)
		d.reg.MarkEngineFailed(engine, rec.MsgID)
		d.reg.BreakerRecordFailure(engine)
		d.metrics.Completions.WithLabelValues("error").Inc()
	}
	d.sendFinal(ctx, rec, status, string(engine), nil)
	d.updateGraph(ctx, rec.MsgID)
}

// finalizeEngineErrorRecord finalizes a stranded task with a synthetic
// EngineError reply (section 4.3's handle_stranded).
func (d *Dispatcher) finalizeEngineErrorRecord(ctx context.Context, rec *tasktable.Record, engine tasktable.EngineID) {
	d.table.MarkFailed(rec.MsgID, engine)
	d.metrics.Completions.WithLabelValues("engine_error").Inc()
	d.sendFinal(ctx, rec, "error", string(engine), schederr.EngineError(fmt.Sprintf("engine %s deregistered before replying", engine)))
	d.updateGraph(ctx, rec.MsgID)
}

// finalizeError finalizes a record that never reached an engine (or was
// evicted from it) as a scheduler-side failure: InvalidDependency,
// ImpossibleDependency, or TaskTimeout.
func (d *Dispatcher) finalizeError(ctx context.Context, rec *tasktable.Record, errVal *schederr.Error) {
	delete(d.table.Depending, rec.MsgID)
	d.scrubGraph(rec)
	d.table.MarkFailed(rec.MsgID, "")
	d.metrics.Completions.WithLabelValues(errKindLabel(errVal.Kind)).Inc()
	d.sendFinal(ctx, rec, "error", "", errVal)
	d.updateGraph(ctx, rec.MsgID)
}

// replyRejected answers a submission-time rejection (InvalidDependency,
// ImpossibleDependency detected before the task ever entered depending).
// No TaskRecord exists yet, so this does not touch the graph.
func (d *Dispatcher) replyRejected(ctx context.Context, env envelope.Envelope, hdr envelope.Header, errVal *schederr.Error) {
	d.table.MarkFailed(hdr.MsgID, "")
	d.metrics.Completions.WithLabelValues(errKindLabel(errVal.Kind)).Inc()

	reply := hdr
	reply.MsgType = "result"
	reply.Status = "error"
	reply.Reason = errVal.Error()
	met := true
	reply.DependenciesMet = &met

	raw, err := envelope.EncodeHeader(reply)
	if err != nil {
		d.log.Error("dispatcher: build rejection reply", zap.Error(err), zap.String("msg_id", hdr.MsgID))
		return
	}
	outEnv := envelope.Envelope{Identities: env.Identities, HeaderRaw: raw, Rest: env.Rest}
	if err := d.clientOut.SendClient(ctx, outEnv); err != nil {
		d.log.Warn("dispatcher: send rejection reply failed", zap.Error(err))
	}
	d.monitorOut.SendMonitor(ctx, "outtask", outEnv.HeaderRaw)
	now := d.now()
	d.audit.Record(hdr.MsgID, "error", "", now, now)
}

// sendFinal builds and sends the single final client reply a task ever
// receives (section 8's law), mirrors it to the monitor, and writes the
// audit row.
func (d *Dispatcher) sendFinal(ctx context.Context, rec *tasktable.Record, status, engine string, errVal *schederr.Error) {
	reply := rec.Header
	reply.MsgType = "result"
	reply.Status = status
	if errVal != nil {
		reply.Reason = errVal.Error()
	}
	met := true
	reply.DependenciesMet = &met

	raw, err := envelope.EncodeHeader(reply)
	if err != nil {
		d.log.Error("dispatcher: build final reply", zap.Error(err), zap.String("msg_id", rec.MsgID))
		return
	}
	// rec.Envelope.Identities are the client's own routing frames from the
	// submission, already client-first; there is no engine frame to swap.
	outEnv := envelope.Envelope{Identities: rec.Envelope.Identities, HeaderRaw: raw, Rest: rec.Envelope.Rest}
	if err := d.clientOut.SendClient(ctx, outEnv); err != nil {
		d.log.Warn("dispatcher: send final reply failed", zap.Error(err))
	}
	d.monitorOut.SendMonitor(ctx, "outtask", outEnv.HeaderRaw)
	d.audit.Record(rec.MsgID, status, engine, rec.SubmittedAt, d.now())
}

func errKindLabel(k schederr.Kind) string {
	switch k {
	case schederr.KindInvalidDependency:
		return "invalid_dependency"
	case schederr.KindImpossibleDependency:
		return "unreachable"
	case schederr.KindTaskTimeout:
		return "timeout"
	case schederr.KindEngineError:
		return "engine_error"
	default:
		return "error"
	}
}

// updateGraph implements section 4.5.6. depID=="" requests the full
// re-scan (the spec's `None`); any other value is a concrete dependency
// that just finished.
func (d *Dispatcher) updateGraph(ctx context.Context, depID tasktable.TaskID) {
	var candidates depspec.IDSet
	if depID == "" {
		candidates = make(depspec.IDSet, len(d.table.Depending))
		for id := range d.table.Depending {
			candidates[id] = struct{}{}
		}
	} else {
		candidates = d.graph.Pop(depID)
	}

	completed := d.table.CompletedSet()
	failed := d.table.FailedSet()

	for msgID := range candidates {
		rec, ok := d.table.Depending[msgID]
		if !ok {
			continue
		}

		if rec.After.Unreachable(completed, failed) || rec.Follow.Unreachable(completed, failed) {
			d.finalizeError(ctx, rec, schederr.ImpossibleDependency("dependency became unreachable"))
			continue
		}

		reduced := rec.After
		if reduced.All {
			reduced = reduced.Reduce(completed, failed)
		}
		if !reduced.Check(completed, failed) {
			rec.After = reduced
			continue
		}

		rec.After = depspec.MET
		placed, unreachable := d.maybeRun(ctx, rec)
		if unreachable {
			d.finalizeError(ctx, rec, schederr.ImpossibleDependency("follow dependency can never be satisfied"))
			continue
		}
		if placed {
			delete(d.table.Depending, msgID)
			d.scrubGraph(rec)
		}
	}
}

// AuditTimeouts implements section 4.5.7: a periodic scan at 0.5 Hz
// failing any depending task whose deadline has passed. The Loop's ticker
// calls this every strandedGrace-independent fixed period (config's
// TimeoutAuditIntervalMS).
func (d *Dispatcher) AuditTimeouts(ctx context.Context) {
	now := d.now()
	for msgID, rec := range d.table.Depending {
		if rec.TimeoutDeadline != nil && rec.TimeoutDeadline.Before(now) {
			d.metrics.Timeouts.Inc()
			d.finalizeError(ctx, rec, schederr.TaskTimeout(fmt.Sprintf("task %s exceeded its deadline", msgID)))
		}
	}
}

// HandleEngineRegistered implements the register() side of section 4.3.
func (d *Dispatcher) HandleEngineRegistered(ctx context.Context, uid tasktable.EngineID) {
	wasEmpty := d.reg.Register(uid)
	d.metrics.RegisteredEngines.Set(float64(d.reg.Len()))
	d.log.Info("dispatcher: engine registered", zap.String("engine", string(uid)))
	if wasEmpty && d.onAcceptingChanged != nil {
		d.onAcceptingChanged(true)
	}
	d.updateGraph(ctx, "")
}

// HandleEngineDeregistered implements the unregister() side of section
// 4.3. It returns hadPending so the caller's Loop can schedule the
// strandedGrace timer (timers must re-enter the same loop, per section 5 —
// Dispatcher itself never spawns one).
func (d *Dispatcher) HandleEngineDeregistered(uid tasktable.EngineID) (hadPending bool) {
	hadPending, _, becameEmpty := d.reg.Unregister(uid)
	d.metrics.RegisteredEngines.Set(float64(d.reg.Len()))
	d.log.Info("dispatcher: engine deregistered", zap.String("engine", string(uid)), zap.Bool("had_pending", hadPending))
	if becameEmpty && d.onAcceptingChanged != nil {
		d.onAcceptingChanged(false)
	}
	return hadPending
}

// StrandedGrace returns the configured grace window for handle_stranded.
func (d *Dispatcher) StrandedGrace() time.Duration { return d.strandedGrace }

// HandleStranded implements section 4.3's handle_stranded: synthesize an
// EngineError reply for every task still in uid's pending map, tolerating
// entries a concurrent late reply already drained.
func (d *Dispatcher) HandleStranded(ctx context.Context, uid tasktable.EngineID) {
	pending := d.reg.Pending(uid)
	ids := make([]tasktable.TaskID, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	for _, msgID := range ids {
		rec, ok := d.reg.PopPending(uid, msgID)
		if !ok {
			continue
		}
		d.reg.MarkGraceExpired(uid, msgID)
		d.metrics.StrandedTasks.Inc()
		d.finalizeEngineErrorRecord(ctx, rec, uid)
	}
	d.reg.DropOutcomeSets(uid)
}
