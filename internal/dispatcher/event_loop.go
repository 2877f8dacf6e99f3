package dispatcher

import (
	"context"
	"time"

	"github.com/basalt-run/taskweave/internal/envelope"
	"github.com/basalt-run/taskweave/internal/tasktable"
)

// submissionEvent, resultEvent and registrationEvent are the three inbound
// events the transport layer feeds onto the Loop; strandedEvent is the only
// event the Loop generates for itself, via time.AfterFunc re-entering the
// loop rather than calling a Dispatcher method from the timer's own
// goroutine (section 5: "timers must re-enter the same loop").
type submissionEvent struct{ env envelope.Envelope }

type resultEvent struct {
	engine tasktable.EngineID
	env    envelope.Envelope
}

type registrationEvent struct {
	engine     tasktable.EngineID
	registered bool
}

type strandedEvent struct{ engine tasktable.EngineID }

// Loop is the single goroutine that owns Dispatcher state, implementing
// section 5's cooperative event-loop model: every inbound event is
// serialized through one select, so Dispatcher itself needs no locking.
type Loop struct {
	d *Dispatcher

	submissions   chan submissionEvent
	results       chan resultEvent
	registrations chan registrationEvent
	stranded      chan strandedEvent

	auditTicker *time.Ticker
}

// NewLoop wraps a Dispatcher with the channels and ticker its Run method
// multiplexes. auditInterval is the 0.5 Hz (2s) timeout-audit period of
// section 4.5.7.
func NewLoop(d *Dispatcher, auditInterval time.Duration) *Loop {
	return &Loop{
		d:             d,
		submissions:   make(chan submissionEvent, 256),
		results:       make(chan resultEvent, 256),
		registrations: make(chan registrationEvent, 16),
		stranded:      make(chan strandedEvent, 16),
		auditTicker:   time.NewTicker(auditInterval),
	}
}

// SubmitClientMessage enqueues a client submission. Called by the client
// transport reader goroutine; never blocks the caller for long since the
// channel is generously buffered, but a transport whose reader cannot keep
// up should itself apply backpressure upstream (HWM, socket buffers).
func (l *Loop) SubmitClientMessage(env envelope.Envelope) {
	l.submissions <- submissionEvent{env: env}
}

// SubmitEngineResult enqueues an engine reply.
func (l *Loop) SubmitEngineResult(engine tasktable.EngineID, env envelope.Envelope) {
	l.results <- resultEvent{engine: engine, env: env}
}

// SubmitRegistration enqueues an engine registration/deregistration
// notification, as observed on the notifier stream.
func (l *Loop) SubmitRegistration(engine tasktable.EngineID, registered bool) {
	l.registrations <- registrationEvent{engine: engine, registered: registered}
}

// Run drives the loop until ctx is canceled. Registrations and the
// timeout-audit ticker are drained ahead of ordinary submissions on every
// iteration, matching section 5's ordering rule (a): engine registration
// must be observed before a routing decision is made for any submission
// queued behind it.
func (l *Loop) Run(ctx context.Context) error {
	defer l.auditTicker.Stop()

	for {
		// Priority drain: registrations and stranded-grace callbacks never
		// wait behind a backlog of client submissions.
		select {
		case ev := <-l.registrations:
			l.handleRegistration(ctx, ev)
			continue
		case ev := <-l.stranded:
			l.d.HandleStranded(ctx, ev.engine)
			continue
		case <-l.auditTicker.C:
			l.d.AuditTimeouts(ctx)
			continue
		default:
		}

		select {
		case ev := <-l.registrations:
			l.handleRegistration(ctx, ev)
		case ev := <-l.stranded:
			l.d.HandleStranded(ctx, ev.engine)
		case <-l.auditTicker.C:
			l.d.AuditTimeouts(ctx)
		case ev := <-l.results:
			// Ordering rule (b): finish_job happens before graph update,
			// which HandleResult itself guarantees internally.
			l.d.HandleResult(ctx, ev.engine, ev.env)
		case ev := <-l.submissions:
			l.d.HandleSubmission(ctx, ev.env)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Loop) handleRegistration(ctx context.Context, ev registrationEvent) {
	if ev.registered {
		l.d.HandleEngineRegistered(ctx, ev.engine)
		return
	}
	if l.d.HandleEngineDeregistered(ev.engine) {
		grace := l.d.StrandedGrace()
		engine := ev.engine
		time.AfterFunc(grace, func() {
			// Re-enters the loop rather than touching Dispatcher state from
			// this timer goroutine directly.
			l.stranded <- strandedEvent{engine: engine}
		})
	}
}
