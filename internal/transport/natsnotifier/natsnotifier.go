// Package natsnotifier implements an alternative notifier_stream backend
// over NATS core pub/sub (nats-io/nats.go), selected by
// config.Config.NotifierDriver == "nats". Grounded on the subject-based
// publish/subscribe shape used by natsclient.Client.Publish/JetStream in
// the dataparency-dev-AI-delegation task-dispatcher example, simplified
// to core NATS since the notifier_stream carries small, fire-and-forget
// registration events with no need for JetStream's durability.
package natsnotifier

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/basalt-run/taskweave/internal/dispatcher"
	"github.com/basalt-run/taskweave/internal/tasktable"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// event is the wire shape published on the notifier subject.
type event struct {
	Verb   string `json:"verb"` // "register" or "unregister"
	Engine string `json:"engine"`
}

// Notifier subscribes to subject on a NATS connection and feeds
// registration/deregistration events onto a dispatcher.Loop.
type Notifier struct {
	conn    *nats.Conn
	subject string
	log     *zap.Logger
	sub     *nats.Subscription
}

// Connect dials url and returns a Notifier ready to Subscribe.
func Connect(url, subject string, log *zap.Logger) (*Notifier, error) {
	conn, err := nats.Connect(url, nats.Name("scheduler-notifier"), nats.ReconnectWait(time.Second))
	if err != nil {
		return nil, fmt.Errorf("natsnotifier: connect %s: %w", url, err)
	}
	return &Notifier{conn: conn, subject: subject, log: log}, nil
}

// Subscribe starts feeding loop with decoded events until Close is
// called. NATS's own client handles reconnection; malformed payloads are
// logged and dropped, matching section 7's decode-error rule.
func (n *Notifier) Subscribe(loop *dispatcher.Loop) error {
	sub, err := n.conn.Subscribe(n.subject, func(msg *nats.Msg) {
		var ev event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			n.log.Warn("natsnotifier: decode event failed", zap.Error(err))
			return
		}
		switch ev.Verb {
		case "register":
			loop.SubmitRegistration(tasktable.EngineID(ev.Engine), true)
		case "unregister":
			loop.SubmitRegistration(tasktable.EngineID(ev.Engine), false)
		default:
			n.log.Debug("natsnotifier: unknown verb", zap.String("verb", ev.Verb))
		}
	})
	if err != nil {
		return fmt.Errorf("natsnotifier: subscribe %s: %w", n.subject, err)
	}
	n.sub = sub
	return nil
}

// PublishRegister and PublishUnregister let an engine-side component
// (or a test) drive the notifier_stream over NATS instead of ZMQ.
func (n *Notifier) PublishRegister(engine string) error {
	return n.publish(event{Verb: "register", Engine: engine})
}

func (n *Notifier) PublishUnregister(engine string) error {
	return n.publish(event{Verb: "unregister", Engine: engine})
}

func (n *Notifier) publish(ev event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("natsnotifier: encode event: %w", err)
	}
	return n.conn.Publish(n.subject, b)
}

// Close unsubscribes and closes the connection.
func (n *Notifier) Close() {
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	n.conn.Close()
}
