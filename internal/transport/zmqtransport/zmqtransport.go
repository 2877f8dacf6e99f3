// Package zmqtransport adapts C7's four streams (client_stream,
// engine_stream, mon_stream, notifier_stream) onto ZeroMQ sockets, the way
// the teacher's internal/zmq package adapts a single block-hash feed onto
// a SUB socket, generalized to ROUTER/PUB framing for the dispatcher's
// four streams. The real or mock backend is chosen at build time by the
// nozmq tag; there is no runtime fallback between them. This file
// holds the wire-framing and identity-envelope logic shared by both the
// real (zmq.go, build tag !nozmq) and mock (zmq_mock.go, build tag nozmq)
// socket backends.
package zmqtransport

import (
	"context"
	"fmt"
	"time"

	"github.com/basalt-run/taskweave/internal/dispatcher"
	"github.com/basalt-run/taskweave/internal/envelope"
	"github.com/basalt-run/taskweave/internal/tasktable"
	"go.uber.org/zap"
)

// Monitor tags from section 6.
const (
	TagIntask    = "intask"
	TagOuttask   = "outtask"
	TagTrackTask = "tracktask"
)

// socket is the narrow slice of zmq4.Socket's behavior this package
// depends on, satisfied by the real build's *zmq4.Socket and the mock
// build's in-memory stand-in — letting this file stay build-tag free.
type socket interface {
	SendMessage(parts ...interface{}) (int, error)
	RecvMessageBytes(flags int) ([][]byte, error)
	Close() error
}

// Endpoints bundles the four stream addresses of section 6's
// configuration table.
type Endpoints struct {
	Client   string
	Engine   string
	Monitor  string
	Notifier string
}

// Transport wires ROUTER sockets for client_stream/engine_stream, a PUB
// socket for mon_stream, and a SUB socket for notifier_stream onto the
// dispatcher's Loop. It implements dispatcher.ClientSender,
// dispatcher.EngineSender and dispatcher.MonitorSender directly; the
// notifier_stream side runs its own read loop that calls
// Loop.SubmitRegistration.
type Transport struct {
	log *zap.Logger

	clientSock   socket
	engineSock   socket
	monitorSock  socket
	notifierSock socket
}

var _ dispatcher.ClientSender = (*Transport)(nil)
var _ dispatcher.EngineSender = (*Transport)(nil)
var _ dispatcher.MonitorSender = (*Transport)(nil)

// SendClient writes env back out the client ROUTER socket: the first
// identity frame addresses the client, remaining identity frames (if any)
// are routing history, then the header, then the opaque payload frames.
func (t *Transport) SendClient(_ context.Context, env envelope.Envelope) error {
	return sendEnvelope(t.clientSock, env)
}

// SendEngine writes env out the engine ROUTER socket, addressed to engine.
func (t *Transport) SendEngine(_ context.Context, engine tasktable.EngineID, env envelope.Envelope) error {
	out := env
	out.Identities = append([][]byte{[]byte(engine)}, env.Identities...)
	return sendEnvelope(t.engineSock, out)
}

// SendMonitor publishes payload on the PUB socket under tag, matching the
// teacher's topic-prefixed PUB framing in internal/zmq/zmq.go
// (socket.SetSubscribe("hashblock") on the reader side).
func (t *Transport) SendMonitor(_ context.Context, tag string, payload []byte) {
	if t.monitorSock == nil {
		return
	}
	if _, err := t.monitorSock.SendMessage(tag, payload); err != nil {
		t.log.Warn("zmqtransport: monitor publish failed", zap.String("tag", tag), zap.Error(err))
	}
}

func sendEnvelope(s socket, env envelope.Envelope) error {
	if s == nil {
		return fmt.Errorf("zmqtransport: socket not initialized")
	}
	parts := make([]interface{}, 0, len(env.Identities)+1+len(env.Rest))
	for _, id := range env.Identities {
		parts = append(parts, id)
	}
	parts = append(parts, env.HeaderRaw)
	for _, r := range env.Rest {
		parts = append(parts, r)
	}
	_, err := s.SendMessage(parts...)
	return err
}

// RunClientLoop reads client_stream messages and enqueues them onto loop
// until ctx is canceled.
func (t *Transport) RunClientLoop(ctx context.Context, loop *dispatcher.Loop) {
	runRecvLoop(ctx, t.log, "client_stream", t.clientSock, func(frames [][]byte) {
		loop.SubmitClientMessage(decodeFrames(frames))
	})
}

// RunEngineLoop reads engine_stream replies; the first identity frame is
// the engine's own routing identity (section 4.5.4 step 1).
func (t *Transport) RunEngineLoop(ctx context.Context, loop *dispatcher.Loop) {
	runRecvLoop(ctx, t.log, "engine_stream", t.engineSock, func(frames [][]byte) {
		if len(frames) == 0 {
			return
		}
		engine := tasktable.EngineID(frames[0])
		loop.SubmitEngineResult(engine, decodeFrames(frames[1:]))
	})
}

// RunNotifierLoop reads registration/deregistration notifications off the
// notifier_stream; wire format is the verb ("register" or "unregister")
// as the first frame and the engine uid as the second, matching the simple tag+payload shape the teacher
// uses for its own topic-prefixed ZMQ messages.
func (t *Transport) RunNotifierLoop(ctx context.Context, loop *dispatcher.Loop) {
	runRecvLoop(ctx, t.log, "notifier_stream", t.notifierSock, func(frames [][]byte) {
		if len(frames) < 2 {
			t.log.Warn("zmqtransport: malformed notifier frame", zap.Int("parts", len(frames)))
			return
		}
		uid := tasktable.EngineID(frames[1])
		switch string(frames[0]) {
		case "register":
			loop.SubmitRegistration(uid, true)
		case "unregister":
			loop.SubmitRegistration(uid, false)
		default:
			t.log.Debug("zmqtransport: unknown notifier verb", zap.ByteString("verb", frames[0]))
		}
	})
}

func runRecvLoop(ctx context.Context, log *zap.Logger, name string, s socket, handle func(frames [][]byte)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		frames, err := s.RecvMessageBytes(0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("zmqtransport: recv failed", zap.String("stream", name), zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		handle(frames)
	}
}

// Close tears down all four sockets.
func (t *Transport) Close() {
	t.clientSock.Close()
	t.engineSock.Close()
	t.monitorSock.Close()
	t.notifierSock.Close()
}

// decodeFrames splits a raw multipart ZMQ message into an Envelope,
// assuming a single leading identity frame (ROUTER sockets prepend
// exactly one) followed by the header and any opaque payload frames.
func decodeFrames(frames [][]byte) envelope.Envelope {
	if len(frames) == 0 {
		return envelope.Envelope{}
	}
	env := envelope.Envelope{Identities: [][]byte{frames[0]}}
	if len(frames) > 1 {
		env.HeaderRaw = frames[1]
	}
	if len(frames) > 2 {
		env.Rest = frames[2:]
	}
	return env
}
