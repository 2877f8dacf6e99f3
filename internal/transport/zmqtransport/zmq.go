//go:build !nozmq
// +build !nozmq

package zmqtransport

import (
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

// zmqSocket wraps *zmq4.Socket to the socket interface, receiving frames
// as raw bytes via RecvMessageBytes.
type zmqSocket struct{ s *zmq4.Socket }

func (z zmqSocket) SendMessage(parts ...interface{}) (int, error) { return z.s.SendMessage(parts...) }
func (z zmqSocket) Close() error                                   { return z.s.Close() }

func (z zmqSocket) RecvMessageBytes(flags int) ([][]byte, error) {
	parts, err := z.s.RecvMessageBytes(flags)
	if err != nil {
		return nil, err
	}
	return parts, nil
}

// New binds the client/engine/monitor ROUTER/PUB sockets once each and
// connects the notifier SUB socket, retrying only that connect with
// exponential backoff (cenkalti/backoff) the way the teacher reaches for the same package in
// its reconnect paths elsewhere in the stack.
func New(ep Endpoints, log *zap.Logger) (*Transport, error) {
	clientSock, err := bindRouter(ep.Client)
	if err != nil {
		return nil, fmt.Errorf("zmqtransport: client socket: %w", err)
	}
	engineSock, err := bindRouter(ep.Engine)
	if err != nil {
		return nil, fmt.Errorf("zmqtransport: engine socket: %w", err)
	}
	monitorSock, err := bindPub(ep.Monitor)
	if err != nil {
		return nil, fmt.Errorf("zmqtransport: monitor socket: %w", err)
	}
	notifierSock, err := connectSub(ep.Notifier)
	if err != nil {
		return nil, fmt.Errorf("zmqtransport: notifier socket: %w", err)
	}

	return &Transport{
		log:          log,
		clientSock:   zmqSocket{clientSock},
		engineSock:   zmqSocket{engineSock},
		monitorSock:  zmqSocket{monitorSock},
		notifierSock: zmqSocket{notifierSock},
	}, nil
}

func bindRouter(endpoint string) (*zmq4.Socket, error) {
	s, err := zmq4.NewSocket(zmq4.ROUTER)
	if err != nil {
		return nil, err
	}
	if err := s.Bind(endpoint); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func bindPub(endpoint string) (*zmq4.Socket, error) {
	s, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	if err := s.Bind(endpoint); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// connectSub dials the notifier publisher with a reconnect/backoff loop,
// since unlike the ROUTER/PUB sockets (which bind and own their
// endpoint), the notifier endpoint is typically owned by an external
// registration authority that may not be up yet at scheduler start.
func connectSub(endpoint string) (*zmq4.Socket, error) {
	var s *zmq4.Socket
	op := func() error {
		sock, err := zmq4.NewSocket(zmq4.SUB)
		if err != nil {
			return err
		}
		if err := sock.Connect(endpoint); err != nil {
			sock.Close()
			return err
		}
		if err := sock.SetSubscribe(""); err != nil {
			sock.Close()
			return err
		}
		s = sock
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return s, nil
}
