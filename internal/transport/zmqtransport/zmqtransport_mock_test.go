//go:build nozmq
// +build nozmq

package zmqtransport

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

func TestMockTransportRoundTrip(t *testing.T) {
	tr, err := New(Endpoints{}, zap.NewNop())
	require.NoError(t, err)

	table := tasktable.New()
	graph := depgraph.New()
	reg := registry.New(16)
	m := metrics.New(prometheus.NewRegistry())
	live := dispatcher.StaticLiveConfig(0, "leastload")
	d := dispatcher.New(table, graph, reg, live, 5*time.Second, tr, tr, tr, noopAudit{}, m, zap.NewNop(), 7)
	loop := dispatcher.NewLoop(d, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)
	go tr.RunNotifierLoop(ctx, loop)
	go tr.RunClientLoop(ctx, loop)

	tr.InjectNotifierFrames([][]byte{[]byte("register"), []byte("E1")})

	hdr := envelope.Header{MsgID: "T1", MsgType: "submit"}
	raw, err := envelope.EncodeHeader(hdr)
	require.NoError(t, err)
	tr.InjectClientFrames([][]byte{[]byte("client-identity"), raw})

	select {
	case frames := <-tr.MonitorOutbound():
		require.Equal(t, TagIntask, string(frames[0]))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for monitor mirror")
	}
}

type noopAudit struct{}

func (noopAudit) Record(string, string, string, time.Time, time.Time) {}
