package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/loopd/internal/metrics"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestBus_PublishesToNATS(t *testing.T) {
	server := startTestNATSServer(t)

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("loopd.fix-auth.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	bus := NewBus(NATSSink{Conn: nc})
	bus.Publish(Event{Type: IterationCompleted, TaskID: "fix-auth", Iteration: 2,
		Data: map[string]any{"decision": "BLOCK"}})
	bus.Close()
	require.NoError(t, nc.Flush())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "loopd.fix-auth.iteration.completed", msg.Subject)

	var ev Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, 2, ev.Iteration)
	assert.Equal(t, "BLOCK", ev.Data["decision"])
	assert.False(t, ev.Time.IsZero())
}

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	got     []string
}

func (s *blockingSink) Publish(subject string, _ []byte) error {
	<-s.release
	s.mu.Lock()
	s.got = append(s.got, subject)
	s.mu.Unlock()
	return nil
}

func TestBus_FullQueueDropsWithoutBlocking(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	bus := NewBus(sink, WithQueueSize(1))
	before := testutil.ToFloat64(metrics.Default().EventsDroppedTotal)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: TaskBlocked, TaskID: "t"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full queue")
	}

	close(sink.release)
	bus.Close()
	dropped := testutil.ToFloat64(metrics.Default().EventsDroppedTotal) - before
	assert.GreaterOrEqual(t, dropped, 8.0)
	assert.Equal(t, 10.0, dropped+float64(len(sink.got)))
}

type failingSink struct{}

func (failingSink) Publish(string, []byte) error { return errors.New("nats down") }

func TestBus_SinkFailureIsContained(t *testing.T) {
	bus := NewBus(failingSink{})
	before := testutil.ToFloat64(metrics.Default().EventsPublished.WithLabelValues("error"))
	bus.Publish(Event{Type: SnapshotPersistFailed, TaskID: "t"})
	bus.Close()
	after := testutil.ToFloat64(metrics.Default().EventsPublished.WithLabelValues("error"))
	assert.Equal(t, 1.0, after-before)
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus(nil)
	bus.Close()
	bus.Close()
	assert.NotPanics(t, func() { bus.Publish(Event{Type: TaskHalted, TaskID: "t"}) })
}

func TestEvent_Subject(t *testing.T) {
	ev := Event{Type: SnapshotPersistFailed, TaskID: "fix-auth"}
	assert.Equal(t, "loopd.fix-auth.snapshot.persist_failed", ev.Subject())
}
