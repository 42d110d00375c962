package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/nutrictx/internal/config"
	"github.com/fyrsmithlabs/nutrictx/internal/embeddings"
	"github.com/fyrsmithlabs/nutrictx/internal/normalize"
	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
)

// blockingProcessor holds every job until release is closed.
type blockingProcessor struct {
	release chan struct{}

	mu   sync.Mutex
	seen []Event
}

func (p *blockingProcessor) Ingest(ctx context.Context, ev Event) Job {
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	p.mu.Lock()
	p.seen = append(p.seen, ev)
	p.mu.Unlock()
	return Job{Event: ev, State: StateDone}
}

func (p *blockingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func TestQueue_EnqueueNeverBlocks(t *testing.T) {
	proc := &blockingProcessor{release: make(chan struct{})}
	q := NewQueue(proc, QueueConfig{Workers: 1, Size: 2}, nil)
	q.Start()

	ev := DeleteEvent("u1", nutrition.TypeFoodLog, "log-1")

	// One event occupies the worker, two fill the buffer.
	require.NoError(t, q.Enqueue(ev))
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, q.Enqueue(ev))
	require.NoError(t, q.Enqueue(ev))

	done := make(chan error, 1)
	go func() { done <- q.Enqueue(ev) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}

	close(proc.release)
	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, 3, proc.count(), "Close drains queued events")

	assert.ErrorIs(t, q.Enqueue(ev), ErrQueueClosed)
	assert.NoError(t, q.Close(context.Background()), "second Close is a no-op")
}

func TestQueue_RejectsInvalidEvents(t *testing.T) {
	q := NewQueue(&blockingProcessor{release: make(chan struct{})}, QueueConfig{}, nil)
	assert.ErrorIs(t, q.Enqueue(Event{Op: "merge", UserID: "u1", DataType: nutrition.TypeFoodLog, EntityID: "x"}), ErrInvalidEvent)
	assert.ErrorIs(t, q.Enqueue(DeleteEvent("", nutrition.TypeFoodLog, "x")), ErrInvalidEvent)
}

func TestQueue_CloseTimeoutCancelsInFlight(t *testing.T) {
	proc := &blockingProcessor{release: make(chan struct{})}
	q := NewQueue(proc, QueueConfig{Workers: 1, Size: 4}, nil)
	q.Start()
	require.NoError(t, q.Enqueue(DeleteEvent("u1", nutrition.TypeFoodLog, "log-1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, proc.count())
}

func TestQueue_ProcessesWithPipeline(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	p := NewPipeline(normalize.New(), newClient(embeddings.NewHashProvider(testDim)), store, Config{}, nil)
	q := NewQueue(p, QueueConfig{Workers: 3, Size: 16}, nil)
	q.Start()

	for _, name := range []string{"Oats", "Eggs", "Salmon"} {
		ev, err := UpsertEvent(foodLog("u1", "log-"+name, name))
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(ev))
	}
	require.NoError(t, q.Close(ctx))

	n, err := store.Count(ctx, nutrition.Namespace("u1", nutrition.TypeFoodLog))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
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

// recordingSink collects enqueued events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Enqueue(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestNATSTransport_RoundTrip(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := Connect(config.NATSConfig{URL: server.ClientURL()})
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	tr := NewNATSTransport(nc, config.NATSConfig{}, nil)
	sink := &recordingSink{}
	require.NoError(t, tr.Subscribe(sink))
	t.Cleanup(func() { _ = tr.Close() })

	ev, err := UpsertEvent(foodLog("u1", "log-1", "Greek Yogurt"))
	require.NoError(t, err)
	require.NoError(t, tr.Enqueue(ev))
	require.NoError(t, nc.Flush())

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := sink.snapshot()[0]
	assert.Equal(t, ev.UserID, got.UserID)
	assert.Equal(t, ev.EntityID, got.EntityID)
	assert.JSONEq(t, string(ev.Entity), string(got.Entity))
}

func TestNATSTransport_SubjectAndWireFormat(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	tr := NewNATSTransport(nc, config.NATSConfig{}, nil)
	assert.Equal(t, "nutrictx.ingest.u1", tr.Subject("u1"))
	assert.Equal(t, "nutrictx.ingest.a_b_c", tr.Subject("a.b*c"))

	sub, err := nc.SubscribeSync("nutrictx.ingest.u1")
	require.NoError(t, err)

	require.NoError(t, tr.Enqueue(DeleteEvent("u1", nutrition.TypeMealPlan, "plan-1")))
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &wire))
	assert.Equal(t, "delete", wire["op"])
	assert.Equal(t, "u1", wire["user_id"])
	assert.Equal(t, "meal_plan", wire["data_type"])
	assert.Equal(t, "plan-1", wire["entity_id"])

	assert.ErrorIs(t, tr.Enqueue(DeleteEvent("u1", "unknown", "x")), ErrInvalidEvent)
}

func TestNATSTransport_QueueGroupDeliversOnce(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	a, b := &recordingSink{}, &recordingSink{}
	ta := NewNATSTransport(nc, config.NATSConfig{}, nil)
	tb := NewNATSTransport(nc, config.NATSConfig{}, nil)
	require.NoError(t, ta.Subscribe(a))
	require.NoError(t, tb.Subscribe(b))

	for i := 0; i < 20; i++ {
		require.NoError(t, ta.Enqueue(DeleteEvent("u1", nutrition.TypeFoodLog, "log")))
	}
	require.NoError(t, nc.Flush())

	require.Eventually(t, func() bool {
		return len(a.snapshot())+len(b.snapshot()) == 20
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, ta.Close())
	require.NoError(t, tb.Close())
}
