package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"PluginRuntime/pkg/hook"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
	block  chan struct{}
	closed bool
}

func (p *recordingPublisher) Publish(_ context.Context, evt Event) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestBridgeForwardsLifecycleActions(t *testing.T) {
	bus := hook.New(hook.WithLogger(quiet()))
	pub := &recordingPublisher{}
	at := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	var observed []string
	bridge := NewBridge(bus, pub,
		WithSource("test-host"),
		WithClock(func() time.Time { return at }),
		WithLogger(quiet()),
		WithObserver(func(evt Event, err error) { observed = append(observed, evt.Type) }),
	)
	bridge.Start(context.Background())

	bus.DoAction("plugin.activated", "hello", "1.2.0")
	bus.DoAction("plugin.upgraded", "hello", "1.1.0", "1.2.0")
	bus.DoAction("content.saved", "post-1")

	if err := bridge.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !pub.closed {
		t.Fatalf("publisher should be closed with the bridge")
	}
	if len(pub.events) != 2 {
		t.Fatalf("expected 2 forwarded events, got %+v", pub.events)
	}
	first, second := pub.events[0], pub.events[1]
	if first.Type != "plugin.activated" || first.Plugin != "hello" || len(first.Args) != 1 || first.Args[0] != "1.2.0" {
		t.Fatalf("unexpected first event: %+v", first)
	}
	if second.Type != "plugin.upgraded" || len(second.Args) != 2 || second.Args[0] != "1.1.0" {
		t.Fatalf("unexpected second event: %+v", second)
	}
	if _, err := uuid.Parse(first.ID); err != nil || first.ID == second.ID {
		t.Fatalf("events need distinct uuid ids: %q %q", first.ID, second.ID)
	}
	if first.Source != "test-host" || !first.OccurredAt.Equal(at) {
		t.Fatalf("unexpected source or time: %+v", first)
	}
	if len(observed) != 2 || bridge.Stats().Published != 2 {
		t.Fatalf("observer or stats out of sync: %v %+v", observed, bridge.Stats())
	}

	// after Close the subscription is gone
	if bus.HasAction("plugin.activated") {
		t.Fatalf("bridge subscription should be removed")
	}
}

func TestBridgeCountsFailures(t *testing.T) {
	bus := hook.New(hook.WithLogger(quiet()))
	pub := &recordingPublisher{err: errors.New("channel closed")}
	bridge := NewBridge(bus, pub, WithLogger(quiet()))
	bridge.Start(context.Background())

	bus.DoAction("plugin.deactivated", "hello")
	_ = bridge.Close()

	if st := bridge.Stats(); st.Failed != 1 || st.Published != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestBridgeDropsWhenQueueIsFull(t *testing.T) {
	bus := hook.New(hook.WithLogger(quiet()))
	pub := &recordingPublisher{block: make(chan struct{})}
	bridge := NewBridge(bus, pub, WithBuffer(1), WithLogger(quiet()))
	bridge.Start(context.Background())

	for i := 0; i < 3; i++ {
		bus.DoAction("plugin.permission_denied", "hello", "content.write")
	}
	if bridge.Stats().Dropped == 0 {
		t.Fatalf("expected dropped events with a full queue")
	}
	close(pub.block)
	_ = bridge.Close()
}

func TestEncodeBuildsPersistentJSONMessage(t *testing.T) {
	evt := Event{ID: uuid.NewString(), Type: "plugin.installed", Plugin: "hello", Source: "host", OccurredAt: time.Unix(10, 0).UTC()}
	msg, err := encode(evt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if msg.DeliveryMode != amqp.Persistent || msg.ContentType != "application/json" || msg.MessageId != evt.ID || msg.Type != evt.Type {
		t.Fatalf("unexpected publishing: %+v", msg)
	}
	var decoded Event
	if err := json.Unmarshal(msg.Body, &decoded); err != nil || decoded.Plugin != "hello" {
		t.Fatalf("body not decodable: %v %+v", err, decoded)
	}
}

func TestRabbitMQPublisherRequiresURL(t *testing.T) {
	if _, err := NewRabbitMQPublisher(RabbitMQConfig{}); err == nil {
		t.Fatalf("expected error without url")
	}
}
