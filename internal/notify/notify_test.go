package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aemos-iot/aemos-core/internal/engine"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMsg
	done     chan struct{}
}

type publishedMsg struct {
	Topic   string
	Payload []byte
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{done: make(chan struct{}, 16)}
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	f.messages = append(f.messages, publishedMsg{topic, payload})
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakePublisher) byTopic(topic string) []publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedMsg
	for _, m := range f.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func waitPublish(t *testing.T, pub *fakePublisher) {
	t.Helper()
	select {
	case <-pub.done:
	case <-time.After(2 * time.Second):
		t.Fatal("no publish within 2s")
	}
}

func TestHighPriorityBypassesBuffer(t *testing.T) {
	pub := newFakePublisher()
	s := NewService(NewBus(), pub, nil)

	s.Enqueue(Notification{OrganizationID: 1, Topic: "t", Priority: PriorityHigh, Data: map[string]any{"k": "v"}})

	waitPublish(t, pub)
	if got := pub.byTopic("t"); len(got) != 1 {
		t.Fatalf("publishes = %d, want 1 immediate", len(got))
	}
}

func TestNormalPriorityBatchesOnInterval(t *testing.T) {
	pub := newFakePublisher()
	s := NewService(NewBus(), pub, nil)
	s.flushInterval = 20 * time.Millisecond

	for i := 0; i < 3; i++ {
		s.Enqueue(Notification{OrganizationID: 1, Topic: "t", Priority: PriorityNormal})
	}
	// Nothing goes out before the flush interval.
	if got := pub.byTopic("t"); len(got) != 0 {
		t.Fatalf("published before flush: %d", len(got))
	}

	waitPublish(t, pub)
	msgs := pub.byTopic("t")
	if len(msgs) != 1 {
		t.Fatalf("publishes = %d, want 1 batch", len(msgs))
	}
	var batch struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(msgs[0].Payload, &batch); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if batch.Count != 3 {
		t.Errorf("batch count = %d, want 3", batch.Count)
	}
}

func TestBufferFlushesAtCap(t *testing.T) {
	pub := newFakePublisher()
	s := NewService(NewBus(), pub, nil)
	s.maxBuffer = 5
	s.flushInterval = time.Hour // only the cap can flush

	for i := 0; i < 5; i++ {
		s.Enqueue(Notification{OrganizationID: 1, Topic: "t", Priority: PriorityNormal})
	}
	waitPublish(t, pub)
	if got := pub.byTopic("t"); len(got) != 1 {
		t.Fatalf("publishes = %d, want 1", len(got))
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	pub := newFakePublisher()
	s := NewService(NewBus(), pub, nil)
	s.flushInterval = 20 * time.Millisecond

	s.Enqueue(Notification{OrganizationID: 1, Topic: "a", Priority: PriorityNormal})
	s.Enqueue(Notification{OrganizationID: 2, Topic: "a", Priority: PriorityNormal})

	waitPublish(t, pub)
	waitPublish(t, pub)
	// Same topic, different orgs: two separate batches.
	if got := pub.byTopic("a"); len(got) != 2 {
		t.Errorf("publishes = %d, want 2", len(got))
	}
}

func TestBusReceivesEverything(t *testing.T) {
	bus := NewBus()
	s := NewService(bus, nil, nil)
	sub := bus.Subscribe(8)
	defer bus.Unsubscribe(sub)

	s.Enqueue(Notification{OrganizationID: 3, Topic: "t", Priority: PriorityHigh})
	select {
	case n := <-sub:
		if n.OrganizationID != 3 {
			t.Errorf("notification = %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("bus subscriber got nothing")
	}
}

func TestNotifyStateChange(t *testing.T) {
	pub := newFakePublisher()
	s := NewService(NewBus(), pub, nil)
	s.flushInterval = 10 * time.Millisecond

	s.NotifyStateChange(engine.StateChange{
		OrganizationID: 1,
		DeviceUUID:     "dev-1",
		StateName:      "power",
		Value:          "on",
		Priority:       PriorityNormal,
		RuleChainID:    7,
		RuleChainName:  "cool-down",
	})

	// The state echo publishes immediately.
	waitPublish(t, pub)
	if got := pub.byTopic("devices/dev-1/state"); len(got) != 1 {
		t.Fatalf("state echo publishes = %d", len(got))
	}
	// The notification flushes on the interval.
	waitPublish(t, pub)
	got := pub.byTopic("devices/dev-1/notifications")
	if len(got) != 1 {
		t.Fatalf("notification publishes = %d", len(got))
	}
	var n Notification
	if err := json.Unmarshal(got[0].Payload, &n); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if n.Data["ruleChainId"] != float64(7) || n.Data["stateName"] != "power" {
		t.Errorf("data = %v", n.Data)
	}
}

func TestBusUnsubscribeIdempotent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d", bus.SubscriberCount())
	}
	// Publishing with no subscribers is a no-op.
	bus.Publish(Notification{})
}
