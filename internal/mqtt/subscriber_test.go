package mqtt

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/aemos-iot/aemos-core/internal/protocol"
	"github.com/aemos-iot/aemos-core/internal/router"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	msgs []protocol.Message
	res  router.Result
}

func (f *fakeDispatcher) Route(ctx context.Context, msg protocol.Message) router.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return f.res
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandlePublishRoutesMessage(t *testing.T) {
	d := &fakeDispatcher{res: router.Result{Status: "success"}}
	s := NewSubscriber(Config{InstanceID: "test"}, d, discard())

	s.handlePublish(context.Background(), &paho.Publish{
		Topic:   "devices/abc/datastream",
		Payload: []byte(`{"value": 1, "telemetryDataId": 5}`),
		QoS:     1,
	})

	if len(d.msgs) != 1 {
		t.Fatalf("routed = %d, want 1", len(d.msgs))
	}
	msg := d.msgs[0]
	if msg.Type != protocol.TypeDataStream || msg.DeviceUUID != "abc" {
		t.Errorf("message = %+v", msg)
	}
	if msg.Protocol != protocol.ProtocolMQTT {
		t.Errorf("protocol = %s", msg.Protocol)
	}
}

func TestHandlePublishCarriesClientProperty(t *testing.T) {
	d := &fakeDispatcher{res: router.Result{Status: "success"}}
	s := NewSubscriber(Config{InstanceID: "test"}, d, discard())

	s.handlePublish(context.Background(), &paho.Publish{
		Topic:   "devices/abc/state",
		Payload: []byte(`{}`),
		Properties: &paho.PublishProperties{
			User: paho.UserProperties{{Key: "client_id", Value: "aemos-publisher-test"}},
		},
	})

	if len(d.msgs) != 1 {
		t.Fatalf("routed = %d, want 1", len(d.msgs))
	}
	if d.msgs[0].ClientID != "aemos-publisher-test" {
		t.Errorf("clientId = %q", d.msgs[0].ClientID)
	}
}

func TestHandlePublishRateLimited(t *testing.T) {
	d := &fakeDispatcher{res: router.Result{Status: "success"}}
	s := NewSubscriber(Config{InstanceID: "test", RateLimit: 2}, d, discard())

	for i := 0; i < 5; i++ {
		s.handlePublish(context.Background(), &paho.Publish{
			Topic:   "devices/abc/datastream",
			Payload: []byte(`{}`),
		})
	}
	if len(d.msgs) != 2 {
		t.Errorf("routed = %d, want 2 within the limit", len(d.msgs))
	}
}

func TestMessageRateLimiter(t *testing.T) {
	rl := newMessageRateLimiter(5, time.Second, discard())

	for i := range 5 {
		if !rl.allow() {
			t.Errorf("message %d should have been allowed", i)
		}
	}
	if rl.allow() {
		t.Error("message 6 should have been rate-limited")
	}
	if dropped := rl.dropped.Load(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestMessageRateLimiter_Concurrent(t *testing.T) {
	rl := newMessageRateLimiter(1000, time.Second, discard())

	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 200 {
				rl.allow()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}

	if count := rl.count.Load(); count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	if dropped := rl.dropped.Load(); dropped != 1000 {
		t.Errorf("dropped = %d, want 1000", dropped)
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" {
		t.Fatal("empty instance id")
	}

	again, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again != id {
		t.Errorf("instance id changed across loads: %q != %q", again, id)
	}

	// A blank file regenerates.
	if err := os.WriteFile(filepath.Join(dir, "instance_id"), []byte("\n"), 0644); err != nil {
		t.Fatal(err)
	}
	fresh, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if fresh == "" || fresh == id {
		t.Errorf("blank file should regenerate, got %q", fresh)
	}
}

func TestPublisherClientID(t *testing.T) {
	p := NewPublisher(Config{InstanceID: "deadbeef"}, discard())
	if p.ClientID() != router.PublisherClientPrefix+"deadbeef" {
		t.Errorf("ClientID = %q", p.ClientID())
	}
	// Publishing before Start fails cleanly.
	if err := p.Publish(context.Background(), "t", nil); err == nil {
		t.Error("Publish before Start should error")
	}
}
