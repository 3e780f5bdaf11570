package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aemos-iot/aemos-core/internal/engine"
	"github.com/aemos-iot/aemos-core/internal/rulechain"
)

const (
	// DefaultFlushInterval bounds how long a normal-priority
	// notification waits in its buffer.
	DefaultFlushInterval = 100 * time.Millisecond
	// DefaultMaxBuffer flushes a bucket early once it holds this many.
	DefaultMaxBuffer = 100
)

// Publisher is the outbound transport, normally the MQTT egress client.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type bufKey struct {
	org   int64
	topic string
}

type bucket struct {
	mu      sync.Mutex
	pending []Notification
	timer   *time.Timer
}

// Service batches notifications per (organization, topic) bucket and
// fans them out to the bus and the publisher. High priority bypasses
// the buffer entirely.
type Service struct {
	bus *Bus
	pub Publisher
	log *slog.Logger

	flushInterval time.Duration
	maxBuffer     int

	mu      sync.Mutex
	buckets map[bufKey]*bucket
}

// NewService builds the dispatcher. pub may be nil when no egress
// transport is configured; the bus still receives everything.
func NewService(bus *Bus, pub Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = NewBus()
	}
	return &Service{
		bus:           bus,
		pub:           pub,
		log:           logger,
		flushInterval: DefaultFlushInterval,
		maxBuffer:     DefaultMaxBuffer,
		buckets:       make(map[bufKey]*bucket),
	}
}

// Bus exposes the underlying bus for WebSocket subscribers.
func (s *Service) Bus() *Bus {
	return s.bus
}

// SetBatching overrides the flush interval and buffer cap. Zero values
// keep the defaults. Call before the first Enqueue.
func (s *Service) SetBatching(interval time.Duration, maxBuffer int) {
	if interval > 0 {
		s.flushInterval = interval
	}
	if maxBuffer > 0 {
		s.maxBuffer = maxBuffer
	}
}

// Enqueue routes one notification. High priority publishes immediately;
// everything else lands in its bucket and flushes on the interval or
// at the size cap.
func (s *Service) Enqueue(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	if n.Priority == PriorityHigh {
		s.deliver([]Notification{n}, n.Topic)
		return
	}

	key := bufKey{org: n.OrganizationID, topic: n.Topic}
	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{}
		s.buckets[key] = b
	}
	s.mu.Unlock()

	b.mu.Lock()
	b.pending = append(b.pending, n)
	full := len(b.pending) >= s.maxBuffer
	if full {
		batch := b.pending
		b.pending = nil
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		b.mu.Unlock()
		s.deliver(batch, n.Topic)
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(s.flushInterval, func() { s.flush(b, n.Topic) })
	}
	b.mu.Unlock()
}

func (s *Service) flush(b *bucket, topic string) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.timer = nil
	b.mu.Unlock()
	if len(batch) > 0 {
		s.deliver(batch, topic)
	}
}

// deliver pushes a batch to the bus and the publisher.
func (s *Service) deliver(batch []Notification, topic string) {
	for _, n := range batch {
		s.bus.Publish(n)
	}
	if s.pub == nil {
		return
	}

	var payload []byte
	var err error
	if len(batch) == 1 {
		payload, err = json.Marshal(batch[0])
	} else {
		payload, err = json.Marshal(map[string]any{
			"notifications": batch,
			"count":         len(batch),
		})
	}
	if err != nil {
		s.log.Error("failed to encode notification batch", "topic", topic, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.pub.Publish(ctx, topic, payload); err != nil {
		s.log.Warn("notification publish failed", "topic", topic, "count", len(batch), "error", err)
	}
}

// NotifyStateChange implements engine.Notifier: publish the state echo
// right away, then enqueue the notification on the device's topic.
func (s *Service) NotifyStateChange(sc engine.StateChange) {
	if s.pub != nil {
		echo, err := json.Marshal(map[string]any{
			"stateName": sc.StateName,
			"value":     sc.Value,
			"initiatedBy": map[string]any{
				"type":          "rule_chain",
				"ruleChainId":   sc.RuleChainID,
				"ruleChainName": sc.RuleChainName,
				"nodeId":        sc.NodeID,
			},
		})
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.pub.Publish(ctx, fmt.Sprintf("devices/%s/state", sc.DeviceUUID), echo); err != nil {
				s.log.Warn("state echo publish failed", "deviceUuid", sc.DeviceUUID, "error", err)
			}
			cancel()
		}
	}

	s.Enqueue(Notification{
		OrganizationID: sc.OrganizationID,
		Topic:          fmt.Sprintf("devices/%s/notifications", sc.DeviceUUID),
		Priority:       sc.Priority,
		Data: map[string]any{
			"type":          "stateChange",
			"deviceUuid":    sc.DeviceUUID,
			"stateName":     sc.StateName,
			"value":         sc.Value,
			"ruleChainId":   sc.RuleChainID,
			"ruleChainName": sc.RuleChainName,
		},
	})
}

// NotifyChainResult implements engine.Notifier: the execution summary
// goes out on the organization's rulechain topic.
func (s *Service) NotifyChainResult(orgID int64, res rulechain.Result) {
	s.Enqueue(Notification{
		OrganizationID: orgID,
		Topic:          fmt.Sprintf("organizations/%d/rulechain/%d", orgID, res.RuleChainID),
		Priority:       PriorityNormal,
		Data: map[string]any{
			"type":          "executionSummary",
			"ruleChainId":   res.RuleChainID,
			"name":          res.Name,
			"status":        res.Status,
			"filtersPassed": res.Summary.FiltersPassed,
			"actions":       res.Summary.ActionsExecuted,
		},
	})
}

// Broadcast sends an organization-wide message, used by the broadcast
// message handler.
func (s *Service) Broadcast(orgID int64, data map[string]any) {
	s.Enqueue(Notification{
		OrganizationID: orgID,
		Topic:          fmt.Sprintf("organizations/%d/broadcast", orgID),
		Priority:       PriorityNormal,
		Data:           data,
	})
}
