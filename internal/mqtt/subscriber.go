package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/aemos-iot/aemos-core/internal/protocol"
	"github.com/aemos-iot/aemos-core/internal/router"
)

// Config holds broker connection settings shared by the subscriber and
// the publisher.
type Config struct {
	// Broker is the broker URL, e.g. mqtt://localhost:1883. The mqtts
	// and ssl schemes enable TLS.
	Broker   string
	Username string
	Password string
	// InstanceID distinguishes this process on the broker. Client ids
	// derive from it.
	InstanceID string
	// RateLimit caps inbound messages per second. Zero means the
	// default of 1000.
	RateLimit int64
}

const defaultRateLimit = 1000

// subscribeFilters covers every inbound topic shape the router
// classifies. Notifications are outbound only and deliberately absent.
var subscribeFilters = []string{
	"devices/+/datastream",
	"devices/+/status",
	"devices/+/state",
	"devices/+/commands",
	"organizations/+/broadcast",
	"organizations/+/rulechain/+",
}

// Dispatcher consumes classified inbound messages. The message router
// implements it.
type Dispatcher interface {
	Route(ctx context.Context, msg protocol.Message) router.Result
}

// Subscriber bridges broker publishes into the router.
type Subscriber struct {
	cfg      Config
	dispatch Dispatcher
	limiter  *messageRateLimiter
	log      *slog.Logger
	cm       *autopaho.ConnectionManager
}

// NewSubscriber creates a Subscriber but does not connect. Call
// [Subscriber.Start] to begin.
func NewSubscriber(cfg Config, dispatch Dispatcher, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	return &Subscriber{
		cfg:      cfg,
		dispatch: dispatch,
		limiter:  newMessageRateLimiter(limit, time.Second, logger),
		log:      logger,
	}
}

// Start connects to the broker and subscribes. It returns once the
// connection manager is running; autopaho reconnects and re-subscribes
// in the background until ctx is cancelled.
func (s *Subscriber) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.log.Info("mqtt subscriber connected", "broker", s.cfg.Broker)
			s.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			s.log.Warn("mqtt subscriber connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "aemos-core-" + s.cfg.InstanceID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					s.handlePublish(ctx, pr.Packet)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm

	go s.limiter.start(ctx)

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		s.log.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop disconnects from the broker.
func (s *Subscriber) Stop(ctx context.Context) error {
	if s.cm == nil {
		return nil
	}
	return s.cm.Disconnect(ctx)
}

func (s *Subscriber) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	subs := make([]paho.SubscribeOptions, 0, len(subscribeFilters))
	for _, f := range subscribeFilters {
		subs = append(subs, paho.SubscribeOptions{Topic: f, QoS: 1})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		s.log.Error("mqtt subscribe failed", "filters", len(subs), "error", err)
		return
	}
	s.log.Debug("mqtt subscriptions established", "filters", len(subs))
}

// handlePublish converts one broker publish into a router envelope.
// The client_id user property, stamped by our own publisher, lets the
// router drop looped-back egress traffic.
func (s *Subscriber) handlePublish(ctx context.Context, pkt *paho.Publish) {
	if !s.limiter.allow() {
		return
	}

	clientID := ""
	if pkt.Properties != nil {
		clientID = pkt.Properties.User.Get("client_id")
	}

	msg := protocol.NewMessage(protocol.ProtocolMQTT, pkt.Topic, pkt.Payload, clientID, pkt.QoS)
	res := s.dispatch.Route(ctx, msg)
	if res.Status != "success" {
		s.log.Warn("mqtt message rejected",
			"topic", pkt.Topic, "code", string(res.Code), "message", res.Message)
		return
	}
	s.log.Debug("mqtt message routed", "topic", pkt.Topic, "type", string(msg.Type))
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled. At each interval boundary it resets the message counter
// and logs a warning if any messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the message counter and returns true if the current
// count is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
