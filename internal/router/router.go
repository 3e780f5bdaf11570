// Package router dispatches inbound protocol envelopes: authenticate,
// classify, persist, and hand events to the rule engine.
package router

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aemos-iot/aemos-core/internal/aemoserr"
	"github.com/aemos-iot/aemos-core/internal/engine"
	"github.com/aemos-iot/aemos-core/internal/model"
	"github.com/aemos-iot/aemos-core/internal/protocol"
	"github.com/aemos-iot/aemos-core/internal/store"
	"github.com/aemos-iot/aemos-core/internal/tokencache"
)

// PublisherClientPrefix marks our own egress connections. Messages from
// these clients are acknowledged and dropped so broadcasts never feed
// back into the engine.
const PublisherClientPrefix = "aemos-publisher-"

// InternalPublisherUser is the reserved username of the internal
// publisher identity.
const InternalPublisherUser = "publisher"

// Result is the uniform handler response.
type Result struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Data    any           `json:"data,omitempty"`
	Code    aemoserr.Code `json:"code,omitempty"`
}

func success(message string, data any) Result {
	return Result{Status: "success", Message: message, Data: data}
}

func failure(err error) Result {
	return Result{Status: "error", Message: err.Error(), Code: aemoserr.CodeOf(err)}
}

// Repository is the slice of the store the router needs.
type Repository interface {
	TokenByValue(ctx context.Context, token string) (store.TokenWithSensor, error)
	TouchTokenLastUsed(ctx context.Context, token string, at time.Time) error
	MarkTokenExpired(ctx context.Context, token string) error
	SensorByUUID(ctx context.Context, uuid string) (model.Sensor, error)
	UpdateSensorStatus(ctx context.Context, uuid string, status model.SensorStatus) error
	DeviceByUUID(ctx context.Context, uuid string) (model.Device, error)
	EnsureTelemetryData(ctx context.Context, sensorID int64, variable string, datatype model.Datatype) (int64, error)
	AppendDataStream(ctx context.Context, telemetryDataID int64, value string, receivedAt time.Time) (int64, error)
	CreateStateInstance(ctx context.Context, deviceUUID, stateName, value, initiatedBy, initiatorID string, at time.Time) (model.DeviceStateInstance, error)
}

// Engine accepts events for processing.
type Engine interface {
	Submit(e engine.Event) error
}

// Broadcaster fans organization-wide messages out to subscribers.
type Broadcaster interface {
	Broadcast(orgID int64, data map[string]any)
}

// Config tunes the router.
type Config struct {
	// Production requires a valid token on every publish. Development
	// accepts unauthenticated publishes with a warning.
	Production bool
	// InternalPublisherSecret authenticates the reserved publisher
	// identity.
	InternalPublisherSecret string
}

// Router is the single dispatch point for all inbound messages.
type Router struct {
	repo      Repository
	cache     *tokencache.Cache
	engine    Engine
	broadcast Broadcaster
	cfg       Config
	log       *slog.Logger

	// touchWait is closed over by tests to observe async lastUsed
	// updates; production leaves it nil.
	touchDone chan string
}

// New wires a router.
func New(repo Repository, cache *tokencache.Cache, eng Engine, bc Broadcaster, cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = tokencache.New(logger)
	}
	return &Router{
		repo:      repo,
		cache:     cache,
		engine:    eng,
		broadcast: bc,
		cfg:       cfg,
		log:       logger,
	}
}

// Route dispatches one envelope and returns the handler result.
func (r *Router) Route(ctx context.Context, msg protocol.Message) Result {
	if strings.HasPrefix(msg.ClientID, PublisherClientPrefix) {
		// Our own egress looping back. Acknowledge, never process.
		return success("acknowledged", nil)
	}
	if msg.Topic == "" {
		return failure(aemoserr.New(aemoserr.CodeValidation, "message has no topic"))
	}

	switch msg.Type {
	case protocol.TypeDataStream:
		return r.handleDataStream(ctx, msg)
	case protocol.TypeDeviceStatus:
		return r.handleDeviceStatus(ctx, msg)
	case protocol.TypeDeviceState:
		return r.handleDeviceState(ctx, msg)
	case protocol.TypeCommands:
		return r.handleCommands(ctx, msg)
	case protocol.TypeBroadcast:
		return r.handleBroadcast(ctx, msg)
	case protocol.TypeRuleChain:
		return r.handleRuleChain(ctx, msg)
	default:
		return failure(aemoserr.New(aemoserr.CodeUnknownMessageType, "no handler for topic").
			With("topic", msg.Topic))
	}
}

// Authenticate resolves a device's claimed UUID and token to its
// sensor. The cache serves repeat publishes; misses hit the repository
// and verify status, expiry, and the UUID-spoofing defense.
func (r *Router) Authenticate(ctx context.Context, deviceUUID, token string) (model.Sensor, error) {
	if token == "" {
		if r.cfg.Production {
			return model.Sensor{}, aemoserr.New(aemoserr.CodeAuthentication, "token required").
				With("deviceUuid", deviceUUID)
		}
		// Development convenience: resolve the sensor directly.
		r.log.Warn("accepting unauthenticated publish", "deviceUuid", deviceUUID)
		sensor, err := r.repo.SensorByUUID(ctx, deviceUUID)
		if err != nil {
			return model.Sensor{}, aemoserr.Wrap(aemoserr.CodeDeviceNotFound, "unknown device", err).
				With("deviceUuid", deviceUUID)
		}
		return sensor, nil
	}

	if entry, ok := r.cache.Get(token); ok {
		if entry.Sensor.UUID != deviceUUID {
			return model.Sensor{}, aemoserr.New(aemoserr.CodeAuthentication, "token does not belong to claimed device").
				With("deviceUuid", deviceUUID)
		}
		r.touchAsync(token)
		return entry.Sensor, nil
	}

	tw, err := r.repo.TokenByValue(ctx, token)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Sensor{}, aemoserr.New(aemoserr.CodeAuthentication, "unknown token").
			With("deviceUuid", deviceUUID)
	}
	if err != nil {
		return model.Sensor{}, fmt.Errorf("token lookup: %w", err)
	}

	if tw.Token.Status != model.TokenActive {
		return model.Sensor{}, aemoserr.New(aemoserr.CodeAuthentication, "token not active").
			With("deviceUuid", deviceUUID).With("status", string(tw.Token.Status))
	}
	if tw.Token.ExpiresAt != nil && !tw.Token.ExpiresAt.After(time.Now()) {
		if err := r.repo.MarkTokenExpired(ctx, token); err != nil {
			r.log.Warn("failed to mark token expired", "error", err)
		}
		return model.Sensor{}, aemoserr.New(aemoserr.CodeAuthentication, "token expired").
			With("deviceUuid", deviceUUID)
	}
	if tw.Sensor.UUID != deviceUUID {
		return model.Sensor{}, aemoserr.New(aemoserr.CodeAuthentication, "token does not belong to claimed device").
			With("deviceUuid", deviceUUID)
	}

	r.cache.Put(token, tw.Sensor, tw.Token)
	r.touchAsync(token)
	return tw.Sensor, nil
}

// AuthenticateInternal checks the reserved publisher identity.
func (r *Router) AuthenticateInternal(username, password string) bool {
	return username == InternalPublisherUser &&
		r.cfg.InternalPublisherSecret != "" &&
		password == r.cfg.InternalPublisherSecret
}

// touchAsync records lastUsed off the hot path.
func (r *Router) touchAsync(token string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.repo.TouchTokenLastUsed(ctx, token, time.Now()); err != nil {
			r.log.Debug("lastUsed update failed", "error", err)
		}
		if r.touchDone != nil {
			r.touchDone <- token
		}
	}()
}

// handleDataStream persists single or batch telemetry and emits one
// event per item.
func (r *Router) handleDataStream(ctx context.Context, msg protocol.Message) Result {
	var envelopes []protocol.Envelope
	var token string
	if batch, ok := protocol.ParseBatch(msg.Payload); ok {
		envelopes = batch.DataStreams
		token = batch.Token
	} else {
		env, err := protocol.ParseEnvelope(msg.Payload)
		if err != nil {
			return failure(aemoserr.Wrap(aemoserr.CodeValidation, "malformed data stream payload", err))
		}
		envelopes = []protocol.Envelope{env}
		token = env.Token
	}
	if len(envelopes) == 0 {
		return failure(aemoserr.New(aemoserr.CodeValidation, "empty data stream batch"))
	}

	sensor, err := r.Authenticate(ctx, msg.DeviceUUID, token)
	if err != nil {
		return failure(err)
	}

	ids := make([]int64, 0, len(envelopes))
	for _, env := range envelopes {
		if env.TelemetryDataID == 0 {
			return failure(aemoserr.New(aemoserr.CodeValidation, "telemetryDataId required"))
		}
		id, err := r.repo.AppendDataStream(ctx, env.TelemetryDataID, valueToString(env.Value), msg.Timestamp)
		if err != nil {
			return failure(fmt.Errorf("persist data stream: %w", err))
		}
		ids = append(ids, id)

		if err := r.engine.Submit(engine.Event{
			Kind:           engine.KindTelemetry,
			OrganizationID: sensor.OrganizationID,
			SensorUUID:     sensor.UUID,
		}); err != nil {
			r.log.Warn("telemetry event rejected", "sensorUuid", sensor.UUID, "error", err)
		}
	}

	return success("data stream accepted", map[string]any{"ids": ids, "count": len(ids)})
}

func (r *Router) handleDeviceStatus(ctx context.Context, msg protocol.Message) Result {
	token, _ := msg.Payload["token"].(string)
	sensor, err := r.Authenticate(ctx, msg.DeviceUUID, token)
	if err != nil {
		return failure(err)
	}
	statusRaw, _ := msg.Payload["status"].(string)
	if statusRaw == "" {
		return failure(aemoserr.New(aemoserr.CodeValidation, "status required"))
	}
	if err := r.repo.UpdateSensorStatus(ctx, sensor.UUID, model.SensorStatus(statusRaw)); err != nil {
		return failure(fmt.Errorf("update status: %w", err))
	}
	r.log.Info("device status updated", "deviceUuid", msg.DeviceUUID, "status", statusRaw)
	return success("status updated", nil)
}

func (r *Router) handleDeviceState(ctx context.Context, msg protocol.Message) Result {
	token, _ := msg.Payload["token"].(string)
	sensor, err := r.Authenticate(ctx, msg.DeviceUUID, token)
	if err != nil {
		return failure(err)
	}

	stateName, _ := msg.Payload["stateName"].(string)
	value, hasValue := msg.Payload["value"]
	if stateName == "" || !hasValue {
		return failure(aemoserr.New(aemoserr.CodeValidation, "stateName and value required"))
	}

	inst, err := r.repo.CreateStateInstance(ctx, msg.DeviceUUID, stateName,
		valueToString(value), "device", msg.DeviceUUID, msg.Timestamp)
	if err != nil {
		return failure(fmt.Errorf("write state instance: %w", err))
	}

	if err := r.engine.Submit(engine.Event{
		Kind:           engine.KindDeviceStateChange,
		OrganizationID: sensor.OrganizationID,
		DeviceUUID:     msg.DeviceUUID,
	}); err != nil {
		r.log.Warn("state change event rejected", "deviceUuid", msg.DeviceUUID, "error", err)
	}
	return success("state recorded", map[string]any{"instanceId": inst.ID})
}

// handleCommands only logs; commands are hardware-bound and this core
// drives no actuators itself.
func (r *Router) handleCommands(ctx context.Context, msg protocol.Message) Result {
	r.log.Info("command received", "deviceUuid", msg.DeviceUUID, "payload", msg.Payload)
	return success("command acknowledged", nil)
}

func (r *Router) handleBroadcast(ctx context.Context, msg protocol.Message) Result {
	orgID, err := strconv.ParseInt(msg.OrganizationID, 10, 64)
	if err != nil {
		return failure(aemoserr.New(aemoserr.CodeInvalidOrgID, "organization id is not numeric").
			With("organizationId", msg.OrganizationID))
	}
	if r.broadcast != nil {
		r.broadcast.Broadcast(orgID, msg.Payload)
	}
	return success("broadcast queued", nil)
}

// handleRuleChain treats an inbound rulechain publish as a manual
// trigger for that chain.
func (r *Router) handleRuleChain(ctx context.Context, msg protocol.Message) Result {
	orgID, err := strconv.ParseInt(msg.OrganizationID, 10, 64)
	if err != nil {
		return failure(aemoserr.New(aemoserr.CodeInvalidOrgID, "organization id is not numeric").
			With("organizationId", msg.OrganizationID))
	}
	chainID, err := strconv.ParseInt(msg.RuleChainID, 10, 64)
	if err != nil {
		return failure(aemoserr.New(aemoserr.CodeValidation, "rule chain id is not numeric").
			With("ruleChainId", msg.RuleChainID))
	}
	if err := r.engine.Submit(engine.Event{
		Kind:           engine.KindManualTrigger,
		OrganizationID: orgID,
		RuleChainID:    chainID,
	}); err != nil {
		return failure(err)
	}
	return success("rule chain triggered", map[string]any{"ruleChainId": chainID})
}

func valueToString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
