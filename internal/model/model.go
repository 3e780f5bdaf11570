// Package model defines the persistent entities of the AEMOS core. The
// repository in internal/store owns their rows; the engine owns the
// derived in-memory structures built from them.
package model

import (
	"time"

	"github.com/google/uuid"
)

// SensorStatus enumerates the lifecycle states of a sensor.
type SensorStatus string

const (
	SensorActive       SensorStatus = "active"
	SensorInactive     SensorStatus = "inactive"
	SensorPending      SensorStatus = "pending"
	SensorCalibrating  SensorStatus = "calibrating"
	SensorError        SensorStatus = "error"
	SensorDisconnected SensorStatus = "disconnected"
	SensorRetired      SensorStatus = "retired"
)

// Sensor is a telemetry source owned by an organization.
type Sensor struct {
	ID             int64        `json:"id"`
	UUID           string       `json:"uuid"`
	Name           string       `json:"name"`
	Status         SensorStatus `json:"status"`
	OrganizationID int64        `json:"organizationId"`
}

// Device is an actuatable unit with named states.
type Device struct {
	ID             int64  `json:"id"`
	UUID           string `json:"uuid"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	OrganizationID int64  `json:"organizationId"`
}

// Datatype constrains how a DataStream value is coerced.
type Datatype string

const (
	DatatypeNumber  Datatype = "number"
	DatatypeBoolean Datatype = "boolean"
	DatatypeString  Datatype = "string"
)

// TelemetryData declares a named channel on a sensor.
type TelemetryData struct {
	ID           int64    `json:"id"`
	SensorID     int64    `json:"sensorId"`
	VariableName string   `json:"variableName"`
	Datatype     Datatype `json:"datatype"`
}

// DataStream is a single append-only reading on a telemetry channel.
// Value is stored as text and coerced per the channel's datatype.
type DataStream struct {
	ID              int64     `json:"id"`
	TelemetryDataID int64     `json:"telemetryDataId"`
	Value           string    `json:"value"`
	ReceivedAt      time.Time `json:"receivedAt"`
}

// DeviceState declares a named state on a device.
type DeviceState struct {
	ID        int64  `json:"id"`
	DeviceID  int64  `json:"deviceId"`
	StateName string `json:"stateName"`
}

// DeviceStateInstance is one interval of a device state's value. The
// current value is the single row with a nil ToTimestamp; writing a new
// instance closes the previous one.
type DeviceStateInstance struct {
	ID            int64      `json:"id"`
	DeviceStateID int64      `json:"deviceStateId"`
	Value         string     `json:"value"`
	FromTimestamp time.Time  `json:"fromTimestamp"`
	ToTimestamp   *time.Time `json:"toTimestamp,omitempty"`
	InitiatedBy   string     `json:"initiatedBy"`
	InitiatorID   string     `json:"initiatorId"`
}

// TokenStatus enumerates device-token states.
type TokenStatus string

const (
	TokenActive  TokenStatus = "active"
	TokenRevoked TokenStatus = "revoked"
	TokenExpired TokenStatus = "expired"
)

// DeviceToken authenticates a device to speak for its sensor. Token is
// a 64-character lowercase hex string.
type DeviceToken struct {
	ID        int64       `json:"id"`
	Token     string      `json:"token"`
	SensorID  int64       `json:"sensorId"`
	ExpiresAt *time.Time  `json:"expiresAt,omitempty"`
	LastUsed  *time.Time  `json:"lastUsed,omitempty"`
	Status    TokenStatus `json:"status"`
}

// ExecutionType is a rule chain's dispatch policy: which trigger kinds
// cause it to run.
type ExecutionType string

const (
	ExecutionEventTriggered ExecutionType = "event-triggered"
	ExecutionScheduleOnly   ExecutionType = "schedule-only"
	ExecutionHybrid         ExecutionType = "hybrid"
)

// RuleChain is a user-defined filter/transform/action pipeline.
type RuleChain struct {
	ID               int64         `json:"id"`
	Name             string        `json:"name"`
	OrganizationID   int64         `json:"organizationId"`
	ScheduleEnabled  bool          `json:"scheduleEnabled"`
	CronExpression   string        `json:"cronExpression,omitempty"`
	Timezone         string        `json:"timezone"`
	Priority         int           `json:"priority"`     // 0..100
	MaxRetries       int           `json:"maxRetries"`   // 0..10
	RetryDelayMs     int           `json:"retryDelayMs"` // 0..60000
	ScheduleMetadata string        `json:"scheduleMetadata,omitempty"`
	ExecutionType    ExecutionType `json:"executionType"`
	LastExecutedAt   *time.Time    `json:"lastExecutedAt,omitempty"`
	LastErrorAt      *time.Time    `json:"lastErrorAt,omitempty"`
	ExecutionCount   int64         `json:"executionCount"`
	FailureCount     int64         `json:"failureCount"`
}

// NodeType identifies what a rule-chain node does.
type NodeType string

const (
	NodeFilter    NodeType = "filter"
	NodeTransform NodeType = "transform"
	NodeAction    NodeType = "action"
)

// RuleChainNode is one node of a chain. Config holds the serialized
// expression (see internal/rulechain). NextNodeID forms a singly-linked
// list; zero means "fall through to the next node in canonical order".
type RuleChainNode struct {
	ID          int64    `json:"id"`
	RuleChainID int64    `json:"ruleChainId"`
	Name        string   `json:"name"`
	Type        NodeType `json:"type"`
	Config      string   `json:"config"`
	NextNodeID  int64    `json:"nextNodeId,omitempty"`
}

// NewUUID returns a fresh UUIDv7 string, falling back to v4 if the
// clock-based generator fails.
func NewUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// ValidUUID reports whether s parses as a UUID.
func ValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
