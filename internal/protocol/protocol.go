// Package protocol converts protocol-specific inputs (MQTT publishes,
// CoAP requests, HTTP posts) into the uniform message envelope the
// router consumes, and classifies topics into message types.
package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// Protocol names the transport a message arrived on.
type Protocol string

const (
	ProtocolMQTT Protocol = "mqtt"
	ProtocolCoAP Protocol = "coap"
	ProtocolHTTP Protocol = "http"
)

// MessageType is the routing classification derived from a topic.
type MessageType string

const (
	TypeDataStream    MessageType = "dataStream"
	TypeDeviceStatus  MessageType = "deviceStatus"
	TypeDeviceState   MessageType = "deviceState"
	TypeCommands      MessageType = "commands"
	TypeNotifications MessageType = "notifications" // outbound only
	TypeBroadcast     MessageType = "broadcast"
	TypeRuleChain     MessageType = "ruleChain"
	TypeUnknown       MessageType = "unknown"
)

// Message is the uniform envelope. Payload holds the decoded JSON
// object; Raw keeps the original bytes for handlers that need them.
type Message struct {
	Protocol  Protocol       `json:"protocol"`
	Topic     string         `json:"topic"`
	Type      MessageType    `json:"type"`
	Payload   map[string]any `json:"payload"`
	Raw       []byte         `json:"-"`
	Timestamp time.Time      `json:"timestamp"`
	ClientID  string         `json:"clientId,omitempty"`
	QoS       byte           `json:"qos,omitempty"`
	Query     string         `json:"query,omitempty"`

	// Address fields filled in by topic classification.
	DeviceUUID     string `json:"deviceUuid,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
	RuleChainID    string `json:"ruleChainId,omitempty"`
}

// validTopic enforces the topic character class. Whitespace, dots, @,
// and MQTT wildcards are all rejected on inbound.
func validTopic(topic string) bool {
	if topic == "" {
		return false
	}
	for _, r := range topic {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '/':
		default:
			return false
		}
	}
	return true
}

// Classify derives the message type and address fields from a topic.
// Anything outside the grammar comes back as TypeUnknown and is routed
// nowhere.
func Classify(topic string) (MessageType, Message) {
	var m Message
	m.Topic = topic
	m.Type = TypeUnknown

	if !validTopic(topic) {
		return TypeUnknown, m
	}

	parts := strings.Split(strings.Trim(topic, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "devices":
		m.DeviceUUID = parts[1]
		switch parts[2] {
		case "datastream":
			m.Type = TypeDataStream
		case "status":
			m.Type = TypeDeviceStatus
		case "state":
			m.Type = TypeDeviceState
		case "commands":
			m.Type = TypeCommands
		case "notifications":
			m.Type = TypeNotifications
		}
	case len(parts) == 3 && parts[0] == "organizations" && parts[2] == "broadcast":
		m.OrganizationID = parts[1]
		m.Type = TypeBroadcast
	case len(parts) == 4 && parts[0] == "organizations" && parts[2] == "rulechain":
		m.OrganizationID = parts[1]
		m.RuleChainID = parts[3]
		m.Type = TypeRuleChain
	}
	return m.Type, m
}

// DecodePayload parses bytes as a JSON object; anything else is wrapped
// as {value: <string>} so handlers always see a map.
func DecodePayload(raw []byte) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"value": strings.TrimSpace(string(raw))}
}

// NewMessage builds a classified envelope from a transport publish.
func NewMessage(proto Protocol, topic string, raw []byte, clientID string, qos byte) Message {
	_, m := Classify(topic)
	m.Protocol = proto
	m.Payload = DecodePayload(raw)
	m.Raw = raw
	m.Timestamp = time.Now()
	m.ClientID = clientID
	m.QoS = qos
	return m
}

// Thresholds marks the band outside which a state change is escalated
// to a high-priority notification.
type Thresholds struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// Envelope is the inbound data-stream payload shape.
type Envelope struct {
	Value           any         `json:"value"`
	TelemetryDataID int64       `json:"telemetryDataId"`
	Token           string      `json:"token,omitempty"`
	Urgent          bool        `json:"urgent,omitempty"`
	Thresholds      *Thresholds `json:"thresholds,omitempty"`
}

// BatchEnvelope is the batch variant: one token covering many items.
type BatchEnvelope struct {
	DataStreams []Envelope `json:"dataStreams"`
	Token       string     `json:"token,omitempty"`
}

// ParseEnvelope decodes a single data-stream envelope.
func ParseEnvelope(payload map[string]any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// ParseBatch decodes the batch variant. ok is false when the payload
// has no dataStreams array.
func ParseBatch(payload map[string]any) (BatchEnvelope, bool) {
	if _, has := payload["dataStreams"]; !has {
		return BatchEnvelope{}, false
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return BatchEnvelope{}, false
	}
	var be BatchEnvelope
	if err := json.Unmarshal(b, &be); err != nil {
		return BatchEnvelope{}, false
	}
	return be, true
}
