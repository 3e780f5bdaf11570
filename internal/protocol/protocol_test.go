package protocol

import (
	"testing"
)

func TestClassify(t *testing.T) {
	const uuid = "33333333-3333-7333-8333-333333333333"

	tests := []struct {
		topic    string
		want     MessageType
		device   string
		org      string
		chain    string
	}{
		{"devices/" + uuid + "/datastream", TypeDataStream, uuid, "", ""},
		{"devices/" + uuid + "/status", TypeDeviceStatus, uuid, "", ""},
		{"devices/" + uuid + "/state", TypeDeviceState, uuid, "", ""},
		{"devices/" + uuid + "/commands", TypeCommands, uuid, "", ""},
		{"devices/" + uuid + "/notifications", TypeNotifications, uuid, "", ""},
		{"organizations/42/broadcast", TypeBroadcast, "", "42", ""},
		{"organizations/42/rulechain/7", TypeRuleChain, "", "42", "7"},

		{"devices/" + uuid + "/unknown-leaf", TypeUnknown, uuid, "", ""},
		{"devices/" + uuid, TypeUnknown, "", "", ""},
		{"something/else", TypeUnknown, "", "", ""},
		{"", TypeUnknown, "", "", ""},
	}

	for _, tt := range tests {
		got, m := Classify(tt.topic)
		if got != tt.want {
			t.Errorf("Classify(%q) = %q, want %q", tt.topic, got, tt.want)
			continue
		}
		if got == TypeUnknown {
			continue
		}
		if m.DeviceUUID != tt.device || m.OrganizationID != tt.org || m.RuleChainID != tt.chain {
			t.Errorf("Classify(%q) fields = %q/%q/%q", tt.topic, m.DeviceUUID, m.OrganizationID, m.RuleChainID)
		}
	}
}

func TestClassifyRejectsBadCharacters(t *testing.T) {
	bad := []string{
		"devices/abc def/datastream",
		"devices/abc.def/datastream",
		"devices/abc@def/datastream",
		"devices/+/datastream",
		"devices/#",
		"devices/abc\tdef/status",
	}
	for _, topic := range bad {
		if got, _ := Classify(topic); got != TypeUnknown {
			t.Errorf("Classify(%q) = %q, want unknown", topic, got)
		}
	}
}

func TestDecodePayload(t *testing.T) {
	obj := DecodePayload([]byte(`{"value": 21.5, "telemetryDataId": 3}`))
	if obj["value"] != 21.5 {
		t.Errorf("value = %v", obj["value"])
	}

	// Non-JSON wraps as {value: string}.
	obj = DecodePayload([]byte("  on \n"))
	if obj["value"] != "on" {
		t.Errorf("wrapped value = %v", obj["value"])
	}

	// A bare JSON scalar is not an object; it wraps too.
	obj = DecodePayload([]byte(`42`))
	if obj["value"] != "42" {
		t.Errorf("scalar value = %v", obj["value"])
	}
}

func TestParseEnvelope(t *testing.T) {
	payload := DecodePayload([]byte(`{"value": 19.5, "telemetryDataId": 11, "token": "t", "urgent": true, "thresholds": {"min": 5, "max": 30}}`))
	e, err := ParseEnvelope(payload)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if e.TelemetryDataID != 11 || !e.Urgent || e.Token != "t" {
		t.Errorf("envelope = %+v", e)
	}
	if e.Thresholds == nil || *e.Thresholds.Min != 5 || *e.Thresholds.Max != 30 {
		t.Errorf("thresholds = %+v", e.Thresholds)
	}
}

func TestParseBatch(t *testing.T) {
	payload := DecodePayload([]byte(`{"dataStreams": [{"value": 1, "telemetryDataId": 1}, {"value": 2, "telemetryDataId": 2}], "token": "t"}`))
	be, ok := ParseBatch(payload)
	if !ok {
		t.Fatal("ParseBatch ok = false")
	}
	if len(be.DataStreams) != 2 || be.Token != "t" {
		t.Errorf("batch = %+v", be)
	}

	if _, ok := ParseBatch(map[string]any{"value": 1}); ok {
		t.Error("single envelope classified as batch")
	}
}

func TestNewMessage(t *testing.T) {
	m := NewMessage(ProtocolMQTT, "organizations/9/broadcast", []byte(`{"text":"hi"}`), "aemos-publisher-1", 1)
	if m.Type != TypeBroadcast || m.OrganizationID != "9" {
		t.Errorf("message = %+v", m)
	}
	if m.Payload["text"] != "hi" {
		t.Errorf("payload = %v", m.Payload)
	}
	if m.ClientID != "aemos-publisher-1" || m.QoS != 1 {
		t.Errorf("clientId/qos = %q/%d", m.ClientID, m.QoS)
	}
}
