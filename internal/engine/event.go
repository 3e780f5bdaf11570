// Package engine is the rule-engine core: a sharded work queue consumed
// by parallel workers, a copy-on-write rule-chain index, and the
// backpressure controller guarding admission.
package engine

import (
	"strconv"
	"time"

	"github.com/aemos-iot/aemos-core/internal/rulechain"
)

// Kind tags the event union.
type Kind string

const (
	KindTelemetry         Kind = "telemetry"
	KindBatchTelemetry    Kind = "batchTelemetry"
	KindDeviceStateChange Kind = "deviceStateChange"
	KindRuleChainUpdated  Kind = "ruleChainUpdated"
	KindRuleChainDeleted  Kind = "ruleChainDeleted"
	KindManualTrigger     Kind = "manualTrigger"
	KindScheduleTrigger   Kind = "scheduleTrigger"
)

// Event is one unit of work. Exactly one worker handles an event;
// events sharing an ordering key are handled in submit order.
type Event struct {
	Kind           Kind
	OrganizationID int64
	SensorUUID     string
	DeviceUUID     string
	RuleChainID    int64

	// Raw carries the data that arrived with the event. The worker
	// overlays it on collected repository state so filters see the
	// freshest values.
	Raw rulechain.RawData

	Attempt    int
	EnqueuedAt time.Time

	// probe marks the HALF_OPEN trial event; its outcome decides the
	// breaker's next transition.
	probe bool
}

// orderingKey picks the per-entity FIFO lane. Events for the same
// sensor or device always land on the same worker shard.
func (e Event) orderingKey() string {
	switch {
	case e.SensorUUID != "":
		return e.SensorUUID
	case e.DeviceUUID != "":
		return e.DeviceUUID
	case e.RuleChainID != 0:
		return "chain-" + strconv.FormatInt(e.RuleChainID, 10)
	default:
		return "org-" + strconv.FormatInt(e.OrganizationID, 10)
	}
}
