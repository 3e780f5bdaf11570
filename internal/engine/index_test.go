package engine

import (
	"testing"

	"github.com/aemos-iot/aemos-core/internal/model"
	"github.com/aemos-iot/aemos-core/internal/rulechain"
)

const (
	sensorA = "11111111-1111-7111-8111-111111111111"
	sensorB = "44444444-4444-7444-8444-444444444444"
	deviceB = "22222222-2222-7222-8222-222222222222"
)

func chainWithLeaf(t *testing.T, id, orgID int64, src rulechain.SourceType, uuid string) *rulechain.Chain {
	t.Helper()
	c, err := rulechain.Load(
		model.RuleChain{ID: id, Name: "c", OrganizationID: orgID},
		[]model.RuleChainNode{{
			ID: id * 100, RuleChainID: id, Name: "gate", Type: model.NodeFilter,
			Config: `{"sourceType":"` + string(src) + `","UUID":"` + uuid + `","key":"v","operator":"isNotNull"}`,
		}})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return c
}

func orgChain(t *testing.T, id, orgID int64) *rulechain.Chain {
	t.Helper()
	c, err := rulechain.Load(
		model.RuleChain{ID: id, Name: "org-wide", OrganizationID: orgID},
		[]model.RuleChainNode{{
			ID: id * 100, RuleChainID: id, Name: "always", Type: model.NodeAction,
			Config: `{"type":"deviceCommand","command":{"deviceUuid":"` + deviceB + `","stateName":"s","value":1}}`,
		}})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return c
}

func chainIDs(chains []*rulechain.Chain) map[int64]bool {
	out := make(map[int64]bool, len(chains))
	for _, c := range chains {
		out[c.ID] = true
	}
	return out
}

func TestIndexCandidates(t *testing.T) {
	idx := NewIndex()
	idx.Rebuild([]*rulechain.Chain{
		chainWithLeaf(t, 1, 10, rulechain.SourceSensor, sensorA),
		chainWithLeaf(t, 2, 10, rulechain.SourceDevice, deviceB),
		orgChain(t, 3, 10),
		chainWithLeaf(t, 4, 20, rulechain.SourceSensor, sensorA),
	})

	got := chainIDs(idx.CandidatesForSensor(10, sensorA))
	if !got[1] || !got[3] || got[2] || got[4] {
		t.Errorf("sensor candidates = %v", got)
	}

	got = chainIDs(idx.CandidatesForDevice(10, deviceB))
	if !got[2] || !got[3] || got[1] {
		t.Errorf("device candidates = %v", got)
	}

	// Unknown sensor still picks up the organization-wide chain.
	got = chainIDs(idx.CandidatesForSensor(10, sensorB))
	if len(got) != 1 || !got[3] {
		t.Errorf("unknown sensor candidates = %v", got)
	}

	// Other organization sees only its own chains.
	got = chainIDs(idx.CandidatesForSensor(20, sensorA))
	if len(got) != 1 || !got[4] {
		t.Errorf("org 20 candidates = %v", got)
	}
}

func TestIndexUpsertAndRemove(t *testing.T) {
	idx := NewIndex()
	idx.Rebuild([]*rulechain.Chain{chainWithLeaf(t, 1, 10, rulechain.SourceSensor, sensorA)})

	// Upsert moves the chain to a different sensor dependency.
	idx.Upsert(chainWithLeaf(t, 1, 10, rulechain.SourceSensor, sensorB))

	if got := idx.CandidatesForSensor(10, sensorA); len(got) != 0 {
		t.Errorf("stale dependency survived upsert: %v", chainIDs(got))
	}
	if got := idx.CandidatesForSensor(10, sensorB); len(got) != 1 {
		t.Errorf("new dependency missing: %v", chainIDs(got))
	}

	idx.Remove(1)
	if idx.Len() != 0 {
		t.Errorf("Len = %d after remove", idx.Len())
	}
	if got := idx.CandidatesForSensor(10, sensorB); len(got) != 0 {
		t.Errorf("removed chain still indexed: %v", chainIDs(got))
	}
}

func TestQueueOrderingKeyShardStability(t *testing.T) {
	q := newQueue(8, 16)
	e := Event{Kind: KindTelemetry, SensorUUID: sensorA}
	shard := q.shardFor(e.orderingKey())
	for i := 0; i < 100; i++ {
		if got := q.shardFor(e.orderingKey()); got != shard {
			t.Fatalf("shard changed: %d != %d", got, shard)
		}
	}
}

func TestQueueFull(t *testing.T) {
	q := newQueue(1, 2)
	e := Event{Kind: KindTelemetry, SensorUUID: sensorA}
	if err := q.push(e); err != nil {
		t.Fatalf("push 1: %v", err)
	}
	if err := q.push(e); err != nil {
		t.Fatalf("push 2: %v", err)
	}
	if err := q.push(e); err != ErrQueueFull {
		t.Errorf("push 3 err = %v, want ErrQueueFull", err)
	}
	if q.depth() != 2 {
		t.Errorf("depth = %d, want 2", q.depth())
	}
}
