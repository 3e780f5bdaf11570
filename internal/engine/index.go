package engine

import (
	"sync/atomic"

	"github.com/aemos-iot/aemos-core/internal/rulechain"
)

// indexSnapshot is one immutable generation of the rule-chain index.
// Lookups read whichever snapshot the pointer holds; mutators build a
// full replacement and swap.
type indexSnapshot struct {
	chains         map[int64]*rulechain.Chain
	bySensor       map[int64]map[string][]int64
	byDevice       map[int64]map[string][]int64
	byOrganization map[int64][]int64
}

func emptySnapshot() *indexSnapshot {
	return &indexSnapshot{
		chains:         make(map[int64]*rulechain.Chain),
		bySensor:       make(map[int64]map[string][]int64),
		byDevice:       make(map[int64]map[string][]int64),
		byOrganization: make(map[int64][]int64),
	}
}

// insert files one chain under its leaf dependencies. A chain whose
// filters reference no entity lands in the organization bucket.
func (s *indexSnapshot) insert(c *rulechain.Chain) {
	s.chains[c.ID] = c

	leaves := c.Leaves()
	if len(leaves) == 0 {
		s.byOrganization[c.OrganizationID] = append(s.byOrganization[c.OrganizationID], c.ID)
		return
	}

	seenSensor := make(map[string]bool)
	seenDevice := make(map[string]bool)
	for _, ref := range leaves {
		switch ref.SourceType {
		case rulechain.SourceSensor:
			if seenSensor[ref.UUID] {
				continue
			}
			seenSensor[ref.UUID] = true
			m := s.bySensor[c.OrganizationID]
			if m == nil {
				m = make(map[string][]int64)
				s.bySensor[c.OrganizationID] = m
			}
			m[ref.UUID] = append(m[ref.UUID], c.ID)
		case rulechain.SourceDevice:
			if seenDevice[ref.UUID] {
				continue
			}
			seenDevice[ref.UUID] = true
			m := s.byDevice[c.OrganizationID]
			if m == nil {
				m = make(map[string][]int64)
				s.byDevice[c.OrganizationID] = m
			}
			m[ref.UUID] = append(m[ref.UUID], c.ID)
		}
	}
}

// Index maps incoming events to affected rule chains. Reads are
// lock-free against an atomically swapped snapshot.
type Index struct {
	snap atomic.Pointer[indexSnapshot]
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	idx := &Index{}
	idx.snap.Store(emptySnapshot())
	return idx
}

// Rebuild replaces the whole index with the given chains.
func (i *Index) Rebuild(chains []*rulechain.Chain) {
	next := emptySnapshot()
	for _, c := range chains {
		next.insert(c)
	}
	i.snap.Store(next)
}

// Upsert replaces or adds one chain, rebuilding the snapshot from the
// surviving set.
func (i *Index) Upsert(c *rulechain.Chain) {
	cur := i.snap.Load()
	next := emptySnapshot()
	for id, existing := range cur.chains {
		if id == c.ID {
			continue
		}
		next.insert(existing)
	}
	next.insert(c)
	i.snap.Store(next)
}

// Remove drops one chain by id.
func (i *Index) Remove(chainID int64) {
	cur := i.snap.Load()
	next := emptySnapshot()
	for id, existing := range cur.chains {
		if id == chainID {
			continue
		}
		next.insert(existing)
	}
	i.snap.Store(next)
}

// Chain fetches a parsed chain by id.
func (i *Index) Chain(id int64) (*rulechain.Chain, bool) {
	c, ok := i.snap.Load().chains[id]
	return c, ok
}

// Len reports how many chains are indexed.
func (i *Index) Len() int {
	return len(i.snap.Load().chains)
}

// dedupe resolves ids to chains, visiting each chain once.
func (s *indexSnapshot) resolve(ids ...[]int64) []*rulechain.Chain {
	seen := make(map[int64]bool)
	var out []*rulechain.Chain
	for _, group := range ids {
		for _, id := range group {
			if seen[id] {
				continue
			}
			seen[id] = true
			if c, ok := s.chains[id]; ok {
				out = append(out, c)
			}
		}
	}
	return out
}

// CandidatesForSensor returns the chains affected by a sensor event:
// those depending on the sensor plus the organization's entity-free
// chains.
func (i *Index) CandidatesForSensor(orgID int64, sensorUUID string) []*rulechain.Chain {
	s := i.snap.Load()
	var direct []int64
	if m := s.bySensor[orgID]; m != nil {
		direct = m[sensorUUID]
	}
	return s.resolve(direct, s.byOrganization[orgID])
}

// CandidatesForDevice is the device-keyed analogue.
func (i *Index) CandidatesForDevice(orgID int64, deviceUUID string) []*rulechain.Chain {
	s := i.snap.Load()
	var direct []int64
	if m := s.byDevice[orgID]; m != nil {
		direct = m[deviceUUID]
	}
	return s.resolve(direct, s.byOrganization[orgID])
}
