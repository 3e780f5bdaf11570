// Package schedule runs cron-backed rule chains and keeps its in-memory
// schedule set reconciled against the repository.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aemos-iot/aemos-core/internal/engine"
	"github.com/aemos-iot/aemos-core/internal/model"
)

const (
	// DefaultSyncInterval is how often the auto-sync reconciles.
	DefaultSyncInterval = 120 * time.Second
	// MinSyncInterval is the floor; shorter configs are clamped up.
	MinSyncInterval = 60 * time.Second
)

// Repository is the slice of the store the schedule manager reads.
type Repository interface {
	ScheduledRuleChains(ctx context.Context) ([]model.RuleChain, error)
}

// Submitter enqueues schedule triggers. Firing goes through the engine
// bus, never straight into the interpreter, so backpressure and worker
// policy apply to scheduled runs too.
type Submitter interface {
	Submit(e engine.Event) error
}

type entry struct {
	chain   model.RuleChain
	entryID cron.EntryID

	executionCount int64
	failureCount   int64
	lastExecutedAt *time.Time
}

// Manager owns the cron runner and the schedule set.
type Manager struct {
	repo   Repository
	engine Submitter
	cron   *cron.Cron
	log    *slog.Logger

	interval time.Duration

	mu      sync.Mutex
	entries map[int64]*entry
}

// New builds a manager. The cron runner accepts standard 5-field
// expressions plus an optional leading seconds field.
func New(repo Repository, submitter Submitter, syncInterval time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if syncInterval <= 0 {
		syncInterval = DefaultSyncInterval
	}
	if syncInterval < MinSyncInterval {
		syncInterval = MinSyncInterval
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Manager{
		repo:     repo,
		engine:   submitter,
		cron:     cron.New(cron.WithParser(parser)),
		log:      logger,
		interval: syncInterval,
		entries:  make(map[int64]*entry),
	}
}

// Start performs the initial sync, starts the cron runner, and loops
// the auto-sync until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.SyncNow(ctx); err != nil {
		return fmt.Errorf("initial schedule sync: %w", err)
	}
	m.cron.Start()
	m.log.Info("schedule manager started",
		"schedules", m.Len(), "syncIntervalMs", m.interval.Milliseconds())

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				stopCtx := m.cron.Stop()
				<-stopCtx.Done()
				return
			case <-ticker.C:
				if err := m.SyncNow(ctx); err != nil {
					m.log.Error("schedule auto-sync failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// cronSpec renders a chain's expression with its timezone attached.
func cronSpec(rc model.RuleChain) string {
	tz := rc.Timezone
	if tz == "" || tz == "UTC" {
		return rc.CronExpression
	}
	return "CRON_TZ=" + tz + " " + rc.CronExpression
}

// scheduleChanged reports whether any field the runner cares about
// differs between two versions of a chain.
func scheduleChanged(a, b model.RuleChain) bool {
	return a.CronExpression != b.CronExpression ||
		a.Timezone != b.Timezone ||
		a.Priority != b.Priority ||
		a.MaxRetries != b.MaxRetries ||
		a.RetryDelayMs != b.RetryDelayMs ||
		a.ScheduleMetadata != b.ScheduleMetadata ||
		a.ScheduleEnabled != b.ScheduleEnabled
}

// SyncNow reconciles the in-memory schedule set against the repository.
// It is idempotent: syncing twice against unchanged rows is a no-op.
// Manual sync endpoints call this directly, bypassing the interval.
func (m *Manager) SyncNow(ctx context.Context) error {
	chains, err := m.repo.ScheduledRuleChains(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var added, updated, removed int
	seen := make(map[int64]bool, len(chains))

	for _, rc := range chains {
		seen[rc.ID] = true
		existing, ok := m.entries[rc.ID]
		if ok && !scheduleChanged(existing.chain, rc) {
			continue
		}
		if ok {
			m.cron.Remove(existing.entryID)
			updated++
		} else {
			added++
		}
		if err := m.register(rc, existing); err != nil {
			m.log.Error("failed to register schedule",
				"ruleChainId", rc.ID, "cron", rc.CronExpression, "error", err)
			if ok {
				delete(m.entries, rc.ID)
			}
			continue
		}
	}

	for id, e := range m.entries {
		if seen[id] {
			continue
		}
		m.cron.Remove(e.entryID)
		delete(m.entries, id)
		removed++
	}

	if added+updated+removed > 0 {
		m.log.Info("schedule sync applied",
			"added", added, "updated", updated, "removed", removed, "total", len(m.entries))
	}
	return nil
}

// register installs a cron handle for a chain, carrying forward the
// statistics of a replaced entry. Caller holds the lock.
func (m *Manager) register(rc model.RuleChain, prev *entry) error {
	e := &entry{chain: rc}
	if prev != nil {
		e.executionCount = prev.executionCount
		e.failureCount = prev.failureCount
		e.lastExecutedAt = prev.lastExecutedAt
	}
	chainID, orgID := rc.ID, rc.OrganizationID
	entryID, err := m.cron.AddFunc(cronSpec(rc), func() {
		m.fire(chainID, orgID)
	})
	if err != nil {
		return err
	}
	e.entryID = entryID
	m.entries[rc.ID] = e
	return nil
}

// fire enqueues one schedule trigger. Backpressure rejections are the
// engine's call; the schedule just logs them.
func (m *Manager) fire(chainID, orgID int64) {
	err := m.engine.Submit(engine.Event{
		Kind:           engine.KindScheduleTrigger,
		OrganizationID: orgID,
		RuleChainID:    chainID,
	})
	if err != nil {
		m.log.Warn("schedule trigger rejected", "ruleChainId", chainID, "error", err)
		m.RecordResult(chainID, false)
	}
}

// RecordResult is the engine's feedback after a schedule-triggered run.
func (m *Manager) RecordResult(chainID int64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, found := m.entries[chainID]
	if !found {
		return
	}
	e.executionCount++
	if !ok {
		e.failureCount++
	}
	now := time.Now()
	e.lastExecutedAt = &now
}

// Len reports the active schedule count.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Status is one schedule's observable state.
type Status struct {
	RuleChainID    int64      `json:"ruleChainId"`
	CronExpression string     `json:"cronExpression"`
	Timezone       string     `json:"timezone"`
	Priority       int        `json:"priority"`
	MaxRetries     int        `json:"maxRetries"`
	RetryDelayMs   int        `json:"retryDelayMs"`
	ExecutionCount int64      `json:"executionCount"`
	FailureCount   int64      `json:"failureCount"`
	LastExecutedAt *time.Time `json:"lastExecutedAt,omitempty"`
	NextRun        *time.Time `json:"nextRun,omitempty"`
}

// Statuses lists every active schedule for the REST surface.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.entries))
	for _, e := range m.entries {
		st := Status{
			RuleChainID:    e.chain.ID,
			CronExpression: e.chain.CronExpression,
			Timezone:       e.chain.Timezone,
			Priority:       e.chain.Priority,
			MaxRetries:     e.chain.MaxRetries,
			RetryDelayMs:   e.chain.RetryDelayMs,
			ExecutionCount: e.executionCount,
			FailureCount:   e.failureCount,
			LastExecutedAt: e.lastExecutedAt,
		}
		if next := m.cron.Entry(e.entryID).Next; !next.IsZero() {
			st.NextRun = &next
		}
		out = append(out, st)
	}
	return out
}
