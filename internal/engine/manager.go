package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aemos-iot/aemos-core/internal/aemoserr"
	"github.com/aemos-iot/aemos-core/internal/metrics"
	"github.com/aemos-iot/aemos-core/internal/model"
	"github.com/aemos-iot/aemos-core/internal/rulechain"
)

// Repository is the slice of the store the engine needs.
type Repository interface {
	RuleChains(ctx context.Context) ([]model.RuleChain, error)
	RuleChainNodes(ctx context.Context, chainID int64) ([]model.RuleChainNode, error)
	RecordChainExecution(ctx context.Context, id int64, ok bool, at time.Time) error
	CreateStateInstance(ctx context.Context, deviceUUID, stateName, value, initiatedBy, initiatorID string, at time.Time) (model.DeviceStateInstance, error)
}

// StateChange is the notification emitted after an action writes a
// device-state instance.
type StateChange struct {
	OrganizationID int64
	DeviceUUID     string
	StateName      string
	Value          any
	Priority       string
	RuleChainID    int64
	RuleChainName  string
	NodeID         int64
}

// Notifier receives engine output. The notify package implements it;
// tests use fakes.
type Notifier interface {
	NotifyStateChange(sc StateChange)
	NotifyChainResult(orgID int64, res rulechain.Result)
}

// WebhookSender delivers webhook action payloads. The webhook package
// implements it.
type WebhookSender interface {
	Send(ctx context.Context, method, url string, payload []byte) error
}

// ScheduleSink is told how schedule-triggered runs went so the schedule
// manager can keep its per-schedule statistics.
type ScheduleSink interface {
	RecordResult(chainID int64, ok bool)
}

// Config tunes the engine.
type Config struct {
	Workers        int
	QueueCapacity  int
	WarningDepth   int
	CriticalDepth  int
	EventDeadline  time.Duration
	CollectTimeout time.Duration

	// Notification thresholds: a numeric action value outside
	// [HighPriorityMin, HighPriorityMax] escalates the state-change
	// notification to high priority.
	HighPriorityMin *float64
	HighPriorityMax *float64
}

func (c *Config) fillDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.WarningDepth <= 0 {
		c.WarningDepth = 1000
	}
	if c.CriticalDepth <= c.WarningDepth {
		c.CriticalDepth = c.WarningDepth * 5
	}
	if c.EventDeadline <= 0 {
		c.EventDeadline = 5 * time.Second
	}
	if c.CollectTimeout <= 0 {
		c.CollectTimeout = rulechain.DefaultCollectTimeout
	}
}

// Manager owns the queue, the workers, the index, and the breaker.
type Manager struct {
	repo     Repository
	collect  *rulechain.Collector
	interp   *rulechain.Interpreter
	idx      *Index
	q        *queue
	breaker  *Breaker
	metrics  *metrics.Metrics
	notifier Notifier
	schedule ScheduleSink
	webhooks WebhookSender
	log      *slog.Logger
	cfg      Config

	wg      sync.WaitGroup
	stopped chan struct{}
}

// NewManager wires the engine. src is the latest-value source for data
// collection, normally the same store as repo.
func NewManager(repo Repository, src rulechain.Source, notifier Notifier, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.fillDefaults()

	collector := rulechain.NewCollector(src, logger)
	collector.Timeout = cfg.CollectTimeout

	mgr := &Manager{
		repo:     repo,
		collect:  collector,
		interp:   rulechain.NewInterpreter(logger),
		idx:      NewIndex(),
		q:        newQueue(cfg.Workers, cfg.QueueCapacity),
		breaker:  NewBreaker(cfg.WarningDepth, cfg.CriticalDepth),
		metrics:  m,
		notifier: notifier,
		log:      logger,
		cfg:      cfg,
		stopped:  make(chan struct{}),
	}
	if m != nil {
		m.Workers.Set(float64(cfg.Workers))
		m.WarningThreshold.Set(float64(cfg.WarningDepth))
		m.CriticalThreshold.Set(float64(cfg.CriticalDepth))
	}
	return mgr
}

// SetScheduleSink attaches the schedule manager's result feedback.
func (m *Manager) SetScheduleSink(s ScheduleSink) {
	m.schedule = s
}

// SetWebhookSender attaches the outbound HTTP delivery for webhook
// actions. Without one, webhook actions fail with a logged warning.
func (m *Manager) SetWebhookSender(w WebhookSender) {
	m.webhooks = w
}

// Index exposes the rule-chain index for the REST surface.
func (m *Manager) Index() *Index {
	return m.idx
}

// Breaker exposes the backpressure controller for /metrics.
func (m *Manager) Breaker() *Breaker {
	return m.breaker
}

// Start loads the chains and spawns one worker per shard. Workers run
// until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.ReloadChains(ctx); err != nil {
		return err
	}
	for i := range m.q.shards {
		m.wg.Add(1)
		go m.worker(ctx, m.q.shards[i])
	}
	m.log.Info("rule engine started",
		"workers", m.cfg.Workers,
		"chains", m.idx.Len(),
		"warningDepth", m.cfg.WarningDepth,
		"criticalDepth", m.cfg.CriticalDepth)
	return nil
}

// Stop waits for in-flight events to drain.
func (m *Manager) Stop() {
	m.wg.Wait()
	close(m.stopped)
}

// ReloadChains rebuilds the index from the repository. Chains that fail
// to parse are skipped with a warning rather than blocking the rest.
func (m *Manager) ReloadChains(ctx context.Context) error {
	rcs, err := m.repo.RuleChains(ctx)
	if err != nil {
		return err
	}
	chains := make([]*rulechain.Chain, 0, len(rcs))
	for _, rc := range rcs {
		nodes, err := m.repo.RuleChainNodes(ctx, rc.ID)
		if err != nil {
			return err
		}
		c, err := rulechain.Load(rc, nodes)
		if err != nil {
			m.log.Warn("skipping unparseable rule chain", "ruleChainId", rc.ID, "error", err)
			continue
		}
		chains = append(chains, c)
	}
	m.idx.Rebuild(chains)
	return nil
}

// Submit offers an event for admission. Rejections carry
// BACKPRESSURE_REJECTED and drop the event; it is never duplicated.
func (m *Manager) Submit(e Event) error {
	admitted, probe := m.breaker.Admit(m.q.depth())
	if !admitted {
		if m.metrics != nil {
			m.metrics.RejectedTotal.Inc()
		}
		return aemoserr.New(aemoserr.CodeBackpressureRejected, "event rejected by backpressure controller").
			With("kind", string(e.Kind)).
			With("depth", m.q.depth())
	}
	e.probe = probe
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}
	if err := m.q.push(e); err != nil {
		if probe {
			m.breaker.RecordProbe(false, m.q.depth())
		}
		if m.metrics != nil {
			m.metrics.RejectedTotal.Inc()
		}
		return aemoserr.Wrap(aemoserr.CodeBackpressureRejected, "work queue full", err).
			With("kind", string(e.Kind))
	}
	m.publishQueueMetrics()
	return nil
}

func (m *Manager) publishQueueMetrics() {
	if m.metrics == nil {
		return
	}
	waiting := m.q.waiting.Load()
	active := m.q.active.Load()
	m.metrics.QueueWaiting.Set(float64(waiting))
	m.metrics.QueueActive.Set(float64(active))
	m.metrics.QueueDelayed.Set(float64(m.q.delayed.Load()))
	m.metrics.QueueTotalPending.Set(float64(waiting + active))
	m.metrics.SetQueueHealth(int(waiting+active), m.cfg.WarningDepth, m.cfg.CriticalDepth)
	m.metrics.CircuitState.Set(float64(m.breaker.Snapshot().State))
}

func (m *Manager) worker(ctx context.Context, shard chan Event) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-shard:
			if !ok {
				return
			}
			m.q.waiting.Add(-1)
			m.q.active.Add(1)
			ok = m.process(ctx, e)
			m.q.active.Add(-1)
			if m.metrics != nil {
				if ok {
					m.metrics.QueueCompleted.Inc()
				} else {
					m.metrics.QueueFailed.Inc()
				}
			}
			if e.probe {
				m.breaker.RecordProbe(ok, m.q.depth())
			}
			m.publishQueueMetrics()
		}
	}
}

// process handles one event end to end. Returns false when any chain
// execution failed.
func (m *Manager) process(parent context.Context, e Event) bool {
	ctx, cancel := context.WithTimeout(parent, m.cfg.EventDeadline)
	defer cancel()

	switch e.Kind {
	case KindRuleChainUpdated:
		return m.reloadChain(ctx, e.RuleChainID)
	case KindRuleChainDeleted:
		m.idx.Remove(e.RuleChainID)
		m.log.Info("rule chain removed from index", "ruleChainId", e.RuleChainID)
		return true
	}

	candidates := m.resolve(e)
	candidates = filterByExecutionType(candidates, e.Kind)
	if len(candidates) == 0 {
		return true
	}

	allOK := true
	for _, chain := range candidates {
		if !m.runChain(ctx, chain, e) {
			allOK = false
		}
	}
	return allOK
}

func (m *Manager) resolve(e Event) []*rulechain.Chain {
	switch e.Kind {
	case KindTelemetry, KindBatchTelemetry:
		return m.idx.CandidatesForSensor(e.OrganizationID, e.SensorUUID)
	case KindDeviceStateChange:
		return m.idx.CandidatesForDevice(e.OrganizationID, e.DeviceUUID)
	case KindManualTrigger, KindScheduleTrigger:
		if c, ok := m.idx.Chain(e.RuleChainID); ok {
			return []*rulechain.Chain{c}
		}
		m.log.Warn("trigger for unknown rule chain", "ruleChainId", e.RuleChainID, "kind", string(e.Kind))
		return nil
	default:
		return nil
	}
}

// filterByExecutionType applies the dispatch policy: schedule triggers
// never run event-triggered chains and vice versa; hybrid runs on both.
// An unset execution type means hybrid.
func filterByExecutionType(chains []*rulechain.Chain, kind Kind) []*rulechain.Chain {
	out := chains[:0]
	for _, c := range chains {
		et := c.ExecutionType
		if et == "" {
			et = model.ExecutionHybrid
		}
		keep := false
		if kind == KindScheduleTrigger {
			keep = et == model.ExecutionScheduleOnly || et == model.ExecutionHybrid
		} else {
			keep = et == model.ExecutionEventTriggered || et == model.ExecutionHybrid
		}
		if keep {
			out = append(out, c)
		}
	}
	return out
}

// runChain executes one chain for one event: collect, interpret, apply
// effects, record statistics.
func (m *Manager) runChain(ctx context.Context, chain *rulechain.Chain, e Event) bool {
	started := time.Now()

	scope, timeout, err := m.collect.Collect(ctx, chain.Leaves())
	if err != nil {
		m.log.Error("data collection failed", "ruleChainId", chain.ID, "error", err)
		m.finishChain(chain, e, rulechain.Result{
			RuleChainID: chain.ID, Name: chain.Name,
			Status: "error", Error: err.Error(), Code: aemoserr.CodeOf(err),
		}, started)
		return false
	}
	if timeout.TimedOut {
		m.log.Warn("evaluating against empty scope after collection timeout",
			"ruleChainId", chain.ID, "durationMs", timeout.Duration.Milliseconds())
	} else {
		overlayRaw(scope, e.Raw)
	}

	res := m.interp.Run(ctx, chain, scope)
	m.applyActions(ctx, chain, &res)
	m.finishChain(chain, e, res, started)
	return res.Status == "success"
}

// overlayRaw layers the event's own data on top of collected state so
// filters see the value that triggered them, not a stale row.
func overlayRaw(scope *rulechain.Scope, raw rulechain.RawData) {
	fresh := rulechain.FromRaw(raw)
	for uuid, values := range fresh.Sensors {
		for k, v := range values {
			scope.Set(rulechain.SourceSensor, uuid, k, v)
		}
	}
	for uuid, values := range fresh.Devices {
		for k, v := range values {
			scope.Set(rulechain.SourceDevice, uuid, k, v)
		}
	}
}

// applyActions performs the downstream effect of each emitted action:
// write the state instance then notify, or deliver the webhook. Webhook
// delivery is best effort and never fails the run; a retried chain
// would deliver the payload again.
func (m *Manager) applyActions(ctx context.Context, chain *rulechain.Chain, res *rulechain.Result) {
	for i := range res.Actions {
		act := &res.Actions[i]
		if act.Webhook != nil {
			m.deliverWebhook(ctx, chain, act)
			continue
		}
		value := toStateValue(act.Command.Value)
		_, err := m.repo.CreateStateInstance(ctx,
			act.Command.DeviceUUID, act.Command.StateName, value,
			"rule_chain", formatChainInitiator(chain.ID), time.Now())
		if err != nil {
			act.Status = "error"
			res.Status = "error"
			res.Error = err.Error()
			m.log.Error("action effect failed",
				"ruleChainId", chain.ID, "deviceUuid", act.Command.DeviceUUID,
				"stateName", act.Command.StateName, "error", err)
			continue
		}
		if m.notifier != nil {
			m.notifier.NotifyStateChange(StateChange{
				OrganizationID: chain.OrganizationID,
				DeviceUUID:     act.Command.DeviceUUID,
				StateName:      act.Command.StateName,
				Value:          act.Command.Value,
				Priority:       m.priorityFor(act.Command.Value),
				RuleChainID:    chain.ID,
				RuleChainName:  chain.Name,
				NodeID:         act.NodeID,
			})
		}
	}
}

func (m *Manager) deliverWebhook(ctx context.Context, chain *rulechain.Chain, act *rulechain.ActionRecord) {
	if m.webhooks == nil {
		act.Status = "error"
		m.log.Warn("webhook action with no sender configured",
			"ruleChainId", chain.ID, "url", act.Webhook.URL)
		return
	}
	payload, err := json.Marshal(map[string]any{
		"ruleChainId":    chain.ID,
		"ruleChainName":  chain.Name,
		"organizationId": chain.OrganizationID,
		"nodeId":         act.NodeID,
		"timestamp":      act.Timestamp,
	})
	if err == nil {
		err = m.webhooks.Send(ctx, act.Webhook.Method, act.Webhook.URL, payload)
	}
	if err != nil {
		act.Status = "error"
		m.log.Error("webhook delivery failed",
			"ruleChainId", chain.ID, "url", act.Webhook.URL, "error", err)
	}
}

func (m *Manager) priorityFor(value any) string {
	f, ok := toNumber(value)
	if !ok {
		return "normal"
	}
	if m.cfg.HighPriorityMin != nil && f < *m.cfg.HighPriorityMin {
		return "high"
	}
	if m.cfg.HighPriorityMax != nil && f > *m.cfg.HighPriorityMax {
		return "high"
	}
	return "normal"
}

// finishChain records statistics, metrics, notifications, and the
// schedule retry policy.
func (m *Manager) finishChain(chain *rulechain.Chain, e Event, res rulechain.Result, started time.Time) {
	ok := res.Status == "success"
	elapsed := time.Since(started)

	statsCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := m.repo.RecordChainExecution(statsCtx, chain.ID, ok, time.Now()); err != nil {
		m.log.Error("failed to record chain statistics", "ruleChainId", chain.ID, "error", err)
	}
	cancel()

	if m.metrics != nil {
		status := res.Status
		if res.Code == aemoserr.CodeRuleChainTimeout {
			status = "timeout"
		}
		m.metrics.ObserveExecution(chain.ID, status, elapsed.Seconds(),
			len(res.ExecutionDetails.ExecutedNodes))
	}
	if m.notifier != nil {
		m.notifier.NotifyChainResult(chain.OrganizationID, res)
	}

	if e.Kind == KindScheduleTrigger {
		if m.schedule != nil {
			m.schedule.RecordResult(chain.ID, ok)
		}
		if !ok && e.Attempt < chain.MaxRetries {
			m.scheduleRetry(chain, e)
		}
	}

	m.log.Debug("rule chain executed",
		"ruleChainId", chain.ID,
		"status", res.Status,
		"filtersPassed", res.Summary.FiltersPassed,
		"actions", res.Summary.ActionsExecuted,
		"durationMs", elapsed.Milliseconds())
}

// scheduleRetry re-enqueues a failed schedule trigger after the chain's
// retry delay. The re-submitted event goes through admission like any
// other.
func (m *Manager) scheduleRetry(chain *rulechain.Chain, e Event) {
	delay := time.Duration(chain.RetryDelayMs) * time.Millisecond
	retry := e
	retry.Attempt++
	retry.probe = false
	m.q.delayed.Add(1)
	m.log.Info("scheduling rule chain retry",
		"ruleChainId", chain.ID, "attempt", retry.Attempt, "delayMs", chain.RetryDelayMs)
	time.AfterFunc(delay, func() {
		m.q.delayed.Add(-1)
		if err := m.Submit(retry); err != nil {
			m.log.Warn("retry rejected", "ruleChainId", chain.ID, "error", err)
		}
	})
}

// toStateValue renders an action value for the text-typed state column.
func toStateValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func formatChainInitiator(chainID int64) string {
	return "rule_chain:" + strconv.FormatInt(chainID, 10)
}

func (m *Manager) reloadChain(ctx context.Context, chainID int64) bool {
	rc, nodes, err := m.loadChainRows(ctx, chainID)
	if err != nil {
		m.log.Error("failed to reload rule chain", "ruleChainId", chainID, "error", err)
		return false
	}
	c, err := rulechain.Load(rc, nodes)
	if err != nil {
		m.log.Warn("updated rule chain does not parse, removing from index",
			"ruleChainId", chainID, "error", err)
		m.idx.Remove(chainID)
		return false
	}
	m.idx.Upsert(c)
	m.log.Info("rule chain reloaded", "ruleChainId", chainID)
	return true
}

func (m *Manager) loadChainRows(ctx context.Context, chainID int64) (model.RuleChain, []model.RuleChainNode, error) {
	rcs, err := m.repo.RuleChains(ctx)
	if err != nil {
		return model.RuleChain{}, nil, err
	}
	for _, rc := range rcs {
		if rc.ID != chainID {
			continue
		}
		nodes, err := m.repo.RuleChainNodes(ctx, chainID)
		if err != nil {
			return model.RuleChain{}, nil, err
		}
		return rc, nodes, nil
	}
	return model.RuleChain{}, nil, aemoserr.New(aemoserr.CodeValidation, "rule chain not found").
		With("ruleChainId", chainID)
}
