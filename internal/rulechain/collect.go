package rulechain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNoValue is the sentinel a Source returns when an entity has no
// recorded value for a key. Absence is not an error for the caller; the
// leaf simply stays out of the scope and evaluates to the safe default.
var ErrNoValue = errors.New("no value recorded")

// Source resolves the latest values the collector needs. The repository
// implements it; tests substitute fakes.
type Source interface {
	LatestSensorValue(ctx context.Context, sensorUUID, key string) (Value, error)
	LatestDeviceState(ctx context.Context, deviceUUID, stateName string) (Value, error)
}

// TimeoutDetails reports a collection that ran out of time.
type TimeoutDetails struct {
	TimedOut bool          `json:"timedOut"`
	Duration time.Duration `json:"duration"`
}

// DefaultCollectTimeout bounds a collection run when the caller does
// not supply its own.
const DefaultCollectTimeout = 2 * time.Second

// Collector fills a scope with the latest value of every leaf a chain
// references.
type Collector struct {
	src     Source
	log     *slog.Logger
	Timeout time.Duration
}

// NewCollector returns a collector reading from src.
func NewCollector(src Source, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{src: src, log: logger, Timeout: DefaultCollectTimeout}
}

// Collect resolves every leaf reference into a scope. Timeouts are
// absorbed: the returned scope is empty (or partial) and the details
// record the overrun, so the chain short-circuits instead of failing
// the event. Any other repository error propagates to the caller
// unchanged except for leaf context.
func (c *Collector) Collect(ctx context.Context, refs []LeafRef) (*Scope, TimeoutDetails, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	scope := NewScope()
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return c.timedOut(started, len(refs))
		}

		var (
			v   Value
			err error
		)
		switch ref.SourceType {
		case SourceDevice:
			v, err = c.src.LatestDeviceState(ctx, ref.UUID, ref.Key)
		default:
			v, err = c.src.LatestSensorValue(ctx, ref.UUID, ref.Key)
		}
		switch {
		case err == nil:
			scope.Set(ref.SourceType, ref.UUID, ref.Key, v)
		case errors.Is(err, ErrNoValue):
			// Leaf stays absent; operators take the safe default.
		case errors.Is(err, context.DeadlineExceeded):
			return c.timedOut(started, len(refs))
		default:
			return nil, TimeoutDetails{}, fmt.Errorf("data collection %s %s/%s: %w",
				ref.SourceType, ref.UUID, ref.Key, err)
		}
	}

	return scope, TimeoutDetails{}, nil
}

func (c *Collector) timedOut(started time.Time, refs int) (*Scope, TimeoutDetails, error) {
	elapsed := time.Since(started)
	c.log.Warn("data collection timed out",
		"timeoutMs", c.Timeout.Milliseconds(),
		"elapsedMs", elapsed.Milliseconds(),
		"refs", refs)
	return NewScope(), TimeoutDetails{TimedOut: true, Duration: elapsed}, nil
}
