package engine

import (
	"errors"
	"hash/fnv"
	"sync/atomic"
)

// ErrQueueFull is returned when an event's shard has no buffer space
// left. The caller treats it like a backpressure rejection.
var ErrQueueFull = errors.New("work queue full")

// queue is a set of FIFO shards. Hashing the ordering key onto a shard
// gives per-entity ordering while shards drain in parallel.
type queue struct {
	shards []chan Event

	waiting atomic.Int64
	active  atomic.Int64
	delayed atomic.Int64
}

func newQueue(shards, capacityPerShard int) *queue {
	if shards <= 0 {
		shards = 4
	}
	if capacityPerShard <= 0 {
		capacityPerShard = 1024
	}
	q := &queue{shards: make([]chan Event, shards)}
	for i := range q.shards {
		q.shards[i] = make(chan Event, capacityPerShard)
	}
	return q
}

func (q *queue) shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(q.shards)))
}

// push enqueues without blocking. A full shard fails fast rather than
// stalling the ingress path.
func (q *queue) push(e Event) error {
	select {
	case q.shards[q.shardFor(e.orderingKey())] <- e:
		q.waiting.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// depth is waiting plus active, the number the backpressure controller
// admits against.
func (q *queue) depth() int {
	return int(q.waiting.Load() + q.active.Load())
}

func (q *queue) close() {
	for _, ch := range q.shards {
		close(ch)
	}
}
