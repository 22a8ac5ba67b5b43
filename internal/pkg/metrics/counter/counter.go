package counter

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// Name identifies a counter.
type Name string

const (
	PaymentsInitiated Name = "payments_initiated"
	PaymentsSucceeded Name = "payments_succeeded"
	PaymentsFailed    Name = "payments_failed"
	PaymentsRefunded  Name = "payments_refunded"
	LedgerDuplicates  Name = "ledger_duplicates"
	LedgerDangling    Name = "ledger_dangling"
	AmountMismatches  Name = "amount_mismatches"
	DuplicateEnrolls  Name = "duplicate_enrollments"
	WebhooksRejected  Name = "webhooks_rejected"
	WebhooksHandled   Name = "webhooks_handled"
	ProviderErrors    Name = "provider_errors"
	JobsProcessed     Name = "jobs_processed"
	JobsDropped       Name = "jobs_dropped"
	JobsFailed        Name = "jobs_failed"
)

// RedisHashKey is the hash the flush worker increments, one field per counter.
const RedisHashKey = "metrics:counters"

type cell struct {
	pending atomic.Int64
	total   atomic.Int64
}

// Registry is a process-wide set of atomic counters. Increments are lock free
// once a counter exists; Flush drains pending deltas into a Sink.
// A nil *Registry ignores all calls.
type Registry struct {
	mu    sync.RWMutex
	cells map[Name]*cell
	sink  Sink
}

// Sink receives drained counter deltas.
type Sink interface {
	Push(ctx context.Context, deltas map[Name]int64) error
}

// NewRegistry creates a registry. sink may be nil, in which case Flush only
// resets pending deltas.
func NewRegistry(sink Sink) *Registry {
	return &Registry{
		cells: make(map[Name]*cell),
		sink:  sink,
	}
}

func (r *Registry) get(name Name) *cell {
	r.mu.RLock()
	c, ok := r.cells[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.cells[name]; !ok {
		c = &cell{}
		r.cells[name] = c
	}
	return c
}

func (r *Registry) Inc(name Name) {
	r.Add(name, 1)
}

func (r *Registry) Add(name Name, delta int64) {
	if r == nil || delta == 0 {
		return
	}
	c := r.get(name)
	c.pending.Add(delta)
	c.total.Add(delta)
}

// Value returns the total since the registry was created.
func (r *Registry) Value(name Name) int64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	c, ok := r.cells[name]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.total.Load()
}

// Snapshot returns all totals.
func (r *Registry) Snapshot() map[Name]int64 {
	out := make(map[Name]int64)
	if r == nil {
		return out
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, c := range r.cells {
		out[name] = c.total.Load()
	}
	return out
}

// Names returns the registered counter names in stable order.
func (r *Registry) Names() []Name {
	snap := r.Snapshot()
	names := make([]Name, 0, len(snap))
	for n := range snap {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Flush drains pending deltas into the sink. Deltas are restored when the
// sink fails so the next flush retries them.
func (r *Registry) Flush(ctx context.Context) error {
	if r == nil {
		return nil
	}
	deltas := make(map[Name]int64)
	r.mu.RLock()
	for name, c := range r.cells {
		if d := c.pending.Swap(0); d != 0 {
			deltas[name] = d
		}
	}
	r.mu.RUnlock()

	if len(deltas) == 0 || r.sink == nil {
		return nil
	}
	if err := r.sink.Push(ctx, deltas); err != nil {
		for name, d := range deltas {
			r.get(name).pending.Add(d)
		}
		return err
	}
	return nil
}

// Close performs a final flush.
func (r *Registry) Close(ctx context.Context) error {
	return r.Flush(ctx)
}

// RedisSink increments one field per counter in a Redis hash.
type RedisSink struct {
	client *redis.Client
	key    string
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client, key: RedisHashKey}
}

func (s *RedisSink) Push(ctx context.Context, deltas map[Name]int64) error {
	pipe := s.client.Pipeline()
	for name, d := range deltas {
		pipe.HIncrBy(ctx, s.key, string(name), d)
	}
	_, err := pipe.Exec(ctx)
	return err
}
