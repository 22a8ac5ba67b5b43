package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CourseFox/internal/pkg/metrics/counter"
)

// ErrPermanent marks a handler failure that redelivery cannot fix, e.g. a
// payload that does not decode. Such jobs are dropped instead of retried.
var ErrPermanent = errors.New("permanent job failure")

// Handler executes one job type. Jobs may be delivered more than once.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error { return f(ctx, job) }

// Dispatcher routes jobs to their handler by type.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[JobType]Handler
	counters *counter.Registry
}

func NewDispatcher(counters *counter.Registry) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[JobType]Handler),
		counters: counters,
	}
}

func (d *Dispatcher) Register(jobType JobType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[jobType] = h
}

// Process runs the handler for job.Type. Unknown types and permanent
// failures are logged and dropped (nil error) so they are never redelivered.
// Any other error asks the transport to deliver the job again.
func (d *Dispatcher) Process(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	d.mu.RLock()
	h, ok := d.handlers[job.Type]
	d.mu.RUnlock()
	if !ok {
		d.counters.Inc(counter.JobsDropped)
		log.Warnf("[JobQueue] Dropping job %s with unknown type %q", job.ID, job.Type)
		return nil
	}

	if err := h.Handle(ctx, job); err != nil {
		if errors.Is(err, ErrPermanent) {
			d.counters.Inc(counter.JobsDropped)
			log.Errorf("[JobQueue] Dropping job %s (Type: %s): %v", job.ID, job.Type, err)
			return nil
		}
		d.counters.Inc(counter.JobsFailed)
		return fmt.Errorf("job %s (%s): %w", job.ID, job.Type, err)
	}
	d.counters.Inc(counter.JobsProcessed)
	return nil
}

func permanent(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}
