package jobqueue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/CourseFox/internal/pkg/metrics/counter"
)

func TestDispatcherRoutesByType(t *testing.T) {
	counters := counter.NewRegistry(nil)
	d := NewDispatcher(counters)
	var got []JobType
	d.Register(JobTypeSendEmail, HandlerFunc(func(ctx context.Context, job *Job) error {
		got = append(got, job.Type)
		return nil
	}))

	require.NoError(t, d.Process(context.Background(), NewJob(JobTypeSendEmail, nil)))
	assert.Equal(t, []JobType{JobTypeSendEmail}, got)
	assert.Equal(t, int64(1), counters.Value(counter.JobsProcessed))
}

func TestDispatcherDropsUnknownAndPermanent(t *testing.T) {
	counters := counter.NewRegistry(nil)
	d := NewDispatcher(counters)
	d.Register(JobTypeArchiveWebhook, HandlerFunc(func(ctx context.Context, job *Job) error {
		return permanent("bad payload")
	}))

	assert.NoError(t, d.Process(context.Background(), NewJob("RESIZE_IMAGE", nil)))
	assert.NoError(t, d.Process(context.Background(), NewJob(JobTypeArchiveWebhook, nil)))
	assert.NoError(t, d.Process(context.Background(), nil))
	assert.Equal(t, int64(2), counters.Value(counter.JobsDropped))
}

func TestDispatcherSurfacesTransientErrors(t *testing.T) {
	counters := counter.NewRegistry(nil)
	d := NewDispatcher(counters)
	boom := errors.New("smtp unavailable")
	d.Register(JobTypeSendEmail, HandlerFunc(func(ctx context.Context, job *Job) error { return boom }))

	err := d.Process(context.Background(), NewJob(JobTypeSendEmail, nil))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), counters.Value(counter.JobsFailed))
}

func TestInlineSinkRunsSynchronously(t *testing.T) {
	d := NewDispatcher(nil)
	calls := 0
	d.Register(JobTypeVerifyPayment, HandlerFunc(func(ctx context.Context, job *Job) error {
		calls++
		return nil
	}))
	boom := errors.New("boom")
	d.Register(JobTypeSendEmail, HandlerFunc(func(ctx context.Context, job *Job) error { return boom }))

	sink := NewInlineSink(d)
	job, err := sink.Enqueue(context.Background(), JobTypeVerifyPayment, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, JobStatusCompleted, job.Status)

	job, err = sink.Enqueue(context.Background(), JobTypeSendEmail, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, JobStatusFailed, job.Status)
}

func TestNewSinkSelectsBackend(t *testing.T) {
	d := NewDispatcher(nil)

	sink, err := NewSink(Config{Backend: BackendInline}, d, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &InlineSink{}, sink)

	_, err = NewSink(Config{Backend: BackendRedis}, d, nil, nil)
	assert.Error(t, err)

	_, err = NewSink(Config{Backend: BackendKafka}, d, nil, nil)
	assert.Error(t, err)

	_, err = NewSink(Config{Backend: "rabbitmq"}, d, nil, nil)
	assert.Error(t, err)
}
