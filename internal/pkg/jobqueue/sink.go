package jobqueue

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
	"github.com/ManuelReschke/CourseFox/internal/pkg/security"
)

const (
	BackendInline = "inline"
	BackendRedis  = "redis"
	BackendKafka  = "kafka"
)

// JobSink accepts deferred work.
type JobSink interface {
	Enqueue(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error)
}

// Runner is implemented by sinks that own background workers.
type Runner interface {
	Start()
	Stop()
}

// InlineSink runs every job synchronously in the caller's goroutine. It is the
// fallback when no durable queue is configured.
type InlineSink struct {
	dispatcher *Dispatcher
}

func NewInlineSink(d *Dispatcher) *InlineSink {
	return &InlineSink{dispatcher: d}
}

func (s *InlineSink) Enqueue(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	job := NewJob(jobType, payload)
	job.MarkAsProcessing()
	if err := s.dispatcher.Process(ctx, job); err != nil {
		job.MarkAsFailed(err.Error())
		return job, err
	}
	job.MarkAsCompleted()
	return job, nil
}

type Config struct {
	Backend      string
	Workers      int
	ProcessURL   string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string
}

func LoadConfig() Config {
	return Config{
		Backend:      strings.ToLower(env.GetEnv("JOB_QUEUE_BACKEND", BackendInline)),
		Workers:      env.GetEnvInt("JOB_WORKERS", 3),
		ProcessURL:   env.GetEnv("JOB_PROCESS_URL", ""),
		KafkaBrokers: env.GetEnvList("KAFKA_BROKERS"),
		KafkaTopic:   env.GetEnv("KAFKA_JOB_TOPIC", "coursefox.jobs"),
		KafkaGroupID: env.GetEnv("KAFKA_GROUP_ID", "coursefox-jobs"),
	}
}

// NewSink picks the sink once at construction time. Durable backends deliver
// over signed HTTP when JOB_PROCESS_URL is set and locally otherwise.
func NewSink(cfg Config, d *Dispatcher, signer *security.JobSigner, rdb *redis.Client) (JobSink, error) {
	var deliverer Deliverer = LocalDeliverer{Dispatcher: d}
	if cfg.ProcessURL != "" && cfg.Backend != BackendInline {
		deliverer = NewHTTPDeliverer(cfg.ProcessURL, signer)
	}

	switch cfg.Backend {
	case "", BackendInline:
		log.Info("[JobQueue] Using inline job execution")
		return NewInlineSink(d), nil
	case BackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis job backend requires a redis client")
		}
		log.Infof("[JobQueue] Using redis job queue with %d workers", cfg.Workers)
		return NewQueue(rdb, cfg.Workers, deliverer), nil
	case BackendKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("kafka job backend requires KAFKA_BROKERS")
		}
		log.Infof("[JobQueue] Using kafka topic %s on %s", cfg.KafkaTopic, strings.Join(cfg.KafkaBrokers, ","))
		return NewKafkaSink(cfg, deliverer), nil
	default:
		return nil, fmt.Errorf("unknown JOB_QUEUE_BACKEND %q", cfg.Backend)
	}
}
