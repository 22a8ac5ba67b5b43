package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes jobs to a topic; KafkaRelay consumes them. Offsets are
// committed only after delivery, so a crash redelivers instead of losing jobs.
type KafkaSink struct {
	writer *kafka.Writer
	relay  *KafkaRelay
}

func NewKafkaSink(cfg Config, deliverer Deliverer) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		ErrorLogger:  kafka.LoggerFunc(func(msg string, args ...interface{}) { log.Errorf("[JobQueue] kafka writer: "+msg, args...) }),
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:          cfg.KafkaBrokers,
		GroupID:          cfg.KafkaGroupID,
		Topic:            cfg.KafkaTopic,
		MinBytes:         1,
		MaxBytes:         10e6,
		ReadBatchTimeout: time.Second,
		MaxAttempts:      3,
		ErrorLogger:      kafka.LoggerFunc(func(msg string, args ...interface{}) { log.Errorf("[JobQueue] kafka reader: "+msg, args...) }),
	})
	return &KafkaSink{
		writer: writer,
		relay:  NewKafkaRelay(reader, deliverer),
	}
}

func (s *KafkaSink) Enqueue(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	job := NewJob(jobType, payload)
	value, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	produceCtx, cancel := context.WithTimeout(ctx, s.writer.WriteTimeout)
	defer cancel()
	if err := s.writer.WriteMessages(produceCtx, kafka.Message{Key: []byte(job.ID), Value: value}); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	log.Infof("[JobQueue] Published job %s (Type: %s)", job.ID, job.Type)
	return job, nil
}

func (s *KafkaSink) Start() { s.relay.Start() }

func (s *KafkaSink) Stop() {
	s.relay.Stop()
	if err := s.writer.Close(); err != nil {
		log.Errorf("[JobQueue] Failed to close kafka writer: %v", err)
	}
}

// MessageReader is the part of *kafka.Reader the relay uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaRelay reads job envelopes and hands them to a Deliverer.
type KafkaRelay struct {
	reader    MessageReader
	deliverer Deliverer
	backoff   time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewKafkaRelay(reader MessageReader, deliverer Deliverer) *KafkaRelay {
	return &KafkaRelay{reader: reader, deliverer: deliverer, backoff: time.Second}
}

func (r *KafkaRelay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true
	go func() {
		defer close(r.done)
		r.run(ctx)
	}()
	log.Info("[JobQueue] Kafka relay started")
}

func (r *KafkaRelay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.cancel()
	<-r.done
	r.running = false
	if err := r.reader.Close(); err != nil {
		log.Errorf("[JobQueue] Failed to close kafka reader: %v", err)
	}
	log.Info("[JobQueue] Kafka relay stopped")
}

func (r *KafkaRelay) run(ctx context.Context) {
	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Errorf("[JobQueue] Failed to fetch job message: %v", err)
			if !sleepCtx(ctx, r.backoff) {
				return
			}
			continue
		}
		if !r.handle(ctx, msg) {
			return
		}
	}
}

// handle delivers one message with bounded retries and commits it. It returns
// false when ctx was cancelled before the message could be committed.
func (r *KafkaRelay) handle(ctx context.Context, msg kafka.Message) bool {
	var job Job
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		log.Errorf("[JobQueue] Dropping undecodable job message at offset %d: %v", msg.Offset, err)
		return r.commit(ctx, msg)
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = DefaultMaxRetries
	}

	for {
		job.MarkAsProcessing()
		err := r.deliverer.Deliver(ctx, &job)
		if err == nil {
			job.MarkAsCompleted()
			log.Infof("[JobQueue] Job %s completed successfully", job.ID)
			break
		}
		if ctx.Err() != nil {
			return false
		}
		job.MarkAsFailed(err.Error())
		if !job.IsRetryable() {
			log.Errorf("[JobQueue] Job %s permanently failed after %d retries: %v", job.ID, job.RetryCount, err)
			break
		}
		log.Infof("[JobQueue] Retrying job %s (Attempt %d/%d): %v", job.ID, job.RetryCount, job.MaxRetries, err)
		if !sleepCtx(ctx, r.backoff*time.Duration(job.RetryCount)) {
			return false
		}
	}
	return r.commit(ctx, msg)
}

func (r *KafkaRelay) commit(ctx context.Context, msg kafka.Message) bool {
	if err := r.reader.CommitMessages(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Errorf("[JobQueue] Failed to commit offset %d: %v", msg.Offset, err)
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
