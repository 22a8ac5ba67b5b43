package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
	"github.com/ManuelReschke/CourseFox/internal/pkg/metrics/counter"
)

// StalePaymentSource lists PENDING payments nobody has confirmed yet.
type StalePaymentSource interface {
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Payment, error)
}

type ManagerConfig struct {
	SweepAfter    time.Duration
	SweepInterval time.Duration
	SweepBatch    int
	FlushInterval time.Duration
}

func LoadManagerConfig() ManagerConfig {
	return ManagerConfig{
		SweepAfter:    time.Duration(env.GetEnvInt("PENDING_SWEEP_AFTER_MINUTES", 30)) * time.Minute,
		SweepInterval: 5 * time.Minute,
		SweepBatch:    100,
		FlushInterval: env.GetEnvSeconds("METRICS_FLUSH_SECONDS", 10*time.Second),
	}
}

// Manager owns the background side of the job system: sink workers, the
// stale payment sweeper and the counter flush.
type Manager struct {
	cfg      ManagerConfig
	sink     JobSink
	payments StalePaymentSource
	counters *counter.Registry

	sweepTicker *time.Ticker
	flushTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

func NewManager(cfg ManagerConfig, sink JobSink, payments StalePaymentSource, counters *counter.Registry) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	return &Manager{
		cfg:      cfg,
		sink:     sink,
		payments: payments,
		counters: counters,
	}
}

// Sink returns the managed job sink
func (m *Manager) Sink() JobSink {
	return m.sink
}

// Start starts the sink workers and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// fresh stop channel so the manager can be restarted
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	if r, ok := m.sink.(Runner); ok {
		r.Start()
	}

	if m.payments != nil && m.cfg.SweepAfter > 0 {
		m.sweepTicker = time.NewTicker(m.cfg.SweepInterval)
		m.wg.Add(1)
		go m.sweepWorker(m.sweepTicker, m.stopCh)
	}

	m.flushTicker = time.NewTicker(m.cfg.FlushInterval)
	m.wg.Add(1)
	go m.counterFlushWorker(m.flushTicker, m.stopCh)

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops background tasks, then the sink, then flushes counters one last time.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}
	if m.flushTicker != nil {
		m.flushTicker.Stop()
	}

	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	if r, ok := m.sink.(Runner); ok {
		r.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.counters.Close(ctx); err != nil {
		log.Errorf("[JobQueue Manager] Final counter flush failed: %v", err)
	}

	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) sweepWorker(ticker *time.Ticker, stopCh <-chan struct{}) {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started stale payment sweeper (after: %s, interval: %s)", m.cfg.SweepAfter, m.cfg.SweepInterval)

	for {
		select {
		case <-stopCh:
			log.Info("[JobQueue Manager] Stale payment sweeper stopping")
			return
		case <-ticker.C:
			if _, err := m.SweepStalePayments(context.Background()); err != nil {
				log.Errorf("[JobQueue Manager] Stale payment sweep error: %v", err)
			}
		}
	}
}

// SweepStalePayments enqueues VERIFY_PAYMENT for PENDING payments older than
// the sweep threshold and returns how many were enqueued.
func (m *Manager) SweepStalePayments(ctx context.Context) (int, error) {
	stale, err := m.payments.ListStalePending(ctx, time.Now().Add(-m.cfg.SweepAfter), m.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, p := range stale {
		payload := VerifyPaymentJobPayload{
			PaymentID:             p.ID,
			Provider:              string(p.Provider),
			ProviderTransactionID: p.TransactionID(),
		}
		if _, err := m.sink.Enqueue(ctx, JobTypeVerifyPayment, payload.ToMap()); err != nil {
			log.Errorf("[JobQueue Manager] Could not enqueue re-verification of payment %s: %v", p.ID, err)
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		log.Infof("[JobQueue Manager] Enqueued %d stale payment re-verifications", enqueued)
	}
	return enqueued, nil
}

func (m *Manager) counterFlushWorker(ticker *time.Ticker, stopCh <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stopCh:
			log.Info("[JobQueue Manager] Counter flush worker stopping")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.counters.Flush(ctx); err != nil {
				log.Errorf("[JobQueue Manager] Counter flush error: %v", err)
			}
			cancel()
		}
	}
}
