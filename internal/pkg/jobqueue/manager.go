package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// CapturedSweeper finds captured orders whose ledger write never completed
// and hands them back to the queue; *billing.Reconciler implements it.
type CapturedSweeper interface {
	SweepCaptured(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// ManagerConfig controls the background sweep.
type ManagerConfig struct {
	SweepInterval time.Duration
	SweepAge      time.Duration
	SweepLimit    int
}

// DefaultManagerConfig sweeps every 5 minutes for orders captured over 15 minutes ago.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{SweepInterval: 5 * time.Minute, SweepAge: 15 * time.Minute, SweepLimit: 100}
}

// Manager manages the job queue and background tasks
type Manager struct {
	queue       *Queue
	sweeper     CapturedSweeper
	cfg         ManagerConfig
	sweepTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

// NewManager creates a manager over queue; sweeper may be nil.
func NewManager(queue *Queue, sweeper CapturedSweeper, cfg ManagerConfig) *Manager {
	def := DefaultManagerConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SweepAge <= 0 {
		cfg.SweepAge = def.SweepAge
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = def.SweepLimit
	}
	return &Manager{
		queue:   queue,
		sweeper: sweeper,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	if m.sweeper != nil {
		m.sweepTicker = time.NewTicker(m.cfg.SweepInterval)
		m.wg.Add(1)
		go m.sweepWorker(m.stopCh)
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
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

	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// sweepWorker periodically re-enqueues captured but unapplied orders.
func (m *Manager) sweepWorker(stopCh <-chan struct{}) {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started captured-order sweeper (interval: %s)", m.cfg.SweepInterval)

	for {
		select {
		case <-stopCh:
			log.Info("[JobQueue Manager] Captured-order sweeper stopping")
			return
		case <-m.sweepTicker.C:
			if _, err := m.SweepOnce(context.Background()); err != nil {
				log.Errorf("[JobQueue Manager] Captured-order sweep error: %v", err)
			}
		}
	}
}

// SweepOnce runs a single captured-order sweep.
func (m *Manager) SweepOnce(ctx context.Context) (int, error) {
	if m.sweeper == nil {
		return 0, nil
	}
	n, err := m.sweeper.SweepCaptured(ctx, m.cfg.SweepAge, m.cfg.SweepLimit)
	if n > 0 {
		log.Infof("[JobQueue Manager] Re-enqueued %d captured order(s)", n)
	}
	return n, err
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
