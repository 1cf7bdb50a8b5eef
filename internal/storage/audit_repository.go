package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/token-gate/internal/logging"
	"github.com/token-gate/internal/models"
)

// EligibilityAuditRepository writes eligibility check outcomes to ClickHouse
type EligibilityAuditRepository struct {
	db *ClickHouseDB
}

// NewEligibilityAuditRepository creates a new audit repository
func NewEligibilityAuditRepository(db *ClickHouseDB) *EligibilityAuditRepository {
	return &EligibilityAuditRepository{db: db}
}

// InsertChecks inserts multiple check outcomes in one batch
func (r *EligibilityAuditRepository) InsertChecks(ctx context.Context, checks []models.EligibilityCheck) error {
	if len(checks) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO eligibility_checks (
			session_id, gate, address, chain_id, balance,
			threshold, comparison, eligible, error_code, checked_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, c := range checks {
		err := batch.Append(
			c.SessionID,
			c.Gate,
			strings.ToLower(c.Address),
			c.ChainID,
			c.Balance,
			c.Threshold,
			c.Mode,
			c.Eligible,
			c.ErrorCode,
			c.CheckedAt.UTC(),
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append check: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	return nil
}

// CheckInserter is the write side of EligibilityAuditRepository
type CheckInserter interface {
	InsertChecks(ctx context.Context, checks []models.EligibilityCheck) error
}

// AuditBufferConfig configures an AuditBuffer
type AuditBufferConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

// AuditBuffer queues check outcomes and flushes them in batches from a single
// goroutine. Record never blocks; outcomes are dropped when the queue is full.
type AuditBuffer struct {
	sink     CheckInserter
	queue    chan models.EligibilityCheck
	batch    int
	interval time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	dropped uint64
}

// NewAuditBuffer creates a buffer in front of sink
func NewAuditBuffer(sink CheckInserter, cfg AuditBufferConfig) *AuditBuffer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	return &AuditBuffer{
		sink:     sink,
		queue:    make(chan models.EligibilityCheck, cfg.QueueSize),
		batch:    cfg.BatchSize,
		interval: cfg.FlushInterval,
		logger:   logging.GetGlobalLogger().WithField("component", "audit"),
	}
}

// Record enqueues a check outcome
func (b *AuditBuffer) Record(_ context.Context, check models.EligibilityCheck) {
	select {
	case b.queue <- check:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.logger.Warn("Audit queue full, dropping eligibility check")
	}
}

// Dropped returns how many outcomes were discarded because the queue was full
func (b *AuditBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Run flushes queued outcomes until ctx is cancelled, then drains what is left
func (b *AuditBuffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	pending := make([]models.EligibilityCheck, 0, b.batch)
	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		if err := b.sink.InsertChecks(ctx, pending); err != nil {
			b.logger.WithError(err).WithField("count", len(pending)).Error("Failed to write eligibility checks")
		}
		pending = pending[:0]
	}

	for {
		select {
		case check := <-b.queue:
			pending = append(pending, check)
			if len(pending) >= b.batch {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		drain:
			for {
				select {
				case check := <-b.queue:
					pending = append(pending, check)
				default:
					break drain
				}
			}
			flush(drainCtx)
			cancel()
			return
		}
	}
}
