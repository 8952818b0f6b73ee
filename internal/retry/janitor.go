package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyops/notify-core/internal/repository"
)

const (
	defaultPurgeInterval  = time.Hour
	defaultRetention      = 30 * 24 * time.Hour
	defaultPurgeBatchSize = 1000
)

// LedgerPurger removes ledger rows past the retention window.
type LedgerPurger interface {
	PurgeBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// Janitor enforces retention: terminal notification rows and old ledger
// entries are kept for the retention window, then deleted in bounded batches.
type Janitor struct {
	notifications repository.NotificationRepository
	ledger        LedgerPurger
	logger        *zap.Logger
	interval      time.Duration
	retention     time.Duration
	batchSize     int
	now           func() time.Time
}

func NewJanitor(
	notifications repository.NotificationRepository,
	ledger LedgerPurger,
	interval time.Duration,
	retention time.Duration,
	batchSize int,
	logger *zap.Logger,
) (*Janitor, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if interval <= 0 {
		interval = defaultPurgeInterval
	}
	if retention <= 0 {
		retention = defaultRetention
	}
	if batchSize <= 0 {
		batchSize = defaultPurgeBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Janitor{
		notifications: notifications,
		ledger:        ledger,
		logger:        logger,
		interval:      interval,
		retention:     retention,
		batchSize:     batchSize,
		now:           time.Now,
	}, nil
}

func (j *Janitor) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := j.sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				j.logger.Error("retention sweep failed", zap.Error(err))
			}
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) error {
	now := j.now().UTC()
	cutoff := now.Add(-j.retention)

	var purgedRows int64
	for {
		purged, err := j.notifications.PurgeTerminal(ctx, cutoff, j.batchSize)
		if err != nil {
			return fmt.Errorf("failed to purge terminal notifications: %w", err)
		}
		purgedRows += purged
		if purged < int64(j.batchSize) {
			break
		}
	}

	var purgedLedger int64
	if j.ledger != nil {
		// Budget enforcement sums the current month, so the ledger cutoff
		// never reaches past the month start even when the retention
		// window does.
		ledgerCutoff := cutoff
		if monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC); ledgerCutoff.After(monthStart) {
			ledgerCutoff = monthStart
		}
		purged, err := j.ledger.PurgeBefore(ctx, ledgerCutoff)
		if err != nil {
			return fmt.Errorf("failed to purge ledger entries: %w", err)
		}
		purgedLedger = purged
	}

	if purgedRows > 0 || purgedLedger > 0 {
		j.logger.Info("retention sweep completed",
			zap.Time("cutoff", cutoff),
			zap.Int64("notifications", purgedRows),
			zap.Int64("ledgerEntries", purgedLedger),
		)
	}
	return nil
}
