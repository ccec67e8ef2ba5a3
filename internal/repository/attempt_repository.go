package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/banana-ripeness/internal/logging"
)

// Outcomes of a classification attempt.
const (
	OutcomeDetected       = "detected"
	OutcomeNoDetection    = "no_detection"
	OutcomeUnknownLabel   = "unknown_label"
	OutcomeClassifyFailed = "classify_failed"
	OutcomeParseFailed    = "parse_failed"
	OutcomeStorageFailed  = "storage_failed"
)

// ClassificationAttempt is an audit row written for every upload that
// reached the classifier, successful or not.
type ClassificationAttempt struct {
	ID         uint      `gorm:"primaryKey"`
	RecordID   string    `gorm:"column:record_id;index;size:64"`
	Filename   string    `gorm:"column:filename;size:255"`
	Outcome    string    `gorm:"column:outcome;index;size:32"`
	Label      string    `gorm:"column:label;size:64"`
	Confidence float64   `gorm:"column:confidence"`
	Shape      string    `gorm:"column:shape;size:16"`
	LatencyMs  int64     `gorm:"column:latency_ms"`
	Error      string    `gorm:"column:error;type:text"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ClassificationAttempt) TableName() string {
	return "classification_attempts"
}

// AttemptRepository persists classification attempts in a SQL database.
type AttemptRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewAttemptRepository creates a new repository instance.
func NewAttemptRepository(db *gorm.DB, logger *zap.Logger) *AttemptRepository {
	return &AttemptRepository{
		db:             db,
		logger:         logger.Named("attempt_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *AttemptRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ClassificationAttempt{})
}

// SaveAttempt persists an attempt, retrying transient database errors.
func (r *AttemptRepository) SaveAttempt(ctx context.Context, attempt *ClassificationAttempt) error {
	return r.executeWithRetry(ctx, "repository.save_attempt", attempt.RecordID, func() error {
		return r.db.WithContext(ctx).Create(attempt).Error
	})
}

// CountByOutcome returns the number of attempts per outcome.
func (r *AttemptRepository) CountByOutcome(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Outcome string
		Total   int64
	}
	err := r.executeWithRetry(ctx, "repository.count_by_outcome", "", func() error {
		rows = rows[:0]
		return r.db.WithContext(ctx).
			Model(&ClassificationAttempt{}).
			Select("outcome, count(*) AS total").
			Group("outcome").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Outcome] = row.Total
	}
	return counts, nil
}

func (r *AttemptRepository) executeWithRetry(ctx context.Context, operation, recordID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, recordID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, recordID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, recordID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, recordID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
