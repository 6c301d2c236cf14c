package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/biqt/internal/logging"
)

// Target kinds recorded on an evaluation.
const (
	TargetProvider = "provider"
	TargetModality = "modality"
)

// EvaluationLog represents a persisted evaluation request.
type EvaluationLog struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID     string    `gorm:"column:user_id;index;size:64"`
	Target     string    `gorm:"column:target;size:128"`
	TargetKind string    `gorm:"column:target_kind;size:16"`
	ImageName  string    `gorm:"column:image_name;size:255"`
	SHA1Hash   string    `gorm:"column:sha1_hash;index;size:40"`
	ErrorCode  int       `gorm:"column:error_code"`
	Results    string    `gorm:"column:results;type:text"`
	LatencyMs  int64     `gorm:"column:latency_ms"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (EvaluationLog) TableName() string {
	return "evaluation_logs"
}

// Aggregation summarizes every stored evaluation.
type Aggregation struct {
	TotalCount       int64
	SuccessCount     int64
	AverageLatencyMs float64
}

// EvaluationRepository provides persistence APIs for evaluation logs.
type EvaluationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewEvaluationRepository creates a new repository instance.
func NewEvaluationRepository(db *gorm.DB, logger *zap.Logger) *EvaluationRepository {
	return &EvaluationRepository{
		db:             db,
		logger:         logger.Named("evaluation_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *EvaluationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&EvaluationLog{})
}

// SaveLog persists an evaluation log entry.
func (r *EvaluationRepository) SaveLog(ctx context.Context, log *EvaluationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndUser retrieves an evaluation log matching the request and owner.
func (r *EvaluationRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*EvaluationLog, error) {
	var log EvaluationLog
	err := r.executeWithRetry(ctx, "repository.find_by_request", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindDuplicatesByHash lists earlier evaluations of the same image by the same user.
func (r *EvaluationRepository) FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*EvaluationLog, error) {
	var logs []*EvaluationLog
	err := r.executeWithRetry(ctx, "repository.find_duplicates", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Where("user_id = ? AND sha1_hash = ? AND request_id <> ?", userID, hash, excludeRequestID).
			Order("created_at DESC").
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics counts evaluations and how many of them fully succeeded.
func (r *EvaluationRepository) AggregateMetrics(ctx context.Context) (*Aggregation, error) {
	var row struct {
		Total      int64
		Succeeded  int64
		AvgLatency float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&EvaluationLog{}).
			Select("COUNT(*) AS total, " +
				"COALESCE(SUM(CASE WHEN error_code = 0 THEN 1 ELSE 0 END), 0) AS succeeded, " +
				"COALESCE(AVG(latency_ms), 0) AS avg_latency").
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &Aggregation{
		TotalCount:       row.Total,
		SuccessCount:     row.Succeeded,
		AverageLatencyMs: row.AvgLatency,
	}, nil
}

// executeWithRetry runs fn, retrying transient failures with exponential
// backoff. Record-not-found is returned unwrapped by errors.Is.
func (r *EvaluationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
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
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
