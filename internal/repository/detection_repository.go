package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/spoof-detector/internal/retry"
)

// DetectionLog is one /detect/ call. The image itself is never stored, only
// its SHA-1 so repeated frames can be recognised.
type DetectionLog struct {
	ID          uint      `gorm:"primaryKey"`
	RequestID   string    `gorm:"column:request_id;index;size:64"`
	PayloadSHA1 string    `gorm:"column:payload_sha1;index;size:40"`
	IsReal      bool      `gorm:"column:is_real"`
	Confidence  float64   `gorm:"column:confidence"`
	Status      string    `gorm:"column:status;size:16"`
	Error       string    `gorm:"column:error_message;type:text"`
	Cached      bool      `gorm:"column:cached"`
	LatencyMs   float64   `gorm:"column:latency_ms"`
	CreatedAt   time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (DetectionLog) TableName() string {
	return "detection_logs"
}

// MetricsAggregation holds raw aggregates over the detection log.
type MetricsAggregation struct {
	TotalCount        int64
	RealCount         int64
	SpoofCount        int64
	FailedCount       int64
	AverageConfidence float64
	AverageLatencyMs  float64
}

// DetectionRepository persists detection logs through gorm.
type DetectionRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy retry.Policy
}

// NewDetectionRepository creates a new repository instance.
func NewDetectionRepository(db *gorm.DB, logger *zap.Logger) *DetectionRepository {
	return &DetectionRepository{
		db:     db,
		logger: logger.Named("detection_repository"),
		policy: retry.DefaultPolicy,
	}
}

// AutoMigrate ensures the schema is available.
func (r *DetectionRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&DetectionLog{})
	})
}

// SaveLog persists a detection log entry.
func (r *DetectionRepository) SaveLog(ctx context.Context, log *DetectionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the latest log written for requestID. Callers may
// reuse request ids, so several rows can share one.
func (r *DetectionRepository) FindByRequestID(ctx context.Context, requestID string) (*DetectionLog, error) {
	var (
		log     DetectionLog
		missing bool
	)
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		err := r.db.WithContext(ctx).
			Where("request_id = ?", requestID).
			Order("id DESC").
			First(&log).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			missing = true
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if missing {
		return nil, gorm.ErrRecordNotFound
	}
	return &log, nil
}

// AggregateMetrics summarises every stored detection.
func (r *DetectionRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&DetectionLog{}).
			Select(aggregateColumns).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

const aggregateColumns = "COUNT(*) AS total_count, " +
	"COALESCE(SUM(CASE WHEN status = 'real' THEN 1 ELSE 0 END), 0) AS real_count, " +
	"COALESCE(SUM(CASE WHEN status = 'fake/spoof' THEN 1 ELSE 0 END), 0) AS spoof_count, " +
	"COALESCE(SUM(CASE WHEN error_message <> '' THEN 1 ELSE 0 END), 0) AS failed_count, " +
	"COALESCE(AVG(CASE WHEN error_message = '' THEN confidence END), 0) AS average_confidence, " +
	"COALESCE(AVG(latency_ms), 0) AS average_latency_ms"

func (r *DetectionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return r.policy.Do(ctx, r.logger, operation, requestID, fn)
}
