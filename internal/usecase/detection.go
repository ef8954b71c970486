package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/spoof-detector/internal/imageprocessor"
	"github.com/example/spoof-detector/internal/inference"
	"github.com/example/spoof-detector/internal/logging"
	"github.com/example/spoof-detector/internal/repository"
	"github.com/example/spoof-detector/internal/retry"
)

// Threshold separates real faces from spoofs: scores strictly below it are real.
const Threshold = 0.5

const (
	StatusReal  = "real"
	StatusSpoof = "fake/spoof"
)

var (
	ErrModelUnavailable   = errors.New("model not loaded")
	ErrInvalidOutputShape = errors.New("invalid prediction output format")
	ErrInference          = errors.New("prediction failed")
	ErrMetricsUnavailable = errors.New("metrics unavailable")
	ErrResultNotFound     = errors.New("result not found")
	ErrResultsUnavailable = errors.New("detection log unavailable")
)

// Detection is the classification returned to clients.
type Detection struct {
	IsReal     bool    `json:"is_real"`
	Confidence float64 `json:"confidence"`
	Status     string  `json:"status"`
}

// Classify applies the fixed threshold to a model confidence.
func Classify(confidence float64) Detection {
	isReal := confidence < Threshold
	status := StatusSpoof
	if isReal {
		status = StatusReal
	}
	return Detection{IsReal: isReal, Confidence: confidence, Status: status}
}

// DetectionRepository defines the persistence operations needed by the use case.
type DetectionRepository interface {
	SaveLog(ctx context.Context, log *repository.DetectionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.DetectionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// DetectionUseCase runs the decode, preprocess, predict and threshold
// pipeline. The model, repository and cache are all optional; a nil model
// leaves the service in its degraded state.
type DetectionUseCase struct {
	model    inference.Model
	repo     DetectionRepository
	cache    Cache
	cacheTTL time.Duration
	logger   *zap.Logger
	policy   retry.Policy
	now      func() time.Time
}

// Option customises a DetectionUseCase.
type Option func(*DetectionUseCase)

// WithCacheTTL sets how long cached classifications live.
func WithCacheTTL(ttl time.Duration) Option {
	return func(uc *DetectionUseCase) {
		if ttl > 0 {
			uc.cacheTTL = ttl
		}
	}
}

// NewDetectionUseCase constructs a new use case instance.
func NewDetectionUseCase(model inference.Model, repo DetectionRepository, cache Cache, logger *zap.Logger, opts ...Option) *DetectionUseCase {
	uc := &DetectionUseCase{
		model:    model,
		repo:     repo,
		cache:    cache,
		cacheTTL: 5 * time.Minute,
		logger:   logger.Named("detection_usecase"),
		policy:   retry.DefaultPolicy,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// ModelLoaded reports whether a model handle is present.
func (uc *DetectionUseCase) ModelLoaded() bool {
	return uc.model != nil
}

// Detect classifies a data-URL image payload. An empty requestID gets a
// fresh one.
func (uc *DetectionUseCase) Detect(ctx context.Context, requestID, payload string) (*Detection, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.detect", requestID)

	start := time.Now()
	hash := payloadHash(payload)
	detection, cached, err := uc.detect(ctx, requestID, hash, payload)
	latency := time.Since(start)

	if err != nil {
		opLogger.Warn("detection failed", zap.Error(err), zap.Duration("latency", latency))
	} else {
		opLogger.Info("detection complete",
			zap.String("status", detection.Status),
			zap.Float64("confidence", detection.Confidence),
			zap.Bool("cached", cached),
			zap.Duration("latency", latency),
		)
	}

	uc.record(ctx, requestID, hash, detection, cached, err, latency)
	return detection, err
}

func (uc *DetectionUseCase) detect(ctx context.Context, requestID, hash, payload string) (*Detection, bool, error) {
	if uc.model == nil {
		return nil, false, ErrModelUnavailable
	}

	key := cacheKey(hash)
	if detection, ok := uc.cached(ctx, requestID, key); ok {
		return detection, true, nil
	}

	tensor, err := imageprocessor.Preprocess(payload)
	if err != nil {
		return nil, false, err
	}

	output, err := uc.model.Predict(ctx, tensor)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrInference, err)
	}

	confidence, err := firstScalar(output)
	if err != nil {
		return nil, false, err
	}

	detection := Classify(confidence)
	uc.store(ctx, requestID, key, detection)
	return &detection, false, nil
}

// firstScalar extracts element [0][0] of a row-major output of rank >= 2. The
// score must be finite.
func firstScalar(output *inference.Output) (float64, error) {
	if output == nil || len(output.Data) == 0 {
		return 0, fmt.Errorf("%w: empty output", ErrInvalidOutputShape)
	}
	if len(output.Shape) < 2 {
		return 0, fmt.Errorf("%w: rank %d output", ErrInvalidOutputShape, len(output.Shape))
	}
	size := int64(1)
	for _, dim := range output.Shape {
		if dim <= 0 {
			return 0, fmt.Errorf("%w: shape %v", ErrInvalidOutputShape, output.Shape)
		}
		size *= dim
	}
	if size != int64(len(output.Data)) {
		return 0, fmt.Errorf("%w: shape %v holds %d values", ErrInvalidOutputShape, output.Shape, len(output.Data))
	}
	confidence := float64(output.Data[0])
	if math.IsNaN(confidence) || math.IsInf(confidence, 0) {
		return 0, fmt.Errorf("%w: non-finite score %v", ErrInvalidOutputShape, confidence)
	}
	return confidence, nil
}

func (uc *DetectionUseCase) cached(ctx context.Context, requestID, key string) (*Detection, bool) {
	if uc.cache == nil {
		return nil, false
	}

	var (
		value string
		miss  bool
	)
	err := uc.policy.Do(ctx, uc.logger, "cache.get.detection", requestID, func() error {
		v, err := uc.cache.Get(ctx, key)
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.detect", requestID).Warn("failed to read cache", zap.Error(err))
		return nil, false
	}
	if miss {
		return nil, false
	}

	var detection Detection
	if err := json.Unmarshal([]byte(value), &detection); err != nil {
		logging.WithOperation(uc.logger, "usecase.detect", requestID).Warn("failed to decode cached detection", zap.Error(err))
		return nil, false
	}
	return &detection, true
}

func (uc *DetectionUseCase) store(ctx context.Context, requestID, key string, detection Detection) {
	if uc.cache == nil {
		return
	}

	serialized, err := json.Marshal(detection)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.detect", requestID).Error("failed to serialize detection", zap.Error(err))
		return
	}

	if err := uc.policy.Do(ctx, uc.logger, "cache.set.detection", requestID, func() error {
		return uc.cache.Set(ctx, key, string(serialized), uc.cacheTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.detect", requestID).Warn("failed to cache detection", zap.Error(err))
	}
}

func (uc *DetectionUseCase) record(ctx context.Context, requestID, hash string, detection *Detection, cached bool, detectErr error, latency time.Duration) {
	if uc.repo == nil {
		return
	}

	log := &repository.DetectionLog{
		RequestID:   requestID,
		PayloadSHA1: hash,
		Cached:      cached,
		LatencyMs:   float64(latency.Microseconds()) / 1000.0,
		CreatedAt:   uc.now().UTC(),
	}
	if detection != nil {
		log.IsReal = detection.IsReal
		log.Confidence = detection.Confidence
		log.Status = detection.Status
	}
	if detectErr != nil {
		log.Error = detectErr.Error()
	}

	if err := uc.repo.SaveLog(ctx, log); err != nil {
		logging.WithOperation(uc.logger, "usecase.detect", requestID).Error("failed to persist detection log", zap.Error(err))
	}
}

// GetResult returns the most recent detection logged under requestID.
func (uc *DetectionUseCase) GetResult(ctx context.Context, requestID string) (*repository.DetectionLog, error) {
	if uc.repo == nil {
		return nil, ErrResultsUnavailable
	}

	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}

func payloadHash(payload string) string {
	sum := sha1.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func cacheKey(hash string) string {
	return fmt.Sprintf("detection:%s", hash)
}
