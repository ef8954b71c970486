package usecase

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"math"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/spoof-detector/internal/imageprocessor"
	"github.com/example/spoof-detector/internal/inference"
	"github.com/example/spoof-detector/internal/repository"
	"github.com/example/spoof-detector/internal/retry"
)

type stubModel struct {
	output *inference.Output
	err    error
	calls  int
	shapes [][4]int64
}

func (s *stubModel) Predict(ctx context.Context, input *imageprocessor.Tensor) (*inference.Output, error) {
	s.calls++
	s.shapes = append(s.shapes, input.Shape)
	if s.err != nil {
		return nil, s.err
	}
	return s.output, nil
}

func scoreOutput(score float32) *inference.Output {
	return &inference.Output{Shape: []int64{1, 1}, Data: []float32{score}}
}

type stubRepository struct {
	savedLogs   []*repository.DetectionLog
	saveErr     error
	aggregation *repository.MetricsAggregation
	aggErr      error
	findErr     error
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.DetectionLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.DetectionLog, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	for i := len(s.savedLogs) - 1; i >= 0; i-- {
		if s.savedLogs[i].RequestID == requestID {
			return s.savedLogs[i], nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.aggErr != nil {
		return nil, s.aggErr
	}
	return s.aggregation, nil
}

type stubCache struct {
	values  map[string]string
	getErr  error
	setErr  error
	setKeys []string
	setTTLs []time.Duration
	getKeys []string
}

func newStubCache() *stubCache {
	return &stubCache{values: map[string]string{}}
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	s.setTTLs = append(s.setTTLs, expiration)
	if s.setErr != nil {
		return s.setErr
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	if s.getErr != nil {
		return "", s.getErr
	}
	value, ok := s.values[key]
	if !ok {
		return "", redis.Nil
	}
	return value, nil
}

func testPayload(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 120, 80, 40, 255
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func newTestUseCase(model inference.Model, repo DetectionRepository, cache Cache) *DetectionUseCase {
	uc := NewDetectionUseCase(model, repo, cache, zap.NewNop())
	uc.policy = retry.Policy{Attempts: 1}
	return uc
}

func TestClassifyThreshold(t *testing.T) {
	cases := []struct {
		confidence float64
		isReal     bool
		status     string
	}{
		{0.0, true, StatusReal},
		{0.49999, true, StatusReal},
		{0.5, false, StatusSpoof},
		{0.9987, false, StatusSpoof},
		{1.0, false, StatusSpoof},
	}
	for _, tc := range cases {
		got := Classify(tc.confidence)
		if got.IsReal != tc.isReal || got.Status != tc.status || got.Confidence != tc.confidence {
			t.Fatalf("Classify(%v) = %+v", tc.confidence, got)
		}
	}
}

func TestDetectReturnsClassification(t *testing.T) {
	model := &stubModel{output: scoreOutput(0.9987)}
	uc := newTestUseCase(model, nil, nil)

	detection, err := uc.Detect(context.Background(), "req-1", testPayload(t))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if detection.IsReal || detection.Status != StatusSpoof {
		t.Fatalf("expected spoof, got %+v", detection)
	}
	if detection.Confidence != float64(float32(0.9987)) {
		t.Fatalf("unexpected confidence: %v", detection.Confidence)
	}
	if model.calls != 1 {
		t.Fatalf("expected one model call, got %d", model.calls)
	}
	if model.shapes[0] != [4]int64{1, 224, 224, 3} {
		t.Fatalf("unexpected tensor shape: %v", model.shapes[0])
	}
}

func TestDetectWithoutModel(t *testing.T) {
	repo := &stubRepository{}
	uc := newTestUseCase(nil, repo, nil)

	detection, err := uc.Detect(context.Background(), "req-2", testPayload(t))
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if detection != nil {
		t.Fatalf("expected no detection, got %+v", detection)
	}
	if uc.ModelLoaded() {
		t.Fatal("expected model to be reported as missing")
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].Error == "" {
		t.Fatalf("expected failed detection to be logged, got %+v", repo.savedLogs)
	}
}

func TestDetectPreprocessingFailureSkipsModel(t *testing.T) {
	model := &stubModel{output: scoreOutput(0.1)}
	uc := newTestUseCase(model, nil, nil)

	_, err := uc.Detect(context.Background(), "req-3", "no-comma-here")
	if !errors.Is(err, imageprocessor.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if model.calls != 0 {
		t.Fatalf("expected model not to be called, got %d calls", model.calls)
	}
}

func TestDetectInvalidOutputShape(t *testing.T) {
	outputs := map[string]*inference.Output{
		"nil":       nil,
		"empty":     {Shape: []int64{1, 1}},
		"rank one":  {Shape: []int64{1}, Data: []float32{0.2}},
		"zero dim":  {Shape: []int64{0, 1}, Data: []float32{0.2}},
		"mismatch":  {Shape: []int64{1, 2}, Data: []float32{0.2}},
		"scalar":    {Data: []float32{0.2}},
		"negative":  {Shape: []int64{-1, 1}, Data: []float32{0.2}},
		"too short": {Shape: []int64{2, 2}, Data: []float32{0.1, 0.2, 0.3}},
		"nan":       {Shape: []int64{1, 1}, Data: []float32{float32(math.NaN())}},
		"inf":       {Shape: []int64{1, 1}, Data: []float32{float32(math.Inf(1))}},
		"minus inf": {Shape: []int64{1, 1}, Data: []float32{float32(math.Inf(-1))}},
	}
	for name, output := range outputs {
		t.Run(name, func(t *testing.T) {
			uc := newTestUseCase(&stubModel{output: output}, nil, nil)
			_, err := uc.Detect(context.Background(), "req-4", testPayload(t))
			if !errors.Is(err, ErrInvalidOutputShape) {
				t.Fatalf("expected ErrInvalidOutputShape, got %v", err)
			}
		})
	}
}

func TestDetectUsesFirstElementOfFirstRow(t *testing.T) {
	output := &inference.Output{Shape: []int64{1, 2}, Data: []float32{0.25, 0.75}}
	uc := newTestUseCase(&stubModel{output: output}, nil, nil)

	detection, err := uc.Detect(context.Background(), "req-5", testPayload(t))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if !detection.IsReal || detection.Confidence != 0.25 {
		t.Fatalf("unexpected detection: %+v", detection)
	}
}

func TestDetectWrapsInferenceErrors(t *testing.T) {
	cause := errors.New("session run failed")
	uc := newTestUseCase(&stubModel{err: cause}, nil, nil)

	_, err := uc.Detect(context.Background(), "req-6", testPayload(t))
	if !errors.Is(err, ErrInference) || !errors.Is(err, cause) {
		t.Fatalf("expected wrapped inference error, got %v", err)
	}
}

func TestDetectIsIdempotent(t *testing.T) {
	uc := newTestUseCase(&stubModel{output: scoreOutput(0.3)}, nil, nil)
	payload := testPayload(t)

	first, err := uc.Detect(context.Background(), "", payload)
	if err != nil {
		t.Fatalf("first Detect() error = %v", err)
	}
	second, err := uc.Detect(context.Background(), "", payload)
	if err != nil {
		t.Fatalf("second Detect() error = %v", err)
	}
	if *first != *second {
		t.Fatalf("expected identical detections, got %+v and %+v", first, second)
	}
}

func TestDetectServesRepeatedPayloadFromCache(t *testing.T) {
	model := &stubModel{output: scoreOutput(0.3)}
	cache := newStubCache()
	repo := &stubRepository{}
	uc := NewDetectionUseCase(model, repo, cache, zap.NewNop(), WithCacheTTL(time.Minute))
	payload := testPayload(t)

	first, err := uc.Detect(context.Background(), "req-7", payload)
	if err != nil {
		t.Fatalf("first Detect() error = %v", err)
	}
	second, err := uc.Detect(context.Background(), "req-8", payload)
	if err != nil {
		t.Fatalf("second Detect() error = %v", err)
	}

	if *first != *second {
		t.Fatalf("cached detection differs: %+v vs %+v", first, second)
	}
	if model.calls != 1 {
		t.Fatalf("expected one model call, got %d", model.calls)
	}
	if len(cache.setKeys) != 1 || cache.setKeys[0] != cacheKey(payloadHash(payload)) {
		t.Fatalf("unexpected cache writes: %v", cache.setKeys)
	}
	if cache.setTTLs[0] != time.Minute {
		t.Fatalf("unexpected ttl: %s", cache.setTTLs[0])
	}
	if len(repo.savedLogs) != 2 || repo.savedLogs[0].Cached || !repo.savedLogs[1].Cached {
		t.Fatalf("unexpected logs: %+v", repo.savedLogs)
	}
}

func TestDetectIgnoresCacheFailures(t *testing.T) {
	model := &stubModel{output: scoreOutput(0.7)}
	cache := newStubCache()
	cache.getErr = errors.New("connection refused")
	cache.setErr = errors.New("connection refused")
	uc := newTestUseCase(model, nil, cache)

	detection, err := uc.Detect(context.Background(), "req-9", testPayload(t))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if detection.Status != StatusSpoof {
		t.Fatalf("unexpected detection: %+v", detection)
	}
	if model.calls != 1 {
		t.Fatalf("expected model to be called, got %d", model.calls)
	}
}

func TestDetectRecordsLog(t *testing.T) {
	repo := &stubRepository{saveErr: errors.New("db down")}
	uc := newTestUseCase(&stubModel{output: scoreOutput(0.1)}, repo, nil)
	fixed := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	uc.now = func() time.Time { return fixed }
	payload := testPayload(t)

	if _, err := uc.Detect(context.Background(), "req-10", payload); err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected one log, got %d", len(repo.savedLogs))
	}
	log := repo.savedLogs[0]
	if log.RequestID != "req-10" || log.Status != StatusReal || !log.IsReal || log.Error != "" {
		t.Fatalf("unexpected log: %+v", log)
	}
	if log.PayloadSHA1 != payloadHash(payload) || len(log.PayloadSHA1) != 40 {
		t.Fatalf("unexpected hash: %s", log.PayloadSHA1)
	}
	if !log.CreatedAt.Equal(fixed) {
		t.Fatalf("unexpected timestamp: %s", log.CreatedAt)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	uc := newTestUseCase(nil, nil, nil)
	if _, err := uc.GetMetricsSummary(context.Background()); !errors.Is(err, ErrMetricsUnavailable) {
		t.Fatalf("expected ErrMetricsUnavailable, got %v", err)
	}

	repo := &stubRepository{aggregation: &repository.MetricsAggregation{
		TotalCount:        10,
		RealCount:         6,
		SpoofCount:        2,
		FailedCount:       2,
		AverageConfidence: 0.4,
		AverageLatencyMs:  12.5,
	}}
	uc = newTestUseCase(nil, repo, nil)

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("GetMetricsSummary() error = %v", err)
	}
	if summary.TotalRequests != 10 || summary.FailedRequests != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.RealRate != 0.75 {
		t.Fatalf("unexpected real rate: %v", summary.RealRate)
	}

	repo.aggErr = errors.New("query failed")
	if _, err := uc.GetMetricsSummary(context.Background()); err == nil {
		t.Fatal("expected aggregation error")
	}
}

func TestRequestIDIsGeneratedWhenMissing(t *testing.T) {
	repo := &stubRepository{}
	uc := newTestUseCase(&stubModel{output: scoreOutput(0.2)}, repo, nil)

	if _, err := uc.Detect(context.Background(), "", testPayload(t)); err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(repo.savedLogs) != 1 || len(repo.savedLogs[0].RequestID) != 36 {
		t.Fatalf("expected generated uuid request id, got %+v", repo.savedLogs)
	}
}

func TestGetResult(t *testing.T) {
	uc := newTestUseCase(nil, nil, nil)
	if _, err := uc.GetResult(context.Background(), "req-1"); !errors.Is(err, ErrResultsUnavailable) {
		t.Fatalf("expected ErrResultsUnavailable, got %v", err)
	}

	repo := &stubRepository{}
	uc = newTestUseCase(&stubModel{output: scoreOutput(0.8)}, repo, nil)
	if _, err := uc.Detect(context.Background(), "frame", testPayload(t)); err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	log, err := uc.GetResult(context.Background(), "frame")
	if err != nil {
		t.Fatalf("GetResult() error = %v", err)
	}
	if log.Status != StatusSpoof || log.Confidence != float64(float32(0.8)) {
		t.Fatalf("unexpected log: %+v", log)
	}

	if _, err := uc.GetResult(context.Background(), "unknown"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound, got %v", err)
	}

	repo.findErr = errors.New("db down")
	if _, err := uc.GetResult(context.Background(), "frame"); err == nil || errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected repository error, got %v", err)
	}
}
