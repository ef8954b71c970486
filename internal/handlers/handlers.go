package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/spoof-detector/internal/imageprocessor"
	"github.com/example/spoof-detector/internal/logging"
	"github.com/example/spoof-detector/internal/usecase"
)

// MaxBodySize caps the /detect/ request body.
const MaxBodySize = 10 << 20

const (
	msgNoImage             = "No image data provided"
	msgInvalidJSON         = "Invalid JSON data"
	msgInternal            = "Internal server error"
	msgBodyTooLarge        = "Request body too large"
	msgModelNotLoaded      = "Model not loaded"
	msgPreprocessingFailed = "Image preprocessing failed"
	msgInvalidOutput       = "Invalid prediction output format"
	msgPredictionFailed    = "Prediction failed"
)

// HealthResponse is the /health/ body.
type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.DetectionUseCase, logger *zap.Logger) {
	router.HandleMethodNotAllowed = true
	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	})

	router.POST("/detect/", detect(uc, logger.Named("handlers")))
	router.GET("/health/", health(uc))
	router.GET("/metrics/summary", metricsSummary(uc, logger.Named("handlers")))
	router.GET("/result/:id", result(uc, logger.Named("handlers")))
}

func detect(uc *usecase.DetectionUseCase, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := RequestIDFrom(c)
		opLogger := logging.WithOperation(logger, "handlers.detect", requestID)

		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodySize))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": msgBodyTooLarge})
				return
			}
			opLogger.Error("failed to read request body", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
			return
		}

		var data any
		if err := json.Unmarshal(body, &data); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidJSON})
			return
		}

		fields, ok := data.(map[string]any)
		if !ok {
			opLogger.Error("request body is not a JSON object", zap.String("type", fmt.Sprintf("%T", data)))
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
			return
		}

		image := fields["image"]
		if isFalsy(image) {
			c.JSON(http.StatusBadRequest, gin.H{"error": msgNoImage})
			return
		}

		var detection *usecase.Detection
		if payload, ok := image.(string); ok {
			detection, err = uc.Detect(c.Request.Context(), requestID, payload)
		} else {
			err = nonStringImageError(uc, image)
		}

		// Pipeline failures keep a 200 status with an error body.
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"error": PipelineMessage(err)})
			return
		}
		c.JSON(http.StatusOK, detection)
	}
}

func health(uc *usecase.DetectionUseCase) gin.HandlerFunc {
	return func(c *gin.Context) {
		loaded := uc.ModelLoaded()
		status := "unhealthy"
		if loaded {
			status = "healthy"
		}
		c.JSON(http.StatusOK, HealthResponse{Status: status, ModelLoaded: loaded})
	}
}

func metricsSummary(uc *usecase.DetectionUseCase, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if errors.Is(err, usecase.ErrMetricsUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics unavailable"})
			return
		}
		if err != nil {
			logging.WithOperation(logger, "handlers.metrics_summary", RequestIDFrom(c)).Error("failed to aggregate metrics", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func result(uc *usecase.DetectionUseCase, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.Param("id"))
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		log, err := uc.GetResult(c.Request.Context(), requestID)
		switch {
		case errors.Is(err, usecase.ErrResultsUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "results unavailable"})
			return
		case errors.Is(err, usecase.ErrResultNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		case err != nil:
			logging.WithOperation(logger, "handlers.result", requestID).Error("failed to load result", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id": log.RequestID,
			"is_real":    log.IsReal,
			"confidence": log.Confidence,
			"status":     log.Status,
			"error":      log.Error,
			"cached":     log.Cached,
			"latency_ms": log.LatencyMs,
			"created_at": log.CreatedAt,
		})
	}
}

// nonStringImageError reproduces what the pipeline reports for an image field
// that is present but not a string: the model check still comes first.
func nonStringImageError(uc *usecase.DetectionUseCase, image any) error {
	if !uc.ModelLoaded() {
		return usecase.ErrModelUnavailable
	}
	return &imageprocessor.PreprocessError{
		Stage: imageprocessor.StagePayload,
		Err:   fmt.Errorf("%w: image is %T, not a string", imageprocessor.ErrMalformedPayload, image),
	}
}

// PipelineMessage maps a detection failure to the client-facing error text.
func PipelineMessage(err error) string {
	var preErr *imageprocessor.PreprocessError
	switch {
	case errors.Is(err, usecase.ErrModelUnavailable):
		return msgModelNotLoaded
	case errors.As(err, &preErr):
		return msgPreprocessingFailed
	case errors.Is(err, usecase.ErrInvalidOutputShape):
		return msgInvalidOutput
	case errors.Is(err, usecase.ErrInference):
		return msgPredictionFailed + ": " + strings.TrimPrefix(err.Error(), usecase.ErrInference.Error()+": ")
	default:
		return msgPredictionFailed + ": " + err.Error()
	}
}

// isFalsy treats JSON null, false, 0, "" and empty arrays or objects as absent.
func isFalsy(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case bool:
		return !v
	case float64:
		return v == 0
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}
