package handlers

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/spoof-detector/internal/usecase"
)

// RouterOptions toggles the optional parts of the HTTP stack.
type RouterOptions struct {
	AllowOrigins []string
	Gzip         bool
}

// NewRouter builds the Gin engine with middleware and routes installed.
func NewRouter(uc *usecase.DetectionUseCase, logger *zap.Logger, opts RouterOptions) *gin.Engine {
	router := gin.New()
	_ = router.SetTrustedProxies(nil)

	router.Use(
		RequestID(),
		AccessLog(logger),
		Recovery(logger),
		CORS(opts.AllowOrigins),
	)
	if opts.Gzip {
		router.Use(gzip.Gzip(gzip.DefaultCompression))
	}

	RegisterRoutes(router, uc, logger)
	return router
}
