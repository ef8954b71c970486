package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultModelPath is where the exported classifier lives relative to the
// working directory.
const DefaultModelPath = "ml_models/model.onnx"

// Config holds every runtime setting of the service. Values come from the
// environment; see Load.
type Config struct {
	HTTPAddr        string
	GRPCAddr        string
	LogLevel        string
	GinMode         string
	ShutdownTimeout time.Duration

	ModelPath       string
	ONNXRuntimeLib  string
	ModelInputName  string
	ModelOutputName string

	DatabaseDriver string
	DatabaseDSN    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	CORSAllowOrigins []string
	GzipEnabled      bool
}

// Load reads the configuration from the process environment.
func Load() Config {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through lookup, which returns "" for
// unset keys.
func LoadFrom(lookup func(string) string) Config {
	env := envReader{lookup: lookup}
	return Config{
		HTTPAddr:        env.str("HTTP_ADDR", ":8000"),
		GRPCAddr:        env.str("GRPC_ADDR", ":50051"),
		LogLevel:        env.str("LOG_LEVEL", "info"),
		GinMode:         env.str("GIN_MODE", ""),
		ShutdownTimeout: env.duration("SHUTDOWN_TIMEOUT", 15*time.Second),

		ModelPath:       env.str("MODEL_PATH", DefaultModelPath),
		ONNXRuntimeLib:  env.str("ONNXRUNTIME_LIB", ""),
		ModelInputName:  env.str("MODEL_INPUT_NAME", ""),
		ModelOutputName: env.str("MODEL_OUTPUT_NAME", ""),

		DatabaseDriver: strings.ToLower(env.str("DATABASE_DRIVER", "postgres")),
		DatabaseDSN:    env.str("DATABASE_DSN", ""),

		RedisAddr:     env.str("REDIS_ADDR", ""),
		RedisPassword: env.str("REDIS_PASSWORD", ""),
		RedisDB:       env.integer("REDIS_DB", 0),
		CacheTTL:      env.duration("CACHE_TTL", 5*time.Minute),

		CORSAllowOrigins: env.list("CORS_ALLOW_ORIGINS", []string{"*"}),
		GzipEnabled:      env.boolean("GZIP_ENABLED", false),
	}
}

// DetectionLogEnabled reports whether detections should be written to SQL.
func (c Config) DetectionLogEnabled() bool {
	return c.DatabaseDSN != ""
}

// CacheEnabled reports whether results should be cached in Redis.
func (c Config) CacheEnabled() bool {
	return c.RedisAddr != ""
}

type envReader struct {
	lookup func(string) string
}

func (e envReader) str(key, fallback string) string {
	if value := strings.TrimSpace(e.lookup(key)); value != "" {
		return value
	}
	return fallback
}

func (e envReader) boolean(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(e.lookup(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func (e envReader) integer(key string, fallback int) int {
	value := strings.TrimSpace(e.lookup(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func (e envReader) duration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(e.lookup(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func (e envReader) list(key string, fallback []string) []string {
	value := strings.TrimSpace(e.lookup(key))
	if value == "" {
		return fallback
	}
	var items []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}
