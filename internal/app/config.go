package app

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/yungbote/contentforge-backend/internal/data/db"
	"github.com/yungbote/contentforge-backend/internal/jobs/pipeline/video_analysis"
	"github.com/yungbote/contentforge-backend/internal/jobs/pipeline/video_generation"
	"github.com/yungbote/contentforge-backend/internal/jobs/worker"
	"github.com/yungbote/contentforge-backend/internal/observability"
	"github.com/yungbote/contentforge-backend/internal/platform/gcp"
	"github.com/yungbote/contentforge-backend/internal/platform/localmedia"
	"github.com/yungbote/contentforge-backend/internal/platform/openai"
	"github.com/yungbote/contentforge-backend/internal/platform/slides"
	"github.com/yungbote/contentforge-backend/internal/platform/webpage"
	"github.com/yungbote/contentforge-backend/internal/quality"
	"github.com/yungbote/contentforge-backend/internal/retrieval"
)

// Config is read once from the environment. Nested structs keep the variable names their
// own packages declare.
type Config struct {
	LogMode     string   `envconfig:"LOG_MODE" default:"development"`
	HTTPAddr    string   `envconfig:"HTTP_ADDR" default:":8080"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS"`

	DB          db.Config
	AutoMigrate bool `envconfig:"DB_AUTO_MIGRATE" default:"true"`
	Redis       RedisConfig

	// RunWorkers also drives jobs inside the serve process; split deployments turn it off
	// and run the worker command separately.
	RunWorkers bool `envconfig:"RUN_WORKERS" default:"true"`

	Worker          worker.Config
	OpenAI          openai.Config
	Quality         quality.Config
	Retrieval       retrieval.Config
	Media           localmedia.Config
	Webpage         webpage.Config
	Search          gcp.SearchConfig
	Slides          slides.Config
	Speech          SpeechConfig
	Storage         StorageConfig
	VideoAnalysis   video_analysis.Options
	VideoGeneration video_generation.Options

	SSEErrorWindow time.Duration `envconfig:"SSE_ERROR_WINDOW" default:"10s"`

	Otel    observability.OtelConfig
	Metrics observability.MetricsConfig
}

type RedisConfig struct {
	Addr     string        `envconfig:"REDIS_ADDR"`
	Password string        `envconfig:"REDIS_PASSWORD"`
	DB       int           `envconfig:"REDIS_DB" default:"0"`
	Channel  string        `envconfig:"REDIS_CHANNEL" default:"jobs"`
	LockTTL  time.Duration `envconfig:"JOB_LOCK_TTL" default:"2m"`
}

type SpeechConfig struct {
	Enabled bool `envconfig:"SPEECH_ENABLED" default:"false"`
}

type StorageConfig struct {
	Enabled bool `envconfig:"STORAGE_ENABLED" default:"false"`
	gcp.StorageConfig
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
