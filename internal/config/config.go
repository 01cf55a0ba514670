package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"8"`

	LookbackDays      int    `envconfig:"LOOKBACK_DAYS" default:"30"`
	ScoringConfigFile string `envconfig:"SCORING_CONFIG_FILE" default:""`

	ArbitrationEndpoint    string        `envconfig:"ARBITRATION_ENDPOINT" default:""`
	ArbitrationModel       string        `envconfig:"ARBITRATION_MODEL" default:"gpt-4o-mini"`
	ArbitrationAPIKey      string        `envconfig:"ARBITRATION_API_KEY" default:""`
	ArbitrationTimeout     time.Duration `envconfig:"ARBITRATION_TIMEOUT" default:"30s"`
	ArbitrationMaxAttempts int           `envconfig:"ARBITRATION_MAX_ATTEMPTS" default:"2"`

	PipelineConcurrency int `envconfig:"PIPELINE_CONCURRENCY" default:"1"`

	MongoURI        string `envconfig:"MONGO_URI" default:""`
	MongoDatabase   string `envconfig:"MONGO_DATABASE" default:"netsecops"`
	MongoCollection string `envconfig:"MONGO_COLLECTION" default:"articles"`

	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.LookbackDays < 1 {
		return fmt.Errorf("LOOKBACK_DAYS must be >= 1")
	}
	if c.ArbitrationTimeout <= 0 {
		return fmt.Errorf("ARBITRATION_TIMEOUT must be > 0")
	}
	if c.ArbitrationMaxAttempts < 1 {
		return fmt.Errorf("ARBITRATION_MAX_ATTEMPTS must be >= 1")
	}
	if c.PipelineConcurrency < 1 {
		return fmt.Errorf("PIPELINE_CONCURRENCY must be >= 1")
	}
	if strings.TrimSpace(c.MongoURI) != "" {
		if strings.TrimSpace(c.MongoDatabase) == "" {
			return fmt.Errorf("MONGO_DATABASE is required when MONGO_URI is set")
		}
		if strings.TrimSpace(c.MongoCollection) == "" {
			return fmt.Errorf("MONGO_COLLECTION is required when MONGO_URI is set")
		}
	}
	return nil
}

// ArbitrationEnabled reports whether borderline cases go to a remote arbiter.
func (c *Config) ArbitrationEnabled() bool {
	return c != nil && strings.TrimSpace(c.ArbitrationEndpoint) != ""
}

func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}

	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if _, exists := seen[origin]; exists {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	return origins
}
