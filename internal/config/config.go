package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENV" default:"development"`

	// Database
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// Providers
	DetectorType string `envconfig:"DETECTOR_TYPE" default:"rekognition"`
	EncoderType  string `envconfig:"ENCODER_TYPE" default:"deepface"`
	DeepFaceURL  string `envconfig:"DEEPFACE_URL" default:"http://localhost:5005"`
	AWSRegion    string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Embedding store
	EmbeddingDim             int           `envconfig:"EMBEDDING_DIM" default:"128"`
	MaxEmbeddingsPerIdentity int           `envconfig:"MAX_EMBEDDINGS_PER_IDENTITY" default:"5"`
	PopulationCacheTTL       time.Duration `envconfig:"POPULATION_CACHE_TTL" default:"5m"`

	// Resolver tolerances
	ToleranceNormal      float64 `envconfig:"TOLERANCE_NORMAL" default:"0.6"`
	ToleranceAccessories float64 `envconfig:"TOLERANCE_ACCESSORIES" default:"0.65"`
	ToleranceSideProfile float64 `envconfig:"TOLERANCE_SIDE_PROFILE" default:"0.62"`
	LowQualityBonus      float64 `envconfig:"TOLERANCE_LOW_QUALITY_BONUS" default:"0.05"`
	MinMatchConfidence   float64 `envconfig:"MIN_MATCH_CONFIDENCE" default:"70"`
	EnrollTolerance      float64 `envconfig:"ENROLL_TOLERANCE" default:"0.5"`

	// Matching engine
	MatchThreshold float64 `envconfig:"MATCH_THRESHOLD" default:"0.6"`

	// Ingest
	PhotoDir       string        `envconfig:"PHOTO_DIR" default:"./photos"`
	ResultCacheTTL time.Duration `envconfig:"RESULT_CACHE_TTL" default:"24h"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects tolerance values outside (0,1] and nonsensical limits.
func (c *Config) Validate() error {
	for name, v := range map[string]float64{
		"TOLERANCE_NORMAL":       c.ToleranceNormal,
		"TOLERANCE_ACCESSORIES":  c.ToleranceAccessories,
		"TOLERANCE_SIDE_PROFILE": c.ToleranceSideProfile,
		"MATCH_THRESHOLD":        c.MatchThreshold,
		"ENROLL_TOLERANCE":       c.EnrollTolerance,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0,1], got %v", name, v)
		}
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim)
	}
	if c.MaxEmbeddingsPerIdentity <= 0 {
		return fmt.Errorf("MAX_EMBEDDINGS_PER_IDENTITY must be positive, got %d", c.MaxEmbeddingsPerIdentity)
	}
	if c.MinMatchConfidence < 0 || c.MinMatchConfidence > 100 {
		return fmt.Errorf("MIN_MATCH_CONFIDENCE must be in [0,100], got %v", c.MinMatchConfidence)
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
