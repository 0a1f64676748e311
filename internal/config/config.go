package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	StrategyBasic    = "basic"
	StrategyImproved = "improved"
)

// DefaultClusteringIdentifiers is the identifier allow-list used to build
// match points. Changing it changes clustering outcomes for every bib.
const DefaultClusteringIdentifiers = "BLOCKING_TITLE,GOLDRUSH,ONLY-ISBN-13,ISBN,ISSN-N,ISSN,LCCN,OCOLC,OCLC,STRN"

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"8"`

	ClusteringStrategy        string  `envconfig:"CLUSTERING_STRATEGY" default:"improved"`
	ProcessingVersion         int     `envconfig:"PROCESSING_VERSION" default:"1"`
	ClusteringIdentifiers     string  `envconfig:"CLUSTERING_IDENTIFIERS" default:"BLOCKING_TITLE,GOLDRUSH,ONLY-ISBN-13,ISBN,ISSN-N,ISSN,LCCN,OCOLC,OCLC,STRN"`
	DeeperComparisonThreshold float64 `envconfig:"DEEPER_COMPARISON_THRESHOLD" default:"0.9"`
	ClusteringConcurrency     int     `envconfig:"CLUSTERING_CONCURRENCY" default:"4"`

	HousekeepingEnabled       bool          `envconfig:"HOUSEKEEPING_ENABLED" default:"true"`
	HousekeepingInterval      time.Duration `envconfig:"HOUSEKEEPING_INTERVAL" default:"1m"`
	HousekeepingBatchSize     int           `envconfig:"HOUSEKEEPING_BATCH_SIZE" default:"5000"`
	HousekeepingConcurrency   int           `envconfig:"HOUSEKEEPING_CONCURRENCY" default:"4"`
	HousekeepingRatePerSecond float64       `envconfig:"HOUSEKEEPING_RATE_PER_SECOND" default:"0"`
	HousekeepingLockName      string        `envconfig:"HOUSEKEEPING_LOCK_NAME" default:"cluster-housekeeping"`

	SearchIndexPath        string        `envconfig:"SEARCH_INDEX_PATH" default:"data/search"`
	SearchIndexOpenTimeout time.Duration `envconfig:"SEARCH_INDEX_OPEN_TIMEOUT" default:"5s"`

	// OpsTokenHash is the bcrypt hash of the operator token required by the
	// mutating ops endpoints. Empty leaves them open.
	OpsTokenHash string `envconfig:"OPS_TOKEN_HASH"`
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
	switch strings.ToLower(strings.TrimSpace(c.ClusteringStrategy)) {
	case StrategyBasic, StrategyImproved:
	default:
		return fmt.Errorf("CLUSTERING_STRATEGY must be %q or %q, got %q", StrategyBasic, StrategyImproved, c.ClusteringStrategy)
	}
	if c.ProcessingVersion < 0 {
		return fmt.Errorf("PROCESSING_VERSION must be >= 0")
	}
	if len(c.ClusteringIdentifierList()) == 0 {
		return fmt.Errorf("CLUSTERING_IDENTIFIERS must name at least one namespace")
	}
	if c.DeeperComparisonThreshold <= 0 || c.DeeperComparisonThreshold > 1 {
		return fmt.Errorf("DEEPER_COMPARISON_THRESHOLD must be in (0,1]")
	}
	if c.ClusteringConcurrency < 1 {
		return fmt.Errorf("CLUSTERING_CONCURRENCY must be >= 1")
	}
	if c.HousekeepingInterval <= 0 {
		return fmt.Errorf("HOUSEKEEPING_INTERVAL must be > 0")
	}
	if c.HousekeepingBatchSize < 1 {
		return fmt.Errorf("HOUSEKEEPING_BATCH_SIZE must be >= 1")
	}
	if c.HousekeepingConcurrency < 1 {
		return fmt.Errorf("HOUSEKEEPING_CONCURRENCY must be >= 1")
	}
	if c.HousekeepingRatePerSecond < 0 {
		return fmt.Errorf("HOUSEKEEPING_RATE_PER_SECOND must be >= 0")
	}
	if strings.TrimSpace(c.HousekeepingLockName) == "" {
		return fmt.Errorf("HOUSEKEEPING_LOCK_NAME is required")
	}
	if hash := strings.TrimSpace(c.OpsTokenHash); hash != "" && !strings.HasPrefix(hash, "$2") {
		return fmt.Errorf("OPS_TOKEN_HASH must be a bcrypt hash")
	}
	return nil
}

// Strategy returns the normalized clustering strategy name.
func (c *Config) Strategy() string {
	if c == nil {
		return StrategyImproved
	}
	return strings.ToLower(strings.TrimSpace(c.ClusteringStrategy))
}

// ClusteringIdentifierList splits CLUSTERING_IDENTIFIERS into upper-cased,
// de-duplicated namespaces.
func (c *Config) ClusteringIdentifierList() []string {
	if c == nil {
		return nil
	}

	parts := strings.Split(c.ClusteringIdentifiers, ",")
	namespaces := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		namespace := strings.ToUpper(strings.TrimSpace(part))
		if namespace == "" {
			continue
		}
		if _, exists := seen[namespace]; exists {
			continue
		}
		seen[namespace] = struct{}{}
		namespaces = append(namespaces, namespace)
	}
	return namespaces
}
