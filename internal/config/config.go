package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the RCA pipeline coordinator,
// the offline trainer, and the replay harness.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Stores   StoresConfig   `yaml:"stores"`
	Cache    CacheConfig    `yaml:"cache"`
	Broker   BrokerConfig   `yaml:"broker"`
	Logging  LoggingConfig  `yaml:"logging"`
	Detector DetectorConfig `yaml:"detector"`
	Grouper  GrouperConfig  `yaml:"grouper"`
	Candidates CandidateConfig `yaml:"candidates"`
	Ranker   RankerConfig   `yaml:"ranker"`
}

// ServerConfig controls the operational (metrics/health) listener.
type ServerConfig struct {
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	RCADrainTimeout time.Duration `yaml:"rcaDrainTimeout"`
}

// StoresConfig configures the metric/log store and the transactional store.
type StoresConfig struct {
	MetricStorePath        string `yaml:"metricStorePath"`
	TransactionalStorePath string `yaml:"transactionalStorePath"`
	MaxOpenConns           int    `yaml:"maxOpenConns"`
	MaxIdleConns           int    `yaml:"maxIdleConns"`
}

// CacheConfig controls the Valkey-backed activity log / uniqueness fence.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	ActivityTTL  time.Duration `yaml:"activityTTL"`
}

// BrokerConfig controls the in-process topic broker.
type BrokerConfig struct {
	TopicBufferSize int `yaml:"topicBufferSize"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DetectorConfig controls the baseline/anomaly detector.
type DetectorConfig struct {
	ZThreshold        float64       `yaml:"zThreshold"`
	MinPoints         int           `yaml:"minPoints"`
	WindowMinutes     int           `yaml:"windowMinutes"`
	RequiredAnomalies int           `yaml:"requiredAnomalies"`
	LookbackDays      int           `yaml:"lookbackDays"`
	DedupWindow       time.Duration `yaml:"dedupWindow"`
	PolicyPath        string        `yaml:"policyPath"`
}

// GrouperConfig controls incident grouping.
type GrouperConfig struct {
	GapMinutes int `yaml:"gapMinutes"`
}

// CandidateConfig controls candidate-change enumeration.
type CandidateConfig struct {
	LookbackHours   int `yaml:"lookbackHours"`
	LookforwardHours int `yaml:"lookforwardHours"`
}

// RankerConfig controls ranking and the model artifact.
type RankerConfig struct {
	ModelPath string `yaml:"modelPath"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("RCA_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
			RCADrainTimeout: 30 * time.Second,
		},
		Stores: StoresConfig{
			MetricStorePath:        "data/metrics.sqlite",
			TransactionalStorePath: "data/transactional.sqlite",
			MaxOpenConns:           10,
			MaxIdleConns:           2,
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			ActivityTTL:  time.Hour,
		},
		Broker: BrokerConfig{TopicBufferSize: 256},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Detector: DetectorConfig{
			ZThreshold:        3.0,
			MinPoints:         10,
			WindowMinutes:     5,
			RequiredAnomalies: 3,
			LookbackDays:      7,
			DedupWindow:       60 * time.Second,
			PolicyPath:        "configs/detector/bad_directions.yaml",
		},
		Grouper: GrouperConfig{GapMinutes: 10},
		Candidates: CandidateConfig{
			LookbackHours:    2,
			LookforwardHours: 0,
		},
		Ranker: RankerConfig{ModelPath: "models/ranker.json"},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RCA_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("RCA_GRACEFUL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.GracefulTimeout = d
		}
	}
	if v := os.Getenv("RCA_METRIC_STORE_PATH"); v != "" {
		cfg.Stores.MetricStorePath = v
	}
	if v := os.Getenv("RCA_TRANSACTIONAL_STORE_PATH"); v != "" {
		cfg.Stores.TransactionalStorePath = v
	}
	if v := os.Getenv("RCA_STORE_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stores.MaxOpenConns = n
		}
	}
	if v := os.Getenv("RCA_STORE_MAX_IDLE_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stores.MaxIdleConns = n
		}
	}
	if v := os.Getenv("RCA_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("RCA_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("RCA_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("RCA_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("RCA_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("RCA_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("RCA_CACHE_ACTIVITY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.ActivityTTL = d
		}
	}
	if v := os.Getenv("RCA_BROKER_TOPIC_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Broker.TopicBufferSize = n
		}
	}
	if v := os.Getenv("RCA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RCA_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("RCA_DETECTOR_Z_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detector.ZThreshold = f
		}
	}
	if v := os.Getenv("RCA_DETECTOR_MIN_POINTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detector.MinPoints = n
		}
	}
	if v := os.Getenv("RCA_DETECTOR_WINDOW_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detector.WindowMinutes = n
		}
	}
	if v := os.Getenv("RCA_DETECTOR_REQUIRED_ANOMALIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detector.RequiredAnomalies = n
		}
	}
	if v := os.Getenv("RCA_DETECTOR_LOOKBACK_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detector.LookbackDays = n
		}
	}
	if v := os.Getenv("RCA_DETECTOR_POLICY"); v != "" {
		cfg.Detector.PolicyPath = v
	}
	if v := os.Getenv("RCA_GROUPER_GAP_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Grouper.GapMinutes = n
		}
	}
	if v := os.Getenv("RCA_CANDIDATES_LOOKBACK_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Candidates.LookbackHours = n
		}
	}
	if v := os.Getenv("RCA_CANDIDATES_LOOKFORWARD_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Candidates.LookforwardHours = n
		}
	}
	if v := os.Getenv("RCA_MODEL_PATH"); v != "" {
		cfg.Ranker.ModelPath = v
	}
}
