package fieldlink

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		Path      string `yaml:"path"`
		Max       string `yaml:"max"`
		Namespace string `yaml:"namespace"`

		// compiled
		maxBytes int64
	} `yaml:"storage"`

	Probe struct {
		Path    string `yaml:"path"`
		Every   string `yaml:"every"`
		Timeout string `yaml:"timeout"`
		History int    `yaml:"history"`

		// Latency cutoffs for the quality tiers. Anything slower than
		// fair is poor; offline comes only from the platform signal.
		Excellent string `yaml:"excellent"`
		Good      string `yaml:"good"`
		Fair      string `yaml:"fair"`

		// compiled
		everyDur     time.Duration
		timeoutDur   time.Duration
		excellentDur time.Duration
		goodDur      time.Duration
		fairDur      time.Duration
	} `yaml:"probe"`

	Request struct {
		BaseTimeout string `yaml:"baseTimeout"`
		MaxTimeout  string `yaml:"maxTimeout"`
		BaseDelay   string `yaml:"baseDelay"`
		MaxDelay    string `yaml:"maxDelay"`
		MaxRetries  int    `yaml:"maxRetries"`
		Concurrency int    `yaml:"concurrency"`

		// compiled
		baseTimeoutDur time.Duration
		maxTimeoutDur  time.Duration
		baseDelayDur   time.Duration
		maxDelayDur    time.Duration
	} `yaml:"request"`

	Preload []PreloadRule `yaml:"preload"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		// compiled
		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

// PreloadRule names the resources to warm ahead of a given page type.
type PreloadRule struct {
	Page      string            `yaml:"page"`
	Resources []PreloadResource `yaml:"resources"`
}

type PreloadResource struct {
	Name       string `yaml:"name"`
	Path       string `yaml:"path"`
	CacheKey   string `yaml:"cacheKey"`
	Expiration string `yaml:"expiration"`

	// compiled
	expDur time.Duration
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns a ready-to-use config for the given origin.
func DefaultConfig(origin string) Config {
	var cfg Config
	cfg.Server.Origin = origin
	if err := cfg.compile(); err != nil {
		// defaults are all parseable; only a bad origin gets here
		panic(err)
	}
	return cfg
}

func (cfg *Config) compile() error {
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.Namespace == "" {
		cfg.Storage.Namespace = "fieldlink"
	}
	if cfg.Storage.Max != "" {
		n, err := parseBytes(cfg.Storage.Max)
		if err != nil {
			return fmt.Errorf("storage.max: %w", err)
		}
		cfg.Storage.maxBytes = n
	}

	var err error
	if cfg.Probe.Path == "" {
		cfg.Probe.Path = "/ping"
	}
	if cfg.Probe.History == 0 {
		cfg.Probe.History = 50
	}
	if cfg.Probe.everyDur, err = durOr(cfg.Probe.Every, 30*time.Second); err != nil {
		return fmt.Errorf("probe.every: %w", err)
	}
	if cfg.Probe.timeoutDur, err = durOr(cfg.Probe.Timeout, 5*time.Second); err != nil {
		return fmt.Errorf("probe.timeout: %w", err)
	}
	if cfg.Probe.excellentDur, err = durOr(cfg.Probe.Excellent, 100*time.Millisecond); err != nil {
		return fmt.Errorf("probe.excellent: %w", err)
	}
	if cfg.Probe.goodDur, err = durOr(cfg.Probe.Good, 300*time.Millisecond); err != nil {
		return fmt.Errorf("probe.good: %w", err)
	}
	if cfg.Probe.fairDur, err = durOr(cfg.Probe.Fair, 800*time.Millisecond); err != nil {
		return fmt.Errorf("probe.fair: %w", err)
	}
	if cfg.Probe.excellentDur >= cfg.Probe.goodDur || cfg.Probe.goodDur >= cfg.Probe.fairDur {
		return fmt.Errorf("probe cutoffs must be increasing: excellent < good < fair")
	}

	if cfg.Request.baseTimeoutDur, err = durOr(cfg.Request.BaseTimeout, 15*time.Second); err != nil {
		return fmt.Errorf("request.baseTimeout: %w", err)
	}
	if cfg.Request.maxTimeoutDur, err = durOr(cfg.Request.MaxTimeout, 45*time.Second); err != nil {
		return fmt.Errorf("request.maxTimeout: %w", err)
	}
	if cfg.Request.baseDelayDur, err = durOr(cfg.Request.BaseDelay, time.Second); err != nil {
		return fmt.Errorf("request.baseDelay: %w", err)
	}
	if cfg.Request.maxDelayDur, err = durOr(cfg.Request.MaxDelay, 10*time.Second); err != nil {
		return fmt.Errorf("request.maxDelay: %w", err)
	}
	if cfg.Request.MaxRetries == 0 {
		cfg.Request.MaxRetries = 3
	}
	if cfg.Request.MaxRetries < 0 {
		cfg.Request.MaxRetries = 0
	}
	if cfg.Request.Concurrency <= 0 {
		cfg.Request.Concurrency = 2
	}

	for i := range cfg.Preload {
		r := &cfg.Preload[i]
		if r.Page == "" {
			return fmt.Errorf("preload[%d].page is required", i)
		}
		for j := range r.Resources {
			res := &r.Resources[j]
			if res.Path == "" || !strings.HasPrefix(res.Path, "/") {
				return fmt.Errorf("preload[%d].resources[%d].path must start with /", i, j)
			}
			if res.CacheKey == "" {
				res.CacheKey = res.Name
			}
			if res.CacheKey == "" {
				return fmt.Errorf("preload[%d].resources[%d]: name or cacheKey required", i, j)
			}
			if res.expDur, err = durOr(res.Expiration, 5*time.Minute); err != nil {
				return fmt.Errorf("preload[%d].resources[%d].expiration: %w", i, j, err)
			}
		}
	}

	if cfg.Logging.LogStatsEvery != "" {
		if cfg.Logging.logStatsEveryDur, err = time.ParseDuration(cfg.Logging.LogStatsEvery); err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
	}

	return nil
}

func durOr(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
