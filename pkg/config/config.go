package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/stagecraft/trafficcore/pkg/types"
)

// Config is the full process configuration, read from the environment at
// startup. Interval fields are expressed in seconds on the wire to match the
// deployment contract and converted via the helper methods.
type Config struct {
	Port int `env:"PORT,default=5080"`

	PostOfficeURL     string `env:"POSTOFFICE_URL,default=postoffice:5020"`
	SecurityURL       string `env:"SECURITY_URL,default=securitymanager:5010"`
	MissionControlURL string `env:"MISSIONCONTROL_URL,default=missioncontrol:5030"`

	PrimaryWorkerURL      string `env:"PRIMARY_WORKER_URL,default=agentset:5100"`
	PrimaryWorkerCapacity int    `env:"PRIMARY_WORKER_CAPACITY,default=250"`

	WorkerRefreshIntervalSeconds int `env:"WORKER_REFRESH_INTERVAL_SECONDS,default=60"`
	ReaperIntervalSeconds        int `env:"REAPER_INTERVAL_SECONDS,default=60"`
	OrphanSweepIntervalSeconds   int `env:"ORPHAN_SWEEP_INTERVAL_SECONDS,default=300"`

	// Credentials for the outbound service token; the inbound bearer check
	// verifies against the same secret. Token issuance is external.
	ClientID     string `env:"CLIENT_ID,default=TrafficManager"`
	ClientSecret string `env:"CLIENT_SECRET,default="`

	LogLevel string `env:"LOG_LEVEL,default=info"`
	LogJSON  bool   `env:"LOG_JSON,default=true"`

	// Optional YAML file of workers to register before the first refresh.
	WorkerSeedFile string `env:"WORKER_SEED_FILE,default="`
}

// Load reads configuration from the environment and validates it
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the core cannot safely start with
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if err := types.ValidateWorkerURL(c.PrimaryWorkerURL); err != nil {
		return fmt.Errorf("invalid PRIMARY_WORKER_URL: %v", err)
	}
	if err := types.ValidateCapacity(c.PrimaryWorkerCapacity); err != nil {
		return fmt.Errorf("invalid PRIMARY_WORKER_CAPACITY: %v", err)
	}
	if c.WorkerRefreshIntervalSeconds < 1 || c.ReaperIntervalSeconds < 1 || c.OrphanSweepIntervalSeconds < 1 {
		return fmt.Errorf("intervals must be at least one second")
	}
	return nil
}

func (c *Config) WorkerRefreshInterval() time.Duration {
	return time.Duration(c.WorkerRefreshIntervalSeconds) * time.Second
}

func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSeconds) * time.Second
}

func (c *Config) OrphanSweepInterval() time.Duration {
	return time.Duration(c.OrphanSweepIntervalSeconds) * time.Second
}

// SeedWorker is one statically configured worker from the seed file
type SeedWorker struct {
	ID       string `yaml:"id"`
	URL      string `yaml:"url"`
	Capacity int    `yaml:"capacity"`
}

// SeedFile is the YAML shape of WORKER_SEED_FILE
type SeedFile struct {
	Workers  []SeedWorker `yaml:"workers"`
	Missions []string     `yaml:"missions,omitempty"`
}

// LoadSeedFile parses the optional worker seed file. A missing path (empty
// config value) returns an empty seed, not an error.
func LoadSeedFile(path string) (*SeedFile, error) {
	if path == "" {
		return &SeedFile{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %v", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %v", err)
	}

	for _, w := range seed.Workers {
		if w.ID == "" {
			return nil, fmt.Errorf("seed worker with empty id")
		}
		if err := types.ValidateWorkerURL(w.URL); err != nil {
			return nil, fmt.Errorf("seed worker %s: %v", w.ID, err)
		}
		if err := types.ValidateCapacity(w.Capacity); err != nil {
			return nil, fmt.Errorf("seed worker %s: %v", w.ID, err)
		}
	}
	for _, m := range seed.Missions {
		if err := types.ValidateMissionID(m); err != nil {
			return nil, fmt.Errorf("seed mission %q: %v", m, err)
		}
	}
	return &seed, nil
}
