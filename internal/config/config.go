package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr         string         `yaml:"addr"`
	APITimeout   time.Duration  `yaml:"timeout"`
	DatabasePath string         `yaml:"database_path"`
	Limits       LimitsConfig   `yaml:"limits"`
	Dispatch     DispatchConfig `yaml:"dispatch"`
	Gateway      GatewayConfig  `yaml:"push_gateway"`
}

type LimitsConfig struct {
	// MinResponseLatency flags (but does not reject) submissions faster
	// than this display-to-submit interval.
	MinResponseLatency time.Duration `yaml:"min_response_latency"`
	// AgentRatePerSec and AgentRateBurst bound request rates per agent id.
	AgentRatePerSec float64 `yaml:"agent_rate_per_sec"`
	AgentRateBurst  int     `yaml:"agent_rate_burst"`
}

type DispatchConfig struct {
	OverNotifyFactor int           `yaml:"over_notify_factor"`
	CatchupDelay     time.Duration `yaml:"catchup_delay"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	WorkerCount      int           `yaml:"worker_count"`
	MaxAttempts      int           `yaml:"max_attempts"`
}

type GatewayConfig struct {
	BaseURL                 string        `yaml:"base_url"`
	Timeout                 time.Duration `yaml:"timeout"`
	Retries                 int           `yaml:"retries"`
	Backoff                 time.Duration `yaml:"backoff"`
	CircuitFailureThreshold int           `yaml:"circuit_failure_threshold"`
	CircuitReset            time.Duration `yaml:"circuit_reset"`
}

func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Addr:         getEnv("AAH_ADDR", ":8080"),
		APITimeout:   15 * time.Second,
		DatabasePath: getEnv("AAH_DATABASE_PATH", "askhuman.db"),
		Limits: LimitsConfig{
			MinResponseLatency: 2 * time.Second,
			AgentRatePerSec:    5,
			AgentRateBurst:     10,
		},
		Dispatch: DispatchConfig{
			OverNotifyFactor: 3,
			CatchupDelay:     10 * time.Minute,
			SweepInterval:    15 * time.Minute,
			WorkerCount:      4,
			MaxAttempts:      3,
		},
		Gateway: GatewayConfig{
			BaseURL:                 getEnv("AAH_PUSH_GATEWAY_URL", "http://localhost:9100"),
			Timeout:                 10 * time.Second,
			Retries:                 3,
			Backoff:                 500 * time.Millisecond,
			CircuitFailureThreshold: 5,
			CircuitReset:            30 * time.Second,
		},
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		if err := dec.Decode(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}
