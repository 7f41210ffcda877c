// Package config loads and validates the connector's YAML configuration.
// Deployment-specific secrets come from the environment, not the file:
// peer secrets via BTP_PEER_<ID>_SECRET, the telemetry sink via
// DASHBOARD_TELEMETRY_URL, and the store via REDIS_ADDR.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	NodeID          string           `yaml:"node_id"`
	BTPServerPort   int              `yaml:"btp_server_port"`
	HealthCheckPort int              `yaml:"health_check_port"`
	LogLevel        string           `yaml:"log_level"`
	Peers           []PeerConfig     `yaml:"peers"`
	Routes          []RouteConfig    `yaml:"routes"`
	Settlement      SettlementConfig `yaml:"settlement"`
	Redis           RedisConfig      `yaml:"redis"`
	Forward         ForwardConfig    `yaml:"forward"`
	Transport       TransportConfig  `yaml:"transport"`
}

type PeerConfig struct {
	ID        string `yaml:"id"`
	URL       string `yaml:"url"`
	AuthToken string `yaml:"auth_token"`
}

type RouteConfig struct {
	Prefix   string `yaml:"prefix"`
	NextHop  string `yaml:"next_hop"`
	Priority int32  `yaml:"priority"`
}

type SettlementConfig struct {
	Enable              bool             `yaml:"enable"`
	ConnectorFeePct     float64          `yaml:"connector_fee_percentage"`
	Durable             bool             `yaml:"durable"`
	TokenID             string           `yaml:"token_id"`
	PollIntervalSeconds int              `yaml:"poll_interval_seconds"`
	CreditLimits        CreditLimits     `yaml:"credit_limits"`
	Thresholds          ThresholdsConfig `yaml:"thresholds"`
}

type CreditLimits struct {
	Default       uint64                `yaml:"default"`
	GlobalCeiling uint64                `yaml:"global_ceiling"`
	Peers         map[string]PeerLimits `yaml:"peers"`
}

type PeerLimits struct {
	Default uint64            `yaml:"default"`
	Tokens  map[string]uint64 `yaml:"tokens"`
}

type ThresholdsConfig struct {
	// Peers maps peer id -> token id -> settlement threshold.
	Peers map[string]map[string]uint64 `yaml:"peers"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ForwardConfig struct {
	MinExpiryWindowMs int `yaml:"min_expiry_window_ms"`
	MaxHops           int `yaml:"max_hops"`
}

type TransportConfig struct {
	PendingLimit         int `yaml:"pending_limit"`
	WriteQueue           int `yaml:"write_queue"`
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

// FeeBasisPoints converts the configured percentage into basis points,
// e.g. 0.1 (percent) -> 10.
func (s SettlementConfig) FeeBasisPoints() uint64 {
	if s.ConnectorFeePct <= 0 {
		return 0
	}
	return uint64(s.ConnectorFeePct*100 + 0.5)
}

// LoadConfig reads the YAML file at path and applies environment overrides
// and defaults. The result is validated.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) applyDefaults() {
	if c.BTPServerPort == 0 {
		c.BTPServerPort = 7768
	}
	if c.HealthCheckPort == 0 {
		c.HealthCheckPort = 7769
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Settlement.TokenID == "" {
		c.Settlement.TokenID = "default"
	}
	if c.Settlement.PollIntervalSeconds == 0 {
		c.Settlement.PollIntervalSeconds = 30
	}
	if c.Forward.MinExpiryWindowMs == 0 {
		c.Forward.MinExpiryWindowMs = 1000
	}
	if c.Forward.MaxHops == 0 {
		c.Forward.MaxHops = 30
	}
	if c.Transport.PendingLimit == 0 {
		c.Transport.PendingLimit = 10000
	}
	if c.Transport.WriteQueue == 0 {
		c.Transport.WriteQueue = 256
	}
	if c.Transport.ShutdownGraceSeconds == 0 {
		c.Transport.ShutdownGraceSeconds = 5
	}
}
