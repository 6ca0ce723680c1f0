// Package config loads the gateway's YAML configuration, applying
// environment-variable overrides on top of on-disk defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

// Config is the root configuration for a fixgatewayd process. Struct
// tags carry both the primary YAML keys and the equivalent TOML keys
// fixctl config validate accepts for the same file (SPEC_FULL §3).
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Session SessionConfig `yaml:"session" toml:"session"`
	Cluster ClusterConfig `yaml:"cluster" toml:"cluster"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
}

// ServerConfig controls the admin/metrics HTTP surface.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`
}

// SessionConfig holds defaults applied to every FIX session unless a
// session's own handshake overrides them (e.g. a negotiated heartbeat
// interval).
type SessionConfig struct {
	BeginString               string `yaml:"begin_string" toml:"begin_string"`
	HeartbeatIntervalSeconds  int    `yaml:"heartbeat_interval_seconds" toml:"heartbeat_interval_seconds"`
	SendingTimeWindowMs       int    `yaml:"sending_time_window_ms" toml:"sending_time_window_ms"`
	LogInboundMessages        bool   `yaml:"log_inbound_messages" toml:"log_inbound_messages"`
	LogOutboundMessages       bool   `yaml:"log_outbound_messages" toml:"log_outbound_messages"`
	InboundMaxClaimAttempts   int    `yaml:"inbound_max_claim_attempts" toml:"inbound_max_claim_attempts"`
	OutboundMaxClaimAttempts  int    `yaml:"outbound_max_claim_attempts" toml:"outbound_max_claim_attempts"`
	LoggerCacheNumSets        int    `yaml:"logger_cache_num_sets" toml:"logger_cache_num_sets"`
	LoggerCacheSetSize        int    `yaml:"logger_cache_set_size" toml:"logger_cache_set_size"`
	SessionRegistryPath       string `yaml:"session_registry_path" toml:"session_registry_path"`
	ResendChunkSize           int    `yaml:"resend_chunk_size" toml:"resend_chunk_size"`

	// RegistryBackend selects the SessionIds store: "file" (default,
	// internal/sessionid.FileStore) or "redis" (internal/sessionid.RedisStore,
	// shared across every gateway process in a clustered deployment).
	RegistryBackend string `yaml:"registry_backend" toml:"registry_backend"`
	RedisAddr       string `yaml:"redis_addr" toml:"redis_addr"`
}

// ClusterConfig controls the Raft replication layer.
type ClusterConfig struct {
	Enabled               bool     `yaml:"enabled" toml:"enabled"`
	NodeID                int      `yaml:"node_id" toml:"node_id"`
	PeerIDs               []int    `yaml:"peer_ids" toml:"peer_ids"`
	Channel               string   `yaml:"cluster_aeron_channel" toml:"cluster_aeron_channel"`
	ElectionTimeoutMsMin  int      `yaml:"election_timeout_ms_min" toml:"election_timeout_ms_min"`
	ElectionTimeoutMsMax  int      `yaml:"election_timeout_ms_max" toml:"election_timeout_ms_max"`
	HeartbeatIntervalMs   int      `yaml:"heartbeat_interval_ms" toml:"heartbeat_interval_ms"`
	PeerAddrs             []string `yaml:"peer_addrs" toml:"peer_addrs"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "json" or "text"
}

// MetricsConfig controls Prometheus registration.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" toml:"namespace"`
}

// Default returns the built-in defaults, matching spec.md §6.
func Default() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":8080"},
		Session: SessionConfig{
			BeginString:              "FIX.4.4",
			HeartbeatIntervalSeconds: 30,
			SendingTimeWindowMs:      120000,
			LogInboundMessages:       true,
			LogOutboundMessages:      true,
			InboundMaxClaimAttempts:  3,
			OutboundMaxClaimAttempts: 3,
			LoggerCacheNumSets:       64,
			LoggerCacheSetSize:       16,
			SessionRegistryPath:      "session-ids.dat",
			ResendChunkSize:          256,
			RegistryBackend:          "file",
		},
		Cluster: ClusterConfig{
			Enabled:              false,
			NodeID:                1,
			PeerIDs:               nil,
			ElectionTimeoutMsMin:  150,
			ElectionTimeoutMsMax:  300,
			HeartbeatIntervalMs:   50,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Namespace: "fixgateway"},
	}
}

// Load reads a YAML config file, falling back to defaults for any
// fields it omits, then applies environment-variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTOML reads a TOML config file, the alternate format
// fixctl config validate accepts alongside the primary YAML format.
// It applies the same environment-variable overrides and validation
// as Load.
func LoadTOML(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides mirrors the teacher's env-over-file-over-default
// precedence: a handful of high-value knobs can be set via FIXGW_*
// without touching the YAML file, which matters most for cluster node
// identity in container deployments.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FIXGW_SERVER_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("FIXGW_CLUSTER_NODE_ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cluster.NodeID = n
		}
	}
	if v := os.Getenv("FIXGW_CLUSTER_PEER_IDS"); v != "" {
		cfg.Cluster.PeerIDs = parseIntList(v)
	}
	if v := os.Getenv("FIXGW_CLUSTER_ENABLED"); v != "" {
		cfg.Cluster.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("FIXGW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func parseIntList(v string) []int {
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if n, err := strconv.Atoi(p); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// Validate checks the enumerated invariants from spec.md §6.
func (c *Config) Validate() error {
	if c.Session.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("session.heartbeat_interval_seconds must be positive")
	}
	if c.Session.SendingTimeWindowMs <= 0 {
		return fmt.Errorf("session.sending_time_window_ms must be positive")
	}
	switch c.Session.RegistryBackend {
	case "file":
	case "redis":
		if c.Session.RedisAddr == "" {
			return fmt.Errorf("session.redis_addr is required when registry_backend is \"redis\"")
		}
	default:
		return fmt.Errorf("session.registry_backend must be \"file\" or \"redis\", got %q", c.Session.RegistryBackend)
	}
	if c.Cluster.Enabled {
		if !c.Session.LogInboundMessages || !c.Session.LogOutboundMessages {
			return fmt.Errorf("clustered deployments must log both inbound and outbound messages")
		}
		if c.Cluster.ElectionTimeoutMsMin <= 0 || c.Cluster.ElectionTimeoutMsMax <= c.Cluster.ElectionTimeoutMsMin {
			return fmt.Errorf("cluster election timeout bounds are invalid")
		}
	}
	return nil
}

// HeartbeatInterval is a convenience accessor matching the duration
// type callers need.
func (c SessionConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// SendingTimeWindow is a convenience accessor matching the duration
// type callers need.
func (c SessionConfig) SendingTimeWindow() time.Duration {
	return time.Duration(c.SendingTimeWindowMs) * time.Millisecond
}
