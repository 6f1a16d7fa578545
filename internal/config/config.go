// Package config handles loading and validating the vigil.toml configuration file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/samber/lo"

	"github.com/iyulab/system-vigil/internal/platform"
)

// Config is the top-level configuration.
type Config struct {
	Log         LogConfig         `toml:"log"`
	Broker      BrokerConfig      `toml:"broker"`
	Journal     JournalConfig     `toml:"journal"`
	Writer      WriterConfig      `toml:"writer"`
	Watchers    WatchersConfig    `toml:"watchers"`
	Correlation CorrelationConfig `toml:"correlation"`
	Dispatch    DispatchConfig    `toml:"dispatch"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or console
}

// BrokerConfig configures the event broker and its two sockets.
type BrokerConfig struct {
	// Socket is the Unix domain socket producers write to.
	Socket     string `toml:"socket"`
	SocketMode uint32 `toml:"socket_mode"`
	// Listen is the loopback host:port for the HTTP/WebSocket egress.
	Listen          string        `toml:"listen"`
	CacheCapacity   int           `toml:"cache_capacity"`
	QueueSize       int           `toml:"queue_size"`
	IngressTimeout  time.Duration `toml:"ingress_timeout"`
	MaxMessageBytes int           `toml:"max_message_bytes"`
	RatePerSecond   float64       `toml:"rate_per_second"`
	RateBurst       int           `toml:"rate_burst"`
}

// JournalConfig configures the durable per-event record.
type JournalConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
	// Ingress also records events the broker accepts on its socket.
	Ingress bool `toml:"ingress"`
}

// WriterConfig configures the event writer.
type WriterConfig struct {
	DeliveryTimeout time.Duration `toml:"delivery_timeout"`
}

// WatchersConfig groups the per-watcher sections.
type WatchersConfig struct {
	Filesystem FilesystemConfig `toml:"filesystem"`
	Process    ProcessConfig    `toml:"process"`
	Network    NetworkConfig    `toml:"network"`
}

// PollConfig is shared by every watcher.
type PollConfig struct {
	Enabled         bool          `toml:"enabled"`
	Interval        time.Duration `toml:"interval"`
	BackoffInterval time.Duration `toml:"backoff_interval"`
}

// FilesystemConfig configures the filesystem watcher.
type FilesystemConfig struct {
	PollConfig
	Paths                []string `toml:"paths"`
	Exclude              []string `toml:"exclude"`
	SensitivePaths       []string `toml:"sensitive_paths"`
	ExecutableExtensions []string `toml:"executable_extensions"`
	HashMaxBytes         int64    `toml:"hash_max_bytes"`
	BurstThreshold       int      `toml:"burst_threshold"`
	MassChangeThreshold  int      `toml:"mass_change_threshold"`
	MaxFilesListed       int      `toml:"max_files_listed"`
	MaxFiles             int      `toml:"max_files"`
	// Notify triggers an early poll on filesystem notifications.
	Notify bool `toml:"notify"`
}

// ProcessConfig configures the process watcher.
type ProcessConfig struct {
	PollConfig
	CPUThreshold       float64  `toml:"cpu_threshold"`
	SustainedPolls     int      `toml:"sustained_polls"`
	SuspiciousPatterns []string `toml:"suspicious_patterns"`
	UnusualParents     []string `toml:"unusual_parents"`
	Shells             []string `toml:"shells"`
}

// NetworkConfig configures the network watcher.
type NetworkConfig struct {
	PollConfig
	BlockedIPs        []string `toml:"blocked_ips"`
	BlockedPorts      []int    `toml:"blocked_ports"`
	BlocklistFile     string   `toml:"blocklist_file"`
	IgnoreListenPorts []int    `toml:"ignore_listen_ports"`
}

// CorrelationConfig configures the correlation engine.
type CorrelationConfig struct {
	Enabled bool `toml:"enabled"`
	// RulesDir holds additional .yml/.yaml rules.
	RulesDir       string `toml:"rules_dir"`
	DisableBuiltin bool   `toml:"disable_builtin"`
	// QueueSize is the engine's broker subscription queue. It defaults well
	// above broker.queue_size.
	QueueSize     int `toml:"queue_size"`
	DedupCapacity int `toml:"dedup_capacity"`
	// Remote is the egress address to subscribe to when running without a local broker.
	Remote string `toml:"remote"`
}

// DispatchConfig configures where incidents go.
type DispatchConfig struct {
	Log  bool       `toml:"log"`
	NATS NATSConfig `toml:"nats"`
}

// NATSConfig configures the NATS incident publisher.
type NATSConfig struct {
	URL           string        `toml:"url"`
	SubjectPrefix string        `toml:"subject_prefix"`
	Name          string        `toml:"name"`
	ReconnectWait time.Duration `toml:"reconnect_wait"`
	MaxReconnects int           `toml:"max_reconnects"`
}

// Default returns a Config populated with the defaults for the running OS.
func Default() *Config {
	d := platform.CurrentDefaults()
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Broker: BrokerConfig{
			Socket:          d.SocketPath,
			SocketMode:      0o600,
			Listen:          "127.0.0.1:9765",
			CacheCapacity:   1000,
			QueueSize:       256,
			IngressTimeout:  5 * time.Second,
			MaxMessageBytes: 64 * 1024,
			RatePerSecond:   200,
			RateBurst:       400,
		},
		Journal: JournalConfig{Enabled: true, Dir: d.JournalDir, Ingress: true},
		Writer:  WriterConfig{DeliveryTimeout: 500 * time.Millisecond},
		Watchers: WatchersConfig{
			Filesystem: FilesystemConfig{
				PollConfig:           PollConfig{Enabled: true, Interval: 5 * time.Second, BackoffInterval: time.Minute},
				Paths:                d.WatchPaths,
				Exclude:              []string{".git", "node_modules", ".DS_Store"},
				SensitivePaths:       d.SensitivePaths,
				ExecutableExtensions: d.ExecutableExtensions,
				HashMaxBytes:         1 << 20,
				BurstThreshold:       3,
				MassChangeThreshold:  50,
				MaxFilesListed:       50,
				MaxFiles:             200000,
				Notify:               true,
			},
			Process: ProcessConfig{
				PollConfig:         PollConfig{Enabled: true, Interval: 5 * time.Second, BackoffInterval: time.Minute},
				CPUThreshold:       90,
				SustainedPolls:     3,
				SuspiciousPatterns: d.SuspiciousPatterns,
				UnusualParents:     d.UnusualParents,
				Shells:             d.Shells,
			},
			Network: NetworkConfig{
				PollConfig:   PollConfig{Enabled: true, Interval: 10 * time.Second, BackoffInterval: time.Minute},
				BlockedPorts: []int{4444, 5555, 6667, 31337},
			},
		},
		Correlation: CorrelationConfig{
			Enabled:       true,
			QueueSize:     4096,
			DedupCapacity: 10000,
		},
		Dispatch: DispatchConfig{
			Log: true,
			NATS: NATSConfig{
				SubjectPrefix: "vigil.incidents",
				Name:          "vigil",
				ReconnectWait: 2 * time.Second,
				MaxReconnects: -1,
			},
		},
	}
}

// Load reads a vigil.toml file and returns a validated Config.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s\n  Create one with: cp vigil.example.toml vigil.toml", path)
		}
		return nil, &ConfigurationError{Component: "config", Err: fmt.Errorf("decode %s: %w", path, err)}
	}
	return finish(cfg)
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
	}
	return finish(Default())
}

func finish(cfg *Config) (*Config, error) {
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment variable overrides, also read from a .env file by the CLI.
const (
	EnvSocket     = "VIGIL_SOCKET"
	EnvListen     = "VIGIL_LISTEN"
	EnvJournalDir = "VIGIL_JOURNAL_DIR"
	EnvNATSURL    = "VIGIL_NATS_URL"
	EnvLogLevel   = "VIGIL_LOG_LEVEL"
)

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvSocket); v != "" {
		c.Broker.Socket = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		c.Broker.Listen = v
	}
	if v := os.Getenv(EnvJournalDir); v != "" {
		c.Journal.Dir = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.Dispatch.NATS.URL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// validate normalises paths and rejects values no component can run with.
// Watcher-specific content (patterns, block lists) is checked when each
// watcher is built, so a bad entry there disables only that watcher.
func (c *Config) validate() error {
	var errs []error
	bad := func(component, format string, args ...any) {
		errs = append(errs, &ConfigurationError{Component: component, Err: fmt.Errorf(format, args...)})
	}

	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Log.Format != "json" && c.Log.Format != "console" {
		bad("log", "format must be json or console, got %q", c.Log.Format)
	}

	c.Broker.Socket = platform.ExpandHome(c.Broker.Socket)
	if c.Broker.Socket == "" {
		bad("broker", "socket is required")
	}
	if host, _, err := net.SplitHostPort(c.Broker.Listen); err != nil {
		bad("broker", "listen %q: %v", c.Broker.Listen, err)
	} else if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		bad("broker", "listen %q must be a loopback address", c.Broker.Listen)
	}
	if c.Broker.CacheCapacity <= 0 {
		bad("broker", "cache_capacity must be positive")
	}
	if c.Broker.QueueSize <= 0 {
		bad("broker", "queue_size must be positive")
	}

	c.Journal.Dir = platform.ExpandHome(c.Journal.Dir)
	if c.Journal.Enabled && c.Journal.Dir == "" {
		bad("journal", "dir is required when the journal is enabled")
	}

	if c.Writer.DeliveryTimeout <= 0 {
		bad("writer", "delivery_timeout must be positive")
	}

	for name, p := range map[string]PollConfig{
		"watchers.filesystem": c.Watchers.Filesystem.PollConfig,
		"watchers.process":    c.Watchers.Process.PollConfig,
		"watchers.network":    c.Watchers.Network.PollConfig,
	} {
		if !p.Enabled {
			continue
		}
		if p.Interval <= 0 {
			bad(name, "interval must be positive")
		}
		if p.BackoffInterval < p.Interval {
			bad(name, "backoff_interval must not be shorter than interval")
		}
	}

	fsw := &c.Watchers.Filesystem
	fsw.Paths = lo.Uniq(lo.Map(fsw.Paths, func(p string, _ int) string { return platform.ExpandHome(p) }))
	fsw.SensitivePaths = lo.Uniq(lo.Map(fsw.SensitivePaths, func(p string, _ int) string { return platform.ExpandHome(p) }))
	if fsw.BurstThreshold < 1 {
		bad("watchers.filesystem", "burst_threshold must be at least 1")
	}
	if fsw.MassChangeThreshold <= fsw.BurstThreshold {
		bad("watchers.filesystem", "mass_change_threshold must exceed burst_threshold")
	}

	if c.Correlation.QueueSize <= 0 {
		c.Correlation.QueueSize = c.Broker.QueueSize
	}
	if c.Correlation.DedupCapacity <= 0 {
		bad("correlation", "dedup_capacity must be positive")
	}
	c.Correlation.RulesDir = platform.ExpandHome(c.Correlation.RulesDir)

	if c.Dispatch.NATS.URL != "" && c.Dispatch.NATS.SubjectPrefix == "" {
		bad("dispatch.nats", "subject_prefix is required when url is set")
	}

	return errors.Join(errs...)
}
