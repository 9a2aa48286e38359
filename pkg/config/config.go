package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults when a field was not set by any source.
const (
	DefaultAckTimeout         = 1 * time.Second
	DefaultRingTimeout        = 30 * time.Second
	DefaultFlushRetryInterval = 2 * time.Second
	DefaultQueueCapacity      = 64 * 1024
	DefaultMaxContentBytes    = 64 * 1024
)

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// ParseCommandFlags parses command-line flags and records which were
// explicitly provided.
func ParseCommandFlags() Flags {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.voxsynq", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: set}
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyEnv overlays VOXSYNQ_* environment variables onto cfg and reports
// whether any were used.
func ApplyEnv(cfg *Config) bool {
	used := false
	if v := os.Getenv("VOXSYNQ_ADDR"); v != "" {
		used = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	}
	if v := os.Getenv("VOXSYNQ_DB_PATH"); v != "" {
		used = true
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("VOXSYNQ_ACK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			used = true
			cfg.Chat.AckTimeout = Duration(d)
		}
	}
	if v := os.Getenv("VOXSYNQ_RING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			used = true
			cfg.Call.RingTimeout = Duration(d)
		}
	}
	if v := os.Getenv("VOXSYNQ_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			used = true
			cfg.Security.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("VOXSYNQ_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			used = true
			cfg.Security.RateLimit.Burst = n
		}
	}
	if v := os.Getenv("VOXSYNQ_LOG_LEVEL"); v != "" {
		used = true
		cfg.Logging.Level = v
	}
	return used
}

// ApplyDefaults fills zero-valued tunables with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Chat.AckTimeout == 0 {
		cfg.Chat.AckTimeout = Duration(DefaultAckTimeout)
	}
	if cfg.Chat.FlushRetryInterval == 0 {
		cfg.Chat.FlushRetryInterval = Duration(DefaultFlushRetryInterval)
	}
	if cfg.Chat.MaxContentBytes == 0 {
		cfg.Chat.MaxContentBytes = DefaultMaxContentBytes
	}
	if cfg.Call.RingTimeout == 0 {
		cfg.Call.RingTimeout = Duration(DefaultRingTimeout)
	}
	if cfg.Queue.Capacity == 0 {
		cfg.Queue.Capacity = DefaultQueueCapacity
	}
}

// Effective holds the merged configuration plus resolved listen address and
// DB path, and records which source won.
type Effective struct {
	Config *Config
	Addr   string
	DBPath string
	Source string // "flags", "config", or "env"
}

// LoadEffective merges flags, config file and environment into an
// Effective result. An explicit --config requires the file to exist; flags
// win over env, env over file, for addr and db path.
func LoadEffective(flags Flags) (Effective, error) {
	var res Effective

	cfg := &Config{}
	fileExists := false
	if b, err := os.Stat(flags.Config); err == nil && !b.IsDir() {
		loaded, err := Load(flags.Config)
		if err != nil {
			return res, err
		}
		cfg = loaded
		fileExists = true
	} else if flags.Set["config"] {
		return res, fmt.Errorf("config file %s not found", flags.Config)
	}

	envUsed := ApplyEnv(cfg)
	ApplyDefaults(cfg)

	addr := cfg.Addr()
	if flags.Set["addr"] || addr == "" {
		addr = flags.Addr
	}
	dbPath := cfg.Storage.DBPath
	if flags.Set["db"] || dbPath == "" {
		dbPath = flags.DB
	}

	res.Config = cfg
	res.Addr = addr
	res.DBPath = dbPath
	switch {
	case flags.Set["addr"] || flags.Set["db"]:
		res.Source = "flags"
	case fileExists:
		res.Source = "config"
	case envUsed:
		res.Source = "env"
	default:
		res.Source = "flags"
	}
	return res, nil
}
