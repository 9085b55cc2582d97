// Package config loads the ingress datapath's configuration record.
//
// CLI parsing, banner printing, and flag definitions live outside this
// module; this package only defines the programmatic shape that a CLI
// frontend is expected to populate, plus the YAML file + environment
// override loading used by cmd/ingressd and by tests that want a Config
// without a frontend at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the root configuration record for the ingress datapath.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	XDP      XDPConfig      `yaml:"xdp"`
	HotStore HotStoreConfig `yaml:"hot_store"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
	Security SecurityConfig `yaml:"security"`
}

// ServerConfig mirrors the subset of the external CLI surface the core
// consumes directly: listen addresses for the admin HTTP/gRPC/WS surface
// and the worker pool size.
type ServerConfig struct {
	Env              string   `yaml:"env"`
	AdminHTTPAddr    string   `yaml:"admin_http_addr"`
	AdminGRPCAddr    string   `yaml:"admin_grpc_addr"`
	WorkerThreads    int      `yaml:"worker_threads"`
	TapSampleEvery   int      `yaml:"tap_sample_every"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// XDPConfig configures C1/C2/C3: the generated filter program, the UMEM
// rings, and the shared program manager's attach behaviour.
type XDPConfig struct {
	Interface     string   `yaml:"interface"`
	ListenPorts   []int    `yaml:"listen_ports"`
	AttachMode    string   `yaml:"attach_mode"` // "driver", "skb", "hardware"
	PinnedPath    string   `yaml:"pinned_path"` // mutually exclusive with generating bytecode
	FrameSize     int      `yaml:"frame_size"`
	RingCapacity  int      `yaml:"ring_capacity"`
	FillRingSeed  int      `yaml:"fill_ring_seed"`
	QueueIDs      []int    `yaml:"queue_ids"`
	Disabled      bool     `yaml:"disabled"` // force the fallback UDP path
	PortFlowClass map[int]string `yaml:"port_flow_class"`
}

// HotStoreConfig configures C5: the RAM cache, the durable tier backend,
// and the supplemental archive tier.
type HotStoreConfig struct {
	MaxMemoryBytes       int64   `yaml:"max_memory_bytes"`
	MaxEntries           int     `yaml:"max_entries"`
	EvictionPolicy       string  `yaml:"eviction_policy"` // "lru", "lfu", "adaptive"
	AdaptiveRecencyWeight float64 `yaml:"adaptive_recency_weight"`
	AdaptiveFreqWeight    float64 `yaml:"adaptive_freq_weight"`
	WritebackIntervalMs  int     `yaml:"writeback_interval_ms"`
	WritebackBatchCap    int     `yaml:"writeback_batch_cap"`
	QueueHighWatermark   int     `yaml:"queue_high_watermark"`
	EnableIntegrityHash  bool    `yaml:"enable_integrity_hash"`

	Backend    string           `yaml:"backend"` // "file" or "spanner"
	FileDir    string           `yaml:"file_dir"`
	Spanner    SpannerConfig    `yaml:"spanner"`
	Archive    ArchiveConfig    `yaml:"archive"`
}

// SpannerConfig configures the optional Spanner-backed durable tier.
type SpannerConfig struct {
	ProjectID  string `yaml:"project_id"`
	InstanceID string `yaml:"instance_id"`
	DatabaseID string `yaml:"database_id"`
}

// ArchiveConfig configures the supplemental Postgres-backed cold tier.
type ArchiveConfig struct {
	Enabled           bool   `yaml:"enabled"`
	PostgresDSN       string `yaml:"postgres_dsn"`
	CompactOlderThan  uint64 `yaml:"compact_older_than_slots"`
	RedisLockAddr     string `yaml:"redis_lock_addr"`
	CloudTasksProject string `yaml:"cloud_tasks_project"`
	CloudTasksLocation string `yaml:"cloud_tasks_location"`
	CloudTasksQueue   string `yaml:"cloud_tasks_queue"`
}

// MetricsConfig configures the Prometheus registry (wire format/exposition
// is an external collaborator's concern; this only sets the metric
// namespace).
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// PubSubConfig configures the optional cross-node event bus.
type PubSubConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

// SecurityConfig configures the admin gRPC surface's optional SPIFFE-based
// mTLS transport.
type SecurityConfig struct {
	SPIFFEEnabled    bool   `yaml:"spiffe_enabled"`
	TrustDomain      string `yaml:"trust_domain"`
	AllowedSPIFFEID  string `yaml:"allowed_spiffe_id"`
}

// Default returns a Config with the mandated defaults: 4096 B frames,
// 2048-entry rings, 4 worker threads.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Env:            "development",
			AdminHTTPAddr:  ":9090",
			AdminGRPCAddr:  ":9091",
			WorkerThreads:  4,
			TapSampleEvery: 0,
		},
		XDP: XDPConfig{
			AttachMode:   "driver",
			FrameSize:    4096,
			RingCapacity: 2048,
			FillRingSeed: 2048,
			PortFlowClass: map[int]string{
				8001: "gossip",
				8002: "shred",
				8003: "tx_legacy",
				8004: "tx_quic",
				8899: "rpc",
				8900: "repair",
				8901: "vote",
			},
		},
		HotStore: HotStoreConfig{
			MaxMemoryBytes:        256 << 20,
			MaxEntries:            1 << 20,
			EvictionPolicy:        "adaptive",
			AdaptiveRecencyWeight: 0.7,
			AdaptiveFreqWeight:    0.3,
			WritebackIntervalMs:   100,
			WritebackBatchCap:     64,
			QueueHighWatermark:    4096,
			Backend:               "file",
			FileDir:               "./hotstore-data",
		},
		Metrics: MetricsConfig{Namespace: "ingress"},
	}
}

// Load reads a YAML config file at path, then applies environment overrides.
// A missing .env file (loaded via godotenv before reading os.Getenv) is not
// an error — production deployments set real env vars directly.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: open %s: %w", path, err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		}
	}
	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// Validate enforces that pinned-path mode and runtime bytecode generation
// are mutually exclusive.
func (c *Config) Validate() error {
	if c.XDP.PinnedPath != "" && len(c.XDP.ListenPorts) > 0 {
		return fmt.Errorf("config: xdp.pinned_path and xdp.listen_ports cannot both drive program load — pick one mode")
	}
	if c.HotStore.Backend == "spanner" {
		s := c.HotStore.Spanner
		if s.ProjectID == "" || s.InstanceID == "" || s.DatabaseID == "" {
			return fmt.Errorf("config: hot_store.backend=spanner requires project_id, instance_id, database_id")
		}
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Env = getEnv("INGRESS_ENV", c.Server.Env)
	c.Server.AdminHTTPAddr = getEnv("INGRESS_ADMIN_HTTP_ADDR", c.Server.AdminHTTPAddr)
	c.Server.AdminGRPCAddr = getEnv("INGRESS_ADMIN_GRPC_ADDR", c.Server.AdminGRPCAddr)
	if v := getEnvInt("INGRESS_WORKER_THREADS", 0); v > 0 {
		c.Server.WorkerThreads = v
	}
	if origins := getEnv("INGRESS_CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.XDP.Interface = getEnv("INGRESS_XDP_INTERFACE", c.XDP.Interface)
	c.XDP.AttachMode = getEnv("INGRESS_XDP_ATTACH_MODE", c.XDP.AttachMode)
	c.XDP.PinnedPath = getEnv("INGRESS_XDP_PINNED_PATH", c.XDP.PinnedPath)
	c.XDP.Disabled = getEnvBool("INGRESS_XDP_DISABLED", c.XDP.Disabled)

	c.HotStore.Backend = getEnv("INGRESS_HOTSTORE_BACKEND", c.HotStore.Backend)
	c.HotStore.FileDir = getEnv("INGRESS_HOTSTORE_DIR", c.HotStore.FileDir)
	c.HotStore.Spanner.ProjectID = getEnv("SPANNER_PROJECT_ID", c.HotStore.Spanner.ProjectID)
	c.HotStore.Spanner.InstanceID = getEnv("SPANNER_INSTANCE_ID", c.HotStore.Spanner.InstanceID)
	c.HotStore.Spanner.DatabaseID = getEnv("SPANNER_DATABASE_ID", c.HotStore.Spanner.DatabaseID)
	c.HotStore.Archive.Enabled = getEnvBool("INGRESS_ARCHIVE_ENABLED", c.HotStore.Archive.Enabled)
	c.HotStore.Archive.PostgresDSN = getEnv("INGRESS_ARCHIVE_POSTGRES_DSN", c.HotStore.Archive.PostgresDSN)
	c.HotStore.Archive.RedisLockAddr = getEnv("INGRESS_ARCHIVE_REDIS_ADDR", c.HotStore.Archive.RedisLockAddr)

	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.PubSub.ProjectID = projectID
		c.HotStore.Archive.CloudTasksProject = projectID
	}
	c.PubSub.Enabled = getEnvBool("INGRESS_PUBSUB_ENABLED", c.PubSub.Enabled)
	c.PubSub.TopicID = getEnv("INGRESS_PUBSUB_TOPIC", c.PubSub.TopicID)

	c.Security.SPIFFEEnabled = getEnvBool("INGRESS_SPIFFE_ENABLED", c.Security.SPIFFEEnabled)
	c.Security.TrustDomain = getEnv("INGRESS_SPIFFE_TRUST_DOMAIN", c.Security.TrustDomain)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			parts = append(parts, t)
		}
	}
	return parts
}

// singleton access mirrors the reference config package's Get(), used by
// code that cannot thread a *Config through (e.g. package-level loggers).
var (
	instance *Config
	once     sync.Once
)

// Get returns a process-wide Config, loading from CONFIG_PATH (or defaults)
// on first use.
func Get() *Config {
	once.Do(func() {
		cfg, err := Load(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			cfg = Default()
		}
		instance = cfg
	})
	return instance
}
