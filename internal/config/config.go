// Package config loads master-process configuration from environment
// variables, overlaying an optional on-disk TOML file (`-f config.toml`,
// per spec §6). A handful of fields the master mutates at runtime
// (scheduling interval, allocation strategy, dead-node invalidation) are
// guarded by a RWMutex since the scheduling goroutine reads them while an
// admin HTTP endpoint (out of this core's scope) may write them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all master-process configuration.
type Config struct {
	// Storage
	DBPath string

	// Logging
	LogJSON bool

	// Node discovery
	MachineDir string       // directory of per-machine YAML descriptors (NodeRegistry source (a))
	Nodes      []NodeConfig // explicit name→{base_url, tls?} entries (NodeRegistry source (b)), file-only

	// Engine
	APITimeout  time.Duration // per-call timeout for engine operations
	ThreadLimit int           // process-wide semaphore bounding concurrent engine calls

	// Scheduling / retry
	MaxTaskTrials        int    // task-level retry budget before a failed transition sticks
	DataContainerImage   string // image the caching strategy's spawned data containers run
	DataContainerRAMMB   int64  // container_ram (MB) charged for a task's cache, unless no_cache

	// Metrics
	MetricsEnabled bool
	MetricsAddr    string

	// Inter-process bus (master inbox, §6)
	BusAddr string

	// Callback HTTP surface (§6, application/data container callbacks)
	APIAddr string

	// NetworkName, when set, is the overlay network every created
	// application/data container is attached to via ConnectToNetwork, so
	// an AC can reach its DC's HTTP server by IP.
	NetworkName string

	// NodeInspector (§4.2)
	InspectionIntervalSeconds int
	ProbeRAMMB                int64

	// DeadNodeNotificationURL, if set, receives a JSON POST each time the
	// inspector flips a node alive->dead (§4.2). File-only: no single
	// connector shape is specified for this, so only the simplest (http
	// webhook) form is configurable.
	DeadNodeNotificationURL string

	// mu protects the mutable runtime fields below.
	mu                     sync.RWMutex
	schedulingIntervalSecs int
	allocationStrategy     string // "binpack" or "spread"
	deadNodeInvalidation   bool
	schedulingCron         string // optional cron expression supplementing the plain ticker
}

// NodeConfig is one explicitly configured node: an entry in the config's
// name→{base_url, tls?} map (NodeRegistry source (b)), supplementing or
// overriding descriptors discovered from MachineDir.
type NodeConfig struct {
	Name       string `toml:"name"`
	BaseURL    string `toml:"base_url"`
	TotalRAM   int64  `toml:"total_ram"`
	TotalCPUs  int    `toml:"total_cpus"`
	CACert     string `toml:"ca_cert,omitempty"`
	ClientCert string `toml:"client_cert,omitempty"`
	ClientKey  string `toml:"client_key,omitempty"`
}

// fileConfig mirrors the subset of Config fields loadable from a TOML
// file via `-f config.toml`; env vars still take precedence when set.
type fileConfig struct {
	DBPath                 string       `toml:"db_path"`
	LogJSON                *bool        `toml:"log_json"`
	MachineDir             string       `toml:"machine_dir"`
	Nodes                  []NodeConfig `toml:"nodes"`
	APITimeoutSeconds      *int         `toml:"api_timeout_seconds"`
	ThreadLimit            *int         `toml:"thread_limit"`
	MaxTaskTrials          *int         `toml:"max_task_trials"`
	DataContainerImage     string       `toml:"data_container_image"`
	DataContainerRAMMB     *int64       `toml:"data_container_ram_mb"`
	MetricsEnabled         *bool        `toml:"metrics_enabled"`
	MetricsAddr            string       `toml:"metrics_addr"`
	BusAddr                string       `toml:"bus_addr"`
	APIAddr                string       `toml:"api_addr"`
	NetworkName            string       `toml:"network_name"`
	InspectionIntervalSecs *int         `toml:"inspection_interval_seconds"`
	ProbeRAMMB             *int64       `toml:"probe_ram_mb"`
	SchedulingIntervalSecs *int         `toml:"scheduling_interval_seconds"`
	AllocationStrategy     string       `toml:"allocation_strategy"`
	DeadNodeInvalidation   *bool        `toml:"dead_node_invalidation"`
	SchedulingCron         string       `toml:"scheduling_cron"`
	DeadNodeNotificationURL string      `toml:"dead_node_notification_url"`
}

// NewTestConfig creates a Config with sensible defaults for testing.
func NewTestConfig() *Config {
	return &Config{
		DBPath:                 ":memory:",
		APITimeout:             30 * time.Second,
		ThreadLimit:            6,
		MaxTaskTrials:          3,
		DataContainerImage:     "curiouscontainers/cc-data-container",
		DataContainerRAMMB:     128,
		InspectionIntervalSeconds: 60,
		ProbeRAMMB:             64,
		schedulingIntervalSecs: 30,
		allocationStrategy:     "binpack",
		deadNodeInvalidation:   true,
	}
}

// Load reads configuration from environment variables with defaults, then
// applies an optional TOML file at path (ignored if path is empty) to the
// fields whose environment variable is unset; the environment wins.
func Load(path string) (*Config, error) {
	c := &Config{
		DBPath:                 envStr("CCSERVER_DB_PATH", "/data/ccserver.db"),
		LogJSON:                envBool("CCSERVER_LOG_JSON", true),
		MachineDir:             envStr("CCSERVER_MACHINE_DIR", "/etc/ccserver/machines"),
		APITimeout:             envDuration("CCSERVER_API_TIMEOUT", 30*time.Second),
		ThreadLimit:            envInt("CCSERVER_THREAD_LIMIT", 6),
		MaxTaskTrials:          envInt("CCSERVER_MAX_TASK_TRIALS", 3),
		DataContainerImage:     envStr("CCSERVER_DATA_CONTAINER_IMAGE", "curiouscontainers/cc-data-container"),
		DataContainerRAMMB:     int64(envInt("CCSERVER_DATA_CONTAINER_RAM_MB", 128)),
		MetricsEnabled:         envBool("CCSERVER_METRICS_ENABLED", false),
		MetricsAddr:            envStr("CCSERVER_METRICS_ADDR", ":9090"),
		BusAddr:                envStr("CCSERVER_BUS_ADDR", "127.0.0.1:7001"),
		APIAddr:                envStr("CCSERVER_API_ADDR", ":8080"),
		NetworkName:            envStr("CCSERVER_NETWORK_NAME", ""),
		InspectionIntervalSeconds: envInt("CCSERVER_INSPECTION_INTERVAL_SECONDS", 60),
		ProbeRAMMB:             int64(envInt("CCSERVER_PROBE_RAM_MB", 64)),
		DeadNodeNotificationURL: envStr("CCSERVER_DEAD_NODE_NOTIFICATION_URL", ""),
		schedulingIntervalSecs: envInt("CCSERVER_SCHEDULING_INTERVAL_SECONDS", 30),
		allocationStrategy:     envStr("CCSERVER_ALLOCATION_STRATEGY", "binpack"),
		deadNodeInvalidation:   envBool("CCSERVER_DEAD_NODE_INVALIDATION", true),
		schedulingCron:         envStr("CCSERVER_SCHEDULING_CRON", ""),
	}

	if path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", path, err)
		}
		c.applyFile(fc)
	}

	return c, nil
}

// applyFile overlays file-provided values for fields whose env var was not
// set; it mutates c directly since Load has not yet published it.
func (c *Config) applyFile(fc fileConfig) {
	if fc.DBPath != "" && os.Getenv("CCSERVER_DB_PATH") == "" {
		c.DBPath = fc.DBPath
	}
	if fc.LogJSON != nil && os.Getenv("CCSERVER_LOG_JSON") == "" {
		c.LogJSON = *fc.LogJSON
	}
	if fc.MachineDir != "" && os.Getenv("CCSERVER_MACHINE_DIR") == "" {
		c.MachineDir = fc.MachineDir
	}
	if len(fc.Nodes) > 0 {
		c.Nodes = fc.Nodes
	}
	if fc.APITimeoutSeconds != nil && os.Getenv("CCSERVER_API_TIMEOUT") == "" {
		c.APITimeout = time.Duration(*fc.APITimeoutSeconds) * time.Second
	}
	if fc.ThreadLimit != nil && os.Getenv("CCSERVER_THREAD_LIMIT") == "" {
		c.ThreadLimit = *fc.ThreadLimit
	}
	if fc.MaxTaskTrials != nil && os.Getenv("CCSERVER_MAX_TASK_TRIALS") == "" {
		c.MaxTaskTrials = *fc.MaxTaskTrials
	}
	if fc.DataContainerImage != "" && os.Getenv("CCSERVER_DATA_CONTAINER_IMAGE") == "" {
		c.DataContainerImage = fc.DataContainerImage
	}
	if fc.DataContainerRAMMB != nil && os.Getenv("CCSERVER_DATA_CONTAINER_RAM_MB") == "" {
		c.DataContainerRAMMB = *fc.DataContainerRAMMB
	}
	if fc.MetricsEnabled != nil && os.Getenv("CCSERVER_METRICS_ENABLED") == "" {
		c.MetricsEnabled = *fc.MetricsEnabled
	}
	if fc.MetricsAddr != "" && os.Getenv("CCSERVER_METRICS_ADDR") == "" {
		c.MetricsAddr = fc.MetricsAddr
	}
	if fc.BusAddr != "" && os.Getenv("CCSERVER_BUS_ADDR") == "" {
		c.BusAddr = fc.BusAddr
	}
	if fc.APIAddr != "" && os.Getenv("CCSERVER_API_ADDR") == "" {
		c.APIAddr = fc.APIAddr
	}
	if fc.NetworkName != "" && os.Getenv("CCSERVER_NETWORK_NAME") == "" {
		c.NetworkName = fc.NetworkName
	}
	if fc.InspectionIntervalSecs != nil && os.Getenv("CCSERVER_INSPECTION_INTERVAL_SECONDS") == "" {
		c.InspectionIntervalSeconds = *fc.InspectionIntervalSecs
	}
	if fc.ProbeRAMMB != nil && os.Getenv("CCSERVER_PROBE_RAM_MB") == "" {
		c.ProbeRAMMB = *fc.ProbeRAMMB
	}
	if fc.DeadNodeNotificationURL != "" && os.Getenv("CCSERVER_DEAD_NODE_NOTIFICATION_URL") == "" {
		c.DeadNodeNotificationURL = fc.DeadNodeNotificationURL
	}
	if fc.SchedulingIntervalSecs != nil && os.Getenv("CCSERVER_SCHEDULING_INTERVAL_SECONDS") == "" {
		c.schedulingIntervalSecs = *fc.SchedulingIntervalSecs
	}
	if fc.AllocationStrategy != "" && os.Getenv("CCSERVER_ALLOCATION_STRATEGY") == "" {
		c.allocationStrategy = fc.AllocationStrategy
	}
	if fc.DeadNodeInvalidation != nil && os.Getenv("CCSERVER_DEAD_NODE_INVALIDATION") == "" {
		c.deadNodeInvalidation = *fc.DeadNodeInvalidation
	}
	if fc.SchedulingCron != "" && os.Getenv("CCSERVER_SCHEDULING_CRON") == "" {
		c.schedulingCron = fc.SchedulingCron
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	c.mu.RLock()
	interval := c.schedulingIntervalSecs
	strategy := c.allocationStrategy
	c.mu.RUnlock()

	var errs []error
	if c.APITimeout <= 0 {
		errs = append(errs, fmt.Errorf("CCSERVER_API_TIMEOUT must be > 0, got %s", c.APITimeout))
	}
	if c.ThreadLimit <= 0 {
		errs = append(errs, fmt.Errorf("CCSERVER_THREAD_LIMIT must be > 0, got %d", c.ThreadLimit))
	}
	if c.MaxTaskTrials <= 0 {
		errs = append(errs, fmt.Errorf("CCSERVER_MAX_TASK_TRIALS must be > 0, got %d", c.MaxTaskTrials))
	}
	if interval <= 0 {
		errs = append(errs, fmt.Errorf("CCSERVER_SCHEDULING_INTERVAL_SECONDS must be > 0, got %d", interval))
	}
	if c.InspectionIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("CCSERVER_INSPECTION_INTERVAL_SECONDS must be > 0, got %d", c.InspectionIntervalSeconds))
	}
	if c.ProbeRAMMB <= 0 {
		errs = append(errs, fmt.Errorf("CCSERVER_PROBE_RAM_MB must be > 0, got %d", c.ProbeRAMMB))
	}
	switch strategy {
	case "binpack", "spread":
	default:
		errs = append(errs, fmt.Errorf("CCSERVER_ALLOCATION_STRATEGY must be binpack or spread, got %q", strategy))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// SchedulingIntervalSeconds returns the self-heal republish interval
// (thread-safe).
func (c *Config) SchedulingIntervalSeconds() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.schedulingIntervalSecs
}

// SetSchedulingIntervalSeconds updates the self-heal republish interval at
// runtime (thread-safe).
func (c *Config) SetSchedulingIntervalSeconds(n int) {
	c.mu.Lock()
	c.schedulingIntervalSecs = n
	c.mu.Unlock()
}

// AllocationStrategy returns the configured allocation strategy name
// (thread-safe).
func (c *Config) AllocationStrategy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.allocationStrategy
}

// SetAllocationStrategy updates the allocation strategy at runtime
// (thread-safe).
func (c *Config) SetAllocationStrategy(s string) {
	c.mu.Lock()
	c.allocationStrategy = s
	c.mu.Unlock()
}

// DeadNodeInvalidation reports whether the NodeInspector is permitted to
// mark nodes dead/alive (thread-safe).
func (c *Config) DeadNodeInvalidation() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deadNodeInvalidation
}

// SetDeadNodeInvalidation toggles dead-node invalidation at runtime
// (thread-safe).
func (c *Config) SetDeadNodeInvalidation(b bool) {
	c.mu.Lock()
	c.deadNodeInvalidation = b
	c.mu.Unlock()
}

// SchedulingCron returns the optional cron expression supplementing the
// plain scheduling-interval ticker (thread-safe). Empty means disabled.
func (c *Config) SchedulingCron() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.schedulingCron
}

// SetSchedulingCron updates the cron expression at runtime (thread-safe).
func (c *Config) SetSchedulingCron(s string) {
	c.mu.Lock()
	c.schedulingCron = s
	c.mu.Unlock()
}
