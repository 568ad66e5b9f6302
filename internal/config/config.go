package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// ByteSize is a size in bytes that unmarshals from a human string such as
// "4MiB" or "64KiB" as well as from a plain integer.
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	n, err := parseByteSize(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = n
	return nil
}

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

func parseByteSize(s string) (ByteSize, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

type HeapConfig struct {
	Base uint64   `yaml:"base"`
	Size ByteSize `yaml:"size"`
}

type SchedulerConfig struct {
	Policy string `yaml:"policy"` // round_robin | priority
	TickMs int    `yaml:"tick_ms"`
}

type UpdateConfig struct {
	MaxImageSize          ByteSize `yaml:"max_image_size"`
	StepTimeoutMs         int      `yaml:"step_timeout_ms"`
	JournalRetentionHours int      `yaml:"journal_retention_hours"`
	PruneIntervalSeconds  int      `yaml:"prune_interval_seconds"`
}

type SandboxConfig struct {
	Mode          string   `yaml:"mode"` // mapped | process
	ExecTimeoutMs int      `yaml:"exec_timeout_ms"`
	DataSize      ByteSize `yaml:"data_size"`
	Args          []string `yaml:"args"`
}

type IPCConfig struct {
	UserSendRate  float64 `yaml:"user_send_rate"` // messages per second per domain
	UserSendBurst int     `yaml:"user_send_burst"`
}

type Config struct {
	DataDir   string          `yaml:"data_dir"`
	DBPath    string          `yaml:"db_path"`
	LogLevel  string          `yaml:"log_level"`
	LogDir    string          `yaml:"log_dir"`
	Heap      HeapConfig      `yaml:"heap"`
	KHeapSize ByteSize        `yaml:"kheap_size"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Update    UpdateConfig    `yaml:"update"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	IPC       IPCConfig       `yaml:"ipc"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:  "/var/lib/lugh",
		DBPath:   "/var/lib/lugh/lugh.db",
		LogLevel: "info",
		LogDir:   "/var/log/lugh",
		Heap: HeapConfig{
			Base: 0x400000,
			Size: 4 << 20,
		},
		KHeapSize: 64 << 10,
		Scheduler: SchedulerConfig{
			Policy: "round_robin",
			TickMs: 10,
		},
		Update: UpdateConfig{
			MaxImageSize:          1 << 20,
			StepTimeoutMs:         30000,
			JournalRetentionHours: 24 * 7,
			PruneIntervalSeconds:  3600,
		},
		Sandbox: SandboxConfig{
			Mode:          "mapped",
			ExecTimeoutMs: 10000,
			DataSize:      4096,
		},
		IPC: IPCConfig{
			UserSendRate:  100,
			UserSendBurst: 16,
		},
	}
}

func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Scheduler.Policy {
	case "round_robin", "priority":
	default:
		return fmt.Errorf("scheduler.policy: unknown policy %q", c.Scheduler.Policy)
	}
	switch c.Sandbox.Mode {
	case "mapped", "process":
	default:
		return fmt.Errorf("sandbox.mode: unknown mode %q", c.Sandbox.Mode)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level: unknown level %q", c.LogLevel)
	}
	if c.Scheduler.TickMs <= 0 {
		return fmt.Errorf("scheduler.tick_ms must be positive")
	}
	if c.Update.StepTimeoutMs <= 0 {
		return fmt.Errorf("update.step_timeout_ms must be positive")
	}
	if c.Sandbox.ExecTimeoutMs <= 0 {
		return fmt.Errorf("sandbox.exec_timeout_ms must be positive")
	}
	if c.Update.MaxImageSize <= 0 {
		return fmt.Errorf("update.max_image_size must be positive")
	}
	if c.IPC.UserSendRate <= 0 || c.IPC.UserSendBurst <= 0 {
		return fmt.Errorf("ipc.user_send_rate and ipc.user_send_burst must be positive")
	}
	return nil
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickMs) * time.Millisecond
}

func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.Update.StepTimeoutMs) * time.Millisecond
}

func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Sandbox.ExecTimeoutMs) * time.Millisecond
}

func (c *Config) JournalRetention() time.Duration {
	return time.Duration(c.Update.JournalRetentionHours) * time.Hour
}

func (c *Config) PruneInterval() time.Duration {
	return time.Duration(c.Update.PruneIntervalSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("LUGH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LUGH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LUGH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LUGH_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("LUGH_HEAP_SIZE"); v != "" {
		n, err := parseByteSize(v)
		if err != nil {
			return fmt.Errorf("LUGH_HEAP_SIZE: %w", err)
		}
		cfg.Heap.Size = n
	}
	if v := os.Getenv("LUGH_KHEAP_SIZE"); v != "" {
		n, err := parseByteSize(v)
		if err != nil {
			return fmt.Errorf("LUGH_KHEAP_SIZE: %w", err)
		}
		cfg.KHeapSize = n
	}
	if v := os.Getenv("LUGH_SCHEDULER_POLICY"); v != "" {
		cfg.Scheduler.Policy = v
	}
	if v := os.Getenv("LUGH_SCHEDULER_TICK_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.TickMs = n
		}
	}
	if v := os.Getenv("LUGH_UPDATE_MAX_IMAGE_SIZE"); v != "" {
		n, err := parseByteSize(v)
		if err != nil {
			return fmt.Errorf("LUGH_UPDATE_MAX_IMAGE_SIZE: %w", err)
		}
		cfg.Update.MaxImageSize = n
	}
	if v := os.Getenv("LUGH_UPDATE_STEP_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Update.StepTimeoutMs = n
		}
	}
	if v := os.Getenv("LUGH_UPDATE_JOURNAL_RETENTION_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Update.JournalRetentionHours = n
		}
	}
	if v := os.Getenv("LUGH_SANDBOX_MODE"); v != "" {
		cfg.Sandbox.Mode = v
	}
	if v := os.Getenv("LUGH_SANDBOX_EXEC_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sandbox.ExecTimeoutMs = n
		}
	}
	if v := os.Getenv("LUGH_IPC_USER_SEND_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.IPC.UserSendRate = f
		}
	}
	if v := os.Getenv("LUGH_IPC_USER_SEND_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IPC.UserSendBurst = n
		}
	}
	return nil
}
