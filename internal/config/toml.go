package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// RoleConfig controls the snapshot pool and VM sizing for one role.
type RoleConfig struct {
	PoolMin int `toml:"pool_min"`
	PoolMax int `toml:"pool_max"`

	VCpus     int `toml:"vcpus"`
	MemoryMiB int `toml:"memory_mib"`

	QueryTimeoutMs int64 `toml:"query_timeout_ms"`
}

type PoolConfig struct {
	WindowMinutes     int    `toml:"window_minutes"`
	ReplenishSeconds  int    `toml:"replenish_seconds"`
	BaseImageCacheDir string `toml:"base_image_cache_dir"`
	SnapshotDir       string `toml:"snapshot_dir"`

	// Per-role base rootfs images, zstd compressed, in S3.
	CompileImageURL string `toml:"compile_image_url"`
	ExecuteImageURL string `toml:"execute_image_url"`
}

type QueueConfig struct {
	ExecuteQueue  string `toml:"execute_queue"`
	ValidateQueue string `toml:"validate_queue"`
	ResultsQueue  string `toml:"results_queue"`
	Prefetch      int    `toml:"prefetch"`
}

type FileConfig struct {
	Compile  RoleConfig  `toml:"compile"`
	Execute  RoleConfig  `toml:"execute"`
	Pool     PoolConfig  `toml:"pool"`
	Queues   QueueConfig `toml:"queues"`
	JobTTLMs int64       `toml:"job_ttl_ms"`
}

func ReadFileConfig(path string) (*FileConfig, error) {
	cfg := DefaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

func DefaultFileConfig() *FileConfig {
	return &FileConfig{
		Compile: RoleConfig{
			PoolMin:        2,
			PoolMax:        64,
			VCpus:          2,
			MemoryMiB:      1024,
			QueryTimeoutMs: 30_000,
		},
		Execute: RoleConfig{
			PoolMin:        4,
			PoolMax:        128,
			VCpus:          1,
			MemoryMiB:      512,
			QueryTimeoutMs: 15_000,
		},
		Pool: PoolConfig{
			WindowMinutes:     5,
			ReplenishSeconds:  15,
			BaseImageCacheDir: "var/sandbox/base",
			SnapshotDir:       "var/sandbox/snapshots",
		},
		Queues: QueueConfig{
			ExecuteQueue:  "sandbox.jobs.execute",
			ValidateQueue: "sandbox.jobs.validate",
			ResultsQueue:  "sandbox.results",
			Prefetch:      5,
		},
		JobTTLMs: int64(3 * time.Minute / time.Millisecond),
	}
}

func (c *FileConfig) JobTTL() time.Duration {
	return time.Duration(c.JobTTLMs) * time.Millisecond
}
