package config

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the queue, scheduler and transfer layers read at
// startup. It is filled from viper (flags, env with the DLQ_ prefix, and an
// optional YAML file).
type Config struct {
	DataDir      string
	Store        string // "sqlite" (default) or "pebble"
	DownloadDir  string
	CompletedDir string

	ArchiveOnComplete      bool
	RejectDuplicateSources bool

	MaxConcurrentTasks int
	SegmentWorkers     int

	Retry RetryConfig

	HTTPTimeout time.Duration
	Headers     map[string]string

	CheckpointBytes int64
	RateLimit       int64 // bytes per second, 0 = unlimited

	RestartOnResumeUnsupported bool

	HLSQuality      string
	HLSMinBandwidth int64
	LivePollLimit   int

	DiscoveryExtensions []string

	MetricsAddr string
	Verbose     bool
}

// RetryConfig controls the exponential backoff shared by tasks and segments.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// GlobalConfig is populated by InitConfig and read by the CLI wiring.
var GlobalConfig = Default()

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		DataDir:            "./data",
		Store:              "sqlite",
		DownloadDir:        "./downloads",
		MaxConcurrentTasks: 1,
		SegmentWorkers:     4,
		Retry: RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
		HTTPTimeout: 30 * time.Second,
		Headers: map[string]string{
			"User-Agent": defaultUserAgent,
		},
		CheckpointBytes:            1 << 20,
		RestartOnResumeUnsupported: true,
		HLSQuality:                 "highest",
		LivePollLimit:              10,
		DiscoveryExtensions: []string{
			".mp4", ".mkv", ".webm", ".mov", ".avi", ".m4v", ".m3u8",
			".mp3", ".flac", ".m4a", ".ogg", ".wav", ".opus",
			".zip", ".7z", ".rar", ".tar", ".gz", ".xz", ".iso",
			".pdf", ".epub",
		},
	}
}

// SetDefaults registers defaults on v so that unset keys resolve to Default().
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("store", d.Store)
	v.SetDefault("download_dir", d.DownloadDir)
	v.SetDefault("completed_dir", d.CompletedDir)
	v.SetDefault("archive_on_complete", d.ArchiveOnComplete)
	v.SetDefault("reject_duplicate_sources", d.RejectDuplicateSources)
	v.SetDefault("max_concurrent_tasks", d.MaxConcurrentTasks)
	v.SetDefault("segment_workers", d.SegmentWorkers)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_backoff", d.Retry.InitialBackoff)
	v.SetDefault("retry.max_backoff", d.Retry.MaxBackoff)
	v.SetDefault("http.timeout", d.HTTPTimeout)
	v.SetDefault("http.headers", d.Headers)
	v.SetDefault("checkpoint_bytes", d.CheckpointBytes)
	v.SetDefault("rate_limit", d.RateLimit)
	v.SetDefault("restart_on_resume_unsupported", d.RestartOnResumeUnsupported)
	v.SetDefault("hls.quality", d.HLSQuality)
	v.SetDefault("hls.min_bandwidth", d.HLSMinBandwidth)
	v.SetDefault("hls.live_poll_limit", d.LivePollLimit)
	v.SetDefault("discovery.extensions", d.DiscoveryExtensions)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("verbose", false)
}

// FromViper builds a Config from v. Invalid values are reported rather than
// silently clamped.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		DataDir:                    v.GetString("data_dir"),
		Store:                      strings.ToLower(v.GetString("store")),
		DownloadDir:                v.GetString("download_dir"),
		CompletedDir:               v.GetString("completed_dir"),
		ArchiveOnComplete:          v.GetBool("archive_on_complete"),
		RejectDuplicateSources:     v.GetBool("reject_duplicate_sources"),
		MaxConcurrentTasks:         v.GetInt("max_concurrent_tasks"),
		SegmentWorkers:             v.GetInt("segment_workers"),
		HTTPTimeout:                v.GetDuration("http.timeout"),
		CheckpointBytes:            int64(v.GetSizeInBytes("checkpoint_bytes")),
		RateLimit:                  int64(v.GetSizeInBytes("rate_limit")),
		RestartOnResumeUnsupported: v.GetBool("restart_on_resume_unsupported"),
		HLSQuality:                 v.GetString("hls.quality"),
		HLSMinBandwidth:            v.GetInt64("hls.min_bandwidth"),
		LivePollLimit:              v.GetInt("hls.live_poll_limit"),
		DiscoveryExtensions:        v.GetStringSlice("discovery.extensions"),
		MetricsAddr:                v.GetString("metrics_addr"),
		Verbose:                    v.GetBool("verbose"),
		Retry: RetryConfig{
			MaxAttempts:    v.GetInt("retry.max_attempts"),
			InitialBackoff: v.GetDuration("retry.initial_backoff"),
			MaxBackoff:     v.GetDuration("retry.max_backoff"),
		},
		Headers: make(map[string]string),
	}
	for k, val := range v.GetStringMapString("http.headers") {
		cfg.Headers[http.CanonicalHeaderKey(k)] = val
	}

	if cfg.Store == "sqlite3" {
		cfg.Store = "sqlite"
	}
	if cfg.Store != "sqlite" && cfg.Store != "pebble" {
		return cfg, fmt.Errorf("unknown store %q (want sqlite or pebble)", cfg.Store)
	}
	if cfg.MaxConcurrentTasks < 1 {
		return cfg, fmt.Errorf("max_concurrent_tasks must be at least 1, got %d", cfg.MaxConcurrentTasks)
	}
	if cfg.SegmentWorkers < 1 {
		return cfg, fmt.Errorf("segment_workers must be at least 1, got %d", cfg.SegmentWorkers)
	}
	if cfg.Retry.MaxAttempts < 0 {
		return cfg, fmt.Errorf("retry.max_attempts must not be negative")
	}
	if cfg.CheckpointBytes <= 0 {
		cfg.CheckpointBytes = Default().CheckpointBytes
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = Default().HTTPTimeout
	}
	return cfg, nil
}

// InitConfig loads GlobalConfig from the global viper instance.
func InitConfig() error {
	SetDefaults(viper.GetViper())
	cfg, err := FromViper(viper.GetViper())
	if err != nil {
		return err
	}
	GlobalConfig = cfg
	return nil
}

// LoadConfig reads a YAML config file into the global viper instance. A
// missing file is not an error; defaults apply.
func LoadConfig(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// StorePath returns where the configured store keeps its data.
func (c Config) StorePath() string {
	if c.Store == "pebble" {
		return filepath.Join(c.DataDir, "tasks.pebble")
	}
	return filepath.Join(c.DataDir, "tasks.db")
}

// CacheDir is the root for per-task staging directories.
func (c Config) CacheDir() string {
	return filepath.Join(c.DataDir, "cache")
}
