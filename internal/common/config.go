package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment" yaml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server" yaml:"server"`
	Storage     StorageConfig   `toml:"storage" yaml:"storage"`
	Logging     LoggingConfig   `toml:"logging" yaml:"logging"`
	Downloads   DownloadsConfig `toml:"downloads" yaml:"downloads"`
	Cleanup     CleanupConfig   `toml:"cleanup" yaml:"cleanup"`
	WebSocket   WebSocketConfig `toml:"websocket" yaml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port" yaml:"port"`
	Host string `toml:"host" yaml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger" yaml:"badger"`
	Paths  PathsConfig  `toml:"paths" yaml:"paths"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" yaml:"path"`                         // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup" yaml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// PathsConfig holds the filesystem roots for job artifacts.
// Relative entries are resolved against DataDir.
type PathsConfig struct {
	DataDir   string `toml:"data_dir" yaml:"data_dir"`
	Downloads string `toml:"downloads" yaml:"downloads"` // Final output, grouped as <kind>/<variant>
	Logs      string `toml:"logs" yaml:"logs"`           // One <job_id>.log per job
	Temp      string `toml:"temp" yaml:"temp"`           // One <job_id>/ work dir per running job
}

type LoggingConfig struct {
	Level      string   `toml:"level" yaml:"level"`             // "debug", "info", "warn", "error"
	Output     []string `toml:"output" yaml:"output"`           // "stdout", "file"
	TimeFormat string   `toml:"time_format" yaml:"time_format"` // Time format for logs (default: "15:04:05")
	// MinEventLevel is the lowest level of job log event streamed over /ws/jobs
	MinEventLevel string `toml:"min_event_level" yaml:"min_event_level"`
}

// DownloadsConfig controls the external fetch tools and job execution limits
type DownloadsConfig struct {
	YtDlpPath         string `toml:"ytdlp_path" yaml:"ytdlp_path"`
	SpotdlPath        string `toml:"spotdl_path" yaml:"spotdl_path"`
	MaxConcurrent     int    `toml:"max_concurrent" yaml:"max_concurrent"`           // 0 = unbounded
	MaxDuration       string `toml:"max_duration" yaml:"max_duration"`               // e.g. "30m" - wall clock budget per job
	GracePeriod       string `toml:"grace_period" yaml:"grace_period"`               // e.g. "5s" - SIGTERM to SIGKILL delay
	LogTailLines      int    `toml:"log_tail_lines" yaml:"log_tail_lines"`           // Lines kept in memory for error extraction
	MaxFilenameLength int    `toml:"max_filename_length" yaml:"max_filename_length"` // Sanitized file name cap
}

// CleanupConfig controls the retention engine and its schedule
type CleanupConfig struct {
	Enabled              bool    `toml:"enabled" yaml:"enabled"`                               // Run the cron schedule
	RetentionHours       float64 `toml:"retention_hours" yaml:"retention_hours"`               // downloads, logs, metadata, database
	TempRetentionHours   float64 `toml:"temp_retention_hours" yaml:"temp_retention_hours"`     // temp work dirs
	Cron                 string  `toml:"cron" yaml:"cron"`                                     // Main group schedule (5 field)
	TempCron             string  `toml:"temp_cron" yaml:"temp_cron"`                           // Temp group schedule (5 field)
	DryRun               bool    `toml:"dry_run" yaml:"dry_run"`                               // Scheduled runs only count, never delete
	AdminEnabled         bool    `toml:"admin_enabled" yaml:"admin_enabled"`                   // Register /api/admin routes
	AdminTriggerInterval string  `toml:"admin_trigger_interval" yaml:"admin_trigger_interval"` // Minimum gap between manual triggers
	RunLogRetentionDays  int     `toml:"run_log_retention_days" yaml:"run_log_retention_days"` // Cleanup run records kept for N days
}

// WebSocketConfig contains configuration for the job activity stream
type WebSocketConfig struct {
	ThrottleInterval string `toml:"throttle_interval" yaml:"throttle_interval"` // Minimum gap between messages per client (e.g. "100ms")
}

// NewDefaultConfig creates a configuration with default values
// Technical parameters are hardcoded here for production stability
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/db",
			},
			Paths: PathsConfig{
				DataDir:   "./data",
				Downloads: "downloads",
				Logs:      "logs",
				Temp:      "tmp",
			},
		},
		Logging: LoggingConfig{
			Level:         "info",
			Output:        []string{"stdout", "file"},
			TimeFormat:    "15:04:05",
			MinEventLevel: "info",
		},
		Downloads: DownloadsConfig{
			YtDlpPath:         "yt-dlp",
			SpotdlPath:        "spotdl",
			MaxConcurrent:     3,
			MaxDuration:       "30m",
			GracePeriod:       "5s",
			LogTailLines:      200,
			MaxFilenameLength: 150,
		},
		Cleanup: CleanupConfig{
			Enabled:              true,
			RetentionHours:       24,
			TempRetentionHours:   1,
			Cron:                 "0 3 * * *",   // Daily at 03:00
			TempCron:             "0 */6 * * *", // Every 6 hours
			DryRun:               false,
			AdminEnabled:         false, // Admin surface must be explicitly enabled
			AdminTriggerInterval: "30s",
			RunLogRetentionDays:  30,
		},
		WebSocket: WebSocketConfig{
			ThrottleInterval: "100ms",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> .env -> env
// Later files override earlier files. Files ending in .yaml or .yml are parsed as YAML, everything else as TOML.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, config)
		default:
			err = toml.Unmarshal(data, config)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// A missing .env is normal; variables already set in the process win
	_ = godotenv.Load()

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SNAPLOAD_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("SNAPLOAD_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("SNAPLOAD_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if badgerPath := os.Getenv("SNAPLOAD_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if dataDir := os.Getenv("SNAPLOAD_DATA_DIR"); dataDir != "" {
		config.Storage.Paths.DataDir = dataDir
	}

	// Logging configuration
	if level := os.Getenv("SNAPLOAD_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("SNAPLOAD_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Downloads configuration
	if p := os.Getenv("SNAPLOAD_YTDLP_PATH"); p != "" {
		config.Downloads.YtDlpPath = p
	}
	if p := os.Getenv("SNAPLOAD_SPOTDL_PATH"); p != "" {
		config.Downloads.SpotdlPath = p
	}
	if v := os.Getenv("SNAPLOAD_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Downloads.MaxConcurrent = n
		}
	}
	if v := os.Getenv("SNAPLOAD_MAX_DURATION"); v != "" {
		config.Downloads.MaxDuration = v
	}
	if v := os.Getenv("SNAPLOAD_GRACE_PERIOD"); v != "" {
		config.Downloads.GracePeriod = v
	}

	// Cleanup configuration
	if v := os.Getenv("SNAPLOAD_CLEANUP_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Cleanup.Enabled = b
		}
	}
	if v := os.Getenv("SNAPLOAD_RETENTION_HOURS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Cleanup.RetentionHours = f
		}
	}
	if v := os.Getenv("SNAPLOAD_TEMP_RETENTION_HOURS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Cleanup.TempRetentionHours = f
		}
	}
	if v := os.Getenv("SNAPLOAD_CLEANUP_CRON"); v != "" {
		config.Cleanup.Cron = v
	}
	if v := os.Getenv("SNAPLOAD_TEMP_CLEANUP_CRON"); v != "" {
		config.Cleanup.TempCron = v
	}
	if v := os.Getenv("SNAPLOAD_CLEANUP_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Cleanup.DryRun = b
		}
	}
	if v := os.Getenv("SNAPLOAD_ADMIN_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Cleanup.AdminEnabled = b
		}
	}
	if v := os.Getenv("SNAPLOAD_RUN_LOG_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Cleanup.RunLogRetentionDays = n
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks values that would otherwise fail late at runtime
func (c *Config) Validate() error {
	if c.IsProduction() && c.Storage.Badger.ResetOnStartup {
		return fmt.Errorf("storage.badger.reset_on_startup is not allowed in production")
	}
	if c.Downloads.MaxConcurrent < 0 {
		return fmt.Errorf("downloads.max_concurrent must be >= 0, got %d", c.Downloads.MaxConcurrent)
	}
	if _, err := time.ParseDuration(c.Downloads.MaxDuration); err != nil {
		return fmt.Errorf("invalid downloads.max_duration %q: %w", c.Downloads.MaxDuration, err)
	}
	if _, err := time.ParseDuration(c.Downloads.GracePeriod); err != nil {
		return fmt.Errorf("invalid downloads.grace_period %q: %w", c.Downloads.GracePeriod, err)
	}
	if c.Cleanup.RetentionHours < 0 || c.Cleanup.TempRetentionHours < 0 {
		return fmt.Errorf("retention hours must be >= 0")
	}
	if err := ValidateCleanupSchedule(c.Cleanup.Cron); err != nil {
		return fmt.Errorf("cleanup.cron: %w", err)
	}
	if err := ValidateCleanupSchedule(c.Cleanup.TempCron); err != nil {
		return fmt.Errorf("cleanup.temp_cron: %w", err)
	}
	return nil
}

// ValidateCleanupSchedule validates a standard 5-field cron expression
func ValidateCleanupSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// ResolvePath joins a configured path with DataDir unless it is already absolute
func (p PathsConfig) ResolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.DataDir, path)
}

// MaxDurationValue returns the parsed per-job wall clock budget
func (d DownloadsConfig) MaxDurationValue() time.Duration {
	return parseDuration(d.MaxDuration, 30*time.Minute)
}

// GracePeriodValue returns the parsed SIGTERM to SIGKILL delay
func (d DownloadsConfig) GracePeriodValue() time.Duration {
	return parseDuration(d.GracePeriod, 5*time.Second)
}

// AdminTriggerIntervalValue returns the minimum gap between manual cleanup triggers
func (c CleanupConfig) AdminTriggerIntervalValue() time.Duration {
	return parseDuration(c.AdminTriggerInterval, 30*time.Second)
}

// ThrottleIntervalValue returns the per-client websocket throttle interval
func (w WebSocketConfig) ThrottleIntervalValue() time.Duration {
	return parseDuration(w.ThrottleInterval, 100*time.Millisecond)
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// DeepCloneConfig creates a deep copy of the Config struct
func DeepCloneConfig(c *Config) *Config {
	if c == nil {
		return nil
	}

	clone := *c

	if len(c.Logging.Output) > 0 {
		clone.Logging.Output = make([]string, len(c.Logging.Output))
		copy(clone.Logging.Output, c.Logging.Output)
	}

	return &clone
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
