package startup

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration. Keys double as environment
// variable names in upper case (max_concurrent_jobs -> MAX_CONCURRENT_JOBS).
type Config struct {
	MediaDir    string `mapstructure:"media_dir"`
	OutputDir   string `mapstructure:"output_dir"`
	TempDir     string `mapstructure:"temp_dir"`
	ChunkDir    string `mapstructure:"chunk_dir"`
	DatabaseDir string `mapstructure:"database_dir"`

	DBBackend string `mapstructure:"db_backend"`
	MySQLDSN  string `mapstructure:"mysql_dsn"`

	Port            string `mapstructure:"port"`
	MetricsPort     string `mapstructure:"metrics_port"`
	MetricsEnabled  bool   `mapstructure:"metrics_enabled"`
	LogHealthChecks bool   `mapstructure:"log_health_checks"`

	FFmpegPath  string `mapstructure:"ffmpeg_path"`
	FFprobePath string `mapstructure:"ffprobe_path"`
	GPUAccel    string `mapstructure:"gpu_accel"`

	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	DefaultQualities  []string      `mapstructure:"default_qualities"`
	OutputLayout      string        `mapstructure:"output_layout"`

	MinFileSize           int64   `mapstructure:"min_file_size"`
	MinSavingsPercent     float64 `mapstructure:"min_savings_percent"`
	PreventInflation      bool    `mapstructure:"prevent_inflation"`
	MaxGrowthPercent      float64 `mapstructure:"max_growth_percent"`
	MinCompressionPercent float64 `mapstructure:"min_compression_percent"`

	AnalyticsTTL time.Duration `mapstructure:"analytics_ttl"`

	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	CorruptedThreshold int64         `mapstructure:"corrupted_threshold"`
	IntegrityCheck     bool          `mapstructure:"integrity_check"`
	TempMaxAge         time.Duration `mapstructure:"temp_max_age"`
	OrphanMinAge       time.Duration `mapstructure:"orphan_min_age"`
	JobRetention       time.Duration `mapstructure:"job_retention"`
	AnalyticsRetention time.Duration `mapstructure:"analytics_retention"`
	PruneCompleted     bool          `mapstructure:"prune_completed"`

	ProgressRetention time.Duration `mapstructure:"progress_retention"`
	ProgressHistory   int           `mapstructure:"progress_history"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisChannel  string `mapstructure:"redis_channel"`

	// Derived paths
	DatabasePath string `mapstructure:"-"`
}

var validQualities = map[string]bool{"1080p": true, "720p": true, "480p": true}

func setDefaults(v *viper.Viper) {
	v.SetDefault("media_dir", "/media")
	v.SetDefault("output_dir", "/data/transcoded")
	v.SetDefault("temp_dir", "/data/temp")
	v.SetDefault("chunk_dir", "/data/chunks")
	v.SetDefault("database_dir", "/database")

	v.SetDefault("db_backend", "sqlite")
	v.SetDefault("mysql_dsn", "")

	v.SetDefault("port", "8080")
	v.SetDefault("metrics_port", "9090")
	v.SetDefault("metrics_enabled", true)
	v.SetDefault("log_health_checks", false)

	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("ffprobe_path", "ffprobe")
	v.SetDefault("gpu_accel", "auto")

	v.SetDefault("max_concurrent_jobs", 2)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("retry_backoff", "10s")
	v.SetDefault("default_qualities", []string{"1080p", "720p", "480p"})
	v.SetDefault("output_layout", "date")

	v.SetDefault("min_file_size", 10*1024*1024)
	v.SetDefault("min_savings_percent", 5.0)
	v.SetDefault("prevent_inflation", true)
	v.SetDefault("max_growth_percent", 0.0)
	v.SetDefault("min_compression_percent", 5.0)

	v.SetDefault("analytics_ttl", "15m")

	v.SetDefault("cleanup_interval", "1h")
	v.SetDefault("corrupted_threshold", 1024)
	v.SetDefault("integrity_check", true)
	v.SetDefault("temp_max_age", "1h")
	v.SetDefault("orphan_min_age", "5m")
	v.SetDefault("job_retention", "168h")
	v.SetDefault("analytics_retention", "720h")
	v.SetDefault("prune_completed", false)

	v.SetDefault("progress_retention", "1h")
	v.SetDefault("progress_history", 50)

	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_channel", "transcode:progress")
}

// ReadConfig builds the configuration from defaults, an optional YAML file
// named by CONFIG_FILE, and the environment, in increasing precedence. It
// performs no filesystem checks.
func ReadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("config_file", "CONFIG_FILE"); err != nil {
		return nil, fmt.Errorf("failed to bind CONFIG_FILE: %w", err)
	}
	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize fills derived fields and replaces out-of-range values with
// defaults. Only settings that cannot be defaulted produce errors.
func (c *Config) normalize() error {
	c.DBBackend = strings.ToLower(strings.TrimSpace(c.DBBackend))
	switch c.DBBackend {
	case "sqlite":
	case "mysql":
		if c.MySQLDSN == "" {
			return fmt.Errorf("MYSQL_DSN is required when DB_BACKEND=mysql")
		}
	default:
		return fmt.Errorf("unsupported DB_BACKEND %q (want sqlite or mysql)", c.DBBackend)
	}

	c.OutputLayout = strings.ToLower(c.OutputLayout)
	if c.OutputLayout != "date" && c.OutputLayout != "mirror" {
		c.OutputLayout = "date"
	}

	c.GPUAccel = strings.ToLower(c.GPUAccel)
	switch c.GPUAccel {
	case "none", "auto", "nvidia", "vaapi", "videotoolbox":
	default:
		c.GPUAccel = "auto"
	}

	if c.MaxConcurrentJobs < 1 {
		c.MaxConcurrentJobs = 2
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}

	qualities := make([]string, 0, len(c.DefaultQualities))
	for _, q := range c.DefaultQualities {
		q = strings.ToLower(strings.TrimSpace(q))
		if validQualities[q] {
			qualities = append(qualities, q)
		}
	}
	if len(qualities) == 0 {
		qualities = []string{"1080p", "720p", "480p"}
	}
	c.DefaultQualities = qualities

	if c.MinFileSize < 0 {
		c.MinFileSize = 0
	}
	if c.MinSavingsPercent < 0 || c.MinSavingsPercent >= 100 {
		c.MinSavingsPercent = 5
	}
	if c.MinCompressionPercent < 0 || c.MinCompressionPercent >= 100 {
		c.MinCompressionPercent = 5
	}
	if c.MaxGrowthPercent < 0 {
		c.MaxGrowthPercent = 0
	}

	if c.AnalyticsTTL <= 0 {
		c.AnalyticsTTL = 15 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.CorruptedThreshold <= 0 {
		c.CorruptedThreshold = 1024
	}
	if c.TempMaxAge <= 0 {
		c.TempMaxAge = time.Hour
	}
	if c.OrphanMinAge < 0 {
		c.OrphanMinAge = 0
	}
	if c.JobRetention <= 0 {
		c.JobRetention = 7 * 24 * time.Hour
	}
	if c.AnalyticsRetention <= 0 {
		c.AnalyticsRetention = 30 * 24 * time.Hour
	}
	if c.ProgressRetention <= 0 {
		c.ProgressRetention = time.Hour
	}
	if c.ProgressHistory < 1 {
		c.ProgressHistory = 50
	}

	for _, dir := range []*string{&c.MediaDir, &c.OutputDir, &c.TempDir, &c.ChunkDir, &c.DatabaseDir} {
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return fmt.Errorf("failed to resolve path %q: %w", *dir, err)
		}
		*dir = abs
	}
	c.DatabasePath = filepath.Join(c.DatabaseDir, "transcode.db")

	return nil
}
