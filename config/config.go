package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Eastmoney EastmoneyConfig `mapstructure:"eastmoney"`
	Collector CollectorConfig `mapstructure:"collector"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	DataTime  DataTimeConfig  `mapstructure:"data_time"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Log       LogConfig       `mapstructure:"log"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

type EastmoneyConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	UT           string        `mapstructure:"ut"`
	UserAgent    string        `mapstructure:"user_agent"`
	Fields       []string      `mapstructure:"fields"`        // provider field codes, e.g. "f62"
	PrimaryField string        `mapstructure:"primary_field"` // field summed by the aggregator
	RateLimit    RateLimit     `mapstructure:"rate_limit"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type RateLimit struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"` // 0 disables the limiter
	Burst             int     `mapstructure:"burst"`
}

type CollectorConfig struct {
	Workers       int    `mapstructure:"workers"`
	ReferenceFile string `mapstructure:"reference_file"` // relative to storage.csv_dir unless absolute
}

type ScheduleConfig struct {
	FiveMinute string        `mapstructure:"five_minute"` // cron spec with seconds, empty disables
	OneMinute  string        `mapstructure:"one_minute"`  // cron spec with seconds, empty disables
	Startup    bool          `mapstructure:"startup"`     // run the five-minute job once at startup
	Timezone   string        `mapstructure:"timezone"`
	Bucket     time.Duration `mapstructure:"bucket"`
}

type DataTimeConfig struct {
	Source    string `mapstructure:"source"`    // "clock" or "kline"
	Reference string `mapstructure:"reference"` // secid whose last flow kline dates the run
}

type StorageConfig struct {
	ProjectRoot   string `mapstructure:"project_root"`
	CSVDir        string `mapstructure:"csv_dir"`
	SummaryFile   string `mapstructure:"summary_file"`
	RealtimeFile  string `mapstructure:"realtime_file"`
	SnapshotFile  string `mapstructure:"snapshot_file"`
	WriteRaw      bool   `mapstructure:"write_raw"`
	WriteSnapshot bool   `mapstructure:"write_snapshot"`
}

// Options defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

// Load loads application configuration using Viper.
// It reads config.yaml and overrides with environment variables.
// An explicit path (or FUNDFLOW_CONFIG) wins over the search paths.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = os.Getenv("FUNDFLOW_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // config.yaml
		v.SetConfigType("yaml")

		ex, _ := os.Executable()
		if strings.Contains(ex, "go-build") {
			pwd, _ := os.Getwd()
			v.AddConfigPath(filepath.Join(pwd, "config"))
			v.AddConfigPath(filepath.Join(pwd, "../../config"))
		} else {
			v.AddConfigPath(filepath.Join(filepath.Dir(ex), "../config"))
		}
	}

	// Support environment variables with dot notation (e.g., EASTMONEY_BASE_URL)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Location returns the schedule timezone, falling back to the local zone.
func (c *Config) Location() *time.Location {
	if c.Schedule.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Path resolves name against the csv directory unless it is absolute.
func (s StorageConfig) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.CSVDir, name)
}

// EnsureDirs creates the output directories if they are missing.
func (s StorageConfig) EnsureDirs() error {
	if err := os.MkdirAll(s.CSVDir, 0755); err != nil {
		return fmt.Errorf("create csv dir %s: %w", s.CSVDir, err)
	}
	return nil
}
