package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Default values for optional configuration fields.
const (
	DefaultBaseURL       = "https://push2.eastmoney.com"
	DefaultTimeout       = 10 * time.Second
	DefaultUT            = "b2884a393a59ad64002292a3e90d46a5"
	DefaultUserAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	DefaultPrimaryField  = "f62"
	DefaultRetryBackoff  = 500 * time.Millisecond
	DefaultWorkers       = 8
	DefaultReference     = "hs300.csv"
	DefaultFiveMinute    = "0 */5 * * * *"
	DefaultOneMinute     = "0 * * * * *"
	DefaultBucket        = 5 * time.Minute
	DefaultDataTime      = DataTimeClock
	DefaultKlineSecID    = "0.000001"
	DefaultCSVDir        = "data/csvdb"
	DefaultSummaryFile   = "summary.csv"
	DefaultRealtimeFile  = "realtime.csv"
	DefaultSnapshotFile  = "snapshot.csv"
	DefaultLogLevel      = "info"
	DefaultArchivePrefix = "fundflow"
)

const (
	DataTimeClock = "clock"
	DataTimeKline = "kline"
)

// DefaultFields are the provider field codes requested when none are configured.
var DefaultFields = []string{"f62", "f184"}

// CronParser accepts the six-field specs used by the scheduler.
var CronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// setDefaults registers defaults whose zero value is meaningful, so an
// explicit empty or false in config.yaml still wins.
func setDefaults(v *viper.Viper) {
	v.SetDefault("schedule.five_minute", DefaultFiveMinute)
	v.SetDefault("schedule.one_minute", DefaultOneMinute)
	v.SetDefault("schedule.startup", true)
	v.SetDefault("storage.write_raw", true)
	v.SetDefault("storage.write_snapshot", true)
}

func (c *Config) applyDefaults() {
	// Eastmoney defaults
	if c.Eastmoney.BaseURL == "" {
		c.Eastmoney.BaseURL = DefaultBaseURL
	}
	if c.Eastmoney.Timeout == 0 {
		c.Eastmoney.Timeout = DefaultTimeout
	}
	if c.Eastmoney.UT == "" {
		c.Eastmoney.UT = DefaultUT
	}
	if c.Eastmoney.UserAgent == "" {
		c.Eastmoney.UserAgent = DefaultUserAgent
	}
	if len(c.Eastmoney.Fields) == 0 {
		c.Eastmoney.Fields = append([]string(nil), DefaultFields...)
	}
	if c.Eastmoney.PrimaryField == "" {
		c.Eastmoney.PrimaryField = DefaultPrimaryField
	}
	if c.Eastmoney.RetryBackoff == 0 {
		c.Eastmoney.RetryBackoff = DefaultRetryBackoff
	}
	if c.Eastmoney.RateLimit.RequestsPerSecond > 0 && c.Eastmoney.RateLimit.Burst == 0 {
		c.Eastmoney.RateLimit.Burst = 1
	}

	// Collector defaults
	if c.Collector.Workers == 0 {
		c.Collector.Workers = DefaultWorkers
	}
	if c.Collector.ReferenceFile == "" {
		c.Collector.ReferenceFile = DefaultReference
	}

	// Schedule defaults
	if c.Schedule.Bucket == 0 {
		c.Schedule.Bucket = DefaultBucket
	}

	// Data time defaults
	if c.DataTime.Source == "" {
		c.DataTime.Source = DefaultDataTime
	}
	if c.DataTime.Reference == "" {
		c.DataTime.Reference = DefaultKlineSecID
	}

	// Storage defaults
	if c.Storage.ProjectRoot == "" {
		c.Storage.ProjectRoot = projectRoot()
	}
	if c.Storage.CSVDir == "" {
		c.Storage.CSVDir = DefaultCSVDir
	}
	if !filepath.IsAbs(c.Storage.CSVDir) {
		c.Storage.CSVDir = filepath.Join(c.Storage.ProjectRoot, c.Storage.CSVDir)
	}
	if c.Storage.SummaryFile == "" {
		c.Storage.SummaryFile = DefaultSummaryFile
	}
	if c.Storage.RealtimeFile == "" {
		c.Storage.RealtimeFile = DefaultRealtimeFile
	}
	if c.Storage.SnapshotFile == "" {
		c.Storage.SnapshotFile = DefaultSnapshotFile
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}

	// Archive defaults
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = DefaultArchivePrefix
	}
}

// projectRoot is the parent of the directory holding the binary, mirroring
// the layout bin/collector + config/ + data/.
func projectRoot() string {
	ex, err := os.Executable()
	if err != nil {
		pwd, _ := os.Getwd()
		return pwd
	}
	if filepath.Base(filepath.Dir(ex)) == "bin" {
		return filepath.Dir(filepath.Dir(ex))
	}
	pwd, _ := os.Getwd()
	return pwd
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Collector.Workers < 0 {
		return fmt.Errorf("collector.workers (%d) must be positive", c.Collector.Workers)
	}
	if c.Eastmoney.MaxRetries < 0 {
		return fmt.Errorf("eastmoney.max_retries (%d) cannot be negative", c.Eastmoney.MaxRetries)
	}
	if !contains(c.Eastmoney.Fields, c.Eastmoney.PrimaryField) {
		return fmt.Errorf("eastmoney.primary_field %q must be one of eastmoney.fields", c.Eastmoney.PrimaryField)
	}
	if c.Schedule.FiveMinute == "" && c.Schedule.OneMinute == "" && !c.Schedule.Startup {
		return errors.New("schedule: no job enabled")
	}
	for name, spec := range map[string]string{
		"schedule.five_minute": c.Schedule.FiveMinute,
		"schedule.one_minute":  c.Schedule.OneMinute,
	} {
		if spec == "" {
			continue
		}
		if _, err := CronParser.Parse(spec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Schedule.Bucket < time.Minute || c.Schedule.Bucket%time.Minute != 0 || time.Hour%c.Schedule.Bucket != 0 {
		return fmt.Errorf("schedule.bucket (%s) must divide one hour in whole minutes", c.Schedule.Bucket)
	}
	if c.DataTime.Source != DataTimeClock && c.DataTime.Source != DataTimeKline {
		return fmt.Errorf("data_time.source %q must be %q or %q", c.DataTime.Source, DataTimeClock, DataTimeKline)
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return errors.New("archive.bucket is required when archive is enabled")
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
