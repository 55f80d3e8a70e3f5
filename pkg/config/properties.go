package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/downfa11-org/segstore/util"
	"gopkg.in/yaml.v3"
)

// Config holds the settings shared by the segment tools.
type Config struct {
	// Dataset layout
	Root               string `yaml:"root" json:"root"`
	Step               string `yaml:"step" json:"step"`
	DefaultFileSegment string `yaml:"default_file_segment" json:"default_file_segment"`
	GzGroupSize        uint   `yaml:"gz_group_size" json:"gz_group_size"`

	// Maintenance
	ArchiveAgeDays int `yaml:"archive_age_days" json:"archive_age_days"`
	DeleteAgeDays  int `yaml:"delete_age_days" json:"delete_age_days"`

	// Locking
	LockPolicy     string `yaml:"lock_policy" json:"lock_policy"`
	LockNowait     bool   `yaml:"lock_nowait" json:"lock_nowait"`
	LockPerSegment bool   `yaml:"lock_per_segment" json:"lock_per_segment"`

	// Writing
	Eatmydata bool `yaml:"eatmydata" json:"eatmydata"`
	MockData  bool `yaml:"mock_data" json:"mock_data"`

	ReaderPoolSize int `yaml:"reader_pool_size" json:"reader_pool_size"`

	EnableExporter bool          `yaml:"enable_exporter" json:"enable_exporter"`
	ExporterPort   int           `yaml:"exporter_port" json:"exporter_port"`
	LogLevel       util.LogLevel `yaml:"log_level" json:"log_level"`
}

// Flags are the command line options backing a Config. Values given
// explicitly on the command line win over the config file.
type Flags struct {
	fs *flag.FlagSet

	configPath         *string
	root               *string
	step               *string
	defaultFileSegment *string
	gzGroupSize        *string
	archiveAgeDays     *string
	deleteAgeDays      *string
	lockPolicy         *string
	lockNowait         *string
	lockPerSegment     *string
	eatmydata          *string
	mockData           *string
	readerPoolSize     *string
	exporter           *string
	exporterPort       *string
	logLevel           *string
}

// NewFlags registers the configuration flags on fs.
func NewFlags(fs *flag.FlagSet) *Flags {
	return &Flags{
		fs:                 fs,
		configPath:         fs.String("config", "", "Path to YAML/JSON config file"),
		root:               fs.String("root", "", "Dataset root; segment paths are relative to it"),
		step:               fs.String("step", "", "Segment step (daily, weekly, biweekly, monthly, yearly)"),
		defaultFileSegment: fs.String("default-file-segment", "", "Container for new segments (file, gz, tar, zip)"),
		gzGroupSize:        fs.String("gz-group-size", strconv.Itoa(defaultGzGroupSize), "Records per compressed group (0=one group)"),
		archiveAgeDays:     fs.String("archive-age", "0", "Flag segments older than this many days for archiving (0=disabled)"),
		deleteAgeDays:      fs.String("delete-age", "0", "Flag segments older than this many days for deletion (0=disabled)"),
		lockPolicy:         fs.String("lock-policy", "ofd", "Lock policy (ofd, null)"),
		lockNowait:         fs.String("lock-nowait", "false", "Fail instead of waiting for busy locks"),
		lockPerSegment:     fs.String("lock-per-segment", "false", "Use one lock file per segment instead of one per dataset"),
		eatmydata:          fs.String("eatmydata", "false", "Skip fsync when committing appends"),
		mockData:           fs.String("mock-data", "false", "Write holes instead of record data"),
		readerPoolSize:     fs.String("reader-pool-size", strconv.Itoa(defaultReaderPoolSize), "Maximum number of pooled open readers"),
		exporter:           fs.String("exporter", "false", "Enable Prometheus exporter"),
		exporterPort:       fs.String("exporter-port", strconv.Itoa(defaultExporterPort), "Exporter port"),
		logLevel:           fs.String("log-level", "info", "Log Level (debug, info, warn, error)"),
	}
}

// LoadConfig parses the process command line into a Config.
func LoadConfig() (*Config, error) {
	f := NewFlags(flag.CommandLine)
	flag.Parse()
	return f.Config()
}

// Config builds the configuration once the flag set has been parsed:
// flag defaults first, then the config file (from -config or CONFIG_PATH),
// then SEGSTORE_* environment variables and flags set explicitly.
func (f *Flags) Config() (*Config, error) {
	cfg := &Config{}
	f.apply(cfg, func(string) bool { return true })

	configPath := *f.configPath
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" && configPath == "" {
		configPath = envPath
	}
	if configPath != "" {
		if err := loadFile(cfg, configPath); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	explicit := map[string]bool{}
	f.fs.Visit(func(fl *flag.Flag) { explicit[fl.Name] = true })
	f.apply(cfg, func(name string) bool { return explicit[name] })

	cfg.Normalize()
	util.SetLevel(cfg.LogLevel)
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return nil
}

// apply copies the flags selected by use into cfg.
func (f *Flags) apply(cfg *Config, use func(name string) bool) {
	if use("root") {
		cfg.Root = *f.root
	}
	if use("step") {
		cfg.Step = *f.step
	}
	if use("default-file-segment") {
		cfg.DefaultFileSegment = *f.defaultFileSegment
	}
	if use("gz-group-size") {
		if v, err := strconv.ParseUint(*f.gzGroupSize, 10, 32); err == nil {
			cfg.GzGroupSize = uint(v)
		}
	}
	if use("archive-age") {
		cfg.ArchiveAgeDays = util.ParseInt(*f.archiveAgeDays, cfg.ArchiveAgeDays)
	}
	if use("delete-age") {
		cfg.DeleteAgeDays = util.ParseInt(*f.deleteAgeDays, cfg.DeleteAgeDays)
	}
	if use("lock-policy") {
		cfg.LockPolicy = *f.lockPolicy
	}
	if use("lock-nowait") {
		cfg.LockNowait = util.ParseBool(*f.lockNowait, cfg.LockNowait)
	}
	if use("lock-per-segment") {
		cfg.LockPerSegment = util.ParseBool(*f.lockPerSegment, cfg.LockPerSegment)
	}
	if use("eatmydata") {
		cfg.Eatmydata = util.ParseBool(*f.eatmydata, cfg.Eatmydata)
	}
	if use("mock-data") {
		cfg.MockData = util.ParseBool(*f.mockData, cfg.MockData)
	}
	if use("reader-pool-size") {
		cfg.ReaderPoolSize = util.ParseInt(*f.readerPoolSize, cfg.ReaderPoolSize)
	}
	if use("exporter") {
		cfg.EnableExporter = util.ParseBool(*f.exporter, cfg.EnableExporter)
	}
	if use("exporter-port") {
		cfg.ExporterPort = util.ParseInt(*f.exporterPort, cfg.ExporterPort)
	}
	if use("log-level") {
		cfg.LogLevel = util.ParseLogLevel(*f.logLevel)
	}
}
