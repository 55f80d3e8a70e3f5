package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/downfa11-org/segstore/pkg/data"
	"github.com/downfa11-org/segstore/pkg/lock"
	"github.com/downfa11-org/segstore/pkg/segment"
	"github.com/downfa11-org/segstore/pkg/types"
	"github.com/downfa11-org/segstore/util"
)

const (
	defaultGzGroupSize    = types.DefaultGzGroupSize
	defaultReaderPoolSize = segment.DefaultReaderPoolSize
	defaultExporterPort   = 9100
)

func (cfg *Config) Normalize() {
	// dataset layout
	cfg.Root = strings.TrimSpace(cfg.Root)
	cfg.Step = strings.ToLower(strings.TrimSpace(cfg.Step))
	if cfg.Step != "" {
		if _, err := segment.ParseStep(cfg.Step); err != nil {
			util.Warn("Invalid step '%s', disabling step checks", cfg.Step)
			cfg.Step = ""
		}
	}
	cfg.DefaultFileSegment = strings.ToLower(strings.TrimSpace(cfg.DefaultFileSegment))
	switch cfg.DefaultFileSegment {
	case "", "file", "gz", "tar", "zip":
	default:
		util.Warn("Invalid default_file_segment '%s', defaulting to 'file'", cfg.DefaultFileSegment)
		cfg.DefaultFileSegment = "file"
	}

	// maintenance
	if cfg.ArchiveAgeDays < 0 {
		cfg.ArchiveAgeDays = 0
	}
	if cfg.DeleteAgeDays < 0 {
		cfg.DeleteAgeDays = 0
	}

	// locking
	cfg.LockPolicy = strings.ToLower(strings.TrimSpace(cfg.LockPolicy))
	switch cfg.LockPolicy {
	case "ofd", "null":
	case "":
		cfg.LockPolicy = "ofd"
	default:
		util.Warn("Invalid lock_policy '%s', defaulting to 'ofd'", cfg.LockPolicy)
		cfg.LockPolicy = "ofd"
	}

	if cfg.ReaderPoolSize <= 0 {
		cfg.ReaderPoolSize = defaultReaderPoolSize
	}
	if cfg.ExporterPort <= 0 {
		cfg.ExporterPort = defaultExporterPort
	}
}

// SessionOptions translates the configuration for segment.NewSession.
func (cfg *Config) SessionOptions() (segment.Options, error) {
	opts := segment.Options{
		Data: data.Options{
			DefaultFileSegment: cfg.DefaultFileSegment,
			GzGroupSize:        cfg.GzGroupSize,
			Eatmydata:          cfg.Eatmydata,
			MockData:           cfg.MockData,
		},
		DefaultIndex:   segment.IndexMetadata,
		DatasetLock:    !cfg.LockPerSegment,
		ReaderPoolSize: cfg.ReaderPoolSize,
		ArchiveAge:     days(cfg.ArchiveAgeDays),
		DeleteAge:      days(cfg.DeleteAgeDays),
	}
	if cfg.Step != "" {
		step, err := segment.ParseStep(cfg.Step)
		if err != nil {
			return segment.Options{}, err
		}
		opts.Step = step
	}
	switch cfg.LockPolicy {
	case "null":
		opts.LockPolicy = lock.NullPolicy{}
	case "ofd", "":
		opts.LockPolicy = lock.NewOFDPolicy(&lock.TestContext{Nowait: cfg.LockNowait})
	default:
		return segment.Options{}, fmt.Errorf("unknown lock policy %q", cfg.LockPolicy)
	}
	return opts, nil
}

// RepackConfig returns the settings for repacks and conversions.
func (cfg *Config) RepackConfig() types.RepackConfig {
	rc := types.DefaultRepackConfig()
	rc.GzGroupSize = cfg.GzGroupSize
	return rc
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// applyEnv overrides cfg with SEGSTORE_* environment variables.
func applyEnv(cfg *Config) {
	overrideEnvString(&cfg.Root, "SEGSTORE_ROOT")
	overrideEnvString(&cfg.Step, "SEGSTORE_STEP")
	overrideEnvString(&cfg.DefaultFileSegment, "SEGSTORE_DEFAULT_FILE_SEGMENT")
	overrideEnvUint(&cfg.GzGroupSize, "SEGSTORE_GZ_GROUP_SIZE")
	overrideEnvInt(&cfg.ArchiveAgeDays, "SEGSTORE_ARCHIVE_AGE_DAYS")
	overrideEnvInt(&cfg.DeleteAgeDays, "SEGSTORE_DELETE_AGE_DAYS")
	overrideEnvString(&cfg.LockPolicy, "SEGSTORE_LOCK_POLICY")
	overrideEnvBool(&cfg.LockNowait, "SEGSTORE_LOCK_NOWAIT")
	overrideEnvBool(&cfg.Eatmydata, "SEGSTORE_EATMYDATA")
	overrideEnvInt(&cfg.ReaderPoolSize, "SEGSTORE_READER_POOL_SIZE")
}

func overrideEnvInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseInt(v, *target)
	}
}

func overrideEnvUint(target *uint, key string) {
	if v := os.Getenv(key); v != "" {
		if u, err := strconv.ParseUint(v, 10, 32); err == nil {
			*target = uint(u)
		}
	}
}

func overrideEnvBool(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseBool(v, *target)
	}
}

func overrideEnvString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}
