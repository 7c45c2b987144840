package pitstore

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config controls how a store is opened. The zero value is usable: an
// in-memory store with no durability or registry and the absent fill
// policy. DefaultConfig fills in the recommended durability settings for
// a given path.
type Config struct {
	// WAL configures the write-ahead log. The WAL is the durability layer
	// for stores without a backend; it must be disabled when Backend is
	// set, since the backend is then the source of truth on restart.
	WAL WALConfig

	// Ingest configures batch ingestion behavior.
	Ingest IngestConfig

	// Pivot configures training table assembly.
	Pivot PivotConfig

	// Encryption configures at-rest encryption of WAL records and backup
	// archives.
	Encryption EncryptionConfig

	// Registry configures optional feature schemas and strict mode.
	Registry RegistryConfig

	// Archive configures backups to an object store. Nil disables backups.
	Archive *ArchiveConfig

	// Backend is an optional durable log backend (SQLite, Postgres). When
	// set, every append is written through to it before becoming visible,
	// and Open replays its contents. Set programmatically, never from a
	// config file.
	Backend LogBackend
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	// Enabled turns the WAL on. Requires a non-empty store path.
	Enabled bool

	// SyncInterval is how often the background loop flushes and fsyncs.
	// Default: 1s.
	SyncInterval time.Duration

	// MaxSize is the segment size in bytes that triggers rotation.
	// Default: 64 MB.
	MaxSize int64

	// Retain is how many rotated segments to keep. Default: 3.
	Retain int
}

// IngestConfig configures batch ingestion.
type IngestConfig struct {
	// FailFast stops a batch at the first invalid observation; the
	// remainder of the batch is reported as skipped. The default keeps
	// going: each observation is accepted or rejected independently.
	FailFast bool
}

// PivotConfig configures training table assembly.
type PivotConfig struct {
	// DefaultFillPolicy applies when a request does not name one.
	// Default: FillAbsent.
	DefaultFillPolicy FillPolicy
}

// RegistryConfig configures the feature registry.
type RegistryConfig struct {
	// Strict rejects observations whose feature name has no registered
	// schema. Default: off; any non-empty feature name is accepted.
	Strict bool

	// Features are schemas registered at open.
	Features []FeatureSchema
}

// ArchiveConfig configures backups of the observation log.
type ArchiveConfig struct {
	// Path stores archives in a local directory. Mutually exclusive
	// with S3.
	Path string

	// S3 stores archives in an S3 bucket. Mutually exclusive with Path.
	S3 *S3ObjectStoreConfig

	// Store is a programmatic destination. Takes precedence over Path
	// and S3.
	Store ObjectStore

	// Interval schedules automatic backups. Zero means manual only.
	Interval time.Duration

	// RetentionCount is how many backups to keep; older ones are deleted
	// after each successful backup. Zero keeps everything.
	RetentionCount int
}

// DefaultConfig returns the recommended configuration for a store rooted at
// path. A non-empty path enables the WAL.
func DefaultConfig(path string) Config {
	return Config{
		WAL: WALConfig{
			Enabled:      path != "",
			SyncInterval: time.Second,
			MaxSize:      64 * 1024 * 1024,
			Retain:       3,
		},
		Pivot: PivotConfig{
			DefaultFillPolicy: FillAbsent,
		},
	}
}

// Validate checks the configuration for contradictions. Open calls it after
// filling defaults.
func (c Config) Validate() error {
	if c.WAL.SyncInterval < 0 {
		return fmt.Errorf("%w: WAL sync interval must not be negative", ErrInvalidConfig)
	}
	if c.WAL.MaxSize < 0 {
		return fmt.Errorf("%w: WAL max size must not be negative", ErrInvalidConfig)
	}
	if c.WAL.Retain < 0 {
		return fmt.Errorf("%w: WAL retain count must not be negative", ErrInvalidConfig)
	}
	if c.WAL.Enabled && c.Backend != nil {
		return fmt.Errorf("%w: WAL and backend are mutually exclusive; the backend is the durable layer", ErrInvalidConfig)
	}
	if c.Pivot.DefaultFillPolicy != "" && !c.Pivot.DefaultFillPolicy.valid() {
		return fmt.Errorf("%w: unknown fill policy %q", ErrInvalidConfig, c.Pivot.DefaultFillPolicy)
	}
	if c.Encryption.Enabled && c.Encryption.Password == "" && len(c.Encryption.Key) == 0 {
		return fmt.Errorf("%w: encryption enabled without a password or key", ErrInvalidConfig)
	}
	if c.Archive != nil {
		if c.Archive.Interval < 0 {
			return fmt.Errorf("%w: archive interval must not be negative", ErrInvalidConfig)
		}
		if c.Archive.RetentionCount < 0 {
			return fmt.Errorf("%w: archive retention count must not be negative", ErrInvalidConfig)
		}
		if c.Archive.Path != "" && c.Archive.S3 != nil {
			return fmt.Errorf("%w: archive path and S3 are mutually exclusive", ErrInvalidConfig)
		}
		if c.Archive.Store == nil && c.Archive.Path == "" && c.Archive.S3 == nil {
			return fmt.Errorf("%w: archive enabled without a destination", ErrInvalidConfig)
		}
	}
	for _, schema := range c.Registry.Features {
		if err := schema.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// configFile is the YAML shape of a config file. Durations are strings in
// Go duration syntax ("1s", "5m"). Credentials do not belong here; the S3
// section reads them from the environment unless explicitly overridden.
type configFile struct {
	WAL struct {
		Enabled      bool   `yaml:"enabled"`
		SyncInterval string `yaml:"syncInterval,omitempty"`
		MaxSize      int64  `yaml:"maxSize,omitempty"`
		Retain       int    `yaml:"retain,omitempty"`
	} `yaml:"wal"`
	Ingest struct {
		FailFast bool `yaml:"failFast"`
	} `yaml:"ingest"`
	Pivot struct {
		FillPolicy string `yaml:"fillPolicy,omitempty"`
	} `yaml:"pivot"`
	Encryption struct {
		Enabled  bool   `yaml:"enabled"`
		Password string `yaml:"password,omitempty"`
	} `yaml:"encryption"`
	Registry struct {
		Strict   bool            `yaml:"strict"`
		Features []FeatureSchema `yaml:"features,omitempty"`
	} `yaml:"registry"`
	Archive *struct {
		Path           string `yaml:"path,omitempty"`
		Interval       string `yaml:"interval,omitempty"`
		RetentionCount int    `yaml:"retentionCount,omitempty"`
		S3             *struct {
			Bucket       string `yaml:"bucket"`
			Prefix       string `yaml:"prefix,omitempty"`
			Region       string `yaml:"region,omitempty"`
			Endpoint     string `yaml:"endpoint,omitempty"`
			UsePathStyle bool   `yaml:"usePathStyle,omitempty"`
		} `yaml:"s3,omitempty"`
	} `yaml:"archive,omitempty"`
}

// LoadConfig reads a YAML configuration file. Fields the file omits keep
// their zero values; Open fills the remaining defaults. The Backend and
// Archive.Store fields cannot be set from a file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg := Config{
		WAL: WALConfig{
			Enabled: file.WAL.Enabled,
			MaxSize: file.WAL.MaxSize,
			Retain:  file.WAL.Retain,
		},
		Ingest: IngestConfig{FailFast: file.Ingest.FailFast},
		Pivot:  PivotConfig{DefaultFillPolicy: FillPolicy(file.Pivot.FillPolicy)},
		Encryption: EncryptionConfig{
			Enabled:  file.Encryption.Enabled,
			Password: file.Encryption.Password,
		},
		Registry: RegistryConfig{
			Strict:   file.Registry.Strict,
			Features: file.Registry.Features,
		},
	}

	if file.WAL.SyncInterval != "" {
		d, err := time.ParseDuration(file.WAL.SyncInterval)
		if err != nil {
			return Config{}, fmt.Errorf("%w: invalid WAL sync interval %q", ErrInvalidConfig, file.WAL.SyncInterval)
		}
		cfg.WAL.SyncInterval = d
	}

	if file.Archive != nil {
		archive := &ArchiveConfig{
			Path:           file.Archive.Path,
			RetentionCount: file.Archive.RetentionCount,
		}
		if file.Archive.Interval != "" {
			d, err := time.ParseDuration(file.Archive.Interval)
			if err != nil {
				return Config{}, fmt.Errorf("%w: invalid archive interval %q", ErrInvalidConfig, file.Archive.Interval)
			}
			archive.Interval = d
		}
		if file.Archive.S3 != nil {
			archive.S3 = &S3ObjectStoreConfig{
				Bucket:       file.Archive.S3.Bucket,
				Prefix:       file.Archive.S3.Prefix,
				Region:       file.Archive.S3.Region,
				Endpoint:     file.Archive.S3.Endpoint,
				UsePathStyle: file.Archive.S3.UsePathStyle,
			}
		}
		cfg.Archive = archive
	}

	return cfg, nil
}
