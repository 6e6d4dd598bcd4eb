// Package config provides configuration for the sink service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Resolver kinds.
const (
	ResolverIngestion = "ingestion"
	ResolverField     = "field"
)

// Config holds the configuration of one sink task and its service surface.
type Config struct {
	// ClusterURI selects the storage engine: sqlite://<path> or memory://
	ClusterURI string `json:"cluster_uri" yaml:"cluster_uri" validate:"required"`

	// Tables maps topics to tables, one "topic=table" entry each
	Tables []string `json:"tables" yaml:"tables" validate:"required,min=1,dive,required"`

	// DataDir is the base directory for the journal and local archive
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Timestamp TimestampConfig `json:"timestamp" yaml:"timestamp"`
	Writer    WriterConfig    `json:"writer" yaml:"writer"`
	Journal   JournalConfig   `json:"journal" yaml:"journal"`
	Archive   ArchiveConfig   `json:"archive" yaml:"archive"`
	HTTP      HTTPConfig      `json:"http" yaml:"http"`
	GRPC      GRPCConfig      `json:"grpc" yaml:"grpc"`
}

// TimestampConfig selects how the row timestamp is resolved.
type TimestampConfig struct {
	// Resolver is "ingestion" (upstream record time) or "field"
	Resolver string `json:"resolver" yaml:"resolver" validate:"oneof=ingestion field"`

	// Field names the value field holding the event time (field resolver)
	Field string `json:"field" yaml:"field" validate:"required_if=Resolver field"`

	// Unit of integer field values: s, ms, us, ns
	Unit string `json:"unit" yaml:"unit" validate:"omitempty,oneof=s ms us ns"`

	// Fallback uses the ingestion time when the field cannot be resolved
	Fallback bool `json:"fallback" yaml:"fallback"`
}

// WriterConfig controls buffering of the write session.
type WriterConfig struct {
	// FlushSize triggers a flush once this many rows are buffered
	FlushSize int `json:"flush_size" yaml:"flush_size" validate:"min=1"`

	// FlushInterval is the period of the background flush loop
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`

	// MaxRetries bounds retries of a failed explicit flush
	MaxRetries int `json:"max_retries" yaml:"max_retries" validate:"min=0"`
}

// JournalConfig configures the lost-row journal.
type JournalConfig struct {
	// Dir is the journal directory; empty resolves to <data_dir>/journal
	Dir string `json:"dir" yaml:"dir"`

	// MaxSegmentSize rotates segments above this many bytes
	MaxSegmentSize int64 `json:"max_segment_size" yaml:"max_segment_size" validate:"min=1024"`
}

// ArchiveConfig configures where replayed journal segments are archived.
type ArchiveConfig struct {
	// Type is none, local or s3
	Type string `json:"type" yaml:"type" validate:"oneof=none local s3"`

	// Path is the local archive path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`

	// Restore pulls archived segments back into the journal at start so
	// they are replayed again
	Restore bool `json:"restore" yaml:"restore"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket   string `json:"bucket" yaml:"bucket"`
	Region   string `json:"region" yaml:"region"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr         string        `json:"addr" yaml:"addr" validate:"required"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC health server configuration.
type GRPCConfig struct {
	Addr    string `json:"addr" yaml:"addr" validate:"required_if=Enabled true"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		ClusterURI: "sqlite://./data/sink/sink.db",
		DataDir:    "./data/sink",
		Timestamp: TimestampConfig{
			Resolver: ResolverIngestion,
			Unit:     "ms",
		},
		Writer: WriterConfig{
			FlushSize:     1000,
			FlushInterval: time.Second,
			MaxRetries:    3,
		},
		Journal: JournalConfig{
			MaxSegmentSize: 16 * 1024 * 1024,
		},
		Archive: ArchiveConfig{
			Type: "none",
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
	}
}

// Resolve fills paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/sink"
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = filepath.Join(c.DataDir, "journal")
	}
	if c.Archive.Type == "local" && c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "archive")
	}
	if c.Timestamp.Unit == "" {
		c.Timestamp.Unit = "ms"
	}
}

var validate = validator.New()

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := ParseTables(c.Tables); err != nil {
		return err
	}
	if c.Writer.FlushInterval < 0 {
		return fmt.Errorf("config: writer.flush_interval must not be negative, got %v", c.Writer.FlushInterval)
	}
	if c.Archive.Type == "s3" && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("config: archive.s3.bucket is required when archive type is s3")
	}
	return nil
}

// ParseTables parses "topic=table" entries into a topic to table map.
// A topic may only be mapped once.
func ParseTables(entries []string) (map[string]string, error) {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("config: invalid table mapping %q (want topic=table)", e)
		}
		topic, table := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if topic == "" || table == "" {
			return nil, fmt.Errorf("config: invalid table mapping %q (want topic=table)", e)
		}
		if _, dup := out[topic]; dup {
			return nil, fmt.Errorf("config: topic %q is mapped more than once", topic)
		}
		out[topic] = table
	}
	return out, nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the ARKILIAN_SINK_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("ARKILIAN_SINK_CLUSTER_URI"); v != "" {
		cfg.ClusterURI = v
	}
	if v := os.Getenv("ARKILIAN_SINK_TABLES"); v != "" {
		cfg.Tables = splitList(v)
	}
	if v := os.Getenv("ARKILIAN_SINK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Timestamp resolution
	if v := os.Getenv("ARKILIAN_SINK_TIMESTAMP_RESOLVER"); v != "" {
		cfg.Timestamp.Resolver = v
	}
	if v := os.Getenv("ARKILIAN_SINK_TIMESTAMP_FIELD"); v != "" {
		cfg.Timestamp.Field = v
	}
	if v := os.Getenv("ARKILIAN_SINK_TIMESTAMP_UNIT"); v != "" {
		cfg.Timestamp.Unit = v
	}
	if v := os.Getenv("ARKILIAN_SINK_TIMESTAMP_FALLBACK"); v != "" {
		cfg.Timestamp.Fallback = v == "true" || v == "1"
	}

	// Writer
	if v := os.Getenv("ARKILIAN_SINK_FLUSH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Writer.FlushSize)
	}
	if v := os.Getenv("ARKILIAN_SINK_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Writer.FlushInterval = d
		}
	}
	if v := os.Getenv("ARKILIAN_SINK_MAX_RETRIES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Writer.MaxRetries)
	}

	if v := os.Getenv("ARKILIAN_SINK_JOURNAL_DIR"); v != "" {
		cfg.Journal.Dir = v
	}

	// Archive
	if v := os.Getenv("ARKILIAN_SINK_ARCHIVE_TYPE"); v != "" {
		cfg.Archive.Type = v
	}
	if v := os.Getenv("ARKILIAN_SINK_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
	if v := os.Getenv("ARKILIAN_SINK_ARCHIVE_RESTORE"); v == "true" || v == "1" {
		cfg.Archive.Restore = true
	}
	if v := os.Getenv("ARKILIAN_SINK_S3_BUCKET"); v != "" {
		cfg.Archive.S3.Bucket = v
	}
	if v := os.Getenv("ARKILIAN_SINK_S3_REGION"); v != "" {
		cfg.Archive.S3.Region = v
	}
	if v := os.Getenv("ARKILIAN_SINK_S3_ENDPOINT"); v != "" {
		cfg.Archive.S3.Endpoint = v
	}

	if v := os.Getenv("ARKILIAN_SINK_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("ARKILIAN_SINK_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("ARKILIAN_SINK_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.Journal.Dir}
	if c.Archive.Type == "local" {
		dirs = append(dirs, c.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
