package engine

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Config carries the tunables the rest of the spec states as constants in
// prose, grounded on the teacher's newConfig(ctx, name, decoder) idiom: a
// plain struct decoded with github.com/goccy/go-yaml, with a zero value that
// resolves to sensible defaults rather than requiring every field to be set.
type Config struct {
	ChunkThreshold int `yaml:"chunk_threshold"`
	ChunkSize      int `yaml:"chunk_size"`
	CompressMin    int `yaml:"compress_min"`
	Compress       bool `yaml:"compress"`

	// ExtraReservedWords/ExtraSynonyms extend internal/identifier's fixed
	// word lists with deployment-specific entries. Applied once, at New.
	ExtraReservedWords []string          `yaml:"extra_reserved_words"`
	ExtraSynonyms      map[string]string `yaml:"extra_synonyms"`

	// SampleRowCount caps the sample rows in the introspector's and the
	// stage summary's output (default 3). Both collect at most 3 sample
	// rows per table, so a value above 3 has no effect.
	SampleRowCount int `yaml:"sample_row_count"`

	// SchemaDescriptor, if non-empty, is parsed once at New via
	// internal/descriptor.Parse. A parse failure is logged as a warning
	// and the engine degrades to pure structural inference, per §4.4.
	SchemaDescriptor string `yaml:"schema_descriptor"`

	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		ChunkThreshold: 32 * 1024,
		ChunkSize:      16 * 1024,
		CompressMin:    8 * 1024,
		Compress:       true,
		SampleRowCount: 3,
		LogFormat:      "standard",
		LogLevel:       "info",
	}
}

// withDefaults resolves cfg against DefaultConfig: an entirely zero-valued
// Config{} resolves to the defaults outright (including Compress, which a
// partial override can't otherwise distinguish from "explicitly off");
// a partially filled Config only has its zero-valued numeric/string fields
// backfilled.
func withDefaults(cfg Config) Config {
	if isZeroConfig(cfg) {
		return DefaultConfig()
	}
	d := DefaultConfig()
	if cfg.ChunkThreshold <= 0 {
		cfg.ChunkThreshold = d.ChunkThreshold
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = d.ChunkSize
	}
	if cfg.CompressMin <= 0 {
		cfg.CompressMin = d.CompressMin
	}
	if cfg.SampleRowCount <= 0 {
		cfg.SampleRowCount = d.SampleRowCount
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = d.LogFormat
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	return cfg
}

// LoadConfig reads and decodes a YAML config file at path. A missing file is
// not an error — it returns DefaultConfig(), the same as passing Config{}
// into New would.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("unable to read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("unable to parse config %s: %w", path, err)
	}
	return withDefaults(cfg), nil
}

// isZeroConfig reports whether cfg is the entirely-unset Config{} value.
// Config holds a slice and a map, so it isn't comparable with ==.
func isZeroConfig(cfg Config) bool {
	return cfg.ChunkThreshold == 0 &&
		cfg.ChunkSize == 0 &&
		cfg.CompressMin == 0 &&
		!cfg.Compress &&
		len(cfg.ExtraReservedWords) == 0 &&
		len(cfg.ExtraSynonyms) == 0 &&
		cfg.SampleRowCount == 0 &&
		cfg.SchemaDescriptor == "" &&
		cfg.LogFormat == "" &&
		cfg.LogLevel == ""
}
