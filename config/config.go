// Package config handles codezone.toml configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "codezone.toml"

// Config is the configuration of one code cache instance.
type Config struct {
	Zone      Zone      `toml:"zone" json:"zone"`
	JumpTable JumpTable `toml:"jumptable" json:"jumptable"`
	IC        IC        `toml:"ic" json:"ic"`
	Sweeper   Sweeper   `toml:"sweeper" json:"sweeper"`
	Log       Log       `toml:"log" json:"log"`
	EventLog  EventLog  `toml:"eventlog" json:"eventlog"`

	// Dir is the directory containing the codezone.toml file (set at load time).
	Dir string `toml:"-" json:"-"`
}

// Zone configures the code cache heap.
type Zone struct {
	Size Size `toml:"size" json:"size"`
	// CompactionThreshold is the fraction of the heap that may be lost to
	// holes before an allocation compacts.
	CompactionThreshold float64 `toml:"compaction_threshold" json:"compaction_threshold"`
	StrictVerification  bool    `toml:"strict_verification" json:"strict_verification"`
}

// JumpTable configures the indirection table.
type JumpTable struct {
	Capacity  int `toml:"capacity" json:"capacity"`
	BlockArea int `toml:"block_area" json:"block_area"`
}

// IC configures send-site dispatch.
type IC struct {
	PolymorphicLimit int `toml:"polymorphic_limit" json:"polymorphic_limit"`
	LookupCacheSize  int `toml:"lookup_cache_size" json:"lookup_cache_size"`
}

// Sweeper configures the incremental sweeper.
type Sweeper struct {
	// HalfLife is the number of sweeps after which an idle invocation
	// counter has halved.
	HalfLife       float64       `toml:"half_life" json:"half_life"`
	MaxAge         int           `toml:"max_age" json:"max_age"`
	MethodsPerStep int           `toml:"methods_per_step" json:"methods_per_step"`
	Interval       time.Duration `toml:"interval" json:"interval"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity" json:"verbosity"`
	File      string `toml:"file" json:"file"`
}

// EventLog configures the diagnostic event ring.
type EventLog struct {
	Capacity int    `toml:"capacity" json:"capacity"`
	Database string `toml:"database" json:"database"`
}

// Size is a byte count written human-readable ("512KB", "4MB").
type Size int64

// UnmarshalText parses a size with binary multiples.
func (s *Size) UnmarshalText(text []byte) error {
	n, err := units.RAMInBytes(string(text))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	*s = Size(n)
	return nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Zone: Zone{
			Size:                4 * units.MiB,
			CompactionThreshold: 0.25,
		},
		JumpTable: JumpTable{Capacity: 4096, BlockArea: 4096},
		IC:        IC{PolymorphicLimit: 4, LookupCacheSize: 1024},
		Sweeper: Sweeper{
			HalfLife:       8,
			MaxAge:         16,
			MethodsPerStep: 32,
			Interval:       100 * time.Millisecond,
		},
		Log:      Log{Verbosity: 1},
		EventLog: EventLog{Capacity: 256},
	}
}

// Load parses a codezone.toml file from the given directory. Keys the
// file leaves out keep their defaults.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return c, nil
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %s", undecoded[0])
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a codezone.toml file, then
// loads it. Returns the default configuration if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// Path resolves p against the configuration directory.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}
