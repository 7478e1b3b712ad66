// Package manifest handles specter.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/BurntSushi/toml"

	"github.com/chazu/specter/dispatch"
	"github.com/chazu/specter/speclog"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "specter.toml"

// Config represents a specter.toml configuration.
type Config struct {
	Deoptimization Deoptimization `toml:"deoptimization" json:"deoptimization"`
	Dispatch       Dispatch       `toml:"dispatch" json:"dispatch"`
	SpeculationLog SpeculationLog `toml:"speculation-log" json:"speculation-log"`
	Log            Log            `toml:"log" json:"log"`

	// Dir is the directory containing the specter.toml file (set at load time).
	Dir string `toml:"-" json:"-"`

	limit atomic.Int64
}

// Deoptimization configures the deoptimization coordinator.
type Deoptimization struct {
	Trace bool `toml:"trace" json:"trace"`
}

// Dispatch configures call-site caches.
type Dispatch struct {
	DefaultLimit int `toml:"default-limit" json:"default-limit"`
}

// SpeculationLog configures the persistent speculation log.
type SpeculationLog struct {
	Path        string `toml:"path" json:"path"`
	MaxFailures int    `toml:"max-failures" json:"max-failures"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity" json:"verbosity"`
	File      string `toml:"file" json:"file"`
}

// Default returns the configuration used when no specter.toml exists.
func Default() *Config {
	c := &Config{}
	c.Dispatch.DefaultLimit = dispatch.DefaultLimit
	c.SpeculationLog.MaxFailures = speclog.DefaultMaxFailures
	c.limit.Store(int64(c.Dispatch.DefaultLimit))
	return c
}

// Load parses and validates a specter.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parse error in %s: unknown key %s", path, undecoded[0])
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if err := Validate(c); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.limit.Store(int64(c.Dispatch.DefaultLimit))
	return c, nil
}

// FindAndLoad walks up from startDir to find a specter.toml file,
// then loads and returns it. Returns nil if no file is found.
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
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// SpeculationLogPath returns the absolute path of the speculation log
// database, or "" if persistence is disabled.
func (c *Config) SpeculationLogPath() string {
	p := c.SpeculationLog.Path
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// LogFilePath returns the log file path, or nil to log to stderr.
func (c *Config) LogFilePath() *string {
	if c.Log.File == "" {
		return nil
	}
	p := c.Log.File
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.Dir, p)
	}
	return &p
}

// SetDefaultLimit changes the limit seen by DispatchLimit at the next
// cache miss.
func (c *Config) SetDefaultLimit(n int) {
	c.limit.Store(int64(n))
}

// DispatchLimit returns a limit that reads the configured default on every
// cache miss.
func (c *Config) DispatchLimit() dispatch.Limit {
	return dispatch.LimitFunc(func() int {
		return int(c.limit.Load())
	})
}
