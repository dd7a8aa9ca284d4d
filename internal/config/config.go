package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar"
	"gopkg.in/yaml.v3"
)

// ErrConfiguration is returned for malformed or unreadable configuration
// files; it is always surfaced before any repository or network work.
var ErrConfiguration = errors.New("configuration error")

// Default file names follow the original importer conventions.
const (
	DefaultIgnoreFile          = "codemodel_rifle_ignore"
	DefaultTransformConfigFile = "codemodel_rifle_babel"
	DefaultMaxUploadTrials     = 10
)

// Config represents the complete rifle-import configuration
type Config struct {
	Remote    RemoteConfig    `yaml:"remote"`
	Files     FilesConfig     `yaml:"files"`
	Transform TransformConfig `yaml:"transform"`
	Upload    UploadConfig    `yaml:"upload"`
}

// RemoteConfig configures the analysis service endpoint
type RemoteConfig struct {
	RootURL string `yaml:"root_url"`
}

// FilesConfig configures which repository files are synchronized
type FilesConfig struct {
	IgnoreFile string `yaml:"ignore_file"`
	// IncludePatterns are doublestar globs matched against repository-relative
	// paths. Only matching files are synchronized.
	IncludePatterns []string `yaml:"include_patterns"`
}

// TransformConfig configures the per-file transform step
type TransformConfig struct {
	// Command is the external transform program. When empty, files are
	// uploaded untransformed.
	Command string `yaml:"command"`
	// ConfigFile contains one command-line flag per line, passed to the
	// transform program on every invocation.
	ConfigFile string `yaml:"config_file"`
}

// UploadConfig configures upload retry and batching behavior
type UploadConfig struct {
	MaxTrials int `yaml:"max_trials"`
	// MaxBatchBytes splits the change set into size-bounded requests when
	// set. Zero means a single request regardless of size.
	MaxBatchBytes int64 `yaml:"max_batch_bytes"`
}

// Load reads and parses the agent configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", ErrConfiguration, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file: %v", ErrConfiguration, err)
	}

	cfg.expandEnv()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration used when no config file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Remote.RootURL = os.ExpandEnv(c.Remote.RootURL)
	c.Files.IgnoreFile = os.ExpandEnv(c.Files.IgnoreFile)
	c.Transform.Command = os.ExpandEnv(c.Transform.Command)
	c.Transform.ConfigFile = os.ExpandEnv(c.Transform.ConfigFile)
	for i, p := range c.Files.IncludePatterns {
		c.Files.IncludePatterns[i] = os.ExpandEnv(p)
	}
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Files.IgnoreFile == "" {
		c.Files.IgnoreFile = DefaultIgnoreFile
	}
	if len(c.Files.IncludePatterns) == 0 {
		// The original importer only analyzed JavaScript sources.
		c.Files.IncludePatterns = []string{"**/*.js", "*.js"}
	}
	if c.Transform.ConfigFile == "" {
		c.Transform.ConfigFile = DefaultTransformConfigFile
	}
	if c.Upload.MaxTrials == 0 {
		c.Upload.MaxTrials = DefaultMaxUploadTrials
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Upload.MaxTrials < 1 {
		return fmt.Errorf("%w: upload.max_trials must be at least 1", ErrConfiguration)
	}
	if c.Upload.MaxBatchBytes < 0 {
		return fmt.Errorf("%w: upload.max_batch_bytes cannot be negative", ErrConfiguration)
	}

	for _, p := range c.Files.IncludePatterns {
		if p == "" {
			return fmt.Errorf("%w: files.include_patterns contains an empty pattern", ErrConfiguration)
		}
		if _, err := doublestar.Match(p, "probe"); err != nil {
			return fmt.Errorf("%w: invalid include pattern %q: %v", ErrConfiguration, p, err)
		}
	}

	return nil
}

// Included reports whether path matches any configured include pattern.
// An empty pattern list includes everything.
func (c *Config) Included(path string) bool {
	if len(c.Files.IncludePatterns) == 0 {
		return true
	}
	for _, p := range c.Files.IncludePatterns {
		if ok, err := doublestar.Match(p, path); err == nil && ok {
			return true
		}
	}
	return false
}

// IgnoreSet filters repository paths excluded from synchronization. Entries
// ending in a slash are directory prefixes; everything else is an exact path.
type IgnoreSet struct {
	exact    map[string]struct{}
	prefixes []string
}

// LoadIgnoreSet reads and parses the ignore file. A missing file yields an
// empty set; a present but unreadable file is a fatal configuration error,
// on the assumption it is intentionally there.
func LoadIgnoreSet(path string) (*IgnoreSet, error) {
	set := &IgnoreSet{exact: make(map[string]struct{})}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, fmt.Errorf("%w: failed to read ignore file %q: %v", ErrConfiguration, path, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasSuffix(line, "/") {
			set.prefixes = append(set.prefixes, line)
			continue
		}
		set.exact[line] = struct{}{}
	}

	return set, nil
}

// Ignored reports whether the repository-relative path is excluded.
func (s *IgnoreSet) Ignored(path string) bool {
	if _, ok := s.exact[path]; ok {
		return true
	}
	for _, prefix := range s.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Len returns the number of ignore rules loaded.
func (s *IgnoreSet) Len() int {
	return len(s.exact) + len(s.prefixes)
}

// LoadTransformConfig reads the transform-config file and returns one flag
// per non-empty line. A missing file yields no flags.
func LoadTransformConfig(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to read transform config file %q: %v", ErrConfiguration, path, err)
	}

	var flags []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		flags = append(flags, line)
	}

	return flags, nil
}
