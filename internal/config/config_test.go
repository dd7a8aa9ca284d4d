package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
remote:
  root_url: http://localhost:8080/import
files:
  ignore_file: my_ignore
  include_patterns:
    - "**/*.js"
    - "*.js"
transform:
  command: babel
  config_file: my_babel
upload:
  max_trials: 3
  max_batch_bytes: 1048576
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Remote.RootURL != "http://localhost:8080/import" {
		t.Errorf("unexpected root URL: %s", cfg.Remote.RootURL)
	}
	if cfg.Files.IgnoreFile != "my_ignore" {
		t.Errorf("unexpected ignore file: %s", cfg.Files.IgnoreFile)
	}
	if cfg.Transform.Command != "babel" {
		t.Errorf("unexpected transform command: %s", cfg.Transform.Command)
	}
	if cfg.Upload.MaxTrials != 3 {
		t.Errorf("unexpected max trials: %d", cfg.Upload.MaxTrials)
	}
	if cfg.Upload.MaxBatchBytes != 1048576 {
		t.Errorf("unexpected max batch bytes: %d", cfg.Upload.MaxBatchBytes)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestLoadInvalidYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("remote: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("RIFLE_TEST_URL", "http://rifle.example.com")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("remote:\n  root_url: ${RIFLE_TEST_URL}/import\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Remote.RootURL != "http://rifle.example.com/import" {
		t.Errorf("env var not expanded: %s", cfg.Remote.RootURL)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Files.IgnoreFile != DefaultIgnoreFile {
		t.Errorf("unexpected default ignore file: %s", cfg.Files.IgnoreFile)
	}
	if cfg.Transform.ConfigFile != DefaultTransformConfigFile {
		t.Errorf("unexpected default transform config file: %s", cfg.Transform.ConfigFile)
	}
	if cfg.Upload.MaxTrials != DefaultMaxUploadTrials {
		t.Errorf("unexpected default max trials: %d", cfg.Upload.MaxTrials)
	}
	if len(cfg.Files.IncludePatterns) == 0 {
		t.Error("expected default include patterns")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "negative trials",
			mutate:  func(c *Config) { c.Upload.MaxTrials = -1 },
			wantErr: true,
		},
		{
			name:    "negative batch bytes",
			mutate:  func(c *Config) { c.Upload.MaxBatchBytes = -1 },
			wantErr: true,
		},
		{
			name:    "empty include pattern",
			mutate:  func(c *Config) { c.Files.IncludePatterns = []string{""} },
			wantErr: true,
		},
		{
			name:    "malformed include pattern",
			mutate:  func(c *Config) { c.Files.IncludePatterns = []string{"[unclosed"} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr && !errors.Is(err, ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestIncluded(t *testing.T) {
	cfg := Default()

	tests := []struct {
		path string
		want bool
	}{
		{"index.js", true},
		{"app/controllers/user.js", true},
		{"README.md", false},
		{"app/styles/main.css", false},
		{"test.js.map", false},
	}

	for _, tt := range tests {
		if got := cfg.Included(tt.path); got != tt.want {
			t.Errorf("Included(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}

	cfg.Files.IncludePatterns = nil
	if !cfg.Included("anything.txt") {
		t.Error("empty pattern list must include everything")
	}
}

func TestLoadIgnoreSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ignore")
	content := `# build artifacts
dist/

app/lib/asmcrypto.js
vendor/
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	set, err := LoadIgnoreSet(path)
	if err != nil {
		t.Fatalf("LoadIgnoreSet failed: %v", err)
	}
	if set.Len() != 3 {
		t.Errorf("expected 3 rules, got %d", set.Len())
	}

	tests := []struct {
		path string
		want bool
	}{
		{"app/lib/asmcrypto.js", true},
		{"app/lib/other.js", false},
		{"vendor/jquery.js", true},
		{"vendor/deep/nested.js", true},
		{"dist/bundle.js", true},
		{"vendors.js", false}, // prefix rules only match whole directories
		{"index.js", false},
	}
	for _, tt := range tests {
		if got := set.Ignored(tt.path); got != tt.want {
			t.Errorf("Ignored(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestLoadIgnoreSetMissingFile(t *testing.T) {
	set, err := LoadIgnoreSet(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("a missing ignore file is not an error: %v", err)
	}
	if set.Len() != 0 {
		t.Errorf("expected empty set, got %d rules", set.Len())
	}
	if set.Ignored("anything.js") {
		t.Error("empty set must not ignore anything")
	}
}

func TestLoadIgnoreSetUnreadableFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("file permissions are not enforced for root")
	}

	path := filepath.Join(t.TempDir(), "ignore")
	if err := os.WriteFile(path, []byte("vendor/\n"), 0o000); err != nil {
		t.Fatal(err)
	}

	_, err := LoadIgnoreSet(path)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestLoadTransformConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "babel")
	content := `# transform flags
--presets=es2015

--compact=false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	flags, err := LoadTransformConfig(path)
	if err != nil {
		t.Fatalf("LoadTransformConfig failed: %v", err)
	}

	want := []string{"--presets=es2015", "--compact=false"}
	if len(flags) != len(want) {
		t.Fatalf("expected %d flags, got %d: %v", len(want), len(flags), flags)
	}
	for i := range want {
		if flags[i] != want[i] {
			t.Errorf("flag %d: expected %q, got %q", i, want[i], flags[i])
		}
	}
}

func TestLoadTransformConfigMissingFile(t *testing.T) {
	flags, err := LoadTransformConfig(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("a missing transform config is not an error: %v", err)
	}
	if flags != nil {
		t.Errorf("expected no flags, got %v", flags)
	}
}
