package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied when a setting is left empty.
const (
	DefaultBaseURL       = "https://developer.api.autodesk.com"
	DefaultTimeout       = 15 * time.Second
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = time.Second
	DefaultRetryMaxDelay = 10 * time.Second
	DefaultFormat        = "zip"
	DefaultLevel         = 9
	DefaultListen        = "127.0.0.1:8080"
)

// Config represents the main configuration for hb.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Directory  DirectoryConfig  `toml:"directory"`
	Backup     BackupConfig     `toml:"backup"`
	Archive    ArchiveConfig    `toml:"archive"`
	Spool      SpoolConfig      `toml:"spool"`
	Vaults     []VaultConfig    `toml:"vaults"`
	Encryption EncryptionConfig `toml:"encryption"`
	Database   DatabaseConfig   `toml:"database"`
	Server     ServerConfig     `toml:"server"`
}

// DirectoryConfig configures the workspace directory API client.
type DirectoryConfig struct {
	BaseURL           string  `toml:"base_url"`
	RequestsPerSecond float64 `toml:"requests_per_second"` // 0 disables client-side pacing
	Burst             int     `toml:"burst"`
}

// URL returns the API base URL, defaulting to the public endpoint.
func (c DirectoryConfig) URL() string {
	if c.BaseURL == "" {
		return DefaultBaseURL
	}
	return c.BaseURL
}

// BackupConfig tunes traversal.
type BackupConfig struct {
	Timeout       string   `toml:"timeout"` // per call, e.g. "15s"
	RetryAttempts int      `toml:"retry_attempts"`
	RetryDelay    string   `toml:"retry_delay"`
	RetryMaxDelay string   `toml:"retry_max_delay"`
	Concurrency   int      `toml:"concurrency"` // versions of one item fetched at once
	Exclude       []string `toml:"exclude"`
	ExcludeFile   string   `toml:"exclude_file,omitempty"` // one pattern per line, merged with exclude
}

// TimeoutDuration returns the per-call timeout.
func (c BackupConfig) TimeoutDuration() (time.Duration, error) {
	return parseDuration("timeout", c.Timeout, DefaultTimeout)
}

// RetryDelayDuration returns the delay before the first retry.
func (c BackupConfig) RetryDelayDuration() (time.Duration, error) {
	return parseDuration("retry_delay", c.RetryDelay, DefaultRetryDelay)
}

// RetryMaxDelayDuration returns the longest delay between retries.
func (c BackupConfig) RetryMaxDelayDuration() (time.Duration, error) {
	return parseDuration("retry_max_delay", c.RetryMaxDelay, DefaultRetryMaxDelay)
}

// Attempts returns the total number of attempts per call.
func (c BackupConfig) Attempts() int {
	if c.RetryAttempts <= 0 {
		return DefaultRetryAttempts
	}
	return c.RetryAttempts
}

// ArchiveConfig selects the archive container and how it is delivered.
type ArchiveConfig struct {
	Format   string `toml:"format"`   // "zip" (default) or "tar.gz"
	Level    int    `toml:"level"`    // 1-9, defaults to 9
	Delivery string `toml:"delivery"` // "stream" (default) or "buffered"
	Manifest *bool  `toml:"manifest,omitempty"`
}

// ArchiveFormat returns the configured container format.
func (c ArchiveConfig) ArchiveFormat() string {
	if c.Format == "" {
		return DefaultFormat
	}
	return c.Format
}

// CompressionLevel returns the configured compression level.
func (c ArchiveConfig) CompressionLevel() int {
	if c.Level == 0 {
		return DefaultLevel
	}
	return c.Level
}

// WriteManifest reports whether archives get a manifest entry. Defaults to true.
func (c ArchiveConfig) WriteManifest() bool {
	return c.Manifest == nil || *c.Manifest
}

// SpoolConfig represents configuration for the download spool.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type SpoolConfig struct {
	Type     string `toml:"type"`                // "memory" or "filesystem" (default)
	SpoolDir string `toml:"spool_dir,omitempty"` // only used for type=filesystem, defaults to the OS temp dir
	MaxSize  int64  `toml:"max_size"`            // max bytes held at once; 0 means unlimited
}

// EncryptionConfig holds paths to the age key pair used for archive encryption.
type EncryptionConfig struct {
	Enabled        bool   `toml:"enabled"`
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// VaultConfig represents configuration for an archive destination.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"` // for S3-compatible stores
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// DatabaseConfig represents configuration for the run history database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// ServerConfig configures `hb serve`.
type ServerConfig struct {
	Listen string `toml:"listen"`
}

// Address returns the listen address.
func (c ServerConfig) Address() string {
	if c.Listen == "" {
		return DefaultListen
	}
	return c.Listen
}

func parseDuration(name, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", name, value)
	}
	return d, nil
}

// NewConfig creates a new Config with the provided base directory and defaults
// for everything stored beneath it.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Backup: BackupConfig{
			Timeout:       DefaultTimeout.String(),
			RetryAttempts: DefaultRetryAttempts,
			RetryDelay:    DefaultRetryDelay.String(),
			RetryMaxDelay: DefaultRetryMaxDelay.String(),
			Concurrency:   1,
		},
		Archive: ArchiveConfig{
			Format:   DefaultFormat,
			Level:    DefaultLevel,
			Delivery: "stream",
		},
		Spool: SpoolConfig{Type: "filesystem"},
		Vaults: []VaultConfig{
			{Type: "filesystem", Name: "local", FSVaultRoot: filepath.Join(baseDir, "vault")},
		},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "hb.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "hb.key"),
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
