package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Engine contains tuning for the job orchestration engine.
type Engine struct {
	// MemoryLimitMB bounds bytes committed to in-flight work. Adjustable at
	// runtime and clamped to [MinMemoryLimitMB, MaxMemoryLimitMB].
	MemoryLimitMB        int   `toml:"memory_limit_mb"`
	ConversionWorkers    int   `toml:"conversion_workers"`
	TranscriptionWorkers int   `toml:"transcription_workers"`
	DetectionBatchSize   int   `toml:"detection_batch_size"`
	PreparationSlots     int   `toml:"preparation_slots"`
	PreparationTimeout   int   `toml:"preparation_timeout_seconds"`
	BudgetWaitTimeout    int   `toml:"budget_wait_timeout_seconds"`
	LargeFileThresholdMB int   `toml:"large_file_threshold_mb"`
	DirectUploadMaxMB    int   `toml:"direct_upload_max_mb"`
	MaxUploadBytes       int64 `toml:"max_upload_bytes"`
}

// Store selects and configures the durable key-value backend.
type Store struct {
	Backend       string `toml:"backend"`
	UserKey       string `toml:"user_key"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// Upload contains configuration for the transcription backend transport.
type Upload struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	DefaultModel   string `toml:"default_model"`
}

// Media contains external tool configuration for detection and transforms.
type Media struct {
	FFmpegBinary      string `toml:"ffmpeg_binary"`
	FFprobeBinary     string `toml:"ffprobe_binary"`
	ExtractionTimeout int    `toml:"extraction_timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for scribe.
type Config struct {
	Paths   Paths   `toml:"paths"`
	Engine  Engine  `toml:"engine"`
	Store   Store   `toml:"store"`
	Upload  Upload  `toml:"upload"`
	Media   Media   `toml:"media"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration
// file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/scribe/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("scribe.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for engine operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Save writes the configuration to the provided path, creating parent
// directories as needed. Used to persist runtime changes such as the memory
// limit.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("config save: empty path")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// SetMemoryLimitMB applies the clamp and updates the in-memory value.
// Returns the effective (clamped) limit.
func (c *Config) SetMemoryLimitMB(mb int) int {
	c.Engine.MemoryLimitMB = ClampMemoryLimitMB(mb)
	return c.Engine.MemoryLimitMB
}

// MemoryLimitBytes returns the configured memory limit in bytes.
func (c *Config) MemoryLimitBytes() int64 {
	return int64(c.Engine.MemoryLimitMB) * 1024 * 1024
}

// ClampMemoryLimitMB restricts a memory limit value to the supported range.
func ClampMemoryLimitMB(mb int) int {
	if mb < MinMemoryLimitMB {
		return MinMemoryLimitMB
	}
	if mb > MaxMemoryLimitMB {
		return MaxMemoryLimitMB
	}
	return mb
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
