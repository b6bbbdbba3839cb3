package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	units "github.com/docker/go-units"
)

// Config is the process-wide configuration surface. Flags override env,
// env overrides defaults.
type Config struct {
	// CacheDir is where layer blobs and the cache index live.
	CacheDir string `env:"KILN_CACHE_DIR"`

	// TmpDir hosts per-build stage root filesystems.
	TmpDir string `env:"KILN_TMP_DIR"`

	// CacheSize is a human-readable byte limit for the layer cache ("4GB").
	// Empty means unlimited.
	CacheSize string `env:"KILN_CACHE_SIZE"`

	// RunTimeout bounds a single RUN instruction. Zero means no limit.
	RunTimeout time.Duration `env:"KILN_RUN_TIMEOUT"`
}

// Load builds the Config from defaults and environment overrides.
func Load() (Config, error) {
	cfg := Config{
		CacheDir: filepath.Join(ConfigBasePath(), "cache"),
		TmpDir:   filepath.Join(os.TempDir(), "kiln"),
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}

// CacheSizeBytes parses CacheSize. Zero means unlimited.
func (c Config) CacheSizeBytes() (int64, error) {
	if c.CacheSize == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.CacheSize)
	if err != nil {
		return 0, fmt.Errorf("config: bad cache size %q: %w", c.CacheSize, err)
	}
	return n, nil
}

// ensureFolder recursively creates a folder if it does not exist.
func ensureFolder(path string) error {
	return os.MkdirAll(path, 0o755)
}

// ensureFile ensures that the parent folder exists and the file exists.
// If the file already exists, it does nothing.
func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create/open file: %w", err)
	}
	defer f.Close()

	return nil
}

func ConfigBasePath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		homedir = "/usr/local/config/kiln"
	}

	return filepath.Join(homedir, ".config", "kiln")
}

func CacheIndexFile(cacheDir string) string {
	return filepath.Join(cacheDir, "index.db")
}

func BuildLogPath(buildID string) string {
	p := filepath.Join(ConfigBasePath(), "logs", "build-"+buildID+".log")
	ensureFile(p)
	return p
}

func DockerAuthFile() string {
	p := filepath.Join(ConfigBasePath(), "auth", "config.json")
	ensureFolder(filepath.Dir(p))
	return p
}
