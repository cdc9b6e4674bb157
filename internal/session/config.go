package session

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const configFileName = "settings.yml"

// Preallocation selects how much disk space is claimed when a file is
// created for writing.
type Preallocation string

const (
	PreallocationNone   Preallocation = "none"
	PreallocationSparse Preallocation = "sparse"
	PreallocationFull   Preallocation = "full"
)

// Config holds the session-wide options the core reads.
type Config struct {
	// DownloadDir is where torrent payload files are created.
	DownloadDir string `yaml:"downloadDir,omitempty"`
	// ConfigDir holds the .torrent containers, .resume files and the
	// statistics database.
	ConfigDir string `yaml:"configDir,omitempty"`
	// Preallocation is forwarded to the file handle cache on checkout.
	Preallocation Preallocation `yaml:"preallocation,omitempty"`
	// IncompleteFileNaming gives not-yet-downloaded files a ".part" suffix.
	IncompleteFileNaming bool `yaml:"incompleteFileNaming,omitempty"`
	// OpenFileLimit bounds the file handle cache.
	OpenFileLimit int `yaml:"openFileLimit,omitempty"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		DownloadDir:   xdg.UserDirs.Download,
		ConfigDir:     filepath.Join(xdg.ConfigHome, "transmission"),
		Preallocation: PreallocationSparse,
		OpenFileLimit: 32,
	}
}

// LoadConfig reads the YAML configuration, falling back to defaults when the
// file is missing, empty, or leaves fields unset.
func LoadConfig() (*Config, error) {
	return loadConfigFile(filepath.Join(xdg.ConfigHome, "transmission", configFileName))
}

func loadConfigFile(path string) (*Config, error) {
	defaults := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config
	if err = yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = defaults.DownloadDir
	}
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = defaults.ConfigDir
	}
	if cfg.Preallocation == "" {
		cfg.Preallocation = defaults.Preallocation
	}
	if cfg.OpenFileLimit <= 0 {
		cfg.OpenFileLimit = defaults.OpenFileLimit
	}

	return &cfg, nil
}
