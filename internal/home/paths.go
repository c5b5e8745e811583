package home

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.commdash.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".commdash")
}

// DBPath returns the app-owned cache database path.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, "commdash.db")
}

// LogDir returns the log directory.
func LogDir(dataDir string) string {
	return filepath.Join(dataDir, "logs")
}

// LogPath returns the daemon log file path.
func LogPath(dataDir string) string {
	return filepath.Join(LogDir(dataDir), "commdashd.log")
}

// ConfigPath returns the config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDirs creates the data directory tree with proper permissions.
func EnsureDirs(dataDir string) error {
	dirs := []string{
		dataDir,
		LogDir(dataDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
