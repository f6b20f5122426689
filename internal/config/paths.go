package config

import (
	"os"
	"path/filepath"
)

const appDirName = ".runstream"

// DataDir returns the base data directory for runstream.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, appDirName), nil
}

// CoreConfigPath returns the path to the TOML configuration file.
func CoreConfigPath() (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "config.toml"), nil
}

// SnapshotDBPath returns the default bbolt snapshot database path.
func SnapshotDBPath() (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "snapshots.db"), nil
}

// SnapshotFilePath returns the default JSON snapshot file path.
func SnapshotFilePath() (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "snapshots.json"), nil
}
