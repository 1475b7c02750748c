package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv("BLEMESH_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".blemesh-data")
	}
	return filepath.Join(home, ".blemesh-data")
}

// GetNodeStoreDir returns the item store directory for a node, creating it if needed.
func GetNodeStoreDir(dataDir string, sourceID uint64) (string, error) {
	if dataDir == "" {
		dataDir = GetDataDir()
	}
	dir := filepath.Join(dataDir, fmt.Sprintf("%016x", sourceID), "items")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create store dir: %w", err)
	}
	return dir, nil
}
