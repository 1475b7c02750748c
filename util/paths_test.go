package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDataDirEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BLEMESH_DIR", dir)
	if got := GetDataDir(); got != dir {
		t.Errorf("Expected %s, got %s", dir, got)
	}
}

func TestGetNodeStoreDir(t *testing.T) {
	dir := t.TempDir()
	got, err := GetNodeStoreDir(dir, 0xabc)
	if err != nil {
		t.Fatalf("Failed to create store dir: %v", err)
	}
	want := filepath.Join(dir, "0000000000000abc", "items")
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
	if st, err := os.Stat(got); err != nil || !st.IsDir() {
		t.Errorf("Expected directory at %s", got)
	}
}
