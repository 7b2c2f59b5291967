package appdir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir_EnvOverride(t *testing.T) {
	ResetCache()
	t.Cleanup(ResetCache)

	customDir := t.TempDir()
	t.Setenv(DirEnv, customDir)

	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}
	if dir != customDir {
		t.Errorf("Dir() = %q, want %q", dir, customDir)
	}
}

func TestDir_DefaultPath(t *testing.T) {
	ResetCache()
	t.Cleanup(ResetCache)

	t.Setenv(DirEnv, "")

	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}
	if !strings.Contains(strings.ToLower(dir), "parley") {
		t.Errorf("Dir() = %q, expected path to contain 'parley'", dir)
	}
}

func TestDir_Cached(t *testing.T) {
	ResetCache()
	t.Cleanup(ResetCache)

	first := t.TempDir()
	t.Setenv(DirEnv, first)
	if _, err := Dir(); err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}

	t.Setenv(DirEnv, t.TempDir())
	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}
	if dir != first {
		t.Errorf("Dir() = %q, want cached %q", dir, first)
	}
}

func TestEnsureDir(t *testing.T) {
	ResetCache()
	t.Cleanup(ResetCache)

	tmpDir := filepath.Join(t.TempDir(), "parley-test")
	t.Setenv(DirEnv, tmpDir)

	if _, err := os.Stat(tmpDir); !os.IsNotExist(err) {
		t.Fatalf("temp dir should not exist initially")
	}

	if err := EnsureDir(); err != nil {
		t.Fatalf("EnsureDir() failed: %v", err)
	}

	info, err := os.Stat(tmpDir)
	if err != nil {
		t.Fatalf("directory was not created: %v", err)
	}
	if !info.IsDir() {
		t.Errorf("%s is not a directory", tmpDir)
	}

	// Idempotent.
	if err := EnsureDir(); err != nil {
		t.Errorf("second EnsureDir() failed: %v", err)
	}
}

func TestPaths(t *testing.T) {
	ResetCache()
	t.Cleanup(ResetCache)

	tmpDir := t.TempDir()
	t.Setenv(DirEnv, tmpDir)

	configPath, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath() failed: %v", err)
	}
	if want := filepath.Join(tmpDir, ConfigFileName); configPath != want {
		t.Errorf("ConfigPath() = %q, want %q", configPath, want)
	}

	sessionPath, err := SessionPath()
	if err != nil {
		t.Fatalf("SessionPath() failed: %v", err)
	}
	if want := filepath.Join(tmpDir, SessionFileName); sessionPath != want {
		t.Errorf("SessionPath() = %q, want %q", sessionPath, want)
	}
}
