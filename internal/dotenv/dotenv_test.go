package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

// chdir stands in for t.Chdir, which needs Go 1.24+.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore wd: %v", err)
		}
	})
}

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
}

func TestLoad_ReadsDotEnvInWorkingDir(t *testing.T) {
	const key = "HEARTH_DOTENV_FROM_CWD"
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(key+"=from_cwd\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv(key, "")
	os.Unsetenv(key)
	chdir(t, dir)

	if err := Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := os.Getenv(key); got != "from_cwd" {
		t.Fatalf("%s=%q, want %q", key, got, "from_cwd")
	}
}

func TestLoad_MissingDotEnvIsNoop(t *testing.T) {
	chdir(t, t.TempDir())
	if err := Load(); err != nil {
		t.Fatalf("Load without .env error: %v", err)
	}
}

func TestLoadFile_LoadsValuesAndPreservesExisting(t *testing.T) {
	tempDir := t.TempDir()
	envPath := filepath.Join(tempDir, ".env")
	content := "" +
		"# comment\n" +
		"FROM_FILE=loaded\n" +
		"QUOTED=\"hello world\"\n" +
		"export EXPORTED=ok\n" +
		"EXISTING=from_file\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("EXISTING", "already_set")

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if got := os.Getenv("FROM_FILE"); got != "loaded" {
		t.Fatalf("FROM_FILE=%q, want %q", got, "loaded")
	}
	if got := os.Getenv("QUOTED"); got != "hello world" {
		t.Fatalf("QUOTED=%q, want %q", got, "hello world")
	}
	if got := os.Getenv("EXPORTED"); got != "ok" {
		t.Fatalf("EXPORTED=%q, want %q", got, "ok")
	}
	if got := os.Getenv("EXISTING"); got != "already_set" {
		t.Fatalf("EXISTING=%q, want existing value preserved", got)
	}
}
