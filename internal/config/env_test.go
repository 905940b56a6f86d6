package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvMissingFileIsNotAnError(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("expected nil for missing file, got %v", err)
	}
}

func TestLoadEnvSetsValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	contents := "# comment\nFOO_TEST_KEY=bar\nQUOTED_TEST_KEY=\"with spaces\"\nnot a pair\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv("FOO_TEST_KEY", "")
	os.Unsetenv("FOO_TEST_KEY")
	t.Setenv("QUOTED_TEST_KEY", "")
	os.Unsetenv("QUOTED_TEST_KEY")

	if err := LoadEnv(path); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got := os.Getenv("FOO_TEST_KEY"); got != "bar" {
		t.Fatalf("expected bar, got %q", got)
	}
	if got := os.Getenv("QUOTED_TEST_KEY"); got != "with spaces" {
		t.Fatalf("expected quotes stripped, got %q", got)
	}
}

func TestLoadEnvDoesNotOverrideExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("EXISTING_TEST_KEY=file\n"), 0o644); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv("EXISTING_TEST_KEY", "env")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got := os.Getenv("EXISTING_TEST_KEY"); got != "env" {
		t.Fatalf("environment must win over the file, got %q", got)
	}
}

func TestParseEnvLine(t *testing.T) {
	if _, _, ok := parseEnvLine("# comment"); ok {
		t.Fatalf("comments must be skipped")
	}
	if _, _, ok := parseEnvLine("   "); ok {
		t.Fatalf("blank lines must be skipped")
	}
	key, val, ok := parseEnvLine("A = 'b c' ")
	if !ok || key != "A" || val != "b c" {
		t.Fatalf("unexpected parse: %q=%q ok=%v", key, val, ok)
	}
}
