package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestPIDFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	if err := WritePID(dir); err != nil {
		t.Fatalf("WritePID: %v", err)
	}

	got, err := ReadPID(dir)
	if err != nil {
		t.Fatalf("ReadPID: %v", err)
	}
	if want := os.Getpid(); got != want {
		t.Errorf("ReadPID = %d, want %d", got, want)
	}

	if err := RemovePID(dir); err != nil {
		t.Fatalf("RemovePID: %v", err)
	}
	if _, err := os.Stat(pidPath(dir)); !os.IsNotExist(err) {
		t.Error("PID file still exists after RemovePID")
	}
}

func TestReadPID_Missing(t *testing.T) {
	if _, err := ReadPID(t.TempDir()); err == nil {
		t.Fatal("expected error reading nonexistent PID file")
	}
}

func TestReadPID_Garbage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(pidPath(dir), []byte("pid: 42\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := ReadPID(dir); err == nil {
		t.Fatal("expected error parsing non-numeric PID")
	}
}

func TestReadPID_TrimsWhitespace(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(pidPath(dir), []byte("  1234\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	pid, err := ReadPID(dir)
	if err != nil {
		t.Fatalf("ReadPID: %v", err)
	}
	if pid != 1234 {
		t.Errorf("ReadPID = %d, want 1234", pid)
	}
}

func TestRemovePID_Missing(t *testing.T) {
	if err := RemovePID(t.TempDir()); err != nil {
		t.Fatalf("RemovePID on nonexistent file: %v", err)
	}
}

func TestIsRunning(t *testing.T) {
	dir := t.TempDir()

	if IsRunning(dir) {
		t.Error("IsRunning true with no PID file")
	}

	if err := WritePID(dir); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	if !IsRunning(dir) {
		t.Error("IsRunning false for our own PID")
	}
}

func TestIsRunning_StalePID(t *testing.T) {
	dir := t.TempDir()

	// A PID far above any plausible live process. Only checks that the
	// liveness probe doesn't panic; the result is OS-dependent.
	if err := os.WriteFile(pidPath(dir), []byte(strconv.Itoa(1<<22-1)), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_ = IsRunning(dir)
}

func TestWritePID_CreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "deep", "data")

	if err := WritePID(dir); err != nil {
		t.Fatalf("WritePID with nested dir: %v", err)
	}
	if pid, err := ReadPID(dir); err != nil || pid != os.Getpid() {
		t.Errorf("ReadPID = %d, %v; want %d, nil", pid, err, os.Getpid())
	}
}
