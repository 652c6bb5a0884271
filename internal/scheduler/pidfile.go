package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// WritePIDFile records the daemon's pid, refusing to start when another
// live daemon owns the file. A stale file (owner dead) is replaced; the
// file's presence alone is not proof of liveness.
func WritePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create runtime dir: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pidAlive(pid) {
			return fmt.Errorf("daemon already running with pid %d", pid)
		}
	}

	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// RemovePIDFile deletes the file on clean shutdown.
func RemovePIDFile(path string) {
	_ = os.Remove(path)
}

// pidAlive checks liveness with signal 0.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
