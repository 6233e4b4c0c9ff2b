//go:build unix

package store

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// exitedPID runs a short-lived copy of the test binary and returns its pid.
func exitedPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run helper process: %v", err)
	}
	return cmd.ProcessState.Pid()
}

func TestFSBreaksLockOfExitedProcess(t *testing.T) {
	s, root := newTestFS(t)
	pid := exitedPID(t)
	if processAlive(pid) {
		t.Skipf("pid %d was reused", pid)
	}
	writeFile(t, root, LockFileName, fmt.Sprintf("%d %s\n", pid, hostname()))

	snap, err := s.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot with a dead owner's lock: %v", err)
	}
	if _, err := s.Commit(context.Background(), snap, Change{Writes: map[string][]byte{"domains/pay/tasks.md": []byte("")}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, LockFileName)); !os.IsNotExist(err) {
		t.Error("lock file should be released")
	}
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Error("this process should be alive")
	}
	if processAlive(0) || processAlive(-1) {
		t.Error("non-positive pids are never alive")
	}
}
