package utils

import (
	"os/exec"
	"runtime"
	"syscall"
	"testing"
	"time"
)

func newTestPIDManager(t *testing.T) *PIDManager {
	t.Helper()
	t.Setenv(HomeEnv, t.TempDir())
	cm := NewConfigManager(writeTempFile(t, "configs", "pid_path = node.pid\nshutdown_grace = 300ms\n"))
	pm, err := NewPIDManager(cm)
	if err != nil {
		t.Fatalf("Failed to create PID manager: %v", err)
	}
	return pm
}

// startChild runs a shell command and reaps it in the background
func startChild(t *testing.T, script string) (*exec.Cmd, <-chan struct{}) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("signals are not delivered on windows")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cmd := exec.Command("sh", "-c", script)
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start child: %v", err)
	}
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		cmd.Process.Kill()
		<-done
	})
	return cmd, done
}

func TestPIDFileLifecycle(t *testing.T) {
	pm := newTestPIDManager(t)

	if _, err := pm.ReadPID(); err == nil {
		t.Fatal("Expected an error before the PID file exists")
	}
	if err := pm.WritePID(4242); err != nil {
		t.Fatalf("Failed to write PID: %v", err)
	}
	pid, err := pm.ReadPID()
	if err != nil || pid != 4242 {
		t.Fatalf("Expected PID 4242, got %d (%v)", pid, err)
	}
	if err := pm.RemovePIDFile(); err != nil {
		t.Fatalf("Failed to remove PID file: %v", err)
	}
	if err := pm.RemovePIDFile(); err != nil {
		t.Errorf("Removing a missing PID file should succeed: %v", err)
	}
}

func TestStopProcessWaitsForExit(t *testing.T) {
	pm := newTestPIDManager(t)
	cmd, done := startChild(t, "exec sleep 30")

	if err := pm.StopProcess(cmd.Process.Pid, 5*time.Second); err != nil {
		t.Fatalf("Failed to stop process: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Process still running after stop")
	}
	if status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); !ok || status.Signal() != syscall.SIGTERM {
		t.Errorf("Expected exit by SIGTERM, got %v", cmd.ProcessState)
	}
}

func TestStopProcessKillsAfterGrace(t *testing.T) {
	pm := newTestPIDManager(t)
	cmd, done := startChild(t, `trap "" TERM; exec sleep 30`)
	// let the shell install the trap before signalling
	time.Sleep(200 * time.Millisecond)

	// non-positive grace falls back to shutdown_grace
	start := time.Now()
	if err := pm.StopProcess(cmd.Process.Pid, 0); err != nil {
		t.Fatalf("Failed to stop process: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Process survived SIGKILL")
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("Process killed before the grace period, after %v", elapsed)
	}
	if status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); !ok || status.Signal() != syscall.SIGKILL {
		t.Errorf("Expected exit by SIGKILL, got %v", cmd.ProcessState)
	}
}
