package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

type PIDManager struct {
	dir string
	cm  *ConfigManager
}

func NewPIDManager(cm *ConfigManager) (*PIDManager, error) {
	dataDir := cm.GetConfigWithDefault("data_dir", "")
	if dataDir == "" {
		dataDir = GetAppPaths("").DataDir
	}

	return &PIDManager{
		dir: dataDir,
		cm:  cm,
	}, nil
}

func (p *PIDManager) path() (string, error) {
	pidFileName := p.cm.GetConfigWithDefault("pid_path", "relay-dm.pid")

	// Make sure we have OS specific path separator
	switch runtime.GOOS {
	case "linux", "darwin":
		pidFileName = filepath.ToSlash(pidFileName)
	case "windows":
		pidFileName = filepath.FromSlash(pidFileName)
	default:
		return "", fmt.Errorf("unsupported OS type `%s`", runtime.GOOS)
	}

	if filepath.IsAbs(pidFileName) {
		return pidFileName, nil
	}
	return filepath.Join(p.dir, pidFileName), nil
}

func (p *PIDManager) WritePID(pid int) error {
	path, err := p.path()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for PID file: %v", err)
	}

	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0644)
}

func (p *PIDManager) ReadPID() (int, error) {
	path, err := p.path()
	if err != nil {
		return 0, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.New("PID file does not exist - node is not running")
		}
		return 0, fmt.Errorf("failed to read PID file: %v", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID format in file: %v", err)
	}

	return pid, nil
}

// StopProcess asks the node to shut down and waits up to grace for it to exit,
// killing it afterwards. A non-positive grace uses the shutdown_grace config key.
func (p *PIDManager) StopProcess(pid int, grace time.Duration) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process with PID %d: %v", pid, err)
	}

	if runtime.GOOS == "windows" {
		return process.Kill()
	}
	if grace <= 0 {
		grace = p.cm.GetConfigDuration("shutdown_grace", 10*time.Second)
	}

	// the node closes relay subscriptions and the database on SIGTERM
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM to process %d: %v", pid, err)
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(grace)

	for {
		select {
		case <-timeout:
			fmt.Printf("Grace period of %v expired, force killing process %d\n", grace, pid)
			return process.Signal(syscall.SIGKILL)
		case <-ticker.C:
			if !p.IsProcessRunning(pid) {
				fmt.Printf("Process %d terminated gracefully\n", pid)
				return nil
			}
		}
	}
}

// ReloadProcess asks a running node to re-read its configuration
func (p *PIDManager) ReloadProcess(pid int) error {
	if runtime.GOOS == "windows" {
		return errors.New("configuration reload by signal is not supported on windows, restart the node instead")
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process with PID %d: %v", pid, err)
	}
	if err := process.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("failed to send SIGHUP to process %d: %v", pid, err)
	}
	return nil
}

func (p *PIDManager) RemovePIDFile() error {
	path, err := p.path()
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %v", err)
	}
	return nil
}

func (p *PIDManager) IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	if runtime.GOOS == "windows" {
		return true
	}
	// Signal 0 checks existence
	return process.Signal(syscall.Signal(0)) == nil
}
