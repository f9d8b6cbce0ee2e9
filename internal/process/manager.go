// Package process tracks the background bridge through a pid file and a
// reference count of the wrapped tools currently using it.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	PIDFilename = ".claude-openai-bridge.pid"
	RefFilename = ".claude-openai-bridge.refs"
)

type Manager struct {
	pidFile string
	refFile string
	logger  *slog.Logger
	mu      sync.RWMutex

	// StartCommand launches the service in the background.
	StartCommand func() *exec.Cmd
}

func NewManager(baseDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		pidFile: filepath.Join(baseDir, PIDFilename),
		refFile: filepath.Join(baseDir, RefFilename),
		logger:  logger,
		StartCommand: func() *exec.Cmd {
			return exec.Command(os.Args[0], "start")
		},
	}
}

func (m *Manager) PIDFile() string {
	return m.pidFile
}

func (m *Manager) WritePID() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.pidFile), 0o750); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}

	return os.WriteFile(m.pidFile, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// ReadPID returns 0 when there is no usable pid file.
func (m *Manager) ReadPID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return readCount(m.pidFile)
}

// IsRunning checks the recorded pid and removes a stale pid file.
func (m *Manager) IsRunning() bool {
	pid := m.ReadPID()
	if pid == 0 {
		return false
	}

	if err := syscall.Kill(pid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		m.CleanupPID()
		return false
	}

	return true
}

// Stop sends SIGTERM and waits up to five seconds for the process to exit.
func (m *Manager) Stop() error {
	pid := m.ReadPID()
	if pid == 0 {
		return nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			m.CleanupPID()
			return nil
		}

		return fmt.Errorf("send SIGTERM to process %d: %w", pid, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && m.IsRunning() {
		time.Sleep(100 * time.Millisecond)
	}

	if m.IsRunning() {
		return fmt.Errorf("process %d still running after SIGTERM", pid)
	}

	m.CleanupPID()

	return nil
}

func (m *Manager) CleanupPID() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.pidFile); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("Failed to remove PID file", "path", m.pidFile, "error", err)
	}
}

// IncrementRef records one more wrapped tool using the service.
func (m *Manager) IncrementRef() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := readCount(m.refFile) + 1
	m.writeRef(count)

	return count
}

// DecrementRef returns the remaining count, never below zero.
func (m *Manager) DecrementRef() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := readCount(m.refFile)
	if count > 0 {
		count--
		m.writeRef(count)
	}

	return count
}

func (m *Manager) ReadRef() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return readCount(m.refFile)
}

func (m *Manager) writeRef(count int) {
	if err := os.MkdirAll(filepath.Dir(m.refFile), 0o750); err != nil {
		m.logger.Warn("Failed to create reference directory", "error", err)
		return
	}

	if err := os.WriteFile(m.refFile, []byte(strconv.Itoa(count)), 0o600); err != nil {
		m.logger.Warn("Failed to write reference file", "path", m.refFile, "error", err)
	}
}

func (m *Manager) CleanupRef() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.refFile); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("Failed to remove reference file", "path", m.refFile, "error", err)
	}
}

func readCount(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0
	}

	return n
}

func (m *Manager) WaitForService(timeout time.Duration) bool {
	expire := time.Now().Add(timeout)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(expire) {
		if m.IsRunning() {
			return true
		}

		<-ticker.C
	}

	return false
}

// StartServiceIfNeeded reports whether this call started the service.
func (m *Manager) StartServiceIfNeeded() (bool, error) {
	if m.IsRunning() {
		return false, nil
	}

	cmd := m.StartCommand()
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start service: %w", err)
	}

	// the child outlives us; reap it in the background
	go func() { _ = cmd.Wait() }()

	if !m.WaitForService(10 * time.Second) {
		return false, errors.New("service startup timeout")
	}

	return true, nil
}
