// Package deploy supervises infrastructure workload processes: spawning,
// liveness, graceful termination, and stat collection.
package deploy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ocloudd/ocloudd/pkg/core"
)

// StartSpec describes the process to launch for a workload.
type StartSpec struct {
	DeploymentID string
	Command      []string
	ConfigPath   string
	LogDir       string
}

// Handle is the supervisor's reference to a live workload process.
type Handle struct {
	PID     int64
	LogPath string

	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitErr  error
	lastCPU  time.Duration
	lastStat time.Time
}

// Wait blocks until the process exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backend launches and controls workload processes.
type Backend interface {
	// Start launches the workload and returns once the process is up.
	Start(ctx context.Context, spec StartSpec) (*Handle, error)

	// Signal delivers a termination signal; graceful sends SIGTERM,
	// otherwise SIGKILL.
	Signal(h *Handle, graceful bool) error

	// Alive reports whether the process is still running.
	Alive(h *Handle) bool

	// Stats samples one metric from the live process.
	Stats(h *Handle, metric string) (float64, error)
}

// ExecBackend runs workloads as local child processes, logging their
// output to per-deployment files.
type ExecBackend struct{}

// NewExecBackend creates the process backend.
func NewExecBackend() *ExecBackend {
	return &ExecBackend{}
}

// Start launches the process with stdout and stderr appended to the
// deployment's log file.
func (b *ExecBackend) Start(ctx context.Context, spec StartSpec) (*Handle, error) {
	if len(spec.Command) == 0 {
		return nil, core.NewValidationError("workload command is required", nil).
			WithEntity(spec.DeploymentID)
	}

	if err := os.MkdirAll(spec.LogDir, 0o755); err != nil {
		return nil, core.NewFatalError("failed to create log directory", err)
	}
	logPath := filepath.Join(spec.LogDir, spec.DeploymentID+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, core.NewFatalError("failed to open log file", err)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if spec.ConfigPath != "" {
		cmd.Env = append(os.Environ(), "WORKLOAD_CONFIG="+spec.ConfigPath)
	}
	// Own process group so signals do not leak to the daemon.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, core.NewTransientError(
			fmt.Sprintf("failed to start %s", strings.Join(spec.Command, " ")), err)
	}

	h := &Handle{
		PID:     int64(cmd.Process.Pid),
		LogPath: logPath,
		cmd:     cmd,
		done:    make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		_ = logFile.Close()
		h.mu.Lock()
		h.exitErr = err
		h.mu.Unlock()
		close(h.done)
	}()

	// A process that dies within the startup window never counts as up.
	select {
	case <-h.done:
		return nil, core.NewTransientError("workload exited during startup", h.exitErr).
			WithEntity(spec.DeploymentID)
	case <-ctx.Done():
		_ = h.cmd.Process.Kill()
		return nil, core.NewTransientError("workload startup timed out", ctx.Err()).
			WithEntity(spec.DeploymentID)
	case <-time.After(100 * time.Millisecond):
		return h, nil
	}
}

// Signal sends SIGTERM or SIGKILL to the process group.
func (b *ExecBackend) Signal(h *Handle, graceful bool) error {
	sig := syscall.SIGKILL
	if graceful {
		sig = syscall.SIGTERM
	}
	// Negative PID addresses the whole process group.
	if err := syscall.Kill(-int(h.PID), sig); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("failed to signal pid %d: %w", h.PID, err)
	}
	return nil
}

// Alive reports whether the process has exited.
func (b *ExecBackend) Alive(h *Handle) bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Stats samples a metric from /proc.
func (b *ExecBackend) Stats(h *Handle, metric string) (float64, error) {
	if !b.Alive(h) {
		return 0, core.NewNotFoundError("process is not running", nil)
	}

	switch metric {
	case "cpu_usage":
		return h.cpuPercent()
	case "memory_usage":
		return procMemoryMB(h.PID)
	case "availability":
		return 1, nil
	default:
		return 0, core.NewValidationError(
			fmt.Sprintf("unknown metric %q", metric), nil)
	}
}

// cpuPercent derives CPU usage from the delta in process CPU time between
// consecutive samples. The first sample reports zero.
func (h *Handle) cpuPercent() (float64, error) {
	cpu, err := procCPUTime(h.PID)
	if err != nil {
		return 0, err
	}
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()
	var percent float64
	if !h.lastStat.IsZero() {
		wall := now.Sub(h.lastStat)
		if wall > 0 {
			percent = float64(cpu-h.lastCPU) / float64(wall) * 100
		}
	}
	h.lastCPU = cpu
	h.lastStat = now

	if percent < 0 {
		percent = 0
	}
	return percent, nil
}

// procCPUTime reads cumulative user+system CPU time from /proc/<pid>/stat.
func procCPUTime(pid int64) (time.Duration, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, core.NewTransientError("failed to read process stat", err)
	}

	// Fields after the parenthesized comm; utime and stime are fields 14
	// and 15 of the full line.
	idx := strings.LastIndexByte(string(data), ')')
	if idx < 0 {
		return 0, core.NewFatalError("malformed process stat", nil)
	}
	fields := strings.Fields(string(data[idx+1:]))
	if len(fields) < 13 {
		return 0, core.NewFatalError("malformed process stat", nil)
	}

	var utime, stime int64
	if _, err := fmt.Sscanf(fields[11], "%d", &utime); err != nil {
		return 0, core.NewFatalError("malformed utime", err)
	}
	if _, err := fmt.Sscanf(fields[12], "%d", &stime); err != nil {
		return 0, core.NewFatalError("malformed stime", err)
	}

	const hz = 100 // USER_HZ on linux
	ticks := utime + stime
	return time.Duration(ticks) * time.Second / hz, nil
}

// procMemoryMB reads resident memory from /proc/<pid>/statm.
func procMemoryMB(pid int64) (float64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, core.NewTransientError("failed to read process statm", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, core.NewFatalError("malformed process statm", nil)
	}
	var resident int64
	if _, err := fmt.Sscanf(fields[1], "%d", &resident); err != nil {
		return 0, core.NewFatalError("malformed resident size", err)
	}
	pageSize := int64(os.Getpagesize())
	return float64(resident*pageSize) / (1 << 20), nil
}
