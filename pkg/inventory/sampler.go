package inventory

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ocloudd/ocloudd/pkg/core"
	"github.com/ocloudd/ocloudd/pkg/telemetry"
)

// Sampler appends periodic host utilization snapshots to the catalog.
type Sampler struct {
	catalog  *Catalog
	logger   *telemetry.Logger
	interval time.Duration
	dataDir  string

	mu       sync.Mutex
	lastBusy uint64
	lastTot  uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSampler creates a host sampler. dataDir is the filesystem whose capacity
// is reported as storage.
func NewSampler(catalog *Catalog, logger *telemetry.Logger, interval time.Duration, dataDir string) *Sampler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sampler{
		catalog:  catalog,
		logger:   logger.NewComponentLogger("sampler"),
		interval: interval,
		dataDir:  dataDir,
		done:     make(chan struct{}),
	}
}

// Run samples on the configured interval until Stop.
func (s *Sampler) Run(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.sampleOnce(ctx); err != nil {
					s.logger.WithError(err).Warn("failed to record utilization snapshot")
				}
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sampling loop.
func (s *Sampler) Stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *Sampler) sampleOnce(ctx context.Context) error {
	snap := &core.ResourceSnapshot{
		CPUTotalCores: runtime.NumCPU(),
		TakenAt:       time.Now().UTC(),
	}

	if pct, err := s.cpuPercent(); err == nil {
		snap.CPUUsedPercent = pct
	}
	if total, used, err := memoryMB(); err == nil {
		snap.MemoryTotalMB = total
		snap.MemoryUsedMB = used
	}
	if total, used, err := storageGB(s.dataDir); err == nil {
		snap.StorageTotalGB = total
		snap.StorageUsedGB = used
	}

	return s.catalog.RecordSnapshot(ctx, snap)
}

// cpuPercent derives host CPU usage from the delta of the aggregate cpu line
// in /proc/stat between consecutive samples. The first sample reports zero.
func (s *Sampler) cpuPercent() (float64, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, core.NewTransientError("failed to read host stat", err)
	}
	var line string
	for _, l := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(l, "cpu ") {
			line = l
			break
		}
	}
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return 0, core.NewFatalError("malformed host stat", nil)
	}

	var total, idle uint64
	for i, f := range fields[1:] {
		var v uint64
		if _, err := fmt.Sscanf(f, "%d", &v); err != nil {
			return 0, core.NewFatalError("malformed host stat", err)
		}
		total += v
		// idle + iowait
		if i == 3 || i == 4 {
			idle += v
		}
	}
	busy := total - idle

	s.mu.Lock()
	defer s.mu.Unlock()
	var pct float64
	if s.lastTot > 0 && total > s.lastTot {
		pct = float64(busy-s.lastBusy) / float64(total-s.lastTot) * 100
	}
	s.lastBusy = busy
	s.lastTot = total
	if pct < 0 {
		pct = 0
	}
	return pct, nil
}

// memoryMB reads total and used memory from /proc/meminfo.
func memoryMB() (total, used int64, err error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0, core.NewTransientError("failed to read meminfo", err)
	}
	var totalKB, availKB int64
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "MemTotal:") {
			fmt.Sscanf(line, "MemTotal: %d kB", &totalKB)
		} else if strings.HasPrefix(line, "MemAvailable:") {
			fmt.Sscanf(line, "MemAvailable: %d kB", &availKB)
		}
	}
	if totalKB == 0 {
		return 0, 0, core.NewFatalError("malformed meminfo", nil)
	}
	return totalKB / 1024, (totalKB - availKB) / 1024, nil
}

// storageGB reports filesystem capacity for the data directory.
func storageGB(dir string) (total, used float64, err error) {
	if dir == "" {
		dir = "."
	}
	var fs syscall.Statfs_t
	if err := syscall.Statfs(dir, &fs); err != nil {
		return 0, 0, core.NewTransientError("failed to stat filesystem", err)
	}
	bs := float64(fs.Bsize)
	total = float64(fs.Blocks) * bs / (1 << 30)
	free := float64(fs.Bavail) * bs / (1 << 30)
	return total, total - free, nil
}
