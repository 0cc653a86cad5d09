// Package sysmon samples host memory, CPU, and disk usage and
// classifies resource pressure against fixed thresholds.
package sysmon

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sqlpull/sqlpull/internal/logging"
)

// Pressure classification thresholds (percent).
const (
	MemoryHighPct     = 80.0
	MemoryCriticalPct = 90.0
	CPUHighPct        = 85.0
	CPUCriticalPct    = 95.0
)

// cpuSampleWindow is the blocking measurement window for CPU usage.
const cpuSampleWindow = time.Second

// Snapshot is a point-in-time view of host resources. Disabled means
// the monitoring subsystem was unavailable; callers must treat that as
// "no pressure" and proceed with base parameters.
type Snapshot struct {
	MemoryUsagePct    float64
	MemoryAvailableGB float64
	CPUUsagePct       float64
	DiskUsagePct      float64

	MemoryHigh     bool
	MemoryCritical bool
	CPUHigh        bool
	CPUCritical    bool

	Disabled  bool
	SampledAt time.Time
}

// Monitor samples host resources. The zero value is usable.
type Monitor struct{}

// New returns a Monitor.
func New() *Monitor {
	return &Monitor{}
}

// Sample reads memory and disk counters and takes a blocking CPU
// sample (about one second). Monitoring failures never propagate: a
// Disabled snapshot is returned instead.
func (m *Monitor) Sample() Snapshot {
	snap := Snapshot{SampledAt: time.Now()}

	vm, err := mem.VirtualMemory()
	if err != nil {
		logging.Warn("Resource monitoring unavailable (memory): %v", err)
		snap.Disabled = true
		return snap
	}
	snap.MemoryUsagePct = vm.UsedPercent
	snap.MemoryAvailableGB = float64(vm.Available) / 1024 / 1024 / 1024

	pcts, err := cpu.Percent(cpuSampleWindow, false)
	if err != nil || len(pcts) == 0 {
		logging.Warn("Resource monitoring unavailable (cpu): %v", err)
		snap.Disabled = true
		return snap
	}
	snap.CPUUsagePct = pcts[0]

	// Disk is informational only; a failure here does not disable the
	// snapshot since no parameter depends on it.
	if cwd, err := os.Getwd(); err == nil {
		if du, err := disk.Usage(cwd); err == nil {
			snap.DiskUsagePct = du.UsedPercent
		}
	}

	snap.classify()

	logging.Debug("Resource sample: memory=%.1f%% (%.1f GB free), cpu=%.1f%%, disk=%.1f%%",
		snap.MemoryUsagePct, snap.MemoryAvailableGB, snap.CPUUsagePct, snap.DiskUsagePct)

	return snap
}

func (s *Snapshot) classify() {
	s.MemoryHigh = s.MemoryUsagePct >= MemoryHighPct
	s.MemoryCritical = s.MemoryUsagePct >= MemoryCriticalPct
	s.CPUHigh = s.CPUUsagePct >= CPUHighPct
	s.CPUCritical = s.CPUUsagePct >= CPUCriticalPct
}

// Classify fills the pressure flags from the usage percentages.
// Exposed so synthetic snapshots used in tests match production
// classification.
func Classify(snap Snapshot) Snapshot {
	snap.classify()
	return snap
}
