// Package params derives per-table processing parameters from table
// size and live resource pressure.
package params

import (
	"math"
	"sync"
	"time"

	"github.com/sqlpull/sqlpull/internal/logging"
	"github.com/sqlpull/sqlpull/internal/sysmon"
)

// SizeCategory classifies a table by row count.
type SizeCategory int

const (
	SizeSmall SizeCategory = iota
	SizeMedium
	SizeLarge
)

// Row-count thresholds for size categories.
const (
	MediumRowThreshold = 1_000_000
	LargeRowThreshold  = 50_000_000
)

func (s SizeCategory) String() string {
	switch s {
	case SizeSmall:
		return "small"
	case SizeMedium:
		return "medium"
	case SizeLarge:
		return "large"
	}
	return "unknown"
}

// Categorize returns the size category for a row count.
func Categorize(rowCount int64) SizeCategory {
	switch {
	case rowCount >= LargeRowThreshold:
		return SizeLarge
	case rowCount >= MediumRowThreshold:
		return SizeMedium
	}
	return SizeSmall
}

// Base constants for the SMALL tier. Larger tiers scale these down to
// keep per-batch memory and upstream load bounded as row volume grows.
const (
	baseBatchSize          = 5_000
	basePartitionSize      = 50_000
	baseWorkers            = 4
	baseCheckpointInterval = 1_000_000
	baseQueueCapacity      = 10_000

	// MaxWorkers is a hard ceiling regardless of tier or override, to
	// bound concurrent load on the upstream database.
	MaxWorkers = 4

	// minBatchSize is the floor under pressure shrinking.
	minBatchSize = 100
)

// Processing holds the concrete knobs for one table's extraction.
// Computed once at the start of each table and not mutated mid-table.
type Processing struct {
	PartitionSize      int
	BatchSize          int
	Workers            int
	QueueCapacity      int
	CheckpointInterval int
	ConnTimeout        time.Duration
}

// Overrides are operator-supplied fixed values; zero means adaptive.
type Overrides struct {
	Workers   int
	QueueSize int

	// ResampleEvery reuses one resource snapshot across this many
	// Compute calls. Sampling blocks for about a second, so runs over
	// many small tables would otherwise spend most of their time
	// measuring CPU. Zero or one samples every call.
	ResampleEvery int
}

// Sampler provides resource snapshots. *sysmon.Monitor satisfies it.
type Sampler interface {
	Sample() sysmon.Snapshot
}

// Calculator computes processing parameters.
type Calculator struct {
	monitor   Sampler
	overrides Overrides

	mu    sync.Mutex
	calls int
	snap  sysmon.Snapshot
}

// New returns a Calculator using the given resource sampler.
func New(monitor Sampler, overrides Overrides) *Calculator {
	return &Calculator{monitor: monitor, overrides: overrides}
}

// sample returns a resource snapshot, reusing the cached one between
// resample points.
func (c *Calculator) sample() sysmon.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	every := c.overrides.ResampleEvery
	if every < 1 {
		every = 1
	}
	if c.calls%every == 0 {
		c.snap = c.monitor.Sample()
	}
	c.calls++
	return c.snap
}

// Compute derives parameters for a table of the given size. It is
// idempotent and safe to call any number of times; the only side
// effects are the resource sample and logging.
func (c *Calculator) Compute(table string, size SizeCategory) Processing {
	p := baseFor(size)

	if c.overrides.Workers > 0 {
		p.Workers = c.overrides.Workers
	}
	if c.overrides.QueueSize > 0 {
		p.QueueCapacity = c.overrides.QueueSize
	}

	p = ApplyPressure(p, c.sample())

	if p.Workers > MaxWorkers {
		p.Workers = MaxWorkers
	}

	logging.Info("Parameters for %s (%s): partition=%d batch=%d workers=%d queue=%d checkpoint=%d conn_timeout=%s",
		table, size, p.PartitionSize, p.BatchSize, p.Workers, p.QueueCapacity, p.CheckpointInterval, p.ConnTimeout)

	return p
}

// baseFor returns the unpressured parameters for a size tier.
func baseFor(size SizeCategory) Processing {
	switch size {
	case SizeMedium:
		return Processing{
			PartitionSize:      basePartitionSize / 2,
			BatchSize:          baseBatchSize / 2,
			Workers:            baseWorkers / 2,
			QueueCapacity:      baseQueueCapacity / 2,
			CheckpointInterval: baseCheckpointInterval / 2,
			ConnTimeout:        6 * time.Hour,
		}
	case SizeLarge:
		return Processing{
			PartitionSize:      basePartitionSize / 5,
			BatchSize:          baseBatchSize / 5,
			Workers:            1,
			QueueCapacity:      baseQueueCapacity / 5,
			CheckpointInterval: baseCheckpointInterval / 10,
			ConnTimeout:        12 * time.Hour,
		}
	}
	return Processing{
		PartitionSize:      basePartitionSize,
		BatchSize:          baseBatchSize,
		Workers:            baseWorkers,
		QueueCapacity:      baseQueueCapacity,
		CheckpointInterval: baseCheckpointInterval,
		ConnTimeout:        3 * time.Hour,
	}
}

// ApplyPressure shrinks batch size and worker count under memory and
// CPU pressure. A disabled snapshot leaves parameters untouched.
func ApplyPressure(p Processing, snap sysmon.Snapshot) Processing {
	if snap.Disabled {
		return p
	}

	switch {
	case snap.MemoryCritical:
		p.BatchSize = maxInt(p.BatchSize/2, minBatchSize)
		logging.Warn("Memory critical (%.1f%%): batch size reduced to %d", snap.MemoryUsagePct, p.BatchSize)
	case snap.MemoryHigh:
		p.BatchSize = maxInt(int(math.Round(float64(p.BatchSize)*0.75)), minBatchSize)
		logging.Warn("Memory high (%.1f%%): batch size reduced to %d", snap.MemoryUsagePct, p.BatchSize)
	}

	switch {
	case snap.CPUCritical:
		p.Workers = 1
		logging.Warn("CPU critical (%.1f%%): workers reduced to 1", snap.CPUUsagePct)
	case snap.CPUHigh:
		p.Workers = maxInt(p.Workers/2, 1)
		logging.Warn("CPU high (%.1f%%): workers reduced to %d", snap.CPUUsagePct, p.Workers)
	}

	return p
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
