package params

import (
	"testing"
	"time"

	"github.com/sqlpull/sqlpull/internal/sysmon"
)

// fixedSampler returns a canned snapshot with pressure flags derived
// from its percentages.
type fixedSampler struct {
	snap sysmon.Snapshot
}

func (f *fixedSampler) Sample() sysmon.Snapshot {
	return sysmon.Classify(f.snap)
}

func idle() *fixedSampler {
	return &fixedSampler{snap: sysmon.Snapshot{MemoryUsagePct: 40, CPUUsagePct: 20}}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		rows int64
		want SizeCategory
	}{
		{0, SizeSmall},
		{999_999, SizeSmall},
		{1_000_000, SizeMedium},
		{49_999_999, SizeMedium},
		{50_000_000, SizeLarge},
		{2_000_000_000, SizeLarge},
	}
	for _, tt := range tests {
		if got := Categorize(tt.rows); got != tt.want {
			t.Errorf("Categorize(%d) = %s, want %s", tt.rows, got, tt.want)
		}
	}
}

func TestComputeTiers(t *testing.T) {
	tests := []struct {
		size           SizeCategory
		wantPartition  int
		wantBatch      int
		wantWorkers    int
		wantQueue      int
		wantCheckpoint int
		wantTimeout    time.Duration
	}{
		{SizeSmall, 50_000, 5_000, 4, 10_000, 1_000_000, 3 * time.Hour},
		{SizeMedium, 25_000, 2_500, 2, 5_000, 500_000, 6 * time.Hour},
		{SizeLarge, 10_000, 1_000, 1, 2_000, 100_000, 12 * time.Hour},
	}

	calc := New(idle(), Overrides{})
	for _, tt := range tests {
		t.Run(tt.size.String(), func(t *testing.T) {
			p := calc.Compute("orders", tt.size)
			if p.PartitionSize != tt.wantPartition {
				t.Errorf("PartitionSize = %d, want %d", p.PartitionSize, tt.wantPartition)
			}
			if p.BatchSize != tt.wantBatch {
				t.Errorf("BatchSize = %d, want %d", p.BatchSize, tt.wantBatch)
			}
			if p.Workers != tt.wantWorkers {
				t.Errorf("Workers = %d, want %d", p.Workers, tt.wantWorkers)
			}
			if p.QueueCapacity != tt.wantQueue {
				t.Errorf("QueueCapacity = %d, want %d", p.QueueCapacity, tt.wantQueue)
			}
			if p.CheckpointInterval != tt.wantCheckpoint {
				t.Errorf("CheckpointInterval = %d, want %d", p.CheckpointInterval, tt.wantCheckpoint)
			}
			if p.ConnTimeout != tt.wantTimeout {
				t.Errorf("ConnTimeout = %s, want %s", p.ConnTimeout, tt.wantTimeout)
			}
		})
	}
}

func TestTierMonotonicity(t *testing.T) {
	calc := New(idle(), Overrides{})
	small := calc.Compute("t", SizeSmall)
	medium := calc.Compute("t", SizeMedium)
	large := calc.Compute("t", SizeLarge)

	if !(small.BatchSize > medium.BatchSize && medium.BatchSize > large.BatchSize) {
		t.Errorf("batch sizes not decreasing: %d, %d, %d",
			small.BatchSize, medium.BatchSize, large.BatchSize)
	}
	if !(small.Workers >= medium.Workers && medium.Workers >= large.Workers) {
		t.Errorf("workers not decreasing: %d, %d, %d",
			small.Workers, medium.Workers, large.Workers)
	}
	if !(small.ConnTimeout < medium.ConnTimeout && medium.ConnTimeout < large.ConnTimeout) {
		t.Errorf("timeouts not increasing: %s, %s, %s",
			small.ConnTimeout, medium.ConnTimeout, large.ConnTimeout)
	}
}

func TestApplyPressureMemory(t *testing.T) {
	tests := []struct {
		name      string
		memPct    float64
		batch     int
		wantBatch int
	}{
		{"normal untouched", 50, 5_000, 5_000},
		{"high shrinks to 75 percent", 85, 5_000, 3_750},
		{"critical halves", 92, 5_000, 2_500},
		{"critical respects floor", 92, 150, 100},
		{"high respects floor", 85, 120, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := sysmon.Classify(sysmon.Snapshot{MemoryUsagePct: tt.memPct, CPUUsagePct: 10})
			p := ApplyPressure(Processing{BatchSize: tt.batch, Workers: 4}, snap)
			if p.BatchSize != tt.wantBatch {
				t.Errorf("BatchSize = %d, want %d", p.BatchSize, tt.wantBatch)
			}
			if p.Workers != 4 {
				t.Errorf("Workers changed under memory pressure: %d", p.Workers)
			}
		})
	}
}

func TestApplyPressureCPU(t *testing.T) {
	tests := []struct {
		name        string
		cpuPct      float64
		workers     int
		wantWorkers int
	}{
		{"normal untouched", 50, 4, 4},
		{"high halves", 88, 4, 2},
		{"high floors at one", 88, 1, 1},
		{"critical forces one", 97, 4, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := sysmon.Classify(sysmon.Snapshot{MemoryUsagePct: 10, CPUUsagePct: tt.cpuPct})
			p := ApplyPressure(Processing{BatchSize: 5_000, Workers: tt.workers}, snap)
			if p.Workers != tt.wantWorkers {
				t.Errorf("Workers = %d, want %d", p.Workers, tt.wantWorkers)
			}
			if p.BatchSize != 5_000 {
				t.Errorf("BatchSize changed under CPU pressure: %d", p.BatchSize)
			}
		})
	}
}

func TestApplyPressureDisabledSnapshot(t *testing.T) {
	in := Processing{BatchSize: 5_000, Workers: 4}
	snap := sysmon.Snapshot{MemoryUsagePct: 99, CPUUsagePct: 99, Disabled: true}
	if got := ApplyPressure(in, snap); got != in {
		t.Errorf("disabled snapshot altered parameters: %+v", got)
	}
}

func TestComputeWorkerCap(t *testing.T) {
	calc := New(idle(), Overrides{Workers: 16})
	for _, size := range []SizeCategory{SizeSmall, SizeMedium, SizeLarge} {
		if p := calc.Compute("t", size); p.Workers > MaxWorkers {
			t.Errorf("%s: Workers = %d exceeds cap %d", size, p.Workers, MaxWorkers)
		}
	}
}

func TestComputeOverrides(t *testing.T) {
	calc := New(idle(), Overrides{Workers: 3, QueueSize: 256})
	p := calc.Compute("t", SizeLarge)
	if p.Workers != 3 {
		t.Errorf("Workers = %d, want override 3", p.Workers)
	}
	if p.QueueCapacity != 256 {
		t.Errorf("QueueCapacity = %d, want override 256", p.QueueCapacity)
	}
}

// countingSampler counts how many real samples were taken.
type countingSampler struct {
	samples int
}

func (c *countingSampler) Sample() sysmon.Snapshot {
	c.samples++
	return sysmon.Classify(sysmon.Snapshot{MemoryUsagePct: 40, CPUUsagePct: 20})
}

func TestComputeResampleEvery(t *testing.T) {
	sampler := &countingSampler{}
	calc := New(sampler, Overrides{ResampleEvery: 3})

	for i := 0; i < 7; i++ {
		calc.Compute("t", SizeSmall)
	}
	// Samples at calls 1, 4, and 7.
	if sampler.samples != 3 {
		t.Errorf("samples = %d, want 3 for 7 computes at resample 3", sampler.samples)
	}

	sampler = &countingSampler{}
	calc = New(sampler, Overrides{})
	for i := 0; i < 4; i++ {
		calc.Compute("t", SizeSmall)
	}
	if sampler.samples != 4 {
		t.Errorf("samples = %d, want 4 when resampling every call", sampler.samples)
	}
}

func TestComputeCriticalCPUWinsOverOverride(t *testing.T) {
	sampler := &fixedSampler{snap: sysmon.Snapshot{MemoryUsagePct: 10, CPUUsagePct: 97}}
	calc := New(sampler, Overrides{Workers: 4})
	if p := calc.Compute("t", SizeSmall); p.Workers != 1 {
		t.Errorf("Workers = %d, want 1 under critical CPU", p.Workers)
	}
}
