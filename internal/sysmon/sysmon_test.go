package sysmon

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name             string
		memPct, cpuPct   float64
		wantMemHigh      bool
		wantMemCritical  bool
		wantCPUHigh      bool
		wantCPUCritical  bool
	}{
		{"idle", 40, 20, false, false, false, false},
		{"memory just below high", 79.9, 20, false, false, false, false},
		{"memory at high threshold", 80, 20, true, false, false, false},
		{"memory at critical threshold", 90, 20, true, true, false, false},
		{"cpu at high threshold", 40, 85, false, false, true, false},
		{"cpu at critical threshold", 40, 95, false, false, true, true},
		{"everything critical", 95, 99, true, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Classify(Snapshot{MemoryUsagePct: tt.memPct, CPUUsagePct: tt.cpuPct})
			if snap.MemoryHigh != tt.wantMemHigh {
				t.Errorf("MemoryHigh = %v, want %v", snap.MemoryHigh, tt.wantMemHigh)
			}
			if snap.MemoryCritical != tt.wantMemCritical {
				t.Errorf("MemoryCritical = %v, want %v", snap.MemoryCritical, tt.wantMemCritical)
			}
			if snap.CPUHigh != tt.wantCPUHigh {
				t.Errorf("CPUHigh = %v, want %v", snap.CPUHigh, tt.wantCPUHigh)
			}
			if snap.CPUCritical != tt.wantCPUCritical {
				t.Errorf("CPUCritical = %v, want %v", snap.CPUCritical, tt.wantCPUCritical)
			}
		})
	}
}

func TestSampleNeverPanics(t *testing.T) {
	snap := New().Sample()
	if snap.Disabled {
		t.Skip("host resource counters unavailable")
	}
	if snap.MemoryUsagePct < 0 || snap.MemoryUsagePct > 100 {
		t.Errorf("MemoryUsagePct out of range: %f", snap.MemoryUsagePct)
	}
	if snap.SampledAt.IsZero() {
		t.Error("SampledAt not set")
	}
}
