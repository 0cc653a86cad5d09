package extract

import "testing"

func uniform(n int) []group {
	groups := make([]group, n)
	for i := range groups {
		groups[i] = group{value: i + 1, count: 1}
	}
	return groups
}

func TestComputeBoundsUniform(t *testing.T) {
	bounds := computeBounds(uniform(100), 4)

	if len(bounds) != 4 {
		t.Fatalf("got %d bounds, want 4", len(bounds))
	}
	want := []struct{ lo, hi int }{{1, 25}, {26, 50}, {51, 75}, {76, 100}}
	for i, b := range bounds {
		if b.Group != i {
			t.Errorf("bound %d: Group = %d", i, b.Group)
		}
		if b.Lower != want[i].lo || b.Upper != want[i].hi {
			t.Errorf("bound %d: [%v, %v], want [%d, %d]", i, b.Lower, b.Upper, want[i].lo, want[i].hi)
		}
	}
}

func TestComputeBoundsCoverage(t *testing.T) {
	// Every distinct value must land in exactly one bound, with bounds
	// contiguous and non-overlapping over the value order.
	tests := []struct {
		name          string
		groups        []group
		numPartitions int
	}{
		{"uniform", uniform(50), 8},
		{"more partitions than values", uniform(3), 10},
		{"single value", []group{{value: 7, count: 1000}}, 4},
		{"skewed head", []group{
			{value: 1, count: 90_000},
			{value: 2, count: 100},
			{value: 3, count: 100},
			{value: 4, count: 100},
		}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bounds := computeBounds(tt.groups, tt.numPartitions)
			if len(bounds) == 0 {
				t.Fatal("no bounds")
			}
			if len(bounds) > tt.numPartitions {
				t.Errorf("got %d bounds, more than %d partitions", len(bounds), tt.numPartitions)
			}
			if len(bounds) > len(tt.groups) {
				t.Errorf("got %d bounds for %d distinct values", len(bounds), len(tt.groups))
			}

			// Walk values in order; each must continue the current bound
			// or open the next one.
			bi := 0
			if bounds[0].Lower != tt.groups[0].value {
				t.Errorf("first bound starts at %v, want %v", bounds[0].Lower, tt.groups[0].value)
			}
			for _, g := range tt.groups {
				if bi+1 < len(bounds) && bounds[bi+1].Lower == g.value {
					if bounds[bi].Upper == g.value {
						t.Errorf("value %v in two bounds", g.value)
					}
					bi++
				}
			}
			if bi != len(bounds)-1 {
				t.Errorf("walked into %d bounds, have %d", bi+1, len(bounds))
			}
			if bounds[len(bounds)-1].Upper != tt.groups[len(tt.groups)-1].value {
				t.Errorf("last bound ends at %v, want %v",
					bounds[len(bounds)-1].Upper, tt.groups[len(tt.groups)-1].value)
			}
		})
	}
}

func TestComputeBoundsSkewIsolatesHotValue(t *testing.T) {
	groups := []group{
		{value: "a", count: 10},
		{value: "b", count: 1_000_000},
		{value: "c", count: 10},
	}
	bounds := computeBounds(groups, 3)

	if len(bounds) != 2 {
		t.Fatalf("got %d bounds, want 2: %+v", len(bounds), bounds)
	}
	if bounds[0].Lower != "a" || bounds[0].Upper != "a" {
		t.Errorf("light head not split off: %+v", bounds[0])
	}
	if bounds[1].Lower != "b" {
		t.Errorf("hot value does not start its own bound: %+v", bounds[1])
	}
}

func TestComputeBoundsEmpty(t *testing.T) {
	if got := computeBounds(nil, 4); got != nil {
		t.Errorf("computeBounds(nil) = %+v, want nil", got)
	}
	if got := computeBounds(uniform(5), 0); got != nil {
		t.Errorf("computeBounds(_, 0) = %+v, want nil", got)
	}
}
