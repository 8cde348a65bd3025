package sysmem

import (
	"testing"

	"instanceforge/pkg/types"
)

func TestResolveHeapMBRecommendedWithinBudget(t *testing.T) {
	sys := Info{TotalMB: 16384, AvailableMB: 12000}
	got := ResolveHeapMB(sys, types.RAMRecommended, 4096, 2048, 0)
	if got != 4096 {
		t.Errorf("ResolveHeapMB = %d, want 4096", got)
	}
}

func TestResolveHeapMBRecommendedFallsBackToGlobal(t *testing.T) {
	sys := Info{TotalMB: 4096, AvailableMB: 3000}
	got := ResolveHeapMB(sys, types.RAMRecommended, 8192, 2048, 0)
	if got != 2048 {
		t.Errorf("ResolveHeapMB fallback = %d, want 2048", got)
	}
}

func TestResolveHeapMBCustomClampedToBounds(t *testing.T) {
	sys := Info{TotalMB: 8192}
	if got := ResolveHeapMB(sys, types.RAMCustom, 0, 0, 128); got != MinHeapMB {
		t.Errorf("custom below min = %d, want %d", got, MinHeapMB)
	}
	if got := ResolveHeapMB(sys, types.RAMCustom, 0, 0, 100000); got != sys.TotalMB {
		t.Errorf("custom above total = %d, want %d", got, sys.TotalMB)
	}
}

func TestResolveHeapMBGlobalMode(t *testing.T) {
	sys := Info{TotalMB: 16384}
	if got := ResolveHeapMB(sys, types.RAMGlobal, 0, 3072, 0); got != 3072 {
		t.Errorf("global = %d, want 3072", got)
	}
}
