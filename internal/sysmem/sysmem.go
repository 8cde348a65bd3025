// Package sysmem reports system RAM and derives JVM heap sizes for the
// launch supervisor, via one cross-platform gopsutil call instead of
// per-OS shell-outs to WMIC, /proc/meminfo, and sysctl.
package sysmem

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"instanceforge/pkg/types"
)

// SafetyBufferMB is subtracted from system total before a "recommended"
// allocation is considered safe, leaving headroom for the OS and launcher.
const SafetyBufferMB = 1536

// MinHeapMB is the lower clamp bound for a custom allocation.
const MinHeapMB = 512

// Info is a snapshot of system memory in megabytes.
type Info struct {
	TotalMB     int
	AvailableMB int
}

// Read probes current system memory.
func Read(ctx context.Context) (Info, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("sysmem: reading virtual memory: %w", err)
	}
	return Info{
		TotalMB:     int(vm.Total / (1024 * 1024)),
		AvailableMB: int(vm.Available / (1024 * 1024)),
	}, nil
}

// ResolveHeapMB computes the -Xmx value in megabytes for an instance's
// ram_allocation setting:
//   - recommended: the manifest's recommended value, if it fits within
//     system total minus SafetyBufferMB; otherwise falls back to global.
//   - global: the user's configured default, unclamped beyond sanity bounds.
//   - custom: clamped to [MinHeapMB, system total].
func ResolveHeapMB(sys Info, mode types.RAMMode, recommendedMB, globalMB, customMB int) int {
	switch mode {
	case types.RAMRecommended:
		if recommendedMB > 0 && recommendedMB <= sys.TotalMB-SafetyBufferMB {
			return recommendedMB
		}
		return clamp(globalMB, MinHeapMB, sys.TotalMB)
	case types.RAMCustom:
		return clamp(customMB, MinHeapMB, sys.TotalMB)
	default: // RAMGlobal and unset
		return clamp(globalMB, MinHeapMB, sys.TotalMB)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}
