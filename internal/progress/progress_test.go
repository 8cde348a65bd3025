package progress

import (
	"testing"
	"time"

	"instanceforge/pkg/types"
)

func TestAdvanceComputesWeightedPercentage(t *testing.T) {
	a := NewAggregator(map[types.ProgressStep]float64{
		types.StepLoader: 0.5,
		types.StepMods:   0.5,
	}, time.Nanosecond)

	a.SetTotal(types.StepLoader, 100)
	a.SetTotal(types.StepMods, 100)

	a.Advance(types.StepLoader, 100, 1000)
	sample := <-a.Subscribe()
	if sample.Percentage < 49.9 || sample.Percentage > 50.1 {
		t.Errorf("Percentage = %v, want ~50 (loader done, mods at 0)", sample.Percentage)
	}

	a.Advance(types.StepMods, 100, 1000)
	sample = <-a.Subscribe()
	if sample.Percentage < 99.9 {
		t.Errorf("Percentage = %v, want ~100 once both phases finish", sample.Percentage)
	}
}

func TestAdvanceThrottlesRapidSamples(t *testing.T) {
	a := NewAggregator(map[types.ProgressStep]float64{types.StepMods: 1.0}, time.Hour)
	a.SetTotal(types.StepMods, 10)

	a.Advance(types.StepMods, 1, 100)
	select {
	case <-a.Subscribe():
	default:
		t.Fatal("expected first sample to emit immediately")
	}

	a.Advance(types.StepMods, 1, 100)
	select {
	case <-a.Subscribe():
		t.Fatal("second sample should have been throttled")
	default:
	}
}

func TestFinishBypassesThrottleAndCompletesPhase(t *testing.T) {
	a := NewAggregator(map[types.ProgressStep]float64{types.StepResolving: 1.0}, time.Hour)
	a.Advance(types.StepResolving, 0, 0)
	<-a.Subscribe()

	a.Finish(types.StepResolving)
	sample := <-a.Subscribe()
	if sample.Percentage < 99.9 {
		t.Errorf("Percentage after Finish = %v, want ~100", sample.Percentage)
	}
}
