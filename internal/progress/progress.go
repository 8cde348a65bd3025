// Package progress aggregates per-phase download progress into one smoothed
// percentage and ETA for a whole install/update/repair/reinstall operation:
// a weighted sum across phases plus an EMA-smoothed transfer rate so the
// ETA doesn't jitter every tick.
package progress

import (
	"sync"
	"time"

	"instanceforge/pkg/types"
)

// emaAlpha weights how much a new rate sample moves the smoothed rate.
// Low values resist a single slow/fast chunk skewing the ETA.
const emaAlpha = 0.2

// DefaultThrottle is the minimum interval between emitted samples, so a
// fast batch of small files doesn't flood a subscriber with one event per
// file.
const DefaultThrottle = 150 * time.Millisecond

// DefaultWeights is the per-operation phase split: Minecraft/loader install
// 35%, mod downloads 50%, staging/commit 15%. Resolving carries no weight of
// its own — it finishes in milliseconds and exists only so subscribers see a
// step transition before the first bytes move.
var DefaultWeights = map[types.ProgressStep]float64{
	types.StepResolving: 0.0,
	types.StepLoader:    0.35,
	types.StepMods:      0.50,
	types.StepStaging:   0.15,
	types.StepDone:      0.0,
}

type phaseState struct {
	total int64
	done  int64
}

// Aggregator tracks the in-flight total/done byte counts for each phase of
// one operation and publishes ProgressSample ticks on its channel.
type Aggregator struct {
	weights  map[types.ProgressStep]float64
	throttle time.Duration

	mu       sync.Mutex
	phases   map[types.ProgressStep]*phaseState
	emaRate  float64
	lastEmit time.Time
	sub      chan types.ProgressSample
}

// NewAggregator builds an Aggregator using weights (DefaultWeights if nil)
// and throttle (DefaultThrottle if zero). The sample channel buffers 64
// samples so a briefly slow subscriber doesn't stall the downloads driving
// it; once that buffer is full, publishing blocks until the subscriber reads.
func NewAggregator(weights map[types.ProgressStep]float64, throttle time.Duration) *Aggregator {
	if weights == nil {
		weights = DefaultWeights
	}
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	return &Aggregator{
		weights:  weights,
		throttle: throttle,
		phases:   make(map[types.ProgressStep]*phaseState),
		sub:      make(chan types.ProgressSample, 64),
	}
}

// Subscribe returns the channel every sample is published on. Aggregator
// has exactly one subscriber per operation; callers needing fan-out should
// read from this channel and republish.
func (a *Aggregator) Subscribe() <-chan types.ProgressSample { return a.sub }

// SetTotal declares how many bytes (or items, for phases without byte
// counts, like resolving) a phase will move in total. Calling it again
// replaces the total; it does not reset Done.
func (a *Aggregator) SetTotal(step types.ProgressStep, total int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.phaseLocked(step)
	st.total = total
}

// Advance records delta additional bytes/items completed for step, updates
// the smoothed transfer rate from bytesPerSec, and emits a throttled
// sample.
func (a *Aggregator) Advance(step types.ProgressStep, delta int64, bytesPerSec int64) {
	a.mu.Lock()
	st := a.phaseLocked(step)
	st.done += delta
	if st.total > 0 && st.done > st.total {
		st.done = st.total
	}
	if bytesPerSec > 0 {
		if a.emaRate == 0 {
			a.emaRate = float64(bytesPerSec)
		} else {
			a.emaRate = emaAlpha*float64(bytesPerSec) + (1-emaAlpha)*a.emaRate
		}
	}
	sample, ok := a.sampleLocked(step)
	a.mu.Unlock()
	if ok {
		a.sub <- sample
	}
}

// Finish marks step fully complete (useful for phases with no meaningful
// byte count, like resolving or staging) and emits immediately, bypassing
// the throttle so a quick phase transition is never dropped.
func (a *Aggregator) Finish(step types.ProgressStep) {
	a.mu.Lock()
	st := a.phaseLocked(step)
	st.done = maxInt64(st.total, st.done)
	if st.total == 0 {
		st.total = 1
		st.done = 1
	}
	a.lastEmit = time.Time{}
	sample, _ := a.sampleLocked(step)
	a.mu.Unlock()
	a.sub <- sample
}

// Close signals no further samples will be published.
func (a *Aggregator) Close() { close(a.sub) }

func (a *Aggregator) phaseLocked(step types.ProgressStep) *phaseState {
	st, ok := a.phases[step]
	if !ok {
		st = &phaseState{}
		a.phases[step] = st
	}
	return st
}

// sampleLocked computes the weighted-sum percentage across every phase seen
// so far and the ETA implied by the current smoothed rate against whatever
// bytes remain in phases with a known total. Caller holds a.mu.
func (a *Aggregator) sampleLocked(current types.ProgressStep) (types.ProgressSample, bool) {
	now := time.Now()
	throttled := !a.lastEmit.IsZero() && now.Sub(a.lastEmit) < a.throttle
	if throttled {
		return types.ProgressSample{}, false
	}
	a.lastEmit = now

	var pct float64
	var remaining int64
	for step, weight := range a.weights {
		st, ok := a.phases[step]
		frac := 0.0
		if ok && st.total > 0 {
			frac = float64(st.done) / float64(st.total)
			remaining += st.total - st.done
		}
		pct += weight * frac
	}

	var etaSeconds int64
	if a.emaRate > 0 && remaining > 0 {
		etaSeconds = int64(float64(remaining) / a.emaRate)
	}

	return types.ProgressSample{
		Percentage:  pct * 100,
		Step:        current,
		BytesPerSec: int64(a.emaRate),
		ETASeconds:  etaSeconds,
	}, true
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
