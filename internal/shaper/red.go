package shaper

import "math/rand"

// redTracker owns one EWMA queue-length estimate, used independently per
// class (WFQ/strict priority) or per aggregate queue (token bucket).
type redTracker struct {
	avg float64
}

func (t *redTracker) update(sampleLen float64) float64 {
	const w = 1.0 / 512.0
	t.avg = t.avg*(1-w) + sampleLen*w
	return t.avg
}

// redDrop decides whether to drop given the current EWMA average and RED
// parameters: below min never drops, at/above max always drops, in
// between drops with linearly-interpolated probability up to
// MaxProbability (spec §4.4).
func redDrop(avg float64, cfg RED) bool {
	if avg < cfg.MinThreshold {
		return false
	}
	if avg >= cfg.MaxThreshold {
		return true
	}
	span := cfg.MaxThreshold - cfg.MinThreshold
	if span <= 0 {
		return false
	}
	p := cfg.MaxProbability * (avg - cfg.MinThreshold) / span
	return rand.Float64() < p
}
