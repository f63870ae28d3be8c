package trace

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

// Sampler decides whether a trace is kept.
type Sampler interface {
	Sample(traceID string) bool
}

// RatioSampler keeps a fixed fraction of traces. The decision is a pure
// function of the trace id, so every service sharing a rate agrees on it.
type RatioSampler struct {
	rate  float64
	bound uint64
}

// NewSampler returns a sampler keeping rate of all traces. Rates outside
// [0,1] are clamped.
func NewSampler(rate float64) *RatioSampler {
	s := &RatioSampler{rate: rate}
	switch {
	case rate <= 0 || math.IsNaN(rate):
		s.rate = 0
	case rate >= 1:
		s.rate = 1
	default:
		s.bound = uint64(rate * math.MaxUint64)
	}
	return s
}

// Rate returns the effective rate.
func (s *RatioSampler) Rate() float64 { return s.rate }

// Sample reports whether the trace is kept.
func (s *RatioSampler) Sample(traceID string) bool {
	switch s.rate {
	case 0:
		return false
	case 1:
		return true
	}
	return xxhash.Sum64String(traceID) < s.bound
}
