package stride

import "math"

// CosineSchedule is a learning-rate schedule with linear warmup followed by
// cosine decay to a floor. An iteration can mean an epoch, a micro batch, or
// a mini batch; the schedule is a pure function of the iteration count.
type CosineSchedule struct {
	// Base is the peak learning rate reached at the end of warmup.
	Base float64

	// Min is the floor the rate decays to. Default 0.
	Min float64

	// WarmupIterations is the length of the linear ramp from 0 to Base.
	WarmupIterations int

	// TotalIterations is the iteration at which decay completes.
	TotalIterations int
}

// At returns the learning rate for the given iteration.
func (s CosineSchedule) At(iteration int) float64 {
	if iteration < s.WarmupIterations {
		return s.Base * float64(iteration) / float64(s.WarmupIterations)
	}
	if iteration > s.TotalIterations {
		return s.Min
	}

	decayIterations := s.TotalIterations - s.WarmupIterations
	if decayIterations == 0 {
		return s.Min
	}
	decayRatio := float64(iteration-s.WarmupIterations) / float64(decayIterations)
	cosineDecay := 0.5 * (1 + math.Cos(math.Pi*decayRatio))
	return s.Min + (s.Base-s.Min)*cosineDecay
}
