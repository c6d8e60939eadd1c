package stride

import (
	"math"
	"testing"
)

func TestCosineSchedule_Warmup(t *testing.T) {
	s := CosineSchedule{Base: 1.0, Min: 0.1, WarmupIterations: 10, TotalIterations: 110}

	if got := s.At(0); got != 0 {
		t.Fatalf("At(0) = %v, want 0", got)
	}
	if got := s.At(5); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("At(5) = %v, want 0.5", got)
	}
	if got := s.At(10); math.Abs(got-1.0) > 1e-12 {
		t.Fatalf("At(10) = %v, want peak 1.0", got)
	}
}

func TestCosineSchedule_Decay(t *testing.T) {
	s := CosineSchedule{Base: 1.0, Min: 0.1, WarmupIterations: 10, TotalIterations: 110}

	// Midpoint of decay sits halfway between base and floor.
	mid := (1.0 + 0.1) / 2
	if got := s.At(60); math.Abs(got-mid) > 1e-12 {
		t.Fatalf("At(60) = %v, want %v", got, mid)
	}

	// Monotone non-increasing through the decay phase.
	prev := s.At(10)
	for i := 11; i <= 110; i++ {
		cur := s.At(i)
		if cur > prev+1e-12 {
			t.Fatalf("At(%d) = %v rose above At(%d) = %v", i, cur, i-1, prev)
		}
		prev = cur
	}

	if got := s.At(110); math.Abs(got-0.1) > 1e-12 {
		t.Fatalf("At(110) = %v, want floor 0.1", got)
	}
}

func TestCosineSchedule_BeyondTotal(t *testing.T) {
	s := CosineSchedule{Base: 1.0, Min: 0.1, WarmupIterations: 10, TotalIterations: 110}
	for _, iter := range []int{111, 1000} {
		if got := s.At(iter); got != 0.1 {
			t.Fatalf("At(%d) = %v, want floor 0.1", iter, got)
		}
	}
}

func TestCosineSchedule_NoDecayPhase(t *testing.T) {
	// Warmup running the full length leaves no decay iterations; the rate
	// must drop to the floor, not divide zero by zero.
	s := CosineSchedule{Base: 1.0, Min: 0.1, WarmupIterations: 10, TotalIterations: 10}
	got := s.At(10)
	if math.IsNaN(got) {
		t.Fatal("At(10) = NaN")
	}
	if got != 0.1 {
		t.Fatalf("At(10) = %v, want floor 0.1", got)
	}
	if got := s.At(5); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("At(5) = %v, want 0.5", got)
	}
}

func TestCosineSchedule_ZeroFloor(t *testing.T) {
	s := CosineSchedule{Base: 0.5, WarmupIterations: 2, TotalIterations: 4}
	if got := s.At(4); math.Abs(got) > 1e-12 {
		t.Fatalf("At(4) = %v, want 0", got)
	}
	if got := s.At(100); got != 0 {
		t.Fatalf("At(100) = %v, want 0", got)
	}
}
