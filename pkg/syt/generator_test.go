package syt

import "testing"

func TestComputeAtCycleZeroEmptyOffset(t *testing.T) {
	g, err := NewGenerator(Rate48kHz)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	g.Reset()

	got := g.Compute(0, 8)
	if got != 0x3A00 {
		t.Errorf("Compute(0, 8) = %#x, want 0x3A00", got)
	}
	if g.OffsetTicks() != 4096 {
		t.Errorf("OffsetTicks() = %d, want 4096", g.OffsetTicks())
	}
}

func TestComputeUninitializedReturnsNoData(t *testing.T) {
	var g Generator
	if got := g.Compute(0, 8); got != NoDataSYT {
		t.Errorf("uninitialised Compute() = %#x, want %#x", got, NoDataSYT)
	}
}

func TestUnsupportedRate(t *testing.T) {
	if _, err := NewGenerator(44100); err == nil {
		t.Errorf("NewGenerator(44100) succeeded, want ErrUnsupported")
	}
}

func TestNudgeIsModular(t *testing.T) {
	g, _ := NewGenerator(Rate48kHz)
	g.Reset()

	g.Nudge(-1)
	if g.OffsetTicks() != 49_151 {
		t.Errorf("after Nudge(-1) from 0, OffsetTicks() = %d, want 49151", g.OffsetTicks())
	}
	g.Nudge(2)
	if g.OffsetTicks() != 1 {
		t.Errorf("after Nudge(2), OffsetTicks() = %d, want 1", g.OffsetTicks())
	}
}
