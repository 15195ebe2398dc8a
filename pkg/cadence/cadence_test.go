package cadence

import "testing"

func TestBlocking48kEightCycleWindow(t *testing.T) {
	g := NewBlocking48k()

	var dataCount, noDataCount int
	var totalSamples uint32
	for i := 0; i < 8; i++ {
		if g.NextIsData() {
			dataCount++
		} else {
			noDataCount++
		}
		totalSamples += g.SamplesThisCycle()
		g.Advance()
	}

	if dataCount != 6 {
		t.Errorf("dataCount = %d, want 6", dataCount)
	}
	if noDataCount != 2 {
		t.Errorf("noDataCount = %d, want 2", noDataCount)
	}
	if totalSamples != 48 {
		t.Errorf("totalSamples = %d, want 48", totalSamples)
	}
}

func TestBlocking48kPrime200Packets(t *testing.T) {
	g := NewBlocking48k()

	var dataCount, noDataCount int
	var totalFrames uint32
	for i := 0; i < 200; i++ {
		if g.NextIsData() {
			dataCount++
		} else {
			noDataCount++
		}
		totalFrames += g.SamplesThisCycle()
		g.Advance()
	}

	if dataCount != 150 {
		t.Errorf("dataCount = %d, want 150", dataCount)
	}
	if noDataCount != 50 {
		t.Errorf("noDataCount = %d, want 50", noDataCount)
	}
	if totalFrames != 1200 {
		t.Errorf("totalFrames = %d, want 1200", totalFrames)
	}
}

func TestBlocking48kReset(t *testing.T) {
	g := NewBlocking48k()
	for i := 0; i < 5; i++ {
		g.Advance()
	}
	g.Reset()
	if g.NextIsData() {
		t.Errorf("after Reset, cycle 0 should be NO-DATA")
	}
}

func TestNonBlocking48kAlwaysData(t *testing.T) {
	g := NewNonBlocking48k()
	for i := 0; i < 16; i++ {
		if !g.NextIsData() {
			t.Fatalf("cycle %d: NextIsData() = false, want true", i)
		}
		if g.SamplesThisCycle() != 6 {
			t.Fatalf("cycle %d: SamplesThisCycle() = %d, want 6", i, g.SamplesThisCycle())
		}
		g.Advance()
	}
}
