package dbc

import (
	"testing"

	"github.com/dbehnke/fwaudio-core/pkg/cadence"
)

func TestDBCContinuityAfterNoData(t *testing.T) {
	gen := cadence.NewBlocking48k()
	tracker := NewTracker()
	tracker.Reset(0xC0)

	want := []struct {
		isData bool
		dbc    byte
	}{
		{false, 0xC0},
		{true, 0xC0},
		{true, 0xC8},
		{true, 0xD0},
		{false, 0xD8},
		{true, 0xD8},
	}

	for i, w := range want {
		isData := gen.NextIsData()
		if isData != w.isData {
			t.Fatalf("step %d: isData = %v, want %v", i, isData, w.isData)
		}
		got := tracker.DBC(isData, gen.SamplesThisCycle())
		if got != w.dbc {
			t.Errorf("step %d: DBC = %#x, want %#x", i, got, w.dbc)
		}
		gen.Advance()
	}
}

func TestDBCWrapsModulo256(t *testing.T) {
	tracker := NewTracker()
	tracker.Reset(250)

	got := tracker.DBC(true, 8) // seed value
	if got != 250 {
		t.Fatalf("first DBC = %d, want 250", got)
	}
	got = tracker.DBC(true, 8)
	wrapped := 258
	if got != byte(wrapped) { // wraps: 250+8=258 mod 256 = 2
		t.Errorf("wrapped DBC = %d, want %d", got, byte(wrapped))
	}
}

func TestDBCSeeded(t *testing.T) {
	tracker := NewTracker()
	if tracker.Seeded() {
		t.Errorf("new tracker reports Seeded() = true")
	}
	tracker.DBC(false, 0)
	if tracker.Seeded() {
		t.Errorf("NO-DATA call should not mark tracker seeded")
	}
	tracker.DBC(true, 8)
	if !tracker.Seeded() {
		t.Errorf("DATA call should mark tracker seeded")
	}
}
