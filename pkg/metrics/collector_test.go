package metrics

import "testing"

func TestNewCollector(t *testing.T) {
	collector := NewCollector()
	if collector == nil {
		t.Fatal("Expected non-nil collector")
	}
}

func TestCollector_TXCounters(t *testing.T) {
	c := NewCollector()

	c.TXUnderrun(3)
	c.TXDiscontinuity(1)
	c.TXCursorReset(40)
	c.TXPendingResync()
	c.SetTXAdaptiveFill(192)

	s := c.Snapshot()
	if s.TXUnderruns != 3 {
		t.Errorf("expected 3 TX underruns, got %d", s.TXUnderruns)
	}
	if s.TXDiscontinuities != 1 {
		t.Errorf("expected 1 TX discontinuity, got %d", s.TXDiscontinuities)
	}
	if s.TXCursorResets != 1 || s.TXMissedPackets != 40 {
		t.Errorf("expected 1 cursor reset / 40 missed packets, got %d/%d", s.TXCursorResets, s.TXMissedPackets)
	}
	if s.TXPendingResyncs != 1 {
		t.Errorf("expected 1 pending resync, got %d", s.TXPendingResyncs)
	}
	if s.TXAdaptiveFill != 192 {
		t.Errorf("expected adaptive fill 192, got %d", s.TXAdaptiveFill)
	}
}

func TestCollector_RecoveryCounters(t *testing.T) {
	c := NewCollector()

	c.VerifierFinding(2)
	c.RecoveryGranted()
	c.RecoverySuppressed()
	c.RecoverySuppressed()
	c.ITContextDead()
	c.ITWake()

	s := c.Snapshot()
	if s.VerifierFindings != 2 {
		t.Errorf("expected 2 verifier findings, got %d", s.VerifierFindings)
	}
	if s.RecoveriesGranted != 1 {
		t.Errorf("expected 1 recovery granted, got %d", s.RecoveriesGranted)
	}
	if s.RecoveriesSuppress != 2 {
		t.Errorf("expected 2 recoveries suppressed, got %d", s.RecoveriesSuppress)
	}
	if s.ITDeadEvents != 1 || s.ITWakeEvents != 1 {
		t.Errorf("expected 1 dead / 1 wake event, got %d/%d", s.ITDeadEvents, s.ITWakeEvents)
	}
}

func TestCollector_RXCounters(t *testing.T) {
	c := NewCollector()

	c.RXError(1)
	c.RXDiscontinuity(2)
	c.RXOversizedDropped(1)
	c.SetRXClockEstablished(true)
	c.IRContextDead()
	c.RecordIRLatencyBucket(10, 5, 2, 1)

	s := c.Snapshot()
	if s.RXErrors != 1 || s.RXDiscontinuities != 2 || s.RXOversizedDropped != 1 {
		t.Errorf("unexpected RX counters: %+v", s)
	}
	if !s.RXClockEstablished {
		t.Error("expected RXClockEstablished true")
	}
	if s.IRDeadEvents != 1 {
		t.Errorf("expected 1 IR dead event, got %d", s.IRDeadEvents)
	}
	if s.IRLatencyU100us != 10 || s.IRLatencyOver1ms != 1 {
		t.Errorf("unexpected latency buckets: %+v", s)
	}

	c.SetRXClockEstablished(false)
	if c.Snapshot().RXClockEstablished {
		t.Error("expected RXClockEstablished false after clear")
	}
}

func TestCollector_SYTAndClockCounters(t *testing.T) {
	c := NewCollector()

	c.SYTCorrection()
	c.SYTCorrection()
	c.SYTDisabled()
	c.SetClockSaturation(7)
	c.SetClockDriftRun(3)

	s := c.Snapshot()
	if s.SYTCorrections != 2 {
		t.Errorf("expected 2 SYT corrections, got %d", s.SYTCorrections)
	}
	if s.SYTDisabledEvents != 1 {
		t.Errorf("expected 1 SYT disabled event, got %d", s.SYTDisabledEvents)
	}
	if s.ClockSaturations != 7 || s.ClockDriftRun != 3 {
		t.Errorf("unexpected clock counters: %+v", s)
	}
}

func TestCollector_Reset(t *testing.T) {
	c := NewCollector()
	c.TXUnderrun(5)
	c.Reset()
	if c.Snapshot().TXUnderruns != 0 {
		t.Error("expected TXUnderruns to be 0 after reset")
	}
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector()

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			c.TXUnderrun(1)
			c.RXError(1)
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	s := c.Snapshot()
	if s.TXUnderruns != 10 || s.RXErrors != 10 {
		t.Errorf("expected 10/10 under concurrent access, got %d/%d", s.TXUnderruns, s.RXErrors)
	}
}
