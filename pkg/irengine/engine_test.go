package irengine_test

import (
	"testing"
	"time"

	"github.com/dbehnke/fwaudio-core/internal/simhw"
	"github.com/dbehnke/fwaudio-core/pkg/irengine"
	"github.com/dbehnke/fwaudio-core/pkg/ohci"
)

type recordingPipeline struct {
	packets [][]byte
}

func (p *recordingPipeline) HandlePacket(payload []byte) {
	cp := append([]byte(nil), payload...)
	p.packets = append(p.packets, cp)
}

func newTestEngine(t *testing.T, capacity int) (*irengine.Engine, *simhw.Context, *recordingPipeline) {
	t.Helper()
	ctx := &simhw.Context{}
	ctrl := simhw.NewController()
	mem := simhw.NewMemory()
	pipeline := &recordingPipeline{}
	e := irengine.New(ctx, ctrl, simhw.Barrier{}, pipeline)
	if err := e.SetupRings(mem, capacity); err != nil {
		t.Fatalf("SetupRings: %v", err)
	}
	e.ResetForStart()
	return e, ctx, pipeline
}

func TestPollDeliversSinglePacket(t *testing.T) {
	e, _, pipeline := newTestEngine(t, 16)
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	e.DeliverTestPacket(payload)

	if err := e.Poll(time.Now()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(pipeline.packets) != 1 {
		t.Fatalf("got %d delivered packets, want 1", len(pipeline.packets))
	}
	if string(pipeline.packets[0]) != string(payload) {
		t.Fatalf("delivered payload mismatch: got %v want %v", pipeline.packets[0], payload)
	}
}

func TestPollDeliversMultiplePacketsInOrder(t *testing.T) {
	e, _, pipeline := newTestEngine(t, 16)
	for i := 0; i < 5; i++ {
		e.DeliverTestPacket([]byte{byte(i)})
	}
	if err := e.Poll(time.Now()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(pipeline.packets) != 5 {
		t.Fatalf("got %d delivered packets, want 5", len(pipeline.packets))
	}
	for i, pkt := range pipeline.packets {
		if len(pkt) != 1 || pkt[0] != byte(i) {
			t.Fatalf("packet %d = %v, want [%d]", i, pkt, i)
		}
	}
}

func TestPollNoNewPacketsIsNoop(t *testing.T) {
	e, _, pipeline := newTestEngine(t, 16)
	if err := e.Poll(time.Now()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(pipeline.packets) != 0 {
		t.Fatalf("got %d delivered packets, want 0", len(pipeline.packets))
	}
}

func TestPollReportsDead(t *testing.T) {
	e, ctx, _ := newTestEngine(t, 16)
	ctx.MarkDead()
	if err := e.Poll(time.Now()); err != irengine.ErrDead {
		t.Fatalf("Poll error = %v, want ErrDead", err)
	}
}

func TestPollWakesIdleRunningContext(t *testing.T) {
	e, ctx, _ := newTestEngine(t, 16)
	ctx.SetControlBits(ohci.CtlRun)
	if err := e.Poll(time.Now()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if ctx.Control()&ohci.CtlWake == 0 {
		t.Fatalf("expected Wake bit set on idle Run context")
	}
}

func TestLatencyHistogramBucketsPollGaps(t *testing.T) {
	e, _, _ := newTestEngine(t, 16)
	e.DeliverTestPacket([]byte{0})
	start := time.Now()
	if err := e.Poll(start); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	e.DeliverTestPacket([]byte{1})
	if err := e.Poll(start.Add(50 * time.Microsecond)); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	e.DeliverTestPacket([]byte{2})
	if err := e.Poll(start.Add(2 * time.Millisecond)); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	hist := e.Latency()
	if hist.Under100us != 1 {
		t.Fatalf("Under100us = %d, want 1", hist.Under100us)
	}
	if hist.Over1ms != 1 {
		t.Fatalf("Over1ms = %d, want 1", hist.Over1ms)
	}
}

func TestBufferRecycledAfterFullLap(t *testing.T) {
	e, _, pipeline := newTestEngine(t, 4)
	for lap := 0; lap < 2; lap++ {
		for i := 0; i < 4; i++ {
			e.DeliverTestPacket([]byte{byte(lap), byte(i)})
		}
		if err := e.Poll(time.Now()); err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}
	if len(pipeline.packets) != 8 {
		t.Fatalf("got %d delivered packets, want 8", len(pipeline.packets))
	}
}
