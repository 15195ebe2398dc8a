// Package irengine owns the OHCI isochronous receive (IR) descriptor
// ring: a flat array of fixed-size receive buffers, polled for completed
// payloads which are handed to a ReceivePipeline (pkg/iraudio), with a
// 4-bucket latency histogram (spec §4.I).
package irengine

import (
	"errors"
	"fmt"
	"time"

	"github.com/dbehnke/fwaudio-core/pkg/ohci"
)

// MaxPacketSize is the fixed receive buffer size (spec §3).
const MaxPacketSize = 4096

const descBytes = 16

// ErrDead mirrors pkg/itengine.ErrDead for the receive side.
var ErrDead = errors.New("irengine: context reported Dead")

// ErrBadCommandPtr mirrors pkg/itengine.ErrBadCommandPtr for the receive
// side.
var ErrBadCommandPtr = errors.New("irengine: CommandPtr does not decode to a ring buffer")

// ReceivePipeline consumes one completed IR payload
// (8-byte isoch header + 8-byte CIP + AM824 payload). pkg/iraudio is the
// sole implementation.
type ReceivePipeline interface {
	HandlePacket(payload []byte)
}

// LatencyHistogram buckets poll-to-poll latency into the four spec §4.I
// buckets: <100µs, <500µs, <1ms, >=1ms.
type LatencyHistogram struct {
	Under100us uint64
	Under500us uint64
	Under1ms   uint64
	Over1ms    uint64
}

func (h *LatencyHistogram) record(d time.Duration) {
	switch {
	case d < 100*time.Microsecond:
		h.Under100us++
	case d < 500*time.Microsecond:
		h.Under500us++
	case d < time.Millisecond:
		h.Under1ms++
	default:
		h.Over1ms++
	}
}

// Engine owns one IR context's receive buffers.
type Engine struct {
	ctx     ohci.Context
	ctrl    ohci.Controller
	barrier ohci.Barrier

	descBase uint32
	dataBase uint32
	buffers  []byte
	lengths  []uint32
	capacity int

	head        int
	lastHwHead  int
	lastPoll    time.Time
	testPending int

	pipeline ReceivePipeline
	latency  LatencyHistogram
}

// New constructs an Engine bound to one OHCI IR context.
func New(ctx ohci.Context, ctrl ohci.Controller, barrier ohci.Barrier, pipeline ReceivePipeline) *Engine {
	return &Engine{ctx: ctx, ctrl: ctrl, barrier: barrier, pipeline: pipeline}
}

// SetupRings allocates capacity fixed-size receive buffers via mem.
func (e *Engine) SetupRings(mem ohci.MemoryProvider, capacity int) error {
	descRegion, err := mem.AllocDescriptorRegion(((capacity*descBytes + ohci.PageBytes - 1) / ohci.PageBytes) * ohci.PageBytes)
	if err != nil {
		return fmt.Errorf("irengine: descriptor region: %w", err)
	}
	dataRegion, err := mem.AllocPayloadRegion(capacity * MaxPacketSize)
	if err != nil {
		return fmt.Errorf("irengine: payload region: %w", err)
	}
	e.descBase = descRegion.IOVA
	e.dataBase = dataRegion.IOVA
	e.buffers = dataRegion.Bytes
	e.lengths = make([]uint32, capacity)
	e.capacity = capacity
	e.ctx.SetCommandPtr(ohci.EncodeCommandPtr(e.descBase, 1))
	return nil
}

// ResetForStart clears software cursors.
func (e *Engine) ResetForStart() {
	e.head = 0
	e.lastHwHead = 0
	e.lastPoll = time.Time{}
	e.testPending = 0
}

// Capacity returns the number of receive buffers in the ring.
func (e *Engine) Capacity() int { return e.capacity }

// BufferSlot returns the raw buffer backing index i, for use by test
// drivers simulating a completed receive.
func (e *Engine) BufferSlot(i int) []byte {
	return e.buffers[i*MaxPacketSize : i*MaxPacketSize+MaxPacketSize]
}

// descIOVA returns the IOVA naming buffer index i's descriptor.
func (e *Engine) descIOVA(i int) uint32 {
	return e.descBase + uint32(i)*descBytes
}

func (e *Engine) decodeIndex(iova uint32) (int, error) {
	if iova < e.descBase {
		return 0, ErrBadCommandPtr
	}
	rel := iova - e.descBase
	if rel%descBytes != 0 {
		return 0, ErrBadCommandPtr
	}
	idx := int(rel / descBytes)
	if idx >= e.capacity {
		return 0, ErrBadCommandPtr
	}
	return idx, nil
}

// DeliverTestPacket is a simhw-facing test hook standing in for hardware
// completing a receive: it copies payload into the next ring slot,
// records its length, and advances the context's CommandPtr so Poll will
// pick it up, per EXPANSION 4's "driven explicitly by test code instead
// of an IRQ".
func (e *Engine) DeliverTestPacket(payload []byte) {
	idx := e.head
	copy(e.BufferSlot(idx), payload)
	e.lengths[idx] = uint32(len(payload))
	e.head = (e.head + 1) % e.capacity
	e.testPending++
	e.ctx.SetCommandPtr(ohci.EncodeCommandPtr(e.descIOVA(e.head), 1))
}

// Poll walks completed receive buffers since the last call, handing each
// payload to the pipeline and recycling the slot, and records the
// poll-to-poll latency. now is the caller's current time (supplied rather
// than read internally, keeping the engine free of a wall-clock
// dependency).
func (e *Engine) Poll(now time.Time) error {
	ctl := e.ctx.Control()
	if ctl&ohci.CtlDead != 0 {
		return ErrDead
	}

	e.barrier.FetchFromDevice()
	cmdPtr := e.ctx.CommandPtr()
	iova, _ := ohci.DecodeCommandPtr(cmdPtr)
	hwHead, err := e.decodeIndex(iova)
	if err != nil {
		return err
	}

	consumed := hwHead - e.lastHwHead
	if consumed < 0 {
		consumed += e.capacity
	}
	// A full lap of test deliveries brings CommandPtr back to where it
	// was; the delivery count tells that apart from no progress.
	if consumed == 0 && e.testPending >= e.capacity {
		consumed = e.capacity
	}
	idx := e.lastHwHead
	for n := 0; n < consumed; n++ {
		length := e.lengths[idx]
		if e.pipeline != nil {
			e.pipeline.HandlePacket(e.BufferSlot(idx)[:length])
		}
		idx = (idx + 1) % e.capacity
	}
	e.lastHwHead = hwHead
	e.testPending = 0

	if !e.lastPoll.IsZero() {
		e.latency.record(now.Sub(e.lastPoll))
	}
	e.lastPoll = now

	if ctl&ohci.CtlRun != 0 && ctl&ohci.CtlDead == 0 && ctl&ohci.CtlActive == 0 {
		e.ctx.SetControlBits(ohci.CtlWake)
	}
	return nil
}

// Latency returns a snapshot of the poll-latency histogram.
func (e *Engine) Latency() LatencyHistogram { return e.latency }
