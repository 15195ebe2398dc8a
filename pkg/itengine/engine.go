// Package itengine owns the OHCI isochronous transmit (IT) descriptor
// slab: priming it with silence, refilling it ahead of hardware every
// watchdog/IRQ tick, resynchronising the transmit cycle number against
// hardware, and waking an idle context (spec §4.G).
package itengine

import (
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/dbehnke/fwaudio-core/pkg/logger"
	"github.com/dbehnke/fwaudio-core/pkg/ohci"
)

// PayloadSlotBytes is the fixed per-packet payload buffer size (spec §3).
const PayloadSlotBytes = 4096

// writeAheadMargin is the number of packets always left un-filled behind
// the ring's tail, per spec §4.G step 5 ("packets − 4").
const writeAheadMargin = 4

// minGapWarnDivisor flags a shrinking gap between software and hardware
// when it falls under packets/5.
const minGapWarnDivisor = 5

// ErrDead is returned by Refill when the context has reported CtlDead;
// the caller (pkg/itaudio's recovery controller, or pkg/session directly)
// is expected to Stop();Start() the engine.
var ErrDead = errors.New("itengine: context reported Dead")

// ErrBadCommandPtr is returned by Refill when hardware's CommandPtr does
// not decode to a valid in-ring descriptor (page padding or out of
// range); the caller should skip this refill tick.
var ErrBadCommandPtr = errors.New("itengine: CommandPtr does not decode to a ring descriptor")

// ProvidedPacket is one packet's framed bytes, as produced by a
// PacketProvider: an 8-byte CIP header optionally followed by AM824
// payload.
type ProvidedPacket struct {
	Bytes  []byte
	IsData bool
}

// PacketProvider supplies the next silent-but-valid packet for a given
// transmit cycle, advancing its own cadence/DBC/SYT state as it does so.
// pkg/itaudio is the sole implementation (spec's "trait object" design
// note, §9).
type PacketProvider interface {
	NextSilentPacket(transmitCycle uint32) ProvidedPacket
}

// AudioInjector overwrites payload slots ahead of the hardware cursor
// with real audio. pkg/itaudio is the sole implementation.
type AudioInjector interface {
	InjectNearHW(hwPacketIndex int, e *Engine)
}

// OverwriteSnapshot is handed to a CaptureHook just before a ring slot's
// bytes are replaced, so a verifier can inspect what hardware is about to
// lose without slowing down the hot refill path.
type OverwriteSnapshot struct {
	PacketIndex   int
	HwPacketIndex int
	CmdPtr        uint32
	LastControl   uint32
	LastStatus    uint32
	Payload       []byte
}

// CaptureHook observes ring slots about to be overwritten. pkg/itaudio's
// verifier is the sole implementation.
type CaptureHook interface {
	BeforeOverwrite(snap OverwriteSnapshot)
}

// Engine owns one IT context's descriptor slab and payload buffers.
type Engine struct {
	ctx     ohci.Context
	ctrl    ohci.Controller
	barrier ohci.Barrier

	channel uint8
	speed   uint8

	slab       *ohci.DescriptorSlab
	payload    []byte
	packets    int
	descRegion ohci.Region
	dataRegion ohci.Region

	softwareFillIndex int
	lastHwPacketIndex int
	ringPacketsAhead  int
	nextTransmitCycle uint32
	minGapSeen        int

	provider PacketProvider
	injector AudioInjector
	capture  CaptureHook
	log      *logger.Logger

	deadEvents   uint64
	wakeEvents   uint64
	minGapWarned bool

	// _ pads simPos onto its own cache line so the simulated-hardware
	// actor's writes never false-share with the refill watchdog's
	// plain fields above, the same isolation pkg/spscqueue gives its
	// producer/consumer/controller sections.
	_ cpu.CacheLinePad

	// simPos is SimulateAdvance's own notion of the simulated hardware's
	// position, independent of lastHwPacketIndex (owned by Refill's
	// goroutine). Keeping it separate means the simulated-hardware actor
	// and the refill watchdog never touch the same plain field from two
	// goroutines, mirroring the real split between a DMA engine and the
	// software that polls it.
	simPos atomic.Int32
}

// New constructs an Engine bound to one OHCI IT context and channel
// number. Call SetupRings before Prime/Refill.
func New(ctx ohci.Context, ctrl ohci.Controller, barrier ohci.Barrier, channel uint8, provider PacketProvider) *Engine {
	return &Engine{
		ctx:      ctx,
		ctrl:     ctrl,
		barrier:  barrier,
		channel:  channel,
		speed:    2,
		provider: provider,
		log:      logger.New(logger.Config{}),
	}
}

// SetInjector attaches the near-HW audio injector (spec §4.H).
func (e *Engine) SetInjector(inj AudioInjector) { e.injector = inj }

// SetCaptureHook attaches the verifier's trace-ring capture hook.
func (e *Engine) SetCaptureHook(h CaptureHook) { e.capture = h }

// SetLogger attaches the logger used for the minimum-gap warning and any
// other diagnostics Refill emits. A nil logger keeps the no-op default
// New already installs.
func (e *Engine) SetLogger(log *logger.Logger) {
	if log != nil {
		e.log = log
	}
}

// Packets returns the ring's packet-slot count.
func (e *Engine) Packets() int { return e.packets }

// Slab exposes the underlying descriptor slab, mainly for tests and for
// the audio injector to read/rewrite OUTPUT_LAST fields directly.
func (e *Engine) Slab() *ohci.DescriptorSlab { return e.slab }

// PayloadSlot returns the raw payload bytes backing packet index i.
func (e *Engine) PayloadSlot(i int) []byte {
	return e.payload[i*PayloadSlotBytes : i*PayloadSlotBytes+PayloadSlotBytes]
}

// SetupRings allocates the descriptor and payload regions for packets
// packet slots via mem and builds the descriptor slab over them.
func (e *Engine) SetupRings(mem ohci.MemoryProvider, packets int) error {
	pages := (packets + ohci.PacketsPerPage - 1) / ohci.PacketsPerPage
	descRegion, err := mem.AllocDescriptorRegion(pages * ohci.PageBytes)
	if err != nil {
		return fmt.Errorf("itengine: descriptor region: %w", err)
	}
	dataRegion, err := mem.AllocPayloadRegion(packets * PayloadSlotBytes)
	if err != nil {
		return fmt.Errorf("itengine: payload region: %w", err)
	}
	slab, err := ohci.NewDescriptorSlab(descRegion.Bytes, descRegion.IOVA, packets)
	if err != nil {
		return fmt.Errorf("itengine: descriptor slab: %w", err)
	}
	e.slab = slab
	e.descRegion = descRegion
	e.dataRegion = dataRegion
	e.payload = dataRegion.Bytes
	e.packets = packets
	return nil
}

// ResetForStart clears all software cursors, as done on every stream
// (re)start.
func (e *Engine) ResetForStart() {
	e.softwareFillIndex = 0
	e.lastHwPacketIndex = 0
	e.ringPacketsAhead = 0
	e.nextTransmitCycle = 0
	e.minGapSeen = e.packets
	e.minGapWarned = false
	e.simPos.Store(0)
	e.ctx.SetCommandPtr(ohci.EncodeCommandPtr(e.slab.PacketSlot0IOVA(0), 3))
}

// SeedCycleTracking reads the hardware cycle timer and arms
// nextTransmitCycle 4 cycles ahead, per spec §4.G.
func (e *Engine) SeedCycleTracking() {
	cycle := ohci.CycleNumber(e.ctrl.CycleTimer())
	e.nextTransmitCycle = (cycle + 4) % 8000
}

func (e *Engine) payloadIOVA(i int) uint32 {
	return e.dataRegion.IOVA + uint32(i)*PayloadSlotBytes
}

// writePacket programs packet index i's three descriptor slots and
// copies pkt's bytes into its payload slot.
func (e *Engine) writePacket(i int, pkt ProvidedPacket, interrupt bool) {
	next := (i + 1) % e.packets
	isoQ0, isoQ1 := ohci.IsoPacketHeader(e.speed, 1, e.channel, 0xA, uint16(len(pkt.Bytes)))
	e.slab.WriteOutputMoreImmediate(i, isoQ0, isoQ1)
	copy(e.PayloadSlot(i), pkt.Bytes)
	for j := len(pkt.Bytes); j < PayloadSlotBytes; j++ {
		e.payload[i*PayloadSlotBytes+j] = 0
	}
	e.slab.WriteOutputLast(i, uint32(len(pkt.Bytes)), e.payloadIOVA(i), interrupt, e.slab.PacketSlot0IOVA(next))
}

// RewritePacket replaces packet index i's payload bytes with payload (a
// fresh 8-byte CIP header possibly followed by AM824 audio), rewriting
// its OUTPUT_MORE_IMMEDIATE data-length field and OUTPUT_LAST reqCount to
// match while leaving the ring's branch chain untouched. It is used by an
// AudioInjector to overwrite already-filled silent packets ahead of
// hardware with real audio (spec §4.H).
func (e *Engine) RewritePacket(i int, payload []byte) error {
	if i < 0 || i >= e.packets {
		return fmt.Errorf("itengine: packet index %d out of range [0,%d)", i, e.packets)
	}
	next := (i + 1) % e.packets
	isoQ0, isoQ1 := ohci.IsoPacketHeader(e.speed, 1, e.channel, 0xA, uint16(len(payload)))
	e.slab.WriteOutputMoreImmediate(i, isoQ0, isoQ1)
	copy(e.PayloadSlot(i), payload)
	for j := len(payload); j < PayloadSlotBytes; j++ {
		e.payload[i*PayloadSlotBytes+j] = 0
	}
	e.slab.WriteOutputLast(i, uint32(len(payload)), e.payloadIOVA(i), i%8 == 7, e.slab.PacketSlot0IOVA(next))
	return nil
}

// Prime fills every packet slot with a silent packet from the provider
// and closes the ring, ready for hardware to start consuming it.
func (e *Engine) Prime() error {
	if e.slab == nil {
		return fmt.Errorf("itengine: SetupRings not called")
	}
	for i := 0; i < e.packets; i++ {
		pkt := e.provider.NextSilentPacket(e.nextTransmitCycle)
		e.nextTransmitCycle = (e.nextTransmitCycle + 1) % 8000
		e.writePacket(i, pkt, i%8 == 7)
	}
	e.softwareFillIndex = 0
	e.ringPacketsAhead = e.packets
	e.barrier.PublishToDevice()
	return nil
}

// MinGapSeen returns the smallest software/hardware gap observed since
// the last ResetForStart, for diagnostics.
func (e *Engine) MinGapSeen() int { return e.minGapSeen }

// WakeEvents returns how many times Refill has issued a Wake.
func (e *Engine) WakeEvents() uint64 { return e.wakeEvents }

// DeadEvents returns how many times Refill has observed CtlDead.
func (e *Engine) DeadEvents() uint64 { return e.deadEvents }

// SimulateAdvance is a test/demo hook standing in for the DMA engine
// consuming n packets between refills: it advances the context's
// CommandPtr n slots ahead of the last position Refill observed and
// marks the context Active, the transition real hardware performs on
// its own. Production backends never call this; internal/simhw-backed
// sessions use it to drive the ring without a real IRQ (EXPANSION 4).
func (e *Engine) SimulateAdvance(n int) {
	next := mod(int(e.simPos.Load())+n, e.packets)
	e.simPos.Store(int32(next))
	e.ctx.SetCommandPtr(ohci.EncodeCommandPtr(e.slab.PacketSlot0IOVA(next), 3))
	e.ctx.SetControlBits(ohci.CtlActive)
}

func mod(a, m int) int {
	a %= m
	if a < 0 {
		a += m
	}
	return a
}

// Refill performs one watchdog/IRQ tick: decodes the hardware cursor,
// resyncs the transmit cycle, fills the ring back up to its write-ahead
// target, invokes the audio injector, and wakes hardware if it's gone
// idle while Run is still requested (spec §4.G steps 1-7).
func (e *Engine) Refill() error {
	ctl := e.ctx.Control()
	if ctl&ohci.CtlDead != 0 {
		e.deadEvents++
		return ErrDead
	}

	e.barrier.FetchFromDevice()
	cmdPtr := e.ctx.CommandPtr()
	iova, _ := ohci.DecodeCommandPtr(cmdPtr)
	hwPacketIndex, _, err := e.slab.DecodeDescriptorIndex(iova)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadCommandPtr, err)
	}

	consumed := mod(hwPacketIndex-e.lastHwPacketIndex, e.packets)
	e.lastHwPacketIndex = hwPacketIndex
	e.ringPacketsAhead -= consumed
	if gap := e.ringPacketsAhead; gap < e.minGapSeen {
		e.minGapSeen = gap
	}
	if !e.minGapWarned && e.minGapSeen < e.packets/minGapWarnDivisor {
		e.log.Warn("isochronous transmit ring gap shrinking toward hardware",
			logger.Int("minGapSeen", e.minGapSeen), logger.Int("packets", e.packets),
			logger.Cycle("nextTransmitCycle", e.nextTransmitCycle))
		e.minGapWarned = true
	}

	hwCycleLow16 := e.slab.OutputLastStatus(hwPacketIndex) & 0xFFFF
	aheadCount := mod(e.softwareFillIndex-hwPacketIndex, e.packets)
	e.nextTransmitCycle = (hwCycleLow16 + uint32(aheadCount)) % 8000

	target := e.packets - writeAheadMargin
	for e.ringPacketsAhead < target {
		pkt := e.provider.NextSilentPacket(e.nextTransmitCycle)
		e.nextTransmitCycle = (e.nextTransmitCycle + 1) % 8000

		if e.capture != nil {
			e.capture.BeforeOverwrite(OverwriteSnapshot{
				PacketIndex:   e.softwareFillIndex,
				HwPacketIndex: hwPacketIndex,
				CmdPtr:        cmdPtr,
				LastControl:   e.slab.OutputLastReqCount(e.softwareFillIndex),
				LastStatus:    e.slab.OutputLastStatus(e.softwareFillIndex),
				Payload:       append([]byte(nil), e.PayloadSlot(e.softwareFillIndex)...),
			})
		}

		e.writePacket(e.softwareFillIndex, pkt, e.softwareFillIndex%8 == 7)
		e.softwareFillIndex = (e.softwareFillIndex + 1) % e.packets
		e.ringPacketsAhead++
	}
	e.barrier.PublishToDevice()

	if e.injector != nil {
		e.injector.InjectNearHW(hwPacketIndex, e)
	}

	if ctl&ohci.CtlRun != 0 && ctl&ohci.CtlDead == 0 && ctl&ohci.CtlActive == 0 {
		e.ctx.SetControlBits(ohci.CtlWake)
		e.wakeEvents++
	}

	return nil
}

// RingPacketsAhead returns the engine's current notion of how many
// packets the software cursor leads hardware by.
func (e *Engine) RingPacketsAhead() int { return e.ringPacketsAhead }

// SoftwareFillIndex returns the next packet slot Refill will (re)fill.
func (e *Engine) SoftwareFillIndex() int { return e.softwareFillIndex }
