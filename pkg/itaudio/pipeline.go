// Package itaudio is the audio-facing half of isochronous transmit: it
// drives the packet assembler and SYT generator to keep the IT ring fed
// with silence, injects real audio into already-filled slots as hardware
// approaches them, adapts its fill target to observed underrun pressure,
// and watches its own output for conformance via an off-path verifier
// (spec §4.H).
package itaudio

import (
	"time"

	"github.com/dbehnke/fwaudio-core/pkg/am824"
	"github.com/dbehnke/fwaudio-core/pkg/assembler"
	"github.com/dbehnke/fwaudio-core/pkg/itengine"
	"github.com/dbehnke/fwaudio-core/pkg/numeric"
	"github.com/dbehnke/fwaudio-core/pkg/ohci"
	"github.com/dbehnke/fwaudio-core/pkg/spscqueue"
	"github.com/dbehnke/fwaudio-core/pkg/syt"
)

// Chunk is the granularity the pipeline drains the shared TX queue in,
// both at pre-prime and on every refill tick.
const Chunk = 256

// AudioWriteAhead is how many packets ahead of the hardware cursor the
// injector keeps real audio written, inside the ring's larger silence
// write-ahead margin.
const AudioWriteAhead = 2

// GuardBandPackets is the cmdPtr-vs-completion distance, in packets,
// beyond which the verifier flags a suspiciously slow completion.
const GuardBandPackets = 4

// Profile bounds the pipeline's adaptive behaviour; all fields have
// sensible zero-value-safe defaults applied by Configure.
type Profile struct {
	// BaseTarget is the assembler ring's steady-state fill target, in
	// frames.
	BaseTarget uint32
	// MaxChunks bounds how many Chunk-sized drains a single refill tick
	// may perform.
	MaxChunks uint32
	// LegacyRbMaxFrames caps how many frames a single refill tick may
	// drain into the assembler ring regardless of MaxChunks.
	LegacyRbMaxFrames uint32
}

func (p *Profile) applyDefaults() {
	if p.BaseTarget == 0 {
		p.BaseTarget = 64
	}
	if p.MaxChunks == 0 {
		p.MaxChunks = 4
	}
	if p.LegacyRbMaxFrames == 0 {
		p.LegacyRbMaxFrames = 8192
	}
}

// AdaptiveFill tracks the assembler ring's escalating fill target in
// response to observed underrun pressure (spec §4.H on_poll_tick_1ms).
type AdaptiveFill struct {
	baseTarget    uint32
	currentTarget uint32
	lastCombined  uint64
	cleanTicks    int
}

// CurrentTarget returns the fill target the pipeline is currently
// steering the assembler ring toward.
func (f *AdaptiveFill) CurrentTarget() uint32 { return f.currentTarget }

func (f *AdaptiveFill) reset(base uint32) {
	f.baseTarget = base
	f.currentTarget = base
	f.lastCombined = 0
	f.cleanTicks = 0
}

// onPollTick applies the escalate/decay rule given the combined underrun
// count observed so far (zeroRefill + assemblerUnderrun), once per second.
func (f *AdaptiveFill) onPollTick(combined uint64) {
	delta := combined - f.lastCombined
	f.lastCombined = combined
	if delta >= 3 {
		f.currentTarget = numeric.Min(f.currentTarget+128, 4*f.baseTarget)
		f.cleanTicks = 0
		return
	}
	f.cleanTicks++
	if f.cleanTicks >= 10 {
		f.cleanTicks = 0
		if f.currentTarget > f.baseTarget {
			f.currentTarget = numeric.Max(f.currentTarget-64, f.baseTarget)
		}
	}
}

// continuityTracker counts DBC discontinuities across a sequence of DATA
// packets it is shown, independent of whatever tracker produced them —
// used by Pipeline to sanity-check what the assembler just handed back.
type continuityTracker struct {
	lastDBC         byte
	lastBlockCount  uint32
	seeded          bool
	discontinuities uint64
}

func (c *continuityTracker) check(dbcVal byte, frames uint32) {
	if c.seeded {
		expected := byte(uint32(c.lastDBC) + c.lastBlockCount)
		if expected != dbcVal {
			c.discontinuities++
		}
	}
	c.lastDBC = dbcVal
	c.lastBlockCount = frames
	c.seeded = true
}

// Pipeline is the sole implementation of itengine.PacketProvider,
// itengine.AudioInjector, and (via its Verifier) itengine.CaptureHook for
// one transmit stream.
type Pipeline struct {
	asm        *assembler.Assembler
	txQueue    *spscqueue.Queue
	zeroCopy   assembler.ZeroCopySource
	sytGen     *syt.Generator
	bridge     *syt.Bridge
	discipline *syt.Discipline

	pcmChannels int
	am824Slots  int

	audioWriteIndex int
	zeroCopyReadPos uint32

	fill       AdaptiveFill
	continuity continuityTracker

	zeroCopyUnderruns uint64
	cursorResets      uint64
	missedPackets     uint64
	pendingResyncs    uint64
	sytCorrections    uint64

	scratch []int32

	now func() time.Time
}

// New constructs a Pipeline over an assembler, SYT generator, and
// external-sync bridge shared with the receive side.
func New(asm *assembler.Assembler, gen *syt.Generator, bridge *syt.Bridge) *Pipeline {
	return &Pipeline{
		asm:        asm,
		sytGen:     gen,
		bridge:     bridge,
		discipline: syt.NewDiscipline(),
		now:        time.Now,
	}
}

// SetNowFunc overrides the pipeline's time source, for deterministic
// tests.
func (p *Pipeline) SetNowFunc(f func() time.Time) { p.now = f }

// Configure attaches the shared TX queue (nil if the stream runs purely
// zero-copy), validates its channel count against pcmChannels, and
// reconfigures the assembler for the given geometry.
func (p *Pipeline) Configure(txQueue *spscqueue.Queue, pcmChannels, am824Slots int, sid byte, profile Profile) error {
	profile.applyDefaults()
	if txQueue != nil && int(txQueue.Channels()) != pcmChannels {
		return errChannelMismatch(int(txQueue.Channels()), pcmChannels)
	}
	if am824Slots < pcmChannels || am824Slots > 32 {
		return errBadSlotCount(am824Slots, pcmChannels)
	}
	p.txQueue = txQueue
	p.pcmChannels = pcmChannels
	p.am824Slots = am824Slots
	p.fill.reset(profile.BaseTarget)
	p.asm.Reconfigure(pcmChannels, am824Slots, sid)
	need := 8 * pcmChannels
	if cap(p.scratch) < need {
		p.scratch = make([]int32, need)
	}
	p.scratch = p.scratch[:need]
	return nil
}

// SetZeroCopySource attaches (or detaches) the zero-copy audio buffer the
// injector reads PCM from directly instead of the TX queue's ring copy
// path.
func (p *Pipeline) SetZeroCopySource(src assembler.ZeroCopySource) {
	p.zeroCopy = src
	p.asm.SetZeroCopySource(src)
}

// ResetForStart resets the injection cursor, zero-copy read position,
// adaptive fill target, DBC continuity count, and SYT discipline for a
// fresh stream start. It does not reset the assembler, nor the cumulative
// cursor-reset, missed-packet, underrun, resync, and SYT-correction
// counters.
func (p *Pipeline) ResetForStart(profile Profile) {
	profile.applyDefaults()
	p.audioWriteIndex = 0
	p.zeroCopyReadPos = 0
	p.fill.reset(profile.BaseTarget)
	p.continuity = continuityTracker{}
	p.discipline.Disable()
}

// PrePrimeFromSharedQueue drains frames from the TX queue into the
// assembler's ring, in Chunk-sized steps, up to the profile's limit. It
// is a no-op when the queue is absent or the stream is zero-copy.
func (p *Pipeline) PrePrimeFromSharedQueue(profile Profile) {
	profile.applyDefaults()
	if p.txQueue == nil || p.zeroCopy != nil {
		return
	}
	ring := p.asm.Ring()
	drained := uint32(0)
	limit := profile.LegacyRbMaxFrames
	buf := make([]int32, Chunk*p.pcmChannels)
	for drained < limit {
		pending := p.txQueue.Pending()
		if pending == 0 {
			break
		}
		n := numeric.Min(pending, Chunk)
		n = p.txQueue.Read(buf[:n*uint32(p.pcmChannels)], n)
		if n == 0 {
			break
		}
		ring.Write(buf[:n*uint32(p.pcmChannels)], n)
		drained += n
	}
}

// OnRefillTickPreHW runs before the IT ring's silence fill-ahead loop:
// applies any pending consumer resync, then (non-zero-copy only) keeps
// the assembler ring near the adaptive fill target by draining the TX
// queue, and reports whether the ring and the queue are each below 5% of
// capacity. Each call reports the current level; no hysteresis is applied.
func (p *Pipeline) OnRefillTickPreHW(profile Profile) (lowWaterRing, lowWaterQueue bool) {
	profile.applyDefaults()
	if p.txQueue != nil && p.txQueue.ConsumerApplyPendingResync() {
		p.pendingResyncs++
	}

	if p.zeroCopy == nil && p.txQueue != nil {
		ring := p.asm.Ring()
		target := p.fill.CurrentTarget()
		drained := uint32(0)
		maxDrain := numeric.Min(profile.MaxChunks*Chunk, profile.LegacyRbMaxFrames)
		buf := make([]int32, Chunk*p.pcmChannels)
		for ring.Pending() < target && drained < maxDrain {
			pending := p.txQueue.Pending()
			if pending == 0 {
				break
			}
			n := numeric.Min(numeric.Min(pending, Chunk), maxDrain-drained)
			n = p.txQueue.Read(buf[:n*uint32(p.pcmChannels)], n)
			if n == 0 {
				break
			}
			ring.Write(buf[:n*uint32(p.pcmChannels)], n)
			drained += n
		}
		lowWaterRing = belowHysteresis(ring.Pending(), ring.CapacityFrames())
	}
	if p.txQueue != nil {
		lowWaterQueue = belowHysteresis(p.txQueue.Pending(), p.txQueue.CapacityFrames())
	}
	return lowWaterRing, lowWaterQueue
}

// belowHysteresis reports whether pending is under 5% of capacity (the
// alert threshold). No recovery threshold is applied here.
func belowHysteresis(pending, capacity uint32) bool {
	if capacity == 0 {
		return false
	}
	return pending*20 < capacity // pending < 5% of capacity
}

// underrunCount returns the combined zeroRefill + assemblerUnderrun count
// observed so far, for the adaptive fill loop.
func (p *Pipeline) underrunCount() uint64 {
	return p.zeroCopyUnderruns + uint64(len(p.asm.Underruns()))
}

// OnPollTick1ms should be called every millisecond; internally it only
// acts once per second (every 1000th call) on the adaptive fill escalate
// /decay rule.
func (p *Pipeline) OnPollTick1ms(tickCount uint64) {
	if tickCount%1000 != 0 {
		return
	}
	p.fill.onPollTick(p.underrunCount())
}

// NextSilentPacket implements itengine.PacketProvider: it computes the
// SYT for a DATA cycle (running the external-sync discipline against the
// bridge), builds the silent packet via the assembler, and tracks DBC
// continuity of the result.
func (p *Pipeline) NextSilentPacket(transmitCycle uint32) itengine.ProvidedPacket {
	sytVal := uint16(am824.NoDataSYT)
	if p.asm.PeekIsData() {
		frames := p.asm.PeekSamplesThisCycle()
		sytVal = p.sytGen.Compute(transmitCycle, frames)

		if p.bridge != nil {
			snap := p.bridge.Snapshot(p.now())
			if snap.ClockEstablished {
				rxSYT, _, _ := syt.Unpack(snap.LastPackedRx)
				if correction := p.discipline.Sample(sytVal, rxSYT); correction != 0 {
					p.sytGen.Nudge(correction)
					p.sytCorrections++
				}
			} else {
				p.discipline.Disable()
			}
		}
	}

	pkt := p.asm.AssembleNext(transmitCycle, sytVal, true)
	if pkt.IsData {
		frames := (len(pkt.Bytes) - 8) / (4 * p.am824Slots)
		p.continuity.check(pkt.DBC, uint32(frames))
	}
	return itengine.ProvidedPacket{Bytes: pkt.Bytes, IsData: pkt.IsData}
}

// ring is the minimal interface itaudio needs from a packet rewriter,
// satisfied by *itengine.Engine; declared here so tests can substitute a
// fake without depending on itengine internals.
type ring interface {
	Packets() int
	Slab() *ohci.DescriptorSlab
	PayloadSlot(i int) []byte
	RewritePacket(i int, payload []byte) error
}

// InjectNearHW implements itengine.AudioInjector: it overwrites ring
// slots from the injection cursor up to AudioWriteAhead packets ahead of
// hwPacketIndex with real audio sourced from the zero-copy buffer or the
// assembler's own ring, encoding PCM slots as AM824 MBLA and any
// remaining AM824 slots as MIDI placeholders.
func (p *Pipeline) InjectNearHW(hwPacketIndex int, e *itengine.Engine) {
	p.injectNearHW(hwPacketIndex, e)
}

func (p *Pipeline) injectNearHW(hwPacketIndex int, e ring) {
	packets := e.Packets()
	if packets == 0 {
		return
	}
	target := (hwPacketIndex + AudioWriteAhead) % packets

	ahead := mod(p.audioWriteIndex-hwPacketIndex, packets)
	if ahead > AudioWriteAhead {
		p.cursorResets++
		p.missedPackets += uint64(packets - ahead)
		p.audioWriteIndex = hwPacketIndex
	}

	for p.audioWriteIndex != target {
		i := p.audioWriteIndex
		reqCount := e.Slab().OutputLastReqCount(i)
		if reqCount > 8 {
			p.injectOne(e, i, int(reqCount))
		}
		p.audioWriteIndex = (p.audioWriteIndex + 1) % packets
	}
}

func (p *Pipeline) injectOne(e ring, i int, reqCount int) {
	frames := uint32((reqCount - 8) / (4 * p.am824Slots))
	if frames == 0 {
		return
	}
	samples := p.scratch[:int(frames)*p.pcmChannels]
	got := p.sourceFrames(samples, frames)
	if got < frames {
		p.zeroCopyUnderruns++
		return
	}

	out := make([]byte, reqCount)
	copy(out[0:8], e.PayloadSlot(i)[0:8])
	si := 0
	off := 8
	for f := uint32(0); f < frames; f++ {
		for slot := 0; slot < p.am824Slots; slot++ {
			var wire uint32
			if slot < p.pcmChannels {
				wire = am824.Encode(samples[si])
				si++
			} else {
				wire = am824.EncodeMIDIPlaceholder(slot - p.pcmChannels)
			}
			putBE32(out[off:off+4], wire)
			off += 4
		}
	}
	_ = e.RewritePacket(i, out)
}

// sourceFrames fills dst with frames*pcmChannels samples from the
// zero-copy buffer (dropping excess lag first) or the assembler's ring,
// per spec §4.H's two sourcing paths.
func (p *Pipeline) sourceFrames(dst []int32, frames uint32) uint32 {
	if p.zeroCopy != nil {
		capacity := p.zeroCopy.Capacity()
		if p.txQueue != nil && capacity > 0 {
			lag := p.txQueue.ReadIndexFrames() + p.txQueue.ZeroCopyPhaseFrames() - p.zeroCopyReadPos
			if lag > capacity {
				excess := lag - capacity
				p.txQueue.ConsumeFrames(excess)
				p.zeroCopyReadPos += excess
			}
		}
		readPos := p.zeroCopyReadPos
		if capacity > 0 {
			readPos %= capacity
		}
		got := p.zeroCopy.ReadAt(readPos, dst, p.pcmChannels)
		if p.txQueue != nil {
			p.txQueue.ConsumeFrames(frames)
		}
		p.zeroCopyReadPos += frames
		return got
	}
	return p.asm.Ring().Read(dst, frames)
}

func mod(a, m int) int {
	a %= m
	if a < 0 {
		a += m
	}
	return a
}

func putBE32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

// Discontinuities returns the number of DBC continuity breaks observed
// across packets this pipeline has produced since the last reset.
func (p *Pipeline) Discontinuities() uint64 { return p.continuity.discontinuities }

// CursorResets returns how many times the injection cursor snapped
// forward because it fell behind hardware.
func (p *Pipeline) CursorResets() uint64 { return p.cursorResets }

// MissedPackets returns the cumulative count of packets skipped by cursor
// resets.
func (p *Pipeline) MissedPackets() uint64 { return p.missedPackets }

// PendingResyncs returns how many consumer resyncs OnRefillTickPreHW has
// applied.
func (p *Pipeline) PendingResyncs() uint64 { return p.pendingResyncs }

// AdaptiveFillTarget returns the pipeline's current adaptive fill target.
func (p *Pipeline) AdaptiveFillTarget() uint32 { return p.fill.CurrentTarget() }

// Discipline exposes the SYT external-sync discipline so a session can
// read its disabledEvents count and configure its correction limits.
func (p *Pipeline) Discipline() *syt.Discipline { return p.discipline }

// SYTCorrections returns how many non-zero corrections the SYT discipline
// has applied to this pipeline's generator since construction.
func (p *Pipeline) SYTCorrections() uint64 { return p.sytCorrections }

// UnderrunCount returns the combined zero-copy and assembler-ring
// underrun count observed so far.
func (p *Pipeline) UnderrunCount() uint64 { return p.underrunCount() }
