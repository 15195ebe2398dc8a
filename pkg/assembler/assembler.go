// Package assembler builds complete isochronous audio packets (CIP header
// plus AM824 payload) cycle by cycle, driving the cadence generator, DBC
// tracker, and SYT value it is handed, and pulling PCM samples from either
// a zero-copy external buffer or its own audio ring (§4.F).
package assembler

import (
	"github.com/dbehnke/fwaudio-core/pkg/am824"
	"github.com/dbehnke/fwaudio-core/pkg/cadence"
	"github.com/dbehnke/fwaudio-core/pkg/dbc"
	"github.com/dbehnke/fwaudio-core/pkg/numeric"
	"github.com/dbehnke/fwaudio-core/pkg/spscqueue"
)

const maxFramesPerCycle = 8

// ZeroCopySource is an external ring (typically a shared-memory audio
// buffer mapped by the host audio subsystem) that the assembler can read
// PCM frames from directly instead of going through the SPSC ring.
type ZeroCopySource interface {
	// Capacity returns the source's size in frames.
	Capacity() uint32
	// ReadAt copies up to len(dst)/channels frames starting at frameIndex
	// (wrapping modulo Capacity) into dst, and returns the number of
	// frames copied.
	ReadAt(frameIndex uint32, dst []int32, channels int) uint32
}

// UnderrunEvent records one short read from the ring or zero-copy source
// while filling a DATA packet.
type UnderrunEvent struct {
	FillLevel uint32
	Requested uint32
	Obtained  uint32
	Cycle     uint32
	DBC       byte
}

// AssembledPacket is the fully built isochronous payload for one bus
// cycle, ready to be copied into a DMA payload slot.
type AssembledPacket struct {
	Bytes  []byte
	IsData bool
	DBC    byte
	SYT    uint16
}

// Assembler owns the cadence generator, DBC tracker, CIP header builder,
// and audio ring for one isochronous stream.
type Assembler struct {
	cadence cadence.Generator
	dbcTrk  *dbc.Tracker
	cip     am824.HeaderBuilder

	pcmChannels int
	am824Slots  int

	ring        *spscqueue.Queue
	zeroCopy    ZeroCopySource
	zeroCopyOn  bool
	zeroCopyCur uint32

	scratch []int32

	underruns    []UnderrunEvent
	maxUnderruns int
}

// New builds an Assembler over an already-formatted SPSC ring, with the
// given cadence generator, SID, PCM channel count, and AM824 slot count
// (must satisfy am824Slots >= pcmChannels, enforced by the caller per
// §4.H's reconfigure validation).
func New(gen cadence.Generator, ring *spscqueue.Queue, sid byte, pcmChannels, am824Slots int) *Assembler {
	a := &Assembler{
		cadence:      gen,
		dbcTrk:       dbc.NewTracker(),
		ring:         ring,
		maxUnderruns: 64,
	}
	a.Reconfigure(pcmChannels, am824Slots, sid)
	return a
}

// Reconfigure resets the cadence, DBC tracker, audio ring cursors, and
// geometry for a new stream configuration.
func (a *Assembler) Reconfigure(pcmChannels, am824Slots int, sid byte) {
	a.pcmChannels = pcmChannels
	a.am824Slots = am824Slots
	a.cip = am824.HeaderBuilder{SID: sid, DBS: byte(am824Slots)}
	a.cadence.Reset()
	a.dbcTrk.Reset(0)
	if a.ring != nil {
		a.ring.ConsumerDropQueuedFrames()
	}
	a.zeroCopyOn = false
	a.zeroCopyCur = 0
	a.underruns = a.underruns[:0]
	need := maxFramesPerCycle * am824Slots
	if cap(a.scratch) < need {
		a.scratch = make([]int32, need)
	}
	a.scratch = a.scratch[:need]
}

// SetZeroCopySource attaches (or detaches, with src==nil) an external
// zero-copy frame source that AssembleNext reads from in preference to
// the audio ring.
func (a *Assembler) SetZeroCopySource(src ZeroCopySource) {
	a.zeroCopy = src
	a.zeroCopyOn = src != nil
	a.zeroCopyCur = 0
}

// Ring returns the assembler's audio ring, for callers that need to feed
// it directly (e.g. draining an SPSC TX queue into it, §4.H).
func (a *Assembler) Ring() *spscqueue.Queue { return a.ring }

// Underruns returns the short-read diagnostics recorded since the last
// Reconfigure, oldest first, capped at a bounded history.
func (a *Assembler) Underruns() []UnderrunEvent { return a.underruns }

func (a *Assembler) recordUnderrun(ev UnderrunEvent) {
	if len(a.underruns) >= a.maxUnderruns {
		a.underruns = a.underruns[1:]
	}
	a.underruns = append(a.underruns, ev)
}

// PeekIsData reports whether the next call to AssembleNext will produce a
// DATA packet, without advancing the cadence. Callers that need to
// compute a SYT value ahead of assembly (the transmit SYT generator,
// §4.H) use this to decide whether a SYT is needed at all.
func (a *Assembler) PeekIsData() bool {
	return a.cadence.NextIsData()
}

// PeekSamplesThisCycle returns the frame count the next call to
// AssembleNext will carry, without advancing the cadence.
func (a *Assembler) PeekSamplesThisCycle() uint32 {
	return a.cadence.SamplesThisCycle()
}

// AssembleNext builds the packet for the current cadence cycle and
// advances the cadence. cycle is the bus cycle number, used only for
// underrun diagnostics. When silent is true, audio slots are filled with
// AM824 silence (or the MIDI placeholder label for slots beyond the PCM
// channel count) instead of being read from the source.
func (a *Assembler) AssembleNext(cycle uint32, syt uint16, silent bool) AssembledPacket {
	frames := a.cadence.SamplesThisCycle()
	isData := a.cadence.NextIsData()
	dbcVal := a.dbcTrk.DBC(isData, frames)

	var pkt AssembledPacket
	if !isData {
		q0, q1 := a.cip.BuildNoData(dbcVal)
		pkt = AssembledPacket{Bytes: encodeHeaderOnly(q0, q1), IsData: false, DBC: dbcVal, SYT: uint16(am824.NoDataSYT)}
		a.cadence.Advance()
		return pkt
	}

	q0, q1 := a.cip.Build(dbcVal, syt, false)
	payloadQuadlets := int(frames) * a.am824Slots
	out := make([]byte, 8+payloadQuadlets*4)
	putBE32(out[0:4], q0)
	putBE32(out[4:8], q1)

	samples := a.scratch[:int(frames)*a.pcmChannels]
	if !silent {
		a.fillFromSource(samples, frames, cycle, dbcVal)
	}

	si := 0
	off := 8
	for f := uint32(0); f < frames; f++ {
		for slot := 0; slot < a.am824Slots; slot++ {
			var wire uint32
			switch {
			case silent || slot >= a.pcmChannels:
				if slot >= a.pcmChannels {
					wire = am824.EncodeMIDIPlaceholder(slot - a.pcmChannels)
				} else {
					wire = am824.EncodeSilence()
				}
			default:
				wire = am824.Encode(samples[si])
				si++
			}
			putBE32(out[off:off+4], wire)
			off += 4
		}
	}

	pkt = AssembledPacket{Bytes: out, IsData: true, DBC: dbcVal, SYT: syt}
	a.cadence.Advance()
	return pkt
}

// fillFromSource pulls frames*pcmChannels samples into dst from the
// zero-copy source (if attached) or the audio ring, recording an
// underrun and zero-filling the remainder on a short read.
func (a *Assembler) fillFromSource(dst []int32, frames uint32, cycle uint32, dbcVal byte) {
	var got uint32
	if a.zeroCopyOn && a.zeroCopy != nil {
		got = a.zeroCopy.ReadAt(a.zeroCopyCur, dst, a.pcmChannels)
		a.zeroCopyCur = (a.zeroCopyCur + got) % numeric.Max(a.zeroCopy.Capacity(), 1)
	} else {
		got = a.ring.Read(dst, frames)
	}
	if got < frames {
		a.recordUnderrun(UnderrunEvent{
			FillLevel: a.ring.Pending(),
			Requested: frames,
			Obtained:  got,
			Cycle:     cycle,
			DBC:       dbcVal,
		})
		for i := int(got) * a.pcmChannels; i < len(dst); i++ {
			dst[i] = 0
		}
	}
}

func encodeHeaderOnly(q0, q1 uint32) []byte {
	out := make([]byte, 8)
	putBE32(out[0:4], q0)
	putBE32(out[4:8], q1)
	return out
}

func putBE32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}
