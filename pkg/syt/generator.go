// Package syt implements the CIP SYT (synchronisation timestamp) generator
// for 48 kHz transmit streams, the external-sync bridge through which the
// receive side informs the transmit side of the device's wire clock, and
// the ±1-tick discipline loop that nudges the transmit SYT generator
// toward it.
package syt

import "fmt"

// NoDataSYT is returned by Compute when the generator has not been
// initialised, and marks a NO-DATA packet's SYT field.
const NoDataSYT uint16 = 0xFFFF

const ticksPerCycle = 3072

// Rate identifies a supported sample rate. Per spec §9's Open Question,
// rates beyond 48 kHz are stubbed intentionally: the SYT offset table for
// them is implementer responsibility that this core does not guess at.
type Rate int

// Rate48kHz is the only Rate this generator currently supports.
const Rate48kHz Rate = 48000

// Generator produces transmit SYT values for one outgoing stream. A
// zero-value Generator is uninitialised; Compute returns NoDataSYT until
// Init is called.
type Generator struct {
	ticksPerSample     uint32
	sytOffsetWrap      uint32
	transferDelayTicks uint32
	sytOffsetTicks     uint32
	initialized        bool
}

// NewGenerator constructs an initialised 48 kHz Generator, or returns
// ErrUnsupported for any other rate.
func NewGenerator(rate Rate) (*Generator, error) {
	g := &Generator{}
	if err := g.Init(rate); err != nil {
		return nil, err
	}
	return g, nil
}

// ErrUnsupported is returned by Init for any rate other than Rate48kHz.
var ErrUnsupported = fmt.Errorf("syt: unsupported sample rate")

// Init (re)initialises the generator for rate and resets its tick
// accumulator to zero.
func (g *Generator) Init(rate Rate) error {
	if rate != Rate48kHz {
		return ErrUnsupported
	}
	g.ticksPerSample = 512
	g.sytOffsetWrap = 49_152
	g.transferDelayTicks = 0x2E00
	g.sytOffsetTicks = 0
	g.initialized = true
	return nil
}

// Reset zeroes the tick accumulator without changing the configured rate.
// Calling Reset on an uninitialised generator is a no-op.
func (g *Generator) Reset() {
	g.sytOffsetTicks = 0
}

// Compute returns the SYT value for a DATA packet transmitted on
// transmitCycle carrying samplesInPacket frames, and advances the
// internal tick accumulator by samplesInPacket worth of ticks. It returns
// NoDataSYT if the generator has not been initialised.
func (g *Generator) Compute(transmitCycle uint32, samplesInPacket uint32) uint16 {
	if !g.initialized {
		return NoDataSYT
	}

	total := g.sytOffsetTicks + g.transferDelayTicks
	extraCycles := total / ticksPerCycle
	rem := total % ticksPerCycle
	presCycle := (transmitCycle + extraCycles) & 0xF
	result := uint16((presCycle<<12)&0xF000 | rem&0x0FFF)

	g.sytOffsetTicks = (g.sytOffsetTicks + samplesInPacket*g.ticksPerSample) % g.sytOffsetWrap
	return result
}

// Nudge applies a signed tick correction to the offset accumulator, as a
// modular translation in [0, sytOffsetWrap).
func (g *Generator) Nudge(deltaTicks int32) {
	if !g.initialized {
		return
	}
	wrap := int64(g.sytOffsetWrap)
	v := (int64(g.sytOffsetTicks) + int64(deltaTicks)) % wrap
	if v < 0 {
		v += wrap
	}
	g.sytOffsetTicks = uint32(v)
}

// OffsetTicks returns the current tick accumulator, mainly for tests.
func (g *Generator) OffsetTicks() uint32 {
	return g.sytOffsetTicks
}

// Initialized reports whether Init has been called successfully.
func (g *Generator) Initialized() bool {
	return g.initialized
}
