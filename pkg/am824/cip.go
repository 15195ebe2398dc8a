package am824

import "fmt"

// NoDataSYT is the CIP SYT value reserved to mark a NO-DATA packet.
const NoDataSYT uint32 = 0xFFFF

// FmtAM824 is the CIP FMT field value for AM824 audio.
const FmtAM824 = 0x10

// FDF48kHz is the Format-Dependent Field value for 48 kHz AM824.
const FDF48kHz = 0x02

// Header is the decoded pair of CIP quadlets prepended to every
// isochronous audio packet.
type Header struct {
	SID    byte
	DBS    byte
	FN     byte
	QPC    byte
	SPH    bool
	DBC    byte
	FMT    byte
	FDF    byte
	SYT    uint16
}

// HeaderBuilder builds CIP header quadlet pairs for one outgoing stream.
// SID and DBS are fixed for the life of the builder; DBC and SYT vary per
// packet.
type HeaderBuilder struct {
	SID byte
	DBS byte
}

// Build packs dbc/syt into the CIP Q0/Q1 quadlet pair, already in wire
// (big-endian) byte order. isNoData does not change the output: FDF is
// always emitted as the 48 kHz AM824 format, and syt is written as given,
// so a NO-DATA caller passes NoDataSYT itself.
func (b HeaderBuilder) Build(dbc byte, syt uint16, isNoData bool) (q0, q1 uint32) {
	hostQ0 := uint32(0)<<30 | // EOH = 0
		uint32(b.SID&0x3F)<<24 |
		uint32(b.DBS)<<16 |
		uint32(0)<<14 | // FN
		uint32(0)<<11 | // QPC
		uint32(0)<<10 | // SPH
		uint32(dbc)

	hostQ1 := uint32(2)<<30 | // EOH = 2 (bit31=1, bit30=0)
		uint32(FmtAM824&0x3F)<<24 |
		uint32(FDF48kHz)<<16 |
		uint32(syt)

	_ = isNoData
	return byteSwap(hostQ0), byteSwap(hostQ1)
}

// BuildNoData builds the CIP header pair for a NO-DATA packet carrying the
// given (non-advancing) DBC value.
func (b HeaderBuilder) BuildNoData(dbc byte) (q0, q1 uint32) {
	return b.Build(dbc, uint16(NoDataSYT), true)
}

// Parse decodes a wire-order CIP quadlet pair, rejecting headers whose EOH
// fields violate the invariants of §3: bit 31 of Q0 must be 0 and bit 31
// of Q1 must be 1.
func Parse(q0, q1 uint32) (Header, error) {
	h0 := byteSwap(q0)
	h1 := byteSwap(q1)

	if h0&0x80000000 != 0 {
		return Header{}, fmt.Errorf("am824: invalid CIP Q0 EOH bit: %#08x", q0)
	}
	if h1&0x80000000 == 0 {
		return Header{}, fmt.Errorf("am824: invalid CIP Q1 EOH bit: %#08x", q1)
	}

	hdr := Header{
		SID: byte((h0 >> 24) & 0x3F),
		DBS: byte(h0 >> 16),
		FN:  byte((h0 >> 14) & 0x3),
		QPC: byte((h0 >> 11) & 0x7),
		SPH: (h0>>10)&0x1 != 0,
		DBC: byte(h0),
		FMT: byte((h1 >> 24) & 0x3F),
		FDF: byte(h1 >> 16),
		SYT: uint16(h1),
	}
	return hdr, nil
}

// IsNoData reports whether a parsed header represents a NO-DATA packet.
func (h Header) IsNoData() bool {
	return h.SYT == uint16(NoDataSYT)
}
