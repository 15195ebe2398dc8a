package ohci

import (
	"encoding/binary"
	"fmt"
)

// Slab geometry, per spec §3: each 4KiB page holds 252 aligned 16-byte
// descriptors (84 packets worth, 3 descriptor-sized slots per packet); the
// tail 64 bytes of every page are left unused so no descriptor starts
// inside the OHCI controller's end-of-page prefetch window (the last 32
// bytes, comfortably inside the 64-byte pad this layout leaves).
const (
	PageBytes            = 4096
	DescriptorBytes      = 16
	SlotsPerPacket        = 3 // OUTPUT_MORE_IMMEDIATE header, its immediate data, OUTPUT_LAST
	PacketsPerPage       = 84
	SlotsPerPage         = PacketsPerPage * SlotsPerPacket // 252
	PageUsableBytes      = SlotsPerPage * DescriptorBytes  // 4032
	PageTailBytes        = PageBytes - PageUsableBytes     // 64
	noPrefetchWindowBytes = 32
)

func init() {
	if PageTailBytes < noPrefetchWindowBytes {
		panic("ohci: page tail too small to clear end-of-page prefetch window")
	}
}

// ErrOutOfRange is returned by Decode* functions when an address does not
// correspond to a valid descriptor slot in the slab.
var ErrOutOfRange = fmt.Errorf("ohci: address outside descriptor slab")

// DescriptorSlab is a page-padded array of 16-byte OHCI descriptor slots
// backing an IT or IR ring, laid out exactly as spec §3 describes: pages
// of 252 descriptors with a 64-byte unused tail, addressed by IOVA.
type DescriptorSlab struct {
	buf     []byte
	base    uint32
	packets int
	pages   int
}

// NewDescriptorSlab wraps the caller-supplied descriptor region buf, which
// must be large enough for the given packet count, as a slab positioned at
// IOVA base; it allocates nothing itself. base must already be 4KiB
// aligned; the caller (pkg/itengine) is responsible for requesting that
// alignment from the memory provider.
func NewDescriptorSlab(buf []byte, base uint32, packets int) (*DescriptorSlab, error) {
	if base%PageBytes != 0 {
		return nil, fmt.Errorf("ohci: descriptor slab base %#x not %d-byte aligned", base, PageBytes)
	}
	pages := pagesForPackets(packets)
	need := pages * PageBytes
	if len(buf) < need {
		return nil, fmt.Errorf("ohci: descriptor buffer too small: need %d bytes, have %d", need, len(buf))
	}
	if err := Check32BitIOVA(uint64(base), uint64(need)); err != nil {
		return nil, err
	}
	return &DescriptorSlab{buf: buf[:need], base: base, packets: packets, pages: pages}, nil
}

func pagesForPackets(packets int) int {
	return (packets + PacketsPerPage - 1) / PacketsPerPage
}

// Base returns the slab's 4KiB-aligned IOVA base.
func (s *DescriptorSlab) Base() uint32 { return s.base }

// Packets returns the number of packet slots the slab holds.
func (s *DescriptorSlab) Packets() int { return s.packets }

// Pages returns the number of 4KiB pages backing the slab.
func (s *DescriptorSlab) Pages() int { return s.pages }

// slotOffset returns the byte offset of slot `slot` (0-based across the
// whole slab, NOT masked to a page) within s.buf.
func (s *DescriptorSlab) slotOffset(slot int) int {
	page := slot / SlotsPerPage
	within := slot % SlotsPerPage
	return page*PageBytes + within*DescriptorBytes
}

// EncodeDescriptorIndex returns the IOVA of packet `packet`'s slot `slot`
// (0, 1, or 2 — see SlotsPerPacket), guaranteed to satisfy the invariant
// that a packet's three descriptors share one page and none starts within
// the last 32 bytes of it.
func (s *DescriptorSlab) EncodeDescriptorIndex(packet, slot int) (uint32, error) {
	if packet < 0 || packet >= s.packets || slot < 0 || slot >= SlotsPerPacket {
		return 0, ErrOutOfRange
	}
	globalSlot := packet*SlotsPerPacket + slot
	off := s.slotOffset(globalSlot)
	return s.base + uint32(off), nil
}

// DecodeDescriptorIndex inverts EncodeDescriptorIndex: given an IOVA
// previously produced by this slab, it returns the (packet, slot) pair it
// names. It rejects addresses that fall in a page's unused tail or are
// otherwise outside the slab, making the codec a total, checked inverse
// over the ring.
func (s *DescriptorSlab) DecodeDescriptorIndex(iova uint32) (packet, slot int, err error) {
	if iova < s.base {
		return 0, 0, ErrOutOfRange
	}
	rel := iova - s.base
	if uint64(rel) >= uint64(len(s.buf)) {
		return 0, 0, ErrOutOfRange
	}
	page := rel / PageBytes
	within := rel % PageBytes
	if within >= PageUsableBytes {
		return 0, 0, fmt.Errorf("%w: %#x falls in page tail padding", ErrOutOfRange, iova)
	}
	if within%DescriptorBytes != 0 {
		return 0, 0, fmt.Errorf("%w: %#x not descriptor-aligned", ErrOutOfRange, iova)
	}
	globalSlot := int(page)*SlotsPerPage + int(within)/DescriptorBytes
	if globalSlot/SlotsPerPacket >= s.packets {
		return 0, 0, ErrOutOfRange
	}
	return globalSlot / SlotsPerPacket, globalSlot % SlotsPerPacket, nil
}

// quad reads/writes one little-endian descriptor-control quadlet. OHCI is
// a PCI-attached controller; descriptor control words are host-endian
// (little-endian on every platform this core targets).
func (s *DescriptorSlab) quad(packet, slot, word int) uint32 {
	off := s.slotOffset(packet*SlotsPerPacket+slot) + word*4
	return binary.LittleEndian.Uint32(s.buf[off : off+4])
}

func (s *DescriptorSlab) setQuad(packet, slot, word int, v uint32) {
	off := s.slotOffset(packet*SlotsPerPacket+slot) + word*4
	binary.LittleEndian.PutUint32(s.buf[off:off+4], v)
}

// WriteOutputMoreImmediate programs packet's OUTPUT_MORE_IMMEDIATE
// descriptor (slot 0) and its 16 bytes of immediate data (slot 1) with
// the given isochronous packet header quadlets, per spec §6:
// control = (0x0200<<16)|8, immediate data = (isoQ0, isoQ1, 0, 0).
func (s *DescriptorSlab) WriteOutputMoreImmediate(packet int, isoQ0, isoQ1 uint32) {
	s.setQuad(packet, 0, 0, (0x0200<<16)|8)
	s.setQuad(packet, 0, 1, 0)
	s.setQuad(packet, 0, 2, 0)
	s.setQuad(packet, 0, 3, 0)

	s.setQuad(packet, 1, 0, isoQ0)
	s.setQuad(packet, 1, 1, isoQ1)
	s.setQuad(packet, 1, 2, 0)
	s.setQuad(packet, 1, 3, 0)
}

// WriteOutputLast programs packet's OUTPUT_LAST descriptor (slot 2):
// control = (1<<28)|(1<<27)|(intBits<<20)|(3<<18)|reqCount, dataAddress
// pointing at the packet's payload buffer, and a branch word to the next
// packet's slot-0 IOVA OR-ed with Z=3. Status is zeroed, as required on
// every (re)issue.
func (s *DescriptorSlab) WriteOutputLast(packet int, reqCount uint32, payloadIOVA uint32, interrupt bool, nextPacketSlot0IOVA uint32) {
	var intBits uint32
	if interrupt {
		intBits = 0x3
	}
	control := uint32(1<<28) | uint32(1<<27) | (intBits << 20) | uint32(3<<18) | (reqCount & 0xFFFF)
	s.setQuad(packet, 2, 0, control)
	s.setQuad(packet, 2, 1, payloadIOVA)
	s.setQuad(packet, 2, 2, EncodeCommandPtr(nextPacketSlot0IOVA, 3))
	s.setQuad(packet, 2, 3, 0) // status zeroed on (re)issue
}

// OutputLastReqCount reads back the byte count programmed into a
// packet's OUTPUT_LAST descriptor, used to tell DATA packets (non-zero
// payload beyond the 8-byte CIP header) from NO-DATA ones.
func (s *DescriptorSlab) OutputLastReqCount(packet int) uint32 {
	return s.quad(packet, 2, 0) & 0xFFFF
}

// OutputLastStatus reads the status quadlet hardware writes back into a
// packet's OUTPUT_LAST descriptor on completion. A zero value means
// either "not yet processed" or, if cmdPtr has already advanced past this
// packet, an uncompleted overwrite (spec §7).
func (s *DescriptorSlab) OutputLastStatus(packet int) uint32 {
	return s.quad(packet, 2, 3)
}

// OutputLastBranch reads back the branch word of a packet's OUTPUT_LAST
// descriptor, mainly for ring-closure tests.
func (s *DescriptorSlab) OutputLastBranch(packet int) uint32 {
	return s.quad(packet, 2, 2)
}

// PacketSlot0IOVA is a convenience wrapper returning the IOVA of packet's
// first descriptor (its OUTPUT_MORE_IMMEDIATE header), the address chained
// branch fields point at.
func (s *DescriptorSlab) PacketSlot0IOVA(packet int) uint32 {
	iova, _ := s.EncodeDescriptorIndex(packet, 0)
	return iova
}

// VerifyClosedRing checks that every packet's OUTPUT_LAST branch field
// points at the next packet's slot-0 IOVA (wrapping at the end), forming
// a closed ring, and that every descriptor's three slots share one page.
func (s *DescriptorSlab) VerifyClosedRing() error {
	for p := 0; p < s.packets; p++ {
		next := (p + 1) % s.packets
		wantBranch := EncodeCommandPtr(s.PacketSlot0IOVA(next), 3)
		if got := s.OutputLastBranch(p); got != wantBranch {
			return fmt.Errorf("ohci: packet %d branch %#x != expected %#x", p, got, wantBranch)
		}
		iova0, _ := s.EncodeDescriptorIndex(p, 0)
		iova2, _ := s.EncodeDescriptorIndex(p, 2)
		if iova0/PageBytes != iova2/PageBytes {
			return fmt.Errorf("ohci: packet %d descriptors span page boundary", p)
		}
	}
	return nil
}
