package ohci

import "testing"

func newTestSlab(t *testing.T, packets int) *DescriptorSlab {
	t.Helper()
	pages := pagesForPackets(packets)
	buf := make([]byte, pages*PageBytes)
	s, err := NewDescriptorSlab(buf, 0x1000, packets)
	if err != nil {
		t.Fatalf("NewDescriptorSlab: %v", err)
	}
	return s
}

func TestDescriptorIndexRoundTrip(t *testing.T) {
	s := newTestSlab(t, 200)
	for p := 0; p < s.Packets(); p++ {
		for slot := 0; slot < SlotsPerPacket; slot++ {
			iova, err := s.EncodeDescriptorIndex(p, slot)
			if err != nil {
				t.Fatalf("encode(%d,%d): %v", p, slot, err)
			}
			gotP, gotSlot, err := s.DecodeDescriptorIndex(iova)
			if err != nil {
				t.Fatalf("decode(%#x): %v", iova, err)
			}
			if gotP != p || gotSlot != slot {
				t.Fatalf("round trip mismatch: packet=%d slot=%d -> iova=%#x -> packet=%d slot=%d", p, slot, iova, gotP, gotSlot)
			}
		}
	}
}

func TestDescriptorIndexNeverInLastPrefetchWindow(t *testing.T) {
	s := newTestSlab(t, 200)
	for p := 0; p < s.Packets(); p++ {
		for slot := 0; slot < SlotsPerPacket; slot++ {
			iova, _ := s.EncodeDescriptorIndex(p, slot)
			within := (iova - s.base) % PageBytes
			if within+DescriptorBytes > PageBytes-noPrefetchWindowBytes {
				t.Fatalf("packet %d slot %d at page offset %d starts within the last %d bytes of its page", p, slot, within, noPrefetchWindowBytes)
			}
		}
	}
}

func TestDescriptorsSharePage(t *testing.T) {
	s := newTestSlab(t, 200)
	for p := 0; p < s.Packets(); p++ {
		var pages [SlotsPerPacket]uint32
		for slot := 0; slot < SlotsPerPacket; slot++ {
			iova, _ := s.EncodeDescriptorIndex(p, slot)
			pages[slot] = (iova - s.base) / PageBytes
		}
		if pages[0] != pages[1] || pages[1] != pages[2] {
			t.Fatalf("packet %d descriptors span pages %v", p, pages)
		}
	}
}

func TestDecodeRejectsPageTail(t *testing.T) {
	s := newTestSlab(t, 200)
	tailIOVA := s.base + PageUsableBytes
	if _, _, err := s.DecodeDescriptorIndex(tailIOVA); err == nil {
		t.Fatal("expected error decoding an address in the page tail padding")
	}
}

func TestDecodeRejectsOutOfRange(t *testing.T) {
	s := newTestSlab(t, 200)
	if _, _, err := s.DecodeDescriptorIndex(s.base - 16); err == nil {
		t.Fatal("expected error decoding an address below the slab base")
	}
	if _, _, err := s.DecodeDescriptorIndex(s.base + uint32(len(s.buf)) + 0x1000); err == nil {
		t.Fatal("expected error decoding an address past the slab")
	}
}

func TestClosedRing(t *testing.T) {
	s := newTestSlab(t, 200)
	for p := 0; p < s.Packets(); p++ {
		next := (p + 1) % s.Packets()
		s.WriteOutputMoreImmediate(p, 0, 0)
		s.WriteOutputLast(p, 8, s.base, false, s.PacketSlot0IOVA(next))
	}
	if err := s.VerifyClosedRing(); err != nil {
		t.Fatalf("VerifyClosedRing: %v", err)
	}
}

func TestCommandPtrRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		iova uint32
		z    uint8
	}{
		{0x1000, 3}, {0x2EF0, 1}, {0xFFFFFFF0, 0xF},
	} {
		cmd := EncodeCommandPtr(tc.iova, tc.z)
		gotIOVA, gotZ := DecodeCommandPtr(cmd)
		if gotIOVA != tc.iova&^0xF || gotZ != tc.z&0xF {
			t.Fatalf("EncodeCommandPtr(%#x,%d) round trip got (%#x,%d)", tc.iova, tc.z, gotIOVA, gotZ)
		}
	}
}

func TestReqCountDistinguishesDataFromNoData(t *testing.T) {
	s := newTestSlab(t, 4)
	s.WriteOutputMoreImmediate(0, 0, 0)
	s.WriteOutputLast(0, 8, s.base, false, s.PacketSlot0IOVA(1)) // NO-DATA: 8-byte CIP only
	s.WriteOutputMoreImmediate(1, 0, 0)
	s.WriteOutputLast(1, 8+8*4, s.base, false, s.PacketSlot0IOVA(2)) // DATA: 8 frames x 1 slot

	if got := s.OutputLastReqCount(0); got != 8 {
		t.Fatalf("NO-DATA reqCount = %d, want 8", got)
	}
	if got := s.OutputLastReqCount(1); got != 40 {
		t.Fatalf("DATA reqCount = %d, want 40", got)
	}
}

func Test32BitIOVACheck(t *testing.T) {
	if err := Check32BitIOVA(0xFFFFFFF0, 0x10); err != nil {
		t.Fatalf("expected exactly-fitting region to pass: %v", err)
	}
	if err := Check32BitIOVA(0xFFFFFFF0, 0x11); err == nil {
		t.Fatal("expected region exceeding 32 bits to fail")
	}
}
