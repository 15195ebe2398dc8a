package am824

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []int32{0, 1, -1, 0x7FFFFF, -0x800000, 12345, -54321}
	for _, sample := range cases {
		wire := Encode(sample)
		decoded, label, ok := Decode(wire)
		if !ok {
			t.Fatalf("Decode(%#x): ok=false, want true", wire)
		}
		if label != LabelMBLA {
			t.Errorf("Decode(%#x) label = %#x, want %#x", wire, label, LabelMBLA)
		}
		if decoded != sample {
			t.Errorf("round trip %d -> %#x -> %d", sample, wire, decoded)
		}
	}
}

func TestEncodeSilence(t *testing.T) {
	wire := EncodeSilence()
	sample, label, ok := Decode(wire)
	if !ok || label != LabelMBLA || sample != 0 {
		t.Errorf("EncodeSilence() decoded = (%d, %#x, %v), want (0, 0x40, true)", sample, label, ok)
	}
}

func TestEncodeMIDIPlaceholderLabels(t *testing.T) {
	for i := 0; i < 8; i++ {
		wire := EncodeMIDIPlaceholder(i)
		_, label, ok := Decode(wire)
		if ok {
			t.Fatalf("Decode(EncodeMIDIPlaceholder(%d)) ok=true, want false (not MBLA)", i)
		}
		if !IsMIDIPlaceholder(label) {
			t.Errorf("EncodeMIDIPlaceholder(%d) label %#x is not a MIDI placeholder", i, label)
		}
		want := LabelMIDIPlaceholderBase + Label(i%4)
		if label != want {
			t.Errorf("EncodeMIDIPlaceholder(%d) label = %#x, want %#x", i, label, want)
		}
	}
}

func TestDecodeRejectsNonMBLALabel(t *testing.T) {
	wire := byteSwap(0x80000000)
	_, label, ok := Decode(wire)
	if ok {
		t.Errorf("Decode of label 0x80 reported ok=true")
	}
	if label != 0x80 {
		t.Errorf("label = %#x, want 0x80", label)
	}
}
