package itaudio_test

import (
	"testing"
	"time"

	"github.com/dbehnke/fwaudio-core/internal/simhw"
	"github.com/dbehnke/fwaudio-core/pkg/am824"
	"github.com/dbehnke/fwaudio-core/pkg/itaudio"
	"github.com/dbehnke/fwaudio-core/pkg/itengine"
	"github.com/dbehnke/fwaudio-core/pkg/logger"
	"github.com/dbehnke/fwaudio-core/pkg/ohci"
)

func TestVerifierScanFindsNoIssuesOnWellFormedTraffic(t *testing.T) {
	p, _ := newTestPipeline(t)
	recovery := itaudio.NewIsochTxRecoveryController(nil)
	v := itaudio.NewVerifier(nil, testAM824Slots, testPCMChannels, 512, recovery)

	ctx := &simhw.Context{}
	ctrl := simhw.NewController()
	mem := simhw.NewMemory()
	e := itengine.New(ctx, ctrl, simhw.Barrier{}, 0, p)
	e.SetInjector(p)
	e.SetCaptureHook(v)
	if err := e.SetupRings(mem, 200); err != nil {
		t.Fatalf("SetupRings: %v", err)
	}
	e.ResetForStart()
	e.SeedCycleTracking()
	if err := e.Prime(); err != nil {
		t.Fatalf("Prime: %v", err)
	}

	ctx.SimulateHardwareAdvance(ohci.EncodeCommandPtr(e.Slab().PacketSlot0IOVA(50), 3))
	if err := e.Refill(); err != nil {
		t.Fatalf("Refill: %v", err)
	}

	v.Scan(time.Now())
	if v.Findings() != 0 {
		t.Fatalf("Findings() = %d, want 0 on well-formed silent traffic", v.Findings())
	}
	if recovery.Granted() != 0 {
		t.Fatalf("recovery Granted() = %d, want 0", recovery.Granted())
	}
}

func TestVerifierFlagsInvalidLabel(t *testing.T) {
	recovery := itaudio.NewIsochTxRecoveryController(nil)
	v := itaudio.NewVerifier(logger.New(logger.Config{}), testAM824Slots, testPCMChannels, 16, recovery)

	payload := make([]byte, 8+6*testAM824Slots*4)
	cip := am824.HeaderBuilder{SID: testSID, DBS: byte(testAM824Slots)}
	q0, q1 := cip.Build(0, 0x1234, false)
	putBE32Test(payload[0:4], q0)
	putBE32Test(payload[4:8], q1)
	// Slot 0 of frame 0 gets a garbage (non-MBLA, non-MIDI) label.
	putBE32Test(payload[8:12], 0x00000000)

	v.BeforeOverwrite(itengine.OverwriteSnapshot{
		PacketIndex: 0,
		LastControl: uint32(len(payload)),
		LastStatus:  0xFFFFFFFF,
		Payload:     payload,
	})
	v.Scan(time.Now())

	if v.Findings() == 0 {
		t.Fatalf("expected a finding for an invalid AM824 label")
	}
	if recovery.Granted() != 1 {
		t.Fatalf("recovery Granted() = %d, want 1", recovery.Granted())
	}
}

func TestVerifierScanIsNoopWithoutNewCaptures(t *testing.T) {
	recovery := itaudio.NewIsochTxRecoveryController(nil)
	v := itaudio.NewVerifier(nil, testAM824Slots, testPCMChannels, 16, recovery)
	v.Scan(time.Now())
	if v.Findings() != 0 {
		t.Fatalf("expected no findings on an empty trace ring")
	}
}

func putBE32Test(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}
