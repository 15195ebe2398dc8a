package iraudio_test

import (
	"testing"
	"time"

	"github.com/dbehnke/fwaudio-core/internal/simhw"
	"github.com/dbehnke/fwaudio-core/pkg/am824"
	"github.com/dbehnke/fwaudio-core/pkg/iraudio"
	"github.com/dbehnke/fwaudio-core/pkg/spscqueue"
	"github.com/dbehnke/fwaudio-core/pkg/syt"
)

const (
	testChannels = 2
	testSID      = 3
)

const testQueueCapacity = 128

func newTestQueue(t *testing.T, channels uint16, capacityFrames uint32) *spscqueue.Queue {
	t.Helper()
	buf := make([]byte, spscqueue.HeaderBytes+int(capacityFrames)*int(channels)*4)
	q, err := spscqueue.Format(buf, channels, capacityFrames)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	return q
}

func buildPacket(t *testing.T, dbc byte, sytVal uint16, dbs byte, samples []int32) []byte {
	t.Helper()
	cip := am824.HeaderBuilder{SID: testSID, DBS: dbs}
	q0, q1 := cip.Build(dbc, sytVal, false)

	payload := make([]byte, 8+8+len(samples)*4)
	putBE32(payload[8:12], q0)
	putBE32(payload[12:16], q1)
	off := 16
	for _, s := range samples {
		putBE32(payload[off:off+4], am824.Encode(s))
		off += 4
	}
	return payload
}

func putBE32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

func TestHandlePacketDecodesFrameIntoQueue(t *testing.T) {
	q := newTestQueue(t, testChannels, testQueueCapacity)
	bridge := syt.NewBridge()
	p := iraudio.New(q, bridge, nil, testChannels, nil)

	// One event, two channel slots: samples 11 and 22.
	pkt := buildPacket(t, 0, 0x1234, 2, []int32{11, 22})
	p.HandlePacket(pkt)

	if got := q.Pending(); got != 1 {
		t.Fatalf("Pending() = %d, want 1", got)
	}
	dst := make([]int32, testChannels)
	if n := q.Read(dst, 1); n != 1 {
		t.Fatalf("Read = %d, want 1", n)
	}
	if dst[0] != 11 || dst[1] != 22 {
		t.Fatalf("decoded frame = %v, want [11 22]", dst)
	}
	if p.ErrorCount() != 0 {
		t.Fatalf("ErrorCount() = %d, want 0", p.ErrorCount())
	}
}

func TestHandlePacketTracksDBCDiscontinuity(t *testing.T) {
	q := newTestQueue(t, testChannels, testQueueCapacity)
	bridge := syt.NewBridge()
	p := iraudio.New(q, bridge, nil, testChannels, nil)

	p.HandlePacket(buildPacket(t, 0, 0x1234, 2, []int32{1, 2}))
	// One event advances DBC by 1; skip ahead to DBC=5 to force a gap.
	p.HandlePacket(buildPacket(t, 5, 0x1234, 2, []int32{3, 4}))

	if p.Discontinuities() != 1 {
		t.Fatalf("Discontinuities() = %d, want 1", p.Discontinuities())
	}
}

func TestHandlePacketMalformedCIPIncrementsErrorCount(t *testing.T) {
	q := newTestQueue(t, testChannels, testQueueCapacity)
	bridge := syt.NewBridge()
	p := iraudio.New(q, bridge, nil, testChannels, nil)

	garbage := make([]byte, 20)
	p.HandlePacket(garbage)
	if p.ErrorCount() != 1 {
		t.Fatalf("ErrorCount() = %d, want 1", p.ErrorCount())
	}
}

func TestHandlePacketDropsOversizedWireDBS(t *testing.T) {
	q := newTestQueue(t, testChannels, testQueueCapacity)
	bridge := syt.NewBridge()
	p := iraudio.New(q, bridge, nil, testChannels, nil)

	pkt := buildPacket(t, 0, 0x1234, 200, []int32{1, 2})
	p.HandlePacket(pkt)

	if p.OversizedDropped() != 1 {
		t.Fatalf("OversizedDropped() = %d, want 1", p.OversizedDropped())
	}
	if q.Pending() != 0 {
		t.Fatalf("expected no frames queued for an oversized packet")
	}
}

func TestHandlePacketEstablishesClockAfterSixteenValidSamples(t *testing.T) {
	q := newTestQueue(t, testChannels, testQueueCapacity)
	bridge := syt.NewBridge()
	bridge.SetActive(true)
	now := time.Now()
	p := iraudio.New(q, bridge, nil, testChannels, nil)
	p.SetNowFunc(func() time.Time { return now })

	for i := 0; i < 15; i++ {
		p.HandlePacket(buildPacket(t, byte(i), 0x1000, 2, []int32{1, 2}))
	}
	if p.ClockEstablished() {
		t.Fatalf("clock established too early")
	}
	p.HandlePacket(buildPacket(t, 15, 0x1000, 2, []int32{1, 2}))
	if !p.ClockEstablished() {
		t.Fatalf("expected clock established after 16 consecutive valid samples")
	}
	if !bridge.Snapshot(now).ClockEstablished {
		t.Fatalf("expected bridge snapshot to report established")
	}
}

func TestHandlePacketNoDataResetsValidSYTStreak(t *testing.T) {
	q := newTestQueue(t, testChannels, testQueueCapacity)
	bridge := syt.NewBridge()
	bridge.SetActive(true)
	p := iraudio.New(q, bridge, nil, testChannels, nil)

	for i := 0; i < 10; i++ {
		p.HandlePacket(buildPacket(t, byte(i), 0x1000, 2, []int32{1, 2}))
	}
	noData := make([]byte, 16)
	cip := am824.HeaderBuilder{SID: testSID, DBS: 2}
	q0, q1 := cip.BuildNoData(10)
	putBE32(noData[8:12], q0)
	putBE32(noData[12:16], q1)
	p.HandlePacket(noData)

	for i := 11; i < 26; i++ {
		p.HandlePacket(buildPacket(t, byte(i), 0x1000, 2, []int32{1, 2}))
	}
	if p.ClockEstablished() {
		t.Fatalf("NO-DATA packet should have reset the valid-SYT streak")
	}
}

func TestSampleCorrelationPublishesCorrectionFactor(t *testing.T) {
	q := newTestQueue(t, testChannels, testQueueCapacity)
	bridge := syt.NewBridge()
	ctrl := simhw.NewController()
	base := time.Now()
	tick := base

	p := iraudio.New(q, bridge, ctrl, testChannels, nil)
	p.SetNowFunc(func() time.Time { return tick })

	for i := 0; i < 1000; i++ {
		p.HandlePacket(buildPacket(t, byte(i), 0x1000, 2, []int32{1, 2}))
	}
	if q.CorrHostNanosPerSampleQ8() != 0 {
		t.Fatalf("correlation should not publish before the first seed completes")
	}

	ctrl.AdvanceCycle(4000)
	tick = base.Add(500 * time.Millisecond)
	for i := 1000; i < 2000; i++ {
		p.HandlePacket(buildPacket(t, byte(i), 0x1000, 2, []int32{1, 2}))
	}
	if q.CorrHostNanosPerSampleQ8() == 0 {
		t.Fatalf("expected a non-zero correction factor after half a second of matched elapsed time")
	}
}
