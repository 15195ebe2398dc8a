// Package iraudio implements the receive-side audio pipeline: it decodes
// each completed isochronous receive packet handed to it by pkg/irengine,
// tracks DBC continuity, pumps decoded PCM frames into an RX SPSC queue,
// and feeds the external-sync bridge that disciplines the transmit side's
// SYT generator (spec §4.J).
package iraudio

import (
	"time"

	"github.com/dbehnke/fwaudio-core/pkg/am824"
	"github.com/dbehnke/fwaudio-core/pkg/irengine"
	"github.com/dbehnke/fwaudio-core/pkg/logger"
	"github.com/dbehnke/fwaudio-core/pkg/numeric"
	"github.com/dbehnke/fwaudio-core/pkg/ohci"
	"github.com/dbehnke/fwaudio-core/pkg/spscqueue"
	"github.com/dbehnke/fwaudio-core/pkg/syt"
)

// isochHeaderBytes is the OHCI packet-header prefix every IR payload
// carries ahead of the CIP quadlet pair.
const isochHeaderBytes = 8

// establishValidUpdates is the number of consecutive valid SYT samples
// required before signalling the bridge's clock as established, mirroring
// syt.Bridge's own establishment run-length.
const establishValidUpdates = 16

// maxWireDBS bounds the DBS a received CIP header may declare before a
// packet is treated as malformed and dropped rather than decoded; it
// guards against a garbled header driving a pathological event count.
const maxWireDBS = 32

// correlationPeriodPackets is how often, in handled packets, the pipeline
// resamples the host/device clock correlation.
const correlationPeriodPackets = 1000

// nanosPerCycle is the nominal duration of one isochronous cycle.
const nanosPerCycle = 125_000

// nominalNanosPerSample is 1s/48000 expressed in nanoseconds.
const nominalNanosPerSample = 1e9 / 48000.0

// RxCipSummary is the most recently observed CIP header fields, exposed
// for diagnostics.
type RxCipSummary struct {
	SYT uint16
	FDF byte
	DBS byte
}

// Pipeline implements irengine.ReceivePipeline.
type Pipeline struct {
	log    *logger.Logger
	queue  *spscqueue.Queue
	bridge *syt.Bridge
	ctrl   ohci.Controller

	maxPCMChannels int
	now            func() time.Time

	lastDBC             byte
	lastDataBlockCount  uint32
	dbcSeeded           bool
	discontinuities     uint64
	errorCount          uint64
	oversizedDropped    uint64
	oversizedLogged     bool
	consecutiveValidSYT int
	established         bool

	pollCount         uint64
	corrSeeded        bool
	lastCorrHostNanos int64
	lastCorrCycleNum  uint32

	lastSummary RxCipSummary
	scratch     []int32
}

// New returns a Pipeline writing decoded frames into queue and driving
// bridge's external-sync state. ctrl is the OHCI controller whose cycle
// timer backs the periodic host/device clock correlation; it may be nil in
// tests that do not exercise correlation sampling.
func New(queue *spscqueue.Queue, bridge *syt.Bridge, ctrl ohci.Controller, maxPCMChannels int, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.New(logger.Config{})
	}
	return &Pipeline{
		log:            log.WithComponent("iraudio"),
		queue:          queue,
		bridge:         bridge,
		ctrl:           ctrl,
		maxPCMChannels: maxPCMChannels,
		now:            time.Now,
	}
}

// SetNowFunc overrides the pipeline's time source, for deterministic tests.
func (p *Pipeline) SetNowFunc(f func() time.Time) { p.now = f }

// HandlePacket implements irengine.ReceivePipeline.
func (p *Pipeline) HandlePacket(payload []byte) {
	if len(payload) < isochHeaderBytes+8 {
		p.errorCount++
		p.consecutiveValidSYT = 0
		return
	}
	cip := payload[isochHeaderBytes:]
	q0 := be32(cip[0:4])
	q1 := be32(cip[4:8])
	hdr, err := am824.Parse(q0, q1)
	if err != nil {
		p.errorCount++
		p.consecutiveValidSYT = 0
		return
	}
	p.lastSummary = RxCipSummary{SYT: hdr.SYT, FDF: hdr.FDF, DBS: hdr.DBS}

	audio := cip[8:]
	if !hdr.IsNoData() {
		p.checkContinuity(hdr)
		p.decodeEvents(hdr, audio)
	}

	p.updateExternalSync(hdr)

	p.pollCount++
	if p.pollCount%correlationPeriodPackets == 0 {
		p.sampleCorrelation()
	}
}

// checkContinuity compares the packet's DBC against the value expected
// from the last DATA packet's DBC and event count, then re-seeds both for
// next time.
func (p *Pipeline) checkContinuity(hdr am824.Header) {
	if p.dbcSeeded {
		expected := byte(uint32(p.lastDBC) + p.lastDataBlockCount)
		if expected != hdr.DBC {
			p.discontinuities++
		}
	}
	p.lastDBC = hdr.DBC
	p.dbcSeeded = true
}

// decodeEvents decodes the AM824 event blocks in audio and writes one
// interleaved host-channel frame per event to the RX queue. Oversized wire
// DBS values are logged once and the packet is skipped.
func (p *Pipeline) decodeEvents(hdr am824.Header, audio []byte) {
	dbs := int(hdr.DBS)
	if dbs == 0 || dbs > maxWireDBS {
		if !p.oversizedLogged {
			p.log.Warn("dropping packet with malformed wire DBS", logger.Uint32("dbs", uint32(hdr.DBS)))
			p.oversizedLogged = true
		}
		p.oversizedDropped++
		return
	}
	bytesPerEvent := dbs * 4
	events := len(audio) / bytesPerEvent
	p.lastDataBlockCount = uint32(events)
	if events == 0 || p.queue == nil {
		return
	}

	queueChannels := int(p.queue.Channels())
	slots := numeric.Min(numeric.Min(dbs, queueChannels), p.maxPCMChannels)

	need := events * queueChannels
	if cap(p.scratch) < need {
		p.scratch = make([]int32, need)
	}
	frame := p.scratch[:need]
	for i := range frame {
		frame[i] = 0
	}

	off := 0
	for e := 0; e < events; e++ {
		for slot := 0; slot < dbs; slot++ {
			wire := be32(audio[off : off+4])
			off += 4
			if slot >= slots {
				continue
			}
			sample, _, ok := am824.Decode(wire)
			if !ok {
				continue
			}
			frame[e*queueChannels+slot] = sample
		}
	}
	p.queue.Write(frame, uint32(events))
}

// updateExternalSync feeds a valid 48 kHz SYT sample into the bridge and
// signals clock establishment after establishValidUpdates consecutive
// valid samples.
func (p *Pipeline) updateExternalSync(hdr am824.Header) {
	if hdr.FDF != am824.FDF48kHz || hdr.SYT == uint16(am824.NoDataSYT) {
		p.consecutiveValidSYT = 0
		return
	}
	p.bridge.UpdateRX(hdr.SYT, hdr.FDF, hdr.DBS, p.now())
	p.consecutiveValidSYT++
	if !p.established && p.consecutiveValidSYT >= establishValidUpdates {
		p.bridge.MarkClockEstablished()
		p.established = true
	}
}

// sampleCorrelation reads the hardware cycle timer and the host clock
// together and publishes a fresh host_ns_per_sample correction factor.
func (p *Pipeline) sampleCorrelation() {
	if p.ctrl == nil || p.queue == nil {
		return
	}
	nowNanos := p.now().UnixNano()
	cycleNum := ohci.CycleNumber(p.ctrl.CycleTimer())

	if !p.corrSeeded {
		p.lastCorrHostNanos = nowNanos
		p.lastCorrCycleNum = cycleNum
		p.corrSeeded = true
		return
	}

	dHost := nowNanos - p.lastCorrHostNanos
	dCycles := mod(int(cycleNum)-int(p.lastCorrCycleNum), 8000)
	p.lastCorrHostNanos = nowNanos
	p.lastCorrCycleNum = cycleNum
	if dCycles <= 0 || dHost <= 0 {
		return
	}

	dFWNanos := float64(dCycles) * nanosPerCycle
	ratio := float64(dHost) / dFWNanos
	nsPerSample := ratio * nominalNanosPerSample
	p.queue.SetCorrHostNanosPerSampleQ8(uint32(nsPerSample * 256))
}

// ErrorCount returns the number of packets dropped for a CIP decode
// failure.
func (p *Pipeline) ErrorCount() uint64 { return p.errorCount }

// Discontinuities returns the number of DBC discontinuities observed
// across DATA packets.
func (p *Pipeline) Discontinuities() uint64 { return p.discontinuities }

// OversizedDropped returns the number of packets dropped for an
// out-of-range wire DBS.
func (p *Pipeline) OversizedDropped() uint64 { return p.oversizedDropped }

// ClockEstablished reports whether this pipeline has signalled the
// bridge's clock as established.
func (p *Pipeline) ClockEstablished() bool { return p.established }

// LastCIPSummary returns the most recently observed CIP header summary.
func (p *Pipeline) LastCIPSummary() RxCipSummary { return p.lastSummary }

func mod(a, m int) int {
	a %= m
	if a < 0 {
		a += m
	}
	return a
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

var _ irengine.ReceivePipeline = (*Pipeline)(nil)
