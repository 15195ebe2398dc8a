package itaudio

import (
	"fmt"
	"time"

	"github.com/dbehnke/fwaudio-core/pkg/am824"
	"github.com/dbehnke/fwaudio-core/pkg/itengine"
	"github.com/dbehnke/fwaudio-core/pkg/logger"
)

// RecoveryReason bits, OR-ed together into the mask a verifier pass
// reports to the recovery controller.
type RecoveryReason uint32

const (
	ReasonCIPAnomaly RecoveryReason = 1 << iota
	ReasonInvalidLabel
	ReasonUncompletedOverwrite
	ReasonSuspiciousSilence
	ReasonSlowCompletion
	ReasonCursorChurn
)

// fatalReasons are the bits that bypass the 200ms non-fatal cooldown and
// use the shorter 50ms one instead.
const fatalReasons = ReasonInvalidLabel | ReasonCIPAnomaly | ReasonUncompletedOverwrite

// traceEntry is one snapshot captured by the verifier's capture hook,
// just before the ring engine overwrites a slot.
type traceEntry struct {
	itengine.OverwriteSnapshot
}

// Verifier is the off-RT observer that scans trace entries the ring
// engine captures just before each silent overwrite, checking protocol
// conformance and driving a recovery controller on anomalies. It
// implements itengine.CaptureHook.
type Verifier struct {
	log *logger.Logger

	dbs         byte
	am824Slots  int
	pcmChannels int

	entries []traceEntry
	head    int
	tail    int

	lastDBC        byte
	dbcSeeded      bool
	discontinuity  uint64
	findings       uint64
	suppressed     uint64
	kicksPending   bool

	recovery *IsochTxRecoveryController
}

// NewVerifier returns a Verifier with a fixed-size trace ring of
// capacity entries (a power of two is not required; the ring indexes
// modulo capacity).
func NewVerifier(log *logger.Logger, am824Slots, pcmChannels int, capacity int, recovery *IsochTxRecoveryController) *Verifier {
	if log == nil {
		log = logger.New(logger.Config{})
	}
	return &Verifier{
		log:         log.WithComponent("itaudio.verifier"),
		am824Slots:  am824Slots,
		pcmChannels: pcmChannels,
		dbs:         byte(am824Slots),
		entries:     make([]traceEntry, capacity),
		recovery:    recovery,
	}
}

// BeforeOverwrite implements itengine.CaptureHook: it records the
// snapshot into the trace ring without performing any checks inline,
// keeping the hot refill path free of verification cost.
func (v *Verifier) BeforeOverwrite(snap itengine.OverwriteSnapshot) {
	v.entries[v.head%len(v.entries)] = traceEntry{snap}
	v.head++
	v.kicksPending = true
}

// Findings returns the number of scanned trace entries that had at least
// one finding; one warning line is logged for each such entry.
func (v *Verifier) Findings() uint64 { return v.findings }

// Discontinuities returns the number of per-DATA DBC discontinuities the
// verifier has observed across scanned trace entries.
func (v *Verifier) Discontinuities() uint64 { return v.discontinuity }

// Scan drains all trace entries captured since the last Scan, checking
// each for protocol conformance, and drives the recovery controller on
// any findings. now is the caller's current time, used for the recovery
// controller's cooldown. It is safe to call Scan even if BeforeOverwrite
// has not been invoked since the last call (de-duplicated, a no-op).
func (v *Verifier) Scan(now time.Time) {
	if !v.kicksPending {
		return
	}
	v.kicksPending = false

	var reasons RecoveryReason
	for v.tail != v.head {
		e := v.entries[v.tail%len(v.entries)]
		v.tail++
		reasons |= v.check(e)
	}

	if reasons == 0 {
		return
	}
	fatal := reasons&fatalReasons != 0
	if v.recovery.Request(now, fatal) {
		v.log.Warn("isochronous transmit recovery requested", logger.Uint32("reasons", uint32(reasons)), logger.Bool("fatal", fatal))
	} else {
		v.suppressed++
	}
}

// check inspects one captured slot and returns the RecoveryReason bits it
// finds, logging one line for each entry with findings (not rate-limited).
func (v *Verifier) check(e traceEntry) RecoveryReason {
	var reasons RecoveryReason

	if e.LastStatus == 0 && e.LastControl != 0 {
		reasons |= ReasonUncompletedOverwrite
	}

	if gap := mod(e.HwPacketIndex-e.PacketIndex, 1<<20); gap != 0 && gap > GuardBandPackets {
		reasons |= ReasonSlowCompletion
	}

	isNoData := e.LastControl&0xFFFF == 8
	if !isNoData {
		reasons |= v.checkDataPayload(e.Payload)
	}

	if reasons != 0 {
		v.findings++
		v.log.Warn("itaudio verifier finding", logger.Uint32("packetIndex", uint32(e.PacketIndex)), logger.Uint32("reasons", uint32(reasons)))
	}
	return reasons
}

// checkDataPayload validates a DATA packet's CIP header and AM824 slot
// labels, and tracks DBC continuity across DATA packets.
func (v *Verifier) checkDataPayload(payload []byte) RecoveryReason {
	var reasons RecoveryReason
	if len(payload) < 8 {
		return ReasonCIPAnomaly
	}
	q0 := be32(payload[0:4])
	q1 := be32(payload[4:8])
	hdr, err := am824.Parse(q0, q1)
	if err != nil {
		return ReasonCIPAnomaly
	}
	if hdr.FMT != am824.FmtAM824 || hdr.FDF != am824.FDF48kHz || hdr.DBS != v.dbs {
		reasons |= ReasonCIPAnomaly
	}
	if hdr.SYT == uint16(am824.NoDataSYT) {
		reasons |= ReasonCIPAnomaly
	}

	expectedFrames := 0
	if v.am824Slots > 0 {
		expectedFrames = (len(payload) - 8) / (4 * v.am824Slots)
	}
	wantBytes := 8 + expectedFrames*v.am824Slots*4
	if wantBytes != len(payload) {
		reasons |= ReasonCIPAnomaly
	}

	if v.dbcSeeded {
		expected := byte(uint32(v.lastDBC) + uint32(expectedFrames))
		if expected != hdr.DBC {
			v.discontinuity++
		}
	}
	v.lastDBC = hdr.DBC
	v.dbcSeeded = true

	silentRun := true
	off := 8
	for f := 0; f < expectedFrames; f++ {
		for slot := 0; slot < v.am824Slots; slot++ {
			wire := be32(payload[off : off+4])
			off += 4
			sample, label, ok := am824.Decode(wire)
			switch {
			case slot < v.pcmChannels:
				if !ok {
					reasons |= ReasonInvalidLabel
				} else if sample != 0 {
					silentRun = false
				}
			default:
				if !am824.IsMIDIPlaceholder(label) {
					reasons |= ReasonInvalidLabel
				}
			}
		}
	}
	_ = silentRun // suspicious-silence escalation is driven by the pipeline's fill state, not visible here alone

	return reasons
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

var _ itengine.CaptureHook = (*Verifier)(nil)

func (r RecoveryReason) String() string {
	return fmt.Sprintf("%#x", uint32(r))
}
