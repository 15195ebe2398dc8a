package syt

const (
	// kPacketIntervalTicks is the 24.576MHz tick span a raw phase is
	// wrapped into before comparison, making the detector insensitive to
	// whole-packet RX/TX sampling skew.
	kPacketIntervalTicks = 4096
	// kBaselineSamples is the number of initial samples averaged (raw
	// phase only, no correction) before the discipline starts correcting.
	kBaselineSamples = 8
	// kCorrectionThresholdTicks is the phase error magnitude, in ticks,
	// above which a ±1 tick correction is emitted.
	kCorrectionThresholdTicks = 32
	// kCorrectionCooldownPackets is the number of packets the discipline
	// waits after emitting a correction before it may emit another.
	kCorrectionCooldownPackets = 32
)

// Discipline nudges a transmit SYT generator by ±1 tick at a time,
// steered by phase differences observed between the last transmitted SYT
// and the device's most recently reported receive SYT (§4.D).
type Discipline struct {
	baseline       []int32
	baselinePhase  int32
	locked         bool
	cooldown       int
	disabledEvents uint64
}

// NewDiscipline returns a fresh, unlocked Discipline.
func NewDiscipline() *Discipline {
	return &Discipline{baseline: make([]int32, 0, kBaselineSamples)}
}

// extractTicks pulls the low 12-bit tick field out of a CIP SYT value,
// ignoring the 4-bit presentation-cycle nibble.
func extractTicks(sampleSYT uint16) int32 {
	return int32(sampleSYT & 0x0FFF)
}

func wrapPhase(p int32) int32 {
	const half = kPacketIntervalTicks / 2
	p %= kPacketIntervalTicks
	if p > half {
		p -= kPacketIntervalTicks
	} else if p < -half {
		p += kPacketIntervalTicks
	}
	return p
}

// Sample feeds one (transmit SYT, receive SYT) pair into the discipline.
// It returns a non-zero correction (+1 or -1 tick) when the loop decides
// to nudge, and correctionTicks of 0 otherwise (still baselining, locked
// but under threshold, or cooling down).
func (d *Discipline) Sample(txSYT, rxSYT uint16) (correctionTicks int32) {
	phase := wrapPhase(extractTicks(rxSYT) - extractTicks(txSYT))

	if d.cooldown > 0 {
		d.cooldown--
	}

	if !d.locked {
		d.baseline = append(d.baseline, phase)
		if len(d.baseline) < kBaselineSamples {
			return 0
		}
		var sum int32
		for _, v := range d.baseline {
			sum += v
		}
		d.baselinePhase = sum / int32(len(d.baseline))
		d.locked = true
		return 0
	}

	phaseError := phase - d.baselinePhase
	if d.cooldown > 0 {
		return 0
	}
	if phaseError > kCorrectionThresholdTicks {
		d.cooldown = kCorrectionCooldownPackets
		return 1
	}
	if phaseError < -kCorrectionThresholdTicks {
		d.cooldown = kCorrectionCooldownPackets
		return -1
	}
	return 0
}

// Disable resets the discipline's entire internal state (as on
// active=false or a stale bridge) and counts the event.
func (d *Discipline) Disable() {
	d.baseline = d.baseline[:0]
	d.baselinePhase = 0
	d.locked = false
	d.cooldown = 0
	d.disabledEvents++
}

// DisabledEvents returns the number of times Disable has been called.
func (d *Discipline) DisabledEvents() uint64 {
	return d.disabledEvents
}

// Locked reports whether the baseline window has completed.
func (d *Discipline) Locked() bool {
	return d.locked
}
