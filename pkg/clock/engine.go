// Package clock implements the audio clock engine: a periodic tick that
// advances the host audio device's (sampleTime, hostTime) anchor pair by a
// per-buffer host-tick delta chosen from a priority chain of clock
// sources (cycle-time correlation, a zero-copy fill PI loop, RX PLL
// fallback, or legacy nominal ticks), per spec §4.K.
package clock

import (
	"math"

	"github.com/dbehnke/fwaudio-core/pkg/logger"
	"github.com/dbehnke/fwaudio-core/pkg/numeric"
)

// Mode names which clock source drove the most recent tick's ticksPerBuffer.
type Mode int

const (
	ModeHold Mode = iota
	ModeCycleTime
	ModeZeroCopyPI
	ModeRXPLLPending
	ModeLegacyTX
)

func (m Mode) String() string {
	switch m {
	case ModeCycleTime:
		return "cycle-time"
	case ModeZeroCopyPI:
		return "zero-copy-pi"
	case ModeRXPLLPending:
		return "rx-pll-pending"
	case ModeLegacyTX:
		return "legacy-tx"
	default:
		return "hold"
	}
}

// Tuning constants for the zero-copy fill PI loop.
const (
	piKpPPMPerFrame        = 0.45
	piKiPPMPerFrameTick    = 0.0008
	piIntegralClamp        = 200_000.0
	piOutputClampPPM       = 100.0
	piDeadbandFrames       = 8
	diagnosticPeriodTicks  = 430
)

// Timebase converts host clock ticks to nanoseconds, mirroring the
// numer/denom convention of macOS's mach_timebase_info: nanos = ticks *
// Numer/Denom.
type Timebase struct {
	Numer uint32
	Denom uint32
}

// IdentityTimebase is a 1-tick-per-nanosecond timebase, suitable for a host
// clock already ticking in nanoseconds (time.Duration, simhw).
var IdentityTimebase = Timebase{Numer: 1, Denom: 1}

// ticksPerNano returns how many host ticks correspond to one nanosecond.
func (t Timebase) ticksPerNano() float64 {
	if t.Numer == 0 {
		return 1
	}
	return float64(t.Denom) / float64(t.Numer)
}

// HostAudioDevice is the host audio device ABI the clock engine drives.
// internal/simhw.HostAudioDevice implements it for tests.
type HostAudioDevice interface {
	GetCurrentZeroTimestamp() (sampleTime, hostTime uint64)
	UpdateCurrentZeroTimestamp(sampleTime, hostTime uint64)
}

// CorrelationSource exposes the periodically-published host/device clock
// correlation factor written by the RX audio pipeline (pkg/iraudio).
// *spscqueue.Queue implements it.
type CorrelationSource interface {
	CorrHostNanosPerSampleQ8() uint32
}

// FillSource exposes an occupancy level the PI loop regulates against, or
// whose mere presence signals that a TX source is attached.
// *spscqueue.Queue implements it for the legacy TX queue path; a zero-copy
// output buffer wrapper implements it for the zero-copy path.
type FillSource interface {
	Pending() uint32
}

// Params configures one Engine instance.
type Params struct {
	PeriodFrames          uint32
	SampleRate            uint32
	Timebase              Timebase
	ZeroCopyEnabled       bool
	ZeroCopyFrameCapacity uint32
}

func (p *Params) applyDefaults() {
	if p.PeriodFrames == 0 {
		p.PeriodFrames = 256
	}
	if p.SampleRate == 0 {
		p.SampleRate = 48000
	}
	if p.Timebase == (Timebase{}) {
		p.Timebase = IdentityTimebase
	}
}

// ClockTick is the result of one Engine.Tick call.
type ClockTick struct {
	SampleTime          uint64
	HostTime            uint64
	TicksPerBuffer       uint64
	Mode                Mode
	NextDeadlineHostTicks uint64
}

// Engine is the audio clock state machine described by spec §4.K. It holds
// no goroutine of its own: the caller (pkg/session) re-arms a timer for
// NextDeadlineHostTicks and calls Tick again when it fires.
type Engine struct {
	log    *logger.Logger
	device HostAudioDevice
	params Params

	rxCorrelation CorrelationSource
	zeroCopyFill  FillSource
	legacyTx      FillSource

	fracRemainder     float64
	lastTicksPerBuffer uint64
	lastMode          Mode

	integral      float64
	lastPPMSign   int
	driftRun      int
	saturations   uint64

	tickCount uint64
}

// New returns an Engine driving device with the given params.
func New(log *logger.Logger, device HostAudioDevice, params Params) *Engine {
	params.applyDefaults()
	if log == nil {
		log = logger.New(logger.Config{})
	}
	return &Engine{
		log:    log.WithComponent("clock"),
		device: device,
		params: params,
	}
}

// SetRXCorrelationSource wires the RX pipeline's published correlation
// factor in (or clears it with nil when RX is inactive).
func (e *Engine) SetRXCorrelationSource(src CorrelationSource) { e.rxCorrelation = src }

// SetZeroCopyFillSource wires the zero-copy output buffer's fill level in
// (or clears it with nil when zero-copy is disabled or not yet primed).
func (e *Engine) SetZeroCopyFillSource(src FillSource) { e.zeroCopyFill = src }

// SetLegacyTXSource wires the legacy (non-zero-copy) TX SPSC queue in, used
// only to detect that a TX queue is present; the PI loop never reads its
// fill level directly (spec §4.K priority 4).
func (e *Engine) SetLegacyTXSource(src FillSource) { e.legacyTx = src }

// TargetFillLevel returns the current target occupancy, per spec §4.K:
// zero-copy uses 5/8 of its frame capacity (floor 8); a present legacy TX
// queue targets 64 frames; absent any TX source, 2048.
func (e *Engine) TargetFillLevel() uint32 {
	if e.params.ZeroCopyEnabled && e.params.ZeroCopyFrameCapacity > 0 {
		return numeric.Max(e.params.ZeroCopyFrameCapacity*5/8, 8)
	}
	if e.legacyTx != nil {
		return 64
	}
	return 2048
}

// Mode returns which clock source drove the most recent Tick.
func (e *Engine) Mode() Mode { return e.lastMode }

// Saturations returns the number of ticks whose PI output was clamped to
// the ±100 ppm output limit.
func (e *Engine) Saturations() uint64 { return e.saturations }

// DriftRun returns the length of the current run of same-signed PI
// corrections (a proxy for monotone drift).
func (e *Engine) DriftRun() int { return e.driftRun }

// Tick advances the clock engine by one period: it reads the device's
// current anchor, computes a ticksPerBuffer delta from the active clock
// source, publishes the advanced anchor back to the device, and returns
// the tick's summary (including the host-tick deadline to re-arm the next
// Tick for).
func (e *Engine) Tick() ClockTick {
	sampleTime, hostTime := e.device.GetCurrentZeroTimestamp()

	ticksPerBuffer := e.computeTicksPerBuffer()
	e.lastTicksPerBuffer = ticksPerBuffer

	sampleTime += uint64(e.params.PeriodFrames)
	hostTime += ticksPerBuffer
	e.device.UpdateCurrentZeroTimestamp(sampleTime, hostTime)

	e.tickCount++
	if e.tickCount%diagnosticPeriodTicks == 0 {
		e.log.Info("clock engine tick summary",
			logger.String("mode", e.lastMode.String()),
			logger.Uint32("targetFill", e.TargetFillLevel()),
			logger.Uint64("saturations", e.saturations))
	}

	return ClockTick{
		SampleTime:            sampleTime,
		HostTime:              hostTime,
		TicksPerBuffer:         ticksPerBuffer,
		Mode:                   e.lastMode,
		NextDeadlineHostTicks:  hostTime + ticksPerBuffer,
	}
}

// computeTicksPerBuffer walks the cycle-time/PI-loop/PLL priority chain
// and returns the chosen host-tick delta for this buffer period.
func (e *Engine) computeTicksPerBuffer() uint64 {
	if e.rxCorrelation != nil {
		if q8 := e.rxCorrelation.CorrHostNanosPerSampleQ8(); q8 != 0 {
			e.lastMode = ModeCycleTime
			return e.cycleTimeTicks(q8)
		}
	}

	if e.params.ZeroCopyEnabled && e.zeroCopyFill != nil {
		e.lastMode = ModeZeroCopyPI
		return e.piLoopTicks(e.zeroCopyFill)
	}

	if e.rxCorrelation != nil {
		e.lastMode = ModeRXPLLPending
		return e.nominalTicks()
	}

	if e.legacyTx != nil {
		e.lastMode = ModeLegacyTX
		e.resetIntegral()
		return e.nominalTicks()
	}

	e.lastMode = ModeHold
	if e.lastTicksPerBuffer == 0 {
		return e.nominalTicks()
	}
	return e.lastTicksPerBuffer
}

// nominalTicks returns the host-tick equivalent of one PeriodFrames buffer
// at the nominal sample rate, with no correction applied.
func (e *Engine) nominalTicks() uint64 {
	nominalNanos := float64(e.params.PeriodFrames) / float64(e.params.SampleRate) * 1e9
	return uint64(math.Round(nominalNanos * e.params.Timebase.ticksPerNano()))
}

// cycleTimeTicks derives ticksPerBuffer from the RX pipeline's published
// Q8 nanoseconds-per-sample correlation, carrying the fractional host-tick
// remainder across calls so the running average tracks exactly.
func (e *Engine) cycleTimeTicks(q8 uint32) uint64 {
	nanosPerSample := float64(q8) / 256.0
	hostTicksPerSample := nanosPerSample * e.params.Timebase.ticksPerNano()
	exact := hostTicksPerSample*float64(e.params.PeriodFrames) + e.fracRemainder
	ticks := uint64(exact)
	e.fracRemainder = exact - float64(ticks)
	return ticks
}

// piLoopTicks regulates the zero-copy output buffer's fill level toward
// TargetFillLevel with a deadbanded PI controller, clamped to ±100ppm.
func (e *Engine) piLoopTicks(fill FillSource) uint64 {
	target := int64(e.TargetFillLevel())
	pending := int64(fill.Pending())
	fillError := pending - target

	effective := deadband(fillError, piDeadbandFrames)

	e.integral = numeric.Clamp(e.integral+effective*piKiPPMPerFrameTick, -piIntegralClamp, piIntegralClamp)
	ppm := effective*piKpPPMPerFrame + e.integral

	clamped := numeric.Clamp(ppm, -piOutputClampPPM, piOutputClampPPM)
	if clamped != ppm {
		e.saturations++
	}
	ppm = clamped

	sign := 0
	switch {
	case ppm > 0:
		sign = 1
	case ppm < 0:
		sign = -1
	}
	if sign != 0 && sign == e.lastPPMSign {
		e.driftRun++
	} else {
		e.driftRun = 1
	}
	e.lastPPMSign = sign

	nominalNanos := float64(e.params.PeriodFrames) / float64(e.params.SampleRate) * 1e9
	correctedNanos := nominalNanos * (1 + ppm/1e6)
	return uint64(math.Round(correctedNanos * e.params.Timebase.ticksPerNano()))
}

// resetIntegral clears the PI loop's accumulated state, used whenever the
// engine falls back to the legacy (non-zero-copy) TX path so a later
// re-enable of zero-copy starts from a clean slate.
func (e *Engine) resetIntegral() {
	e.integral = 0
	e.lastPPMSign = 0
	e.driftRun = 0
}

// deadband shrinks err toward zero by up to band, per spec §4.K's
// 8-frame PI deadband.
func deadband(err int64, band int64) float64 {
	switch {
	case err > band:
		return float64(err - band)
	case err < -band:
		return float64(err + band)
	default:
		return 0
	}
}
