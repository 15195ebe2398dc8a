// Package session owns the §6 control surface: it wires the descriptor
// rings, audio pipelines, SYT discipline, and clock engine together into
// one duplex (transmit + receive) isochronous audio stream, brings it up
// in a single Start call, and tears it down cleanly on Stop. Every other
// package in this module is a component Session assembles; Session itself
// holds no protocol state of its own beyond what it takes to wire and
// supervise those components.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dbehnke/fwaudio-core/pkg/assembler"
	"github.com/dbehnke/fwaudio-core/pkg/cadence"
	"github.com/dbehnke/fwaudio-core/pkg/clock"
	"github.com/dbehnke/fwaudio-core/pkg/database"
	"github.com/dbehnke/fwaudio-core/pkg/iraudio"
	"github.com/dbehnke/fwaudio-core/pkg/irengine"
	"github.com/dbehnke/fwaudio-core/pkg/itaudio"
	"github.com/dbehnke/fwaudio-core/pkg/itengine"
	"github.com/dbehnke/fwaudio-core/pkg/logger"
	"github.com/dbehnke/fwaudio-core/pkg/metrics"
	"github.com/dbehnke/fwaudio-core/pkg/mqtt"
	"github.com/dbehnke/fwaudio-core/pkg/ohci"
	"github.com/dbehnke/fwaudio-core/pkg/spscqueue"
	"github.com/dbehnke/fwaudio-core/pkg/syt"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
)

// StreamMode selects the 48 kHz cadence a started stream uses (spec §4.B).
type StreamMode string

const (
	ModeBlocking    StreamMode = "blocking"
	ModeNonBlocking StreamMode = "nonblocking"
)

func (m StreamMode) newGenerator() (cadence.Generator, error) {
	switch m {
	case "", ModeBlocking:
		return cadence.NewBlocking48k(), nil
	case ModeNonBlocking:
		return cadence.NewNonBlocking48k(), nil
	default:
		return nil, fmt.Errorf("session: stream mode %q: %w", m, ErrBadArgument)
	}
}

// Hardware bundles the OHCI register/DMA surface and host audio device ABI
// one Session drives. A real driver backs this with MMIO and IOMMU-mapped
// memory; internal/simhw backs it for tests.
type Hardware struct {
	Memory      ohci.MemoryProvider
	Controller  ohci.Controller
	Barrier     ohci.Barrier
	ITContext   ohci.Context
	IRContext   ohci.Context
	AudioDevice clock.HostAudioDevice
}

func (h Hardware) validate() error {
	switch {
	case h.Memory == nil, h.Controller == nil, h.Barrier == nil, h.ITContext == nil, h.IRContext == nil, h.AudioDevice == nil:
		return fmt.Errorf("session: incomplete hardware surface: %w", ErrBadArgument)
	}
	return nil
}

// StartParams configures one duplex stream start (spec §6). It is supplied
// programmatically by the caller and never persisted — the file-backed
// config.ProfileConfig an operator edits is turned into one of these at
// Start() time.
type StartParams struct {
	// SID is this session's isochronous source ID, packed into every CIP
	// header this stream transmits.
	SID byte
	// Channel is the isochronous channel number the IT/IR rings transmit
	// and receive on.
	Channel uint8

	StreamMode  StreamMode
	PCMChannels int
	AM824Slots  int

	// ITPackets and IRBuffers size the transmit and receive descriptor
	// rings, in packet/buffer slots.
	ITPackets int
	IRBuffers int

	AdaptiveFillBase uint32

	// TXQueueRegion is the shared-memory region an external producer
	// writes audio frames into; Start Attaches to it (the producer side
	// is outside this module). Nil means the stream runs without a
	// legacy SPSC TX source (zero-copy only, or silence-only).
	TXQueueRegion []byte

	// RXQueueRegion is the shared-memory region Start formats fresh as
	// the RX SPSC queue (this session is the sole producer). Nil means
	// Start allocates and formats an internal buffer sized from
	// RXQueueCapacityFrames.
	RXQueueRegion         []byte
	RXQueueCapacityFrames uint32

	// ZeroCopyEnabled selects the zero-copy audio path (spec §4.H/§4.K):
	// ZeroCopyBuf is reinterpreted in place as a ring of interleaved
	// int32 frames, read directly by the injector and regulated against
	// by the clock engine's PI loop, bypassing the legacy TX queue copy.
	ZeroCopyEnabled        bool
	ZeroCopyBuf            []byte
	ZeroCopyCapacityFrames uint32

	ClockPeriodFrames uint32
	ClockTimebase     clock.Timebase

	// StartTimeout bounds how long Start waits for the external-sync
	// bridge to reach clockEstablished before failing with ErrTimeout
	// (spec §5).
	StartTimeout time.Duration

	// VendorQuirks is an opaque passthrough bitmask for controller-family
	// workarounds (e.g. the Agere/LSI chipsets' early-wake quirk) that
	// this core does not interpret itself — see DESIGN.md's Open
	// Question decision. The zero value selects no quirk handling.
	VendorQuirks uint32
}

func (p *StartParams) applyDefaults() {
	if p.StreamMode == "" {
		p.StreamMode = ModeBlocking
	}
	if p.PCMChannels == 0 {
		p.PCMChannels = 2
	}
	if p.AM824Slots == 0 {
		p.AM824Slots = p.PCMChannels
	}
	if p.ITPackets == 0 {
		p.ITPackets = 200
	}
	if p.IRBuffers == 0 {
		p.IRBuffers = 64
	}
	if p.AdaptiveFillBase == 0 {
		p.AdaptiveFillBase = 64
	}
	if p.RXQueueCapacityFrames == 0 {
		p.RXQueueCapacityFrames = 2048
	}
	if p.ClockPeriodFrames == 0 {
		p.ClockPeriodFrames = 256
	}
	if p.ClockTimebase == (clock.Timebase{}) {
		p.ClockTimebase = clock.IdentityTimebase
	}
	if p.StartTimeout == 0 {
		p.StartTimeout = 500 * time.Millisecond
	}
}

func (p *StartParams) validate() error {
	if p.PCMChannels <= 0 {
		return fmt.Errorf("session: pcmChannels %d must be positive: %w", p.PCMChannels, ErrBadArgument)
	}
	if p.AM824Slots < p.PCMChannels || p.AM824Slots > 32 {
		return fmt.Errorf("session: am824Slots %d invalid for pcmChannels %d: %w", p.AM824Slots, p.PCMChannels, ErrBadArgument)
	}
	if p.ITPackets <= 0 || p.IRBuffers <= 0 {
		return fmt.Errorf("session: ITPackets/IRBuffers must be positive: %w", ErrBadArgument)
	}
	if p.ZeroCopyEnabled && (p.ZeroCopyBuf == nil || p.ZeroCopyCapacityFrames == 0) {
		return fmt.Errorf("session: zero-copy enabled without a buffer: %w", ErrBadArgument)
	}
	if _, err := p.StreamMode.newGenerator(); err != nil {
		return err
	}
	return nil
}

// watchdogPeriod is how often the IT refill/verifier-scan loop and the IR
// poll loop run, independent of the audio clock engine's own period.
const watchdogPeriod = time.Millisecond

// Session owns one duplex isochronous audio stream's lifetime: Start
// allocates and wires every component (rings, pipelines, SYT discipline,
// clock engine) and activates the hardware contexts; Stop tears all of it
// back down. A Session may be started at most once per instance — create
// a fresh Session for a subsequent start.
type Session struct {
	hw  Hardware
	log *logger.Logger

	collector *metrics.Collector
	recorder  *database.FlightRecorder
	mqttPub   *mqtt.Publisher

	id string

	mu      sync.Mutex
	running bool
	params  StartParams

	bridge      *syt.Bridge
	clockEngine *clock.Engine

	txQueue     *spscqueue.Queue
	rxQueue     *spscqueue.Queue
	zeroCopyBuf *zeroCopyBuffer

	itEngine   *itengine.Engine
	itPipeline *itaudio.Pipeline
	itVerifier *itaudio.Verifier
	itRecovery *itaudio.IsochTxRecoveryController

	irEngine   *irengine.Engine
	irPipeline *iraudio.Pipeline

	wg     conc.WaitGroup
	stopCh chan struct{}

	recoverySeq uint64
	metricsLast metricsSnapshot
}

// metricsSnapshot holds the last-drained cumulative counter values so the
// watchdog loop can feed the collector deltas rather than absolutes (spec
// §7's per-kind counters are cumulative; metrics.Collector's increment
// methods take the delta since the previous report).
type metricsSnapshot struct {
	itDiscontinuities uint64
	itUnderruns       uint64
	itMissedPackets   uint64
	verifierFindings  uint64
	sytCorrections    uint64
	sytDisabled       uint64
	rxErrors          uint64
	rxDiscontinuities uint64
	rxOversized       uint64
}

// New returns an unstarted Session bound to hw.
func New(hw Hardware, log *logger.Logger) (*Session, error) {
	if err := hw.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.New(logger.Config{})
	}
	return &Session{
		hw:  hw,
		log: log.WithComponent("session"),
		id:  uuid.NewString(),
	}, nil
}

// WithMetrics injects a metrics.Collector the session's watchdog loops
// report into. Nil disables metrics reporting (the default).
func (s *Session) WithMetrics(c *metrics.Collector) *Session {
	s.collector = c
	return s
}

// WithFlightRecorder injects a database.FlightRecorder the session logs
// recovery/underrun/clock-established events into. Nil disables it (the
// default).
func (s *Session) WithFlightRecorder(r *database.FlightRecorder) *Session {
	s.recorder = r
	return s
}

// WithMQTT injects an mqtt.Publisher the session publishes the same
// events to. Nil disables it (the default).
func (s *Session) WithMQTT(p *mqtt.Publisher) *Session {
	s.mqttPub = p
	return s
}

// ID returns this session's identifier, stamped onto every flight-recorder
// row and MQTT event it emits.
func (s *Session) ID() string { return s.id }

// Running reports whether the session is currently started.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start builds and activates every component for one duplex stream, per
// spec §6's construction order: receive side first (so the external-sync
// bridge has a chance to establish before transmit SYT generation needs
// it), then transmit side, then hardware contexts are kicked alive and
// Start waits for clockEstablished or params.StartTimeout, whichever comes
// first. On any failure Start leaves the hardware contexts un-Run and
// returns without partial state surviving into a later Stop.
func (s *Session) Start(ctx context.Context, params StartParams) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if err := s.buildAndActivate(params); err != nil {
		s.mu.Unlock()
		return err
	}
	// buildAndActivate left the hardware contexts running and the
	// watchdog/poll/clock goroutines started; release the lock before the
	// (possibly multi-hundred-millisecond) wait for external sync so Stop
	// and Running remain callable while Start is still in flight.
	s.mu.Unlock()

	if err := s.waitClockEstablished(ctx, s.params.StartTimeout); err != nil {
		s.Stop()
		return err
	}

	s.log.Info("session started",
		logger.String("id", s.id),
		logger.String("streamMode", string(s.params.StreamMode)),
		logger.Bool("zeroCopy", s.params.ZeroCopyEnabled))
	return nil
}

// buildAndActivate constructs every component for params, activates the
// hardware contexts, and starts the supervising goroutines. Called with
// s.mu held; the caller is responsible for releasing it. On error, no
// goroutine has been started and no hardware context has been set to Run.
func (s *Session) buildAndActivate(params StartParams) error {
	params.applyDefaults()
	if err := params.validate(); err != nil {
		return err
	}

	gen, err := params.StreamMode.newGenerator()
	if err != nil {
		return err
	}

	s.bridge = syt.NewBridge()

	rxQueueBuf := params.RXQueueRegion
	if rxQueueBuf == nil {
		frameStride := params.PCMChannels * 4
		rxQueueBuf = make([]byte, spscqueue.HeaderBytes+int(params.RXQueueCapacityFrames)*frameStride)
	}
	rxQueue, err := spscqueue.Format(rxQueueBuf, uint16(params.PCMChannels), params.RXQueueCapacityFrames)
	if err != nil {
		return fmt.Errorf("session: formatting RX queue: %w", ErrNoResources)
	}

	irPipeline := iraudio.New(rxQueue, s.bridge, s.hw.Controller, params.PCMChannels, s.log)
	irEngine := irengine.New(s.hw.IRContext, s.hw.Controller, s.hw.Barrier, irPipeline)
	if err := irEngine.SetupRings(s.hw.Memory, params.IRBuffers); err != nil {
		return fmt.Errorf("session: IR ring setup: %w", ErrNoResources)
	}

	var txQueue *spscqueue.Queue
	if params.TXQueueRegion != nil {
		txQueue, err = spscqueue.Attach(params.TXQueueRegion)
		if err != nil {
			return fmt.Errorf("session: attaching TX queue: %w", ErrNotReady)
		}
		if int(txQueue.Channels()) != params.PCMChannels {
			return fmt.Errorf("session: TX queue channel count %d != pcmChannels %d: %w", txQueue.Channels(), params.PCMChannels, ErrBadArgument)
		}
	}

	internalRingFrames := nextPow2(numericMax(params.AdaptiveFillBase*4, spscqueue.MinCapacityFrames))
	internalRingBuf := make([]byte, spscqueue.HeaderBytes+int(internalRingFrames)*params.PCMChannels*4)
	internalRing, err := spscqueue.Format(internalRingBuf, uint16(params.PCMChannels), internalRingFrames)
	if err != nil {
		return fmt.Errorf("session: formatting assembler ring: %w", ErrNoResources)
	}

	asm := assembler.New(gen, internalRing, params.SID, params.PCMChannels, params.AM824Slots)

	sytGen, err := syt.NewGenerator(syt.Rate48kHz)
	if err != nil {
		return fmt.Errorf("session: SYT generator: %w", err)
	}

	itPipeline := itaudio.New(asm, sytGen, s.bridge)
	profile := itaudio.Profile{BaseTarget: params.AdaptiveFillBase}
	if err := itPipeline.Configure(txQueue, params.PCMChannels, params.AM824Slots, params.SID, profile); err != nil {
		return fmt.Errorf("session: configuring IT audio pipeline: %w", err)
	}

	var zcBuf *zeroCopyBuffer
	if params.ZeroCopyEnabled {
		zcBuf, err = newZeroCopyBuffer(params.ZeroCopyBuf, params.PCMChannels, params.ZeroCopyCapacityFrames)
		if err != nil {
			return err
		}
		itPipeline.SetZeroCopySource(zcBuf)
	}

	itRecovery := itaudio.NewIsochTxRecoveryController(func() { s.restartIT() })
	itVerifier := itaudio.NewVerifier(s.log, params.AM824Slots, params.PCMChannels, 256, itRecovery)

	itEngine := itengine.New(s.hw.ITContext, s.hw.Controller, s.hw.Barrier, params.Channel, itPipeline)
	if err := itEngine.SetupRings(s.hw.Memory, params.ITPackets); err != nil {
		return fmt.Errorf("session: IT ring setup: %w", ErrNoResources)
	}
	itEngine.SetInjector(itPipeline)
	itEngine.SetCaptureHook(itVerifier)
	itEngine.SetLogger(s.log)

	clockParams := clock.Params{
		PeriodFrames:          params.ClockPeriodFrames,
		SampleRate:            48000,
		Timebase:              params.ClockTimebase,
		ZeroCopyEnabled:       params.ZeroCopyEnabled,
		ZeroCopyFrameCapacity: params.ZeroCopyCapacityFrames,
	}
	clockEngine := clock.New(s.log, s.hw.AudioDevice, clockParams)
	clockEngine.SetRXCorrelationSource(rxQueue)
	if params.ZeroCopyEnabled {
		clockEngine.SetZeroCopyFillSource(zcBuf)
	} else if txQueue != nil {
		clockEngine.SetLegacyTXSource(txQueue)
	}

	// Everything above only touched freshly allocated local state; from
	// here on we start mutating s and the hardware contexts, so failures
	// past this point would need a rollback. ResetForStart/Prime/Run are
	// infallible in this driver's contract, so there is nothing left that
	// can fail before the clockEstablished wait.
	s.params = params
	s.txQueue = txQueue
	s.rxQueue = rxQueue
	s.zeroCopyBuf = zcBuf
	s.itEngine = itEngine
	s.itPipeline = itPipeline
	s.itVerifier = itVerifier
	s.itRecovery = itRecovery
	s.irEngine = irEngine
	s.irPipeline = irPipeline
	s.clockEngine = clockEngine
	s.metricsLast = metricsSnapshot{}

	irEngine.ResetForStart()
	itEngine.ResetForStart()
	itEngine.SeedCycleTracking()
	itPipeline.ResetForStart(profile)
	itPipeline.PrePrimeFromSharedQueue(profile)
	if err := itEngine.Prime(); err != nil {
		return fmt.Errorf("session: priming IT ring: %w", ErrNoResources)
	}

	s.bridge.SetActive(true)
	s.hw.IRContext.SetControlBits(ohci.CtlRun)
	s.hw.ITContext.SetControlBits(ohci.CtlRun)

	s.stopCh = make(chan struct{})
	s.wg = conc.WaitGroup{}
	s.running = true

	s.wg.Go(s.runITWatchdog)
	s.wg.Go(s.runIRPoll)
	s.wg.Go(s.runClockTick)

	return nil
}

// waitClockEstablished polls the external-sync bridge until it reports
// clockEstablished, ctx is cancelled, or timeout elapses.
func (s *Session) waitClockEstablished(ctx context.Context, timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(500 * time.Microsecond)
	defer ticker.Stop()
	for {
		if s.bridge.Snapshot(time.Now()).ClockEstablished {
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SimulateHardware is a test/demo-only hook for sessions backed by
// internal/simhw: it advances the simulated IT command pointer by
// itStepPackets (standing in for the DMA engine consuming that many
// transmit packets) and, if irPayload is non-nil, delivers it as one
// completed IR receive. Real hardware backends never need this — their
// own DMA engine advances on its own between refills/polls. A no-op
// before Start or after Stop.
func (s *Session) SimulateHardware(itStepPackets int, irPayload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if itStepPackets > 0 && s.itEngine != nil {
		s.itEngine.SimulateAdvance(itStepPackets)
	}
	if irPayload != nil && s.irEngine != nil {
		s.irEngine.DeliverTestPacket(irPayload)
	}
}

// Stop idempotently tears the session down: clears the Run bits, stops
// the watchdog/poll/clock loops, deactivates the external-sync bridge, and
// drops the session's queue attachments. Calling Stop on a Session that
// was never started, or calling it twice, is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Session) stopLocked() {
	if !s.running {
		return
	}
	s.hw.ITContext.ClearControlBits(ohci.CtlRun)
	s.hw.IRContext.ClearControlBits(ohci.CtlRun)
	close(s.stopCh)
	s.wg.Wait()
	s.bridge.SetActive(false)
	s.running = false
	s.log.Info("session stopped", logger.String("id", s.id))
}

// restartIT is the recovery controller's RestartFunc: it performs the
// Stop();Start() cycle on the IT ring alone, per spec §4.G's "the ring
// engine is restarted independently of the receive side" recovery
// contract. Called synchronously from within IsochTxRecoveryController.
// Request, itself called from the IT watchdog goroutine, so no additional
// locking is needed against Start/Stop (which take s.mu and would block
// behind the watchdog loop's own s.mu-free hot path — restartIT never
// touches s.mu).
func (s *Session) restartIT() {
	s.hw.ITContext.ClearControlBits(ohci.CtlRun)
	s.itEngine.ResetForStart()
	s.itEngine.SeedCycleTracking()
	profile := itaudio.Profile{BaseTarget: s.params.AdaptiveFillBase}
	s.itPipeline.ResetForStart(profile)
	// ResetForStart zeroes the pipeline's discontinuity count.
	s.metricsLast.itDiscontinuities = 0
	if err := s.itEngine.Prime(); err != nil {
		s.log.Error("IT ring restart failed to reprime", logger.Error(err))
		return
	}
	s.hw.ITContext.SetControlBits(ohci.CtlRun)
	if s.txQueue != nil {
		s.txQueue.ProducerRequestConsumerResync()
	}

	s.recoverySeq++
	s.publishRecovery(s.recoverySeq, uint32(0), false)
}

// runITWatchdog drives the IT ring's refill/verifier-scan cycle at
// watchdogPeriod until Stop closes stopCh (spec §4.G/§4.H's refill cadence).
func (s *Session) runITWatchdog() {
	ticker := time.NewTicker(watchdogPeriod)
	defer ticker.Stop()
	var ticks uint64
	profile := itaudio.Profile{BaseTarget: s.params.AdaptiveFillBase}
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.itPipeline.OnRefillTickPreHW(profile)
			if err := s.itEngine.Refill(); err != nil {
				s.handleITDead(err)
			}
			ticks++
			s.itPipeline.OnPollTick1ms(ticks)
			s.itVerifier.Scan(now)
			s.drainTXMetrics()
		}
	}
}

// runIRPoll drives the IR ring's poll cycle at watchdogPeriod until Stop
// closes stopCh (spec §4.I's poll cadence).
func (s *Session) runIRPoll() {
	ticker := time.NewTicker(watchdogPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			if err := s.irEngine.Poll(now); err != nil {
				s.handleIRDead(err)
			}
			s.drainRXMetrics()
		}
	}
}

// runClockTick drives the audio clock engine, re-arming itself after every
// tick for the buffer period the engine's own params specify (spec §4.K:
// the engine holds no goroutine of its own, so the caller supplies the
// periodic call). A fixed PeriodFrames/SampleRate cadence is used rather
// than dynamically re-arming against ClockTick.NextDeadlineHostTicks — see
// DESIGN.md.
func (s *Session) runClockTick() {
	period := time.Duration(float64(s.params.ClockPeriodFrames) / 48000.0 * float64(time.Second))
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.clockEngine.Tick()
			if s.collector != nil {
				s.collector.SetClockSaturation(s.clockEngine.Saturations())
				s.collector.SetClockDriftRun(s.clockEngine.DriftRun())
			}
		}
	}
}

// handleITDead responds to the IT ring reporting CtlDead: it counts the
// event and requests a fatal recovery through the same controller the
// verifier uses, so the 50ms fatal cooldown and in-flight suppression
// apply uniformly regardless of which detector noticed the fault.
func (s *Session) handleITDead(err error) {
	if s.collector != nil {
		s.collector.ITContextDead()
	}
	s.itRecovery.Request(time.Now(), true)
}

// handleIRDead responds to the IR ring reporting CtlDead by performing its
// own Stop();Start() cycle directly — the receive side has no verifier or
// recovery controller of its own (spec §4.I has no equivalent to §4.G's
// off-path verifier).
func (s *Session) handleIRDead(err error) {
	if s.collector != nil {
		s.collector.IRContextDead()
	}
	s.hw.IRContext.ClearControlBits(ohci.CtlRun)
	s.irEngine.ResetForStart()
	s.hw.IRContext.SetControlBits(ohci.CtlRun)
}

// drainTXMetrics folds the IT pipeline/verifier's current cumulative
// counters into the collector and flight recorder as deltas, and rolls up
// an underrun/discontinuity event when fresh activity is observed.
func (s *Session) drainTXMetrics() {
	if s.collector == nil && s.recorder == nil && s.mqttPub == nil {
		return
	}

	discontinuities := s.itPipeline.Discontinuities()
	underruns := s.itPipeline.UnderrunCount()
	missed := s.itPipeline.MissedPackets()
	findings := s.itVerifier.Findings()
	corrections := s.itPipeline.SYTCorrections()
	disabled := s.itPipeline.Discipline().DisabledEvents()

	if s.collector != nil {
		s.collector.TXDiscontinuity(discontinuities - s.metricsLast.itDiscontinuities)
		s.collector.TXUnderrun(underruns - s.metricsLast.itUnderruns)
		if missed > s.metricsLast.itMissedPackets {
			s.collector.TXCursorReset(missed - s.metricsLast.itMissedPackets)
		}
		s.collector.VerifierFinding(findings - s.metricsLast.verifierFindings)
		for i := uint64(0); i < corrections-s.metricsLast.sytCorrections; i++ {
			s.collector.SYTCorrection()
		}
		for i := uint64(0); i < disabled-s.metricsLast.sytDisabled; i++ {
			s.collector.SYTDisabled()
		}
		s.collector.SetTXAdaptiveFill(s.itPipeline.AdaptiveFillTarget())
	}

	if underruns > s.metricsLast.itUnderruns {
		s.publishUnderrun("tx_underrun", underruns-s.metricsLast.itUnderruns)
	}
	if missed > s.metricsLast.itMissedPackets {
		s.publishUnderrun("cursor_reset", missed-s.metricsLast.itMissedPackets)
	}

	s.metricsLast.itDiscontinuities = discontinuities
	s.metricsLast.itUnderruns = underruns
	s.metricsLast.itMissedPackets = missed
	s.metricsLast.verifierFindings = findings
	s.metricsLast.sytCorrections = corrections
	s.metricsLast.sytDisabled = disabled
}

// drainRXMetrics folds the IR pipeline's cumulative counters into the
// collector and flight recorder, and handles the clockEstablished
// transition event.
func (s *Session) drainRXMetrics() {
	established := s.bridge.Snapshot(time.Now()).ClockEstablished
	if s.collector != nil {
		s.collector.SetRXClockEstablished(established)
	}

	errs := s.irPipeline.ErrorCount()
	discontinuities := s.irPipeline.Discontinuities()
	oversized := s.irPipeline.OversizedDropped()
	lat := s.irEngine.Latency()

	if s.collector != nil {
		s.collector.RXError(errs - s.metricsLast.rxErrors)
		s.collector.RXDiscontinuity(discontinuities - s.metricsLast.rxDiscontinuities)
		s.collector.RXOversizedDropped(oversized - s.metricsLast.rxOversized)
		s.collector.RecordIRLatencyBucket(lat.Under100us, lat.Under500us, lat.Under1ms, lat.Over1ms)
	}

	if discontinuities > s.metricsLast.rxDiscontinuities {
		s.publishUnderrun("rx_discontinuity", discontinuities-s.metricsLast.rxDiscontinuities)
	}

	s.metricsLast.rxErrors = errs
	s.metricsLast.rxDiscontinuities = discontinuities
	s.metricsLast.rxOversized = oversized
}

func (s *Session) publishRecovery(seq uint64, reasonMask uint32, fatal bool) {
	now := time.Now()
	if s.recorder != nil {
		_ = s.recorder.RecordRecovery(&database.RecoveryEvent{
			SessionID:  s.id,
			Sequence:   seq,
			ReasonMask: reasonMask,
			Fatal:      fatal,
			Occurred:   now,
		})
	}
	if s.mqttPub != nil {
		_ = s.mqttPub.PublishRecovery(mqtt.RecoveryEvent{
			SessionID:  s.id,
			Sequence:   seq,
			ReasonMask: reasonMask,
			Fatal:      fatal,
			Timestamp:  now,
		})
	}
	if s.collector != nil {
		s.collector.RecoveryGranted()
	}
}

func (s *Session) publishUnderrun(kind string, count uint64) {
	now := time.Now()
	if s.recorder != nil {
		_ = s.recorder.RecordUnderrun(&database.UnderrunEvent{
			SessionID: s.id,
			Kind:      kind,
			Count:     count,
			Occurred:  now,
		})
	}
	if s.mqttPub != nil {
		_ = s.mqttPub.PublishUnderrun(mqtt.UnderrunEvent{
			SessionID: s.id,
			Kind:      kind,
			Count:     count,
			Timestamp: now,
		})
	}
}

func numericMax(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// nextPow2 rounds v up to the next power of two, never returning less than
// spscqueue.MinCapacityFrames.
func nextPow2(v uint32) uint32 {
	n := uint32(spscqueue.MinCapacityFrames)
	for n < v {
		n <<= 1
	}
	return n
}
