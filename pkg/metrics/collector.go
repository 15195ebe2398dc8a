// Package metrics exposes the per-kind runtime counters spec §7 requires
// ("Observable behaviour": per-kind counters via the core's runtime-counter
// interface; every restart logs its consumed reason mask and a sequence
// id; underruns/discontinuities are rate-limited in logs but always
// counted in totals).
package metrics

import "sync"

// Collector accumulates the core's runtime counters across one or more
// duplex sessions. All methods are safe for concurrent use.
type Collector struct {
	mu sync.RWMutex

	// TX audio pipeline (spec §4.H).
	txUnderruns        uint64
	txDiscontinuities  uint64
	txCursorResets     uint64
	txMissedPackets    uint64
	txPendingResyncs   uint64
	txAdaptiveFill     uint32
	verifierFindings   uint64
	recoveriesGranted  uint64
	recoveriesSuppress uint64
	itDeadEvents       uint64
	itWakeEvents       uint64

	// RX audio pipeline (spec §4.J).
	rxErrors            uint64
	rxDiscontinuities   uint64
	rxOversizedDrop     uint64
	rxClockEstablished  bool
	irDeadEvents        uint64
	irLatencyUnder100us uint64
	irLatencyUnder500us uint64
	irLatencyUnder1ms   uint64
	irLatencyOver1ms    uint64

	// External-sync discipline (spec §4.D).
	sytCorrections    uint64
	sytDisabledEvents uint64

	// Clock engine (spec §4.K).
	clockSaturations uint64
	clockDriftRun    int
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// TXUnderrun records one assembler-ring or zero-copy TX underrun.
func (c *Collector) TXUnderrun(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txUnderruns += n
}

// TXDiscontinuity records one produced-packet DBC discontinuity.
func (c *Collector) TXDiscontinuity(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txDiscontinuities += n
}

// TXCursorReset records one audio-injection-cursor snap-forward event.
func (c *Collector) TXCursorReset(missed uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txCursorResets++
	c.txMissedPackets += missed
}

// TXPendingResync records one applied TX consumer resync.
func (c *Collector) TXPendingResync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txPendingResyncs++
}

// SetTXAdaptiveFill records the pipeline's current adaptive fill target.
func (c *Collector) SetTXAdaptiveFill(frames uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txAdaptiveFill = frames
}

// VerifierFinding records n verifier findings.
func (c *Collector) VerifierFinding(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifierFindings += n
}

// RecoveryGranted records one granted IT engine restart.
func (c *Collector) RecoveryGranted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recoveriesGranted++
}

// RecoverySuppressed records one cooldown/in-flight-suppressed recovery
// request.
func (c *Collector) RecoverySuppressed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recoveriesSuppress++
}

// ITContextDead records one observed CtlDead event on the IT context.
func (c *Collector) ITContextDead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.itDeadEvents++
}

// ITWake records one issued Wake on the IT context.
func (c *Collector) ITWake() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.itWakeEvents++
}

// RXError records one CIP decode failure.
func (c *Collector) RXError(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rxErrors += n
}

// RXDiscontinuity records one received-packet DBC discontinuity.
func (c *Collector) RXDiscontinuity(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rxDiscontinuities += n
}

// RXOversizedDropped records one packet skipped for an oversized wire DBS.
func (c *Collector) RXOversizedDropped(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rxOversizedDrop += n
}

// SetRXClockEstablished records the external-sync bridge's current
// clockEstablished state.
func (c *Collector) SetRXClockEstablished(established bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rxClockEstablished = established
}

// IRContextDead records one observed CtlDead event on the IR context.
func (c *Collector) IRContextDead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irDeadEvents++
}

// RecordIRLatencyBucket folds one irengine.LatencyHistogram snapshot into
// the collector's cumulative view.
func (c *Collector) RecordIRLatencyBucket(under100us, under500us, under1ms, over1ms uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irLatencyUnder100us = under100us
	c.irLatencyUnder500us = under500us
	c.irLatencyUnder1ms = under1ms
	c.irLatencyOver1ms = over1ms
}

// SYTCorrection records one ±1 tick external-sync correction.
func (c *Collector) SYTCorrection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sytCorrections++
}

// SYTDisabled records one external-sync discipline disable/reset event.
func (c *Collector) SYTDisabled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sytDisabledEvents++
}

// SetClockSaturation records the clock engine's cumulative clamp-saturated
// tick count.
func (c *Collector) SetClockSaturation(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clockSaturations = n
}

// SetClockDriftRun records the clock engine's current monotone-drift run
// length.
func (c *Collector) SetClockDriftRun(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clockDriftRun = n
}

// Snapshot is a point-in-time copy of every counter, safe to marshal or
// hand to a diagnostics consumer without holding the collector's lock.
type Snapshot struct {
	TXUnderruns        uint64 `json:"tx_underruns"`
	TXDiscontinuities  uint64 `json:"tx_discontinuities"`
	TXCursorResets     uint64 `json:"tx_cursor_resets"`
	TXMissedPackets    uint64 `json:"tx_missed_packets"`
	TXPendingResyncs   uint64 `json:"tx_pending_resyncs"`
	TXAdaptiveFill     uint32 `json:"tx_adaptive_fill"`
	VerifierFindings   uint64 `json:"verifier_findings"`
	RecoveriesGranted  uint64 `json:"recoveries_granted"`
	RecoveriesSuppress uint64 `json:"recoveries_suppressed"`
	ITDeadEvents       uint64 `json:"it_dead_events"`
	ITWakeEvents       uint64 `json:"it_wake_events"`

	RXErrors           uint64 `json:"rx_errors"`
	RXDiscontinuities  uint64 `json:"rx_discontinuities"`
	RXOversizedDropped uint64 `json:"rx_oversized_dropped"`
	RXClockEstablished bool   `json:"rx_clock_established"`
	IRDeadEvents       uint64 `json:"ir_dead_events"`
	IRLatencyU100us    uint64 `json:"ir_latency_under_100us"`
	IRLatencyU500us    uint64 `json:"ir_latency_under_500us"`
	IRLatencyU1ms      uint64 `json:"ir_latency_under_1ms"`
	IRLatencyOver1ms   uint64 `json:"ir_latency_over_1ms"`

	SYTCorrections    uint64 `json:"syt_corrections"`
	SYTDisabledEvents uint64 `json:"syt_disabled_events"`

	ClockSaturations uint64 `json:"clock_saturations"`
	ClockDriftRun    int    `json:"clock_drift_run"`
}

// Snapshot returns a consistent copy of every counter.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		TXUnderruns:        c.txUnderruns,
		TXDiscontinuities:  c.txDiscontinuities,
		TXCursorResets:     c.txCursorResets,
		TXMissedPackets:    c.txMissedPackets,
		TXPendingResyncs:   c.txPendingResyncs,
		TXAdaptiveFill:     c.txAdaptiveFill,
		VerifierFindings:   c.verifierFindings,
		RecoveriesGranted:  c.recoveriesGranted,
		RecoveriesSuppress: c.recoveriesSuppress,
		ITDeadEvents:       c.itDeadEvents,
		ITWakeEvents:       c.itWakeEvents,

		RXErrors:           c.rxErrors,
		RXDiscontinuities:  c.rxDiscontinuities,
		RXOversizedDropped: c.rxOversizedDrop,
		RXClockEstablished: c.rxClockEstablished,
		IRDeadEvents:       c.irDeadEvents,
		IRLatencyU100us:    c.irLatencyUnder100us,
		IRLatencyU500us:    c.irLatencyUnder500us,
		IRLatencyU1ms:      c.irLatencyUnder1ms,
		IRLatencyOver1ms:   c.irLatencyOver1ms,

		SYTCorrections:    c.sytCorrections,
		SYTDisabledEvents: c.sytDisabledEvents,

		ClockSaturations: c.clockSaturations,
		ClockDriftRun:    c.clockDriftRun,
	}
}

// Reset zeroes every counter. Used between test runs and by a fresh
// session start.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txUnderruns, c.txDiscontinuities, c.txCursorResets, c.txMissedPackets, c.txPendingResyncs = 0, 0, 0, 0, 0
	c.txAdaptiveFill = 0
	c.verifierFindings, c.recoveriesGranted, c.recoveriesSuppress, c.itDeadEvents, c.itWakeEvents = 0, 0, 0, 0, 0
	c.rxErrors, c.rxDiscontinuities, c.rxOversizedDrop, c.irDeadEvents = 0, 0, 0, 0
	c.rxClockEstablished = false
	c.irLatencyUnder100us, c.irLatencyUnder500us, c.irLatencyUnder1ms, c.irLatencyOver1ms = 0, 0, 0, 0
	c.sytCorrections, c.sytDisabledEvents, c.clockSaturations = 0, 0, 0
	c.clockDriftRun = 0
}
