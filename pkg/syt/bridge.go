package syt

import (
	"sync/atomic"
	"time"
)

// Bit-exact packing and constants from spec §6.
const (
	// FDF48k is the Format-Dependent Field value for 48 kHz AM824.
	FDF48k byte = 0x02
	// kEstablishValidUpdates is the number of consecutive valid RX
	// samples required before the bridge's clock is considered
	// established.
	kEstablishValidUpdates = 16
	// staleAfter is how long a bridge update may go unrefreshed before
	// the bridge is considered stale and its established clock is
	// implicitly cleared.
	staleAfter = 100 * time.Millisecond
)

// pack bit-packs (syt, fdf, dbs) into the wire form consumed by IT SYT
// generation: packedRx = (syt<<16) | (fdf<<8) | dbs.
func pack(sampleSYT uint16, fdf, dbs byte) uint32 {
	return uint32(sampleSYT)<<16 | uint32(fdf)<<8 | uint32(dbs)
}

// Unpack reverses pack, mainly for tests and diagnostics.
func Unpack(packed uint32) (sampleSYT uint16, fdf, dbs byte) {
	return uint16(packed >> 16), byte(packed >> 8), byte(packed)
}

// Bridge is the shared-state record through which the receive pipeline
// (J, the sole writer) informs the transmit SYT discipline (D, the sole
// reader) of the device's most recently observed SYT/FDF/DBS. All fields
// are accessed with atomics: writes use release ordering semantics
// (Store), reads use acquire (Load), matching the producer/consumer
// discipline of spec §5.
type Bridge struct {
	active          atomic.Bool
	established     atomic.Bool
	updateSeq       atomic.Uint32
	lastPackedRx    atomic.Uint32
	lastUpdateNanos atomic.Int64
}

// NewBridge returns an inactive, unestablished Bridge.
func NewBridge() *Bridge {
	return &Bridge{}
}

// SetActive marks the bridge active or inactive. Going inactive
// immediately clears the established-clock flag, per spec §3's invariant.
func (b *Bridge) SetActive(active bool) {
	b.active.Store(active)
	if !active {
		b.established.Store(false)
	}
}

// UpdateRX records a freshly observed RX CIP sample. now is the host
// monotonic-ish timestamp at which the sample was observed.
func (b *Bridge) UpdateRX(sampleSYT uint16, fdf, dbs byte, now time.Time) {
	b.lastPackedRx.Store(pack(sampleSYT, fdf, dbs))
	b.lastUpdateNanos.Store(now.UnixNano())
	b.updateSeq.Add(1)
}

// MarkClockEstablished is called by the RX pipeline exactly once, after it
// has observed kEstablishValidUpdates consecutive valid samples.
func (b *Bridge) MarkClockEstablished() {
	b.established.Store(true)
}

// State is a consistent read-only snapshot of the bridge as observed at
// one instant.
type State struct {
	Active              bool
	ClockEstablished    bool
	LastPackedRx        uint32
	UpdateSeq           uint32
	LastUpdateHostNanos int64
}

// Snapshot reads the bridge's current state as of now. ClockEstablished
// reflects the invariant of spec §3: it reads false whenever the bridge
// is inactive or its last update is older than 100ms, even if the
// producer's internal established flag is still set — the staleness
// check is applied lazily here rather than by having the reader mutate
// shared state.
func (b *Bridge) Snapshot(now time.Time) State {
	active := b.active.Load()
	lastNanos := b.lastUpdateNanos.Load()
	stale := lastNanos == 0 || now.Sub(time.Unix(0, lastNanos)) > staleAfter

	established := b.established.Load() && active && !stale

	return State{
		Active:              active,
		ClockEstablished:    established,
		LastPackedRx:        b.lastPackedRx.Load(),
		UpdateSeq:           b.updateSeq.Load(),
		LastUpdateHostNanos: lastNanos,
	}
}
