package session

import "errors"

// Fatal configuration-fault kinds returned by Start (spec §7). Callers
// should use errors.Is against these sentinels rather than matching
// message text.
var (
	// ErrNotReady is returned when required shared-memory metadata is
	// missing or does not decode (no formatted TX/RX queue header).
	ErrNotReady = errors.New("session: not ready")
	// ErrTimeout is returned when the SYT external-sync clock does not
	// reach established within the start deadline.
	ErrTimeout = errors.New("session: timeout")
	// ErrNoResources is returned when a DMA or shared-memory allocation
	// fails (out-of-range IOVA, misaligned region, undersized buffer).
	ErrNoResources = errors.New("session: no resources")
	// ErrBadArgument is returned for malformed start parameters.
	ErrBadArgument = errors.New("session: bad argument")
	// ErrUnsupported is returned when a requested configuration (e.g. a
	// sample rate) has no implementation.
	ErrUnsupported = errors.New("session: unsupported")
	// ErrAlreadyRunning is returned by Start on a session that is already
	// running, and by Stop is never returned (Stop is idempotent).
	ErrAlreadyRunning = errors.New("session: already running")
	// ErrNotRunning is returned by operations that require a running
	// session.
	ErrNotRunning = errors.New("session: not running")
)
