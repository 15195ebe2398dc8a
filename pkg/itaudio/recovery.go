package itaudio

import "time"

// RecoveryCooldownFatal and RecoveryCooldownNonFatal are the minimum
// intervals between granted recoveries, per spec §5 ("50 ms fatal /
// 200 ms non-fatal").
const (
	RecoveryCooldownFatal    = 50 * time.Millisecond
	RecoveryCooldownNonFatal = 200 * time.Millisecond
)

// RestartFunc performs the actual Stop();Start() cycle on the IT engine
// when a recovery is granted.
type RestartFunc func()

// IsochTxRecoveryController rate-limits and de-duplicates restart
// requests raised by the verifier, granting at most one per cooldown
// window and suppressing any that arrive while a prior recovery is still
// considered in flight.
type IsochTxRecoveryController struct {
	restart RestartFunc

	lastGranted  time.Time
	inFlight     bool
	granted      uint64
	suppressed   uint64
}

// NewIsochTxRecoveryController returns a controller that invokes restart
// when a recovery is granted. restart may be nil for tests that only want
// to observe Request's return value.
func NewIsochTxRecoveryController(restart RestartFunc) *IsochTxRecoveryController {
	return &IsochTxRecoveryController{restart: restart}
}

// Request asks for a recovery at time now. fatal selects the shorter
// cooldown. It returns true iff the recovery was granted (and restart, if
// set, has already been invoked); false if suppressed by an in-flight
// recovery or an unexpired cooldown.
func (c *IsochTxRecoveryController) Request(now time.Time, fatal bool) bool {
	if c.inFlight {
		c.suppressed++
		return false
	}
	cooldown := RecoveryCooldownNonFatal
	if fatal {
		cooldown = RecoveryCooldownFatal
	}
	if !c.lastGranted.IsZero() && now.Sub(c.lastGranted) < cooldown {
		c.suppressed++
		return false
	}

	c.inFlight = true
	c.lastGranted = now
	c.granted++
	if c.restart != nil {
		c.restart()
	}
	c.inFlight = false
	return true
}

// Granted returns the number of recoveries actually performed.
func (c *IsochTxRecoveryController) Granted() uint64 { return c.granted }

// Suppressed returns the number of requests rejected by the cooldown or
// in-flight guard.
func (c *IsochTxRecoveryController) Suppressed() uint64 { return c.suppressed }
