// Package cadence implements the per-cycle packet/NO-DATA schedule for
// 48 kHz IEC 61883-6 audio, in both blocking and non-blocking modes.
package cadence

// Generator produces the per-cycle DATA/NO-DATA decision and sample count
// for one isochronous transmit stream.
type Generator interface {
	// NextIsData reports whether the current cycle carries a DATA packet.
	NextIsData() bool
	// SamplesThisCycle returns the number of PCM frames the current cycle
	// carries (0 for NO-DATA).
	SamplesThisCycle() uint32
	// Advance moves the generator to the next cycle.
	Advance()
	// Reset returns the generator to its initial cycle.
	Reset()
}

// Blocking48k implements the 48 kHz blocking-mode cadence: 6 DATA packets
// of 8 frames plus 2 NO-DATA packets per 8-cycle window, averaging
// 48 000 samples/s.
type Blocking48k struct {
	cycle uint64
}

// NewBlocking48k returns a Blocking48k generator at cycle 0.
func NewBlocking48k() *Blocking48k {
	return &Blocking48k{}
}

func (g *Blocking48k) NextIsData() bool {
	return g.cycle%4 != 0
}

func (g *Blocking48k) SamplesThisCycle() uint32 {
	if g.NextIsData() {
		return 8
	}
	return 0
}

func (g *Blocking48k) Advance() {
	g.cycle++
}

func (g *Blocking48k) Reset() {
	g.cycle = 0
}

// NonBlocking48k implements the 48 kHz non-blocking-mode cadence: every
// cycle is a DATA packet of 6 frames.
type NonBlocking48k struct{}

// NewNonBlocking48k returns a NonBlocking48k generator.
func NewNonBlocking48k() *NonBlocking48k {
	return &NonBlocking48k{}
}

func (g *NonBlocking48k) NextIsData() bool        { return true }
func (g *NonBlocking48k) SamplesThisCycle() uint32 { return 6 }
func (g *NonBlocking48k) Advance()                 {}
func (g *NonBlocking48k) Reset()                   {}

var (
	_ Generator = (*Blocking48k)(nil)
	_ Generator = (*NonBlocking48k)(nil)
)
