// Package simhw is a pure-software stand-in for the OHCI register ABI
// (pkg/ohci) and the host audio device ABI (pkg/clock) the core consumes,
// modelled on the original driver's SimITEngineTests harness (spec
// EXPANSION 4): descriptor/payload memory is backed by plain Go slices,
// "hardware" state is advanced explicitly by test code instead of an
// IRQ, and time is supplied by the caller rather than read from a real
// clock.
package simhw

import (
	"fmt"
	"sync/atomic"

	"github.com/dbehnke/fwaudio-core/pkg/ohci"
)

// Memory is a bump-allocating ohci.MemoryProvider. Regions are never
// reused within one Memory instance's lifetime, matching the core's
// no-allocation-after-start discipline (spec §5): everything is sized and
// allocated once at configure time.
type Memory struct {
	next uint32
}

// NewMemory returns a Memory provider whose first allocation lands at a
// 4KiB-aligned IOVA.
func NewMemory() *Memory {
	return &Memory{next: ohci.PageBytes}
}

func (m *Memory) alloc(size, align int) (ohci.Region, error) {
	if err := ohci.RequireAligned(size, align); err != nil {
		return ohci.Region{}, err
	}
	base := (m.next + uint32(align-1)) &^ uint32(align-1)
	if err := ohci.Check32BitIOVA(uint64(base), uint64(size)); err != nil {
		return ohci.Region{}, err
	}
	m.next = base + uint32(size)
	return ohci.Region{Bytes: make([]byte, size), IOVA: base}, nil
}

func (m *Memory) AllocDescriptorRegion(size int) (ohci.Region, error) {
	return m.alloc(size, ohci.PageBytes)
}

func (m *Memory) AllocPayloadRegion(size int) (ohci.Region, error) {
	return m.alloc(size, 16)
}

func (m *Memory) Free(ohci.Region) {}

var _ ohci.MemoryProvider = (*Memory)(nil)

// Barrier is a no-op publish/fetch barrier: simhw runs everything in one
// process with Go's memory model already providing the needed ordering
// via the atomics Context/Controller use internally.
type Barrier struct{}

func (Barrier) PublishToDevice() {}
func (Barrier) FetchFromDevice() {}

var _ ohci.Barrier = Barrier{}

// Context is a simulated OHCI isochronous context register set: an
// atomically-updated ContextControl word and CommandPtr register, plus a
// test-only hook to simulate hardware consuming descriptors. The hook only
// stores CommandPtr and sets Active; it writes no descriptor status word.
type Context struct {
	control atomic.Uint32
	cmdPtr  atomic.Uint32
}

func (c *Context) Control() ohci.ContextControl {
	return ohci.ContextControl(c.control.Load())
}

func (c *Context) SetControlBits(bits ohci.ContextControl) {
	c.control.Or(uint32(bits))
}

func (c *Context) ClearControlBits(bits ohci.ContextControl) {
	c.control.And(^uint32(bits))
}

func (c *Context) CommandPtr() uint32 {
	return c.cmdPtr.Load()
}

func (c *Context) SetCommandPtr(v uint32) {
	c.cmdPtr.Store(v)
}

// SimulateHardwareAdvance is a test-only hook standing in for the DMA
// engine consuming descriptors: it sets Active, advances CommandPtr to
// cmdPtr, and (unless dead is requested separately via MarkDead) leaves
// Run/Dead untouched.
func (c *Context) SimulateHardwareAdvance(cmdPtr uint32) {
	c.cmdPtr.Store(cmdPtr)
	c.SetControlBits(ohci.CtlActive)
}

// MarkDead simulates a hardware-reported context fault.
func (c *Context) MarkDead() {
	c.SetControlBits(ohci.CtlDead)
}

var _ ohci.Context = (*Context)(nil)

// Controller is a simulated OHCI controller: a free-running cycle
// counter (advanced explicitly by test code) and an interrupt-event
// sink.
type Controller struct {
	cycle atomic.Uint32
}

// NewController returns a Controller with its cycle timer at zero.
func NewController() *Controller {
	return &Controller{}
}

func (c *Controller) CycleTimer() uint32 {
	return c.cycle.Load() << 12
}

func (c *Controller) IntEventClear(bits uint32) {}

// AdvanceCycle moves the simulated cycle counter forward by n cycles
// (mod 8000), the test-driven equivalent of 125µs bus ticks elapsing.
func (c *Controller) AdvanceCycle(n uint32) {
	for {
		old := c.cycle.Load()
		next := (old + n) % 8000
		if c.cycle.CompareAndSwap(old, next) {
			return
		}
	}
}

var _ ohci.Controller = (*Controller)(nil)

// ErrNotFound is returned when a requested context index doesn't exist.
var ErrNotFound = fmt.Errorf("simhw: context index out of range")
