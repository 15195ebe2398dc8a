package session

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// zeroCopyBuffer wraps a caller-supplied shared-memory region as a fixed-
// capacity ring of interleaved int32 PCM frames, read by the IT audio
// pipeline's injector (assembler.ZeroCopySource) and regulated against by
// the clock engine's zero-copy PI loop (clock.FillSource). Unlike
// pkg/spscqueue, this ring carries no header: its geometry is the
// zeroCopyBase/bytes/frames triple handed to Start (spec §6), and the
// write side is the real-time audio callback outside this module's
// boundary — WriteFrames stands in for that producer in tests and the
// demo command.
type zeroCopyBuffer struct {
	data     []int32
	channels int
	capacity uint32

	writeIndex atomic.Uint32
	readIndex  atomic.Uint32
}

// newZeroCopyBuffer reinterprets buf in place as capacityFrames frames of
// channels interleaved int32 samples.
func newZeroCopyBuffer(buf []byte, channels int, capacityFrames uint32) (*zeroCopyBuffer, error) {
	need := int(capacityFrames) * channels * 4
	if len(buf) < need {
		return nil, fmt.Errorf("session: zero-copy buffer needs %d bytes, have %d: %w", need, len(buf), ErrNoResources)
	}
	if capacityFrames == 0 || channels <= 0 {
		return nil, fmt.Errorf("session: zero-copy buffer geometry %d frames x %d channels: %w", capacityFrames, channels, ErrBadArgument)
	}
	ptr := (*int32)(unsafe.Pointer(&buf[0]))
	data := unsafe.Slice(ptr, int(capacityFrames)*channels)
	return &zeroCopyBuffer{data: data, channels: channels, capacity: capacityFrames}, nil
}

// Capacity implements assembler.ZeroCopySource.
func (z *zeroCopyBuffer) Capacity() uint32 { return z.capacity }

// ReadAt implements assembler.ZeroCopySource: it copies up to
// len(dst)/channels frames starting at frameIndex (wrapped modulo
// capacity) and advances the tracked read cursor for Pending.
func (z *zeroCopyBuffer) ReadAt(frameIndex uint32, dst []int32, channels int) uint32 {
	n := uint32(len(dst)) / uint32(channels)
	if n > z.capacity {
		n = z.capacity
	}
	for i := uint32(0); i < n; i++ {
		src := (frameIndex + i) % z.capacity
		copy(dst[i*uint32(channels):(i+1)*uint32(channels)], z.data[src*uint32(z.channels):(src+1)*uint32(z.channels)])
	}
	z.readIndex.Store(frameIndex + n)
	return n
}

// WriteFrames copies frames whole frames from src into the ring at the
// current write cursor and advances it, standing in for the real-time
// audio callback that owns this buffer's producer side outside the core.
func (z *zeroCopyBuffer) WriteFrames(src []int32, frames uint32) uint32 {
	n := frames
	if uint32(len(src)) < n*uint32(z.channels) {
		n = uint32(len(src)) / uint32(z.channels)
	}
	wi := z.writeIndex.Load()
	for i := uint32(0); i < n; i++ {
		dst := (wi + i) % z.capacity
		copy(z.data[dst*uint32(z.channels):(dst+1)*uint32(z.channels)], src[i*uint32(z.channels):(i+1)*uint32(z.channels)])
	}
	z.writeIndex.Store(wi + n)
	return n
}

// Pending implements clock.FillSource: the frames written but not yet
// read by the injector, clamped to capacity.
func (z *zeroCopyBuffer) Pending() uint32 {
	used := z.writeIndex.Load() - z.readIndex.Load()
	if used > z.capacity {
		return z.capacity
	}
	return used
}
