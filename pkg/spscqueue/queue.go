package spscqueue

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrBadMagic is returned by Attach when the region's magic word does
	// not match Magic.
	ErrBadMagic = errors.New("spscqueue: bad magic")
	// ErrBadVersion is returned by Attach when the region's version field
	// is not one this package understands.
	ErrBadVersion = errors.New("spscqueue: unsupported version")
	// ErrTooSmall is returned when the backing region is smaller than the
	// header plus the advertised payload.
	ErrTooSmall = errors.New("spscqueue: region too small")
)

// Queue is a handle onto a shared memory region laid out per layout.go.
// A producer and a consumer each Attach their own Queue over the same
// backing slice; the handle itself is not safe to share between
// goroutines, but two independent handles over the same region are safe
// for one producer and one consumer to use concurrently.
type Queue struct {
	buf            []byte
	channels       uint32
	capacityFrames uint32
	mask           uint32
	dataOffset     uint32

	// lastObservedEpoch is private per-handle state used by the consumer
	// side of ConsumerApplyPendingResync; it is never written by the
	// producer side.
	lastObservedEpoch uint32
}

// Format initializes a fresh region for the given geometry and returns a
// Queue handle attached to it. capacityFrames must be a power of two in
// [MinCapacityFrames, MaxCapacityFrames]; channels must be in
// [MinChannels, MaxChannels].
func Format(buf []byte, channels uint16, capacityFrames uint32) (*Queue, error) {
	if channels < MinChannels || channels > MaxChannels {
		return nil, fmt.Errorf("spscqueue: channels %d out of range [%d,%d]", channels, MinChannels, MaxChannels)
	}
	if !isPowerOfTwo(capacityFrames) || capacityFrames < MinCapacityFrames || capacityFrames > MaxCapacityFrames {
		return nil, fmt.Errorf("spscqueue: capacityFrames %d must be a power of two in [%d,%d]", capacityFrames, MinCapacityFrames, MaxCapacityFrames)
	}
	frameStride := uint32(channels) * 4
	needed := HeaderBytes + uint64(capacityFrames)*uint64(frameStride)
	if uint64(len(buf)) < needed {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTooSmall, needed, len(buf))
	}

	putLE32(buf, offMagic, Magic)
	putLE32(buf, offVersion, Version)
	putLE32(buf, offChannels, uint32(channels))
	putLE32(buf, offCapacityFrames, capacityFrames)
	putLE32(buf, offFrameStride, frameStride)
	putLE32(buf, offDataOffset, HeaderBytes)
	putLE32(buf, offControlEpoch, 0)
	putLE32(buf, offZeroCopyPhaseFrames, 0)
	putLE32(buf, offWriteIndexFrames, 0)
	putLE32(buf, offReadIndexFrames, 0)
	putLE32(buf, offCorrHostNanosPerSampleQ8, 0)

	return Attach(buf)
}

// Attach validates an existing region's header and returns a Queue handle
// over it. Two independent Attach calls over the same []byte (or over two
// slices backed by the same shared memory mapping) produce independent
// handles suitable for one producer side and one consumer side.
func Attach(buf []byte) (*Queue, error) {
	if len(buf) < HeaderBytes {
		return nil, fmt.Errorf("%w: region smaller than header (%d bytes)", ErrTooSmall, len(buf))
	}
	if got := le32(buf, offMagic); got != Magic {
		return nil, fmt.Errorf("%w: got %#x, want %#x", ErrBadMagic, got, Magic)
	}
	if got := le32(buf, offVersion); got != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadVersion, got, Version)
	}
	channels := le32(buf, offChannels)
	capacityFrames := le32(buf, offCapacityFrames)
	frameStride := le32(buf, offFrameStride)
	dataOffset := le32(buf, offDataOffset)

	if channels < MinChannels || channels > MaxChannels {
		return nil, fmt.Errorf("spscqueue: channels %d out of range", channels)
	}
	if !isPowerOfTwo(capacityFrames) || capacityFrames < MinCapacityFrames || capacityFrames > MaxCapacityFrames {
		return nil, fmt.Errorf("spscqueue: capacityFrames %d invalid", capacityFrames)
	}
	if frameStride != channels*4 {
		return nil, fmt.Errorf("spscqueue: frameStrideBytes %d inconsistent with channels %d", frameStride, channels)
	}
	needed := uint64(dataOffset) + uint64(capacityFrames)*uint64(frameStride)
	if uint64(len(buf)) < needed {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTooSmall, needed, len(buf))
	}

	return &Queue{
		buf:            buf,
		channels:       channels,
		capacityFrames: capacityFrames,
		mask:           capacityFrames - 1,
		dataOffset:     dataOffset,
	}, nil
}

// CapacityFrames returns the queue's fixed depth, in frames.
func (q *Queue) CapacityFrames() uint32 { return q.capacityFrames }

// Channels returns the number of interleaved int32 samples per frame.
func (q *Queue) Channels() uint32 { return q.channels }

func (q *Queue) atomic32(off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&q.buf[off]))
}

func (q *Queue) writeIndex() uint32 { return atomic.LoadUint32(q.atomic32(offWriteIndexFrames)) }
func (q *Queue) readIndex() uint32  { return atomic.LoadUint32(q.atomic32(offReadIndexFrames)) }

func (q *Queue) setWriteIndex(v uint32) { atomic.StoreUint32(q.atomic32(offWriteIndexFrames), v) }
func (q *Queue) setReadIndex(v uint32)  { atomic.StoreUint32(q.atomic32(offReadIndexFrames), v) }

// payload returns the raw int32 sample storage as a Go slice, reinterpreted
// in place over the backing buffer (zero-copy).
func (q *Queue) payload() []int32 {
	n := int(q.capacityFrames) * int(q.channels)
	ptr := (*int32)(unsafe.Pointer(&q.buf[q.dataOffset]))
	return unsafe.Slice(ptr, n)
}

// frameSlot returns the payload slice for one frame at the given frame
// index (already masked into range).
func (q *Queue) frameSlot(frameIndex uint32) []int32 {
	p := q.payload()
	start := int(frameIndex&q.mask) * int(q.channels)
	return p[start : start+int(q.channels)]
}

// ReadIndexFrames returns the consumer's raw cumulative read cursor (not
// masked to the ring), for callers that need to derive a zero-copy read
// position alongside ZeroCopyPhaseFrames (§4.H).
func (q *Queue) ReadIndexFrames() uint32 { return q.readIndex() }

// Available reports how many frames the producer may currently write
// without overrunning the consumer.
func (q *Queue) Available() uint32 {
	used := q.writeIndex() - q.readIndex()
	return q.capacityFrames - used
}

// Pending reports how many frames the consumer may currently read.
func (q *Queue) Pending() uint32 {
	return q.writeIndex() - q.readIndex()
}

// Write copies up to frames whole frames from src (interleaved, channels
// samples per frame) into the queue and publishes them. It returns the
// number of frames actually written, which is less than frames when the
// queue does not have enough free space or src holds fewer whole frames.
func (q *Queue) Write(src []int32, frames uint32) uint32 {
	toWrite := frames
	if avail := q.Available(); toWrite > avail {
		toWrite = avail
	}
	if uint32(len(src)) < toWrite*q.channels {
		toWrite = uint32(len(src)) / q.channels
	}
	if toWrite == 0 {
		return 0
	}
	wi := q.writeIndex()
	for i := uint32(0); i < toWrite; i++ {
		dst := q.frameSlot(wi + i)
		copy(dst, src[i*q.channels:(i+1)*q.channels])
	}
	q.setWriteIndex(wi + toWrite)
	return toWrite
}

// Read copies up to frames whole frames out of the queue into dst and
// advances the read index. It returns the number of frames actually read.
func (q *Queue) Read(dst []int32, frames uint32) uint32 {
	toRead := frames
	if pending := q.Pending(); toRead > pending {
		toRead = pending
	}
	if uint32(len(dst)) < toRead*q.channels {
		toRead = uint32(len(dst)) / q.channels
	}
	if toRead == 0 {
		return 0
	}
	ri := q.readIndex()
	for i := uint32(0); i < toRead; i++ {
		src := q.frameSlot(ri + i)
		copy(dst[i*q.channels:(i+1)*q.channels], src)
	}
	q.setReadIndex(ri + toRead)
	return toRead
}

// ZeroCopyWriteSlot returns a direct slice onto the next free frame slot
// for in-place production (e.g. decoding AM824 samples straight into
// queue storage). The caller must follow up with PublishFrames once it
// has written n contiguous slots this way.
func (q *Queue) ZeroCopyWriteSlot(frameOffset uint32) []int32 {
	return q.frameSlot(q.writeIndex() + frameOffset)
}

// ZeroCopyReadSlot returns a direct slice onto a pending frame without
// copying it out, for in-place consumption ahead of ConsumeFrames.
func (q *Queue) ZeroCopyReadSlot(frameOffset uint32) []int32 {
	return q.frameSlot(q.readIndex() + frameOffset)
}

// PublishFrames advances the write index by n frames that the producer
// has already placed directly via ZeroCopyWriteSlot, and records how many
// of the most recent publish were written via the zero-copy path.
func (q *Queue) PublishFrames(n uint32) {
	q.setWriteIndex(q.writeIndex() + n)
	atomic.StoreUint32(q.atomic32(offZeroCopyPhaseFrames), n)
}

// ConsumeFrames advances the read index by n frames that the consumer has
// already drained directly via ZeroCopyReadSlot.
func (q *Queue) ConsumeFrames(n uint32) {
	q.setReadIndex(q.readIndex() + n)
}

// ZeroCopyPhaseFrames returns how many frames of the most recent publish
// went through the zero-copy path, for diagnostics.
func (q *Queue) ZeroCopyPhaseFrames() uint32 {
	return atomic.LoadUint32(q.atomic32(offZeroCopyPhaseFrames))
}

// ProducerRequestConsumerResync bumps the control epoch, telling the
// consumer side that it must drop its queued frames and resynchronize
// rather than continue draining stale audio (used after a recovery event
// on the producer's isochronous engine).
func (q *Queue) ProducerRequestConsumerResync() {
	atomic.AddUint32(q.atomic32(offControlEpoch), 1)
}

// ConsumerApplyPendingResync checks whether the producer has bumped the
// control epoch since this handle last observed it, and if so drops all
// queued frames (moving the read index up to the write index) and
// reports true. It is a no-op returning false otherwise.
func (q *Queue) ConsumerApplyPendingResync() bool {
	epoch := atomic.LoadUint32(q.atomic32(offControlEpoch))
	if epoch == q.lastObservedEpoch {
		return false
	}
	q.lastObservedEpoch = epoch
	q.ConsumerDropQueuedFrames()
	return true
}

// ConsumerDropQueuedFrames unconditionally discards all currently pending
// frames by catching the read index up to the write index.
func (q *Queue) ConsumerDropQueuedFrames() {
	q.setReadIndex(q.writeIndex())
}

// SetCorrHostNanosPerSampleQ8 publishes the controller's current
// host-clock-to-sample-clock correction factor (Q8 fixed point
// nanoseconds per sample) for the audio-side clock engine to consume.
func (q *Queue) SetCorrHostNanosPerSampleQ8(v uint32) {
	atomic.StoreUint32(q.atomic32(offCorrHostNanosPerSampleQ8), v)
}

// CorrHostNanosPerSampleQ8 reads the most recently published correction
// factor.
func (q *Queue) CorrHostNanosPerSampleQ8() uint32 {
	return atomic.LoadUint32(q.atomic32(offCorrHostNanosPerSampleQ8))
}

func le32(buf []byte, off uint32) uint32 {
	return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
}

func putLE32(buf []byte, off uint32, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}
