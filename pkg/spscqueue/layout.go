// Package spscqueue implements the lock-free single-producer/single-consumer
// audio frame queue that hands PCM frames between the isochronous engines and
// the audio-facing pipeline (§3, §4.E). The queue lives in a single
// contiguous byte region so it can be backed by real shared memory between
// processes; within one process it is just a []byte.
package spscqueue

const (
	// Magic is the little-endian ASCII encoding of "ASFW", written at
	// byte offset 0 of every queue region.
	Magic uint32 = 0x57465341
	// Version is the only wire layout this package understands.
	Version uint32 = 1

	// CacheLine is the assumed cache line size used to separate the
	// producer, consumer, and controller state into their own lines so
	// that cross-core writes to one don't false-share with another.
	CacheLine = 64

	// MinCapacityFrames and MaxCapacityFrames bound the queue depth.
	// Capacity must be a power of two so index-to-slot mapping is a mask.
	MinCapacityFrames = 128
	MaxCapacityFrames = 1 << 16

	MinChannels = 1
	MaxChannels = 16
)

// Byte offsets within the header. The static section (magic through
// dataOffsetBytes) occupies the first cache line; the producer, consumer,
// and controller cache lines each get one line of their own.
const (
	offMagic          = 0
	offVersion        = 4
	offChannels       = 8
	offCapacityFrames = 12
	offFrameStride    = 16
	offDataOffset     = 20

	offProducerLine        = 1 * CacheLine
	offControlEpoch        = offProducerLine + 0
	offZeroCopyPhaseFrames = offProducerLine + 4
	offWriteIndexFrames    = offProducerLine + 8

	offConsumerLine     = 2 * CacheLine
	offReadIndexFrames  = offConsumerLine + 0

	offControllerLine           = 3 * CacheLine
	offCorrHostNanosPerSampleQ8 = offControllerLine + 0

	// HeaderBytes is the fixed size of the header: four cache lines
	// (static, producer, consumer, controller).
	HeaderBytes = 4 * CacheLine
)

// isPowerOfTwo reports whether v is a nonzero power of two.
func isPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}
