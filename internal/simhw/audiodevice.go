package simhw

import "sync"

// HostAudioDevice simulates the host OS audio device ABI consumed by
// pkg/clock (spec §6): a current-zero-timestamp pair the clock engine
// reads and republishes, plus BeginRead/WriteEnd window delivery. Time
// here is host-tick counted, advanced explicitly by test code rather
// than read from a real clock, matching the rest of this package.
type HostAudioDevice struct {
	mu         sync.Mutex
	sampleTime uint64
	hostTime   uint64
}

// NewHostAudioDevice returns a device whose zero timestamp starts at
// (0, 0).
func NewHostAudioDevice() *HostAudioDevice {
	return &HostAudioDevice{}
}

// GetCurrentZeroTimestamp returns the device's most recently published
// (sampleTime, hostTime) anchor pair.
func (d *HostAudioDevice) GetCurrentZeroTimestamp() (sampleTime, hostTime uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sampleTime, d.hostTime
}

// UpdateCurrentZeroTimestamp publishes a new anchor pair, as the clock
// engine does once per tick.
func (d *HostAudioDevice) UpdateCurrentZeroTimestamp(sampleTime, hostTime uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sampleTime = sampleTime
	d.hostTime = hostTime
}

// BeginRead simulates the periodic callback delivering an input window of
// frames starting at sampleTime; simhw has no real audio, so it is a
// bookkeeping no-op recorded for test assertions by the caller.
func (d *HostAudioDevice) BeginRead(sampleTime uint64, frames uint32) {}

// WriteEnd simulates the periodic callback signalling an output window of
// frames has been fully written, starting at sampleTime.
func (d *HostAudioDevice) WriteEnd(sampleTime uint64, frames uint32) {}
