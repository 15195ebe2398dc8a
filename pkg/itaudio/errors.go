package itaudio

import "fmt"

func errChannelMismatch(queueChannels, pcmChannels int) error {
	return fmt.Errorf("itaudio: TX queue channel count %d does not match requested %d", queueChannels, pcmChannels)
}

func errBadSlotCount(am824Slots, pcmChannels int) error {
	return fmt.Errorf("itaudio: am824Slots %d must satisfy pcmChannels(%d) <= am824Slots <= 32", am824Slots, pcmChannels)
}
