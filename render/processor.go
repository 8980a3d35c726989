// Package render is the general processing graph behind the patchbay: nodes
// wrapping processors, channel-level connections, and a rendering sequence
// that is rebuilt off the audio thread and swapped in atomically.
package render

import (
	"fmt"

	"github.com/shaban/audiohost/events"
)

// Kind is the signal kind of a channel.
type Kind uint8

const (
	KindAudio Kind = iota
	KindCV
	KindMIDI
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindCV:
		return "cv"
	case KindMIDI:
		return "midi"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Layout is the channel configuration of a processor.
type Layout struct {
	AudioIns  int
	AudioOuts int
	CVIns     int
	CVOuts    int
	MIDIIn    bool
	MIDIOut   bool
}

// Count returns the number of channels of one kind and direction. MIDI
// counts as one channel when present.
func (l Layout) Count(kind Kind, isInput bool) int {
	switch kind {
	case KindAudio:
		if isInput {
			return l.AudioIns
		}
		return l.AudioOuts
	case KindCV:
		if isInput {
			return l.CVIns
		}
		return l.CVOuts
	case KindMIDI:
		if (isInput && l.MIDIIn) || (!isInput && l.MIDIOut) {
			return 1
		}
	}
	return 0
}

// Block is the data handed to a processor for one cycle. Channel slices hold
// exactly Frames samples. MIDIIn and MIDIOut are nil when the layout has no
// MIDI in that direction.
type Block struct {
	Frames   int
	AudioIn  [][]float32
	AudioOut [][]float32
	CVIn     [][]float32
	CVOut    [][]float32
	MIDIIn   *events.Buffer
	MIDIOut  *events.Buffer
}

// Processor is the unit of work held by a node.
type Processor interface {
	Name() string
	Layout() Layout
	ChannelName(kind Kind, isInput bool, index int) string
	Prepare(sampleRate float64, blockSize int)
	Release()
	SetNonRealtime(bool)
	// ProcessBlock must not allocate or block.
	ProcessBlock(b *Block)
}

// defaultChannelName is used when a processor has no name for a channel.
func defaultChannelName(kind Kind, isInput bool, index int) string {
	switch kind {
	case KindMIDI:
		if isInput {
			return "events-in"
		}
		return "events-out"
	case KindCV:
		if isInput {
			return fmt.Sprintf("cv-in%d", index+1)
		}
		return fmt.Sprintf("cv-out%d", index+1)
	}
	if isInput {
		return fmt.Sprintf("audio-in%d", index+1)
	}
	return fmt.Sprintf("audio-out%d", index+1)
}

// DefaultChannelName exposes the fallback naming scheme to processors.
func DefaultChannelName(kind Kind, isInput bool, index int) string {
	return defaultChannelName(kind, isInput, index)
}
