// Package events holds the fixed-capacity, sample-accurate event buffers that
// travel with every audio cycle.
package events

import (
	"gitlab.com/gomidi/midi/v2"
)

// MaxEventCount is the capacity of a Buffer. Events pushed beyond it are dropped.
const MaxEventCount = 512

// Type identifies the payload of an Event.
type Type uint8

const (
	TypeNull Type = iota
	TypeControl
	TypeMIDI
)

// MaxMIDISize is the largest MIDI message carried inline. Longer messages
// (sysex) are not representable.
const MaxMIDISize = 4

// Event is a single sample-accurate event.
type Event struct {
	Type Type
	// Time is the frame offset inside the current cycle.
	Time uint32

	// MIDI payload, status byte included.
	Size uint8
	Data [MaxMIDISize]byte

	// Control payload.
	Param uint16
	Value float32
}

// MIDIEvent builds a MIDI event from a gomidi message. ok is false for empty
// messages or messages longer than MaxMIDISize.
func MIDIEvent(time uint32, msg midi.Message) (Event, bool) {
	if len(msg) == 0 || len(msg) > MaxMIDISize {
		return Event{}, false
	}
	ev := Event{Type: TypeMIDI, Time: time, Size: uint8(len(msg))}
	copy(ev.Data[:], msg)
	return ev, true
}

// ControlEvent builds a parameter change event.
func ControlEvent(time uint32, param uint16, value float32) Event {
	return Event{Type: TypeControl, Time: time, Param: param, Value: value}
}

// Message returns the MIDI payload as a gomidi message. It returns nil for
// non-MIDI events. The returned slice aliases the event's storage.
func (e *Event) Message() midi.Message {
	if e.Type != TypeMIDI || e.Size == 0 {
		return nil
	}
	return midi.Message(e.Data[:e.Size])
}

// Channel returns the MIDI channel of a channel message.
func (e *Event) Channel() (uint8, bool) {
	var ch uint8
	msg := e.Message()
	if msg == nil {
		return 0, false
	}
	return ch, msg.GetChannel(&ch)
}

// Buffer is a fixed-capacity event queue ordered by Time. The zero value is
// an empty buffer; no method allocates.
type Buffer struct {
	events [MaxEventCount]Event
	n      int
}

// Len returns the number of queued events.
func (b *Buffer) Len() int { return b.n }

// Empty reports whether the buffer holds no events.
func (b *Buffer) Empty() bool { return b.n == 0 }

// Full reports whether another Push would be dropped.
func (b *Buffer) Full() bool { return b.n == MaxEventCount }

// Events returns the queued events. The slice aliases the buffer and is only
// valid until the next mutation.
func (b *Buffer) Events() []Event { return b.events[:b.n] }

// Clear drops all events.
func (b *Buffer) Clear() {
	clear(b.events[:b.n])
	b.n = 0
}

// Push inserts an event keeping the buffer sorted by time. Events with equal
// times keep their insertion order. It returns false when the buffer is full.
func (b *Buffer) Push(ev Event) bool {
	if ev.Type == TypeNull || b.n == MaxEventCount {
		return false
	}
	i := b.n
	for i > 0 && b.events[i-1].Time > ev.Time {
		b.events[i] = b.events[i-1]
		i--
	}
	b.events[i] = ev
	b.n++
	return true
}

// PushMIDI queues a gomidi message at the given frame offset.
func (b *Buffer) PushMIDI(time uint32, msg midi.Message) bool {
	ev, ok := MIDIEvent(time, msg)
	if !ok {
		return false
	}
	return b.Push(ev)
}

// CopyFrom replaces the contents of b with the contents of src.
func (b *Buffer) CopyFrom(src *Buffer) {
	if b == src {
		return
	}
	if src.n < b.n {
		clear(b.events[src.n:b.n])
	}
	copy(b.events[:src.n], src.events[:src.n])
	b.n = src.n
}

// Merge adds every event of src, keeping time order. Events that do not fit
// are dropped and counted in the return value.
func (b *Buffer) Merge(src *Buffer) (dropped int) {
	if b == src {
		return 0
	}
	for i := 0; i < src.n; i++ {
		if !b.Push(src.events[i]) {
			dropped++
		}
	}
	return dropped
}
