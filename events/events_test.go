package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2"
)

func TestBufferPushKeepsTimeOrder(t *testing.T) {
	var b Buffer
	require.True(t, b.PushMIDI(10, midi.NoteOn(0, 60, 100)))
	require.True(t, b.PushMIDI(2, midi.NoteOn(0, 62, 100)))
	require.True(t, b.PushMIDI(10, midi.NoteOff(0, 60)))
	require.True(t, b.Push(ControlEvent(5, 7, 0.5)))

	got := b.Events()
	require.Len(t, got, 4)
	assert.Equal(t, uint32(2), got[0].Time)
	assert.Equal(t, TypeControl, got[1].Type)
	assert.Equal(t, uint32(10), got[2].Time)
	assert.True(t, got[2].Message().Is(midi.NoteOnMsg))
	assert.True(t, got[3].Message().Is(midi.NoteOffMsg))
}

func TestBufferCapacity(t *testing.T) {
	var b Buffer
	for i := 0; i < MaxEventCount; i++ {
		require.True(t, b.Push(ControlEvent(uint32(i), 0, 0)))
	}
	assert.True(t, b.Full())
	assert.False(t, b.Push(ControlEvent(0, 0, 0)))
	assert.False(t, b.Push(Event{}), "null events are never queued")

	b.Clear()
	assert.True(t, b.Empty())
	assert.Equal(t, Event{}, b.events[0])
}

func TestBufferCopyAndMerge(t *testing.T) {
	var a, b Buffer
	a.PushMIDI(1, midi.NoteOn(1, 60, 90))
	a.PushMIDI(8, midi.NoteOff(1, 60))
	b.PushMIDI(4, midi.ControlChange(1, 7, 100))
	b.PushMIDI(5, midi.ControlChange(1, 10, 64))
	b.PushMIDI(6, midi.ControlChange(1, 11, 64))

	b.CopyFrom(&a)
	require.Equal(t, 2, b.Len())
	assert.Equal(t, Event{}, b.events[2], "stale tail cleared")

	var c Buffer
	c.PushMIDI(4, midi.ControlChange(1, 7, 100))
	assert.Zero(t, c.Merge(&a))
	times := []uint32{}
	for _, ev := range c.Events() {
		times = append(times, ev.Time)
	}
	assert.Equal(t, []uint32{1, 4, 8}, times)
}

func TestMIDIEvent(t *testing.T) {
	ev, ok := MIDIEvent(3, midi.NoteOn(9, 36, 127))
	require.True(t, ok)
	ch, ok := ev.Channel()
	require.True(t, ok)
	assert.Equal(t, uint8(9), ch)

	var key, vel uint8
	require.True(t, ev.Message().GetNoteOn(&ch, &key, &vel))
	assert.Equal(t, uint8(36), key)
	assert.Equal(t, uint8(127), vel)

	_, ok = MIDIEvent(0, midi.Message{0xF0, 1, 2, 3, 4, 0xF7})
	assert.False(t, ok, "sysex does not fit inline")

	ctl := ControlEvent(0, 1, 1)
	assert.Nil(t, ctl.Message())
}
