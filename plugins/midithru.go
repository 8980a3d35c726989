package plugins

import (
	"sync/atomic"

	"github.com/shaban/audiohost/graph"
)

// MIDIThru copies MIDI input to its output, transposing note messages.
// Notes pushed outside 0..127 are dropped.
type MIDIThru struct {
	Base
	transpose atomic.Int32
}

func NewMIDIThru(name string, transpose int) *MIDIThru {
	m := &MIDIThru{}
	m.init("MIDI Thru", name)
	m.transpose.Store(int32(transpose))
	return m
}

func (m *MIDIThru) SetTranspose(semitones int) { m.transpose.Store(int32(semitones)) }
func (m *MIDIThru) Transpose() int             { return int(m.transpose.Load()) }

func (m *MIDIThru) AudioInCount() uint32  { return 0 }
func (m *MIDIThru) AudioOutCount() uint32 { return 0 }
func (m *MIDIThru) MIDIInCount() uint32   { return 1 }
func (m *MIDIThru) MIDIOutCount() uint32  { return 1 }

func (m *MIDIThru) Process(buf *graph.ProcessBuffers, frames uint32) {
	if buf.EventsIn == nil || buf.EventsOut == nil {
		return
	}
	shift := int(m.transpose.Load())
	evs := buf.EventsIn.Events()
	for i := range evs {
		ev := evs[i]
		if ev.Time >= frames {
			continue
		}
		if msg := ev.Message(); msg != nil && shift != 0 {
			var ch, key, vel uint8
			if msg.GetNoteOn(&ch, &key, &vel) || msg.GetNoteOff(&ch, &key, &vel) {
				k := int(key) + shift
				if k < 0 || k > 127 {
					continue
				}
				ev.Data[1] = byte(k)
			}
		}
		buf.EventsOut.Push(ev)
	}
}
