package plugins

import (
	"math"
	"sync/atomic"

	"github.com/shaban/audiohost/graph"
)

// Oscillator is a stereo sine generator with no audio inputs. Note-on
// events retune it and open the gate; the matching note-off closes it.
type Oscillator struct {
	Base
	sampleRate float64

	freq      atomicFloat
	amplitude atomicFloat
	gate      atomic.Bool

	// audio thread only
	phase float64
	note  int
}

// NewOscillator returns a running oscillator.
func NewOscillator(name string, freq float32, sampleRate float64) *Oscillator {
	o := &Oscillator{sampleRate: sampleRate, note: -1}
	o.init("Oscillator", name)
	o.freq.Store(freq)
	o.amplitude.Store(0.5)
	o.gate.Store(true)
	return o
}

func (o *Oscillator) SetFrequency(hz float32)  { o.freq.Store(hz) }
func (o *Oscillator) Frequency() float32       { return o.freq.Load() }
func (o *Oscillator) SetAmplitude(v float32)   { o.amplitude.Store(v) }
func (o *Oscillator) SetGate(open bool)        { o.gate.Store(open) }
func (o *Oscillator) Gate() bool               { return o.gate.Load() }
func (o *Oscillator) AudioInCount() uint32     { return 0 }
func (o *Oscillator) AudioOutCount() uint32    { return 2 }
func (o *Oscillator) MIDIInCount() uint32      { return 1 }
func (o *Oscillator) MIDIOutCount() uint32     { return 0 }
func (o *Oscillator) SetSampleRate(sr float64) { o.sampleRate = sr }

// NoteFrequency returns the equal-tempered frequency of a MIDI key.
func NoteFrequency(key uint8) float32 {
	return float32(440 * math.Pow(2, (float64(key)-69)/12))
}

func (o *Oscillator) handleEvents(buf *graph.ProcessBuffers) {
	if buf.EventsIn == nil {
		return
	}
	evs := buf.EventsIn.Events()
	for i := range evs {
		msg := evs[i].Message()
		if msg == nil {
			continue
		}
		var ch, key, vel uint8
		switch {
		case msg.GetNoteStart(&ch, &key, &vel):
			o.note = int(key)
			o.freq.Store(NoteFrequency(key))
			o.gate.Store(true)
		case msg.GetNoteEnd(&ch, &key):
			if int(key) == o.note {
				o.gate.Store(false)
				o.note = -1
			}
		}
	}
}

func (o *Oscillator) Process(buf *graph.ProcessBuffers, frames uint32) {
	o.handleEvents(buf)
	if !o.gate.Load() || o.sampleRate <= 0 {
		clearAll(buf.AudioOut, frames)
		return
	}
	step := 2 * math.Pi * float64(o.freq.Load()) / o.sampleRate
	amp := o.amplitude.Load()
	if len(buf.AudioOut) == 0 {
		return
	}
	first := buf.AudioOut[0][:frames]
	for i := range first {
		first[i] = amp * float32(math.Sin(o.phase))
		o.phase += step
		if o.phase >= 2*math.Pi {
			o.phase -= 2 * math.Pi
		}
	}
	for _, out := range buf.AudioOut[1:] {
		copy(out[:frames], first)
	}
}
