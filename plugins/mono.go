package plugins

import "github.com/shaban/audiohost/graph"

// Mono folds a stereo input into one channel at half level per side.
type Mono struct {
	Base
}

func NewMono(name string) *Mono {
	m := &Mono{}
	m.init("Mono", name)
	return m
}

func (m *Mono) AudioInCount() uint32  { return 2 }
func (m *Mono) AudioOutCount() uint32 { return 1 }
func (m *Mono) MIDIInCount() uint32   { return 0 }
func (m *Mono) MIDIOutCount() uint32  { return 0 }

func (m *Mono) Process(buf *graph.ProcessBuffers, frames uint32) {
	if len(buf.AudioOut) == 0 {
		return
	}
	out := buf.AudioOut[0][:frames]
	clear(out)
	for _, in := range buf.AudioIn {
		in = in[:frames]
		for i := range out {
			out[i] += in[i] * 0.5
		}
	}
}
