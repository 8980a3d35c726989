package plugins

import (
	"fmt"

	"github.com/shaban/audiohost/graph"
)

// Gain is a stereo amplifier. With a CV input the gain is scaled by
// (1 + cv) per sample.
type Gain struct {
	Base
	gain atomicFloat
}

// NewGain returns a stereo gain stage.
func NewGain(name string, gain float32) *Gain {
	g := &Gain{}
	g.init("Gain", name)
	g.gain.Store(gain)
	return g
}

func (g *Gain) SetGain(v float32)  { g.gain.Store(v) }
func (g *Gain) GainValue() float32 { return g.gain.Load() }

func (g *Gain) AudioInCount() uint32  { return 2 }
func (g *Gain) AudioOutCount() uint32 { return 2 }
func (g *Gain) MIDIInCount() uint32   { return 0 }
func (g *Gain) MIDIOutCount() uint32  { return 0 }

func (g *Gain) PortName(kind graph.PortKind, isInput bool, index uint32) string {
	if kind == graph.PortKindCV && isInput {
		return fmt.Sprintf("gain-cv%d", index+1)
	}
	return ""
}

func (g *Gain) Process(buf *graph.ProcessBuffers, frames uint32) {
	gain := g.gain.Load()
	var cv []float32
	if len(buf.CVIn) > 0 {
		cv = buf.CVIn[0][:frames]
	}
	for c, out := range buf.AudioOut {
		out = out[:frames]
		if c >= len(buf.AudioIn) {
			clear(out)
			continue
		}
		in := buf.AudioIn[c][:frames]
		for i := range out {
			v := in[i] * gain
			if cv != nil {
				v *= 1 + cv[i]
			}
			out[i] = v
		}
	}
}
