package graph

import (
	"sync/atomic"

	"github.com/shaban/audiohost/render"
)

type pluginRef struct{ p Plugin }

// pluginProcessor adapts a Plugin to a rendering graph node. Once invalidated
// it renders silence and never touches the plugin again.
type pluginProcessor struct {
	host     Host
	plugin   atomic.Pointer[pluginRef]
	pluginID atomic.Uint32
	name     string
	layout   render.Layout
	offline  atomic.Bool

	buf ProcessBuffers
}

func newPluginProcessor(host Host, p Plugin, pluginID uint) *pluginProcessor {
	w := &pluginProcessor{host: host, name: p.Name()}
	w.plugin.Store(&pluginRef{p: p})
	w.pluginID.Store(uint32(pluginID))
	w.layout = layoutOf(p)
	return w
}

func layoutOf(p Plugin) render.Layout {
	return render.Layout{
		AudioIns:  int(p.AudioInCount()),
		AudioOuts: int(p.AudioOutCount()),
		CVIns:     int(p.CVInCount()),
		CVOuts:    int(p.CVOutCount()),
		MIDIIn:    p.MIDIInCount() > 0,
		MIDIOut:   p.MIDIOutCount() > 0,
	}
}

func (w *pluginProcessor) current() Plugin {
	if ref := w.plugin.Load(); ref != nil {
		return ref.p
	}
	return nil
}

// invalidate detaches the plugin. Callers hold the rendering graph's
// callback lock so no cycle is inside ProcessBlock.
func (w *pluginProcessor) invalidate() {
	w.plugin.Store(nil)
}

func (w *pluginProcessor) PluginID() uint { return uint(w.pluginID.Load()) }

func (w *pluginProcessor) setPluginID(id uint) { w.pluginID.Store(uint32(id)) }

func (w *pluginProcessor) Name() string {
	if p := w.current(); p != nil {
		return p.Name()
	}
	return w.name
}

// Layout re-reads the plugin's port counts. It is only called by the
// rendering graph under its build lock.
func (w *pluginProcessor) Layout() render.Layout {
	if p := w.current(); p != nil {
		w.layout = layoutOf(p)
	}
	return w.layout
}

func (w *pluginProcessor) ChannelName(kind render.Kind, isInput bool, index int) string {
	if p := w.current(); p != nil && kind != render.KindMIDI {
		pk := PortKindAudio
		if kind == render.KindCV {
			pk = PortKindCV
		}
		if name := p.PortName(pk, isInput, uint32(index)); name != "" {
			return name
		}
	}
	return render.DefaultChannelName(kind, isInput, index)
}

func (w *pluginProcessor) Prepare(float64, int) {
	if p := w.current(); p != nil {
		p.InitBuffers()
	}
}

func (w *pluginProcessor) Release() {}

func (w *pluginProcessor) SetNonRealtime(offline bool) { w.offline.Store(offline) }

func (w *pluginProcessor) ProcessBlock(b *render.Block) {
	p := w.current()
	if p == nil || !p.Enabled() || !p.TryLock(w.offline.Load()) {
		// outputs were cleared by the sequence
		return
	}

	w.buf = ProcessBuffers{
		AudioIn:   b.AudioIn,
		AudioOut:  b.AudioOut,
		CVIn:      b.CVIn,
		CVOut:     b.CVOut,
		EventsIn:  b.MIDIIn,
		EventsOut: b.MIDIOut,
	}
	p.Process(&w.buf, uint32(b.Frames))
	p.Unlock()

	var in, out [2]float32
	for i := range min(len(b.AudioIn), 2) {
		in[i] = peak(b.AudioIn[i])
	}
	for i := range min(len(b.AudioOut), 2) {
		out[i] = peak(b.AudioOut[i])
	}
	w.host.SetPluginPeaks(w.PluginID(), p, in, out)
}
