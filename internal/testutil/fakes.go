package testutil

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/shaban/audiohost/graph"
)

// FakePlugin is a configurable graph.Plugin. Each audio output carries the
// matching input times Gain plus Offset; MIDI input is copied to the output.
type FakePlugin struct {
	name    atomic.Pointer[string]
	enabled atomic.Bool
	mu      sync.Mutex

	audioIns, audioOuts atomic.Uint32
	cvIns, cvOuts       atomic.Uint32
	midiIns, midiOuts   atomic.Uint32

	Gain   float32
	Offset float32

	processed atomic.Int64
	inits     atomic.Int64
}

// NewFakePlugin returns an enabled plugin with the given audio layout.
func NewFakePlugin(name string, audioIns, audioOuts uint32) *FakePlugin {
	p := &FakePlugin{Gain: 1}
	p.SetName(name)
	p.enabled.Store(true)
	p.audioIns.Store(audioIns)
	p.audioOuts.Store(audioOuts)
	return p
}

// WithMIDI sets the MIDI port counts and returns p.
func (p *FakePlugin) WithMIDI(ins, outs uint32) *FakePlugin {
	p.midiIns.Store(ins)
	p.midiOuts.Store(outs)
	return p
}

// WithCV sets the CV port counts and returns p.
func (p *FakePlugin) WithCV(ins, outs uint32) *FakePlugin {
	p.cvIns.Store(ins)
	p.cvOuts.Store(outs)
	return p
}

func (p *FakePlugin) SetName(name string)                          { p.name.Store(&name) }
func (p *FakePlugin) SetEnabled(v bool)                            { p.enabled.Store(v) }
func (p *FakePlugin) SetCVIns(n uint32)                            { p.cvIns.Store(n) }
func (p *FakePlugin) ProcessCount() int64                          { return p.processed.Load() }
func (p *FakePlugin) InitCount() int64                             { return p.inits.Load() }
func (p *FakePlugin) Name() string                                 { return *p.name.Load() }
func (p *FakePlugin) Enabled() bool                                { return p.enabled.Load() }
func (p *FakePlugin) AudioInCount() uint32                         { return p.audioIns.Load() }
func (p *FakePlugin) AudioOutCount() uint32                        { return p.audioOuts.Load() }
func (p *FakePlugin) CVInCount() uint32                            { return p.cvIns.Load() }
func (p *FakePlugin) CVOutCount() uint32                           { return p.cvOuts.Load() }
func (p *FakePlugin) MIDIInCount() uint32                          { return p.midiIns.Load() }
func (p *FakePlugin) MIDIOutCount() uint32                         { return p.midiOuts.Load() }
func (p *FakePlugin) InitBuffers()                                 { p.inits.Add(1) }
func (p *FakePlugin) Unlock()                                      { p.mu.Unlock() }
func (p *FakePlugin) Lock()                                        { p.mu.Lock() }
func (p *FakePlugin) PortName(graph.PortKind, bool, uint32) string { return "" }

func (p *FakePlugin) TryLock(offline bool) bool {
	if offline {
		p.mu.Lock()
		return true
	}
	return p.mu.TryLock()
}

func (p *FakePlugin) Process(buf *graph.ProcessBuffers, frames uint32) {
	p.processed.Add(1)
	for i, out := range buf.AudioOut {
		out = out[:frames]
		var in []float32
		if i < len(buf.AudioIn) {
			in = buf.AudioIn[i][:frames]
		}
		for j := range out {
			v := p.Offset
			if in != nil {
				v += in[j] * p.Gain
			}
			out[j] = v
		}
	}
	if buf.EventsIn != nil && buf.EventsOut != nil {
		buf.EventsOut.Merge(buf.EventsIn)
	}
}

// Recorder collects notifications.
type Recorder struct {
	mu   sync.Mutex
	list []graph.Notification
}

func (r *Recorder) Notify(n graph.Notification) {
	r.mu.Lock()
	r.list = append(r.list, n)
	r.mu.Unlock()
}

// All returns a copy of every recorded notification.
func (r *Recorder) All() []graph.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.list)
}

// Filter returns the notifications with the given action.
func (r *Recorder) Filter(action graph.Action) []graph.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []graph.Notification
	for _, n := range r.list {
		if n.Action == action {
			out = append(out, n)
		}
	}
	return out
}

// Count returns how many notifications with the given action were recorded.
func (r *Recorder) Count(action graph.Action) int {
	return len(r.Filter(action))
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.list = nil
	r.mu.Unlock()
}

// FakeHost is a graph.Host with a static external port catalogue and a
// plugin list that can be swapped while the audio thread reads it.
type FakeHost struct {
	Recorder

	HostName string
	Buffer   uint32
	Rate     float64
	Offline  bool
	Ports    graph.ExternalPortInfo
	// RefuseExternal makes driver-level connects fail.
	RefuseExternal bool

	plugins atomic.Pointer[[]graph.Plugin]

	peakMu sync.Mutex
	peaks  map[uint][2][2]float32

	extMu    sync.Mutex
	External []string
}

// NewFakeHost returns a host with two capture and two playback ports and
// one MIDI port each way.
func NewFakeHost(bufferSize uint32) *FakeHost {
	h := &FakeHost{
		HostName: "audiohost",
		Buffer:   bufferSize,
		Rate:     48000,
		Ports: graph.ExternalPortInfo{
			AudioIns:  []string{"capture_1", "capture_2"},
			AudioOuts: []string{"playback_1", "playback_2"},
			MIDIIns:   []string{"Keys"},
			MIDIOuts:  []string{"Synth"},
		},
		peaks: make(map[uint][2][2]float32),
	}
	h.SetPlugins()
	return h
}

// SetPlugins replaces the plugin list.
func (h *FakeHost) SetPlugins(plugins ...graph.Plugin) {
	list := slices.Clone(plugins)
	h.plugins.Store(&list)
}

func (h *FakeHost) Name() string                          { return h.HostName }
func (h *FakeHost) BufferSize() uint32                    { return h.Buffer }
func (h *FakeHost) SampleRate() float64                   { return h.Rate }
func (h *FakeHost) IsOffline() bool                       { return h.Offline }
func (h *FakeHost) Plugins() []graph.Plugin               { return *h.plugins.Load() }
func (h *FakeHost) ExternalPorts() graph.ExternalPortInfo { return h.Ports }

func (h *FakeHost) SetPluginPeaks(id uint, _ graph.Plugin, in, out [2]float32) {
	h.peakMu.Lock()
	h.peaks[id] = [2][2]float32{in, out}
	h.peakMu.Unlock()
}

// Peaks returns the last input and output peaks reported for a plugin.
func (h *FakeHost) Peaks(id uint) (in, out [2]float32) {
	h.peakMu.Lock()
	defer h.peakMu.Unlock()
	p := h.peaks[id]
	return p[0], p[1]
}

func (h *FakeHost) ConnectExternalPort(conn graph.ExternalConnection, portID uint, portName string) bool {
	if h.RefuseExternal {
		return false
	}
	h.extMu.Lock()
	h.External = append(h.External, "+"+conn.String())
	h.extMu.Unlock()
	return true
}

func (h *FakeHost) DisconnectExternalPort(conn graph.ExternalConnection, portID uint, portName string) bool {
	if h.RefuseExternal {
		return false
	}
	h.extMu.Lock()
	h.External = append(h.External, "-"+conn.String())
	h.extMu.Unlock()
	return true
}
