package graph

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/shaban/audiohost/events"
)

// maxRackPluginChannels bounds the channels bound per plugin and direction.
const maxRackPluginChannels = 64

// rackBuffers are the rack's working buffers. They are guarded by the
// external links mutex and swapped as a whole on resize.
type rackBuffers struct {
	size uint32

	in     [2][]float32 // internal inputs, summed from external ports
	out    [2][]float32 // internal outputs, fanned out to external ports
	inTmp  [2][]float32 // per-cycle copy of the inputs
	silent []float32    // scratch read by excess input channels
	sink   []float32    // scratch written by excess output channels

	audioIn, audioOut [][]float32
	cvIn, cvOut       [][]float32
}

func newRackBuffers(size uint32) (*rackBuffers, error) {
	bufs, err := allocChannels(8, size)
	if err != nil {
		return nil, err
	}
	return &rackBuffers{
		size:     size,
		in:       [2][]float32{bufs[0], bufs[1]},
		out:      [2][]float32{bufs[2], bufs[3]},
		inTmp:    [2][]float32{bufs[4], bufs[5]},
		silent:   bufs[6],
		sink:     bufs[7],
		audioIn:  make([][]float32, 0, maxRackPluginChannels),
		audioOut: make([][]float32, 0, maxRackPluginChannels),
		cvIn:     make([][]float32, 0, maxRackPluginChannels),
		cvOut:    make([][]float32, 0, maxRackPluginChannels),
	}, nil
}

// RackGraph chains every enabled plugin through two audio buses and one
// event bus. External ports reach the buses through the ExternalGraph.
type RackGraph struct {
	host    Host
	logger  *zap.Logger
	ext     *ExternalGraph
	inputs  uint32
	outputs uint32
	offline atomic.Bool

	bufs *rackBuffers
	proc ProcessBuffers
}

// NewRackGraph creates a rack router for inputs external capture channels
// and outputs playback channels.
func NewRackGraph(host Host, inputs, outputs uint32, logger *zap.Logger) (*RackGraph, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &RackGraph{
		host:    host,
		logger:  logger,
		ext:     NewExternalGraph(host, true, logger),
		inputs:  inputs,
		outputs: outputs,
	}
	if err := r.SetBufferSize(host.BufferSize()); err != nil {
		return nil, err
	}
	return r, nil
}

// External returns the bridge owned by the rack.
func (r *RackGraph) External() *ExternalGraph { return r.ext }

// Destroy drops ports, connections and links.
func (r *RackGraph) Destroy() {
	r.ext.Clear()
}

// SetBufferSize replaces the working buffers. On failure the previous buffers
// stay in place.
func (r *RackGraph) SetBufferSize(size uint32) error {
	bufs, err := newRackBuffers(size)
	if err != nil {
		r.logger.Error("rack buffer resize failed", zap.Uint32("size", size), zap.Error(err))
		return err
	}
	r.ext.links.mu.Lock()
	r.bufs = bufs
	r.ext.links.mu.Unlock()
	return nil
}

// SetOffline switches plugins between try-lock and blocking lock semantics.
func (r *RackGraph) SetOffline(offline bool) { r.offline.Store(offline) }

// Connect forwards to the external bridge.
func (r *RackGraph) Connect(groupA, portA, groupB, portB uint) error {
	return r.ext.Connect(groupA, portA, groupB, portB, true)
}

// Disconnect forwards to the external bridge.
func (r *RackGraph) Disconnect(id uint) error { return r.ext.Disconnect(id) }

// Refresh re-announces external ports and regenerates the connections from
// the live links.
func (r *RackGraph) Refresh(deviceName string) { r.ext.Refresh(deviceName) }

// Connections forwards to the external bridge.
func (r *RackGraph) Connections() []string { return r.ext.Connections() }

// GroupAndPortIDFromFullName forwards to the external bridge.
func (r *RackGraph) GroupAndPortIDFromFullName(fullName string) (uint, uint, bool) {
	return r.ext.GroupAndPortIDFromFullName(fullName)
}

// ProcessHelper runs one cycle against the driver's buffers: external inputs
// are summed into the two internal inputs, the chain is processed, and the
// internal outputs are added to every connected external output. out must be
// zeroed by the caller.
func (r *RackGraph) ProcessHelper(in, out [][]float32, evIn, evOut *events.Buffer, frames uint32) {
	links := &r.ext.links
	links.mu.Lock()
	defer links.mu.Unlock()

	b := r.bufs
	n := min(frames, b.size)
	in1, in2 := b.in[0][:n], b.in[1][:n]
	out1, out2 := b.out[0][:n], b.out[1][:n]

	if in != nil && r.inputs > 0 {
		sumInputs(in1, links.audio[0], in, r.inputs, n)
		sumInputs(in2, links.audio[1], in, r.inputs, n)
	} else {
		clear(in1)
		clear(in2)
	}
	clear(out1)
	clear(out2)

	r.process(b, r.host.Plugins(), [2][]float32{in1, in2}, [2][]float32{out1, out2}, evIn, evOut, n)

	fanOut(out, links.audio[2], out1, r.outputs, n)
	fanOut(out, links.audio[3], out2, r.outputs, n)
}

// sumInputs copies the first connected port and adds the rest. Ports are
// 1-based; invalid ids are skipped.
func sumInputs(dst []float32, ports []uint, in [][]float32, inputs, n uint32) {
	first := true
	for _, port := range ports {
		if port == 0 || port > uint(inputs) || int(port) > len(in) || in[port-1] == nil {
			continue
		}
		src := in[port-1][:n]
		if first {
			copy(dst, src)
			first = false
			continue
		}
		addFloats(dst, src)
	}
	if first {
		clear(dst)
	}
}

func fanOut(out [][]float32, ports []uint, src []float32, outputs, n uint32) {
	for _, port := range ports {
		if port == 0 || port > uint(outputs) || int(port) > len(out) {
			continue
		}
		addFloats(out[port-1][:n], src)
	}
}

// Process runs the plugin chain over two input and two output buses. Each
// processed plugin's outputs become the next plugin's inputs.
func (r *RackGraph) Process(in, out [2][]float32, evIn, evOut *events.Buffer, frames uint32) {
	r.ext.links.mu.Lock()
	defer r.ext.links.mu.Unlock()
	r.process(r.bufs, r.host.Plugins(), in, out, evIn, evOut, min(frames, r.bufs.size))
}

func (r *RackGraph) process(b *rackBuffers, plugins []Plugin, in, out [2][]float32, evIn, evOut *events.Buffer, n uint32) {
	in1, in2 := b.inTmp[0][:n], b.inTmp[1][:n]
	out1, out2 := out[0][:n], out[1][:n]

	copy(in1, in[0][:n])
	copy(in2, in[1][:n])
	clear(out1)
	clear(out2)
	evOut.Clear()

	var oldAudioIn, oldAudioOut, oldMIDIOut uint32
	processed := false
	offline := r.offline.Load()

	for id, p := range plugins {
		if p == nil || !p.Enabled() || !p.TryLock(offline) {
			continue
		}

		if processed {
			copy(in1, out1)
			copy(in2, out2)
			clear(out1)
			clear(out2)

			// After a plugin without MIDI output the incoming events stay in
			// place. Whatever is left in evOut is not merged into them.
			if oldMIDIOut != 0 || evIn.Empty() {
				evIn.CopyFrom(evOut)
				evOut.Clear()
			}
		}

		oldAudioIn = p.AudioInCount()
		oldAudioOut = p.AudioOutCount()
		oldMIDIOut = p.MIDIOutCount()

		p.InitBuffers()
		r.bind(b, p, [2][]float32{in1, in2}, [2][]float32{out1, out2}, evIn, evOut, n)
		p.Process(&r.proc, n)
		p.Unlock()

		if oldAudioIn == 0 {
			addFloats(out1, in1)
			addFloats(out2, in2)
		}
		if oldAudioOut == 1 {
			copy(out2, out1)
		}

		var inPeaks, outPeaks [2]float32
		if oldAudioIn > 0 {
			inPeaks = [2]float32{peak(in1), peak(in2)}
		}
		if oldAudioOut > 0 {
			outPeaks = [2]float32{peak(out1), peak(out2)}
		}
		r.host.SetPluginPeaks(uint(id), p, inPeaks, outPeaks)

		processed = true
	}
}

// bind points the plugin's channel slices at the two buses. Channels past
// the second, and every CV channel, use scratch buffers.
func (r *RackGraph) bind(b *rackBuffers, p Plugin, in, out [2][]float32, evIn, evOut *events.Buffer, n uint32) {
	silent, sink := b.silent[:n], b.sink[:n]
	if p.AudioInCount() > 2 || p.CVInCount() > 0 {
		clear(silent)
	}
	r.proc.AudioIn = bindChannels(b.audioIn, in, p.AudioInCount(), silent)
	r.proc.AudioOut = bindChannels(b.audioOut, out, p.AudioOutCount(), sink)
	r.proc.CVIn = bindChannels(b.cvIn, [2][]float32{silent, silent}, p.CVInCount(), silent)
	r.proc.CVOut = bindChannels(b.cvOut, [2][]float32{sink, sink}, p.CVOutCount(), sink)

	r.proc.EventsIn, r.proc.EventsOut = nil, nil
	if p.MIDIInCount() > 0 {
		r.proc.EventsIn = evIn
	}
	if p.MIDIOutCount() > 0 {
		r.proc.EventsOut = evOut
	}
}

func bindChannels(dst [][]float32, bus [2][]float32, count uint32, scratch []float32) [][]float32 {
	dst = dst[:min(int(count), cap(dst))]
	for i := range dst {
		if i < 2 {
			dst[i] = bus[i]
		} else {
			dst[i] = scratch
		}
	}
	return dst
}
