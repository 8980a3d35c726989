package graph

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shaban/audiohost/config"
	"github.com/shaban/audiohost/events"
)

// Options select and size the router a Graph creates.
type Options struct {
	Mode            config.ProcessMode
	Inputs          uint32
	Outputs         uint32
	CVInputs        uint32
	CVOutputs       uint32
	ReorderInterval time.Duration
	Logger          *zap.Logger
}

// Graph owns exactly one router, chosen from the process mode at Create.
// Switching modes requires Destroy and a new Graph.
type Graph struct {
	host   Host
	opts   Options
	logger *zap.Logger

	ready    atomic.Bool
	inCycle  atomic.Int32
	rack     *RackGraph
	patchbay *PatchbayGraph

	// used when a driver passes no event buffers
	evIn, evOut events.Buffer
}

// New returns an unready graph for host.
func New(host Host, opts Options) *Graph {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{host: host, opts: opts, logger: logger.With(zap.String("component", "graph"))}
}

// Create builds the router for the configured mode.
func (g *Graph) Create() error {
	if g.ready.Load() || g.rack != nil || g.patchbay != nil {
		return ErrAlreadyCreated
	}
	switch g.opts.Mode {
	case config.ProcessModeRack:
		r, err := NewRackGraph(g.host, g.opts.Inputs, g.opts.Outputs, g.logger)
		if err != nil {
			return fmt.Errorf("create rack: %w", err)
		}
		g.rack = r
	case config.ProcessModePatchbay:
		p, err := NewPatchbayGraph(g.host, PatchbayOptions{
			Inputs:          g.opts.Inputs,
			Outputs:         g.opts.Outputs,
			CVInputs:        g.opts.CVInputs,
			CVOutputs:       g.opts.CVOutputs,
			ReorderInterval: g.opts.ReorderInterval,
		}, g.logger)
		if err != nil {
			return fmt.Errorf("create patchbay: %w", err)
		}
		g.patchbay = p
	default:
		return fmt.Errorf("%w: process mode %d", ErrWrongMode, g.opts.Mode)
	}
	g.ready.Store(true)
	return nil
}

// Destroy releases the router once in-flight cycles have left it. It is
// safe to call more than once.
func (g *Graph) Destroy() {
	g.quiesce()
	if g.rack != nil {
		g.rack.Destroy()
		g.rack = nil
	}
	if g.patchbay != nil {
		g.patchbay.Destroy()
		g.patchbay = nil
	}
}

// IsReady reports whether Process will run the router.
func (g *Graph) IsReady() bool { return g.ready.Load() }

// Mode returns the configured process mode.
func (g *Graph) Mode() config.ProcessMode { return g.opts.Mode }

// Rack returns the rack router, or nil outside rack mode.
func (g *Graph) Rack() *RackGraph {
	assert(g.logger, g.rack != nil, "rack router requested", zap.Stringer("mode", g.opts.Mode))
	return g.rack
}

// Patchbay returns the patchbay router, or nil outside patchbay mode.
func (g *Graph) Patchbay() *PatchbayGraph {
	assert(g.logger, g.patchbay != nil, "patchbay router requested", zap.Stringer("mode", g.opts.Mode))
	return g.patchbay
}

// reconfigure marks the graph unready while fn runs so concurrent cycles
// are skipped.
func (g *Graph) reconfigure(fn func() error) error {
	if !g.ready.Load() {
		return ErrNotReady
	}
	g.quiesce()
	defer g.ready.Store(true)
	return fn()
}

// quiesce clears the ready flag and waits for cycles that already passed it.
// A cycle entering afterwards sees the flag cleared and outputs silence.
func (g *Graph) quiesce() {
	g.ready.Store(false)
	for g.inCycle.Load() > 0 {
		runtime.Gosched()
	}
}

// SetBufferSize resizes the router's working buffers.
func (g *Graph) SetBufferSize(size uint32) error {
	return g.reconfigure(func() error {
		if g.rack != nil {
			return g.rack.SetBufferSize(size)
		}
		return g.patchbay.SetBufferSize(size)
	})
}

// SetSampleRate re-prepares the patchbay. The rack is rate independent.
func (g *Graph) SetSampleRate(rate float64) error {
	return g.reconfigure(func() error {
		if g.patchbay != nil {
			return g.patchbay.SetSampleRate(rate)
		}
		return nil
	})
}

// SetOffline switches between real-time and offline rendering.
func (g *Graph) SetOffline(offline bool) error {
	return g.reconfigure(func() error {
		if g.rack != nil {
			g.rack.SetOffline(offline)
			return nil
		}
		return g.patchbay.SetOffline(offline)
	})
}

// Process runs one cycle. When the graph is not ready the outputs are
// silenced and the cycle is skipped.
func (g *Graph) Process(in, out [][]float32, evIn, evOut *events.Buffer, frames uint32) {
	if evIn == nil {
		evIn = &g.evIn
		evIn.Clear()
	}
	if evOut == nil {
		evOut = &g.evOut
	}
	g.inCycle.Add(1)
	defer g.inCycle.Add(-1)
	if !g.ready.Load() {
		for _, buf := range out {
			clear(buf[:min(int(frames), len(buf))])
		}
		evOut.Clear()
		return
	}
	if g.rack != nil {
		for _, buf := range out {
			clear(buf[:min(int(frames), len(buf))])
		}
		g.rack.ProcessHelper(in, out, evIn, evOut, frames)
		return
	}
	g.patchbay.Process(in, out, evIn, evOut, frames)
}

// ProcessRack runs the rack chain directly on two buses.
func (g *Graph) ProcessRack(in, out [2][]float32, evIn, evOut *events.Buffer, frames uint32) {
	g.inCycle.Add(1)
	defer g.inCycle.Add(-1)
	if !g.ready.Load() || g.rack == nil {
		clear(out[0])
		clear(out[1])
		return
	}
	g.rack.Process(in, out, evIn, evOut, frames)
}

func (g *Graph) requirePatchbay(op string) (*PatchbayGraph, error) {
	if !assert(g.logger, g.patchbay != nil, op+" requires patchbay mode", zap.Stringer("mode", g.opts.Mode)) {
		return nil, fmt.Errorf("%w: %s", ErrWrongMode, op)
	}
	return g.patchbay, nil
}

// AddPlugin adds a plugin node. Patchbay mode only.
func (g *Graph) AddPlugin(p Plugin, pluginID uint) error {
	pb, err := g.requirePatchbay("AddPlugin")
	if err != nil {
		return err
	}
	_, err = pb.AddPlugin(p, pluginID)
	return err
}

// ReplacePlugin swaps the plugin of a slot. Patchbay mode only.
func (g *Graph) ReplacePlugin(pluginID uint, p Plugin) error {
	pb, err := g.requirePatchbay("ReplacePlugin")
	if err != nil {
		return err
	}
	_, err = pb.ReplacePlugin(pluginID, p)
	return err
}

// RenamePlugin announces a plugin's new name. Patchbay mode only.
func (g *Graph) RenamePlugin(pluginID uint, name string) error {
	pb, err := g.requirePatchbay("RenamePlugin")
	if err != nil {
		return err
	}
	return pb.RenamePlugin(pluginID, name)
}

// RemovePlugin removes a plugin node. Patchbay mode only.
func (g *Graph) RemovePlugin(pluginID uint) error {
	pb, err := g.requirePatchbay("RemovePlugin")
	if err != nil {
		return err
	}
	return pb.RemovePlugin(pluginID)
}

// RemoveAllPlugins removes every plugin node. Patchbay mode only.
func (g *Graph) RemoveAllPlugins() error {
	pb, err := g.requirePatchbay("RemoveAllPlugins")
	if err != nil {
		return err
	}
	pb.RemoveAllPlugins()
	return nil
}

// ReconfigureForCV applies a one-port CV input change. Patchbay mode only.
func (g *Graph) ReconfigureForCV(pluginID uint, added bool) error {
	pb, err := g.requirePatchbay("ReconfigureForCV")
	if err != nil {
		return err
	}
	return pb.ReconfigureForCV(pluginID, added)
}

// IsUsingExternal reports whether connections go through the external
// bridge. The rack always routes externally.
func (g *Graph) IsUsingExternal() bool {
	if g.rack != nil {
		return true
	}
	return g.patchbay != nil && g.patchbay.UsingExternal()
}

// SetUsingExternal is ignored in rack mode.
func (g *Graph) SetUsingExternal(v bool) {
	if g.patchbay != nil {
		g.patchbay.SetUsingExternal(v)
	}
}

func (g *Graph) router() error {
	if g.rack == nil && g.patchbay == nil {
		return ErrNotReady
	}
	return nil
}

// Connect creates a connection. In rack mode every connection is external.
func (g *Graph) Connect(external bool, groupA, portA, groupB, portB uint, notify bool) error {
	if err := g.router(); err != nil {
		return err
	}
	if g.rack != nil {
		return g.rack.ext.Connect(groupA, portA, groupB, portB, notify)
	}
	return g.patchbay.Connect(external, groupA, portA, groupB, portB, notify)
}

// Disconnect removes a connection by id.
func (g *Graph) Disconnect(external bool, id uint) error {
	if err := g.router(); err != nil {
		return err
	}
	if g.rack != nil {
		return g.rack.Disconnect(id)
	}
	return g.patchbay.Disconnect(external, id)
}

// Refresh re-announces ports and connections.
func (g *Graph) Refresh(external bool, deviceName string) error {
	if err := g.router(); err != nil {
		return err
	}
	if g.rack != nil {
		if !external {
			return ErrUnsupported
		}
		g.rack.Refresh(deviceName)
		return nil
	}
	g.patchbay.Refresh(external, deviceName)
	return nil
}

// Connections returns alternating source and destination full port names.
func (g *Graph) Connections(external bool) []string {
	if g.rack != nil {
		return g.rack.Connections()
	}
	if g.patchbay != nil {
		return g.patchbay.Connections(external)
	}
	return nil
}

// GroupAndPortIDFromFullName resolves a full port name.
func (g *Graph) GroupAndPortIDFromFullName(external bool, fullName string) (group, port uint, ok bool) {
	if g.rack != nil {
		return g.rack.GroupAndPortIDFromFullName(fullName)
	}
	if g.patchbay != nil {
		return g.patchbay.GroupAndPortIDFromFullName(external, fullName)
	}
	return 0, 0, false
}

// SetGroupPosition stores the advisory layout of a group.
func (g *Graph) SetGroupPosition(external bool, group uint, x1, y1, x2, y2 int) error {
	if err := g.router(); err != nil {
		return err
	}
	if g.rack != nil {
		return g.rack.ext.SetGroupPosition(group, x1, y1, x2, y2)
	}
	return g.patchbay.SetGroupPosition(external, group, x1, y1, x2, y2)
}

// RestoreConnection reconnects two ports given by full name, as stored by a
// saved session.
func (g *Graph) RestoreConnection(external bool, source, dest string, notify bool) error {
	groupA, portA, okA := g.GroupAndPortIDFromFullName(external, source)
	if !okA {
		return fmt.Errorf("%w: unknown port %q", ErrInvalidConnection, source)
	}
	groupB, portB, okB := g.GroupAndPortIDFromFullName(external, dest)
	if !okB {
		return fmt.Errorf("%w: unknown port %q", ErrInvalidConnection, dest)
	}
	return g.Connect(external, groupA, portA, groupB, portB, notify)
}
