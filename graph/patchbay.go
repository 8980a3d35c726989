package graph

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shaban/audiohost/config"
	"github.com/shaban/audiohost/events"
	"github.com/shaban/audiohost/render"
)

type pluginSlot struct {
	node uint32
	proc *pluginProcessor
}

// PatchbayOptions configure a patchbay graph.
type PatchbayOptions struct {
	Inputs          uint32
	Outputs         uint32
	CVInputs        uint32
	CVOutputs       uint32
	ReorderInterval time.Duration
}

// PatchbayGraph routes plugins and I/O endpoints through a general rendering
// graph. Groups are node ids; port ids encode kind, direction and channel.
//
// Control methods are not safe for concurrent use; the engine serializes
// them. Process runs on the audio thread.
type PatchbayGraph struct {
	host   Host
	logger *zap.Logger

	graph   *render.Graph
	ext     *ExternalGraph
	reorder *reorderTask

	connections   connectionList
	positions     map[uint32]Position
	slots         []pluginSlot
	usingExternal bool

	inputs, outputs     uint32
	cvIns, cvOuts       uint32
	audioInNode         uint32
	audioOutNode        uint32
	midiInNode          uint32
	midiOutNode         uint32
	cvInNode, cvOutNode uint32

	io render.IO
}

// NewPatchbayGraph creates the graph with its I/O nodes, prepares it for the
// host's buffer size and sample rate and starts the reorder task.
func NewPatchbayGraph(host Host, opts PatchbayOptions, logger *zap.Logger) (*PatchbayGraph, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReorderInterval <= 0 {
		opts.ReorderInterval = config.DefaultReorderInterval
	}
	p := &PatchbayGraph{
		host:      host,
		logger:    logger,
		graph:     render.New(logger),
		ext:       NewExternalGraph(host, false, logger),
		positions: make(map[uint32]Position),
		inputs:    min(opts.Inputs, config.MaxIOChannels),
		outputs:   min(opts.Outputs, config.MaxIOChannels),
		cvIns:     min(opts.CVInputs, config.MaxIOChannels),
		cvOuts:    min(opts.CVOutputs, config.MaxIOChannels),
	}
	p.graph.SetIOChannels(int(p.inputs), int(p.outputs), int(p.cvIns), int(p.cvOuts))
	p.graph.SetNonRealtime(host.IsOffline())

	in := render.NewIOProcessor(render.AudioInputNode)
	in.SetChannelNames(ioChannelNames(int(p.inputs), "Capture"))
	out := render.NewIOProcessor(render.AudioOutputNode)
	out.SetChannelNames(ioChannelNames(int(p.outputs), "Playback"))

	p.audioInNode = p.graph.AddNode(in, render.Properties{}).ID
	p.audioOutNode = p.graph.AddNode(out, render.Properties{}).ID
	p.midiInNode = p.graph.AddNode(render.NewIOProcessor(render.MIDIInputNode), render.Properties{}).ID
	p.midiOutNode = p.graph.AddNode(render.NewIOProcessor(render.MIDIOutputNode), render.Properties{}).ID
	if p.cvIns > 0 {
		p.cvInNode = p.graph.AddNode(render.NewIOProcessor(render.CVInputNode), render.Properties{}).ID
	}
	if p.cvOuts > 0 {
		p.cvOutNode = p.graph.AddNode(render.NewIOProcessor(render.CVOutputNode), render.Properties{}).ID
	}

	if err := p.graph.Prepare(host.SampleRate(), int(host.BufferSize())); err != nil {
		return nil, err
	}
	p.reorder = newReorderTask(p.graph, opts.ReorderInterval)
	p.reorder.start()
	return p, nil
}

func ioChannelNames(count int, prefix string) []string {
	switch count {
	case 2:
		return []string{"Left", "Right"}
	case 3:
		return []string{"Left", "Right", "Sidechain"}
	}
	names := make([]string, count)
	for i := range names {
		names[i] = fmt.Sprintf("%s %d", prefix, i+1)
	}
	return names
}

// Destroy stops the reorder task and releases every node.
func (p *PatchbayGraph) Destroy() {
	p.reorder.stopAndWait()
	for _, s := range p.slots {
		p.graph.WithCallbackLock(s.proc.invalidate)
	}
	p.slots = nil
	p.graph.Release()
	p.graph.Clear()
	p.ext.Clear()
	p.connections.clear()
}

// Render returns the underlying rendering graph.
func (p *PatchbayGraph) Render() *render.Graph { return p.graph }

// External returns the bridge used when connections are external.
func (p *PatchbayGraph) External() *ExternalGraph { return p.ext }

// UsingExternal reports whether plugin clients are announced by an external
// patchbay instead of this graph.
func (p *PatchbayGraph) UsingExternal() bool { return p.usingExternal }

// SetUsingExternal switches plugin announcements on or off.
func (p *PatchbayGraph) SetUsingExternal(v bool) { p.usingExternal = v }

// NodeForPlugin returns the node id of a plugin slot.
func (p *PatchbayGraph) NodeForPlugin(pluginID uint) (uint32, bool) {
	if pluginID >= uint(len(p.slots)) {
		return 0, false
	}
	return p.slots[pluginID].node, true
}

// PluginIDForNode returns the plugin slot of a node.
func (p *PatchbayGraph) PluginIDForNode(nodeID uint32) (uint, bool) {
	for _, s := range p.slots {
		if s.node == nodeID {
			return s.proc.PluginID(), true
		}
	}
	return 0, false
}

// IONode returns the node id of an I/O endpoint. CV nodes exist only when
// CV channels were configured.
func (p *PatchbayGraph) IONode(kind render.IOKind) (uint32, bool) {
	var id uint32
	switch kind {
	case render.AudioInputNode:
		id = p.audioInNode
	case render.AudioOutputNode:
		id = p.audioOutNode
	case render.MIDIInputNode:
		id = p.midiInNode
	case render.MIDIOutputNode:
		id = p.midiOutNode
	case render.CVInputNode:
		id = p.cvInNode
	case render.CVOutputNode:
		id = p.cvOutNode
	}
	return id, id != 0
}

// PluginCount returns the number of plugin nodes.
func (p *PatchbayGraph) PluginCount() int { return len(p.slots) }

// SetBufferSize re-prepares the graph. On failure the previous buffers stay active.
func (p *PatchbayGraph) SetBufferSize(size uint32) error {
	return p.graph.Prepare(p.host.SampleRate(), int(size))
}

// SetSampleRate re-prepares the graph.
func (p *PatchbayGraph) SetSampleRate(rate float64) error {
	return p.graph.Prepare(rate, int(p.host.BufferSize()))
}

// SetOffline switches every node between real-time and offline rendering.
func (p *PatchbayGraph) SetOffline(offline bool) error {
	p.graph.SetNonRealtime(offline)
	return p.graph.Prepare(p.host.SampleRate(), int(p.host.BufferSize()))
}

// AddPlugin appends a plugin node for slot pluginID and announces it.
func (p *PatchbayGraph) AddPlugin(plugin Plugin, pluginID uint) (uint32, error) {
	if plugin == nil {
		return 0, fmt.Errorf("%w: nil plugin", ErrPluginNotFound)
	}
	if !assert(p.logger, pluginID == uint(len(p.slots)), "plugin id out of order", zap.Uint("plugin", pluginID), zap.Int("count", len(p.slots))) {
		return 0, fmt.Errorf("%w: plugin id %d, %d plugins", ErrInvariant, pluginID, len(p.slots))
	}
	proc := newPluginProcessor(p.host, plugin, pluginID)
	node := p.graph.AddNode(proc, render.Properties{IsPlugin: true})
	p.slots = append(p.slots, pluginSlot{node: node.ID, proc: proc})
	p.announceNode(node)
	return node.ID, nil
}

// ReplacePlugin swaps the plugin of a slot for a new node, keeping the plugin
// id and the node position.
func (p *PatchbayGraph) ReplacePlugin(pluginID uint, plugin Plugin) (uint32, error) {
	if plugin == nil {
		return 0, fmt.Errorf("%w: nil plugin", ErrPluginNotFound)
	}
	if pluginID >= uint(len(p.slots)) {
		return 0, fmt.Errorf("%w: %d", ErrPluginNotFound, pluginID)
	}
	old := p.slots[pluginID]
	pos, hasPos := p.positions[old.node]

	p.detach(old)

	proc := newPluginProcessor(p.host, plugin, pluginID)
	node := p.graph.AddNode(proc, render.Properties{IsPlugin: true})
	p.slots[pluginID] = pluginSlot{node: node.ID, proc: proc}
	if hasPos {
		p.positions[node.ID] = pos
	}
	p.announceNode(node)
	return node.ID, nil
}

// RenamePlugin announces a new display name for a plugin node.
func (p *PatchbayGraph) RenamePlugin(pluginID uint, name string) error {
	if pluginID >= uint(len(p.slots)) {
		return fmt.Errorf("%w: %d", ErrPluginNotFound, pluginID)
	}
	p.slots[pluginID].proc.name = name
	if !p.usingExternal {
		p.host.Notify(Notification{Action: ClientRenamed, GroupID: uint(p.slots[pluginID].node), Name: name})
	}
	return nil
}

// RemovePlugin removes a plugin node. Later plugins move down one slot.
func (p *PatchbayGraph) RemovePlugin(pluginID uint) error {
	if pluginID >= uint(len(p.slots)) {
		return fmt.Errorf("%w: %d", ErrPluginNotFound, pluginID)
	}
	s := p.slots[pluginID]
	p.detach(s)
	p.slots = slices.Delete(p.slots, int(pluginID), int(pluginID)+1)
	for i := int(pluginID); i < len(p.slots); i++ {
		p.slots[i].proc.setPluginID(uint(i))
	}
	return nil
}

// RemoveAllPlugins removes every plugin node with the reorder task stopped.
func (p *PatchbayGraph) RemoveAllPlugins() {
	p.reorder.stopAndWait()
	defer p.reorder.start()

	for i := len(p.slots) - 1; i >= 0; i-- {
		p.detach(p.slots[i])
	}
	p.slots = nil
}

// detach disconnects, unannounces, invalidates and removes a plugin node.
func (p *PatchbayGraph) detach(s pluginSlot) {
	p.DisconnectInternalGroup(s.node)
	if node := p.graph.Node(s.node); node != nil {
		p.unannounceNode(node)
	}
	p.graph.WithCallbackLock(s.proc.invalidate)
	p.graph.RemoveNode(s.node)
	delete(p.positions, s.node)
}

// ReconfigureForCV applies a one-port change of a plugin's CV inputs and
// announces the port that appeared or disappeared.
func (p *PatchbayGraph) ReconfigureForCV(pluginID uint, added bool) error {
	if pluginID >= uint(len(p.slots)) {
		return fmt.Errorf("%w: %d", ErrPluginNotFound, pluginID)
	}
	s := p.slots[pluginID]
	before, after, ok := p.graph.ReconfigureNode(s.node, nil)
	if !ok {
		return fmt.Errorf("%w: node %d", ErrPluginNotFound, s.node)
	}

	var (
		action Action
		index  int
	)
	if added {
		if !assert(p.logger, after.CVIns == before.CVIns+1, "cv input count did not grow by one",
			zap.Uint("plugin", pluginID), zap.Int("before", before.CVIns), zap.Int("after", after.CVIns)) {
			return fmt.Errorf("%w: cv inputs %d -> %d", ErrInvariant, before.CVIns, after.CVIns)
		}
		action, index = PortAdded, before.CVIns
	} else {
		if !assert(p.logger, after.CVIns+1 == before.CVIns, "cv input count did not shrink by one",
			zap.Uint("plugin", pluginID), zap.Int("before", before.CVIns), zap.Int("after", after.CVIns)) {
			return fmt.Errorf("%w: cv inputs %d -> %d", ErrInvariant, before.CVIns, after.CVIns)
		}
		action, index = PortRemoved, after.CVIns
		p.dropStaleConnections()
	}
	if p.usingExternal {
		return nil
	}

	port, _ := EncodePort(render.KindCV, true, index)
	n := Notification{Action: action, GroupID: uint(s.node), PortID: port}
	if action == PortAdded {
		n.Hints = portHints(render.KindCV, true)
		n.Name = s.proc.ChannelName(render.KindCV, true, index)
	}
	p.host.Notify(n)
	return nil
}

func nodeIcon(n *render.Node) (Icon, int) {
	if w, ok := n.Processor().(*pluginProcessor); ok {
		return IconPlugin, int(w.PluginID())
	}
	return IconHardware, -1
}

type portRef struct {
	kind    render.Kind
	isInput bool
	index   int
}

// nodePorts lists the ports of a layout in announcement order.
func nodePorts(l render.Layout) []portRef {
	var ports []portRef
	for i := range l.AudioIns {
		ports = append(ports, portRef{render.KindAudio, true, i})
	}
	for i := range l.AudioOuts {
		ports = append(ports, portRef{render.KindAudio, false, i})
	}
	for i := range l.CVIns {
		ports = append(ports, portRef{render.KindCV, true, i})
	}
	for i := range l.CVOuts {
		ports = append(ports, portRef{render.KindCV, false, i})
	}
	if l.MIDIIn {
		ports = append(ports, portRef{render.KindMIDI, true, 0})
	}
	if l.MIDIOut {
		ports = append(ports, portRef{render.KindMIDI, false, 0})
	}
	return ports
}

func (p *PatchbayGraph) announceNode(n *render.Node) {
	if p.usingExternal {
		return
	}
	icon, pluginID := nodeIcon(n)
	proc := n.Processor()
	group := uint(n.ID)
	p.host.Notify(Notification{Action: ClientAdded, GroupID: group, Icon: icon, PluginID: pluginID, Name: proc.Name()})
	for _, port := range nodePorts(n.Layout()) {
		id, _ := EncodePort(port.kind, port.isInput, port.index)
		p.host.Notify(Notification{
			Action:  PortAdded,
			GroupID: group,
			PortID:  id,
			Hints:   portHints(port.kind, port.isInput),
			Name:    proc.ChannelName(port.kind, port.isInput, port.index),
		})
	}
	if pos, ok := p.positions[n.ID]; ok && pos.Active {
		p.host.Notify(Notification{Action: ClientPositionChanged, GroupID: group, Position: pos})
	}
}

func (p *PatchbayGraph) unannounceNode(n *render.Node) {
	if p.usingExternal {
		return
	}
	group := uint(n.ID)
	for _, port := range nodePorts(n.Layout()) {
		id, _ := EncodePort(port.kind, port.isInput, port.index)
		p.host.Notify(Notification{Action: PortRemoved, GroupID: group, PortID: id})
	}
	p.host.Notify(Notification{Action: ClientRemoved, GroupID: group})
}

// Connect links an output port to an input port. External connections are
// handled by the bridge.
func (p *PatchbayGraph) Connect(external bool, groupA, portA, groupB, portB uint, notify bool) error {
	if external {
		return p.ext.Connect(groupA, portA, groupB, portB, notify)
	}
	c, ok := p.renderConnection(groupA, portA, groupB, portB)
	if !ok || !p.graph.AddConnection(c) {
		return fmt.Errorf("%w: %d:%d:%d:%d", ErrInvalidConnection, groupA, portA, groupB, portB)
	}
	tracked := p.connections.add(groupA, portA, groupB, portB)
	if notify {
		p.host.Notify(Notification{Action: ConnectionAdded, ConnectionID: tracked.ID, Name: tracked.String()})
	}
	return nil
}

// renderConnection decodes a source output and a destination input port.
func (p *PatchbayGraph) renderConnection(groupA, portA, groupB, portB uint) (render.Connection, bool) {
	kindA, inA, idxA, okA := DecodePort(portA)
	kindB, inB, idxB, okB := DecodePort(portB)
	if !okA || !okB || inA || !inB || kindA != kindB {
		return render.Connection{}, false
	}
	if groupA == 0 || groupB == 0 || groupA > uint(^uint32(0)) || groupB > uint(^uint32(0)) {
		return render.Connection{}, false
	}
	return render.Connection{
		SourceNode: uint32(groupA),
		Source:     render.Channel{Kind: kindA, Index: idxA},
		DestNode:   uint32(groupB),
		Dest:       render.Channel{Kind: kindB, Index: idxB},
	}, true
}

// Disconnect removes a tracked connection.
func (p *PatchbayGraph) Disconnect(external bool, id uint) error {
	if external {
		return p.ext.Disconnect(id)
	}
	i, ok := p.connections.find(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrConnectionNotFound, id)
	}
	c := p.connections.list[i]
	rc, ok := p.renderConnection(c.GroupA, c.PortA, c.GroupB, c.PortB)
	if !ok || !p.graph.RemoveConnection(rc) {
		return fmt.Errorf("%w: connection %d", ErrInvalidConnection, id)
	}
	p.host.Notify(Notification{Action: ConnectionRemoved, ConnectionID: c.ID})
	p.connections.remove(i)
	return nil
}

// DisconnectInternalGroup drops every tracked connection touching a node and
// announces the removals.
func (p *PatchbayGraph) DisconnectInternalGroup(nodeID uint32) {
	group := uint(nodeID)
	for i := 0; i < len(p.connections.list); {
		c := p.connections.list[i]
		if c.GroupA != group && c.GroupB != group {
			i++
			continue
		}
		p.host.Notify(Notification{Action: ConnectionRemoved, ConnectionID: c.ID})
		p.connections.remove(i)
	}
	p.graph.DisconnectNode(nodeID)
}

// dropStaleConnections forgets tracked connections the render graph no
// longer holds and announces their removal.
func (p *PatchbayGraph) dropStaleConnections() {
	for i := 0; i < len(p.connections.list); {
		c := p.connections.list[i]
		rc, ok := p.renderConnection(c.GroupA, c.PortA, c.GroupB, c.PortB)
		if ok && p.graph.IsConnected(rc) {
			i++
			continue
		}
		p.host.Notify(Notification{Action: ConnectionRemoved, ConnectionID: c.ID})
		p.connections.remove(i)
	}
}

// Refresh re-announces every node, port and connection. Connection ids are
// regenerated.
func (p *PatchbayGraph) Refresh(external bool, deviceName string) {
	if external {
		p.ext.Refresh(deviceName)
		return
	}
	p.connections.clear()
	p.graph.RemoveIllegalConnections()

	for _, n := range p.graph.Nodes() {
		p.announceNode(n)
	}
	for _, rc := range p.graph.Connections() {
		portA, okA := EncodePort(rc.Source.Kind, false, rc.Source.Index)
		portB, okB := EncodePort(rc.Dest.Kind, true, rc.Dest.Index)
		if !okA || !okB {
			p.logger.Warn("skipping unencodable connection", zap.Uint32("source", rc.SourceNode), zap.Uint32("dest", rc.DestNode))
			continue
		}
		c := p.connections.add(uint(rc.SourceNode), portA, uint(rc.DestNode), portB)
		p.host.Notify(Notification{Action: ConnectionAdded, ConnectionID: c.ID, Name: c.String()})
	}
}

// Tracked returns a copy of the tracked internal connections.
func (p *PatchbayGraph) Tracked() []Connection {
	return p.connections.snapshot()
}

// Connections returns alternating source and destination full port names,
// "<node name>:<channel name>".
func (p *PatchbayGraph) Connections(external bool) []string {
	if external {
		return p.ext.Connections()
	}
	var out []string
	for _, c := range p.graph.Connections() {
		src, dst := p.graph.Node(c.SourceNode), p.graph.Node(c.DestNode)
		if src == nil || dst == nil {
			continue
		}
		out = append(out,
			src.Processor().Name()+":"+src.Processor().ChannelName(c.Source.Kind, false, c.Source.Index),
			dst.Processor().Name()+":"+dst.Processor().ChannelName(c.Dest.Kind, true, c.Dest.Index),
		)
	}
	return out
}

// GroupAndPortIDFromFullName resolves "<node name>:<channel name>" against
// the first node carrying that name.
func (p *PatchbayGraph) GroupAndPortIDFromFullName(external bool, fullName string) (group, port uint, ok bool) {
	if external {
		return p.ext.GroupAndPortIDFromFullName(fullName)
	}
	nodeName, channel, found := strings.Cut(fullName, ":")
	if !found || channel == "" {
		return 0, 0, false
	}
	for _, n := range p.graph.Nodes() {
		proc := n.Processor()
		if proc.Name() != nodeName {
			continue
		}
		for _, ref := range nodePorts(n.Layout()) {
			if proc.ChannelName(ref.kind, ref.isInput, ref.index) == channel {
				port, _ = EncodePort(ref.kind, ref.isInput, ref.index)
				return uint(n.ID), port, true
			}
		}
		return 0, 0, false
	}
	return 0, 0, false
}

// SetGroupPosition stores and announces the layout of a node.
func (p *PatchbayGraph) SetGroupPosition(external bool, group uint, x1, y1, x2, y2 int) error {
	if external {
		return p.ext.SetGroupPosition(group, x1, y1, x2, y2)
	}
	if group == 0 || group > uint(^uint32(0)) || p.graph.Node(uint32(group)) == nil {
		return fmt.Errorf("%w: %d", ErrUnknownGroup, group)
	}
	pos := Position{Active: true, X1: x1, Y1: y1, X2: x2, Y2: y2}
	p.positions[uint32(group)] = pos
	p.host.Notify(Notification{Action: ClientPositionChanged, GroupID: group, Position: pos})
	return nil
}

// Process runs one cycle. in and out hold the audio channels followed by the
// CV channels; missing inputs read as silence.
func (p *PatchbayGraph) Process(in, out [][]float32, evIn, evOut *events.Buffer, frames uint32) {
	audioIns, cvIns := splitChannels(in, int(p.inputs), int(p.cvIns))
	audioOuts, cvOuts := splitChannels(out, int(p.outputs), int(p.cvOuts))

	p.io.AudioIn, p.io.CVIn = audioIns, cvIns
	p.io.AudioOut, p.io.CVOut = audioOuts, cvOuts
	p.io.MIDIIn, p.io.MIDIOut = evIn, evOut
	p.graph.Process(&p.io, int(frames))
	p.io = render.IO{}
}

func splitChannels(bufs [][]float32, first, second int) (a, b [][]float32) {
	na := min(first, len(bufs))
	a = bufs[:na]
	rest := bufs[na:]
	return a, rest[:min(second, len(rest))]
}
