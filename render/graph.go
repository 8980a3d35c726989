package render

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/shaban/audiohost/events"
)

// ErrAllocation is returned when buffers for a new block size or rendering
// sequence cannot be allocated. The previous state is kept.
var ErrAllocation = errors.New("render: buffer allocation failed")

// maxBlockSize guards against absurd block sizes before allocating.
const maxBlockSize = 1 << 16

// Channel addresses one channel of a node. MIDI uses index 0.
type Channel struct {
	Kind  Kind
	Index int
}

// Connection links a source node output channel to a destination node input channel.
type Connection struct {
	SourceNode uint32
	Source     Channel
	DestNode   uint32
	Dest       Channel
}

func compareConnections(a, b Connection) int {
	return cmp.Or(
		cmp.Compare(a.SourceNode, b.SourceNode),
		cmp.Compare(a.Source.Kind, b.Source.Kind),
		cmp.Compare(a.Source.Index, b.Source.Index),
		cmp.Compare(a.DestNode, b.DestNode),
		cmp.Compare(a.Dest.Kind, b.Dest.Kind),
		cmp.Compare(a.Dest.Index, b.Dest.Index),
	)
}

// Properties are static facts about a node.
type Properties struct {
	IsPlugin bool
	IsIO     bool
}

// Node is a graph vertex. Its id is never reused by the graph that created it.
type Node struct {
	ID    uint32
	Props Properties

	proc   Processor
	layout Layout
}

// Processor returns the node's processor.
func (n *Node) Processor() Processor { return n.proc }

// Layout returns the channel layout captured when the node was added or
// last reconfigured.
func (n *Node) Layout() Layout { return n.layout }

type ioConfig struct {
	audioIns, audioOuts int
	cvIns, cvOuts       int
}

// Graph owns nodes, connections and the rendering sequence.
//
// Structural edits and sequence builds are serialized by the build lock.
// The audio cycle and the sequence swap share the callback lock, so a cycle
// always runs against one consistent sequence.
type Graph struct {
	logger *zap.Logger

	buildMu      sync.Mutex
	nodes        []*Node
	conns        []Connection
	lastNodeID   uint32
	needsReorder atomic.Bool

	io          ioConfig
	sampleRate  float64
	blockSize   int
	nonRealtime bool
	prepared    bool

	cbMu     sync.Mutex
	seq      *sequence
	audioIn  [][]float32
	audioOut [][]float32
	cvIn     [][]float32
	cvOut    [][]float32
	midiIn   events.Buffer
	midiOut  events.Buffer
}

// New creates an empty, unprepared graph.
func New(logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{logger: logger}
}

// SetIOChannels sets the channel counts of the graph's own inputs and
// outputs. I/O nodes pick them up; buffers are allocated by Prepare.
func (g *Graph) SetIOChannels(audioIns, audioOuts, cvIns, cvOuts int) {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()
	g.io = ioConfig{audioIns: audioIns, audioOuts: audioOuts, cvIns: cvIns, cvOuts: cvOuts}
	for _, n := range g.nodes {
		if n.Props.IsIO {
			n.layout = n.proc.Layout()
		}
	}
	g.needsReorder.Store(true)
}

// AddNode adds a processor and returns its node. I/O processors are bound
// to this graph.
func (g *Graph) AddNode(p Processor, props Properties) *Node {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()

	if a, ok := p.(interface{ attach(*Graph) }); ok {
		a.attach(g)
		props.IsIO = true
	}
	g.lastNodeID++
	n := &Node{ID: g.lastNodeID, Props: props, proc: p}
	n.layout = p.Layout()
	if g.prepared {
		p.SetNonRealtime(g.nonRealtime)
		p.Prepare(g.sampleRate, g.blockSize)
	}
	g.nodes = append(g.nodes, n)
	g.needsReorder.Store(true)
	return n
}

// RemoveNode disconnects and removes a node. The node object stays alive
// for as long as the current rendering sequence refers to it.
func (g *Graph) RemoveNode(id uint32) bool {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()

	i := slices.IndexFunc(g.nodes, func(n *Node) bool { return n.ID == id })
	if i < 0 {
		return false
	}
	g.disconnectNodeLocked(id)
	g.nodes = slices.Delete(g.nodes, i, i+1)
	g.needsReorder.Store(true)
	return true
}

// Node returns the node with the given id.
func (g *Graph) Node(id uint32) *Node {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()
	return g.nodeLocked(id)
}

func (g *Graph) nodeLocked(id uint32) *Node {
	for _, n := range g.nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()
	return slices.Clone(g.nodes)
}

// Connections returns all connections, sorted.
func (g *Graph) Connections() []Connection {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()
	return slices.Clone(g.conns)
}

// IsConnected reports whether the exact connection exists.
func (g *Graph) IsConnected(c Connection) bool {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()
	_, found := slices.BinarySearchFunc(g.conns, c, compareConnections)
	return found
}

// CanConnect reports whether AddConnection would accept c.
func (g *Graph) CanConnect(c Connection) bool {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()
	return g.canConnectLocked(c)
}

func (g *Graph) canConnectLocked(c Connection) bool {
	if c.SourceNode == c.DestNode || c.Source.Kind != c.Dest.Kind {
		return false
	}
	if !g.isLegalLocked(c) {
		return false
	}
	_, found := slices.BinarySearchFunc(g.conns, c, compareConnections)
	return !found
}

// isLegalLocked checks that both nodes exist and expose the channels.
func (g *Graph) isLegalLocked(c Connection) bool {
	src, dst := g.nodeLocked(c.SourceNode), g.nodeLocked(c.DestNode)
	if src == nil || dst == nil || c.Source.Kind != c.Dest.Kind {
		return false
	}
	if c.Source.Index < 0 || c.Dest.Index < 0 {
		return false
	}
	return c.Source.Index < src.layout.Count(c.Source.Kind, false) &&
		c.Dest.Index < dst.layout.Count(c.Dest.Kind, true)
}

// AddConnection adds c if CanConnect allows it.
func (g *Graph) AddConnection(c Connection) bool {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()
	if !g.canConnectLocked(c) {
		return false
	}
	i, _ := slices.BinarySearchFunc(g.conns, c, compareConnections)
	g.conns = slices.Insert(g.conns, i, c)
	g.needsReorder.Store(true)
	return true
}

// RemoveConnection removes c if present.
func (g *Graph) RemoveConnection(c Connection) bool {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()
	i, found := slices.BinarySearchFunc(g.conns, c, compareConnections)
	if !found {
		return false
	}
	g.conns = slices.Delete(g.conns, i, i+1)
	g.needsReorder.Store(true)
	return true
}

// DisconnectNode removes every connection touching a node.
func (g *Graph) DisconnectNode(id uint32) bool {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()
	return g.disconnectNodeLocked(id)
}

func (g *Graph) disconnectNodeLocked(id uint32) bool {
	before := len(g.conns)
	g.conns = slices.DeleteFunc(g.conns, func(c Connection) bool {
		return c.SourceNode == id || c.DestNode == id
	})
	if len(g.conns) == before {
		return false
	}
	g.needsReorder.Store(true)
	return true
}

// RemoveIllegalConnections drops connections whose nodes or channels no
// longer exist. It reports whether anything was removed.
func (g *Graph) RemoveIllegalConnections() bool {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()
	return g.removeIllegalLocked()
}

func (g *Graph) removeIllegalLocked() bool {
	before := len(g.conns)
	g.conns = slices.DeleteFunc(g.conns, func(c Connection) bool { return !g.isLegalLocked(c) })
	if len(g.conns) == before {
		return false
	}
	g.needsReorder.Store(true)
	return true
}

// ReconfigureNode runs fn under the build lock, re-reads the node's layout,
// drops connections the new layout no longer supports and rebuilds the
// rendering sequence before returning.
func (g *Graph) ReconfigureNode(id uint32, fn func()) (before, after Layout, ok bool) {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()

	n := g.nodeLocked(id)
	if n == nil {
		return Layout{}, Layout{}, false
	}
	before = n.layout
	if fn != nil {
		fn()
	}
	n.layout = n.proc.Layout()
	g.removeIllegalLocked()
	g.needsReorder.Store(false)
	g.rebuildLocked()
	return before, n.layout, true
}

// Prepare sizes the graph for a block size, prepares every processor and
// builds the rendering sequence. On allocation failure the previous buffers
// and sequence stay active.
func (g *Graph) Prepare(sampleRate float64, blockSize int) error {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()

	if blockSize <= 0 || blockSize > maxBlockSize {
		return fmt.Errorf("%w: block size %d", ErrAllocation, blockSize)
	}
	bufs, err := allocChannels(g.io.audioIns+g.io.audioOuts+g.io.cvIns+g.io.cvOuts, blockSize)
	if err != nil {
		return err
	}

	prevRate, prevSize, prevPrepared := g.sampleRate, g.blockSize, g.prepared
	g.sampleRate, g.blockSize, g.prepared = sampleRate, blockSize, true
	seq, err := g.build()
	if err != nil {
		g.sampleRate, g.blockSize, g.prepared = prevRate, prevSize, prevPrepared
		return err
	}
	for _, n := range g.nodes {
		n.proc.SetNonRealtime(g.nonRealtime)
		n.proc.Prepare(sampleRate, blockSize)
	}
	g.needsReorder.Store(false)

	g.cbMu.Lock()
	g.audioIn, bufs = bufs[:g.io.audioIns], bufs[g.io.audioIns:]
	g.audioOut, bufs = bufs[:g.io.audioOuts], bufs[g.io.audioOuts:]
	g.cvIn, bufs = bufs[:g.io.cvIns], bufs[g.io.cvIns:]
	g.cvOut = bufs[:g.io.cvOuts]
	g.seq = seq
	g.cbMu.Unlock()
	return nil
}

// Release drops the rendering sequence and releases every processor.
func (g *Graph) Release() {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()

	g.cbMu.Lock()
	g.seq = nil
	g.cbMu.Unlock()

	for _, n := range g.nodes {
		n.proc.Release()
	}
	g.prepared = false
}

// Clear removes all nodes and connections.
func (g *Graph) Clear() {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()
	g.nodes = nil
	g.conns = nil
	g.needsReorder.Store(false)
	g.rebuildLocked()
}

// SetNonRealtime forwards offline rendering state to every processor.
func (g *Graph) SetNonRealtime(nonRealtime bool) {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()
	g.nonRealtime = nonRealtime
	for _, n := range g.nodes {
		n.proc.SetNonRealtime(nonRealtime)
	}
}

// NeedsReorder reports whether the topology changed since the last build.
func (g *Graph) NeedsReorder() bool { return g.needsReorder.Load() }

// ReorderNowIfNeeded rebuilds the rendering sequence when the topology
// changed since the last build.
func (g *Graph) ReorderNowIfNeeded() {
	if !g.needsReorder.Load() {
		return
	}
	g.buildMu.Lock()
	defer g.buildMu.Unlock()
	if g.needsReorder.Swap(false) {
		g.rebuildLocked()
	}
}

// BuildRenderingSequence rebuilds the rendering sequence unconditionally.
func (g *Graph) BuildRenderingSequence() {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()
	g.needsReorder.Store(false)
	g.rebuildLocked()
}

func (g *Graph) rebuildLocked() {
	if !g.prepared {
		return
	}
	seq, err := g.build()
	if err != nil {
		g.logger.Error("rendering sequence build failed", zap.Error(err))
		g.needsReorder.Store(true)
		return
	}
	g.cbMu.Lock()
	g.seq = seq
	g.cbMu.Unlock()
}

// WithBuildLock runs fn while no structural edit or rebuild is in progress.
func (g *Graph) WithBuildLock(fn func()) {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()
	fn()
}

// WithCallbackLock runs fn while no audio cycle is in flight.
func (g *Graph) WithCallbackLock(fn func()) {
	g.cbMu.Lock()
	defer g.cbMu.Unlock()
	fn()
}

// Order returns the node ids in rendering order of the active sequence.
func (g *Graph) Order() []uint32 {
	g.cbMu.Lock()
	defer g.cbMu.Unlock()
	if g.seq == nil {
		return nil
	}
	ids := make([]uint32, len(g.seq.ops))
	for i, o := range g.seq.ops {
		ids[i] = o.node.ID
	}
	return ids
}

// IO carries the cycle's external buffers into and out of the graph.
type IO struct {
	AudioIn  [][]float32
	AudioOut [][]float32
	CVIn     [][]float32
	CVOut    [][]float32
	MIDIIn   *events.Buffer
	MIDIOut  *events.Buffer
}

// Process runs one cycle. Inputs are copied into the graph's scratch
// buffers (missing channels read as silence), the sequence runs once and the
// outputs are copied back. It does not allocate.
func (g *Graph) Process(io *IO, frames int) {
	g.cbMu.Lock()
	defer g.cbMu.Unlock()

	if g.seq == nil || frames <= 0 {
		zeroChannels(io.AudioOut, frames)
		zeroChannels(io.CVOut, frames)
		if io.MIDIOut != nil {
			io.MIDIOut.Clear()
		}
		return
	}
	frames = min(frames, g.blockSize)

	copyChannelsIn(g.audioIn, io.AudioIn, frames)
	copyChannelsIn(g.cvIn, io.CVIn, frames)
	g.midiIn.Clear()
	if io.MIDIIn != nil {
		g.midiIn.CopyFrom(io.MIDIIn)
	}
	zeroChannels(g.audioOut, frames)
	zeroChannels(g.cvOut, frames)
	g.midiOut.Clear()

	g.seq.perform(frames)

	copyChannelsOut(io.AudioOut, g.audioOut, frames)
	copyChannelsOut(io.CVOut, g.cvOut, frames)
	if io.MIDIOut != nil {
		io.MIDIOut.CopyFrom(&g.midiOut)
	}
	g.midiOut.Clear()
}

func copyChannelsIn(dst, src [][]float32, n int) {
	for i, buf := range dst {
		k := 0
		if i < len(src) {
			k = copy(buf[:n], src[i])
		}
		clear(buf[k:n])
	}
}

func copyChannelsOut(dst, src [][]float32, n int) {
	for i, buf := range dst {
		if buf == nil {
			continue
		}
		m := min(n, len(buf))
		if i < len(src) {
			copy(buf[:m], src[i][:m])
			continue
		}
		clear(buf[:m])
	}
}

func zeroChannels(bufs [][]float32, n int) {
	for _, buf := range bufs {
		clear(buf[:min(max(n, 0), len(buf))])
	}
}

func addFloats(dst, src []float32) {
	src = src[:len(dst)]
	for i := range dst {
		dst[i] += src[i]
	}
}

func allocChannels(count, frames int) (bufs [][]float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			bufs = nil
			err = fmt.Errorf("%w: %v", ErrAllocation, r)
		}
	}()
	bufs = make([][]float32, count)
	for i := range bufs {
		bufs[i] = make([]float32, frames)
	}
	return bufs, nil
}
