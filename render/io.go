package render

import "fmt"

// IOKind selects which side of the graph an IOProcessor exposes.
type IOKind int

const (
	AudioInputNode IOKind = iota
	AudioOutputNode
	CVInputNode
	CVOutputNode
	MIDIInputNode
	MIDIOutputNode
)

// IOProcessor connects the graph's own inputs and outputs to the nodes
// inside it. An input node has outputs only and vice versa.
type IOProcessor struct {
	kind  IOKind
	graph *Graph
	names []string
}

// NewIOProcessor creates an I/O endpoint. It takes its channel counts from
// the graph it is added to.
func NewIOProcessor(kind IOKind) *IOProcessor {
	return &IOProcessor{kind: kind}
}

func (p *IOProcessor) attach(g *Graph) { p.graph = g }

// Kind returns the endpoint kind.
func (p *IOProcessor) Kind() IOKind { return p.kind }

// IsInput reports whether the node feeds graph inputs into the graph.
func (p *IOProcessor) IsInput() bool {
	return p.kind == AudioInputNode || p.kind == CVInputNode || p.kind == MIDIInputNode
}

// SetChannelNames overrides the generated channel names.
func (p *IOProcessor) SetChannelNames(names []string) {
	p.names = append([]string(nil), names...)
}

func (p *IOProcessor) Name() string {
	switch p.kind {
	case AudioInputNode:
		return "Audio Input"
	case AudioOutputNode:
		return "Audio Output"
	case CVInputNode:
		return "CV Input"
	case CVOutputNode:
		return "CV Output"
	case MIDIInputNode:
		return "MIDI Input"
	case MIDIOutputNode:
		return "MIDI Output"
	}
	return "I/O"
}

func (p *IOProcessor) Layout() Layout {
	if p.graph == nil {
		return Layout{}
	}
	io := p.graph.io
	switch p.kind {
	case AudioInputNode:
		return Layout{AudioOuts: io.audioIns}
	case AudioOutputNode:
		return Layout{AudioIns: io.audioOuts}
	case CVInputNode:
		return Layout{CVOuts: io.cvIns}
	case CVOutputNode:
		return Layout{CVIns: io.cvOuts}
	case MIDIInputNode:
		return Layout{MIDIOut: true}
	case MIDIOutputNode:
		return Layout{MIDIIn: true}
	}
	return Layout{}
}

func (p *IOProcessor) ChannelName(kind Kind, isInput bool, index int) string {
	if kind == KindMIDI {
		return defaultChannelName(kind, isInput, index)
	}
	if index >= 0 && index < len(p.names) {
		return p.names[index]
	}
	switch p.kind {
	case AudioInputNode:
		return fmt.Sprintf("Capture %d", index+1)
	case AudioOutputNode:
		return fmt.Sprintf("Playback %d", index+1)
	case CVInputNode:
		return fmt.Sprintf("CV Capture %d", index+1)
	case CVOutputNode:
		return fmt.Sprintf("CV Playback %d", index+1)
	}
	return defaultChannelName(kind, isInput, index)
}

func (p *IOProcessor) Prepare(float64, int) {}
func (p *IOProcessor) Release()             {}
func (p *IOProcessor) SetNonRealtime(bool)  {}

// ProcessBlock moves data between the graph's I/O buffers and the block. It
// runs under the graph's callback lock.
func (p *IOProcessor) ProcessBlock(b *Block) {
	g := p.graph
	if g == nil {
		return
	}
	n := b.Frames
	switch p.kind {
	case AudioInputNode:
		for i, dst := range b.AudioOut {
			if i < len(g.audioIn) {
				copy(dst, g.audioIn[i][:n])
			}
		}
	case AudioOutputNode:
		for i, src := range b.AudioIn {
			if i < len(g.audioOut) {
				addFloats(g.audioOut[i][:n], src)
			}
		}
	case CVInputNode:
		for i, dst := range b.CVOut {
			if i < len(g.cvIn) {
				copy(dst, g.cvIn[i][:n])
			}
		}
	case CVOutputNode:
		for i, src := range b.CVIn {
			if i < len(g.cvOut) {
				addFloats(g.cvOut[i][:n], src)
			}
		}
	case MIDIInputNode:
		if b.MIDIOut != nil {
			b.MIDIOut.CopyFrom(&g.midiIn)
		}
	case MIDIOutputNode:
		if b.MIDIIn != nil {
			g.midiOut.Merge(b.MIDIIn)
		}
	}
}
