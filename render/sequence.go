package render

import (
	"slices"

	"github.com/shaban/audiohost/events"
)

// op renders one node. All buffers are allocated when the sequence is built.
type op struct {
	node  *Node
	block Block

	audioSrc [][][]float32 // per audio input channel, the upstream outputs
	cvSrc    [][][]float32
	midiSrc  []*events.Buffer

	midiIn, midiOut events.Buffer
}

// sequence is an immutable rendering order plus the buffers it runs on.
type sequence struct {
	ops []*op
}

// orderNodes sorts nodes so every node renders after the nodes feeding it.
// Unrelated nodes keep their insertion order. Inside a cycle the earliest
// added node goes first.
func orderNodes(nodes []*Node, conns []Connection) []*Node {
	sources := make(map[uint32][]uint32)
	for _, c := range conns {
		if c.SourceNode != c.DestNode && !slices.Contains(sources[c.DestNode], c.SourceNode) {
			sources[c.DestNode] = append(sources[c.DestNode], c.SourceNode)
		}
	}

	placed := make(map[uint32]bool, len(nodes))
	remaining := slices.Clone(nodes)
	ordered := make([]*Node, 0, len(nodes))
	for len(remaining) > 0 {
		i := slices.IndexFunc(remaining, func(n *Node) bool {
			for _, src := range sources[n.ID] {
				if !placed[src] {
					return false
				}
			}
			return true
		})
		if i < 0 {
			i = 0
		}
		n := remaining[i]
		placed[n.ID] = true
		ordered = append(ordered, n)
		remaining = slices.Delete(remaining, i, i+1)
	}
	return ordered
}

// build creates a new sequence for the current topology and block size.
// It runs under the build lock and never touches the active sequence.
func (g *Graph) build() (*sequence, error) {
	ordered := orderNodes(g.nodes, g.conns)

	total := 0
	for _, n := range ordered {
		l := n.layout
		total += l.AudioIns + l.AudioOuts + l.CVIns + l.CVOuts
	}
	bufs, err := allocChannels(total, g.blockSize)
	if err != nil {
		return nil, err
	}
	take := func(k int) [][]float32 {
		out := bufs[:k:k]
		bufs = bufs[k:]
		return out
	}

	seq := &sequence{ops: make([]*op, len(ordered))}
	byID := make(map[uint32]*op, len(ordered))
	for i, n := range ordered {
		l := n.layout
		o := &op{node: n}
		o.block = Block{
			AudioIn:  take(l.AudioIns),
			AudioOut: take(l.AudioOuts),
			CVIn:     take(l.CVIns),
			CVOut:    take(l.CVOuts),
		}
		if l.MIDIIn {
			o.block.MIDIIn = &o.midiIn
		}
		if l.MIDIOut {
			o.block.MIDIOut = &o.midiOut
		}
		o.audioSrc = make([][][]float32, l.AudioIns)
		o.cvSrc = make([][][]float32, l.CVIns)
		seq.ops[i] = o
		byID[n.ID] = o
	}

	for _, c := range g.conns {
		src, dst := byID[c.SourceNode], byID[c.DestNode]
		if src == nil || dst == nil {
			continue
		}
		switch c.Source.Kind {
		case KindAudio:
			if c.Source.Index < len(src.block.AudioOut) && c.Dest.Index < len(dst.audioSrc) {
				dst.audioSrc[c.Dest.Index] = append(dst.audioSrc[c.Dest.Index], src.block.AudioOut[c.Source.Index])
			}
		case KindCV:
			if c.Source.Index < len(src.block.CVOut) && c.Dest.Index < len(dst.cvSrc) {
				dst.cvSrc[c.Dest.Index] = append(dst.cvSrc[c.Dest.Index], src.block.CVOut[c.Source.Index])
			}
		case KindMIDI:
			if src.block.MIDIOut != nil && dst.block.MIDIIn != nil && !slices.Contains(dst.midiSrc, src.block.MIDIOut) {
				dst.midiSrc = append(dst.midiSrc, src.block.MIDIOut)
			}
		}
	}
	return seq, nil
}

// perform runs every op once. Sources that render later in the order are
// read as they were left by the previous cycle.
func (s *sequence) perform(frames int) {
	for _, o := range s.ops {
		b := &o.block
		b.Frames = frames
		resize(b.AudioIn, frames)
		resize(b.AudioOut, frames)
		resize(b.CVIn, frames)
		resize(b.CVOut, frames)
		gather(b.AudioIn, o.audioSrc, frames)
		gather(b.CVIn, o.cvSrc, frames)
		if b.MIDIIn != nil {
			b.MIDIIn.Clear()
			for _, src := range o.midiSrc {
				b.MIDIIn.Merge(src)
			}
		}
		for _, buf := range b.AudioOut {
			clear(buf)
		}
		for _, buf := range b.CVOut {
			clear(buf)
		}
		if b.MIDIOut != nil {
			b.MIDIOut.Clear()
		}
		o.node.proc.ProcessBlock(b)
	}
}

func gather(dst [][]float32, srcs [][][]float32, frames int) {
	for i, buf := range dst {
		buf = buf[:frames]
		switch len(srcs[i]) {
		case 0:
			clear(buf)
		case 1:
			copy(buf, srcs[i][0][:frames])
		default:
			copy(buf, srcs[i][0][:frames])
			for _, s := range srcs[i][1:] {
				addFloats(buf, s[:frames])
			}
		}
	}
}

// resize sets every buffer's length to frames within its allocated capacity.
func resize(bufs [][]float32, frames int) {
	for i := range bufs {
		bufs[i] = bufs[i][:frames]
	}
}
