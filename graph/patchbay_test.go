package graph_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/audiohost/events"
	"github.com/shaban/audiohost/graph"
	"github.com/shaban/audiohost/internal/testutil"
	"github.com/shaban/audiohost/render"
)

func newPatchbay(t *testing.T, opts graph.PatchbayOptions) (*graph.PatchbayGraph, *testutil.FakeHost) {
	t.Helper()
	host := testutil.NewFakeHost(frames)
	if opts.ReorderInterval == 0 {
		opts.ReorderInterval = time.Millisecond
	}
	p, err := graph.NewPatchbayGraph(host, opts, nil)
	require.NoError(t, err)
	t.Cleanup(p.Destroy)
	return p, host
}

func stereoOpts() graph.PatchbayOptions {
	return graph.PatchbayOptions{Inputs: 2, Outputs: 2}
}

func port(t *testing.T, kind render.Kind, isInput bool, index int) uint {
	t.Helper()
	id, ok := graph.EncodePort(kind, isInput, index)
	require.True(t, ok)
	return id
}

func ioNode(t *testing.T, p *graph.PatchbayGraph, kind render.IOKind) uint {
	t.Helper()
	id, ok := p.IONode(kind)
	require.True(t, ok)
	return uint(id)
}

func TestPatchbayIONodes(t *testing.T) {
	p, host := newPatchbay(t, graph.PatchbayOptions{Inputs: 3, Outputs: 40, CVInputs: 1})
	_, hasCVOut := p.IONode(render.CVOutputNode)
	assert.False(t, hasCVOut)

	p.Refresh(false, "")
	names := map[string]bool{}
	for _, n := range host.Filter(graph.PortAdded) {
		names[n.Name] = true
	}
	assert.True(t, names["Sidechain"])
	assert.True(t, names["Playback 32"])
	assert.False(t, names["Playback 33"], "outputs are clamped")
	assert.True(t, names["CV Capture 1"])

	for _, c := range host.Filter(graph.ClientAdded) {
		assert.Equal(t, graph.IconHardware, c.Icon)
		assert.Equal(t, -1, c.PluginID)
	}
}

func TestPatchbayAddPluginAnnouncesPortsInOrder(t *testing.T) {
	p, host := newPatchbay(t, stereoOpts())
	fx := testutil.NewFakePlugin("fx", 2, 2).WithCV(1, 1).WithMIDI(1, 1)
	node, err := p.AddPlugin(fx, 0)
	require.NoError(t, err)

	all := host.All()
	require.Len(t, all, 9)
	assert.Equal(t, graph.ClientAdded, all[0].Action)
	assert.Equal(t, graph.IconPlugin, all[0].Icon)
	assert.Equal(t, 0, all[0].PluginID)
	assert.Equal(t, "fx", all[0].Name)
	assert.Equal(t, uint(node), all[0].GroupID)

	wantPorts := []uint{
		graph.PortOffsetAudioIn, graph.PortOffsetAudioIn + 1,
		graph.PortOffsetAudioOut, graph.PortOffsetAudioOut + 1,
		graph.PortOffsetCVIn, graph.PortOffsetCVOut,
		graph.PortOffsetMIDIIn, graph.PortOffsetMIDIOut,
	}
	for i, want := range wantPorts {
		n := all[i+1]
		assert.Equal(t, graph.PortAdded, n.Action)
		assert.Equal(t, want, n.PortID)
	}
	assert.Equal(t, graph.PortTypeAudio|graph.PortIsInput, all[1].Hints)
	assert.Equal(t, "events-in", all[7].Name)
	assert.Equal(t, "events-out", all[8].Name)

	_, err = p.AddPlugin(fx, 5)
	assert.ErrorIs(t, err, graph.ErrInvariant)
}

func TestPatchbayAddPluginSilentWhenUsingExternal(t *testing.T) {
	p, host := newPatchbay(t, stereoOpts())
	p.SetUsingExternal(true)
	_, err := p.AddPlugin(testutil.NewFakePlugin("fx", 2, 2), 0)
	require.NoError(t, err)
	assert.Empty(t, host.All())
}

func TestPatchbayConnectAndNames(t *testing.T) {
	p, host := newPatchbay(t, stereoOpts())
	node, err := p.AddPlugin(testutil.NewFakePlugin("fx", 2, 2), 0)
	require.NoError(t, err)
	host.Reset()

	in := ioNode(t, p, render.AudioInputNode)
	require.NoError(t, p.Connect(false, in, port(t, render.KindAudio, false, 0), uint(node), port(t, render.KindAudio, true, 0), true))

	added := host.Filter(graph.ConnectionAdded)
	require.Len(t, added, 1)
	assert.Equal(t, p.Tracked()[0].String(), added[0].Name)

	names := p.Connections(false)
	assert.Equal(t, []string{"Audio Input:Left", "fx:audio-in1"}, names)

	g, pt, ok := p.GroupAndPortIDFromFullName(false, "Audio Input:Left")
	require.True(t, ok)
	assert.Equal(t, in, g)
	assert.Equal(t, graph.PortOffsetAudioOut, pt)

	g, pt, ok = p.GroupAndPortIDFromFullName(false, "fx:audio-in1")
	require.True(t, ok)
	assert.Equal(t, uint(node), g)
	assert.Equal(t, graph.PortOffsetAudioIn, pt)

	_, _, ok = p.GroupAndPortIDFromFullName(false, "fx:nothing")
	assert.False(t, ok)
}

func TestPatchbayConnectRejectsInvalid(t *testing.T) {
	p, host := newPatchbay(t, stereoOpts())
	node, err := p.AddPlugin(testutil.NewFakePlugin("fx", 2, 2).WithMIDI(1, 1), 0)
	require.NoError(t, err)
	host.Reset()
	in := ioNode(t, p, render.AudioInputNode)
	n := uint(node)

	cases := map[string][4]uint{
		"input as source":  {n, port(t, render.KindAudio, true, 0), in, port(t, render.KindAudio, true, 0)},
		"kind mismatch":    {in, port(t, render.KindAudio, false, 0), n, graph.PortOffsetMIDIIn},
		"self connection":  {n, port(t, render.KindAudio, false, 0), n, port(t, render.KindAudio, true, 0)},
		"channel overflow": {in, port(t, render.KindAudio, false, 0), n, port(t, render.KindAudio, true, 7)},
		"unknown node":     {99, port(t, render.KindAudio, false, 0), n, port(t, render.KindAudio, true, 0)},
		"null port":        {in, 0, n, port(t, render.KindAudio, true, 0)},
	}
	for name, c := range cases {
		err := p.Connect(false, c[0], c[1], c[2], c[3], true)
		assert.ErrorIs(t, err, graph.ErrInvalidConnection, name)
	}
	assert.Empty(t, host.All())
	assert.Empty(t, p.Tracked())
}

func TestPatchbayDisconnect(t *testing.T) {
	p, host := newPatchbay(t, stereoOpts())
	in := ioNode(t, p, render.AudioInputNode)
	out := ioNode(t, p, render.AudioOutputNode)
	require.NoError(t, p.Connect(false, in, graph.PortOffsetAudioOut, out, graph.PortOffsetAudioIn, true))
	id := p.Tracked()[0].ID

	assert.ErrorIs(t, p.Disconnect(false, id+1), graph.ErrConnectionNotFound)
	assert.Len(t, p.Tracked(), 1)

	require.NoError(t, p.Disconnect(false, id))
	assert.Empty(t, p.Tracked())
	assert.Empty(t, p.Render().Connections())
	assert.Equal(t, 1, host.Count(graph.ConnectionRemoved))
}

func TestPatchbayRemovePluginRenumbers(t *testing.T) {
	p, host := newPatchbay(t, stereoOpts())
	var nodes []uint32
	for i := range 4 {
		n, err := p.AddPlugin(testutil.NewFakePlugin("fx", 2, 2), uint(i))
		require.NoError(t, err)
		nodes = append(nodes, n)
	}
	out := ioNode(t, p, render.AudioOutputNode)
	require.NoError(t, p.Connect(false, uint(nodes[1]), graph.PortOffsetAudioOut, out, graph.PortOffsetAudioIn, true))
	connID := p.Tracked()[0].ID
	host.Reset()

	require.NoError(t, p.RemovePlugin(1))

	all := host.All()
	require.NotEmpty(t, all)
	assert.Equal(t, graph.ConnectionRemoved, all[0].Action)
	assert.Equal(t, connID, all[0].ConnectionID)
	assert.Equal(t, graph.ClientRemoved, all[len(all)-1].Action)
	assert.Equal(t, 4, host.Count(graph.PortRemoved))

	assert.Equal(t, 3, p.PluginCount())
	for slot, want := range []uint32{nodes[0], nodes[2], nodes[3]} {
		got, ok := p.NodeForPlugin(uint(slot))
		require.True(t, ok)
		assert.Equal(t, want, got, "node ids are stable")
		id, ok := p.PluginIDForNode(want)
		require.True(t, ok)
		assert.Equal(t, uint(slot), id)
	}
	_, ok := p.PluginIDForNode(nodes[1])
	assert.False(t, ok)
	assert.ErrorIs(t, p.RemovePlugin(3), graph.ErrPluginNotFound)
}

func TestPatchbayReplacePluginKeepsSlotAndPosition(t *testing.T) {
	p, host := newPatchbay(t, stereoOpts())
	old, err := p.AddPlugin(testutil.NewFakePlugin("old", 2, 2), 0)
	require.NoError(t, err)
	require.NoError(t, p.SetGroupPosition(false, uint(old), 10, 20, 30, 40))
	host.Reset()

	node, err := p.ReplacePlugin(0, testutil.NewFakePlugin("new", 1, 1))
	require.NoError(t, err)
	assert.NotEqual(t, old, node)

	id, ok := p.PluginIDForNode(node)
	require.True(t, ok)
	assert.Zero(t, id)

	moved := host.Filter(graph.ClientPositionChanged)
	require.Len(t, moved, 1)
	assert.Equal(t, uint(node), moved[0].GroupID)
	assert.Equal(t, 20, moved[0].Position.Y1)
}

func TestPatchbayRenamePlugin(t *testing.T) {
	p, host := newPatchbay(t, stereoOpts())
	_, err := p.AddPlugin(testutil.NewFakePlugin("fx", 2, 2), 0)
	require.NoError(t, err)
	require.NoError(t, p.RenamePlugin(0, "reverb"))
	renamed := host.Filter(graph.ClientRenamed)
	require.Len(t, renamed, 1)
	assert.Equal(t, "reverb", renamed[0].Name)
	assert.ErrorIs(t, p.RenamePlugin(1, "x"), graph.ErrPluginNotFound)
}

func TestPatchbayReconfigureForCV(t *testing.T) {
	p, host := newPatchbay(t, stereoOpts())
	fx := testutil.NewFakePlugin("fx", 2, 2).WithCV(1, 0)
	node, err := p.AddPlugin(fx, 0)
	require.NoError(t, err)
	host.Reset()

	fx.SetCVIns(2)
	require.NoError(t, p.ReconfigureForCV(0, true))
	added := host.Filter(graph.PortAdded)
	require.Len(t, added, 1)
	assert.Equal(t, uint(node), added[0].GroupID)
	assert.Equal(t, graph.PortOffsetCVIn+1, added[0].PortID, "index is the previous count")
	assert.Equal(t, graph.PortTypeCV|graph.PortIsInput, added[0].Hints)
	assert.Equal(t, 2, p.Render().Node(node).Layout().CVIns)

	host.Reset()
	fx.SetCVIns(1)
	require.NoError(t, p.ReconfigureForCV(0, false))
	removed := host.Filter(graph.PortRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, graph.PortOffsetCVIn+1, removed[0].PortID)

	host.Reset()
	fx.SetCVIns(3)
	assert.ErrorIs(t, p.ReconfigureForCV(0, false), graph.ErrInvariant)
	assert.Empty(t, host.All())
}

func TestPatchbayReconfigureDropsStaleCVConnections(t *testing.T) {
	p, host := newPatchbay(t, graph.PatchbayOptions{Inputs: 2, Outputs: 2, CVInputs: 1})
	fx := testutil.NewFakePlugin("fx", 2, 2).WithCV(2, 0)
	node, err := p.AddPlugin(fx, 0)
	require.NoError(t, err)
	cvIn := ioNode(t, p, render.CVInputNode)
	require.NoError(t, p.Connect(false, cvIn, graph.PortOffsetCVOut, uint(node), graph.PortOffsetCVIn+1, true))
	tracked := p.Tracked()
	require.Len(t, tracked, 1)
	host.Reset()

	fx.SetCVIns(1)
	require.NoError(t, p.ReconfigureForCV(0, false))
	assert.Empty(t, p.Render().Connections())
	assert.Empty(t, p.Tracked())

	notes := host.All()
	require.Len(t, notes, 2)
	assert.Equal(t, graph.ConnectionRemoved, notes[0].Action)
	assert.Equal(t, tracked[0].ID, notes[0].ConnectionID)
	assert.Equal(t, graph.PortRemoved, notes[1].Action)

	assert.ErrorIs(t, p.Disconnect(false, tracked[0].ID), graph.ErrConnectionNotFound)
}

func TestPatchbayRefresh(t *testing.T) {
	p, host := newPatchbay(t, stereoOpts())
	node, err := p.AddPlugin(testutil.NewFakePlugin("fx", 2, 2), 0)
	require.NoError(t, err)
	in := ioNode(t, p, render.AudioInputNode)
	out := ioNode(t, p, render.AudioOutputNode)
	require.NoError(t, p.Connect(false, in, graph.PortOffsetAudioOut, uint(node), graph.PortOffsetAudioIn, true))
	require.NoError(t, p.Connect(false, uint(node), graph.PortOffsetAudioOut, out, graph.PortOffsetAudioIn, true))
	oldIDs := []uint{p.Tracked()[0].ID, p.Tracked()[1].ID}

	refresh := func() []string {
		host.Reset()
		p.Refresh(false, "")
		var conns []string
		for _, n := range host.Filter(graph.ConnectionAdded) {
			conns = append(conns, n.Name)
		}
		return conns
	}
	first := refresh()
	second := refresh()
	assert.ElementsMatch(t, first, second)
	assert.Len(t, first, 2)
	assert.Equal(t, 5, host.Count(graph.ClientAdded))
	for _, c := range p.Tracked() {
		assert.NotContains(t, oldIDs, c.ID)
	}

	// every announced connection must follow the ports it references
	seen := map[[2]uint]bool{}
	for _, n := range host.All() {
		switch n.Action {
		case graph.PortAdded:
			seen[[2]uint{n.GroupID, n.PortID}] = true
		case graph.ConnectionAdded:
			for _, c := range p.Tracked() {
				if c.ID == n.ConnectionID {
					assert.True(t, seen[[2]uint{c.GroupA, c.PortA}])
					assert.True(t, seen[[2]uint{c.GroupB, c.PortB}])
				}
			}
		}
	}

	names := p.Connections(false)
	tracked := p.Tracked()
	require.Len(t, names, 2*len(tracked))
	for i, c := range tracked {
		g, pt, ok := p.GroupAndPortIDFromFullName(false, names[2*i])
		require.True(t, ok)
		assert.Equal(t, [2]uint{c.GroupA, c.PortA}, [2]uint{g, pt})
		g, pt, ok = p.GroupAndPortIDFromFullName(false, names[2*i+1])
		require.True(t, ok)
		assert.Equal(t, [2]uint{c.GroupB, c.PortB}, [2]uint{g, pt})
	}
}

func TestPatchbayExternalForwarding(t *testing.T) {
	p, host := newPatchbay(t, stereoOpts())
	p.Refresh(true, "dev")
	assert.Equal(t, 3, host.Count(graph.ClientAdded), "host and the two MIDI groups")

	require.NoError(t, p.Connect(true, graph.GroupMIDIIn, 1, graph.GroupHost, graph.HostPortMIDIIn, true))
	assert.Equal(t, []string{"MidiIn:Keys", "Carla:MidiIn"}, p.Connections(true))
	assert.Equal(t, []string{"Keys"}, p.External().Links().Snapshot().MIDIIns)

	id := p.External().Tracked()[0].ID
	require.NoError(t, p.Disconnect(true, id))
	assert.Empty(t, p.Connections(true))
}

func TestPatchbayProcess(t *testing.T) {
	p, host := newPatchbay(t, stereoOpts())
	fx := testutil.NewFakePlugin("fx", 2, 2).WithMIDI(1, 1)
	fx.Gain = 0.5
	node, err := p.AddPlugin(fx, 0)
	require.NoError(t, err)
	n := uint(node)
	in := ioNode(t, p, render.AudioInputNode)
	out := ioNode(t, p, render.AudioOutputNode)
	midiIn := ioNode(t, p, render.MIDIInputNode)
	midiOut := ioNode(t, p, render.MIDIOutputNode)
	for ch := range 2 {
		require.NoError(t, p.Connect(false, in, port(t, render.KindAudio, false, ch), n, port(t, render.KindAudio, true, ch), false))
		require.NoError(t, p.Connect(false, n, port(t, render.KindAudio, false, ch), out, port(t, render.KindAudio, true, ch), false))
	}
	require.NoError(t, p.Connect(false, midiIn, graph.PortOffsetMIDIOut, n, graph.PortOffsetMIDIIn, false))
	require.NoError(t, p.Connect(false, n, graph.PortOffsetMIDIOut, midiOut, graph.PortOffsetMIDIIn, false))
	p.Render().ReorderNowIfNeeded()

	evIn, evOut := &events.Buffer{}, &events.Buffer{}
	require.True(t, evIn.Push(events.ControlEvent(2, 1, 0.5)))
	outs := testutil.Channels(2, frames)
	p.Process([][]float32{testutil.Constant(frames, 1), testutil.Constant(frames, -1)}, outs, evIn, evOut, frames)

	assert.Equal(t, testutil.Constant(frames, 0.5), outs[0])
	assert.Equal(t, testutil.Constant(frames, -0.5), outs[1])
	assert.Equal(t, 1, evOut.Len())

	_, outPeaks := host.Peaks(0)
	assert.Equal(t, [2]float32{0.5, 0.5}, outPeaks)
}

func TestPatchbayRemoveAllPlugins(t *testing.T) {
	p, _ := newPatchbay(t, stereoOpts())
	for i := range 3 {
		_, err := p.AddPlugin(testutil.NewFakePlugin("fx", 2, 2), uint(i))
		require.NoError(t, err)
	}
	p.RemoveAllPlugins()
	assert.Zero(t, p.PluginCount())
	assert.Len(t, p.Render().Nodes(), 4)
}

func TestPatchbayRemovedPluginIsNeverProcessed(t *testing.T) {
	p, _ := newPatchbay(t, stereoOpts())
	in := ioNode(t, p, render.AudioInputNode)
	out := ioNode(t, p, render.AudioOutputNode)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		ins := [][]float32{testutil.Constant(frames, 1), testutil.Constant(frames, 1)}
		outs := testutil.Channels(2, frames)
		evIn, evOut := &events.Buffer{}, &events.Buffer{}
		for {
			select {
			case <-stop:
				return
			default:
				p.Process(ins, outs, evIn, evOut, frames)
			}
		}
	}()

	rounds := 100
	if testutil.IsCI() {
		rounds = 25
	}
	var removed []*testutil.FakePlugin
	for range rounds {
		fx := testutil.NewFakePlugin("fx", 2, 2)
		node, err := p.AddPlugin(fx, 0)
		require.NoError(t, err)
		require.NoError(t, p.Connect(false, in, graph.PortOffsetAudioOut, uint(node), graph.PortOffsetAudioIn, false))
		require.NoError(t, p.Connect(false, uint(node), graph.PortOffsetAudioOut, out, graph.PortOffsetAudioIn, false))
		time.Sleep(100 * time.Microsecond)
		require.NoError(t, p.RemovePlugin(0))
		removed = append(removed, fx)
	}
	counts := make([]int64, len(removed))
	for i, fx := range removed {
		counts[i] = fx.ProcessCount()
	}
	time.Sleep(5 * time.Millisecond)
	close(stop)
	wg.Wait()

	for i, fx := range removed {
		assert.Equal(t, counts[i], fx.ProcessCount(), "plugin processed after removal")
	}
}
