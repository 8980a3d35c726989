package audiohost

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/audiohost/config"
	"github.com/shaban/audiohost/graph"
	"github.com/shaban/audiohost/internal/testutil"
	"github.com/shaban/audiohost/plugins"
)

func TestSerializerPatchbayRoundTrip(t *testing.T) {
	src := newTestEngine(t, config.ProcessModePatchbay)
	_, _, err := src.AddPlugin(plugins.NewGain("amp", 0.5))
	require.NoError(t, err)
	_, _, err = src.AddPlugin(plugins.NewMono("fold"))
	require.NoError(t, err)
	require.NoError(t, src.RestorePatchbayConnection(false, "Audio Input:Left", "amp:audio-in1"))
	require.NoError(t, src.RestorePatchbayConnection(false, "amp:audio-out1", "fold:audio-in1"))
	require.NoError(t, src.RestorePatchbayConnection(false, "fold:audio-out1", "Audio Output:Left"))
	require.NoError(t, src.RestorePatchbayConnection(true, "MidiIn:Keys", "Carla:MidiIn"))

	data, err := src.GetSerializer().SaveToJSON()
	require.NoError(t, err)
	assert.Contains(t, data, `"process_mode": "patchbay"`)
	assert.Contains(t, data, `"kind": "Gain"`)

	dst := newTestEngine(t, config.ProcessModePatchbay)
	_, _, err = dst.AddPlugin(plugins.NewGain("stale", 1))
	require.NoError(t, err)
	require.NoError(t, dst.GetSerializer().LoadFromJSON(data))

	entries := dst.PluginEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "amp", entries[0].Name)
	assert.Equal(t, "fold", entries[1].Name)
	assert.Equal(t, src.PatchbayConnections(false), dst.PatchbayConnections(false))
	assert.Equal(t, []string{"MidiIn:Keys", "Carla:MidiIn"}, dst.PatchbayConnections(true))
	assert.True(t, dst.ports.listening("Keys"))
}

func TestSerializerRackRoundTrip(t *testing.T) {
	src := newTestEngine(t, config.ProcessModeRack)
	g := plugins.NewGain("amp", 2)
	g.SetEnabled(false)
	_, _, err := src.AddPlugin(g)
	require.NoError(t, err)
	require.NoError(t, src.RestorePatchbayConnection(true, "AudioIn:capture_2", "Carla:AudioIn1"))
	require.NoError(t, src.RestorePatchbayConnection(true, "Carla:AudioOut2", "AudioOut:playback_1"))

	var buf bytes.Buffer
	require.NoError(t, src.GetSerializer().SaveToWriter(&buf))

	dst := newTestEngine(t, config.ProcessModeRack)
	require.NoError(t, dst.GetSerializer().LoadFromReader(&buf))

	state := dst.GetSerializer().GetState()
	assert.Equal(t, StateVersion, state.Version)
	assert.Equal(t, dst.ID(), state.EngineID)
	require.Len(t, state.Plugins, 1)
	assert.Equal(t, PluginState{Slot: 0, UUID: state.Plugins[0].UUID, Name: "amp", Kind: "Gain", Enabled: false}, state.Plugins[0])
	assert.Empty(t, state.InternalConnections)
	assert.Equal(t, []ConnectionPair{
		{Source: "AudioIn:capture_2", Dest: "Carla:AudioIn1"},
		{Source: "Carla:AudioOut2", Dest: "AudioOut:playback_1"},
	}, state.ExternalConnections)
}

func TestSerializerRejectsIncompatibleState(t *testing.T) {
	e := newTestEngine(t, config.ProcessModeRack)
	s := e.GetSerializer()

	state := s.GetState()
	state.Version = "0.1"
	assert.ErrorIs(t, s.SetState(state), ErrIncompatibleState)

	state = s.GetState()
	state.ProcessMode = config.ProcessModePatchbay
	assert.ErrorIs(t, s.SetState(state), ErrIncompatibleState)

	_, _, err := e.AddPlugin(testutil.NewFakePlugin("opaque", 2, 2))
	require.NoError(t, err)
	assert.ErrorIs(t, s.SetState(s.GetState()), ErrIncompatibleState, "plugins without a kind cannot be recreated")
	assert.Equal(t, 1, e.PluginCount(), "a rejected state leaves the engine untouched")
}

func TestSerializerCustomFactoryAndStaleConnections(t *testing.T) {
	e := newTestEngine(t, config.ProcessModePatchbay)
	s := e.GetSerializer()
	var built []string
	s.SetPluginFactory(func(kind, name string, sampleRate float64) (graph.Plugin, error) {
		built = append(built, kind+"/"+name)
		return BuiltinFactory(kind, name, sampleRate)
	})

	state := EngineState{
		Version:     StateVersion,
		ProcessMode: config.ProcessModePatchbay,
		Plugins:     []PluginState{{Name: "amp", Kind: "gain", Enabled: true}},
		InternalConnections: []ConnectionPair{
			{Source: "Audio Input:Left", Dest: "amp:audio-in1"},
			{Source: "gone:audio-out1", Dest: "Audio Output:Left"},
		},
	}
	err := s.SetState(state)
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrInvalidConnection)
	assert.Contains(t, err.Error(), "gone:audio-out1")

	assert.Equal(t, []string{"gain/amp"}, built)
	assert.Equal(t, []string{"Audio Input:Left", "amp:audio-in1"}, e.PatchbayConnections(false))

	s.SetPluginFactory(nil)
	state.Plugins[0].Kind = "Nope"
	assert.ErrorIs(t, s.SetState(state), plugins.ErrUnknownPlugin)
}
