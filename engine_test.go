package audiohost

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2"
	"go.uber.org/zap"

	"github.com/shaban/audiohost/config"
	"github.com/shaban/audiohost/devices"
	"github.com/shaban/audiohost/driver"
	"github.com/shaban/audiohost/graph"
	"github.com/shaban/audiohost/internal/testutil"
	"github.com/shaban/audiohost/plugins"
)

const testFrames = 64

func discardLogger() *zap.Logger {
	return zap.NewNop()
}

// fakeMIDIPorts records listeners and sent messages instead of opening
// system ports.
type fakeMIDIPorts struct {
	mu        sync.Mutex
	listeners map[string]func(midi.Message)
	sent      map[string][]midi.Message
	closed    []string
}

func newFakeMIDIPorts() *fakeMIDIPorts {
	return &fakeMIDIPorts{
		listeners: make(map[string]func(midi.Message)),
		sent:      make(map[string][]midi.Message),
	}
}

func (f *fakeMIDIPorts) Listen(name string, fn func(midi.Message)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[name] = fn
	return func() {
		f.mu.Lock()
		delete(f.listeners, name)
		f.mu.Unlock()
	}, nil
}

func (f *fakeMIDIPorts) Open(name string) (func(midi.Message) error, func() error, error) {
	send := func(msg midi.Message) error {
		f.mu.Lock()
		f.sent[name] = append(f.sent[name], slices.Clone(msg))
		f.mu.Unlock()
		return nil
	}
	closePort := func() error {
		f.mu.Lock()
		f.closed = append(f.closed, name)
		f.mu.Unlock()
		return nil
	}
	return send, closePort, nil
}

func (f *fakeMIDIPorts) deliver(name string, msg midi.Message) bool {
	f.mu.Lock()
	fn := f.listeners[name]
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(msg)
	return true
}

func (f *fakeMIDIPorts) sentTo(name string) []midi.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent[name])
}

func (f *fakeMIDIPorts) listening(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.listeners[name]
	return ok
}

func testMIDIDevices() devices.MIDIDevices {
	return devices.MIDIDevices{
		{Device: devices.Device{Name: "Keys", UID: "in:Keys", IsOnline: true}, IsInput: true},
		{Device: devices.Device{Name: "Synth", UID: "out:Synth", IsOnline: true}, Number: 1, IsOutput: true},
	}
}

type testEngine struct {
	*Engine
	dummy    *driver.Dummy
	ports    *fakeMIDIPorts
	provider *devices.StaticProvider
	notes    *testutil.Recorder
}

func newTestEngine(t *testing.T, mode config.ProcessMode, mutate ...func(*config.EngineOptions)) *testEngine {
	t.Helper()
	opts := testutil.SmallOptions(mode)
	for _, m := range mutate {
		m(&opts)
	}
	logger := discardLogger()
	provider := devices.NewStaticProvider("test", nil, testMIDIDevices())
	ports := newFakeMIDIPorts()
	notes := &testutil.Recorder{}
	dummy := driver.NewDummy(logger)

	e, err := NewEngine(opts,
		WithLogger(logger),
		WithDriver(dummy),
		WithDeviceRegistry(devices.NewRegistry(logger, provider)),
		WithMIDIPorts(ports),
		WithNotifier(notes),
		WithErrorHandler(&DefaultErrorHandler{Logger: logger}),
	)
	require.NoError(t, err)
	t.Cleanup(e.Destroy)
	return &testEngine{Engine: e, dummy: dummy, ports: ports, provider: provider, notes: notes}
}

func TestNewEngineRejectsInvalidOptions(t *testing.T) {
	opts := testutil.SmallOptions(config.ProcessModeRack)
	opts.AudioInputs = config.MaxIOChannels + 1
	_, err := NewEngine(opts, WithLogger(discardLogger()))
	assert.ErrorIs(t, err, config.ErrInvalidOptions)

	opts = testutil.SmallOptions(config.ProcessModeRack)
	opts.Driver = "nonexistent"
	_, err = NewEngine(opts, WithLogger(discardLogger()))
	assert.ErrorIs(t, err, driver.ErrUnknownDriver)
}

func TestEngineLifecycle(t *testing.T) {
	e := newTestEngine(t, config.ProcessModeRack)
	assert.False(t, e.IsRunning())
	assert.True(t, e.Graph().IsReady())
	assert.NotEqual(t, "", e.ID().String())

	require.NoError(t, e.Start())
	assert.True(t, e.IsRunning())
	assert.True(t, e.GetDeviceMonitor().IsRunning())
	assert.True(t, e.GetDispatcher().IsRunning())
	assert.ErrorIs(t, e.Start(), ErrEngineRunning)

	require.Eventually(t, func() bool { return e.dummy.Cycles() > 2 }, time.Second, time.Millisecond)

	require.NoError(t, e.Stop())
	assert.False(t, e.IsRunning())
	assert.False(t, e.GetDeviceMonitor().IsRunning())
	require.NoError(t, e.Stop())

	e.Destroy()
	e.Destroy()
	assert.False(t, e.Graph().IsReady())
	assert.ErrorIs(t, e.Start(), ErrEngineDestroyed)
}

func TestEngineExternalPorts(t *testing.T) {
	e := newTestEngine(t, config.ProcessModeRack)
	info := e.ExternalPorts()
	assert.Equal(t, []string{"capture_1", "capture_2"}, info.AudioIns)
	assert.Equal(t, []string{"playback_1", "playback_2"}, info.AudioOuts)
	assert.Equal(t, []string{"Keys"}, info.MIDIIns)
	assert.Equal(t, []string{"Synth"}, info.MIDIOuts)

	assert.True(t, e.ConnectExternalPort(graph.ExternalAudioIn1, 2, ""))
	assert.False(t, e.ConnectExternalPort(graph.ExternalAudioIn1, 3, ""))
	assert.False(t, e.ConnectExternalPort(graph.ExternalAudioOut2, 0, ""))
}

func TestEngineRackSignalFlow(t *testing.T) {
	e := newTestEngine(t, config.ProcessModeRack)
	require.NoError(t, e.RestorePatchbayConnection(true, "AudioIn:capture_1", "Carla:AudioIn1"))
	require.NoError(t, e.RestorePatchbayConnection(true, "Carla:AudioOut1", "AudioOut:playback_1"))

	id, uid, err := e.AddPlugin(plugins.NewGain("amp", 2))
	require.NoError(t, err)
	assert.Equal(t, uint(0), id)
	assert.NotEqual(t, uuid.Nil, uid)

	e.dummy.SetInput(0, testutil.Constant(testFrames, 0.25))
	require.True(t, e.dummy.RunCycle())

	out := e.dummy.LastOutput()
	require.Len(t, out, 2)
	assert.Equal(t, testutil.Constant(testFrames, 0.5), out[0])
	testutil.AssertSilent(t, out[1])

	peaks, ok := e.PluginPeaks(0)
	require.True(t, ok)
	assert.InDelta(t, 0.25, peaks[0], 1e-6)
	assert.InDelta(t, 0.5, peaks[2], 1e-6)

	assert.Equal(t, []string{
		"AudioIn:capture_1", "Carla:AudioIn1",
		"Carla:AudioOut1", "AudioOut:playback_1",
	}, e.PatchbayConnections(true))
}

func TestEngineRackDuplicatesAcrossOutputs(t *testing.T) {
	e := newTestEngine(t, config.ProcessModeRack)
	require.NoError(t, e.RestorePatchbayConnection(true, "AudioIn:capture_1", "Carla:AudioIn1"))
	require.NoError(t, e.RestorePatchbayConnection(true, "AudioIn:capture_2", "Carla:AudioIn1"))
	require.NoError(t, e.RestorePatchbayConnection(true, "Carla:AudioOut1", "AudioOut:playback_1"))
	require.NoError(t, e.RestorePatchbayConnection(true, "Carla:AudioOut1", "AudioOut:playback_2"))
	_, _, err := e.AddPlugin(plugins.NewGain("unity", 1))
	require.NoError(t, err)

	e.dummy.SetInput(0, testutil.Constant(testFrames, 0.25))
	e.dummy.SetInput(1, testutil.Constant(testFrames, 0.5))
	require.True(t, e.dummy.RunCycle())

	out := e.dummy.LastOutput()
	assert.Equal(t, testutil.Constant(testFrames, 0.75), out[0])
	assert.Equal(t, testutil.Constant(testFrames, 0.75), out[1])
}

func TestEngineRackMIDIRoundTrip(t *testing.T) {
	e := newTestEngine(t, config.ProcessModeRack)
	require.NoError(t, e.RestorePatchbayConnection(true, "MidiIn:Keys", "Carla:MidiIn"))
	require.NoError(t, e.RestorePatchbayConnection(true, "Carla:MidiOut", "MidiOut:Synth"))
	assert.Equal(t, []string{"Keys"}, e.MIDI().Inputs())
	assert.Equal(t, []string{"Synth"}, e.MIDI().Outputs())

	_, _, err := e.AddPlugin(plugins.NewMIDIThru("thru", 12))
	require.NoError(t, err)

	require.True(t, e.ports.deliver("Keys", midi.NoteOn(0, 60, 100)))
	require.True(t, e.dummy.RunCycle())

	require.Eventually(t, func() bool { return len(e.ports.sentTo("Synth")) == 1 }, time.Second, time.Millisecond)
	var ch, key, vel uint8
	require.True(t, e.ports.sentTo("Synth")[0].GetNoteOn(&ch, &key, &vel))
	assert.Equal(t, uint8(72), key)
	assert.Equal(t, uint8(100), vel)

	conns := e.Graph().Rack().External().Tracked()
	require.Len(t, conns, 2)
	require.NoError(t, e.PatchbayDisconnect(true, conns[0].ID))
	assert.False(t, e.ports.listening("Keys"))
}

func TestEnginePatchbaySignalFlow(t *testing.T) {
	e := newTestEngine(t, config.ProcessModePatchbay)
	_, _, err := e.AddPlugin(plugins.NewGain("amp", 0.5))
	require.NoError(t, err)

	require.NoError(t, e.RestorePatchbayConnection(false, "Audio Input:Left", "amp:audio-in1"))
	require.NoError(t, e.RestorePatchbayConnection(false, "amp:audio-out1", "Audio Output:Right"))
	e.Graph().Patchbay().Render().ReorderNowIfNeeded()

	e.dummy.SetInput(0, testutil.Constant(testFrames, 1))
	require.True(t, e.dummy.RunCycle())

	out := e.dummy.LastOutput()
	testutil.AssertSilent(t, out[0])
	assert.Equal(t, testutil.Constant(testFrames, 0.5), out[1])
	assert.NotZero(t, e.notes.Count(graph.ConnectionAdded))
}

func TestEnginePatchbayRenumbersPlugins(t *testing.T) {
	e := newTestEngine(t, config.ProcessModePatchbay)
	for _, name := range []string{"a", "b", "c"} {
		_, _, err := e.AddPlugin(plugins.NewGain(name, 1))
		require.NoError(t, err)
	}
	require.NoError(t, e.RemovePlugin(0))

	entries := e.PluginEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, uint(0), entries[0].ID)
	assert.Equal(t, "b", entries[0].Name)
	assert.Equal(t, uint(1), entries[1].ID)
	assert.Equal(t, "c", entries[1].Name)
	assert.Equal(t, 2, e.Graph().Patchbay().PluginCount())

	require.NoError(t, e.RenamePlugin(1, "last"))
	p, ok := e.Plugin(1)
	require.True(t, ok)
	assert.Equal(t, "last", p.Name())

	require.NoError(t, e.ReplacePlugin(0, plugins.NewMono("m")))
	p, _ = e.Plugin(0)
	assert.Equal(t, "m", p.Name())

	require.NoError(t, e.RemoveAllPlugins())
	assert.Zero(t, e.PluginCount())
	assert.Zero(t, e.Graph().Patchbay().PluginCount())
}

func TestEngineLastError(t *testing.T) {
	e := newTestEngine(t, config.ProcessModePatchbay)
	assert.Empty(t, e.LastError())

	err := e.RemovePlugin(9)
	assert.ErrorIs(t, err, ErrPluginNotFound)
	assert.Equal(t, err.Error(), e.LastError())

	assert.ErrorIs(t, e.PatchbayDisconnect(false, 42), graph.ErrConnectionNotFound)
	assert.Contains(t, e.LastError(), "42")

	e.SetLastError("")
	assert.Empty(t, e.LastError())
}

func TestEngineRackRejectsPatchbayOnlyOps(t *testing.T) {
	e := newTestEngine(t, config.ProcessModeRack)
	assert.ErrorIs(t, e.PatchbayRefresh(false), graph.ErrUnsupported)
	assert.ErrorIs(t, e.ReconfigureForCV(0, true), graph.ErrWrongMode)
	assert.NoError(t, e.PatchbayRefresh(true))
}

func TestEngineTooManyPlugins(t *testing.T) {
	e := newTestEngine(t, config.ProcessModeRack, func(o *config.EngineOptions) { o.MaxPlugins = 1 })
	_, _, err := e.AddPlugin(plugins.NewGain("a", 1))
	require.NoError(t, err)
	_, _, err = e.AddPlugin(plugins.NewGain("b", 1))
	assert.ErrorIs(t, err, ErrTooManyPlugins)
	assert.Equal(t, 1, e.PluginCount())
}

func TestEngineAudioSettings(t *testing.T) {
	e := newTestEngine(t, config.ProcessModePatchbay)
	require.NoError(t, e.SetBufferSize(128))
	assert.Equal(t, uint32(128), e.BufferSize())
	require.True(t, e.dummy.RunCycle())
	assert.Len(t, e.dummy.LastOutput()[0], 128)

	assert.ErrorIs(t, e.SetBufferSize(10), ErrInvalidAudio)
	assert.Equal(t, uint32(128), e.BufferSize())

	require.NoError(t, e.SetSampleRate(44100))
	assert.Equal(t, 44100.0, e.SampleRate())
	assert.ErrorIs(t, e.SetSampleRate(1), ErrInvalidAudio)

	require.NoError(t, e.SetOffline(true))
	assert.True(t, e.IsOffline())
	assert.True(t, e.Graph().IsReady())
}

func TestEngineSettingsWhileRunning(t *testing.T) {
	e := newTestEngine(t, config.ProcessModeRack)
	require.NoError(t, e.Start())
	require.NoError(t, e.SetBufferSize(256))
	before := e.dummy.Cycles()
	require.Eventually(t, func() bool { return e.dummy.Cycles() > before+1 }, time.Second, time.Millisecond)
	assert.True(t, e.IsRunning())
	assert.Len(t, e.dummy.LastOutput()[0], 256)
}
