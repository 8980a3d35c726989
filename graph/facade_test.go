package graph_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shaban/audiohost/config"
	"github.com/shaban/audiohost/events"
	"github.com/shaban/audiohost/graph"
	"github.com/shaban/audiohost/internal/testutil"
	"github.com/shaban/audiohost/render"
)

func newFacade(t *testing.T, mode config.ProcessMode) (*graph.Graph, *testutil.FakeHost) {
	t.Helper()
	host := testutil.NewFakeHost(frames)
	g := graph.New(host, graph.Options{Mode: mode, Inputs: 2, Outputs: 2, ReorderInterval: time.Millisecond})
	require.NoError(t, g.Create())
	t.Cleanup(g.Destroy)
	return g, host
}

func TestFacadeLifecycle(t *testing.T) {
	host := testutil.NewFakeHost(frames)
	g := graph.New(host, graph.Options{Mode: config.ProcessModePatchbay, Inputs: 2, Outputs: 2})
	assert.False(t, g.IsReady())
	g.Destroy()

	require.NoError(t, g.Create())
	assert.True(t, g.IsReady())
	assert.ErrorIs(t, g.Create(), graph.ErrAlreadyCreated)
	assert.NotNil(t, g.Patchbay())
	assert.Nil(t, g.Rack())

	g.Destroy()
	g.Destroy()
	assert.False(t, g.IsReady())
	assert.Nil(t, g.Patchbay())
	assert.ErrorIs(t, g.SetBufferSize(128), graph.ErrNotReady)
}

func TestFacadeRackRejectsPluginOps(t *testing.T) {
	g, _ := newFacade(t, config.ProcessModeRack)
	fx := testutil.NewFakePlugin("fx", 2, 2)

	assert.ErrorIs(t, g.AddPlugin(fx, 0), graph.ErrWrongMode)
	assert.ErrorIs(t, g.ReplacePlugin(0, fx), graph.ErrWrongMode)
	assert.ErrorIs(t, g.RenamePlugin(0, "x"), graph.ErrWrongMode)
	assert.ErrorIs(t, g.RemovePlugin(0), graph.ErrWrongMode)
	assert.ErrorIs(t, g.RemoveAllPlugins(), graph.ErrWrongMode)
	assert.ErrorIs(t, g.ReconfigureForCV(0, true), graph.ErrWrongMode)

	assert.True(t, g.IsUsingExternal())
	g.SetUsingExternal(false)
	assert.True(t, g.IsUsingExternal())
	assert.ErrorIs(t, g.Refresh(false, ""), graph.ErrUnsupported)
	assert.NoError(t, g.Refresh(true, ""))
}

func TestFacadeWrongModeIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	host := testutil.NewFakeHost(frames)
	g := graph.New(host, graph.Options{Mode: config.ProcessModeRack, Inputs: 2, Outputs: 2, Logger: zap.New(core)})
	require.NoError(t, g.Create())
	t.Cleanup(g.Destroy)

	require.ErrorIs(t, g.RemovePlugin(0), graph.ErrWrongMode)
	entries := logs.FilterMessage("assertion failed: RemovePlugin requires patchbay mode").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "rack", entries[0].ContextMap()["mode"])
}

func TestFacadeRackProcess(t *testing.T) {
	g, host := newFacade(t, config.ProcessModeRack)
	require.NoError(t, g.Refresh(true, "dev"))
	require.NoError(t, g.RestoreConnection(true, "AudioIn:capture_1", "Carla:AudioIn1", true))
	require.NoError(t, g.RestoreConnection(true, "Carla:AudioOut1", "AudioOut:playback_2", true))
	assert.Error(t, g.RestoreConnection(true, "AudioIn:nope", "Carla:AudioIn1", true))

	gain := testutil.NewFakePlugin("gain", 2, 2)
	gain.Gain = 2
	host.SetPlugins(gain)

	out := [][]float32{testutil.Constant(frames, 9), testutil.Constant(frames, 9)}
	g.Process([][]float32{testutil.Constant(frames, 0.25), nil}, out, nil, nil, frames)
	testutil.AssertSilent(t, out[0])
	assert.Equal(t, testutil.Constant(frames, 0.5), out[1])
}

func TestFacadePatchbayRoundTrip(t *testing.T) {
	g, _ := newFacade(t, config.ProcessModePatchbay)
	require.NoError(t, g.AddPlugin(testutil.NewFakePlugin("fx", 2, 2), 0))
	require.NoError(t, g.Refresh(false, ""))

	require.NoError(t, g.RestoreConnection(false, "Audio Input:Left", "fx:audio-in1", true))
	require.NoError(t, g.RestoreConnection(false, "fx:audio-out1", "Audio Output:Right", true))
	assert.Equal(t, []string{"Audio Input:Left", "fx:audio-in1", "fx:audio-out1", "Audio Output:Right"}, g.Connections(false))

	in, _ := g.Patchbay().IONode(render.AudioInputNode)
	require.NoError(t, g.SetGroupPosition(false, uint(in), 0, 0, 10, 10))
	assert.ErrorIs(t, g.SetGroupPosition(false, 999, 0, 0, 1, 1), graph.ErrUnknownGroup)

	tracked := g.Patchbay().Tracked()
	require.Len(t, tracked, 2)
	require.NoError(t, g.Disconnect(false, tracked[0].ID))
	assert.Len(t, g.Connections(false), 2)
}

func TestFacadeReconfigureKeepsProcessing(t *testing.T) {
	g, _ := newFacade(t, config.ProcessModePatchbay)
	require.NoError(t, g.SetBufferSize(16))
	require.NoError(t, g.SetSampleRate(44100))
	require.NoError(t, g.SetOffline(true))
	assert.True(t, g.IsReady())

	assert.Error(t, g.SetBufferSize(0))
	assert.True(t, g.IsReady(), "a failed resize keeps the graph ready")
}

func TestFacadeProcessWhenNotReady(t *testing.T) {
	host := testutil.NewFakeHost(frames)
	g := graph.New(host, graph.Options{Mode: config.ProcessModeRack, Inputs: 2, Outputs: 2})

	out := [][]float32{testutil.Constant(frames, 1)}
	evOut := &events.Buffer{}
	require.True(t, evOut.Push(events.ControlEvent(0, 1, 1)))
	g.Process(nil, out, &events.Buffer{}, evOut, frames)
	testutil.AssertSilent(t, out[0])
	assert.True(t, evOut.Empty())
}

func TestFacadeDestroyWaitsForCycles(t *testing.T) {
	for _, mode := range []config.ProcessMode{config.ProcessModeRack, config.ProcessModePatchbay} {
		t.Run(mode.String(), func(t *testing.T) {
			g, _ := newFacade(t, mode)

			var (
				wg      sync.WaitGroup
				stop    atomic.Bool
				started = make(chan struct{})
				cycles  atomic.Int64
			)
			wg.Add(1)
			go func() {
				defer wg.Done()
				in := [][]float32{testutil.Constant(frames, 1), testutil.Constant(frames, 1)}
				out := [][]float32{make([]float32, frames), make([]float32, frames)}
				for !stop.Load() {
					g.Process(in, out, nil, nil, frames)
					if cycles.Add(1) == 1 {
						close(started)
					}
				}
			}()
			<-started

			g.Destroy()
			assert.False(t, g.IsReady())
			before := cycles.Load()
			require.Eventually(t, func() bool { return cycles.Load() > before+10 }, time.Second, time.Millisecond,
				"cycles keep running against a destroyed graph")
			stop.Store(true)
			wg.Wait()

			out := [][]float32{testutil.Constant(frames, 1)}
			g.Process(nil, out, nil, nil, frames)
			testutil.AssertSilent(t, out[0])
		})
	}
}
