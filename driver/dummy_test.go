package driver

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testSpec() Spec {
	return Spec{SampleRate: 48000, BufferSize: 64, Inputs: 2, Outputs: 2}
}

func TestDummyRunsCallback(t *testing.T) {
	d := NewDummy(nil)
	var calls atomic.Int64
	require.NoError(t, d.Open(testSpec(), func(in, out [][]float32, frames uint32) {
		calls.Add(1)
		assert.Len(t, in, 2)
		assert.Len(t, out, 2)
		assert.EqualValues(t, 64, frames)
		assert.Len(t, out[0], int(frames))
	}))
	require.NoError(t, d.Start())
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, d.Stop())

	n := d.Cycles()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, n, d.Cycles(), "no cycles after stop")
	require.NoError(t, d.Close())
}

func TestDummyRunCycleAndInput(t *testing.T) {
	d := NewDummy(nil)
	assert.False(t, d.RunCycle(), "closed driver does not run")

	require.NoError(t, d.Open(testSpec(), func(in, out [][]float32, frames uint32) {
		for c := range out {
			for i := range out[c] {
				out[c][i] = in[c][i] * 2
			}
		}
	}))
	defer d.Close()

	d.SetInput(0, []float32{0.25, 0.5})
	d.SetInput(9, []float32{1})
	require.True(t, d.RunCycle())

	out := d.LastOutput()
	require.Len(t, out, 2)
	assert.Equal(t, []float32{0.5, 1}, out[0][:2])
	assert.Zero(t, out[0][2])
	assert.Zero(t, out[1][0])
	assert.EqualValues(t, 1, d.Cycles())
}

func TestDummyCountsOverruns(t *testing.T) {
	d := NewDummy(nil)
	spec := testSpec()
	spec.BufferSize = 48 // 1ms
	require.NoError(t, d.Open(spec, func(in, out [][]float32, frames uint32) {
		time.Sleep(3 * time.Millisecond)
	}))
	require.NoError(t, d.Start())
	assert.Eventually(t, func() bool { return d.Overruns() > 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Close())
}

func TestDummyLifecycleErrors(t *testing.T) {
	d := NewDummy(nil)
	assert.ErrorIs(t, d.Start(), ErrNotOpen)
	assert.ErrorIs(t, d.Open(Spec{}, nil), ErrInvalidSpec)
	assert.Empty(t, d.Ports().AudioIns)

	require.NoError(t, d.Open(testSpec(), nil))
	assert.ErrorIs(t, d.Open(testSpec(), nil), ErrAlreadyOpen)
	assert.Equal(t, []string{"capture_1", "capture_2"}, d.Ports().AudioIns)
	assert.Equal(t, []string{"playback_1", "playback_2"}, d.Ports().AudioOuts)

	require.NoError(t, d.Stop(), "stop before start is a no-op")
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}

func TestRegistry(t *testing.T) {
	assert.True(t, Has("dummy"))
	d, err := New("dummy", nil)
	require.NoError(t, err)
	assert.Equal(t, "dummy", d.Name())

	_, err = New("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownDriver)

	assert.Panics(t, func() { Register("dummy", func(_ *zap.Logger) Driver { return nil }) })
}
