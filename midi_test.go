package audiohost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2"

	"github.com/shaban/audiohost/events"
)

func newTestBridge(t *testing.T) (*MIDIBridge, *fakeMIDIPorts) {
	t.Helper()
	ports := newFakeMIDIPorts()
	b := NewMIDIBridge(ports, discardLogger())
	t.Cleanup(b.Close)
	return b, ports
}

func TestMIDIBridgeInputDrain(t *testing.T) {
	b, ports := newTestBridge(t)
	require.NoError(t, b.ConnectInput("Keys"))
	assert.ErrorIs(t, b.ConnectInput("Keys"), ErrMIDIPort)

	require.True(t, ports.deliver("Keys", midi.NoteOn(1, 64, 90)))
	require.True(t, ports.deliver("Keys", midi.NoteOff(1, 64)))

	var dst events.Buffer
	b.Drain(&dst)
	require.Equal(t, 2, dst.Len())
	var ch, key, vel uint8
	assert.True(t, dst.Events()[0].Message().GetNoteOn(&ch, &key, &vel))
	assert.Equal(t, uint8(1), ch)
	assert.Equal(t, uint8(64), key)

	dst.Clear()
	b.Drain(&dst)
	assert.True(t, dst.Empty(), "drained messages are delivered once")

	require.NoError(t, b.DisconnectInput("Keys"))
	assert.False(t, ports.listening("Keys"))
	assert.ErrorIs(t, b.DisconnectInput("Keys"), ErrMIDIPort)
}

func TestMIDIBridgeSend(t *testing.T) {
	b, ports := newTestBridge(t)
	var src events.Buffer
	require.True(t, src.PushMIDI(0, midi.ControlChange(0, 7, 100)))

	// nothing connected: events are discarded without counting drops
	b.Send(&src)
	assert.Zero(t, b.Dropped())

	require.NoError(t, b.ConnectOutput("Synth"))
	require.NoError(t, b.ConnectOutput("Drums"))
	assert.Equal(t, []string{"Drums", "Synth"}, b.Outputs())

	src.Push(events.ControlEvent(0, 1, 0.5))
	b.Send(&src)
	require.Eventually(t, func() bool {
		return len(ports.sentTo("Synth")) == 1 && len(ports.sentTo("Drums")) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, midi.ControlChange(0, 7, 100), ports.sentTo("Synth")[0])

	require.NoError(t, b.DisconnectOutput("Drums"))
	assert.Equal(t, []string{"Drums"}, ports.closed)
	assert.ErrorIs(t, b.DisconnectOutput("Drums"), ErrMIDIPort)
}

func TestMIDIBridgeCloseDisconnectsAll(t *testing.T) {
	ports := newFakeMIDIPorts()
	b := NewMIDIBridge(ports, discardLogger())
	require.NoError(t, b.ConnectInput("Keys"))
	require.NoError(t, b.ConnectOutput("Synth"))

	b.Close()
	b.Close()
	assert.Empty(t, b.Inputs())
	assert.Empty(t, b.Outputs())
	assert.False(t, ports.listening("Keys"))
	assert.Equal(t, []string{"Synth"}, ports.closed)

	var src events.Buffer
	src.PushMIDI(0, midi.NoteOn(0, 1, 1))
	b.Send(&src)
}

func TestMIDIBridgeCountsOverflow(t *testing.T) {
	b, ports := newTestBridge(t)
	require.NoError(t, b.ConnectInput("Keys"))
	for range events.MaxEventCount + 5 {
		ports.deliver("Keys", midi.NoteOn(0, 60, 1))
	}
	assert.Equal(t, uint64(5), b.Dropped())

	var dst events.Buffer
	b.Drain(&dst)
	assert.True(t, dst.Full())
}
