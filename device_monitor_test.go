package audiohost

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/audiohost/config"
	"github.com/shaban/audiohost/devices"
	"github.com/shaban/audiohost/graph"
)

func TestDeviceMonitorDetectsMIDIChanges(t *testing.T) {
	e := newTestEngine(t, config.ProcessModeRack)
	dm := e.GetDeviceMonitor()
	require.NoError(t, dm.SetPollingInterval(time.Hour))

	var (
		mu      sync.Mutex
		added   []string
		removed []string
	)
	dm.SetCallbacks(nil, nil,
		func(d devices.MIDIDevice) { mu.Lock(); added = append(added, d.Name); mu.Unlock() },
		func(uid string) { mu.Lock(); removed = append(removed, uid); mu.Unlock() },
	)
	require.NoError(t, dm.Start())
	defer dm.Stop()
	assert.ErrorIs(t, dm.Start(), errMonitorRunning)

	dm.ForceDeviceCheck()
	assert.Zero(t, dm.ChangeCount())

	pads := devices.MIDIDevice{Device: devices.Device{Name: "Pads", UID: "in:Pads", IsOnline: true}, IsInput: true}
	e.provider.Set(nil, append(testMIDIDevices(), pads))
	e.notes.Reset()
	dm.ForceDeviceCheck()

	assert.Equal(t, int64(1), dm.ChangeCount())
	assert.Equal(t, []string{"Pads"}, added)
	assert.Contains(t, e.ExternalPorts().MIDIIns, "Pads")
	assert.NotZero(t, e.notes.Count(graph.ClientAdded), "a change refreshes the external graph")

	e.provider.Set(nil, devices.MIDIDevices{pads})
	dm.ForceDeviceCheck()
	slices.Sort(removed)
	assert.Equal(t, []string{"in:Keys", "out:Synth"}, removed)
	assert.Equal(t, []string{"Pads"}, e.ExternalPorts().MIDIIns)

	_, _, checks := dm.GetPerformanceStats()
	assert.Equal(t, int64(3), checks)
}

func TestDeviceMonitorDropsStaleMIDIConnections(t *testing.T) {
	e := newTestEngine(t, config.ProcessModeRack)
	dm := e.GetDeviceMonitor()
	require.NoError(t, dm.SetPollingInterval(time.Hour))
	require.NoError(t, dm.Start())
	defer dm.Stop()

	require.NoError(t, e.RestorePatchbayConnection(true, "MidiIn:Keys", "Carla:MidiIn"))
	require.Len(t, e.PatchbayConnections(true), 2)

	e.provider.Set(nil, testMIDIDevices()[1:])
	dm.ForceDeviceCheck()
	assert.Empty(t, e.PatchbayConnections(true))
}

func TestDeviceMonitorPollingInterval(t *testing.T) {
	e := newTestEngine(t, config.ProcessModeRack)
	dm := e.GetDeviceMonitor()
	assert.Equal(t, 50*time.Millisecond, dm.GetPollingInterval())
	assert.Error(t, dm.SetPollingInterval(time.Millisecond))
	require.NoError(t, dm.SetPollingInterval(20*time.Millisecond))
	assert.Equal(t, 20*time.Millisecond, dm.GetPollingInterval())

	require.NoError(t, dm.Start())
	require.Eventually(t, func() bool {
		_, _, n := dm.GetPerformanceStats()
		return n >= 3
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, dm.Stop())
	assert.False(t, dm.IsRunning())
}
