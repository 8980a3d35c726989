package audiohost

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaban/audiohost/devices"
)

var errMonitorRunning = errors.New("device monitor is already running")

// DeviceMonitor polls the device registry and refreshes the external
// patchbay when the set of audio or MIDI devices changes.
type DeviceMonitor struct {
	engine    *Engine
	mu        sync.RWMutex
	isRunning bool
	quit      chan struct{}
	done      chan struct{}

	// Adaptive polling
	baseInterval    time.Duration
	maxInterval     time.Duration
	currentInterval time.Duration
	lastChangeTime  time.Time
	noChangeCount   int

	// Device state tracking, keyed by UID
	lastAudio map[string]devices.AudioDevice
	lastMIDI  map[string]devices.MIDIDevice

	// Performance tracking
	averageCheckTime time.Duration
	maxCheckTime     time.Duration
	checkCount       int64
	changeCount      int64

	onAudioDeviceAdded   func(device devices.AudioDevice)
	onAudioDeviceRemoved func(deviceUID string)
	onMidiDeviceAdded    func(device devices.MIDIDevice)
	onMidiDeviceRemoved  func(deviceUID string)
}

// NewDeviceMonitor creates a new device monitor
func NewDeviceMonitor(engine *Engine) *DeviceMonitor {
	return &DeviceMonitor{
		engine:          engine,
		baseInterval:    50 * time.Millisecond,
		maxInterval:     200 * time.Millisecond,
		currentInterval: 50 * time.Millisecond,
		lastChangeTime:  time.Now(),
	}
}

// Start takes a device snapshot and begins polling.
func (dm *DeviceMonitor) Start() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.isRunning {
		return errMonitorRunning
	}

	audio, midi, err := dm.snapshot()
	if err != nil {
		return fmt.Errorf("failed to get initial devices: %w", err)
	}
	dm.lastAudio, dm.lastMIDI = audio, midi
	dm.currentInterval = dm.baseInterval
	dm.noChangeCount = 0
	dm.quit = make(chan struct{})
	dm.done = make(chan struct{})
	dm.isRunning = true

	go dm.monitorLoop(dm.quit, dm.done)
	return nil
}

// Stop halts polling and waits for the loop to exit.
func (dm *DeviceMonitor) Stop() error {
	dm.mu.Lock()
	if !dm.isRunning {
		dm.mu.Unlock()
		return nil
	}
	dm.isRunning = false
	quit, done := dm.quit, dm.done
	dm.mu.Unlock()

	close(quit)
	<-done
	return nil
}

// IsRunning returns whether device monitoring is active
func (dm *DeviceMonitor) IsRunning() bool {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.isRunning
}

// SetCallbacks configures device event callbacks. Any of them may be nil.
func (dm *DeviceMonitor) SetCallbacks(
	onAudioAdded func(devices.AudioDevice),
	onAudioRemoved func(string),
	onMidiAdded func(devices.MIDIDevice),
	onMidiRemoved func(string),
) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	dm.onAudioDeviceAdded = onAudioAdded
	dm.onAudioDeviceRemoved = onAudioRemoved
	dm.onMidiDeviceAdded = onMidiAdded
	dm.onMidiDeviceRemoved = onMidiRemoved
}

// GetPollingInterval returns the current polling interval
func (dm *DeviceMonitor) GetPollingInterval() time.Duration {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.currentInterval
}

// SetPollingInterval sets the base polling interval (minimum 10ms).
func (dm *DeviceMonitor) SetPollingInterval(interval time.Duration) error {
	if interval < 10*time.Millisecond {
		return fmt.Errorf("polling interval cannot be less than 10ms")
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.baseInterval = interval
	dm.currentInterval = interval
	if dm.maxInterval < interval {
		dm.maxInterval = interval
	}
	return nil
}

func (dm *DeviceMonitor) monitorLoop(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	currentInterval := dm.GetPollingInterval()
	ticker := time.NewTicker(currentInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			dm.checkDevices()

			if next := dm.GetPollingInterval(); next != currentInterval {
				ticker.Reset(next)
				currentInterval = next
			}
		}
	}
}

// snapshot refreshes the registry and indexes the devices by UID.
func (dm *DeviceMonitor) snapshot() (map[string]devices.AudioDevice, map[string]devices.MIDIDevice, error) {
	reg := dm.engine.registry
	if err := reg.Refresh(); err != nil {
		return nil, nil, err
	}
	audioDevs, err := reg.Audio()
	if err != nil {
		return nil, nil, err
	}
	midiDevs, err := reg.MIDI()
	if err != nil {
		return nil, nil, err
	}
	audio := make(map[string]devices.AudioDevice, len(audioDevs))
	for _, d := range audioDevs {
		audio[d.UID] = d
	}
	midi := make(map[string]devices.MIDIDevice, len(midiDevs))
	for _, d := range midiDevs {
		midi[d.UID] = d
	}
	return audio, midi, nil
}

// checkDevices compares the registry with the last snapshot. A change
// fires the callbacks and refreshes the external patchbay.
func (dm *DeviceMonitor) checkDevices() {
	start := time.Now()

	audio, midi, err := dm.snapshot()
	if err != nil {
		dm.engine.errorHandler.HandleError(fmt.Errorf("device check failed: %w", err))
		return
	}
	dm.updatePerformanceStats(time.Since(start))

	dm.mu.Lock()
	addedAudio, removedAudio := diffDevices(dm.lastAudio, audio)
	addedMIDI, removedMIDI := diffDevices(dm.lastMIDI, midi)
	changed := len(addedAudio)+len(removedAudio)+len(addedMIDI)+len(removedMIDI) > 0
	if !changed {
		dm.adaptiveSlowdown()
		dm.mu.Unlock()
		return
	}
	dm.adaptiveSpeedup()
	dm.lastAudio, dm.lastMIDI = audio, midi
	dm.changeCount++
	onAudioAdded, onAudioRemoved := dm.onAudioDeviceAdded, dm.onAudioDeviceRemoved
	onMidiAdded, onMidiRemoved := dm.onMidiDeviceAdded, dm.onMidiDeviceRemoved
	dm.mu.Unlock()

	dm.engine.logger.Info("devices changed",
		zap.Int("audio_added", len(addedAudio)), zap.Int("audio_removed", len(removedAudio)),
		zap.Int("midi_added", len(addedMIDI)), zap.Int("midi_removed", len(removedMIDI)))

	for _, d := range addedAudio {
		if onAudioAdded != nil {
			onAudioAdded(d)
		}
	}
	for _, uid := range removedAudio {
		if onAudioRemoved != nil {
			onAudioRemoved(uid)
		}
	}
	for _, d := range addedMIDI {
		if onMidiAdded != nil {
			onMidiAdded(d)
		}
	}
	for _, uid := range removedMIDI {
		if onMidiRemoved != nil {
			onMidiRemoved(uid)
		}
	}

	if err := dm.engine.PatchbayRefresh(true); err != nil {
		dm.engine.errorHandler.HandleError(fmt.Errorf("refresh after device change: %w", err))
	}
}

// diffDevices returns the devices present only in next and the UIDs
// present only in prev.
func diffDevices[D any](prev, next map[string]D) (added []D, removed []string) {
	for uid, d := range next {
		if _, ok := prev[uid]; !ok {
			added = append(added, d)
		}
	}
	for uid := range prev {
		if _, ok := next[uid]; !ok {
			removed = append(removed, uid)
		}
	}
	return added, removed
}

func (dm *DeviceMonitor) updatePerformanceStats(elapsed time.Duration) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	dm.checkCount++

	// EMA with alpha = 0.1
	if dm.checkCount == 1 {
		dm.averageCheckTime = elapsed
	} else {
		dm.averageCheckTime = time.Duration(float64(dm.averageCheckTime)*0.9 + float64(elapsed)*0.1)
	}
	if elapsed > dm.maxCheckTime {
		dm.maxCheckTime = elapsed
	}
	if elapsed > 5*time.Millisecond {
		dm.engine.logger.Debug("slow device check", zap.Duration("elapsed", elapsed))
	}
}

// adaptiveSlowdown stretches the interval after ten quiet polls.
// Caller holds dm.mu.
func (dm *DeviceMonitor) adaptiveSlowdown() {
	dm.noChangeCount++
	if dm.noChangeCount > 10 {
		dm.currentInterval = min(time.Duration(float64(dm.currentInterval)*1.1), dm.maxInterval)
	}
}

// adaptiveSpeedup returns to the base interval. Caller holds dm.mu.
func (dm *DeviceMonitor) adaptiveSpeedup() {
	dm.noChangeCount = 0
	dm.lastChangeTime = time.Now()
	dm.currentInterval = dm.baseInterval
}

// GetPerformanceStats returns device monitoring performance statistics
func (dm *DeviceMonitor) GetPerformanceStats() (avgTime, maxTime time.Duration, checkCount int64) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.averageCheckTime, dm.maxCheckTime, dm.checkCount
}

// ChangeCount returns how many device changes were detected.
func (dm *DeviceMonitor) ChangeCount() int64 {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.changeCount
}

// ForceDeviceCheck runs a check immediately (useful for testing)
func (dm *DeviceMonitor) ForceDeviceCheck() {
	if dm.IsRunning() {
		dm.checkDevices()
	}
}
