// Package audiohost is a plugin host engine: it owns the plugin list, the
// routing graph (rack or patchbay), the audio driver and the MIDI bridge,
// and serializes every control operation through a dispatcher.
package audiohost

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shaban/audiohost/config"
	"github.com/shaban/audiohost/devices"
	"github.com/shaban/audiohost/driver"
	"github.com/shaban/audiohost/events"
	"github.com/shaban/audiohost/graph"
)

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithErrorHandler sets the handler for asynchronous errors.
func WithErrorHandler(h ErrorHandler) Option { return func(e *Engine) { e.errorHandler = h } }

// WithNotifier receives every graph notification.
func WithNotifier(n graph.Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithDriver uses d instead of creating the driver named in the options.
func WithDriver(d driver.Driver) Option { return func(e *Engine) { e.driver = d } }

// WithDeviceRegistry uses r instead of devices.Default().
func WithDeviceRegistry(r *devices.Registry) Option { return func(e *Engine) { e.registry = r } }

// WithMIDIPorts opens MIDI ports through p instead of gomidi.
func WithMIDIPorts(p MIDIPorts) Option { return func(e *Engine) { e.midiPorts = p } }

// Engine hosts plugins and drives them from the audio driver.
type Engine struct {
	id           uuid.UUID
	opts         config.EngineOptions
	logger       *zap.Logger
	errorHandler ErrorHandler
	notifier     graph.Notifier

	// mu serializes Start, Stop and Destroy; driverMu guards driver
	// stream changes.
	mu        sync.Mutex
	driverMu  sync.Mutex
	isRunning atomic.Bool
	destroyed atomic.Bool

	bufferSize atomic.Uint32
	sampleRate atomic.Uint64
	offline    atomic.Bool

	plugins    *PluginList
	graph      *graph.Graph
	driver     driver.Driver
	registry   *devices.Registry
	midiPorts  MIDIPorts
	midi       *MIDIBridge
	dispatcher *Dispatcher
	monitor    *DeviceMonitor
	serializer *Serializer

	// audio thread only
	evIn, evOut events.Buffer
	// odd while a cycle is running
	cycle atomic.Uint64

	errMu     sync.Mutex
	lastError string
}

// NewEngine validates the options, creates the graph for the configured
// process mode and opens the audio driver. The engine is not started.
func NewEngine(opts config.EngineOptions, options ...Option) (*Engine, error) {
	opts = opts.Resolve()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{id: uuid.New(), opts: opts}
	for _, o := range options {
		o(e)
	}
	if e.logger == nil {
		e.logger = zap.L()
	}
	e.logger = e.logger.With(zap.String("engine", opts.Name))
	if e.errorHandler == nil {
		e.errorHandler = &DefaultErrorHandler{Logger: e.logger}
	}
	if e.registry == nil {
		e.registry = devices.Default()
	}
	e.bufferSize.Store(uint32(opts.Audio.BufferSize))
	e.sampleRate.Store(math.Float64bits(opts.Audio.SampleRate))

	e.plugins = NewPluginList(opts.MaxPlugins)
	e.midi = NewMIDIBridge(e.midiPorts, e.logger.With(zap.String("component", "midi")))
	e.dispatcher = NewDispatcher(e.errorHandler)

	if e.driver == nil {
		d, err := driver.New(opts.Driver, e.logger)
		if err != nil {
			e.midi.Close()
			return nil, err
		}
		e.driver = d
	}
	if err := e.driver.Open(e.driverSpec(), e.Process); err != nil {
		e.midi.Close()
		return nil, fmt.Errorf("open %s driver: %w", e.driver.Name(), err)
	}

	e.graph = graph.New(e, graph.Options{
		Mode:            opts.ProcessMode,
		Inputs:          uint32(opts.AudioInputs),
		Outputs:         uint32(opts.AudioOutputs),
		CVInputs:        uint32(opts.CVInputs),
		CVOutputs:       uint32(opts.CVOutputs),
		ReorderInterval: opts.ReorderInterval,
		Logger:          e.logger,
	})
	if err := e.graph.Create(); err != nil {
		_ = e.driver.Close()
		e.midi.Close()
		return nil, err
	}

	e.monitor = NewDeviceMonitor(e)
	e.serializer = NewSerializer(e)

	if err := e.dispatcher.Start(); err != nil {
		e.Destroy()
		return nil, fmt.Errorf("failed to start dispatcher: %w", err)
	}
	if err := e.PatchbayRefresh(true); err != nil {
		e.logger.Warn("initial refresh failed", zap.Error(err))
	}
	e.logger.Info("engine created", zap.Stringer("id", e.id), zap.Stringer("mode", opts.ProcessMode),
		zap.String("driver", e.driver.Name()), zap.Float64("rate", opts.Audio.SampleRate), zap.Int("buffer", opts.Audio.BufferSize))
	return e, nil
}

func (e *Engine) driverSpec() driver.Spec {
	return driver.Spec{
		SampleRate: e.SampleRate(),
		BufferSize: int(e.BufferSize()),
		Inputs:     e.opts.AudioInputs + e.opts.CVInputs,
		Outputs:    e.opts.AudioOutputs + e.opts.CVOutputs,
		DeviceName: e.opts.DeviceName,
	}
}

// ID returns the engine's UUID.
func (e *Engine) ID() uuid.UUID { return e.id }

// Options returns the resolved options the engine was created with.
func (e *Engine) Options() config.EngineOptions { return e.opts }

// Graph returns the routing graph.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// Driver returns the audio driver.
func (e *Engine) Driver() driver.Driver { return e.driver }

// MIDI returns the MIDI bridge.
func (e *Engine) MIDI() *MIDIBridge { return e.midi }

// GetDispatcher returns the dispatcher for external access
func (e *Engine) GetDispatcher() *Dispatcher { return e.dispatcher }

// GetDeviceMonitor returns the device monitor for external access
func (e *Engine) GetDeviceMonitor() *DeviceMonitor { return e.monitor }

// GetSerializer returns the serializer for state management
func (e *Engine) GetSerializer() *Serializer { return e.serializer }

// Start begins audio processing and device monitoring.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed.Load() {
		return ErrEngineDestroyed
	}
	if e.isRunning.Load() {
		return ErrEngineRunning
	}
	e.driverMu.Lock()
	err := e.driver.Start()
	e.driverMu.Unlock()
	if err != nil {
		return fmt.Errorf("engine start failed: %w", err)
	}
	e.isRunning.Store(true)
	if err := e.monitor.Start(); err != nil {
		e.errorHandler.HandleError(fmt.Errorf("device monitor: %w", err))
	}
	return nil
}

// Stop halts audio processing. The engine can be started again.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked()
}

func (e *Engine) stopLocked() error {
	if !e.isRunning.Swap(false) {
		return nil
	}
	if err := e.monitor.Stop(); err != nil {
		e.errorHandler.HandleError(fmt.Errorf("error stopping device monitor: %w", err))
	}
	e.driverMu.Lock()
	defer e.driverMu.Unlock()
	if err := e.driver.Stop(); err != nil {
		return fmt.Errorf("engine stop failed: %w", err)
	}
	return nil
}

// IsRunning returns whether the engine is currently running
func (e *Engine) IsRunning() bool { return e.isRunning.Load() }

// Destroy stops the engine and releases every resource. It is safe to call
// more than once.
func (e *Engine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed.Swap(true) {
		return
	}
	if err := e.stopLocked(); err != nil {
		e.errorHandler.HandleError(err)
	}
	e.driverMu.Lock()
	err := e.driver.Close()
	e.driverMu.Unlock()
	if err != nil {
		e.errorHandler.HandleError(fmt.Errorf("closing driver: %w", err))
	}
	if err := e.dispatcher.Stop(); err != nil {
		e.errorHandler.HandleError(fmt.Errorf("error stopping dispatcher: %w", err))
	}
	e.midi.Close()
	e.graph.Destroy()
	e.plugins.Clear()
}

// Process is the driver callback. It runs one graph cycle with the MIDI
// received since the previous cycle and forwards the produced MIDI.
func (e *Engine) Process(in, out [][]float32, frames uint32) {
	e.cycle.Add(1)
	defer e.cycle.Add(1)

	e.evIn.Clear()
	e.evOut.Clear()
	e.midi.Drain(&e.evIn)
	e.graph.Process(in, out, &e.evIn, &e.evOut, frames)
	e.midi.Send(&e.evOut)
}

// waitCycle returns once a cycle running at the time of the call has
// finished.
func (e *Engine) waitCycle() {
	s := e.cycle.Load()
	if s%2 == 0 {
		return
	}
	deadline := time.Now().Add(time.Second)
	for e.cycle.Load() == s && time.Now().Before(deadline) {
		time.Sleep(50 * time.Microsecond)
	}
}

// OverrunCount returns the number of cycles the driver reported late.
func (e *Engine) OverrunCount() uint64 { return e.driver.Overruns() }

// LastError returns the text of the most recent control error.
func (e *Engine) LastError() string {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.lastError
}

// SetLastError records msg as the last error.
func (e *Engine) SetLastError(msg string) {
	e.errMu.Lock()
	e.lastError = msg
	e.errMu.Unlock()
}

// fail records err as the last error and returns it.
func (e *Engine) fail(err error) error {
	if err != nil {
		e.SetLastError(err.Error())
	}
	return err
}

// Host implementation.

func (e *Engine) Name() string            { return e.opts.Name }
func (e *Engine) BufferSize() uint32      { return e.bufferSize.Load() }
func (e *Engine) SampleRate() float64     { return math.Float64frombits(e.sampleRate.Load()) }
func (e *Engine) IsOffline() bool         { return e.offline.Load() }
func (e *Engine) Plugins() []graph.Plugin { return e.plugins.Plugins() }

func (e *Engine) SetPluginPeaks(pluginID uint, p graph.Plugin, in, out [2]float32) {
	e.plugins.SetPeaks(pluginID, p, in, out)
}

// Notify forwards a graph notification to the configured notifier.
func (e *Engine) Notify(n graph.Notification) {
	if e.notifier != nil {
		e.notifier.Notify(n)
	}
}

// ExternalPorts lists the driver's audio ports and the registry's MIDI ports.
func (e *Engine) ExternalPorts() graph.ExternalPortInfo {
	ports := e.driver.Ports()
	info := graph.ExternalPortInfo{
		AudioIns:  ports.AudioIns[:min(len(ports.AudioIns), e.opts.AudioInputs)],
		AudioOuts: ports.AudioOuts[:min(len(ports.AudioOuts), e.opts.AudioOutputs)],
	}
	midiDevs, err := e.registry.MIDI()
	if err != nil {
		e.logger.Warn("MIDI enumeration failed", zap.Error(err))
		return info
	}
	info.MIDIIns = midiDevs.Inputs().Names()
	info.MIDIOuts = midiDevs.Outputs().Names()
	return info
}

// ConnectExternalPort accepts audio links to existing driver ports and
// opens MIDI ports through the bridge.
func (e *Engine) ConnectExternalPort(conn graph.ExternalConnection, portID uint, portName string) bool {
	switch conn {
	case graph.ExternalAudioIn1, graph.ExternalAudioIn2:
		return portID >= 1 && portID <= uint(len(e.driver.Ports().AudioIns))
	case graph.ExternalAudioOut1, graph.ExternalAudioOut2:
		return portID >= 1 && portID <= uint(len(e.driver.Ports().AudioOuts))
	case graph.ExternalMIDIInput:
		if err := e.midi.ConnectInput(portName); err != nil {
			e.logger.Warn("MIDI input connect failed", zap.String("port", portName), zap.Error(err))
			return false
		}
		return true
	case graph.ExternalMIDIOutput:
		if err := e.midi.ConnectOutput(portName); err != nil {
			e.logger.Warn("MIDI output connect failed", zap.String("port", portName), zap.Error(err))
			return false
		}
		return true
	}
	return false
}

// DisconnectExternalPort undoes ConnectExternalPort.
func (e *Engine) DisconnectExternalPort(conn graph.ExternalConnection, portID uint, portName string) bool {
	switch conn {
	case graph.ExternalAudioIn1, graph.ExternalAudioIn2, graph.ExternalAudioOut1, graph.ExternalAudioOut2:
		return true
	case graph.ExternalMIDIInput:
		return e.midi.DisconnectInput(portName) == nil
	case graph.ExternalMIDIOutput:
		return e.midi.DisconnectOutput(portName) == nil
	}
	return false
}

// Plugins.

func (e *Engine) isPatchbay() bool { return e.opts.ProcessMode == config.ProcessModePatchbay }

// AddPlugin appends p and returns its slot id and UUID.
func (e *Engine) AddPlugin(p graph.Plugin) (uint, uuid.UUID, error) {
	var (
		id  uint
		uid uuid.UUID
	)
	err := e.dispatcher.RunSync("add plugin", func() error {
		var err error
		id, uid, err = e.plugins.Append(p)
		if err != nil {
			return err
		}
		if e.isPatchbay() {
			if err := e.graph.AddPlugin(p, id); err != nil {
				_, _ = e.plugins.Remove(id)
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, uuid.Nil, e.fail(err)
	}
	e.logger.Debug("plugin added", zap.Uint("id", id), zap.String("name", p.Name()), zap.Stringer("uuid", uid))
	return id, uid, nil
}

// RemovePlugin removes slot id. Later plugins are renumbered.
func (e *Engine) RemovePlugin(id uint) error {
	return e.fail(e.dispatcher.RunSync("remove plugin", func() error {
		if _, ok := e.plugins.Get(id); !ok {
			return fmt.Errorf("%w: %d", ErrPluginNotFound, id)
		}
		if e.isPatchbay() {
			if err := e.graph.RemovePlugin(id); err != nil {
				return err
			}
		}
		if _, err := e.plugins.Remove(id); err != nil {
			return err
		}
		e.waitCycle()
		return nil
	}))
}

// ReplacePlugin puts p in slot id. The replaced plugin keeps no connections.
func (e *Engine) ReplacePlugin(id uint, p graph.Plugin) error {
	return e.fail(e.dispatcher.RunSync("replace plugin", func() error {
		if _, ok := e.plugins.Get(id); !ok {
			return fmt.Errorf("%w: %d", ErrPluginNotFound, id)
		}
		if _, _, err := e.plugins.Replace(id, p); err != nil {
			return err
		}
		if e.isPatchbay() {
			if err := e.graph.ReplacePlugin(id, p); err != nil {
				return err
			}
		}
		e.waitCycle()
		return nil
	}))
}

// RenamePlugin renames slot id when the plugin supports it.
func (e *Engine) RenamePlugin(id uint, name string) error {
	return e.fail(e.dispatcher.RunSync("rename plugin", func() error {
		p, ok := e.plugins.Get(id)
		if !ok {
			return fmt.Errorf("%w: %d", ErrPluginNotFound, id)
		}
		r, ok := p.(interface{ SetName(string) })
		if !ok {
			return fmt.Errorf("%w: plugin %d cannot be renamed", graph.ErrUnsupported, id)
		}
		r.SetName(name)
		if e.isPatchbay() {
			return e.graph.RenamePlugin(id, name)
		}
		return nil
	}))
}

// RemoveAllPlugins empties the plugin list.
func (e *Engine) RemoveAllPlugins() error {
	return e.fail(e.dispatcher.RunSync("remove all plugins", func() error {
		if e.isPatchbay() {
			if err := e.graph.RemoveAllPlugins(); err != nil {
				return err
			}
		}
		e.plugins.Clear()
		e.waitCycle()
		return nil
	}))
}

// ReconfigureForCV announces a CV input added to or removed from plugin id.
func (e *Engine) ReconfigureForCV(id uint, added bool) error {
	return e.fail(e.dispatcher.RunSync("reconfigure cv", func() error {
		return e.graph.ReconfigureForCV(id, added)
	}))
}

// Plugin returns the plugin in slot id.
func (e *Engine) Plugin(id uint) (graph.Plugin, bool) { return e.plugins.Get(id) }

// PluginCount returns the number of plugins.
func (e *Engine) PluginCount() int { return e.plugins.Len() }

// PluginEntries describes every plugin slot.
func (e *Engine) PluginEntries() []PluginEntry { return e.plugins.Entries() }

// PluginPeaks returns the last in1, in2, out1, out2 peak values of slot id.
func (e *Engine) PluginPeaks(id uint) ([4]float32, bool) { return e.plugins.Peaks(id) }

// Patchbay control.

// PatchbayConnect connects two ports.
func (e *Engine) PatchbayConnect(external bool, groupA, portA, groupB, portB uint) error {
	return e.fail(e.dispatcher.RunSync("connect", func() error {
		return e.graph.Connect(external, groupA, portA, groupB, portB, true)
	}))
}

// PatchbayDisconnect removes connection id.
func (e *Engine) PatchbayDisconnect(external bool, id uint) error {
	return e.fail(e.dispatcher.RunSync("disconnect", func() error {
		return e.graph.Disconnect(external, id)
	}))
}

// PatchbayRefresh re-announces ports and connections. External refreshes
// re-enumerate MIDI devices first.
func (e *Engine) PatchbayRefresh(external bool) error {
	return e.fail(e.dispatcher.RunSync("refresh", func() error {
		if external {
			if err := e.registry.Refresh(); err != nil && !errors.Is(err, devices.ErrNoProviders) {
				e.logger.Warn("device refresh failed", zap.Error(err))
			}
		}
		return e.graph.Refresh(external, e.opts.DeviceName)
	}))
}

// PatchbayConnections returns alternating source and destination full names.
func (e *Engine) PatchbayConnections(external bool) []string {
	var out []string
	_ = e.dispatcher.RunSync("connections", func() error {
		out = e.graph.Connections(external)
		return nil
	})
	return out
}

// RestorePatchbayConnection reconnects two ports given by full name.
func (e *Engine) RestorePatchbayConnection(external bool, source, dest string) error {
	return e.fail(e.dispatcher.RunSync("restore connection", func() error {
		return e.graph.RestoreConnection(external, source, dest, true)
	}))
}

// PatchbaySetGroupPos stores the advisory layout of a group.
func (e *Engine) PatchbaySetGroupPos(external bool, group uint, x1, y1, x2, y2 int) error {
	return e.fail(e.dispatcher.RunSync("set group position", func() error {
		return e.graph.SetGroupPosition(external, group, x1, y1, x2, y2)
	}))
}

// Audio settings.

// reopenDriver restarts the driver stream with the current settings.
func (e *Engine) reopenDriver() error {
	e.driverMu.Lock()
	defer e.driverMu.Unlock()
	if e.destroyed.Load() {
		return ErrEngineDestroyed
	}
	running := e.isRunning.Load()
	if running {
		if err := e.driver.Stop(); err != nil {
			return err
		}
	}
	if err := e.driver.Close(); err != nil {
		return err
	}
	if err := e.driver.Open(e.driverSpec(), e.Process); err != nil {
		return err
	}
	if running {
		return e.driver.Start()
	}
	return nil
}

// SetBufferSize changes the block size of the graph and the driver.
func (e *Engine) SetBufferSize(size uint32) error {
	if size < config.MinBufferSize || size > config.MaxBufferSize {
		return e.fail(fmt.Errorf("%w: buffer size %d outside %d..%d", ErrInvalidAudio, size, config.MinBufferSize, config.MaxBufferSize))
	}
	return e.fail(e.dispatcher.RunSync("set buffer size", func() error {
		old := e.bufferSize.Swap(size)
		if err := e.graph.SetBufferSize(size); err != nil {
			e.bufferSize.Store(old)
			return err
		}
		return e.reopenDriver()
	}))
}

// SetSampleRate changes the sample rate of the graph and the driver.
func (e *Engine) SetSampleRate(rate float64) error {
	if rate < config.MinSampleRate || rate > config.MaxSampleRate {
		return e.fail(fmt.Errorf("%w: sample rate %.0f outside %d..%d", ErrInvalidAudio, rate, config.MinSampleRate, config.MaxSampleRate))
	}
	return e.fail(e.dispatcher.RunSync("set sample rate", func() error {
		old := e.sampleRate.Swap(math.Float64bits(rate))
		if err := e.graph.SetSampleRate(rate); err != nil {
			e.sampleRate.Store(old)
			return err
		}
		return e.reopenDriver()
	}))
}

// SetOffline switches between real-time and offline rendering.
func (e *Engine) SetOffline(offline bool) error {
	return e.fail(e.dispatcher.RunSync("set offline", func() error {
		e.offline.Store(offline)
		return e.graph.SetOffline(offline)
	}))
}
