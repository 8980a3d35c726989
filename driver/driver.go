// Package driver runs the audio cycle. A driver owns the device stream and
// calls the engine's callback once per block with non-interleaved buffers.
package driver

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrUnknownDriver = errors.New("unknown audio driver")
	ErrNotOpen       = errors.New("driver is not open")
	ErrAlreadyOpen   = errors.New("driver is already open")
	ErrInvalidSpec   = errors.New("invalid stream spec")
)

// Callback processes one block. in and out hold exactly frames samples per
// channel. It runs on the driver's real-time goroutine.
type Callback func(in, out [][]float32, frames uint32)

// Spec describes the stream a driver should open.
type Spec struct {
	SampleRate float64
	BufferSize int
	Inputs     int
	Outputs    int
	// DeviceName selects a device; empty means the system default.
	DeviceName string
}

func (s Spec) validate() error {
	if s.SampleRate <= 0 || s.BufferSize <= 0 {
		return fmt.Errorf("%w: rate %.0f, buffer %d", ErrInvalidSpec, s.SampleRate, s.BufferSize)
	}
	if s.Inputs < 0 || s.Outputs < 0 {
		return fmt.Errorf("%w: %d inputs, %d outputs", ErrInvalidSpec, s.Inputs, s.Outputs)
	}
	return nil
}

// Ports names the device channels as seen by the external graph.
type Ports struct {
	AudioIns  []string
	AudioOuts []string
}

// Driver is an audio backend.
type Driver interface {
	Name() string
	Open(spec Spec, cb Callback) error
	Start() error
	Stop() error
	Close() error
	Ports() Ports
	// Overruns counts cycles that missed their deadline.
	Overruns() uint64
}

// Factory creates a driver.
type Factory func(logger *zap.Logger) Driver

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{"dummy": func(l *zap.Logger) Driver { return NewDummy(l) }}
)

// Register makes a driver available by name. Backends built behind tags
// register themselves from init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("driver: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("driver: Register called twice for " + name)
	}
	registry[name] = f
}

// New creates the driver registered under name.
func New(name string, logger *zap.Logger) (Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownDriver, name, Names())
	}
	return f(logger.With(zap.String("driver", name))), nil
}

// Names lists the registered drivers.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a driver is registered under name.
func Has(name string) bool {
	return slices.Contains(Names(), name)
}

func channelNames(prefix string, n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%s_%d", prefix, i+1)
	}
	return names
}

func portsFor(inputs, outputs int) Ports {
	return Ports{AudioIns: channelNames("capture", inputs), AudioOuts: channelNames("playback", outputs)}
}

func allocChannels(n, frames int) [][]float32 {
	bufs := make([][]float32, n)
	for i := range bufs {
		bufs[i] = make([]float32, frames)
	}
	return bufs
}
