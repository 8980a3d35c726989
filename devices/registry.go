package devices

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNoProviders is returned when a registry has nothing to enumerate.
var ErrNoProviders = errors.New("devices: no providers registered")

// Provider enumerates devices of one backend.
type Provider interface {
	Name() string
	AudioDevices() (AudioDevices, error)
	MIDIDevices() (MIDIDevices, error)
}

// Registry aggregates providers and caches their last enumeration.
// It is safe for concurrent use.
type Registry struct {
	logger    *zap.Logger
	providers []Provider

	mu    sync.Mutex
	audio AudioDevices
	midi  MIDIDevices
	valid bool
}

// NewRegistry creates a registry over the given providers.
func NewRegistry(logger *zap.Logger, providers ...Provider) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger, providers: providers}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry over the platform providers.
// It is created on first use and never torn down.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(zap.L().With(zap.String("component", "devices")), platformProviders()...)
	})
	return defaultRegistry
}

// Refresh re-enumerates every provider. A failing provider is logged and
// skipped; the error is returned only when every provider failed.
func (r *Registry) Refresh() error {
	if len(r.providers) == 0 {
		return ErrNoProviders
	}
	var (
		audio  AudioDevices
		midi   MIDIDevices
		errs   []error
		failed int
	)
	for _, p := range r.providers {
		a, errA := p.AudioDevices()
		m, errM := p.MIDIDevices()
		if errA != nil || errM != nil {
			err := fmt.Errorf("%s: %w", p.Name(), errors.Join(errA, errM))
			r.logger.Warn("device enumeration failed", zap.String("provider", p.Name()), zap.Error(err))
			errs = append(errs, err)
			if errA != nil && errM != nil {
				failed++
			}
		}
		audio = append(audio, tagAudio(a, p.Name())...)
		midi = append(midi, tagMIDI(m, p.Name())...)
	}

	if failed == len(r.providers) {
		r.mu.Lock()
		r.audio, r.midi, r.valid = nil, nil, false
		r.mu.Unlock()
		return errors.Join(errs...)
	}

	r.mu.Lock()
	r.audio, r.midi, r.valid = audio, midi, true
	r.mu.Unlock()
	return nil
}

func tagAudio(devs AudioDevices, provider string) AudioDevices {
	for i := range devs {
		if devs[i].Provider == "" {
			devs[i].Provider = provider
		}
	}
	return devs
}

func tagMIDI(devs MIDIDevices, provider string) MIDIDevices {
	for i := range devs {
		if devs[i].Provider == "" {
			devs[i].Provider = provider
		}
	}
	return devs
}

func (r *Registry) ensure() error {
	r.mu.Lock()
	valid := r.valid
	r.mu.Unlock()
	if valid {
		return nil
	}
	return r.Refresh()
}

// Audio returns the cached audio devices, enumerating on first use.
func (r *Registry) Audio() (AudioDevices, error) {
	if err := r.ensure(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append(AudioDevices(nil), r.audio...), nil
}

// MIDI returns the cached MIDI devices, enumerating on first use.
func (r *Registry) MIDI() (MIDIDevices, error) {
	if err := r.ensure(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append(MIDIDevices(nil), r.midi...), nil
}

// Counts re-enumerates and returns the number of audio and MIDI devices.
func (r *Registry) Counts() (audio, midi int, err error) {
	if err := r.Refresh(); err != nil {
		return 0, 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.audio), len(r.midi), nil
}

// StaticProvider reports fixed device lists.
type StaticProvider struct {
	ProviderName string
	mu           sync.Mutex
	audio        AudioDevices
	midi         MIDIDevices
}

// NewStaticProvider returns a provider over the given devices.
func NewStaticProvider(name string, audio AudioDevices, midi MIDIDevices) *StaticProvider {
	return &StaticProvider{ProviderName: name, audio: audio, midi: midi}
}

func (p *StaticProvider) Name() string { return p.ProviderName }

func (p *StaticProvider) AudioDevices() (AudioDevices, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append(AudioDevices(nil), p.audio...), nil
}

func (p *StaticProvider) MIDIDevices() (MIDIDevices, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append(MIDIDevices(nil), p.midi...), nil
}

// Set replaces the reported devices.
func (p *StaticProvider) Set(audio AudioDevices, midi MIDIDevices) {
	p.mu.Lock()
	p.audio, p.midi = audio, midi
	p.mu.Unlock()
}
