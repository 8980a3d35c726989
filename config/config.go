package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits shared by the engine and the routers.
const (
	MinSampleRate = 8000
	MaxSampleRate = 384000
	MinBufferSize = 64
	MaxBufferSize = 4096

	DefaultSampleRate      = 48000
	DefaultReorderInterval = 100 * time.Millisecond

	// MaxIOChannels bounds the audio channel count of patchbay I/O nodes.
	MaxIOChannels = 32
	// MaxPlugins is the plugin slot limit of a single engine.
	MaxPlugins = 255
)

// ErrInvalidOptions is wrapped by every validation failure.
var ErrInvalidOptions = errors.New("invalid engine options")

// ProcessMode selects the router the engine graph is built around.
type ProcessMode int

const (
	ProcessModeRack ProcessMode = iota
	ProcessModePatchbay
)

func (m ProcessMode) String() string {
	switch m {
	case ProcessModeRack:
		return "rack"
	case ProcessModePatchbay:
		return "patchbay"
	default:
		return fmt.Sprintf("ProcessMode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m ProcessMode) MarshalText() ([]byte, error) {
	switch m {
	case ProcessModeRack, ProcessModePatchbay:
		return []byte(m.String()), nil
	}
	return nil, fmt.Errorf("%w: unknown process mode %d", ErrInvalidOptions, int(m))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ProcessMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "rack", "continuous-rack", "":
		*m = ProcessModeRack
	case "patchbay":
		*m = ProcessModePatchbay
	default:
		return fmt.Errorf("%w: unknown process mode %q", ErrInvalidOptions, string(text))
	}
	return nil
}

// LatencyClass is a coarse latency preference that maps to buffer sizes.
type LatencyClass string

const (
	LatencyLow    LatencyClass = "low"    // prioritize minimal latency (smaller buffers)
	LatencyMedium LatencyClass = "medium" // balanced default
	LatencyHigh   LatencyClass = "high"   // prioritize stability (larger buffers)
)

// MapLatencyToBuffer maps a LatencyClass to a suggested buffer size in frames.
func MapLatencyToBuffer(c LatencyClass) int {
	switch c {
	case LatencyLow:
		return 128
	case LatencyHigh:
		return 1024
	case LatencyMedium:
		fallthrough
	default:
		return 256
	}
}

// AudioSpec captures the audio format preferences of an engine session.
type AudioSpec struct {
	SampleRate  float64      `yaml:"sample_rate,omitempty" json:"sample_rate,omitempty"`
	LatencyHint LatencyClass `yaml:"latency_hint,omitempty" json:"latency_hint,omitempty"`
	// Optional explicit buffer size (frames). Overrides LatencyHint if set > 0.
	BufferSize int `yaml:"buffer_size,omitempty" json:"buffer_size,omitempty"`
}

// Resolve fills unset fields: the default sample rate, and a buffer size
// derived from the latency hint unless one was given explicitly.
func (s AudioSpec) Resolve() AudioSpec {
	if s.SampleRate <= 0 {
		s.SampleRate = DefaultSampleRate
	}
	if s.BufferSize <= 0 {
		s.BufferSize = MapLatencyToBuffer(s.LatencyHint)
	}
	return s
}

// Validate checks the resolved spec against the engine limits.
func (s AudioSpec) Validate() error {
	if s.SampleRate < MinSampleRate {
		return fmt.Errorf("%w: sample rate must be at least %d Hz, got %.0f", ErrInvalidOptions, MinSampleRate, s.SampleRate)
	}
	if s.SampleRate > MaxSampleRate {
		return fmt.Errorf("%w: sample rate cannot exceed %d Hz, got %.0f", ErrInvalidOptions, MaxSampleRate, s.SampleRate)
	}
	if s.BufferSize < MinBufferSize {
		return fmt.Errorf("%w: buffer size must be at least %d samples, got %d", ErrInvalidOptions, MinBufferSize, s.BufferSize)
	}
	if s.BufferSize > MaxBufferSize {
		return fmt.Errorf("%w: buffer size cannot exceed %d samples, got %d", ErrInvalidOptions, MaxBufferSize, s.BufferSize)
	}
	return nil
}

// EngineOptions is the complete configuration of an engine.
type EngineOptions struct {
	Name        string      `yaml:"name" json:"name"`
	ProcessMode ProcessMode `yaml:"process_mode" json:"process_mode"`
	Audio       AudioSpec   `yaml:"audio" json:"audio"`

	// Hardware channel counts presented to the graph.
	AudioInputs  int `yaml:"audio_inputs" json:"audio_inputs"`
	AudioOutputs int `yaml:"audio_outputs" json:"audio_outputs"`
	CVInputs     int `yaml:"cv_inputs,omitempty" json:"cv_inputs,omitempty"`
	CVOutputs    int `yaml:"cv_outputs,omitempty" json:"cv_outputs,omitempty"`

	DeviceName string `yaml:"device_name,omitempty" json:"device_name,omitempty"`
	Driver     string `yaml:"driver,omitempty" json:"driver,omitempty"`

	ReorderInterval time.Duration `yaml:"reorder_interval,omitempty" json:"reorder_interval,omitempty"`
	MaxPlugins      int           `yaml:"max_plugins,omitempty" json:"max_plugins,omitempty"`
}

// Default returns options for a stereo rack engine on the dummy driver.
func Default() EngineOptions {
	return EngineOptions{
		Name:            "audiohost",
		ProcessMode:     ProcessModeRack,
		Audio:           AudioSpec{SampleRate: DefaultSampleRate, LatencyHint: LatencyMedium},
		AudioInputs:     2,
		AudioOutputs:    2,
		Driver:          "dummy",
		ReorderInterval: DefaultReorderInterval,
		MaxPlugins:      MaxPlugins,
	}
}

// Resolve applies defaults to every unset field.
func (o EngineOptions) Resolve() EngineOptions {
	if o.Name == "" {
		o.Name = "audiohost"
	}
	o.Audio = o.Audio.Resolve()
	if o.Driver == "" {
		o.Driver = "dummy"
	}
	if o.ReorderInterval <= 0 {
		o.ReorderInterval = DefaultReorderInterval
	}
	if o.MaxPlugins <= 0 || o.MaxPlugins > MaxPlugins {
		o.MaxPlugins = MaxPlugins
	}
	return o
}

// Validate checks resolved options.
func (o EngineOptions) Validate() error {
	if err := o.Audio.Validate(); err != nil {
		return err
	}
	if o.ProcessMode != ProcessModeRack && o.ProcessMode != ProcessModePatchbay {
		return fmt.Errorf("%w: unknown process mode %d", ErrInvalidOptions, int(o.ProcessMode))
	}
	for name, v := range map[string]int{
		"audio_inputs":  o.AudioInputs,
		"audio_outputs": o.AudioOutputs,
		"cv_inputs":     o.CVInputs,
		"cv_outputs":    o.CVOutputs,
	} {
		if v < 0 || v > MaxIOChannels {
			return fmt.Errorf("%w: %s must be within 0..%d, got %d", ErrInvalidOptions, name, MaxIOChannels, v)
		}
	}
	if o.ProcessMode == ProcessModeRack && (o.CVInputs > 0 || o.CVOutputs > 0) {
		return fmt.Errorf("%w: CV channels require patchbay mode", ErrInvalidOptions)
	}
	return nil
}

// Parse decodes YAML (or JSON) options on top of Default and validates them.
func Parse(data []byte) (EngineOptions, error) {
	opts := Default()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return EngineOptions{}, fmt.Errorf("parse engine options: %w", err)
	}
	opts = opts.Resolve()
	if err := opts.Validate(); err != nil {
		return EngineOptions{}, err
	}
	return opts, nil
}

// Load reads options from a YAML or JSON file.
func Load(path string) (EngineOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EngineOptions{}, fmt.Errorf("read engine options: %w", err)
	}
	return Parse(data)
}
