package audiohost

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaban/audiohost/config"
	"github.com/shaban/audiohost/graph"
	"github.com/shaban/audiohost/plugins"
)

// StateVersion is the format version written by the serializer.
const StateVersion = "1.0.0"

// EngineState represents the complete serializable state of the engine
type EngineState struct {
	Version     string             `json:"version"`
	EngineID    uuid.UUID          `json:"engine_id"`
	Name        string             `json:"name"`
	ProcessMode config.ProcessMode `json:"process_mode"`
	Audio       config.AudioSpec   `json:"audio"`
	Plugins     []PluginState      `json:"plugins"`
	// Connections are stored as full port names, so they survive plugin
	// renumbering and id reuse.
	ExternalConnections []ConnectionPair `json:"external_connections,omitempty"`
	InternalConnections []ConnectionPair `json:"internal_connections,omitempty"`
	Timestamp           int64            `json:"timestamp"`
}

// PluginState describes one plugin slot.
type PluginState struct {
	Slot    uint      `json:"slot"`
	UUID    uuid.UUID `json:"uuid"`
	Name    string    `json:"name"`
	Kind    string    `json:"kind"`
	Enabled bool      `json:"enabled"`
}

// ConnectionPair is a source and destination full port name.
type ConnectionPair struct {
	Source string `json:"source"`
	Dest   string `json:"dest"`
}

// PluginFactory builds a plugin from its saved kind and name.
type PluginFactory func(kind, name string, sampleRate float64) (graph.Plugin, error)

// BuiltinFactory creates plugins from the built-in catalogue.
func BuiltinFactory(kind, name string, sampleRate float64) (graph.Plugin, error) {
	p, err := plugins.New(kind, sampleRate)
	if err != nil {
		return nil, err
	}
	if r, ok := p.(interface{ SetName(string) }); ok && name != "" {
		r.SetName(name)
	}
	return p, nil
}

// Serializer handles engine state persistence and restoration
type Serializer struct {
	engine  *Engine
	mu      sync.Mutex
	factory PluginFactory
}

// NewSerializer creates a new serializer
func NewSerializer(engine *Engine) *Serializer {
	return &Serializer{engine: engine, factory: BuiltinFactory}
}

// SetPluginFactory replaces the factory used by SetState.
func (s *Serializer) SetPluginFactory(f PluginFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f == nil {
		f = BuiltinFactory
	}
	s.factory = f
}

// GetState captures the plugins and connections of the engine.
func (s *Serializer) GetState() EngineState {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.engine
	state := EngineState{
		Version:     StateVersion,
		EngineID:    e.ID(),
		Name:        e.opts.Name,
		ProcessMode: e.opts.ProcessMode,
		Audio: config.AudioSpec{
			SampleRate: e.SampleRate(),
			BufferSize: int(e.BufferSize()),
		},
		Timestamp: time.Now().Unix(),
	}
	for _, entry := range e.PluginEntries() {
		ps := PluginState{Slot: entry.ID, UUID: entry.UUID, Name: entry.Name, Enabled: entry.Plugin.Enabled()}
		if k, ok := entry.Plugin.(interface{ Kind() string }); ok {
			ps.Kind = k.Kind()
		}
		state.Plugins = append(state.Plugins, ps)
	}
	state.ExternalConnections = pairs(e.PatchbayConnections(true))
	if e.isPatchbay() {
		state.InternalConnections = pairs(e.PatchbayConnections(false))
	}
	return state
}

func pairs(names []string) []ConnectionPair {
	out := make([]ConnectionPair, 0, len(names)/2)
	for i := 0; i+1 < len(names); i += 2 {
		out = append(out, ConnectionPair{Source: names[i], Dest: names[i+1]})
	}
	return out
}

// ValidateState checks that state can be applied to this engine.
func (s *Serializer) ValidateState(state EngineState) error {
	if state.Version != StateVersion {
		return fmt.Errorf("%w: version %s, expected %s", ErrIncompatibleState, state.Version, StateVersion)
	}
	if state.ProcessMode != s.engine.opts.ProcessMode {
		return fmt.Errorf("%w: state is for %s mode, engine runs %s", ErrIncompatibleState, state.ProcessMode, s.engine.opts.ProcessMode)
	}
	for i, p := range state.Plugins {
		if p.Kind == "" {
			return fmt.Errorf("%w: plugin %d (%s) has no kind", ErrIncompatibleState, i, p.Name)
		}
	}
	return nil
}

// SetState replaces every plugin with the ones in state and restores the
// saved connections. Connections that no longer resolve are reported
// together once the rest has been restored.
func (s *Serializer) SetState(state EngineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ValidateState(state); err != nil {
		return err
	}
	e := s.engine

	created := make([]graph.Plugin, 0, len(state.Plugins))
	for _, ps := range state.Plugins {
		p, err := s.factory(ps.Kind, ps.Name, e.SampleRate())
		if err != nil {
			return fmt.Errorf("failed to create plugin %q: %w", ps.Name, err)
		}
		if en, ok := p.(interface{ SetEnabled(bool) }); ok {
			en.SetEnabled(ps.Enabled)
		}
		created = append(created, p)
	}

	if err := e.RemoveAllPlugins(); err != nil {
		return fmt.Errorf("failed to clear plugins: %w", err)
	}
	for _, p := range created {
		if _, _, err := e.AddPlugin(p); err != nil {
			return fmt.Errorf("failed to add plugin %q: %w", p.Name(), err)
		}
	}
	return s.RestoreConnections(state)
}

// RestoreConnections reconnects every saved connection by full port name.
// Failures are collected and returned together.
func (s *Serializer) RestoreConnections(state EngineState) error {
	var errs []error
	for _, c := range state.ExternalConnections {
		if err := s.engine.RestorePatchbayConnection(true, c.Source, c.Dest); err != nil {
			errs = append(errs, fmt.Errorf("%s -> %s: %w", c.Source, c.Dest, err))
		}
	}
	for _, c := range state.InternalConnections {
		if err := s.engine.RestorePatchbayConnection(false, c.Source, c.Dest); err != nil {
			errs = append(errs, fmt.Errorf("%s -> %s: %w", c.Source, c.Dest, err))
		}
	}
	return errors.Join(errs...)
}

// SaveToWriter saves the engine state to a writer (JSON format)
func (s *Serializer) SaveToWriter(writer io.Writer) error {
	state := s.GetState()

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(state); err != nil {
		return fmt.Errorf("failed to encode engine state: %w", err)
	}
	return nil
}

// LoadFromReader loads engine state from a reader (JSON format)
func (s *Serializer) LoadFromReader(reader io.Reader) error {
	var state EngineState
	if err := json.NewDecoder(reader).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode engine state: %w", err)
	}
	return s.SetState(state)
}

// SaveToJSON returns the engine state as JSON string
func (s *Serializer) SaveToJSON() (string, error) {
	data, err := json.MarshalIndent(s.GetState(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal engine state: %w", err)
	}
	return string(data), nil
}

// LoadFromJSON restores engine state from JSON string
func (s *Serializer) LoadFromJSON(jsonData string) error {
	var state EngineState
	if err := json.Unmarshal([]byte(jsonData), &state); err != nil {
		return fmt.Errorf("failed to unmarshal engine state: %w", err)
	}
	return s.SetState(state)
}
