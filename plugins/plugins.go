// Package plugins provides the built-in processing units and a small
// catalogue to enumerate and create them by name.
//
// Model:
//   - List returns lightweight Info entries that can be filtered
//     (ByName/ByCategory).
//   - Info.New (or New by name) creates a fresh instance ready to be added
//     to an engine.
package plugins

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shaban/audiohost/graph"
)

// ErrUnknownPlugin is returned when no built-in plugin has the requested name.
var ErrUnknownPlugin = errors.New("unknown plugin")

// Categories of built-in plugins.
const (
	CategoryEffect    = "Effect"
	CategoryGenerator = "Generator"
	CategoryMIDI      = "MIDI"
	CategoryUtility   = "Utility"
)

// Info describes a built-in plugin without creating it.
type Info struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
	AudioIns    uint32 `json:"audioIns"`
	AudioOuts   uint32 `json:"audioOuts"`
	MIDIIn      bool   `json:"midiIn"`
	MIDIOut     bool   `json:"midiOut"`

	create func(name string, sampleRate float64) graph.Plugin
}

// New creates an instance named after the catalogue entry.
func (i Info) New(sampleRate float64) graph.Plugin {
	return i.create(i.Name, sampleRate)
}

// Infos is a collection of Info entries with filter methods.
type Infos []Info

var catalogue = Infos{
	{
		Name: "Gain", Category: CategoryEffect, Description: "stereo amplifier with optional CV gain",
		AudioIns: 2, AudioOuts: 2,
		create: func(name string, _ float64) graph.Plugin { return NewGain(name, 1) },
	},
	{
		Name: "Mono", Category: CategoryUtility, Description: "stereo to mono fold-down",
		AudioIns: 2, AudioOuts: 1,
		create: func(name string, _ float64) graph.Plugin { return NewMono(name) },
	},
	{
		Name: "Oscillator", Category: CategoryGenerator, Description: "MIDI-controlled sine generator",
		AudioOuts: 2, MIDIIn: true,
		create: func(name string, sr float64) graph.Plugin { return NewOscillator(name, 440, sr) },
	},
	{
		Name: "MIDI Thru", Category: CategoryMIDI, Description: "MIDI pass-through with transpose",
		MIDIIn: true, MIDIOut: true,
		create: func(name string, _ float64) graph.Plugin { return NewMIDIThru(name, 0) },
	},
}

// List returns every built-in plugin.
func List() Infos {
	return append(Infos(nil), catalogue...)
}

// New creates the built-in plugin with the given name (case-insensitive).
func New(name string, sampleRate float64) (graph.Plugin, error) {
	for _, info := range catalogue {
		if strings.EqualFold(info.Name, name) {
			return info.New(sampleRate), nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, name)
}

// ByName returns infos whose name contains pattern (case-insensitive).
func (infos Infos) ByName(pattern string) Infos {
	var filtered Infos
	for _, info := range infos {
		if matchesPattern(info.Name, pattern) {
			filtered = append(filtered, info)
		}
	}
	return filtered
}

// ByCategory returns infos of a specific category.
func (infos Infos) ByCategory(category string) Infos {
	var filtered Infos
	for _, info := range infos {
		if info.Category == category {
			filtered = append(filtered, info)
		}
	}
	return filtered
}

// Names returns the plugin names in order.
func (infos Infos) Names() []string {
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names
}

func matchesPattern(name, pattern string) bool {
	return strings.Contains(strings.ToUpper(name), strings.ToUpper(pattern))
}
