// Package devices enumerates audio and MIDI devices through pluggable
// providers and caches the result in a process-wide registry.
package devices

import (
	"fmt"
	"slices"
)

// Device represents the common properties of any device
type Device struct {
	Name     string `json:"name"`
	UID      string `json:"uid"`
	IsOnline bool   `json:"isOnline"`
	// Provider is the name of the provider that reported the device.
	Provider string `json:"provider"`
}

// AudioDevice is an audio interface with its channel capabilities.
type AudioDevice struct {
	Device
	InputChannelCount    int     `json:"inputChannelCount"`
	OutputChannelCount   int     `json:"outputChannelCount"`
	IsDefaultInput       bool    `json:"isDefaultInput"`
	IsDefaultOutput      bool    `json:"isDefaultOutput"`
	DefaultSampleRate    float64 `json:"defaultSampleRate"`
	SupportedSampleRates []int   `json:"supportedSampleRates"`
}

func (a AudioDevice) CanInput() bool  { return a.InputChannelCount > 0 }
func (a AudioDevice) CanOutput() bool { return a.OutputChannelCount > 0 }

// CaptureNames returns the external port names of the device's inputs.
func (a AudioDevice) CaptureNames() []string {
	return channelNames("capture", a.InputChannelCount)
}

// PlaybackNames returns the external port names of the device's outputs.
func (a AudioDevice) PlaybackNames() []string {
	return channelNames("playback", a.OutputChannelCount)
}

func channelNames(prefix string, n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%s_%d", prefix, i+1)
	}
	return names
}

// CommonSampleRates returns sample rates supported by both devices, in the
// order of the receiver.
func (a AudioDevice) CommonSampleRates(other AudioDevice) []int {
	var common []int
	for _, rate := range a.SupportedSampleRates {
		if slices.Contains(other.SupportedSampleRates, rate) {
			common = append(common, rate)
		}
	}
	return common
}

// AudioDevices represents a slice of AudioDevice with filter methods
type AudioDevices []AudioDevice

// Inputs returns only devices that can capture audio
func (devices AudioDevices) Inputs() AudioDevices {
	return filter(devices, AudioDevice.CanInput)
}

// Outputs returns only devices that can play audio
func (devices AudioDevices) Outputs() AudioDevices {
	return filter(devices, AudioDevice.CanOutput)
}

// Online returns only devices that are currently online
func (devices AudioDevices) Online() AudioDevices {
	return filter(devices, func(d AudioDevice) bool { return d.IsOnline })
}

// ByName returns the first device with the given name.
func (devices AudioDevices) ByName(name string) (AudioDevice, bool) {
	i := slices.IndexFunc(devices, func(d AudioDevice) bool { return d.Name == name })
	if i < 0 {
		return AudioDevice{}, false
	}
	return devices[i], true
}

// Default returns the default output device, falling back to the first
// device that can play audio.
func (devices AudioDevices) Default() (AudioDevice, bool) {
	if i := slices.IndexFunc(devices, func(d AudioDevice) bool { return d.IsDefaultOutput }); i >= 0 {
		return devices[i], true
	}
	outs := devices.Outputs()
	if len(outs) == 0 {
		return AudioDevice{}, false
	}
	return outs[0], true
}

// MIDIDevice is a MIDI port. A device that can both send and receive is
// reported once with both flags set.
type MIDIDevice struct {
	Device
	// Number is the provider's port index.
	Number   int  `json:"number"`
	IsInput  bool `json:"isInput"`
	IsOutput bool `json:"isOutput"`
}

func (m MIDIDevice) CanInput() bool  { return m.IsInput }
func (m MIDIDevice) CanOutput() bool { return m.IsOutput }

// MIDIDevices represents a slice of MIDIDevice with filter methods
type MIDIDevices []MIDIDevice

// Inputs returns only MIDI devices that can receive MIDI input
func (devices MIDIDevices) Inputs() MIDIDevices {
	return filter(devices, MIDIDevice.CanInput)
}

// Outputs returns only MIDI devices that can send MIDI output
func (devices MIDIDevices) Outputs() MIDIDevices {
	return filter(devices, MIDIDevice.CanOutput)
}

// Online returns only MIDI devices that are currently online
func (devices MIDIDevices) Online() MIDIDevices {
	return filter(devices, func(d MIDIDevice) bool { return d.IsOnline })
}

// Names returns the device names in order.
func (devices MIDIDevices) Names() []string {
	names := make([]string, len(devices))
	for i, d := range devices {
		names[i] = d.Name
	}
	return names
}

func filter[S ~[]E, E any](s S, keep func(E) bool) S {
	var out S
	for _, e := range s {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
