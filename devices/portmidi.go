//go:build portmidi

package devices

import (
	"fmt"
	"sync"

	"github.com/rakyll/portmidi"
)

var portmidiInit = sync.OnceValue(portmidi.Initialize)

func platformProviders() []Provider {
	return []Provider{PortMIDIProvider{}, GomidiProvider{}}
}

// PortMIDIProvider lists MIDI devices through PortMidi.
type PortMIDIProvider struct{}

func (PortMIDIProvider) Name() string { return "portmidi" }

func (PortMIDIProvider) AudioDevices() (AudioDevices, error) { return nil, nil }

func (PortMIDIProvider) MIDIDevices() (MIDIDevices, error) {
	if err := portmidiInit(); err != nil {
		return nil, fmt.Errorf("portmidi: %w", err)
	}
	var devs MIDIDevices
	for i := range portmidi.CountDevices() {
		info := portmidi.Info(portmidi.DeviceID(i))
		if info == nil {
			continue
		}
		devs = append(devs, MIDIDevice{
			Device: Device{
				Name:     info.Name,
				UID:      fmt.Sprintf("%s:%s", info.Interface, info.Name),
				IsOnline: !info.IsOpened || info.IsInputAvailable || info.IsOutputAvailable,
			},
			Number:   i,
			IsInput:  info.IsInputAvailable,
			IsOutput: info.IsOutputAvailable,
		})
	}
	return devs, nil
}
