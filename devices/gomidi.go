package devices

import (
	"gitlab.com/gomidi/midi/v2/drivers"
)

// GomidiProvider lists the MIDI ports of the registered gomidi driver. It
// reports no audio devices. Without a registered driver it reports nothing.
type GomidiProvider struct{}

func (GomidiProvider) Name() string { return "gomidi" }

func (GomidiProvider) AudioDevices() (AudioDevices, error) { return nil, nil }

func (GomidiProvider) MIDIDevices() (MIDIDevices, error) {
	drv := drivers.Get()
	if drv == nil {
		return nil, nil
	}
	ins, err := drv.Ins()
	if err != nil {
		return nil, err
	}
	outs, err := drv.Outs()
	if err != nil {
		return nil, err
	}

	var devs MIDIDevices
	for _, in := range ins {
		devs = append(devs, MIDIDevice{
			Device:  Device{Name: in.String(), UID: "in:" + in.String(), IsOnline: true},
			Number:  in.Number(),
			IsInput: true,
		})
	}
	for _, out := range outs {
		devs = append(devs, MIDIDevice{
			Device:   Device{Name: out.String(), UID: "out:" + out.String(), IsOnline: true},
			Number:   out.Number(),
			IsOutput: true,
		})
	}
	return devs, nil
}
