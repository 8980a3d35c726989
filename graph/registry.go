package graph

// Port is an external port. Identity is (Group, ID); IDs are 1-based within a group.
type Port struct {
	Group      uint
	ID         uint
	Name       string
	Identifier string
	FullName   string
}

// PortList holds the input and output ports of one signal kind. Inputs are
// ports the host reads from (capture, readable MIDI), outputs are written to.
type PortList struct {
	Ins  []Port
	Outs []Port
}

func (l *PortList) ports(isInput bool) []Port {
	if isInput {
		return l.Ins
	}
	return l.Outs
}

// Name returns the name of a port by id.
func (l *PortList) Name(isInput bool, id uint) (string, bool) {
	for _, p := range l.ports(isInput) {
		if p.ID == id {
			return p.Name, true
		}
	}
	return "", false
}

// PortID looks a port up by name.
func (l *PortList) PortID(isInput bool, name string) (uint, bool) {
	for _, p := range l.ports(isInput) {
		if p.Name == name {
			return p.ID, true
		}
	}
	return 0, false
}

// Count returns the number of ports in one direction.
func (l *PortList) Count(isInput bool) int {
	return len(l.ports(isInput))
}

// Clear drops all ports.
func (l *PortList) Clear() {
	l.Ins = nil
	l.Outs = nil
}

func (l *PortList) set(groupIn, groupOut uint, labelIn, labelOut string, ins, outs []string) {
	l.Ins = makePorts(groupIn, labelIn, ins)
	l.Outs = makePorts(groupOut, labelOut, outs)
}

func makePorts(group uint, label string, names []string) []Port {
	ports := make([]Port, 0, len(names))
	for i, name := range names {
		ports = append(ports, Port{
			Group:      group,
			ID:         uint(i + 1),
			Name:       name,
			Identifier: name,
			FullName:   label + ":" + name,
		})
	}
	return ports
}

// Group labels used by full port names.
const (
	LabelHost     = "Carla"
	LabelAudioIn  = "AudioIn"
	LabelAudioOut = "AudioOut"
	LabelMIDIIn   = "MidiIn"
	LabelMIDIOut  = "MidiOut"
)

// GroupFromName resolves a fixed group label.
func GroupFromName(label string) (uint, bool) {
	switch label {
	case LabelHost:
		return GroupHost, true
	case LabelAudioIn:
		return GroupAudioIn, true
	case LabelAudioOut:
		return GroupAudioOut, true
	case LabelMIDIIn:
		return GroupMIDIIn, true
	case LabelMIDIOut:
		return GroupMIDIOut, true
	}
	return GroupNull, false
}

var hostPortNames = [HostPortMax]struct{ short, alt string }{
	HostPortAudioIn1:  {"AudioIn1", "audio-in1"},
	HostPortAudioIn2:  {"AudioIn2", "audio-in2"},
	HostPortAudioOut1: {"AudioOut1", "audio-out1"},
	HostPortAudioOut2: {"AudioOut2", "audio-out2"},
	HostPortMIDIIn:    {"MidiIn", "midi-in"},
	HostPortMIDIOut:   {"MidiOut", "midi-out"},
}

// HostPortFromName resolves a host port short name. Both spellings
// ("AudioIn1" and "audio-in1") are accepted.
func HostPortFromName(short string) (uint, bool) {
	for id := HostPortAudioIn1; id < HostPortMax; id++ {
		if hostPortNames[id].short == short || hostPortNames[id].alt == short {
			return id, true
		}
	}
	return HostPortNull, false
}

// HostPortFullName returns "Carla:<short>" for a host port.
func HostPortFullName(id uint) (string, bool) {
	if id <= HostPortNull || id >= HostPortMax {
		return "", false
	}
	return LabelHost + ":" + hostPortNames[id].short, true
}

func hostPortDisplayName(id uint) string {
	return hostPortNames[id].alt
}
