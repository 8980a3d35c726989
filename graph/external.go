package graph

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ExternalLinks is the driver-level connection state between host ports and
// external ports. The rack router reads the audio lists on the audio thread;
// the mutex is the one point where the audio thread and the control path
// contend, and it is only held for list edits and one rack cycle.
type ExternalLinks struct {
	mu       sync.Mutex
	audio    [4][]uint
	midiIns  []string
	midiOuts []string
}

// LinkSnapshot is a copy of the external link state.
type LinkSnapshot struct {
	In1, In2   []uint
	Out1, Out2 []uint
	MIDIIns    []string
	MIDIOuts   []string
}

func audioLinkIndex(conn ExternalConnection) (int, bool) {
	switch conn {
	case ExternalAudioIn1, ExternalAudioIn2, ExternalAudioOut1, ExternalAudioOut2:
		return int(conn - ExternalAudioIn1), true
	}
	return 0, false
}

func (l *ExternalLinks) add(conn ExternalConnection, portID uint, portName string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := audioLinkIndex(conn); ok {
		if slices.Contains(l.audio[i], portID) {
			return false
		}
		l.audio[i] = append(l.audio[i], portID)
		return true
	}
	switch conn {
	case ExternalMIDIInput:
		if slices.Contains(l.midiIns, portName) {
			return false
		}
		l.midiIns = append(l.midiIns, portName)
		return true
	case ExternalMIDIOutput:
		if slices.Contains(l.midiOuts, portName) {
			return false
		}
		l.midiOuts = append(l.midiOuts, portName)
		return true
	}
	return false
}

func (l *ExternalLinks) has(conn ExternalConnection, portID uint, portName string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := audioLinkIndex(conn); ok {
		return slices.Contains(l.audio[i], portID)
	}
	switch conn {
	case ExternalMIDIInput:
		return slices.Contains(l.midiIns, portName)
	case ExternalMIDIOutput:
		return slices.Contains(l.midiOuts, portName)
	}
	return false
}

func (l *ExternalLinks) remove(conn ExternalConnection, portID uint, portName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := audioLinkIndex(conn); ok {
		if j := slices.Index(l.audio[i], portID); j >= 0 {
			l.audio[i] = slices.Delete(l.audio[i], j, j+1)
		}
		return
	}
	switch conn {
	case ExternalMIDIInput:
		if j := slices.Index(l.midiIns, portName); j >= 0 {
			l.midiIns = slices.Delete(l.midiIns, j, j+1)
		}
	case ExternalMIDIOutput:
		if j := slices.Index(l.midiOuts, portName); j >= 0 {
			l.midiOuts = slices.Delete(l.midiOuts, j, j+1)
		}
	}
}

func (l *ExternalLinks) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.audio {
		l.audio[i] = nil
	}
	l.midiIns = nil
	l.midiOuts = nil
}

// Snapshot copies the current link state.
func (l *ExternalLinks) Snapshot() LinkSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LinkSnapshot{
		In1:      slices.Clone(l.audio[0]),
		In2:      slices.Clone(l.audio[1]),
		Out1:     slices.Clone(l.audio[2]),
		Out2:     slices.Clone(l.audio[3]),
		MIDIIns:  slices.Clone(l.midiIns),
		MIDIOuts: slices.Clone(l.midiOuts),
	}
}

// ExternalGraph bridges the host group and the driver's external ports. It
// keeps the port catalogue and the virtual cables between the host ports and
// external groups.
//
// Control methods are not safe for concurrent use; the engine serializes them.
type ExternalGraph struct {
	host   Host
	logger *zap.Logger
	rack   bool

	connections connectionList
	audioPorts  PortList
	midiPorts   PortList
	positions   [GroupMax]Position

	links ExternalLinks
}

// NewExternalGraph creates a bridge. In rack mode the host group exposes the
// two audio inputs and outputs in addition to its MIDI ports.
func NewExternalGraph(host Host, rack bool, logger *zap.Logger) *ExternalGraph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExternalGraph{host: host, rack: rack, logger: logger}
}

// Links returns the driver-level link state.
func (g *ExternalGraph) Links() *ExternalLinks { return &g.links }

// AudioPorts returns the audio port catalogue.
func (g *ExternalGraph) AudioPorts() *PortList { return &g.audioPorts }

// MIDIPorts returns the MIDI port catalogue.
func (g *ExternalGraph) MIDIPorts() *PortList { return &g.midiPorts }

// Clear drops all ports, connections and links.
func (g *ExternalGraph) Clear() {
	g.connections.clear()
	g.audioPorts.Clear()
	g.midiPorts.Clear()
	g.links.reset()
}

// splitHostSide returns the host port and the other endpoint of a connection.
func splitHostSide(groupA, portA, groupB, portB uint) (hostPort, otherGroup, otherPort uint, ok bool) {
	switch {
	case groupA == GroupHost && groupB != GroupHost:
		hostPort, otherGroup, otherPort = portA, groupB, portB
	case groupB == GroupHost && groupA != GroupHost:
		hostPort, otherGroup, otherPort = portB, groupA, portA
	default:
		return 0, 0, 0, false
	}
	if hostPort <= HostPortNull || hostPort >= HostPortMax {
		return 0, 0, 0, false
	}
	if otherGroup <= GroupHost || otherGroup >= GroupMax {
		return 0, 0, 0, false
	}
	return hostPort, otherGroup, otherPort, true
}

// resolve maps a host port to its driver connection, checking that the other
// side is the matching external group and that the port exists.
func (g *ExternalGraph) resolve(hostPort, otherGroup, otherPort uint) (ExternalConnection, string, bool) {
	var (
		conn      ExternalConnection
		wantGroup uint
		list      *PortList
		isInput   bool
	)
	switch hostPort {
	case HostPortAudioIn1, HostPortAudioIn2:
		conn, wantGroup, list, isInput = ExternalAudioIn1+ExternalConnection(hostPort-HostPortAudioIn1), GroupAudioIn, &g.audioPorts, true
	case HostPortAudioOut1, HostPortAudioOut2:
		conn, wantGroup, list, isInput = ExternalAudioOut1+ExternalConnection(hostPort-HostPortAudioOut1), GroupAudioOut, &g.audioPorts, false
	case HostPortMIDIIn:
		conn, wantGroup, list, isInput = ExternalMIDIInput, GroupMIDIIn, &g.midiPorts, true
	case HostPortMIDIOut:
		conn, wantGroup, list, isInput = ExternalMIDIOutput, GroupMIDIOut, &g.midiPorts, false
	default:
		return ExternalNull, "", false
	}
	if otherGroup != wantGroup {
		return ExternalNull, "", false
	}
	name, ok := list.Name(isInput, otherPort)
	if !ok {
		return ExternalNull, "", false
	}
	if conn != ExternalMIDIInput && conn != ExternalMIDIOutput {
		// audio links are identified by port id only
		name = ""
	}
	return conn, name, true
}

// Connect links a host port to an external port. Exactly one side must be
// the host group and the other the external group matching the host port's
// kind. notify controls the connection-added notification.
func (g *ExternalGraph) Connect(groupA, portA, groupB, portB uint, notify bool) error {
	hostPort, otherGroup, otherPort, ok := splitHostSide(groupA, portA, groupB, portB)
	if !ok {
		return fmt.Errorf("%w: %d:%d:%d:%d", ErrInvalidRackConnection, groupA, portA, groupB, portB)
	}
	conn, name, ok := g.resolve(hostPort, otherGroup, otherPort)
	if !ok || g.links.has(conn, otherPort, name) {
		return fmt.Errorf("%w: %d:%d:%d:%d", ErrInvalidRackConnection, groupA, portA, groupB, portB)
	}
	if !g.host.ConnectExternalPort(conn, otherPort, name) {
		return fmt.Errorf("%w: driver refused %s port %d", ErrInvalidRackConnection, conn, otherPort)
	}
	g.links.add(conn, otherPort, name)

	c := g.connections.add(groupA, portA, groupB, portB)
	if notify {
		g.host.Notify(Notification{Action: ConnectionAdded, ConnectionID: c.ID, Name: c.String()})
	}
	return nil
}

// Disconnect removes a connection previously returned by Connect or Refresh.
func (g *ExternalGraph) Disconnect(id uint) error {
	i, ok := g.connections.find(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrConnectionNotFound, id)
	}
	c := g.connections.list[i]

	hostPort, otherGroup, otherPort, ok := splitHostSide(c.GroupA, c.PortA, c.GroupB, c.PortB)
	if !ok {
		return fmt.Errorf("%w: connection %d", ErrInvalidRackConnection, id)
	}
	conn, name, ok := g.resolve(hostPort, otherGroup, otherPort)
	if !ok || !g.host.DisconnectExternalPort(conn, otherPort, name) {
		return fmt.Errorf("%w: connection %d", ErrInvalidRackConnection, id)
	}
	g.links.remove(conn, otherPort, name)

	g.host.Notify(Notification{Action: ConnectionRemoved, ConnectionID: c.ID})
	g.connections.remove(i)
	return nil
}

// Refresh rebuilds the port catalogue from the host and announces every
// group, port and live connection. Connection ids are regenerated.
func (g *ExternalGraph) Refresh(deviceName string) {
	info := g.host.ExternalPorts()

	captureLabel, playbackLabel := "Capture", "Playback"
	if deviceName != "" {
		captureLabel = fmt.Sprintf("Capture (%s)", deviceName)
		playbackLabel = fmt.Sprintf("Playback (%s)", deviceName)
	}
	const readableLabel, writableLabel = "Readable MIDI ports", "Writable MIDI ports"

	g.connections.clear()
	g.audioPorts.set(GroupAudioIn, GroupAudioOut, captureLabel, playbackLabel, info.AudioIns, info.AudioOuts)
	g.midiPorts.set(GroupMIDIIn, GroupMIDIOut, readableLabel, writableLabel, info.MIDIIns, info.MIDIOuts)

	g.host.Notify(Notification{Action: ClientAdded, GroupID: GroupHost, Icon: IconHost, PluginID: -1, Name: g.host.Name()})
	if g.rack {
		g.announceHostPort(HostPortAudioIn1, PortTypeAudio|PortIsInput)
		g.announceHostPort(HostPortAudioIn2, PortTypeAudio|PortIsInput)
		g.announceHostPort(HostPortAudioOut1, PortTypeAudio)
		g.announceHostPort(HostPortAudioOut2, PortTypeAudio)
	}
	g.announceHostPort(HostPortMIDIIn, PortTypeMIDI|PortIsInput)
	g.announceHostPort(HostPortMIDIOut, PortTypeMIDI)

	if g.rack {
		g.announceGroup(GroupAudioIn, captureLabel, g.audioPorts.Ins, PortTypeAudio)
		g.announceGroup(GroupAudioOut, playbackLabel, g.audioPorts.Outs, PortTypeAudio|PortIsInput)
	}
	g.announceGroup(GroupMIDIIn, readableLabel, g.midiPorts.Ins, PortTypeMIDI)
	g.announceGroup(GroupMIDIOut, writableLabel, g.midiPorts.Outs, PortTypeMIDI|PortIsInput)

	for group := GroupHost; group < GroupMax; group++ {
		if pos := g.positions[group]; pos.Active {
			g.host.Notify(Notification{Action: ClientPositionChanged, GroupID: group, Position: pos})
		}
	}

	g.regenerateConnections()
}

func (g *ExternalGraph) announceHostPort(id uint, hints PortHints) {
	g.host.Notify(Notification{Action: PortAdded, GroupID: GroupHost, PortID: id, Hints: hints, Name: hostPortDisplayName(id)})
}

func (g *ExternalGraph) announceGroup(group uint, label string, ports []Port, hints PortHints) {
	g.host.Notify(Notification{Action: ClientAdded, GroupID: group, Icon: IconHardware, PluginID: -1, Name: label})
	for _, p := range ports {
		g.host.Notify(Notification{Action: PortAdded, GroupID: group, PortID: p.ID, Hints: hints, Name: p.Name})
	}
}

// regenerateConnections turns the live links into tracked connections with
// fresh ids. Links to ports that no longer exist are skipped.
func (g *ExternalGraph) regenerateConnections() {
	links := g.links.Snapshot()

	announce := func(c Connection) {
		g.host.Notify(Notification{Action: ConnectionAdded, ConnectionID: c.ID, Name: c.String()})
	}
	audioIn := func(ids []uint, hostPort uint) {
		for _, id := range ids {
			if id == 0 || int(id) > g.audioPorts.Count(true) {
				g.logger.Warn("skipping stale audio input link", zap.Uint("port", id))
				continue
			}
			announce(g.connections.add(GroupAudioIn, id, GroupHost, hostPort))
		}
	}
	audioOut := func(ids []uint, hostPort uint) {
		for _, id := range ids {
			if id == 0 || int(id) > g.audioPorts.Count(false) {
				g.logger.Warn("skipping stale audio output link", zap.Uint("port", id))
				continue
			}
			announce(g.connections.add(GroupHost, hostPort, GroupAudioOut, id))
		}
	}

	if g.rack {
		audioIn(links.In1, HostPortAudioIn1)
		audioIn(links.In2, HostPortAudioIn2)
		audioOut(links.Out1, HostPortAudioOut1)
		audioOut(links.Out2, HostPortAudioOut2)
	}
	for _, name := range links.MIDIIns {
		id, ok := g.midiPorts.PortID(true, name)
		if !ok {
			g.logger.Warn("skipping stale MIDI input link", zap.String("port", name))
			continue
		}
		announce(g.connections.add(GroupMIDIIn, id, GroupHost, HostPortMIDIIn))
	}
	for _, name := range links.MIDIOuts {
		id, ok := g.midiPorts.PortID(false, name)
		if !ok {
			g.logger.Warn("skipping stale MIDI output link", zap.String("port", name))
			continue
		}
		announce(g.connections.add(GroupHost, HostPortMIDIOut, GroupMIDIOut, id))
	}
}

// Tracked returns a copy of the tracked connections.
func (g *ExternalGraph) Tracked() []Connection {
	return g.connections.snapshot()
}

// Connections returns alternating source and destination full port names
// for every tracked connection.
func (g *ExternalGraph) Connections() []string {
	var out []string
	for _, c := range g.connections.list {
		hostPort, _, otherPort, ok := splitHostSide(c.GroupA, c.PortA, c.GroupB, c.PortB)
		if !ok {
			g.logger.Error("malformed external connection", zap.Uint("id", c.ID))
			continue
		}
		hostName, _ := HostPortFullName(hostPort)
		switch hostPort {
		case HostPortAudioIn1, HostPortAudioIn2:
			name, _ := g.audioPorts.Name(true, otherPort)
			out = append(out, LabelAudioIn+":"+name, hostName)
		case HostPortAudioOut1, HostPortAudioOut2:
			name, _ := g.audioPorts.Name(false, otherPort)
			out = append(out, hostName, LabelAudioOut+":"+name)
		case HostPortMIDIIn:
			name, _ := g.midiPorts.Name(true, otherPort)
			out = append(out, LabelMIDIIn+":"+name, hostName)
		case HostPortMIDIOut:
			name, _ := g.midiPorts.Name(false, otherPort)
			out = append(out, hostName, LabelMIDIOut+":"+name)
		}
	}
	return out
}

// GroupAndPortIDFromFullName resolves "<GroupLabel>:<port name>".
func (g *ExternalGraph) GroupAndPortIDFromFullName(fullName string) (group, port uint, ok bool) {
	label, short, found := strings.Cut(fullName, ":")
	if !found || short == "" {
		return 0, 0, false
	}
	group, ok = GroupFromName(label)
	if !ok {
		return 0, 0, false
	}
	switch group {
	case GroupHost:
		port, ok = HostPortFromName(short)
	case GroupAudioIn:
		port, ok = g.audioPorts.PortID(true, short)
	case GroupAudioOut:
		port, ok = g.audioPorts.PortID(false, short)
	case GroupMIDIIn:
		port, ok = g.midiPorts.PortID(true, short)
	case GroupMIDIOut:
		port, ok = g.midiPorts.PortID(false, short)
	}
	if !ok {
		return 0, 0, false
	}
	return group, port, true
}

// SetGroupPosition stores the layout of an external group and announces it.
func (g *ExternalGraph) SetGroupPosition(group uint, x1, y1, x2, y2 int) error {
	if group <= GroupNull || group >= GroupMax {
		return fmt.Errorf("%w: %d", ErrUnknownGroup, group)
	}
	pos := Position{Active: true, X1: x1, Y1: y1, X2: x2, Y2: y2}
	g.positions[group] = pos
	g.host.Notify(Notification{Action: ClientPositionChanged, GroupID: group, Position: pos})
	return nil
}
