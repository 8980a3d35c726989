// Package graph implements the signal-routing core of the host: the external
// port bridge, the fixed two-bus rack router, the general patchbay graph and
// the façade that owns exactly one of the two routers.
package graph

import (
	"errors"
	"fmt"

	"github.com/shaban/audiohost/events"
)

// Control path errors. Engine wrappers surface their text as the host's last error.
var (
	ErrInvalidRackConnection = errors.New("Invalid rack connection")
	ErrConnectionNotFound    = errors.New("Failed to find connection")
	ErrInvalidConnection     = errors.New("Failed from graph")
	ErrPluginNotFound        = errors.New("plugin is not part of the graph")
	ErrWrongMode             = errors.New("operation not valid for the active process mode")
	ErrNotReady              = errors.New("graph is not ready")
	ErrAlreadyCreated        = errors.New("graph already created")
	ErrUnsupported           = errors.New("Unsupported operation")
	ErrBufferAllocation      = errors.New("failed to allocate audio buffers")
	ErrInvariant             = errors.New("graph invariant violated")
	ErrUnknownGroup          = errors.New("unknown group")
)

// External groups. In patchbay mode a group is a node id instead.
const (
	GroupNull uint = iota
	GroupHost
	GroupAudioIn
	GroupAudioOut
	GroupMIDIIn
	GroupMIDIOut
	GroupMax
)

// Ports of the host group.
const (
	HostPortNull uint = iota
	HostPortAudioIn1
	HostPortAudioIn2
	HostPortAudioOut1
	HostPortAudioOut2
	HostPortMIDIIn
	HostPortMIDIOut
	HostPortMax
)

// ExternalConnection names the driver-level link a host port maps to.
type ExternalConnection uint

const (
	ExternalNull ExternalConnection = iota
	ExternalAudioIn1
	ExternalAudioIn2
	ExternalAudioOut1
	ExternalAudioOut2
	ExternalMIDIInput
	ExternalMIDIOutput
)

func (c ExternalConnection) String() string {
	switch c {
	case ExternalAudioIn1:
		return "audio-in1"
	case ExternalAudioIn2:
		return "audio-in2"
	case ExternalAudioOut1:
		return "audio-out1"
	case ExternalAudioOut2:
		return "audio-out2"
	case ExternalMIDIInput:
		return "midi-in"
	case ExternalMIDIOutput:
		return "midi-out"
	}
	return "null"
}

// PortHints is the signal kind and direction bitmask carried by port notifications.
type PortHints uint

const (
	PortIsInput   PortHints = 0x1
	PortTypeAudio PortHints = 0x2
	PortTypeCV    PortHints = 0x4
	PortTypeMIDI  PortHints = 0x8
)

// Icon is a display hint for client notifications.
type Icon int

const (
	IconApplication Icon = iota
	IconPlugin
	IconHardware
	IconHost
)

// Action identifies a notification.
type Action int

const (
	ClientAdded Action = iota + 1
	ClientRemoved
	ClientRenamed
	ClientPositionChanged
	PortAdded
	PortRemoved
	ConnectionAdded
	ConnectionRemoved
)

func (a Action) String() string {
	switch a {
	case ClientAdded:
		return "client-added"
	case ClientRemoved:
		return "client-removed"
	case ClientRenamed:
		return "client-renamed"
	case ClientPositionChanged:
		return "client-position-changed"
	case PortAdded:
		return "port-added"
	case PortRemoved:
		return "port-removed"
	case ConnectionAdded:
		return "connection-added"
	case ConnectionRemoved:
		return "connection-removed"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Notification is emitted toward the host for every structural change.
// Unused fields are zero.
type Notification struct {
	Action       Action
	GroupID      uint
	PortID       uint
	ConnectionID uint
	Hints        PortHints
	Icon         Icon
	// PluginID is the plugin slot for plugin clients, -1 otherwise.
	PluginID int
	Position Position
	Name     string
}

// Notifier receives notifications. Calls are fire-and-forget.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Position is the advisory 2-D layout rectangle of a group.
type Position struct {
	Active bool
	X1, Y1 int
	X2, Y2 int
}

// Connection is a tracked connection. A is the source side, B the destination.
type Connection struct {
	ID     uint
	GroupA uint
	PortA  uint
	GroupB uint
	PortB  uint
}

// String returns the "gA:pA:gB:pB" form sent with connection-added notifications.
func (c Connection) String() string {
	return fmt.Sprintf("%d:%d:%d:%d", c.GroupA, c.PortA, c.GroupB, c.PortB)
}

type connectionList struct {
	lastID uint
	list   []Connection
}

// add appends a connection with a fresh id. Ids are never reused, even
// across clear.
func (l *connectionList) add(groupA, portA, groupB, portB uint) Connection {
	l.lastID++
	c := Connection{ID: l.lastID, GroupA: groupA, PortA: portA, GroupB: groupB, PortB: portB}
	l.list = append(l.list, c)
	return c
}

func (l *connectionList) find(id uint) (int, bool) {
	for i, c := range l.list {
		if c.ID == id {
			return i, true
		}
	}
	return -1, false
}

func (l *connectionList) remove(i int) {
	l.list = append(l.list[:i], l.list[i+1:]...)
}

func (l *connectionList) clear() {
	l.list = l.list[:0]
}

func (l *connectionList) snapshot() []Connection {
	out := make([]Connection, len(l.list))
	copy(out, l.list)
	return out
}

// PortKind is the signal kind of a plugin port.
type PortKind uint8

const (
	PortKindAudio PortKind = iota
	PortKindCV
	PortKindMIDI
)

// ProcessBuffers are the buffers handed to a plugin for one cycle. Slices
// hold exactly the frames of the cycle. EventsIn is nil for plugins without
// MIDI input.
type ProcessBuffers struct {
	AudioIn   [][]float32
	AudioOut  [][]float32
	CVIn      [][]float32
	CVOut     [][]float32
	EventsIn  *events.Buffer
	EventsOut *events.Buffer
}

// Plugin is a processing unit driven by the routers.
type Plugin interface {
	Name() string
	Enabled() bool
	// TryLock acquires the plugin's processing lock without blocking.
	// Offline rendering may wait for it instead.
	TryLock(offline bool) bool
	Unlock()

	AudioInCount() uint32
	AudioOutCount() uint32
	CVInCount() uint32
	CVOutCount() uint32
	MIDIInCount() uint32
	MIDIOutCount() uint32
	// PortName returns the display name of a port, or "" for the default name.
	PortName(kind PortKind, isInput bool, index uint32) string

	InitBuffers()
	Process(buf *ProcessBuffers, frames uint32)
}

// ExternalPortInfo is the current external port catalogue reported by the driver.
type ExternalPortInfo struct {
	AudioIns  []string
	AudioOuts []string
	MIDIIns   []string
	MIDIOuts  []string
}

// Host is the engine a graph belongs to.
type Host interface {
	Notifier

	Name() string
	BufferSize() uint32
	SampleRate() float64
	IsOffline() bool

	// Plugins returns the current plugin slots in order. It is called from the
	// audio thread and must not allocate.
	Plugins() []Plugin
	// SetPluginPeaks reports the meters of p, which was in slot pluginID when
	// the cycle started. Hosts ignore the values when the slot changed since.
	SetPluginPeaks(pluginID uint, p Plugin, in, out [2]float32)

	ExternalPorts() ExternalPortInfo
	// ConnectExternalPort performs the driver-level side of an external
	// connection. MIDI connections identify the port by name.
	ConnectExternalPort(conn ExternalConnection, portID uint, portName string) bool
	DisconnectExternalPort(conn ExternalConnection, portID uint, portName string) bool
}
