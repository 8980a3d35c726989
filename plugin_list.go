package audiohost

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/shaban/audiohost/graph"
)

// PluginEntry is a plugin slot of the engine. ID is the slot index and
// changes when an earlier plugin is removed; UUID never changes.
type PluginEntry struct {
	ID     uint         `json:"id"`
	UUID   uuid.UUID    `json:"uuid"`
	Name   string       `json:"name"`
	Plugin graph.Plugin `json:"-"`
}

type pluginSlot struct {
	uuid   uuid.UUID
	plugin graph.Plugin
	// in1, in2, out1, out2 as float32 bits
	peaks [4]atomic.Uint32
}

// pluginSnapshot is what the audio thread sees of the list.
type pluginSnapshot struct {
	plugins []graph.Plugin
	slots   []*pluginSlot
}

// PluginList keeps the engine's plugins in slot order. Edits copy the list
// and publish the copy atomically, so the audio thread reads a consistent
// snapshot without locking.
type PluginList struct {
	mu   sync.Mutex
	max  int
	snap atomic.Pointer[pluginSnapshot]
}

// NewPluginList creates an empty list holding at most max plugins.
func NewPluginList(max int) *PluginList {
	l := &PluginList{max: max}
	l.snap.Store(&pluginSnapshot{})
	return l
}

func (l *PluginList) publish(slots []*pluginSlot) {
	plugins := make([]graph.Plugin, len(slots))
	for i, s := range slots {
		plugins[i] = s.plugin
	}
	l.snap.Store(&pluginSnapshot{plugins: plugins, slots: slots})
}

// Plugins returns the current plugins. It does not allocate.
func (l *PluginList) Plugins() []graph.Plugin { return l.snap.Load().plugins }

// Len returns the number of plugins.
func (l *PluginList) Len() int { return len(l.snap.Load().slots) }

// Append adds p at the end and returns its slot id.
func (l *PluginList) Append(p graph.Plugin) (uint, uuid.UUID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.snap.Load().slots
	if len(cur) >= l.max {
		return 0, uuid.Nil, fmt.Errorf("%w (%d)", ErrTooManyPlugins, l.max)
	}
	s := &pluginSlot{uuid: uuid.New(), plugin: p}
	l.publish(append(slices.Clone(cur), s))
	return uint(len(cur)), s.uuid, nil
}

// Remove deletes slot id. Later plugins move down by one.
func (l *PluginList) Remove(id uint) (graph.Plugin, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.snap.Load().slots
	if id >= uint(len(cur)) {
		return nil, fmt.Errorf("%w: %d", ErrPluginNotFound, id)
	}
	old := cur[id].plugin
	l.publish(slices.Delete(slices.Clone(cur), int(id), int(id)+1))
	return old, nil
}

// Replace puts p in slot id under a new UUID.
func (l *PluginList) Replace(id uint, p graph.Plugin) (graph.Plugin, uuid.UUID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.snap.Load().slots
	if id >= uint(len(cur)) {
		return nil, uuid.Nil, fmt.Errorf("%w: %d", ErrPluginNotFound, id)
	}
	next := slices.Clone(cur)
	old := next[id].plugin
	next[id] = &pluginSlot{uuid: uuid.New(), plugin: p}
	l.publish(next)
	return old, next[id].uuid, nil
}

// Clear removes every plugin and returns them.
func (l *PluginList) Clear() []graph.Plugin {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.snap.Load().plugins
	l.publish(nil)
	return old
}

// Get returns the plugin in slot id.
func (l *PluginList) Get(id uint) (graph.Plugin, bool) {
	slots := l.snap.Load().slots
	if id >= uint(len(slots)) {
		return nil, false
	}
	return slots[id].plugin, true
}

// Entries returns a description of every slot.
func (l *PluginList) Entries() []PluginEntry {
	slots := l.snap.Load().slots
	out := make([]PluginEntry, len(slots))
	for i, s := range slots {
		out[i] = PluginEntry{ID: uint(i), UUID: s.uuid, Name: s.plugin.Name(), Plugin: s.plugin}
	}
	return out
}

// IndexOf returns the slot holding the plugin with the given UUID.
func (l *PluginList) IndexOf(id uuid.UUID) (uint, bool) {
	for i, s := range l.snap.Load().slots {
		if s.uuid == id {
			return uint(i), true
		}
	}
	return 0, false
}

// SetPeaks stores the meter values of slot id. Called from the audio thread.
// The write is dropped when slot id no longer holds p.
func (l *PluginList) SetPeaks(id uint, p graph.Plugin, in, out [2]float32) {
	slots := l.snap.Load().slots
	if id >= uint(len(slots)) || slots[id].plugin != p {
		return
	}
	peaks := &slots[id].peaks
	peaks[0].Store(math.Float32bits(in[0]))
	peaks[1].Store(math.Float32bits(in[1]))
	peaks[2].Store(math.Float32bits(out[0]))
	peaks[3].Store(math.Float32bits(out[1]))
}

// Peaks returns in1, in2, out1, out2 of slot id.
func (l *PluginList) Peaks(id uint) ([4]float32, bool) {
	var out [4]float32
	slots := l.snap.Load().slots
	if id >= uint(len(slots)) {
		return out, false
	}
	for i := range out {
		out[i] = math.Float32frombits(slots[id].peaks[i].Load())
	}
	return out, true
}
