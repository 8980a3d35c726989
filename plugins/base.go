package plugins

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/shaban/audiohost/graph"
)

// Base carries the state every built-in plugin shares: its name, the
// enabled flag, the processing lock and the adjustable CV port counts.
type Base struct {
	kind    string
	name    atomic.Pointer[string]
	enabled atomic.Bool
	mu      sync.Mutex

	cvIns, cvOuts atomic.Uint32
}

func (b *Base) init(kind, name string) {
	b.kind = kind
	b.SetName(name)
	b.enabled.Store(true)
}

func (b *Base) Name() string {
	if n := b.name.Load(); n != nil {
		return *n
	}
	return ""
}

// Kind is the catalogue name the plugin was built from.
func (b *Base) Kind() string { return b.kind }

func (b *Base) SetName(name string) { b.name.Store(&name) }
func (b *Base) Enabled() bool       { return b.enabled.Load() }
func (b *Base) SetEnabled(v bool)   { b.enabled.Store(v) }

// TryLock takes the processing lock. Offline rendering waits for it.
func (b *Base) TryLock(offline bool) bool {
	if offline {
		b.mu.Lock()
		return true
	}
	return b.mu.TryLock()
}

func (b *Base) Unlock() { b.mu.Unlock() }

// Lock blocks until the processing lock is held. Control code uses it to
// change state the audio thread reads under the lock.
func (b *Base) Lock() { b.mu.Lock() }

func (b *Base) CVInCount() uint32  { return b.cvIns.Load() }
func (b *Base) CVOutCount() uint32 { return b.cvOuts.Load() }

// SetCVIns changes the CV input count. The graph must be told through
// ReconfigureForCV afterwards.
func (b *Base) SetCVIns(n uint32) { b.cvIns.Store(n) }

func (b *Base) PortName(graph.PortKind, bool, uint32) string { return "" }
func (b *Base) InitBuffers()                                 {}

// atomicFloat is a float32 that can be read from the audio thread.
type atomicFloat struct{ bits atomic.Uint32 }

func (f *atomicFloat) Load() float32   { return math.Float32frombits(f.bits.Load()) }
func (f *atomicFloat) Store(v float32) { f.bits.Store(math.Float32bits(v)) }

func clearAll(bufs [][]float32, frames uint32) {
	for _, b := range bufs {
		clear(b[:frames])
	}
}
