package graph

import (
	"sync/atomic"
	"time"

	"github.com/shaban/audiohost/render"
)

// reorderTask periodically rebuilds the rendering sequence when the topology
// changed. Structural edits and the task share the graph's build lock.
type reorderTask struct {
	graph    *render.Graph
	interval time.Duration

	stop    atomic.Bool
	quit    chan struct{}
	done    chan struct{}
	running bool
}

func newReorderTask(g *render.Graph, interval time.Duration) *reorderTask {
	return &reorderTask{graph: g, interval: interval}
}

func (t *reorderTask) start() {
	if t.running {
		return
	}
	t.stop.Store(false)
	t.quit = make(chan struct{})
	t.done = make(chan struct{})
	t.running = true
	go t.run(t.quit, t.done)
}

func (t *reorderTask) run(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for !t.stop.Load() {
		select {
		case <-quit:
			return
		case <-ticker.C:
			t.graph.ReorderNowIfNeeded()
		}
	}
}

// stopAndWait signals the task and joins it.
func (t *reorderTask) stopAndWait() {
	if !t.running {
		return
	}
	t.stop.Store(true)
	close(t.quit)
	<-t.done
	t.running = false
}

func (t *reorderTask) isRunning() bool { return t.running }
