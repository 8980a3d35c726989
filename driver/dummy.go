package driver

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Dummy is a device-less driver. Once started a ticker goroutine runs one
// cycle per block period with silent input; RunCycle drives it manually.
type Dummy struct {
	logger *zap.Logger

	mu      sync.Mutex
	spec    Spec
	cb      Callback
	open    bool
	running bool
	quit    chan struct{}
	done    chan struct{}

	// cycleMu serializes cycles between the ticker and RunCycle.
	cycleMu sync.Mutex
	in, out [][]float32
	last    [][]float32

	cycles   atomic.Uint64
	overruns atomic.Uint64
}

// NewDummy creates a dummy driver.
func NewDummy(logger *zap.Logger) *Dummy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dummy{logger: logger}
}

func (d *Dummy) Name() string { return "dummy" }

func (d *Dummy) Open(spec Spec, cb Callback) error {
	if err := spec.validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return ErrAlreadyOpen
	}
	d.cycleMu.Lock()
	d.in = allocChannels(spec.Inputs, spec.BufferSize)
	d.out = allocChannels(spec.Outputs, spec.BufferSize)
	d.last = allocChannels(spec.Outputs, spec.BufferSize)
	d.cycleMu.Unlock()
	d.spec, d.cb, d.open = spec, cb, true
	d.logger.Debug("dummy stream opened", zap.Float64("rate", spec.SampleRate), zap.Int("buffer", spec.BufferSize),
		zap.Int("inputs", spec.Inputs), zap.Int("outputs", spec.Outputs))
	return nil
}

// Period returns the wall-clock duration of one block.
func (d *Dummy) Period() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return 0
	}
	return time.Duration(float64(d.spec.BufferSize) / d.spec.SampleRate * float64(time.Second))
}

func (d *Dummy) Start() error {
	period := d.Period()
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrNotOpen
	}
	if d.running {
		return nil
	}
	d.running = true
	d.quit = make(chan struct{})
	d.done = make(chan struct{})
	go d.loop(period, d.quit, d.done)
	return nil
}

func (d *Dummy) loop(period time.Duration, quit, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			start := time.Now()
			d.RunCycle()
			if elapsed := time.Since(start); elapsed > period {
				n := d.overruns.Add(1)
				d.logger.Warn("audio cycle overrun", zap.Duration("elapsed", elapsed), zap.Duration("period", period), zap.Uint64("overruns", n))
			}
		}
	}
}

// RunCycle runs one cycle synchronously and returns false when the driver
// is not open.
func (d *Dummy) RunCycle() bool {
	d.mu.Lock()
	cb, open, frames := d.cb, d.open, d.spec.BufferSize
	d.mu.Unlock()
	if !open {
		return false
	}

	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()
	for _, ch := range d.out {
		clear(ch)
	}
	if cb != nil {
		cb(d.in, d.out, uint32(frames))
	}
	for i, ch := range d.out {
		copy(d.last[i], ch)
	}
	d.cycles.Add(1)
	return true
}

// SetInput replaces the samples fed to input channel ch on every cycle.
func (d *Dummy) SetInput(ch int, samples []float32) {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()
	if ch < 0 || ch >= len(d.in) {
		return
	}
	clear(d.in[ch])
	copy(d.in[ch], samples)
}

// LastOutput returns a copy of the most recent cycle's output.
func (d *Dummy) LastOutput() [][]float32 {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()
	out := make([][]float32, len(d.last))
	for i, ch := range d.last {
		out[i] = append([]float32(nil), ch...)
	}
	return out
}

// Cycles returns the number of completed cycles.
func (d *Dummy) Cycles() uint64 { return d.cycles.Load() }

func (d *Dummy) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	quit, done := d.quit, d.done
	d.mu.Unlock()

	close(quit)
	<-done
	return nil
}

func (d *Dummy) Close() error {
	if err := d.Stop(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open, d.cb = false, nil
	return nil
}

func (d *Dummy) Ports() Ports {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return Ports{}
	}
	return portsFor(d.spec.Inputs, d.spec.Outputs)
}

func (d *Dummy) Overruns() uint64 { return d.overruns.Load() }
