package audiohost

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"gitlab.com/gomidi/midi/v2"
	"go.uber.org/zap"

	"github.com/shaban/audiohost/events"
)

// MIDIPorts opens MIDI ports by name.
type MIDIPorts interface {
	// Listen delivers every message received on the input port to fn until
	// stop is called. fn must not retain msg.
	Listen(name string, fn func(msg midi.Message)) (stop func(), err error)
	// Open returns a function sending to the output port and one closing it.
	Open(name string) (send func(midi.Message) error, closePort func() error, err error)
}

// GomidiPorts opens ports through the registered gomidi driver.
type GomidiPorts struct {
	Logger *zap.Logger
}

func (p GomidiPorts) Listen(name string, fn func(msg midi.Message)) (func(), error) {
	in, err := midi.FindInPort(name)
	if err != nil {
		return nil, err
	}
	return midi.ListenTo(in, func(msg midi.Message, _ int32) { fn(msg) },
		midi.HandleError(func(err error) {
			if p.Logger != nil {
				p.Logger.Warn("MIDI input error", zap.String("port", name), zap.Error(err))
			}
		}))
}

func (p GomidiPorts) Open(name string) (func(midi.Message) error, func() error, error) {
	out, err := midi.FindOutPort(name)
	if err != nil {
		return nil, nil, err
	}
	send, err := midi.SendTo(out)
	if err != nil {
		return nil, nil, err
	}
	return send, out.Close, nil
}

type midiOutput struct {
	send  func(midi.Message) error
	close func() error
}

// MIDIBridge moves events between external MIDI ports and the audio cycle.
// Input messages are collected by listener goroutines and drained into the
// cycle without blocking; output events are handed to a sender goroutine.
type MIDIBridge struct {
	logger *zap.Logger
	ports  MIDIPorts

	mu   sync.Mutex
	ins  map[string]func()
	outs map[string]midiOutput

	pendingMu sync.Mutex
	pending   events.Buffer

	outCount atomic.Int32
	outCh    chan events.Event
	quit     chan struct{}
	done     chan struct{}
	closed   atomic.Bool

	dropped atomic.Uint64
}

// NewMIDIBridge creates a bridge and starts its sender goroutine.
func NewMIDIBridge(ports MIDIPorts, logger *zap.Logger) *MIDIBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ports == nil {
		ports = GomidiPorts{Logger: logger}
	}
	b := &MIDIBridge{
		logger: logger,
		ports:  ports,
		ins:    make(map[string]func()),
		outs:   make(map[string]midiOutput),
		outCh:  make(chan events.Event, events.MaxEventCount),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go b.sendLoop()
	return b
}

// ConnectInput starts listening on the named input port.
func (b *MIDIBridge) ConnectInput(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.ins[name]; ok {
		return fmt.Errorf("%w: input %q already connected", ErrMIDIPort, name)
	}
	stop, err := b.ports.Listen(name, b.receive)
	if err != nil {
		return fmt.Errorf("%w: listen on %q: %v", ErrMIDIPort, name, err)
	}
	b.ins[name] = stop
	b.logger.Debug("MIDI input connected", zap.String("port", name))
	return nil
}

// DisconnectInput stops listening on the named input port.
func (b *MIDIBridge) DisconnectInput(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	stop, ok := b.ins[name]
	if !ok {
		return fmt.Errorf("%w: input %q not connected", ErrMIDIPort, name)
	}
	stop()
	delete(b.ins, name)
	return nil
}

// ConnectOutput opens the named output port.
func (b *MIDIBridge) ConnectOutput(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.outs[name]; ok {
		return fmt.Errorf("%w: output %q already connected", ErrMIDIPort, name)
	}
	send, closePort, err := b.ports.Open(name)
	if err != nil {
		return fmt.Errorf("%w: open %q: %v", ErrMIDIPort, name, err)
	}
	b.outs[name] = midiOutput{send: send, close: closePort}
	b.outCount.Store(int32(len(b.outs)))
	b.logger.Debug("MIDI output connected", zap.String("port", name))
	return nil
}

// DisconnectOutput closes the named output port.
func (b *MIDIBridge) DisconnectOutput(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	out, ok := b.outs[name]
	if !ok {
		return fmt.Errorf("%w: output %q not connected", ErrMIDIPort, name)
	}
	delete(b.outs, name)
	b.outCount.Store(int32(len(b.outs)))
	if out.close != nil {
		if err := out.close(); err != nil {
			b.logger.Warn("closing MIDI output failed", zap.String("port", name), zap.Error(err))
		}
	}
	return nil
}

func (b *MIDIBridge) receive(msg midi.Message) {
	b.pendingMu.Lock()
	ok := b.pending.PushMIDI(0, msg)
	b.pendingMu.Unlock()
	if !ok {
		b.dropped.Add(1)
	}
}

// Drain moves the received messages into dst. If a listener holds the
// queue the messages wait for the next cycle.
func (b *MIDIBridge) Drain(dst *events.Buffer) {
	if !b.pendingMu.TryLock() {
		return
	}
	if !b.pending.Empty() {
		if n := dst.Merge(&b.pending); n > 0 {
			b.dropped.Add(uint64(n))
		}
		b.pending.Clear()
	}
	b.pendingMu.Unlock()
}

// Send queues the MIDI events of src for the connected outputs. Events that
// do not fit are dropped.
func (b *MIDIBridge) Send(src *events.Buffer) {
	if b.outCount.Load() == 0 || b.closed.Load() {
		return
	}
	evs := src.Events()
	for i := range evs {
		if evs[i].Type != events.TypeMIDI {
			continue
		}
		select {
		case b.outCh <- evs[i]:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MIDIBridge) sendLoop() {
	defer close(b.done)
	for {
		select {
		case <-b.quit:
			return
		case ev := <-b.outCh:
			msg := midi.Message(append([]byte(nil), ev.Message()...))
			b.mu.Lock()
			for name, out := range b.outs {
				if err := out.send(msg); err != nil {
					b.logger.Warn("MIDI send failed", zap.String("port", name), zap.Error(err))
				}
			}
			b.mu.Unlock()
		}
	}
}

// Dropped returns the number of events lost to full queues.
func (b *MIDIBridge) Dropped() uint64 { return b.dropped.Load() }

// Inputs returns the connected input port names.
func (b *MIDIBridge) Inputs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedKeys(b.ins)
}

// Outputs returns the connected output port names.
func (b *MIDIBridge) Outputs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedKeys(b.outs)
}

// Close disconnects every port and stops the sender goroutine.
func (b *MIDIBridge) Close() {
	if b.closed.Swap(true) {
		return
	}
	close(b.quit)
	<-b.done

	b.mu.Lock()
	defer b.mu.Unlock()
	for name, stop := range b.ins {
		stop()
		delete(b.ins, name)
	}
	for name, out := range b.outs {
		if out.close != nil {
			_ = out.close()
		}
		delete(b.outs, name)
	}
	b.outCount.Store(0)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
