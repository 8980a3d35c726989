//go:build sdl

package driver

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veandco/go-sdl2/sdl"
	"go.uber.org/zap"
	"pipelined.dev/signal"
)

func init() {
	Register("sdl", func(l *zap.Logger) Driver { return NewSDL(l) })
}

// SDL pushes rendered blocks into an SDL audio queue. It is output only.
type SDL struct {
	logger *zap.Logger

	mu      sync.Mutex
	dev     sdl.AudioDeviceID
	spec    Spec
	cb      Callback
	running bool
	quit    chan struct{}
	done    chan struct{}

	overruns atomic.Uint64
}

// NewSDL creates an unopened SDL driver.
func NewSDL(logger *zap.Logger) *SDL {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SDL{logger: logger}
}

func (s *SDL) Name() string { return "sdl" }

func (s *SDL) Open(spec Spec, cb Callback) error {
	if err := spec.validate(); err != nil {
		return err
	}
	if spec.Outputs < 1 || spec.Outputs > math.MaxUint8 || spec.BufferSize > math.MaxUint16 {
		return fmt.Errorf("%w: sdl needs 1..255 outputs and at most %d frames", ErrInvalidSpec, math.MaxUint16)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != 0 {
		return ErrAlreadyOpen
	}
	if err := sdl.Init(sdl.INIT_AUDIO); err != nil {
		return fmt.Errorf("sdl: init: %w", err)
	}
	want := &sdl.AudioSpec{
		Freq:     int32(spec.SampleRate),
		Format:   sdl.AUDIO_F32LSB,
		Channels: uint8(spec.Outputs),
		Samples:  uint16(spec.BufferSize),
	}
	var got sdl.AudioSpec
	dev, err := sdl.OpenAudioDevice(spec.DeviceName, false, want, &got, 0)
	if err != nil {
		sdl.Quit()
		return fmt.Errorf("sdl: open audio device: %w", err)
	}
	spec.Inputs = 0
	s.dev, s.spec, s.cb = dev, spec, cb
	s.logger.Info("sdl audio device opened", zap.Int32("rate", got.Freq), zap.Uint8("channels", got.Channels), zap.Uint16("samples", got.Samples))
	return nil
}

func (s *SDL) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == 0 {
		return ErrNotOpen
	}
	if s.running {
		return nil
	}
	s.running = true
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	sdl.PauseAudioDevice(s.dev, false)
	go s.loop(s.dev, s.spec, s.quit, s.done)
	return nil
}

// loop keeps two blocks queued. An empty queue after the first push means
// the device ran dry.
func (s *SDL) loop(dev sdl.AudioDeviceID, spec Spec, quit, done chan struct{}) {
	defer close(done)
	frames := spec.BufferSize
	out := allocChannels(spec.Outputs, frames)
	sig := signal.Allocator{Channels: spec.Outputs, Length: frames, Capacity: frames}.Float32()
	raw := make([]byte, frames*spec.Outputs*4)
	blockBytes := uint32(len(raw))
	period := time.Duration(float64(frames) / spec.SampleRate * float64(time.Second))
	ticker := time.NewTicker(period / 2)
	defer ticker.Stop()

	pushed := false
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
		}
		queued := sdl.GetQueuedAudioSize(dev)
		if pushed && queued == 0 {
			n := s.overruns.Add(1)
			s.logger.Warn("sdl audio queue ran dry", zap.Uint64("overruns", n))
		}
		for ; queued < 2*blockBytes; queued += blockBytes {
			for _, ch := range out {
				clear(ch)
			}
			if s.cb != nil {
				s.cb(nil, out, uint32(frames))
			}
			interleave(raw, sig, out, frames)
			if err := sdl.QueueAudio(dev, raw); err != nil {
				s.logger.Error("sdl queue audio failed", zap.Error(err))
				break
			}
			pushed = true
		}
	}
}

// interleave stages the planar block in sig and encodes it as F32LSB frames.
func interleave(dst []byte, sig signal.Floating, chans [][]float32, frames int) {
	for c, ch := range chans {
		for i := 0; i < frames; i++ {
			sig.SetSample(sig.BufferIndex(c, i), float64(ch[i]))
		}
	}
	for pos := 0; pos < frames*len(chans); pos++ {
		binary.LittleEndian.PutUint32(dst[pos*4:], math.Float32bits(float32(sig.Sample(pos))))
	}
}

func (s *SDL) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	quit, done, dev := s.quit, s.done, s.dev
	s.mu.Unlock()

	close(quit)
	<-done
	sdl.PauseAudioDevice(dev, true)
	sdl.ClearQueuedAudio(dev)
	return nil
}

func (s *SDL) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == 0 {
		return nil
	}
	sdl.CloseAudioDevice(s.dev)
	sdl.Quit()
	s.dev = 0
	return nil
}

func (s *SDL) Ports() Ports {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == 0 {
		return Ports{}
	}
	return portsFor(0, s.spec.Outputs)
}

func (s *SDL) Overruns() uint64 { return s.overruns.Load() }
