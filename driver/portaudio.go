//go:build portaudio

package driver

import (
	"fmt"
	"sync"
	"sync/atomic"

	pa "github.com/gordonklaus/portaudio"
	"go.uber.org/zap"
)

func init() {
	Register("portaudio", func(l *zap.Logger) Driver { return NewPortAudio(l) })
}

// PortAudio drives the cycle from a PortAudio callback stream.
type PortAudio struct {
	logger *zap.Logger

	mu     sync.Mutex
	stream *pa.Stream
	spec   Spec
	ports  Ports
	cb     Callback

	overruns atomic.Uint64
}

// NewPortAudio creates an unopened PortAudio driver.
func NewPortAudio(logger *zap.Logger) *PortAudio {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PortAudio{logger: logger}
}

func (p *PortAudio) Name() string { return "portaudio" }

func findDevice(name string) (*pa.DeviceInfo, error) {
	devs, err := pa.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devs {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("portaudio: no device named %q", name)
}

func (p *PortAudio) Open(spec Spec, cb Callback) error {
	if err := spec.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return ErrAlreadyOpen
	}
	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	p.cb = cb

	var (
		stream *pa.Stream
		err    error
	)
	if spec.DeviceName == "" {
		stream, err = pa.OpenDefaultStream(spec.Inputs, spec.Outputs, spec.SampleRate, spec.BufferSize, p.process)
	} else {
		var dev *pa.DeviceInfo
		if dev, err = findDevice(spec.DeviceName); err == nil {
			var in *pa.DeviceInfo
			if spec.Inputs > 0 {
				in = dev
			}
			params := pa.LowLatencyParameters(in, dev)
			params.Input.Channels = spec.Inputs
			params.Output.Channels = spec.Outputs
			params.SampleRate = spec.SampleRate
			params.FramesPerBuffer = spec.BufferSize
			stream, err = pa.OpenStream(params, p.process)
		}
	}
	if err != nil {
		pa.Terminate()
		return fmt.Errorf("portaudio: open stream: %w", err)
	}
	p.stream, p.spec = stream, spec
	p.ports = portsFor(spec.Inputs, spec.Outputs)
	p.logger.Info("portaudio stream opened", zap.String("version", pa.VersionText()),
		zap.Float64("rate", stream.Info().SampleRate), zap.Int("buffer", spec.BufferSize))
	return nil
}

func (p *PortAudio) process(in, out [][]float32, _ pa.StreamCallbackTimeInfo, flags pa.StreamCallbackFlags) {
	if flags&(pa.InputOverflow|pa.OutputUnderflow) != 0 {
		p.overruns.Add(1)
	}
	frames := 0
	if len(out) > 0 {
		frames = len(out[0])
	} else if len(in) > 0 {
		frames = len(in[0])
	}
	for _, ch := range out {
		clear(ch)
	}
	if p.cb != nil {
		p.cb(in, out, uint32(frames))
	}
}

func (p *PortAudio) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return ErrNotOpen
	}
	return p.stream.Start()
}

func (p *PortAudio) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	return p.stream.Stop()
}

func (p *PortAudio) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	err := p.stream.Close()
	p.stream = nil
	if terr := pa.Terminate(); terr != nil {
		p.logger.Error("portaudio termination error", zap.Error(terr))
	}
	return err
}

func (p *PortAudio) Ports() Ports {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ports
}

func (p *PortAudio) Overruns() uint64 { return p.overruns.Load() }
