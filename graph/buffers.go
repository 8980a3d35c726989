package graph

import (
	"fmt"

	"github.com/shaban/audiohost/config"
)

func addFloats(dst, src []float32) {
	src = src[:len(dst)]
	for i := range dst {
		dst[i] += src[i]
	}
}

// peak returns the largest absolute sample, clamped to 1.
func peak(buf []float32) float32 {
	var m float32
	for _, v := range buf {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	if m > 1 {
		return 1
	}
	return m
}

// allocChannels allocates count zeroed buffers of size frames. A runtime
// allocation panic is turned into ErrBufferAllocation so callers can keep
// their previous buffers.
func allocChannels(count int, frames uint32) (bufs [][]float32, err error) {
	if frames == 0 || frames > config.MaxBufferSize {
		return nil, fmt.Errorf("%w: buffer size %d", ErrBufferAllocation, frames)
	}
	defer func() {
		if r := recover(); r != nil {
			bufs = nil
			err = fmt.Errorf("%w: %v", ErrBufferAllocation, r)
		}
	}()
	bufs = make([][]float32, count)
	for i := range bufs {
		bufs[i] = make([]float32, frames)
	}
	return bufs, nil
}
