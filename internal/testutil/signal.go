package testutil

import (
	"math"
	"testing"
)

// RMS returns the root mean square of buf.
func RMS(buf []float32) float64 {
	if len(buf) == 0 {
		return 0
	}
	var sum float64
	for _, v := range buf {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(buf)))
}

// AssertRMSAbove fails the test when the signal in buf is below minRMS.
func AssertRMSAbove(t *testing.T, buf []float32, minRMS float64) {
	t.Helper()
	if got := RMS(buf); got < minRMS {
		t.Fatalf("signal below threshold: got %.6f, wanted >= %.6f", got, minRMS)
	}
}

// AssertSilent fails the test when buf carries any non-zero sample.
func AssertSilent(t *testing.T, buf []float32) {
	t.Helper()
	for i, v := range buf {
		if v != 0 {
			t.Fatalf("sample %d is %f, wanted silence", i, v)
		}
	}
}

// Impulse returns n frames with a unit sample at frame 0.
func Impulse(n int) []float32 {
	buf := make([]float32, n)
	if n > 0 {
		buf[0] = 1
	}
	return buf
}

// Constant returns n frames of v.
func Constant(n int, v float32) []float32 {
	buf := make([]float32, n)
	for i := range buf {
		buf[i] = v
	}
	return buf
}

// Channels allocates count buffers of n frames.
func Channels(count, n int) [][]float32 {
	bufs := make([][]float32, count)
	for i := range bufs {
		bufs[i] = make([]float32, n)
	}
	return bufs
}
