package camera

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// FrameSize is the side length of an Ultrascan 895 frame.
const FrameSize = 2048

const sampleSize = 4

// Frame is a row-major grid of samples clamped to the 16 bit signed range.
type Frame struct {
	Width  int
	Height int
	Pix    []int16
}

func (f *Frame) At(row, col int) int16 {
	return f.Pix[row*f.Width+col]
}

type Stats struct {
	Min  int16
	Max  int16
	Mean float64
}

func (f *Frame) Stats() Stats {
	if len(f.Pix) == 0 {
		return Stats{}
	}
	s := Stats{Min: math.MaxInt16, Max: math.MinInt16}
	var sum int64
	for _, v := range f.Pix {
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
		sum += int64(v)
	}
	s.Mean = float64(sum) / float64(len(f.Pix))
	return s
}

// DecodeFrame reads raw as FrameSize×FrameSize little endian int32 samples
// and narrows them into a new 16 bit frame. raw is left untouched.
func DecodeFrame(raw []byte) (*Frame, error) {
	const want = FrameSize * FrameSize * sampleSize
	if len(raw) != want {
		return nil, fmt.Errorf("frame is %d bytes, expected %d (%dx%d int32 samples)", len(raw), want, FrameSize, FrameSize)
	}
	f := &Frame{Width: FrameSize, Height: FrameSize, Pix: make([]int16, FrameSize*FrameSize)}
	for i := range f.Pix {
		f.Pix[i] = clamp(int32(binary.LittleEndian.Uint32(raw[i*sampleSize:])))
	}
	return f, nil
}

// ReadFrame loads a frame written by the camera server.
func ReadFrame(path string) (*Frame, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read frame file: %w", err)
	}
	f, err := DecodeFrame(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func clamp(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
