package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Int16ToBytes encodes samples as little-endian PCM-16
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16 decodes little-endian PCM-16. A trailing odd byte is ignored.
func BytesToInt16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// DecodePCM converts interleaved PCM bytes into float samples in -1..1.
// Supported widths are 2 (int16) and 4 (float32).
func DecodePCM(data []byte, byteWidth int) ([]float64, error) {
	switch byteWidth {
	case 2:
		out := make([]float64, len(data)/2)
		for i := range out {
			out[i] = float64(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768.0
		}
		return out, nil
	case 4:
		out := make([]float64, len(data)/4)
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported sample byte width: %d", byteWidth)
	}
}

// FloatToInt16 converts float samples to PCM-16 with clipping
func FloatToInt16(samples []float64) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case s >= 1.0:
			out[i] = math.MaxInt16
		case s <= -1.0:
			out[i] = math.MinInt16
		default:
			out[i] = int16(s * 32767.0)
		}
	}
	return out
}

// Int16ToFloat converts PCM-16 samples to floats in -1..1
func Int16ToFloat(samples []int16) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s) / 32768.0
	}
	return out
}

// Mixdown averages interleaved channels into mono
func Mixdown(samples []float64, channels int) []float64 {
	if channels <= 1 {
		return samples
	}

	frames := len(samples) / channels
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float64(channels)
	}
	return out
}

// MixdownInt16 averages interleaved PCM-16 channels into mono
func MixdownInt16(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}

	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(samples[i*channels+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}
