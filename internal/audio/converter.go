package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// pcmScale maps [-1.0, 1.0] floats onto the 16-bit signed range
	pcmScale = 32768.0

	maxInt16 = math.MaxInt16
	minInt16 = math.MinInt16
)

// FloatToPCM16 converts float samples in [-1.0, 1.0] to 16-bit signed integers
// using round(sample * 32768). Out-of-range input saturates to [-32768, 32767]
// instead of wrapping.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = floatToInt16(s)
	}
	return out
}

func floatToInt16(s float32) int16 {
	v := math.Round(float64(s) * pcmScale)
	if v > maxInt16 {
		return maxInt16
	}
	if v < minInt16 {
		return minInt16
	}
	return int16(v)
}

// PCM16ToFloat converts 16-bit signed integers back to floats by dividing by 32768.0
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / pcmScale
	}
	return out
}

// SamplesToBytes encodes 16-bit samples as little-endian bytes
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToSamples decodes little-endian 16-bit PCM bytes
func BytesToSamples(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: PCM data length must be even (16-bit samples), got %d", ErrMalformedPayload, len(data))
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// Resample performs simple linear interpolation resampling of interleaved
// samples with the given channel count
func Resample(samples []float32, channels, inputRate, outputRate int) []float32 {
	if inputRate == outputRate || len(samples) == 0 || inputRate <= 0 || outputRate <= 0 {
		return samples
	}
	if channels < 1 {
		channels = 1
	}

	inFrames := len(samples) / channels
	ratio := float64(outputRate) / float64(inputRate)
	outFrames := int(float64(inFrames) * ratio)
	output := make([]float32, outFrames*channels)

	for i := 0; i < outFrames; i++ {
		// Calculate source position
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx0 >= inFrames {
			idx0 = inFrames - 1
		}
		if idx1 >= inFrames {
			idx1 = inFrames - 1
		}

		// Interpolate between two frames, channel by channel
		fraction := float32(srcPos - float64(int(srcPos)))
		for ch := 0; ch < channels; ch++ {
			a := samples[idx0*channels+ch]
			b := samples[idx1*channels+ch]
			output[i*channels+ch] = a*(1.0-fraction) + b*fraction
		}
	}

	return output
}

// Resampler converts a mono stream that arrives in chunks. The read position
// and the last input sample carry over between chunks, so chunked output
// matches resampling the whole stream at once.
type Resampler struct {
	inputRate  int
	outputRate int
	step       float64 // input samples per output sample
	pos        float64 // next read position; -1 is the previous chunk's last sample
	last       float32
}

// NewResampler creates a mono stream resampler
func NewResampler(inputRate, outputRate int) *Resampler {
	r := &Resampler{inputRate: inputRate, outputRate: outputRate}
	if inputRate > 0 && outputRate > 0 {
		r.step = float64(inputRate) / float64(outputRate)
	}
	return r
}

// Process resamples the next chunk of the stream
func (r *Resampler) Process(samples []float32) []float32 {
	n := len(samples)
	if n == 0 || r.step == 0 || r.inputRate == r.outputRate {
		return samples
	}

	at := func(i int) float32 {
		if i < 0 {
			return r.last
		}
		return samples[i]
	}

	output := make([]float32, 0, int(float64(n)/r.step)+1)
	for r.pos < float64(n-1) {
		idx := int(math.Floor(r.pos))
		fraction := float32(r.pos - float64(idx))
		a, b := at(idx), at(idx+1)
		output = append(output, a*(1.0-fraction)+b*fraction)
		r.pos += r.step
	}

	r.pos -= float64(n)
	r.last = samples[n-1]
	return output
}

// Remix converts interleaved samples between mono and stereo layouts
func Remix(samples []float32, from, to int) []float32 {
	if from == to || from < 1 || to < 1 {
		return samples
	}

	frames := len(samples) / from
	out := make([]float32, frames*to)
	for f := 0; f < frames; f++ {
		// Average the source frame down to mono first
		var sum float32
		for ch := 0; ch < from; ch++ {
			sum += samples[f*from+ch]
		}
		mono := sum / float32(from)
		for ch := 0; ch < to; ch++ {
			out[f*to+ch] = mono
		}
	}
	return out
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
