package audio

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultPlaybackRate is assumed when an inbound mime type carries no rate
const DefaultPlaybackRate = 24000

var rateParam = regexp.MustCompile(`(?i)rate=(\d+)`)

// Frame is a block of signed 16-bit PCM samples. Frames are never mutated
// after creation; stages transcode or encode them into new values.
type Frame struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Duration returns the playback length of the frame
func (f Frame) Duration() time.Duration {
	return samplesDuration(len(f.Samples), f.SampleRate, f.Channels)
}

// Buffer is a decoded block of float samples in [-1.0, 1.0], interleaved
// when Channels > 1
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Duration returns the playback length of the buffer
func (b Buffer) Duration() time.Duration {
	return samplesDuration(len(b.Samples), b.SampleRate, b.Channels)
}

// Frames returns the number of sample frames (samples per channel)
func (b Buffer) Frames() int {
	if b.Channels < 1 {
		return len(b.Samples)
	}
	return len(b.Samples) / b.Channels
}

// Convert returns the buffer resampled and remixed to the given layout
func (b Buffer) Convert(sampleRate, channels int) Buffer {
	samples := Remix(b.Samples, b.Channels, channels)
	samples = Resample(samples, channels, b.SampleRate, sampleRate)
	return Buffer{Samples: samples, SampleRate: sampleRate, Channels: channels}
}

func samplesDuration(samples, rate, channels int) time.Duration {
	if rate <= 0 {
		return 0
	}
	if channels < 1 {
		channels = 1
	}
	frames := samples / channels
	return time.Duration(frames) * time.Second / time.Duration(rate)
}

// Blob is the wire form of an audio chunk: base64 text plus its mime type
type Blob struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

// PCMMIMEType returns the mime type for raw 16-bit PCM at rate
func PCMMIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// ParseRate extracts the rate= parameter of a mime type, or returns def
func ParseRate(mimeType string, def int) int {
	m := rateParam.FindStringSubmatch(mimeType)
	if m == nil {
		return def
	}
	rate, err := strconv.Atoi(m[1])
	if err != nil || rate <= 0 {
		return def
	}
	return rate
}

// IsPCM reports whether the mime type describes raw 16-bit PCM
func IsPCM(mimeType string) bool {
	mt := strings.ToLower(mimeType)
	return strings.HasPrefix(mt, "audio/pcm") || strings.HasPrefix(mt, "audio/l16")
}

// EncodeBlob little-endian encodes a frame and wraps it as base64 text
func EncodeBlob(f Frame) Blob {
	return Blob{
		Data:     base64.StdEncoding.EncodeToString(SamplesToBytes(f.Samples)),
		MIMEType: PCMMIMEType(f.SampleRate),
	}
}

// DecodeBlob reverses EncodeBlob into a float buffer ready for playback.
// The sample rate comes from the blob's mime type (default 24 kHz).
func DecodeBlob(b Blob, channels int) (Buffer, error) {
	if b.Data == "" {
		return Buffer{}, ErrEmptyPayload
	}
	if b.MIMEType != "" && !IsPCM(b.MIMEType) {
		return Buffer{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, b.MIMEType)
	}

	raw, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	return decodePCM(raw, ParseRate(b.MIMEType, DefaultPlaybackRate), channels)
}

func decodePCM(raw []byte, rate, channels int) (Buffer, error) {
	if channels < 1 {
		channels = 1
	}

	samples, err := BytesToSamples(raw)
	if err != nil {
		return Buffer{}, err
	}
	if len(samples)%channels != 0 {
		return Buffer{}, fmt.Errorf("%w: %d samples do not divide into %d channels", ErrMalformedPayload, len(samples), channels)
	}

	return Buffer{
		Samples:    PCM16ToFloat(samples),
		SampleRate: rate,
		Channels:   channels,
	}, nil
}
