package audio

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	gomp3 "github.com/hajimehoshi/go-mp3"
)

// Clip is a complete, non-streamed piece of audio such as a synthesized
// sentence. Data is raw (already base64-decoded).
type Clip struct {
	Data     []byte
	MIMEType string
}

// DecodeClip decodes a clip into float samples. Raw PCM uses the rate= mime
// parameter (default 24kHz, mono); WAV and MP3 carry their own format.
func DecodeClip(c Clip) (Buffer, error) {
	if len(c.Data) == 0 {
		return Buffer{}, ErrEmptyPayload
	}

	mt := strings.ToLower(c.MIMEType)
	switch {
	case IsPCM(mt):
		return decodePCM(c.Data, ParseRate(mt, DefaultPlaybackRate), 1)
	case strings.Contains(mt, "wav"):
		return decodeWAV(c.Data)
	case strings.Contains(mt, "mpeg") || strings.Contains(mt, "mp3"):
		return decodeMP3(c.Data)
	case mt == "":
		// Untyped payloads from the TTS endpoint are raw PCM
		return decodePCM(c.Data, DefaultPlaybackRate, 1)
	default:
		return Buffer{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, c.MIMEType)
	}
}

func decodeWAV(data []byte) (Buffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Buffer{}, fmt.Errorf("%w: invalid WAV file", ErrMalformedPayload)
	}

	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	return intBufferToFloat(pcm, int(dec.BitDepth)), nil
}

// intBufferToFloat normalizes a go-audio integer buffer to [-1.0, 1.0]
func intBufferToFloat(buf *goaudio.IntBuffer, bitDepth int) Buffer {
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int64(1) << uint(bitDepth-1))

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / scale
	}

	return Buffer{
		Samples:    samples,
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
	}
}

func decodeMP3(data []byte) (Buffer, error) {
	dec, err := gomp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	raw, err := io.ReadAll(dec)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	// go-mp3 always yields 16-bit little-endian stereo
	return decodePCM(raw, dec.SampleRate(), 2)
}
