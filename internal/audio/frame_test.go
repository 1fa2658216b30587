package audio

import (
	"encoding/base64"
	"errors"
	"math"
	"testing"
	"time"
)

func TestEncodeBlob(t *testing.T) {
	frame := Frame{Samples: []int16{0, 1, -1, 32767}, SampleRate: 16000, Channels: 1}

	blob := EncodeBlob(frame)
	if blob.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("Expected mime type audio/pcm;rate=16000, got %s", blob.MIMEType)
	}

	raw, err := base64.StdEncoding.DecodeString(blob.Data)
	if err != nil {
		t.Fatalf("Blob data is not valid base64: %v", err)
	}
	expected := []byte{0x00, 0x00, 0x01, 0x00, 0xFF, 0xFF, 0xFF, 0x7F}
	if string(raw) != string(expected) {
		t.Errorf("Expected bytes %v, got %v", expected, raw)
	}
}

func TestEncodeDecodeBlob(t *testing.T) {
	in := make([]float32, 4096)
	for i := range in {
		in[i] = float32(math.Sin(float64(i) * 0.05))
	}

	blob := EncodeBlob(Frame{Samples: FloatToPCM16(in), SampleRate: 24000, Channels: 1})
	buf, err := DecodeBlob(blob, 1)
	if err != nil {
		t.Fatalf("DecodeBlob failed: %v", err)
	}

	if buf.SampleRate != 24000 {
		t.Errorf("Expected sample rate 24000, got %d", buf.SampleRate)
	}
	if len(buf.Samples) != len(in) {
		t.Fatalf("Expected %d samples, got %d", len(in), len(buf.Samples))
	}
	for i := range in {
		if diff := math.Abs(float64(in[i] - buf.Samples[i])); diff > 1.0/32768.0 {
			t.Fatalf("Sample %d drifted by %.8f", i, diff)
		}
	}
}

func TestDecodeBlob_DefaultRate(t *testing.T) {
	blob := Blob{Data: base64.StdEncoding.EncodeToString([]byte{0, 0, 0, 0}), MIMEType: "audio/pcm"}

	buf, err := DecodeBlob(blob, 1)
	if err != nil {
		t.Fatalf("DecodeBlob failed: %v", err)
	}
	if buf.SampleRate != DefaultPlaybackRate {
		t.Errorf("Expected default rate %d, got %d", DefaultPlaybackRate, buf.SampleRate)
	}
}

func TestDecodeBlob_Errors(t *testing.T) {
	tests := []struct {
		name string
		blob Blob
		want error
	}{
		{"empty", Blob{MIMEType: "audio/pcm;rate=24000"}, ErrEmptyPayload},
		{"bad base64", Blob{Data: "!!not base64!!", MIMEType: "audio/pcm;rate=24000"}, ErrMalformedPayload},
		{"odd length", Blob{Data: base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), MIMEType: "audio/pcm;rate=24000"}, ErrMalformedPayload},
		{"unsupported", Blob{Data: "AAAA", MIMEType: "audio/opus"}, ErrUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBlob(tt.blob, 1)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		mime string
		want int
	}{
		{"audio/pcm;rate=16000", 16000},
		{"audio/pcm; rate=24000", 24000},
		{"audio/L16;codec=pcm;RATE=8000", 8000},
		{"audio/pcm", 24000},
		{"audio/pcm;rate=0", 24000},
	}

	for _, tt := range tests {
		if got := ParseRate(tt.mime, 24000); got != tt.want {
			t.Errorf("ParseRate(%q) = %d, want %d", tt.mime, got, tt.want)
		}
	}
}

func TestFrameDuration(t *testing.T) {
	frame := Frame{Samples: make([]int16, 4096), SampleRate: 16000, Channels: 1}
	if got := frame.Duration(); got != 256*time.Millisecond {
		t.Errorf("Expected 256ms, got %v", got)
	}

	buf := Buffer{Samples: make([]float32, 24000), SampleRate: 24000, Channels: 2}
	if got := buf.Duration(); got != 500*time.Millisecond {
		t.Errorf("Expected 500ms for stereo buffer, got %v", got)
	}
	if buf.Frames() != 12000 {
		t.Errorf("Expected 12000 frames, got %d", buf.Frames())
	}
}

func TestBufferConvert(t *testing.T) {
	buf := Buffer{Samples: make([]float32, 2400), SampleRate: 24000, Channels: 1}

	out := buf.Convert(48000, 2)
	if out.SampleRate != 48000 || out.Channels != 2 {
		t.Fatalf("Unexpected layout %d Hz x %d", out.SampleRate, out.Channels)
	}
	if out.Frames() != 4800 {
		t.Errorf("Expected 4800 frames, got %d", out.Frames())
	}
	if out.Duration() != buf.Duration() {
		t.Errorf("Expected duration to be preserved, %v != %v", out.Duration(), buf.Duration())
	}
}
