// Package captions transcribes the child's microphone audio with Deepgram so
// that the tutor screen can show what was heard.
package captions

// Result is one transcription result
type Result struct {
	// Text is the transcribed text
	Text string

	// IsFinal indicates if this is a final transcription (true) or interim (false)
	IsFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// StartTime is the start time of the utterance in seconds
	StartTime float64

	// Duration is the duration of the utterance in seconds
	Duration float64
}

// Recognizer is a streaming speech-to-text client
type Recognizer interface {
	// Start begins a new transcription session
	Start() error

	// SendAudio sends 16-bit little-endian PCM to the service
	SendAudio(pcm []byte) error

	// Results delivers transcription results until Close
	Results() <-chan *Result

	// Close ends the session and releases resources
	Close() error
}
