package audio

import "errors"

var (
	// ErrMalformedPayload marks inbound audio that cannot be decoded
	ErrMalformedPayload = errors.New("malformed audio payload")

	// ErrEmptyPayload is returned for blobs without data
	ErrEmptyPayload = errors.New("empty audio payload")

	// ErrUnsupportedFormat is returned for clip mime types we cannot decode
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)
