package envelope

import (
	"bytes"
	"fmt"
)

// Stream frames have the shape #<stream_id>#<payload>. The payload is opaque
// and may be raw bytes; only the two delimiters and the id are interpreted.

const frameDelimiter = '#'

// IsStreamFrame reports whether data looks like a stream frame rather than an
// envelope. It only inspects the leading delimiter; ParseFrame does the full
// validation.
func IsStreamFrame(data []byte) bool {
	return len(data) > 0 && data[0] == frameDelimiter
}

// ParseFrame splits a stream frame into its stream id and payload. The id must
// be non-empty and restricted to [A-Za-z0-9._-].
func ParseFrame(data []byte) (string, []byte, error) {
	if !IsStreamFrame(data) {
		return "", nil, fmt.Errorf("not a stream frame")
	}
	end := bytes.IndexByte(data[1:], frameDelimiter)
	if end < 0 {
		return "", nil, fmt.Errorf("stream frame missing closing delimiter")
	}
	id := string(data[1 : 1+end])
	if id == "" {
		return "", nil, fmt.Errorf("stream frame has empty stream id")
	}
	for i := 0; i < len(id); i++ {
		if !validFrameIDByte(id[i]) {
			return "", nil, fmt.Errorf("stream id contains invalid character %q", id[i])
		}
	}
	return id, data[2+end:], nil
}

// EncodeFrame builds a stream frame for the given stream id and payload.
func EncodeFrame(streamID string, payload []byte) ([]byte, error) {
	if streamID == "" {
		return nil, fmt.Errorf("stream id is required")
	}
	for i := 0; i < len(streamID); i++ {
		if !validFrameIDByte(streamID[i]) {
			return nil, fmt.Errorf("stream id contains invalid character %q", streamID[i])
		}
	}
	frame := make([]byte, 0, len(streamID)+len(payload)+2)
	frame = append(frame, frameDelimiter)
	frame = append(frame, streamID...)
	frame = append(frame, frameDelimiter)
	frame = append(frame, payload...)
	return frame, nil
}

func validFrameIDByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z':
		return true
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '.' || b == '_' || b == '-':
		return true
	default:
		return false
	}
}
