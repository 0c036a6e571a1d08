package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

const (
	frameHeaderLen = 4
	blobIDLen      = 36
)

var (
	ErrShortFrame       = errors.New("frame: short frame")
	ErrFrameTooLarge    = errors.New("frame: frame too large")
	ErrUnknownKind      = errors.New("frame: unknown message kind")
	ErrInvalidBlobID    = errors.New("frame: blob id must be a 36-character uuid")
	ErrInvalidJSONFrame = errors.New("frame: invalid json payload")
)

// FrameLimits constrains the memory used to decode and encode frames.
type FrameLimits struct {
	MaxFrameBytes uint32
}

func DefaultFrameLimits() FrameLimits {
	return FrameLimits{
		MaxFrameBytes: 128 * 1024 * 1024,
	}
}

// ReadMessage reads one frame from r.
//
// A frame is a 4-byte big-endian length followed by that many bytes: a 1-byte MessageKind and its payload.
// JSON payloads are a single JSON object. Blob payloads are a 36-byte uuid followed by the blob.
func ReadMessage(r io.Reader, limits FrameLimits) (*Message, error) {
	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortFrame
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, ErrShortFrame
	}
	if length > limits.MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrShortFrame
		}
		return nil, err
	}

	kind := MessageKind(body[0])
	payload := body[1:]

	switch kind {
	case KindJSON:
		decoded := make(map[string]interface{})
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJSONFrame, err)
		}
		return NewJSONMessage(decoded), nil
	case KindBlob:
		if len(payload) < blobIDLen {
			return nil, ErrInvalidBlobID
		}
		return NewBlobMessage(string(payload[:blobIDLen]), payload[blobIDLen:]), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, byte(kind))
	}
}

// WriteMessage encodes msg as a single frame and writes it to w with one call to Write.
func WriteMessage(w io.Writer, msg *Message, limits FrameLimits) error {
	var payload []byte

	switch msg.Kind {
	case KindJSON:
		encoded, err := json.Marshal(msg.JSON)
		if err != nil {
			return err
		}
		payload = encoded
	case KindBlob:
		if len(msg.BlobID) != blobIDLen {
			return ErrInvalidBlobID
		}
		payload = make([]byte, 0, blobIDLen+len(msg.Blob))
		payload = append(payload, msg.BlobID...)
		payload = append(payload, msg.Blob...)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, byte(msg.Kind))
	}

	length := uint64(len(payload)) + 1
	if length > uint64(limits.MaxFrameBytes) {
		return ErrFrameTooLarge
	}

	frame := make([]byte, frameHeaderLen, frameHeaderLen+int(length))
	binary.BigEndian.PutUint32(frame, uint32(length))
	frame = append(frame, byte(msg.Kind))
	frame = append(frame, payload...)

	_, err := w.Write(frame)
	return err
}
