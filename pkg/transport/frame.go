// Package transport frames and transmits engine payloads over QUIC and
// WebRTC sessions.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/jvastola/theta/pkg/pool"
)

// Kind is the leading byte of every wire frame.
type Kind byte

const (
	KindUnknown        Kind = 0x00
	KindCommand        Kind = 0x01
	KindComponentDelta Kind = 0x02
	KindHeartbeat      Kind = 0x03
	KindVoice          Kind = 0x04
)

// String returns the frame kind name.
func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindComponentDelta:
		return "component_delta"
	case KindHeartbeat:
		return "heartbeat"
	case KindVoice:
		return "voice"
	}
	return "unknown"
}

// known reports whether the kind is part of the protocol.
func (k Kind) known() bool {
	return k >= KindCommand && k <= KindVoice
}

// MaxFrameBytes is the payload guard limit. Frames declaring more are
// dropped without closing the stream.
const MaxFrameBytes = 64 * 1024

// frame header: kind (1B) then length (4B big-endian).
const headerSize = 5

var (
	// ErrOversizedFrame reports a frame dropped by the payload guard. The
	// stream remains valid for subsequent frames.
	ErrOversizedFrame = errors.New("transport: frame exceeds payload guard")
	// ErrUnknownKind reports a skipped frame with an unrecognized kind byte.
	ErrUnknownKind = errors.New("transport: unknown frame kind")
)

// Frame is one wire unit: a kind byte and an opaque payload.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// WriteFrame writes kind, u32 big-endian length, then payload.
func WriteFrame(w io.Writer, kind Kind, payload []byte) error {
	if len(payload) > MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrOversizedFrame, len(payload))
	}
	scratch := pool.Headers.GetN(headerSize)
	defer pool.Headers.Put(scratch)
	header := *scratch
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads the next frame. Oversized frames are consumed and
// discarded, returning ErrOversizedFrame with the stream left readable.
// Unknown kinds are likewise consumed and reported via ErrUnknownKind.
func ReadFrame(r io.Reader) (Frame, error) {
	scratch := pool.Headers.GetN(headerSize)
	defer pool.Headers.Put(scratch)
	header := *scratch
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	kind := Kind(header[0])
	length := binary.BigEndian.Uint32(header[1:])

	if length > MaxFrameBytes {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return Frame{}, err
		}
		return Frame{Kind: kind}, fmt.Errorf("%w: declared %d bytes", ErrOversizedFrame, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}

	if !kind.known() {
		logrus.WithFields(logrus.Fields{
			"system_name": "transport",
			"kind":        fmt.Sprintf("0x%02x", header[0]),
			"length":      length,
		}).Warn("skipping frame with unknown kind")
		return Frame{Kind: kind, Payload: payload}, ErrUnknownKind
	}

	return Frame{Kind: kind, Payload: payload}, nil
}

// EncodeFrame renders a frame to a byte slice, for datagram-style channels
// that deliver whole messages (WebRTC data channels).
func EncodeFrame(kind Kind, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversizedFrame, len(payload))
	}
	out := make([]byte, headerSize+len(payload))
	out[0] = byte(kind)
	binary.BigEndian.PutUint32(out[1:], uint32(len(payload)))
	copy(out[headerSize:], payload)
	return out, nil
}

// DecodeFrame parses a whole-message frame.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < headerSize {
		return Frame{}, fmt.Errorf("transport: short frame (%d bytes)", len(data))
	}
	kind := Kind(data[0])
	length := binary.BigEndian.Uint32(data[1:headerSize])
	if length > MaxFrameBytes {
		return Frame{Kind: kind}, fmt.Errorf("%w: declared %d bytes", ErrOversizedFrame, length)
	}
	if int(length) != len(data)-headerSize {
		return Frame{}, fmt.Errorf("transport: frame length %d does not match payload %d", length, len(data)-headerSize)
	}
	if !kind.known() {
		return Frame{Kind: kind, Payload: data[headerSize:]}, ErrUnknownKind
	}
	return Frame{Kind: kind, Payload: data[headerSize:]}, nil
}
