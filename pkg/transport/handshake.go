package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ProtocolVersion is the exact-match compatibility key exchanged in the
// handshake.
const ProtocolVersion uint32 = 1

// NonceSize is the required handshake nonce length.
const NonceSize = 24

// DefaultHandshakeTimeout bounds the Hello/Acknowledge exchange.
const DefaultHandshakeTimeout = 5 * time.Second

// Handshake rejection reasons.
var (
	ErrVersionMismatch   = errors.New("transport: protocol_version mismatch")
	ErrSchemaMismatch    = errors.New("transport: schema_hash mismatch")
	ErrBadNonce          = errors.New("transport: handshake nonce missing or malformed")
	ErrBadPublicKey      = errors.New("transport: handshake public key malformed")
	ErrHandshakeTimeout  = errors.New("transport: handshake deadline exceeded")
	ErrHandshakeRejected = errors.New("transport: handshake rejected by peer")
)

// SessionHello opens the handshake on the control stream.
type SessionHello struct {
	ProtocolVersion       uint32   `json:"protocol_version"`
	SchemaHash            uint64   `json:"schema_hash"`
	ClientNonce           []byte   `json:"client_nonce"`
	RequestedCapabilities []uint32 `json:"requested_capabilities,omitempty"`
	AuthToken             string   `json:"auth_token,omitempty"`
	PublicKey             []byte   `json:"public_key"`
}

// SessionAcknowledge completes the handshake.
type SessionAcknowledge struct {
	ProtocolVersion        uint32   `json:"protocol_version"`
	ServerNonce            []byte   `json:"server_nonce"`
	SessionID              string   `json:"session_id"`
	AssignedRole           uint8    `json:"assigned_role"`
	NegotiatedCapabilities []uint32 `json:"negotiated_capabilities,omitempty"`
	PublicKey              []byte   `json:"public_key"`
}

// ValidateHello checks a hello against the server's compatibility keys.
func ValidateHello(h *SessionHello, schemaHash uint64) error {
	if h.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, h.ProtocolVersion, ProtocolVersion)
	}
	if h.SchemaHash != schemaHash {
		return fmt.Errorf("%w: got %#x, want %#x", ErrSchemaMismatch, h.SchemaHash, schemaHash)
	}
	if len(h.ClientNonce) != NonceSize {
		return fmt.Errorf("%w: client nonce %d bytes", ErrBadNonce, len(h.ClientNonce))
	}
	if len(h.PublicKey) != 32 {
		return fmt.Errorf("%w: %d bytes", ErrBadPublicKey, len(h.PublicKey))
	}
	return nil
}

// ValidateAcknowledge checks the server's echo on the client side.
func ValidateAcknowledge(a *SessionAcknowledge) error {
	if a.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, a.ProtocolVersion, ProtocolVersion)
	}
	if len(a.ServerNonce) != NonceSize {
		return fmt.Errorf("%w: server nonce %d bytes", ErrBadNonce, len(a.ServerNonce))
	}
	if len(a.PublicKey) != 32 {
		return fmt.Errorf("%w: %d bytes", ErrBadPublicKey, len(a.PublicKey))
	}
	return nil
}

// IntersectCapabilities computes the negotiated capability set: the server
// keeps only the requested capabilities it supports, in its own order.
func IntersectCapabilities(supported, requested []uint32) []uint32 {
	asked := make(map[uint32]bool, len(requested))
	for _, c := range requested {
		asked[c] = true
	}
	var out []uint32
	for _, c := range supported {
		if asked[c] {
			out = append(out, c)
		}
	}
	return out
}

// Handshake messages travel as length-prefixed JSON before framed traffic
// begins. The prefix shares the frame payload guard.

func writeHandshakeMessage(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameBytes {
		return fmt.Errorf("%w: handshake message %d bytes", ErrOversizedFrame, len(data))
	}
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(data)))
	if _, err := w.Write(prefix); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readHandshakeMessage(r io.Reader, v interface{}) error {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(prefix)
	if length > MaxFrameBytes {
		return fmt.Errorf("%w: handshake message declares %d bytes", ErrOversizedFrame, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
