// Package voice routes opaque voice frames between the transport layer and
// an external playback pipeline, tracking counters only. The codec and
// capture devices live outside the core.
package voice

import (
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// Sink consumes inbound voice payloads. Implementations must not block the
// frame loop.
type Sink func(payload []byte)

// Diagnostics is an immutable copy of the voice counters.
type Diagnostics struct {
	FramesSent     uint64
	FramesReceived uint64
	BytesSent      uint64
	BytesReceived  uint64
	Dropped        uint64
}

// Router fans voice frames to the external sink and counts traffic. The
// payload is opaque to the core.
type Router struct {
	sink Sink

	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	dropped        atomic.Uint64
}

// NewRouter creates a router. A nil sink counts inbound frames as dropped.
func NewRouter(sink Sink) *Router {
	return &Router{sink: sink}
}

// SetSink replaces the playback sink.
func (r *Router) SetSink(sink Sink) { r.sink = sink }

// RecordOutbound counts one locally captured frame handed to the transport.
func (r *Router) RecordOutbound(payload []byte) {
	r.framesSent.Add(1)
	r.bytesSent.Add(uint64(len(payload)))
}

// HandleInbound counts one received frame and forwards it to the sink.
func (r *Router) HandleInbound(payload []byte) {
	r.framesReceived.Add(1)
	r.bytesReceived.Add(uint64(len(payload)))
	if r.sink == nil {
		r.dropped.Add(1)
		return
	}
	r.sink(payload)
}

// Diagnostics snapshots the counters.
func (r *Router) Diagnostics() Diagnostics {
	return Diagnostics{
		FramesSent:     r.framesSent.Load(),
		FramesReceived: r.framesReceived.Load(),
		BytesSent:      r.bytesSent.Load(),
		BytesReceived:  r.bytesReceived.Load(),
		Dropped:        r.dropped.Load(),
	}
}

// DeriveObfuscationKey derives the 32-byte voice obfuscation key from the
// session handshake nonces via HKDF-SHA3-256. Both endpoints derive the same
// key; the voice pipeline applies it outside the core.
func DeriveObfuscationKey(clientNonce, serverNonce []byte) ([]byte, error) {
	secret := make([]byte, 0, len(clientNonce)+len(serverNonce))
	secret = append(secret, clientNonce...)
	secret = append(secret, serverNonce...)

	kdf := hkdf.New(sha3.New256, secret, nil, []byte("theta-voice-obfuscation-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		logrus.WithField("system_name", "voice").WithError(err).Error("key derivation failed")
		return nil, err
	}
	return key, nil
}
