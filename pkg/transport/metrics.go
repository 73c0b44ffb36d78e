package transport

import (
	"math"
	"sync/atomic"
	"time"
)

// SessionKind identifies the transport flavor behind a metrics handle.
type SessionKind int32

const (
	KindUnknownSession SessionKind = iota
	KindQuic
	KindWebRtc
)

// String returns the kind name.
func (k SessionKind) String() string {
	switch k {
	case KindQuic:
		return "quic"
	case KindWebRtc:
		return "webrtc"
	}
	return "unknown"
}

// Metrics is the shared counter handle for one transport session. All fields
// are atomics: heartbeat tasks and send/receive paths write, telemetry
// reads, nobody locks. A handle outlives its session if telemetry still
// holds it.
type Metrics struct {
	kind atomic.Int32

	rttMs     atomic.Uint64 // float64 bits
	jitterMs  atomic.Uint64 // float64 bits
	latencyMs atomic.Uint64 // float64 bits

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64

	oversizedDrops atomic.Uint64
	unknownKinds   atomic.Uint64

	voiceFramesSent     atomic.Uint64
	voiceFramesReceived atomic.Uint64
	voiceBytesSent      atomic.Uint64
	voiceBytesReceived  atomic.Uint64

	compressionRatio atomic.Uint64 // float64 bits

	lastBandwidthBytes atomic.Uint64
	bandwidthBps       atomic.Uint64 // float64 bits
}

// NewMetrics creates a handle with the given kind.
func NewMetrics(kind SessionKind) *Metrics {
	m := &Metrics{}
	m.kind.Store(int32(kind))
	m.compressionRatio.Store(math.Float64bits(1))
	return m
}

// Kind returns the session kind.
func (m *Metrics) Kind() SessionKind { return SessionKind(m.kind.Load()) }

// SetKind records a transport kind transition (e.g. a superseding attach).
func (m *Metrics) SetKind(kind SessionKind) { m.kind.Store(int32(kind)) }

// RecordRTT stores a round-trip sample and derives jitter from the previous
// sample. Negative samples from clock skew clamp to zero.
func (m *Metrics) RecordRTT(rtt time.Duration) {
	ms := float64(rtt) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	prev := math.Float64frombits(m.rttMs.Load())
	m.rttMs.Store(math.Float64bits(ms))
	m.jitterMs.Store(math.Float64bits(math.Abs(ms - prev)))
}

// RecordSend counts one transmitted frame.
func (m *Metrics) RecordSend(kind Kind, bytes int) {
	m.packetsSent.Add(1)
	m.bytesSent.Add(uint64(bytes))
	if kind == KindVoice {
		m.voiceFramesSent.Add(1)
		m.voiceBytesSent.Add(uint64(bytes))
	}
}

// RecordReceive counts one received frame.
func (m *Metrics) RecordReceive(kind Kind, bytes int) {
	m.packetsReceived.Add(1)
	m.bytesReceived.Add(uint64(bytes))
	if kind == KindVoice {
		m.voiceFramesReceived.Add(1)
		m.voiceBytesReceived.Add(uint64(bytes))
	}
}

// RecordOversizedDrop counts a frame rejected by the payload guard.
func (m *Metrics) RecordOversizedDrop() { m.oversizedDrops.Add(1) }

// RecordUnknownKind counts a skipped frame of unrecognized kind.
func (m *Metrics) RecordUnknownKind() { m.unknownKinds.Add(1) }

// RecordCommandLatency stores the most recent command round-trip.
func (m *Metrics) RecordCommandLatency(d time.Duration) {
	m.latencyMs.Store(math.Float64bits(float64(d) / float64(time.Millisecond)))
}

// SetCompressionRatio records the ratio reported by an external codec.
func (m *Metrics) SetCompressionRatio(ratio float64) {
	m.compressionRatio.Store(math.Float64bits(ratio))
}

// Tick folds the elapsed interval into the bandwidth gauge. Called once per
// frame by telemetry.
func (m *Metrics) Tick(elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	total := m.bytesSent.Load() + m.bytesReceived.Load()
	last := m.lastBandwidthBytes.Swap(total)
	bps := float64(total-last) / elapsed.Seconds()
	m.bandwidthBps.Store(math.Float64bits(bps))
}

// Diagnostics is an immutable copy of the transport counters.
type Diagnostics struct {
	Kind                        SessionKind
	RTTMs                       float64
	JitterMs                    float64
	PacketsSent                 uint64
	PacketsReceived             uint64
	BytesSent                   uint64
	BytesReceived               uint64
	CommandBandwidthBytesPerSec float64
	CommandLatencyMs            float64
	CompressionRatio            float64
	OversizedDrops              uint64
	UnknownKindDrops            uint64
	VoiceFramesSent             uint64
	VoiceFramesReceived         uint64
	VoiceBytesSent              uint64
	VoiceBytesReceived          uint64
}

// Diagnostics snapshots the handle.
func (m *Metrics) Diagnostics() Diagnostics {
	return Diagnostics{
		Kind:                        m.Kind(),
		RTTMs:                       math.Float64frombits(m.rttMs.Load()),
		JitterMs:                    math.Float64frombits(m.jitterMs.Load()),
		PacketsSent:                 m.packetsSent.Load(),
		PacketsReceived:             m.packetsReceived.Load(),
		BytesSent:                   m.bytesSent.Load(),
		BytesReceived:               m.bytesReceived.Load(),
		CommandBandwidthBytesPerSec: math.Float64frombits(m.bandwidthBps.Load()),
		CommandLatencyMs:            math.Float64frombits(m.latencyMs.Load()),
		CompressionRatio:            math.Float64frombits(m.compressionRatio.Load()),
		OversizedDrops:              m.oversizedDrops.Load(),
		UnknownKindDrops:            m.unknownKinds.Load(),
		VoiceFramesSent:             m.voiceFramesSent.Load(),
		VoiceFramesReceived:         m.voiceFramesReceived.Load(),
		VoiceBytesSent:              m.voiceBytesSent.Load(),
		VoiceBytesReceived:          m.voiceBytesReceived.Load(),
	}
}
