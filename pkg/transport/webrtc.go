package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// ErrChannelClosed reports a send on a closed data channel.
var ErrChannelClosed = errors.New("transport: data channel closed")

// WebRTCSession adapts one ordered/reliable data channel to the Session
// contract. Framing, payload guard, heartbeat, and metrics match the QUIC
// session; every frame travels as one whole channel message.
type WebRTCSession struct {
	peerID  string
	channel *webrtc.DataChannel

	metrics *Metrics
	queue   *frameQueue
	hb      *heartbeatState

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	sendMu sync.Mutex
	closed bool
}

// NewWebRTCSession wraps an open data channel. The caller attaches the
// session once the channel reports open; message handling is installed here.
func NewWebRTCSession(peerID string, channel *webrtc.DataChannel, heartbeatInterval time.Duration) *WebRTCSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &WebRTCSession{
		peerID:  peerID,
		channel: channel,
		metrics: NewMetrics(KindWebRtc),
		queue:   &frameQueue{},
		hb:      newHeartbeatState(heartbeatInterval),
		ctx:     ctx,
		cancel:  cancel,
	}

	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.handleMessage(msg.Data)
	})
	channel.OnClose(func() {
		s.hb.markDead()
	})

	s.wg.Add(2)
	go s.heartbeatSender()
	go s.heartbeatMonitor()
	return s
}

// PeerID returns the signaling identity behind this session.
func (s *WebRTCSession) PeerID() string { return s.peerID }

// Metrics returns the shared metrics handle.
func (s *WebRTCSession) Metrics() *Metrics { return s.metrics }

// Dead reports whether the channel closed or missed its heartbeat budget.
func (s *WebRTCSession) Dead() bool { return s.hb.dead.Load() }

// Send transmits one frame as a single channel message.
func (s *WebRTCSession) Send(f Frame) error {
	data, err := EncodeFrame(f.Kind, f.Payload)
	if err != nil {
		s.metrics.RecordOversizedDrop()
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed || s.Dead() {
		return ErrChannelClosed
	}
	if err := s.channel.Send(data); err != nil {
		return err
	}
	s.metrics.RecordSend(f.Kind, len(f.Payload))
	return nil
}

// PollFrames drains up to max buffered inbound frames.
func (s *WebRTCSession) PollFrames(max int) []Frame {
	return s.queue.popN(max)
}

func (s *WebRTCSession) handleMessage(data []byte) {
	frame, err := DecodeFrame(data)
	switch {
	case err == nil:
	case errors.Is(err, ErrOversizedFrame):
		s.metrics.RecordOversizedDrop()
		return
	case errors.Is(err, ErrUnknownKind):
		s.metrics.RecordUnknownKind()
		logrus.WithFields(logrus.Fields{
			"system_name": "transport",
			"peer_id":     s.peerID,
		}).Warn("skipping data channel frame with unknown kind")
		return
	default:
		logrus.WithFields(logrus.Fields{
			"system_name": "transport",
			"peer_id":     s.peerID,
		}).WithError(err).Debug("malformed data channel frame dropped")
		return
	}

	if frame.Kind == KindHeartbeat {
		handleHeartbeat(frame.Payload, s.metrics, s.hb, func(ts int64) {
			s.Send(Frame{Kind: KindHeartbeat, Payload: encodeHeartbeat(heartbeatPong, ts)})
		})
		return
	}
	s.metrics.RecordReceive(frame.Kind, len(frame.Payload))
	s.queue.push(frame)
}

func (s *WebRTCSession) heartbeatSender() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.hb.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			payload := encodeHeartbeat(heartbeatPing, time.Now().UnixNano())
			if err := s.Send(Frame{Kind: KindHeartbeat, Payload: payload}); err != nil {
				return
			}
		}
	}
}

func (s *WebRTCSession) heartbeatMonitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.hb.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.hb.tick() {
				logrus.WithFields(logrus.Fields{
					"system_name": "transport",
					"peer_id":     s.peerID,
				}).Warn("webrtc session missed heartbeat budget, marking dead")
				return
			}
		}
	}
}

// Close aborts the heartbeat tasks and closes the data channel.
func (s *WebRTCSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.sendMu.Lock()
		s.closed = true
		s.sendMu.Unlock()
		err = s.channel.Close()
		s.hb.markDead()
		s.wg.Wait()
	})
	return err
}
