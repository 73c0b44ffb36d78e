package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

// alpnProtocol is the ALPN token for engine sessions.
const alpnProtocol = "theta/1"

// Stream roles. The client opens all three and announces each role in a
// one-byte preamble; the server maps accepted streams by that byte.
const (
	streamControl = iota
	streamReplication
	streamAssets
	streamCount
)

// SessionConfig carries the handshake inputs for one endpoint.
type SessionConfig struct {
	SchemaHash   uint64
	PublicKey    [32]byte
	AuthToken    string
	Capabilities []uint32
	// AssignRole decides the role granted to a validated client hello.
	// Server side only; nil grants the zero role.
	AssignRole func(hello *SessionHello) uint8
	// HandshakeTimeout bounds the hello/acknowledge exchange. Zero means
	// DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	// HeartbeatInterval paces the heartbeat sender. Zero means
	// DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
}

func (c SessionConfig) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout <= 0 {
		return DefaultHandshakeTimeout
	}
	return c.HandshakeTimeout
}

// QuicSession is a QUIC-backed transport session with control, replication,
// and asset streams.
type QuicSession struct {
	conn    quic.Connection
	streams [streamCount]quic.Stream
	writeMu [streamCount]sync.Mutex

	metrics *Metrics
	queue   *frameQueue
	hb      *heartbeatState

	sessionID    string
	assignedRole uint8
	peerKey      [32]byte
	capabilities []uint32
	clientNonce  []byte
	serverNonce  []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// SessionID returns the identifier assigned by the server.
func (s *QuicSession) SessionID() string { return s.sessionID }

// AssignedRole returns the role granted at handshake.
func (s *QuicSession) AssignedRole() uint8 { return s.assignedRole }

// PeerPublicKey returns the peer's handshake public key.
func (s *QuicSession) PeerPublicKey() [32]byte { return s.peerKey }

// Capabilities returns the negotiated capability set.
func (s *QuicSession) Capabilities() []uint32 { return s.capabilities }

// HandshakeNonces returns the client and server nonces, in that order, for
// session key derivation.
func (s *QuicSession) HandshakeNonces() ([]byte, []byte) { return s.clientNonce, s.serverNonce }

// Metrics returns the shared metrics handle.
func (s *QuicSession) Metrics() *Metrics { return s.metrics }

// Dead reports whether the session missed its heartbeat budget or failed.
func (s *QuicSession) Dead() bool { return s.hb.dead.Load() }

// newNonce produces a fresh handshake nonce.
func newNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// AcceptSession performs the server half of session establishment on an
// accepted QUIC connection: accept the three streams, validate the hello,
// and acknowledge. The handshake deadline covers the whole exchange.
func AcceptSession(ctx context.Context, conn quic.Connection, cfg SessionConfig) (*QuicSession, error) {
	hsCtx, cancel := context.WithTimeout(ctx, cfg.handshakeTimeout())
	defer cancel()
	deadline := time.Now().Add(cfg.handshakeTimeout())

	// Each stream announces its role in a one-byte preamble: a stream only
	// reaches the acceptor once bytes flow on it, so the preamble both
	// wakes the accept and identifies the stream.
	var streams [streamCount]quic.Stream
	for i := 0; i < streamCount; i++ {
		stream, err := conn.AcceptStream(hsCtx)
		if err != nil {
			conn.CloseWithError(1, "handshake: stream accept failed")
			return nil, fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
		stream.SetReadDeadline(deadline)
		role := make([]byte, 1)
		if _, err := io.ReadFull(stream, role); err != nil {
			conn.CloseWithError(1, "handshake: stream preamble read failed")
			return nil, fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
		stream.SetReadDeadline(time.Time{})
		if int(role[0]) >= streamCount || streams[role[0]] != nil {
			conn.CloseWithError(2, "handshake: bad stream preamble")
			return nil, fmt.Errorf("transport: bad stream preamble %d", role[0])
		}
		streams[role[0]] = stream
	}

	control := streams[streamControl]
	control.SetReadDeadline(deadline)
	defer control.SetReadDeadline(time.Time{})

	var hello SessionHello
	if err := readHandshakeMessage(control, &hello); err != nil {
		conn.CloseWithError(1, "handshake: hello read failed")
		return nil, fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	if err := ValidateHello(&hello, cfg.SchemaHash); err != nil {
		// Tell the peer why before closing.
		writeHandshakeMessage(control, &SessionAcknowledge{ProtocolVersion: ProtocolVersion})
		conn.CloseWithError(2, err.Error())
		return nil, err
	}

	serverNonce, err := newNonce()
	if err != nil {
		conn.CloseWithError(1, "handshake: nonce generation failed")
		return nil, err
	}

	var role uint8
	if cfg.AssignRole != nil {
		role = cfg.AssignRole(&hello)
	}
	ack := &SessionAcknowledge{
		ProtocolVersion:        ProtocolVersion,
		ServerNonce:            serverNonce,
		SessionID:              uuid.NewString(),
		AssignedRole:           role,
		NegotiatedCapabilities: IntersectCapabilities(cfg.Capabilities, hello.RequestedCapabilities),
		PublicKey:              cfg.PublicKey[:],
	}
	if err := writeHandshakeMessage(control, ack); err != nil {
		conn.CloseWithError(1, "handshake: acknowledge write failed")
		return nil, err
	}

	s := newQuicSession(conn, streams, cfg)
	s.sessionID = ack.SessionID
	s.assignedRole = role
	s.capabilities = ack.NegotiatedCapabilities
	s.clientNonce = hello.ClientNonce
	s.serverNonce = serverNonce
	copy(s.peerKey[:], hello.PublicKey)
	s.start()

	logrus.WithFields(logrus.Fields{
		"system_name": "transport",
		"session_id":  s.sessionID,
		"role":        role,
	}).Info("quic session accepted")
	return s, nil
}

// DialSession performs the client half: open the three streams, send the
// hello, and validate the acknowledge.
func DialSession(ctx context.Context, addr string, tlsConf *tls.Config, cfg SessionConfig) (*QuicSession, error) {
	hsCtx, cancel := context.WithTimeout(ctx, cfg.handshakeTimeout())
	defer cancel()

	conn, err := quic.DialAddr(hsCtx, addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	var streams [streamCount]quic.Stream
	for i := 0; i < streamCount; i++ {
		stream, err := conn.OpenStreamSync(hsCtx)
		if err != nil {
			conn.CloseWithError(1, "handshake: stream open failed")
			return nil, fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
		if _, err := stream.Write([]byte{byte(i)}); err != nil {
			conn.CloseWithError(1, "handshake: stream preamble write failed")
			return nil, fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
		streams[i] = stream
	}
	control := streams[streamControl]

	clientNonce, err := newNonce()
	if err != nil {
		conn.CloseWithError(1, "handshake: nonce generation failed")
		return nil, err
	}
	hello := &SessionHello{
		ProtocolVersion:       ProtocolVersion,
		SchemaHash:            cfg.SchemaHash,
		ClientNonce:           clientNonce,
		RequestedCapabilities: cfg.Capabilities,
		AuthToken:             cfg.AuthToken,
		PublicKey:             cfg.PublicKey[:],
	}
	if err := writeHandshakeMessage(control, hello); err != nil {
		conn.CloseWithError(1, "handshake: hello write failed")
		return nil, err
	}

	deadline := time.Now().Add(cfg.handshakeTimeout())
	control.SetReadDeadline(deadline)
	defer control.SetReadDeadline(time.Time{})

	var ack SessionAcknowledge
	if err := readHandshakeMessage(control, &ack); err != nil {
		conn.CloseWithError(1, "handshake: acknowledge read failed")
		return nil, fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	if len(ack.ServerNonce) == 0 && ack.SessionID == "" {
		conn.CloseWithError(2, "handshake rejected")
		return nil, ErrHandshakeRejected
	}
	if err := ValidateAcknowledge(&ack); err != nil {
		conn.CloseWithError(2, err.Error())
		return nil, err
	}

	s := newQuicSession(conn, streams, cfg)
	s.sessionID = ack.SessionID
	s.assignedRole = ack.AssignedRole
	s.capabilities = ack.NegotiatedCapabilities
	s.clientNonce = clientNonce
	s.serverNonce = ack.ServerNonce
	copy(s.peerKey[:], ack.PublicKey)
	s.start()

	logrus.WithFields(logrus.Fields{
		"system_name": "transport",
		"session_id":  s.sessionID,
		"role":        s.assignedRole,
	}).Info("quic session established")
	return s, nil
}

func newQuicSession(conn quic.Connection, streams [streamCount]quic.Stream, cfg SessionConfig) *QuicSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &QuicSession{
		conn:    conn,
		streams: streams,
		metrics: NewMetrics(KindQuic),
		queue:   &frameQueue{},
		hb:      newHeartbeatState(cfg.HeartbeatInterval),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// start launches the per-stream readers and the heartbeat tasks.
func (s *QuicSession) start() {
	for i := 0; i < streamCount; i++ {
		s.wg.Add(1)
		go s.readLoop(i)
	}
	s.wg.Add(2)
	go s.heartbeatSender()
	go s.heartbeatMonitor()
}

// streamFor routes a frame kind to its stream index.
func streamFor(kind Kind) int {
	switch kind {
	case KindComponentDelta:
		return streamReplication
	default:
		return streamControl
	}
}

// Send transmits one frame on the stream owned by its kind.
func (s *QuicSession) Send(f Frame) error {
	idx := streamFor(f.Kind)
	s.writeMu[idx].Lock()
	err := WriteFrame(s.streams[idx], f.Kind, f.Payload)
	s.writeMu[idx].Unlock()
	if err != nil {
		return err
	}
	s.metrics.RecordSend(f.Kind, len(f.Payload))
	return nil
}

// PollFrames drains up to max buffered inbound frames.
func (s *QuicSession) PollFrames(max int) []Frame {
	return s.queue.popN(max)
}

func (s *QuicSession) readLoop(idx int) {
	defer s.wg.Done()
	stream := s.streams[idx]
	for {
		frame, err := ReadFrame(stream)
		switch {
		case err == nil:
		case errors.Is(err, ErrOversizedFrame):
			s.metrics.RecordOversizedDrop()
			continue
		case errors.Is(err, ErrUnknownKind):
			s.metrics.RecordUnknownKind()
			continue
		default:
			select {
			case <-s.ctx.Done():
			default:
				logrus.WithFields(logrus.Fields{
					"system_name": "transport",
					"session_id":  s.sessionID,
					"stream":      idx,
				}).WithError(err).Debug("stream read failed, marking session dead")
			}
			s.hb.markDead()
			return
		}

		if frame.Kind == KindHeartbeat {
			handleHeartbeat(frame.Payload, s.metrics, s.hb, func(ts int64) {
				s.Send(Frame{Kind: KindHeartbeat, Payload: encodeHeartbeat(heartbeatPong, ts)})
			})
			continue
		}
		s.metrics.RecordReceive(frame.Kind, len(frame.Payload))
		s.queue.push(frame)
	}
}

func (s *QuicSession) heartbeatSender() {
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

func (s *QuicSession) heartbeatMonitor() {
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
					"session_id":  s.sessionID,
				}).Warn("session missed heartbeat budget, marking dead")
				return
			}
		}
	}
}

// Close aborts the heartbeat tasks, flushes the streams, and closes the
// connection.
func (s *QuicSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		for i := 0; i < streamCount; i++ {
			// Close flushes in-flight writes before teardown.
			s.writeMu[i].Lock()
			s.streams[i].Close()
			s.writeMu[i].Unlock()
		}
		err = s.conn.CloseWithError(0, "session closed")
		s.hb.markDead()
		s.wg.Wait()
	})
	return err
}

// GenerateTLSConfig builds an ephemeral self-signed server TLS config with
// the engine ALPN token.
func GenerateTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "theta-engine"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
	}, nil
}

// ClientTLSConfig builds the client counterpart. Certificate verification is
// skipped: session authenticity comes from the Ed25519 handshake keys, not
// the ephemeral transport certificate.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}
}
