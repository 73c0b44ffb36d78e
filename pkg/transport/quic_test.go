package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
)

const testSchemaHash = uint64(0xA11CE)

func testSessionConfig(schema uint64) SessionConfig {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	return SessionConfig{
		SchemaHash:        schema,
		PublicKey:         key,
		Capabilities:      []uint32{1, 2},
		HandshakeTimeout:  3 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		AssignRole:        func(hello *SessionHello) uint8 { return 2 },
	}
}

// startListener runs a QUIC listener that performs the server handshake on
// each connection and reports the result.
func startListener(t *testing.T, cfg SessionConfig) (addr string, sessions chan *QuicSession, errs chan error) {
	t.Helper()
	tlsConf, err := GenerateTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	listener, err := quic.ListenAddr("127.0.0.1:0", tlsConf, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { listener.Close() })

	sessions = make(chan *QuicSession, 1)
	errs = make(chan error, 1)
	go func() {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			errs <- err
			return
		}
		session, err := AcceptSession(context.Background(), conn, cfg)
		if err != nil {
			errs <- err
			return
		}
		sessions <- session
	}()
	return listener.Addr().String(), sessions, errs
}

func TestQuicSession_HandshakeAndFrames(t *testing.T) {
	cfg := testSessionConfig(testSchemaHash)
	addr, sessions, errs := startListener(t, cfg)

	clientCfg := testSessionConfig(testSchemaHash)
	clientCfg.Capabilities = []uint32{2, 9}
	client, err := DialSession(context.Background(), addr, ClientTLSConfig(), clientCfg)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	var server *QuicSession
	select {
	case server = <-sessions:
	case err := <-errs:
		t.Fatal(err)
	case <-time.After(5 * time.Second):
		t.Fatal("server handshake timed out")
	}
	defer server.Close()

	if client.SessionID() == "" || client.SessionID() != server.SessionID() {
		t.Errorf("session ids: client %q server %q", client.SessionID(), server.SessionID())
	}
	if client.AssignedRole() != 2 {
		t.Errorf("assigned role = %d, want 2", client.AssignedRole())
	}
	if caps := client.Capabilities(); len(caps) != 1 || caps[0] != 2 {
		t.Errorf("negotiated capabilities = %v, want [2]", caps)
	}

	// P12: frames arrive in enqueue order per stream.
	for i := 0; i < 20; i++ {
		if err := client.Send(Frame{Kind: KindCommand, Payload: []byte{byte(i)}}); err != nil {
			t.Fatal(err)
		}
	}

	var got []Frame
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < 20 && time.Now().Before(deadline) {
		got = append(got, server.PollFrames(0)...)
		time.Sleep(10 * time.Millisecond)
	}
	if len(got) != 20 {
		t.Fatalf("received %d frames, want 20", len(got))
	}
	for i, f := range got {
		if f.Kind != KindCommand || f.Payload[0] != byte(i) {
			t.Fatalf("frame %d = %v %v: order violated", i, f.Kind, f.Payload)
		}
	}

	// Heartbeats flow in the background; neither side is marked dead.
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if client.Metrics().Diagnostics().PacketsSent > 0 && !client.Dead() && !server.Dead() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if client.Dead() || server.Dead() {
		t.Error("session marked dead while heartbeats flow")
	}
}

func TestQuicSession_SchemaMismatchRejected(t *testing.T) {
	cfg := testSessionConfig(0xBEEF)
	addr, _, errs := startListener(t, cfg)

	clientCfg := testSessionConfig(0xDEAD)
	_, err := DialSession(context.Background(), addr, ClientTLSConfig(), clientCfg)
	if err == nil {
		t.Fatal("handshake succeeded across schema mismatch")
	}

	select {
	case serverErr := <-errs:
		if !errors.Is(serverErr, ErrSchemaMismatch) {
			t.Errorf("server error = %v, want ErrSchemaMismatch", serverErr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never reported the rejection")
	}
}

func TestQuicSession_VersionMismatchRejected(t *testing.T) {
	cfg := testSessionConfig(testSchemaHash)
	addr, _, errs := startListener(t, cfg)

	// Dial with a raw connection and send a bad hello by hand.
	conn, err := quic.DialAddr(context.Background(), addr, ClientTLSConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseWithError(0, "test done")

	var streams [streamCount]quic.Stream
	for i := 0; i < streamCount; i++ {
		stream, err := conn.OpenStreamSync(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := stream.Write([]byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
		streams[i] = stream
	}

	hello := &SessionHello{
		ProtocolVersion: 99,
		SchemaHash:      testSchemaHash,
		ClientNonce:     make([]byte, NonceSize),
		PublicKey:       make([]byte, 32),
	}
	if err := writeHandshakeMessage(streams[streamControl], hello); err != nil {
		t.Fatal(err)
	}

	select {
	case serverErr := <-errs:
		if !errors.Is(serverErr, ErrVersionMismatch) {
			t.Errorf("server error = %v, want ErrVersionMismatch", serverErr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never reported the rejection")
	}
}
