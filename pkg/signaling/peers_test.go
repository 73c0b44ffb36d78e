package signaling

import (
	"testing"
	"time"
)

// pump polls one signaling event per iteration into the manager, mirroring
// the frame loop's zero-blocking poll.
func pump(c *Client, m *PeerManager, frames int) {
	for i := 0; i < frames; i++ {
		if ev, ok := c.PollEvent(); ok {
			m.HandleSignal(ev)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPeerManager_OfferAnswerNegotiation(t *testing.T) {
	hub := startHub(t)

	// "a" < "b": peer-a initiates on join.
	a, err := Dial(hub.URL(), "peer-a", "room-1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Dial(hub.URL(), "peer-b", "room-1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ma := NewPeerManager(a, 0)
	defer ma.Close()
	mb := NewPeerManager(b, 0)
	defer mb.Close()

	// Drive both frame loops until negotiation settles.
	for i := 0; i < 100; i++ {
		pump(a, ma, 1)
		pump(b, mb, 1)
		if ma.Phase("peer-b") != PhaseIdle && mb.Phase("peer-a") != PhaseIdle {
			if ma.Phase("peer-b") != PhaseNegotiating && mb.Phase("peer-a") == PhaseAwaitingLocal {
				break
			}
		}
	}

	// Initiator sent an offer and awaits (or completed) the remote answer.
	switch ma.Phase("peer-b") {
	case PhaseAwaitingRemote, PhaseConnected:
	default:
		t.Errorf("initiator phase = %s", ma.Phase("peer-b"))
	}
	// Answerer produced an answer.
	switch mb.Phase("peer-a") {
	case PhaseAwaitingLocal, PhaseConnected:
	default:
		t.Errorf("answerer phase = %s", mb.Phase("peer-a"))
	}
}

func TestPeerManager_TieBreakNoMutualOffer(t *testing.T) {
	hub := startHub(t)

	a, err := Dial(hub.URL(), "peer-a", "room-1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Dial(hub.URL(), "peer-b", "room-1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ma := NewPeerManager(a, 0)
	defer ma.Close()
	mb := NewPeerManager(b, 0)
	defer mb.Close()

	ev := pollUntil(t, b, EventPeerJoined, time.Second)
	mb.HandleSignal(ev)

	// peer-b is the lexicographic loser: joining must not create a peer
	// connection on its side.
	if mb.PeerCount() != 0 {
		t.Errorf("loser initiated: %d peers", mb.PeerCount())
	}

	ev = pollUntil(t, a, EventPeerJoined, time.Second)
	ma.HandleSignal(ev)
	if ma.PeerCount() != 1 {
		t.Errorf("winner did not initiate: %d peers", ma.PeerCount())
	}
	if phase := ma.Phase("peer-b"); phase != PhaseAwaitingRemote {
		t.Errorf("initiator phase = %s, want awaiting_remote", phase)
	}
}

func TestPeerManager_ICEQueuedBeforeRemote(t *testing.T) {
	hub := startHub(t)

	a, err := Dial(hub.URL(), "peer-a", "room-1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	m := NewPeerManager(a, 0)
	defer m.Close()

	// A candidate for a peer with no remote description queues.
	ev := Event{Kind: EventIceCandidate, Peer: "peer-z", Candidate: []byte(`{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host"}`)}
	m.HandleSignal(ev)

	entry, ok := m.peers["peer-z"]
	if !ok {
		t.Fatal("candidate did not create a peer entry")
	}
	if len(entry.pendingICE) != 1 {
		t.Errorf("pending ICE = %d, want 1 (queued)", len(entry.pendingICE))
	}
	if entry.remoteSet {
		t.Error("remote description flagged without an offer")
	}
}

func TestPeerManager_PeerLeftClearsEntry(t *testing.T) {
	hub := startHub(t)

	a, err := Dial(hub.URL(), "peer-a", "room-1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	m := NewPeerManager(a, 0)
	defer m.Close()

	m.HandleSignal(Event{Kind: EventPeerJoined, Peer: "peer-b"})
	if m.PeerCount() != 1 {
		t.Fatalf("peer count = %d, want 1", m.PeerCount())
	}

	detached := false
	m.MarkAttached("peer-b", func() { detached = true })

	m.HandleSignal(Event{Kind: EventPeerLeft, Peer: "peer-b"})
	if m.PeerCount() != 0 {
		t.Errorf("peer count = %d after leave, want 0", m.PeerCount())
	}
	if !detached {
		t.Error("active transport not detached on peer leave")
	}
}
