package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/jvastola/theta/pkg/transport"
)

// PeerPhase is the negotiation state of one peer entry.
type PeerPhase int

const (
	PhaseIdle PeerPhase = iota
	PhaseNegotiating
	PhaseAwaitingRemote
	PhaseAwaitingLocal
	PhaseConnected
	PhaseClosing
	PhaseFailed
)

// String returns the phase name.
func (p PeerPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseAwaitingRemote:
		return "awaiting_remote"
	case PhaseAwaitingLocal:
		return "awaiting_local"
	case PhaseConnected:
		return "connected"
	case PhaseClosing:
		return "closing"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// RuntimeEventKind discriminates asynchronous WebRTC runtime events.
type RuntimeEventKind int

const (
	RuntimeChannelOpen RuntimeEventKind = iota
	RuntimeChannelClosed
	RuntimeStateChange
)

// RuntimeEvent crosses from pion callbacks to the frame loop through the
// manager's unbounded queue.
type RuntimeEvent struct {
	Kind    RuntimeEventKind
	PeerID  string
	Session *transport.WebRTCSession
	State   webrtc.PeerConnectionState
}

// dataChannelLabel names the single ordered/reliable channel per peer.
const dataChannelLabel = "theta-commands"

// peerEntry tracks one remote peer's connection and negotiation state.
type peerEntry struct {
	id         string
	phase      PeerPhase
	pc         *webrtc.PeerConnection
	remoteSet  bool
	pendingICE []webrtc.ICECandidateInit
	// transportActive is the weak notion of an attached transport: a flag
	// plus a detach closure, never a session handle.
	transportActive bool
	detach          func()
}

// PeerManager owns the WebRTC peer table. All methods are confined to the
// frame loop. pion callbacks reach the frame loop through the runtime event
// queue, except the ICE candidate callback, which sends each local candidate
// to the signaling client directly from pion's goroutine.
type PeerManager struct {
	localID string
	client  *Client
	config  webrtc.Configuration

	heartbeatInterval time.Duration

	peers map[string]*peerEntry

	eventMu sync.Mutex
	events  []RuntimeEvent
}

// NewPeerManager creates a manager negotiating through the given client.
func NewPeerManager(client *Client, heartbeatInterval time.Duration) *PeerManager {
	return &PeerManager{
		localID: client.PeerID(),
		client:  client,
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		},
		heartbeatInterval: heartbeatInterval,
		peers:             make(map[string]*peerEntry),
	}
}

// Phase reports a peer's negotiation phase.
func (m *PeerManager) Phase(peerID string) PeerPhase {
	if e, ok := m.peers[peerID]; ok {
		return e.phase
	}
	return PhaseIdle
}

// PeerCount returns the number of tracked peers.
func (m *PeerManager) PeerCount() int { return len(m.peers) }

func (m *PeerManager) pushEvent(ev RuntimeEvent) {
	m.eventMu.Lock()
	m.events = append(m.events, ev)
	m.eventMu.Unlock()
}

// DrainRuntimeEvents empties the runtime event queue for frame processing.
func (m *PeerManager) DrainRuntimeEvents() []RuntimeEvent {
	m.eventMu.Lock()
	out := m.events
	m.events = nil
	m.eventMu.Unlock()
	return out
}

// HandleSignal dispatches one polled signaling event.
func (m *PeerManager) HandleSignal(ev Event) {
	var err error
	switch ev.Kind {
	case EventPeerJoined:
		err = m.onPeerJoined(ev.Peer)
	case EventOffer:
		err = m.onOffer(ev.Peer, ev.SDP)
	case EventAnswer:
		err = m.onAnswer(ev.Peer, ev.SDP)
	case EventIceCandidate:
		err = m.onCandidate(ev.Peer, ev.Candidate)
	case EventPeerLeft:
		m.onPeerLeft(ev.Peer)
	case EventError:
		logrus.WithFields(logrus.Fields{
			"system_name": "signaling",
			"error":       ev.Err,
		}).Warn("signaling endpoint reported error")
	case EventRegistered, EventHeartbeatAck:
		// Informational only.
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"system_name": "signaling",
			"peer_id":     ev.Peer,
			"event":       ev.Kind.String(),
		}).WithError(err).Warn("signaling event handling failed")
	}
}

// onPeerJoined initiates an offer when the local id wins the lexicographic
// tie-break; otherwise the remote side offers first.
func (m *PeerManager) onPeerJoined(peerID string) error {
	if m.localID >= peerID {
		return nil
	}
	entry, err := m.ensurePeer(peerID)
	if err != nil {
		return err
	}
	if entry.phase != PhaseIdle {
		return nil
	}

	channel, err := entry.pc.CreateDataChannel(dataChannelLabel, orderedReliableInit())
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	m.installChannel(entry.id, channel)

	offer, err := entry.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := entry.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	entry.phase = PhaseAwaitingRemote
	return m.client.SendOffer(peerID, offer.SDP)
}

// onOffer answers a remote offer.
func (m *PeerManager) onOffer(peerID, sdp string) error {
	entry, err := m.ensurePeer(peerID)
	if err != nil {
		return err
	}
	entry.phase = PhaseNegotiating

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := entry.pc.SetRemoteDescription(desc); err != nil {
		entry.phase = PhaseFailed
		return fmt.Errorf("set remote offer: %w", err)
	}
	entry.remoteSet = true

	answer, err := entry.pc.CreateAnswer(nil)
	if err != nil {
		entry.phase = PhaseFailed
		return fmt.Errorf("create answer: %w", err)
	}
	if err := entry.pc.SetLocalDescription(answer); err != nil {
		entry.phase = PhaseFailed
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := m.client.SendAnswer(peerID, answer.SDP); err != nil {
		return err
	}
	entry.phase = PhaseAwaitingLocal
	m.flushCandidates(entry)
	return nil
}

// onAnswer completes negotiation on the initiating side.
func (m *PeerManager) onAnswer(peerID, sdp string) error {
	entry, ok := m.peers[peerID]
	if !ok {
		return fmt.Errorf("answer from unknown peer %q", peerID)
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := entry.pc.SetRemoteDescription(desc); err != nil {
		entry.phase = PhaseFailed
		return fmt.Errorf("set remote answer: %w", err)
	}
	entry.remoteSet = true
	m.flushCandidates(entry)
	return nil
}

// onCandidate applies or queues a remote ICE candidate. Candidates arriving
// before the remote description queue; transient apply failures retain the
// candidate for the next flush.
func (m *PeerManager) onCandidate(peerID string, raw json.RawMessage) error {
	entry, err := m.ensurePeer(peerID)
	if err != nil {
		return err
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if !entry.remoteSet {
		entry.pendingICE = append(entry.pendingICE, candidate)
		return nil
	}
	if err := entry.pc.AddICECandidate(candidate); err != nil {
		entry.pendingICE = append(entry.pendingICE, candidate)
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// onPeerLeft closes the connection and discards queued ICE.
func (m *PeerManager) onPeerLeft(peerID string) {
	entry, ok := m.peers[peerID]
	if !ok {
		return
	}
	entry.phase = PhaseClosing
	if entry.transportActive && entry.detach != nil {
		entry.detach()
	}
	if entry.pc != nil {
		entry.pc.Close()
	}
	delete(m.peers, peerID)
	logrus.WithFields(logrus.Fields{
		"system_name": "signaling",
		"peer_id":     peerID,
	}).Info("peer left, connection closed")
}

// MarkAttached records transport attachment for a peer, with the closure the
// manager invokes on detach.
func (m *PeerManager) MarkAttached(peerID string, detach func()) {
	if entry, ok := m.peers[peerID]; ok {
		entry.transportActive = true
		entry.detach = detach
		entry.phase = PhaseConnected
	}
}

// MarkDetached clears the attachment flag after the engine detaches.
func (m *PeerManager) MarkDetached(peerID string) {
	if entry, ok := m.peers[peerID]; ok {
		entry.transportActive = false
		entry.detach = nil
	}
}

// Close tears down every peer connection.
func (m *PeerManager) Close() {
	for id, entry := range m.peers {
		if entry.pc != nil {
			entry.pc.Close()
		}
		delete(m.peers, id)
	}
}

func (m *PeerManager) ensurePeer(peerID string) (*peerEntry, error) {
	if entry, ok := m.peers[peerID]; ok {
		return entry, nil
	}
	pc, err := webrtc.NewPeerConnection(m.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	entry := &peerEntry{id: peerID, phase: PhaseIdle, pc: pc}
	m.peers[peerID] = entry

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		if err := m.client.SendCandidate(peerID, data); err != nil {
			logrus.WithFields(logrus.Fields{
				"system_name": "signaling",
				"peer_id":     peerID,
			}).WithError(err).Debug("candidate relay failed")
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.pushEvent(RuntimeEvent{Kind: RuntimeStateChange, PeerID: peerID, State: state})
	})
	// Answerer side: the initiator creates the channel.
	pc.OnDataChannel(func(channel *webrtc.DataChannel) {
		if channel.Label() != dataChannelLabel {
			return
		}
		m.installChannel(peerID, channel)
	})
	return entry, nil
}

// installChannel wires open/close callbacks; an open channel becomes a
// transport session delivered through the runtime queue.
func (m *PeerManager) installChannel(peerID string, channel *webrtc.DataChannel) {
	channel.OnOpen(func() {
		session := transport.NewWebRTCSession(peerID, channel, m.heartbeatInterval)
		m.pushEvent(RuntimeEvent{Kind: RuntimeChannelOpen, PeerID: peerID, Session: session})
	})
	channel.OnClose(func() {
		m.pushEvent(RuntimeEvent{Kind: RuntimeChannelClosed, PeerID: peerID})
	})
}

func (m *PeerManager) flushCandidates(entry *peerEntry) {
	if !entry.remoteSet || len(entry.pendingICE) == 0 {
		return
	}
	var retained []webrtc.ICECandidateInit
	for _, c := range entry.pendingICE {
		if err := entry.pc.AddICECandidate(c); err != nil {
			retained = append(retained, c)
			logrus.WithFields(logrus.Fields{
				"system_name": "signaling",
				"peer_id":     entry.id,
			}).WithError(err).Debug("candidate apply failed, retaining")
		}
	}
	entry.pendingICE = retained
}

func orderedReliableInit() *webrtc.DataChannelInit {
	ordered := true
	return &webrtc.DataChannelInit{Ordered: &ordered}
}
