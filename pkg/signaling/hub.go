package signaling

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Hub is an embeddable signaling endpoint: peers register into rooms, join
// and leave broadcasts fan out, and offer/answer/ICE relay point to point.
// It backs both cmd/signaling-hub and the local-bind bootstrap fallback.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]*hubPeer
	upgrader websocket.Upgrader

	staleTimeout    time.Duration
	cleanupInterval time.Duration

	ctx        context.Context
	cancel     context.CancelFunc
	httpServer *http.Server
	addr       string
}

type hubPeer struct {
	id       string
	room     string
	conn     *websocket.Conn
	writeMu  sync.Mutex
	lastSeen time.Time
}

func (p *hubPeer) send(m *Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(m)
}

// NewHub creates a hub with default stale-peer cleanup.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		rooms:           make(map[string]map[string]*hubPeer),
		upgrader:        websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		staleTimeout:    30 * time.Second,
		cleanupInterval: 10 * time.Second,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Handler returns the hub's HTTP handler, for embedding behind custom
// middleware.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/signal", h.handleSignal)
	return mux
}

// Start begins serving on addr. Pass ":0" for an ephemeral port; Addr
// reports the bound address.
func (h *Hub) Start(addr string) error {
	mux := h.Handler()

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("signaling hub listen: %w", err)
	}
	h.addr = listener.Addr().String()
	h.httpServer = &http.Server{Handler: mux}

	go h.cleanupStalePeers()
	go func() {
		if err := h.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("signaling hub server error")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"system_name": "signaling_hub",
		"addr":        h.addr,
	}).Info("signaling hub started")
	return nil
}

// Addr returns the bound listen address.
func (h *Hub) Addr() string { return h.addr }

// URL returns the websocket URL peers dial.
func (h *Hub) URL() string { return "ws://" + h.addr + "/signal" }

// Stop shuts the hub down.
func (h *Hub) Stop() error {
	h.cancel()
	if h.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return h.httpServer.Shutdown(ctx)
}

func (h *Hub) handleSignal(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("signaling upgrade failed")
		return
	}

	var reg Message
	if err := conn.ReadJSON(&reg); err != nil || reg.Type != msgRegister || reg.From == "" {
		conn.WriteJSON(&Message{Type: msgError, Error: "registration required"})
		conn.Close()
		return
	}
	room := reg.Room
	if room == "" {
		room = "default"
	}

	peer := &hubPeer{id: reg.From, room: room, conn: conn, lastSeen: time.Now()}

	h.mu.Lock()
	peers, ok := h.rooms[room]
	if !ok {
		peers = make(map[string]*hubPeer)
		h.rooms[room] = peers
	}
	if old, exists := peers[peer.id]; exists {
		old.conn.Close()
	}
	peers[peer.id] = peer
	others := make([]*hubPeer, 0, len(peers)-1)
	for id, p := range peers {
		if id != peer.id {
			others = append(others, p)
		}
	}
	h.mu.Unlock()

	peer.send(&Message{Type: msgRegistered, To: peer.id, Room: room})

	// Announce the newcomer to the room, and the room to the newcomer.
	for _, other := range others {
		other.send(&Message{Type: msgPeerJoined, From: peer.id, Room: room})
		peer.send(&Message{Type: msgPeerJoined, From: other.id, Room: room})
	}

	logrus.WithFields(logrus.Fields{
		"system_name": "signaling_hub",
		"peer_id":     peer.id,
		"room":        room,
	}).Info("peer registered")

	h.readPeer(peer)
}

func (h *Hub) readPeer(peer *hubPeer) {
	defer h.removePeer(peer)
	for {
		var m Message
		if err := peer.conn.ReadJSON(&m); err != nil {
			return
		}
		h.mu.Lock()
		peer.lastSeen = time.Now()
		h.mu.Unlock()

		switch m.Type {
		case msgHeartbeat:
			peer.send(&Message{Type: msgHeartbeatAck})
		case msgOffer, msgAnswer, msgIce:
			m.From = peer.id
			m.Room = peer.room
			h.relay(peer, &m)
		default:
			logrus.WithFields(logrus.Fields{
				"system_name": "signaling_hub",
				"type":        m.Type,
			}).Debug("ignoring signaling message")
		}
	}
}

func (h *Hub) relay(from *hubPeer, m *Message) {
	h.mu.RLock()
	target := h.rooms[from.room][m.To]
	h.mu.RUnlock()
	if target == nil {
		from.send(&Message{Type: msgError, Error: fmt.Sprintf("unknown peer %q", m.To)})
		return
	}
	if err := target.send(m); err != nil {
		logrus.WithFields(logrus.Fields{
			"system_name": "signaling_hub",
			"peer_id":     m.To,
		}).WithError(err).Warn("relay failed")
	}
}

func (h *Hub) removePeer(peer *hubPeer) {
	peer.conn.Close()

	h.mu.Lock()
	peers := h.rooms[peer.room]
	if peers[peer.id] != peer {
		// A reconnect already replaced this registration.
		h.mu.Unlock()
		return
	}
	delete(peers, peer.id)
	if len(peers) == 0 {
		delete(h.rooms, peer.room)
	}
	remaining := make([]*hubPeer, 0, len(peers))
	for _, p := range peers {
		remaining = append(remaining, p)
	}
	h.mu.Unlock()

	for _, p := range remaining {
		p.send(&Message{Type: msgPeerLeft, From: peer.id, Room: peer.room})
	}

	logrus.WithFields(logrus.Fields{
		"system_name": "signaling_hub",
		"peer_id":     peer.id,
		"room":        peer.room,
	}).Info("peer left")
}

func (h *Hub) cleanupStalePeers() {
	ticker := time.NewTicker(h.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			var stale []*hubPeer
			for _, peers := range h.rooms {
				for _, p := range peers {
					if time.Since(p.lastSeen) > h.staleTimeout {
						stale = append(stale, p)
					}
				}
			}
			h.mu.Unlock()
			for _, p := range stale {
				logrus.WithFields(logrus.Fields{
					"system_name": "signaling_hub",
					"peer_id":     p.id,
				}).Warn("closing stale peer")
				p.conn.Close()
			}
		}
	}
}
