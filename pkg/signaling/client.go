package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// DefaultRegisterTimeout bounds the registration round-trip.
const DefaultRegisterTimeout = 5 * time.Second

// Client is the engine's connection to a signaling endpoint. The frame loop
// owns it and makes most sends; ICE candidates are sent from the WebRTC
// candidate callback, and writeMu serializes the two. A single reader
// goroutine feeds the event queue.
type Client struct {
	peerID string
	room   string

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	events []Event

	polled uint64

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the signaling endpoint, registers under peerID in the
// given room, and waits for the registration acknowledgement.
func Dial(url, peerID, room string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultRegisterTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("signaling dial %s: %w", url, err)
	}

	c := &Client{
		peerID: peerID,
		room:   room,
		conn:   conn,
		done:   make(chan struct{}),
	}

	if err := c.send(&Message{Type: msgRegister, From: peerID, Room: room}); err != nil {
		conn.Close()
		return nil, err
	}

	// Registration is synchronous: wait for the ack before handing the
	// connection to the reader goroutine.
	conn.SetReadDeadline(time.Now().Add(timeout))
	var ack Message
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("signaling registration: %w", err)
	}
	if ack.Type == msgError {
		conn.Close()
		return nil, fmt.Errorf("signaling registration rejected: %s", ack.Error)
	}
	if ack.Type != msgRegistered {
		conn.Close()
		return nil, fmt.Errorf("signaling registration: unexpected %q", ack.Type)
	}
	conn.SetReadDeadline(time.Time{})

	go c.readLoop()

	logrus.WithFields(logrus.Fields{
		"system_name": "signaling",
		"peer_id":     peerID,
		"room":        room,
	}).Info("registered with signaling endpoint")
	return c, nil
}

// PeerID returns the registered local peer id.
func (c *Client) PeerID() string { return c.peerID }

// Room returns the signaling room scope.
func (c *Client) Room() string { return c.room }

// EventsPolled returns the monotonic poll counter for telemetry.
func (c *Client) EventsPolled() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polled
}

// PollEvent returns the next queued signaling event without blocking. The
// frame loop calls this at most once per frame.
func (c *Client) PollEvent() (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return Event{}, false
	}
	ev := c.events[0]
	c.events = append([]Event(nil), c.events[1:]...)
	c.polled++
	return ev, true
}

// SendOffer relays an SDP offer to a peer.
func (c *Client) SendOffer(to, sdp string) error {
	return c.send(&Message{Type: msgOffer, From: c.peerID, To: to, Room: c.room, SDP: sdp})
}

// SendAnswer relays an SDP answer to a peer.
func (c *Client) SendAnswer(to, sdp string) error {
	return c.send(&Message{Type: msgAnswer, From: c.peerID, To: to, Room: c.room, SDP: sdp})
}

// SendCandidate relays an ICE candidate to a peer.
func (c *Client) SendCandidate(to string, candidate json.RawMessage) error {
	return c.send(&Message{Type: msgIce, From: c.peerID, To: to, Room: c.room, Candidate: candidate})
}

// Heartbeat pings the endpoint; the ack surfaces as an event.
func (c *Client) Heartbeat() error {
	return c.send(&Message{Type: msgHeartbeat, From: c.peerID, Room: c.room})
}

func (c *Client) send(m *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(m)
}

func (c *Client) readLoop() {
	for {
		var m Message
		if err := c.conn.ReadJSON(&m); err != nil {
			select {
			case <-c.done:
			default:
				logrus.WithFields(logrus.Fields{
					"system_name": "signaling",
					"peer_id":     c.peerID,
				}).WithError(err).Debug("signaling read loop ended")
			}
			return
		}
		ev, ok := eventFromMessage(&m)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"system_name": "signaling",
				"type":        m.Type,
			}).Debug("ignoring unknown signaling message")
			continue
		}
		c.mu.Lock()
		c.events = append(c.events, ev)
		c.mu.Unlock()
	}
}

// Close tears the connection down.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
