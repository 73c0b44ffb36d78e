package signaling

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Options configures signaling bootstrap. All fields are optional.
type Options struct {
	// URL of an external signaling endpoint. Empty starts a local hub.
	URL string
	// Bind address for the local hub when URL is empty.
	Bind string
	// PeerID overrides the generated local peer id.
	PeerID string
	// Room scopes peer discovery.
	Room string
	// Timeout bounds registration.
	Timeout time.Duration
	// Disabled skips bootstrap entirely.
	Disabled bool
}

// OptionsFromEnv reads the SIGNALING_* environment options.
func OptionsFromEnv() Options {
	v := viper.New()
	v.SetDefault("SIGNALING_URL", "")
	v.SetDefault("SIGNALING_BIND", "127.0.0.1:0")
	v.SetDefault("PEER_ID", "")
	v.SetDefault("ROOM_ID", "default")
	v.SetDefault("SIGNALING_TIMEOUT_MS", 5000)
	v.SetDefault("SIGNALING_DISABLED", "")
	for _, key := range []string{"SIGNALING_URL", "SIGNALING_BIND", "PEER_ID", "ROOM_ID", "SIGNALING_TIMEOUT_MS", "SIGNALING_DISABLED"} {
		v.BindEnv(key, key)
	}

	return Options{
		URL:      v.GetString("SIGNALING_URL"),
		Bind:     v.GetString("SIGNALING_BIND"),
		PeerID:   v.GetString("PEER_ID"),
		Room:     v.GetString("ROOM_ID"),
		Timeout:  time.Duration(v.GetInt("SIGNALING_TIMEOUT_MS")) * time.Millisecond,
		Disabled: v.GetString("SIGNALING_DISABLED") == "1",
	}
}

// Bootstrap establishes peer discovery per the options: connect to the
// external endpoint, or start a local hub and connect to it. Returns a nil
// client when signaling is disabled. The returned hub is non-nil only when
// one was started locally; the caller owns stopping it.
func Bootstrap(opts Options) (*Client, *Hub, error) {
	if opts.Disabled {
		logrus.WithField("system_name", "signaling").Info("signaling bootstrap disabled")
		return nil, nil, nil
	}

	peerID := opts.PeerID
	if peerID == "" {
		peerID = uuid.NewString()
	}
	room := opts.Room
	if room == "" {
		room = "default"
	}

	url := opts.URL
	var hub *Hub
	if url == "" {
		hub = NewHub()
		bind := opts.Bind
		if bind == "" {
			bind = "127.0.0.1:0"
		}
		if err := hub.Start(bind); err != nil {
			return nil, nil, fmt.Errorf("local signaling hub: %w", err)
		}
		url = hub.URL()
	}

	client, err := Dial(url, peerID, room, opts.Timeout)
	if err != nil {
		if hub != nil {
			hub.Stop()
		}
		return nil, nil, err
	}
	return client, hub, nil
}
