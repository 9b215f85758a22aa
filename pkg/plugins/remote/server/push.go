package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/asticode/go-astiws"
)

type Pusher interface {
	io.Writer
}

type pushEventName string

const (
	pushEventNameCommand pushEventName = "command"
	pushEventNameDelta   pushEventName = "delta"
	pushEventNameEvent   pushEventName = "event"
	pushEventNamePing    pushEventName = "ping"
)

type pushEvent struct {
	Name    pushEventName `json:"name"`
	Payload interface{}   `json:"payload,omitempty"`
}

type incomingPushEvent struct {
	Name    pushEventName   `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type websocketPusher struct {
	s   *astiws.Server
	srv *Server
}

func (s *Server) newWebsocketPusher() *websocketPusher {
	w := &websocketPusher{srv: s}
	w.s = astiws.NewServer(astiws.ServerOptions{
		ClientAdapter:  w.clientAdapter,
		Logger:         s.o.Logger,
		MaxMessageSize: 1e6,
	})
	return w
}

func (p *websocketPusher) Close() error {
	return p.s.Close()
}

func (p *websocketPusher) clientAdapter(c *astiws.Client) error {
	// Set message handler
	c.SetMessageHandler(func(m []byte) error {
		// Unmarshal
		var e incomingPushEvent
		if err := json.Unmarshal(m, &e); err != nil {
			return fmt.Errorf("server: unmarshaling message failed: %w", err)
		}

		// Switch
		switch e.Name {
		case pushEventNameCommand:
			// Unmarshal
			var msg astimsg.Message
			if err := json.Unmarshal(e.Payload, &msg); err != nil {
				return fmt.Errorf("server: unmarshaling command failed: %w", err)
			}

			// Forward
			p.srv.command(&msg)
		case pushEventNamePing:
			// Extend connection
			if err := c.ExtendConnection(); err != nil {
				return fmt.Errorf("server: extending notifier connection failed: %w", err)
			}
		}
		return nil
	})
	return nil
}

func (p *websocketPusher) Write(b []byte) (int, error) {
	// Loop through clients
	for _, c := range p.s.Clients() {
		// Write
		if err := c.WriteText(b); err != nil {
			return 0, fmt.Errorf("server: writing to websocket client failed: %w", err)
		}
	}
	return len(b), nil
}

func (p *websocketPusher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.s.ServeHTTP(w, r)
}
