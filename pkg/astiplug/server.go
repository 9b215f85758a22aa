package astiplug

import (
	"context"
	"fmt"
	"net/http"

	"github.com/asticode/go-astikit"
	"github.com/gorilla/websocket"
)

// Serves plugs over websocket. Clients announce what they want to do with the Plug-Method header: a client
// writing media sends PUT, a client reading or probing media sends GET or HEAD.
type Server struct {
	l  astikit.CompleteLogger
	o  ServerOptions
	up websocket.Upgrader
}

type ServerOptions struct {
	Logger astikit.StdLogger
	// Transport is closed once the callback returns
	OnTransport func(ctx context.Context, m Method, t *Transport)
}

func NewServer(o ServerOptions) *Server {
	return &Server{
		l: astikit.AdaptStdLogger(o.Logger),
		o: o,
		up: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	// Get method
	m := methodFromHeader(r.Header)

	// Upgrade
	c, err := s.up.Upgrade(rw, r, nil)
	if err != nil {
		s.l.Error(fmt.Errorf("astiplug: upgrading failed: %w", err))
		return
	}

	// Create transport
	t := newWebsocketTransport(c)
	defer t.Close()

	// Callback
	if s.o.OnTransport != nil {
		s.o.OnTransport(r.Context(), m, t)
	}
}
