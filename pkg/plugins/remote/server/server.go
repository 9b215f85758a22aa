package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/asticode/go-astiplug/pkg/plugins/remote/monitorer"
)

const eventPeriod = 10 * time.Millisecond

// Exposes a controllable over http: events and stat deltas are pushed to websocket clients, commands are
// received from websocket clients or the api
type Server struct {
	c   *astikit.Closer
	evt *astimsg.Sink
	l   astikit.CompleteLogger
	m   *monitorer.Monitorer
	o   ServerOptions
	p   Pusher
	s   *http.Server
}

type ServerOptions struct {
	Addr         string
	API          ServerAPIOptions
	Controllable *astimsg.Controllable
	DeltaPeriod  time.Duration
	Logger       astikit.StdLogger
	Push         ServerPushOptions
	Stats        []StatSource
}

type ServerAPIOptions struct {
	URL string
}

type ServerPushOptions struct {
	Pusher Pusher
	URL    string
}

type StatSource struct {
	DeltaStats []astikit.DeltaStat
	Name       string
}

func New(o ServerOptions) *Server {
	// Create server
	s := &Server{
		c: astikit.NewCloser(),
		l: astikit.AdaptStdLogger(o.Logger),
		o: o,
	}

	// Create monitorer
	s.m = monitorer.New(monitorer.MonitorerOptions{
		OnDelta: s.onDelta,
		Period:  o.DeltaPeriod,
	})
	s.c.Add(s.m.Close)
	for _, src := range o.Stats {
		s.m.AddStats(src.Name, src.DeltaStats)
	}

	// Get pusher
	s.p = o.Push.Pusher
	if s.p == nil {
		s.p = s.newWebsocketPusher()
	}

	// Make sure pusher is properly closed
	if v, ok := s.p.(io.Closer); ok {
		s.c.AddWithError(v.Close)
	}

	// Listen to events
	if o.Controllable != nil {
		// Create sink
		s.evt = astimsg.NewSink(astimsg.SinkOptions{
			Handler: s.onEvent,
			Logger:  o.Logger,
		})

		// Connect, current state is replayed
		o.Controllable.EvtHub().Connect(s.evt)
		s.c.Add(func() {
			o.Controllable.EvtHub().Disconnect(s.evt)
			s.evt.Close()
		})
	}

	// Addr was provided
	// We need the pusher at that point
	if o.Addr != "" {
		// Create http server
		s.s = &http.Server{
			Addr:    o.Addr,
			Handler: s.handler(),
		}

		// Make sure http server is closed properly
		s.c.AddWithError(s.s.Close)
	}
	return s
}

func (s *Server) Close() error {
	return s.c.Close()
}

func (s *Server) Start(ctx context.Context, tc astikit.TaskCreator) {
	// Start http server
	if s.s != nil {
		// Do
		tc().Do(func() {
			// Log
			s.l.InfoCf(ctx, "server: serving on %s", s.o.Addr)

			// Serve
			var done = make(chan error)
			go func() {
				if err := s.s.ListenAndServe(); err != nil {
					done <- err
				}
			}()

			// Wait
			select {
			case <-ctx.Done():
			case err := <-done:
				if err != nil {
					s.l.WarnC(ctx, fmt.Errorf("server: serving on %s failed: %w", s.o.Addr, err))
				}
			}

			// Shutdown
			s.l.InfoCf(ctx, "server: shutting down server on %s", s.o.Addr)
			if err := s.s.Shutdown(context.Background()); err != nil {
				s.l.WarnC(ctx, fmt.Errorf("server: shutting down server on %s failed: %w", s.o.Addr, err))
			}
		})
	}

	// Start monitorer
	tc().Do(func() { s.m.Start(ctx) })

	// Process events
	if s.evt != nil {
		tc().Do(func() {
			for {
				// Dispatch
				if !s.evt.Iteration() {
					return
				}

				// Sleep
				if err := astikit.Sleep(ctx, eventPeriod); err != nil {
					return
				}
			}
		})
	}
}

func (s *Server) handler() http.Handler {
	// Create mux
	m := http.NewServeMux()

	// Add api routes
	if strings.HasPrefix(s.o.API.URL, "/") {
		m.Handle(s.o.API.URL+"/catch-up", s.ServeAPICatchUp())
		m.Handle(s.o.API.URL+"/commands", s.ServeAPICommands())
	}

	// Add push route
	if strings.HasPrefix(s.o.Push.URL, "/") {
		m.Handle(s.o.Push.URL, s.ServePush())
	}
	return m
}

func (s *Server) ServeAPICatchUp() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Write
		if err := json.NewEncoder(w).Encode(s.m.CatchUp()); err != nil {
			s.l.WarnC(r.Context(), fmt.Errorf("server: writing api catch up body failed: %w", err))
			return
		}
	})
}

func (s *Server) ServeAPICommands() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Invalid method
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		// Unmarshal
		var m astimsg.Message
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			s.l.WarnC(r.Context(), fmt.Errorf("server: unmarshaling command failed: %w", err))
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		// Forward
		if !s.command(&m) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) ServePush() http.Handler {
	if h, ok := s.p.(http.Handler); ok {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
}

func (s *Server) command(m *astimsg.Message) bool {
	if s.o.Controllable == nil {
		return false
	}
	s.o.Controllable.CmdSink().PutCopy(m)
	return true
}

func (s *Server) onEvent(m *astimsg.Message) bool {
	// Update monitorer
	s.m.HandleMessage(m)

	// Push
	s.push(pushEvent{
		Name:    pushEventNameEvent,
		Payload: m,
	})
	return true
}

func (s *Server) onDelta(d monitorer.Delta) {
	s.push(pushEvent{
		Name:    pushEventNameDelta,
		Payload: d,
	})
}

func (s *Server) push(e pushEvent) {
	// Marshal
	b, err := json.Marshal(e)
	if err != nil {
		s.l.Warn(fmt.Errorf("server: marshaling push event failed: %w", err))
		return
	}

	// Push
	if _, err := s.p.Write(b); err != nil {
		s.l.Warn(fmt.Errorf("server: pushing failed: %w", err))
		return
	}
}
