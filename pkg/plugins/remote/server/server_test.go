package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/asticode/go-astiplug/pkg/plugins/remote/monitorer"
	"github.com/asticode/go-astiplug/pkg/plugins/remote/server"
	"github.com/asticode/go-astiws"
	"github.com/stretchr/testify/require"
)

type mockedPusher struct {
	bs     [][]byte
	closed bool
	m      sync.Mutex
}

func newMockedPusher() *mockedPusher {
	return &mockedPusher{}
}

func (p *mockedPusher) Close() error {
	p.m.Lock()
	defer p.m.Unlock()
	p.closed = true
	return nil
}

func (p *mockedPusher) Write(b []byte) (int, error) {
	p.m.Lock()
	defer p.m.Unlock()
	p.bs = append(p.bs, append([]byte{}, b...))
	return len(b), nil
}

func (p *mockedPusher) contains(s string) bool {
	p.m.Lock()
	defer p.m.Unlock()
	for _, b := range p.bs {
		if strings.Contains(string(b), s) {
			return true
		}
	}
	return false
}

type commands struct {
	m  sync.Mutex
	ms []*astimsg.Message
}

func (c *commands) handle(m *astimsg.Message) bool {
	c.m.Lock()
	defer c.m.Unlock()
	c.ms = append(c.ms, m.Clone())
	return true
}

func (c *commands) has(ns astimsg.Namespace, id astimsg.ID) bool {
	c.m.Lock()
	defer c.m.Unlock()
	for _, m := range c.ms {
		if m.Is(ns, id) {
			return true
		}
	}
	return false
}

func TestServer(t *testing.T) {
	w := astikit.NewWorker(astikit.WorkerOptions{})
	defer w.Stop()

	cs := &commands{}
	ctrl := astimsg.NewControllable(
		astimsg.NewSink(astimsg.SinkOptions{Handler: cs.handle, Synchronous: true}),
		astimsg.NewHub(astimsg.HubOptions{Synchronous: true}),
	)
	defer ctrl.Close()
	ctrl.EvtHub().Send(astimsg.NewStateChangedMessage("player", "status", astimsg.StringValue("stopped")))

	const addr = "127.0.0.1:40100"
	s1 := server.New(server.ServerOptions{
		Addr:         addr,
		API:          server.ServerAPIOptions{URL: "/api"},
		Controllable: ctrl,
		DeltaPeriod:  10 * time.Millisecond,
		Logger:       astikit.AdaptTestLogger(t),
		Push:         server.ServerPushOptions{URL: "/push"},
		Stats: []server.StatSource{{
			DeltaStats: []astikit.DeltaStat{{
				Metadata: astikit.DeltaStatMetadata{Name: "sn"},
				Valuer: astikit.DeltaStatValuerFunc(func(d time.Duration) interface{} {
					return 1
				}),
			}},
			Name: "host",
		}},
	})
	defer s1.Close()
	ps := newMockedPusher()
	s2 := server.New(server.ServerOptions{
		Controllable: ctrl,
		DeltaPeriod:  time.Millisecond,
		Push:         server.ServerPushOptions{Pusher: ps},
	})
	s1.Start(w.Context(), w.NewTask)
	s2.Start(w.Context(), w.NewTask)

	// Catch up
	const httpAddr = "http://" + addr
	var d monitorer.Delta
	require.Eventually(t, func() bool {
		resp, err := http.Get(httpAddr + "/api/catch-up")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		d = monitorer.Delta{}
		if err = json.NewDecoder(resp.Body).Decode(&d); err != nil {
			return false
		}
		return len(d.States) > 0 && len(d.StatValues) > 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, astimsg.StringValue("stopped"), d.States["player"]["status"])
	require.Len(t, d.NewStats, 1)
	require.Equal(t, "host", d.NewStats[0].Source)
	require.Equal(t, "sn", d.NewStats[0].Metadata.Name)

	// Api command
	b, err := json.Marshal(astimsg.NewMessage(astimsg.NamespacePlayer, astimsg.IDPlayerPlay))
	require.NoError(t, err)
	resp, err := http.Post(httpAddr+"/api/commands", "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.True(t, cs.has(astimsg.NamespacePlayer, astimsg.IDPlayerPlay))
	resp, err = http.Get(httpAddr + "/api/commands")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	// Websocket
	c := astiws.NewClient(astiws.ClientConfiguration{MaxMessageSize: 1e5}, astikit.AdaptTestLogger(t))
	defer c.Close()
	var mc sync.Mutex
	var cbs []string
	c.SetMessageHandler(func(m []byte) error {
		mc.Lock()
		defer mc.Unlock()
		cbs = append(cbs, string(m))
		return nil
	})
	c.DialAndRead(w, astiws.DialAndReadOptions{Addr: "ws://" + addr + "/push"})
	received := func(s string) bool {
		mc.Lock()
		defer mc.Unlock()
		for _, cb := range cbs {
			if strings.Contains(cb, s) {
				return true
			}
		}
		return false
	}
	require.Eventually(t, func() bool { return received(`"name":"delta"`) }, 2*time.Second, 10*time.Millisecond)

	// Websocket command
	b, err = json.Marshal(map[string]interface{}{
		"name":    "command",
		"payload": astimsg.NewMessage(astimsg.NamespacePlayer, astimsg.IDPlayerStop),
	})
	require.NoError(t, err)
	require.NoError(t, c.WriteText(b))
	require.Eventually(t, func() bool { return cs.has(astimsg.NamespacePlayer, astimsg.IDPlayerStop) }, time.Second, 10*time.Millisecond)

	// Events
	ctrl.EvtHub().Send(astimsg.NewStateChangedMessage("player", "volume", astimsg.FloatValue(0.5)))
	require.Eventually(t, func() bool { return received(`"name":"event"`) && received(`"volume"`) }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return ps.contains(`"name":"event"`) && ps.contains(`"name":"delta"`) && ps.contains(`"volume"`)
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s2.Close())
	require.True(t, ps.closed)
}
