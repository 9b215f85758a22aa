package astimsg_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	ms []*astimsg.Message
	s  *astimsg.Sink
}

func newRecorder(synchronous bool) *recorder {
	r := &recorder{}
	r.s = astimsg.NewSink(astimsg.SinkOptions{
		Handler: func(m *astimsg.Message) bool {
			r.ms = append(r.ms, m.Clone())
			return true
		},
		Synchronous: synchronous,
	})
	return r
}

func TestHub(t *testing.T) {
	// Broadcast
	h := astimsg.NewHub(astimsg.HubOptions{Synchronous: true})
	r1 := newRecorder(true)
	r2 := newRecorder(false)
	h.Connect(r1.s)
	h.Connect(r2.s)
	require.Equal(t, 2, h.NumSinks())
	h.Send(astimsg.NewMessage(astimsg.NamespacePlayer, astimsg.IDPlayerPlay))
	require.Len(t, r1.ms, 1)
	require.Empty(t, r2.ms)
	require.True(t, r2.s.Iteration())
	require.Len(t, r2.ms, 1)
	require.True(t, r2.ms[0].Is(astimsg.NamespacePlayer, astimsg.IDPlayerPlay))
	h.Disconnect(r1.s)
	h.Send(astimsg.NewMessage(astimsg.NamespacePlayer, astimsg.IDPlayerStop))
	require.Len(t, r1.ms, 1)
	require.True(t, r2.s.Iteration())
	require.Len(t, r2.ms, 2)

	// Unknown sink disconnection
	l := astikit.NewMockedLogger()
	h = astimsg.NewHub(astimsg.HubOptions{Logger: l, Synchronous: true})
	h.Disconnect(newRecorder(true).s)
	require.Equal(t, []astikit.MockedLoggerItem{{LoggerLevel: astikit.LoggerLevelWarn, Message: "astimsg: no such sink"}}, l.Items)

	// Client id routing
	h = astimsg.NewHub(astimsg.HubOptions{Synchronous: true})
	r1 = newRecorder(true)
	r1.s.SetID("1")
	r2 = newRecorder(true)
	r2.s.SetID("2")
	h.Connect(r1.s)
	h.Connect(r2.s)
	h.Send(astimsg.NewMessage(astimsg.NamespacePlayer, astimsg.IDPlayerPlay).SetClientID("2"))
	require.Empty(t, r1.ms)
	require.Len(t, r2.ms, 1)

	// Send func
	r1 = newRecorder(true)
	r2 = newRecorder(true)
	h = astimsg.NewHub(astimsg.HubOptions{Synchronous: true})
	h.Connect(r1.s)
	h.Connect(r2.s)
	var count int
	h.SendFunc(func(m *astimsg.Message) {
		count++
		m.Set(astimsg.NamespacePlayer, astimsg.IDPlayerAudioPeak).SetArg(0, astimsg.IntValue(int64(count)))
	})
	require.Equal(t, 2, count)
	require.Equal(t, int64(1), r1.ms[0].ArgInt(0))
	require.Equal(t, int64(2), r2.ms[0].ArgInt(0))

	// State is replayed to new sinks
	var connected *astimsg.Sink
	h = astimsg.NewHub(astimsg.HubOptions{
		OnConnect:   func(s *astimsg.Sink) { connected = s },
		Synchronous: true,
	})
	h.Send(astimsg.NewStateChangedMessage("player", "volume", astimsg.FloatValue(0.5)))
	h.Send(astimsg.NewStateChangedMessage("player", "mute", astimsg.IntValue(1)))
	h.Send(astimsg.NewStateChangedMessage("player", "volume", astimsg.FloatValue(0.75)))
	require.Equal(t, map[string]astimsg.Dictionary{"player": {
		"mute":   astimsg.IntValue(1),
		"volume": astimsg.FloatValue(0.75),
	}}, h.State())
	r := newRecorder(true)
	h.Connect(r.s)
	require.Same(t, r.s, connected)
	require.Len(t, r.ms, 2)
	st, err := r.ms[0].State()
	require.NoError(t, err)
	require.Equal(t, astimsg.State{Context: "player", Value: astimsg.IntValue(1), Variable: "mute"}, st)
	st, err = r.ms[1].State()
	require.NoError(t, err)
	require.Equal(t, astimsg.State{Context: "player", Last: true, Value: astimsg.FloatValue(0.75), Variable: "volume"}, st)
}

func newEchoControllable(responses int) *astimsg.Controllable {
	evt := astimsg.NewHub(astimsg.HubOptions{Synchronous: true})
	cmd := astimsg.NewSink(astimsg.SinkOptions{
		Handler: func(m *astimsg.Message) bool {
			for i := 1; i <= responses; i++ {
				r := astimsg.NewResponse(m, astimsg.NamespacePlayer, astimsg.IDPlayerAudioPeak)
				r.SetArg(0, astimsg.IntValue(int64(i)))
				r.SetLast(i == responses)
				evt.Send(r)
			}
			return true
		},
		Synchronous: true,
	})
	return astimsg.NewControllable(cmd, evt)
}

func TestControllable(t *testing.T) {
	// Bridge
	src := astimsg.NewControllable(astimsg.NewSink(astimsg.SinkOptions{Synchronous: true}), astimsg.NewHub(astimsg.HubOptions{Synchronous: true}))
	r := newRecorder(true)
	dst := astimsg.NewControllable(r.s, astimsg.NewHub(astimsg.HubOptions{Synchronous: true}))
	unbridge := src.Bridge(dst)
	src.EvtHub().Send(astimsg.NewMessage(astimsg.NamespacePlayer, astimsg.IDPlayerStop))
	require.Len(t, r.ms, 1)
	unbridge()
	src.EvtHub().Send(astimsg.NewMessage(astimsg.NamespacePlayer, astimsg.IDPlayerStop))
	require.Len(t, r.ms, 1)

	// Call function
	c := newEchoControllable(3)
	c.EvtHub().Send(astimsg.NewMessage(astimsg.NamespacePlayer, astimsg.IDPlayerStop))
	var is []int64
	var pings int
	require.NoError(t, c.CallFunction(context.Background(), astimsg.NewMessage(astimsg.NamespacePlayer, astimsg.IDPlayerPlay), func(m *astimsg.Message) bool {
		require.NotEmpty(t, m.FunctionTag())
		is = append(is, m.ArgInt(0))
		return true
	}, astimsg.CallFunctionOptions{Ping: func() { pings++ }}))
	require.Equal(t, []int64{1, 2, 3}, is)
	require.Equal(t, 1, pings)
	require.Equal(t, 0, c.EvtHub().NumSinks())

	// Call function timeout
	c = newEchoControllable(0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.CallFunction(ctx, astimsg.NewMessage(astimsg.NamespacePlayer, astimsg.IDPlayerPlay), nil, astimsg.CallFunctionOptions{})
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCodec(t *testing.T) {
	m := astimsg.NewMessage(astimsg.NamespacePlayer, astimsg.IDPlayerPlay)
	m.SetArg(astimsg.MaxArgs, astimsg.IntValue(1))
	_, err := astimsg.Marshal(m)
	require.ErrorIs(t, err, astimsg.ErrTooManyArgs)

	m = astimsg.NewSetChainParameterMessage("audio", "plugins", 1, "gain", astimsg.FloatValue(-3))
	m.SetLast(true)
	b, err := astimsg.Marshal(m)
	require.NoError(t, err)
	var d astimsg.Message
	require.NoError(t, astimsg.Unmarshal(b, &d))
	p, err := d.ChainParameter()
	require.NoError(t, err)
	require.Equal(t, astimsg.ChainParameter{Chain: "plugins", Context: "audio", Index: 1, Name: "gain", Value: astimsg.FloatValue(-3)}, p)
	require.True(t, d.IsLast())
}
