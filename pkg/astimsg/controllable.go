package astimsg

import (
	"context"
	"fmt"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/google/uuid"
)

// Pairs an inbound command sink with an outbound event hub
type Controllable struct {
	cmd *Sink
	evt *Hub
}

func NewControllable(cmd *Sink, evt *Hub) *Controllable {
	return &Controllable{
		cmd: cmd,
		evt: evt,
	}
}

func (c *Controllable) CmdSink() *Sink {
	return c.cmd
}

func (c *Controllable) EvtHub() *Hub {
	return c.evt
}

func (c *Controllable) EvtSink() *Sink {
	return c.evt.Sink()
}

// Threads that may still put into the command sink must be stopped first
func (c *Controllable) Close() {
	c.cmd.Close()
	c.evt.Close()
}

func (c *Controllable) Connect(ctl *Control) {
	c.evt.Connect(ctl.EvtSink)
}

func (c *Controllable) Disconnect(ctl *Control) {
	c.evt.Disconnect(ctl.EvtSink)
}

// Forwards events of c into dst's command sink. Returned func undoes it.
func (c *Controllable) Bridge(dst *Controllable) (unbridge func()) {
	c.evt.Connect(dst.cmd)
	return func() { c.evt.Disconnect(dst.cmd) }
}

// Client side of a controllable
type Control struct {
	// Commands are sent there
	CmdSink *Sink
	// Events are received there
	EvtSink *Sink
}

// Event sink is asynchronous so that events are processed in the client's loop
func NewControl(cmd *Sink, h SinkHandler, l astikit.StdLogger) *Control {
	return &Control{
		CmdSink: cmd,
		EvtSink: NewSink(SinkOptions{
			Handler: h,
			Logger:  l,
		}),
	}
}

func (ctl *Control) Send(m *Message) {
	ctl.CmdSink.PutCopy(m)
}

const callFunctionPeriod = 20 * time.Millisecond

type CallFunctionOptions struct {
	Logger astikit.StdLogger
	// Executed between polls, useful when responses are fed by a remote transport
	Ping func()
}

// Sends m to the controllable and dispatches every response carrying the same function tag to h until the
// last one has been received or ctx is done
func (c *Controllable) CallFunction(ctx context.Context, m *Message, h SinkHandler, o CallFunctionOptions) error {
	// Create tag
	tag := uuid.NewString()

	// Create control
	var done bool
	ctl := NewControl(c.cmd, func(r *Message) bool {
		// Not a response to our call
		if r.FunctionTag() != tag {
			return true
		}

		// Callback
		if h != nil && !h(r) {
			done = true
			return false
		}

		// Last response
		if r.IsLast() {
			done = true
			return false
		}
		return true
	}, o.Logger)
	ctl.EvtSink.SetID(tag)

	// Connect
	c.Connect(ctl)
	defer c.Disconnect(ctl)

	// Send
	req := m.Clone()
	req.SetFunctionTag(tag)
	ctl.Send(req)

	// Loop
	for {
		// Ping
		if o.Ping != nil {
			o.Ping()
		}

		// Process responses
		ctl.EvtSink.Iteration()
		if done {
			return nil
		}

		// Sleep
		if err := astikit.Sleep(ctx, callFunctionPeriod); err != nil {
			return fmt.Errorf("astimsg: waiting for %s response failed: %w", m, err)
		}
	}
}

// Response to a function call, req's routing headers are kept
func NewResponse(req *Message, ns Namespace, id ID) *Message {
	m := NewMessage(ns, id)
	if tag := req.FunctionTag(); tag != "" {
		m.SetFunctionTag(tag)
	}
	if cid := req.ClientID(); cid != "" {
		m.SetClientID(cid)
	}
	if ctx := req.ContextID(); ctx != "" {
		m.SetContextID(ctx)
	}
	return m
}
