package astimsg

import (
	"sort"
	"sync"

	"github.com/asticode/go-astikit"
)

type Hub struct {
	l         astikit.CompleteLogger
	m         sync.Mutex // Locks ss, state
	onConnect func(s *Sink)
	s         *Sink
	ss        []*Sink
	state     map[string]Dictionary // Indexed by context then variable
}

type HubOptions struct {
	Logger astikit.StdLogger
	// Executed once the sink is connected and state has been replayed
	OnConnect   func(s *Sink)
	Synchronous bool
}

func NewHub(o HubOptions) *Hub {
	// Create hub
	h := &Hub{
		l:         astikit.AdaptStdLogger(o.Logger),
		onConnect: o.OnConnect,
		state:     make(map[string]Dictionary),
	}

	// Create sink
	h.s = NewSink(SinkOptions{
		Handler:     h.broadcast,
		Logger:      o.Logger,
		Synchronous: o.Synchronous,
	})
	return h
}

// Sink messages are broadcast from
func (h *Hub) Sink() *Sink {
	return h.s
}

func (h *Hub) broadcast(m *Message) bool {
	// Lock
	h.m.Lock()
	defer h.m.Unlock()

	// Store state
	h.storeStateUnlocked(m)

	// Client id routing
	if cid := m.ClientID(); cid != "" {
		// Loop through sinks
		for _, s := range h.ss {
			if s.HasID(cid) {
				s.PutCopy(m)
				break
			}
		}
		return true
	}

	// Loop through sinks
	for _, s := range h.ss {
		s.PutCopy(m)
	}
	return true
}

// Mutex should be locked
func (h *Hub) storeStateUnlocked(m *Message) {
	// Not a state change
	if !m.Is(NamespaceState, IDStateChanged) {
		return
	}

	// Get state
	st, err := m.State()
	if err != nil {
		h.l.Warn(err)
		return
	}

	// Store
	d, ok := h.state[st.Context]
	if !ok {
		d = make(Dictionary)
		h.state[st.Context] = d
	}
	d[st.Variable] = st.Value.Copy()
}

func (h *Hub) Connect(s *Sink) {
	// Lock
	h.m.Lock()

	// Replay state
	var ctxs []string
	for ctx := range h.state {
		ctxs = append(ctxs, ctx)
	}
	sort.Strings(ctxs)
	for ci, ctx := range ctxs {
		vars := h.state[ctx].Keys()
		for vi, v := range vars {
			m := s.Get()
			m.SetState(IDStateChanged, ci == len(ctxs)-1 && vi == len(vars)-1, ctx, v, h.state[ctx][v].Copy())
			s.Put(m)
		}
	}

	// Append
	h.ss = append(h.ss, s)

	// Unlock
	h.m.Unlock()

	//!\\ Mutex should be unlocked at this point

	// Callback
	if h.onConnect != nil {
		h.onConnect(s)
	}
}

func (h *Hub) Disconnect(s *Sink) {
	// Lock
	h.m.Lock()
	defer h.m.Unlock()

	// Loop through sinks
	for idx := range h.ss {
		if h.ss[idx] == s {
			h.ss = append(h.ss[:idx], h.ss[idx+1:]...)
			return
		}
	}
	h.l.Warn("astimsg: no such sink")
}

func (h *Hub) NumSinks() int {
	h.m.Lock()
	defer h.m.Unlock()
	return len(h.ss)
}

func (h *Hub) Send(m *Message) {
	h.s.PutCopy(m)
}

// fn is executed once per connected sink
func (h *Hub) SendFunc(fn func(m *Message)) {
	// Lock
	h.m.Lock()
	defer h.m.Unlock()

	// Loop through sinks
	for _, s := range h.ss {
		m := s.Get()
		fn(m)
		s.Put(m)
	}
}

func (h *Hub) State() map[string]Dictionary {
	h.m.Lock()
	defer h.m.Unlock()
	dst := make(map[string]Dictionary, len(h.state))
	for ctx, d := range h.state {
		dst[ctx] = d.Copy()
	}
	return dst
}

// Messages queued in the hub sink are dropped and connected sinks are removed
func (h *Hub) Close() {
	h.s.Close()
	h.m.Lock()
	h.ss = nil
	h.m.Unlock()
}
