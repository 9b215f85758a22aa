package astimsg

import (
	"sync"

	"github.com/asticode/go-astikit"
)

const WildcardID = "*"

// Returning false stops the current iteration
type SinkHandler func(m *Message) bool

type Sink struct {
	closed bool
	h      SinkHandler
	id     string
	l      astikit.CompleteLogger
	m      *Message   // Message being written
	mi     sync.Mutex // Locks id, numMsg
	mr     sync.Mutex // Locks iterations
	mw     sync.Mutex // Locks closed, m, priv, q
	numMsg int
	priv   *Message
	q      *queue
	rt     *routingTable
}

type SinkOptions struct {
	Handler SinkHandler
	Logger  astikit.StdLogger
	// Defaults to DefaultMergers()
	Mergers     Mergers
	Synchronous bool
}

func NewSink(o SinkOptions) *Sink {
	// Create sink
	s := &Sink{
		h:  o.Handler,
		l:  astikit.AdaptStdLogger(o.Logger),
		rt: newRoutingTable(),
	}

	// Synchronous sinks have no queue
	if o.Synchronous {
		s.priv = &Message{}
	} else {
		ms := o.Mergers
		if ms == nil {
			ms = DefaultMergers()
		}
		s.q = newQueue(ms)
	}
	return s
}

func (s *Sink) Synchronous() bool {
	return s.q == nil
}

// Must be followed by Put
func (s *Sink) Get() *Message {
	// Lock
	s.mw.Lock()

	//!\\ Mutex is unlocked in Put

	// Synchronous
	if s.q == nil {
		s.priv.Reset()
		s.m = s.priv
	} else {
		s.m = s.q.get()
	}
	return s.m
}

// m must be the message returned by the last Get
func (s *Sink) Put(m *Message) {
	// Get has not been called
	if s.mw.TryLock() {
		s.mw.Unlock()
		s.l.Error("astimsg: bug: put called without get")
		return
	}

	// Message doesn't match
	if m == nil || m != s.m {
		s.l.Error("astimsg: bug: put called with a message that doesn't come from get")
		return
	}

	// Unlock
	defer s.mw.Unlock()

	// Reset message
	s.m = nil

	// Sink is closed
	if s.closed {
		s.l.Debugf("astimsg: dropping %s since sink is closed", m)
		if s.q != nil {
			s.q.recycle(m)
		}
		return
	}

	// Synchronous
	if s.q == nil {
		if s.h != nil {
			s.h(m)
		}
		return
	}

	// Enqueue
	if merged := s.q.put(m); merged {
		s.l.Debug("astimsg: merged messages")
	}
}

func (s *Sink) PutCopy(m *Message) {
	dst := s.Get()
	m.Copy(dst)
	s.Put(dst)
}

// Asynchronous sinks only
func (s *Sink) Read() *Message {
	// Synchronous
	if s.q == nil {
		return nil
	}

	// Lock
	s.mw.Lock()
	defer s.mw.Unlock()

	// Shift
	return s.q.shift()
}

func (s *Sink) DoneRead(m *Message) {
	// Synchronous
	if s.q == nil || m == nil {
		return
	}

	// Lock
	s.mw.Lock()
	defer s.mw.Unlock()

	// Recycle
	s.q.recycle(m)
}

// Dispatches queued messages to the handler. Returns false if a quit message was processed or the handler
// returned false.
func (s *Sink) Iteration() (ret bool) {
	// Synchronous
	if s.q == nil {
		s.setNumMessages(0)
		return true
	}

	// Only one iteration at a time
	s.mr.Lock()
	defer s.mr.Unlock()

	// Loop
	var n int
	ret = true
	for {
		// Read
		m := s.Read()
		if m == nil {
			break
		}

		// Quit
		if m.IsQuit() {
			s.DoneRead(m)
			n++
			ret = false
			break
		}

		// Callback
		var ok = true
		if s.h != nil {
			ok = s.h(m)
		}

		// Recycle
		s.DoneRead(m)

		// Messages rejected by the handler are not counted
		if !ok {
			ret = false
			break
		}
		n++
	}

	// Store number of messages
	s.setNumMessages(n)
	return
}

func (s *Sink) setNumMessages(n int) {
	s.mi.Lock()
	defer s.mi.Unlock()
	s.numMsg = n
}

// Number of messages processed during the last iteration
func (s *Sink) NumMessages() int {
	s.mi.Lock()
	defer s.mi.Unlock()
	return s.numMsg
}

// Number of queued messages
func (s *Sink) Len() int {
	if s.q == nil {
		return 0
	}
	s.mw.Lock()
	defer s.mw.Unlock()
	return s.q.len()
}

func (s *Sink) SetID(id string) {
	s.mi.Lock()
	defer s.mi.Unlock()
	s.id = id
}

func (s *Sink) ID() string {
	s.mi.Lock()
	defer s.mi.Unlock()
	return s.id
}

func (s *Sink) HasID(id string) bool {
	// No id
	if id == "" {
		return true
	}

	// Sink id matches
	sid := s.ID()
	if sid == id || sid == WildcardID {
		return true
	}

	// Check routing table
	return s.rt.get(id)
}

func (s *Sink) AddRoute(id string) {
	s.rt.put(id)
}

func (s *Sink) HasRoute(id string) bool {
	return s.rt.get(id)
}

// Queued messages are dropped and subsequent puts are ignored
func (s *Sink) Close() {
	// Lock
	s.mw.Lock()
	defer s.mw.Unlock()

	// Update
	s.closed = true

	// Drain queue
	if s.q != nil {
		for m := s.q.shift(); m != nil; m = s.q.shift() {
			s.q.recycle(m)
		}
	}
}

func (s *Sink) DeltaStats() []astikit.DeltaStat {
	if s.q == nil {
		return nil
	}
	return s.q.deltaStats()
}
