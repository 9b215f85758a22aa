package astimsg

import (
	"errors"
	"fmt"
)

const MaxArgs = 16

var ErrTooManyArgs = fmt.Errorf("astimsg: more than %d args", MaxArgs)

var ErrInvalidArgs = errors.New("astimsg: invalid args")

type Namespace int

const (
	NamespaceGeneric Namespace = iota + 1
	NamespaceSrc
	NamespaceState
	NamespaceParameter
	NamespacePlayer
	NamespaceGavf
)

func (ns Namespace) String() string {
	switch ns {
	case NamespaceGeneric:
		return "generic"
	case NamespaceSrc:
		return "src"
	case NamespaceState:
		return "state"
	case NamespaceParameter:
		return "parameter"
	case NamespacePlayer:
		return "player"
	case NamespaceGavf:
		return "gavf"
	default:
		return fmt.Sprintf("ns_%d", int(ns))
	}
}

type ID int

// Generic
const (
	IDQuit ID = iota + 1
)

// Src
const (
	IDSrcSelectTrack ID = iota + 1
	IDSrcSeek
	IDSrcStart
	IDSrcPause
	IDSrcResume
)

// State
const (
	IDSetState ID = iota + 1
	IDSetStateRel
	IDStateChanged
)

// Parameter
const (
	IDSetParameterCtx ID = iota + 1
	IDSetChainParameterCtx
)

// Player
const (
	IDPlayerPlay ID = iota + 1
	IDPlayerStop
	IDPlayerPause
	IDPlayerAudioPeak
)

// Gavf
const (
	IDGavfPacketAck ID = iota + 1
	IDGavfResync
	IDGavfGotEOF
)

const (
	HeaderClientID    = "cid"
	HeaderContextID   = "ctx"
	HeaderFunctionTag = "func"
	HeaderLast        = "last"
)

type Key struct {
	ID        ID
	Namespace Namespace
}

type Message struct {
	Args      []Value    `json:"args,omitempty" msgpack:"a,omitempty"`
	Header    Dictionary `json:"header,omitempty" msgpack:"h,omitempty"`
	ID        ID         `json:"id" msgpack:"id"`
	Namespace Namespace  `json:"namespace" msgpack:"ns"`
}

func NewMessage(ns Namespace, id ID) *Message {
	return &Message{
		ID:        id,
		Namespace: ns,
	}
}

func (m *Message) String() string {
	return fmt.Sprintf("%s:%d", m.Namespace, m.ID)
}

func (m *Message) Key() Key {
	return Key{ID: m.ID, Namespace: m.Namespace}
}

func (m *Message) Is(ns Namespace, id ID) bool {
	return m.Namespace == ns && m.ID == id
}

func (m *Message) IsQuit() bool {
	return m.Is(NamespaceGeneric, IDQuit)
}

// Keeps allocated capacity
func (m *Message) Reset() {
	for idx := range m.Args {
		m.Args[idx] = Value{}
	}
	m.Args = m.Args[:0]
	for k := range m.Header {
		delete(m.Header, k)
	}
	m.ID = 0
	m.Namespace = 0
}

func (m *Message) Set(ns Namespace, id ID) *Message {
	m.ID = id
	m.Namespace = ns
	return m
}

func (m *Message) Copy(dst *Message) {
	dst.Reset()
	dst.ID = m.ID
	dst.Namespace = m.Namespace
	for _, a := range m.Args {
		dst.Args = append(dst.Args, a.Copy())
	}
	if len(m.Header) > 0 {
		if dst.Header == nil {
			dst.Header = make(Dictionary, len(m.Header))
		}
		for k, v := range m.Header {
			dst.Header[k] = v.Copy()
		}
	}
}

func (m *Message) Clone() *Message {
	dst := &Message{}
	m.Copy(dst)
	return dst
}

func (m *Message) Validate() error {
	if len(m.Args) > MaxArgs {
		return ErrTooManyArgs
	}
	return nil
}

func (m *Message) NumArgs() int {
	return len(m.Args)
}

// Intermediate args are left undefined
func (m *Message) SetArg(idx int, v Value) *Message {
	for len(m.Args) <= idx {
		m.Args = append(m.Args, Value{})
	}
	m.Args[idx] = v
	return m
}

func (m *Message) Arg(idx int) Value {
	if idx < 0 || idx >= len(m.Args) {
		return Value{}
	}
	return m.Args[idx]
}

func (m *Message) ArgString(idx int) string {
	return m.Arg(idx).String
}

func (m *Message) ArgInt(idx int) int64 {
	i, _ := m.Arg(idx).ToInt()
	return i
}

func (m *Message) ArgFloat(idx int) float64 {
	f, _ := m.Arg(idx).ToFloat()
	return f
}

func (m *Message) setHeader(k string, v Value) {
	if m.Header == nil {
		m.Header = make(Dictionary)
	}
	m.Header[k] = v
}

func (m *Message) ContextID() string {
	s, _ := m.Header.GetString(HeaderContextID)
	return s
}

func (m *Message) SetContextID(id string) *Message {
	m.setHeader(HeaderContextID, StringValue(id))
	return m
}

func (m *Message) ClientID() string {
	s, _ := m.Header.GetString(HeaderClientID)
	return s
}

func (m *Message) SetClientID(id string) *Message {
	m.setHeader(HeaderClientID, StringValue(id))
	return m
}

func (m *Message) FunctionTag() string {
	s, _ := m.Header.GetString(HeaderFunctionTag)
	return s
}

func (m *Message) SetFunctionTag(tag string) *Message {
	m.setHeader(HeaderFunctionTag, StringValue(tag))
	return m
}

func (m *Message) IsLast() bool {
	i, _ := m.Header.GetInt(HeaderLast)
	return i != 0
}

func (m *Message) SetLast(last bool) *Message {
	var i int64
	if last {
		i = 1
	}
	m.setHeader(HeaderLast, IntValue(i))
	return m
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// State messages share the same arg layout: last flag, context, variable, value
const (
	stateArgLast = iota
	stateArgContext
	stateArgVariable
	stateArgValue
)

func (m *Message) SetState(id ID, last bool, ctx, variable string, v Value) *Message {
	m.Set(NamespaceState, id)
	m.SetArg(stateArgLast, IntValue(boolInt(last)))
	m.SetArg(stateArgContext, StringValue(ctx))
	m.SetArg(stateArgVariable, StringValue(variable))
	m.SetArg(stateArgValue, v)
	return m
}

func NewSetStateMessage(ctx, variable string, v Value) *Message {
	return (&Message{}).SetState(IDSetState, true, ctx, variable, v)
}

func NewSetStateRelMessage(ctx, variable string, v Value) *Message {
	return (&Message{}).SetState(IDSetStateRel, true, ctx, variable, v)
}

func NewStateChangedMessage(ctx, variable string, v Value) *Message {
	return (&Message{}).SetState(IDStateChanged, true, ctx, variable, v)
}

type State struct {
	Context  string
	Last     bool
	Value    Value
	Variable string
}

func (m *Message) State() (s State, err error) {
	if m.Namespace != NamespaceState || len(m.Args) <= stateArgValue {
		err = fmt.Errorf("astimsg: %s is not a state message: %w", m, ErrInvalidArgs)
		return
	}
	s = State{
		Context:  m.ArgString(stateArgContext),
		Last:     m.ArgInt(stateArgLast) != 0,
		Value:    m.Args[stateArgValue],
		Variable: m.ArgString(stateArgVariable),
	}
	return
}

func (m *Message) SetParameter(ctx, name string, v Value) *Message {
	m.Set(NamespaceParameter, IDSetParameterCtx)
	m.SetContextID(ctx)
	m.SetArg(0, StringValue(ctx))
	m.SetArg(1, StringValue(name))
	m.SetArg(2, v)
	return m
}

func NewSetParameterMessage(ctx, name string, v Value) *Message {
	return (&Message{}).SetParameter(ctx, name, v)
}

type Parameter struct {
	Context string
	Name    string
	Value   Value
}

func (m *Message) Parameter() (p Parameter, err error) {
	if !m.Is(NamespaceParameter, IDSetParameterCtx) || len(m.Args) < 3 {
		err = fmt.Errorf("astimsg: %s is not a parameter message: %w", m, ErrInvalidArgs)
		return
	}
	p = Parameter{
		Context: m.ArgString(0),
		Name:    m.ArgString(1),
		Value:   m.Args[2],
	}
	return
}

func (m *Message) SetChainParameter(ctx, chain string, idx int, name string, v Value) *Message {
	m.Set(NamespaceParameter, IDSetChainParameterCtx)
	m.SetContextID(ctx)
	m.SetArg(0, StringValue(ctx))
	m.SetArg(1, StringValue(chain))
	m.SetArg(2, IntValue(int64(idx)))
	m.SetArg(3, StringValue(name))
	m.SetArg(4, v)
	return m
}

func NewSetChainParameterMessage(ctx, chain string, idx int, name string, v Value) *Message {
	return (&Message{}).SetChainParameter(ctx, chain, idx, name, v)
}

type ChainParameter struct {
	Chain   string
	Context string
	Index   int
	Name    string
	Value   Value
}

func (m *Message) ChainParameter() (p ChainParameter, err error) {
	if !m.Is(NamespaceParameter, IDSetChainParameterCtx) || len(m.Args) < 5 {
		err = fmt.Errorf("astimsg: %s is not a chain parameter message: %w", m, ErrInvalidArgs)
		return
	}
	p = ChainParameter{
		Chain:   m.ArgString(1),
		Context: m.ArgString(0),
		Index:   int(m.ArgInt(2)),
		Name:    m.ArgString(3),
		Value:   m.Args[4],
	}
	return
}

func NewQuitMessage() *Message {
	return NewMessage(NamespaceGeneric, IDQuit)
}

func NewSelectTrackMessage(idx int) *Message {
	return NewMessage(NamespaceSrc, IDSrcSelectTrack).SetArg(0, IntValue(int64(idx)))
}

func NewSeekMessage(t, scale int64) *Message {
	return NewMessage(NamespaceSrc, IDSrcSeek).SetArg(0, IntValue(t)).SetArg(1, IntValue(scale))
}
