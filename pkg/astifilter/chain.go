package astifilter

import (
	"errors"
	"fmt"
	"sync"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/asticode/go-astiplug/pkg/astiplugin"
)

const (
	// Dictionary key holding the plugin name in the "plugins" parameter
	KeyName = "$name"

	ParameterPlugins = "plugins"
)

var ErrUnknownParameter = errors.New("astifilter: unknown parameter")

type Source[F any] interface {
	ReadFrame() (F, error)
	Reset()
}

// o describes the input format when Connect is called and must be updated with the output format.
// Filters that leave frames untouched may return src itself.
type Filter[F, O any] interface {
	Close() error
	Connect(src Source[F], o *O) (Source[F], error)
	NeedRestart() bool
	Reset()
	SetParameter(name string, v astimsg.Value)
}

type Stage struct {
	Name       string
	Parameters astimsg.Dictionary
}

type Options struct {
	Stages []Stage
}

type stage[F, O any] struct {
	h *astiplugin.Handle[Filter[F, O]]
	// Nil when the stage passes its input through
	out Source[F]
}

// Methods must be called with the chain lock held, except frame reads on the connected output which take
// it themselves
type Chain[F, O any] struct {
	cat         astiplugin.Category
	cmd         *astimsg.Sink
	l           astikit.CompleteLogger
	m           sync.Mutex
	name        string
	needRebuild bool
	needRestart bool
	o           *Options
	out         Source[F]
	r           *astiplugin.Registry
	stages      []stage[F, O]
}

type ChainOptions struct {
	Category astiplugin.Category
	Logger   astikit.StdLogger
	// Context chain commands must target
	Name string
	// Held by reference
	Options  *Options
	Registry *astiplugin.Registry
}

func NewChain[F, O any](o ChainOptions) *Chain[F, O] {
	// Create chain
	c := &Chain[F, O]{
		cat:         o.Category,
		l:           astikit.AdaptStdLogger(o.Logger),
		name:        o.Name,
		needRebuild: true,
		o:           o.Options,
		r:           o.Registry,
	}
	if c.o == nil {
		c.o = &Options{}
	}

	// Create command sink
	c.cmd = astimsg.NewSink(astimsg.SinkOptions{
		Handler:     c.handleCommand,
		Logger:      o.Logger,
		Synchronous: true,
	})
	return c
}

func (c *Chain[F, O]) Lock() {
	c.m.Lock()
}

func (c *Chain[F, O]) Unlock() {
	c.m.Unlock()
}

func (c *Chain[F, O]) Name() string {
	return c.name
}

func (c *Chain[F, O]) Options() *Options {
	return c.o
}

// Handles SET_PARAMETER_CTX and SET_CHAIN_PARAMETER_CTX messages targeting the chain. Takes the chain lock.
func (c *Chain[F, O]) CmdSink() *astimsg.Sink {
	return c.cmd
}

func (c *Chain[F, O]) handleCommand(m *astimsg.Message) bool {
	switch {
	case m.Is(astimsg.NamespaceParameter, astimsg.IDSetParameterCtx):
		// Parse
		p, err := m.Parameter()
		if err != nil {
			c.l.Warn(fmt.Errorf("astifilter: parsing parameter failed: %w", err))
			return true
		}

		// Not for us
		if p.Context != c.name {
			return true
		}

		// Set parameter
		c.m.Lock()
		err = c.SetParameter(p.Name, p.Value)
		c.m.Unlock()
		if err != nil {
			c.l.Warn(fmt.Errorf("astifilter: setting parameter %s failed: %w", p.Name, err))
		}
	case m.Is(astimsg.NamespaceParameter, astimsg.IDSetChainParameterCtx):
		// Parse
		p, err := m.ChainParameter()
		if err != nil {
			c.l.Warn(fmt.Errorf("astifilter: parsing chain parameter failed: %w", err))
			return true
		}

		// Not for us
		if p.Chain != c.name {
			return true
		}

		// Set parameter
		c.m.Lock()
		err = c.SetStageParameter(p.Index, p.Name, p.Value)
		c.m.Unlock()
		if err != nil {
			c.l.Warn(fmt.Errorf("astifilter: setting stage %d parameter %s failed: %w", p.Index, p.Name, err))
		}
	}
	return true
}

// An empty name marks the end of a parameter batch
func (c *Chain[F, O]) SetParameter(name string, v astimsg.Value) error {
	// End of batch
	if name == "" {
		return nil
	}

	// Unknown parameter
	if name != ParameterPlugins {
		return fmt.Errorf("astifilter: %s: %w", name, ErrUnknownParameter)
	}

	// Parse stages
	ss, err := ParseStages(v)
	if err != nil {
		return err
	}

	// Structure has changed
	if len(ss) != len(c.o.Stages) {
		c.o.Stages = ss
		c.needRebuild = true
		return nil
	}
	for idx, s := range ss {
		if s.Name != c.o.Stages[idx].Name {
			c.o.Stages = ss
			c.needRebuild = true
			return nil
		}
	}

	// Loop through stages
	for idx, s := range ss {
		for _, k := range s.Parameters.Keys() {
			// Value has not changed
			pv := s.Parameters[k]
			if ov, ok := c.o.Stages[idx].Parameters[k]; ok && ov.Equal(pv) {
				continue
			}

			// Apply
			c.applyUnlocked(idx, k, pv)
		}

		// Removed keys fall back to their default
		for _, k := range c.o.Stages[idx].Parameters.Keys() {
			if _, ok := s.Parameters[k]; !ok {
				c.applyUnlocked(idx, k, c.defaultValueUnlocked(idx, k))
			}
		}
	}

	// Store
	c.o.Stages = ss
	return nil
}

// Mutex should be locked
func (c *Chain[F, O]) applyUnlocked(idx int, name string, v astimsg.Value) {
	// Stages have not been loaded
	if c.needRebuild || idx >= len(c.stages) {
		return
	}

	// Set parameter
	h := c.stages[idx].h
	h.Lock()
	defer h.Unlock()
	h.Value().SetParameter(name, v)
	if h.Value().NeedRestart() {
		c.needRestart = true
	}
}

// Mutex should be locked
func (c *Chain[F, O]) defaultValueUnlocked(idx int, name string) astimsg.Value {
	// Stages have not been loaded
	if c.needRebuild || idx >= len(c.stages) {
		return astimsg.Value{}
	}

	// Get parameter info
	pi, ok := c.stages[idx].h.Info().Parameter(name)
	if !ok {
		return astimsg.Value{}
	}
	return pi.Default.Copy()
}

func (c *Chain[F, O]) SetStageParameter(idx int, name string, v astimsg.Value) error {
	// Invalid index
	if idx < 0 || idx >= len(c.o.Stages) {
		return fmt.Errorf("astifilter: invalid stage index %d, chain has %d stages", idx, len(c.o.Stages))
	}

	// Store
	if c.o.Stages[idx].Parameters == nil {
		c.o.Stages[idx].Parameters = make(astimsg.Dictionary)
	}
	c.o.Stages[idx].Parameters[name] = v.Copy()

	// Apply
	c.applyUnlocked(idx, name, v)
	return nil
}

func ParseStages(v astimsg.Value) (ss []Stage, err error) {
	// Invalid type
	if v.Type != astimsg.ValueTypeArray {
		err = fmt.Errorf("astifilter: %s parameter must be an array, got %s", ParameterPlugins, v.Type)
		return
	}

	// Loop through values
	for idx, sv := range v.Array {
		// Invalid type
		if sv.Type != astimsg.ValueTypeDictionary {
			err = fmt.Errorf("astifilter: stage %d must be a dictionary, got %s", idx, sv.Type)
			return
		}

		// No name
		name, ok := sv.Dictionary.GetString(KeyName)
		if !ok || name == "" {
			err = fmt.Errorf("astifilter: stage %d has no %s", idx, KeyName)
			return
		}

		// Append
		s := Stage{
			Name:       name,
			Parameters: sv.Dictionary.Copy(),
		}
		delete(s.Parameters, KeyName)
		ss = append(ss, s)
	}
	return
}

func StagesValue(ss []Stage) astimsg.Value {
	vs := []astimsg.Value{}
	for _, s := range ss {
		d := s.Parameters.Copy()
		if d == nil {
			d = make(astimsg.Dictionary)
		}
		d.SetString(KeyName, s.Name)
		vs = append(vs, astimsg.DictionaryValue(d))
	}
	return astimsg.ArrayValue(vs...)
}

func (c *Chain[F, O]) NeedRestart() bool {
	return c.needRestart || c.needRebuild
}

func (c *Chain[F, O]) NumStages() int {
	return len(c.stages)
}

// Mutex should be locked
func (c *Chain[F, O]) releaseUnlocked() {
	for _, s := range c.stages {
		s.h.Release()
	}
	c.stages = nil
	c.out = nil
}

// Mutex should be locked
func (c *Chain[F, O]) rebuildUnlocked() error {
	// Release
	c.releaseUnlocked()

	// Load stages
	for _, s := range c.o.Stages {
		h, err := astiplugin.Load[Filter[F, O]](c.r, c.cat, s.Name, s.Parameters)
		if err != nil {
			c.releaseUnlocked()
			return fmt.Errorf("astifilter: loading %s failed: %w", s.Name, err)
		}
		c.stages = append(c.stages, stage[F, O]{h: h})
	}
	c.needRebuild = false
	return nil
}

// Rebuilds the chain if needed and connects its stages to src. o describes src's format and is updated
// with the output format.
func (c *Chain[F, O]) Connect(src Source[F], o *O) (Source[F], error) {
	// Rebuild
	if c.needRebuild {
		if err := c.rebuildUnlocked(); err != nil {
			return nil, err
		}
	}

	// Connect stages
	cur := src
	for idx, s := range c.stages {
		s.h.Lock()
		out, err := s.h.Value().Connect(cur, o)
		s.h.Unlock()
		if err != nil {
			c.out = nil
			return nil, fmt.Errorf("astifilter: connecting %s failed: %w", s.h.Info().Name, err)
		}
		c.stages[idx].out = nil
		if out != cur {
			c.stages[idx].out = out
		}
		cur = out
	}
	c.needRestart = false

	// Pass through
	if len(c.stages) == 0 {
		c.out = src
		return src, nil
	}

	// Wrap
	c.out = &lockedSource[F, O]{
		c: c,
		s: cur,
	}
	return c.out, nil
}

// Output of the last Connect
func (c *Chain[F, O]) Output() Source[F] {
	return c.out
}

// Resets every stage and its output source. The chain input is left untouched.
func (c *Chain[F, O]) Reset() {
	for _, s := range c.stages {
		s.h.Lock()
		s.h.Value().Reset()
		s.h.Unlock()
		if s.out != nil {
			s.out.Reset()
		}
	}
}

func (c *Chain[F, O]) Close() {
	c.cmd.Close()
	c.releaseUnlocked()
	c.needRebuild = true
}

type lockedSource[F, O any] struct {
	c *Chain[F, O]
	s Source[F]
}

func (s *lockedSource[F, O]) ReadFrame() (F, error) {
	s.c.m.Lock()
	defer s.c.m.Unlock()
	return s.s.ReadFrame()
}

func (s *lockedSource[F, O]) Reset() {
	s.c.m.Lock()
	defer s.c.m.Unlock()
	s.s.Reset()
}
