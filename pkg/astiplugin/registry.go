package astiplugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astimsg"
)

type Category string

const (
	CategoryAudioFilter Category = "audio_filter"
	CategoryAudioOutput Category = "audio_output"
	CategoryInput       Category = "input"
	CategoryVideoFilter Category = "video_filter"
	CategoryVideoOutput Category = "video_output"
)

var ErrNotFound = errors.New("astiplugin: plugin not found")

type Info struct {
	Category    Category
	Description string
	LongName    string
	MimeTypes   []string
	Name        string
	Parameters  []ParameterInfo
	Protocols   []string
}

func (i Info) Parameter(name string) (ParameterInfo, bool) {
	for _, p := range i.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterInfo{}, false
}

type ParameterInfo struct {
	Default     astimsg.Value
	Description string
	Max         *float64
	Min         *float64
	Name        string
	Type        astimsg.ValueType
}

// Clamps numeric values between min and max
func (p ParameterInfo) Check(v astimsg.Value) (astimsg.Value, error) {
	// Check type
	if p.Type != astimsg.ValueTypeUndefined && v.Type != p.Type {
		// Numbers can be converted
		switch p.Type {
		case astimsg.ValueTypeFloat:
			f, ok := v.ToFloat()
			if !ok {
				return v, fmt.Errorf("astiplugin: parameter %s expects %s, got %s", p.Name, p.Type, v.Type)
			}
			v = astimsg.FloatValue(f)
		case astimsg.ValueTypeInt:
			i, ok := v.ToInt()
			if !ok {
				return v, fmt.Errorf("astiplugin: parameter %s expects %s, got %s", p.Name, p.Type, v.Type)
			}
			v = astimsg.IntValue(i)
		default:
			return v, fmt.Errorf("astiplugin: parameter %s expects %s, got %s", p.Name, p.Type, v.Type)
		}
	}

	// Clamp
	switch v.Type {
	case astimsg.ValueTypeFloat:
		if p.Min != nil && v.Float < *p.Min {
			v.Float = *p.Min
		}
		if p.Max != nil && v.Float > *p.Max {
			v.Float = *p.Max
		}
	case astimsg.ValueTypeInt:
		if p.Min != nil && float64(v.Int) < *p.Min {
			v.Int = int64(*p.Min)
		}
		if p.Max != nil && float64(v.Int) > *p.Max {
			v.Int = int64(*p.Max)
		}
	}
	return v, nil
}

type FactoryOptions struct {
	Logger astikit.StdLogger
	// Defaults are applied
	Parameters astimsg.Dictionary
}

type Factory func(o FactoryOptions) (interface{}, error)

type plugin struct {
	f Factory
	i Info
}

type Registry struct {
	l  astikit.StdLogger
	m  sync.Mutex // Locks ps
	ps map[Category]map[string]plugin
}

type RegistryOptions struct {
	Logger astikit.StdLogger
}

func NewRegistry(o RegistryOptions) *Registry {
	return &Registry{
		l:  o.Logger,
		ps: make(map[Category]map[string]plugin),
	}
}

func (r *Registry) Register(i Info, f Factory) error {
	// Invalid
	if i.Name == "" {
		return errors.New("astiplugin: name is empty")
	} else if f == nil {
		return errors.New("astiplugin: factory is nil")
	}

	// Lock
	r.m.Lock()
	defer r.m.Unlock()

	// Already registered
	if _, ok := r.ps[i.Category][i.Name]; ok {
		return fmt.Errorf("astiplugin: %s plugin %s is already registered", i.Category, i.Name)
	}

	// Store
	if _, ok := r.ps[i.Category]; !ok {
		r.ps[i.Category] = make(map[string]plugin)
	}
	r.ps[i.Category][i.Name] = plugin{
		f: f,
		i: i,
	}
	return nil
}

func (r *Registry) Find(c Category, name string) (Info, bool) {
	r.m.Lock()
	defer r.m.Unlock()
	p, ok := r.ps[c][name]
	return p.i, ok
}

func (r *Registry) FindByProtocol(c Category, protocol string) (Info, bool) {
	return r.findFirst(c, func(i Info) bool { return contains(i.Protocols, protocol) })
}

func (r *Registry) FindByMimeType(c Category, mimeType string) (Info, bool) {
	return r.findFirst(c, func(i Info) bool { return contains(i.MimeTypes, mimeType) })
}

func (r *Registry) findFirst(c Category, fn func(i Info) bool) (Info, bool) {
	for _, i := range r.Infos(c) {
		if fn(i) {
			return i, true
		}
	}
	return Info{}, false
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// Sorted by name
func (r *Registry) Infos(c Category) (is []Info) {
	// Lock
	r.m.Lock()
	defer r.m.Unlock()

	// Loop through plugins
	for _, p := range r.ps[c] {
		is = append(is, p.i)
	}

	// Sort
	sort.Slice(is, func(i, j int) bool { return is[i].Name < is[j].Name })
	return
}

func (r *Registry) create(c Category, name string, params astimsg.Dictionary) (interface{}, Info, error) {
	// Get plugin
	r.m.Lock()
	p, ok := r.ps[c][name]
	r.m.Unlock()
	if !ok {
		return nil, Info{}, fmt.Errorf("astiplugin: %s plugin %s: %w", c, name, ErrNotFound)
	}

	// Apply defaults
	ps := make(astimsg.Dictionary)
	for _, pi := range p.i.Parameters {
		if !pi.Default.IsUndefined() {
			ps[pi.Name] = pi.Default.Copy()
		}
	}

	// Check parameters
	for k, v := range params {
		if pi, ok := p.i.Parameter(k); ok {
			var err error
			if v, err = pi.Check(v); err != nil {
				return nil, Info{}, err
			}
		}
		ps[k] = v.Copy()
	}

	// Create
	v, err := p.f(FactoryOptions{
		Logger:     r.l,
		Parameters: ps,
	})
	if err != nil {
		return nil, Info{}, fmt.Errorf("astiplugin: creating %s plugin %s failed: %w", c, name, err)
	}
	return v, p.i, nil
}
