package plugins

import (
	"github.com/asticode/go-astiplug/pkg/astiplugin"
	"github.com/asticode/go-astiplug/pkg/plugins/filters"
	"github.com/asticode/go-astiplug/pkg/plugins/inputs"
	"github.com/asticode/go-astiplug/pkg/plugins/outputs"
)

// Registers every built-in filter, input and output
func Register(r *astiplugin.Registry) error {
	for _, fn := range []func(r *astiplugin.Registry) error{
		filters.Register,
		inputs.Register,
		outputs.Register,
	} {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Creates a registry holding every built-in plugin
func NewRegistry(o astiplugin.RegistryOptions) (*astiplugin.Registry, error) {
	r := astiplugin.NewRegistry(o)
	if err := Register(r); err != nil {
		return nil, err
	}
	return r, nil
}
