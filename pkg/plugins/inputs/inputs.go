package inputs

import (
	"fmt"

	"github.com/asticode/go-astiplug/pkg/astiplugin"
)

func Register(r *astiplugin.Registry) error {
	for _, v := range []struct {
		f astiplugin.Factory
		i astiplugin.Info
	}{
		{f: NewPlug, i: PlugInfo()},
		{f: NewTone, i: ToneInfo()},
	} {
		if err := r.Register(v.i, v.f); err != nil {
			return fmt.Errorf("inputs: registering %s failed: %w", v.i.Name, err)
		}
	}
	return nil
}
