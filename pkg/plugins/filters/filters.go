package filters

import (
	"fmt"

	"github.com/asticode/go-astiplug/pkg/astiplugin"
)

func Register(r *astiplugin.Registry) error {
	for _, v := range []struct {
		f astiplugin.Factory
		i astiplugin.Info
	}{
		{f: NewDownmix, i: DownmixInfo()},
		{f: NewGain, i: GainInfo()},
	} {
		if err := r.Register(v.i, v.f); err != nil {
			return fmt.Errorf("filters: registering %s failed: %w", v.i.Name, err)
		}
	}
	return nil
}
