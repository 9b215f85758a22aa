package outputs

import (
	"fmt"

	"github.com/asticode/go-astiplug/pkg/astiplugin"
)

func Register(r *astiplugin.Registry) error {
	for _, v := range []struct {
		f astiplugin.Factory
		i astiplugin.Info
	}{
		{f: NewBeep, i: BeepInfo()},
		{f: NewNullAudio, i: NullAudioInfo()},
		{f: NewNullVideo, i: NullVideoInfo()},
		{f: NewPlug, i: PlugInfo()},
	} {
		if err := r.Register(v.i, v.f); err != nil {
			return fmt.Errorf("outputs: registering %s %s failed: %w", v.i.Category, v.i.Name, err)
		}
	}
	return nil
}
