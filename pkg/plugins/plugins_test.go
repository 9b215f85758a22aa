package plugins_test

import (
	"testing"

	"github.com/asticode/go-astiplug/pkg/astiplugin"
	"github.com/asticode/go-astiplug/pkg/plugins"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	r, err := plugins.NewRegistry(astiplugin.RegistryOptions{})
	require.NoError(t, err)
	for _, v := range []struct {
		c    astiplugin.Category
		name string
	}{
		{c: astiplugin.CategoryAudioFilter, name: "downmix"},
		{c: astiplugin.CategoryAudioFilter, name: "gain"},
		{c: astiplugin.CategoryAudioOutput, name: "beep"},
		{c: astiplugin.CategoryAudioOutput, name: "null"},
		{c: astiplugin.CategoryAudioOutput, name: "plug"},
		{c: astiplugin.CategoryInput, name: "plug"},
		{c: astiplugin.CategoryInput, name: "tone"},
		{c: astiplugin.CategoryVideoOutput, name: "null"},
	} {
		_, ok := r.Find(v.c, v.name)
		require.True(t, ok, "%s/%s", v.c, v.name)
	}
	i, ok := r.FindByProtocol(astiplugin.CategoryInput, "unixserv")
	require.True(t, ok)
	require.Equal(t, "plug", i.Name)

	// Registering twice fails
	require.Error(t, plugins.Register(r))
}
