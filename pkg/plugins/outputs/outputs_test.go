package outputs_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/asticode/go-astiplug/pkg/astimedia"
	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/asticode/go-astiplug/pkg/astiplayer"
	"github.com/asticode/go-astiplug/pkg/astiplug"
	"github.com/asticode/go-astiplug/pkg/astiplugin"
	"github.com/asticode/go-astiplug/pkg/plugins/outputs"
	"github.com/gopxl/beep/v2/wav"
	"github.com/stretchr/testify/require"
)

var stereo = astimedia.AudioFormat{
	Channels:        astimedia.ChannelsStereo,
	SampleRate:      48000,
	SamplesPerFrame: 64,
}

func newFrame(f astimedia.AudioFormat, ts int64, values ...float32) *astimedia.AudioFrame {
	fr := astimedia.NewAudioFrame(f)
	for c, v := range values {
		for idx := range fr.Samples[c] {
			fr.Samples[c][idx] = v
		}
	}
	fr.Timestamp = ts
	fr.ValidSamples = f.SamplesPerFrame
	return fr
}

func load(t *testing.T, c astiplugin.Category, name string, params astimsg.Dictionary) *astiplugin.Handle[any] {
	r := astiplugin.NewRegistry(astiplugin.RegistryOptions{})
	require.NoError(t, outputs.Register(r))
	h, err := astiplugin.Load[any](r, c, name, params)
	require.NoError(t, err)
	return h
}

func TestBeepStreamer(t *testing.T) {
	h := load(t, astiplugin.CategoryAudioOutput, outputs.NameBeep, nil)
	b, ok := h.Value().(*outputs.Beep)
	require.True(t, ok)

	f := stereo
	require.NoError(t, b.Open(&f))
	require.Equal(t, 2, b.Format().NumChannels)
	require.NoError(t, b.Start())
	require.Nil(t, b.GetFrame())
	require.NoError(t, b.PutFrame(newFrame(f, 0, 0.5, -0.5)))
	require.NoError(t, b.PutFrame(newFrame(f, 64, 0.25, -0.25)))
	require.Equal(t, 128, b.Latency())

	s := b.Streamer()
	require.NotNil(t, s)
	samples := make([][2]float64, 100)
	n, ok := s.Stream(samples)
	require.True(t, ok)
	require.Equal(t, 100, n)
	require.Equal(t, [2]float64{0.5, -0.5}, samples[0])
	require.Equal(t, [2]float64{0.25, -0.25}, samples[99])
	require.Equal(t, 28, b.Latency())

	h.Release()
	require.Nil(t, b.Streamer())
	require.ErrorIs(t, b.PutFrame(newFrame(f, 128)), outputs.ErrClosed)
	n, ok = s.Stream(samples)
	require.True(t, ok)
	require.Equal(t, 28, n)
	n, ok = s.Stream(samples)
	require.False(t, ok)
	require.Equal(t, 0, n)
}

func TestBeepWav(t *testing.T) {
	p := filepath.Join(t.TempDir(), "out.wav")
	h := load(t, astiplugin.CategoryAudioOutput, outputs.NameBeep, astimsg.Dictionary{
		outputs.ParameterPath: astimsg.StringValue(p),
	})
	o := h.Value().(astiplayer.AudioOutput)

	mono := astimedia.AudioFormat{
		Channels:        astimedia.ChannelsMono,
		SampleRate:      44100,
		SamplesPerFrame: 32,
	}
	require.NoError(t, o.Open(&mono))
	for idx := 0; idx < 4; idx++ {
		require.NoError(t, o.PutFrame(newFrame(mono, int64(idx*32), 0.5)))
	}
	h.Release()

	fl, err := os.Open(p)
	require.NoError(t, err)
	defer fl.Close()
	s, bf, err := wav.Decode(fl)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, 1, bf.NumChannels)
	require.Equal(t, 44100, int(bf.SampleRate))
	require.Equal(t, 128, s.Len())
	samples := make([][2]float64, 128)
	n, _ := s.Stream(samples)
	require.Equal(t, 128, n)
	require.InDelta(t, 0.5, samples[127][0], 1e-3)

	// Too many channels
	h = load(t, astiplugin.CategoryAudioOutput, outputs.NameBeep, nil)
	defer h.Release()
	surround := astimedia.AudioFormat{
		Channels:        []astimedia.ChannelID{astimedia.ChannelFrontLeft, astimedia.ChannelFrontRight, astimedia.ChannelFrontCenter},
		SampleRate:      48000,
		SamplesPerFrame: 32,
	}
	require.Error(t, h.Value().(astiplayer.AudioOutput).Open(&surround))
}

func TestNull(t *testing.T) {
	h := load(t, astiplugin.CategoryAudioOutput, outputs.NameNull, nil)
	defer h.Release()
	a := h.Value().(*outputs.NullAudio)
	f := stereo
	require.NoError(t, a.Open(&f))
	fr := a.GetFrame()
	require.NotNil(t, fr)
	require.Len(t, fr.Samples, 2)
	require.NoError(t, a.PutFrame(newFrame(f, 0)))
	require.NoError(t, a.PutFrame(newFrame(f, 64)))
	require.Equal(t, uint64(128), a.Samples())

	hv := load(t, astiplugin.CategoryVideoOutput, outputs.NameNull, nil)
	defer hv.Release()
	v := hv.Value().(*outputs.NullVideo)
	require.NoError(t, v.PutFrame(&astimedia.VideoFrame{}))
	require.Equal(t, uint64(1), v.Frames())
}

func TestPlug(t *testing.T) {
	r := astiplugin.NewRegistry(astiplugin.RegistryOptions{})
	require.NoError(t, outputs.Register(r))

	// Location is mandatory
	_, err := astiplugin.Load[astiplayer.AudioOutput](r, astiplugin.CategoryAudioOutput, outputs.NamePlug, nil)
	require.Error(t, err)

	p := filepath.Join(t.TempDir(), "out.plug")
	h, err := astiplugin.Load[astiplayer.AudioOutput](r, astiplugin.CategoryAudioOutput, outputs.NamePlug, astimsg.Dictionary{
		outputs.ParameterCompression: astimsg.StringValue(string(astiplug.CompressionSnappy)),
		outputs.ParameterLocation:    astimsg.StringValue(p),
	})
	require.NoError(t, err)
	f := stereo
	require.NoError(t, h.Value().Open(&f))
	require.NoError(t, h.Value().PutFrame(newFrame(f, 0, 0.5, -0.5)))
	require.NoError(t, h.Value().PutFrame(newFrame(f, 64, 0.25, -0.25)))
	h.Release()

	rd := astiplug.NewReader(astiplug.ReaderOptions{})
	defer rd.Close()
	require.NoError(t, rd.Open(context.Background(), p))
	ss := rd.Streams()
	require.Len(t, ss, 1)
	require.Equal(t, astiplug.StreamTypeAudio, ss[0].Type)
	rf, err := astimedia.AudioFormatFromDictionary(ss[0].Format)
	require.NoError(t, err)
	require.True(t, rf.Equal(f))
	require.NoError(t, rd.Start())

	for _, v := range []struct {
		pts   int64
		value float32
	}{
		{value: 0.5},
		{pts: 64, value: 0.25},
	} {
		pkt, err := rd.ReadPacket()
		require.NoError(t, err)
		require.Equal(t, v.pts, pkt.PTS)
		require.Equal(t, int64(64), pkt.Duration)
		fr := astimedia.NewAudioFrame(rf)
		require.NoError(t, astimedia.DecodePCM(pkt.Data, fr))
		require.Equal(t, v.value, fr.Samples[0][10])
		require.Equal(t, -v.value, fr.Samples[1][63])
	}
	_, err = rd.ReadPacket()
	require.ErrorIs(t, err, io.EOF)
}
