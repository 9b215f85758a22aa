package astimedia_test

import (
	"testing"
	"time"

	"github.com/asticode/go-astiplug/pkg/astimedia"
	"github.com/stretchr/testify/require"
)

func TestAudioFormat(t *testing.T) {
	f := astimedia.AudioFormat{Channels: astimedia.ChannelsStereo, SampleRate: 48000, SamplesPerFrame: 1024}
	require.NoError(t, f.Validate())
	require.Error(t, astimedia.AudioFormat{SampleRate: 48000, SamplesPerFrame: 1}.Validate())
	require.Equal(t, "48000Hz FL,FR 1024 samples/frame", f.String())
	require.Equal(t, 1, f.ChannelIndex(astimedia.ChannelFrontRight))
	require.Equal(t, -1, f.ChannelIndex(astimedia.ChannelLFE))
	require.Equal(t, time.Second, f.Duration(48000))
	require.Equal(t, 24000, f.Samples(500*time.Millisecond))

	f2, err := astimedia.AudioFormatFromDictionary(f.Dictionary())
	require.NoError(t, err)
	require.True(t, f.Equal(f2))
	f2.Channels = astimedia.ChannelsMono
	require.False(t, f.Equal(f2))
}

func TestVideoFormat(t *testing.T) {
	f := astimedia.VideoFormat{FrameDuration: 1001, Height: 720, Timescale: 30000, Width: 1280}
	require.Equal(t, 33366666*time.Nanosecond, f.FrameTime())
	f2, err := astimedia.VideoFormatFromDictionary(f.Dictionary())
	require.NoError(t, err)
	require.Equal(t, f, f2)
	_, err = astimedia.VideoFormatFromDictionary(nil)
	require.Error(t, err)
}

func TestAudioFrame(t *testing.T) {
	f := astimedia.AudioFormat{Channels: astimedia.ChannelsStereo, SampleRate: 8000, SamplesPerFrame: 4}
	fr := astimedia.NewAudioFrame(f)
	require.Len(t, fr.Samples, 2)
	fr.Samples[0][0] = 1
	fr.Silence(f)
	require.Equal(t, float32(0), fr.Samples[0][0])
	require.Equal(t, 4, fr.ValidSamples)

	fr.Samples[1] = []float32{0.5, -0.25, 1, 0}
	fr.ValidSamples = 2
	fr.Timestamp = 10
	b := astimedia.EncodePCM(fr)
	require.Len(t, b, 16)
	dst := astimedia.NewAudioFrame(f)
	require.NoError(t, astimedia.DecodePCM(b, dst))
	require.Equal(t, 2, dst.ValidSamples)
	require.Equal(t, []float32{0.5, -0.25}, dst.Samples[1][:2])
	require.Error(t, astimedia.DecodePCM(b[:3], dst))
	require.Error(t, astimedia.DecodePCM(make([]byte, 40), dst))

	cp := astimedia.NewAudioFrame(f)
	fr.CopyTo(cp)
	require.Equal(t, int64(10), cp.Timestamp)
	require.Equal(t, []float32{0.5, -0.25, 0, 0}, cp.Samples[1])
}

func TestVolumeControl(t *testing.T) {
	require.Equal(t, 0.0, astimedia.VolumeToDB(1))
	require.Equal(t, -20.0, astimedia.VolumeToDB(0.5))
	require.Equal(t, astimedia.VolumeMin, astimedia.VolumeToDB(-1))
	require.Equal(t, 0.5, astimedia.DBToVolume(-20))

	vc := astimedia.NewVolumeControl()
	require.Equal(t, float32(1), vc.Gain())
	vc.SetVolume(0.5)
	require.InDelta(t, 0.1, vc.Gain(), 1e-6)
	fr := &astimedia.AudioFrame{Samples: [][]float32{{1, 1}}, ValidSamples: 1}
	vc.Apply(fr)
	require.InDelta(t, 0.1, fr.Samples[0][0], 1e-6)
	require.Equal(t, float32(1), fr.Samples[0][1])
	vc.SetVolume(0)
	require.Equal(t, float32(0), vc.Gain())
	vc.SetVolume(2)
	require.Equal(t, 1.0, vc.Volume())
}

func TestPeakDetector(t *testing.T) {
	var samples int
	var peaks []float64
	d := astimedia.NewPeakDetector(func(n int, min, max, peak []float64) {
		samples = n
		peaks = peak
	})
	f := astimedia.AudioFormat{
		Channels:        []astimedia.ChannelID{astimedia.ChannelFrontLeft, astimedia.ChannelFrontRight, astimedia.ChannelFrontCenter, astimedia.ChannelRearLeft},
		SampleRate:      8000,
		SamplesPerFrame: 2,
	}
	d.SetFormat(f)
	d.Update(&astimedia.AudioFrame{Samples: [][]float32{{0.1, -0.5}, {0.2, 0.25}, {0.375, 0}, {0.75, 0}}, ValidSamples: 2})
	require.Equal(t, 2, samples)
	require.Equal(t, []float64{0.5, 0.25, 0.375, 0.75}, peaks)
	require.Equal(t, [2]float64{0.75, 0.375}, astimedia.StereoPeaks(f, peaks))
	d.Reset()
	_, max, _ := d.Peaks()
	require.Equal(t, []float64{0, 0, 0, 0}, max)
}
