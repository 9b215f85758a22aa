package outputs

import (
	"sync/atomic"

	"github.com/asticode/go-astiplug/pkg/astimedia"
	"github.com/asticode/go-astiplug/pkg/astiplayer"
	"github.com/asticode/go-astiplug/pkg/astiplugin"
)

const NameNull = "null"

var (
	_ astiplayer.AudioOutput = (*NullAudio)(nil)
	_ astiplayer.VideoOutput = (*NullVideo)(nil)
)

func NullAudioInfo() astiplugin.Info {
	return astiplugin.Info{
		Category:    astiplugin.CategoryAudioOutput,
		Description: "Discards audio frames",
		LongName:    "Null audio output",
		Name:        NameNull,
	}
}

type NullAudio struct {
	frame   *astimedia.AudioFrame
	samples atomic.Uint64
}

func NewNullAudio(astiplugin.FactoryOptions) (interface{}, error) {
	return &NullAudio{}, nil
}

func (o *NullAudio) Open(f *astimedia.AudioFormat) error {
	o.frame = astimedia.NewAudioFrame(*f)
	return nil
}

func (o *NullAudio) Start() error { return nil }

func (o *NullAudio) Stop() {}

// The same buffer is always handed out
func (o *NullAudio) GetFrame() *astimedia.AudioFrame {
	return o.frame
}

func (o *NullAudio) PutFrame(fr *astimedia.AudioFrame) error {
	o.samples.Add(uint64(fr.ValidSamples))
	return nil
}

func (o *NullAudio) Latency() int { return 0 }

func (o *NullAudio) Close() error {
	o.frame = nil
	return nil
}

// Total number of samples discarded
func (o *NullAudio) Samples() uint64 {
	return o.samples.Load()
}

func NullVideoInfo() astiplugin.Info {
	return astiplugin.Info{
		Category:    astiplugin.CategoryVideoOutput,
		Description: "Discards video frames",
		LongName:    "Null video output",
		Name:        NameNull,
	}
}

type NullVideo struct {
	frames atomic.Uint64
}

func NewNullVideo(astiplugin.FactoryOptions) (interface{}, error) {
	return &NullVideo{}, nil
}

func (o *NullVideo) Open(*astimedia.VideoFormat) error { return nil }

func (o *NullVideo) PutFrame(*astimedia.VideoFrame) error {
	o.frames.Add(1)
	return nil
}

func (o *NullVideo) Close() error { return nil }

func (o *NullVideo) Frames() uint64 {
	return o.frames.Load()
}
