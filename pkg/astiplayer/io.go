package astiplayer

import (
	"time"

	"github.com/asticode/go-astiplug/pkg/astifilter"
	"github.com/asticode/go-astiplug/pkg/astimedia"
	"github.com/asticode/go-astiplug/pkg/astimsg"
)

type (
	AudioChain  = astifilter.Chain[*astimedia.AudioFrame, astimedia.AudioFormat]
	AudioFilter = astifilter.Filter[*astimedia.AudioFrame, astimedia.AudioFormat]
	AudioSource = astifilter.Source[*astimedia.AudioFrame]
	VideoChain  = astifilter.Chain[*astimedia.VideoFrame, astimedia.VideoFormat]
	VideoFilter = astifilter.Filter[*astimedia.VideoFrame, astimedia.VideoFormat]
	VideoSource = astifilter.Source[*astimedia.VideoFrame]
)

// Audio device. Methods are called with the plugin handle locked.
type AudioOutput interface {
	// f may be updated with the format the device accepts
	Open(f *astimedia.AudioFormat) error
	Start() error
	Stop()
	// Returns nil when the device has no buffer available
	GetFrame() *astimedia.AudioFrame
	PutFrame(fr *astimedia.AudioFrame) error
	// In samples
	Latency() int
	Close() error
}

type VideoOutput interface {
	Open(f *astimedia.VideoFormat) error
	PutFrame(fr *astimedia.VideoFrame) error
	Close() error
}

type Input interface {
	// ok is false when there is no audio stream
	AudioSource() (src AudioSource, f astimedia.AudioFormat, ok bool)
	// ok is false when there is no video stream
	VideoSource() (src VideoSource, f astimedia.VideoFormat, ok bool)
	// ok is false when the duration is undefined
	Duration() (d time.Duration, ok bool)
	Close() error
}

// Inputs implementing it receive SRC:* commands
type ControllableInput interface {
	Input
	Controllable() *astimsg.Controllable
}

type Visualizer interface {
	Update(fr *astimedia.AudioFrame)
}
