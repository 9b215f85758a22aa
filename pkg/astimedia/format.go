package astimedia

import (
	"fmt"
	"strings"
	"time"

	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/gopxl/beep/v2"
)

type ChannelID string

const (
	ChannelFrontLeft        ChannelID = "FL"
	ChannelFrontRight       ChannelID = "FR"
	ChannelFrontCenter      ChannelID = "FC"
	ChannelLFE              ChannelID = "LFE"
	ChannelRearLeft         ChannelID = "RL"
	ChannelRearRight        ChannelID = "RR"
	ChannelRearCenter       ChannelID = "RC"
	ChannelSideLeft         ChannelID = "SL"
	ChannelSideRight        ChannelID = "SR"
	ChannelFrontCenterLeft  ChannelID = "FCL"
	ChannelFrontCenterRight ChannelID = "FCR"
)

var (
	ChannelsMono   = []ChannelID{ChannelFrontCenter}
	ChannelsStereo = []ChannelID{ChannelFrontLeft, ChannelFrontRight}
)

type AudioFormat struct {
	Channels        []ChannelID
	SampleRate      int
	SamplesPerFrame int
}

func (f AudioFormat) String() string {
	cs := make([]string, 0, len(f.Channels))
	for _, c := range f.Channels {
		cs = append(cs, string(c))
	}
	return fmt.Sprintf("%dHz %s %d samples/frame", f.SampleRate, strings.Join(cs, ","), f.SamplesPerFrame)
}

func (f AudioFormat) Equal(o AudioFormat) bool {
	if f.SampleRate != o.SampleRate || f.SamplesPerFrame != o.SamplesPerFrame || len(f.Channels) != len(o.Channels) {
		return false
	}
	for idx := range f.Channels {
		if f.Channels[idx] != o.Channels[idx] {
			return false
		}
	}
	return true
}

func (f AudioFormat) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("astimedia: invalid sample rate %d", f.SampleRate)
	} else if len(f.Channels) == 0 {
		return fmt.Errorf("astimedia: no channels")
	} else if f.SamplesPerFrame <= 0 {
		return fmt.Errorf("astimedia: invalid samples per frame %d", f.SamplesPerFrame)
	}
	return nil
}

// Returns -1 if the channel is not present
func (f AudioFormat) ChannelIndex(id ChannelID) int {
	for idx, c := range f.Channels {
		if c == id {
			return idx
		}
	}
	return -1
}

func (f AudioFormat) Duration(samples int) time.Duration {
	return beep.SampleRate(f.SampleRate).D(samples)
}

func (f AudioFormat) Samples(d time.Duration) int {
	return beep.SampleRate(f.SampleRate).N(d)
}

// Stream format dictionary keys
const (
	FormatChannels        = "channels"
	FormatSampleRate      = "samplerate"
	FormatSamplesPerFrame = "samples_per_frame"
	FormatTimescale       = "timescale"
	FormatFrameDuration   = "frame_duration"
	FormatHeight          = "height"
	FormatWidth           = "width"
)

func (f AudioFormat) Dictionary() astimsg.Dictionary {
	cs := make([]astimsg.Value, 0, len(f.Channels))
	for _, c := range f.Channels {
		cs = append(cs, astimsg.StringValue(string(c)))
	}
	return astimsg.Dictionary{
		FormatChannels:        astimsg.ArrayValue(cs...),
		FormatSampleRate:      astimsg.IntValue(int64(f.SampleRate)),
		FormatSamplesPerFrame: astimsg.IntValue(int64(f.SamplesPerFrame)),
		FormatTimescale:       astimsg.IntValue(int64(f.SampleRate)),
	}
}

func AudioFormatFromDictionary(d astimsg.Dictionary) (f AudioFormat, err error) {
	sr, _ := d.GetInt(FormatSampleRate)
	spf, _ := d.GetInt(FormatSamplesPerFrame)
	f.SampleRate = int(sr)
	f.SamplesPerFrame = int(spf)
	cs, _ := d.GetArray(FormatChannels)
	for _, c := range cs {
		f.Channels = append(f.Channels, ChannelID(c.String))
	}
	err = f.Validate()
	return
}

// Samples are planar
type AudioFrame struct {
	Samples [][]float32
	// In samples
	Timestamp    int64
	ValidSamples int
}

func NewAudioFrame(f AudioFormat) *AudioFrame {
	fr := &AudioFrame{Samples: make([][]float32, len(f.Channels))}
	for idx := range fr.Samples {
		fr.Samples[idx] = make([]float32, f.SamplesPerFrame)
	}
	return fr
}

func (fr *AudioFrame) Mute() {
	for _, c := range fr.Samples {
		for idx := range c {
			c[idx] = 0
		}
	}
}

// Mutes the frame and marks it full
func (fr *AudioFrame) Silence(f AudioFormat) {
	fr.Mute()
	fr.ValidSamples = f.SamplesPerFrame
}

func (fr *AudioFrame) CopyTo(dst *AudioFrame) {
	for idx := range fr.Samples {
		if idx >= len(dst.Samples) {
			break
		}
		copy(dst.Samples[idx], fr.Samples[idx][:fr.ValidSamples])
	}
	dst.Timestamp = fr.Timestamp
	dst.ValidSamples = fr.ValidSamples
}

type VideoFormat struct {
	FrameDuration int64
	Height        int
	Timescale     int64
	Width         int
}

func (f VideoFormat) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("astimedia: invalid size %dx%d", f.Width, f.Height)
	} else if f.Timescale <= 0 {
		return fmt.Errorf("astimedia: invalid timescale %d", f.Timescale)
	}
	return nil
}

func (f VideoFormat) FrameTime() time.Duration {
	if f.Timescale <= 0 {
		return 0
	}
	return time.Duration(f.FrameDuration) * time.Second / time.Duration(f.Timescale)
}

func (f VideoFormat) Dictionary() astimsg.Dictionary {
	return astimsg.Dictionary{
		FormatFrameDuration: astimsg.IntValue(f.FrameDuration),
		FormatHeight:        astimsg.IntValue(int64(f.Height)),
		FormatTimescale:     astimsg.IntValue(f.Timescale),
		FormatWidth:         astimsg.IntValue(int64(f.Width)),
	}
}

func VideoFormatFromDictionary(d astimsg.Dictionary) (f VideoFormat, err error) {
	f.FrameDuration, _ = d.GetInt(FormatFrameDuration)
	h, _ := d.GetInt(FormatHeight)
	f.Height = int(h)
	f.Timescale, _ = d.GetInt(FormatTimescale)
	w, _ := d.GetInt(FormatWidth)
	f.Width = int(w)
	err = f.Validate()
	return
}

type VideoFrame struct {
	Data      []byte
	Duration  int64
	Timestamp int64
}
