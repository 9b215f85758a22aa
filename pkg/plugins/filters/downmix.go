package filters

import (
	"fmt"
	"math"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astimedia"
	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/asticode/go-astiplug/pkg/astiplayer"
	"github.com/asticode/go-astiplug/pkg/astiplugin"
)

const (
	NameDownmix = "downmix"

	ParameterChannels = "channels"
)

var _ astiplayer.AudioFilter = (*Downmix)(nil)

func DownmixInfo() astiplugin.Info {
	return astiplugin.Info{
		Category:    astiplugin.CategoryAudioFilter,
		Description: "Folds any channel layout into mono or stereo",
		LongName:    "Downmix",
		Name:        NameDownmix,
		Parameters: []astiplugin.ParameterInfo{
			{
				Default:     astimsg.IntValue(2),
				Description: "Number of output channels",
				Max:         astikit.Float64Ptr(2),
				Min:         astikit.Float64Ptr(1),
				Name:        ParameterChannels,
				Type:        astimsg.ValueTypeInt,
			},
		},
	}
}

// Changing the number of channels changes the output format and requires a restart
type Downmix struct {
	channels    int
	connected   int
	needRestart bool
}

func NewDownmix(o astiplugin.FactoryOptions) (interface{}, error) {
	d := &Downmix{channels: 2}
	if v, ok := o.Parameters.GetInt(ParameterChannels); ok {
		d.channels = int(v)
	}
	return d, nil
}

func (d *Downmix) Close() error {
	return nil
}

func (d *Downmix) Connect(src astiplayer.AudioSource, o *astimedia.AudioFormat) (astiplayer.AudioSource, error) {
	// Update state
	d.needRestart = false
	d.connected = d.channels

	// Get output channels
	var cs []astimedia.ChannelID
	switch d.channels {
	case 1:
		cs = astimedia.ChannelsMono
	case 2:
		cs = astimedia.ChannelsStereo
	default:
		return nil, fmt.Errorf("filters: invalid number of channels %d", d.channels)
	}

	// Nothing to do
	in := *o
	out := in
	out.Channels = cs
	if in.Equal(out) {
		return src, nil
	}

	// Update format
	*o = out
	return &downmixSource{
		m:   downmixMatrix(in, out),
		out: out,
		src: src,
	}, nil
}

func (d *Downmix) NeedRestart() bool {
	return d.needRestart
}

func (d *Downmix) Reset() {}

func (d *Downmix) SetParameter(name string, v astimsg.Value) {
	switch name {
	case ParameterChannels:
		i, ok := v.ToInt()
		if !ok {
			return
		}
		d.channels = int(i)
		d.needRestart = d.channels != d.connected
	}
}

// Indexed by output channel then input channel
type matrix [][]float32

var centerGain = float32(1 / math.Sqrt2)

func downmixMatrix(in, out astimedia.AudioFormat) (m matrix) {
	m = make(matrix, len(out.Channels))
	for o := range out.Channels {
		m[o] = make([]float32, len(in.Channels))
	}

	// Mono output averages everything
	if len(out.Channels) == 1 {
		for i := range in.Channels {
			m[0][i] = 1 / float32(len(in.Channels))
		}
		return
	}

	// Stereo output
	for i, c := range in.Channels {
		switch c {
		case astimedia.ChannelFrontLeft, astimedia.ChannelSideLeft, astimedia.ChannelRearLeft, astimedia.ChannelFrontCenterLeft:
			m[0][i] = 1
		case astimedia.ChannelFrontRight, astimedia.ChannelSideRight, astimedia.ChannelRearRight, astimedia.ChannelFrontCenterRight:
			m[1][i] = 1
		case astimedia.ChannelLFE:
		default:
			m[0][i] = centerGain
			m[1][i] = centerGain
		}
	}

	// Mono input goes to both sides at full level
	if len(in.Channels) == 1 {
		m[0][0] = 1
		m[1][0] = 1
	}
	return
}

type downmixSource struct {
	m   matrix
	out astimedia.AudioFormat
	src astiplayer.AudioSource
}

func (s *downmixSource) ReadFrame() (*astimedia.AudioFrame, error) {
	// Read
	in, err := s.src.ReadFrame()
	if err != nil {
		return nil, err
	}

	// Mix
	out := astimedia.NewAudioFrame(s.out)
	out.Timestamp = in.Timestamp
	out.ValidSamples = in.ValidSamples
	for o, row := range s.m {
		dst := out.Samples[o]
		for i, g := range row {
			if g == 0 || i >= len(in.Samples) {
				continue
			}
			for idx := 0; idx < in.ValidSamples && idx < len(dst); idx++ {
				dst[idx] += g * in.Samples[i][idx]
			}
		}
	}
	return out, nil
}

func (s *downmixSource) Reset() {
	s.src.Reset()
}
