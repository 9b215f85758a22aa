package inputs

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astimedia"
	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/asticode/go-astiplug/pkg/astiplayer"
	"github.com/asticode/go-astiplug/pkg/astiplugin"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/generators"
)

const (
	NameTone = "tone"

	ParameterAmplitude       = "amplitude"
	ParameterChannels        = "channels"
	ParameterDuration        = "duration"
	ParameterFrequency       = "frequency"
	ParameterSampleRate      = "samplerate"
	ParameterSamplesPerFrame = "samples_per_frame"
)

var _ astiplayer.Input = (*Tone)(nil)

func ToneInfo() astiplugin.Info {
	return astiplugin.Info{
		Category:    astiplugin.CategoryInput,
		Description: "Generates a sine tone",
		LongName:    "Tone generator",
		Name:        NameTone,
		Parameters: []astiplugin.ParameterInfo{
			{
				Default: astimsg.FloatValue(0.5),
				Max:     astikit.Float64Ptr(1),
				Min:     astikit.Float64Ptr(0),
				Name:    ParameterAmplitude,
				Type:    astimsg.ValueTypeFloat,
			},
			{
				Default: astimsg.IntValue(2),
				Max:     astikit.Float64Ptr(2),
				Min:     astikit.Float64Ptr(1),
				Name:    ParameterChannels,
				Type:    astimsg.ValueTypeInt,
			},
			{
				Default:     astimsg.FloatValue(0),
				Description: "Duration in seconds, 0 generates forever",
				Min:         astikit.Float64Ptr(0),
				Name:        ParameterDuration,
				Type:        astimsg.ValueTypeFloat,
			},
			{
				Default: astimsg.FloatValue(440),
				Min:     astikit.Float64Ptr(1),
				Name:    ParameterFrequency,
				Type:    astimsg.ValueTypeFloat,
			},
			{
				Default: astimsg.IntValue(48000),
				Min:     astikit.Float64Ptr(8000),
				Name:    ParameterSampleRate,
				Type:    astimsg.ValueTypeInt,
			},
			{
				Default: astimsg.IntValue(1024),
				Min:     astikit.Float64Ptr(16),
				Name:    ParameterSamplesPerFrame,
				Type:    astimsg.ValueTypeInt,
			},
		},
	}
}

type Tone struct {
	amplitude float32
	duration  time.Duration
	f         astimedia.AudioFormat
	frequency float64
	l         astikit.CompleteLogger
	s         *toneSource
}

func NewTone(o astiplugin.FactoryOptions) (interface{}, error) {
	// Parse parameters
	t := &Tone{l: astikit.AdaptStdLogger(o.Logger)}
	a, _ := o.Parameters.GetFloat(ParameterAmplitude)
	t.amplitude = float32(a)
	d, _ := o.Parameters.GetFloat(ParameterDuration)
	t.duration = time.Duration(d * float64(time.Second))
	t.frequency, _ = o.Parameters.GetFloat(ParameterFrequency)
	sr, _ := o.Parameters.GetInt(ParameterSampleRate)
	spf, _ := o.Parameters.GetInt(ParameterSamplesPerFrame)
	t.f = astimedia.AudioFormat{
		Channels:        astimedia.ChannelsStereo,
		SampleRate:      int(sr),
		SamplesPerFrame: int(spf),
	}
	if c, _ := o.Parameters.GetInt(ParameterChannels); c == 1 {
		t.f.Channels = astimedia.ChannelsMono
	}

	// Validate
	if err := t.f.Validate(); err != nil {
		return nil, fmt.Errorf("inputs: invalid format: %w", err)
	}

	// Create source
	t.s = &toneSource{t: t}
	if err := t.s.reset(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tone) AudioSource() (astiplayer.AudioSource, astimedia.AudioFormat, bool) {
	return t.s, t.f, true
}

func (t *Tone) VideoSource() (astiplayer.VideoSource, astimedia.VideoFormat, bool) {
	return nil, astimedia.VideoFormat{}, false
}

func (t *Tone) Duration() (time.Duration, bool) {
	return t.duration, t.duration > 0
}

func (t *Tone) Close() error {
	return nil
}

type toneSource struct {
	buf [][2]float64
	m   sync.Mutex // Locks buf, pos, s
	pos int64
	s   beep.Streamer
	t   *Tone
}

// Mutex should be locked
func (s *toneSource) reset() error {
	// Create generator
	g, err := generators.SineTone(beep.SampleRate(s.t.f.SampleRate), s.t.frequency)
	if err != nil {
		return fmt.Errorf("inputs: creating sine tone failed: %w", err)
	}

	// Limit duration
	if s.t.duration > 0 {
		g = beep.Take(beep.SampleRate(s.t.f.SampleRate).N(s.t.duration), g)
	}
	s.s = g
	s.pos = 0
	return nil
}

func (s *toneSource) ReadFrame() (*astimedia.AudioFrame, error) {
	// Lock
	s.m.Lock()
	defer s.m.Unlock()

	// Stream
	if s.buf == nil {
		s.buf = make([][2]float64, s.t.f.SamplesPerFrame)
	}
	n, ok := s.s.Stream(s.buf)
	if n == 0 && !ok {
		return nil, io.EOF
	}

	// Create frame
	fr := astimedia.NewAudioFrame(s.t.f)
	for c := range fr.Samples {
		for idx := 0; idx < n; idx++ {
			fr.Samples[c][idx] = float32(s.buf[idx][c]) * s.t.amplitude
		}
	}
	fr.Timestamp = s.pos
	fr.ValidSamples = n
	s.pos += int64(n)
	return fr, nil
}

func (s *toneSource) Reset() {
	s.m.Lock()
	defer s.m.Unlock()
	if err := s.reset(); err != nil {
		s.t.l.Warn(fmt.Errorf("inputs: resetting tone failed: %w", err))
	}
}
