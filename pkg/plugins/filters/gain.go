package filters

import (
	"math"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astimedia"
	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/asticode/go-astiplug/pkg/astiplayer"
	"github.com/asticode/go-astiplug/pkg/astiplugin"
)

const (
	NameGain = "gain"

	// In dB
	ParameterGain = "gain"
)

var _ astiplayer.AudioFilter = (*Gain)(nil)

func GainInfo() astiplugin.Info {
	return astiplugin.Info{
		Category:    astiplugin.CategoryAudioFilter,
		Description: "Amplifies or attenuates all channels",
		LongName:    "Gain",
		Name:        NameGain,
		Parameters: []astiplugin.ParameterInfo{
			{
				Default:     astimsg.FloatValue(0),
				Description: "Gain in dB",
				Max:         astikit.Float64Ptr(20),
				Min:         astikit.Float64Ptr(-40),
				Name:        ParameterGain,
				Type:        astimsg.ValueTypeFloat,
			},
		},
	}
}

// Parameters are applied live, the chain never needs to be restarted
type Gain struct {
	db     float64
	factor float32
}

func NewGain(o astiplugin.FactoryOptions) (interface{}, error) {
	g := &Gain{}
	db, _ := o.Parameters.GetFloat(ParameterGain)
	g.setGain(db)
	return g, nil
}

func (g *Gain) setGain(db float64) {
	g.db = db
	g.factor = float32(math.Pow(10, db/20))
}

// In dB
func (g *Gain) Gain() float64 {
	return g.db
}

func (g *Gain) Close() error {
	return nil
}

func (g *Gain) Connect(src astiplayer.AudioSource, _ *astimedia.AudioFormat) (astiplayer.AudioSource, error) {
	return &gainSource{
		g:   g,
		src: src,
	}, nil
}

func (g *Gain) NeedRestart() bool {
	return false
}

func (g *Gain) Reset() {}

func (g *Gain) SetParameter(name string, v astimsg.Value) {
	switch name {
	case ParameterGain:
		if db, ok := v.ToFloat(); ok {
			g.setGain(db)
		}
	}
}

type gainSource struct {
	g   *Gain
	src astiplayer.AudioSource
}

func (s *gainSource) ReadFrame() (*astimedia.AudioFrame, error) {
	// Read
	fr, err := s.src.ReadFrame()
	if err != nil {
		return nil, err
	}

	// Unity
	if s.g.factor == 1 {
		return fr, nil
	}

	// Apply
	for _, c := range fr.Samples {
		for idx := 0; idx < fr.ValidSamples && idx < len(c); idx++ {
			c[idx] *= s.g.factor
		}
	}
	return fr, nil
}

func (s *gainSource) Reset() {
	s.src.Reset()
}
