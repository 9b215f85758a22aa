package outputs

import (
	"context"
	"errors"
	"fmt"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astimedia"
	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/asticode/go-astiplug/pkg/astiplayer"
	"github.com/asticode/go-astiplug/pkg/astiplug"
	"github.com/asticode/go-astiplug/pkg/astiplugin"
)

const (
	NamePlug = "plug"

	ParameterCompression = "compression"
	ParameterLocation    = "location"
)

var _ astiplayer.AudioOutput = (*Plug)(nil)

func PlugInfo() astiplugin.Info {
	return astiplugin.Info{
		Category:    astiplugin.CategoryAudioOutput,
		Description: "Writes raw float32 samples to a plug",
		LongName:    "Plug audio output",
		Name:        NamePlug,
		Parameters: []astiplugin.ParameterInfo{
			{
				Description: "Plug location",
				Name:        ParameterLocation,
				Type:        astimsg.ValueTypeString,
			},
			{
				Description: "Packet compression, either empty or snappy",
				Name:        ParameterCompression,
				Type:        astimsg.ValueTypeString,
			},
		},
	}
}

// Each opening writes a new single track stream
type Plug struct {
	compression astiplug.Compression
	l           astikit.StdLogger
	location    string
	w           *astiplug.Writer
}

func NewPlug(o astiplugin.FactoryOptions) (interface{}, error) {
	p := &Plug{l: o.Logger}
	p.location, _ = o.Parameters.GetString(ParameterLocation)
	if p.location == "" {
		return nil, errors.New("outputs: location is empty")
	}
	if c, _ := o.Parameters.GetString(ParameterCompression); c != "" {
		p.compression = astiplug.Compression(c)
		if p.compression != astiplug.CompressionSnappy {
			return nil, fmt.Errorf("outputs: invalid compression %s", c)
		}
	}
	return p, nil
}

// Blocks until a consumer connects when the location is a server
func (p *Plug) Open(f *astimedia.AudioFormat) error {
	// Create writer
	w := astiplug.NewWriter(astiplug.WriterOptions{Logger: p.l})

	// Open
	if err := w.Open(context.Background(), p.location); err != nil {
		return fmt.Errorf("outputs: opening writer failed: %w", err)
	}

	// Add stream
	if err := w.AddStream(astiplug.StreamDescriptor{
		Compression: p.compression,
		Format:      f.Dictionary(),
		Type:        astiplug.StreamTypeAudio,
	}); err != nil {
		w.Close()
		return fmt.Errorf("outputs: adding stream failed: %w", err)
	}

	// Start
	if err := w.Start(); err != nil {
		w.Close()
		return fmt.Errorf("outputs: starting writer failed: %w", err)
	}
	p.w = w
	return nil
}

func (p *Plug) Writer() *astiplug.Writer {
	return p.w
}

func (p *Plug) Start() error { return nil }

func (p *Plug) Stop() {}

func (p *Plug) GetFrame() *astimedia.AudioFrame { return nil }

func (p *Plug) PutFrame(fr *astimedia.AudioFrame) error {
	if p.w == nil {
		return ErrClosed
	}
	return p.w.PutPacket(&astiplug.Packet{
		Data:     astimedia.EncodePCM(fr),
		Duration: int64(fr.ValidSamples),
		Flags:    astiplug.PacketFlagKeyframe,
		PTS:      fr.Timestamp,
	})
}

func (p *Plug) Latency() int { return 0 }

func (p *Plug) Close() error {
	if p.w == nil {
		return nil
	}
	w := p.w
	p.w = nil
	if err := w.Close(); err != nil {
		return fmt.Errorf("outputs: closing writer failed: %w", err)
	}
	return nil
}
