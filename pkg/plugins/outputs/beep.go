package outputs

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astimedia"
	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/asticode/go-astiplug/pkg/astiplayer"
	"github.com/asticode/go-astiplug/pkg/astiplugin"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
)

const (
	NameBeep = "beep"

	// In frames
	ParameterBuffer = "buffer"
	// When set, samples are encoded to a wav file
	ParameterPath = "path"
	// In bytes per sample
	ParameterPrecision = "precision"
)

var ErrClosed = errors.New("outputs: output is closed")

var _ astiplayer.AudioOutput = (*Beep)(nil)

func BeepInfo() astiplugin.Info {
	return astiplugin.Info{
		Category:    astiplugin.CategoryAudioOutput,
		Description: "Exposes played samples as a beep streamer, optionally encoded to a wav file",
		LongName:    "Beep",
		Name:        NameBeep,
		Parameters: []astiplugin.ParameterInfo{
			{
				Default:     astimsg.IntValue(8),
				Description: "Number of frames buffered before writes block",
				Max:         astikit.Float64Ptr(1024),
				Min:         astikit.Float64Ptr(1),
				Name:        ParameterBuffer,
				Type:        astimsg.ValueTypeInt,
			},
			{
				Description: "Path of the wav file",
				Name:        ParameterPath,
				Type:        astimsg.ValueTypeString,
			},
			{
				Default:     astimsg.IntValue(2),
				Description: "Wav sample precision in bytes",
				Max:         astikit.Float64Ptr(3),
				Min:         astikit.Float64Ptr(1),
				Name:        ParameterPrecision,
				Type:        astimsg.ValueTypeInt,
			},
		},
	}
}

// Frames put in the output are pulled through Streamer(). Without a path, the streamer must be consumed
// by the caller, a speaker for instance, otherwise writes block once the buffer is full.
type Beep struct {
	buffer    int
	f         astimedia.AudioFormat
	l         astikit.CompleteLogger
	m         sync.Mutex // Locks s
	path      string
	precision int
	s         *beepStreamer
	started   bool
	wg        sync.WaitGroup
}

func NewBeep(o astiplugin.FactoryOptions) (interface{}, error) {
	b := &Beep{
		buffer:    8,
		l:         astikit.AdaptStdLogger(o.Logger),
		precision: 2,
	}
	if v, ok := o.Parameters.GetInt(ParameterBuffer); ok {
		b.buffer = int(v)
	}
	b.path, _ = o.Parameters.GetString(ParameterPath)
	if v, ok := o.Parameters.GetInt(ParameterPrecision); ok {
		b.precision = int(v)
	}
	return b, nil
}

func (b *Beep) Open(f *astimedia.AudioFormat) error {
	// Check format
	if len(f.Channels) > 2 {
		return fmt.Errorf("outputs: %d channels are not supported, use a downmix filter", len(f.Channels))
	}

	// Create streamer
	s := newBeepStreamer(b.buffer)
	b.m.Lock()
	b.f = *f
	b.s = s
	b.m.Unlock()

	// No file
	if b.path == "" {
		return nil
	}

	// Create file
	fl, err := os.Create(b.path)
	if err != nil {
		return fmt.Errorf("outputs: creating %s failed: %w", b.path, err)
	}

	// Encode
	bf := beep.Format{
		NumChannels: len(f.Channels),
		Precision:   b.precision,
		SampleRate:  beep.SampleRate(f.SampleRate),
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer fl.Close()
		if err := wav.Encode(fl, s, bf); err != nil {
			b.l.Warn(fmt.Errorf("outputs: encoding wav to %s failed: %w", b.path, err))
		}
	}()
	return nil
}

// Streamer of the current opening, nil when the output is closed
func (b *Beep) Streamer() beep.Streamer {
	b.m.Lock()
	defer b.m.Unlock()
	if b.s == nil {
		return nil
	}
	return b.s
}

func (b *Beep) Format() beep.Format {
	b.m.Lock()
	defer b.m.Unlock()
	return beep.Format{
		NumChannels: len(b.f.Channels),
		Precision:   b.precision,
		SampleRate:  beep.SampleRate(b.f.SampleRate),
	}
}

func (b *Beep) Start() error {
	b.started = true
	return nil
}

func (b *Beep) Stop() {
	b.started = false
}

func (b *Beep) GetFrame() *astimedia.AudioFrame {
	return nil
}

func (b *Beep) PutFrame(fr *astimedia.AudioFrame) error {
	// Get streamer
	b.m.Lock()
	s := b.s
	b.m.Unlock()
	if s == nil {
		return ErrClosed
	}

	// Interleave
	samples := make([][2]float64, fr.ValidSamples)
	for idx := range samples {
		switch len(fr.Samples) {
		case 0:
		case 1:
			samples[idx][0] = float64(fr.Samples[0][idx])
			samples[idx][1] = samples[idx][0]
		default:
			samples[idx][0] = float64(fr.Samples[0][idx])
			samples[idx][1] = float64(fr.Samples[1][idx])
		}
	}

	// Queue
	s.queued.Add(int64(len(samples)))
	s.ch <- samples
	return nil
}

func (b *Beep) Latency() int {
	b.m.Lock()
	defer b.m.Unlock()
	if b.s == nil {
		return 0
	}
	return int(b.s.queued.Load())
}

// Pending samples are flushed to the wav file before returning
func (b *Beep) Close() error {
	// Get streamer
	b.m.Lock()
	s := b.s
	b.s = nil
	b.m.Unlock()
	if s == nil {
		return nil
	}

	// End of stream
	close(s.ch)

	// Wait for the encoder
	b.wg.Wait()
	return nil
}

var _ beep.Streamer = (*beepStreamer)(nil)

type beepStreamer struct {
	ch      chan [][2]float64
	pending [][2]float64
	queued  atomic.Int64
}

func newBeepStreamer(buffer int) *beepStreamer {
	return &beepStreamer{ch: make(chan [][2]float64, buffer)}
}

// Blocks until samples is full or the output is closed
func (s *beepStreamer) Stream(samples [][2]float64) (n int, ok bool) {
	for n < len(samples) {
		// Get next chunk
		if len(s.pending) == 0 {
			var open bool
			if s.pending, open = <-s.ch; !open {
				return n, n > 0
			}
		}

		// Copy
		c := copy(samples[n:], s.pending)
		s.pending = s.pending[c:]
		s.queued.Add(-int64(c))
		n += c
	}
	return n, true
}

func (s *beepStreamer) Err() error {
	return nil
}
