package inputs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astimedia"
	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/asticode/go-astiplug/pkg/astiplayer"
	"github.com/asticode/go-astiplug/pkg/astiplug"
	"github.com/asticode/go-astiplug/pkg/astiplugin"
)

const (
	NamePlug = "plug"

	ParameterLocation = "location"
	ParameterTrack    = "track"
)

var _ astiplayer.ControllableInput = (*Plug)(nil)

func PlugInfo() astiplugin.Info {
	return astiplugin.Info{
		Category:    astiplugin.CategoryInput,
		Description: "Reads raw audio and video packets from a plug",
		LongName:    "Plug input",
		Name:        NamePlug,
		Parameters: []astiplugin.ParameterInfo{
			{
				Description: "Plug location",
				Name:        ParameterLocation,
				Type:        astimsg.ValueTypeString,
			},
			{
				Default:     astimsg.IntValue(0),
				Description: "Track selected when the plug is multi track",
				Min:         astikit.Float64Ptr(0),
				Name:        ParameterTrack,
				Type:        astimsg.ValueTypeInt,
			},
		},
		Protocols: []string{"file", "tcp", "tcpserv", "unix", "unixserv", "ws", "wss"},
	}
}

// Packets of the selected track are demuxed into one queue per consumed stream. Streams whose source has
// not been requested are dropped.
type Plug struct {
	audio       *plugStream
	audioFormat astimedia.AudioFormat
	discard     atomic.Bool
	duration    time.Duration
	evt         *astimsg.Sink
	hasDuration bool
	l           astikit.CompleteLogger
	m           sync.Mutex // Locks queues and packet reads
	queues      map[int][]*astiplug.Packet
	r           *astiplug.Reader
	video       *plugStream
	videoFormat astimedia.VideoFormat
}

func NewPlug(o astiplugin.FactoryOptions) (interface{}, error) {
	// Get location
	location, _ := o.Parameters.GetString(ParameterLocation)
	if location == "" {
		return nil, errors.New("inputs: location is empty")
	}
	track, _ := o.Parameters.GetInt(ParameterTrack)

	// Create plug
	p := &Plug{
		l:      astikit.AdaptStdLogger(o.Logger),
		queues: make(map[int][]*astiplug.Packet),
		r:      astiplug.NewReader(astiplug.ReaderOptions{Logger: o.Logger}),
	}

	// Open
	if err := p.open(location, int(track)); err != nil {
		p.r.Close()
		return nil, err
	}
	return p, nil
}

func (p *Plug) open(location string, track int) error {
	// Open reader
	if err := p.r.Open(context.Background(), location); err != nil {
		return fmt.Errorf("inputs: opening reader failed: %w", err)
	}

	// Select track
	if p.r.MediaInfo().Multitrack() {
		if err := p.r.SelectTrack(track); err != nil {
			return fmt.Errorf("inputs: selecting track %d failed: %w", track, err)
		}
	}

	// Get duration
	if d, ok := p.r.MediaInfo().Metadata.GetFloat(astiplug.MetaApproxDuration); ok && d > 0 {
		p.duration = time.Duration(d * float64(time.Second))
		p.hasDuration = true
	}

	// Loop through streams
	for _, s := range p.r.Streams() {
		switch s.Type {
		case astiplug.StreamTypeAudio:
			if p.audio != nil {
				continue
			}
			f, err := astimedia.AudioFormatFromDictionary(s.Format)
			if err != nil {
				p.l.Warn(fmt.Errorf("inputs: parsing audio stream %d format failed: %w", s.ID, err))
				continue
			}
			p.audio = &plugStream{id: s.ID, p: p}
			p.audioFormat = f
		case astiplug.StreamTypeVideo:
			if p.video != nil {
				continue
			}
			f, err := astimedia.VideoFormatFromDictionary(s.Format)
			if err != nil {
				p.l.Warn(fmt.Errorf("inputs: parsing video stream %d format failed: %w", s.ID, err))
				continue
			}
			p.video = &plugStream{id: s.ID, p: p}
			p.videoFormat = f
		}
	}

	// No usable stream
	if p.audio == nil && p.video == nil {
		return errors.New("inputs: no usable stream")
	}

	// Queued packets are discarded on resyncs that require it
	p.evt = astimsg.NewSink(astimsg.SinkOptions{
		Handler: func(m *astimsg.Message) bool {
			if m.Is(astimsg.NamespaceGavf, astimsg.IDGavfResync) && astiplug.ResyncFromMessage(m).Discard {
				p.discard.Store(true)
			}
			return true
		},
		Synchronous: true,
	})
	p.r.Controllable().EvtHub().Connect(p.evt)

	// Start
	if err := p.r.Start(); err != nil {
		return fmt.Errorf("inputs: starting reader failed: %w", err)
	}
	return nil
}

func (p *Plug) Reader() *astiplug.Reader {
	return p.r
}

// SRC commands are sent to the writer through the backchannel
func (p *Plug) Controllable() *astimsg.Controllable {
	return p.r.Controllable()
}

func (p *Plug) enable(s *plugStream) {
	p.m.Lock()
	defer p.m.Unlock()
	if _, ok := p.queues[s.id]; !ok {
		p.queues[s.id] = nil
	}
}

func (p *Plug) AudioSource() (astiplayer.AudioSource, astimedia.AudioFormat, bool) {
	if p.audio == nil {
		return nil, astimedia.AudioFormat{}, false
	}
	p.enable(p.audio)
	return &plugAudioSource{f: p.audioFormat, s: p.audio}, p.audioFormat, true
}

func (p *Plug) VideoSource() (astiplayer.VideoSource, astimedia.VideoFormat, bool) {
	if p.video == nil {
		return nil, astimedia.VideoFormat{}, false
	}
	p.enable(p.video)
	return &plugVideoSource{s: p.video}, p.videoFormat, true
}

func (p *Plug) Duration() (time.Duration, bool) {
	return p.duration, p.hasDuration
}

func (p *Plug) Close() error {
	if p.evt != nil {
		p.r.Controllable().EvtHub().Disconnect(p.evt)
		p.evt.Close()
	}
	if err := p.r.Close(); err != nil {
		return fmt.Errorf("inputs: closing reader failed: %w", err)
	}
	return nil
}

// Mutex should be locked
func (p *Plug) discardUnlocked() {
	if !p.discard.Swap(false) {
		return
	}
	for id := range p.queues {
		p.queues[id] = nil
	}
}

func (p *Plug) next(id int) (*astiplug.Packet, error) {
	// Lock
	p.m.Lock()
	defer p.m.Unlock()

	for {
		// Discard
		p.discardUnlocked()

		// Queued packet
		if q := p.queues[id]; len(q) > 0 {
			pkt := q[0]
			p.queues[id] = q[1:]
			return pkt, nil
		}

		// Read
		pkt, err := p.r.ReadPacket()
		if err != nil {
			return nil, err
		}

		// A resync may have been read in the meantime
		p.discardUnlocked()

		// Dispatch
		if pkt.StreamID == id {
			return pkt, nil
		} else if q, ok := p.queues[pkt.StreamID]; ok {
			p.queues[pkt.StreamID] = append(q, pkt)
		}
	}
}

func (p *Plug) reset(id int) {
	p.m.Lock()
	defer p.m.Unlock()
	if _, ok := p.queues[id]; ok {
		p.queues[id] = nil
	}
}

type plugStream struct {
	id int
	p  *Plug
}

type plugAudioSource struct {
	f astimedia.AudioFormat
	s *plugStream
}

func (s *plugAudioSource) ReadFrame() (*astimedia.AudioFrame, error) {
	// Next packet
	pkt, err := s.s.p.next(s.s.id)
	if err != nil {
		return nil, err
	}

	// Decode
	fr := astimedia.NewAudioFrame(s.f)
	if err = astimedia.DecodePCM(pkt.Data, fr); err != nil {
		return nil, fmt.Errorf("inputs: decoding pcm failed: %w", err)
	}
	fr.Timestamp = pkt.PTS
	return fr, nil
}

func (s *plugAudioSource) Reset() {
	s.s.p.reset(s.s.id)
}

type plugVideoSource struct {
	s *plugStream
}

func (s *plugVideoSource) ReadFrame() (*astimedia.VideoFrame, error) {
	pkt, err := s.s.p.next(s.s.id)
	if err != nil {
		return nil, err
	}
	return &astimedia.VideoFrame{
		Data:      pkt.Data,
		Duration:  pkt.Duration,
		Timestamp: pkt.PTS,
	}, nil
}

func (s *plugVideoSource) Reset() {
	s.s.p.reset(s.s.id)
}
