package mocks

import (
	"io"
	"sync"
	"time"

	"github.com/asticode/go-astiplug/pkg/astimedia"
	"github.com/asticode/go-astiplug/pkg/astiplayer"
)

type MockedInput struct {
	Audio         *MockedAudioSource
	AudioFormat   astimedia.AudioFormat
	Closed        bool
	DurationValue time.Duration
	// When false, duration is undefined
	HasDuration bool
	Video       *MockedVideoSource
	VideoFormat astimedia.VideoFormat
}

var _ astiplayer.Input = (*MockedInput)(nil)

func (i *MockedInput) AudioSource() (astiplayer.AudioSource, astimedia.AudioFormat, bool) {
	if i.Audio == nil {
		return nil, astimedia.AudioFormat{}, false
	}
	return i.Audio, i.AudioFormat, true
}

func (i *MockedInput) VideoSource() (astiplayer.VideoSource, astimedia.VideoFormat, bool) {
	if i.Video == nil {
		return nil, astimedia.VideoFormat{}, false
	}
	return i.Video, i.VideoFormat, true
}

func (i *MockedInput) Duration() (time.Duration, bool) {
	return i.DurationValue, i.HasDuration
}

func (i *MockedInput) Close() error {
	i.Closed = true
	return nil
}

// Produces frames filled with Value
type MockedAudioSource struct {
	f     astimedia.AudioFormat
	m     sync.Mutex
	max   int
	n     int
	value float32
}

// A negative max produces frames forever
func NewMockedAudioSource(f astimedia.AudioFormat, max int, value float32) *MockedAudioSource {
	return &MockedAudioSource{
		f:     f,
		max:   max,
		value: value,
	}
}

func (s *MockedAudioSource) ReadFrame() (*astimedia.AudioFrame, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.max >= 0 && s.n >= s.max {
		return nil, io.EOF
	}
	fr := astimedia.NewAudioFrame(s.f)
	for _, c := range fr.Samples {
		for idx := range c {
			c[idx] = s.value
		}
	}
	fr.Timestamp = int64(s.n * s.f.SamplesPerFrame)
	s.n++
	return fr, nil
}

func (s *MockedAudioSource) Reset() {
	s.m.Lock()
	defer s.m.Unlock()
	s.n = 0
}

func (s *MockedAudioSource) NumFrames() int {
	s.m.Lock()
	defer s.m.Unlock()
	return s.n
}

type MockedVideoSource struct {
	duration int64
	m        sync.Mutex
	max      int
	n        int
}

// duration is expressed in the video format timescale
func NewMockedVideoSource(max int, duration int64) *MockedVideoSource {
	return &MockedVideoSource{
		duration: duration,
		max:      max,
	}
}

func (s *MockedVideoSource) ReadFrame() (*astimedia.VideoFrame, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.max >= 0 && s.n >= s.max {
		return nil, io.EOF
	}
	fr := &astimedia.VideoFrame{
		Duration:  s.duration,
		Timestamp: int64(s.n) * s.duration,
	}
	s.n++
	return fr, nil
}

func (s *MockedVideoSource) Reset() {
	s.m.Lock()
	defer s.m.Unlock()
	s.n = 0
}
