package mocks

import (
	"sync"

	"github.com/asticode/go-astiplug/pkg/astimedia"
	"github.com/asticode/go-astiplug/pkg/astiplayer"
)

type MockedAudioOutput struct {
	closes  int
	format  astimedia.AudioFormat
	frames  []*astimedia.AudioFrame
	latency int
	m       sync.Mutex
	opens   int
	putErr  error
	starts  int
	stops   int
}

var _ astiplayer.AudioOutput = (*MockedAudioOutput)(nil)

func NewMockedAudioOutput() *MockedAudioOutput {
	return &MockedAudioOutput{}
}

func (o *MockedAudioOutput) Open(f *astimedia.AudioFormat) error {
	o.m.Lock()
	defer o.m.Unlock()
	o.format = *f
	o.opens++
	return nil
}

func (o *MockedAudioOutput) Start() error {
	o.m.Lock()
	defer o.m.Unlock()
	o.starts++
	return nil
}

func (o *MockedAudioOutput) Stop() {
	o.m.Lock()
	defer o.m.Unlock()
	o.stops++
}

func (o *MockedAudioOutput) GetFrame() *astimedia.AudioFrame { return nil }

func (o *MockedAudioOutput) PutFrame(fr *astimedia.AudioFrame) error {
	o.m.Lock()
	defer o.m.Unlock()
	if o.putErr != nil {
		return o.putErr
	}
	cp := astimedia.NewAudioFrame(o.format)
	fr.CopyTo(cp)
	o.frames = append(o.frames, cp)
	return nil
}

func (o *MockedAudioOutput) Latency() int {
	o.m.Lock()
	defer o.m.Unlock()
	return o.latency
}

func (o *MockedAudioOutput) Close() error {
	o.m.Lock()
	defer o.m.Unlock()
	o.closes++
	return nil
}

func (o *MockedAudioOutput) SetLatency(latency int) {
	o.m.Lock()
	defer o.m.Unlock()
	o.latency = latency
}

func (o *MockedAudioOutput) SetPutError(err error) {
	o.m.Lock()
	defer o.m.Unlock()
	o.putErr = err
}

func (o *MockedAudioOutput) Format() astimedia.AudioFormat {
	o.m.Lock()
	defer o.m.Unlock()
	return o.format
}

func (o *MockedAudioOutput) Frames() []*astimedia.AudioFrame {
	o.m.Lock()
	defer o.m.Unlock()
	return append([]*astimedia.AudioFrame{}, o.frames...)
}

func (o *MockedAudioOutput) NumFrames() int {
	o.m.Lock()
	defer o.m.Unlock()
	return len(o.frames)
}

// Returns opens, starts, stops and closes
func (o *MockedAudioOutput) Counts() (opens, starts, stops, closes int) {
	o.m.Lock()
	defer o.m.Unlock()
	return o.opens, o.starts, o.stops, o.closes
}

type MockedVideoOutput struct {
	closes int
	format astimedia.VideoFormat
	frames []*astimedia.VideoFrame
	m      sync.Mutex
	opens  int
}

var _ astiplayer.VideoOutput = (*MockedVideoOutput)(nil)

func NewMockedVideoOutput() *MockedVideoOutput {
	return &MockedVideoOutput{}
}

func (o *MockedVideoOutput) Open(f *astimedia.VideoFormat) error {
	o.m.Lock()
	defer o.m.Unlock()
	o.format = *f
	o.opens++
	return nil
}

func (o *MockedVideoOutput) PutFrame(fr *astimedia.VideoFrame) error {
	o.m.Lock()
	defer o.m.Unlock()
	o.frames = append(o.frames, fr)
	return nil
}

func (o *MockedVideoOutput) Close() error {
	o.m.Lock()
	defer o.m.Unlock()
	o.closes++
	return nil
}

func (o *MockedVideoOutput) NumFrames() int {
	o.m.Lock()
	defer o.m.Unlock()
	return len(o.frames)
}

func (o *MockedVideoOutput) Closes() int {
	o.m.Lock()
	defer o.m.Unlock()
	return o.closes
}
