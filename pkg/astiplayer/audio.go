package astiplayer

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astimedia"
	"github.com/asticode/go-astiplug/pkg/astiplugin"
)

type audioStream struct {
	chain          *AudioChain
	configM        sync.Mutex // Locks format, in, inFormat, out, outOpened, src
	eof            bool
	eofM           sync.Mutex // Locks eof, sendSilence
	format         astimedia.AudioFormat
	frame          *astimedia.AudioFrame
	in             AudioSource
	inFormat       astimedia.AudioFormat
	mute           bool
	muteFrame      *astimedia.AudioFrame
	muteM          sync.Mutex // Locks mute
	out            *astiplugin.Handle[AudioOutput]
	outOpened      bool
	p              *Player
	peak           *astimedia.PeakDetector
	samplesWritten int64
	sendSilence    bool
	src            AudioSource
	th             *thread
	timeM          sync.Mutex // Locks samplesWritten
	volume         *astimedia.VolumeControl
	volumeM        sync.Mutex // Locks volume
}

func newAudioStream(p *Player, chain *AudioChain) *audioStream {
	s := &audioStream{
		chain:  chain,
		eof:    true,
		p:      p,
		th:     newThread(),
		volume: astimedia.NewVolumeControl(),
	}
	s.peak = astimedia.NewPeakDetector(s.onPeak)
	return s
}

func (s *audioStream) onPeak(samples int, _, _, peak []float64) {
	ps := astimedia.StereoPeaks(s.peak.Format(), peak)
	s.p.sendPeak(samples, ps)
	s.peak.Reset()
}

func (s *audioStream) active() bool {
	s.configM.Lock()
	defer s.configM.Unlock()
	return s.in != nil
}

func (s *audioStream) hasOutput() bool {
	s.configM.Lock()
	defer s.configM.Unlock()
	return s.out != nil
}

func (s *audioStream) setOutput(h *astiplugin.Handle[AudioOutput]) {
	s.configM.Lock()
	defer s.configM.Unlock()
	s.closeOutputUnlocked()
	if s.out != nil {
		s.out.Release()
	}
	s.out = h
}

func (s *audioStream) init(in AudioSource, f astimedia.AudioFormat) error {
	// Lock
	s.configM.Lock()
	defer s.configM.Unlock()

	// No output
	if s.out == nil {
		return errors.New("astiplayer: no audio output")
	}

	// Update
	s.in = in
	s.inFormat = f
	s.frame = nil
	s.setSamplesWritten(0)

	// Reset eof
	s.eofM.Lock()
	s.eof = false
	s.sendSilence = false
	s.eofM.Unlock()

	// Connect
	return s.connectUnlocked()
}

// Mutex should be locked
func (s *audioStream) connectUnlocked() error {
	// Connect chain
	f := s.inFormat
	s.chain.Lock()
	src, err := s.chain.Connect(s.in, &f)
	s.chain.Unlock()
	if err != nil {
		return fmt.Errorf("astiplayer: connecting audio filters failed: %w", err)
	}
	s.src = src

	// Open output
	if !s.outOpened || !f.Equal(s.format) {
		// Close
		s.closeOutputUnlocked()

		// Open
		s.out.Lock()
		err = s.out.Value().Open(&f)
		s.out.Unlock()
		if err != nil {
			return fmt.Errorf("astiplayer: opening audio output failed: %w", err)
		}
		s.outOpened = true
		s.muteFrame = nil
	}
	s.format = f

	// Update peak detector
	s.peak.SetFormat(f)
	return nil
}

// Reconnects the chain, the output is reopened only if the format has changed
func (s *audioStream) reconnect() error {
	s.configM.Lock()
	defer s.configM.Unlock()
	if s.in == nil {
		return nil
	}
	s.frame = nil
	return s.connectUnlocked()
}

// Mutex should be locked
func (s *audioStream) closeOutputUnlocked() {
	if !s.outOpened {
		return
	}
	s.out.Lock()
	if err := s.out.Value().Close(); err != nil {
		s.p.l.Warn(fmt.Errorf("astiplayer: closing audio output failed: %w", err))
	}
	s.out.Unlock()
	s.outOpened = false
}

func (s *audioStream) cleanup() {
	s.configM.Lock()
	defer s.configM.Unlock()
	s.closeOutputUnlocked()
	s.frame = nil
	s.in = nil
	s.muteFrame = nil
	s.src = nil
	s.eofM.Lock()
	s.eof = true
	s.eofM.Unlock()
}

func (s *audioStream) startOutput() {
	s.configM.Lock()
	defer s.configM.Unlock()
	if !s.outOpened {
		return
	}
	s.out.Lock()
	defer s.out.Unlock()
	if err := s.out.Value().Start(); err != nil {
		s.p.l.Warn(fmt.Errorf("astiplayer: starting audio output failed: %w", err))
	}
}

func (s *audioStream) stopOutput() {
	s.configM.Lock()
	defer s.configM.Unlock()
	if !s.outOpened {
		return
	}
	s.out.Lock()
	defer s.out.Unlock()
	s.out.Value().Stop()
}

func (s *audioStream) setMute(mute bool) {
	s.muteM.Lock()
	defer s.muteM.Unlock()
	s.mute = mute
}

func (s *audioStream) isMuted() bool {
	s.muteM.Lock()
	defer s.muteM.Unlock()
	return s.mute
}

func (s *audioStream) setVolume(v float64) float64 {
	s.volumeM.Lock()
	defer s.volumeM.Unlock()
	s.volume.SetVolume(v)
	return s.volume.Volume()
}

func (s *audioStream) getVolume() float64 {
	s.volumeM.Lock()
	defer s.volumeM.Unlock()
	return s.volume.Volume()
}

func (s *audioStream) setSamplesWritten(n int64) {
	s.timeM.Lock()
	defer s.timeM.Unlock()
	s.samplesWritten = n
}

func (s *audioStream) getSamplesWritten() int64 {
	s.timeM.Lock()
	defer s.timeM.Unlock()
	return s.samplesWritten
}

// Samples written minus the output latency
func (s *audioStream) time() time.Duration {
	// Get output
	s.configM.Lock()
	f, out, opened := s.format, s.out, s.outOpened
	s.configM.Unlock()
	if !opened || f.SampleRate <= 0 {
		return 0
	}

	// Get latency
	out.Lock()
	latency := out.Value().Latency()
	out.Unlock()

	// Get samples
	n := s.getSamplesWritten() - int64(latency)
	if n < 0 {
		n = 0
	}
	return f.Duration(int(n))
}

func (s *audioStream) isEOF() bool {
	s.eofM.Lock()
	defer s.eofM.Unlock()
	return s.eof
}

func (s *audioStream) isSendingSilence() bool {
	s.eofM.Lock()
	defer s.eofM.Unlock()
	return s.sendSilence
}

func (s *audioStream) readFrame() bool {
	// Send silence
	if s.isSendingSilence() {
		// Player has reached EOF in the meantime
		if s.p.Status() == StatusEOF {
			return false
		}

		// Get device frame
		s.out.Lock()
		fr := s.out.Value().GetFrame()
		s.out.Unlock()

		// Device has no buffer available
		if fr == nil {
			if s.muteFrame == nil {
				s.muteFrame = astimedia.NewAudioFrame(s.format)
			}
			fr = s.muteFrame
		}

		// Mute
		fr.Silence(s.format)
		s.frame = fr
		return true
	}

	// Read
	fr, err := s.src.ReadFrame()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.p.l.Warn(fmt.Errorf("astiplayer: reading audio frame failed: %w", err))
		}
		return false
	}
	s.frame = fr
	return true
}

func (s *audioStream) processFrame(fr *astimedia.AudioFrame) {
	// Nothing to process
	if fr.ValidSamples == 0 {
		return
	}

	// Visualize
	if s.p.o.Visualizer != nil {
		s.p.o.Visualizer.Update(fr)
	}

	// Detect peaks
	if s.p.o.PeakDetection {
		s.peak.Update(fr)
	}

	// Mute or apply volume
	if s.isMuted() {
		fr.Mute()
	} else {
		s.volumeM.Lock()
		s.volume.Apply(fr)
		s.volumeM.Unlock()
	}
}

func (s *audioStream) run() {
	// Wait for playback
	if !s.th.waitForStart() {
		return
	}

	for {
		// Check thread
		if !s.th.check() {
			return
		}

		// Read frame
		if s.frame == nil && !s.readFrame() {
			if s.p.setStreamEOF(true) {
				// Stop here, don't send silence
				if !s.th.waitForStart() {
					return
				}
			}
			continue
		}

		// Process
		s.processFrame(s.frame)

		// Write
		var wait time.Duration
		if n := s.frame.ValidSamples; n > 0 {
			// Put frame
			s.out.Lock()
			err := s.out.Value().PutFrame(s.frame)
			s.out.Unlock()
			if err != nil {
				s.p.l.Warn(fmt.Errorf("astiplayer: putting audio frame failed: %w", err))
				s.frame = nil
				if s.p.setStreamEOF(true) {
					if !s.th.waitForStart() {
						return
					}
				}
				continue
			}

			// Advance clock
			s.timeM.Lock()
			s.samplesWritten += int64(n)
			s.timeM.Unlock()

			// Give other goroutines a chance to access the clock
			wait = s.format.Duration(n) / 2
		}
		s.frame = nil

		// Wait
		if wait > 0 {
			astikit.Sleep(s.th.context(), wait) //nolint: errcheck
		}
	}
}
