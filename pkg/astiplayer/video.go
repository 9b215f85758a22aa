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

// Max duration the video thread sleeps before checking whether it must park
const videoWaitMax = 50 * time.Millisecond

type videoStream struct {
	chain     *VideoChain
	configM   sync.Mutex // Locks format, in, inFormat, out, outOpened, src
	eof       bool
	eofM      sync.Mutex // Locks eof
	format    astimedia.VideoFormat
	in        VideoSource
	inFormat  astimedia.VideoFormat
	out       *astiplugin.Handle[VideoOutput]
	outOpened bool
	p         *Player
	pts       time.Duration
	src       VideoSource
	th        *thread
	timeM     sync.Mutex // Locks pts
}

func newVideoStream(p *Player, chain *VideoChain) *videoStream {
	return &videoStream{
		chain: chain,
		eof:   true,
		p:     p,
		th:    newThread(),
	}
}

func (s *videoStream) active() bool {
	s.configM.Lock()
	defer s.configM.Unlock()
	return s.in != nil
}

func (s *videoStream) hasOutput() bool {
	s.configM.Lock()
	defer s.configM.Unlock()
	return s.out != nil
}

func (s *videoStream) setOutput(h *astiplugin.Handle[VideoOutput]) {
	s.configM.Lock()
	defer s.configM.Unlock()
	s.closeOutputUnlocked()
	if s.out != nil {
		s.out.Release()
	}
	s.out = h
}

func (s *videoStream) init(in VideoSource, f astimedia.VideoFormat) error {
	// Lock
	s.configM.Lock()
	defer s.configM.Unlock()

	// No output
	if s.out == nil {
		return errors.New("astiplayer: no video output")
	}

	// Update
	s.in = in
	s.inFormat = f
	s.setPTS(0)

	// Reset eof
	s.eofM.Lock()
	s.eof = false
	s.eofM.Unlock()

	// Connect
	return s.connectUnlocked()
}

// Mutex should be locked
func (s *videoStream) connectUnlocked() error {
	// Connect chain
	f := s.inFormat
	s.chain.Lock()
	src, err := s.chain.Connect(s.in, &f)
	s.chain.Unlock()
	if err != nil {
		return fmt.Errorf("astiplayer: connecting video filters failed: %w", err)
	}
	s.src = src

	// Open output
	if !s.outOpened || f != s.format {
		// Close
		s.closeOutputUnlocked()

		// Open
		s.out.Lock()
		err = s.out.Value().Open(&f)
		s.out.Unlock()
		if err != nil {
			return fmt.Errorf("astiplayer: opening video output failed: %w", err)
		}
		s.outOpened = true
	}
	s.format = f
	return nil
}

func (s *videoStream) reconnect() error {
	s.configM.Lock()
	defer s.configM.Unlock()
	if s.in == nil {
		return nil
	}
	return s.connectUnlocked()
}

// Mutex should be locked
func (s *videoStream) closeOutputUnlocked() {
	if !s.outOpened {
		return
	}
	s.out.Lock()
	if err := s.out.Value().Close(); err != nil {
		s.p.l.Warn(fmt.Errorf("astiplayer: closing video output failed: %w", err))
	}
	s.out.Unlock()
	s.outOpened = false
}

func (s *videoStream) cleanup() {
	s.configM.Lock()
	defer s.configM.Unlock()
	s.closeOutputUnlocked()
	s.in = nil
	s.src = nil
	s.eofM.Lock()
	s.eof = true
	s.eofM.Unlock()
}

func (s *videoStream) setPTS(d time.Duration) {
	s.timeM.Lock()
	defer s.timeM.Unlock()
	s.pts = d
}

// Presentation time of the last frame put to the output
func (s *videoStream) time() time.Duration {
	s.timeM.Lock()
	defer s.timeM.Unlock()
	return s.pts
}

func (s *videoStream) isEOF() bool {
	s.eofM.Lock()
	defer s.eofM.Unlock()
	return s.eof
}

// Returns false if the thread must exit
func (s *videoStream) waitForFrame(pts time.Duration) bool {
	for {
		// Frame is due
		d := pts - s.p.a.time()
		if d <= 0 {
			return true
		}

		// Sleep
		if d > videoWaitMax {
			d = videoWaitMax
		}
		if err := astikit.Sleep(s.th.context(), d); err != nil {
			return false
		}

		// Check thread
		if !s.th.check() {
			return false
		}
	}
}

func (s *videoStream) run() {
	// Wait for playback
	if !s.th.waitForStart() {
		return
	}

	// Audio drives the clock
	synced := s.p.a.active()

	for {
		// Check thread
		if !s.th.check() {
			return
		}

		// Read frame
		fr, err := s.src.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.p.l.Warn(fmt.Errorf("astiplayer: reading video frame failed: %w", err))
			}

			// There are no frames left whether the player has reached eof or not
			s.p.setStreamEOF(false)
			if !s.th.waitForStart() {
				return
			}
			continue
		}

		// Get presentation time
		var pts time.Duration
		if s.format.Timescale > 0 {
			pts = time.Duration(fr.Timestamp) * time.Second / time.Duration(s.format.Timescale)
		}

		// Wait for the audio clock
		if synced && !s.waitForFrame(pts) {
			return
		}

		// Put frame
		s.out.Lock()
		err = s.out.Value().PutFrame(fr)
		s.out.Unlock()
		if err != nil {
			s.p.l.Warn(fmt.Errorf("astiplayer: putting video frame failed: %w", err))
			s.p.setStreamEOF(false)
			if !s.th.waitForStart() {
				return
			}
			continue
		}
		s.setPTS(pts)

		// Pace on the frame duration
		if !synced {
			d := s.format.FrameTime()
			if fr.Duration > 0 && s.format.Timescale > 0 {
				d = time.Duration(fr.Duration) * time.Second / time.Duration(s.format.Timescale)
			}
			if d > 0 {
				astikit.Sleep(s.th.context(), d) //nolint: errcheck
			}
		}
	}
}
