package astiplayer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astifilter"
	"github.com/asticode/go-astiplug/pkg/astimedia"
	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/asticode/go-astiplug/pkg/astiplugin"
)

const (
	// Context of player state variables and commands
	StateContext = "player"

	StateVariableMute   = "mute"
	StateVariableStatus = "status"
	StateVariableVolume = "volume"

	// Names of the filter chains, used as context of parameter commands
	ChainNameAudioFilters = "audio_filters"
	ChainNameVideoFilters = "video_filters"
)

// Period at which queued commands are processed
const commandPeriod = 10 * time.Millisecond

var (
	ErrInvalidStatus = errors.New("astiplayer: invalid status")
	ErrNoInput       = errors.New("astiplayer: no input")
	ErrNoStream      = errors.New("astiplayer: no stream to play")
)

type Player struct {
	a           *audioStream
	c           *astikit.Closer
	ctrl        *astimsg.Controllable
	e           *astikit.EventManager
	hasDuration bool // Locked by both eof mutexes
	in          Input
	l           astikit.CompleteLogger
	mc          sync.Mutex // Locks command processing, in, unbridge
	ms          sync.Mutex // Locks s
	o           Options
	s           Status
	lc          *lifecycle
	unbridge    func()
	v           *videoStream
}

type Options struct {
	// Held by reference
	AudioFilters  *astifilter.Options
	AudioOutput   OutputOptions
	Logger        astikit.StdLogger
	PeakDetection bool
	Registry      *astiplugin.Registry
	// Held by reference
	VideoFilters *astifilter.Options
	// Video streams are ignored when no name is provided
	VideoOutput OutputOptions
	Visualizer  Visualizer
	Worker      *astikit.Worker
}

type OutputOptions struct {
	Name       string
	Parameters astimsg.Dictionary
}

func New(o Options) (p *Player, err error) {
	// Create player
	p = &Player{
		c: astikit.NewCloser(),
		e: astikit.NewEventManager(),
		l: astikit.AdaptStdLogger(o.Logger),
		o: o,
		s: StatusInit,
	}

	// Create streams
	p.a = newAudioStream(p, astifilter.NewChain[*astimedia.AudioFrame, astimedia.AudioFormat](astifilter.ChainOptions{
		Category: astiplugin.CategoryAudioFilter,
		Logger:   o.Logger,
		Name:     ChainNameAudioFilters,
		Options:  o.AudioFilters,
		Registry: o.Registry,
	}))
	p.v = newVideoStream(p, astifilter.NewChain[*astimedia.VideoFrame, astimedia.VideoFormat](astifilter.ChainOptions{
		Category: astiplugin.CategoryVideoFilter,
		Logger:   o.Logger,
		Name:     ChainNameVideoFilters,
		Options:  o.VideoFilters,
		Registry: o.Registry,
	}))

	// Create controllable
	p.ctrl = astimsg.NewControllable(astimsg.NewSink(astimsg.SinkOptions{
		Handler: p.handleCommand,
		Logger:  o.Logger,
	}), astimsg.NewHub(astimsg.HubOptions{
		Logger:      o.Logger,
		Synchronous: true,
	}))

	// Make sure player is cleaned up on error
	defer func() {
		if err != nil {
			p.c.Close()
		}
	}()

	// Create lifecycle
	p.lc = newLifecycle(p.c, p.onLifecycleEvent)
	p.lc.onRun = p.onRun
	p.lc.onStop = p.onStop
	p.c.Add(p.close)

	// Load audio output
	if o.AudioOutput.Name != "" {
		var h *astiplugin.Handle[AudioOutput]
		if h, err = astiplugin.Load[AudioOutput](o.Registry, astiplugin.CategoryAudioOutput, o.AudioOutput.Name, o.AudioOutput.Parameters); err != nil {
			err = fmt.Errorf("astiplayer: loading audio output failed: %w", err)
			return
		}
		p.a.setOutput(h)
	}

	// Load video output
	if o.VideoOutput.Name != "" {
		var h *astiplugin.Handle[VideoOutput]
		if h, err = astiplugin.Load[VideoOutput](o.Registry, astiplugin.CategoryVideoOutput, o.VideoOutput.Name, o.VideoOutput.Parameters); err != nil {
			err = fmt.Errorf("astiplayer: loading video output failed: %w", err)
			return
		}
		p.v.setOutput(h)
	}

	return
}

func (p *Player) close() {
	// Stop playback
	p.mc.Lock()
	p.stopUnlocked()
	if p.unbridge != nil {
		p.unbridge()
		p.unbridge = nil
	}
	p.in = nil
	p.mc.Unlock()

	// Release outputs
	p.a.setOutput(nil)
	p.v.setOutput(nil)

	// Close chains
	p.a.chain.Lock()
	p.a.chain.Close()
	p.a.chain.Unlock()
	p.v.chain.Lock()
	p.v.chain.Close()
	p.v.chain.Unlock()

	// Close controllable
	p.ctrl.Close()
}

func (p *Player) Close() error {
	return p.c.Close()
}

func (p *Player) Controllable() *astimsg.Controllable {
	return p.ctrl
}

func (p *Player) On(n astikit.EventName, h astikit.EventHandler) astikit.EventRemover {
	return p.e.On(n, h)
}

func (p *Player) onLifecycleEvent(n astikit.EventName) {
	p.l.Infof("astiplayer: player is %s", strings.TrimPrefix(string(n), "astiplayer.player."))
	p.e.Emit(n, nil)
}

// Processes commands in a worker task until Stop or Close is called
func (p *Player) Start(ctx context.Context) error {
	if err := p.lc.run(ctx, p.o.Worker.NewTask); err != nil {
		return fmt.Errorf("astiplayer: starting failed: %w", err)
	}
	return nil
}

func (p *Player) onRun(ctx context.Context, cancel context.CancelFunc, tc astikit.TaskCreator) {
	tc().Do(func() {
		for {
			// Process commands
			if !p.ctrl.CmdSink().Iteration() {
				cancel()
				return
			}

			// Sleep
			if err := astikit.Sleep(ctx, commandPeriod); err != nil {
				return
			}
		}
	})
}

func (p *Player) onStop() {
	p.mc.Lock()
	defer p.mc.Unlock()
	p.stopUnlocked()
}

func (p *Player) Stop() error {
	p.lc.stop()
	return nil
}

func (p *Player) Status() Status {
	p.ms.Lock()
	defer p.ms.Unlock()
	return p.s
}

func (p *Player) setStatus(s Status) {
	// Lock
	p.ms.Lock()

	// Status has not changed
	if p.s == s {
		p.ms.Unlock()
		return
	}

	// Update
	p.s = s

	// Unlock
	p.ms.Unlock()

	//!\\ Mutex should be unlocked at this point

	// Broadcast
	p.broadcastStatus(s)
}

// Updates the status only if it is still from
func (p *Player) swapStatus(from, to Status) bool {
	// Lock
	p.ms.Lock()

	// Status has changed in the meantime
	if p.s != from {
		p.ms.Unlock()
		return false
	}

	// Update
	p.s = to

	// Unlock
	p.ms.Unlock()

	//!\\ Mutex should be unlocked at this point

	// Broadcast
	p.broadcastStatus(to)
	return true
}

func (p *Player) broadcastStatus(s Status) {
	// Log
	p.l.Debugf("astiplayer: status is now %s", s)

	// Broadcast
	p.ctrl.EvtHub().Send(astimsg.NewStateChangedMessage(StateContext, StateVariableStatus, astimsg.StringValue(s.String())))

	// Emit
	p.e.Emit(EventNameStatusChanged, s)
}

// Sets the input played on the next PLAY. The caller keeps ownership of the input.
func (p *Player) SetInput(in Input) error {
	// Lock
	p.mc.Lock()
	defer p.mc.Unlock()

	// Invalid status
	if s := p.Status(); s != StatusInit && s != StatusStopped {
		return fmt.Errorf("astiplayer: setting input in status %s: %w", s, ErrInvalidStatus)
	}

	// Unbridge previous input
	if p.unbridge != nil {
		p.unbridge()
		p.unbridge = nil
	}

	// Update
	p.in = in

	// Input events are broadcast by the player
	if ci, ok := in.(ControllableInput); ok {
		h := ci.Controllable().EvtHub()
		h.Connect(p.ctrl.EvtSink())
		p.unbridge = func() { h.Disconnect(p.ctrl.EvtSink()) }
	}

	// Update status
	p.setStatus(StatusStopped)
	return nil
}

// Number of samples the audio thread has pushed to the output since playback started
func (p *Player) SamplesWritten() int64 {
	return p.a.getSamplesWritten()
}

// Playback time, output latency excluded
func (p *Player) Time() time.Duration {
	if p.a.active() {
		return p.a.time()
	}
	return p.v.time()
}

func (p *Player) Volume() float64 {
	return p.a.getVolume()
}

func (p *Player) Muted() bool {
	return p.a.isMuted()
}

func (p *Player) sendPeak(samples int, ps [2]float64) {
	p.ctrl.EvtHub().SendFunc(func(m *astimsg.Message) {
		m.Set(astimsg.NamespacePlayer, astimsg.IDPlayerAudioPeak)
		m.SetArg(0, astimsg.IntValue(int64(samples)))
		m.SetArg(1, astimsg.FloatValue(ps[0]))
		m.SetArg(2, astimsg.FloatValue(ps[1]))
	})
}

// Returns true when the player has reached eof, in which case the calling thread must park
func (p *Player) setStreamEOF(audio bool) (eof bool) {
	// Lock
	p.v.eofM.Lock()
	p.a.eofM.Lock()

	// Update
	if audio {
		p.a.eof = true
	} else {
		p.v.eof = true
	}

	// Silence can only be padded when the duration is known
	eof = (p.a.eof && p.v.eof) || !p.hasDuration
	if !eof && audio {
		p.a.sendSilence = true
	}

	// Unlock
	p.a.eofM.Unlock()
	p.v.eofM.Unlock()

	//!\\ Mutexes should be unlocked at this point

	// Player has reached eof
	if eof {
		p.setEOF()
	}
	return
}

func (p *Player) setEOF() {
	// Only playback can reach eof
	if p.swapStatus(StatusPlaying, StatusEOF) {
		p.l.Info("astiplayer: eof reached")
	}
}

// Mutex should be locked
func (p *Player) initStreamsUnlocked() error {
	// Audio
	if src, f, ok := p.in.AudioSource(); ok && p.a.hasOutput() {
		if err := p.a.init(src, f); err != nil {
			return fmt.Errorf("astiplayer: initializing audio stream failed: %w", err)
		}
	}

	// Video
	if src, f, ok := p.in.VideoSource(); ok && p.v.hasOutput() {
		if err := p.v.init(src, f); err != nil {
			return fmt.Errorf("astiplayer: initializing video stream failed: %w", err)
		}
	}

	// No stream
	if !p.a.active() && !p.v.active() {
		return ErrNoStream
	}

	// Store duration
	_, ok := p.in.Duration()
	p.v.eofM.Lock()
	p.a.eofM.Lock()
	p.hasDuration = ok
	p.a.eofM.Unlock()
	p.v.eofM.Unlock()
	return nil
}

// Mutex should be locked
func (p *Player) launchThreadsUnlocked() {
	if p.a.active() {
		p.a.th.launch(p.a.run)
	}
	if p.v.active() {
		p.v.th.launch(p.v.run)
	}
}

// Mutex should be locked
func (p *Player) startThreadsUnlocked() {
	p.a.startOutput()
	p.a.th.start()
	p.v.th.start()
}

// Mutex should be locked
func (p *Player) joinThreadsUnlocked() {
	p.a.th.join()
	p.v.th.join()
}

// Mutex should be locked
func (p *Player) playUnlocked() error {
	// Check status
	switch s := p.Status(); s {
	case StatusPlaying:
		return nil
	case StatusPaused:
		p.resumeUnlocked()
		return nil
	case StatusStopped:
	default:
		return fmt.Errorf("astiplayer: playing in status %s: %w", s, ErrInvalidStatus)
	}

	// No input
	if p.in == nil {
		return ErrNoInput
	}

	// Init streams
	if err := p.initStreamsUnlocked(); err != nil {
		p.a.cleanup()
		p.v.cleanup()
		return err
	}

	// Launch threads
	p.launchThreadsUnlocked()

	// Status must be updated before threads start since they may reach eof right away
	p.setStatus(StatusPlaying)

	// Start threads
	p.startThreadsUnlocked()
	return nil
}

// Mutex should be locked
func (p *Player) pauseUnlocked() {
	// Park threads
	p.a.th.stop()
	p.v.th.stop()

	// Stop output
	p.a.stopOutput()

	// Update status
	if !p.swapStatus(StatusPlaying, StatusPaused) {
		p.l.Debugf("astiplayer: not pausing since status is now %s", p.Status())
	}
}

// Mutex should be locked
func (p *Player) resumeUnlocked() {
	p.setStatus(StatusPlaying)
	p.startThreadsUnlocked()
}

// Mutex should be locked
func (p *Player) stopUnlocked() {
	// Nothing to stop
	if s := p.Status(); s == StatusInit || s == StatusStopped {
		return
	}

	// Join threads
	p.joinThreadsUnlocked()

	// Stop output
	p.a.stopOutput()

	// Cleanup
	p.a.cleanup()
	p.v.cleanup()

	// Update status
	p.setStatus(StatusStopped)
}

// Reconnects filter chains and reopens outputs whose format has changed, playback resumes where it was
//
// Mutex should be locked
func (p *Player) changeStreamsUnlocked() {
	// Check status
	prev := p.Status()
	if prev != StatusPlaying && prev != StatusPaused {
		return
	}

	// Update status
	p.setStatus(StatusChanging)

	// Join threads
	p.joinThreadsUnlocked()

	// Stop output
	p.a.stopOutput()

	// Reconnect
	if err := p.reconnectStreamsUnlocked(); err != nil {
		p.l.Error(fmt.Errorf("astiplayer: changing streams failed: %w", err))
		p.a.cleanup()
		p.v.cleanup()
		p.setStatus(StatusStopped)
		return
	}

	// Launch threads
	p.launchThreadsUnlocked()

	// Restore status
	p.setStatus(prev)

	// Start threads
	if prev == StatusPlaying {
		p.startThreadsUnlocked()
	}
}

// Mutex should be locked
func (p *Player) reconnectStreamsUnlocked() error {
	if err := p.a.reconnect(); err != nil {
		return err
	}
	return p.v.reconnect()
}

func (p *Player) needRestart() bool {
	for _, c := range []interface {
		Lock()
		NeedRestart() bool
		Unlock()
	}{p.a.chain, p.v.chain} {
		c.Lock()
		need := c.NeedRestart()
		c.Unlock()
		if need {
			return true
		}
	}
	return false
}

func (p *Player) handleCommand(m *astimsg.Message) bool {
	// Lock
	p.mc.Lock()
	defer p.mc.Unlock()

	// Switch on namespace
	switch m.Namespace {
	case astimsg.NamespacePlayer:
		p.handlePlayerCommandUnlocked(m)
	case astimsg.NamespaceState:
		p.handleStateCommand(m)
	case astimsg.NamespaceParameter:
		// Forward to chains
		p.a.chain.CmdSink().PutCopy(m)
		p.v.chain.CmdSink().PutCopy(m)

		// Structure or parameters require a restart
		if p.needRestart() {
			p.changeStreamsUnlocked()
		}
	case astimsg.NamespaceSrc:
		// Forward to input
		if ci, ok := p.in.(ControllableInput); ok {
			ci.Controllable().CmdSink().PutCopy(m)
		} else {
			p.l.Debugf("astiplayer: dropping %s since input is not controllable", m)
		}
	default:
		p.l.Debugf("astiplayer: unhandled command %s", m)
	}
	return true
}

// Mutex should be locked
func (p *Player) handlePlayerCommandUnlocked(m *astimsg.Message) {
	switch m.ID {
	case astimsg.IDPlayerPlay:
		if err := p.playUnlocked(); err != nil {
			p.l.Warn(fmt.Errorf("astiplayer: playing failed: %w", err))
		}
	case astimsg.IDPlayerStop:
		p.stopUnlocked()
	case astimsg.IDPlayerPause:
		switch p.Status() {
		case StatusPlaying:
			p.pauseUnlocked()
		case StatusPaused:
			p.resumeUnlocked()
		}
	default:
		p.l.Debugf("astiplayer: unhandled command %s", m)
	}
}

func (p *Player) handleStateCommand(m *astimsg.Message) {
	// Not a state change request
	if !m.Is(astimsg.NamespaceState, astimsg.IDSetState) && !m.Is(astimsg.NamespaceState, astimsg.IDSetStateRel) {
		return
	}

	// Parse
	st, err := m.State()
	if err != nil {
		p.l.Warn(fmt.Errorf("astiplayer: parsing state failed: %w", err))
		return
	}

	// Not for us
	if st.Context != StateContext {
		return
	}

	// Switch on variable
	rel := m.ID == astimsg.IDSetStateRel
	switch st.Variable {
	case StateVariableVolume:
		// Get value
		v, ok := st.Value.ToFloat()
		if !ok {
			p.l.Warnf("astiplayer: invalid volume %#v", st.Value)
			return
		}
		if rel {
			v += p.a.getVolume()
		}

		// Set volume
		v = p.a.setVolume(v)

		// Broadcast
		p.ctrl.EvtHub().Send(astimsg.NewStateChangedMessage(StateContext, StateVariableVolume, astimsg.FloatValue(v)))
	case StateVariableMute:
		// Get value
		i, ok := st.Value.ToInt()
		if !ok {
			p.l.Warnf("astiplayer: invalid mute %#v", st.Value)
			return
		}

		// Relative mute toggles
		mute := i != 0
		if rel {
			mute = p.a.isMuted() != mute
		}

		// Set mute
		p.a.setMute(mute)

		// Broadcast
		var v int64
		if mute {
			v = 1
		}
		p.ctrl.EvtHub().Send(astimsg.NewStateChangedMessage(StateContext, StateVariableMute, astimsg.IntValue(v)))
	default:
		p.l.Debugf("astiplayer: unhandled state variable %s", st.Variable)
	}
}
