package astiplayer_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astifilter"
	"github.com/asticode/go-astiplug/pkg/astimedia"
	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/asticode/go-astiplug/pkg/astiplayer"
	"github.com/asticode/go-astiplug/pkg/astiplayer/mocks"
	"github.com/asticode/go-astiplug/pkg/astiplugin"
	"github.com/stretchr/testify/require"
)

var stereo = astimedia.AudioFormat{
	Channels:        astimedia.ChannelsStereo,
	SampleRate:      48000,
	SamplesPerFrame: 64,
}

// Keeps the first channel only once enabled, which requires a restart
type monoFilter struct {
	enabled     bool
	needRestart bool
}

func (f *monoFilter) Close() error { return nil }

func (f *monoFilter) Connect(src astiplayer.AudioSource, o *astimedia.AudioFormat) (astiplayer.AudioSource, error) {
	f.needRestart = false
	if !f.enabled {
		return src, nil
	}
	o.Channels = astimedia.ChannelsMono
	return &monoSource{src: src}, nil
}

func (f *monoFilter) NeedRestart() bool { return f.needRestart }

func (f *monoFilter) Reset() {}

func (f *monoFilter) SetParameter(name string, v astimsg.Value) {
	if name != "enabled" {
		return
	}
	i, _ := v.ToInt()
	if enabled := i != 0; enabled != f.enabled {
		f.enabled = enabled
		f.needRestart = true
	}
}

type monoSource struct {
	src astiplayer.AudioSource
}

func (s *monoSource) ReadFrame() (*astimedia.AudioFrame, error) {
	fr, err := s.src.ReadFrame()
	if err != nil {
		return nil, err
	}
	fr.Samples = fr.Samples[:1]
	return fr, nil
}

func (s *monoSource) Reset() { s.src.Reset() }

type statusRecorder struct {
	m  sync.Mutex
	ss []astiplayer.Status
}

func newStatusRecorder(p *astiplayer.Player) *statusRecorder {
	r := &statusRecorder{}
	p.On(astiplayer.EventNameStatusChanged, func(payload interface{}) (delete bool) {
		if s, ok := payload.(astiplayer.Status); ok {
			r.m.Lock()
			r.ss = append(r.ss, s)
			r.m.Unlock()
		}
		return
	})
	return r
}

func (r *statusRecorder) statuses() []astiplayer.Status {
	r.m.Lock()
	defer r.m.Unlock()
	return append([]astiplayer.Status{}, r.ss...)
}

type testPlayer struct {
	ao  *mocks.MockedAudioOutput
	ctl *astimsg.Control
	evs []*astimsg.Message
	mev sync.Mutex
	p   *astiplayer.Player
	sr  *statusRecorder
	vo  *mocks.MockedVideoOutput
	w   *astikit.Worker
}

func newTestPlayer(t *testing.T, o astiplayer.Options) *testPlayer {
	tp := &testPlayer{
		ao: mocks.NewMockedAudioOutput(),
		vo: mocks.NewMockedVideoOutput(),
		w:  astikit.NewWorker(astikit.WorkerOptions{}),
	}

	// Create registry
	r := astiplugin.NewRegistry(astiplugin.RegistryOptions{})
	require.NoError(t, r.Register(astiplugin.Info{Category: astiplugin.CategoryAudioOutput, Name: "mocked"}, func(o astiplugin.FactoryOptions) (interface{}, error) {
		return tp.ao, nil
	}))
	require.NoError(t, r.Register(astiplugin.Info{Category: astiplugin.CategoryVideoOutput, Name: "mocked"}, func(o astiplugin.FactoryOptions) (interface{}, error) {
		return tp.vo, nil
	}))
	require.NoError(t, r.Register(astiplugin.Info{
		Category:   astiplugin.CategoryAudioFilter,
		Name:       "mono",
		Parameters: []astiplugin.ParameterInfo{{Name: "enabled", Type: astimsg.ValueTypeInt}},
	}, func(o astiplugin.FactoryOptions) (interface{}, error) {
		i, _ := o.Parameters.GetInt("enabled")
		return &monoFilter{enabled: i != 0}, nil
	}))

	// Create player
	o.AudioOutput.Name = "mocked"
	o.Registry = r
	o.Worker = tp.w
	var err error
	tp.p, err = astiplayer.New(o)
	require.NoError(t, err)
	tp.sr = newStatusRecorder(tp.p)

	// Connect control
	tp.ctl = astimsg.NewControl(tp.p.Controllable().CmdSink(), func(m *astimsg.Message) bool {
		tp.mev.Lock()
		tp.evs = append(tp.evs, m.Clone())
		tp.mev.Unlock()
		return true
	}, nil)
	tp.p.Controllable().Connect(tp.ctl)

	// Start
	require.NoError(t, tp.p.Start(tp.w.Context()))
	t.Cleanup(func() {
		tp.p.Close()
		tp.w.Stop()
	})
	return tp
}

func (tp *testPlayer) send(m *astimsg.Message) {
	tp.ctl.Send(m)
}

func (tp *testPlayer) events(ns astimsg.Namespace, id astimsg.ID) (ms []*astimsg.Message) {
	tp.ctl.EvtSink.Iteration()
	tp.mev.Lock()
	defer tp.mev.Unlock()
	for _, m := range tp.evs {
		if m.Is(ns, id) {
			ms = append(ms, m)
		}
	}
	return
}

func (tp *testPlayer) waitForStatus(t *testing.T, s astiplayer.Status) {
	require.Eventually(t, func() bool { return tp.p.Status() == s }, time.Second, time.Millisecond)
}

func play() *astimsg.Message {
	return astimsg.NewMessage(astimsg.NamespacePlayer, astimsg.IDPlayerPlay)
}

func TestPlayerPlaysUntilEOF(t *testing.T) {
	tp := newTestPlayer(t, astiplayer.Options{PeakDetection: true})
	require.Equal(t, astiplayer.StatusInit, tp.p.Status())

	require.NoError(t, tp.p.SetInput(&mocks.MockedInput{
		Audio:       mocks.NewMockedAudioSource(stereo, 10, 0.5),
		AudioFormat: stereo,
		HasDuration: true,
	}))
	require.Equal(t, astiplayer.StatusStopped, tp.p.Status())

	tp.send(play())
	tp.waitForStatus(t, astiplayer.StatusEOF)
	require.Equal(t, int64(640), tp.p.SamplesWritten())
	require.Equal(t, 10, tp.ao.NumFrames())
	require.Equal(t, float32(0.5), tp.ao.Frames()[9].Samples[1][63])
	require.Equal(t, 640*time.Second/48000, tp.p.Time())
	tp.ao.SetLatency(64)
	require.Equal(t, 576*time.Second/48000, tp.p.Time())
	require.Error(t, tp.p.SetInput(&mocks.MockedInput{}))

	// Peaks
	ps := tp.events(astimsg.NamespacePlayer, astimsg.IDPlayerAudioPeak)
	require.Len(t, ps, 10)
	require.Equal(t, int64(64), ps[0].ArgInt(0))
	require.Equal(t, 0.5, ps[0].ArgFloat(1))
	require.Equal(t, 0.5, ps[0].ArgFloat(2))

	tp.send(astimsg.NewMessage(astimsg.NamespacePlayer, astimsg.IDPlayerStop))
	tp.waitForStatus(t, astiplayer.StatusStopped)
	opens, starts, stops, closes := tp.ao.Counts()
	require.Equal(t, 1, opens)
	require.Equal(t, 1, starts)
	require.Equal(t, 1, stops)
	require.Equal(t, 1, closes)
	require.Equal(t, []astiplayer.Status{
		astiplayer.StatusStopped,
		astiplayer.StatusPlaying,
		astiplayer.StatusEOF,
		astiplayer.StatusStopped,
	}, tp.sr.statuses())

	// Status is broadcast as a state variable
	var ss []string
	for _, m := range tp.events(astimsg.NamespaceState, astimsg.IDStateChanged) {
		st, err := m.State()
		require.NoError(t, err)
		if st.Context == astiplayer.StateContext && st.Variable == astiplayer.StateVariableStatus {
			ss = append(ss, st.Value.String)
		}
	}
	require.Equal(t, []string{"stopped", "playing", "eof", "stopped"}, ss)
	require.Equal(t, astimsg.StringValue("stopped"), tp.p.Controllable().EvtHub().State()[astiplayer.StateContext][astiplayer.StateVariableStatus])
}

func TestPlayerVolumeAndMute(t *testing.T) {
	tp := newTestPlayer(t, astiplayer.Options{})
	require.NoError(t, tp.p.SetInput(&mocks.MockedInput{
		Audio:       mocks.NewMockedAudioSource(stereo, 4, 0.5),
		AudioFormat: stereo,
		HasDuration: true,
	}))

	tp.send(astimsg.NewSetStateMessage(astiplayer.StateContext, astiplayer.StateVariableVolume, astimsg.FloatValue(0.5)))
	tp.send(play())
	tp.waitForStatus(t, astiplayer.StatusEOF)
	require.Equal(t, 0.5, tp.p.Volume())
	for _, fr := range tp.ao.Frames() {
		require.InDelta(t, 0.05, fr.Samples[0][0], 1e-6)
	}

	tp.send(astimsg.NewSetStateRelMessage(astiplayer.StateContext, astiplayer.StateVariableVolume, astimsg.FloatValue(-0.25)))
	require.Eventually(t, func() bool { return tp.p.Volume() == 0.25 }, time.Second, time.Millisecond)

	tp.send(astimsg.NewSetStateMessage(astiplayer.StateContext, astiplayer.StateVariableMute, astimsg.IntValue(1)))
	require.Eventually(t, tp.p.Muted, time.Second, time.Millisecond)
	tp.send(astimsg.NewSetStateRelMessage(astiplayer.StateContext, astiplayer.StateVariableMute, astimsg.IntValue(1)))
	require.Eventually(t, func() bool { return !tp.p.Muted() }, time.Second, time.Millisecond)

	// Muted playback
	tp.send(astimsg.NewMessage(astimsg.NamespacePlayer, astimsg.IDPlayerStop))
	tp.waitForStatus(t, astiplayer.StatusStopped)
	tp.send(astimsg.NewSetStateMessage(astiplayer.StateContext, astiplayer.StateVariableMute, astimsg.IntValue(1)))
	require.NoError(t, tp.p.SetInput(&mocks.MockedInput{
		Audio:       mocks.NewMockedAudioSource(stereo, 2, 0.5),
		AudioFormat: stereo,
		HasDuration: true,
	}))
	tp.send(play())
	tp.waitForStatus(t, astiplayer.StatusEOF)
	fs := tp.ao.Frames()
	require.Len(t, fs, 6)
	require.Equal(t, float32(0), fs[5].Samples[0][0])

	var vs []float64
	for _, m := range tp.events(astimsg.NamespaceState, astimsg.IDStateChanged) {
		if st, err := m.State(); err == nil && st.Variable == astiplayer.StateVariableVolume {
			vs = append(vs, st.Value.Float)
		}
	}
	require.Equal(t, []float64{0.5, 0.25}, vs)
}

func TestPlayerPauseAndResume(t *testing.T) {
	tp := newTestPlayer(t, astiplayer.Options{})
	require.NoError(t, tp.p.SetInput(&mocks.MockedInput{
		Audio:       mocks.NewMockedAudioSource(stereo, -1, 0.5),
		AudioFormat: stereo,
		HasDuration: true,
	}))
	tp.send(play())
	require.Eventually(t, func() bool { return tp.p.SamplesWritten() > 0 }, time.Second, time.Millisecond)

	pause := astimsg.NewMessage(astimsg.NamespacePlayer, astimsg.IDPlayerPause)
	tp.send(pause)
	tp.waitForStatus(t, astiplayer.StatusPaused)
	n := tp.p.SamplesWritten()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, n, tp.p.SamplesWritten())
	_, _, stops, _ := tp.ao.Counts()
	require.Equal(t, 1, stops)

	tp.send(pause)
	tp.waitForStatus(t, astiplayer.StatusPlaying)
	require.Eventually(t, func() bool { return tp.p.SamplesWritten() > n }, time.Second, time.Millisecond)
	_, starts, _, _ := tp.ao.Counts()
	require.Equal(t, 2, starts)

	// Stopping the player stops playback
	require.NoError(t, tp.p.Stop())
	require.Eventually(t, func() bool {
		_, _, _, closes := tp.ao.Counts()
		return closes >= 1
	}, time.Second, time.Millisecond)
	require.Equal(t, astiplayer.StatusStopped, tp.p.Status())
}

func TestPlayerRestartsWhenFiltersChange(t *testing.T) {
	tp := newTestPlayer(t, astiplayer.Options{AudioFilters: &astifilter.Options{Stages: []astifilter.Stage{
		{Name: "mono", Parameters: astimsg.Dictionary{"enabled": astimsg.IntValue(0)}},
	}}})
	require.NoError(t, tp.p.SetInput(&mocks.MockedInput{
		Audio:       mocks.NewMockedAudioSource(stereo, -1, 0.5),
		AudioFormat: stereo,
		HasDuration: true,
	}))
	tp.send(play())
	require.Eventually(t, func() bool { return tp.p.SamplesWritten() > 0 }, time.Second, time.Millisecond)
	require.Equal(t, astimedia.ChannelsStereo, tp.ao.Format().Channels)

	// Live parameter requiring a restart
	tp.send(astimsg.NewSetChainParameterMessage("", astiplayer.ChainNameAudioFilters, 0, "enabled", astimsg.IntValue(1)))
	require.Eventually(t, func() bool {
		opens, _, _, _ := tp.ao.Counts()
		return opens == 2
	}, time.Second, time.Millisecond)
	tp.waitForStatus(t, astiplayer.StatusPlaying)
	require.Equal(t, astimedia.ChannelsMono, tp.ao.Format().Channels)
	require.Eventually(t, func() bool {
		fs := tp.ao.Frames()
		return len(fs[len(fs)-1].Samples) == 1
	}, time.Second, time.Millisecond)

	// Structure change
	tp.send(astimsg.NewSetParameterMessage(astiplayer.ChainNameAudioFilters, astifilter.ParameterPlugins, astifilter.StagesValue(nil)))
	require.Eventually(t, func() bool {
		opens, _, _, _ := tp.ao.Counts()
		return opens == 3
	}, time.Second, time.Millisecond)
	require.Equal(t, astimedia.ChannelsStereo, tp.ao.Format().Channels)

	// Parameters for other chains are ignored
	tp.send(astimsg.NewSetParameterMessage("other", astifilter.ParameterPlugins, astifilter.StagesValue(nil)))
	time.Sleep(20 * time.Millisecond)
	opens, _, _, _ := tp.ao.Counts()
	require.Equal(t, 3, opens)

	ss := tp.sr.statuses()
	require.Contains(t, ss, astiplayer.StatusChanging)
	require.Equal(t, astiplayer.StatusPlaying, ss[len(ss)-1])
}

func TestPlayerSendsSilenceUntilVideoEOF(t *testing.T) {
	tp := newTestPlayer(t, astiplayer.Options{VideoOutput: astiplayer.OutputOptions{Name: "mocked"}})
	require.NoError(t, tp.p.SetInput(&mocks.MockedInput{
		Audio:       mocks.NewMockedAudioSource(stereo, 2, 0.5),
		AudioFormat: stereo,
		HasDuration: true,
		Video:       mocks.NewMockedVideoSource(10, 2),
		VideoFormat: astimedia.VideoFormat{FrameDuration: 2, Height: 2, Timescale: 1000, Width: 2},
	}))
	tp.send(play())
	tp.waitForStatus(t, astiplayer.StatusEOF)
	require.Equal(t, 10, tp.vo.NumFrames())
	fs := tp.ao.Frames()
	require.Greater(t, len(fs), 2)
	require.Equal(t, float32(0.5), fs[1].Samples[0][0])
	require.Equal(t, float32(0), fs[2].Samples[0][0])
	require.GreaterOrEqual(t, tp.p.Time(), 18*time.Millisecond)
}

func TestPlayerStopsOnOutputError(t *testing.T) {
	tp := newTestPlayer(t, astiplayer.Options{})
	tp.ao.SetPutError(errors.New("test"))
	require.NoError(t, tp.p.SetInput(&mocks.MockedInput{
		Audio:       mocks.NewMockedAudioSource(stereo, -1, 0.5),
		AudioFormat: stereo,
	}))
	tp.send(play())
	tp.waitForStatus(t, astiplayer.StatusEOF)
	require.Equal(t, int64(0), tp.p.SamplesWritten())
}

func TestPlayerForwardsSourceCommands(t *testing.T) {
	tp := newTestPlayer(t, astiplayer.Options{})
	in := &controllableInput{MockedInput: &mocks.MockedInput{
		Audio:       mocks.NewMockedAudioSource(stereo, 1, 0.5),
		AudioFormat: stereo,
	}}
	in.cmds = astimsg.NewSink(astimsg.SinkOptions{})
	in.ctrl = astimsg.NewControllable(in.cmds, astimsg.NewHub(astimsg.HubOptions{Synchronous: true}))
	require.NoError(t, tp.p.SetInput(in))

	tp.send(astimsg.NewSeekMessage(10, 1000))
	require.Eventually(t, func() bool { return in.cmds.Len() == 1 }, time.Second, time.Millisecond)
	m := in.cmds.Read()
	require.True(t, m.Is(astimsg.NamespaceSrc, astimsg.IDSrcSeek))

	// Input events are broadcast by the player
	in.ctrl.EvtHub().Send(astimsg.NewMessage(astimsg.NamespaceGavf, astimsg.IDGavfGotEOF))
	require.Len(t, tp.events(astimsg.NamespaceGavf, astimsg.IDGavfGotEOF), 1)
}

type controllableInput struct {
	*mocks.MockedInput
	cmds *astimsg.Sink
	ctrl *astimsg.Controllable
}

func (i *controllableInput) Controllable() *astimsg.Controllable { return i.ctrl }
