package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astilog"
	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/asticode/go-astiplug/pkg/astiplayer"
	"github.com/asticode/go-astiplug/pkg/astiplug"
	"github.com/asticode/go-astiplug/pkg/astiplugin"
	"github.com/asticode/go-astiplug/pkg/plugins/inputs"
	"github.com/asticode/go-astiplug/pkg/plugins/outputs"
	"github.com/asticode/go-astiplug/pkg/plugins/remote/mqtt"
	"github.com/asticode/go-astiplug/pkg/plugins/remote/replay"
	"github.com/asticode/go-astiplug/pkg/plugins/remote/server"
	"github.com/asticode/go-astiplug/pkg/stats/psutil"
)

const locationTone = "tone"

func (a *app) play(ctx context.Context, location string) error {
	// Load input
	var h *astiplugin.Handle[astiplayer.Input]
	var err error
	if location == locationTone {
		h, err = astiplugin.Load[astiplayer.Input](a.r, astiplugin.CategoryInput, inputs.NameTone, a.c.toneParameters())
	} else {
		h, err = astiplugin.Load[astiplayer.Input](a.r, astiplugin.CategoryInput, inputs.NamePlug, astimsg.Dictionary{
			inputs.ParameterLocation: astimsg.StringValue(location),
			inputs.ParameterTrack:    astimsg.IntValue(int64(*track)),
		})
	}
	if err != nil {
		return fmt.Errorf("main: loading input failed: %w", err)
	}
	defer h.Release()

	// Get audio output
	ao, err := a.c.Player.AudioOutput.outputOptions()
	if err != nil {
		return err
	}

	// Play
	return a.runPlayer(astilog.ContextWithFields(ctx, map[string]interface{}{
		"audio_output": a.c.Player.AudioOutput.String(),
		"location":     location,
	}), h.Value(), ao, true)
}

func (a *app) write(ctx context.Context, location string) error {
	// Load input
	h, err := astiplugin.Load[astiplayer.Input](a.r, astiplugin.CategoryInput, inputs.NameTone, a.c.toneParameters())
	if err != nil {
		return fmt.Errorf("main: loading input failed: %w", err)
	}
	defer h.Release()

	// Play into a plug
	return a.runPlayer(astilog.ContextWithFields(ctx, map[string]interface{}{
		"location": location,
	}), h.Value(), astiplayer.OutputOptions{
		Name: outputs.NamePlug,
		Parameters: astimsg.Dictionary{
			outputs.ParameterCompression: astimsg.StringValue(a.c.Writer.Compression),
			outputs.ParameterLocation:    astimsg.StringValue(location),
		},
	}, false)
}

func (a *app) runPlayer(ctx context.Context, in astiplayer.Input, ao astiplayer.OutputOptions, remote bool) error {
	// Get filters
	af, err := filterOptions(a.c.Player.AudioFilters)
	if err != nil {
		return err
	}
	vf, err := filterOptions(a.c.Player.VideoFilters)
	if err != nil {
		return err
	}

	// Get video output
	vo, err := a.c.Player.VideoOutput.outputOptions()
	if err != nil {
		return err
	}

	// Create player
	p, err := astiplayer.New(astiplayer.Options{
		AudioFilters:  af,
		AudioOutput:   ao,
		Logger:        a.l,
		PeakDetection: a.c.Player.PeakDetection,
		Registry:      a.r,
		VideoFilters:  vf,
		VideoOutput:   vo,
		Worker:        a.w,
	})
	if err != nil {
		return fmt.Errorf("main: creating player failed: %w", err)
	}
	defer p.Close()

	// Stop once everything has been played
	p.On(astiplayer.EventNameStatusChanged, func(payload interface{}) (delete bool) {
		if s, ok := payload.(astiplayer.Status); ok && s == astiplayer.StatusEOF {
			a.l.InfoC(ctx, "main: end of stream reached")
			a.w.Stop()
			return true
		}
		return false
	})

	// Set input
	if err = p.SetInput(in); err != nil {
		return fmt.Errorf("main: setting input failed: %w", err)
	}

	// Start player
	if err = p.Start(ctx); err != nil {
		return fmt.Errorf("main: starting player failed: %w", err)
	}
	defer p.Stop()

	// Start remote
	if remote {
		// Stats are created per consumer since valuers are stateful
		var stats []func() []astikit.DeltaStat
		var names []string
		if pi, ok := in.(*inputs.Plug); ok {
			stats = append(stats, pi.Reader().DeltaStats)
			names = append(names, "input")
		}

		// Start
		c, err := a.startRemote(ctx, p.Controllable(), names, stats)
		if err != nil {
			return err
		}
		defer c.Close()
	}

	// Play
	p.Controllable().CmdSink().PutCopy(astimsg.NewMessage(astimsg.NamespacePlayer, astimsg.IDPlayerPlay))

	// Wait
	a.w.Wait()
	return nil
}

func (a *app) startRemote(ctx context.Context, ctrl *astimsg.Controllable, names []string, stats []func() []astikit.DeltaStat) (c *astikit.Closer, err error) {
	// Create closer
	c = astikit.NewCloser()
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	// Create mqtt bridge
	if a.c.Remote.MQTT.Broker != "" {
		var b *mqtt.Bridge
		if b, err = mqtt.New(mqtt.BridgeOptions{
			Broker:       a.c.Remote.MQTT.Broker,
			ClientID:     a.c.Remote.MQTT.ClientID,
			Controllable: ctrl,
			Logger:       a.l,
			QoS:          a.c.Remote.MQTT.QoS,
			TopicPrefix:  a.c.Remote.MQTT.TopicPrefix,
		}); err != nil {
			err = fmt.Errorf("main: creating mqtt bridge failed: %w", err)
			return
		}
		c.Add(b.Close)
		names = append(names, "mqtt")
		stats = append(stats, b.DeltaStats)

		// Run
		a.w.NewTask().Do(func() {
			if err := b.Run(ctx); err != nil {
				a.l.ErrorC(ctx, fmt.Errorf("main: running mqtt bridge failed: %w", err))
			}
		})
	}

	// Add host stat
	names = append(names, "host")
	stats = append(stats, func() []astikit.DeltaStat {
		ds, err := psutil.New(psutil.Options{Load: true})
		if err != nil {
			a.l.WarnC(ctx, fmt.Errorf("main: creating host stat failed: %w", err))
			return nil
		}
		return []astikit.DeltaStat{ds}
	})

	// Create server
	if a.c.Remote.Server.Addr != "" {
		// Get stat sources
		var ss []server.StatSource
		for idx, fn := range stats {
			ss = append(ss, server.StatSource{
				DeltaStats: fn(),
				Name:       names[idx],
			})
		}

		// Create
		s := server.New(server.ServerOptions{
			Addr:         a.c.Remote.Server.Addr,
			API:          server.ServerAPIOptions{URL: a.c.Remote.Server.APIURL},
			Controllable: ctrl,
			DeltaPeriod:  a.c.Remote.Server.DeltaPeriod,
			Logger:       a.l,
			Push:         server.ServerPushOptions{URL: a.c.Remote.Server.PushURL},
			Stats:        ss,
		})
		c.AddWithError(s.Close)

		// Start
		s.Start(ctx, a.w.NewTask)
	}

	// Create recorder
	if a.c.Remote.Replay.Path != "" {
		// Get stat sources
		var ss []replay.StatSource
		for idx, fn := range stats {
			ss = append(ss, replay.StatSource{
				DeltaStats: fn(),
				Name:       names[idx],
			})
		}

		// Create
		var r *replay.Recorder
		if r, err = replay.New(replay.RecorderOptions{
			Controllable: ctrl,
			DeltaPeriod:  a.c.Remote.Replay.DeltaPeriod,
			Logger:       a.l,
			Name:         a.c.Remote.Replay.Name,
			Path:         a.c.Remote.Replay.Path,
			Stats:        ss,
		}); err != nil {
			err = fmt.Errorf("main: creating recorder failed: %w", err)
			return
		}
		c.AddWithError(r.Close)

		// Start
		r.Start(ctx, a.w.NewTask)
	}
	return
}

func (a *app) read(ctx context.Context, location string) error {
	// Create reader
	r := astiplug.NewReader(astiplug.ReaderOptions{Logger: a.l})
	defer r.Close()

	// Reads block, closing the reader unblocks them
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.Close()
		case <-done:
		}
	}()

	// Open
	if err := r.Open(ctx, location); err != nil {
		return fmt.Errorf("main: opening %s failed: %w", location, err)
	}

	// Select track
	mi := r.MediaInfo()
	if mi.Multitrack() {
		a.l.InfoCf(ctx, "main: %s has %d tracks, selecting track %d", location, len(mi.Tracks), *track)
		if err := r.SelectTrack(*track); err != nil {
			return fmt.Errorf("main: selecting track %d failed: %w", *track, err)
		}
	}

	// Log streams
	for _, s := range r.Streams() {
		a.l.InfoCf(ctx, "main: stream %d: type %s, format %s", s.ID, s.Type, s.Format)
	}

	// Log messages
	evt := astimsg.NewSink(astimsg.SinkOptions{
		Handler: func(m *astimsg.Message) bool {
			a.l.InfoCf(ctx, "main: message %s", m)
			return true
		},
		Synchronous: true,
	})
	defer evt.Close()
	r.Controllable().EvtHub().Connect(evt)
	defer r.Controllable().EvtHub().Disconnect(evt)

	// Start
	if err := r.Start(); err != nil {
		return fmt.Errorf("main: starting reader failed: %w", err)
	}

	// Read
	counts := make(map[int]int)
	bytes := make(map[int]int)
	for {
		p, err := r.ReadPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				a.l.InfoC(ctx, "main: reading interrupted")
				break
			}
			return fmt.Errorf("main: reading packet failed: %w", err)
		}
		counts[p.StreamID]++
		bytes[p.StreamID] += len(p.Data)
		a.l.DebugCf(ctx, "main: stream %d: packet pts %d duration %d size %d", p.StreamID, p.PTS, p.Duration, len(p.Data))
	}

	// Log counts
	ids := make([]int, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		a.l.InfoCf(ctx, "main: stream %d: %d packets, %d bytes", id, counts[id], bytes[id])
	}
	return nil
}

func (a *app) relay(ctx context.Context, src, dst string) error {
	// Create reader
	r := astiplug.NewReader(astiplug.ReaderOptions{Logger: a.l})
	defer r.Close()

	// Open reader
	if err := r.Open(ctx, src); err != nil {
		return fmt.Errorf("main: opening %s failed: %w", src, err)
	}

	// Select track
	if r.MediaInfo().Multitrack() {
		if err := r.SelectTrack(*track); err != nil {
			return fmt.Errorf("main: selecting track %d failed: %w", *track, err)
		}
	}

	// Create writer
	ack, _ := a.c.ackMode()
	w := astiplug.NewWriter(astiplug.WriterOptions{
		Ack:         ack,
		CommandSink: r.Controllable().CmdSink(),
		Logger:      a.l,
		Timeout:     a.c.Writer.Timeout,
	})
	defer w.Close()

	// Open writer
	if err := w.Open(ctx, dst); err != nil {
		return fmt.Errorf("main: opening %s failed: %w", dst, err)
	}

	// Add streams
	for _, s := range r.Streams() {
		if a.c.Writer.Compression != "" {
			s.Compression = astiplug.Compression(a.c.Writer.Compression)
		}
		if err := w.AddStream(s); err != nil {
			return fmt.Errorf("main: adding stream %d failed: %w", s.ID, err)
		}
	}
	if err := w.SetMediaInfo(astiplug.MediaInfo{Metadata: r.MediaInfo().Metadata}); err != nil {
		return fmt.Errorf("main: setting media info failed: %w", err)
	}

	// Start
	if err := r.Start(); err != nil {
		return fmt.Errorf("main: starting reader failed: %w", err)
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("main: starting writer failed: %w", err)
	}

	// Transfer
	n, err := astiplug.Transfer(ctx, r, w)
	a.l.InfoCf(ctx, "main: %d packets relayed from %s to %s", n, src, dst)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("main: transferring failed: %w", err)
	}
	return nil
}
