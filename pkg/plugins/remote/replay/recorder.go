package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/asticode/go-astiplug/pkg/plugins/remote/monitorer"
)

const eventPeriod = 10 * time.Millisecond

// Writes one json line per delta so that a session can be replayed later. The first line describes the
// session.
type Recorder struct {
	c   *astikit.Closer
	evt *astimsg.Sink
	l   astikit.CompleteLogger
	m   *monitorer.Monitorer
	mw  sync.Mutex // Locks w
	o   RecorderOptions
	w   io.Writer
}

type RecorderOptions struct {
	Controllable *astimsg.Controllable
	DeltaPeriod  time.Duration
	Logger       astikit.StdLogger
	Name         string
	Path         string
	Stats        []StatSource
}

type StatSource struct {
	DeltaStats []astikit.DeltaStat
	Name       string
}

type header struct {
	Session headerSession `json:"session"`
}

type headerSession struct {
	Name      string            `json:"name,omitempty"`
	StartedAt astikit.Timestamp `json:"started_at"`
}

func New(o RecorderOptions) (r *Recorder, err error) {
	// Create recorder
	r = &Recorder{
		c: astikit.NewCloser(),
		l: astikit.AdaptStdLogger(o.Logger),
		o: o,
	}

	// Make sure recorder is cleaned up on error
	defer func() {
		if err != nil {
			r.c.Close()
		}
	}()

	// Create file
	f, err := os.Create(o.Path)
	if err != nil {
		err = fmt.Errorf("replay: creating %s failed: %w", o.Path, err)
		return
	}
	r.w = f

	// Make sure to close file
	r.c.AddWithError(f.Close)

	// Create monitorer
	r.m = monitorer.New(monitorer.MonitorerOptions{
		OnDelta: r.onDelta,
		Period:  o.DeltaPeriod,
	})

	// Make sure to close monitorer
	r.c.Add(r.m.Close)

	// Add stats
	for _, s := range o.Stats {
		r.m.AddStats(s.Name, s.DeltaStats)
	}

	// Write header
	r.write(context.Background(), header{Session: headerSession{
		Name:      o.Name,
		StartedAt: *astikit.NewTimestamp(astikit.Now()),
	}})

	// Listen to events, current state is replayed
	if o.Controllable != nil {
		r.evt = astimsg.NewSink(astimsg.SinkOptions{
			Handler: r.m.HandleMessage,
			Logger:  o.Logger,
		})
		o.Controllable.EvtHub().Connect(r.evt)
		r.c.Add(func() {
			o.Controllable.EvtHub().Disconnect(r.evt)
			r.evt.Close()
		})
	}
	return
}

func (r *Recorder) Close() error {
	return r.c.Close()
}

func (r *Recorder) Start(ctx context.Context, tc astikit.TaskCreator) {
	// Start monitorer
	tc().Do(func() { r.m.Start(ctx) })

	// Process events
	if r.evt != nil {
		tc().Do(func() {
			for {
				// Dispatch
				if !r.evt.Iteration() {
					return
				}

				// Sleep
				if err := astikit.Sleep(ctx, eventPeriod); err != nil {
					return
				}
			}
		})
	}
}

func (r *Recorder) onDelta(d monitorer.Delta) {
	r.write(context.Background(), d)
}

func (r *Recorder) write(ctx context.Context, i interface{}) {
	// Marshal
	b, err := json.Marshal(i)
	if err != nil {
		r.l.WarnC(ctx, fmt.Errorf("replay: marshaling failed: %w", err))
		return
	}

	// Append new line
	b = append(b, []byte("\n")...)

	// Lock
	r.mw.Lock()
	defer r.mw.Unlock()

	// Write
	if _, err = r.w.Write(b); err != nil {
		r.l.WarnC(ctx, fmt.Errorf("replay: writing in file failed: %w", err))
		return
	}
}
