package astiplug

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/golang/snappy"
	"github.com/oxtoacart/bpool"
)

const (
	backchannelTimeout = 50 * time.Millisecond
	bufferPoolSize     = 32
	defaultAckTimeout  = 10 * time.Second
)

type AckMode int

const (
	// Packets are acked only when the transport is a shared bidirectional socket
	AckModeAuto AckMode = iota
	AckModeAlways
	AckModeNever
)

var _ MediaSink = (*Writer)(nil)

type Writer struct {
	ack     bool
	acked   bool
	bl      *backchannelListener
	bp      *bpool.BufferPool
	bt      *Transport
	closed  bool
	ctrl    *astimsg.Controllable
	cs      *writerCumulativeStats
	cw      *chunkWriter
	done    chan struct{}
	gotErr  bool
	in      *astimsg.Sink
	l       astikit.CompleteLogger
	m       sync.Mutex // Locks ack, acked, bl, bt, closed, gotErr, mi, multitrack, s, streams, t, track
	mi      MediaInfo
	multi   bool
	notify  chan struct{}
	o       WriterOptions
	s       State
	streams []StreamDescriptor
	t       *Transport
	track   int
	wg      sync.WaitGroup
}

type writerCumulativeStats struct {
	outgoingBytes   uint64
	outgoingPackets uint64
}

type WriterOptions struct {
	Ack AckMode
	// Commands received from the consumer are forwarded there
	CommandSink *astimsg.Sink
	Logger      astikit.StdLogger
	// Max duration spent waiting for a packet ack
	Timeout time.Duration
}

func NewWriter(o WriterOptions) *Writer {
	// Default options
	if o.Timeout <= 0 {
		o.Timeout = defaultAckTimeout
	}

	// Create writer
	w := &Writer{
		bp:     bpool.NewBufferPool(bufferPoolSize),
		cs:     &writerCumulativeStats{},
		done:   make(chan struct{}),
		l:      astikit.AdaptStdLogger(o.Logger),
		notify: make(chan struct{}, 1),
		o:      o,
		track:  -1,
	}

	// Create backchannel sink
	w.in = astimsg.NewSink(astimsg.SinkOptions{
		Handler: w.handleBackchannelMessage,
		Logger:  o.Logger,
	})

	// Create controllable
	w.ctrl = astimsg.NewControllable(
		astimsg.NewSink(astimsg.SinkOptions{
			Handler: func(m *astimsg.Message) bool {
				if err := w.PutMessage(m); err != nil {
					w.l.Warn(fmt.Errorf("astiplug: writing message in stream failed: %w", err))
				}
				return true
			},
			Logger:      o.Logger,
			Synchronous: true,
		}),
		astimsg.NewHub(astimsg.HubOptions{
			Logger:      o.Logger,
			Synchronous: true,
		}),
	)
	return w
}

// Messages written in the command sink are embedded in the stream
func (w *Writer) Controllable() *astimsg.Controllable {
	return w.ctrl
}

func (w *Writer) Open(ctx context.Context, location string) error {
	// Open location
	t, err := OpenLocation(ctx, location, MethodWrite)
	if err != nil {
		return fmt.Errorf("astiplug: opening %s failed: %w", location, err)
	}

	// Open transport
	if err = w.OpenTransport(t); err != nil {
		t.Close()
		return err
	}
	return nil
}

func (w *Writer) OpenTransport(t *Transport) error {
	// Lock
	w.m.Lock()
	defer w.m.Unlock()

	// Invalid state
	if w.t != nil {
		return fmt.Errorf("astiplug: writer is already opened")
	}

	// Not writable
	if !t.CanWrite() {
		return fmt.Errorf("astiplug: transport is not writable")
	}

	// Store transport
	w.t = t
	w.cw = newChunkWriter(t)
	w.s = StateOpening
	return nil
}

func (w *Writer) State() State {
	w.m.Lock()
	defer w.m.Unlock()
	return w.s
}

func (w *Writer) GotError() bool {
	w.m.Lock()
	defer w.m.Unlock()
	return w.gotErr
}

// Mutex should be locked
func (w *Writer) checkNotStartedUnlocked() error {
	switch w.s {
	case StateOpening:
		return nil
	case StateClosed:
		return ErrNotOpened
	default:
		return ErrAlreadyStarted
	}
}

func (w *Writer) AddStream(sd StreamDescriptor) error {
	// Lock
	w.m.Lock()
	defer w.m.Unlock()

	// Check state
	if err := w.checkNotStartedUnlocked(); err != nil {
		return err
	}

	// Check id
	for _, s := range w.streams {
		if s.ID == sd.ID {
			return fmt.Errorf("astiplug: stream %d already exists", sd.ID)
		}
	}

	// Append
	w.streams = append(w.streams, sd)
	return nil
}

func (w *Writer) SetMediaInfo(mi MediaInfo) error {
	// Lock
	w.m.Lock()
	defer w.m.Unlock()

	// Check state
	if w.s != StateClosed {
		if err := w.checkNotStartedUnlocked(); err != nil {
			return err
		}
	}

	// Store
	w.mi = mi.stripImplicitFields()
	return nil
}

func (w *Writer) MediaInfo() MediaInfo {
	w.m.Lock()
	defer w.m.Unlock()
	return w.mi
}

func (w *Writer) Streams() []StreamDescriptor {
	w.m.Lock()
	defer w.m.Unlock()
	ss := make([]StreamDescriptor, len(w.streams))
	copy(ss, w.streams)
	return ss
}

// Returns -1 until a track has been selected in multi track mode
func (w *Writer) SelectedTrack() int {
	w.m.Lock()
	defer w.m.Unlock()
	return w.track
}

func (w *Writer) Start() error {
	// Lock
	w.m.Lock()

	// Check state
	if err := w.checkNotStartedUnlocked(); err != nil {
		w.m.Unlock()
		return err
	}

	// Get mode
	w.multi = w.mi.Multitrack()

	// Single track needs streams
	if !w.multi {
		if len(w.streams) == 0 && len(w.mi.Tracks) == 1 {
			w.streams = append(w.streams, w.mi.Tracks[0].Streams...)
		}
		if len(w.streams) == 0 {
			w.m.Unlock()
			return ErrNoStreams
		}
		w.track = 0
	}

	// Create metadata
	md := w.mi.Metadata.Copy()
	if md == nil {
		md = make(astimsg.Dictionary)
	}

	// Backchannel shares the socket
	if w.t.IsSocket() {
		w.bt = w.t
	} else if w.t.Flags()&TransportFlagPipe > 0 {
		// Create listener
		var err error
		if w.bl, err = newBackchannelListener(); err != nil {
			w.m.Unlock()
			return fmt.Errorf("astiplug: creating backchannel listener failed: %w", err)
		}

		// Advertise address
		md.SetString(MetaMsgBackChannelAddress, w.bl.addr)
	}

	// Ack
	w.ack = w.o.Ack == AckModeAlways || (w.o.Ack == AckModeAuto && w.t.IsSocket())
	if w.ack && w.bt == nil && w.bl == nil {
		w.l.Warn("astiplug: transport has no backchannel, disabling packet acks")
		w.ack = false
	}

	// Write header
	var err error
	if w.multi {
		mi := MediaInfo{
			Metadata: md,
			Tracks:   w.mi.Tracks,
		}
		_, err = w.cw.writeValue(chunkTokenMultitrackHeader, mi)
		w.s = StateMultitrackHeaderSent
	} else {
		var t Track
		if len(w.mi.Tracks) == 1 {
			t.Metadata = w.mi.Tracks[0].Metadata
		}
		t.Streams = w.streams
		_, err = w.cw.writeValue(chunkTokenProgramHeader, ProgramHeader{
			Ack:      w.ack,
			Metadata: md,
			Track:    t,
		})
		w.s = StateSingletrackStreaming
	}

	// Writing failed
	if err != nil {
		w.gotErr = true
		w.s = StateClosed
		w.m.Unlock()
		return fmt.Errorf("astiplug: writing header failed: %w", err)
	}

	// Unlock
	w.m.Unlock()

	//!\\ Mutex should be unlocked at this point

	// Read backchannel
	w.startBackchannel()
	return nil
}

func (w *Writer) startBackchannel() {
	// Get transports
	w.m.Lock()
	bt := w.bt
	bl := w.bl
	w.m.Unlock()

	// No backchannel
	if bt == nil && bl == nil {
		return
	}

	// Read in a goroutine
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		// Accept backchannel connection
		if bt == nil {
			var err error
			if bt, err = bl.accept(); err != nil {
				if !w.isClosed() {
					w.l.Warn(fmt.Errorf("astiplug: accepting backchannel failed: %w", err))
					w.injectQuit()
				}
				return
			}

			// Store transport
			w.m.Lock()
			if w.closed {
				w.m.Unlock()
				bt.Close()
				return
			}
			w.bt = bt
			w.m.Unlock()
		}

		// Read
		w.readBackchannel(bt)
	}()
}

func (w *Writer) isClosed() bool {
	w.m.Lock()
	defer w.m.Unlock()
	return w.closed
}

func (w *Writer) readBackchannel(bt *Transport) {
	cr := newChunkReader(bt, w.bp)
	for {
		// Writer is closed
		select {
		case <-w.done:
			return
		default:
		}

		// Wait for data
		ok, err := bt.canRead(backchannelTimeout)
		if err != nil {
			if !w.isClosed() {
				w.l.Debug(fmt.Errorf("astiplug: reading backchannel failed: %w", err))
				w.injectQuit()
			}
			return
		} else if !ok {
			continue
		}

		// Read chunk
		c, err := cr.read()
		if err != nil {
			if !w.isClosed() {
				w.l.Debug(fmt.Errorf("astiplug: reading backchannel chunk failed: %w", err))
				w.injectQuit()
			}
			return
		}

		// Unexpected chunk
		if c.token != chunkTokenMessage {
			w.l.Warn(fmt.Errorf("astiplug: %w %s on backchannel", ErrUnexpectedChunk, c.token))
			cr.release(c)
			continue
		}

		// Unmarshal
		var m astimsg.Message
		err = c.message(&m)
		cr.release(c)
		if err != nil {
			w.l.Warn(err)
			continue
		}

		// Queue
		w.in.PutCopy(&m)
		w.signal()
	}
}

func (w *Writer) signal() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Writer) injectQuit() {
	w.in.PutCopy(astimsg.NewQuitMessage())
	w.signal()
}

// Dispatches pending backchannel messages and returns how many were processed
func (w *Writer) Ping() int {
	// Iterate
	if !w.in.Iteration() {
		// Peer is gone
		w.m.Lock()
		w.gotErr = true
		w.m.Unlock()
	}
	return w.in.NumMessages()
}

func (w *Writer) handleBackchannelMessage(m *astimsg.Message) bool {
	switch {
	case m.Is(astimsg.NamespaceGavf, astimsg.IDGavfPacketAck):
		w.m.Lock()
		w.acked = true
		w.m.Unlock()
		return true
	case m.Is(astimsg.NamespaceSrc, astimsg.IDSrcSelectTrack):
		// Get mode
		w.m.Lock()
		multi := w.multi
		w.m.Unlock()

		// Single track mode
		if !multi {
			w.l.Debug("astiplug: ignoring select track in single track mode")
			return true
		}

		// Select track
		if err := w.selectTrack(int(m.ArgInt(0))); err != nil {
			w.l.Warn(fmt.Errorf("astiplug: selecting track failed: %w", err))
			return true
		}
	}

	// Forward
	if w.o.CommandSink != nil {
		w.o.CommandSink.PutCopy(m)
	}
	return true
}

func (w *Writer) selectTrack(idx int) error {
	// Lock
	w.m.Lock()
	defer w.m.Unlock()

	// Check state
	if w.s != StateMultitrackHeaderSent && w.s != StateStreaming {
		return fmt.Errorf("astiplug: invalid state %s", w.s)
	}

	// Get track
	t, err := w.mi.Track(idx)
	if err != nil {
		return err
	}

	// Write program header
	if _, err = w.cw.writeValue(chunkTokenProgramHeader, ProgramHeader{
		Ack:   w.ack,
		Track: t,
	}); err != nil {
		w.gotErr = true
		w.s = StateClosed
		return fmt.Errorf("astiplug: writing program header failed: %w", err)
	}

	// Update
	w.streams = append([]StreamDescriptor{}, t.Streams...)
	w.track = idx
	w.s = StateStreaming
	return nil
}

// Mutex should be locked
func (w *Writer) checkStreamingUnlocked() error {
	if w.gotErr {
		return ErrClosed
	}
	switch w.s {
	case StateSingletrackStreaming, StateStreaming:
		return nil
	case StateOpening:
		return ErrNotStarted
	case StateMultitrackHeaderSent:
		return ErrNoTrackSelected
	default:
		return ErrClosed
	}
}

func (w *Writer) setError() {
	w.m.Lock()
	defer w.m.Unlock()
	w.gotErr = true
	w.s = StateClosed
}

func (w *Writer) PutPacket(p *Packet) error {
	// Lock
	w.m.Lock()

	// Check state
	if err := w.checkStreamingUnlocked(); err != nil {
		w.m.Unlock()
		return err
	}

	// Get stream
	var sd StreamDescriptor
	var found bool
	for _, s := range w.streams {
		if s.ID == p.StreamID {
			sd = s
			found = true
			break
		}
	}
	if !found {
		w.m.Unlock()
		return fmt.Errorf("astiplug: stream %d: %w", p.StreamID, ErrUnknownStream)
	}

	// Reset ack
	ack := w.ack
	w.acked = false

	// Unlock
	w.m.Unlock()

	//!\\ Mutex should be unlocked at this point

	// Compress
	pp := *p
	if sd.Compression == CompressionSnappy {
		pp.Data = snappy.Encode(nil, p.Data)
	}

	// Write
	n, err := w.cw.writeValue(chunkTokenPacket, pp)
	if err != nil {
		w.setError()
		return fmt.Errorf("astiplug: writing packet failed: %w", err)
	}

	// Increment stats
	atomic.AddUint64(&w.cs.outgoingBytes, uint64(n))
	atomic.AddUint64(&w.cs.outgoingPackets, 1)

	// Wait for ack
	if ack {
		return w.waitForAck()
	}

	// Dispatch pending backchannel messages
	w.Ping()
	return nil
}

func (w *Writer) waitForAck() error {
	deadline := time.Now().Add(w.o.Timeout)
	for {
		// Process backchannel
		w.Ping()

		// Check ack
		w.m.Lock()
		acked, gotErr := w.acked, w.gotErr
		w.m.Unlock()
		if acked {
			return nil
		} else if gotErr {
			return ErrClosed
		}

		// Timeout
		d := time.Until(deadline)
		if d <= 0 {
			w.setError()
			return ErrAckTimeout
		} else if d > backchannelTimeout {
			d = backchannelTimeout
		}

		// Wait
		select {
		case <-w.notify:
		case <-w.done:
			return ErrClosed
		case <-time.After(d):
		}
	}
}

func (w *Writer) WriteResync(t, scale int64, discard, discont bool) error {
	// Check state
	w.m.Lock()
	err := w.checkStreamingUnlocked()
	w.m.Unlock()
	if err != nil {
		return err
	}

	// Write
	if _, err = w.cw.writeValue(chunkTokenSync, Resync{
		Discard: discard,
		Discont: discont,
		Scale:   scale,
		Time:    t,
	}); err != nil {
		w.setError()
		return fmt.Errorf("astiplug: writing resync failed: %w", err)
	}
	return nil
}

// Embeds a message in the stream
func (w *Writer) PutMessage(m *astimsg.Message) error {
	// Check state
	w.m.Lock()
	err := w.checkStreamingUnlocked()
	w.m.Unlock()
	if err != nil {
		return err
	}

	// Write
	if _, err = w.cw.writeMessage(m); err != nil {
		w.setError()
		return fmt.Errorf("astiplug: writing message failed: %w", err)
	}
	return nil
}

func (w *Writer) Close() error {
	// Lock
	w.m.Lock()

	// Already closed
	if w.closed {
		w.m.Unlock()
		return nil
	}
	w.closed = true
	close(w.done)

	// Get state
	writeTail := w.s.streaming() && !w.gotErr
	w.s = StateClosed
	t, bt, bl, cw := w.t, w.bt, w.bl, w.cw

	// Unlock
	w.m.Unlock()

	//!\\ Mutex should be unlocked at this point

	// Write tail
	if writeTail {
		if _, err := cw.write(chunkTokenTail, nil); err != nil {
			w.l.Debug(fmt.Errorf("astiplug: writing tail failed: %w", err))
		}
	}

	// Close backchannel
	if bl != nil {
		if err := bl.close(); err != nil {
			w.l.Warn(err)
		}
	}
	if bt != nil && bt != t {
		if err := bt.Close(); err != nil {
			w.l.Warn(fmt.Errorf("astiplug: closing backchannel failed: %w", err))
		}
	}

	// Close transport
	var err error
	if t != nil {
		if err = t.Close(); err != nil {
			err = fmt.Errorf("astiplug: closing transport failed: %w", err)
		}
	}

	// Wait for goroutines
	w.wg.Wait()

	// Close sinks
	w.in.Close()
	w.ctrl.Close()
	return err
}

func (w *Writer) DeltaStats() []astikit.DeltaStat {
	return []astikit.DeltaStat{
		{
			Metadata: astikit.DeltaStatMetadata{
				Description: "Number of bytes going out per second",
				Label:       "Outgoing byte rate",
				Name:        DeltaStatNameOutgoingByteRate,
				Unit:        "Bps",
			},
			Valuer: astikit.NewAtomicUint64RateDeltaStat(&w.cs.outgoingBytes),
		},
		{
			Metadata: astikit.DeltaStatMetadata{
				Description: "Number of packets going out per second",
				Label:       "Outgoing rate",
				Name:        DeltaStatNameOutgoingRate,
				Unit:        "pps",
			},
			Valuer: astikit.NewAtomicUint64RateDeltaStat(&w.cs.outgoingPackets),
		},
	}
}
