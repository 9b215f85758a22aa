package astiplug

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/golang/snappy"
	"github.com/oxtoacart/bpool"
)

// Stream format key holding the timescale packet timestamps are expressed in
const FormatTimescale = "timescale"

var _ MediaSource = (*Reader)(nil)

type Reader struct {
	ack     bool
	bp      *bpool.BufferPool
	bt      *Transport
	bw      *chunkWriter
	closed  bool
	cr      *chunkReader
	cs      *readerCumulativeStats
	ctrl    *astimsg.Controllable
	eof     bool
	l       astikit.CompleteLogger
	m       sync.Mutex // Locks ack, bt, bw, closed, eof, mi, multi, pending, ph, resync, s, t, track
	mi      MediaInfo
	multi   bool
	o       ReaderOptions
	pending *Packet
	ph      ProgramHeader
	resync  *Resync
	s       State
	t       *Transport
	track   int
}

type readerCumulativeStats struct {
	incomingBytes   uint64
	incomingPackets uint64
}

type ReaderOptions struct {
	Logger astikit.StdLogger
}

func NewReader(o ReaderOptions) *Reader {
	// Create reader
	r := &Reader{
		bp:    bpool.NewBufferPool(bufferPoolSize),
		cs:    &readerCumulativeStats{},
		l:     astikit.AdaptStdLogger(o.Logger),
		o:     o,
		track: -1,
	}

	// Create controllable
	r.ctrl = astimsg.NewControllable(
		astimsg.NewSink(astimsg.SinkOptions{
			Handler: func(m *astimsg.Message) bool {
				if err := r.SendMessage(m); err != nil {
					r.l.Warn(fmt.Errorf("astiplug: sending %s failed: %w", m, err))
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
	return r
}

// Commands are sent to the writer through the backchannel. Messages embedded in the stream as well as
// resyncs are broadcast to the event hub.
func (r *Reader) Controllable() *astimsg.Controllable {
	return r.ctrl
}

func (r *Reader) Open(ctx context.Context, location string) error {
	// Open location
	t, err := OpenLocation(ctx, location, MethodRead)
	if err != nil {
		return fmt.Errorf("astiplug: opening %s failed: %w", location, err)
	}

	// Open transport
	if err = r.OpenTransport(ctx, t); err != nil {
		t.Close()
		return err
	}
	return nil
}

func (r *Reader) OpenTransport(ctx context.Context, t *Transport) error {
	// Lock
	r.m.Lock()
	defer r.m.Unlock()

	// Invalid state
	if r.t != nil {
		return fmt.Errorf("astiplug: reader is already opened")
	}

	// Not readable
	if !t.CanRead() {
		return fmt.Errorf("astiplug: transport is not readable")
	}

	// Store transport
	r.t = t
	r.cr = newChunkReader(t, r.bp)
	r.s = StateOpening

	// Peek token
	b, err := t.Peek(chunkTokenSize)
	if err != nil {
		r.s = StateClosed
		return fmt.Errorf("astiplug: peeking header failed: %w", err)
	}
	var tok chunkToken
	copy(tok[:], b)

	// Switch on token
	switch tok {
	case chunkTokenMultitrackHeader:
		// Read media info
		var mi MediaInfo
		if err = r.readValueUnlocked(tok, &mi); err != nil {
			return err
		}
		addr, _ := mi.Metadata.GetString(MetaMsgBackChannelAddress)

		// Update
		r.mi = mi.stripImplicitFields()
		r.multi = true

		// Track selection needs a backchannel
		if err = r.connectBackchannelUnlocked(ctx, addr); err != nil {
			r.s = StateClosed
			return fmt.Errorf("astiplug: connecting backchannel failed: %w", err)
		}
		r.s = StateMultitrackHeaderSent
	case chunkTokenProgramHeader:
		// Read program header
		var ph ProgramHeader
		if err = r.readValueUnlocked(tok, &ph); err != nil {
			return err
		}
		addr, _ := ph.Metadata.GetString(MetaMsgBackChannelAddress)

		// Update
		r.setProgramHeaderUnlocked(ph)
		r.mi = MediaInfo{
			Metadata: r.ph.Metadata,
			Tracks:   []Track{ph.Track},
		}
		r.track = 0

		// Connect backchannel
		if err = r.connectBackchannelUnlocked(ctx, addr); err != nil {
			if !errors.Is(err, ErrBackchannelUnset) {
				r.l.Warn(fmt.Errorf("astiplug: connecting backchannel failed: %w", err))
			}
		}
		r.s = StateSingletrackStreaming
	default:
		r.s = StateClosed
		return fmt.Errorf("astiplug: %w %s", ErrUnexpectedChunk, tok)
	}
	return nil
}

// Mutex should be locked
func (r *Reader) readValueUnlocked(tok chunkToken, v interface{}) error {
	// Read chunk
	c, err := r.cr.read()
	if err != nil {
		r.s = StateClosed
		return fmt.Errorf("astiplug: reading %s chunk failed: %w", tok, err)
	}
	defer r.cr.release(c)

	// Unmarshal
	if err = c.unmarshal(v); err != nil {
		r.s = StateClosed
		return err
	}
	return nil
}

// Mutex should be locked
func (r *Reader) connectBackchannelUnlocked(ctx context.Context, addr string) error {
	// Shared socket
	if r.t.IsSocket() && r.t.CanWrite() {
		r.bt = r.t
	} else if addr != "" {
		var err error
		if r.bt, err = dialBackchannel(ctx, addr); err != nil {
			return err
		}
	} else {
		return ErrBackchannelUnset
	}
	r.bw = newChunkWriter(r.bt)
	return nil
}

// Mutex should be locked
func (r *Reader) setProgramHeaderUnlocked(ph ProgramHeader) {
	r.ph = ph
	r.ph.Metadata = ph.Metadata.Copy()
	delete(r.ph.Metadata, MetaMsgBackChannelAddress)
	r.ack = ph.Ack
}

func (r *Reader) State() State {
	r.m.Lock()
	defer r.m.Unlock()
	return r.s
}

func (r *Reader) MediaInfo() MediaInfo {
	r.m.Lock()
	defer r.m.Unlock()
	return r.mi
}

func (r *Reader) ProgramHeader() ProgramHeader {
	r.m.Lock()
	defer r.m.Unlock()
	return r.ph
}

func (r *Reader) Streams() []StreamDescriptor {
	r.m.Lock()
	defer r.m.Unlock()
	ss := make([]StreamDescriptor, len(r.ph.Track.Streams))
	copy(ss, r.ph.Track.Streams)
	return ss
}

// Returns -1 until a track has been selected in multi track mode
func (r *Reader) SelectedTrack() int {
	r.m.Lock()
	defer r.m.Unlock()
	return r.track
}

// Last resync read from the stream
func (r *Reader) Resync() (Resync, bool) {
	r.m.Lock()
	defer r.m.Unlock()
	if r.resync == nil {
		return Resync{}, false
	}
	return *r.resync, true
}

func (r *Reader) HasBackchannel() bool {
	r.m.Lock()
	defer r.m.Unlock()
	return r.bw != nil
}

// Writes a message on the backchannel
func (r *Reader) SendMessage(m *astimsg.Message) error {
	// Get backchannel
	r.m.Lock()
	bw, closed := r.bw, r.closed
	r.m.Unlock()

	// Check
	if closed {
		return ErrClosed
	} else if bw == nil {
		return ErrBackchannelUnset
	}

	// Write
	if _, err := bw.writeMessage(m); err != nil {
		return fmt.Errorf("astiplug: writing on backchannel failed: %w", err)
	}
	return nil
}

func (r *Reader) sendAck() {
	if err := r.SendMessage(astimsg.NewMessage(astimsg.NamespaceGavf, astimsg.IDGavfPacketAck)); err != nil {
		r.l.Warn(fmt.Errorf("astiplug: sending packet ack failed: %w", err))
	}
}

// No-op in single track mode
func (r *Reader) SelectTrack(idx int) error {
	// Lock
	r.m.Lock()

	// Single track
	if !r.multi {
		r.m.Unlock()
		return nil
	}

	// Check state
	if r.closed || r.s == StateClosed {
		r.m.Unlock()
		return ErrClosed
	}

	// Check track
	if _, err := r.mi.Track(idx); err != nil {
		r.m.Unlock()
		return err
	}

	// Unlock
	r.m.Unlock()

	//!\\ Mutex should be unlocked at this point

	// Send command
	if err := r.SendMessage(astimsg.NewSelectTrackMessage(idx)); err != nil {
		return fmt.Errorf("astiplug: sending track selection failed: %w", err)
	}

	// Read until program header
	for {
		// Read chunk
		c, err := r.cr.read()
		if err != nil {
			r.setClosed()
			return fmt.Errorf("astiplug: reading chunk failed: %w", err)
		}

		// Switch on token
		switch c.token {
		case chunkTokenProgramHeader:
			// Unmarshal
			var ph ProgramHeader
			err = c.unmarshal(&ph)
			r.cr.release(c)
			if err != nil {
				r.setClosed()
				return err
			}

			// Update
			r.m.Lock()
			r.setProgramHeaderUnlocked(ph)
			r.pending = nil
			r.resync = nil
			r.s = StateStreaming
			r.track = idx
			r.m.Unlock()
			return nil
		case chunkTokenPacket:
			// Packets of the previous track still need to be acked
			r.cr.release(c)
			if r.acksEnabled() {
				r.sendAck()
			}
		case chunkTokenTail:
			r.cr.release(c)
			r.setEOF()
			return io.EOF
		default:
			r.cr.release(c)
		}
	}
}

func (r *Reader) acksEnabled() bool {
	r.m.Lock()
	defer r.m.Unlock()
	return r.ack
}

// Tells the writer the reader is ready to receive packets
func (r *Reader) Start() error {
	// Check state
	r.m.Lock()
	s, hasBackchannel := r.s, r.bw != nil
	r.m.Unlock()
	switch s {
	case StateClosed:
		return ErrNotOpened
	case StateMultitrackHeaderSent:
		return ErrNoTrackSelected
	}

	// Notify writer
	if hasBackchannel {
		if err := r.SendMessage(astimsg.NewMessage(astimsg.NamespaceSrc, astimsg.IDSrcStart)); err != nil {
			return fmt.Errorf("astiplug: sending start failed: %w", err)
		}
	}
	return nil
}

func (r *Reader) setClosed() {
	r.m.Lock()
	defer r.m.Unlock()
	r.s = StateClosed
}

func (r *Reader) setEOF() {
	r.m.Lock()
	defer r.m.Unlock()
	r.eof = true
	r.s = StateClosed
}

// Returns io.EOF once the tail has been read
func (r *Reader) ReadPacket() (*Packet, error) {
	// Lock
	r.m.Lock()

	// Check state
	switch r.s {
	case StateSingletrackStreaming, StateStreaming:
	case StateMultitrackHeaderSent:
		r.m.Unlock()
		return nil, ErrNoTrackSelected
	case StateOpening:
		r.m.Unlock()
		return nil, ErrNotStarted
	default:
		eof, opened := r.eof, r.t != nil
		r.m.Unlock()
		if eof {
			return nil, io.EOF
		} else if !opened {
			return nil, ErrNotOpened
		}
		return nil, ErrClosed
	}

	// Pending packet
	if p := r.pending; p != nil {
		r.pending = nil
		r.m.Unlock()
		return p, nil
	}

	// Unlock
	r.m.Unlock()

	//!\\ Mutex should be unlocked at this point

	for {
		// Read chunk
		c, err := r.cr.read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.setEOF()
				return nil, io.EOF
			}
			r.setClosed()
			return nil, fmt.Errorf("astiplug: reading chunk failed: %w", err)
		}

		// Switch on token
		switch c.token {
		case chunkTokenPacket:
			// Increment stats
			atomic.AddUint64(&r.cs.incomingBytes, uint64(chunkHeaderSize+c.b.Len()))
			atomic.AddUint64(&r.cs.incomingPackets, 1)

			// Unmarshal
			var p Packet
			err = c.unmarshal(&p)
			r.cr.release(c)
			if err != nil {
				r.setClosed()
				return nil, err
			}

			// Decompress
			if err = r.decompress(&p); err != nil {
				r.setClosed()
				return nil, err
			}

			// Ack
			if r.acksEnabled() {
				r.sendAck()
			}
			return &p, nil
		case chunkTokenSync:
			// Unmarshal
			var rs Resync
			err = c.unmarshal(&rs)
			r.cr.release(c)
			if err != nil {
				r.setClosed()
				return nil, err
			}

			// Store
			r.m.Lock()
			r.resync = &rs
			r.m.Unlock()

			// Broadcast
			r.ctrl.EvtHub().Send(NewResyncMessage(rs))
		case chunkTokenMessage:
			// Unmarshal
			var m astimsg.Message
			err = c.message(&m)
			r.cr.release(c)
			if err != nil {
				r.l.Warn(err)
				continue
			}

			// Broadcast
			r.ctrl.EvtHub().Send(&m)
		case chunkTokenProgramHeader:
			// Unmarshal
			var ph ProgramHeader
			err = c.unmarshal(&ph)
			r.cr.release(c)
			if err != nil {
				r.setClosed()
				return nil, err
			}

			// Update
			r.m.Lock()
			r.setProgramHeaderUnlocked(ph)
			r.m.Unlock()
		default:
			r.cr.release(c)
			r.setEOF()
			return nil, io.EOF
		}
	}
}

func (r *Reader) decompress(p *Packet) error {
	// Get stream
	r.m.Lock()
	sd, ok := r.ph.Track.Stream(p.StreamID)
	r.m.Unlock()
	if !ok {
		return fmt.Errorf("astiplug: stream %d: %w", p.StreamID, ErrUnknownStream)
	}

	// Decompress
	if sd.Compression == CompressionSnappy {
		b, err := snappy.Decode(nil, p.Data)
		if err != nil {
			return fmt.Errorf("astiplug: decompressing packet failed: %w", err)
		}
		p.Data = b
	}
	return nil
}

func NewResyncMessage(rs Resync) *astimsg.Message {
	return astimsg.NewMessage(astimsg.NamespaceGavf, astimsg.IDGavfResync).
		SetArg(0, astimsg.IntValue(rs.Time)).
		SetArg(1, astimsg.IntValue(rs.Scale)).
		SetArg(2, astimsg.IntValue(boolInt(rs.Discard))).
		SetArg(3, astimsg.IntValue(boolInt(rs.Discont)))
}

func ResyncFromMessage(m *astimsg.Message) Resync {
	return Resync{
		Discard: m.ArgInt(2) > 0,
		Discont: m.ArgInt(3) > 0,
		Scale:   m.ArgInt(1),
		Time:    m.ArgInt(0),
	}
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Asks the writer to seek, if there's a backchannel, and skips packets until either the resulting resync
// or a packet whose timestamp crosses t. The latter covers writers ignoring the seek.
func (r *Reader) Seek(ctx context.Context, t, scale int64) error {
	// Invalid scale
	if scale <= 0 {
		return fmt.Errorf("astiplug: invalid scale %d", scale)
	}

	// Remote seek
	remote := r.HasBackchannel()
	if remote {
		// Send command
		if err := r.SendMessage(astimsg.NewSeekMessage(t, scale)); err != nil {
			return fmt.Errorf("astiplug: sending seek failed: %w", err)
		}

		// Reset
		r.m.Lock()
		r.pending = nil
		r.resync = nil
		r.m.Unlock()
	}

	// Skip packets
	var below bool
	for {
		// Context is done
		if err := ctx.Err(); err != nil {
			return err
		}

		// Read packet
		p, err := r.ReadPacket()
		if err != nil {
			return err
		}

		// Lock
		r.m.Lock()

		// Resync has been read before this packet
		if remote && r.resync != nil {
			r.pending = p
			r.m.Unlock()
			return nil
		}

		// Get timescale
		sd, _ := r.ph.Track.Stream(p.StreamID)
		ts, ok := sd.Format.GetInt(FormatTimescale)
		if !ok || ts <= 0 {
			ts = scale
		}

		// In remote mode, packets already past t may have been sent before the seek was handled so that
		// only a crossing counts
		if p.PTS*scale >= t*ts {
			if !remote || below {
				r.pending = p
				r.m.Unlock()
				return nil
			}
		} else {
			below = true
		}

		// Unlock
		r.m.Unlock()
	}
}

func (r *Reader) Close() error {
	// Lock
	r.m.Lock()

	// Already closed
	if r.closed {
		r.m.Unlock()
		return nil
	}
	r.closed = true
	r.s = StateClosed
	t, bt := r.t, r.bt

	// Unlock
	r.m.Unlock()

	//!\\ Mutex should be unlocked at this point

	// Close backchannel
	if bt != nil && bt != t {
		if err := bt.Close(); err != nil {
			r.l.Warn(fmt.Errorf("astiplug: closing backchannel failed: %w", err))
		}
	}

	// Close transport
	var err error
	if t != nil {
		if err = t.Close(); err != nil {
			err = fmt.Errorf("astiplug: closing transport failed: %w", err)
		}
	}

	// Close controllable
	r.ctrl.Close()
	return err
}

func (r *Reader) DeltaStats() []astikit.DeltaStat {
	return []astikit.DeltaStat{
		{
			Metadata: astikit.DeltaStatMetadata{
				Description: "Number of bytes coming in per second",
				Label:       "Incoming byte rate",
				Name:        DeltaStatNameIncomingByteRate,
				Unit:        "Bps",
			},
			Valuer: astikit.NewAtomicUint64RateDeltaStat(&r.cs.incomingBytes),
		},
		{
			Metadata: astikit.DeltaStatMetadata{
				Description: "Number of packets coming in per second",
				Label:       "Incoming rate",
				Name:        DeltaStatNameIncomingRate,
				Unit:        "pps",
			},
			Valuer: astikit.NewAtomicUint64RateDeltaStat(&r.cs.incomingPackets),
		},
	}
}

// Opens location, reads its media info and closes it
func Probe(ctx context.Context, location string) (MediaInfo, error) {
	// Open location
	t, err := OpenLocation(ctx, location, MethodProbe)
	if err != nil {
		return MediaInfo{}, fmt.Errorf("astiplug: opening %s failed: %w", location, err)
	}

	// Open reader
	r := NewReader(ReaderOptions{})
	defer r.Close()
	if err = r.OpenTransport(ctx, t); err != nil {
		t.Close()
		return MediaInfo{}, err
	}
	return r.MediaInfo(), nil
}
