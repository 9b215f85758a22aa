package astiplug_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/asticode/go-astiplug/pkg/astiplug"
	"github.com/stretchr/testify/require"
)

func newSocketPair(t *testing.T) (w, r *astiplug.Transport) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	ch := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			close(ch)
			return
		}
		ch <- c
	}()
	c, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	s, ok := <-ch
	require.True(t, ok)
	return astiplug.NewConnTransport(c), astiplug.NewConnTransport(s)
}

func TestSingletrackSocket(t *testing.T) {
	wt, rt := newSocketPair(t)

	w := astiplug.NewWriter(astiplug.WriterOptions{})
	defer w.Close()
	require.ErrorIs(t, w.PutPacket(&astiplug.Packet{StreamID: 1}), astiplug.ErrClosed)
	require.NoError(t, w.OpenTransport(wt))
	require.ErrorIs(t, w.PutPacket(&astiplug.Packet{StreamID: 1}), astiplug.ErrNotStarted)
	require.ErrorIs(t, w.Start(), astiplug.ErrNoStreams)
	require.NoError(t, w.AddStream(astiplug.StreamDescriptor{Compression: astiplug.CompressionSnappy, ID: 1, Type: astiplug.StreamTypeAudio}))
	require.Error(t, w.AddStream(astiplug.StreamDescriptor{ID: 1}))
	require.NoError(t, w.Start())
	require.ErrorIs(t, w.Start(), astiplug.ErrAlreadyStarted)
	require.Equal(t, astiplug.StateSingletrackStreaming, w.State())
	require.ErrorIs(t, w.PutPacket(&astiplug.Packet{StreamID: 2}), astiplug.ErrUnknownStream)

	r := astiplug.NewReader(astiplug.ReaderOptions{})
	defer r.Close()
	require.NoError(t, r.OpenTransport(context.Background(), rt))
	require.Equal(t, astiplug.StateSingletrackStreaming, r.State())
	require.True(t, r.ProgramHeader().Ack)
	require.True(t, r.HasBackchannel())
	require.Equal(t, 0, r.SelectedTrack())
	require.NoError(t, r.SelectTrack(3))
	require.NoError(t, r.Start())

	// Packets are acked one by one so writing must happen in parallel
	errs := make(chan error, 1)
	go func() {
		for i := 0; i < 3; i++ {
			if err := w.PutPacket(&astiplug.Packet{Data: []byte(fmt.Sprintf("packet-%d", i)), PTS: int64(i), StreamID: 1}); err != nil {
				errs <- err
				return
			}
		}
		errs <- w.Close()
	}()

	for i := 0; i < 3; i++ {
		p, err := r.ReadPacket()
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("packet-%d", i)), p.Data)
		require.Equal(t, int64(i), p.PTS)
	}
	_, err := r.ReadPacket()
	require.ErrorIs(t, err, io.EOF)
	_, err = r.ReadPacket()
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, <-errs)
	require.ErrorIs(t, w.PutPacket(&astiplug.Packet{StreamID: 1}), astiplug.ErrClosed)
}

func TestSingletrackEvents(t *testing.T) {
	wt, rt := newSocketPair(t)

	w := astiplug.NewWriter(astiplug.WriterOptions{Ack: astiplug.AckModeNever})
	defer w.Close()
	require.NoError(t, w.OpenTransport(wt))
	require.NoError(t, w.SetMediaInfo(astiplug.MediaInfo{
		Metadata: astimsg.Dictionary{astiplug.MetaLabel: astimsg.StringValue("label")},
		Tracks:   []astiplug.Track{{Streams: []astiplug.StreamDescriptor{{ID: 1, Type: astiplug.StreamTypeAudio}}}},
	}))
	require.NoError(t, w.Start())
	require.Len(t, w.Streams(), 1)
	require.NoError(t, w.PutPacket(&astiplug.Packet{Data: []byte("1"), StreamID: 1}))
	require.NoError(t, w.WriteResync(10, 1000, true, false))
	w.Controllable().CmdSink().PutCopy(astimsg.NewSetStateMessage("ctx", "var", astimsg.IntValue(1)))
	require.NoError(t, w.PutPacket(&astiplug.Packet{Data: []byte("2"), StreamID: 1}))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	r := astiplug.NewReader(astiplug.ReaderOptions{})
	defer r.Close()
	require.NoError(t, r.OpenTransport(context.Background(), rt))
	require.False(t, r.ProgramHeader().Ack)
	label, _ := r.MediaInfo().Metadata.GetString(astiplug.MetaLabel)
	require.Equal(t, "label", label)
	s := astimsg.NewSink(astimsg.SinkOptions{})
	r.Controllable().EvtHub().Connect(s)

	p, err := r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, []byte("1"), p.Data)
	require.Equal(t, 0, s.Len())
	p, err = r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, []byte("2"), p.Data)

	m := s.Read()
	require.True(t, m.Is(astimsg.NamespaceGavf, astimsg.IDGavfResync))
	require.Equal(t, astiplug.Resync{Discard: true, Scale: 1000, Time: 10}, astiplug.ResyncFromMessage(m))
	s.DoneRead(m)
	m = s.Read()
	require.True(t, m.Is(astimsg.NamespaceState, astimsg.IDSetState))
	st, err := m.State()
	require.NoError(t, err)
	require.Equal(t, "var", st.Variable)
	s.DoneRead(m)
	rs, ok := r.Resync()
	require.True(t, ok)
	require.Equal(t, int64(10), rs.Time)

	_, err = r.ReadPacket()
	require.ErrorIs(t, err, io.EOF)
}

func TestMultitrack(t *testing.T) {
	wt, rt := newSocketPair(t)
	cmd := astimsg.NewSink(astimsg.SinkOptions{})

	w := astiplug.NewWriter(astiplug.WriterOptions{Ack: astiplug.AckModeNever, CommandSink: cmd})
	defer w.Close()
	require.NoError(t, w.OpenTransport(wt))
	require.NoError(t, w.SetMediaInfo(astiplug.MediaInfo{Tracks: []astiplug.Track{
		{Streams: []astiplug.StreamDescriptor{{ID: 1, Type: astiplug.StreamTypeAudio}}},
		{Streams: []astiplug.StreamDescriptor{{ID: 2, Type: astiplug.StreamTypeVideo}}},
	}}))
	require.NoError(t, w.Start())
	require.Equal(t, astiplug.StateMultitrackHeaderSent, w.State())
	require.Equal(t, -1, w.SelectedTrack())
	require.ErrorIs(t, w.PutPacket(&astiplug.Packet{StreamID: 1}), astiplug.ErrNoTrackSelected)

	r := astiplug.NewReader(astiplug.ReaderOptions{})
	defer r.Close()
	require.NoError(t, r.OpenTransport(context.Background(), rt))
	require.Equal(t, astiplug.StateMultitrackHeaderSent, r.State())
	require.Len(t, r.MediaInfo().Tracks, 2)
	_, err := r.ReadPacket()
	require.ErrorIs(t, err, astiplug.ErrNoTrackSelected)
	require.ErrorIs(t, r.Start(), astiplug.ErrNoTrackSelected)
	require.Error(t, r.SelectTrack(2))

	errs := make(chan error, 1)
	go func() { errs <- r.SelectTrack(1) }()
	require.Eventually(t, func() bool {
		w.Ping()
		return w.SelectedTrack() == 1
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, <-errs)
	require.Equal(t, astiplug.StateStreaming, w.State())
	require.Equal(t, 1, r.SelectedTrack())
	require.Equal(t, astiplug.StateStreaming, r.State())
	require.Equal(t, 2, r.Streams()[0].ID)

	m := cmd.Read()
	require.True(t, m.Is(astimsg.NamespaceSrc, astimsg.IDSrcSelectTrack))
	cmd.DoneRead(m)

	require.ErrorIs(t, w.PutPacket(&astiplug.Packet{StreamID: 1}), astiplug.ErrUnknownStream)
	require.NoError(t, w.PutPacket(&astiplug.Packet{Data: []byte("v"), StreamID: 2}))
	p, err := r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, 2, p.StreamID)
}

func TestPipeBackchannel(t *testing.T) {
	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	cmd := astimsg.NewSink(astimsg.SinkOptions{})

	w := astiplug.NewWriter(astiplug.WriterOptions{CommandSink: cmd})
	defer w.Close()
	require.NoError(t, w.OpenTransport(astiplug.NewTransport(astiplug.TransportOptions{Closer: pw, Flags: astiplug.TransportFlagPipe, Writer: pw})))
	require.NoError(t, w.AddStream(astiplug.StreamDescriptor{ID: 1, Type: astiplug.StreamTypeAudio}))
	require.NoError(t, w.Start())

	r := astiplug.NewReader(astiplug.ReaderOptions{})
	defer r.Close()
	require.NoError(t, r.OpenTransport(context.Background(), astiplug.NewTransport(astiplug.TransportOptions{Closer: pr, Flags: astiplug.TransportFlagPipe, Reader: pr})))
	require.True(t, r.HasBackchannel())
	require.False(t, r.ProgramHeader().Ack)
	_, ok := r.MediaInfo().Metadata[astiplug.MetaMsgBackChannelAddress]
	require.False(t, ok)

	r.Controllable().CmdSink().PutCopy(astimsg.NewMessage(astimsg.NamespacePlayer, astimsg.IDPlayerPause))
	require.Eventually(t, func() bool {
		w.Ping()
		return cmd.Len() > 0
	}, time.Second, 10*time.Millisecond)
	m := cmd.Read()
	require.True(t, m.Is(astimsg.NamespacePlayer, astimsg.IDPlayerPause))
	cmd.DoneRead(m)

	require.NoError(t, w.PutPacket(&astiplug.Packet{Data: []byte("a"), StreamID: 1}))
	p, err := r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, []byte("a"), p.Data)

	require.NoError(t, r.Close())
	require.Eventually(t, func() bool {
		w.Ping()
		return w.GotError()
	}, time.Second, 10*time.Millisecond)
	require.ErrorIs(t, w.PutPacket(&astiplug.Packet{StreamID: 1}), astiplug.ErrClosed)
}

func TestAckTimeout(t *testing.T) {
	wt, rt := newSocketPair(t)
	defer rt.Close()

	w := astiplug.NewWriter(astiplug.WriterOptions{Timeout: 100 * time.Millisecond})
	defer w.Close()
	require.NoError(t, w.OpenTransport(wt))
	require.NoError(t, w.AddStream(astiplug.StreamDescriptor{ID: 1}))
	require.NoError(t, w.Start())
	require.ErrorIs(t, w.PutPacket(&astiplug.Packet{StreamID: 1}), astiplug.ErrAckTimeout)
	require.True(t, w.GotError())
	require.ErrorIs(t, w.PutPacket(&astiplug.Packet{StreamID: 1}), astiplug.ErrClosed)
}

func TestSeek(t *testing.T) {
	buf := &bytes.Buffer{}
	w := astiplug.NewWriter(astiplug.WriterOptions{Ack: astiplug.AckModeAlways})
	require.NoError(t, w.OpenTransport(astiplug.NewTransport(astiplug.TransportOptions{Flags: astiplug.TransportFlagRegular, Writer: buf})))
	require.NoError(t, w.AddStream(astiplug.StreamDescriptor{
		Format: astimsg.Dictionary{astiplug.FormatTimescale: astimsg.IntValue(10)},
		ID:     1,
	}))
	require.NoError(t, w.Start())
	for i := 0; i < 10; i++ {
		require.NoError(t, w.PutPacket(&astiplug.Packet{PTS: int64(i), StreamID: 1}))
	}
	require.NoError(t, w.Close())

	r := astiplug.NewReader(astiplug.ReaderOptions{})
	defer r.Close()
	require.NoError(t, r.OpenTransport(context.Background(), astiplug.NewTransport(astiplug.TransportOptions{Flags: astiplug.TransportFlagRegular, Reader: bytes.NewReader(buf.Bytes())})))
	require.False(t, r.HasBackchannel())
	require.Error(t, r.Seek(context.Background(), 1, 0))
	require.NoError(t, r.Seek(context.Background(), 500, 1000))
	p, err := r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, int64(5), p.PTS)
	p, err = r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, int64(6), p.PTS)
	require.ErrorIs(t, r.Seek(context.Background(), 100, 1), io.EOF)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, r.Seek(ctx, 0, 1), context.Canceled)
}

func TestSeekIgnoredByWriter(t *testing.T) {
	wt, rt := newSocketPair(t)

	// Writer has no command sink and therefore never seeks
	w := astiplug.NewWriter(astiplug.WriterOptions{Ack: astiplug.AckModeNever})
	defer w.Close()
	require.NoError(t, w.OpenTransport(wt))
	require.NoError(t, w.AddStream(astiplug.StreamDescriptor{ID: 1}))
	require.NoError(t, w.Start())
	for i := 0; i < 10; i++ {
		require.NoError(t, w.PutPacket(&astiplug.Packet{PTS: int64(i), StreamID: 1}))
	}

	r := astiplug.NewReader(astiplug.ReaderOptions{})
	defer r.Close()
	require.NoError(t, r.OpenTransport(context.Background(), rt))
	require.True(t, r.HasBackchannel())
	require.NoError(t, r.Seek(context.Background(), 5, 1))
	p, err := r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, int64(5), p.PTS)
}

func TestOpenLocation(t *testing.T) {
	p := t.TempDir() + "/plug"
	w := astiplug.NewWriter(astiplug.WriterOptions{})
	require.NoError(t, w.Open(context.Background(), p))
	require.NoError(t, w.AddStream(astiplug.StreamDescriptor{ID: 1, Type: astiplug.StreamTypeText}))
	require.NoError(t, w.Start())
	require.NoError(t, w.PutPacket(&astiplug.Packet{Data: []byte("text"), StreamID: 1}))
	require.NoError(t, w.Close())

	mi, err := astiplug.Probe(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, mi.Tracks, 1)
	require.Equal(t, astiplug.StreamTypeText, mi.Tracks[0].Streams[0].Type)

	r := astiplug.NewReader(astiplug.ReaderOptions{})
	defer r.Close()
	require.NoError(t, r.Open(context.Background(), "file://"+p))
	pkt, err := r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, []byte("text"), pkt.Data)

	_, err = astiplug.OpenLocation(context.Background(), "invalid://test", astiplug.MethodRead)
	require.Error(t, err)
}

func TestServer(t *testing.T) {
	l := astikit.NewMockedLogger()
	received := make(chan *astiplug.Packet, 2)
	s := httptest.NewServer(astiplug.NewServer(astiplug.ServerOptions{
		Logger: l,
		OnTransport: func(ctx context.Context, m astiplug.Method, tr *astiplug.Transport) {
			if m != astiplug.MethodWrite {
				return
			}
			r := astiplug.NewReader(astiplug.ReaderOptions{Logger: l})
			defer r.Close()
			if err := r.OpenTransport(ctx, tr); err != nil {
				return
			}
			for {
				p, err := r.ReadPacket()
				if err != nil {
					return
				}
				received <- p
			}
		},
	}))
	defer s.Close()

	w := astiplug.NewWriter(astiplug.WriterOptions{Logger: l})
	defer w.Close()
	require.NoError(t, w.Open(context.Background(), "ws"+strings.TrimPrefix(s.URL, "http")))
	require.NoError(t, w.AddStream(astiplug.StreamDescriptor{ID: 1}))
	require.NoError(t, w.Start())
	for i := 0; i < 2; i++ {
		require.NoError(t, w.PutPacket(&astiplug.Packet{PTS: int64(i), StreamID: 1}))
	}
	for i := 0; i < 2; i++ {
		select {
		case p := <-received:
			require.Equal(t, int64(i), p.PTS)
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
}

type sliceSource struct {
	err error
	ps  []*astiplug.Packet
}

func (s *sliceSource) ReadPacket() (*astiplug.Packet, error) {
	if len(s.ps) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	p := s.ps[0]
	s.ps = s.ps[1:]
	return p, nil
}

type sliceSink struct {
	err error
	ps  []*astiplug.Packet
}

func (s *sliceSink) PutPacket(p *astiplug.Packet) error {
	if s.err != nil {
		return s.err
	}
	s.ps = append(s.ps, p)
	return nil
}

func TestTransfer(t *testing.T) {
	src := &sliceSource{ps: []*astiplug.Packet{{PTS: 1}, {PTS: 2}}}
	dst := &sliceSink{}
	n, err := astiplug.Transfer(context.Background(), src, dst)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []*astiplug.Packet{{PTS: 1}, {PTS: 2}}, dst.ps)

	errTest := errors.New("test")
	_, err = astiplug.Transfer(context.Background(), &sliceSource{err: errTest}, &sliceSink{})
	require.ErrorIs(t, err, errTest)
	_, err = astiplug.Transfer(context.Background(), &sliceSource{ps: []*astiplug.Packet{{}}}, &sliceSink{err: errTest})
	require.ErrorIs(t, err, errTest)
}

type chanSource chan *astiplug.Packet

func (s chanSource) ReadPacket() (*astiplug.Packet, error) {
	p, ok := <-s
	if !ok {
		return nil, io.EOF
	}
	return p, nil
}

func TestTransferDispatchesCommands(t *testing.T) {
	wt, rt := newSocketPair(t)
	cmd := astimsg.NewSink(astimsg.SinkOptions{})

	w := astiplug.NewWriter(astiplug.WriterOptions{Ack: astiplug.AckModeNever, CommandSink: cmd})
	defer w.Close()
	require.NoError(t, w.OpenTransport(wt))
	require.NoError(t, w.AddStream(astiplug.StreamDescriptor{ID: 1}))
	require.NoError(t, w.Start())

	r := astiplug.NewReader(astiplug.ReaderOptions{})
	defer r.Close()
	require.NoError(t, r.OpenTransport(context.Background(), rt))
	require.False(t, r.ProgramHeader().Ack)

	src := make(chanSource)
	type result struct {
		err error
		n   int
	}
	res := make(chan result, 1)
	go func() {
		n, err := astiplug.Transfer(context.Background(), src, w)
		res <- result{err: err, n: n}
	}()

	// No packet flows yet
	r.Controllable().CmdSink().PutCopy(astimsg.NewSeekMessage(5, 1))
	require.Eventually(t, func() bool { return cmd.Len() > 0 }, time.Second, 10*time.Millisecond)
	m := cmd.Read()
	require.True(t, m.Is(astimsg.NamespaceSrc, astimsg.IDSrcSeek))
	require.Equal(t, int64(5), m.ArgInt(0))
	cmd.DoneRead(m)

	src <- &astiplug.Packet{Data: []byte("a"), StreamID: 1}
	p, err := r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, []byte("a"), p.Data)

	close(src)
	select {
	case rs := <-res:
		require.NoError(t, rs.err)
		require.Equal(t, 1, rs.n)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}
