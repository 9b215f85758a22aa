package astiplug

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type Method string

const (
	MethodProbe Method = http.MethodHead
	MethodRead  Method = http.MethodGet
	MethodWrite Method = http.MethodPut
)

const methodHeader = "Plug-Method"

func methodFromHeader(h http.Header) Method {
	switch m := Method(strings.ToUpper(h.Get(methodHeader))); m {
	case MethodProbe, MethodWrite:
		return m
	default:
		return MethodRead
	}
}

type TransportFlag uint8

const (
	// Bidirectional, the backchannel shares the transport
	TransportFlagSocket TransportFlag = 1 << iota
	TransportFlagPipe
	TransportFlagRegular
)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Byte stream the plug protocol is written on
type Transport struct {
	br     *bufio.Reader
	c      io.Closer
	closed bool
	d      readDeadliner
	flags  TransportFlag
	m      sync.Mutex // Locks closed
	w      io.Writer
}

type TransportOptions struct {
	Closer io.Closer
	Flags  TransportFlag
	Reader io.Reader
	Writer io.Writer
}

func NewTransport(o TransportOptions) *Transport {
	t := &Transport{
		c:     o.Closer,
		flags: o.Flags,
		w:     o.Writer,
	}
	if o.Reader != nil {
		t.br = bufio.NewReader(o.Reader)
		if c, ok := o.Reader.(net.Conn); ok {
			t.d = c
		}
	}
	return t
}

func NewConnTransport(c net.Conn) *Transport {
	return NewTransport(TransportOptions{
		Closer: c,
		Flags:  TransportFlagSocket,
		Reader: c,
		Writer: c,
	})
}

func (t *Transport) Flags() TransportFlag {
	return t.flags
}

func (t *Transport) IsSocket() bool {
	return t.flags&TransportFlagSocket > 0
}

func (t *Transport) CanRead() bool {
	return t.br != nil
}

func (t *Transport) CanWrite() bool {
	return t.w != nil
}

func (t *Transport) Read(p []byte) (int, error) {
	if t.br == nil {
		return 0, errors.New("astiplug: transport is not readable")
	}
	return t.br.Read(p)
}

func (t *Transport) Peek(n int) ([]byte, error) {
	if t.br == nil {
		return nil, errors.New("astiplug: transport is not readable")
	}
	return t.br.Peek(n)
}

func (t *Transport) Write(p []byte) (int, error) {
	if t.w == nil {
		return 0, errors.New("astiplug: transport is not writable")
	}
	return t.w.Write(p)
}

// Returns false if no data is available before the timeout or if the transport doesn't support timeouts
// and no data is buffered
func (t *Transport) canRead(timeout time.Duration) (bool, error) {
	// Data is buffered
	if t.br.Buffered() > 0 {
		return true, nil
	}

	// No timeout support: block
	if t.d == nil {
		if _, err := t.br.Peek(1); err != nil {
			return false, err
		}
		return true, nil
	}

	// Set deadline
	if err := t.d.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, fmt.Errorf("astiplug: setting read deadline failed: %w", err)
	}
	defer t.d.SetReadDeadline(time.Time{}) //nolint: errcheck

	// Peek
	if _, err := t.br.Peek(1); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *Transport) Close() error {
	// Lock
	t.m.Lock()
	defer t.m.Unlock()

	// Already closed
	if t.closed {
		return nil
	}
	t.closed = true

	// Close
	if t.c != nil {
		return t.c.Close()
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Supported locations:
//   - "-": stdin when reading, stdout when writing
//   - tcp://host:port, unix://path: dial
//   - tcpserv://host:port, unixserv://path: listen and accept one connection
//   - ws://, wss://: websocket dial, method is sent in a header
//   - anything else is a file path (regular file or fifo)
func OpenLocation(ctx context.Context, location string, m Method) (*Transport, error) {
	// Stdio
	if location == "-" {
		if m == MethodWrite {
			return NewTransport(TransportOptions{Closer: nopCloser{}, Flags: TransportFlagPipe, Writer: os.Stdout}), nil
		}
		return NewTransport(TransportOptions{Closer: nopCloser{}, Flags: TransportFlagPipe, Reader: os.Stdin}), nil
	}

	// Parse location
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" {
		return openFile(location, m)
	}

	// Switch on scheme
	switch u.Scheme {
	case "tcp", "unix":
		return dial(ctx, u)
	case "tcpserv", "unixserv":
		return listenAndAccept(ctx, u)
	case "ws", "wss":
		return dialWebsocket(ctx, location, m)
	case "file":
		return openFile(u.Path, m)
	default:
		return nil, fmt.Errorf("astiplug: unsupported scheme %s", u.Scheme)
	}
}

func address(u *url.URL) (network, addr string) {
	if strings.HasPrefix(u.Scheme, "unix") {
		network = "unix"
		addr = u.Host + u.Path
		return
	}
	return "tcp", u.Host
}

func dial(ctx context.Context, u *url.URL) (*Transport, error) {
	network, addr := address(u)
	var d net.Dialer
	c, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("astiplug: dialing %s %s failed: %w", network, addr, err)
	}
	return NewConnTransport(c), nil
}

func listenAndAccept(ctx context.Context, u *url.URL) (*Transport, error) {
	// Listen
	network, addr := address(u)
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("astiplug: listening on %s %s failed: %w", network, addr, err)
	}
	defer l.Close()

	// Accept
	c, err := accept(ctx, l)
	if err != nil {
		return nil, fmt.Errorf("astiplug: accepting on %s %s failed: %w", network, addr, err)
	}
	return NewConnTransport(c), nil
}

// Listener is closed when ctx is done
func accept(ctx context.Context, l net.Listener) (net.Conn, error) {
	// Close listener when context is done
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-done:
		}
	}()

	// Accept
	c, err := l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return c, nil
}

func openFile(path string, m Method) (*Transport, error) {
	// Stat
	flags := TransportFlagRegular
	if fi, err := os.Stat(path); err == nil && fi.Mode()&os.ModeNamedPipe > 0 {
		flags = TransportFlagPipe
	}

	// Write
	if m == MethodWrite {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return nil, fmt.Errorf("astiplug: opening %s failed: %w", path, err)
		}
		return NewTransport(TransportOptions{Closer: f, Flags: flags, Writer: f}), nil
	}

	// Read
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("astiplug: opening %s failed: %w", path, err)
	}
	return NewTransport(TransportOptions{Closer: f, Flags: flags, Reader: f}), nil
}

func dialWebsocket(ctx context.Context, location string, m Method) (*Transport, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, location, http.Header{methodHeader: []string{string(m)}})
	if err != nil {
		return nil, fmt.Errorf("astiplug: dialing %s failed: %w", location, err)
	}
	return newWebsocketTransport(c), nil
}

// Websocket messages are exposed as a byte stream
type websocketConn struct {
	c  *websocket.Conn
	mw sync.Mutex // Locks c writes
	r  io.Reader
}

func newWebsocketTransport(c *websocket.Conn) *Transport {
	wc := &websocketConn{c: c}
	return NewTransport(TransportOptions{
		Closer: wc,
		Flags:  TransportFlagSocket,
		Reader: wc,
		Writer: wc,
	})
}

func (wc *websocketConn) Read(p []byte) (int, error) {
	for {
		// Get next reader
		if wc.r == nil {
			_, r, err := wc.c.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			wc.r = r
		}

		// Read
		n, err := wc.r.Read(p)
		if errors.Is(err, io.EOF) {
			wc.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (wc *websocketConn) Write(p []byte) (int, error) {
	wc.mw.Lock()
	defer wc.mw.Unlock()
	if err := wc.c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (wc *websocketConn) Close() error {
	wc.mw.Lock()
	wc.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)) //nolint: errcheck
	wc.mw.Unlock()
	return wc.c.Close()
}
