package astiplug

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/oxtoacart/bpool"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	chunkHeaderSize     = chunkTokenSize + 4
	chunkMaxPayloadSize = 64 << 20
	chunkTokenSize      = 8
)

type chunkToken [chunkTokenSize]byte

func newChunkToken(s string) (t chunkToken) {
	copy(t[:], s)
	return
}

func (t chunkToken) String() string {
	return string(bytes.TrimRight(t[:], "\x00"))
}

var (
	chunkTokenMessage          = newChunkToken("MESSAGE")
	chunkTokenMultitrackHeader = newChunkToken("PLUGMHDR")
	chunkTokenPacket           = newChunkToken("PACKET")
	chunkTokenProgramHeader    = newChunkToken("GAVFPHDR")
	chunkTokenSync             = newChunkToken("GAVFSYNC")
	chunkTokenTail             = newChunkToken("GAVFTAIL")
)

var ErrMalformedChunk = errors.New("astiplug: malformed chunk")

type chunk struct {
	b     *bytes.Buffer
	token chunkToken
}

func (c chunk) unmarshal(v interface{}) error {
	if err := msgpack.Unmarshal(c.b.Bytes(), v); err != nil {
		return fmt.Errorf("astiplug: unmarshaling %s chunk failed: %w: %s", c.token, ErrMalformedChunk, err)
	}
	return nil
}

type chunkReader struct {
	bp *bpool.BufferPool
	r  io.Reader
}

func newChunkReader(r io.Reader, bp *bpool.BufferPool) *chunkReader {
	return &chunkReader{
		bp: bp,
		r:  r,
	}
}

// Chunk's buffer must be released with release()
func (cr *chunkReader) read() (c chunk, err error) {
	// Read header
	var h [chunkHeaderSize]byte
	if _, err = io.ReadFull(cr.r, h[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = fmt.Errorf("astiplug: reading chunk header failed: %w: %s", ErrMalformedChunk, err)
		}
		return
	}
	copy(c.token[:], h[:chunkTokenSize])

	// Check size
	size := binary.BigEndian.Uint32(h[chunkTokenSize:])
	if size > chunkMaxPayloadSize {
		err = fmt.Errorf("astiplug: %s chunk size %d is too big: %w", c.token, size, ErrMalformedChunk)
		return
	}

	// Read payload
	c.b = cr.bp.Get()
	if _, err = io.CopyN(c.b, cr.r, int64(size)); err != nil {
		cr.release(c)
		err = fmt.Errorf("astiplug: reading %s chunk payload failed: %w: %s", c.token, ErrMalformedChunk, err)
		return
	}
	return
}

func (cr *chunkReader) release(c chunk) {
	if c.b != nil {
		cr.bp.Put(c.b)
	}
}

type chunkWriter struct {
	m sync.Mutex // Locks w
	w io.Writer
}

func newChunkWriter(w io.Writer) *chunkWriter {
	return &chunkWriter{w: w}
}

func (cw *chunkWriter) write(t chunkToken, payload []byte) (n int, err error) {
	// Check size
	if len(payload) > chunkMaxPayloadSize {
		err = fmt.Errorf("astiplug: %s chunk size %d is too big", t, len(payload))
		return
	}

	// Create header
	var h [chunkHeaderSize]byte
	copy(h[:], t[:])
	binary.BigEndian.PutUint32(h[chunkTokenSize:], uint32(len(payload)))

	// Lock
	cw.m.Lock()
	defer cw.m.Unlock()

	// Write
	if _, err = cw.w.Write(h[:]); err != nil {
		err = fmt.Errorf("astiplug: writing %s chunk header failed: %w", t, err)
		return
	}
	if len(payload) > 0 {
		if _, err = cw.w.Write(payload); err != nil {
			err = fmt.Errorf("astiplug: writing %s chunk payload failed: %w", t, err)
			return
		}
	}
	n = chunkHeaderSize + len(payload)
	return
}

func (cw *chunkWriter) writeValue(t chunkToken, v interface{}) (int, error) {
	// Marshal
	b, err := msgpack.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("astiplug: marshaling %s chunk failed: %w", t, err)
	}

	// Write
	return cw.write(t, b)
}

func (cw *chunkWriter) writeMessage(m *astimsg.Message) (int, error) {
	// Marshal
	b, err := astimsg.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("astiplug: marshaling message failed: %w", err)
	}

	// Write
	return cw.write(chunkTokenMessage, b)
}

func (c chunk) message(m *astimsg.Message) error {
	if err := astimsg.Unmarshal(c.b.Bytes(), m); err != nil {
		return fmt.Errorf("astiplug: unmarshaling message chunk failed: %w: %s", ErrMalformedChunk, err)
	}
	return nil
}
