package astiplug

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/oxtoacart/bpool"
	"github.com/stretchr/testify/require"
)

func TestChunk(t *testing.T) {
	buf := &bytes.Buffer{}
	cw := newChunkWriter(buf)
	n, err := cw.writeValue(chunkTokenSync, Resync{Scale: 1000, Time: 42})
	require.NoError(t, err)
	require.Equal(t, buf.Len(), n)
	require.Equal(t, "GAVFSYNC", string(buf.Bytes()[:chunkTokenSize]))
	_, err = cw.writeMessage(astimsg.NewSeekMessage(3, 4))
	require.NoError(t, err)
	_, err = cw.write(chunkTokenTail, nil)
	require.NoError(t, err)

	cr := newChunkReader(bytes.NewReader(buf.Bytes()), bpool.NewBufferPool(2))
	c, err := cr.read()
	require.NoError(t, err)
	require.Equal(t, chunkTokenSync, c.token)
	var rs Resync
	require.NoError(t, c.unmarshal(&rs))
	require.Equal(t, Resync{Scale: 1000, Time: 42}, rs)
	cr.release(c)

	c, err = cr.read()
	require.NoError(t, err)
	require.Equal(t, "MESSAGE", c.token.String())
	var m astimsg.Message
	require.NoError(t, c.message(&m))
	require.True(t, m.Is(astimsg.NamespaceSrc, astimsg.IDSrcSeek))
	require.Equal(t, int64(3), m.ArgInt(0))
	cr.release(c)

	c, err = cr.read()
	require.NoError(t, err)
	require.Equal(t, chunkTokenTail, c.token)
	require.Equal(t, 0, c.b.Len())
	cr.release(c)

	_, err = cr.read()
	require.ErrorIs(t, err, io.EOF)
}

func TestChunkMalformed(t *testing.T) {
	bp := bpool.NewBufferPool(2)

	_, err := newChunkReader(bytes.NewReader([]byte("PACK")), bp).read()
	require.ErrorIs(t, err, ErrMalformedChunk)

	h := make([]byte, chunkHeaderSize)
	copy(h, "PACKET")
	binary.BigEndian.PutUint32(h[chunkTokenSize:], 10)
	_, err = newChunkReader(bytes.NewReader(append(h, 1, 2, 3)), bp).read()
	require.ErrorIs(t, err, ErrMalformedChunk)

	binary.BigEndian.PutUint32(h[chunkTokenSize:], chunkMaxPayloadSize+1)
	_, err = newChunkReader(bytes.NewReader(h), bp).read()
	require.ErrorIs(t, err, ErrMalformedChunk)

	binary.BigEndian.PutUint32(h[chunkTokenSize:], 3)
	c, err := newChunkReader(bytes.NewReader(append(h, 1, 2, 3)), bp).read()
	require.NoError(t, err)
	var p Packet
	require.ErrorIs(t, c.unmarshal(&p), ErrMalformedChunk)
}
