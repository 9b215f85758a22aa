package astiplug

import (
	"fmt"

	"github.com/asticode/go-astiplug/pkg/astimsg"
)

// Reserved metadata keys
const (
	MetaMsgBackChannelAddress = "MsgBackChannelAddress"
	MetaLabel                 = "Label"
	MetaApproxDuration        = "ApproxDuration"
)

type StreamType string

const (
	StreamTypeAudio StreamType = "audio"
	StreamTypeText  StreamType = "text"
	StreamTypeVideo StreamType = "video"
)

type Compression string

const (
	CompressionNone   Compression = ""
	CompressionSnappy Compression = "snappy"
)

type StreamDescriptor struct {
	Compression Compression        `msgpack:"compression,omitempty"`
	Format      astimsg.Dictionary `msgpack:"format,omitempty"`
	ID          int                `msgpack:"id"`
	Metadata    astimsg.Dictionary `msgpack:"metadata,omitempty"`
	Type        StreamType         `msgpack:"type"`
}

type Track struct {
	Metadata astimsg.Dictionary `msgpack:"metadata,omitempty"`
	Streams  []StreamDescriptor `msgpack:"streams,omitempty"`
}

func (t Track) Stream(id int) (StreamDescriptor, bool) {
	for _, s := range t.Streams {
		if s.ID == id {
			return s, true
		}
	}
	return StreamDescriptor{}, false
}

type MediaInfo struct {
	Metadata astimsg.Dictionary `msgpack:"metadata,omitempty"`
	Tracks   []Track            `msgpack:"tracks,omitempty"`
}

func (mi MediaInfo) Multitrack() bool {
	return len(mi.Tracks) > 1
}

func (mi MediaInfo) Track(idx int) (Track, error) {
	if idx < 0 || idx >= len(mi.Tracks) {
		return Track{}, fmt.Errorf("astiplug: invalid track index %d, media info has %d tracks", idx, len(mi.Tracks))
	}
	return mi.Tracks[idx], nil
}

// Removes the keys the plug sets itself
func (mi MediaInfo) stripImplicitFields() MediaInfo {
	dst := MediaInfo{
		Metadata: mi.Metadata.Copy(),
		Tracks:   mi.Tracks,
	}
	delete(dst.Metadata, MetaMsgBackChannelAddress)
	return dst
}

// Written in front of a single track packet stream
type ProgramHeader struct {
	Ack      bool               `msgpack:"ack,omitempty"`
	Metadata astimsg.Dictionary `msgpack:"metadata,omitempty"`
	Track    Track              `msgpack:"track"`
}

type Resync struct {
	Discard bool  `msgpack:"discard,omitempty"`
	Discont bool  `msgpack:"discont,omitempty"`
	Scale   int64 `msgpack:"scale"`
	Time    int64 `msgpack:"time"`
}

type PacketFlag uint32

const (
	PacketFlagKeyframe PacketFlag = 1 << iota
	PacketFlagDiscontinuity
)

type Packet struct {
	Data     []byte     `msgpack:"data,omitempty"`
	Duration int64      `msgpack:"duration,omitempty"`
	Flags    PacketFlag `msgpack:"flags,omitempty"`
	PTS      int64      `msgpack:"pts"`
	StreamID int        `msgpack:"stream_id"`
}
