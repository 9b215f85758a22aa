package astiplug

import "errors"

type State uint32

const (
	StateClosed State = iota
	StateOpening
	StateSingletrackStreaming
	StateMultitrackHeaderSent
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateSingletrackStreaming:
		return "singletrack_streaming"
	case StateMultitrackHeaderSent:
		return "multitrack_header_sent"
	case StateStreaming:
		return "streaming"
	default:
		return "closed"
	}
}

func (s State) streaming() bool {
	return s == StateSingletrackStreaming || s == StateStreaming
}

var (
	ErrAckTimeout       = errors.New("astiplug: packet ack timed out")
	ErrAlreadyStarted   = errors.New("astiplug: already started")
	ErrClosed           = errors.New("astiplug: plug is closed")
	ErrNoStreams        = errors.New("astiplug: no streams")
	ErrNoTrackSelected  = errors.New("astiplug: no track selected")
	ErrNotOpened        = errors.New("astiplug: plug is not opened")
	ErrNotStarted       = errors.New("astiplug: plug is not started")
	ErrUnexpectedChunk  = errors.New("astiplug: unexpected chunk")
	ErrUnknownStream    = errors.New("astiplug: unknown stream")
	ErrBackchannelUnset = errors.New("astiplug: no backchannel")
)

const (
	DeltaStatNameIncomingByteRate = "astiplug.incoming.byte_rate"
	DeltaStatNameIncomingRate     = "astiplug.incoming.rate"
	DeltaStatNameOutgoingByteRate = "astiplug.outgoing.byte_rate"
	DeltaStatNameOutgoingRate     = "astiplug.outgoing.rate"
)
