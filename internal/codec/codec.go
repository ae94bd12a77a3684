// Package codec implements the length-prefixed framing used by the control
// socket (internal/control) and, in spirit, by every other typed byte-stream
// protocol in this repository: one byte of message type, a 4-byte
// big-endian length, then that many bytes of payload.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/vibetunnel/server/internal/vterrors"
)

// Type is the closed set of control-message types framed by this codec.
type Type byte

const (
	TypeStatusRequest Type = iota + 1
	TypeStatusResponse
	TypeGitFollowRequest
	TypeGitFollowResponse
	TypeGitEventNotify
	TypeGitEventAck
	TypeHeartbeat
	TypeStdin
	TypeResize
	TypeStatusUpdate
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeStatusRequest:
		return "STATUS_REQUEST"
	case TypeStatusResponse:
		return "STATUS_RESPONSE"
	case TypeGitFollowRequest:
		return "GIT_FOLLOW_REQUEST"
	case TypeGitFollowResponse:
		return "GIT_FOLLOW_RESPONSE"
	case TypeGitEventNotify:
		return "GIT_EVENT_NOTIFY"
	case TypeGitEventAck:
		return "GIT_EVENT_ACK"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeStdin:
		return "STDIN"
	case TypeResize:
		return "RESIZE"
	case TypeStatusUpdate:
		return "STATUS_UPDATE"
	case TypeError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

func validType(t Type) bool {
	return t >= TypeStatusRequest && t <= TypeError
}

// DefaultMaxPayload is the frame payload cap (§4.A): 16 MiB.
const DefaultMaxPayload = 16 << 20

const headerLen = 5 // 1 type byte + 4 length bytes

// Encode produces a complete frame for type t carrying payload.
func Encode(t Type, payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

// Frame is a single decoded (type, payload) pair.
type Frame struct {
	Type    Type
	Payload []byte
}

// Decoder accumulates bytes fed via Feed and yields complete frames.
// It is not safe for concurrent use; callers serialize Feed calls per
// connection (the natural case, since each connection has one reader).
type Decoder struct {
	maxPayload int
	buf        []byte
}

// NewDecoder creates a Decoder that rejects payloads larger than maxPayload.
// A maxPayload of 0 selects DefaultMaxPayload.
func NewDecoder(maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{maxPayload: maxPayload}
}

// Feed appends newly read bytes and returns every complete frame they make
// available. A non-nil error is a *vterrors.Protocol; the caller must close
// the connection and discard the decoder.
func (d *Decoder) Feed(data []byte) ([]Frame, error) {
	d.buf = append(d.buf, data...)

	var frames []Frame
	for {
		if len(d.buf) < headerLen {
			return frames, nil
		}

		t := Type(d.buf[0])
		if !validType(t) {
			return frames, &vterrors.Protocol{Reason: fmt.Sprintf("unknown message type %d", d.buf[0])}
		}

		length := binary.BigEndian.Uint32(d.buf[1:5])
		if int(length) > d.maxPayload {
			return frames, &vterrors.Protocol{Reason: fmt.Sprintf("frame payload %d exceeds cap %d", length, d.maxPayload)}
		}

		total := headerLen + int(length)
		if len(d.buf) < total {
			return frames, nil
		}

		payload := make([]byte, length)
		copy(payload, d.buf[headerLen:total])
		frames = append(frames, Frame{Type: t, Payload: payload})

		d.buf = d.buf[total:]
	}
}
