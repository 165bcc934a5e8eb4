package transport

import (
	"encoding/json"
	"errors"
)

// FrameType selects how a relay frame is handled.
type FrameType string

// Frame types exchanged with the relay.
const (
	FrameAuth            FrameType = "AUTH"
	FrameAuthSuccess     FrameType = "AUTH_SUCCESS"
	FrameConnectReq      FrameType = "CONNECT_REQ"
	FrameJoinRequest     FrameType = "JOIN_REQUEST"
	FrameJoinAccept      FrameType = "JOIN_ACCEPT"
	FrameJoinDeny        FrameType = "JOIN_DENY"
	FrameReattach        FrameType = "REATTACH"
	FrameMsg             FrameType = "MSG"
	FrameRTCOffer        FrameType = "RTC_OFFER"
	FrameRTCAnswer       FrameType = "RTC_ANSWER"
	FrameRTCIce          FrameType = "RTC_ICE"
	FrameGetTurnCreds    FrameType = "GET_TURN_CREDS"
	FrameTurnCreds       FrameType = "TURN_CREDS"
	FramePeerOnline      FrameType = "PEER_ONLINE"
	FramePeerOffline     FrameType = "PEER_OFFLINE"
	FrameDelivered       FrameType = "DELIVERED"
	FrameDeliveredFailed FrameType = "DELIVERED_FAILED"
	FrameInviteCode      FrameType = "INVITE_CODE"
	FrameError           FrameType = "ERROR"
)

// Delivery priorities carried in the frame's p field and mirrored by the
// durable task queue. Lower is more urgent.
const (
	PrioritySignal  = 0 // call signaling
	PriorityMessage = 1 // ordinary messages
	PriorityBulk    = 2 // bulk file chunks
)

// ErrEmptyFrameType indicates a frame without a type tag.
var ErrEmptyFrameType = errors.New("frame has no type tag")

// Frame is the outer transport unit exchanged with the relay.
//
// The wire form is a single JSON object:
//
//	{ "t": "MSG", "sid": "...", "data": {...}, "c": true, "p": 1, "sh": "..." }
type Frame struct {
	T    FrameType       `json:"t"`
	SID  string          `json:"sid,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	C    bool            `json:"c,omitempty"`
	P    int             `json:"p,omitempty"`
	SH   string          `json:"sh,omitempty"`
}

// MsgData is the data object of MSG-class frames: the encrypted envelope.
type MsgData struct {
	Payload string `json:"payload"`
}

// NewFrame builds a frame whose data field is the JSON encoding of v.
// A nil v leaves the data field empty.
func NewFrame(t FrameType, sid string, v interface{}) (*Frame, error) {
	f := &Frame{T: t, SID: sid}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		f.Data = data
	}
	return f, nil
}

// ParseFrame decodes a raw relay message into a Frame, rejecting frames
// without a type tag. Unknown types are not an error here; routing decides
// what to do with them.
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if f.T == "" {
		return nil, ErrEmptyFrameType
	}
	return &f, nil
}

// DecodeData unmarshals the frame's data object into v.
func (f *Frame) DecodeData(v interface{}) error {
	if len(f.Data) == 0 {
		return errors.New("frame has no data")
	}
	return json.Unmarshal(f.Data, v)
}

// Priority returns the frame's delivery priority, defaulting to
// PriorityMessage when the field is absent or out of range.
func (f *Frame) Priority() int {
	if f.P < PrioritySignal || f.P > PriorityBulk {
		return PriorityMessage
	}
	return f.P
}
