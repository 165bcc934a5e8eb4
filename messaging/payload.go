package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PayloadType tags the data object inside a message envelope. The set is
// closed: decoding rejects anything else.
type PayloadType string

const (
	TypeText      PayloadType = "TEXT"
	TypeTextChunk PayloadType = "TEXT_CHUNK"
	TypeGIF       PayloadType = "GIF"
	TypeImage     PayloadType = "IMAGE"
	TypeEdit      PayloadType = "EDIT"
	TypeDelete    PayloadType = "DELETE"
	TypeReaction  PayloadType = "REACTION"

	TypeFileInfo     PayloadType = "FILE_INFO"
	TypeFileReqChunk PayloadType = "FILE_REQ_CHUNK"
	TypeFileChunk    PayloadType = "FILE_CHUNK"

	TypeCallStart    PayloadType = "CALL_START"
	TypeCallAccept   PayloadType = "CALL_ACCEPT"
	TypeCallBusy     PayloadType = "CALL_BUSY"
	TypeCallEnd      PayloadType = "CALL_END"
	TypeCallMode     PayloadType = "CALL_MODE"
	TypeRTCOffer     PayloadType = "RTC_OFFER"
	TypeRTCAnswer    PayloadType = "RTC_ANSWER"
	TypeICECandidate PayloadType = "ICE_CANDIDATE"
	TypeMicStatus    PayloadType = "MIC_STATUS"

	TypeProfileVersion     PayloadType = "PROFILE_VERSION"
	TypeGetProfile         PayloadType = "GET_PROFILE"
	TypeProfileData        PayloadType = "PROFILE_DATA"
	TypeProfileAvatarChunk PayloadType = "PROFILE_AVATAR_CHUNK"
)

var knownTypes = map[PayloadType]bool{
	TypeText: true, TypeTextChunk: true, TypeGIF: true, TypeImage: true,
	TypeEdit: true, TypeDelete: true, TypeReaction: true,
	TypeFileInfo: true, TypeFileReqChunk: true, TypeFileChunk: true,
	TypeCallStart: true, TypeCallAccept: true, TypeCallBusy: true,
	TypeCallEnd: true, TypeCallMode: true, TypeRTCOffer: true,
	TypeRTCAnswer: true, TypeICECandidate: true, TypeMicStatus: true,
	TypeProfileVersion: true, TypeGetProfile: true, TypeProfileData: true,
	TypeProfileAvatarChunk: true,
}

// Known reports whether t belongs to the payload union.
func (t PayloadType) Known() bool { return knownTypes[t] }

// Chunk count bounds accepted from peers.
const (
	MinTotalChunks = 1
	MaxTotalChunks = 10000
)

// Payload validation errors.
var (
	ErrUnknownPayloadType = errors.New("messaging: unknown payload type")
	ErrInvalidPayload     = errors.New("messaging: invalid payload")
)

// TextPayload carries TEXT, GIF and IMAGE message bodies that fit in a
// single envelope.
type TextPayload struct {
	Type      PayloadType `json:"type"`
	ID        string      `json:"id"`
	Text      string      `json:"text"`
	Timestamp int64       `json:"timestamp"`
}

// TextChunkPayload is one piece of an oversized body. Kind names the
// payload type the reassembled body should be treated as.
type TextChunkPayload struct {
	Type        PayloadType `json:"type"`
	ID          string      `json:"id"`
	Chunk       string      `json:"chunk"`
	ChunkIndex  int         `json:"chunkIndex"`
	TotalChunks int         `json:"totalChunks"`
	Kind        PayloadType `json:"kind"`
	Timestamp   int64       `json:"timestamp"`
}

// Validate checks chunk metadata bounds.
func (p *TextChunkPayload) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: chunk without message id", ErrInvalidPayload)
	}
	if p.TotalChunks < MinTotalChunks || p.TotalChunks > MaxTotalChunks {
		return fmt.Errorf("%w: totalChunks %d out of range", ErrInvalidPayload, p.TotalChunks)
	}
	if p.ChunkIndex < 0 || p.ChunkIndex >= p.TotalChunks {
		return fmt.Errorf("%w: chunkIndex %d out of range", ErrInvalidPayload, p.ChunkIndex)
	}
	switch p.Kind {
	case TypeText, TypeGIF, TypeImage:
		return nil
	default:
		return fmt.Errorf("%w: chunk kind %q", ErrInvalidPayload, p.Kind)
	}
}

// EditPayload replaces the text of an earlier message.
type EditPayload struct {
	Type PayloadType `json:"type"`
	ID   string      `json:"id"`
	Text string      `json:"text"`
}

// DeletePayload tombstones an earlier message.
type DeletePayload struct {
	Type PayloadType `json:"type"`
	ID   string      `json:"id"`
}

// ReactionPayload adds or removes an emoji reaction.
type ReactionPayload struct {
	Type      PayloadType `json:"type"`
	MessageID string      `json:"messageId"`
	Emoji     string      `json:"emoji"`
	Remove    bool        `json:"remove,omitempty"`
}

// FileInfoPayload announces an available file. Mime carries the content
// type; the transfer id keys the subsequent chunk exchange.
type FileInfoPayload struct {
	Type       PayloadType `json:"type"`
	ID         string      `json:"id"`
	TransferID string      `json:"transferId"`
	Name       string      `json:"name"`
	Mime       string      `json:"mime"`
	Size       int64       `json:"size"`
	Thumbnail  string      `json:"thumbnail,omitempty"`
	Timestamp  int64       `json:"timestamp"`
}

// FileReqChunkPayload asks the file's owner to stream chunks starting at
// StartIndex (0 for a fresh download, higher to resume).
type FileReqChunkPayload struct {
	Type       PayloadType `json:"type"`
	TransferID string      `json:"transferId"`
	StartIndex int         `json:"startIndex"`
}

// FileChunkPayload is one base64 file chunk pushed by the owner.
type FileChunkPayload struct {
	Type       PayloadType `json:"type"`
	TransferID string      `json:"transferId"`
	Index      int         `json:"index"`
	Data       string      `json:"data"`
	IsLast     bool        `json:"isLast,omitempty"`
}

// CallStartPayload rings the peer. Mode is audio, video or screen.
type CallStartPayload struct {
	Type      PayloadType `json:"type"`
	Mode      string      `json:"mode"`
	Timestamp int64       `json:"timestamp"`
}

// CallSignalPayload covers the bodyless call control types: CALL_ACCEPT,
// CALL_BUSY and CALL_END.
type CallSignalPayload struct {
	Type PayloadType `json:"type"`
}

// CallModePayload announces a mid-call media mode switch.
type CallModePayload struct {
	Type PayloadType `json:"type"`
	Mode string      `json:"mode"`
}

// SDPPayload carries an opaque WebRTC session description for RTC_OFFER
// and RTC_ANSWER.
type SDPPayload struct {
	Type PayloadType     `json:"type"`
	SDP  json.RawMessage `json:"sdp"`
}

// ICEPayload carries one opaque ICE candidate.
type ICEPayload struct {
	Type      PayloadType     `json:"type"`
	Candidate json.RawMessage `json:"candidate"`
}

// MicStatusPayload reports the sender's mute state.
type MicStatusPayload struct {
	Type  PayloadType `json:"type"`
	Muted bool        `json:"muted"`
}

// ProfileVersionPayload gossips the sender's profile version counters.
type ProfileVersionPayload struct {
	Type          PayloadType `json:"type"`
	NameVersion   int64       `json:"nameVersion"`
	AvatarVersion int64       `json:"avatarVersion"`
}

// GetProfilePayload requests the parts of the profile the sender is
// missing.
type GetProfilePayload struct {
	Type       PayloadType `json:"type"`
	WantName   bool        `json:"wantName"`
	WantAvatar bool        `json:"wantAvatar"`
}

// ProfileDataPayload delivers profile data. Small avatars ride inline;
// large ones announce a chunked transfer instead.
type ProfileDataPayload struct {
	Type              PayloadType `json:"type"`
	Name              string      `json:"name,omitempty"`
	NameVersion       int64       `json:"nameVersion,omitempty"`
	Avatar            string      `json:"avatar,omitempty"`
	AvatarVersion     int64       `json:"avatarVersion,omitempty"`
	AvatarTransferID  string      `json:"avatarTransferId,omitempty"`
	AvatarTotalChunks int         `json:"avatarTotalChunks,omitempty"`
}

// ProfileAvatarChunkPayload is one piece of a chunked avatar.
type ProfileAvatarChunkPayload struct {
	Type          PayloadType `json:"type"`
	TransferID    string      `json:"transferId"`
	Index         int         `json:"index"`
	TotalChunks   int         `json:"totalChunks"`
	Data          string      `json:"data"`
	AvatarVersion int64       `json:"avatarVersion"`
}

// Validate checks avatar chunk metadata bounds.
func (p *ProfileAvatarChunkPayload) Validate() error {
	if p.TransferID == "" {
		return fmt.Errorf("%w: avatar chunk without transfer id", ErrInvalidPayload)
	}
	if p.TotalChunks < MinTotalChunks || p.TotalChunks > MaxTotalChunks {
		return fmt.Errorf("%w: totalChunks %d out of range", ErrInvalidPayload, p.TotalChunks)
	}
	if p.Index < 0 || p.Index >= p.TotalChunks {
		return fmt.Errorf("%w: chunk index %d out of range", ErrInvalidPayload, p.Index)
	}
	return nil
}
