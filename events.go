package relaychat

import (
	"github.com/opd-ai/relaychat/session"
	"github.com/opd-ai/relaychat/storage"
)

// Event is the closed union of everything the engine reports outward.
// Consumers receive events on the channel returned by Client.Events and
// switch on the concrete type.
type Event interface{ isEvent() }

// ConnectedEvent reports the relay connection coming up.
type ConnectedEvent struct{}

// DisconnectedEvent reports the relay connection dropping; the transport
// keeps reconnecting on its own.
type DisconnectedEvent struct{}

// AuthSuccessEvent reports a successful relay login.
type AuthSuccessEvent struct{}

// AuthErrorEvent reports a relay authentication failure; the client has
// already logged itself out.
type AuthErrorEvent struct{ Message string }

// InviteCodeEvent delivers a fresh invite code issued by the relay.
type InviteCodeEvent struct{ Code string }

// InboundRequestEvent reports a peer asking to connect. Answer with
// AcceptRequest or DenyRequest.
type InboundRequestEvent struct {
	SID   string
	Offer *session.HandshakeOffer
}

// RequestDeniedEvent reports the peer declining this side's invite.
type RequestDeniedEvent struct{ SID string }

// SessionCreatedEvent reports a completed handshake.
type SessionCreatedEvent struct{ SID string }

// SessionUpdatedEvent reports changed peer metadata (name, avatar).
type SessionUpdatedEvent struct{ SID string }

// PeerPresenceEvent reports a peer going on- or offline.
type PeerPresenceEvent struct {
	SID    string
	Online bool
}

// MessageEvent delivers a newly received message.
type MessageEvent struct{ Message *storage.Message }

// MessageEditedEvent reports a peer editing one of its messages.
type MessageEditedEvent struct{ SID, ID, Text string }

// MessageDeletedEvent reports a peer deleting one of its messages.
type MessageDeletedEvent struct{ SID, ID string }

// ReactionEvent reports a peer adding or removing a reaction.
type ReactionEvent struct {
	SID       string
	MessageID string
	Sender    string
	Emoji     string
	Removed   bool
}

// MessageStatusEvent reports delivery confirmation (or failure) for an
// outbound message.
type MessageStatusEvent struct {
	ID        string
	Delivered bool
}

// FileOfferEvent reports an inbound file announcement; call
// RequestDownload to fetch it.
type FileOfferEvent struct {
	Message *storage.Message
	Media   *storage.Media
}

// FileProgressEvent reports download progress in [0,1].
type FileProgressEvent struct {
	SID      string
	MediaID  string
	Progress float64
}

// FileDownloadedEvent reports a completed download and where the file
// landed.
type FileDownloadedEvent struct{ SID, MediaID, Path string }

// FileFailedEvent reports a terminal download failure.
type FileFailedEvent struct {
	SID     string
	MediaID string
	Err     error
}

// CallIncomingEvent reports a ringing inbound call.
type CallIncomingEvent struct{ SID, Mode string }

// CallOutgoingEvent reports this side ringing a peer.
type CallOutgoingEvent struct{ SID, Mode string }

// CallStartedEvent reports the call connecting.
type CallStartedEvent struct{ SID string }

// CallEndedEvent reports the call ending and why.
type CallEndedEvent struct{ SID, Reason string }

// CallModeEvent reports a media mode switch; Remote tells whose it was.
type CallModeEvent struct {
	SID    string
	Mode   string
	Remote bool
}

// PeerMicStatusEvent reports the peer muting or unmuting mid-call.
type PeerMicStatusEvent struct {
	SID   string
	Muted bool
}

func (ConnectedEvent) isEvent()      {}
func (DisconnectedEvent) isEvent()   {}
func (AuthSuccessEvent) isEvent()    {}
func (AuthErrorEvent) isEvent()      {}
func (InviteCodeEvent) isEvent()     {}
func (InboundRequestEvent) isEvent() {}
func (RequestDeniedEvent) isEvent()  {}
func (SessionCreatedEvent) isEvent() {}
func (SessionUpdatedEvent) isEvent() {}
func (PeerPresenceEvent) isEvent()   {}

func (MessageEvent) isEvent()        {}
func (MessageEditedEvent) isEvent()  {}
func (MessageDeletedEvent) isEvent() {}
func (ReactionEvent) isEvent()       {}
func (MessageStatusEvent) isEvent()  {}

func (FileOfferEvent) isEvent()      {}
func (FileProgressEvent) isEvent()   {}
func (FileDownloadedEvent) isEvent() {}
func (FileFailedEvent) isEvent()     {}

func (CallIncomingEvent) isEvent()  {}
func (CallOutgoingEvent) isEvent()  {}
func (CallStartedEvent) isEvent()   {}
func (CallEndedEvent) isEvent()     {}
func (CallModeEvent) isEvent()      {}
func (PeerMicStatusEvent) isEvent() {}
