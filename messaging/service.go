package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaychat/session"
	"github.com/opd-ai/relaychat/storage"
	"github.com/opd-ai/relaychat/transport"
	"github.com/opd-ai/relaychat/worker"
)

// EditWindow bounds how far back a peer may edit or delete its own
// messages, in milliseconds.
const EditWindow = 24 * 60 * 60 * 1000

// Errors surfaced by the service.
var (
	ErrSenderAuth       = errors.New("messaging: sender hash mismatch")
	ErrEditUnauthorized = errors.New("messaging: edit not authorized")
	ErrNoHandler        = errors.New("messaging: no handler registered")
)

// InboundFrame is the durable-queue payload for one received encrypted
// frame, persisted exactly as it arrived.
type InboundFrame struct {
	SID        string `json:"sid"`
	Payload    string `json:"payload"`
	SenderHash string `json:"sh"`
	Priority   int    `json:"priority"`
}

// FileHandler receives the file-transfer payload types.
type FileHandler interface {
	HandleFileInfo(ctx context.Context, sid string, p *FileInfoPayload) error
	HandleChunkRequest(ctx context.Context, sid string, p *FileReqChunkPayload) error
	HandleFileChunk(ctx context.Context, sid string, p *FileChunkPayload) error
}

// CallHandler receives call signaling payloads undecoded; the call
// service owns their interpretation.
type CallHandler interface {
	HandleCallSignal(ctx context.Context, sid string, typ PayloadType, data json.RawMessage) error
}

// Service decrypts, authenticates and dispatches inbound envelopes, and
// builds outbound ones.
type Service struct {
	store    *storage.Store
	courier  *Courier
	sessions *session.Manager
	worker   *worker.Worker
	now      func() int64

	asm *assembler

	mu          sync.Mutex
	files       FileHandler
	calls       CallHandler
	onMessage   func(m *storage.Message)
	onEdited    func(sid, id, text string)
	onDeleted   func(sid, id string)
	onReaction  func(sid, messageID, sender, emoji string, removed bool)
	onMicStatus func(sid string, muted bool)
}

// NewService wires the messaging service.
func NewService(store *storage.Store, courier *Courier, sessions *session.Manager, w *worker.Worker) *Service {
	return &Service{
		store:    store,
		courier:  courier,
		sessions: sessions,
		worker:   w,
		now:      func() int64 { return time.Now().UnixMilli() },
		asm:      newAssembler(),
	}
}

// SetFileHandler plugs in the file-transfer service.
func (s *Service) SetFileHandler(h FileHandler) {
	s.mu.Lock()
	s.files = h
	s.mu.Unlock()
}

// SetCallHandler plugs in the call service.
func (s *Service) SetCallHandler(h CallHandler) {
	s.mu.Lock()
	s.calls = h
	s.mu.Unlock()
}

// OnMessage registers the new-message callback.
func (s *Service) OnMessage(fn func(m *storage.Message)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

// OnEdited registers the message-edited callback.
func (s *Service) OnEdited(fn func(sid, id, text string)) {
	s.mu.Lock()
	s.onEdited = fn
	s.mu.Unlock()
}

// OnDeleted registers the message-deleted callback.
func (s *Service) OnDeleted(fn func(sid, id string)) {
	s.mu.Lock()
	s.onDeleted = fn
	s.mu.Unlock()
}

// OnReaction registers the reaction callback.
func (s *Service) OnReaction(fn func(sid, messageID, sender, emoji string, removed bool)) {
	s.mu.Lock()
	s.onReaction = fn
	s.mu.Unlock()
}

// OnMicStatus registers the peer mute-state callback.
func (s *Service) OnMicStatus(fn func(sid string, muted bool)) {
	s.mu.Lock()
	s.onMicStatus = fn
	s.mu.Unlock()
}

// --- outbound ---

// SendText sends a text message, chunking oversized bodies. Returns the
// new message id.
func (s *Service) SendText(ctx context.Context, sid, text string) (string, error) {
	return s.SendBody(ctx, sid, TypeText, text)
}

// SendBody sends a TEXT, GIF or IMAGE body. The message is stored as
// pending before transmission so a relay outage cannot lose it.
func (s *Service) SendBody(ctx context.Context, sid string, kind PayloadType, body string) (string, error) {
	switch kind {
	case TypeText, TypeGIF, TypeImage:
	default:
		return "", fmt.Errorf("%w: body kind %q", ErrInvalidPayload, kind)
	}
	id := uuid.NewString()
	ts := s.now()
	err := s.store.SaveMessage(&storage.Message{
		ID: id, SID: sid, Sender: storage.SenderMe, Type: string(kind),
		Text: body, Timestamp: ts, Status: storage.StatusPending,
	})
	if err != nil {
		return "", err
	}
	if err := s.transmitBody(ctx, sid, kind, id, body, ts); err != nil {
		return id, err
	}
	return id, nil
}

func (s *Service) transmitBody(ctx context.Context, sid string, kind PayloadType, id, body string, ts int64) error {
	if len(body) <= TextChunkBudget {
		return s.courier.SendMessage(ctx, sid, &TextPayload{
			Type: kind, ID: id, Text: body, Timestamp: ts,
		}, transport.PriorityMessage, true)
	}
	chunks := SplitText(body, TextChunkBudget)
	for i, chunk := range chunks {
		err := s.courier.SendMessage(ctx, sid, &TextChunkPayload{
			Type: TypeTextChunk, ID: id, Chunk: chunk,
			ChunkIndex: i, TotalChunks: len(chunks), Kind: kind, Timestamp: ts,
		}, transport.PriorityMessage, i == len(chunks)-1)
		if err != nil {
			return err
		}
	}
	return nil
}

// EditMessage rewrites one of this side's own recent messages and tells
// the peer.
func (s *Service) EditMessage(ctx context.Context, sid, id, text string) error {
	if err := s.authorizeLocalEdit(sid, id); err != nil {
		return err
	}
	if err := s.store.UpdateMessageText(id, text); err != nil {
		return err
	}
	return s.courier.SendMessage(ctx, sid, &EditPayload{
		Type: TypeEdit, ID: id, Text: text,
	}, transport.PriorityMessage, true)
}

// DeleteMessage tombstones one of this side's own recent messages and
// tells the peer.
func (s *Service) DeleteMessage(ctx context.Context, sid, id string) error {
	if err := s.authorizeLocalEdit(sid, id); err != nil {
		return err
	}
	if err := s.store.MarkDeleted(id); err != nil {
		return err
	}
	return s.courier.SendMessage(ctx, sid, &DeletePayload{
		Type: TypeDelete, ID: id,
	}, transport.PriorityMessage, true)
}

// React adds or removes this side's emoji reaction on a message.
func (s *Service) React(ctx context.Context, sid, messageID, emoji string, remove bool) error {
	if remove {
		if err := s.store.RemoveReaction(messageID, storage.SenderMe, emoji); err != nil {
			return err
		}
	} else {
		if _, err := s.store.AddReaction(messageID, storage.SenderMe, emoji); err != nil {
			return err
		}
	}
	return s.courier.SendMessage(ctx, sid, &ReactionPayload{
		Type: TypeReaction, MessageID: messageID, Emoji: emoji, Remove: remove,
	}, transport.PriorityMessage, false)
}

// SendMicStatus broadcasts this side's mute state mid-call.
func (s *Service) SendMicStatus(ctx context.Context, sid string, muted bool) error {
	return s.courier.SendMessage(ctx, sid, &MicStatusPayload{
		Type: TypeMicStatus, Muted: muted,
	}, transport.PrioritySignal, false)
}

// SyncPending retransmits every still-pending outbound message for a
// session. Called when the peer comes online or the relay reconnects.
// File rows are re-announced from their media record; everything else
// goes back through the body path.
func (s *Service) SyncPending(ctx context.Context, sid string) error {
	pending, err := s.store.PendingMessages(sid)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if m.Type == storage.MessageTypeFile {
			err = s.reannounceFile(ctx, m)
		} else {
			err = s.transmitBody(ctx, sid, PayloadType(m.Type), m.ID, m.Text, m.Timestamp)
		}
		if err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		logrus.WithFields(logrus.Fields{
			"session_id": sid,
			"count":      len(pending),
		}).Info("resynced pending messages")
	}
	return nil
}

// reannounceFile resends the FILE_INFO envelope for an undelivered file
// message.
func (s *Service) reannounceFile(ctx context.Context, m *storage.Message) error {
	media, err := s.store.MediaByMessage(m.ID)
	if err != nil {
		return err
	}
	return s.courier.SendMessage(ctx, m.SID, &FileInfoPayload{
		Type: TypeFileInfo, ID: m.ID, TransferID: media.TransferID,
		Name: m.Text, Mime: media.Mime, Size: media.Size,
		Thumbnail: media.Thumbnail, Timestamp: m.Timestamp,
	}, transport.PriorityMessage, true)
}

// authorizeLocalEdit checks that the message is this side's own, in this
// session, and still within the edit window.
func (s *Service) authorizeLocalEdit(sid, id string) error {
	m, err := s.store.GetMessage(id)
	if err != nil {
		return err
	}
	if m.SID != sid || m.Sender != storage.SenderMe || m.Deleted {
		return ErrEditUnauthorized
	}
	if s.now()-m.Timestamp > EditWindow {
		return ErrEditUnauthorized
	}
	return nil
}

// --- inbound ---

// HandleInbound authenticates, decrypts and dispatches one persisted
// inbound frame. It is the durable queue's handler for message tasks.
func (s *Service) HandleInbound(ctx context.Context, in *InboundFrame) error {
	expected, err := s.sessions.PeerEmailHash(in.SID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"session_id": in.SID,
			"error":      err,
		}).Warn("dropping frame: cannot verify sender")
		return fmt.Errorf("%w: %v", ErrSenderAuth, err)
	}
	if in.SenderHash != expected {
		logrus.WithFields(logrus.Fields{
			"session_id": in.SID,
		}).Warn("dropping frame with wrong sender hash")
		return ErrSenderAuth
	}

	plain, err := s.worker.Decrypt(ctx, in.SID, in.Payload, in.Priority)
	if err != nil {
		return fmt.Errorf("decrypting envelope: %w", err)
	}
	typ, data, err := s.DispatchEnvelope(ctx, in.SID, plain)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"session_id":   in.SID,
			"payload_type": typ,
			"error":        err,
		}).Warn("envelope dispatch failed")
		return err
	}
	_ = data
	return nil
}

// DispatchEnvelope decodes a decrypted envelope and routes its payload.
func (s *Service) DispatchEnvelope(ctx context.Context, sid string, plain []byte) (PayloadType, json.RawMessage, error) {
	typ, data, err := DecodeEnvelope(plain)
	if err != nil {
		return typ, data, err
	}
	return typ, data, s.dispatch(ctx, sid, typ, data)
}

func (s *Service) dispatch(ctx context.Context, sid string, typ PayloadType, data json.RawMessage) error {
	switch typ {
	case TypeText, TypeGIF, TypeImage:
		var p TextPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return s.saveInbound(sid, typ, p.ID, p.Text, p.Timestamp)

	case TypeTextChunk:
		var p TextChunkPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return err
		}
		body, done, err := s.asm.add(sid, &p)
		if err != nil || !done {
			return err
		}
		return s.saveInbound(sid, p.Kind, p.ID, body, p.Timestamp)

	case TypeEdit:
		var p EditPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return s.applyPeerEdit(sid, p.ID, p.Text)

	case TypeDelete:
		var p DeletePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return s.applyPeerDelete(sid, p.ID)

	case TypeReaction:
		var p ReactionPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return s.applyPeerReaction(sid, &p)

	case TypeFileInfo, TypeFileReqChunk, TypeFileChunk:
		return s.dispatchFile(ctx, sid, typ, data)

	case TypeMicStatus:
		var p MicStatusPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		s.mu.Lock()
		fn := s.onMicStatus
		s.mu.Unlock()
		if fn != nil {
			fn(sid, p.Muted)
		}
		return nil

	case TypeCallStart, TypeCallAccept, TypeCallBusy, TypeCallEnd,
		TypeCallMode, TypeRTCOffer, TypeRTCAnswer, TypeICECandidate:
		s.mu.Lock()
		calls := s.calls
		s.mu.Unlock()
		if calls == nil {
			return fmt.Errorf("%w for %s", ErrNoHandler, typ)
		}
		return calls.HandleCallSignal(ctx, sid, typ, data)

	case TypeProfileVersion, TypeGetProfile, TypeProfileData, TypeProfileAvatarChunk:
		return s.dispatchProfile(ctx, sid, typ, data)

	default:
		// DecodeEnvelope already rejected unknown types.
		return fmt.Errorf("%w: %q", ErrUnknownPayloadType, typ)
	}
}

func (s *Service) dispatchFile(ctx context.Context, sid string, typ PayloadType, data json.RawMessage) error {
	s.mu.Lock()
	files := s.files
	s.mu.Unlock()
	if files == nil {
		return fmt.Errorf("%w for %s", ErrNoHandler, typ)
	}
	switch typ {
	case TypeFileInfo:
		var p FileInfoPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return files.HandleFileInfo(ctx, sid, &p)
	case TypeFileReqChunk:
		var p FileReqChunkPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return files.HandleChunkRequest(ctx, sid, &p)
	default:
		var p FileChunkPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return files.HandleFileChunk(ctx, sid, &p)
	}
}

func (s *Service) saveInbound(sid string, kind PayloadType, id, body string, ts int64) error {
	m := &storage.Message{
		ID: id, SID: sid, Sender: storage.SenderPeer, Type: string(kind),
		Text: body, Timestamp: ts, Status: storage.StatusDelivered,
	}
	if err := s.store.SaveMessage(m); err != nil {
		return err
	}
	s.mu.Lock()
	fn := s.onMessage
	s.mu.Unlock()
	if fn != nil {
		fn(m)
	}
	return nil
}

// applyPeerEdit enforces the edit rules: the target must be the peer's
// own message, in this session, not deleted, and younger than the window.
func (s *Service) applyPeerEdit(sid, id, text string) error {
	if err := s.authorizePeerEdit(sid, id); err != nil {
		return err
	}
	if err := s.store.UpdateMessageText(id, text); err != nil {
		return err
	}
	s.mu.Lock()
	fn := s.onEdited
	s.mu.Unlock()
	if fn != nil {
		fn(sid, id, text)
	}
	return nil
}

func (s *Service) applyPeerDelete(sid, id string) error {
	if err := s.authorizePeerEdit(sid, id); err != nil {
		return err
	}
	if err := s.store.MarkDeleted(id); err != nil {
		return err
	}
	s.mu.Lock()
	fn := s.onDeleted
	s.mu.Unlock()
	if fn != nil {
		fn(sid, id)
	}
	return nil
}

func (s *Service) authorizePeerEdit(sid, id string) error {
	m, err := s.store.GetMessage(id)
	if err != nil {
		return err
	}
	if m.SID != sid || m.Sender != storage.SenderPeer {
		logrus.WithFields(logrus.Fields{
			"session_id": sid,
			"message_id": id,
		}).Warn("rejecting edit of message the peer does not own")
		return ErrEditUnauthorized
	}
	if s.now()-m.Timestamp > EditWindow {
		logrus.WithFields(logrus.Fields{
			"session_id": sid,
			"message_id": id,
		}).Warn("rejecting edit outside the allowed window")
		return ErrEditUnauthorized
	}
	return nil
}

func (s *Service) applyPeerReaction(sid string, p *ReactionPayload) error {
	var err error
	if p.Remove {
		err = s.store.RemoveReaction(p.MessageID, storage.SenderPeer, p.Emoji)
	} else {
		_, err = s.store.AddReaction(p.MessageID, storage.SenderPeer, p.Emoji)
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	fn := s.onReaction
	s.mu.Unlock()
	if fn != nil {
		fn(sid, p.MessageID, storage.SenderPeer, p.Emoji, p.Remove)
	}
	return nil
}
