package relaychat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaychat/av"
	"github.com/opd-ai/relaychat/crypto"
	"github.com/opd-ai/relaychat/file"
	"github.com/opd-ai/relaychat/messaging"
	"github.com/opd-ai/relaychat/queue"
	"github.com/opd-ai/relaychat/session"
	"github.com/opd-ai/relaychat/storage"
	"github.com/opd-ai/relaychat/transport"
	"github.com/opd-ai/relaychat/worker"
)

// taskInbound is the durable queue task type for received encrypted
// frames.
const taskInbound = "HANDLE_MSG"

// Errors surfaced by the client.
var (
	ErrNoDataDir = errors.New("relaychat: options need a data directory")
	ErrNoRelay   = errors.New("relaychat: options need a relay URL or transport")
)

// Relay control frame payloads.
type authData struct {
	Email string `json:"email"`
	Hash  string `json:"hash"`
	Token string `json:"token"`
}

type errorData struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type inviteData struct {
	Code string `json:"code"`
}

type deliveredData struct {
	ID string `json:"id"`
}

// Client is the engine's composition root: it owns the store, the crypto
// worker, the durable queue and all services, and routes relay frames
// between them. Events stream out on Events.
type Client struct {
	opts *Options

	store    *storage.Store
	vault    *storage.Vault
	worker   *worker.Worker
	queue    *queue.Queue
	tr       transport.Transport
	courier  *messaging.Courier
	sessions *session.Manager
	msg      *messaging.Service
	files    *file.Service
	calls    *av.Service

	mu    sync.Mutex
	token string

	evMu     sync.RWMutex
	evClosed bool
	events   chan Event

	closeOnce sync.Once
}

// New builds a client from options. It opens storage and loads the
// identity and persisted sessions; Connect starts the relay link.
func New(opts *Options) (*Client, error) {
	if opts.DataDir == "" && opts.DatabasePath == "" {
		return nil, ErrNoDataDir
	}
	if opts.RelayURL == "" && opts.Transport == nil {
		return nil, ErrNoRelay
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = 256
	}
	dbPath := opts.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(opts.DataDir, "relaychat.db")
	}

	store, err := storage.Open(dbPath)
	if err != nil {
		return nil, err
	}
	vault, err := storage.NewVault(filepath.Join(opts.DataDir, "blobs"))
	if err != nil {
		store.Close()
		return nil, err
	}
	ks := opts.KeyStore
	if ks == nil {
		ks, err = session.NewFileKeyStore(filepath.Join(opts.DataDir, "keys"))
		if err != nil {
			store.Close()
			return nil, err
		}
	}
	tr := opts.Transport
	if tr == nil {
		tr = transport.NewWS(opts.RelayURL)
	}
	media := opts.Media
	if media == nil {
		media = noMedia{}
	}

	w := worker.NewWorker()
	courier := messaging.NewCourier(w, tr)
	sessions := session.NewManager(store, w, tr, ks)
	msg := messaging.NewService(store, courier, sessions, w)
	files := file.NewService(store, vault, courier, opts.ChunkStreamDelay)
	calls := av.NewService(courier, sessions, tr, media, opts.Ringtone)
	msg.SetFileHandler(files)
	msg.SetCallHandler(calls)

	c := &Client{
		opts:     opts,
		store:    store,
		vault:    vault,
		worker:   w,
		queue:    queue.New(store),
		tr:       tr,
		courier:  courier,
		sessions: sessions,
		msg:      msg,
		files:    files,
		calls:    calls,
		events:   make(chan Event, buffer),
	}
	c.wireCallbacks()

	if err := sessions.LoadOrCreateIdentity(); err != nil {
		c.shutdown()
		return nil, err
	}
	if err := sessions.LoadSessions(); err != nil {
		c.shutdown()
		return nil, err
	}
	profile, err := store.LocalProfile()
	if err != nil {
		c.shutdown()
		return nil, err
	}
	if profile.Email != "" {
		courier.SetLocalHash(crypto.HashIdentifier(profile.Email))
	}

	c.queue.Handle(taskInbound, c.handleInboundTask)
	c.queue.Start()
	tr.OnFrame(c.handleFrame)
	tr.OnConnect(c.handleConnect)
	tr.OnDisconnect(func() { c.emit(DisconnectedEvent{}) })
	return c, nil
}

// Connect brings up the relay link; the transport keeps it alive until
// the context is cancelled or Close is called.
func (c *Client) Connect(ctx context.Context) error {
	return c.tr.Connect(ctx)
}

// Close stops the queue, the crypto worker and the transport, and closes
// the event channel.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.queue.Close()
		c.worker.Close()
		c.tr.Close()
		c.store.Close()
		c.evMu.Lock()
		c.evClosed = true
		close(c.events)
		c.evMu.Unlock()
	})
}

// Events returns the event stream. The channel is closed by Close; slow
// consumers lose events rather than stall the engine.
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) emit(e Event) {
	c.evMu.RLock()
	defer c.evMu.RUnlock()
	if c.evClosed {
		return
	}
	select {
	case c.events <- e:
	default:
		logrus.WithFields(logrus.Fields{
			"event": fmt.Sprintf("%T", e),
		}).Warn("event channel full; dropping event")
	}
}

// wireCallbacks forwards every service callback onto the event channel.
func (c *Client) wireCallbacks() {
	c.sessions.OnSessionCreated(func(sid string) {
		c.emit(SessionCreatedEvent{SID: sid})
		// Let the new peer pull name and avatar right away.
		go func() {
			if err := c.msg.AnnounceProfile(context.Background(), sid); err != nil {
				logrus.WithFields(logrus.Fields{
					"session_id": sid,
					"error":      err,
				}).Warn("profile announce failed")
			}
		}()
	})
	c.sessions.OnSessionUpdated(func(sid string) {
		c.emit(SessionUpdatedEvent{SID: sid})
	})

	c.msg.OnMessage(func(m *storage.Message) {
		c.emit(MessageEvent{Message: m})
	})
	c.msg.OnEdited(func(sid, id, text string) {
		c.emit(MessageEditedEvent{SID: sid, ID: id, Text: text})
	})
	c.msg.OnDeleted(func(sid, id string) {
		c.emit(MessageDeletedEvent{SID: sid, ID: id})
	})
	c.msg.OnReaction(func(sid, messageID, sender, emoji string, removed bool) {
		c.emit(ReactionEvent{
			SID: sid, MessageID: messageID, Sender: sender,
			Emoji: emoji, Removed: removed,
		})
	})
	c.msg.OnMicStatus(func(sid string, muted bool) {
		c.emit(PeerMicStatusEvent{SID: sid, Muted: muted})
	})

	c.files.OnOffer(func(m *storage.Message, media *storage.Media) {
		c.emit(FileOfferEvent{Message: m, Media: media})
	})
	c.files.OnProgress(func(sid, mediaID string, progress float64) {
		c.emit(FileProgressEvent{SID: sid, MediaID: mediaID, Progress: progress})
	})
	c.files.OnDownloaded(func(sid, mediaID, path string) {
		c.emit(FileDownloadedEvent{SID: sid, MediaID: mediaID, Path: path})
	})
	c.files.OnFailed(func(sid, mediaID string, err error) {
		c.emit(FileFailedEvent{SID: sid, MediaID: mediaID, Err: err})
	})

	c.calls.OnIncoming(func(sid, mode string) {
		c.emit(CallIncomingEvent{SID: sid, Mode: mode})
	})
	c.calls.OnOutgoing(func(sid, mode string) {
		c.emit(CallOutgoingEvent{SID: sid, Mode: mode})
	})
	c.calls.OnStarted(func(sid string) {
		c.emit(CallStartedEvent{SID: sid})
	})
	c.calls.OnEnded(func(sid, reason string) {
		c.emit(CallEndedEvent{SID: sid, Reason: reason})
	})
	c.calls.OnModeChanged(func(sid, mode string, remote bool) {
		c.emit(CallModeEvent{SID: sid, Mode: mode, Remote: remote})
	})
}

// --- frame routing ---

func (c *Client) handleConnect() {
	c.emit(ConnectedEvent{})
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		if err := c.sendAuth(token); err != nil {
			logrus.WithFields(logrus.Fields{
				"error": err,
			}).Warn("relogin after reconnect failed")
		}
	}
}

func (c *Client) handleFrame(f *transport.Frame) {
	switch f.T {
	case transport.FrameAuthSuccess:
		c.emit(AuthSuccessEvent{})
		if err := c.sessions.ReattachAll(); err != nil {
			logrus.WithFields(logrus.Fields{
				"error": err,
			}).Warn("session reattach failed")
		}

	case transport.FrameError:
		var e errorData
		if err := f.DecodeData(&e); err != nil {
			logrus.WithFields(logrus.Fields{"error": err}).Warn("malformed error frame")
			return
		}
		logrus.WithFields(logrus.Fields{
			"code":    e.Code,
			"message": e.Message,
		}).Warn("relay reported an error")
		if e.Code == "AUTH" {
			c.Logout()
			c.emit(AuthErrorEvent{Message: e.Message})
		}

	case transport.FrameInviteCode:
		var d inviteData
		if err := f.DecodeData(&d); err != nil {
			return
		}
		c.emit(InviteCodeEvent{Code: d.Code})

	case transport.FrameJoinRequest:
		var offer session.HandshakeOffer
		if err := f.DecodeData(&offer); err != nil {
			logrus.WithFields(logrus.Fields{
				"session_id": f.SID,
				"error":      err,
			}).Warn("malformed join request")
			return
		}
		c.emit(InboundRequestEvent{SID: f.SID, Offer: &offer})

	case transport.FrameJoinAccept:
		var offer session.HandshakeOffer
		if err := f.DecodeData(&offer); err != nil {
			logrus.WithFields(logrus.Fields{
				"session_id": f.SID,
				"error":      err,
			}).Warn("malformed join accept")
			return
		}
		if err := c.sessions.FinalizeSession(f.SID, &offer); err != nil {
			logrus.WithFields(logrus.Fields{
				"session_id": f.SID,
				"error":      err,
			}).Error("finalizing session failed")
		}

	case transport.FrameJoinDeny:
		c.emit(RequestDeniedEvent{SID: f.SID})

	case transport.FrameTurnCreds:
		var creds av.TurnCreds
		if err := f.DecodeData(&creds); err != nil {
			return
		}
		c.calls.ResolveTurnCreds(&creds)

	case transport.FrameMsg, transport.FrameRTCOffer,
		transport.FrameRTCAnswer, transport.FrameRTCIce:
		c.enqueueInbound(f)

	case transport.FramePeerOnline:
		c.sessions.SetPeerOnline(f.SID, true)
		c.emit(PeerPresenceEvent{SID: f.SID, Online: true})
		go func(sid string) {
			if err := c.msg.SyncPending(context.Background(), sid); err != nil {
				logrus.WithFields(logrus.Fields{
					"session_id": sid,
					"error":      err,
				}).Warn("pending resync failed")
			}
		}(f.SID)

	case transport.FramePeerOffline:
		c.sessions.SetPeerOnline(f.SID, false)
		c.emit(PeerPresenceEvent{SID: f.SID, Online: false})

	case transport.FrameDelivered:
		var d deliveredData
		if err := f.DecodeData(&d); err != nil {
			return
		}
		if err := c.store.MarkDelivered(d.ID); err != nil {
			logrus.WithFields(logrus.Fields{
				"message_id": d.ID,
				"error":      err,
			}).Error("marking message delivered failed")
			return
		}
		c.emit(MessageStatusEvent{ID: d.ID, Delivered: true})

	case transport.FrameDeliveredFailed:
		var d deliveredData
		if err := f.DecodeData(&d); err != nil {
			return
		}
		c.emit(MessageStatusEvent{ID: d.ID, Delivered: false})

	default:
		logrus.WithFields(logrus.Fields{
			"frame_type": f.T,
		}).Warn("ignoring unhandled frame type")
	}
}

// enqueueInbound persists an encrypted frame as a durable task so a crash
// between receipt and decryption cannot lose it.
func (c *Client) enqueueInbound(f *transport.Frame) {
	var md transport.MsgData
	if err := f.DecodeData(&md); err != nil {
		logrus.WithFields(logrus.Fields{
			"session_id": f.SID,
			"frame_type": f.T,
			"error":      err,
		}).Warn("malformed encrypted frame")
		return
	}
	err := c.queue.Enqueue(taskInbound, &messaging.InboundFrame{
		SID:        f.SID,
		Payload:    md.Payload,
		SenderHash: f.SH,
		Priority:   f.Priority(),
	}, f.Priority())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"session_id": f.SID,
			"error":      err,
		}).Error("enqueueing inbound frame failed")
	}
}

func (c *Client) handleInboundTask(ctx context.Context, task *storage.Task) error {
	var in messaging.InboundFrame
	if err := json.Unmarshal([]byte(task.Payload), &in); err != nil {
		return fmt.Errorf("decoding inbound task: %w", err)
	}
	return c.msg.HandleInbound(ctx, &in)
}

// --- account ---

// Login records the account identity and authenticates with the relay.
// The token is replayed automatically after every reconnect.
func (c *Client) Login(ctx context.Context, email, token string) error {
	profile, err := c.store.LocalProfile()
	if err != nil {
		return err
	}
	profile.Email = email
	if err := c.store.SaveLocalProfile(profile); err != nil {
		return err
	}
	c.courier.SetLocalHash(crypto.HashIdentifier(email))

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return c.sendAuth(token)
}

// Logout forgets the relay token; the next connect stays unauthenticated
// until Login runs again.
func (c *Client) Logout() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) sendAuth(token string) error {
	profile, err := c.store.LocalProfile()
	if err != nil {
		return err
	}
	f, err := transport.NewFrame(transport.FrameAuth, "", &authData{
		Email: profile.Email,
		Hash:  crypto.HashIdentifier(profile.Email),
		Token: token,
	})
	if err != nil {
		return err
	}
	return c.tr.Send(f)
}

// SetProfile updates the local display name and avatar, bumping the
// gossip version of whichever changed and announcing to every session.
func (c *Client) SetProfile(ctx context.Context, name, avatar string) error {
	profile, err := c.store.LocalProfile()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if name != profile.Name {
		profile.Name = name
		profile.NameVersion = now
	}
	if avatar != profile.Avatar {
		profile.Avatar = avatar
		profile.AvatarVersion = now
	}
	if err := c.store.SaveLocalProfile(profile); err != nil {
		return err
	}
	sessions, err := c.store.ListSessions()
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if err := c.msg.AnnounceProfile(ctx, sess.SID); err != nil {
			logrus.WithFields(logrus.Fields{
				"session_id": sess.SID,
				"error":      err,
			}).Warn("profile announce failed")
		}
	}
	return nil
}

// Profile returns the stored local profile.
func (c *Client) Profile() (*storage.Profile, error) {
	return c.store.LocalProfile()
}

// --- sessions ---

// Invite starts a handshake against a peer's invite code. The session is
// created when the peer's accept arrives.
func (c *Client) Invite(code string) error {
	return c.sessions.InitiateHandshake(code)
}

// AcceptRequest answers an inbound join request and establishes the
// session.
func (c *Client) AcceptRequest(sid string, offer *session.HandshakeOffer) error {
	return c.sessions.AcceptHandshake(sid, offer)
}

// DenyRequest declines an inbound join request.
func (c *Client) DenyRequest(sid string) error {
	return c.sessions.DenyHandshake(sid)
}

// Sessions lists every persisted session.
func (c *Client) Sessions() ([]*storage.Session, error) {
	return c.store.ListSessions()
}

// IsPeerOnline reports a session peer's presence.
func (c *Client) IsPeerOnline(sid string) bool {
	return c.sessions.IsPeerOnline(sid)
}

// --- messaging ---

// SendText sends a text message, chunking oversized bodies transparently.
// Returns the new message id.
func (c *Client) SendText(ctx context.Context, sid, text string) (string, error) {
	return c.msg.SendText(ctx, sid, text)
}

// SendBody sends a GIF or inline image body.
func (c *Client) SendBody(ctx context.Context, sid string, kind messaging.PayloadType, body string) (string, error) {
	return c.msg.SendBody(ctx, sid, kind, body)
}

// EditMessage rewrites one of this side's recent messages.
func (c *Client) EditMessage(ctx context.Context, sid, id, text string) error {
	return c.msg.EditMessage(ctx, sid, id, text)
}

// DeleteMessage tombstones one of this side's recent messages.
func (c *Client) DeleteMessage(ctx context.Context, sid, id string) error {
	return c.msg.DeleteMessage(ctx, sid, id)
}

// React adds or removes an emoji reaction.
func (c *Client) React(ctx context.Context, sid, messageID, emoji string, remove bool) error {
	return c.msg.React(ctx, sid, messageID, emoji, remove)
}

// Messages returns a session's most recent messages in chronological
// order.
func (c *Client) Messages(sid string, limit int) ([]*storage.Message, error) {
	return c.store.MessagesBySession(sid, limit)
}

// Reactions lists a message's reactions.
func (c *Client) Reactions(messageID string) ([]*storage.Reaction, error) {
	return c.store.ReactionsByMessage(messageID)
}

// --- files ---

// SendFile stores a file locally and announces it to the peer. Returns
// the new message id.
func (c *Client) SendFile(ctx context.Context, sid, name, mime string, data []byte, thumbnail string) (string, error) {
	return c.files.SendFile(ctx, sid, name, mime, data, thumbnail)
}

// Download requests a previously offered file, resuming any complete
// chunks already on disk.
func (c *Client) Download(ctx context.Context, sid, mediaID string) error {
	return c.files.RequestDownload(ctx, sid, mediaID)
}

// --- calls ---

// StartCall rings a peer in the given media mode.
func (c *Client) StartCall(ctx context.Context, sid, mode string) error {
	return c.calls.StartCall(ctx, sid, mode)
}

// AcceptCall answers the ringing call.
func (c *Client) AcceptCall(ctx context.Context) error {
	return c.calls.AcceptCall(ctx)
}

// RejectCall declines the ringing call.
func (c *Client) RejectCall(ctx context.Context) error {
	return c.calls.RejectCall(ctx)
}

// EndCall hangs up the current call.
func (c *Client) EndCall(ctx context.Context) error {
	return c.calls.EndCall(ctx)
}

// SwitchCallMode moves the connected call between audio, video and
// screen sharing.
func (c *Client) SwitchCallMode(ctx context.Context, mode string) error {
	return c.calls.SwitchMode(ctx, mode)
}

// ToggleMic flips the mute flag, returning the new state.
func (c *Client) ToggleMic(ctx context.Context) (bool, error) {
	return c.calls.ToggleMic(ctx)
}

// CallState reports the call state machine's position.
func (c *Client) CallState() av.State {
	return c.calls.State()
}

// CallDuration reports how long the connected call has been running.
func (c *Client) CallDuration() time.Duration {
	return c.calls.Duration()
}

// noMedia is the placeholder media source used when the application does
// not configure one; call setup fails cleanly instead of panicking.
type noMedia struct{}

var errNoMedia = errors.New("relaychat: no media source configured")

func (noMedia) AudioTrack() (webrtc.TrackLocal, error)  { return nil, errNoMedia }
func (noMedia) VideoTrack() (webrtc.TrackLocal, error)  { return nil, errNoMedia }
func (noMedia) ScreenTrack() (webrtc.TrackLocal, error) { return nil, errNoMedia }

func (noMedia) Release() {}
