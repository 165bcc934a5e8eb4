package av

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaychat/messaging"
	"github.com/opd-ai/relaychat/session"
	"github.com/opd-ai/relaychat/transport"
)

// State names the call state machine's positions.
type State string

const (
	StateIdle      State = "idle"
	StateOutgoing  State = "outgoing"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
)

// End reasons reported through OnEnded.
const (
	EndLocal    = "local"
	EndRemote   = "remote"
	EndBusy     = "busy"
	EndNoAnswer = "no_answer"
	EndRejected = "rejected"
)

// Signaling timeouts.
const (
	// AnswerTimeout bounds how long an outgoing call rings unanswered.
	AnswerTimeout = 45 * time.Second
	// TurnWait bounds the whole TURN credential fetch.
	TurnWait = 5 * time.Second
	// TurnRace is the opportunistic window: if credentials have not
	// arrived by then, the call proceeds STUN-only rather than stall.
	TurnRace = 1500 * time.Millisecond
)

// Errors surfaced by call operations.
var (
	ErrCallInProgress = errors.New("av: a call is already in progress")
	ErrPeerOffline    = errors.New("av: peer is offline")
	ErrNoCall         = errors.New("av: no call in that state")
	ErrBadMode        = errors.New("av: unknown media mode")
)

// Ringtone is the local ring signal hook; both methods must be
// idempotent.
type Ringtone interface {
	Play()
	Stop()
}

type call struct {
	sid        string
	mode       string
	peer       rtcPeer
	pendingICE []json.RawMessage
	stashed    json.RawMessage
	micMuted   bool
	startedAt  time.Time
}

// Service is the call signaling state machine. It implements
// messaging.CallHandler for the inbound direction.
type Service struct {
	courier  *messaging.Courier
	sessions *session.Manager
	relay    transport.Sender
	media    MediaSource
	newPeer  peerFactory
	ringtone Ringtone

	answerTimeout time.Duration
	turnRace      time.Duration

	mu          sync.Mutex
	state       State
	cur         *call
	turnCh      chan *TurnCreds
	answerTimer *time.Timer

	onIncoming    func(sid, mode string)
	onOutgoing    func(sid, mode string)
	onStarted     func(sid string)
	onEnded       func(sid, reason string)
	onModeChanged func(sid, mode string, remote bool)
}

// NewService wires the call service. media supplies local tracks;
// ringtone may be nil.
func NewService(courier *messaging.Courier, sessions *session.Manager, relay transport.Sender, media MediaSource, ringtone Ringtone) *Service {
	return &Service{
		courier:       courier,
		sessions:      sessions,
		relay:         relay,
		media:         media,
		newPeer:       newPionPeer,
		ringtone:      ringtone,
		answerTimeout: AnswerTimeout,
		turnRace:      TurnRace,
		state:         StateIdle,
		turnCh:        make(chan *TurnCreds, 1),
	}
}

// OnIncoming registers the incoming-call callback.
func (s *Service) OnIncoming(fn func(sid, mode string)) {
	s.mu.Lock()
	s.onIncoming = fn
	s.mu.Unlock()
}

// OnOutgoing registers the outgoing-call callback.
func (s *Service) OnOutgoing(fn func(sid, mode string)) {
	s.mu.Lock()
	s.onOutgoing = fn
	s.mu.Unlock()
}

// OnStarted registers the call-connected callback.
func (s *Service) OnStarted(fn func(sid string)) {
	s.mu.Lock()
	s.onStarted = fn
	s.mu.Unlock()
}

// OnEnded registers the call-ended callback.
func (s *Service) OnEnded(fn func(sid, reason string)) {
	s.mu.Lock()
	s.onEnded = fn
	s.mu.Unlock()
}

// OnModeChanged registers the media-mode callback; remote reports whether
// the peer initiated the switch.
func (s *Service) OnModeChanged(fn func(sid, mode string, remote bool)) {
	s.mu.Lock()
	s.onModeChanged = fn
	s.mu.Unlock()
}

// State reports the current call state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// --- outbound operations ---

// StartCall rings a peer. Refused while another call exists or when the
// peer is offline. The peer connection is built and the SDP offer sent
// right behind CALL_START; the ringing side stashes the offer until the
// user accepts.
func (s *Service) StartCall(ctx context.Context, sid, mode string) error {
	if !validMode(mode) {
		return fmt.Errorf("%w: %q", ErrBadMode, mode)
	}
	if !s.sessions.IsPeerOnline(sid) {
		return ErrPeerOffline
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrCallInProgress
	}
	s.state = StateOutgoing
	c := &call{sid: sid, mode: mode}
	s.cur = c
	s.answerTimer = time.AfterFunc(s.answerTimeout, func() { s.answerTimedOut(sid) })
	fn := s.onOutgoing
	s.mu.Unlock()

	peer, err := s.buildPeer(ctx, c)
	if err != nil {
		s.teardown(sid, "")
		return err
	}
	err = s.courier.SendPayload(ctx, transport.FrameMsg, sid, &messaging.CallStartPayload{
		Type: messaging.TypeCallStart, Mode: mode, Timestamp: time.Now().UnixMilli(),
	}, transport.PrioritySignal, false)
	if err != nil {
		s.teardown(sid, "")
		return err
	}
	offer, err := peer.CreateOffer()
	if err != nil {
		s.teardown(sid, "")
		return err
	}
	err = s.courier.SendPayload(ctx, transport.FrameMsg, sid, &messaging.SDPPayload{
		Type: messaging.TypeRTCOffer, SDP: offer,
	}, transport.PrioritySignal, false)
	if err != nil {
		s.teardown(sid, "")
		return err
	}
	logrus.WithFields(logrus.Fields{
		"session_id": sid,
		"mode":       mode,
	}).Info("call started")
	if fn != nil {
		fn(sid, mode)
	}
	return nil
}

// AcceptCall answers the ringing call: TURN is resolved (or raced past),
// the peer connection is built with local media attached, CALL_ACCEPT is
// sent, and any offer that arrived early is processed.
func (s *Service) AcceptCall(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRinging || s.cur == nil {
		s.mu.Unlock()
		return ErrNoCall
	}
	c := s.cur
	s.mu.Unlock()

	if s.ringtone != nil {
		s.ringtone.Stop()
	}
	peer, err := s.buildPeer(ctx, c)
	if err != nil {
		s.teardown(c.sid, "")
		return err
	}

	err = s.courier.SendPayload(ctx, transport.FrameMsg, c.sid, &messaging.CallSignalPayload{
		Type: messaging.TypeCallAccept,
	}, transport.PrioritySignal, false)
	if err != nil {
		s.teardown(c.sid, "")
		return err
	}

	s.mu.Lock()
	stashed := c.stashed
	c.stashed = nil
	s.mu.Unlock()
	if stashed != nil {
		if err := s.applyOffer(ctx, c, peer, stashed); err != nil {
			s.teardown(c.sid, "")
			return err
		}
	}
	return nil
}

// RejectCall declines the ringing call without creating a connection.
func (s *Service) RejectCall(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRinging || s.cur == nil {
		s.mu.Unlock()
		return ErrNoCall
	}
	sid := s.cur.sid
	s.mu.Unlock()

	err := s.courier.SendPayload(ctx, transport.FrameMsg, sid, &messaging.CallSignalPayload{
		Type: messaging.TypeCallEnd,
	}, transport.PrioritySignal, false)
	s.teardown(sid, EndRejected)
	return err
}

// EndCall hangs up whatever call exists.
func (s *Service) EndCall(ctx context.Context) error {
	s.mu.Lock()
	if s.cur == nil {
		s.mu.Unlock()
		return ErrNoCall
	}
	sid := s.cur.sid
	s.mu.Unlock()

	err := s.courier.SendPayload(ctx, transport.FrameMsg, sid, &messaging.CallSignalPayload{
		Type: messaging.TypeCallEnd,
	}, transport.PrioritySignal, false)
	s.teardown(sid, EndLocal)
	return err
}

// SwitchMode moves the connected call between audio, video and screen,
// renegotiating and telling the peer.
func (s *Service) SwitchMode(ctx context.Context, mode string) error {
	if !validMode(mode) {
		return fmt.Errorf("%w: %q", ErrBadMode, mode)
	}
	s.mu.Lock()
	if s.state != StateConnected || s.cur == nil {
		s.mu.Unlock()
		return ErrNoCall
	}
	c := s.cur
	peer := c.peer
	s.mu.Unlock()

	if mode == ModeAudio {
		if err := peer.ClearVideo(); err != nil && !errors.Is(err, ErrNoVideoSender) {
			return err
		}
	} else {
		if err := peer.SetVideo(s.media, mode); err != nil {
			return err
		}
	}

	// Renegotiate so the track change reaches the peer.
	offer, err := peer.CreateOffer()
	if err != nil {
		return err
	}
	err = s.courier.SendPayload(ctx, transport.FrameMsg, c.sid, &messaging.SDPPayload{
		Type: messaging.TypeRTCOffer, SDP: offer,
	}, transport.PrioritySignal, false)
	if err != nil {
		return err
	}
	err = s.courier.SendPayload(ctx, transport.FrameMsg, c.sid, &messaging.CallModePayload{
		Type: messaging.TypeCallMode, Mode: mode,
	}, transport.PrioritySignal, false)
	if err != nil {
		return err
	}

	s.mu.Lock()
	c.mode = mode
	fn := s.onModeChanged
	s.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"session_id": c.sid,
		"mode":       mode,
	}).Info("call mode switched")
	if fn != nil {
		fn(c.sid, mode, false)
	}
	return nil
}

// ToggleMic flips the mute flag and tells the peer. Returns the new
// muted state.
func (s *Service) ToggleMic(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.cur == nil {
		s.mu.Unlock()
		return false, ErrNoCall
	}
	s.cur.micMuted = !s.cur.micMuted
	muted := s.cur.micMuted
	sid := s.cur.sid
	s.mu.Unlock()

	err := s.courier.SendPayload(ctx, transport.FrameMsg, sid, &messaging.MicStatusPayload{
		Type: messaging.TypeMicStatus, Muted: muted,
	}, transport.PrioritySignal, false)
	return muted, err
}

// Duration reports how long the connected call has been running.
func (s *Service) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.cur == nil {
		return 0
	}
	return time.Since(s.cur.startedAt)
}

// ResolveTurnCreds hands relay-issued TURN credentials to a waiting call
// setup. Extra deliveries are dropped.
func (s *Service) ResolveTurnCreds(creds *TurnCreds) {
	select {
	case s.turnCh <- creds:
	default:
	}
}

// --- inbound signaling (messaging.CallHandler) ---

// HandleCallSignal routes one decrypted call payload.
func (s *Service) HandleCallSignal(ctx context.Context, sid string, typ messaging.PayloadType, data json.RawMessage) error {
	switch typ {
	case messaging.TypeCallStart:
		var p messaging.CallStartPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return s.handleCallStart(ctx, sid, p.Mode)
	case messaging.TypeCallAccept:
		return s.handleCallAccept(ctx, sid)
	case messaging.TypeCallBusy:
		return s.handleRemoteEnd(sid, EndBusy)
	case messaging.TypeCallEnd:
		return s.handleRemoteEnd(sid, EndRemote)
	case messaging.TypeCallMode:
		var p messaging.CallModePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return s.handleRemoteMode(sid, p.Mode)
	case messaging.TypeRTCOffer:
		var p messaging.SDPPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return s.handleOffer(ctx, sid, p.SDP)
	case messaging.TypeRTCAnswer:
		var p messaging.SDPPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return s.handleAnswer(sid, p.SDP)
	case messaging.TypeICECandidate:
		var p messaging.ICEPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return s.handleICE(sid, p.Candidate)
	default:
		return fmt.Errorf("av: unexpected signal %q", typ)
	}
}

func (s *Service) handleCallStart(ctx context.Context, sid, mode string) error {
	if !validMode(mode) {
		return fmt.Errorf("%w: %q", ErrBadMode, mode)
	}
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		// Already busy with something; tell the caller automatically.
		logrus.WithFields(logrus.Fields{
			"session_id": sid,
		}).Info("rejecting call while busy")
		return s.courier.SendPayload(ctx, transport.FrameMsg, sid, &messaging.CallSignalPayload{
			Type: messaging.TypeCallBusy,
		}, transport.PrioritySignal, false)
	}
	s.state = StateRinging
	s.cur = &call{sid: sid, mode: mode}
	fn := s.onIncoming
	s.mu.Unlock()

	if s.ringtone != nil {
		s.ringtone.Play()
	}
	logrus.WithFields(logrus.Fields{
		"session_id": sid,
		"mode":       mode,
	}).Info("incoming call")
	if fn != nil {
		fn(sid, mode)
	}
	return nil
}

// handleCallAccept runs on the caller's side: the callee is ready and
// will answer the offer that already went out with CALL_START. The
// no-answer timer keeps running until the connection actually comes up,
// so an accept that never completes ICE still converges to idle.
func (s *Service) handleCallAccept(ctx context.Context, sid string) error {
	s.mu.Lock()
	stray := s.state != StateOutgoing || s.cur == nil || s.cur.sid != sid
	s.mu.Unlock()
	if stray {
		logrus.WithFields(logrus.Fields{
			"session_id": sid,
		}).Warn("ignoring stray call accept")
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"session_id": sid,
	}).Info("call accepted; waiting for connection")
	return nil
}

func (s *Service) handleRemoteEnd(sid, reason string) error {
	s.mu.Lock()
	if s.cur == nil || s.cur.sid != sid {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.teardown(sid, reason)
	return nil
}

func (s *Service) handleRemoteMode(sid, mode string) error {
	s.mu.Lock()
	if s.cur == nil || s.cur.sid != sid {
		s.mu.Unlock()
		return nil
	}
	s.cur.mode = mode
	fn := s.onModeChanged
	s.mu.Unlock()
	if fn != nil {
		fn(sid, mode, true)
	}
	return nil
}

// handleOffer applies an SDP offer. Before the user accepts, the offer is
// stashed; after, and for mid-call renegotiation, it is answered at once.
func (s *Service) handleOffer(ctx context.Context, sid string, sdp json.RawMessage) error {
	s.mu.Lock()
	if s.cur == nil || s.cur.sid != sid {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"session_id": sid,
		}).Warn("dropping offer without a call")
		return nil
	}
	c := s.cur
	peer := c.peer
	if peer == nil {
		c.stashed = sdp
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.applyOffer(ctx, c, peer, sdp)
}

func (s *Service) applyOffer(ctx context.Context, c *call, peer rtcPeer, sdp json.RawMessage) error {
	if err := peer.SetRemoteDescription(sdp); err != nil {
		return err
	}
	s.flushPendingICE(c, peer)
	answer, err := peer.CreateAnswer()
	if err != nil {
		return err
	}
	return s.courier.SendPayload(ctx, transport.FrameMsg, c.sid, &messaging.SDPPayload{
		Type: messaging.TypeRTCAnswer, SDP: answer,
	}, transport.PrioritySignal, false)
}

func (s *Service) handleAnswer(sid string, sdp json.RawMessage) error {
	s.mu.Lock()
	if s.cur == nil || s.cur.sid != sid || s.cur.peer == nil {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"session_id": sid,
		}).Warn("dropping answer without an offer")
		return nil
	}
	c := s.cur
	peer := c.peer
	s.mu.Unlock()

	if err := peer.SetRemoteDescription(sdp); err != nil {
		return err
	}
	s.flushPendingICE(c, peer)
	return nil
}

// handleICE queues candidates that arrive before the remote description
// and applies them once it lands.
func (s *Service) handleICE(sid string, candidate json.RawMessage) error {
	s.mu.Lock()
	if s.cur == nil || s.cur.sid != sid {
		s.mu.Unlock()
		return nil
	}
	c := s.cur
	peer := c.peer
	if peer == nil || !peer.HasRemoteDescription() {
		c.pendingICE = append(c.pendingICE, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return peer.AddICECandidate(candidate)
}

func (s *Service) flushPendingICE(c *call, peer rtcPeer) {
	s.mu.Lock()
	queued := c.pendingICE
	c.pendingICE = nil
	s.mu.Unlock()
	for _, candidate := range queued {
		if err := peer.AddICECandidate(candidate); err != nil {
			logrus.WithFields(logrus.Fields{
				"session_id": c.sid,
				"error":      err,
			}).Warn("dropping bad queued ICE candidate")
		}
	}
	if len(queued) > 0 {
		logrus.WithFields(logrus.Fields{
			"session_id": c.sid,
			"count":      len(queued),
		}).Debug("flushed queued ICE candidates")
	}
}

// --- connection setup and teardown ---

// buildPeer fetches TURN credentials (or races past them), constructs the
// peer connection, attaches local media, and wires ICE and connected
// callbacks.
func (s *Service) buildPeer(ctx context.Context, c *call) (rtcPeer, error) {
	creds := s.fetchTurnCreds(ctx)
	peer, err := s.newPeer(creds)
	if err != nil {
		return nil, fmt.Errorf("building peer connection: %w", err)
	}

	if err := peer.AttachAudio(s.media); err != nil {
		peer.Close()
		return nil, fmt.Errorf("attaching audio: %w", err)
	}
	if c.mode != ModeAudio {
		if err := peer.SetVideo(s.media, c.mode); err != nil {
			peer.Close()
			return nil, fmt.Errorf("attaching %s track: %w", c.mode, err)
		}
	}

	sid := c.sid
	peer.OnICECandidate(func(candidate json.RawMessage) {
		err := s.courier.SendPayload(context.Background(), transport.FrameMsg, sid, &messaging.ICEPayload{
			Type: messaging.TypeICECandidate, Candidate: candidate,
		}, transport.PrioritySignal, false)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"session_id": sid,
				"error":      err,
			}).Warn("failed to send ICE candidate")
		}
	})
	peer.OnConnected(func() { s.peerConnected(sid) })

	s.mu.Lock()
	c.peer = peer
	s.mu.Unlock()
	return peer, nil
}

// fetchTurnCreds asks the relay for TURN credentials and waits a short
// opportunistic window, bounded overall by TurnWait. nil means proceed
// STUN-only.
func (s *Service) fetchTurnCreds(ctx context.Context) *TurnCreds {
	f, err := transport.NewFrame(transport.FrameGetTurnCreds, "", nil)
	if err == nil {
		err = s.relay.Send(f)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err,
		}).Warn("TURN credential request failed; using STUN only")
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, TurnWait)
	defer cancel()
	select {
	case creds := <-s.turnCh:
		return creds
	case <-time.After(s.turnRace):
		logrus.Info("TURN credentials late; proceeding STUN only")
		return nil
	case <-ctx.Done():
		return nil
	}
}

// peerConnected is the idempotent connected transition: the first signal
// wins, later ones are ignored.
func (s *Service) peerConnected(sid string) {
	s.mu.Lock()
	if s.cur == nil || s.cur.sid != sid || s.state == StateConnected {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.cur.startedAt = time.Now()
	if s.answerTimer != nil {
		s.answerTimer.Stop()
		s.answerTimer = nil
	}
	fn := s.onStarted
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"session_id": sid,
	}).Info("call connected")
	if fn != nil {
		fn(sid)
	}
}

func (s *Service) answerTimedOut(sid string) {
	s.mu.Lock()
	timedOut := s.state == StateOutgoing && s.cur != nil && s.cur.sid == sid
	s.mu.Unlock()
	if !timedOut {
		return
	}
	logrus.WithFields(logrus.Fields{
		"session_id": sid,
	}).Info("call unanswered; giving up")
	err := s.courier.SendPayload(context.Background(), transport.FrameMsg, sid, &messaging.CallSignalPayload{
		Type: messaging.TypeCallEnd,
	}, transport.PrioritySignal, false)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"session_id": sid,
			"error":      err,
		}).Warn("failed to send timeout hangup")
	}
	s.teardown(sid, EndNoAnswer)
}

// teardown converges everything back to idle: timers stopped, the peer
// connection closed, local media released, the ringtone silenced. An
// empty reason suppresses the ended callback (setup failures report
// through their own error return).
func (s *Service) teardown(sid, reason string) {
	s.mu.Lock()
	if s.cur == nil || s.cur.sid != sid {
		s.mu.Unlock()
		return
	}
	c := s.cur
	s.cur = nil
	s.state = StateIdle
	if s.answerTimer != nil {
		s.answerTimer.Stop()
		s.answerTimer = nil
	}
	fn := s.onEnded
	s.mu.Unlock()

	if c.peer != nil {
		c.peer.Close()
	}
	// Credentials delivered for this call must not leak into the next.
	select {
	case <-s.turnCh:
	default:
	}
	s.media.Release()
	if s.ringtone != nil {
		s.ringtone.Stop()
	}
	logrus.WithFields(logrus.Fields{
		"session_id": sid,
		"reason":     reason,
	}).Info("call torn down")
	if reason != "" && fn != nil {
		fn(sid, reason)
	}
}

func validMode(mode string) bool {
	switch mode {
	case ModeAudio, ModeVideo, ModeScreen:
		return true
	}
	return false
}
