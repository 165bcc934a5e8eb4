package av

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
)

// FallbackSTUN is used when no TURN credentials arrive in time.
const FallbackSTUN = "stun:stun.l.google.com:19302"

// TurnCreds are short-lived TURN credentials issued by the relay.
type TurnCreds struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

// MediaSource supplies local media tracks. Release is called exactly once
// when the call tears down.
type MediaSource interface {
	AudioTrack() (webrtc.TrackLocal, error)
	VideoTrack() (webrtc.TrackLocal, error)
	ScreenTrack() (webrtc.TrackLocal, error)
	Release()
}

// Media mode names carried in CALL_START and CALL_MODE payloads.
const (
	ModeAudio  = "audio"
	ModeVideo  = "video"
	ModeScreen = "screen"
)

// ErrNoVideoSender indicates ClearVideo without an active video track.
var ErrNoVideoSender = errors.New("av: no video sender")

// rtcPeer abstracts the WebRTC peer connection so the state machine can
// be exercised without a real ICE stack.
type rtcPeer interface {
	CreateOffer() (json.RawMessage, error)
	CreateAnswer() (json.RawMessage, error)
	SetRemoteDescription(sdp json.RawMessage) error
	HasRemoteDescription() bool
	AddICECandidate(candidate json.RawMessage) error
	AttachAudio(src MediaSource) error
	SetVideo(src MediaSource, mode string) error
	ClearVideo() error
	OnICECandidate(fn func(candidate json.RawMessage))
	OnConnected(fn func())
	Close() error
}

// peerFactory builds a peer connection for a call. nil creds means
// STUN-only.
type peerFactory func(creds *TurnCreds) (rtcPeer, error)

// pionPeer is the production rtcPeer on pion/webrtc.
type pionPeer struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	videoSender *webrtc.RTPSender
	onConnected func()
	connected   bool
}

func newPionPeer(creds *TurnCreds) (rtcPeer, error) {
	servers := []webrtc.ICEServer{{URLs: []string{FallbackSTUN}}}
	if creds != nil {
		servers = append(servers, webrtc.ICEServer{
			URLs:       creds.URLs,
			Username:   creds.Username,
			Credential: creds.Credential,
		})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	p := &pionPeer{pc: pc}

	// Connected can surface through either state change first; whichever
	// wins reports once.
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if s == webrtc.ICEConnectionStateConnected {
			p.fireConnected()
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			p.fireConnected()
		}
	})
	return p, nil
}

func (p *pionPeer) fireConnected() {
	p.mu.Lock()
	if p.connected {
		p.mu.Unlock()
		return
	}
	p.connected = true
	fn := p.onConnected
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *pionPeer) OnConnected(fn func()) {
	p.mu.Lock()
	p.onConnected = fn
	p.mu.Unlock()
}

func (p *pionPeer) OnICECandidate(fn func(candidate json.RawMessage)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(raw)
	})
}

func (p *pionPeer) CreateOffer() (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (p *pionPeer) CreateAnswer() (json.RawMessage, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (p *pionPeer) SetRemoteDescription(sdp json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(sdp, &desc); err != nil {
		return fmt.Errorf("decoding session description: %w", err)
	}
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *pionPeer) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decoding ICE candidate: %w", err)
	}
	return p.pc.AddICECandidate(init)
}

func (p *pionPeer) AttachAudio(src MediaSource) error {
	track, err := src.AudioTrack()
	if err != nil {
		return err
	}
	_, err = p.pc.AddTrack(track)
	return err
}

// SetVideo installs the video or screen track, replacing an existing one
// in place when possible so the transceiver survives mode switches.
func (p *pionPeer) SetVideo(src MediaSource, mode string) error {
	var track webrtc.TrackLocal
	var err error
	if mode == ModeScreen {
		track, err = src.ScreenTrack()
	} else {
		track, err = src.VideoTrack()
	}
	if err != nil {
		return err
	}

	p.mu.Lock()
	sender := p.videoSender
	p.mu.Unlock()
	if sender != nil {
		return sender.ReplaceTrack(track)
	}
	sender, err = p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.videoSender = sender
	p.mu.Unlock()
	return nil
}

func (p *pionPeer) ClearVideo() error {
	p.mu.Lock()
	sender := p.videoSender
	p.mu.Unlock()
	if sender == nil {
		return ErrNoVideoSender
	}
	return sender.ReplaceTrack(nil)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
