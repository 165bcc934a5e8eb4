package av

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relaychat/crypto"
	"github.com/opd-ai/relaychat/messaging"
	"github.com/opd-ai/relaychat/session"
	"github.com/opd-ai/relaychat/storage"
	"github.com/opd-ai/relaychat/transport"
	"github.com/opd-ai/relaychat/worker"
)

// fakeSender records outbound frames for both the courier and the relay
// control channel.
type fakeSender struct {
	mu     sync.Mutex
	frames []*transport.Frame
}

func (f *fakeSender) Send(frame *transport.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) sent() []*transport.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transport.Frame(nil), f.frames...)
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

// byType returns the sent frames of one frame type.
func (f *fakeSender) byType(t transport.FrameType) []*transport.Frame {
	var out []*transport.Frame
	for _, fr := range f.sent() {
		if fr.T == t {
			out = append(out, fr)
		}
	}
	return out
}

// fakePeer is a scriptable rtcPeer.
type fakePeer struct {
	mu           sync.Mutex
	hasRemote    bool
	remote       []json.RawMessage
	ice          []json.RawMessage
	audio        bool
	videoMode    string
	videoCleared bool
	closed       bool
	onICE        func(json.RawMessage)
	onConnected  func()
}

func (p *fakePeer) CreateOffer() (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer","sdp":"fake-offer"}`), nil
}

func (p *fakePeer) CreateAnswer() (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer","sdp":"fake-answer"}`), nil
}

func (p *fakePeer) SetRemoteDescription(sdp json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, sdp)
	p.hasRemote = true
	return nil
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasRemote
}

func (p *fakePeer) AddICECandidate(c json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ice = append(p.ice, c)
	return nil
}

func (p *fakePeer) AttachAudio(src MediaSource) error {
	if _, err := src.AudioTrack(); err != nil {
		return err
	}
	p.mu.Lock()
	p.audio = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) SetVideo(src MediaSource, mode string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.videoMode = mode
	return nil
}

func (p *fakePeer) ClearVideo() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.videoMode == "" {
		return ErrNoVideoSender
	}
	p.videoMode = ""
	p.videoCleared = true
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(json.RawMessage)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnected(fn func()) {
	p.mu.Lock()
	p.onConnected = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) triggerConnected() {
	p.mu.Lock()
	fn := p.onConnected
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *fakePeer) iceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ice)
}

// fakeMedia hands out real static tracks and counts releases.
type fakeMedia struct {
	mu       sync.Mutex
	released int
}

func (m *fakeMedia) AudioTrack() (webrtc.TrackLocal, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mic")
}

func (m *fakeMedia) VideoTrack() (webrtc.TrackLocal, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "cam")
}

func (m *fakeMedia) ScreenTrack() (webrtc.TrackLocal, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "screen")
}

func (m *fakeMedia) Release() {
	m.mu.Lock()
	m.released++
	m.mu.Unlock()
}

func (m *fakeMedia) releases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// fakeRingtone counts plays and stops.
type fakeRingtone struct {
	mu     sync.Mutex
	played int
	stops  int
}

func (r *fakeRingtone) Play() {
	r.mu.Lock()
	r.played++
	r.mu.Unlock()
}

func (r *fakeRingtone) Stop() {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
}

var testKey = func() crypto.SessionKey {
	var k crypto.SessionKey
	for i := range k {
		k[i] = 0x33
	}
	return k
}()

type harness struct {
	svc      *Service
	sender   *fakeSender
	sessions *session.Manager
	media    *fakeMedia
	ringtone *fakeRingtone
	peers    []*fakePeer
	creds    []*TurnCreds
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	w := worker.NewWorker()
	t.Cleanup(w.Close)
	w.InitSession("s1", testKey)
	w.InitSession("s2", testKey)

	sender := &fakeSender{}
	sessions := session.NewManager(store, w, sender, nil)
	sessions.SetPeerOnline("s1", true)
	courier := messaging.NewCourier(w, sender)

	media := &fakeMedia{}
	ringtone := &fakeRingtone{}
	h := &harness{
		sender:   sender,
		sessions: sessions,
		media:    media,
		ringtone: ringtone,
	}
	svc := NewService(courier, sessions, sender, media, ringtone)
	svc.turnRace = 30 * time.Millisecond // keeps STUN-fallback tests fast
	svc.newPeer = func(creds *TurnCreds) (rtcPeer, error) {
		p := &fakePeer{}
		h.peers = append(h.peers, p)
		h.creds = append(h.creds, creds)
		return p, nil
	}
	h.svc = svc
	return h
}

func (h *harness) lastPeer(t *testing.T) *fakePeer {
	t.Helper()
	require.NotEmpty(t, h.peers)
	return h.peers[len(h.peers)-1]
}

// openFrame decrypts an outbound envelope frame.
func openFrame(t *testing.T, f *transport.Frame) (messaging.PayloadType, json.RawMessage) {
	t.Helper()
	var md transport.MsgData
	require.NoError(t, f.DecodeData(&md))
	plain, err := crypto.Open(testKey, md.Payload)
	require.NoError(t, err)
	typ, data, err := messaging.DecodeEnvelope(plain)
	require.NoError(t, err)
	return typ, data
}

// payloadTypes lists the decrypted payload types of all MSG frames sent.
func payloadTypes(t *testing.T, frames []*transport.Frame) []messaging.PayloadType {
	t.Helper()
	var out []messaging.PayloadType
	for _, f := range frames {
		if f.T != transport.FrameMsg {
			continue
		}
		typ, _ := openFrame(t, f)
		out = append(out, typ)
	}
	return out
}
