package messaging

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relaychat/crypto"
	"github.com/opd-ai/relaychat/session"
	"github.com/opd-ai/relaychat/storage"
	"github.com/opd-ai/relaychat/transport"
	"github.com/opd-ai/relaychat/worker"
)

// fakeSender records outbound frames.
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

// harness holds a fully wired messaging service with one established
// session ("s1") whose key is known to the test.
type harness struct {
	svc    *Service
	sender *fakeSender
	store  *storage.Store
	key    crypto.SessionKey

	peerEmail string
	peerHash  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	w := worker.NewWorker()
	t.Cleanup(w.Close)

	sender := &fakeSender{}
	sessions := session.NewManager(store, w, sender, nil)
	courier := NewCourier(w, sender)
	courier.SetLocalHash(crypto.HashIdentifier("me@example.com"))
	svc := NewService(store, courier, sessions, w)

	var key crypto.SessionKey
	for i := range key {
		key[i] = 0x42
	}
	peerEmail := "peer@example.com"
	require.NoError(t, store.UpsertSession(&storage.Session{
		SID:       "s1",
		Key:       base64.StdEncoding.EncodeToString(key[:]),
		PeerEmail: peerEmail,
	}))
	w.InitSession("s1", key)

	return &harness{
		svc:       svc,
		sender:    sender,
		store:     store,
		key:       key,
		peerEmail: peerEmail,
		peerHash:  crypto.HashIdentifier(peerEmail),
	}
}

// inbound seals a payload as the peer would and feeds it through the
// queue-handler path.
func (h *harness) inbound(t *testing.T, payload interface{}) error {
	t.Helper()
	plain, err := EncodeEnvelope(payload)
	require.NoError(t, err)
	sealed, err := crypto.Seal(h.key, plain)
	require.NoError(t, err)
	return h.svc.HandleInbound(context.Background(), &InboundFrame{
		SID:        "s1",
		Payload:    sealed,
		SenderHash: h.peerHash,
		Priority:   transport.PriorityMessage,
	})
}

func sealFor(key crypto.SessionKey, plain []byte) (string, error) {
	return crypto.Seal(key, plain)
}

// openFrame decrypts an outbound frame's envelope and returns its payload
// type and raw data.
func (h *harness) openFrame(t *testing.T, f *transport.Frame) (PayloadType, json.RawMessage) {
	t.Helper()
	var md transport.MsgData
	require.NoError(t, f.DecodeData(&md))
	plain, err := crypto.Open(h.key, md.Payload)
	require.NoError(t, err)
	typ, data, err := DecodeEnvelope(plain)
	require.NoError(t, err)
	return typ, data
}
