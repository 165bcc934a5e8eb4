package file

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relaychat/crypto"
	"github.com/opd-ai/relaychat/messaging"
	"github.com/opd-ai/relaychat/storage"
	"github.com/opd-ai/relaychat/transport"
	"github.com/opd-ai/relaychat/worker"
)

// fakeSender records outbound frames.
type fakeSender struct {
	mu     sync.Mutex
	frames []*transport.Frame
	err    error
}

func (f *fakeSender) Send(frame *transport.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
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

// fullDisk wraps a BlobStore and fails appends once the blob reaches a
// byte limit, imitating ENOSPC.
type fullDisk struct {
	BlobStore
	limit int64
	fail  error
}

func (d *fullDisk) AppendChunk(name string, data []byte) error {
	size, err := d.BlobStore.Size(name)
	if err != nil {
		return err
	}
	if size+int64(len(data)) > d.limit {
		return d.fail
	}
	return d.BlobStore.AppendChunk(name, data)
}

var testKey = func() crypto.SessionKey {
	var k crypto.SessionKey
	for i := range k {
		k[i] = 0x17
	}
	return k
}()

// harness is one side of a transfer with its own store and vault, sharing
// the session key with its counterpart.
type harness struct {
	svc    *Service
	sender *fakeSender
	store  *storage.Store
	vault  *storage.Vault
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	vault, err := storage.NewVault(t.TempDir())
	require.NoError(t, err)

	w := worker.NewWorker()
	t.Cleanup(w.Close)
	w.InitSession("s1", testKey)

	sender := &fakeSender{}
	courier := messaging.NewCourier(w, sender)
	svc := NewService(store, vault, courier, 0)
	return &harness{svc: svc, sender: sender, store: store, vault: vault}
}

// openFrame decrypts an outbound frame and returns its payload type and
// raw data.
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

func decodeChunk(t *testing.T, f *transport.Frame) *messaging.FileChunkPayload {
	t.Helper()
	typ, data := openFrame(t, f)
	require.Equal(t, messaging.TypeFileChunk, typ)
	var p messaging.FileChunkPayload
	require.NoError(t, json.Unmarshal(data, &p))
	return &p
}

func chunkBytes(t *testing.T, p *messaging.FileChunkPayload) []byte {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(p.Data)
	require.NoError(t, err)
	return raw
}

func encodeChunk(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
