package messaging

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relaychat/storage"
	"github.com/opd-ai/relaychat/transport"
)

func TestInboundTextSavesMessage(t *testing.T) {
	h := newHarness(t)

	var got *storage.Message
	h.svc.OnMessage(func(m *storage.Message) { got = m })

	require.NoError(t, h.inbound(t, &TextPayload{
		Type: TypeText, ID: "m1", Text: "hello", Timestamp: 1000,
	}))

	require.NotNil(t, got)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, storage.SenderPeer, got.Sender)

	m, err := h.store.GetMessage("m1")
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Text)
}

func TestChunkReassemblyAnyOrder(t *testing.T) {
	h := newHarness(t)

	var got *storage.Message
	h.svc.OnMessage(func(m *storage.Message) { got = m })

	chunk := func(i int, text string) *TextChunkPayload {
		return &TextChunkPayload{
			Type: TypeTextChunk, ID: "m1", Chunk: text,
			ChunkIndex: i, TotalChunks: 3, Kind: TypeText, Timestamp: 5,
		}
	}
	require.NoError(t, h.inbound(t, chunk(2, "cc")))
	assert.Nil(t, got)
	require.NoError(t, h.inbound(t, chunk(0, "aa")))
	assert.Nil(t, got)
	require.NoError(t, h.inbound(t, chunk(1, "bb")))

	require.NotNil(t, got)
	assert.Equal(t, "aabbcc", got.Text)
	assert.Equal(t, string(TypeText), got.Type)
}

func TestChunkDuplicateIndexIgnored(t *testing.T) {
	h := newHarness(t)

	var got *storage.Message
	h.svc.OnMessage(func(m *storage.Message) { got = m })

	c := &TextChunkPayload{Type: TypeTextChunk, ID: "m1", Chunk: "x",
		ChunkIndex: 0, TotalChunks: 2, Kind: TypeText}
	require.NoError(t, h.inbound(t, c))
	require.NoError(t, h.inbound(t, c))
	assert.Nil(t, got)

	c2 := &TextChunkPayload{Type: TypeTextChunk, ID: "m1", Chunk: "y",
		ChunkIndex: 1, TotalChunks: 2, Kind: TypeText}
	require.NoError(t, h.inbound(t, c2))
	require.NotNil(t, got)
	assert.Equal(t, "xy", got.Text)
}

func TestInconsistentChunkMetadataDiscardsBuffer(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.inbound(t, &TextChunkPayload{
		Type: TypeTextChunk, ID: "m1", Chunk: "a",
		ChunkIndex: 0, TotalChunks: 3, Kind: TypeText,
	}))
	// Conflicting totalChunks discards the whole buffer.
	err := h.inbound(t, &TextChunkPayload{
		Type: TypeTextChunk, ID: "m1", Chunk: "b",
		ChunkIndex: 1, TotalChunks: 2, Kind: TypeText,
	})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	// A fresh consistent set starts from scratch and completes.
	var got *storage.Message
	h.svc.OnMessage(func(m *storage.Message) { got = m })
	require.NoError(t, h.inbound(t, &TextChunkPayload{
		Type: TypeTextChunk, ID: "m1", Chunk: "1",
		ChunkIndex: 0, TotalChunks: 2, Kind: TypeText,
	}))
	require.NoError(t, h.inbound(t, &TextChunkPayload{
		Type: TypeTextChunk, ID: "m1", Chunk: "2",
		ChunkIndex: 1, TotalChunks: 2, Kind: TypeText,
	}))
	require.NotNil(t, got)
	assert.Equal(t, "12", got.Text)
}

func TestChunkBoundsRejected(t *testing.T) {
	h := newHarness(t)

	err := h.inbound(t, &TextChunkPayload{
		Type: TypeTextChunk, ID: "m1", Chunk: "a",
		ChunkIndex: 0, TotalChunks: MaxTotalChunks + 1, Kind: TypeText,
	})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	err = h.inbound(t, &TextChunkPayload{
		Type: TypeTextChunk, ID: "m1", Chunk: "a",
		ChunkIndex: 5, TotalChunks: 3, Kind: TypeText,
	})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestSenderHashMismatchDrops(t *testing.T) {
	h := newHarness(t)

	plain, err := EncodeEnvelope(&TextPayload{Type: TypeText, ID: "m1", Text: "spoof"})
	require.NoError(t, err)
	sealed, err := sealFor(h.key, plain)
	require.NoError(t, err)

	err = h.svc.HandleInbound(context.Background(), &InboundFrame{
		SID: "s1", Payload: sealed, SenderHash: "0000", Priority: 1,
	})
	assert.ErrorIs(t, err, ErrSenderAuth)

	_, err = h.store.GetMessage("m1")
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)
}

func TestSenderAuthFailsClosedWithoutPeerEmail(t *testing.T) {
	h := newHarness(t)
	// A session with no stored peer email cannot authenticate anything.
	require.NoError(t, h.store.UpsertSession(&storage.Session{SID: "s2", Key: "aw=="}))

	err := h.svc.HandleInbound(context.Background(), &InboundFrame{
		SID: "s2", Payload: "x", SenderHash: h.peerHash,
	})
	assert.ErrorIs(t, err, ErrSenderAuth)
}

func TestPeerEditWithinWindow(t *testing.T) {
	h := newHarness(t)
	h.svc.now = func() int64 { return 1000 }

	require.NoError(t, h.inbound(t, &TextPayload{Type: TypeText, ID: "m1", Text: "orig", Timestamp: 500}))

	var editedID string
	h.svc.OnEdited(func(sid, id, text string) { editedID = id })
	require.NoError(t, h.inbound(t, &EditPayload{Type: TypeEdit, ID: "m1", Text: "new"}))

	assert.Equal(t, "m1", editedID)
	m, err := h.store.GetMessage("m1")
	require.NoError(t, err)
	assert.Equal(t, "new", m.Text)
	assert.True(t, m.Edited)
}

func TestPeerEditRejectsOurMessages(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SaveMessage(&storage.Message{
		ID: "mine", SID: "s1", Sender: storage.SenderMe, Type: "TEXT",
		Text: "mine", Timestamp: h.svc.now(), Status: storage.StatusPending,
	}))

	err := h.inbound(t, &EditPayload{Type: TypeEdit, ID: "mine", Text: "hacked"})
	assert.ErrorIs(t, err, ErrEditUnauthorized)

	m, err2 := h.store.GetMessage("mine")
	require.NoError(t, err2)
	assert.Equal(t, "mine", m.Text)
}

func TestPeerEditRejectsOutsideWindow(t *testing.T) {
	h := newHarness(t)
	h.svc.now = func() int64 { return EditWindow + 1000 }

	require.NoError(t, h.store.SaveMessage(&storage.Message{
		ID: "old", SID: "s1", Sender: storage.SenderPeer, Type: "TEXT",
		Text: "old", Timestamp: 1, Status: storage.StatusDelivered,
	}))

	err := h.inbound(t, &EditPayload{Type: TypeEdit, ID: "old", Text: "late"})
	assert.ErrorIs(t, err, ErrEditUnauthorized)
}

func TestPeerDeleteTombstones(t *testing.T) {
	h := newHarness(t)
	h.svc.now = func() int64 { return 1000 }
	require.NoError(t, h.inbound(t, &TextPayload{Type: TypeText, ID: "m1", Text: "bye", Timestamp: 500}))

	var deletedID string
	h.svc.OnDeleted(func(sid, id string) { deletedID = id })
	require.NoError(t, h.inbound(t, &DeletePayload{Type: TypeDelete, ID: "m1"}))

	assert.Equal(t, "m1", deletedID)
	m, err := h.store.GetMessage("m1")
	require.NoError(t, err)
	assert.True(t, m.Deleted)
	assert.Empty(t, m.Text)
}

func TestPeerReactionAddAndRemove(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.inbound(t, &ReactionPayload{Type: TypeReaction, MessageID: "m1", Emoji: "👍"}))
	// Duplicate is a no-op thanks to the deterministic id.
	require.NoError(t, h.inbound(t, &ReactionPayload{Type: TypeReaction, MessageID: "m1", Emoji: "👍"}))

	list, err := h.store.ReactionsByMessage("m1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, h.inbound(t, &ReactionPayload{Type: TypeReaction, MessageID: "m1", Emoji: "👍", Remove: true}))
	list, err = h.store.ReactionsByMessage("m1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSendTextSmallBody(t *testing.T) {
	h := newHarness(t)

	id, err := h.svc.SendText(context.Background(), "s1", "short")
	require.NoError(t, err)

	m, err := h.store.GetMessage(id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, m.Status)
	assert.Equal(t, storage.SenderMe, m.Sender)

	frames := h.sender.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, transport.FrameMsg, frames[0].T)
	assert.True(t, frames[0].C)
	assert.NotEmpty(t, frames[0].SH)

	typ, data := h.openFrame(t, frames[0])
	assert.Equal(t, TypeText, typ)
	var p TextPayload
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, "short", p.Text)
	assert.Equal(t, id, p.ID)
}

func TestSendTextChunksLargeBody(t *testing.T) {
	h := newHarness(t)

	body := strings.Repeat("x", TextChunkBudget*2+10)
	_, err := h.svc.SendText(context.Background(), "s1", body)
	require.NoError(t, err)

	frames := h.sender.sent()
	require.Len(t, frames, 3)
	// Only the final chunk requests a delivery receipt.
	assert.False(t, frames[0].C)
	assert.False(t, frames[1].C)
	assert.True(t, frames[2].C)

	var rebuilt strings.Builder
	for i, f := range frames {
		typ, data := h.openFrame(t, f)
		require.Equal(t, TypeTextChunk, typ)
		var p TextChunkPayload
		require.NoError(t, json.Unmarshal(data, &p))
		assert.Equal(t, i, p.ChunkIndex)
		assert.Equal(t, 3, p.TotalChunks)
		assert.Equal(t, TypeText, p.Kind)
		rebuilt.WriteString(p.Chunk)
	}
	assert.Equal(t, body, rebuilt.String())
}

func TestLocalEditAuthorization(t *testing.T) {
	h := newHarness(t)
	h.svc.now = func() int64 { return 1000 }

	id, err := h.svc.SendText(context.Background(), "s1", "draft")
	require.NoError(t, err)
	h.sender.reset()

	require.NoError(t, h.svc.EditMessage(context.Background(), "s1", id, "fixed"))
	m, err := h.store.GetMessage(id)
	require.NoError(t, err)
	assert.Equal(t, "fixed", m.Text)

	// Editing a peer message locally is refused.
	require.NoError(t, h.store.SaveMessage(&storage.Message{
		ID: "theirs", SID: "s1", Sender: storage.SenderPeer, Type: "TEXT",
		Text: "t", Timestamp: 900, Status: storage.StatusDelivered,
	}))
	err = h.svc.EditMessage(context.Background(), "s1", "theirs", "nope")
	assert.ErrorIs(t, err, ErrEditUnauthorized)
}

func TestSyncPendingResends(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.SendText(context.Background(), "s1", "one")
	require.NoError(t, err)
	_, err = h.svc.SendText(context.Background(), "s1", "two")
	require.NoError(t, err)
	h.sender.reset()

	require.NoError(t, h.svc.SyncPending(context.Background(), "s1"))
	frames := h.sender.sent()
	require.Len(t, frames, 2)

	var texts []string
	for _, f := range frames {
		_, data := h.openFrame(t, f)
		var p TextPayload
		require.NoError(t, json.Unmarshal(data, &p))
		texts = append(texts, p.Text)
	}
	assert.Equal(t, []string{"one", "two"}, texts)
}

func TestSyncPendingReannouncesFiles(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.store.SaveMessage(&storage.Message{
		ID: "f1", SID: "s1", Sender: storage.SenderMe,
		Type: storage.MessageTypeFile, Text: "pic.png",
		Timestamp: 42, Status: storage.StatusPending,
	}))
	require.NoError(t, h.store.InsertMedia(&storage.Media{
		ID: "md1", MessageID: "f1", SID: "s1", Filename: "blob",
		Mime: "image/png", Size: 1000, Thumbnail: "thumb",
		TransferID: "t1", Status: storage.MediaSent,
	}))

	require.NoError(t, h.svc.SyncPending(context.Background(), "s1"))
	frames := h.sender.sent()
	require.Len(t, frames, 1)

	typ, data := h.openFrame(t, frames[0])
	require.Equal(t, TypeFileInfo, typ)
	var p FileInfoPayload
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, "f1", p.ID)
	assert.Equal(t, "t1", p.TransferID)
	assert.Equal(t, "pic.png", p.Name)
	assert.Equal(t, int64(1000), p.Size)
	assert.Equal(t, "thumb", p.Thumbnail)
}

func TestMicStatusCallback(t *testing.T) {
	h := newHarness(t)

	var muted *bool
	h.svc.OnMicStatus(func(sid string, m bool) { muted = &m })
	require.NoError(t, h.inbound(t, &MicStatusPayload{Type: TypeMicStatus, Muted: true}))
	require.NotNil(t, muted)
	assert.True(t, *muted)
}

func TestCallPayloadWithoutHandlerFails(t *testing.T) {
	h := newHarness(t)
	err := h.inbound(t, &CallSignalPayload{Type: TypeCallAccept})
	assert.ErrorIs(t, err, ErrNoHandler)
}
