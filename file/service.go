package file

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaychat/messaging"
	"github.com/opd-ai/relaychat/storage"
	"github.com/opd-ai/relaychat/transport"
)

// ChunkSize is the fixed transfer chunk size in raw bytes, shared by both
// sides; the resume math depends on it never changing.
const ChunkSize = 64000

// Errors surfaced by the service.
var (
	ErrDiskFull  = errors.New("file: disk full")
	ErrBadChunk  = errors.New("file: malformed chunk")
	ErrNotSender = errors.New("file: not the owner of this transfer")
)

// BlobStore is the on-disk blob interface the service needs; satisfied
// by storage.Vault.
type BlobStore interface {
	SaveBlob(name string, data []byte) error
	AppendChunk(name string, data []byte) error
	ReadChunkAt(name string, index, chunkSize int) ([]byte, error)
	Size(name string) (int64, error)
	Remove(name string) error
	Path(name string) string
}

// Service implements both sides of the chunked transfer protocol.
type Service struct {
	store      *storage.Store
	vault      BlobStore
	courier    *messaging.Courier
	now        func() int64
	chunkDelay time.Duration

	mu           sync.Mutex
	onOffer      func(m *storage.Message, media *storage.Media)
	onProgress   func(sid, mediaID string, progress float64)
	onDownloaded func(sid, mediaID, path string)
	onFailed     func(sid, mediaID string, err error)
}

// NewService wires the file service. chunkDelay paces the sender's chunk
// stream; zero disables pacing.
func NewService(store *storage.Store, vault BlobStore, courier *messaging.Courier, chunkDelay time.Duration) *Service {
	return &Service{
		store:      store,
		vault:      vault,
		courier:    courier,
		now:        func() int64 { return time.Now().UnixMilli() },
		chunkDelay: chunkDelay,
	}
}

// OnOffer registers the callback for inbound file announcements.
func (s *Service) OnOffer(fn func(m *storage.Message, media *storage.Media)) {
	s.mu.Lock()
	s.onOffer = fn
	s.mu.Unlock()
}

// OnProgress registers the download progress callback.
func (s *Service) OnProgress(fn func(sid, mediaID string, progress float64)) {
	s.mu.Lock()
	s.onProgress = fn
	s.mu.Unlock()
}

// OnDownloaded registers the completion callback; path is the finished
// blob's location on disk.
func (s *Service) OnDownloaded(fn func(sid, mediaID, path string)) {
	s.mu.Lock()
	s.onDownloaded = fn
	s.mu.Unlock()
}

// OnFailed registers the terminal-failure callback.
func (s *Service) OnFailed(fn func(sid, mediaID string, err error)) {
	s.mu.Lock()
	s.onFailed = fn
	s.mu.Unlock()
}

// SendFile stores the payload in the vault and announces it to the peer.
// Returns the new message id.
func (s *Service) SendFile(ctx context.Context, sid, name, mime string, data []byte, thumbnail string) (string, error) {
	blobName := uuid.NewString()
	if err := s.vault.SaveBlob(blobName, data); err != nil {
		return "", fmt.Errorf("storing file blob: %w", err)
	}
	messageID := uuid.NewString()
	transferID := uuid.NewString()
	ts := s.now()

	err := s.store.SaveMessage(&storage.Message{
		ID: messageID, SID: sid, Sender: storage.SenderMe, Type: storage.MessageTypeFile,
		Text: name, Timestamp: ts, Status: storage.StatusPending,
	})
	if err != nil {
		return "", err
	}
	err = s.store.InsertMedia(&storage.Media{
		ID: uuid.NewString(), MessageID: messageID, SID: sid,
		Filename: blobName, Mime: mime, Size: int64(len(data)),
		Thumbnail: thumbnail, TransferID: transferID,
		Status: storage.MediaSent, Progress: 1,
	})
	if err != nil {
		return "", err
	}

	err = s.courier.SendMessage(ctx, sid, &messaging.FileInfoPayload{
		Type: messaging.TypeFileInfo, ID: messageID, TransferID: transferID,
		Name: name, Mime: mime, Size: int64(len(data)),
		Thumbnail: thumbnail, Timestamp: ts,
	}, transport.PriorityMessage, true)
	if err != nil {
		return messageID, err
	}
	logrus.WithFields(logrus.Fields{
		"session_id":  sid,
		"message_id":  messageID,
		"transfer_id": transferID,
		"size":        len(data),
	}).Info("file announced")
	return messageID, nil
}

// HandleFileInfo records an inbound file announcement. Nothing is
// downloaded until RequestDownload.
func (s *Service) HandleFileInfo(ctx context.Context, sid string, p *messaging.FileInfoPayload) error {
	err := s.store.SaveMessage(&storage.Message{
		ID: p.ID, SID: sid, Sender: storage.SenderPeer, Type: storage.MessageTypeFile,
		Text: p.Name, Timestamp: p.Timestamp, Status: storage.StatusDelivered,
	})
	if err != nil {
		return err
	}
	media := &storage.Media{
		ID: uuid.NewString(), MessageID: p.ID, SID: sid,
		Filename: uuid.NewString(), Mime: p.Mime, Size: p.Size,
		Thumbnail: p.Thumbnail, TransferID: p.TransferID,
		Status: storage.MediaPending,
	}
	if err := s.store.InsertMedia(media); err != nil {
		return err
	}

	m, err := s.store.GetMessage(p.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	fn := s.onOffer
	s.mu.Unlock()
	if fn != nil {
		fn(m, media)
	}
	return nil
}

// ResumeIndex computes the chunk index a download restarts from, given
// the bytes already on disk. Only a whole number of complete chunks can
// be resumed; a partial tail means starting over.
func ResumeIndex(onDisk, total int64, chunkSize int) int {
	if onDisk <= 0 || onDisk >= total {
		return 0
	}
	if onDisk%int64(chunkSize) != 0 {
		return 0
	}
	return int(onDisk / int64(chunkSize))
}

// RequestDownload asks the file's owner to stream chunks, resuming from
// whatever complete chunks are already on disk.
func (s *Service) RequestDownload(ctx context.Context, sid, mediaID string) error {
	media, err := s.store.GetMedia(mediaID)
	if err != nil {
		return err
	}
	onDisk, err := s.vault.Size(media.Filename)
	if err != nil {
		return err
	}
	if onDisk >= media.Size && media.Size > 0 {
		return s.finishDownload(sid, media)
	}
	start := ResumeIndex(onDisk, media.Size, ChunkSize)
	if start == 0 && onDisk > 0 {
		// Partial tail; wipe it so appends line up with chunk boundaries.
		if err := s.vault.Remove(media.Filename); err != nil {
			return err
		}
	}
	if err := s.store.SetMediaStatus(mediaID, storage.MediaDownloading); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"session_id":  sid,
		"media_id":    mediaID,
		"start_index": start,
	}).Info("requesting file download")
	return s.courier.SendMessage(ctx, sid, &messaging.FileReqChunkPayload{
		Type:       messaging.TypeFileReqChunk,
		TransferID: media.TransferID,
		StartIndex: start,
	}, transport.PriorityMessage, false)
}

// HandleChunkRequest streams every chunk from the requested index. A
// transport failure aborts the stream; the peer re-requests with a new
// start index.
func (s *Service) HandleChunkRequest(ctx context.Context, sid string, p *messaging.FileReqChunkPayload) error {
	media, err := s.store.MediaByTransfer(p.TransferID)
	if err != nil {
		return err
	}
	if media.Status != storage.MediaSent {
		return fmt.Errorf("%w: transfer %s", ErrNotSender, p.TransferID)
	}
	total := int((media.Size + ChunkSize - 1) / ChunkSize)
	if p.StartIndex < 0 || p.StartIndex >= total {
		return fmt.Errorf("%w: start index %d of %d chunks", ErrBadChunk, p.StartIndex, total)
	}

	for i := p.StartIndex; i < total; i++ {
		raw, err := s.vault.ReadChunkAt(media.Filename, i, ChunkSize)
		if err != nil {
			return fmt.Errorf("reading chunk %d: %w", i, err)
		}
		err = s.courier.SendMessage(ctx, sid, &messaging.FileChunkPayload{
			Type:       messaging.TypeFileChunk,
			TransferID: p.TransferID,
			Index:      i,
			Data:       base64.StdEncoding.EncodeToString(raw),
			IsLast:     i == total-1,
		}, transport.PriorityBulk, false)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"session_id":  sid,
				"transfer_id": p.TransferID,
				"chunk_index": i,
				"error":       err,
			}).Warn("chunk stream aborted")
			return err
		}
		if s.chunkDelay > 0 && i < total-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.chunkDelay):
			}
		}
	}
	return nil
}

// HandleFileChunk appends one received chunk and advances progress. A
// full disk moves the media record to a terminal error status.
func (s *Service) HandleFileChunk(ctx context.Context, sid string, p *messaging.FileChunkPayload) error {
	media, err := s.store.MediaByTransfer(p.TransferID)
	if err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadChunk, err)
	}
	onDisk, err := s.vault.Size(media.Filename)
	if err != nil {
		return err
	}
	if onDisk != int64(p.Index)*ChunkSize {
		// Duplicate or out-of-order chunk; appending it would corrupt the
		// blob, and the expected one is still in flight.
		logrus.WithFields(logrus.Fields{
			"session_id":  sid,
			"transfer_id": p.TransferID,
			"chunk_index": p.Index,
			"on_disk":     onDisk,
		}).Debug("dropping misaligned chunk")
		return nil
	}
	if err := s.vault.AppendChunk(media.Filename, raw); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return s.failDownload(sid, media, ErrDiskFull)
		}
		return err
	}

	progress := float64(min64(int64(p.Index+1)*ChunkSize, media.Size)) / float64(media.Size)
	if err := s.store.UpdateMediaProgress(media.ID, progress); err != nil {
		return err
	}
	s.mu.Lock()
	fn := s.onProgress
	s.mu.Unlock()
	if fn != nil {
		fn(sid, media.ID, progress)
	}

	if p.IsLast {
		return s.finishDownload(sid, media)
	}
	return nil
}

func (s *Service) finishDownload(sid string, media *storage.Media) error {
	if err := s.store.SetMediaStatus(media.ID, storage.MediaDownloaded); err != nil {
		return err
	}
	if err := s.store.UpdateMediaProgress(media.ID, 1); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"session_id": sid,
		"media_id":   media.ID,
	}).Info("file downloaded")
	s.mu.Lock()
	fn := s.onDownloaded
	s.mu.Unlock()
	if fn != nil {
		fn(sid, media.ID, s.vault.Path(media.Filename))
	}
	return nil
}

func (s *Service) failDownload(sid string, media *storage.Media, cause error) error {
	if err := s.store.SetMediaStatus(media.ID, storage.MediaError); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"session_id": sid,
		"media_id":   media.ID,
		"error":      cause,
	}).Error("file download failed")
	s.mu.Lock()
	fn := s.onFailed
	s.mu.Unlock()
	if fn != nil {
		fn(sid, media.ID, cause)
	}
	return cause
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
