package relaychat

import (
	"time"

	"github.com/opd-ai/relaychat/av"
	"github.com/opd-ai/relaychat/session"
	"github.com/opd-ai/relaychat/transport"
)

// Options configures a Client. Zero values get sensible defaults in New;
// only RelayURL (or an injected Transport) and DataDir are required.
type Options struct {
	// RelayURL is the relay's WebSocket endpoint.
	RelayURL string

	// DataDir holds the database, the blob vault and the default key
	// store.
	DataDir string

	// DatabasePath overrides the default DataDir location. Useful for
	// tests (":memory:").
	DatabasePath string

	// KeyStore overrides the file-backed default with the platform's
	// secure storage.
	KeyStore session.KeyStore

	// Transport overrides the default reconnecting WebSocket client.
	Transport transport.Transport

	// Media supplies local tracks for calls. Required before any call
	// operation.
	Media av.MediaSource

	// Ringtone hooks the local ring signal. Optional.
	Ringtone av.Ringtone

	// ChunkStreamDelay paces outbound file chunk streaming.
	ChunkStreamDelay time.Duration

	// EventBuffer sizes the event channel.
	EventBuffer int
}

// NewOptions returns options with the defaults filled in.
func NewOptions() *Options {
	return &Options{
		ChunkStreamDelay: 10 * time.Millisecond,
		EventBuffer:      256,
	}
}
