package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/opd-ai/relaychat/transport"
	"github.com/opd-ai/relaychat/worker"
)

// Courier seals typed payloads into envelopes and ships them as relay
// frames. All outbound encrypted traffic goes through it.
type Courier struct {
	worker *worker.Worker
	sender transport.Sender

	mu        sync.Mutex
	localHash string
}

// NewCourier wires a courier to the crypto worker and the transport.
func NewCourier(w *worker.Worker, sender transport.Sender) *Courier {
	return &Courier{worker: w, sender: sender}
}

// SetLocalHash sets the sender-identity hash stamped on outbound frames.
func (c *Courier) SetLocalHash(hash string) {
	c.mu.Lock()
	c.localHash = hash
	c.mu.Unlock()
}

// SendPayload seals payload for the session and sends it as a frame of
// the given type. confirm requests a delivery receipt from the relay.
func (c *Courier) SendPayload(ctx context.Context, frameType transport.FrameType, sid string, payload interface{}, priority int, confirm bool) error {
	plain, err := EncodeEnvelope(payload)
	if err != nil {
		return err
	}
	sealed, err := c.worker.Encrypt(ctx, sid, plain, priority)
	if err != nil {
		return fmt.Errorf("sealing envelope: %w", err)
	}
	data, err := json.Marshal(transport.MsgData{Payload: sealed})
	if err != nil {
		return err
	}
	c.mu.Lock()
	hash := c.localHash
	c.mu.Unlock()
	return c.sender.Send(&transport.Frame{
		T:    frameType,
		SID:  sid,
		Data: data,
		C:    confirm,
		P:    priority,
		SH:   hash,
	})
}

// SendMessage is SendPayload for ordinary MSG frames.
func (c *Courier) SendMessage(ctx context.Context, sid string, payload interface{}, priority int, confirm bool) error {
	return c.SendPayload(ctx, transport.FrameMsg, sid, payload, priority, confirm)
}
