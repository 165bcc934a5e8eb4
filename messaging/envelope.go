package messaging

import (
	"encoding/json"
	"fmt"
)

// envelopeTag is the outer type tag of every envelope plaintext.
const envelopeTag = "MSG"

type envelope struct {
	T    string          `json:"t"`
	Data json.RawMessage `json:"data"`
}

// EncodeEnvelope wraps a typed payload into the envelope plaintext
// {"t":"MSG","data":{...}} ready for sealing.
func EncodeEnvelope(payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return json.Marshal(envelope{T: envelopeTag, Data: data})
}

// DecodeEnvelope parses a decrypted envelope and returns the payload type
// tag plus the raw data object. Unknown payload types are rejected here,
// before any handler sees them.
func DecodeEnvelope(plain []byte) (PayloadType, json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return "", nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.T != envelopeTag {
		return "", nil, fmt.Errorf("%w: envelope tag %q", ErrInvalidPayload, env.T)
	}
	var probe struct {
		Type PayloadType `json:"type"`
	}
	if err := json.Unmarshal(env.Data, &probe); err != nil {
		return "", nil, fmt.Errorf("decoding payload tag: %w", err)
	}
	if !probe.Type.Known() {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownPayloadType, probe.Type)
	}
	return probe.Type, env.Data, nil
}
