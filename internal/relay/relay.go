// Package relay talks to the pub/sub-with-history service that carries the
// actual conversation content between clients. The core only ever pulls a
// recent window of history and publishes one-shot payloads; there is no
// streaming subscription, by design, so a future push transport can slot in
// behind the same Provider interface.
package relay

import (
	"context"
	"encoding/json"

	"pairchat/internal/store"
)

// Envelope is one relay payload: either a chat message or a metadata-only
// mirror event (pin/report notifications between clients). Metadata
// envelopes are never merged into the conversation.
type Envelope struct {
	store.Message
	Meta string          `json:"__meta,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IsMeta reports whether the envelope is a metadata mirror rather than a
// message.
func (e Envelope) IsMeta() bool {
	return e.Meta != ""
}

// MessageEnvelope wraps a chat message for publishing.
func MessageEnvelope(m store.Message) Envelope {
	return Envelope{Message: m}
}

// MetaEnvelope wraps an arbitrary payload under a marker. The payload is
// informational mirroring only; receivers currently ignore it.
func MetaEnvelope(marker string, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	return Envelope{Meta: marker, Data: raw}
}

// Provider is the relay contract the core consumes. Publish is best-effort
// fire-and-forget; History returns a recent window whose internal order the
// caller must not rely on beyond "recent".
type Provider interface {
	Publish(ctx context.Context, env Envelope) error
	History(ctx context.Context, count int) ([]Envelope, error)
}
