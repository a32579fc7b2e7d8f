// Package inbox talks to the bot-style messaging endpoint used as the
// out-of-band admin channel. New entries are pulled with a monotonically
// increasing offset cursor; writes are one-shot sends. The wire shape is the
// common bot-API form (getUpdates / sendMessage / pinChatMessage).
package inbox

import "context"

// Entry is one inbox item, already filtered to the admin identity.
type Entry struct {
	// Cursor is the provider-side offset of this entry. The poller advances
	// past every entry seen, acted upon or not, so nothing is re-processed.
	Cursor int64
	// FromID identifies the author on the provider side.
	FromID string
	// FromName is the author's display handle.
	FromName string
	// Text is the entry body (text or caption).
	Text string
	// ReplyToID is the provider-side id of the quoted message, 0 when the
	// entry is not a reply.
	ReplyToID int64
	// TS is the provider timestamp in unix milliseconds.
	TS int64
}

// Provider is the inbox contract the core consumes.
type Provider interface {
	// Fetch returns entries newer than since and the cursor to use next.
	// The next cursor covers every entry the provider delivered, including
	// ones filtered out, so a skipped entry is never seen twice.
	Fetch(ctx context.Context, since int64) ([]Entry, int64, error)
	// Send delivers text to target and returns the provider-side message id
	// used later to correlate admin replies.
	Send(ctx context.Context, target, text string) (int64, error)
	// Highlight flags an entry on the provider (best-effort).
	Highlight(ctx context.Context, target string, msgID int64) error
}
