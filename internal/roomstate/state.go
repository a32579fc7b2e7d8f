// Package roomstate replicates the shared moderation metadata between
// clients: pin records, disabled users, username reservations and reaction
// tallies. Message content never travels through room state; that channel is
// reserved for moderation metadata only.
//
// Replication is advisory. A Patch merges top-level keys with per-key
// last-writer-wins semantics: two clients patching different keys converge,
// two clients patching the same key race and one side's write is silently
// lost. Callers needing stronger coordination must layer their own
// request/ack protocol on top; nothing in this package does.
package roomstate

import (
	"context"
	"errors"

	"pairchat/internal/store"
)

var ErrNameTaken = errors.New("username already reserved by another client")

// PinRecord correlates a locally pinned or reported message with the
// admin-side message id returned by the inbox provider, so an asynchronous
// admin reply can be matched back. Records are mutated in place by id and
// never deleted. Multiple records may reference the same sender; any record
// with Sharigan set means that sender is under lockdown.
type PinRecord struct {
	ID                string `json:"id"`
	OriginalMessageID string `json:"originalMessageId"`
	SenderID          string `json:"senderId"`
	Username          string `json:"username"`
	AdminMessageID    int64  `json:"adminMessageId"`
	Sharigan          bool   `json:"sharigan,omitempty"`
	Reported          bool   `json:"reported,omitempty"`
	ReportedBy        string `json:"reportedBy,omitempty"`
	TS                int64  `json:"ts"`
}

// DisabledUser suppresses all content from one sender for every viewer.
// Created by the escalation machine on an admin "action" directive; never
// cleared automatically.
type DisabledUser struct {
	Disabled   bool   `json:"disabled"`
	DisabledBy string `json:"disabledBy"`
	Username   string `json:"username"`
	TS         int64  `json:"ts"`
}

// Peer is the roster entry the presence service exposes for one client.
type Peer struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// State is a full snapshot of the shared room state.
type State struct {
	Pinned        map[string]PinRecord                 `json:"pinned"`
	DisabledUsers map[string]DisabledUser              `json:"disabledUsers"`
	Usernames     map[string]string                    `json:"usernames"`
	Reactions     map[string]map[string]store.Reaction `json:"reactions"`
}

// Patch carries partial updates; nil sections are untouched, present keys
// overwrite whole values (last writer wins per key).
type Patch struct {
	Pinned        map[string]PinRecord
	DisabledUsers map[string]DisabledUser
	Usernames     map[string]string
	Reactions     map[string]map[string]store.Reaction
}

func (p Patch) empty() bool {
	return len(p.Pinned) == 0 && len(p.DisabledUsers) == 0 &&
		len(p.Usernames) == 0 && len(p.Reactions) == 0
}

// Store is the replication interface the core consumes. Subscribers are
// notified after every observed patch, including the caller's own.
type Store interface {
	Snapshot(ctx context.Context) (State, error)
	Patch(ctx context.Context, p Patch) error
	// ReserveUsername claims a display name for clientID. A name already
	// held by a different client is rejected with ErrNameTaken. Claims are
	// permanent; there is no release or rename flow.
	ReserveUsername(ctx context.Context, name, clientID string) error
	Peers(ctx context.Context) (map[string]Peer, error)
	AnnouncePeer(ctx context.Context, clientID string, p Peer) error
	Subscribe(fn func(State))
	Close() error
}

func emptyState() State {
	return State{
		Pinned:        map[string]PinRecord{},
		DisabledUsers: map[string]DisabledUser{},
		Usernames:     map[string]string{},
		Reactions:     map[string]map[string]store.Reaction{},
	}
}
