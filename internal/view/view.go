// Package view defines the projector's output contract. Rendering itself
// lives outside this module; consumers receive a full ordered snapshot on
// every state change and draw it however they like.
package view

import "pairchat/internal/store"

// DisplayMessage is one display-ready conversation entry with the
// moderation overlay already applied for the local viewer.
type DisplayMessage struct {
	ID        string
	SenderID  string
	Username  string
	AvatarURL string
	Text      string
	// Hidden means the overlay replaced the content with a placeholder.
	Hidden bool
	// Flagged means this client reported the message and other viewers see
	// the flagged suffix.
	Flagged bool
	// Own marks messages authored by the local client.
	Own       bool
	TS        int64
	Reactions map[string]store.Reaction
}

// Snapshot is the full projected view.
type Snapshot struct {
	Messages []DisplayMessage
	// Scattered is the room-wide visual state that is active while any
	// sender is under lockdown.
	Scattered bool
}

// Sink receives projected snapshots.
type Sink func(Snapshot)
