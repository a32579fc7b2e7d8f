// Package moderation computes read-time visibility decisions. Nothing here
// mutates stored messages; every rule is evaluated against the current room
// state snapshot each time the view is projected, so the result is a pure
// function of (message, viewer, snapshot).
package moderation

import (
	"pairchat/internal/roomstate"
	"pairchat/internal/store"
)

const (
	DisabledPlaceholder = "this message is hidden because the user is disabled"
	LockdownPlaceholder = "Content hidden by admin"
	FlaggedSuffix       = " (flagged — pending admin review)"
)

// Visibility is the overlay's decision for one message and one viewer.
type Visibility struct {
	Text   string
	Hidden bool
}

// ReportMark is the client-local, non-authoritative "I reported this"
// annotation. It never propagates to shared state and never hides content;
// it only decorates the text for viewers other than the sender.
type ReportMark struct {
	ReportedBy string
	TS         int64
}

// SenderDisabled reports whether the message author has been disabled by
// admin action.
func SenderDisabled(state roomstate.State, senderID string) bool {
	rec, ok := state.DisabledUsers[senderID]
	return ok && rec.Disabled
}

// ViewerLockedDown reports whether viewerID is under lockdown: any pin
// record for that sender with the lockdown flag set counts. Lockdown hides
// content from the locked-down party, not from everyone else.
func ViewerLockedDown(state roomstate.State, viewerID string) bool {
	for _, p := range state.Pinned {
		if p.SenderID == viewerID && p.Sharigan {
			return true
		}
	}
	return false
}

// ScatterActive reports whether the room-wide scattered visual state is on.
// It stays active while any pin record carries the lockdown flag and clears
// only when none does.
func ScatterActive(state roomstate.State) bool {
	for _, p := range state.Pinned {
		if p.Sharigan {
			return true
		}
	}
	return false
}

// VisibilityOf applies the overlay rules in precedence order, first match
// wins:
//  1. disabled sender: fixed placeholder for every viewer, the sender
//     included;
//  2. locked-down viewer: fixed placeholder regardless of who authored the
//     message;
//  3. locally reported and viewer is not the sender: original text with a
//     flagged suffix, content still visible;
//  4. otherwise the text is unchanged.
func VisibilityOf(msg store.Message, viewerID string, state roomstate.State, localReports map[string]ReportMark) Visibility {
	if SenderDisabled(state, msg.SenderID) {
		return Visibility{Text: DisabledPlaceholder, Hidden: true}
	}
	if ViewerLockedDown(state, viewerID) {
		return Visibility{Text: LockdownPlaceholder, Hidden: true}
	}
	if _, reported := localReports[msg.ID]; reported && viewerID != msg.SenderID {
		return Visibility{Text: msg.Text + FlaggedSuffix}
	}
	return Visibility{Text: msg.Text}
}
