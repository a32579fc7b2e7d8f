// Package escalate drives the report/escalation flow: a local pin or report
// forwards a message to the admin side-channel and records the correlation;
// an asynchronous admin reply, matched by quoted message id, moves the
// record to lockdown, release or the terminal actioned outcome. A record
// that never gets a reply stays in its initial state forever; there is no
// timeout and no retry.
package escalate

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"pairchat/internal/inbox"
	"pairchat/internal/relay"
	"pairchat/internal/roomstate"
	"pairchat/internal/store"
)

// Outcome is what an admin reply did to a pin record.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeLockdown
	OutcomeRelease
	OutcomeActioned
)

// Deps are the collaborators the machine writes through. Merge delivers the
// actioned-state announcement into the merge engine; MarkReported records
// the client-local report annotation.
type Deps struct {
	Room         roomstate.Store
	Inbox        inbox.Provider
	Relay        relay.Provider
	AdminTarget  string
	Merge        func(store.Message)
	MarkReported func(msgID, reporter string)
}

type Machine struct {
	deps  Deps
	nowMS func() int64
}

func New(deps Deps) *Machine {
	return &Machine{deps: deps, nowMS: func() int64 { return time.Now().UnixMilli() }}
}

// Pin forwards a message to the admin side-channel for tracking and records
// the correlation. Pins created this way await an admin reply but carry no
// reporter.
func (m *Machine) Pin(ctx context.Context, msg store.Message) error {
	username := msg.Username
	if username == "" {
		username = "Unknown"
	}
	pinText := fmt.Sprintf("Pinned message from %s:\n\n(%s)", username, msg.Text)

	adminMsgID, err := m.deps.Inbox.Send(ctx, m.deps.AdminTarget, pinText)
	if err != nil {
		return fmt.Errorf("forward pin to admin: %w", err)
	}

	rec := roomstate.PinRecord{
		ID:                uuid.NewString(),
		OriginalMessageID: msg.ID,
		SenderID:          msg.SenderID,
		Username:          msg.Username,
		AdminMessageID:    adminMsgID,
		TS:                m.nowMS(),
	}
	if err := m.deps.Room.Patch(ctx, roomstate.Patch{Pinned: map[string]roomstate.PinRecord{rec.ID: rec}}); err != nil {
		return fmt.Errorf("record pin: %w", err)
	}
	m.mirror(ctx, "pinned", rec)
	return nil
}

// Report is the explicit escalation path: like Pin, but the record carries
// the reporter identity, the admin-side item is highlighted, and the local
// non-authoritative report marker is set.
func (m *Machine) Report(ctx context.Context, msg store.Message, reporter string) error {
	username := msg.Username
	if username == "" {
		username = "Unknown"
	}
	reportText := fmt.Sprintf("REPORT from %s (message id: %s) reported by %s:\n\n(%s)",
		username, msg.ID, reporter, msg.Text)

	adminMsgID, err := m.deps.Inbox.Send(ctx, m.deps.AdminTarget, reportText)
	if err != nil {
		return fmt.Errorf("forward report to admin: %w", err)
	}
	if err := m.deps.Inbox.Highlight(ctx, m.deps.AdminTarget, adminMsgID); err != nil {
		log.Printf("escalate: highlight failed (continuing): %v", err)
	}

	rec := roomstate.PinRecord{
		ID:                uuid.NewString(),
		OriginalMessageID: msg.ID,
		SenderID:          msg.SenderID,
		Username:          msg.Username,
		AdminMessageID:    adminMsgID,
		Reported:          true,
		ReportedBy:        reporter,
		TS:                m.nowMS(),
	}
	if err := m.deps.Room.Patch(ctx, roomstate.Patch{Pinned: map[string]roomstate.PinRecord{rec.ID: rec}}); err != nil {
		return fmt.Errorf("record report: %w", err)
	}
	m.mirror(ctx, "report", rec)

	if m.deps.MarkReported != nil {
		m.deps.MarkReported(msg.ID, reporter)
	}
	return nil
}

// HandleReply matches an admin reply against the stored pin records and
// applies the classified directive. The bool result reports whether the
// entry was consumed as a reply; unmatched references and unrecognized
// bodies are ignored without error.
func (m *Machine) HandleReply(ctx context.Context, entry inbox.Entry) (Outcome, bool) {
	if entry.ReplyToID == 0 {
		return OutcomeNone, false
	}
	state, err := m.deps.Room.Snapshot(ctx)
	if err != nil {
		log.Printf("escalate: snapshot failed, skipping reply: %v", err)
		return OutcomeNone, false
	}

	var matched *roomstate.PinRecord
	for _, rec := range state.Pinned {
		if rec.AdminMessageID == entry.ReplyToID {
			r := rec
			matched = &r
			break
		}
	}
	if matched == nil {
		return OutcomeNone, false
	}

	switch ParseDirective(entry.Text) {
	case DirectiveLockdown:
		matched.Sharigan = true
		m.patchPin(ctx, *matched)
		return OutcomeLockdown, true

	case DirectiveRelease:
		matched.Sharigan = false
		m.patchPin(ctx, *matched)
		return OutcomeRelease, true

	case DirectiveAction:
		m.action(ctx, *matched)
		return OutcomeActioned, true

	default:
		return OutcomeNone, false
	}
}

// action is the terminal transition: the pinned sender is disabled for
// everyone, one announcement enters the merge engine and the relay, and a
// confirmation goes back to the admin.
func (m *Machine) action(ctx context.Context, rec roomstate.PinRecord) {
	reporter := rec.ReportedBy
	if reporter == "" {
		reporter = "Reporter"
	}
	username := rec.Username
	if username == "" {
		username = rec.SenderID
	}

	disabled := roomstate.DisabledUser{
		Disabled:   true,
		DisabledBy: reporter,
		Username:   username,
		TS:         m.nowMS(),
	}
	err := m.deps.Room.Patch(ctx, roomstate.Patch{
		DisabledUsers: map[string]roomstate.DisabledUser{rec.SenderID: disabled},
	})
	if err != nil {
		log.Printf("escalate: disable patch failed: %v", err)
	}

	ann := store.Message{
		ID: uuid.NewString(),
		Text: fmt.Sprintf("user %s has been disabled from typing because of inappropriate message reported to the admin by %s. others should be careful not to be next",
			username, reporter),
		RelayText: fmt.Sprintf("Announcement: %s disabled by admin", username),
		SenderID:  "system",
		Username:  "System",
		TS:        m.nowMS(),
	}
	if err := m.deps.Relay.Publish(ctx, relay.MessageEnvelope(ann)); err != nil {
		log.Printf("escalate: announcement publish failed: %v", err)
	}
	if m.deps.Merge != nil {
		m.deps.Merge(ann)
	}

	confirmation := fmt.Sprintf("Action taken: %s disabled by admin on report from %s", username, reporter)
	if _, err := m.deps.Inbox.Send(ctx, m.deps.AdminTarget, confirmation); err != nil {
		log.Printf("escalate: confirmation send failed: %v", err)
	}
}

func (m *Machine) patchPin(ctx context.Context, rec roomstate.PinRecord) {
	err := m.deps.Room.Patch(ctx, roomstate.Patch{Pinned: map[string]roomstate.PinRecord{rec.ID: rec}})
	if err != nil {
		log.Printf("escalate: pin patch failed: %v", err)
	}
}

// mirror publishes a metadata envelope so other clients observe the pin or
// report event. Receivers currently ignore these; the mirror is
// informational only.
func (m *Machine) mirror(ctx context.Context, marker string, rec roomstate.PinRecord) {
	if err := m.deps.Relay.Publish(ctx, relay.MetaEnvelope(marker, rec)); err != nil {
		log.Printf("escalate: %s mirror publish failed: %v", marker, err)
	}
}
