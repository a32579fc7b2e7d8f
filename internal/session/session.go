// Package session runs one client's conversation engine: it merges the
// three inbound sources (local sends, relay history, admin inbox) into the
// message store, drives the escalation machine, and projects display
// snapshots. All mutating work funnels through a single event loop, so the
// store and overlay inputs are only ever touched by one goroutine at a time;
// suspension happens only at the network calls inside a handler.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"pairchat/internal/escalate"
	"pairchat/internal/inbox"
	"pairchat/internal/moderation"
	"pairchat/internal/relay"
	"pairchat/internal/roomstate"
	"pairchat/internal/store"
	"pairchat/internal/view"
)

// ErrSenderDisabled is surfaced synchronously when a disabled client tries
// to send; the input is discarded.
var ErrSenderDisabled = errors.New("you have been disabled from typing by admin")

// ErrNameTooShort rejects display names below the onboarding minimum.
var ErrNameTooShort = errors.New("display name must be at least 4 characters")

// tapWindow is the triple-activation window that turns taps on a message
// into a pin.
const tapWindow = 600 * time.Millisecond

const netTimeout = 10 * time.Second

// Options configure a session.
type Options struct {
	ClientID    string
	DisplayName string
	AvatarURL   string
	AdminTarget string

	HistoryCount      int
	RelayPollInterval time.Duration
	InboxPollInterval time.Duration
}

type Session struct {
	opts    Options
	store   *store.Store
	room    roomstate.Store
	relay   relay.Provider
	inbox   inbox.Provider
	machine *escalate.Machine

	// loop-owned state
	roomSnap     roomstate.State
	localReports map[string]moderation.ReportMark
	inboxCursor  int64
	inboxActive  bool
	replyTo      string
	tapMsgID     string
	tapCount     int
	tapAt        int64

	sink view.Sink

	cmds       chan func()
	stateDirty chan struct{}
	restart    chan struct{}
	done       chan struct{}

	nowMS func() int64
}

func New(room roomstate.Store, relayP relay.Provider, inboxP inbox.Provider, opts Options) *Session {
	if opts.HistoryCount <= 0 {
		opts.HistoryCount = 50
	}
	if opts.RelayPollInterval <= 0 {
		opts.RelayPollInterval = 2500 * time.Millisecond
	}
	if opts.InboxPollInterval <= 0 {
		opts.InboxPollInterval = 1600 * time.Millisecond
	}

	s := &Session{
		opts:         opts,
		store:        store.New(),
		room:         room,
		relay:        relayP,
		inbox:        inboxP,
		roomSnap:     roomstate.State{},
		localReports: map[string]moderation.ReportMark{},
		cmds:         make(chan func()),
		stateDirty:   make(chan struct{}, 1),
		restart:      make(chan struct{}, 1),
		done:         make(chan struct{}),
		nowMS:        func() int64 { return time.Now().UnixMilli() },
	}

	s.machine = escalate.New(escalate.Deps{
		Room:        room,
		Inbox:       inboxP,
		Relay:       relayP,
		AdminTarget: opts.AdminTarget,
		Merge: func(m store.Message) {
			if s.store.Upsert(m) {
				messagesMerged.Inc()
			}
			s.project()
		},
		MarkReported: func(msgID, reporter string) {
			s.localReports[msgID] = moderation.ReportMark{ReportedBy: reporter, TS: s.nowMS()}
		},
	})

	room.Subscribe(func(st roomstate.State) {
		s.markDirty()
	})
	return s
}

// SetSink registers the snapshot consumer. Must be called before Run.
func (s *Session) SetSink(sink view.Sink) {
	s.sink = sink
}

// Run starts the event loop and blocks until ctx is cancelled. The relay
// poller starts immediately; the inbox poller stays dormant until the first
// local send or StartEscalation.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)

	if s.opts.DisplayName != "" {
		actx, cancel := context.WithTimeout(ctx, netTimeout)
		err := s.room.AnnouncePeer(actx, s.opts.ClientID, roomstate.Peer{
			Username:  s.opts.DisplayName,
			AvatarURL: s.opts.AvatarURL,
		})
		cancel()
		if err != nil {
			log.Printf("session: peer announce failed: %v", err)
		}
	}

	s.refreshRoomState(ctx)
	s.pollRelay(ctx)

	relayTicker := time.NewTicker(s.opts.RelayPollInterval)
	defer relayTicker.Stop()
	inboxTicker := time.NewTicker(s.opts.InboxPollInterval)
	defer inboxTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.cmds:
			fn()
		case <-s.stateDirty:
			s.refreshRoomState(ctx)
			s.project()
		case <-s.restart:
			// Escalation channel (re)start: cursor back to zero, interval
			// re-armed. Intervals are never paused, only restarted. The zero
			// cursor is replay-safe only because the provider confirms
			// consumed offsets server-side, so a fetch from zero returns
			// nothing a previous cursor already covered; a provider without
			// that guarantee must persist the cursor itself.
			s.inboxActive = true
			s.inboxCursor = 0
			inboxTicker.Reset(s.opts.InboxPollInterval)
		case <-relayTicker.C:
			s.pollRelay(ctx)
		case <-inboxTicker.C:
			if s.inboxActive {
				s.pollInbox(ctx)
			}
		}
	}
}

// Done is closed when the event loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// do runs fn inside the event loop and waits for it.
func (s *Session) do(fn func()) {
	ran := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(ran) }:
		<-ran
	case <-s.done:
	}
}

func (s *Session) markDirty() {
	select {
	case s.stateDirty <- struct{}{}:
	default:
	}
}

func (s *Session) refreshRoomState(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, netTimeout)
	defer cancel()
	st, err := s.room.Snapshot(cctx)
	if err != nil {
		log.Printf("session: room snapshot failed: %v", err)
		return
	}
	s.roomSnap = st
}

// Send publishes a locally composed message. The text is merged immediately
// for local echo and forwarded to the relay so other clients observe it; a
// failed publish is logged and never retried.
func (s *Session) Send(ctx context.Context, text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	var err error
	s.do(func() { err = s.send(ctx, trimmed) })
	return err
}

func (s *Session) send(ctx context.Context, text string) error {
	if moderation.SenderDisabled(s.roomSnap, s.opts.ClientID) {
		return ErrSenderDisabled
	}

	replyTo := s.replyTo
	s.replyTo = ""

	name := s.displayName(ctx)
	msg := store.Message{
		ID:        uuid.NewString(),
		Text:      text,
		RelayText: fmt.Sprintf("from %s to: admin\n\n(%s)", name, text),
		SenderID:  s.opts.ClientID,
		Username:  name,
		AvatarURL: s.opts.AvatarURL,
		ReplyTo:   replyTo,
		TS:        s.nowMS(),
	}

	if !s.inboxActive {
		s.StartEscalation()
	}

	s.publish(ctx, relay.MessageEnvelope(msg))

	if s.store.Upsert(msg) {
		messagesMerged.Inc()
	}
	s.project()
	return nil
}

func (s *Session) displayName(ctx context.Context) string {
	if s.opts.DisplayName != "" {
		return s.opts.DisplayName
	}
	cctx, cancel := context.WithTimeout(ctx, netTimeout)
	defer cancel()
	peers, err := s.room.Peers(cctx)
	if err == nil {
		if p, ok := peers[s.opts.ClientID]; ok && p.Username != "" {
			return p.Username
		}
	}
	return "You"
}

// Reply records the reply target the next send will reference.
func (s *Session) Reply(msgID string) {
	s.do(func() { s.replyTo = msgID })
}

// Tap registers one activation on a message. Three taps inside the window
// pin the message to the admin side-channel; the counter resets after
// firing, so a fourth tap cannot pin twice.
func (s *Session) Tap(ctx context.Context, msgID string) {
	s.do(func() { s.tap(ctx, msgID) })
}

func (s *Session) tap(ctx context.Context, msgID string) {
	now := s.nowMS()
	if msgID != s.tapMsgID || now-s.tapAt > tapWindow.Milliseconds() {
		s.tapCount = 0
	}
	s.tapMsgID = msgID
	s.tapAt = now
	s.tapCount++
	if s.tapCount < 3 {
		return
	}
	s.tapCount = 0
	msg, ok := s.store.Get(msgID)
	if !ok {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, netTimeout)
	defer cancel()
	if err := s.machine.Pin(cctx, msg); err != nil {
		log.Printf("session: pin failed: %v", err)
	}
}

// Report escalates a message to the admin with this client as reporter.
// Reporting does not hide anything; the content stays visible until the
// admin acts.
func (s *Session) Report(ctx context.Context, msgID string) {
	s.do(func() { s.report(ctx, msgID) })
}

func (s *Session) report(ctx context.Context, msgID string) {
	msg, ok := s.store.Get(msgID)
	if !ok {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, netTimeout)
	defer cancel()
	if err := s.machine.Report(cctx, msg, s.displayName(ctx)); err != nil {
		log.Printf("session: report failed: %v", err)
	}
	s.project()
}

// React toggles this client's emoji reaction on a message and shares the
// tally through room state so other clients converge on it.
func (s *Session) React(ctx context.Context, msgID, emoji string) {
	s.do(func() { s.react(ctx, msgID, emoji) })
}

func (s *Session) react(ctx context.Context, msgID, emoji string) {
	if !s.store.ToggleReaction(msgID, emoji, s.opts.ClientID) {
		return
	}
	msg, _ := s.store.Get(msgID)
	cctx, cancel := context.WithTimeout(ctx, netTimeout)
	defer cancel()
	err := s.room.Patch(cctx, roomstate.Patch{
		Reactions: map[string]map[string]store.Reaction{msgID: msg.Reactions},
	})
	if err != nil {
		log.Printf("session: reaction patch failed: %v", err)
	}
	// The loop-owned snapshot adopts the fresh tally right away; waiting for
	// the patch notification to round-trip would let the stale shared tally
	// override the user's own toggle for one refresh.
	if s.roomSnap.Reactions == nil {
		s.roomSnap.Reactions = map[string]map[string]store.Reaction{}
	}
	s.roomSnap.Reactions[msgID] = msg.Reactions
	s.project()
}

// CheckIn reserves a display name at onboarding. A name held by another
// client is rejected; a successful claim becomes this session's identity.
func (s *Session) CheckIn(ctx context.Context, name string) error {
	var err error
	s.do(func() { err = s.checkIn(ctx, name) })
	return err
}

func (s *Session) checkIn(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if len(name) < 4 {
		return ErrNameTooShort
	}
	cctx, cancel := context.WithTimeout(ctx, netTimeout)
	defer cancel()
	if err := s.room.ReserveUsername(cctx, name, s.opts.ClientID); err != nil {
		return err
	}
	s.opts.DisplayName = name
	if err := s.room.AnnouncePeer(cctx, s.opts.ClientID, roomstate.Peer{
		Username:  name,
		AvatarURL: s.opts.AvatarURL,
	}); err != nil {
		log.Printf("session: peer announce failed: %v", err)
	}
	return nil
}

// StartEscalation activates (or restarts) the inbox poller. Also armed
// implicitly by the first local send.
func (s *Session) StartEscalation() {
	select {
	case s.restart <- struct{}{}:
	default:
	}
}

// Inject merges an externally supplied message exactly like a local send
// and forwards its relay text to the admin side-channel. target overrides
// the admin destination when present.
func (s *Session) Inject(ctx context.Context, text, username, target string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}
	name := strings.TrimSpace(username)
	if name == "" {
		name = "External"
	}
	s.do(func() { s.inject(ctx, trimmed, name, target) })
}

func (s *Session) inject(ctx context.Context, text, name, target string) {
	id := uuid.NewString()
	msg := store.Message{
		ID:        id,
		Text:      text,
		RelayText: fmt.Sprintf("from %s (external) to: admin\n\n(%s)", name, text),
		SenderID:  "external-" + id,
		Username:  name,
		TS:        s.nowMS(),
	}

	s.publish(ctx, relay.MessageEnvelope(msg))

	dest := target
	if dest == "" {
		dest = s.opts.AdminTarget
	}
	cctx, cancel := context.WithTimeout(ctx, netTimeout)
	if _, err := s.inbox.Send(cctx, dest, msg.RelayText); err != nil {
		log.Printf("session: inject forward failed: %v", err)
	}
	cancel()

	if s.store.Upsert(msg) {
		messagesMerged.Inc()
	}
	s.project()
}

func (s *Session) publish(ctx context.Context, env relay.Envelope) {
	cctx, cancel := context.WithTimeout(ctx, netTimeout)
	defer cancel()
	if err := s.relay.Publish(cctx, env); err != nil {
		log.Printf("session: relay publish failed: %v", err)
	}
}

// pollRelay fetches the recent history window and merges everything that is
// not a metadata envelope. The view refreshes once per cycle, not once per
// message.
func (s *Session) pollRelay(ctx context.Context) {
	relayPolls.Inc()
	cctx, cancel := context.WithTimeout(ctx, netTimeout)
	envs, err := s.relay.History(cctx, s.opts.HistoryCount)
	cancel()
	if err != nil {
		relayPollFailures.Inc()
		log.Printf("relay: history fetch failed, skipping cycle: %v", err)
		return
	}

	merged := 0
	for _, env := range envs {
		if env.IsMeta() {
			continue
		}
		if s.store.Upsert(env.Message) {
			merged++
		}
	}
	if merged > 0 {
		messagesMerged.Add(float64(merged))
		s.project()
	}
}

// pollInbox drains new entries since the cursor. Every entry advances the
// cursor whether or not it is acted upon: admin replies go through the
// escalation machine, bodies carrying the broadcast prefix become admin
// messages, everything else is dropped.
func (s *Session) pollInbox(ctx context.Context) {
	inboxPolls.Inc()
	cctx, cancel := context.WithTimeout(ctx, netTimeout)
	entries, next, err := s.inbox.Fetch(cctx, s.inboxCursor)
	cancel()
	if err != nil {
		inboxPollFailures.Inc()
		log.Printf("inbox: fetch failed, skipping cycle: %v", err)
		return
	}
	s.inboxCursor = next

	changed := false
	for _, entry := range entries {
		hctx, hcancel := context.WithTimeout(ctx, netTimeout)
		_, consumed := s.machine.HandleReply(hctx, entry)
		hcancel()
		if consumed {
			changed = true
			continue
		}

		body := strings.TrimSpace(entry.Text)
		if !strings.HasPrefix(body, "|") {
			continue
		}
		text := strings.TrimSpace(strings.TrimPrefix(body, "|"))
		if text == "" {
			continue
		}
		msg := store.Message{
			ID:        uuid.NewString(),
			Text:      text,
			RelayText: fmt.Sprintf("from %s to: group\n\n(%s)", entry.FromName, text),
			SenderID:  "tg-" + entry.FromID,
			Username:  entry.FromName,
			TS:        entry.TS,
		}
		s.publish(ctx, relay.MessageEnvelope(msg))
		if s.store.Upsert(msg) {
			messagesMerged.Inc()
			changed = true
		}
	}
	if changed {
		s.project()
	}
}

// project applies the moderation overlay for this client and hands the
// ordered snapshot to the sink. Reaction tallies shared through room state
// take precedence over the locally merged copy.
func (s *Session) project() {
	if s.sink == nil {
		return
	}
	msgs := s.store.Ordered()
	out := make([]view.DisplayMessage, 0, len(msgs))
	for _, m := range msgs {
		vis := moderation.VisibilityOf(m, s.opts.ClientID, s.roomSnap, s.localReports)
		_, reported := s.localReports[m.ID]
		reactions := m.Reactions
		if shared, ok := s.roomSnap.Reactions[m.ID]; ok {
			reactions = shared
		}
		out = append(out, view.DisplayMessage{
			ID:        m.ID,
			SenderID:  m.SenderID,
			Username:  m.Username,
			AvatarURL: m.AvatarURL,
			Text:      vis.Text,
			Hidden:    vis.Hidden,
			Flagged:   reported && m.SenderID != s.opts.ClientID,
			Own:       m.SenderID == s.opts.ClientID,
			TS:        m.TS,
			Reactions: reactions,
		})
	}
	s.sink(view.Snapshot{
		Messages:  out,
		Scattered: moderation.ScatterActive(s.roomSnap),
	})
}
