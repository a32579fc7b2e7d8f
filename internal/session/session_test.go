package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"pairchat/internal/inbox"
	"pairchat/internal/moderation"
	"pairchat/internal/relay"
	"pairchat/internal/roomstate"
	"pairchat/internal/store"
	"pairchat/internal/view"
)

type memRelay struct {
	envs []relay.Envelope
}

func (r *memRelay) Publish(ctx context.Context, env relay.Envelope) error {
	r.envs = append(r.envs, env)
	return nil
}

func (r *memRelay) History(ctx context.Context, count int) ([]relay.Envelope, error) {
	out := make([]relay.Envelope, 0, count)
	for i := len(r.envs) - 1; i >= 0 && len(out) < count; i-- {
		out = append(out, r.envs[i])
	}
	return out, nil
}

type scriptedInbox struct {
	entries    []inbox.Entry
	sent       []string
	highlights []int64
	nextMsgID  int64
}

func (f *scriptedInbox) Fetch(ctx context.Context, since int64) ([]inbox.Entry, int64, error) {
	next := since
	var out []inbox.Entry
	for _, e := range f.entries {
		if e.Cursor < since {
			continue
		}
		if e.Cursor+1 > next {
			next = e.Cursor + 1
		}
		out = append(out, e)
	}
	return out, next, nil
}

func (f *scriptedInbox) Send(ctx context.Context, target, text string) (int64, error) {
	f.sent = append(f.sent, text)
	f.nextMsgID++
	return f.nextMsgID, nil
}

func (f *scriptedInbox) Highlight(ctx context.Context, target string, msgID int64) error {
	f.highlights = append(f.highlights, msgID)
	return nil
}

type fixture struct {
	session *Session
	room    *roomstate.MemStore
	relay   *memRelay
	inbox   *scriptedInbox
	snaps   []view.Snapshot
	now     int64
}

// newFixture builds a session whose internals are exercised directly, the
// way the event loop would, so handler logic is tested without timers.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		room:  roomstate.NewMemStore(),
		relay: &memRelay{},
		inbox: &scriptedInbox{},
		now:   1_000_000,
	}
	f.session = New(f.room, f.relay, f.inbox, Options{
		ClientID:    "client-a",
		DisplayName: "alice",
		AdminTarget: "admin-1",
	})
	f.session.nowMS = func() int64 { return f.now }
	f.session.SetSink(func(s view.Snapshot) { f.snaps = append(f.snaps, s) })
	return f
}

func (f *fixture) roomState(t *testing.T) roomstate.State {
	t.Helper()
	st, err := f.room.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("room snapshot failed: %v", err)
	}
	return st
}

func (f *fixture) lastSnap(t *testing.T) view.Snapshot {
	t.Helper()
	if len(f.snaps) == 0 {
		t.Fatal("no projected snapshot")
	}
	return f.snaps[len(f.snaps)-1]
}

func TestSendMergesLocallyAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.session.send(ctx, "hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if f.session.store.Len() != 1 {
		t.Fatalf("expected 1 message, got %d", f.session.store.Len())
	}
	if len(f.relay.envs) != 1 || f.relay.envs[0].IsMeta() {
		t.Fatalf("expected one message envelope published, got %+v", f.relay.envs)
	}

	// The relay later returns the identical payload with the same id; merge
	// is idempotent under id equality.
	f.session.pollRelay(ctx)
	if f.session.store.Len() != 1 {
		t.Errorf("relay echo duplicated the message: %d entries", f.session.store.Len())
	}
	snap := f.lastSnap(t)
	if len(snap.Messages) != 1 || snap.Messages[0].Text != "hello" {
		t.Errorf("projection mismatch: %+v", snap.Messages)
	}
	if !snap.Messages[0].Own {
		t.Error("own message not marked Own")
	}
}

func TestSendBlockedForDisabledSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.room.Patch(ctx, roomstate.Patch{
		DisabledUsers: map[string]roomstate.DisabledUser{
			"client-a": {Disabled: true, DisabledBy: "admin"},
		},
	})
	if err != nil {
		t.Fatalf("patch failed: %v", err)
	}
	f.session.refreshRoomState(ctx)

	if err := f.session.send(ctx, "let me in"); !errors.Is(err, ErrSenderDisabled) {
		t.Fatalf("expected ErrSenderDisabled, got %v", err)
	}
	if f.session.store.Len() != 0 {
		t.Error("discarded input still reached the store")
	}
	if len(f.relay.envs) != 0 {
		t.Error("discarded input was published")
	}
}

func TestEmptySendIsNoOp(t *testing.T) {
	f := newFixture(t)
	if err := f.session.send(context.Background(), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.session.store.Len() != 0 {
		t.Error("empty send created a message")
	}
}

func TestTripleTapPinsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.session.store.Upsert(store.Message{ID: "m1", Text: "sus", SenderID: "b", Username: "bob", TS: 1})

	f.session.tap(ctx, "m1")
	f.now += 100
	f.session.tap(ctx, "m1")
	if len(f.roomState(t).Pinned) != 0 {
		t.Fatal("two taps must not pin")
	}
	f.now += 100
	f.session.tap(ctx, "m1")

	st := f.roomState(t)
	if len(st.Pinned) != 1 {
		t.Fatalf("expected exactly one pin record, got %d", len(st.Pinned))
	}
	for _, rec := range st.Pinned {
		if rec.SenderID != "b" || rec.OriginalMessageID != "m1" {
			t.Errorf("pin record mismatch: %+v", rec)
		}
		if rec.Reported {
			t.Error("triple tap must create a pinned record, not a reported one")
		}
	}

	// Fourth tap inside the window: the counter already reset, no new pin.
	f.now += 100
	f.session.tap(ctx, "m1")
	if len(f.roomState(t).Pinned) != 1 {
		t.Error("fourth tap created a second record")
	}
}

func TestSlowTapsNeverPin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.session.store.Upsert(store.Message{ID: "m1", Text: "x", SenderID: "b", TS: 1})

	for i := 0; i < 5; i++ {
		f.session.tap(ctx, "m1")
		f.now += 700 // outside the 600ms window every time
	}
	if len(f.roomState(t).Pinned) != 0 {
		t.Error("slow taps created a pin")
	}
}

func TestPollRelaySkipsMetaAndRefreshesOncePerCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_ = f.relay.Publish(ctx, relay.MessageEnvelope(store.Message{ID: "m1", Text: "one", TS: 1}))
	_ = f.relay.Publish(ctx, relay.MetaEnvelope("pinned", map[string]string{"id": "p1"}))
	_ = f.relay.Publish(ctx, relay.MessageEnvelope(store.Message{ID: "m2", Text: "two", TS: 2}))

	before := len(f.snaps)
	f.session.pollRelay(ctx)

	if f.session.store.Len() != 2 {
		t.Fatalf("expected 2 merged messages, got %d", f.session.store.Len())
	}
	if len(f.snaps) != before+1 {
		t.Errorf("expected one refresh per cycle, got %d", len(f.snaps)-before)
	}

	// Nothing new: no refresh at all.
	f.session.pollRelay(ctx)
	if len(f.snaps) != before+1 {
		t.Error("unchanged poll cycle still refreshed the view")
	}
}

func TestInboxBroadcastPrefix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.inbox.entries = []inbox.Entry{
		{Cursor: 1, FromID: "784", FromName: "Boss", Text: "not for the group", TS: 500},
		{Cursor: 2, FromID: "784", FromName: "Boss", Text: "| hello everyone", TS: 600},
	}

	f.session.pollInbox(ctx)

	if f.session.store.Len() != 1 {
		t.Fatalf("expected only the prefixed entry merged, got %d", f.session.store.Len())
	}
	msgs := f.session.store.Ordered()
	if msgs[0].Text != "hello everyone" {
		t.Errorf("prefix not stripped: %q", msgs[0].Text)
	}
	if msgs[0].SenderID != "tg-784" {
		t.Errorf("expected admin sender id, got %s", msgs[0].SenderID)
	}
	// The broadcast is mirrored to the relay so other clients receive it.
	if len(f.relay.envs) != 1 {
		t.Errorf("broadcast not republished to relay: %d envelopes", len(f.relay.envs))
	}

	// Cursor advanced past both entries; a second poll re-processes nothing.
	f.session.pollInbox(ctx)
	if f.session.store.Len() != 1 {
		t.Error("second poll re-merged an already-consumed entry")
	}
}

func TestEscalationActionFiresExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.session.store.Upsert(store.Message{ID: "m1", Text: "awful", SenderID: "b", Username: "bob", TS: 1})

	f.session.report(ctx, "m1")
	st := f.roomState(t)
	if len(st.Pinned) != 1 {
		t.Fatalf("report did not create a pin record: %+v", st.Pinned)
	}
	var adminMsgID int64
	for _, rec := range st.Pinned {
		adminMsgID = rec.AdminMessageID
		if !rec.Reported || rec.ReportedBy != "alice" {
			t.Errorf("report record mismatch: %+v", rec)
		}
	}
	if len(f.inbox.highlights) != 1 {
		t.Error("report did not highlight the admin-side item")
	}

	f.inbox.entries = []inbox.Entry{
		{Cursor: 1, FromID: "784", Text: "action", ReplyToID: adminMsgID, TS: 700},
	}
	f.session.pollInbox(ctx)

	st = f.roomState(t)
	if !st.DisabledUsers["b"].Disabled {
		t.Fatal("actioned report did not disable the sender")
	}
	announcements := 0
	for _, m := range f.session.store.Ordered() {
		if m.SenderID == "system" {
			announcements++
		}
	}
	if announcements != 1 {
		t.Fatalf("expected exactly one announcement, got %d", announcements)
	}

	// The same admin reply cannot fire twice: the cursor is already past it.
	f.session.pollInbox(ctx)
	announcements = 0
	for _, m := range f.session.store.Ordered() {
		if m.SenderID == "system" {
			announcements++
		}
	}
	if announcements != 1 {
		t.Errorf("replayed reply produced a second announcement")
	}
}

func TestReleaseFlipsSchariganAndScatterClears(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.session.store.Upsert(store.Message{ID: "m1", Text: "x", SenderID: "b", Username: "bob", TS: 1})

	// Pin, then lock down.
	f.session.tap(ctx, "m1")
	f.session.tap(ctx, "m1")
	f.session.tap(ctx, "m1")
	var adminMsgID int64
	for _, rec := range f.roomState(t).Pinned {
		adminMsgID = rec.AdminMessageID
	}

	f.inbox.entries = []inbox.Entry{{Cursor: 1, FromID: "784", Text: ".sharigan", ReplyToID: adminMsgID}}
	f.session.pollInbox(ctx)
	f.session.refreshRoomState(ctx)
	if !moderation.ScatterActive(f.session.roomSnap) {
		t.Fatal("lockdown did not activate the scattered state")
	}

	f.inbox.entries = append(f.inbox.entries, inbox.Entry{Cursor: 2, FromID: "784", Text: "release", ReplyToID: adminMsgID})
	f.session.pollInbox(ctx)
	f.session.refreshRoomState(ctx)
	for _, rec := range f.session.roomSnap.Pinned {
		if rec.Sharigan {
			t.Error("release did not clear the lockdown flag")
		}
	}
	if moderation.ScatterActive(f.session.roomSnap) {
		t.Error("scattered state survived the release")
	}
}

func TestReleaseWithoutPriorLockdownKeepsScatterInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.session.store.Upsert(store.Message{ID: "m1", Text: "x", SenderID: "b", TS: 1})

	f.session.tap(ctx, "m1")
	f.session.tap(ctx, "m1")
	f.session.tap(ctx, "m1")
	var adminMsgID int64
	for _, rec := range f.roomState(t).Pinned {
		adminMsgID = rec.AdminMessageID
	}

	f.inbox.entries = []inbox.Entry{{Cursor: 1, FromID: "784", Text: "release", ReplyToID: adminMsgID}}
	f.session.pollInbox(ctx)
	f.session.refreshRoomState(ctx)
	if moderation.ScatterActive(f.session.roomSnap) {
		t.Error("scattered state active without any lockdown")
	}
}

func TestProjectionAppliesOverlay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.session.store.Upsert(store.Message{ID: "m1", Text: "spam", SenderID: "bad", Username: "mallory", TS: 1})
	f.session.store.Upsert(store.Message{ID: "m2", Text: "fine", SenderID: "b", Username: "bob", TS: 2})

	err := f.room.Patch(ctx, roomstate.Patch{
		DisabledUsers: map[string]roomstate.DisabledUser{"bad": {Disabled: true}},
	})
	if err != nil {
		t.Fatalf("patch failed: %v", err)
	}
	f.session.refreshRoomState(ctx)
	f.session.project()

	snap := f.lastSnap(t)
	if len(snap.Messages) != 2 {
		t.Fatalf("expected 2 projected messages, got %d", len(snap.Messages))
	}
	if !snap.Messages[0].Hidden || snap.Messages[0].Text != moderation.DisabledPlaceholder {
		t.Errorf("disabled sender's message not hidden: %+v", snap.Messages[0])
	}
	if snap.Messages[1].Hidden || snap.Messages[1].Text != "fine" {
		t.Errorf("unaffected message altered: %+v", snap.Messages[1])
	}
}

func TestInjectMergesAndForwards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.session.inject(ctx, "ping from outside", "Probe", "")

	if f.session.store.Len() != 1 {
		t.Fatalf("expected 1 merged message, got %d", f.session.store.Len())
	}
	msg := f.session.store.Ordered()[0]
	if msg.Username != "Probe" {
		t.Errorf("expected external username, got %s", msg.Username)
	}
	if len(msg.SenderID) < 9 || msg.SenderID[:9] != "external-" {
		t.Errorf("expected external sender id, got %s", msg.SenderID)
	}
	if len(f.inbox.sent) != 1 {
		t.Fatalf("inject did not forward to the inbox provider")
	}
	if len(f.relay.envs) != 1 {
		t.Error("inject did not publish to the relay")
	}
}

func TestCheckIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.session.checkIn(ctx, "gra"); err == nil {
		t.Error("short name accepted")
	}
	if err := f.session.checkIn(ctx, "granxy"); err != nil {
		t.Fatalf("check-in failed: %v", err)
	}
	// Another client already holds the name.
	if err := f.room.ReserveUsername(ctx, "taken", "client-z"); err != nil {
		t.Fatalf("setup reservation failed: %v", err)
	}
	if err := f.session.checkIn(ctx, "taken"); !errors.Is(err, roomstate.ErrNameTaken) {
		t.Errorf("expected ErrNameTaken, got %v", err)
	}
}

type countingInbox struct {
	scriptedInbox
	fetches atomic.Int64
}

func (c *countingInbox) Fetch(ctx context.Context, since int64) ([]inbox.Entry, int64, error) {
	c.fetches.Add(1)
	return c.scriptedInbox.Fetch(ctx, since)
}

type failingRelay struct {
	memRelay
	fail bool
}

func (r *failingRelay) History(ctx context.Context, count int) ([]relay.Envelope, error) {
	if r.fail {
		return nil, errors.New("relay unavailable")
	}
	return r.memRelay.History(ctx, count)
}

type failingInbox struct {
	scriptedInbox
	fail bool
}

func (f *failingInbox) Fetch(ctx context.Context, since int64) ([]inbox.Entry, int64, error) {
	if f.fail {
		return nil, since, errors.New("inbox unavailable")
	}
	return f.scriptedInbox.Fetch(ctx, since)
}

type cancelAwareRoom struct {
	*roomstate.MemStore
}

func (r *cancelAwareRoom) Peers(ctx context.Context) (map[string]roomstate.Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.MemStore.Peers(ctx)
}

func TestInboxPollerDormantUntilFirstSend(t *testing.T) {
	room := roomstate.NewMemStore()
	ibx := &countingInbox{}
	sess := New(room, &memRelay{}, ibx, Options{
		ClientID:          "client-a",
		DisplayName:       "alice",
		AdminTarget:       "admin-1",
		RelayPollInterval: 5 * time.Millisecond,
		InboxPollInterval: 5 * time.Millisecond,
	})
	sess.SetSink(func(view.Snapshot) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	// Many inbox intervals elapse; the dormant poller never fetches.
	time.Sleep(80 * time.Millisecond)
	if got := ibx.fetches.Load(); got != 0 {
		t.Fatalf("inbox fetched %d times before any send", got)
	}

	if err := sess.Send(ctx, "first message"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for ibx.fetches.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("inbox poller never started after the first send")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-sess.Done()
}

func TestStartEscalationArmsInboxPoller(t *testing.T) {
	room := roomstate.NewMemStore()
	ibx := &countingInbox{}
	sess := New(room, &memRelay{}, ibx, Options{
		ClientID:          "client-a",
		DisplayName:       "alice",
		AdminTarget:       "admin-1",
		RelayPollInterval: 5 * time.Millisecond,
		InboxPollInterval: 5 * time.Millisecond,
	})
	sess.SetSink(func(view.Snapshot) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	time.Sleep(40 * time.Millisecond)
	if got := ibx.fetches.Load(); got != 0 {
		t.Fatalf("inbox fetched %d times before the start signal", got)
	}

	sess.StartEscalation()
	deadline := time.Now().Add(2 * time.Second)
	for ibx.fetches.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("inbox poller never started after the external start signal")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-sess.Done()
}

func TestPollFailuresSkipCycleAndRetry(t *testing.T) {
	room := roomstate.NewMemStore()
	rly := &failingRelay{fail: true}
	ibx := &failingInbox{fail: true}
	sess := New(room, rly, ibx, Options{
		ClientID:    "client-a",
		DisplayName: "alice",
		AdminTarget: "admin-1",
	})
	var snaps []view.Snapshot
	sess.SetSink(func(s view.Snapshot) { snaps = append(snaps, s) })
	ctx := context.Background()

	_ = rly.memRelay.Publish(ctx, relay.MessageEnvelope(store.Message{ID: "m1", Text: "queued", TS: 1}))
	ibx.entries = []inbox.Entry{{Cursor: 4, FromID: "784", FromName: "Boss", Text: "| hi all", TS: 9}}

	// Failing cycles leave everything untouched: no merge, no cursor move,
	// no view refresh.
	sess.pollRelay(ctx)
	if sess.store.Len() != 0 {
		t.Errorf("failed relay cycle still merged %d messages", sess.store.Len())
	}
	sess.pollInbox(ctx)
	if sess.inboxCursor != 0 {
		t.Errorf("cursor advanced on failed fetch: %d", sess.inboxCursor)
	}
	if len(snaps) != 0 {
		t.Errorf("failed cycles refreshed the view %d times", len(snaps))
	}

	// The next cycle against healthy providers picks everything up.
	rly.fail = false
	ibx.fail = false
	sess.pollRelay(ctx)
	sess.pollInbox(ctx)
	if sess.store.Len() != 2 {
		t.Fatalf("expected queued message and broadcast merged, got %d", sess.store.Len())
	}
	if sess.inboxCursor != 5 {
		t.Errorf("expected cursor 5 after recovery, got %d", sess.inboxCursor)
	}
}

func TestReactProjectsOwnToggleOverStaleRoomState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.session.store.Upsert(store.Message{ID: "m1", Text: "hey", SenderID: "b", TS: 1})

	// The shared tally predates the local toggle.
	err := f.room.Patch(ctx, roomstate.Patch{
		Reactions: map[string]map[string]store.Reaction{
			"m1": {"👍": {Count: 3, Users: map[string]bool{"u7": true, "u8": true, "u9": true}}},
		},
	})
	if err != nil {
		t.Fatalf("patch failed: %v", err)
	}
	f.session.refreshRoomState(ctx)

	f.session.react(ctx, "m1", "👍")

	snap := f.lastSnap(t)
	got := snap.Messages[0].Reactions["👍"]
	if got.Count != 1 || !got.Users["client-a"] {
		t.Errorf("own toggle reverted by stale shared tally: %+v", got)
	}
}

func TestDisplayNameHonorsHandlerContext(t *testing.T) {
	room := &cancelAwareRoom{MemStore: roomstate.NewMemStore()}
	if err := room.AnnouncePeer(context.Background(), "client-a", roomstate.Peer{Username: "roster-name"}); err != nil {
		t.Fatalf("announce failed: %v", err)
	}
	sess := New(room, &memRelay{}, &scriptedInbox{}, Options{
		ClientID:    "client-a",
		AdminTarget: "admin-1",
	})
	sess.SetSink(func(view.Snapshot) {})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sess.send(ctx, "hi"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	// The roster lookup sees the cancelled handler context and falls back
	// instead of silently using a detached one.
	if got := sess.store.Ordered()[0].Username; got != "You" {
		t.Errorf("cancelled handler context ignored by roster lookup, got %q", got)
	}
}

func TestRunLoopEndToEnd(t *testing.T) {
	room := roomstate.NewMemStore()
	rly := &memRelay{}
	ibx := &scriptedInbox{}
	sess := New(room, rly, ibx, Options{
		ClientID:          "client-a",
		DisplayName:       "alice",
		AdminTarget:       "admin-1",
		RelayPollInterval: 10 * time.Millisecond,
		InboxPollInterval: 10 * time.Millisecond,
	})
	snaps := make(chan view.Snapshot, 64)
	sess.SetSink(func(s view.Snapshot) {
		select {
		case snaps <- s:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	if err := sess.Send(ctx, "hello room"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-snaps:
			if len(snap.Messages) == 1 && snap.Messages[0].Text == "hello room" {
				cancel()
				<-sess.Done()
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for projected send")
		}
	}
}
