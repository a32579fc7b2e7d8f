package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertInsertsAndDedups(t *testing.T) {
	s := New()

	first := Message{ID: "m1", Text: "hello", SenderID: "a", Username: "alice", TS: 10}
	require.True(t, s.Upsert(first))
	require.Equal(t, 1, s.Len())

	// Same id arriving again (e.g. relay echo of a local send) is a no-op
	// and the first-seen content wins.
	dup := Message{ID: "m1", Text: "HELLO EDITED", SenderID: "a", Username: "alice", TS: 99}
	assert.False(t, s.Upsert(dup))
	assert.Equal(t, 1, s.Len())

	got, ok := s.Get("m1")
	require.True(t, ok)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, int64(10), got.TS)
}

func TestUpsertDropsMissingText(t *testing.T) {
	s := New()
	assert.False(t, s.Upsert(Message{ID: "m1", SenderID: "a"}))
	assert.Equal(t, 0, s.Len())
}

func TestUpsertDerivesStableIDFromRelayText(t *testing.T) {
	s := New()

	a := Message{Text: "hi", RelayText: "from alice to: admin\n\n(hi)", TS: 5}
	b := Message{Text: "hi", RelayText: "from alice to: admin\n\n(hi)", TS: 5}

	require.True(t, s.Upsert(a))
	assert.False(t, s.Upsert(b), "same relay text + ts must derive the same id")
	assert.Equal(t, 1, s.Len())
}

func TestUpsertGeneratesFreshIDWithoutRelayText(t *testing.T) {
	s := New()

	require.True(t, s.Upsert(Message{Text: "one", TS: 1}))
	require.True(t, s.Upsert(Message{Text: "one", TS: 1}))
	assert.Equal(t, 2, s.Len(), "no relay text means no dedup basis")
}

func TestOrderedSortsByTimestamp(t *testing.T) {
	s := New()
	require.True(t, s.Upsert(Message{ID: "c", Text: "third", TS: 30}))
	require.True(t, s.Upsert(Message{ID: "a", Text: "first", TS: 10}))
	require.True(t, s.Upsert(Message{ID: "b", Text: "second", TS: 20}))

	got := s.Ordered()
	require.Len(t, got, 3)
	assert.Equal(t, "first", got[0].Text)
	assert.Equal(t, "second", got[1].Text)
	assert.Equal(t, "third", got[2].Text)
}

func TestOrderedTiebreaksOnID(t *testing.T) {
	s := New()
	require.True(t, s.Upsert(Message{ID: "z", Text: "z", TS: 10}))
	require.True(t, s.Upsert(Message{ID: "a", Text: "a", TS: 10}))

	got := s.Ordered()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "z", got[1].ID)
}

func TestAddReaction(t *testing.T) {
	s := New()
	require.True(t, s.Upsert(Message{ID: "m1", Text: "hey", TS: 1}))

	require.True(t, s.AddReaction("m1", "🔥", "u1"))
	assert.False(t, s.AddReaction("m1", "🔥", "u1"), "same user same emoji is a no-op")
	require.True(t, s.AddReaction("m1", "🔥", "u2"))

	m, _ := s.Get("m1")
	assert.Equal(t, 2, m.Reactions["🔥"].Count)
}

func TestToggleReaction(t *testing.T) {
	s := New()
	require.True(t, s.Upsert(Message{ID: "m1", Text: "hey", TS: 1}))

	require.True(t, s.ToggleReaction("m1", "👍", "u1"))
	m, _ := s.Get("m1")
	assert.Equal(t, 1, m.Reactions["👍"].Count)

	require.True(t, s.ToggleReaction("m1", "👍", "u1"))
	m, _ = s.Get("m1")
	_, present := m.Reactions["👍"]
	assert.False(t, present, "count zero removes the emoji entry")
}

func TestReactionOnUnknownMessage(t *testing.T) {
	s := New()
	assert.False(t, s.AddReaction("nope", "👍", "u1"))
	assert.False(t, s.ToggleReaction("nope", "👍", "u1"))
}
