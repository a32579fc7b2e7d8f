// Package store holds the in-memory message store and the merge engine that
// feeds it. Conversation content reaches the store from three independent
// sources (local sends, the relay-history poller, the inbox poller); merge is
// idempotent under id equality so overlapping poll windows are safe to replay.
package store

import (
	"sort"
	"strconv"

	"github.com/google/uuid"

	"pairchat/internal/util"
)

// Store is an id-keyed map of merged messages. It is owned by the session
// event loop; all access is serialized there, so it carries no lock.
type Store struct {
	messages map[string]Message
}

func New() *Store {
	return &Store{messages: make(map[string]Message)}
}

// Upsert merges one candidate into the store and reports whether it was
// inserted. Candidates without text are dropped. A candidate without an id
// gets a deterministic one derived from its relay text and timestamp when
// possible, so the same payload observed again on a later poll dedups; a
// candidate with neither id nor relay text gets a fresh random id.
// On id collision the existing entry wins and the candidate is a no-op.
func (s *Store) Upsert(candidate Message) bool {
	if candidate.Text == "" {
		return false
	}
	if candidate.ID == "" {
		if candidate.RelayText != "" {
			candidate.ID = util.DerivedID("relay", candidate.RelayText, strconv.FormatInt(candidate.TS, 10))
		} else {
			candidate.ID = uuid.NewString()
		}
	}
	if _, exists := s.messages[candidate.ID]; exists {
		return false
	}
	s.messages[candidate.ID] = candidate
	return true
}

func (s *Store) Get(id string) (Message, bool) {
	m, ok := s.messages[id]
	return m, ok
}

func (s *Store) Len() int {
	return len(s.messages)
}

// Ordered returns all messages sorted by timestamp ascending, with the id as
// a stable tiebreak so equal-timestamp messages do not flicker between polls.
func (s *Store) Ordered() []Message {
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TS != out[j].TS {
			return out[i].TS < out[j].TS
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AddReaction records userID's reaction on a message. Adding the same emoji
// twice for one user is a no-op.
func (s *Store) AddReaction(msgID, emoji, userID string) bool {
	m, ok := s.messages[msgID]
	if !ok {
		return false
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]Reaction)
	}
	r := m.Reactions[emoji]
	if r.Users == nil {
		r.Users = make(map[string]bool)
	}
	if r.Users[userID] {
		return false
	}
	r.Users[userID] = true
	r.Count++
	m.Reactions[emoji] = r
	s.messages[msgID] = m
	return true
}

// ToggleReaction adds the reaction if userID has not reacted with emoji yet,
// otherwise removes it. An emoji whose count drops to zero disappears from
// the map entirely.
func (s *Store) ToggleReaction(msgID, emoji, userID string) bool {
	m, ok := s.messages[msgID]
	if !ok {
		return false
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]Reaction)
	}
	r := m.Reactions[emoji]
	if r.Users == nil {
		r.Users = make(map[string]bool)
	}
	if r.Users[userID] {
		delete(r.Users, userID)
		if r.Count > 0 {
			r.Count--
		}
		if r.Count == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = r
		}
	} else {
		r.Users[userID] = true
		r.Count++
		m.Reactions[emoji] = r
	}
	s.messages[msgID] = m
	return true
}
