package roomstate

import (
	"context"
	"sync"

	"pairchat/internal/store"
)

// MemStore is an in-process Store used by tests and offline runs. It applies
// the same per-key merge semantics as the Redis backend.
type MemStore struct {
	mu    sync.Mutex
	state State
	subs  []func(State)
	peers map[string]Peer
}

func NewMemStore() *MemStore {
	return &MemStore{state: emptyState(), peers: map[string]Peer{}}
}

func (s *MemStore) Snapshot(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyState(), nil
}

func (s *MemStore) copyState() State {
	out := emptyState()
	for k, v := range s.state.Pinned {
		out.Pinned[k] = v
	}
	for k, v := range s.state.DisabledUsers {
		out.DisabledUsers[k] = v
	}
	for k, v := range s.state.Usernames {
		out.Usernames[k] = v
	}
	for k, v := range s.state.Reactions {
		inner := make(map[string]store.Reaction, len(v))
		for e, r := range v {
			inner[e] = r
		}
		out.Reactions[k] = inner
	}
	return out
}

func (s *MemStore) Patch(ctx context.Context, p Patch) error {
	s.mu.Lock()
	for k, v := range p.Pinned {
		s.state.Pinned[k] = v
	}
	for k, v := range p.DisabledUsers {
		s.state.DisabledUsers[k] = v
	}
	for k, v := range p.Usernames {
		s.state.Usernames[k] = v
	}
	for k, v := range p.Reactions {
		s.state.Reactions[k] = v
	}
	snapshot := s.copyState()
	subs := make([]func(State), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
	return nil
}

func (s *MemStore) ReserveUsername(ctx context.Context, name, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.state.Usernames[name]; ok && holder != clientID {
		return ErrNameTaken
	}
	s.state.Usernames[name] = clientID
	return nil
}

func (s *MemStore) Peers(ctx context.Context) (map[string]Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Peer, len(s.peers))
	for k, v := range s.peers {
		out[k] = v
	}
	return out, nil
}

func (s *MemStore) AnnouncePeer(ctx context.Context, clientID string, p Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[clientID] = p
	return nil
}

func (s *MemStore) Subscribe(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *MemStore) Close() error { return nil }
