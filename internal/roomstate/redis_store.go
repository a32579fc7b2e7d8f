package roomstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pairchat/internal/store"
)

const (
	keyPinned    = "room:pinned"
	keyDisabled  = "room:disabledUsers"
	keyUsernames = "room:usernames"
	keyReactions = "room:reactions"
	keyPeers     = "room:peers"

	notifyChannel = "room:notify"
)

// RedisStore replicates room state through Redis hashes, one hash per
// top-level section, one field per record. Patching a record is a single
// HSET, which is what makes the per-key last-writer-wins contract concrete.
// Change notification rides a pub/sub channel shared by all clients.
type RedisStore struct {
	client *redis.Client
	pubsub *redis.PubSub

	mu   sync.Mutex
	subs []func(State)
}

// NewRedisStore connects to Redis and starts listening for patch
// notifications from other clients.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	s := &RedisStore{client: client}
	s.pubsub = client.Subscribe(context.Background(), notifyChannel)
	go s.listen()
	return s, nil
}

// NewRedisStoreWithClient wraps an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	s := &RedisStore{client: client}
	s.pubsub = client.Subscribe(context.Background(), notifyChannel)
	go s.listen()
	return s
}

func (s *RedisStore) listen() {
	for range s.pubsub.Channel() {
		s.notify()
	}
}

func (s *RedisStore) notify() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	state, err := s.Snapshot(ctx)
	cancel()
	if err != nil {
		log.Printf("roomstate: snapshot for notify failed: %v", err)
		return
	}
	s.mu.Lock()
	subs := make([]func(State), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}

func (s *RedisStore) Snapshot(ctx context.Context) (State, error) {
	state := emptyState()

	pinned, err := s.client.HGetAll(ctx, keyPinned).Result()
	if err != nil {
		return State{}, fmt.Errorf("read pinned: %w", err)
	}
	for id, raw := range pinned {
		var rec PinRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.Printf("roomstate: skipping malformed pin record %s: %v", id, err)
			continue
		}
		state.Pinned[id] = rec
	}

	disabled, err := s.client.HGetAll(ctx, keyDisabled).Result()
	if err != nil {
		return State{}, fmt.Errorf("read disabled users: %w", err)
	}
	for id, raw := range disabled {
		var rec DisabledUser
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.Printf("roomstate: skipping malformed disabled record %s: %v", id, err)
			continue
		}
		state.DisabledUsers[id] = rec
	}

	usernames, err := s.client.HGetAll(ctx, keyUsernames).Result()
	if err != nil {
		return State{}, fmt.Errorf("read usernames: %w", err)
	}
	for name, clientID := range usernames {
		state.Usernames[name] = clientID
	}

	reactions, err := s.client.HGetAll(ctx, keyReactions).Result()
	if err != nil {
		return State{}, fmt.Errorf("read reactions: %w", err)
	}
	for msgID, raw := range reactions {
		var rec map[string]store.Reaction
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.Printf("roomstate: skipping malformed reactions for %s: %v", msgID, err)
			continue
		}
		state.Reactions[msgID] = rec
	}

	return state, nil
}

func (s *RedisStore) Patch(ctx context.Context, p Patch) error {
	if p.empty() {
		return nil
	}

	for id, rec := range p.Pinned {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal pin record: %w", err)
		}
		if err := s.client.HSet(ctx, keyPinned, id, raw).Err(); err != nil {
			return fmt.Errorf("patch pinned %s: %w", id, err)
		}
	}
	for id, rec := range p.DisabledUsers {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal disabled record: %w", err)
		}
		if err := s.client.HSet(ctx, keyDisabled, id, raw).Err(); err != nil {
			return fmt.Errorf("patch disabled %s: %w", id, err)
		}
	}
	for name, clientID := range p.Usernames {
		if err := s.client.HSet(ctx, keyUsernames, name, clientID).Err(); err != nil {
			return fmt.Errorf("patch username %s: %w", name, err)
		}
	}
	for msgID, rec := range p.Reactions {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal reactions: %w", err)
		}
		if err := s.client.HSet(ctx, keyReactions, msgID, raw).Err(); err != nil {
			return fmt.Errorf("patch reactions %s: %w", msgID, err)
		}
	}

	if err := s.client.Publish(ctx, notifyChannel, "patch").Err(); err != nil {
		// Other clients miss this round; they converge on the next patch.
		log.Printf("roomstate: notify publish failed: %v", err)
	}

	// The caller's own subscribers always hear about the patch even if the
	// pub/sub hop is down.
	go s.notify()
	return nil
}

func (s *RedisStore) ReserveUsername(ctx context.Context, name, clientID string) error {
	set, err := s.client.HSetNX(ctx, keyUsernames, name, clientID).Result()
	if err != nil {
		return fmt.Errorf("reserve username: %w", err)
	}
	if set {
		return nil
	}
	holder, err := s.client.HGet(ctx, keyUsernames, name).Result()
	if err != nil {
		return fmt.Errorf("check username holder: %w", err)
	}
	if holder != clientID {
		return ErrNameTaken
	}
	return nil
}

func (s *RedisStore) Peers(ctx context.Context) (map[string]Peer, error) {
	raw, err := s.client.HGetAll(ctx, keyPeers).Result()
	if err != nil {
		return nil, fmt.Errorf("read peers: %w", err)
	}
	peers := make(map[string]Peer, len(raw))
	for id, v := range raw {
		var p Peer
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			continue
		}
		peers[id] = p
	}
	return peers, nil
}

// AnnouncePeer publishes this client's roster entry so other clients see it.
func (s *RedisStore) AnnouncePeer(ctx context.Context, clientID string, p Peer) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal peer: %w", err)
	}
	if err := s.client.HSet(ctx, keyPeers, clientID, raw).Err(); err != nil {
		return fmt.Errorf("announce peer: %w", err)
	}
	return nil
}

func (s *RedisStore) Subscribe(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *RedisStore) Close() error {
	if s.pubsub != nil {
		_ = s.pubsub.Close()
	}
	return s.client.Close()
}
