package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"bazaarchat/pkg/wire"
)

// PresenceStore tracks which users hold a live socket and when the others were last seen.
type PresenceStore interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string, lastSeen time.Time) error
	Get(ctx context.Context, userID string) (wire.Presence, error)
	Online(ctx context.Context) ([]string, error)
}

const (
	redisOnlineKey   = "bazaarchat:presence:online"
	redisLastSeenKey = "bazaarchat:presence:last_seen"
)

// RedisPresenceStore shares presence between server instances.
type RedisPresenceStore struct {
	rdb redis.UniversalClient
}

func NewRedisPresenceStore(rdb redis.UniversalClient) *RedisPresenceStore {
	return &RedisPresenceStore{rdb: rdb}
}

func (s *RedisPresenceStore) SetOnline(ctx context.Context, userID string) error {
	if err := s.rdb.SAdd(ctx, redisOnlineKey, userID).Err(); err != nil {
		return fmt.Errorf("presence online: %w", err)
	}
	return nil
}

func (s *RedisPresenceStore) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, redisOnlineKey, userID)
		pipe.HSet(ctx, redisLastSeenKey, userID, lastSeen.UTC().Format(time.RFC3339Nano))
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence offline: %w", err)
	}
	return nil
}

func (s *RedisPresenceStore) Get(ctx context.Context, userID string) (wire.Presence, error) {
	p := wire.Presence{UserID: userID}

	online, err := s.rdb.SIsMember(ctx, redisOnlineKey, userID).Result()
	if err != nil {
		return p, fmt.Errorf("presence lookup: %w", err)
	}
	p.IsOnline = online

	raw, err := s.rdb.HGet(ctx, redisLastSeenKey, userID).Result()
	if errors.Is(err, redis.Nil) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("last seen lookup: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		p.LastSeen = t
	}
	return p, nil
}

func (s *RedisPresenceStore) Online(ctx context.Context) ([]string, error) {
	users, err := s.rdb.SMembers(ctx, redisOnlineKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

// MemoryPresenceStore keeps presence for a single instance.
type MemoryPresenceStore struct {
	mu       sync.RWMutex
	online   map[string]bool
	lastSeen map[string]time.Time
}

func NewMemoryPresenceStore() *MemoryPresenceStore {
	return &MemoryPresenceStore{
		online:   make(map[string]bool),
		lastSeen: make(map[string]time.Time),
	}
}

func (s *MemoryPresenceStore) SetOnline(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[userID] = true
	return nil
}

func (s *MemoryPresenceStore) SetOffline(_ context.Context, userID string, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.online, userID)
	s.lastSeen[userID] = lastSeen.UTC()
	return nil
}

func (s *MemoryPresenceStore) Get(_ context.Context, userID string) (wire.Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return wire.Presence{UserID: userID, IsOnline: s.online[userID], LastSeen: s.lastSeen[userID]}, nil
}

func (s *MemoryPresenceStore) Online(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]string, 0, len(s.online))
	for id := range s.online {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}
