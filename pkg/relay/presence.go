package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/yep_collab/pkg/awareness"
)

// Presence is the relay-side registry of who is in which room. It backs the
// members endpoint and lets multiple relay instances share one view when
// backed by redis.
type Presence interface {
	Set(ctx context.Context, room string, p awareness.Presence) error
	Remove(ctx context.Context, room, clientID string) error
	Members(ctx context.Context, room string) ([]awareness.Presence, error)
	Close() error
}

// MemoryPresence keeps the registry in process. Default for single-instance
// deployments and tests.
type MemoryPresence struct {
	mu    sync.Mutex
	rooms map[string]map[string]awareness.Presence
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{rooms: make(map[string]map[string]awareness.Presence)}
}

func (m *MemoryPresence) Set(_ context.Context, room string, p awareness.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[room] == nil {
		m.rooms[room] = make(map[string]awareness.Presence)
	}
	m.rooms[room][p.ClientID] = p
	return nil
}

func (m *MemoryPresence) Remove(_ context.Context, room, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if members, ok := m.rooms[room]; ok {
		delete(members, clientID)
		if len(members) == 0 {
			delete(m.rooms, room)
		}
	}
	return nil
}

func (m *MemoryPresence) Members(_ context.Context, room string) ([]awareness.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]awareness.Presence, 0, len(m.rooms[room]))
	for _, p := range m.rooms[room] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func (m *MemoryPresence) Close() error { return nil }

// presenceTTL bounds how long a record can outlive its relay instance when a
// crash skips the Remove.
const presenceTTL = 5 * time.Minute

// RedisPresence shares the registry across relay instances through a redis
// hash per room.
type RedisPresence struct {
	client *redis.Client
}

func NewRedisPresence(client *redis.Client) *RedisPresence {
	return &RedisPresence{client: client}
}

func presenceKey(room string) string { return "collab:presence:" + room }

func (r *RedisPresence) Set(ctx context.Context, room string, p awareness.Presence) error {
	data, err := msgpack.Marshal(&p)
	if err != nil {
		return err
	}
	key := presenceKey(room)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, p.ClientID, data)
	pipe.Expire(ctx, key, presenceTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisPresence) Remove(ctx context.Context, room, clientID string) error {
	return r.client.HDel(ctx, presenceKey(room), clientID).Err()
}

func (r *RedisPresence) Members(ctx context.Context, room string) ([]awareness.Presence, error) {
	raw, err := r.client.HGetAll(ctx, presenceKey(room)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]awareness.Presence, 0, len(raw))
	for _, v := range raw {
		var p awareness.Presence
		if err := msgpack.Unmarshal([]byte(v), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func (r *RedisPresence) Close() error {
	return r.client.Close()
}
