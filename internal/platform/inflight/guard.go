// Package inflight enforces at most one outstanding mutation per entity key.
// A second Acquire on a busy key fails immediately instead of queueing.
package inflight

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/carelink/carelink/internal/platform/apperr"
)

// ErrBusy is returned when the key already has an action in flight.
var ErrBusy = fmt.Errorf("%w: action already in progress", apperr.ErrConflict)

// Guard hands out exclusive, non-blocking holds on string keys.
type Guard interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// TeamKey is the key for mutations of a team's own record or membership.
func TeamKey(teamID string) string { return "team:" + teamID }

// MonitoringKey is the key for a patient's enrollment inside one team.
func MonitoringKey(teamID, patientID string) string {
	return "monitoring:" + teamID + ":" + patientID
}

func InvitationKey(id string) string { return "invitation:" + id }

// ---------------------------------------------------------------------------
// Process-local guard
// ---------------------------------------------------------------------------

// LocalGuard keeps holds in memory. Suitable for a single server instance.
type LocalGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{held: make(map[string]struct{})}
}

func (g *LocalGuard) Acquire(_ context.Context, key string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return nil, fmt.Errorf("%w (%s)", ErrBusy, key)
	}
	g.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, nil
}

// Busy reports whether key is currently held.
func (g *LocalGuard) Busy(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[key]
	return ok
}

// ---------------------------------------------------------------------------
// Redis guard
// ---------------------------------------------------------------------------

// releaseScript deletes the key only if it still carries our token, so an
// expired hold never releases a newer one.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisGuard shares holds between server instances. Holds expire after ttl
// so a crashed instance cannot block an entity forever.
type RedisGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisGuard(client redis.UniversalClient, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisGuard{client: client, prefix: "carelink:inflight:", ttl: ttl}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, g.prefix+key, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: acquire %s: %v", apperr.ErrRemote, key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (%s)", ErrBusy, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release must happen even when the request context is already done.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(rctx, g.client, []string{g.prefix + key}, token).Err()
		})
	}, nil
}

// NewRedisClient parses url (redis://...) and checks connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
