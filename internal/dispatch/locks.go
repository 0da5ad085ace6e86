package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "campaignbot/pkg/logx"
)

// Locker serializes the physical sends of one account across campaigns.
type Locker interface {
	Lock(ctx context.Context, accountID int64) (unlock func(), err error)
}

// LocalLocker serializes within one process.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[int64]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: map[int64]chan struct{}{}}
}

func (l *LocalLocker) Lock(ctx context.Context, accountID int64) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[accountID]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[accountID] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-slot }) }, nil
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// extendScript refreshes the expiry only while the key holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

type RedisLockerConfig struct {
	URL string
	// TTL bounds how long a crashed holder blocks others. Default 30s. A
	// live holder keeps extending it, so a send may outlast it.
	TTL time.Duration
	// Poll is the retry interval while the lock is held elsewhere.
	Poll   time.Duration
	Prefix string
}

// RedisLocker serializes across processes sharing one Redis.
type RedisLocker struct {
	client *redis.Client
	cfg    RedisLockerConfig
	log    logx.Logger
}

func NewRedisLocker(cfg RedisLockerConfig, log logx.Logger) (*RedisLocker, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 100 * time.Millisecond
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "campaignbot:account-lock:"
	}
	return &RedisLocker{client: redis.NewClient(opt), cfg: cfg, log: log}, nil
}

func (l *RedisLocker) Ping(ctx context.Context) error { return l.client.Ping(ctx).Err() }

func (l *RedisLocker) Close() error { return l.client.Close() }

func (l *RedisLocker) Lock(ctx context.Context, accountID int64) (func(), error) {
	key := fmt.Sprintf("%s%d", l.cfg.Prefix, accountID)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("account lock: %w", err)
		}
		if ok {
			break
		}
		t := time.NewTimer(l.cfg.Poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	stop := make(chan struct{})
	go l.keepAlive(key, token, accountID, stop)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil {
				l.log.Warn("account lock release failed", logx.Int64("account", accountID), logx.Err(err))
			}
		})
	}, nil
}

// refreshEvery is how often a held lock is extended: a third of the TTL.
func refreshEvery(ttl time.Duration) time.Duration {
	return max(ttl/3, 10*time.Millisecond)
}

// keepAlive extends the key until stop closes or the key is no longer ours.
func (l *RedisLocker) keepAlive(key, token string, accountID int64, stop <-chan struct{}) {
	tick := time.NewTicker(refreshEvery(l.cfg.TTL))
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		n, err := extendScript.Run(ctx, l.client, []string{key}, token, l.cfg.TTL.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			l.log.Warn("account lock refresh failed", logx.Int64("account", accountID), logx.Err(err))
		case n == 0:
			l.log.Warn("account lock lost before release", logx.Int64("account", accountID))
			return
		}
	}
}
