package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Ключ блокировки планировщика в Redis.
	DefaultLockKey = "oms:reservation-sweep:lock"
	defaultLockTTL = time.Minute
)

// Lock даёт одному экземпляру сервиса эксклюзивное право на проход планировщика.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Блокировка в пределах процесса, когда Redis не настроен.
type localLock struct {
	mu   sync.Mutex
	held bool
}

// NewLocalLock создаёт блокировку, не выходящую за пределы процесса.
func NewLocalLock() Lock {
	return &localLock{}
}

func (l *localLock) Acquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *localLock) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	return nil
}

// Подмножество *redis.Client, которое использует RedisLock.
type redisCmdable interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// releaseScript удаляет ключ, только если в нём записан владелец. Сравнение и удаление
// выполняются в Redis одной командой.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock — блокировка через SET NX с TTL. Снимается только владельцем.
type RedisLock struct {
	client redisCmdable
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	owner string
}

// NewRedisLock создаёт блокировку в Redis. TTL должен превышать длительность прохода.
func NewRedisLock(client redisCmdable, key string, ttl time.Duration) (*RedisLock, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if key == "" {
		key = DefaultLockKey
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{client: client, key: key, ttl: ttl}, nil
}

// Acquire пытается захватить блокировку на TTL.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	if ok {
		l.mu.Lock()
		l.owner = owner
		l.mu.Unlock()
	}
	return ok, nil
}

// Release снимает блокировку, только если она всё ещё принадлежит этому экземпляру.
func (l *RedisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner == "" {
		return nil
	}
	// 0 означает, что TTL истёк и ключ уже пуст или принадлежит другому экземпляру.
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Int64(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	l.owner = ""
	return nil
}

var (
	_ Lock = (*RedisLock)(nil)
	_ Lock = (*localLock)(nil)
)
