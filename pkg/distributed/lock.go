package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrLockTimeout = errors.New("lock acquisition timed out")
	ErrNotHeld     = errors.New("lock not held")
)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only while it still carries our token.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Lock is a single-holder lease on a redis key shared by every process
// pointed at the same keyspace. The lease is extended in the background
// while held.
type Lock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	poll   time.Duration

	mu    sync.Mutex
	token string
	stop  chan struct{}
	done  chan struct{}
}

func NewLock(client redis.UniversalClient, key string, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lock{
		client: client,
		key:    key,
		ttl:    ttl,
		poll:   100 * time.Millisecond,
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// TryAcquire takes the lease if nobody holds it.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token != "" {
		return false, fmt.Errorf("lock %s already held by this process", l.key)
	}

	token, err := newToken()
	if err != nil {
		return false, fmt.Errorf("lock token: %w", err)
	}
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return false, nil
	}

	l.token = token
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.keepAlive(token, l.stop, l.done)
	return true, nil
}

// Acquire polls until the lease is taken, wait elapses or ctx ends.
func (l *Lock) Acquire(ctx context.Context, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

// Release gives the lease back. ErrNotHeld means it expired or was never
// taken.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	token, stop, done := l.token, l.stop, l.done
	l.token = ""
	l.mu.Unlock()

	if token == "" {
		return ErrNotHeld
	}
	close(stop)
	<-done

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *Lock) keepAlive(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := extendScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err == nil && n == 0 {
				// lost to expiry; Release will report it
				return
			}
		}
	}
}

// WithLock runs fn while holding the lease on key.
func WithLock(ctx context.Context, client redis.UniversalClient, key string, ttl, wait time.Duration, fn func(context.Context) error) error {
	lock := NewLock(client, key, ttl)
	if err := lock.Acquire(ctx, wait); err != nil {
		return err
	}
	err := fn(ctx)
	if releaseErr := lock.Release(context.Background()); releaseErr != nil && err == nil && !errors.Is(releaseErr, ErrNotHeld) {
		err = releaseErr
	}
	return err
}
