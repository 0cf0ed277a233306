package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second
	leaseRetryDelay      = time.Second
	leaseOpTimeout       = 5 * time.Second
	minRenewEvery        = time.Second
	renewsPerTTL         = 3
)

var (
	leaseCounter atomic.Uint64

	// Both scripts only touch the key while it still holds our token.
	renewLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	dropLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	errLeaseLost = errors.New("support: leader lease lost")
)

// RunWithLeader blocks until it holds the Redis lock at key, then calls run
// with a context that is cancelled once the lock can no longer be renewed.
// After run returns the lock is released and acquisition starts over, until
// ctx is done.
func RunWithLeader(ctx context.Context, client *redis.Client, key string, ttl time.Duration, run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if client == nil {
		return errors.New("support: leader lock requires a redis client")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}

	for {
		lease, err := acquireLease(ctx, client, key, ttl)
		if err != nil {
			return err
		}

		log.Debug("leader lock: acquired", "key", key)
		run(lease.ctx)
		lease.release()
		log.Debug("leader lock: released", "key", key)

		if err := sleepCtx(ctx, leaseRetryDelay); err != nil {
			return err
		}
	}
}

type lease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// acquireLease retries SETNX until it succeeds or ctx is done.
func acquireLease(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*lease, error) {
	token := newLeaderToken()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ok, err := client.SetNX(ctx, key, token, ttl).Result()
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			log.Warn("leader lock: setnx failed", "key", key, "error", err)
		case ok:
			leaseCtx, cancel := context.WithCancel(ctx)
			l := &lease{
				client: client,
				key:    key,
				token:  token,
				ttl:    ttl,
				ctx:    leaseCtx,
				cancel: cancel,
				done:   make(chan struct{}),
			}
			go l.keepAlive()
			return l, nil
		}

		if err := sleepCtx(ctx, leaseRetryDelay); err != nil {
			return nil, err
		}
	}
}

func (l *lease) keepAlive() {
	every := l.ttl / renewsPerTTL
	if every < minRenewEvery {
		every = minRenewEvery
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.renew(); err != nil {
				log.Warn("leader lock: renewal failed", "key", l.key, "error", err)
				l.cancel()
				return
			}
		}
	}
}

func (l *lease) renew() error {
	ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
	defer cancel()

	res, err := renewLease.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return errLeaseLost
	}
	return nil
}

func (l *lease) release() {
	l.once.Do(func() {
		close(l.done)
		l.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
		defer cancel()
		if err := dropLease.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.Warn("leader lock: release failed", "key", l.key, "error", err)
		}
	})
}

func newLeaderToken() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), time.Now().UnixNano(), leaseCounter.Add(1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
