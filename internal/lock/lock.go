package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrNotAcquired is returned when a lock could not be taken within the
// configured retries. The caller surfaces this as retryable: the provider
// is expected to redeliver the callback.
var ErrNotAcquired = errors.New("lock not acquired")

// Key names one lockable resource. Keys are built only through the typed
// constructors below to prevent key-collision bugs.
type Key string

// WalletBalanceKey serializes balance mutations on one wallet.
func WalletBalanceKey(walletID uint64) Key {
	return Key(fmt.Sprintf("wallet:%d:balance-update", walletID))
}

// ExchangeKey serializes the whole multi-step reconciliation for one
// exchange across both provider state machines.
func ExchangeKey(parentTransactionID uint64) Key {
	return Key(fmt.Sprintf("exchange_webhook_%d", parentTransactionID))
}

// WithdrawalKey serializes handling of one withdrawal request.
func WithdrawalKey(requestID string) Key {
	return Key("withdrawal_" + requestID)
}

// FirstDepositBonusKey serializes one-time bonus crediting per user.
func FirstDepositBonusKey(userID uint64) Key {
	return Key(fmt.Sprintf("first_deposit_bonus_%d", userID))
}

// Policy tunes acquisition for one lock tier.
type Policy struct {
	TTL        time.Duration
	Retries    int
	RetryDelay time.Duration
}

// Release frees a held lock. Safe to call once; errors are advisory (the TTL
// expires the lock regardless).
type Release func(ctx context.Context) error

// Locker provides named mutual exclusion with TTL and bounded retry.
type Locker interface {
	Acquire(ctx context.Context, key Key, p Policy) (Release, error)
}

// releaseScript deletes the key only if it still holds our token, so an
// expired lock can never release a successor's hold.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// RedisLocker implements Locker on a single redis instance via SET NX.
type RedisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) Acquire(ctx context.Context, key Key, p Policy) (Release, error) {
	token := uuid.NewString()
	attempts := p.Retries + 1
	for i := 0; i < attempts; i++ {
		ok, err := l.rdb.SetNX(ctx, string(key), token, p.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return func(ctx context.Context) error {
				return l.rdb.Eval(ctx, releaseScript, []string{string(key)}, token).Err()
			}, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.RetryDelay):
		}
	}
	return nil, fmt.Errorf("lock %s after %d attempts: %w", key, attempts, ErrNotAcquired)
}
