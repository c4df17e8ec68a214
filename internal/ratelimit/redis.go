package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	redisBreakerDuration = 30 * time.Second
	redisMaxTxRetries    = 16
	defaultRedisPrefix   = "governor:ratelimit"
)

var errRedisBreakerOpen = errors.New("rate limit redis: breaker open")

// RedisStore persists ledgers as JSON documents in Redis. Updates use
// WATCH/MULTI so concurrent writers of one key retry instead of overwriting
// each other. Every write refreshes the key TTL, which doubles as idle GC; a
// blocked ledger is kept at least until its block ends.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	nowFn  func() time.Time

	mu           sync.Mutex
	breakerUntil time.Time
}

// NewRedisStore constructs a RedisStore. A non-positive ttl keeps keys forever.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration, nowFn func() time.Time) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if ttl < 0 {
		ttl = 0
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, nowFn: nowFn}
}

// Ping checks connectivity with a short timeout.
func (s *RedisStore) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if errPing := s.client.Ping(ctxPing).Err(); errPing != nil {
		return unavailable("ping", errPing)
	}
	return nil
}

type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) (*Ledger, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.isBreakerActive() {
		return nil, unavailable("update", errRedisBreakerOpen)
	}
	redisKey := s.buildKey(key)
	var out *Ledger
	txf := func(tx *redis.Tx) error {
		ledger, created, errLoad := decodeLedger(tx.Get(ctx, redisKey).Bytes())
		if errLoad != nil {
			var cbErr *callbackError
			if errors.As(errLoad, &cbErr) {
				return &callbackError{err: unavailable("decode", cbErr.err)}
			}
			return errLoad
		}
		if created {
			ledger = &Ledger{Key: key}
		}
		if errFn := fn(ledger, created); errFn != nil {
			return &callbackError{err: errFn}
		}
		ledger.Key = key
		payload, errMarshal := json.Marshal(ledger)
		if errMarshal != nil {
			return &callbackError{err: errMarshal}
		}
		_, errExec := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, payload, s.expiry(ledger))
			return nil
		})
		if errExec == nil {
			out = ledger
		}
		return errExec
	}

	for attempt := 0; attempt < redisMaxTxRetries; attempt++ {
		errWatch := s.client.Watch(ctx, txf, redisKey)
		if errWatch == nil {
			return out, nil
		}
		if errors.Is(errWatch, redis.TxFailedErr) {
			continue
		}
		var cbErr *callbackError
		if errors.As(errWatch, &cbErr) {
			return nil, cbErr.err
		}
		if errors.Is(errWatch, context.Canceled) || errors.Is(errWatch, context.DeadlineExceeded) {
			return nil, errWatch
		}
		s.tripBreaker(errWatch)
		return nil, unavailable("update", errWatch)
	}
	return nil, ErrConflict
}

// Get implements Store.
// expiry is the key TTL for l: the configured ttl, stretched to cover an
// unexpired block.
func (s *RedisStore) expiry(l *Ledger) time.Duration {
	if s.ttl <= 0 {
		return 0
	}
	if l.BlockUntil == nil {
		return s.ttl
	}
	if remaining := l.BlockUntil.Sub(s.nowFn()); remaining > s.ttl {
		return remaining.Truncate(time.Second) + time.Second
	}
	return s.ttl
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Ledger, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.isBreakerActive() {
		return nil, unavailable("get", errRedisBreakerOpen)
	}
	ledger, missing, errLoad := decodeLedger(s.client.Get(ctx, s.buildKey(key)).Bytes())
	if errLoad != nil {
		s.tripBreaker(errLoad)
		return nil, unavailable("get", errLoad)
	}
	if missing {
		return nil, ErrNotFound
	}
	return ledger, nil
}

// Search implements Store by scanning the key prefix.
func (s *RedisStore) Search(ctx context.Context, filter Filter) ([]*Ledger, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.isBreakerActive() {
		return nil, unavailable("search", errRedisBreakerOpen)
	}
	out := make([]*Ledger, 0)
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 200).Iterator()
	for iter.Next(ctx) {
		ledger, missing, errLoad := decodeLedger(s.client.Get(ctx, iter.Val()).Bytes())
		if errLoad != nil {
			s.tripBreaker(errLoad)
			return nil, unavailable("search", errLoad)
		}
		if missing || !filter.Match(ledger) {
			continue
		}
		out = append(out, ledger)
	}
	if errIter := iter.Err(); errIter != nil {
		s.tripBreaker(errIter)
		return nil, unavailable("search", errIter)
	}
	return filter.Page(out), nil
}

func decodeLedger(raw []byte, errGet error) (*Ledger, bool, error) {
	if errors.Is(errGet, redis.Nil) {
		return nil, true, nil
	}
	if errGet != nil {
		return nil, false, errGet
	}
	var ledger Ledger
	if errUnmarshal := json.Unmarshal(raw, &ledger); errUnmarshal != nil {
		return nil, false, &callbackError{err: errUnmarshal}
	}
	return &ledger, false, nil
}

func (s *RedisStore) buildKey(key string) string {
	return s.prefix + ":" + key
}

func (s *RedisStore) isBreakerActive() bool {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.breakerUntil.IsZero() {
		return false
	}
	if now.Before(s.breakerUntil) {
		return true
	}
	s.breakerUntil = time.Time{}
	return false
}

func (s *RedisStore) tripBreaker(err error) {
	if err == nil {
		return
	}
	var cbErr *callbackError
	if errors.As(err, &cbErr) {
		return
	}
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.breakerUntil.IsZero() && now.Before(s.breakerUntil) {
		return
	}
	s.breakerUntil = now.Add(redisBreakerDuration)
	log.WithError(err).Warn("rate limit: redis unavailable, rejecting ledger access")
}
