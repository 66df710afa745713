/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of dnsproxy.
 *
 * dnsproxy is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * dnsproxy is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package redis_cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/pmkol/dnsproxy/pkg/cache"
)

const keyPrefix = "dnsproxy:answer:"

var nopLogger = zap.NewNop()

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 50ms.
	ClientTimeout time.Duration

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisCacheOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = 50 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

var _ cache.Backend = (*RedisCache)(nil)

// RedisCache stores answers in redis. Redis errors never reach the
// caller, the client is disabled for a while instead.
type RedisCache struct {
	opts           RedisCacheOpts
	clientDisabled uint32

	closeOnce   sync.Once
	closeNotify chan struct{}
}

func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisCache{
		opts:        opts,
		closeNotify: make(chan struct{}),
	}, nil
}

func (r *RedisCache) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisCache) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go r.pingUntilHealthy()
	}
}

func (r *RedisCache) pingUntilHealthy() {
	const maxBackoff = time.Second * 30
	backoff := time.Millisecond * 100
	for {
		select {
		case <-time.After(backoff):
		case <-r.closeNotify:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
		err := r.opts.Client.Ping(ctx).Err()
		cancel()
		if err != nil {
			if backoff >= maxBackoff {
				backoff = maxBackoff
			} else {
				backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
			}
			r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
			continue
		}
		atomic.StoreUint32(&r.clientDisabled, 0)
		return
	}
}

// Get returns the answer stored for domain. ok is false on a miss, on
// any redis error and for expired values.
func (r *RedisCache) Get(ctx context.Context, domain string) (a cache.Answer, ok bool) {
	if r.disabled() {
		return cache.Answer{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	b, err := r.opts.Client.Get(ctx, keyPrefix+domain).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.opts.Logger.Warn("redis get", zap.Error(err))
			r.disableClient()
		}
		return cache.Answer{}, false
	}

	a, err = unpackRedisValue(b)
	if err != nil {
		r.opts.Logger.Warn("redis data unpack error", zap.String("domain", domain), zap.Error(err))
		return cache.Answer{}, false
	}
	if !a.Expire.After(time.Now()) {
		return cache.Answer{}, false
	}
	return a, true
}

// Store stores a into redis until a.Expire.
func (r *RedisCache) Store(ctx context.Context, domain string, a cache.Answer) {
	if r.disabled() {
		return
	}

	ttl := time.Until(a.Expire)
	if ttl <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Set(ctx, keyPrefix+domain, packRedisValue(a), ttl).Err(); err != nil {
		r.opts.Logger.Warn("redis set", zap.Error(err))
		r.disableClient()
	}
}

// Close stops the health checker and closes the redis client.
func (r *RedisCache) Close() error {
	r.closeOnce.Do(func() { close(r.closeNotify) })
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

func (r *RedisCache) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()
	i, err := r.opts.Client.DBSize(ctx).Result()
	if err != nil {
		r.opts.Logger.Error("dbsize", zap.Error(err))
		return 0
	}
	return int(i)
}

// packRedisValue packs a into a snappy compressed block:
// stored time (8) | expire (8) | answer count (2) | answer.
func packRedisValue(a cache.Answer) []byte {
	b := make([]byte, 18+len(a.Answer))
	binary.BigEndian.PutUint64(b[:8], uint64(a.StoredTime.Unix()))
	binary.BigEndian.PutUint64(b[8:16], uint64(a.Expire.Unix()))
	binary.BigEndian.PutUint16(b[16:18], a.AnswerCount)
	copy(b[18:], a.Answer)
	return snappy.Encode(nil, b)
}

func unpackRedisValue(v []byte) (cache.Answer, error) {
	b, err := snappy.Decode(nil, v)
	if err != nil {
		return cache.Answer{}, fmt.Errorf("snappy decode, %w", err)
	}
	if len(b) < 18 {
		return cache.Answer{}, errors.New("b is too short")
	}
	return cache.Answer{
		StoredTime:  time.Unix(int64(binary.BigEndian.Uint64(b[:8])), 0),
		Expire:      time.Unix(int64(binary.BigEndian.Uint64(b[8:16])), 0),
		AnswerCount: binary.BigEndian.Uint16(b[16:18]),
		Answer:      b[18:],
	}, nil
}
