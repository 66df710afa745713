/*
 * Copyright (C) 2020-2025, pmkol
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

package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/dnsproxy/pkg/bundled_upstream"
	"github.com/pmkol/dnsproxy/pkg/cache"
	"github.com/pmkol/dnsproxy/pkg/dnsutils"
	"github.com/pmkol/dnsproxy/pkg/domain_cache"
	"github.com/pmkol/dnsproxy/pkg/pool"
	C "github.com/pmkol/dnsproxy/pkg/query_context"
	"github.com/pmkol/dnsproxy/pkg/upstream"
)

const (
	defaultQueryTimeout = 5 * time.Second
	defaultMaxTTL       = 86400

	// upstreamUDPSize is the EDNS0 buffer size advertised upstream.
	upstreamUDPSize = 1232
)

var nopLogger = zap.NewNop()

type HandlerOpts struct {
	// Logger is the *zap.Logger for this handler.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// Cache cannot be nil.
	Cache *domain_cache.ConcurrentStore

	// Upstreams cannot be empty.
	Upstreams []upstream.Upstream

	// L2 is an optional answer store shared with other proxies.
	L2 cache.Backend

	// Clock must be the clock of Cache. Default is the real clock.
	Clock clockwork.Clock

	// MinTTL and MaxTTL clamp the lifetime of learned answers, in seconds.
	// Default MaxTTL is 86400.
	MinTTL, MaxTTL uint32

	// QueryTimeout limits one upstream round. Default is 5s.
	QueryTimeout time.Duration

	// MetricsReg registers the handler metrics. Optional.
	MetricsReg MetricsRegisterer
}

func (opts *HandlerOpts) Init() error {
	if opts.Cache == nil {
		return errors.New("nil cache")
	}
	if len(opts.Upstreams) == 0 {
		return errors.New("no upstream is configured")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MaxTTL == 0 {
		opts.MaxTTL = defaultMaxTTL
	}
	if opts.MinTTL > opts.MaxTTL {
		return fmt.Errorf("min_ttl %d is larger than max_ttl %d", opts.MinTTL, opts.MaxTTL)
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	return nil
}

// Handler answers queries from the answer cache and forwards misses
// upstream.
type Handler struct {
	opts    HandlerOpts
	logger  *zap.Logger
	sf      singleflight.Group
	metrics *metrics
}

func NewHandler(opts HandlerOpts) (*Handler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	h := &Handler{
		opts:    opts,
		logger:  opts.Logger,
		metrics: newMetrics(opts.Cache),
	}
	if opts.MetricsReg != nil {
		if err := h.metrics.register(opts.MetricsReg); err != nil {
			return nil, fmt.Errorf("failed to register metrics, %w", err)
		}
	}
	return h, nil
}

// resolved is the outcome of one upstream round for a cacheable name.
// It is shared by every caller collapsed into that round and must not
// be modified.
type resolved struct {
	answer   []byte
	count    uint16
	learned  time.Time
	fallback *dns.Msg // set when there is no answer to cache
}

// ServeDNS returns the packed reply to q. meta decides whether the
// reply is limited to the client's UDP size.
func (h *Handler) ServeDNS(ctx context.Context, q *dns.Msg, meta *C.RequestMeta) ([]byte, error) {
	h.metrics.query.Inc()

	maxSize := 0
	if meta != nil && meta.IsUDP() {
		maxSize = dnsutils.UDPSize(q)
	}

	if len(q.Question) != 1 {
		return h.packReply(dnsutils.GenEmptyReply(q, dns.RcodeFormatError), q, maxSize)
	}
	if !cacheable(q) {
		return h.forward(ctx, q, maxSize)
	}

	name := dnsutils.NormalizeName(q.Question[0].Name)
	// An expired entry stays indexed until the next sweep. It is treated
	// as a miss, and since the first entry wins, the fresh answer is only
	// learned after the sweep.
	if e := h.opts.Cache.Search(name); e != nil && !e.Expired(h.opts.Clock.Now()) {
		h.metrics.hit.WithLabelValues(e.Kind.String()).Inc()
		return h.replyFromEntry(q, e, maxSize)
	}
	h.metrics.miss.Inc()

	v, err, shared := h.sf.Do(name, func() (any, error) {
		return h.resolve(name)
	})
	if err != nil {
		h.metrics.upstreamErr.Inc()
		h.logger.Warn("failed to resolve", zap.String("qname", name), zap.Error(err))
		return h.packReply(dnsutils.GenEmptyReply(q, dns.RcodeServerFailure), q, maxSize)
	}
	if shared {
		h.logger.Debug("collapsed miss", zap.String("qname", name))
	}

	res := v.(*resolved)
	if res.fallback != nil {
		r := res.fallback.Copy()
		r.Question = q.Question
		return h.packReply(r, q, maxSize)
	}
	return h.replyFromAnswer(q, res.answer, res.count, res.learned, maxSize)
}

// cacheable reports whether q is answered through the cache. The cache
// is keyed by name alone, so only IN A queries qualify.
func cacheable(q *dns.Msg) bool {
	if q.Opcode != dns.OpcodeQuery {
		return false
	}
	qq := q.Question[0]
	return qq.Qclass == dns.ClassINET && qq.Qtype == dns.TypeA
}

func (h *Handler) replyFromEntry(q *dns.Msg, e *domain_cache.Entry, maxSize int) ([]byte, error) {
	if e.IsStatic() {
		return dnsutils.BuildResponse(q, e.Answer, e.AnswerCount, maxSize)
	}
	return h.replyFromAnswer(q, e.Answer, e.AnswerCount, e.CreatedAt, maxSize)
}

// replyFromAnswer builds a reply from a learned answer. TTLs are reduced
// by the time elapsed since learned.
func (h *Handler) replyFromAnswer(q *dns.Msg, answer []byte, count uint16, learned time.Time, maxSize int) ([]byte, error) {
	b, err := dnsutils.BuildResponse(q, answer, count, maxSize)
	if err != nil {
		return nil, err
	}
	elapsed := h.opts.Clock.Since(learned) / time.Second
	if elapsed <= 0 {
		return b, nil
	}

	ans, n, err := dnsutils.ExtractAnswer(b)
	if err != nil {
		return nil, err
	}
	offsets, err := dnsutils.AnswerTTLOffsets(ans, n)
	if err != nil {
		return nil, err
	}
	dnsutils.SubtractTTL(ans, offsets, uint32(elapsed))
	return b, nil
}

// resolve fetches the answer of name from L2 or the upstreams and learns
// it into the cache. It runs detached from any single client.
func (h *Handler) resolve(name string) (*resolved, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.QueryTimeout)
	defer cancel()

	if res := h.fromL2(ctx, name); res != nil {
		return res, nil
	}

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), dns.TypeA)
	q.SetEdns0(upstreamUDPSize, false)
	r, err := bundled_upstream.ExchangeParallel(ctx, q, h.opts.Upstreams, h.logger)
	if err != nil {
		return nil, err
	}
	if r.Rcode != dns.RcodeSuccess || len(r.Answer) == 0 {
		return &resolved{fallback: r}, nil
	}

	// Pack against our own question so the answer's name pointers
	// line up with any reply carrying a question of the same length.
	r.Question = q.Question
	r.Compress = true
	wire, buf, err := pool.PackBuffer(r)
	if err != nil {
		return nil, fmt.Errorf("failed to pack upstream reply, %w", err)
	}
	defer buf.Release()
	ans, count, err := dnsutils.ExtractAnswer(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to extract answer, %w", err)
	}
	answer := append([]byte(nil), ans...)

	now := h.opts.Clock.Now()
	ttl := dnsutils.ClampTTL(dnsutils.GetMinimalTTL(r), h.opts.MinTTL, h.opts.MaxTTL)
	if ttl > 0 {
		h.learn(name, ttl, answer, count)
		if h.opts.L2 != nil {
			h.opts.L2.Store(ctx, name, cache.Answer{
				Answer:      answer,
				AnswerCount: count,
				StoredTime:  now,
				Expire:      now.Add(time.Duration(ttl) * time.Second),
			})
		}
	}
	return &resolved{answer: answer, count: count, learned: now}, nil
}

func (h *Handler) fromL2(ctx context.Context, name string) *resolved {
	if h.opts.L2 == nil {
		return nil
	}
	a, ok := h.opts.L2.Get(ctx, name)
	if !ok {
		return nil
	}
	now := h.opts.Clock.Now()
	remaining := a.Expire.Sub(now) / time.Second
	if remaining <= 0 {
		return nil
	}

	// Age the answer to now so the learned entry starts fresh.
	answer := a.Answer
	if elapsed := now.Sub(a.StoredTime) / time.Second; elapsed > 0 {
		offsets, err := dnsutils.AnswerTTLOffsets(answer, a.AnswerCount)
		if err != nil {
			h.logger.Warn("invalid l2 answer", zap.String("qname", name), zap.Error(err))
			return nil
		}
		dnsutils.SubtractTTL(answer, offsets, uint32(elapsed))
	}
	h.metrics.l2Hit.Inc()
	h.learn(name, uint32(remaining), answer, a.AnswerCount)
	return &resolved{answer: answer, count: a.AnswerCount, learned: now}
}

func (h *Handler) learn(name string, ttl uint32, answer []byte, count uint16) {
	if r := h.opts.Cache.AppendDynamic(name, ttl, answer, count); r == domain_cache.Rejected {
		h.logger.Debug("answer rejected by cache", zap.String("qname", name), zap.Uint16("count", count))
	}
}

// forward sends q upstream as is, without caching.
func (h *Handler) forward(ctx context.Context, q *dns.Msg, maxSize int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.QueryTimeout)
	defer cancel()

	r, err := bundled_upstream.ExchangeParallel(ctx, q, h.opts.Upstreams, h.logger)
	if err != nil {
		h.metrics.upstreamErr.Inc()
		h.logger.Warn("failed to forward", zap.String("qname", q.Question[0].Name), zap.Error(err))
		r = dnsutils.GenEmptyReply(q, dns.RcodeServerFailure)
	}
	return h.packReply(r, q, maxSize)
}

func (h *Handler) packReply(r, q *dns.Msg, maxSize int) ([]byte, error) {
	r.Id = q.Id
	if maxSize > 0 {
		r.Truncate(maxSize)
	}
	b, err := r.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack reply, %w", err)
	}
	return b, nil
}
