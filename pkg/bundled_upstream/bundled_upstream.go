/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of dnsproxy.
 */

package bundled_upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/dnsproxy/pkg/upstream"
)

type parallelResult struct {
	r    *dns.Msg
	err  error
	from upstream.Upstream
}

var nopLogger = zap.NewNop()
var ErrAllFailed = errors.New("all upstreams failed")

// ExchangeParallel sends q to every upstream at once. The first NOERROR
// reply with answers wins and cancels the others. If none arrives, the
// first reply of any other kind (NXDOMAIN, NODATA...) is returned.
// q is not modified.
func ExchangeParallel(ctx context.Context, q *dns.Msg, upstreams []upstream.Upstream, logger *zap.Logger) (*dns.Msg, error) {
	if logger == nil {
		logger = nopLogger
	}

	t := len(upstreams)
	if t == 0 {
		return nil, ErrAllFailed
	}
	if t == 1 {
		return upstreams[0].Exchange(ctx, q.Copy())
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := make(chan *parallelResult, t)
	for _, u := range upstreams {
		qCopy := q.Copy()
		go func() {
			r, err := u.Exchange(taskCtx, qCopy)
			c <- &parallelResult{r: r, err: err, from: u}
		}()
	}

	qname := q.Question[0].Name
	errMsgs := make([]string, 0, t)
	var fallback *dns.Msg
	for i := 0; i < t; i++ {
		res := <-c
		if res.err != nil {
			if errors.Is(res.err, context.Canceled) {
				logger.Debug("upstream exchange canceled", zap.String("qname", qname), zap.String("addr", res.from.Address()))
			} else {
				logger.Warn("upstream exchange failed", zap.String("qname", qname), zap.String("addr", res.from.Address()), zap.Error(res.err))
				errMsgs = append(errMsgs, fmt.Sprintf("[%s: %v]", res.from.Address(), res.err))
			}
			continue
		}
		if res.r == nil {
			continue
		}

		if res.r.Rcode == dns.RcodeSuccess && len(res.r.Answer) > 0 {
			return res.r, nil
		}
		if fallback == nil {
			fallback = res.r
		}
	}

	if fallback != nil {
		return fallback, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(errMsgs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAllFailed, strings.Join(errMsgs, ", "))
	}
	return nil, ErrAllFailed
}
