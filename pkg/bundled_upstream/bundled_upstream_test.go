package bundled_upstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/dnsproxy/pkg/upstream"
)

type dummyUpstream struct {
	addr  string
	delay time.Duration
	rcode int
	ans   bool
	err   error
}

func (u *dummyUpstream) Address() string { return u.addr }

func (u *dummyUpstream) Exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	select {
	case <-time.After(u.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if u.err != nil {
		return nil, u.err
	}
	r := new(dns.Msg)
	r.SetRcode(q, u.rcode)
	if u.ans {
		rr, _ := dns.NewRR(q.Question[0].Name + " 60 IN A 1.2.3.4")
		r.Answer = append(r.Answer, rr)
	}
	r.Ns = []dns.RR{&dns.TXT{Hdr: dns.RR_Header{Name: u.addr + ".", Rrtype: dns.TypeTXT, Class: dns.ClassINET}}}
	return r, nil
}

func from(r *dns.Msg) string {
	return r.Ns[0].Header().Name
}

func TestExchangeParallel(t *testing.T) {
	errUp := errors.New("upstream err")
	tests := []struct {
		name      string
		ups       []*dummyUpstream
		want      string
		wantErrIs error
	}{
		{
			name: "fastest answer wins",
			ups: []*dummyUpstream{
				{addr: "slow", delay: 200 * time.Millisecond, ans: true},
				{addr: "fast", delay: 10 * time.Millisecond, ans: true},
			},
			want: "fast.",
		},
		{
			name: "answer beats earlier nxdomain",
			ups: []*dummyUpstream{
				{addr: "nx", rcode: dns.RcodeNameError},
				{addr: "ok", delay: 50 * time.Millisecond, ans: true},
			},
			want: "ok.",
		},
		{
			name: "first fallback",
			ups: []*dummyUpstream{
				{addr: "nx", rcode: dns.RcodeNameError},
				{addr: "nodata", delay: 50 * time.Millisecond},
				{addr: "err", err: errUp},
			},
			want: "nx.",
		},
		{
			name: "all failed",
			ups: []*dummyUpstream{
				{addr: "e1", err: errUp},
				{addr: "e2", err: errUp},
			},
			wantErrIs: ErrAllFailed,
		},
		{
			name: "single upstream",
			ups: []*dummyUpstream{
				{addr: "only", err: errUp},
			},
			wantErrIs: errUp,
		},
		{
			name:      "no upstream",
			wantErrIs: ErrAllFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var us []upstream.Upstream
			for _, u := range tt.ups {
				us = append(us, u)
			}
			q := new(dns.Msg)
			q.SetQuestion("example.com.", dns.TypeA)
			r, err := ExchangeParallel(context.Background(), q, us, nil)
			if tt.wantErrIs != nil {
				assert.ErrorIs(t, err, tt.wantErrIs)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, from(r))
			assert.Equal(t, "example.com.", q.Question[0].Name)
		})
	}
}

func TestExchangeParallel_ctx(t *testing.T) {
	us := []upstream.Upstream{
		&dummyUpstream{addr: "a", delay: time.Second, ans: true},
		&dummyUpstream{addr: "b", delay: time.Second, ans: true},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	_, err := ExchangeParallel(ctx, q, us, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
