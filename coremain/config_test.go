package coremain

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pmkol/dnsproxy/pkg/domain_cache"
)

func writeFile(t *testing.T, dir, name, s string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(s), 0644))
	return p
}

func Test_loadConfig(t *testing.T) {
	dir := t.TempDir()
	sub := writeFile(t, dir, "sub.yaml", `
upstream:
  addrs: ["udp://9.9.9.9"]
servers:
  - protocol: tcp
    addr: 127.0.0.1:5353
    proxy_protocol: true
    trusted_proxies: ["10.0.0.0/8"]
`)
	main := writeFile(t, dir, "config.yaml", `
log:
  level: debug
include: ["`+sub+`"]
hosts:
  file: hosts
cache:
  clean_interval: "30"
  max_ttl: 600
upstream:
  addrs: ["1.1.1.1"]
servers:
  - addr: 127.0.0.1:5353
access:
  allow: ["127.0.0.1", "192.168.0.0/16"]
`)

	cfg, used, err := loadConfig(main)
	require.NoError(t, err)
	assert.Equal(t, main, used)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, uint(30), cfg.Cache.CleanInterval)
	assert.Equal(t, uint32(600), cfg.Cache.MaxTTL)
	assert.Equal(t, []string{"udp://9.9.9.9", "1.1.1.1"}, cfg.Upstream.Addrs)
	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, "tcp", cfg.Servers[0].Protocol)
	assert.True(t, cfg.Servers[0].ProxyProtocol)
	assert.Equal(t, "", cfg.Servers[1].Protocol)

	cfg.init()
	assert.Equal(t, uint(5), cfg.Upstream.Timeout)
	assert.Equal(t, uint(50), cfg.Redis.Timeout)

	// Unknown keys are rejected.
	bad := writeFile(t, dir, "bad.yaml", "unknown_key: 1\n")
	_, _, err = loadConfig(bad)
	assert.Error(t, err)
}

func Test_resolveIncludes_loop(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	writeFile(t, dir, "a.yaml", `include: ["`+b+`"]`+"\n")
	writeFile(t, dir, "b.yaml", `include: ["`+a+`"]`+"\n")
	_, _, err := loadConfig(a)
	assert.ErrorContains(t, err, "include loop")

	_, _, err = loadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func Test_genConfig(t *testing.T) {
	out := filepath.Join(t.TempDir(), "config.yaml")
	c := newGenConfigCmd()
	c.SetArgs([]string{"-o", out})
	require.NoError(t, c.Execute())

	cfg, _, err := loadConfig(out)
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
}

func Test_buildIPSet(t *testing.T) {
	s, err := buildIPSet(nil)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = buildIPSet([]string{"10.0.0.0/8", " 192.168.1.1 ", "::ffff:172.16.0.1", "2001:db8::/32"})
	require.NoError(t, err)
	for _, tt := range []struct {
		addr string
		want bool
	}{
		{"10.1.2.3", true},
		{"11.0.0.1", false},
		{"192.168.1.1", true},
		{"192.168.1.2", false},
		{"172.16.0.1", true},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
	} {
		assert.Equal(t, tt.want, s.Contains(netip.MustParseAddr(tt.addr)), tt.addr)
	}

	_, err = buildIPSet([]string{"10.0.0.0/33"})
	assert.Error(t, err)
	_, err = buildIPSet([]string{"not-an-ip"})
	assert.Error(t, err)
}

func Test_newDNSProxy(t *testing.T) {
	dir := t.TempDir()
	hosts := writeFile(t, dir, "hosts", "10.0.0.1 host.local *.wild.local\n")

	cfg := &Config{
		Hosts:    HostsConfig{File: hosts},
		Upstream: UpstreamConfig{Addrs: []string{"udp://127.0.0.1:1"}},
	}
	p, err := newDNSProxy(cfg, zap.NewNop())
	require.NoError(t, err)
	defer p.close()

	assert.Equal(t, domain_cache.Stats{Entries: 2, Exact: 1, Wildcard: 1}, p.cache.Stats())

	rec := httptest.NewRecorder()
	p.httpAPIMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cache/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var st domain_cache.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, 1, st.Wildcard)

	rec = httptest.NewRecorder()
	p.httpAPIMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bytes.Contains(rec.Body.Bytes(), []byte("dnsproxy_cache_size_current 2")))

	_, err = newDNSProxy(&Config{Upstream: UpstreamConfig{Addrs: []string{"doh://x"}}}, zap.NewNop())
	assert.Error(t, err)
	_, err = newDNSProxy(&Config{}, zap.NewNop())
	assert.Error(t, err)
	_, err = newDNSProxy(&Config{
		Redis:    RedisConfig{URL: "notredis://"},
		Upstream: UpstreamConfig{Addrs: []string{"1.1.1.1"}},
	}, zap.NewNop())
	assert.Error(t, err)
}

func Test_versionCmd(t *testing.T) {
	c := newRootCmd()
	var b bytes.Buffer
	c.SetOut(&b)
	c.SetArgs([]string{"version"})
	require.NoError(t, c.Execute())
	assert.Equal(t, Version+"\n", b.String())
}
