package domain_cache

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/pmkol/dnsproxy/pkg/dnsutils"
)

const (
	// MaxHostsLineLen bounds a hosts line. Longer lines are skipped.
	MaxHostsLineLen = 8 * 1024

	// StaticTTL is the TTL written into answers built from hosts lines.
	StaticTTL = 86400
)

// LoadStats summarizes one hosts load.
type LoadStats struct {
	Lines      int // lines read
	Skipped    int // blank, comment, oversized or malformed lines
	Exact      int // exact entries inserted
	Wildcard   int // wildcard patterns inserted
	Duplicates int // names discarded because an earlier line won
}

// Init returns a Store loaded with the hosts file at path. An empty path
// gives an empty Store. A missing or broken file is logged and yields an
// empty or partial static set, it is never fatal.
func Init(path string, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := New(opts...)
	if len(path) == 0 {
		return s
	}
	st, err := s.LoadHostsFile(path)
	if err != nil {
		logger.Warn("failed to load hosts file", zap.String("file", path), zap.Error(err))
	}
	logger.Info("hosts file loaded",
		zap.String("file", path),
		zap.Int("exact", st.Exact),
		zap.Int("wildcard", st.Wildcard),
		zap.Int("duplicates", st.Duplicates),
		zap.Int("skipped", st.Skipped),
	)
	return s
}

// LoadHostsFile opens path and calls LoadHosts.
func (s *Store) LoadHostsFile(path string) (LoadStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return LoadStats{}, err
	}
	defer f.Close()
	return s.LoadHosts(f)
}

// LoadHosts reads "<ipv4> <domain> [domain...]" lines from r and adds a
// static A answer for every domain. A domain containing '*' becomes a
// wildcard pattern. Bad lines are skipped. The returned error is only a
// read error, entries read before it stay in the store.
func (s *Store) LoadHosts(r io.Reader) (LoadStats, error) {
	var st LoadStats
	br := bufio.NewReaderSize(r, MaxHostsLineLen)
	for {
		line, err := readLine(br)
		if len(line) > 0 || err == nil {
			st.Lines++
			if line == nil {
				st.Skipped++
			} else {
				s.loadLine(line, &st)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return st, nil
			}
			return st, fmt.Errorf("failed to read hosts, %w", err)
		}
	}
}

// readLine returns the next line. An oversized line is consumed and
// returned as nil.
func readLine(br *bufio.Reader) ([]byte, error) {
	line, isPrefix, err := br.ReadLine()
	if !isPrefix {
		return line, err
	}
	for isPrefix && err == nil {
		_, isPrefix, err = br.ReadLine()
	}
	return nil, err
}

func (s *Store) loadLine(line []byte, st *LoadStats) {
	if i := bytes.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	f := bytes.Fields(line)
	if len(f) < 2 {
		st.Skipped++
		return
	}
	addr, ok := parseHostsAddr(string(f[0]))
	if !ok {
		st.Skipped++
		return
	}
	answer := dnsutils.StaticAnswerA(addr, StaticTTL)

	for _, tok := range f[1:] {
		name := strings.TrimSuffix(strings.ToLower(string(tok)), ".")
		var r InsertResult
		wildcard := false
		if i := strings.IndexByte(name, '*'); i >= 0 {
			prefix, suffix := name[:i], name[i+1:]
			if strings.IndexByte(suffix, '*') >= 0 {
				continue
			}
			wildcard = true
			r = s.AppendWildcard(prefix, suffix, answer)
		} else {
			r = s.AppendStatic(name, answer)
		}
		switch r {
		case Inserted:
			if wildcard {
				st.Wildcard++
			} else {
				st.Exact++
			}
		case AlreadyPresent:
			st.Duplicates++
		}
	}
}

// parseHostsAddr accepts a dotted IPv4 address other than the "any"
// and "none" sentinels.
func parseHostsAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, false
	}
	if addr.IsUnspecified() || addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return netip.Addr{}, false
	}
	return addr, true
}
