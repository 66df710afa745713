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

package domain_cache

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Store is the answer cache. It keeps static entries loaded from a hosts
// file and dynamic entries learned from upstream answers.
//
// Store is not safe for concurrent use. It must be owned by a single
// goroutine, or wrapped by ConcurrentStore.
type Store struct {
	clock clockwork.Clock

	names   *exactIndex
	wnames  *wildcardIndex
	expires *expireIndex

	count  int // entries in names, static and dynamic
	wcount int // entries in wnames
	seq    uint64
}

type Option func(s *Store)

// WithClock sets the clock used to stamp new entries.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:   clockwork.NewRealClock(),
		names:   newExactIndex(),
		wnames:  newWildcardIndex(),
		expires: newExpireIndex(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Search returns the entry answering domain, or nil. An exact entry
// always wins over wildcard patterns. Search has no side effects.
func (s *Store) Search(domain string) *Entry {
	if len(domain) == 0 {
		return nil
	}
	domain = toLower(domain)
	if e := s.names.find(domain); e != nil {
		return e
	}
	if s.wcount < 1 {
		return nil
	}
	return s.wnames.findBest(domain)
}

// AppendStatic adds an exact static entry. The first entry for a name
// wins, later ones are discarded.
func (s *Store) AppendStatic(domain string, answer []byte) InsertResult {
	if len(domain) == 0 || !validAnswer(answer) {
		return Rejected
	}
	e := &Entry{
		Domain:      toLower(domain),
		Answer:      cloneBytes(answer),
		AnswerCount: 1,
		CreatedAt:   s.clock.Now(),
		Kind:        KindStaticExact,
	}
	r := s.names.insert(e)
	if r == Inserted {
		s.count++
	}
	return r
}

// AppendWildcard adds a static "prefix*suffix" pattern. An empty prefix
// accepts any leading text.
func (s *Store) AppendWildcard(prefix, suffix string, answer []byte) InsertResult {
	if !validAnswer(answer) {
		return Rejected
	}
	e := &Entry{
		Domain:      toLower(suffix),
		Prefix:      toLower(prefix),
		Answer:      cloneBytes(answer),
		AnswerCount: 1,
		CreatedAt:   s.clock.Now(),
		Kind:        KindStaticWildcard,
	}
	r := s.wnames.insert(e)
	if r == Inserted {
		s.wcount++
	}
	return r
}

// AppendDynamic caches an upstream answer for ttl seconds. It never
// replaces an existing entry, static or dynamic.
func (s *Store) AppendDynamic(domain string, ttl uint32, answer []byte, answerCount uint16) InsertResult {
	if len(domain) == 0 || !validAnswer(answer) || answerCount == 0 {
		return Rejected
	}
	now := s.clock.Now()
	s.seq++
	e := &Entry{
		Domain:      toLower(domain),
		Answer:      cloneBytes(answer),
		AnswerCount: answerCount,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(ttl) * time.Second),
		Kind:        KindDynamic,
		seq:         s.seq,
	}
	r := s.names.insert(e)
	if r == Inserted {
		s.count++
		s.expires.insert(e)
	}
	return r
}

// Clean evicts every dynamic entry that expired at or before now and
// returns how many were removed.
func (s *Store) Clean(now time.Time) (removed int) {
	for {
		e := s.expires.peekEarliest()
		if e == nil || e.ExpiresAt.After(now) {
			return removed
		}
		s.removeDynamic(e)
		removed++
	}
}

// removeDynamic unlinks e from both indexes it lives in.
func (s *Store) removeDynamic(e *Entry) {
	s.expires.remove(e)
	s.names.remove(e)
	s.count--
}

// Len returns the number of entries in the store.
func (s *Store) Len() int { return s.count + s.wcount }

// ExactLen returns the number of entries in the name index.
func (s *Store) ExactLen() int { return s.count }

// WildcardLen returns the number of wildcard patterns.
func (s *Store) WildcardLen() int { return s.wcount }

// DynamicLen returns the number of entries waiting for expiration.
func (s *Store) DynamicLen() int { return s.expires.len() }

func validAnswer(b []byte) bool {
	return len(b) > 0 && len(b) <= maxAnswerLen
}

func cloneBytes(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// toLower lower-cases ASCII letters. It does not allocate if s is
// already lower case.
func toLower(s string) string {
	i := 0
	for ; i < len(s); i++ {
		if c := s[i]; 'A' <= c && c <= 'Z' {
			break
		}
	}
	if i == len(s) {
		return s
	}
	b := []byte(s)
	for ; i < len(b); i++ {
		if c := b[i]; 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
