package domain_cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_exactIndex(t *testing.T) {
	x := newExactIndex()
	a := &Entry{Domain: "a.com"}
	a2 := &Entry{Domain: "a.com"}
	b := &Entry{Domain: "b.com"}

	assert.Equal(t, Inserted, x.insert(a))
	assert.Equal(t, AlreadyPresent, x.insert(a2))
	assert.Equal(t, Inserted, x.insert(b))
	assert.Same(t, a, x.find("a.com"))
	assert.Nil(t, x.find("c.com"))
	assert.Equal(t, 2, x.len())

	// Removal is by identity.
	assert.Panics(t, func() { x.remove(a2) })
	assert.Panics(t, func() { x.remove(&Entry{Domain: "c.com"}) })
	x.remove(a)
	assert.Nil(t, x.find("a.com"))
	assert.Equal(t, 1, x.len())
}

func Test_wildcardIndex(t *testing.T) {
	x := newWildcardIndex()
	p1 := &Entry{Domain: ".s", Prefix: "dev"}
	p2 := &Entry{Domain: ".s", Prefix: "dev1"}
	require.Equal(t, Inserted, x.insert(p1))
	require.Equal(t, Inserted, x.insert(p2))
	assert.Equal(t, AlreadyPresent, x.insert(&Entry{Domain: ".s", Prefix: "dev"}))

	// dev and dev1 under one suffix, queried as dev1x.
	assert.Same(t, p2, x.findBest("dev1x.s"))
	assert.Same(t, p1, x.findBest("dev2.s"))
	assert.Same(t, p1, x.findBest(".s"))
	assert.Nil(t, x.findBest("de.s"))

	// Prefixes may run into the suffix.
	p3 := &Entry{Domain: "b", Prefix: "ab"}
	require.Equal(t, Inserted, x.insert(p3))
	assert.Same(t, p3, x.findBest("ab"))
	assert.Same(t, p3, x.findBest("abb"))
	assert.Nil(t, x.findBest("xb"))

	it, ok := x.firstWithSuffix(".s")
	require.True(t, ok)
	assert.Same(t, p1, it.entry)
	_, ok = x.firstWithSuffix(".t")
	assert.False(t, ok)

	assert.Panics(t, func() { x.remove(&Entry{Domain: ".s", Prefix: "dev"}) })
	x.remove(p2)
	assert.Same(t, p1, x.findBest("dev1x.s"))
	assert.Equal(t, 2, x.len())
}

func Test_expireIndex(t *testing.T) {
	x := newExpireIndex()
	assert.Nil(t, x.peekEarliest())
	assert.Nil(t, x.popEarliest())

	now := time.Unix(1700000000, 0)
	late := &Entry{ExpiresAt: now.Add(time.Minute), seq: 1}
	early := &Entry{ExpiresAt: now, seq: 2}
	tie := &Entry{ExpiresAt: now, seq: 3}
	x.insert(late)
	x.insert(tie)
	x.insert(early)
	assert.Panics(t, func() { x.insert(&Entry{ExpiresAt: now, seq: 2}) })
	assert.Equal(t, 3, x.len())

	// Ties on the instant are broken by insertion sequence.
	assert.Same(t, early, x.peekEarliest())
	assert.Same(t, early, x.popEarliest())
	assert.Same(t, tie, x.popEarliest())
	assert.Same(t, late, x.popEarliest())
	assert.Zero(t, x.len())

	// Removal is by identity.
	a := &Entry{ExpiresAt: now, seq: 4}
	b := &Entry{ExpiresAt: now.Add(time.Second), seq: 5}
	x.insert(a)
	x.insert(b)
	assert.Panics(t, func() { x.remove(&Entry{ExpiresAt: now, seq: 4}) })
	assert.Panics(t, func() { x.remove(&Entry{ExpiresAt: now, seq: 9}) })
	x.remove(a)
	assert.Equal(t, 1, x.len())
	assert.Same(t, b, x.peekEarliest())
	assert.Panics(t, func() { x.remove(a) })
	x.remove(b)
	assert.Nil(t, x.peekEarliest())
}
