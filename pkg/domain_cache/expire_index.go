package domain_cache

import (
	"fmt"

	"github.com/google/btree"
)

type expireItem struct {
	at    int64 // unix nano
	seq   uint64
	entry *Entry
}

func expireLess(a, b expireItem) bool {
	if a.at != b.at {
		return a.at < b.at
	}
	return a.seq < b.seq
}

// expireIndex orders dynamic entries by expiration instant.
type expireIndex struct {
	t *btree.BTreeG[expireItem]
}

func newExpireIndex() *expireIndex {
	return &expireIndex{t: btree.NewG[expireItem](btreeDegree, expireLess)}
}

func keyOf(e *Entry) expireItem {
	return expireItem{at: e.ExpiresAt.UnixNano(), seq: e.seq, entry: e}
}

func (x *expireIndex) insert(e *Entry) {
	k := keyOf(e)
	if x.t.Has(k) {
		panic(fmt.Sprintf("domain_cache: duplicated expire key for %q", e.Domain))
	}
	x.t.ReplaceOrInsert(k)
}

// remove deletes e by identity. It panics if e is not indexed.
func (x *expireIndex) remove(e *Entry) {
	it, ok := x.t.Get(keyOf(e))
	if !ok || it.entry != e {
		panic(fmt.Sprintf("domain_cache: %q is not in the expire index", e.Domain))
	}
	x.t.Delete(it)
}

func (x *expireIndex) peekEarliest() *Entry {
	it, ok := x.t.Min()
	if !ok {
		return nil
	}
	return it.entry
}

func (x *expireIndex) popEarliest() *Entry {
	it, ok := x.t.DeleteMin()
	if !ok {
		return nil
	}
	return it.entry
}

func (x *expireIndex) len() int { return x.t.Len() }
