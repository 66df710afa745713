package domain_cache

import (
	"fmt"

	"github.com/google/btree"
)

const btreeDegree = 16

type nameItem struct {
	name  string
	entry *Entry
}

func nameLess(a, b nameItem) bool { return a.name < b.name }

// exactIndex orders entries by their literal domain name.
type exactIndex struct {
	t *btree.BTreeG[nameItem]
}

func newExactIndex() *exactIndex {
	return &exactIndex{t: btree.NewG[nameItem](btreeDegree, nameLess)}
}

func (x *exactIndex) find(name string) *Entry {
	it, ok := x.t.Get(nameItem{name: name})
	if !ok {
		return nil
	}
	return it.entry
}

func (x *exactIndex) insert(e *Entry) InsertResult {
	it := nameItem{name: e.Domain, entry: e}
	if x.t.Has(it) {
		return AlreadyPresent
	}
	x.t.ReplaceOrInsert(it)
	return Inserted
}

// remove deletes e by identity. Removing an entry that is not indexed
// is a bug in the store.
func (x *exactIndex) remove(e *Entry) {
	it, ok := x.t.Get(nameItem{name: e.Domain})
	if !ok || it.entry != e {
		panic(fmt.Sprintf("domain_cache: entry %q is not in the name index", e.Domain))
	}
	x.t.Delete(it)
}

func (x *exactIndex) len() int { return x.t.Len() }
