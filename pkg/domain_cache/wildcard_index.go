package domain_cache

import (
	"fmt"
	"strings"

	"github.com/google/btree"
)

// wildcardItem is a "prefix*suffix" pattern. Items are ordered by
// suffix length, then suffix, then prefix, so all patterns sharing a
// suffix are adjacent.
type wildcardItem struct {
	suffix string
	prefix string
	entry  *Entry
}

func wildcardLess(a, b wildcardItem) bool {
	if len(a.suffix) != len(b.suffix) {
		return len(a.suffix) < len(b.suffix)
	}
	if a.suffix != b.suffix {
		return a.suffix < b.suffix
	}
	return a.prefix < b.prefix
}

type wildcardIndex struct {
	t *btree.BTreeG[wildcardItem]
}

func newWildcardIndex() *wildcardIndex {
	return &wildcardIndex{t: btree.NewG[wildcardItem](btreeDegree, wildcardLess)}
}

func (x *wildcardIndex) insert(e *Entry) InsertResult {
	it := wildcardItem{suffix: e.Domain, prefix: e.Prefix, entry: e}
	if x.t.Has(it) {
		return AlreadyPresent
	}
	x.t.ReplaceOrInsert(it)
	return Inserted
}

func (x *wildcardIndex) remove(e *Entry) {
	it, ok := x.t.Get(wildcardItem{suffix: e.Domain, prefix: e.Prefix})
	if !ok || it.entry != e {
		panic(fmt.Sprintf("domain_cache: pattern %q*%q is not in the wildcard index", e.Prefix, e.Domain))
	}
	x.t.Delete(it)
}

func (x *wildcardIndex) len() int { return x.t.Len() }

// findBest returns the most specific pattern matching q.
//
// A pattern with suffix S and prefix P matches q when q ends with S and
// either q == S, or P is empty, or q starts with P. P may run into S.
// Longer suffixes win. For one suffix the longest matching prefix wins.
// When q == S every prefix matches and the smallest prefix wins.
func (x *wildcardIndex) findBest(q string) *Entry {
	for ls := len(q); ls >= 0; ls-- {
		lead := len(q) - ls
		suffix := q[lead:]

		if lead == 0 {
			if first, ok := x.firstWithSuffix(suffix); ok {
				return first.entry
			}
			continue
		}

		// A matching prefix is a prefix of q, so it sorts at or below q.
		var best *Entry
		bestLen := -1
		x.t.AscendRange(
			wildcardItem{suffix: suffix},
			wildcardItem{suffix: suffix, prefix: q + "\x00"},
			func(it wildcardItem) bool {
				if len(it.prefix) > bestLen && strings.HasPrefix(q, it.prefix) {
					best, bestLen = it.entry, len(it.prefix)
				}
				return true
			},
		)
		if best != nil {
			return best
		}
	}
	return nil
}

// firstWithSuffix returns the pattern with the smallest prefix among
// those whose suffix equals s.
func (x *wildcardIndex) firstWithSuffix(s string) (wildcardItem, bool) {
	var (
		found wildcardItem
		ok    bool
	)
	x.t.AscendGreaterOrEqual(wildcardItem{suffix: s}, func(it wildcardItem) bool {
		if it.suffix == s {
			found, ok = it, true
		}
		return false
	})
	return found, ok
}
