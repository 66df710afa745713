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

import "time"

// Kind tells which indexes an Entry belongs to.
type Kind uint8

const (
	KindStaticExact Kind = iota
	KindStaticWildcard
	KindDynamic
)

func (k Kind) String() string {
	switch k {
	case KindStaticExact:
		return "static"
	case KindStaticWildcard:
		return "wildcard"
	case KindDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// InsertResult is the outcome of an Append call.
type InsertResult uint8

const (
	// Inserted means the entry is now indexed.
	Inserted InsertResult = iota
	// AlreadyPresent means an entry with the same key exists. The new
	// entry was discarded and the existing one kept.
	AlreadyPresent
	// Rejected means the input could not form an entry. Nothing changed.
	Rejected
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyPresent:
		return "already_present"
	default:
		return "rejected"
	}
}

// maxAnswerLen is the largest answer section that fits a DNS message.
const maxAnswerLen = 0xffff

// Entry is one cached answer. It is never modified after construction,
// so a pointer returned by Search stays valid after the entry has been
// swept out of the store.
type Entry struct {
	// Domain is the lower-cased name for exact and dynamic entries,
	// or the literal suffix for wildcard entries.
	Domain string
	// Prefix is the required leading literal of a wildcard entry.
	Prefix string

	// Answer is a packed answer section. Its compression pointers
	// assume the question name starts at offset 12.
	Answer      []byte
	AnswerCount uint16

	CreatedAt time.Time
	// ExpiresAt is zero for static entries.
	ExpiresAt time.Time

	Kind Kind

	// seq breaks ExpiresAt ties in the expire index.
	seq uint64
}

func (e *Entry) DomainLen() int { return len(e.Domain) }

func (e *Entry) AnswerLen() int { return len(e.Answer) }

// IsStatic reports whether e was loaded from a hosts file.
func (e *Entry) IsStatic() bool { return e.Kind != KindDynamic }

// Expired reports whether a dynamic entry is due at now. Static entries
// never expire.
func (e *Entry) Expired(now time.Time) bool {
	return e.Kind == KindDynamic && !e.ExpiresAt.After(now)
}
