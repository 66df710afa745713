package cache

import (
	"context"
	"io"
	"time"
)

// Answer is an answer section shared between proxy instances.
type Answer struct {
	// Answer is the packed answer section. Owner names may point at
	// the question name right after the header.
	Answer      []byte
	AnswerCount uint16

	// StoredTime is when the TTLs in Answer were last correct.
	StoredTime time.Time
	Expire     time.Time
}

// Backend is a second level answer store keyed by normalized domain.
type Backend interface {
	// Get returns the answer of key. ok is false if the answer is not
	// found or has expired. The returned Answer is owned by the caller.
	Get(ctx context.Context, key string) (a Answer, ok bool)

	// Store saves a. Failures are handled by the Backend itself.
	Store(ctx context.Context, key string, a Answer)

	Len() int

	io.Closer
}
