package corerun

import (
	"sync"
	"sync/atomic"
)

// Cookie is a monotonically increasing, non-zero identifier for an event
// subscription. Cookies are never reused within the lifetime of the jar that
// allocated them.
type Cookie uint64

// CookieJar allocates cookies and tracks a weak reference count per cookie on
// behalf of a single event instance. The zero value is not usable; use
// NewCookieJar.
type CookieJar struct {
	next atomic.Uint64

	mu   sync.Mutex
	refs map[Cookie]int32
}

// NewCookieJar returns an empty, ready-to-use jar.
func NewCookieJar() *CookieJar {
	return &CookieJar{refs: make(map[Cookie]int32)}
}

// Allocate returns a fresh, non-zero Cookie with an initial reference count
// of one.
func (j *CookieJar) Allocate() Cookie {
	c := Cookie(j.next.Add(1))

	j.mu.Lock()
	j.refs[c] = 1
	j.mu.Unlock()

	return c
}

// AddRef increments the reference count for an existing cookie. It is a
// no-op if the cookie is unknown (already released to zero).
func (j *CookieJar) AddRef(c Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if n, ok := j.refs[c]; ok {
		j.refs[c] = n + 1
	}
}

// Release decrements the reference count for c and reports whether it
// reached zero (in which case the jar forgets the cookie and the caller
// should remove the corresponding handler). Releasing an unknown cookie
// reports zero without error, matching Cookie's "never reused" contract.
func (j *CookieJar) Release(c Cookie) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	n, ok := j.refs[c]
	if !ok {
		return true
	}

	n--
	if n <= 0 {
		delete(j.refs, c)
		return true
	}

	j.refs[c] = n
	return false
}

// Count returns the current reference count for c, or 0 if unknown.
func (j *CookieJar) Count(c Cookie) int32 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.refs[c]
}
