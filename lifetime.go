package corerun

import "sync/atomic"

// Lifetime is an owned marker that an arbitrary number of observers can watch
// for destruction without holding a back-pointer to the owner. The owner calls
// Destroy exactly once (idempotent if called again); observers hold a
// DestroyedFlag obtained via Flag and poll Destroyed().
type Lifetime struct {
	destroyed atomic.Bool
}

// NewLifetime returns a live Lifetime.
func NewLifetime() *Lifetime {
	return &Lifetime{}
}

// Destroy marks the lifetime as destroyed. Safe to call more than once and
// safe for concurrent use.
func (l *Lifetime) Destroy() {
	l.destroyed.Store(true)
}

// Destroyed reports whether Destroy has been called.
func (l *Lifetime) Destroyed() bool {
	return l.destroyed.Load()
}

// Flag returns a detached, read-only view of this lifetime suitable for
// embedding in records that must outlive the owner's other state (for
// example a handler record that keeps watching its target queue after the
// queue itself has gone away).
func (l *Lifetime) Flag() DestroyedFlag {
	return DestroyedFlag{l: l}
}

// DestroyedFlag is a read-only view onto a Lifetime. The zero value reports
// not-destroyed, so a DestroyedFlag with no attached Lifetime is harmless.
type DestroyedFlag struct {
	l *Lifetime
}

// Destroyed reports whether the watched Lifetime has been destroyed.
func (f DestroyedFlag) Destroyed() bool {
	return f.l != nil && f.l.Destroyed()
}
