// Package corerun provides the lifetime and identity primitives shared by the
// priority thread pool (see package pool) and the typed event system (see
// package event): a destroyed-flag for lifetime observation and a cookie jar
// for subscription identifiers.
//
// Neither primitive is useful on its own; they exist to let pool and event
// depend on a small, shared vocabulary without depending on each other.
package corerun
