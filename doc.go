// Package keygen allocates stable, monotonically increasing integer
// occurrence keys for biodiversity occurrence records identified by one or
// more composite natural-key strings.
//
// Multiple distinct natural keys may refer to the same logical occurrence
// and must all resolve to the same integer key; once allocated, a key is
// immutable for the lifetime of the record. Service is the sole entry
// point; it composes the key builder (package identifier), the lock
// protocol engine and counter allocator (package internal/lockengine,
// internal/counter), and a pluggable wide-column store (package store).
package keygen
