package lockengine

import "github.com/google/uuid"

// newLockToken returns 16 random bytes, globally unique with overwhelming
// probability, used as the opaque lock token for one allocation attempt.
// Callers must treat it purely as an opaque byte string; nothing in this
// package parses it back into a UUID.
func newLockToken() []byte {
	id := uuid.New()
	return id[:]
}
