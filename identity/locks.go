package identity

import (
	"hash/fnv"
	"time"

	"github.com/sasha-s/go-deadlock"
)

const lockStripes = 64

// LockWaitTimeout is how long a caller may wait for an address stripe
// before go-deadlock reports a potential deadlock. A holder can be inside a
// backend transaction made of several statements, each bounded by the
// backend's own query timeout, so this sits well above any of those.
const LockWaitTimeout = 5 * time.Minute

func init() {
	if t := deadlock.Opts.DeadlockTimeout; t > 0 && t < LockWaitTimeout {
		deadlock.Opts.DeadlockTimeout = LockWaitTimeout
	}
}

// addressLocks serialises mutations per address. Unrelated addresses mostly
// land on different stripes; two addresses sharing a stripe just contend.
type addressLocks struct {
	stripes [lockStripes]deadlock.RWMutex
}

func (l *addressLocks) stripe(address string) *deadlock.RWMutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(address))
	return &l.stripes[h.Sum32()%lockStripes]
}

func (l *addressLocks) lock(address string) func() {
	m := l.stripe(address)
	m.Lock()
	return m.Unlock
}

func (l *addressLocks) rlock(address string) func() {
	m := l.stripe(address)
	m.RLock()
	return m.RUnlock
}
