package identity

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trustcore/recipient"
)

// keyPreview renders the first 8 bytes of a key for logs.
func keyPreview(key []byte) string {
	if len(key) == 0 {
		return "nil"
	}
	n := 8
	if len(key) < n {
		n = len(key)
	}
	preview := fmt.Sprintf("%x", key[:n])
	if len(key) > n {
		preview += "..."
	}
	return preview
}

// sideEffect runs fn and logs instead of propagating a panic; the store's
// write has already been committed when side effects run.
func sideEffect(name string, fields logrus.Fields, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			f := logrus.Fields{"function": name, "panic": r}
			for k, v := range fields {
				f[k] = v
			}
			logrus.WithFields(f).Error("Identity side effect failed")
		}
	}()
	fn()
}

func (s *Store) markNeedsSync(id recipient.ID) {
	if id == recipient.Unknown {
		return
	}
	sideEffect("markNeedsSync", logrus.Fields{"recipient_id": id}, func() {
		s.directory.MarkNeedsSync(id)
	})
}

func (s *Store) scheduleSync() {
	sideEffect("scheduleSync", nil, s.sync.ScheduleSyncRound)
}

func (s *Store) invalidateSession(address string) {
	sideEffect("invalidateSession", logrus.Fields{"address": address}, func() {
		s.sessions.InvalidateSession(address)
	})
}

func (s *Store) raiseIdentityChanged(id recipient.ID) {
	sideEffect("raiseIdentityChanged", logrus.Fields{"recipient_id": id}, func() {
		s.notifications.RaiseIdentityChanged(id)
	})
}
