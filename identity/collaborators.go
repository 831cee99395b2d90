package identity

import (
	"time"

	"github.com/opd-ai/trustcore/recipient"
)

// Directory resolves addresses to contacts and records which contacts need
// a storage-sync push. *recipient.Directory implements it.
type Directory interface {
	ResolveByServiceID(serviceID string) (recipient.Contact, bool)
	ResolveByAddress(address string) (recipient.Contact, bool)
	LegacyAddress(c recipient.Contact) (string, bool)
	PreferredAddress(id recipient.ID) (string, bool)
	MarkNeedsSync(id recipient.ID)
}

// SyncScheduler requests a storage-sync round. Implementations must return
// promptly; the round itself runs elsewhere.
type SyncScheduler interface {
	ScheduleSyncRound()
}

// SessionInvalidator discards any cached cryptographic session for an
// address.
type SessionInvalidator interface {
	InvalidateSession(address string)
}

// NotificationSink surfaces the user-visible "safety number changed" alert.
type NotificationSink interface {
	RaiseIdentityChanged(id recipient.ID)
}

// TimeProvider abstracts the wall clock for deterministic tests.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses time.Now.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

type noopDirectory struct{}

func (noopDirectory) ResolveByServiceID(string) (recipient.Contact, bool) {
	return recipient.Contact{}, false
}
func (noopDirectory) ResolveByAddress(string) (recipient.Contact, bool) {
	return recipient.Contact{}, false
}
func (noopDirectory) LegacyAddress(recipient.Contact) (string, bool) { return "", false }
func (noopDirectory) PreferredAddress(recipient.ID) (string, bool)   { return "", false }
func (noopDirectory) MarkNeedsSync(recipient.ID)                     {}

type noopScheduler struct{}

func (noopScheduler) ScheduleSyncRound() {}

type noopInvalidator struct{}

func (noopInvalidator) InvalidateSession(string) {}

type noopSink struct{}

func (noopSink) RaiseIdentityChanged(recipient.ID) {}
