// Package identity implements the identity trust store: the component that
// remembers each peer's long-term public identity key and the trust decision
// made about it.
//
// # Overview
//
// Each peer address has at most one TrustRecord holding the identity key,
// a VerifiedStatus (DEFAULT, VERIFIED or UNVERIFIED), whether the key was
// accepted on first use, the non-blocking approval flag, and an optional
// secondary key used by device pairing.
//
//	store := identity.NewStore(storage.NewMemory(), identity.Options{
//	    Directory:     directory,
//	    Sync:          coordinator,
//	    Sessions:      sessions,
//	    Notifications: alerts,
//	})
//
//	err := store.Save(ctx, identity.TrustRecord{
//	    Address:        addr,
//	    RecipientID:    contact.ID,
//	    IdentityKey:    key,
//	    VerifiedStatus: identity.StatusDefault,
//	    FirstUse:       true,
//	    Timestamp:      time.Now().UnixMilli(),
//	})
//
// # Trust transitions
//
// SetVerified only changes the status when the caller names the exact key on
// file; a stale key is a silent no-op. UpdateAfterSync applies the state
// another of the user's devices reported and is where a peer key rotation is
// detected: the local record is replaced, the cached session for the
// address is invalidated, and the identity-changed notification is raised.
//
// # Events
//
// Store.Subscribe registers a Listener called synchronously with the full
// record after each committed Save, SetVerified, UpdateAfterSync and
// AttachSecondaryKey. Events for one address arrive in commit order.
//
// # Errors
//
// Missing records are reported through the bool result, never as an error.
// Conditional updates that match nothing return false with a nil error.
// Stored rows that fail to decode yield an error wrapping ErrCorruptRecord;
// callers must treat it as fatal rather than fall back to a default key.
//
// # Thread Safety
//
// Store is safe for concurrent use. Mutations are linearizable per address.
package identity
