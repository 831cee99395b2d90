// Package trustcore is an identity trust store for an end-to-end encrypted
// messenger.
//
// It remembers, per peer address, the peer's long-term public identity key
// and the trust decision made about it, and keeps that state consistent
// across the devices of one account. A peer key rotation learned from
// another device drops the cached session for the peer and raises a
// "safety number changed" alert.
//
// # Getting Started
//
// Load configuration and build a TrustCore:
//
//	cfg, err := config.Load("trustcore.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	tc, err := trustcore.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tc.Close()
//
//	tc.StartSync()
//
// # Recording Trust
//
//	contact, _ := tc.Directory.Add(serviceID, "+14155550100", "Alice")
//
//	err = tc.Store.Save(ctx, identity.TrustRecord{
//	    Address:        contact.ServiceID,
//	    RecipientID:    contact.ID,
//	    IdentityKey:    key,
//	    VerifiedStatus: identity.StatusDefault,
//	    FirstUse:       true,
//	    Timestamp:      time.Now().UnixMilli(),
//	})
//
//	// After comparing safety numbers in person:
//	ok, err := tc.Store.SetVerified(ctx, contact.ServiceID, contact.ID, key, identity.StatusVerified)
//
// # Core Types
//
//   - [TrustCore]: wires storage, contacts, sessions, alerts and sync
//   - identity.Store: the trust store itself
//   - storagesync.Engine: one sync round against the account's storage service
//   - session.Cache: Noise IK sessions pinned to trusted keys
//
// # Storage Backends
//
// The storage.backend setting selects where records live:
//
//   - memory: process lifetime only
//   - sqlite: the identities table in a SQLite database
//   - securefile: an AES-GCM encrypted snapshot keyed by a passphrase read
//     from the environment variable named by storage.passphrase_env
//   - postgres: the identities table in PostgreSQL at storage.postgres_url
//
// # Sync Remotes
//
// sync.remote selects the storage service devices exchange records through:
// "memory" keeps a private in-process hub, "redis" shares a list at
// sync.redis_url. Several devices of one account point at the same
// sync.redis_prefix and differ only in their device name.
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
package trustcore
