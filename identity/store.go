package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trustcore/keycodec"
	"github.com/opd-ai/trustcore/metrics"
	"github.com/opd-ai/trustcore/recipient"
	"github.com/opd-ai/trustcore/storage"
)

var (
	// ErrEmptyAddress is returned for operations given an empty address.
	ErrEmptyAddress = errors.New("address cannot be empty")
	// ErrEmptyKey is returned when an identity key has no bytes.
	ErrEmptyKey = errors.New("identity key cannot be empty")
	// ErrInvalidStatus is returned when a caller passes an undefined status.
	ErrInvalidStatus = errors.New("invalid verified status")
)

// Options configures a Store. Nil collaborators are replaced by no-ops.
type Options struct {
	Directory     Directory
	Sync          SyncScheduler
	Sessions      SessionInvalidator
	Notifications NotificationSink
	TimeProvider  TimeProvider
}

// Store is the identity trust store.
//
// Every mutation of an address runs under that address's exclusive lock, so
// read-modify-write sequences such as SetVerified and UpdateAfterSync are
// linearizable per address. When the backend implements storage.Atomic,
// UpdateAfterSync and AttachSecondaryKey also run inside Atomically, which
// extends the guarantee to other processes sharing the backend.
//
// Listeners are invoked while the lock is held, after the write committed,
// which keeps events for one address in commit order; they must not call
// back into the Store. Collaborator side effects run after the lock is
// released and never undo a committed write.
type Store struct {
	backend       storage.Backend
	directory     Directory
	sync          SyncScheduler
	sessions      SessionInvalidator
	notifications NotificationSink
	timeProvider  TimeProvider

	locks    addressLocks
	notifier *Notifier
}

// NewStore creates a Store over backend.
func NewStore(backend storage.Backend, opts Options) *Store {
	s := &Store{
		backend:       backend,
		directory:     opts.Directory,
		sync:          opts.Sync,
		sessions:      opts.Sessions,
		notifications: opts.Notifications,
		timeProvider:  opts.TimeProvider,
		notifier:      NewNotifier(),
	}
	if s.directory == nil {
		s.directory = noopDirectory{}
	}
	if s.sync == nil {
		s.sync = noopScheduler{}
	}
	if s.sessions == nil {
		s.sessions = noopInvalidator{}
	}
	if s.notifications == nil {
		s.notifications = noopSink{}
	}
	if s.timeProvider == nil {
		s.timeProvider = DefaultTimeProvider{}
	}
	return s
}

// Subscribe registers l for change events.
func (s *Store) Subscribe(l Listener) *Subscription {
	return s.notifier.Subscribe(l)
}

// Backend returns the underlying storage backend.
func (s *Store) Backend() storage.Backend { return s.backend }

// owner returns id, or the contact resolved from address when id is Unknown.
func (s *Store) owner(address string, id recipient.ID) recipient.ID {
	if id != recipient.Unknown {
		return id
	}
	if c, ok := s.directory.ResolveByAddress(address); ok {
		return c.ID
	}
	return recipient.Unknown
}

func (s *Store) nowMillis() int64 {
	return s.timeProvider.Now().UnixMilli()
}

// get reads and decodes a row. Callers hold the address lock.
func (s *Store) get(ctx context.Context, address string) (TrustRecord, bool, error) {
	return s.read(ctx, s.backend, address)
}

func (s *Store) read(ctx context.Context, b storage.Backend, address string) (TrustRecord, bool, error) {
	row, ok, err := b.Get(ctx, address)
	if err != nil || !ok {
		return TrustRecord{}, false, err
	}

	var id recipient.ID
	if c, found := s.directory.ResolveByAddress(address); found {
		id = c.ID
	}

	rec, err := recordFromRow(row, id)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "get",
			"address":  address,
			"error":    err.Error(),
		}).Error("Stored identity record is corrupt")
		return TrustRecord{}, false, err
	}
	return rec, true, nil
}

// Lookup returns the record for address. When the address is a service
// identifier with no record, Lookup retries once with the owning contact's
// legacy E164 address, provided that address is not itself a service
// identifier.
func (s *Store) Lookup(ctx context.Context, address string) (TrustRecord, bool, error) {
	rec, ok, err := s.lookupOne(ctx, address)
	if err != nil || ok {
		observe("lookup", err, ok)
		return rec, ok, err
	}

	fields := logrus.Fields{"function": "Lookup", "address": address}
	if !recipient.IsServiceID(address) {
		logrus.WithFields(fields).Debug("No identity for legacy address")
		observe("lookup", nil, false)
		return TrustRecord{}, false, nil
	}

	contact, found := s.directory.ResolveByServiceID(address)
	if !found {
		logrus.WithFields(fields).Debug("No identity for service id and no contact")
		observe("lookup", nil, false)
		return TrustRecord{}, false, nil
	}

	legacy, hasLegacy := s.directory.LegacyAddress(contact)
	if !hasLegacy || recipient.IsServiceID(legacy) {
		logrus.WithFields(fields).Debug("No identity for service id and contact has no usable e164")
		observe("lookup", nil, false)
		return TrustRecord{}, false, nil
	}

	logrus.WithFields(fields).Debug("No identity for service id, trying e164")
	rec, ok, err = s.lookupOne(ctx, legacy)
	observe("lookup", err, ok)
	return rec, ok, err
}

func (s *Store) lookupOne(ctx context.Context, address string) (TrustRecord, bool, error) {
	if address == "" {
		return TrustRecord{}, false, nil
	}
	unlock := s.locks.rlock(address)
	defer unlock()
	return s.get(ctx, address)
}

// Save upserts record, replacing any existing record for its address, then
// marks the owning contact as needing sync and schedules a sync round.
// Save does not compare against a previously stored key; the caller decides
// FirstUse and VerifiedStatus.
func (s *Store) Save(ctx context.Context, record TrustRecord) error {
	if err := validate(record.Address, record.IdentityKey, record.VerifiedStatus); err != nil {
		observe("save", err, false)
		return err
	}

	record.RecipientID = s.owner(record.Address, record.RecipientID)
	// An empty secondary key is no secondary key.
	if len(record.SecondaryKey) == 0 {
		record.SecondaryKey = nil
	}

	unlock := s.locks.lock(record.Address)
	err := s.saveLocked(ctx, record)
	unlock()
	if err != nil {
		observe("save", err, false)
		return err
	}

	s.markNeedsSync(record.RecipientID)
	s.scheduleSync()
	observe("save", nil, true)
	return nil
}

// atomically runs fn against a backend view that is serialized with other
// processes sharing the backend, when the backend supports that. Callers
// hold the address lock.
func (s *Store) atomically(ctx context.Context, address string, fn func(storage.Backend) error) error {
	if a, ok := s.backend.(storage.Atomic); ok {
		return a.Atomically(ctx, address, fn)
	}
	return fn(s.backend)
}

// saveLocked writes record and publishes it. Callers hold the address lock.
func (s *Store) saveLocked(ctx context.Context, record TrustRecord) error {
	if err := s.write(ctx, s.backend, record); err != nil {
		return err
	}
	s.notifier.Publish(record)
	return nil
}

func (s *Store) write(ctx context.Context, b storage.Backend, record TrustRecord) error {
	if err := b.Replace(ctx, record.toRow()); err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "save",
		"address":   record.Address,
		"key":       keyPreview(record.IdentityKey),
		"status":    record.VerifiedStatus.String(),
		"first_use": record.FirstUse,
		"approval":  record.NonblockingApproval,
		"secondary": record.HasSecondaryKey(),
	}).Debug("Identity saved")
	return nil
}

// SetApproval updates only the non-blocking approval flag. It reports
// whether a record was updated; an unknown address is a no-op without sync
// side effects.
func (s *Store) SetApproval(ctx context.Context, address string, id recipient.ID, approval bool) (bool, error) {
	if address == "" {
		return false, ErrEmptyAddress
	}

	id = s.owner(address, id)

	unlock := s.locks.lock(address)
	n, err := s.backend.UpdateApproval(ctx, address, approval)
	unlock()
	if err != nil {
		observe("set_approval", err, false)
		return false, fmt.Errorf("failed to set approval: %w", err)
	}
	if n == 0 {
		observe("set_approval", nil, false)
		return false, nil
	}

	s.markNeedsSync(id)
	s.scheduleSync()
	observe("set_approval", nil, true)
	return true, nil
}

// SetVerified changes the verified status of address, but only when key is
// the key currently on file. A mismatched or missing key is a silent no-op:
// no event, no sync. It reports whether the status was written; when the
// status was written but could not be read back for the change event, it
// reports true along with the error.
func (s *Store) SetVerified(ctx context.Context, address string, id recipient.ID, key IdentityKey, status VerifiedStatus) (bool, error) {
	if err := validate(address, key, status); err != nil {
		observe("set_verified", err, false)
		return false, err
	}

	id = s.owner(address, id)

	unlock := s.locks.lock(address)
	updated, err := s.setVerifiedLocked(ctx, address, id, key, status)
	unlock()

	// A written status is synced even if reading it back failed.
	if updated {
		s.markNeedsSync(id)
		s.scheduleSync()
	}
	observe("set_verified", err, updated)
	return updated, err
}

func (s *Store) setVerifiedLocked(ctx context.Context, address string, id recipient.ID, key IdentityKey, status VerifiedStatus) (bool, error) {
	n, err := s.backend.UpdateVerified(ctx, address, keycodec.Encode(key), status.Int())
	if err != nil {
		return false, fmt.Errorf("failed to set verified status: %w", err)
	}
	if n == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "SetVerified",
			"address":  address,
			"key":      keyPreview(key),
		}).Debug("Key does not match stored identity, status unchanged")
		return false, nil
	}

	rec, ok, err := s.get(ctx, address)
	if err != nil {
		return true, fmt.Errorf("status written, reading it back failed: %w", err)
	}
	if ok {
		rec.RecipientID = id
		s.notifier.Publish(rec)
	}
	return true, nil
}

// UpdateAfterSync reconciles the local record for address with the state
// another device reported. It reports whether the local record was
// rewritten.
//
// The record is rewritten when the key differs, the status differs, or a
// secondary key is attached locally (secondary keys are never carried by
// sync). A rewrite marks the record approved, clears the secondary key,
// publishes the record and invalidates any cached session for the address.
// When an existing record's key differs, the identity-changed notification
// is raised for the owning contact.
func (s *Store) UpdateAfterSync(ctx context.Context, address string, id recipient.ID, key IdentityKey, status VerifiedStatus) (bool, error) {
	if err := validate(address, key, status); err != nil {
		observe("update_after_sync", err, false)
		return false, err
	}

	id = s.owner(address, id)

	unlock := s.locks.lock(address)
	rewritten, keyChanged, err := s.updateAfterSyncLocked(ctx, address, id, key, status)
	unlock()
	if err != nil {
		observe("update_after_sync", err, false)
		return false, err
	}

	if rewritten {
		s.invalidateSession(address)
	}
	if keyChanged {
		metrics.IdentityChanges.Inc()
		s.raiseIdentityChanged(id)
	}
	observe("update_after_sync", nil, rewritten)
	return rewritten, nil
}

func (s *Store) updateAfterSyncLocked(ctx context.Context, address string, id recipient.ID, key IdentityKey, status VerifiedStatus) (rewritten, keyChanged bool, err error) {
	var (
		existing   TrustRecord
		hadEntry   bool
		keyMatches bool
		record     TrustRecord
	)
	err = s.atomically(ctx, address, func(b storage.Backend) error {
		var rerr error
		existing, hadEntry, rerr = s.read(ctx, b, address)
		if rerr != nil {
			return rerr
		}

		keyMatches = hadEntry && existing.IdentityKey.Equal(key)
		statusMatches := keyMatches && existing.VerifiedStatus == status
		secondaryClear := !hadEntry || !existing.HasSecondaryKey()
		if keyMatches && statusMatches && secondaryClear {
			return nil
		}

		record = TrustRecord{
			Address:             address,
			RecipientID:         id,
			IdentityKey:         key.Clone(),
			FirstUse:            !hadEntry,
			Timestamp:           s.nowMillis(),
			VerifiedStatus:      status,
			NonblockingApproval: true,
		}
		if werr := s.write(ctx, b, record); werr != nil {
			return werr
		}
		rewritten = true
		return nil
	})
	if err != nil || !rewritten {
		return false, false, err
	}
	s.notifier.Publish(record)

	if hadEntry && !keyMatches {
		logrus.WithFields(logrus.Fields{
			"function":     "UpdateAfterSync",
			"address":      address,
			"recipient_id": id,
			"existing_key": keyPreview(existing.IdentityKey),
			"new_key":      keyPreview(key),
		}).Warn("Updated identity key during storage sync")
		return true, true, nil
	}
	return true, false, nil
}

// Delete removes the record for address. It reports whether a record
// existed.
func (s *Store) Delete(ctx context.Context, address string) (bool, error) {
	if address == "" {
		return false, ErrEmptyAddress
	}

	unlock := s.locks.lock(address)
	n, err := s.backend.Delete(ctx, address)
	unlock()
	if err != nil {
		observe("delete", err, false)
		return false, fmt.Errorf("failed to delete identity: %w", err)
	}
	observe("delete", nil, n > 0)
	return n > 0, nil
}

// AttachSecondaryKey stores secondaryKey on the existing record for
// address, keeping every other field and bumping the timestamp. Without an
// existing record with a primary key this logs a warning and does nothing;
// it never creates a record. It reports whether the key was attached.
func (s *Store) AttachSecondaryKey(ctx context.Context, id recipient.ID, address string, secondaryKey []byte) (bool, error) {
	if address == "" {
		return false, ErrEmptyAddress
	}
	if len(secondaryKey) == 0 {
		return false, ErrEmptyKey
	}

	unlock := s.locks.lock(address)
	attached, err := s.attachSecondaryKeyLocked(ctx, id, address, secondaryKey)
	unlock()
	observe("attach_secondary_key", err, attached)
	return attached, err
}

func (s *Store) attachSecondaryKeyLocked(ctx context.Context, id recipient.ID, address string, secondaryKey []byte) (bool, error) {
	fields := logrus.Fields{"function": "AttachSecondaryKey", "address": address, "recipient_id": id}

	var (
		record   TrustRecord
		attached bool
	)
	err := s.atomically(ctx, address, func(b storage.Backend) error {
		row, ok, err := b.Get(ctx, address)
		if err != nil {
			return fmt.Errorf("failed to read identity: %w", err)
		}
		if !ok {
			logrus.WithFields(fields).Warn("No identity record for address, secondary key not saved")
			return nil
		}
		if row.IdentityKey == "" {
			logrus.WithFields(fields).Warn("Identity record has no primary key, secondary key not saved")
			return nil
		}

		record, err = recordFromRow(row, id)
		if err != nil {
			return err
		}
		record.SecondaryKey = append([]byte(nil), secondaryKey...)
		record.Timestamp = s.nowMillis()
		if err := s.write(ctx, b, record); err != nil {
			return err
		}
		attached = true
		return nil
	})
	if err != nil || !attached {
		return false, err
	}

	s.notifier.Publish(record)
	logrus.WithFields(fields).Info("Secondary key attached")
	return true, nil
}

// SecondaryKeyFor returns the secondary key stored for a contact, looked up
// by its service identifier or, failing that, its E164.
func (s *Store) SecondaryKeyFor(ctx context.Context, id recipient.ID) ([]byte, bool, error) {
	address, ok := s.directory.PreferredAddress(id)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":     "SecondaryKeyFor",
			"recipient_id": id,
		}).Warn("Cannot resolve an address for contact")
		return nil, false, nil
	}

	unlock := s.locks.rlock(address)
	encoded, _, err := s.backend.SecondaryKey(ctx, address)
	unlock()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read secondary key: %w", err)
	}

	key, err := decodeSecondary(address, encoded)
	if err != nil {
		return nil, false, err
	}
	return key, key != nil, nil
}

func validate(address string, key IdentityKey, status VerifiedStatus) error {
	if address == "" {
		return ErrEmptyAddress
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidStatus, int(status))
	}
	return nil
}

func observe(op string, err error, applied bool) {
	switch {
	case err != nil:
		metrics.ObserveStoreOp(op, metrics.ResultError)
	case applied:
		metrics.ObserveStoreOp(op, metrics.ResultApplied)
	default:
		metrics.ObserveStoreOp(op, metrics.ResultNoop)
	}
}
