package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/trustcore/keycodec"
	"github.com/opd-ai/trustcore/recipient"
	"github.com/opd-ai/trustcore/storage"
)

const (
	testSID  = "9d0652a3-dcc3-4d11-975f-74d61598733f"
	testE164 = "+14155550101"
	startMs  = int64(1700000000000)
)

var (
	key1 = IdentityKey{0x05, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11}
	key2 = IdentityKey{0x05, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22}
)

type harness struct {
	store   *Store
	backend *storage.Memory
	dir     *recipient.Directory
	sched   *mockScheduler
	inv     *mockInvalidator
	sink    *mockSink
	clock   *mockTimeProvider
	events  *eventLog
	contact recipient.Contact
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend: storage.NewMemory(),
		dir:     recipient.NewDirectory(),
		sched:   &mockScheduler{},
		inv:     newMockInvalidator(),
		sink:    &mockSink{},
		clock:   newMockTime(startMs),
		events:  &eventLog{},
	}
	c, err := h.dir.Add(testSID, testE164, "Alice")
	require.NoError(t, err)
	h.contact = c

	h.store = NewStore(h.backend, Options{
		Directory:     h.dir,
		Sync:          h.sched,
		Sessions:      h.inv,
		Notifications: h.sink,
		TimeProvider:  h.clock,
	})
	h.store.Subscribe(h.events.listen)
	return h
}

func (h *harness) save(t *testing.T, address string, key IdentityKey, status VerifiedStatus) {
	t.Helper()
	require.NoError(t, h.store.Save(context.Background(), TrustRecord{
		Address:        address,
		RecipientID:    h.contact.ID,
		IdentityKey:    key,
		VerifiedStatus: status,
		FirstUse:       true,
		Timestamp:      startMs,
	}))
}

func (h *harness) lookup(t *testing.T, address string) TrustRecord {
	t.Helper()
	rec, ok, err := h.store.Lookup(context.Background(), address)
	require.NoError(t, err)
	require.True(t, ok, "expected a record for %q", address)
	return rec
}

func TestSaveThenLookupRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	in := TrustRecord{
		Address:             testSID,
		RecipientID:         h.contact.ID,
		IdentityKey:         key1,
		VerifiedStatus:      StatusUnverified,
		FirstUse:            true,
		Timestamp:           startMs + 42,
		NonblockingApproval: true,
		SecondaryKey:        []byte{0x09, 0x08},
	}
	require.NoError(t, h.store.Save(ctx, in))

	got := h.lookup(t, testSID)
	assert.Equal(t, in, got)

	events := h.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, in, events[0])

	assert.True(t, h.dir.NeedsSync(h.contact.ID))
	assert.Equal(t, 1, h.sched.Count())
}

func TestSaveReplacesExistingRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Save(ctx, TrustRecord{
		Address: testSID, IdentityKey: key1, VerifiedStatus: StatusVerified,
		FirstUse: true, SecondaryKey: []byte{0x01},
	}))
	require.NoError(t, h.store.Save(ctx, TrustRecord{
		Address: testSID, IdentityKey: key2, VerifiedStatus: StatusDefault,
	}))

	got := h.lookup(t, testSID)
	assert.Equal(t, key2, got.IdentityKey)
	assert.Equal(t, StatusDefault, got.VerifiedStatus)
	assert.False(t, got.FirstUse)
	assert.Nil(t, got.SecondaryKey)
	assert.Equal(t, 1, h.backend.Len())
	assert.Equal(t, h.contact.ID, got.RecipientID, "recipient is resolved from the directory")
}

func TestSaveValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.store.Save(ctx, TrustRecord{IdentityKey: key1})
	assert.ErrorIs(t, err, ErrEmptyAddress)

	err = h.store.Save(ctx, TrustRecord{Address: testSID})
	assert.ErrorIs(t, err, ErrEmptyKey)

	err = h.store.Save(ctx, TrustRecord{Address: testSID, IdentityKey: key1, VerifiedStatus: VerifiedStatus(9)})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	assert.Equal(t, 0, h.backend.Len())
	assert.Equal(t, 0, h.sched.Count())
}

func TestSaveWithEmptySecondaryKeyStaysReadable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Save(ctx, TrustRecord{
		Address: testSID, RecipientID: h.contact.ID, IdentityKey: key1, SecondaryKey: []byte{},
	}))

	row, ok, err := h.backend.Get(ctx, testSID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, row.SecondaryKey)

	got := h.lookup(t, testSID)
	assert.Nil(t, got.SecondaryKey)
	assert.Nil(t, h.events.Events()[0].SecondaryKey)

	_, ok, err = h.store.SecondaryKeyFor(ctx, h.contact.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	changed, err := h.store.UpdateAfterSync(ctx, testSID, h.contact.ID, key2, StatusDefault)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []recipient.ID{h.contact.ID}, h.sink.Calls())
}

func TestEmptyStoredSecondaryKeyReadsAsAbsent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	empty := ""
	require.NoError(t, h.backend.Replace(ctx, storage.Row{
		Address: testSID, IdentityKey: keycodec.Encode(key1), SecondaryKey: &empty,
	}))

	got := h.lookup(t, testSID)
	assert.False(t, got.HasSecondaryKey())

	_, ok, err := h.store.SecondaryKeyFor(ctx, h.contact.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLookupMissing(t *testing.T) {
	h := newHarness(t)

	_, ok, err := h.store.Lookup(context.Background(), "+19999999999")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = h.store.Lookup(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLookupFallsBackToLegacyAddress(t *testing.T) {
	h := newHarness(t)
	h.save(t, testE164, key1, StatusVerified)

	got := h.lookup(t, testSID)
	assert.Equal(t, testE164, got.Address)
	assert.Equal(t, key1, got.IdentityKey)
	assert.Equal(t, StatusVerified, got.VerifiedStatus)
}

func TestLookupFallbackRequiresKnownContact(t *testing.T) {
	h := newHarness(t)
	h.save(t, testE164, key1, StatusDefault)

	_, ok, err := h.store.Lookup(context.Background(), recipient.NewServiceID())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLookupFallbackIsBoundedToOneHop(t *testing.T) {
	h := newHarness(t)
	other := "0b2cf2a5-7d3a-4b53-9a41-17d6f0c0b1aa"

	// A contact whose "legacy" address is itself a service id must not be
	// followed, even when a record exists under it.
	c, err := h.dir.Add(recipient.NewServiceID(), other, "loop")
	require.NoError(t, err)
	h.save(t, other, key1, StatusDefault)

	_, ok, err := h.store.Lookup(context.Background(), c.ServiceID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLookupDoesNotFallBackFromLegacyAddress(t *testing.T) {
	h := newHarness(t)
	h.save(t, testSID, key1, StatusDefault)

	_, ok, err := h.store.Lookup(context.Background(), testE164)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLookupCorruptKeyIsFatal(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.backend.Replace(context.Background(), storage.Row{
		Address: testSID, IdentityKey: "not base64!", Verified: 0,
	}))

	_, ok, err := h.store.Lookup(context.Background(), testSID)
	require.Error(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCorruptRecord)

	var cerr *keycodec.CodecError
	assert.False(t, errors.As(err, &cerr), "codec detail is folded into the message, not the chain")
}

func TestLookupUnknownStatusIsFatal(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.backend.Replace(context.Background(), storage.Row{
		Address: testSID, IdentityKey: keycodec.Encode(key1), Verified: 3,
	}))

	_, _, err := h.store.Lookup(context.Background(), testSID)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestLookupCorruptSecondaryKeyIsFatal(t *testing.T) {
	h := newHarness(t)
	bad := "%%"
	require.NoError(t, h.backend.Replace(context.Background(), storage.Row{
		Address: testSID, IdentityKey: keycodec.Encode(key1), SecondaryKey: &bad,
	}))

	_, _, err := h.store.Lookup(context.Background(), testSID)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestSetApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ok, err := h.store.SetApproval(ctx, testSID, h.contact.ID, true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, h.sched.Count(), "unknown address must not trigger sync")
	assert.False(t, h.dir.NeedsSync(h.contact.ID))

	h.save(t, testSID, key1, StatusDefault)
	h.dir.TakeNeedsSync()
	scheduled := h.sched.Count()

	ok, err = h.store.SetApproval(ctx, testSID, h.contact.ID, true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, h.lookup(t, testSID).NonblockingApproval)
	assert.True(t, h.dir.NeedsSync(h.contact.ID))
	assert.Equal(t, scheduled+1, h.sched.Count())

	_, err = h.store.SetApproval(ctx, "", h.contact.ID, true)
	assert.ErrorIs(t, err, ErrEmptyAddress)
}

func TestSetVerifiedWithMatchingKey(t *testing.T) {
	h := newHarness(t)
	h.save(t, testSID, key1, StatusDefault)
	h.dir.TakeNeedsSync()
	scheduled := h.sched.Count()

	ok, err := h.store.SetVerified(context.Background(), testSID, h.contact.ID, key1, StatusVerified)
	require.NoError(t, err)
	assert.True(t, ok)

	got := h.lookup(t, testSID)
	assert.Equal(t, StatusVerified, got.VerifiedStatus)

	events := h.events.Events()
	require.Len(t, events, 2)
	assert.Equal(t, StatusVerified, events[1].VerifiedStatus)
	assert.Equal(t, h.contact.ID, events[1].RecipientID)

	assert.True(t, h.dir.NeedsSync(h.contact.ID))
	assert.Equal(t, scheduled+1, h.sched.Count())
}

func TestSetVerifiedWithStaleKeyIsNoop(t *testing.T) {
	h := newHarness(t)
	h.save(t, testSID, key1, StatusDefault)
	h.dir.TakeNeedsSync()
	before := h.lookup(t, testSID)
	scheduled := h.sched.Count()

	ok, err := h.store.SetVerified(context.Background(), testSID, h.contact.ID, key2, StatusVerified)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, before, h.lookup(t, testSID))
	assert.Len(t, h.events.Events(), 1, "no event for a stale key")
	assert.False(t, h.dir.NeedsSync(h.contact.ID))
	assert.Equal(t, scheduled, h.sched.Count())
}

func TestSetVerifiedWithoutRecordIsNoop(t *testing.T) {
	h := newHarness(t)

	ok, err := h.store.SetVerified(context.Background(), testSID, h.contact.ID, key1, StatusVerified)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, h.backend.Len())
	assert.Empty(t, h.events.Events())
}

func TestUpdateAfterSyncCreatesRecord(t *testing.T) {
	h := newHarness(t)

	changed, err := h.store.UpdateAfterSync(context.Background(), testSID, h.contact.ID, key1, StatusVerified)
	require.NoError(t, err)
	assert.True(t, changed)

	got := h.lookup(t, testSID)
	assert.Equal(t, key1, got.IdentityKey)
	assert.Equal(t, StatusVerified, got.VerifiedStatus)
	assert.True(t, got.FirstUse)
	assert.True(t, got.NonblockingApproval)
	assert.Equal(t, startMs, got.Timestamp)

	assert.Empty(t, h.sink.Calls(), "first sight of a key is not a key change")
	assert.Equal(t, 1, h.inv.Count(testSID))
	assert.Equal(t, 0, h.sched.Count(), "sync-originated writes do not schedule another round")
	assert.False(t, h.dir.NeedsSync(h.contact.ID))
}

func TestUpdateAfterSyncIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	changed, err := h.store.UpdateAfterSync(ctx, testSID, h.contact.ID, key1, StatusDefault)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = h.store.UpdateAfterSync(ctx, testSID, h.contact.ID, key1, StatusDefault)
	require.NoError(t, err)
	assert.False(t, changed)

	assert.Len(t, h.events.Events(), 1)
	assert.Equal(t, 1, h.inv.Count(testSID))
}

func TestUpdateAfterSyncStatusChange(t *testing.T) {
	h := newHarness(t)
	h.save(t, testSID, key1, StatusDefault)
	h.clock.Advance(time.Second)

	changed, err := h.store.UpdateAfterSync(context.Background(), testSID, h.contact.ID, key1, StatusVerified)
	require.NoError(t, err)
	assert.True(t, changed)

	got := h.lookup(t, testSID)
	assert.Equal(t, StatusVerified, got.VerifiedStatus)
	assert.False(t, got.FirstUse)
	assert.Equal(t, startMs+1000, got.Timestamp)
	assert.Empty(t, h.sink.Calls(), "same key, no identity-changed alert")
	assert.Equal(t, 1, h.inv.Count(testSID))
}

func TestUpdateAfterSyncKeyChangeRaisesOneNotification(t *testing.T) {
	h := newHarness(t)
	h.save(t, testSID, key1, StatusVerified)

	changed, err := h.store.UpdateAfterSync(context.Background(), testSID, h.contact.ID, key2, StatusVerified)
	require.NoError(t, err)
	assert.True(t, changed)

	assert.Equal(t, []recipient.ID{h.contact.ID}, h.sink.Calls())
	assert.Equal(t, 1, h.inv.Count(testSID))
	assert.Equal(t, key2, h.lookup(t, testSID).IdentityKey)
}

func TestUpdateAfterSyncClearsSecondaryKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.save(t, testSID, key1, StatusDefault)

	ok, err := h.store.AttachSecondaryKey(ctx, h.contact.ID, testSID, []byte{0xAA})
	require.NoError(t, err)
	require.True(t, ok)

	changed, err := h.store.UpdateAfterSync(ctx, testSID, h.contact.ID, key1, StatusDefault)
	require.NoError(t, err)
	assert.True(t, changed, "a local secondary key forces a rewrite")

	got := h.lookup(t, testSID)
	assert.Nil(t, got.SecondaryKey)
	assert.True(t, got.NonblockingApproval)
	assert.Empty(t, h.sink.Calls())

	changed, err = h.store.UpdateAfterSync(ctx, testSID, h.contact.ID, key1, StatusDefault)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestUpdateAfterSyncResolvesUnknownRecipient(t *testing.T) {
	h := newHarness(t)
	h.save(t, testSID, key1, StatusDefault)

	_, err := h.store.UpdateAfterSync(context.Background(), testSID, recipient.Unknown, key2, StatusDefault)
	require.NoError(t, err)
	assert.Equal(t, []recipient.ID{h.contact.ID}, h.sink.Calls())
}

func TestUpdateAfterSyncCorruptRecordIsFatal(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.backend.Replace(context.Background(), storage.Row{
		Address: testSID, IdentityKey: "@@@", Verified: 0,
	}))

	_, err := h.store.UpdateAfterSync(context.Background(), testSID, h.contact.ID, key1, StatusDefault)
	assert.ErrorIs(t, err, ErrCorruptRecord)
	assert.Equal(t, 0, h.inv.Count(testSID))
	assert.Empty(t, h.sink.Calls())
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	h.save(t, testSID, key1, StatusDefault)
	events := len(h.events.Events())
	scheduled := h.sched.Count()

	existed, err := h.store.Delete(context.Background(), testSID)
	require.NoError(t, err)
	assert.True(t, existed)

	_, ok, err := h.store.Lookup(context.Background(), testSID)
	require.NoError(t, err)
	assert.False(t, ok)

	existed, err = h.store.Delete(context.Background(), testSID)
	require.NoError(t, err)
	assert.False(t, existed)

	assert.Len(t, h.events.Events(), events, "delete has no side effects")
	assert.Equal(t, scheduled, h.sched.Count())
}

func TestAttachSecondaryKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, TrustRecord{
		Address: testSID, RecipientID: h.contact.ID, IdentityKey: key1,
		VerifiedStatus: StatusVerified, FirstUse: true, Timestamp: startMs,
		NonblockingApproval: true,
	}))
	h.clock.Advance(5 * time.Second)
	scheduled := h.sched.Count()

	ok, err := h.store.AttachSecondaryKey(ctx, h.contact.ID, testSID, []byte{0xCA, 0xFE})
	require.NoError(t, err)
	assert.True(t, ok)

	got := h.lookup(t, testSID)
	assert.Equal(t, []byte{0xCA, 0xFE}, got.SecondaryKey)
	assert.Equal(t, key1, got.IdentityKey)
	assert.Equal(t, StatusVerified, got.VerifiedStatus)
	assert.True(t, got.FirstUse)
	assert.True(t, got.NonblockingApproval)
	assert.Equal(t, startMs+5000, got.Timestamp)

	events := h.events.Events()
	assert.Equal(t, []byte{0xCA, 0xFE}, events[len(events)-1].SecondaryKey)
	assert.Equal(t, scheduled, h.sched.Count())
}

func TestAttachSecondaryKeyWithoutRecordNeverCreatesOne(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ok, err := h.store.AttachSecondaryKey(ctx, h.contact.ID, testSID, []byte{0x01})
	require.NoError(t, err)
	assert.False(t, ok)

	_, found, err := h.store.Lookup(ctx, testSID)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, h.backend.Len())
	assert.Empty(t, h.events.Events())
}

func TestAttachSecondaryKeyWithEmptyPrimaryKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.backend.Replace(ctx, storage.Row{Address: testSID}))

	ok, err := h.store.AttachSecondaryKey(ctx, h.contact.ID, testSID, []byte{0x01})
	require.NoError(t, err)
	assert.False(t, ok)

	row, _, err := h.backend.Get(ctx, testSID)
	require.NoError(t, err)
	assert.Nil(t, row.SecondaryKey)
}

func TestAttachSecondaryKeyValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.AttachSecondaryKey(context.Background(), h.contact.ID, testSID, nil)
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = h.store.AttachSecondaryKey(context.Background(), h.contact.ID, "", []byte{1})
	assert.ErrorIs(t, err, ErrEmptyAddress)
}

func TestSecondaryKeyFor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	key, ok, err := h.store.SecondaryKeyFor(ctx, h.contact.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, key)

	h.save(t, testSID, key1, StatusDefault)
	_, ok, err = h.store.SecondaryKeyFor(ctx, h.contact.ID)
	require.NoError(t, err)
	assert.False(t, ok, "record without a secondary key")

	_, err = h.store.AttachSecondaryKey(ctx, h.contact.ID, testSID, []byte{0x42})
	require.NoError(t, err)

	key, ok, err = h.store.SecondaryKeyFor(ctx, h.contact.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x42}, key)

	_, ok, err = h.store.SecondaryKeyFor(ctx, recipient.ID(999))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSecondaryKeyForLegacyOnlyContact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	legacy, err := h.dir.Add("", "+14155550199", "Bob")
	require.NoError(t, err)

	require.NoError(t, h.store.Save(ctx, TrustRecord{
		Address: "+14155550199", RecipientID: legacy.ID, IdentityKey: key1,
		SecondaryKey: []byte{0x07},
	}))

	key, ok, err := h.store.SecondaryKeyFor(ctx, legacy.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x07}, key)
}

func TestUserAScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const addr = "user-A"

	_, ok, err := h.store.Lookup(ctx, addr)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, h.store.Save(ctx, TrustRecord{
		Address: addr, RecipientID: h.contact.ID, IdentityKey: key1,
		VerifiedStatus: StatusDefault, FirstUse: true, Timestamp: startMs,
	}))
	got := h.lookup(t, addr)
	assert.Equal(t, key1, got.IdentityKey)
	assert.Equal(t, StatusDefault, got.VerifiedStatus)
	assert.True(t, got.FirstUse)

	ok, err = h.store.SetVerified(ctx, addr, h.contact.ID, key1, StatusVerified)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusVerified, h.lookup(t, addr).VerifiedStatus)

	_, err = h.store.UpdateAfterSync(ctx, addr, h.contact.ID, key2, StatusDefault)
	require.NoError(t, err)

	assert.Len(t, h.sink.Calls(), 1)
	got = h.lookup(t, addr)
	assert.Equal(t, key2, got.IdentityKey)
	assert.Equal(t, StatusDefault, got.VerifiedStatus)
	assert.False(t, got.FirstUse)
}

func TestSideEffectPanicDoesNotUndoWrite(t *testing.T) {
	backend := storage.NewMemory()
	store := NewStore(backend, Options{Sync: panickingScheduler{}})

	err := store.Save(context.Background(), TrustRecord{Address: testSID, IdentityKey: key1})
	require.NoError(t, err)

	_, ok, err := store.Lookup(context.Background(), testSID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNilCollaboratorsAreAllowed(t *testing.T) {
	store := NewStore(storage.NewMemory(), Options{})
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, TrustRecord{Address: testE164, IdentityKey: key1}))
	_, err := store.UpdateAfterSync(ctx, testE164, recipient.Unknown, key2, StatusDefault)
	require.NoError(t, err)

	_, ok, err := store.Lookup(ctx, testSID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.SecondaryKeyFor(ctx, recipient.ID(1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentSetVerifiedMatchesPreconditions(t *testing.T) {
	h := newHarness(t)
	h.save(t, testSID, key1, StatusDefault)
	ctx := context.Background()

	const workers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, status := key1, StatusVerified
			if i%2 == 1 {
				key = key2
			}
			if i%4 == 0 {
				status = StatusUnverified
			}
			ok, err := h.store.SetVerified(ctx, testSID, h.contact.ID, key, status)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	// The key never changes, so every caller naming key1 matched at its
	// point in the serial order and every caller naming key2 did not.
	assert.Equal(t, workers/2, successes)
	assert.Len(t, h.events.Events(), 1+workers/2)
}

func TestConcurrentUpdateAfterSyncDetectsRotationOnce(t *testing.T) {
	h := newHarness(t)
	h.save(t, testSID, key1, StatusVerified)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.store.UpdateAfterSync(ctx, testSID, h.contact.ID, key2, StatusDefault)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, h.sink.Calls(), 1)
	assert.Equal(t, 1, h.inv.Count(testSID))
	assert.Len(t, h.events.Events(), 2)
	assert.Equal(t, key2, h.lookup(t, testSID).IdentityKey)
}

func TestEventsForOneAddressArriveInCommitOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, h.store.Save(ctx, TrustRecord{
				Address: testSID, IdentityKey: key1, Timestamp: int64(i),
			}))
		}(i)
	}
	wg.Wait()

	events := h.events.Events()
	require.Len(t, events, 20)
	// The final event must describe the row that is actually stored.
	assert.Equal(t, events[len(events)-1].Timestamp, h.lookup(t, testSID).Timestamp)
}
