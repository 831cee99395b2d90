package identity

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/trustcore/recipient"
	"github.com/opd-ai/trustcore/storage"
)

type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func newMockTime(ms int64) *mockTimeProvider {
	return &mockTimeProvider{now: time.UnixMilli(ms)}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

type mockScheduler struct {
	mu    sync.Mutex
	count int
}

func (m *mockScheduler) ScheduleSyncRound() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
}

func (m *mockScheduler) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

type mockInvalidator struct {
	mu    sync.Mutex
	calls map[string]int
}

func newMockInvalidator() *mockInvalidator {
	return &mockInvalidator{calls: make(map[string]int)}
}

func (m *mockInvalidator) InvalidateSession(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[address]++
}

func (m *mockInvalidator) Count(address string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[address]
}

type mockSink struct {
	mu    sync.Mutex
	calls []recipient.ID
}

func (m *mockSink) RaiseIdentityChanged(id recipient.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, id)
}

func (m *mockSink) Calls() []recipient.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recipient.ID(nil), m.calls...)
}

type eventLog struct {
	mu     sync.Mutex
	events []TrustRecord
}

func (e *eventLog) listen(r TrustRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, r)
}

func (e *eventLog) Events() []TrustRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]TrustRecord(nil), e.events...)
}

type panickingScheduler struct{}

func (panickingScheduler) ScheduleSyncRound() { panic("scheduler down") }

// slowBackend adds latency to Replace and can fail a number of Gets.
type slowBackend struct {
	*storage.Memory
	replaceDelay time.Duration

	mu       sync.Mutex
	getErr   error
	failGets int
}

func (b *slowBackend) Replace(ctx context.Context, row storage.Row) error {
	time.Sleep(b.replaceDelay)
	return b.Memory.Replace(ctx, row)
}

func (b *slowBackend) failNextGets(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failGets, b.getErr = n, err
}

func (b *slowBackend) Get(ctx context.Context, address string) (storage.Row, bool, error) {
	b.mu.Lock()
	if b.failGets > 0 {
		b.failGets--
		err := b.getErr
		b.mu.Unlock()
		return storage.Row{}, false, err
	}
	b.mu.Unlock()
	return b.Memory.Get(ctx, address)
}

// sharedBackend stands in for a database several processes write to. Each
// Atomically call runs against a staged copy under one lock and copies the
// address's row back only on success.
type sharedBackend struct {
	*storage.Memory

	mu        sync.Mutex
	calls     int
	commitErr error
}

var _ storage.Atomic = (*sharedBackend)(nil)

func (b *sharedBackend) Atomically(ctx context.Context, address string, fn func(storage.Backend) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++

	stage := storage.NewMemoryFromRows(b.Memory.Rows())
	if err := fn(stage); err != nil {
		return err
	}
	if b.commitErr != nil {
		return b.commitErr
	}

	row, ok, err := stage.Get(ctx, address)
	if err != nil {
		return err
	}
	if !ok {
		_, err = b.Memory.Delete(ctx, address)
		return err
	}
	return b.Memory.Replace(ctx, row)
}

func (b *sharedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *sharedBackend) failCommits(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commitErr = err
}
