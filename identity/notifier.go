package identity

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Listener receives the full record after each committed mutation. It runs
// synchronously on the mutating goroutine and must not block; listeners
// that need to do real work should hand the record off.
type Listener func(record TrustRecord)

// Subscription is a registered Listener.
type Subscription struct {
	id       uint64
	notifier *Notifier
	once     sync.Once
}

// Unsubscribe removes the listener. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.notifier.remove(s.id) })
}

// Notifier is the store's observer registry.
type Notifier struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]Listener
}

// NewNotifier returns a registry with no listeners.
func NewNotifier() *Notifier {
	return &Notifier{listeners: make(map[uint64]Listener)}
}

// Subscribe registers l.
func (n *Notifier) Subscribe(l Listener) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	n.listeners[n.nextID] = l
	return &Subscription{id: n.nextID, notifier: n}
}

func (n *Notifier) remove(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, id)
}

// Len returns the number of registered listeners.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners)
}

// Publish delivers record to every listener in subscription order. Each
// listener gets its own copy. A panicking listener is logged and skipped.
func (n *Notifier) Publish(record TrustRecord) {
	n.mu.RLock()
	ids := make([]uint64, 0, len(n.listeners))
	for id := range n.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, n.listeners[id])
	}
	n.mu.RUnlock()

	for _, l := range listeners {
		deliver(l, record.Clone())
	}
}

func deliver(l Listener, record TrustRecord) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Publish",
				"address":  record.Address,
				"panic":    r,
			}).Error("Identity listener panicked")
		}
	}()
	l(record)
}
