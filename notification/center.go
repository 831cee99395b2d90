// Package notification collects the user-visible alerts raised by the
// identity store, most importantly "the safety number with this contact has
// changed".
package notification

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trustcore/recipient"
)

// IdentityChange is a pending identity-changed alert.
type IdentityChange struct {
	RecipientID recipient.ID
	RaisedAt    time.Time
	// Count is how many times the alert was raised since it was last
	// acknowledged.
	Count int
}

// Handler is called for every raised alert, outside the center's lock.
type Handler func(change IdentityChange)

// Center records identity-changed alerts per contact. Repeated alerts for a
// contact fold into one pending entry until acknowledged.
type Center struct {
	mu      sync.Mutex
	pending map[recipient.ID]IdentityChange
	handler Handler
	now     func() time.Time
}

// NewCenter returns an empty notification center.
func NewCenter() *Center {
	return &Center{
		pending: make(map[recipient.ID]IdentityChange),
		now:     time.Now,
	}
}

// SetHandler registers the function called on each alert. A nil handler
// disables callbacks.
func (c *Center) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// SetClock replaces the clock used to timestamp alerts.
func (c *Center) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// RaiseIdentityChanged records an alert for id and invokes the handler.
func (c *Center) RaiseIdentityChanged(id recipient.ID) {
	c.mu.Lock()
	change := c.pending[id]
	change.RecipientID = id
	change.RaisedAt = c.now()
	change.Count++
	c.pending[id] = change
	handler := c.handler
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "RaiseIdentityChanged",
		"recipient_id": id,
		"count":        change.Count,
	}).Info("Identity changed alert raised")

	if handler != nil {
		handler(change)
	}
}

// Pending returns unacknowledged alerts ordered by recipient.
func (c *Center) Pending() []IdentityChange {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]IdentityChange, 0, len(c.pending))
	for _, ch := range c.pending {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	return out
}

// Acknowledge clears the pending alert for id, reporting whether there was
// one.
func (c *Center) Acknowledge(id recipient.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}
