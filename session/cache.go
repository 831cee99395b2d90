// Package session keeps encrypted Noise IK sessions bound to the identity
// keys the trust store currently holds.
//
// A session is only established towards the key on file for an address, and
// is dropped as soon as the store reports that trust state for the address
// was rewritten, so traffic never continues under a replaced key.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trustcore/identity"
	"github.com/opd-ai/trustcore/metrics"
)

var (
	// ErrNoTrustedIdentity is returned when no identity is on file.
	ErrNoTrustedIdentity = errors.New("no trusted identity for address")
	// ErrUntrustedIdentity is returned when the identity on file was
	// explicitly marked unverified.
	ErrUntrustedIdentity = errors.New("identity marked unverified")
	// ErrSessionInvalidated is returned when trust state changed while the
	// handshake was in flight.
	ErrSessionInvalidated = errors.New("session invalidated during handshake")
	// ErrNoTrustSource is returned by Establish before Bind was called.
	ErrNoTrustSource = errors.New("session cache has no trust source")
)

// TrustSource looks up the trusted identity for an address.
// *identity.Store implements it.
type TrustSource interface {
	Lookup(ctx context.Context, address string) (identity.TrustRecord, bool, error)
}

// Cache holds at most one established session per address and implements
// identity.SessionInvalidator.
type Cache struct {
	local *KeyPair

	mu          sync.RWMutex
	trust       TrustSource
	sessions    map[string]*Session
	generations map[string]uint64
}

// NewCache returns an empty cache using local as the static key pair.
func NewCache(local *KeyPair) *Cache {
	return &Cache{
		local:       local,
		sessions:    make(map[string]*Session),
		generations: make(map[string]uint64),
	}
}

// Bind sets the trust source. The store and the cache depend on each other,
// so the source is attached after both exist.
func (c *Cache) Bind(trust TrustSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trust = trust
}

// LocalIdentityKey returns the local serialized public identity key.
func (c *Cache) LocalIdentityKey() identity.IdentityKey {
	return c.local.IdentityKey()
}

// Establish performs an IK handshake with peer, pinned to the identity key
// currently trusted for address, and caches the session. A peer holding any
// other key fails the handshake.
func (c *Cache) Establish(ctx context.Context, address string, peer Peer) (*Session, error) {
	c.mu.RLock()
	trust := c.trust
	gen := c.generations[address]
	c.mu.RUnlock()
	if trust == nil {
		return nil, ErrNoTrustSource
	}

	rec, ok, err := trust.Lookup(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to look up identity: %w", err)
	}
	if !ok {
		return nil, ErrNoTrustedIdentity
	}
	if rec.VerifiedStatus == identity.StatusUnverified {
		return nil, ErrUntrustedIdentity
	}

	hs, err := newInitiator(c.local, rec.IdentityKey)
	if err != nil {
		return nil, err
	}
	msg, err := hs.initiation()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	reply, err := peer.Respond(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	s, err := hs.finish(address, reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[address] != gen {
		return nil, ErrSessionInvalidated
	}
	c.sessions[address] = s

	logrus.WithFields(logrus.Fields{
		"function": "Establish",
		"address":  address,
	}).Debug("Session established")
	return s, nil
}

// Get returns the cached session for address.
func (c *Cache) Get(address string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[address]
	return s, ok
}

// InvalidateSession drops any session for address. Handshakes in flight for
// the address will not be cached.
func (c *Cache) InvalidateSession(address string) {
	c.mu.Lock()
	_, existed := c.sessions[address]
	delete(c.sessions, address)
	c.generations[address]++
	c.mu.Unlock()

	if existed {
		metrics.SessionsInvalidated.Inc()
		logrus.WithFields(logrus.Fields{
			"function": "InvalidateSession",
			"address":  address,
		}).Info("Session invalidated")
	}
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}
