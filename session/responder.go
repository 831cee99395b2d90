package session

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trustcore/identity"
)

// Peer answers a Noise IK initiation. *Responder implements it in process;
// a networked peer would forward the message over its transport.
type Peer interface {
	Respond(initiation []byte) ([]byte, error)
}

// Responder is the accepting side of a session, holding a static key pair.
type Responder struct {
	keys *KeyPair

	mu       sync.Mutex
	sessions []*Session
}

// NewResponder returns a responder using keys.
func NewResponder(keys *KeyPair) *Responder {
	return &Responder{keys: keys}
}

// IdentityKey returns the responder's serialized public identity key.
func (r *Responder) IdentityKey() identity.IdentityKey {
	return r.keys.IdentityKey()
}

// Respond completes the handshake and keeps the resulting session.
func (r *Responder) Respond(initiation []byte) ([]byte, error) {
	reply, s, err := respond(r.keys, initiation)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Respond",
			"error":    err.Error(),
		}).Debug("Rejected handshake initiation")
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
	return reply, nil
}

// Latest returns the most recently accepted session, or nil.
func (r *Responder) Latest() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return nil
	}
	return r.sessions[len(r.sessions)-1]
}
