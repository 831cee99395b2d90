package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flynn/noise"

	"github.com/opd-ai/trustcore/identity"
)

var (
	// ErrHandshakeNotComplete indicates the handshake is still in progress.
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeFailed wraps any failure to complete a handshake,
	// including a peer whose static key is not the trusted one.
	ErrHandshakeFailed = errors.New("handshake failed")
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Session is an established Noise IK session with a peer.
type Session struct {
	mu          sync.Mutex
	address     string
	peerKey     identity.IdentityKey
	sendCipher  *noise.CipherState
	recvCipher  *noise.CipherState
	established time.Time
}

// Address returns the peer address the session was established for.
func (s *Session) Address() string { return s.address }

// PeerKey returns the peer's identity key the session is bound to.
func (s *Session) PeerKey() identity.IdentityKey { return s.peerKey.Clone() }

// EstablishedAt returns when the handshake completed.
func (s *Session) EstablishedAt() time.Time { return s.established }

// Encrypt seals plaintext for the peer.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCipher.Encrypt(nil, nil, plaintext)
}

// Decrypt opens a message from the peer.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvCipher.Decrypt(nil, nil, ciphertext)
}

func dhKey(kp *KeyPair) noise.DHKey {
	key := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(key.Private, kp.Private[:])
	copy(key.Public, kp.Public[:])
	return key
}

// initiator runs the initiator side of IK (-> e, es, s, ss; <- e, ee, se).
type initiator struct {
	state   *noise.HandshakeState
	peerKey identity.IdentityKey
}

// newInitiator prepares a handshake towards the holder of peerKey.
func newInitiator(local *KeyPair, peerKey identity.IdentityKey) (*initiator, error) {
	peerStatic, err := staticKey(peerKey)
	if err != nil {
		return nil, err
	}

	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     true,
		StaticKeypair: dhKey(local),
		PeerStatic:    peerStatic,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}
	return &initiator{state: state, peerKey: peerKey.Clone()}, nil
}

func (h *initiator) initiation() ([]byte, error) {
	msg, _, _, err := h.state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("initiator write failed: %w", err)
	}
	return msg, nil
}

func (h *initiator) finish(address string, reply []byte) (*Session, error) {
	_, cs1, cs2, err := h.state.ReadMessage(nil, reply)
	if err != nil {
		return nil, fmt.Errorf("initiator read response failed: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, ErrHandshakeNotComplete
	}
	return &Session{
		address:     address,
		peerKey:     h.peerKey,
		sendCipher:  cs1,
		recvCipher:  cs2,
		established: time.Now(),
	}, nil
}

// respond runs the responder side for one initiation message.
func respond(local *KeyPair, initiation []byte) ([]byte, *Session, error) {
	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     false,
		StaticKeypair: dhKey(local),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	if _, _, _, err := state.ReadMessage(nil, initiation); err != nil {
		return nil, nil, fmt.Errorf("responder read failed: %w", err)
	}

	reply, cs1, cs2, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("responder write failed: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, nil, ErrHandshakeNotComplete
	}

	var peer [32]byte
	copy(peer[:], state.PeerStatic())

	return reply, &Session{
		peerKey:     PublicIdentityKey(peer),
		sendCipher:  cs2,
		recvCipher:  cs1,
		established: time.Now(),
	}, nil
}
