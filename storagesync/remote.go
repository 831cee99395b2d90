// Package storagesync replicates identity trust state between the devices
// of one account.
//
// Local changes mark the owning contact as needing sync; a Coordinator runs
// rounds in the background, and each round (Engine.Round) pushes the marked
// contacts' records to a Remote and applies whatever the other devices
// pushed through identity.Store.UpdateAfterSync, which is where peer key
// rotations are detected.
package storagesync

import (
	"context"
	"errors"
	"sync"

	"github.com/opd-ai/trustcore/identity"
	"github.com/opd-ai/trustcore/recipient"
)

// ErrUnknownDevice is returned by a Hub for an empty device name.
var ErrUnknownDevice = errors.New("device name cannot be empty")

// RemoteIdentity is the trust state of one address as exchanged between
// devices. Secondary keys and approval flags are local and never synced.
type RemoteIdentity struct {
	Address string `json:"address"`
	// RecipientID is the pushing device's local contact id. Receivers
	// resolve the contact from Address in their own directory.
	RecipientID recipient.ID            `json:"recipient_id"`
	IdentityKey identity.IdentityKey    `json:"identity_key"`
	Status      identity.VerifiedStatus `json:"status"`
}

// PulledIdentity is a RemoteIdentity with its position in the remote log.
type PulledIdentity struct {
	RemoteIdentity
	Seq int64
}

// Batch is the result of one Pull.
type Batch struct {
	Records []PulledIdentity
	// Next acknowledges the whole batch, including entries the device
	// pushed itself.
	Next int64
}

// Remote is the account-wide storage service.
//
// Reading is split in two: Pull returns everything after the device's
// cursor without moving it, and Ack moves it once the records are applied.
// A record whose application failed is therefore returned again by the
// next Pull.
type Remote interface {
	// Push publishes records from device.
	Push(ctx context.Context, device string, records []RemoteIdentity) error
	// Pull returns records published by other devices after the device's
	// cursor.
	Pull(ctx context.Context, device string) (Batch, error)
	// Ack advances the device's cursor to next. A cursor never moves
	// backwards.
	Ack(ctx context.Context, device string, next int64) error
}

type hubEntry struct {
	device string
	record RemoteIdentity
}

// Hub is an in-memory Remote shared by several devices. Every device reads
// the shared log through its own cursor and never sees its own pushes.
type Hub struct {
	mu      sync.Mutex
	log     []hubEntry
	cursors map[string]int64
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{cursors: make(map[string]int64)}
}

// Push appends records to the shared log.
func (h *Hub) Push(ctx context.Context, device string, records []RemoteIdentity) error {
	if device == "" {
		return ErrUnknownDevice
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range records {
		r.IdentityKey = r.IdentityKey.Clone()
		h.log = append(h.log, hubEntry{device: device, record: r})
	}
	return nil
}

// Pull returns other devices' records appended after the device's cursor.
func (h *Hub) Pull(ctx context.Context, device string) (Batch, error) {
	if device == "" {
		return Batch{}, ErrUnknownDevice
	}
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	cursor := h.cursors[device]
	batch := Batch{Next: int64(len(h.log))}
	for i := cursor; i < int64(len(h.log)); i++ {
		e := h.log[i]
		if e.device == device {
			continue
		}
		r := e.record
		r.IdentityKey = r.IdentityKey.Clone()
		batch.Records = append(batch.Records, PulledIdentity{RemoteIdentity: r, Seq: i})
	}
	return batch, nil
}

// Ack advances the device's cursor to next.
func (h *Hub) Ack(ctx context.Context, device string, next int64) error {
	if device == "" {
		return ErrUnknownDevice
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if next > int64(len(h.log)) {
		next = int64(len(h.log))
	}
	if next > h.cursors[device] {
		h.cursors[device] = next
	}
	return nil
}

// Len returns the number of records in the shared log.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.log)
}
