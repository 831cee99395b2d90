package storagesync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trustcore/identity"
	"github.com/opd-ai/trustcore/metrics"
	"github.com/opd-ai/trustcore/recipient"
)

// Store is the part of identity.Store a sync round uses.
type Store interface {
	Lookup(ctx context.Context, address string) (identity.TrustRecord, bool, error)
	UpdateAfterSync(ctx context.Context, address string, id recipient.ID, key identity.IdentityKey, status identity.VerifiedStatus) (bool, error)
}

// Directory is the part of recipient.Directory a sync round uses.
type Directory interface {
	TakeNeedsSync() []recipient.ID
	MarkNeedsSync(id recipient.ID)
	PreferredAddress(id recipient.ID) (string, bool)
}

// RoundResult summarizes one sync round.
type RoundResult struct {
	Pushed  int
	Pulled  int
	Applied int
}

// Engine performs sync rounds for one device.
type Engine struct {
	device    string
	store     Store
	directory Directory
	remote    Remote
}

// NewEngine returns an engine syncing store through remote as device.
func NewEngine(device string, store Store, directory Directory, remote Remote) *Engine {
	return &Engine{device: device, store: store, directory: directory, remote: remote}
}

// Device returns the device name.
func (e *Engine) Device() string { return e.device }

// Round pushes every contact marked as needing sync, then pulls and applies
// other devices' records. Contacts whose push failed are marked again so
// the next round retries them. A pulled record that fails to apply holds the
// device's cursor at its position, so the next round pulls it again. Round
// keeps going after per-record errors and returns the first one.
func (e *Engine) Round(ctx context.Context) (RoundResult, error) {
	var result RoundResult

	pushed, pushErr := e.push(ctx)
	result.Pushed = pushed

	pulled, applied, pullErr := e.pull(ctx)
	result.Pulled = pulled
	result.Applied = applied

	err := errors.Join(pushErr, pullErr)
	if err != nil {
		metrics.SyncRounds.WithLabelValues(metrics.ResultError).Inc()
	} else {
		metrics.SyncRounds.WithLabelValues(metrics.ResultApplied).Inc()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Round",
		"device":   e.device,
		"pushed":   result.Pushed,
		"pulled":   result.Pulled,
		"applied":  result.Applied,
	}).Debug("Storage sync round finished")

	return result, err
}

func (e *Engine) push(ctx context.Context) (int, error) {
	ids := e.directory.TakeNeedsSync()
	if len(ids) == 0 {
		return 0, nil
	}

	var (
		batch    []RemoteIdentity
		batchIDs []recipient.ID
		firstErr error
	)
	for _, id := range ids {
		address, ok := e.directory.PreferredAddress(id)
		if !ok {
			continue
		}
		rec, found, err := e.store.Lookup(ctx, address)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":     "push",
				"recipient_id": id,
				"error":        err.Error(),
			}).Error("Cannot read identity for sync")
			e.directory.MarkNeedsSync(id)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !found {
			continue
		}
		batch = append(batch, RemoteIdentity{
			Address:     rec.Address,
			RecipientID: id,
			IdentityKey: rec.IdentityKey,
			Status:      rec.VerifiedStatus,
		})
		batchIDs = append(batchIDs, id)
	}

	if len(batch) == 0 {
		return 0, firstErr
	}

	if err := e.remote.Push(ctx, e.device, batch); err != nil {
		for _, id := range batchIDs {
			e.directory.MarkNeedsSync(id)
		}
		return 0, errors.Join(firstErr, fmt.Errorf("failed to push identities: %w", err))
	}

	metrics.SyncRecords.WithLabelValues("push").Add(float64(len(batch)))
	return len(batch), firstErr
}

func (e *Engine) pull(ctx context.Context) (pulled, applied int, err error) {
	batch, err := e.remote.Pull(ctx, e.device)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to pull identities: %w", err)
	}
	metrics.SyncRecords.WithLabelValues("pull").Add(float64(len(batch.Records)))

	// Records after a failed one are still applied; UpdateAfterSync is
	// idempotent, so pulling them again later is harmless.
	commit := batch.Next
	var firstErr error
	for _, r := range batch.Records {
		changed, uerr := e.store.UpdateAfterSync(ctx, r.Address, recipient.Unknown, r.IdentityKey, r.Status)
		if uerr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "pull",
				"address":  r.Address,
				"seq":      r.Seq,
				"error":    uerr.Error(),
			}).Error("Cannot apply synced identity, will retry")
			if firstErr == nil {
				firstErr = uerr
				commit = r.Seq
			}
			continue
		}
		if changed {
			applied++
		}
	}

	if aerr := e.remote.Ack(ctx, e.device, commit); aerr != nil {
		firstErr = errors.Join(firstErr, fmt.Errorf("failed to acknowledge identities: %w", aerr))
	}
	return len(batch.Records), applied, firstErr
}
