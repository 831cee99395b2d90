package identity

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/opd-ai/trustcore/keycodec"
	"github.com/opd-ai/trustcore/recipient"
	"github.com/opd-ai/trustcore/storage"
)

// IdentityKey is a peer's serialized public identity key. The store treats
// it as opaque bytes and compares it byte for byte.
type IdentityKey []byte

// Equal reports whether k and other are byte-identical.
func (k IdentityKey) Equal(other IdentityKey) bool {
	return bytes.Equal(k, other)
}

// Clone returns a copy of k.
func (k IdentityKey) Clone() IdentityKey {
	if k == nil {
		return nil
	}
	return append(IdentityKey(nil), k...)
}

// ErrCorruptRecord wraps every failure to interpret a stored row. It is not
// recoverable: the stored trust state cannot be relied on.
var ErrCorruptRecord = errors.New("corrupt identity record")

// TrustRecord is the trust state of one peer address.
type TrustRecord struct {
	Address string
	// RecipientID is the owning contact. It is not persisted; records read
	// back from storage carry it only when the directory can resolve the
	// address.
	RecipientID         recipient.ID
	IdentityKey         IdentityKey
	FirstUse            bool
	Timestamp           int64
	VerifiedStatus      VerifiedStatus
	NonblockingApproval bool
	// SecondaryKey is the optional pairing/lock key. nil means none.
	SecondaryKey []byte
}

// HasSecondaryKey reports whether a secondary key is attached.
func (r TrustRecord) HasSecondaryKey() bool { return r.SecondaryKey != nil }

// Clone returns a deep copy of r.
func (r TrustRecord) Clone() TrustRecord {
	r.IdentityKey = r.IdentityKey.Clone()
	if r.SecondaryKey != nil {
		r.SecondaryKey = append([]byte(nil), r.SecondaryKey...)
	}
	return r
}

func (r TrustRecord) toRow() storage.Row {
	row := storage.Row{
		Address:             r.Address,
		IdentityKey:         keycodec.Encode(r.IdentityKey),
		FirstUse:            r.FirstUse,
		Timestamp:           r.Timestamp,
		Verified:            r.VerifiedStatus.Int(),
		NonblockingApproval: r.NonblockingApproval,
	}
	if len(r.SecondaryKey) > 0 {
		s := keycodec.Encode(r.SecondaryKey)
		row.SecondaryKey = &s
	}
	return row
}

func recordFromRow(row storage.Row, id recipient.ID) (TrustRecord, error) {
	key, err := keycodec.Decode(row.IdentityKey)
	if err != nil {
		return TrustRecord{}, fmt.Errorf("%w: address %q: identity_key: %v", ErrCorruptRecord, row.Address, err)
	}
	status, err := ParseVerifiedStatus(row.Verified)
	if err != nil {
		return TrustRecord{}, fmt.Errorf("%w: address %q: %v", ErrCorruptRecord, row.Address, err)
	}
	secondary, err := decodeSecondary(row.Address, row.SecondaryKey)
	if err != nil {
		return TrustRecord{}, err
	}

	return TrustRecord{
		Address:             row.Address,
		RecipientID:         id,
		IdentityKey:         key,
		FirstUse:            row.FirstUse,
		Timestamp:           row.Timestamp,
		VerifiedStatus:      status,
		NonblockingApproval: row.NonblockingApproval,
		SecondaryKey:        secondary,
	}, nil
}

// decodeSecondary treats NULL and an empty column alike as no secondary key.
func decodeSecondary(address string, encoded *string) ([]byte, error) {
	if encoded == nil || *encoded == "" {
		return nil, nil
	}
	out, err := keycodec.Decode(*encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: address %q: secondary_key: %v", ErrCorruptRecord, address, err)
	}
	return out, nil
}
