// Package keycodec converts identity key material to and from the padded
// base64 text form used by the identity table.
//
// Decoding is strict: any input that is not canonical padded standard base64
// fails with a *CodecError. A stored key is never truncated or silently
// replaced by a different value.
//
// Example:
//
//	text := keycodec.Encode(key)
//	back, err := keycodec.Decode(text)
//	if err != nil {
//	    var cerr *keycodec.CodecError
//	    errors.As(err, &cerr) // stored data is corrupt
//	}
package keycodec

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrEmptyInput is returned when Decode is given an empty string.
var ErrEmptyInput = errors.New("empty encoded key")

// CodecError reports a string that could not be decoded into key bytes.
type CodecError struct {
	// Length is the length of the rejected input. The input itself is not
	// retained so key material does not end up in logs.
	Length int
	Err    error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("keycodec: cannot decode %d-byte input: %v", e.Length, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// Encode returns the padded standard base64 form of key.
func Encode(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// Decode parses the padded standard base64 form produced by Encode.
func Decode(text string) ([]byte, error) {
	if text == "" {
		return nil, &CodecError{Length: 0, Err: ErrEmptyInput}
	}

	enc := base64.StdEncoding.Strict()
	out, err := enc.DecodeString(text)
	if err != nil {
		return nil, &CodecError{Length: len(text), Err: err}
	}

	// DecodeString skips embedded newlines; a canonical stored value never
	// contains them, so re-encode and compare to reject anything non-canonical.
	if enc.EncodeToString(out) != text {
		return nil, &CodecError{Length: len(text), Err: errors.New("non-canonical encoding")}
	}

	return out, nil
}

// MustDecode is Decode for values known to be valid, such as test fixtures.
func MustDecode(text string) []byte {
	out, err := Decode(text)
	if err != nil {
		panic(err)
	}
	return out
}
