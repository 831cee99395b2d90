package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerifiedStatus(t *testing.T) {
	tests := []struct {
		in   int
		want VerifiedStatus
	}{
		{0, StatusDefault},
		{1, StatusVerified},
		{2, StatusUnverified},
	}
	for _, tt := range tests {
		got, err := ParseVerifiedStatus(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.in, got.Int())
		assert.True(t, got.Valid())
	}

	for _, bad := range []int{-1, 3, 42} {
		_, err := ParseVerifiedStatus(bad)
		assert.ErrorIs(t, err, ErrUnknownStatus, "value %d", bad)
		assert.False(t, VerifiedStatus(bad).Valid())
	}
}

func TestVerifiedStatusNames(t *testing.T) {
	for _, s := range []VerifiedStatus{StatusDefault, StatusVerified, StatusUnverified} {
		got, err := ParseVerifiedStatusName(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	assert.Equal(t, "VerifiedStatus(7)", VerifiedStatus(7).String())

	_, err := ParseVerifiedStatusName("verified")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}
