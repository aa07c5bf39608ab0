package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateVerifyRoundTrip(t *testing.T) {
	opts := DefaultOptions([]byte("s3cret"))
	token, hash, exp, err := Generate(opts, "u42", []string{"chat"})
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Contains(t, hash, "sha256:")
	require.True(t, exp.After(time.Now()))

	claims, err := Verify(opts, token)
	require.NoError(t, err)
	require.Equal(t, "u42", claims.UserID())
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, _, _, err := Generate(DefaultOptions([]byte("right")), "u1", nil)
	require.NoError(t, err)

	_, err = Verify(DefaultOptions([]byte("wrong")), token)
	require.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	opts := DefaultOptions([]byte("s"))
	opts.TTL = time.Millisecond
	token, _, _, err := Generate(opts, "u1", nil)
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond) // exp 秒级精度
	_, err = Verify(opts, token)
	require.Error(t, err)
}

func TestUnsupportedAlgRejected(t *testing.T) {
	opts := Options{Secret: []byte("s"), Alg: "RS256"}
	_, _, _, err := Generate(opts, "u1", nil)
	require.Error(t, err)
}
