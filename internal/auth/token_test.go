package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	t.Parallel()

	svc := NewSymmetric([]byte("test-signing-key"))

	signed, err := svc.Sign(map[string]any{"sub": "user-1"}, SignOptions{ExpirySeconds: 3600})
	require.NoError(t, err)

	tok, err := svc.Verify(signed, VerifyOptions{})
	require.NoError(t, err)
	assert.Equal(t, "user-1", tok.Claims["sub"])
	require.NotNil(t, tok.Exp)
	assert.False(t, tok.Expired(time.Now()))
}

func TestVerify_ExpiredToken(t *testing.T) {
	t.Parallel()

	svc := NewSymmetric([]byte("test-signing-key"))
	past := time.Now().Add(-time.Hour).Unix()

	signed, err := svc.Sign(map[string]any{"sub": "user-1", "exp": past}, SignOptions{})
	require.NoError(t, err)

	_, err = svc.Verify(signed, VerifyOptions{})
	require.Error(t, err)

	var verr *VerifyError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, FailureExpired, verr.Kind)
}

func TestVerify_Malformed(t *testing.T) {
	t.Parallel()

	svc := NewSymmetric([]byte("test-signing-key"))

	_, err := svc.Verify("not-a-token", VerifyOptions{})
	require.Error(t, err)

	var verr *VerifyError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, FailureMalformed, verr.Kind)
}

func TestVerify_WrongKeyIsInvalid(t *testing.T) {
	t.Parallel()

	signer := NewSymmetric([]byte("key-a"))
	verifier := NewSymmetric([]byte("key-b"))

	signed, err := signer.Sign(map[string]any{"sub": "user-1"}, SignOptions{})
	require.NoError(t, err)

	_, err = verifier.Verify(signed, VerifyOptions{})
	require.Error(t, err)

	var verr *VerifyError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, FailureInvalid, verr.Kind)
}

func TestToken_Expired(t *testing.T) {
	t.Parallel()

	now := time.Now()

	past := (now.Add(-time.Hour).UnixMilli() / 1000)
	future := (now.Add(time.Hour).UnixMilli() / 1000)

	assert.True(t, Token{Exp: &past}.Expired(now))
	assert.False(t, Token{Exp: &future}.Expired(now))
	assert.False(t, Token{Exp: nil}.Expired(now))
}

func TestVerify_DisallowedAlgorithm(t *testing.T) {
	t.Parallel()

	svc := NewSymmetric([]byte("test-signing-key"))
	signed, err := svc.Sign(map[string]any{"sub": "user-1"}, SignOptions{Algorithm: AlgHS256})
	require.NoError(t, err)

	_, err = svc.Verify(signed, VerifyOptions{AllowedAlgorithms: []Algorithm{AlgRS256}})
	require.Error(t, err)
}
