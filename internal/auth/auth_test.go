package auth

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spaceduck/internal/store"
)

func newTestAuth(t *testing.T) *Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "spaceduck.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewStore(st.DB(), nil)
}

func TestEnsureGatewaySettingsStable(t *testing.T) {
	a := newTestAuth(t)

	gs1, err := a.EnsureGatewaySettings("duck")
	require.NoError(t, err)
	require.NotEmpty(t, gs1.ID)

	gs2, err := a.EnsureGatewaySettings("other-name")
	require.NoError(t, err)
	assert.Equal(t, gs1.ID, gs2.ID)
	assert.Equal(t, "duck", gs2.Name)
}

func TestPairingHappyPath(t *testing.T) {
	a := newTestAuth(t)

	ps, err := a.CreatePairingSession()
	require.NoError(t, err)
	require.Len(t, ps.Code, 6)

	// start reuses the active session.
	ps2, err := a.CreatePairingSession()
	require.NoError(t, err)
	assert.Equal(t, ps.ID, ps2.ID)

	code, err := a.ActivePairingCode()
	require.NoError(t, err)
	assert.Equal(t, ps.Code, code)

	token, err := a.ConfirmPairing(ps.ID, ps.Code, "laptop")
	require.NoError(t, err)
	require.Len(t, token, 64) // 32 random bytes, hex

	verified, err := a.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "laptop", verified.DeviceName)
	assert.NotNil(t, verified.LastUsedAt)

	// The session is single-use.
	_, err = a.ConfirmPairing(ps.ID, ps.Code, "")
	assert.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestPairingWrongCodeRateLimit(t *testing.T) {
	a := newTestAuth(t)
	ps, err := a.CreatePairingSession()
	require.NoError(t, err)

	wrong := "000000"
	if ps.Code == wrong {
		wrong = "000001"
	}
	for i := 0; i < PairingMaxAttempts; i++ {
		_, err := a.ConfirmPairing(ps.ID, wrong, "")
		assert.ErrorIs(t, err, ErrWrongCode)
	}

	// After five wrong attempts even the real code is rejected.
	_, err = a.ConfirmPairing(ps.ID, ps.Code, "")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestConfirmUnknownSession(t *testing.T) {
	a := newTestAuth(t)
	_, err := a.ConfirmPairing("nope", "123456", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyRejectsUnknownAndRevoked(t *testing.T) {
	a := newTestAuth(t)

	_, err := a.VerifyToken("deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)

	ps, err := a.CreatePairingSession()
	require.NoError(t, err)
	token, err := a.ConfirmPairing(ps.ID, ps.Code, "phone")
	require.NoError(t, err)

	tokens, err := a.ListTokens()
	require.NoError(t, err)
	require.Len(t, tokens, 1)

	require.NoError(t, a.RevokeToken(tokens[0].ID))
	_, err = a.VerifyToken(token)
	assert.ErrorIs(t, err, ErrRevoked)

	// Revoking twice reports not found.
	assert.ErrorIs(t, a.RevokeToken(tokens[0].ID), ErrNotFound)
}
