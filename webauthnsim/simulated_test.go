package webauthnsim

import (
	"context"
	"testing"

	"github.com/ruteri/passkey-account-backend/credentials"
	"github.com/ruteri/passkey-account-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedAuthenticator_Deterministic(t *testing.T) {
	ctx := context.Background()
	accountID := interfaces.AccountID("alice.test")

	first := New([]byte("seed"))
	second := New([]byte("seed"))

	credA, err := first.GenerateRegistrationCredential(ctx, [32]byte{1}, accountID, "example.com")
	require.NoError(t, err, "registration ceremony should succeed")
	credB, err := second.GenerateRegistrationCredential(ctx, [32]byte{2}, accountID, "example.com")
	require.NoError(t, err, "registration ceremony should succeed")

	assert.Equal(t, credA.ID, credB.ID, "the same seed, relying party and account yield the same credential")

	outputsA, err := credentials.ExtractPRF(credA)
	require.NoError(t, err, "prf extraction should succeed")
	outputsB, err := credentials.ExtractPRF(credB)
	require.NoError(t, err, "prf extraction should succeed")
	assert.Equal(t, outputsA.Output1, outputsB.Output1, "the first output is stable across ceremonies")
	assert.Equal(t, outputsA.Output2, outputsB.Output2, "the second output is stable across ceremonies")
	assert.NotEqual(t, outputsA.Output1, outputsA.Output2, "the two outputs are independent secrets")

	other := New([]byte("other-seed"))
	credC, err := other.GenerateRegistrationCredential(ctx, [32]byte{1}, accountID, "example.com")
	require.NoError(t, err, "registration ceremony should succeed")
	assert.NotEqual(t, credA.ID, credC.ID, "a different device seed yields a different credential")
}

func TestSimulatedAuthenticator_AssertionMatchesRegistration(t *testing.T) {
	ctx := context.Background()
	sim := New([]byte("seed"))

	registered, err := sim.GenerateRegistrationCredential(ctx, [32]byte{}, interfaces.AccountID("alice.test"), "example.com")
	require.NoError(t, err, "registration ceremony should succeed")
	regOutputs, err := credentials.ExtractPRF(registered)
	require.NoError(t, err, "prf extraction should succeed")

	// Without an allow list the device answers with its resident credential,
	// and the prf outputs are keyed by that credential, not by the ceremony.
	asserted, err := sim.GetCredential(ctx, [32]byte{9}, nil, "example.com")
	require.NoError(t, err, "assertion ceremony should succeed")
	assert.Equal(t, registered.ID, asserted.ID, "the resident credential answers discovery assertions")

	assertOutputs, err := credentials.ExtractAssertionPRF(asserted)
	require.NoError(t, err, "assertion prf extraction should succeed")
	assert.Equal(t, regOutputs.Output1, assertOutputs.Output1,
		"assertion and registration evaluate the prf identically")
	assert.Equal(t, regOutputs.Output2, assertOutputs.Output2,
		"assertion and registration evaluate the prf identically")
}

func TestSimulatedAuthenticator_Cancellation(t *testing.T) {
	ctx := context.Background()
	sim := New([]byte("seed"))
	sim.CancelNext = true

	_, err := sim.GenerateRegistrationCredential(ctx, [32]byte{}, interfaces.AccountID("alice.test"), "example.com")
	assert.ErrorIs(t, err, interfaces.ErrUserCancelled, "cancellation should surface as the typed error")
	assert.Zero(t, sim.Ceremonies, "a cancelled ceremony does not count")

	// One-shot: the next ceremony proceeds.
	_, err = sim.GenerateRegistrationCredential(ctx, [32]byte{}, interfaces.AccountID("alice.test"), "example.com")
	assert.NoError(t, err, "the cancellation flag is consumed by one ceremony")

	_, err = sim.GetCredential(ctx, [32]byte{}, nil, "unknown-rp.example")
	assert.Error(t, err, "an assertion without any credential for the relying party must fail")
}
