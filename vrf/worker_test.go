package vrf

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/passkey-account-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2^256 - 189, a well-known prime large enough for the commutative scheme.
const testPrimeHex = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff43"

func newTestWorker(t *testing.T) *Client {
	t.Helper()
	w := NewWorker(slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.Start()
	t.Cleanup(w.Stop)
	return NewClient(w)
}

func testChallengeInput(userID string) ChallengeInput {
	return ChallengeInput{
		UserID:      userID,
		RPID:        "example.com",
		BlockHeight: 1234,
		BlockHash:   "BhXYZabc",
	}
}

func TestWorker_Ping(t *testing.T) {
	client := newTestWorker(t)
	data, err := client.Call(context.Background(), MsgPing, nil)
	require.NoError(t, err, "ping should succeed on a running worker")
	assert.Equal(t, "pong", data, "ping should answer pong")
}

func TestWorker_Unavailable(t *testing.T) {
	stopped := NewWorker(slog.New(slog.NewTextHandler(io.Discard, nil)))
	client := NewClient(stopped)
	_, err := client.Call(context.Background(), MsgPing, nil)
	assert.ErrorIs(t, err, interfaces.ErrWorkerUnavailable, "unstarted worker should be unavailable")

	stopped.Start()
	stopped.Stop()
	_, err = client.Call(context.Background(), MsgPing, nil)
	assert.ErrorIs(t, err, interfaces.ErrWorkerUnavailable, "stopped worker should be unavailable")
}

func TestWorker_DeriveDeterminism(t *testing.T) {
	client := newTestWorker(t)
	ctx := context.Background()

	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i * 7)
	}
	params := DeriveParams{
		AccountID:    interfaces.AccountID("alice.test"),
		SecretOutput: secret,
		Challenge:    ptr(testChallengeInput("alice.test")),
	}

	first, err := client.Call(ctx, MsgDeriveVRFKeypairFromPRF, params)
	require.NoError(t, err, "derivation should succeed")
	second, err := client.Call(ctx, MsgDeriveVRFKeypairFromPRF, params)
	require.NoError(t, err, "repeat derivation should succeed")

	firstResult := first.(DeriveResult)
	secondResult := second.(DeriveResult)
	assert.Equal(t, firstResult.PublicKey, secondResult.PublicKey,
		"identical secret and account must derive the identical public key")
	require.NotNil(t, firstResult.Challenge, "challenge should be computed when input is supplied")
	assert.Equal(t, firstResult.Challenge.Output, secondResult.Challenge.Output,
		"identical inputs must produce the identical challenge output")
	assert.Equal(t, firstResult.Challenge.Proof, secondResult.Challenge.Proof,
		"identical inputs must produce the identical proof")

	// A single flipped bit in the secret changes everything.
	flipped := make([]byte, len(secret))
	copy(flipped, secret)
	flipped[0] ^= 0x01
	diverged, err := client.Call(ctx, MsgDeriveVRFKeypairFromPRF, DeriveParams{
		AccountID:    params.AccountID,
		SecretOutput: flipped,
		Challenge:    params.Challenge,
	})
	require.NoError(t, err, "derivation with flipped secret should succeed")
	assert.NotEqual(t, firstResult.PublicKey, diverged.(DeriveResult).PublicKey,
		"a one-bit secret difference must derive a different keypair")

	// Same secret, different account salt.
	otherAccount, err := client.Call(ctx, MsgDeriveVRFKeypairFromPRF, DeriveParams{
		AccountID:    interfaces.AccountID("bob.test"),
		SecretOutput: secret,
	})
	require.NoError(t, err, "derivation for another account should succeed")
	assert.NotEqual(t, firstResult.PublicKey, otherAccount.(DeriveResult).PublicKey,
		"the account id salt must separate keypairs across accounts")
}

func TestWorker_BootstrapEncryptUnlock(t *testing.T) {
	client := newTestWorker(t)
	ctx := context.Background()

	input := testChallengeInput("alice.test")
	data, err := client.Call(ctx, MsgGenerateVRFKeypairBootstrap, BootstrapParams{Challenge: &input})
	require.NoError(t, err, "bootstrap should succeed")
	bootstrap := data.(BootstrapResult)
	assert.NotEmpty(t, bootstrap.PublicKey, "bootstrap should report its public key")
	require.NotNil(t, bootstrap.Challenge, "bootstrap should compute the requested challenge")
	assert.Equal(t, bootstrap.PublicKey, bootstrap.Challenge.PublicKey,
		"the challenge must be bound to the bootstrap keypair")

	secret := []byte("ceremony-secret-output-0123456789")
	data, err = client.Call(ctx, MsgEncryptVRFKeypair, EncryptParams{SecretOutput: secret})
	require.NoError(t, err, "encrypting the resident keypair should succeed")
	encrypted := data.(EncryptResult)
	assert.Equal(t, bootstrap.PublicKey, encrypted.PublicKey,
		"encryption must seal the same keypair the bootstrap created")

	data, err = client.Call(ctx, MsgUnlockVRFKeypair, UnlockParams{
		AccountID:    interfaces.AccountID("alice.test"),
		SecretOutput: secret,
		Encrypted:    encrypted.Encrypted,
	})
	require.NoError(t, err, "unlock with the correct secret should succeed")
	assert.Equal(t, bootstrap.PublicKey, data.(UnlockResult).PublicKey,
		"unlock must restore the original keypair")

	_, err = client.Call(ctx, MsgUnlockVRFKeypair, UnlockParams{
		AccountID:    interfaces.AccountID("alice.test"),
		SecretOutput: []byte("the-wrong-ceremony-secret-output"),
		Encrypted:    encrypted.Encrypted,
	})
	assert.Error(t, err, "unlock with a wrong secret must fail authentication")
}

func TestWorker_ChallengeRequiresSession(t *testing.T) {
	client := newTestWorker(t)
	_, err := client.Call(context.Background(), MsgGenerateVRFChallenge, testChallengeInput("alice.test"))
	assert.Error(t, err, "challenge generation without a resident keypair must fail")
}

func TestWorker_SessionExclusivity(t *testing.T) {
	client := newTestWorker(t)
	ctx := context.Background()

	secret := []byte("ceremony-secret-output-0123456789")
	_, err := client.Call(ctx, MsgDeriveVRFKeypairFromPRF, DeriveParams{
		AccountID:    interfaces.AccountID("alice.test"),
		SecretOutput: secret,
		Persist:      true,
	})
	require.NoError(t, err, "first persisted derivation should succeed")

	// A second login supersedes the first without error.
	_, err = client.Call(ctx, MsgDeriveVRFKeypairFromPRF, DeriveParams{
		AccountID:    interfaces.AccountID("bob.test"),
		SecretOutput: secret,
		Persist:      true,
	})
	require.NoError(t, err, "superseding derivation should succeed")

	data, err := client.Call(ctx, MsgCheckVRFStatus, nil)
	require.NoError(t, err, "status should succeed")
	status := data.(StatusResult)
	assert.True(t, status.Active, "a session should be active")
	assert.Equal(t, interfaces.AccountID("bob.test"), status.AccountID,
		"the later login must hold the single session slot")

	_, err = client.Call(ctx, MsgLogout, nil)
	require.NoError(t, err, "logout should succeed")
	data, err = client.Call(ctx, MsgCheckVRFStatus, nil)
	require.NoError(t, err, "status after logout should succeed")
	assert.False(t, data.(StatusResult).Active, "logout must clear the session")
}

func TestWorker_DeriveWithoutPersistLeavesNoSession(t *testing.T) {
	client := newTestWorker(t)
	ctx := context.Background()

	_, err := client.Call(ctx, MsgDeriveVRFKeypairFromPRF, DeriveParams{
		AccountID:    interfaces.AccountID("alice.test"),
		SecretOutput: []byte("ceremony-secret-output-0123456789"),
	})
	require.NoError(t, err, "ephemeral derivation should succeed")

	data, err := client.Call(ctx, MsgCheckVRFStatus, nil)
	require.NoError(t, err, "status should succeed")
	assert.False(t, data.(StatusResult).Active,
		"a non-persisted derivation must not occupy the session slot")
}

func TestWorker_Shamir3PassConfig(t *testing.T) {
	client := newTestWorker(t)
	ctx := context.Background()

	cases := []struct {
		name string
		cfg  Shamir3PassConfig
	}{
		{"not hex", Shamir3PassConfig{PrimeHex: "zzzz", RelayURLs: []string{"https://relay.example"}}},
		{"too small", Shamir3PassConfig{PrimeHex: "fb", RelayURLs: []string{"https://relay.example"}}},
		{"no relays", Shamir3PassConfig{PrimeHex: testPrimeHex}},
		{"bad relay", Shamir3PassConfig{PrimeHex: testPrimeHex, RelayURLs: []string{"not a url"}}},
	}
	for _, tc := range cases {
		_, err := client.Call(ctx, MsgConfigureShamir3Pass, tc.cfg)
		assert.Error(t, err, "config %q should be rejected", tc.name)
	}

	_, err := client.Call(ctx, MsgShamir3PassEncrypt, Shamir3PassParams{ValueHex: "1234"})
	assert.Error(t, err, "encrypt before configuration must fail")

	_, err = client.Call(ctx, MsgConfigureShamir3Pass, Shamir3PassConfig{
		PrimeHex:  testPrimeHex,
		RelayURLs: []string{"https://relay-1.example", "https://relay-2.example"},
	})
	assert.NoError(t, err, "valid configuration should be accepted")
}

func TestWorker_Shamir3PassRoundTrip(t *testing.T) {
	client := newTestWorker(t)
	ctx := context.Background()

	_, err := client.Call(ctx, MsgConfigureShamir3Pass, Shamir3PassConfig{
		PrimeHex:  testPrimeHex,
		RelayURLs: []string{"https://relay.example"},
	})
	require.NoError(t, err, "configuration should succeed")

	plaintext := "deadbeef0badc0de"
	data, err := client.Call(ctx, MsgShamir3PassEncrypt, Shamir3PassParams{ValueHex: plaintext})
	require.NoError(t, err, "first layer should apply")
	layer1 := data.(Shamir3PassResult)
	require.NotEmpty(t, layer1.KeyHex, "a fresh key should be generated and returned")

	// Second party layers on top with its own key; removal order must not
	// matter for the scheme to work as a three-pass protocol.
	data, err = client.Call(ctx, MsgShamir3PassEncrypt, Shamir3PassParams{ValueHex: layer1.ValueHex})
	require.NoError(t, err, "second layer should apply")
	layer2 := data.(Shamir3PassResult)

	data, err = client.Call(ctx, MsgShamir3PassDecrypt, Shamir3PassParams{ValueHex: layer2.ValueHex, KeyHex: layer1.KeyHex})
	require.NoError(t, err, "removing the first layer out of order should succeed")
	data, err = client.Call(ctx, MsgShamir3PassDecrypt, Shamir3PassParams{ValueHex: data.(Shamir3PassResult).ValueHex, KeyHex: layer2.KeyHex})
	require.NoError(t, err, "removing the second layer should succeed")
	assert.Equal(t, plaintext, data.(Shamir3PassResult).ValueHex,
		"removing both layers must restore the plaintext")
}

func TestWorker_RecoveryShares(t *testing.T) {
	client := newTestWorker(t)
	ctx := context.Background()

	_, err := client.Call(ctx, MsgExportRecoveryShares, ExportSharesParams{Shares: 3, Threshold: 2})
	assert.Error(t, err, "export without an active session must fail")

	data, err := client.Call(ctx, MsgDeriveVRFKeypairFromPRF, DeriveParams{
		AccountID:    interfaces.AccountID("alice.test"),
		SecretOutput: []byte("ceremony-secret-output-0123456789"),
		Persist:      true,
	})
	require.NoError(t, err, "persisted derivation should succeed")
	originalKey := data.(DeriveResult).PublicKey

	data, err = client.Call(ctx, MsgExportRecoveryShares, ExportSharesParams{Shares: 3, Threshold: 2})
	require.NoError(t, err, "export should succeed with an active session")
	shares := data.(ExportSharesResult).Shares
	require.Len(t, shares, 3, "export should produce the requested share count")

	_, err = client.Call(ctx, MsgLogout, nil)
	require.NoError(t, err, "logout should succeed")

	// Any threshold subset reconstructs the session.
	data, err = client.Call(ctx, MsgCombineRecoveryShares, CombineSharesParams{
		AccountID: interfaces.AccountID("alice.test"),
		Shares:    [][]byte{shares[0], shares[2]},
	})
	require.NoError(t, err, "combining a threshold subset should succeed")
	assert.Equal(t, originalKey, data.(CombineSharesResult).PublicKey,
		"combined shares must restore the original session keypair")
}

func ptr[T any](v T) *T { return &v }
