package store

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ruteri/passkey-account-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*CredentialStore, *FileBackend) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend, err := NewFileBackend(t.TempDir(), log)
	require.NoError(t, err, "file backend should initialize")
	return NewCredentialStore(backend, log), backend
}

func testBatch(accountID, credentialID string, deviceNumber int) interfaces.RegistrationBatch {
	return interfaces.RegistrationBatch{
		User: interfaces.StoredUser{
			AccountID: interfaces.AccountID(accountID),
			EncryptedVRFKeypair: interfaces.EncryptedVRFKeypair{
				Ciphertext: []byte("ciphertext"),
				Nonce:      []byte("nonce"),
			},
			VRFPublicKey:     "vrf-pk",
			LastDeviceNumber: deviceNumber,
			RegisteredAt:     time.Now().UTC(),
		},
		Authenticator: interfaces.StoredAuthenticator{
			CredentialID: credentialID,
			AccountID:    interfaces.AccountID(accountID),
			PublicKey:    "cred-pk",
			VRFPublicKey: "vrf-pk",
			DeviceNumber: deviceNumber,
			RegisteredAt: time.Now().UTC(),
		},
	}
}

func TestFileBackend_CRUD(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend, err := NewFileBackend(t.TempDir(), log)
	require.NoError(t, err, "file backend should initialize")
	ctx := context.Background()

	_, err = backend.Get(ctx, UserKind, "alice.test")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound, "absent record should be a typed not-found")

	require.NoError(t, backend.Put(ctx, UserKind, "alice.test", []byte("v1")), "put should succeed")
	data, err := backend.Get(ctx, UserKind, "alice.test")
	require.NoError(t, err, "get should succeed")
	assert.Equal(t, []byte("v1"), data, "stored value should round-trip")

	require.NoError(t, backend.Put(ctx, UserKind, "alice.test", []byte("v2")), "overwrite should succeed")
	data, err = backend.Get(ctx, UserKind, "alice.test")
	require.NoError(t, err, "get after overwrite should succeed")
	assert.Equal(t, []byte("v2"), data, "put should overwrite")

	// Hierarchical keys list by prefix, kinds are isolated namespaces.
	require.NoError(t, backend.Put(ctx, AuthenticatorKind, "alice.test/cred-1", []byte("a")), "put should succeed")
	require.NoError(t, backend.Put(ctx, AuthenticatorKind, "alice.test/cred-2", []byte("b")), "put should succeed")
	require.NoError(t, backend.Put(ctx, AuthenticatorKind, "bob.test/cred-3", []byte("c")), "put should succeed")
	keys, err := backend.List(ctx, AuthenticatorKind, "alice.test/")
	require.NoError(t, err, "list should succeed")
	assert.ElementsMatch(t, []string{"alice.test/cred-1", "alice.test/cred-2"}, keys,
		"list should return exactly the keys under the prefix")
	keys, err = backend.List(ctx, UserKind, "alice.test")
	require.NoError(t, err, "list should succeed")
	assert.Len(t, keys, 1, "kinds must not leak into each other")

	require.NoError(t, backend.Delete(ctx, UserKind, "alice.test"), "delete should succeed")
	require.NoError(t, backend.Delete(ctx, UserKind, "alice.test"), "deleting an absent record is not an error")
	_, err = backend.Get(ctx, UserKind, "alice.test")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound, "deleted record should be absent")

	assert.True(t, backend.Available(ctx), "backend on an existing directory should be available")
}

func TestCredentialStore_AtomicWriteCommit(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()

	batch := testBatch("alice.test", "cred-1", 1)
	require.NoError(t, s.AtomicRegistrationWrite(ctx, batch), "registration write should succeed")

	user, err := s.GetUser(ctx, batch.User.AccountID)
	require.NoError(t, err, "committed user should be readable")
	assert.Equal(t, batch.User.VRFPublicKey, user.VRFPublicKey, "user record should round-trip")

	authenticators, err := s.GetAuthenticatorsByUser(ctx, batch.User.AccountID)
	require.NoError(t, err, "committed authenticators should be listable")
	require.Len(t, authenticators, 1, "exactly the written authenticator should exist")
	assert.Equal(t, "cred-1", authenticators[0].CredentialID, "authenticator record should round-trip")

	// Commit removes the journal entry.
	_, err = backend.Get(ctx, JournalKind, "alice.test")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound, "journal must be empty after commit")
}

func TestCredentialStore_JournalHidesAccount(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()

	batch := testBatch("alice.test", "cred-1", 1)
	require.NoError(t, s.AtomicRegistrationWrite(ctx, batch), "registration write should succeed")

	// Simulate a crash mid-write: data records present, journal still open.
	entry, err := json.Marshal(journalRecord{AccountID: "alice.test", CredentialID: "cred-1", StartedAt: time.Now().UTC()})
	require.NoError(t, err, "journal record should encode")
	require.NoError(t, backend.Put(ctx, JournalKind, "alice.test", entry), "journal put should succeed")

	_, err = s.GetUser(ctx, batch.User.AccountID)
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound,
		"an account with a pending journal entry must read as absent")
	authenticators, err := s.GetAuthenticatorsByUser(ctx, batch.User.AccountID)
	require.NoError(t, err, "listing should not error")
	assert.Empty(t, authenticators, "pending journal must hide the authenticators too")
}

func TestCredentialStore_RollbackUserRegistration(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AtomicRegistrationWrite(ctx, testBatch("alice.test", "cred-1", 1)), "write should succeed")
	require.NoError(t, s.StoreAuthenticator(ctx, testBatch("alice.test", "cred-2", 2).Authenticator), "second authenticator should store")

	require.NoError(t, s.RollbackUserRegistration(ctx, interfaces.AccountID("alice.test")), "rollback should succeed")

	_, err := s.GetUser(ctx, interfaces.AccountID("alice.test"))
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound, "rollback must delete the user record")
	authenticators, err := s.GetAuthenticatorsByUser(ctx, interfaces.AccountID("alice.test"))
	require.NoError(t, err, "listing after rollback should succeed")
	assert.Empty(t, authenticators, "rollback must delete every authenticator")

	assert.NoError(t, s.RollbackUserRegistration(ctx, interfaces.AccountID("alice.test")),
		"rollback of an absent account is not an error")
}

func TestCredentialStore_SweepJournals(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AtomicRegistrationWrite(ctx, testBatch("alice.test", "cred-1", 1)), "write should succeed")

	// Leave an uncommitted fresh registration behind.
	entry, err := json.Marshal(journalRecord{AccountID: "bob.test", CredentialID: "cred-9", StartedAt: time.Now().UTC()})
	require.NoError(t, err, "journal record should encode")
	require.NoError(t, backend.Put(ctx, JournalKind, "bob.test", entry), "journal put should succeed")
	require.NoError(t, backend.Put(ctx, UserKind, "bob.test", []byte(`{"accountId":"bob.test"}`)), "partial user put should succeed")

	require.NoError(t, s.SweepJournals(ctx), "sweep should succeed")

	_, err = backend.Get(ctx, UserKind, "bob.test")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound, "sweep must delete uncommitted records")
	_, err = backend.Get(ctx, JournalKind, "bob.test")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound, "sweep must delete the journal entry")

	user, err := s.GetUser(ctx, interfaces.AccountID("alice.test"))
	require.NoError(t, err, "committed accounts must survive the sweep")
	assert.Equal(t, interfaces.AccountID("alice.test"), user.AccountID, "committed record should be intact")
}

func TestCredentialStore_SweepRestoresPriorUser(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()

	// An established account gains a second device; the write crashes before
	// commit. The sweep must restore the prior user record, not delete the
	// account.
	first := testBatch("alice.test", "cred-1", 1)
	require.NoError(t, s.AtomicRegistrationWrite(ctx, first), "initial registration should succeed")
	priorUser, err := backend.Get(ctx, UserKind, "alice.test")
	require.NoError(t, err, "prior user record should be readable")

	second := testBatch("alice.test", "cred-2", 2)
	userData, err := json.Marshal(second.User)
	require.NoError(t, err, "updated user record should encode")
	entry, err := json.Marshal(journalRecord{
		AccountID:    "alice.test",
		CredentialID: "cred-2",
		StartedAt:    time.Now().UTC(),
		PriorUser:    priorUser,
	})
	require.NoError(t, err, "journal record should encode")
	require.NoError(t, backend.Put(ctx, JournalKind, "alice.test", entry), "journal put should succeed")
	require.NoError(t, backend.Put(ctx, UserKind, "alice.test", userData), "updated user put should succeed")
	require.NoError(t, s.StoreAuthenticator(ctx, second.Authenticator), "second authenticator should store")

	require.NoError(t, s.SweepJournals(ctx), "sweep should succeed")

	user, err := s.GetUser(ctx, interfaces.AccountID("alice.test"))
	require.NoError(t, err, "the account must survive an aborted device link")
	assert.Equal(t, 1, user.LastDeviceNumber, "the prior user record must be restored")

	authenticators, err := s.GetAuthenticatorsByUser(ctx, interfaces.AccountID("alice.test"))
	require.NoError(t, err, "listing should succeed")
	require.Len(t, authenticators, 1, "only the journaled authenticator must be removed")
	assert.Equal(t, "cred-1", authenticators[0].CredentialID, "the original authenticator must remain")
}
