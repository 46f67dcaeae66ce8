package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/passkey-account-backend/interfaces"
)

// CredentialStore persists user and authenticator records on a KVBackend.
//
// Atomicity of registration writes is provided by a journal record: the
// journal entry is written before any data record and deleted only after all
// data records landed. Readers treat an account with a pending journal entry
// as absent, so a crash mid-write never exposes partial state. The journal
// entry doubles as the rollback marker.
type CredentialStore struct {
	backend KVBackend
	log     *slog.Logger
}

// journalRecord marks an in-flight registration write. PriorUser snapshots a
// pre-existing user record (device-link writes) so an abort restores it
// instead of deleting the account's records.
type journalRecord struct {
	AccountID    string          `json:"accountId"`
	CredentialID string          `json:"credentialId"`
	StartedAt    time.Time       `json:"startedAt"`
	PriorUser    json.RawMessage `json:"priorUser,omitempty"`
}

// NewCredentialStore creates a credential store on top of a storage backend.
func NewCredentialStore(backend KVBackend, log *slog.Logger) *CredentialStore {
	return &CredentialStore{backend: backend, log: log}
}

func authenticatorKey(accountID interfaces.AccountID, credentialID string) string {
	return accountID.String() + "/" + credentialID
}

func (s *CredentialStore) journalPending(ctx context.Context, accountID interfaces.AccountID) (bool, error) {
	_, err := s.backend.Get(ctx, JournalKind, accountID.String())
	if errors.Is(err, interfaces.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetUser returns the stored user record. Accounts with an in-flight
// registration journal entry are reported as absent.
func (s *CredentialStore) GetUser(ctx context.Context, accountID interfaces.AccountID) (*interfaces.StoredUser, error) {
	pending, err := s.journalPending(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to check registration journal: %w", err)
	}
	if pending {
		return nil, fmt.Errorf("user %s has an uncommitted registration: %w", accountID.String(), interfaces.ErrRecordNotFound)
	}

	data, err := s.backend.Get(ctx, UserKind, accountID.String())
	if err != nil {
		return nil, err
	}

	var user interfaces.StoredUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to decode user record %s: %w", accountID.String(), err)
	}
	return &user, nil
}

// GetAuthenticatorsByUser returns every authenticator stored for an account.
// An account with no authenticators yields an empty slice, not an error.
func (s *CredentialStore) GetAuthenticatorsByUser(ctx context.Context, accountID interfaces.AccountID) ([]interfaces.StoredAuthenticator, error) {
	pending, err := s.journalPending(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to check registration journal: %w", err)
	}
	if pending {
		return nil, nil
	}

	keys, err := s.backend.List(ctx, AuthenticatorKind, accountID.String()+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to list authenticators for %s: %w", accountID.String(), err)
	}

	authenticators := make([]interfaces.StoredAuthenticator, 0, len(keys))
	for _, key := range keys {
		data, err := s.backend.Get(ctx, AuthenticatorKind, key)
		if errors.Is(err, interfaces.ErrRecordNotFound) {
			// Deleted between list and get.
			continue
		}
		if err != nil {
			return nil, err
		}

		var authenticator interfaces.StoredAuthenticator
		if err := json.Unmarshal(data, &authenticator); err != nil {
			return nil, fmt.Errorf("failed to decode authenticator record %s: %w", key, err)
		}
		authenticators = append(authenticators, authenticator)
	}
	return authenticators, nil
}

// StoreAuthenticator writes a single authenticator record, overwriting any
// previous record for the same credential.
func (s *CredentialStore) StoreAuthenticator(ctx context.Context, authenticator interfaces.StoredAuthenticator) error {
	data, err := json.Marshal(authenticator)
	if err != nil {
		return fmt.Errorf("failed to encode authenticator record: %w", err)
	}
	return s.backend.Put(ctx, AuthenticatorKind, authenticatorKey(authenticator.AccountID, authenticator.CredentialID), data)
}

// AtomicRegistrationWrite persists the user record and first authenticator
// all-or-nothing. The journal entry written first hides the account from
// readers until the final commit deletes it.
func (s *CredentialStore) AtomicRegistrationWrite(ctx context.Context, batch interfaces.RegistrationBatch) error {
	accountID := batch.User.AccountID

	entry := journalRecord{
		AccountID:    accountID.String(),
		CredentialID: batch.Authenticator.CredentialID,
		StartedAt:    time.Now().UTC(),
	}
	if prior, err := s.backend.Get(ctx, UserKind, accountID.String()); err == nil {
		entry.PriorUser = json.RawMessage(prior)
	} else if !errors.Is(err, interfaces.ErrRecordNotFound) {
		return fmt.Errorf("failed to read prior user record: %w", err)
	}

	journal, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode journal record: %w", err)
	}
	if err := s.backend.Put(ctx, JournalKind, accountID.String(), journal); err != nil {
		return fmt.Errorf("failed to open registration journal: %w", err)
	}

	userData, err := json.Marshal(batch.User)
	if err != nil {
		return fmt.Errorf("failed to encode user record: %w", err)
	}
	if err := s.backend.Put(ctx, UserKind, accountID.String(), userData); err != nil {
		s.abortJournal(ctx, accountID)
		return fmt.Errorf("failed to store user record: %w", err)
	}

	if err := s.StoreAuthenticator(ctx, batch.Authenticator); err != nil {
		s.abortJournal(ctx, accountID)
		return fmt.Errorf("failed to store authenticator record: %w", err)
	}

	// Commit point.
	if err := s.backend.Delete(ctx, JournalKind, accountID.String()); err != nil {
		return fmt.Errorf("failed to commit registration journal: %w", err)
	}

	s.log.Info("Committed registration write",
		slog.String("account_id", accountID.String()),
		slog.String("credential_id", batch.Authenticator.CredentialID))
	return nil
}

// abortJournal best-effort cleans up a failed registration write. The journal
// entry is removed last; while it remains, the partial records stay hidden.
func (s *CredentialStore) abortJournal(ctx context.Context, accountID interfaces.AccountID) {
	if err := s.undoJournaledWrite(ctx, accountID); err != nil {
		s.log.Warn("Failed to clean up aborted registration write, journal entry retained",
			slog.String("account_id", accountID.String()), "err", err)
	}
}

// undoJournaledWrite reverts the records covered by a pending journal entry.
// A snapshot of a pre-existing user record is restored; a fresh registration
// is deleted outright.
func (s *CredentialStore) undoJournaledWrite(ctx context.Context, accountID interfaces.AccountID) error {
	data, err := s.backend.Get(ctx, JournalKind, accountID.String())
	if errors.Is(err, interfaces.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read journal record: %w", err)
	}

	var entry journalRecord
	if err := json.Unmarshal(data, &entry); err != nil {
		return fmt.Errorf("failed to decode journal record: %w", err)
	}

	if len(entry.PriorUser) == 0 {
		return s.rollback(ctx, accountID)
	}

	if err := s.backend.Delete(ctx, AuthenticatorKind, authenticatorKey(accountID, entry.CredentialID)); err != nil {
		return fmt.Errorf("failed to delete journaled authenticator record: %w", err)
	}
	if err := s.backend.Put(ctx, UserKind, accountID.String(), entry.PriorUser); err != nil {
		return fmt.Errorf("failed to restore prior user record: %w", err)
	}
	if err := s.backend.Delete(ctx, JournalKind, accountID.String()); err != nil {
		return fmt.Errorf("failed to delete journal record: %w", err)
	}
	return nil
}

// RollbackUserRegistration deletes the user record, every authenticator
// written for it and any pending journal entry.
func (s *CredentialStore) RollbackUserRegistration(ctx context.Context, accountID interfaces.AccountID) error {
	err := s.rollback(ctx, accountID)
	if err != nil {
		return err
	}
	s.log.Info("Rolled back registration records", slog.String("account_id", accountID.String()))
	return nil
}

func (s *CredentialStore) rollback(ctx context.Context, accountID interfaces.AccountID) error {
	keys, err := s.backend.List(ctx, AuthenticatorKind, accountID.String()+"/")
	if err != nil {
		return fmt.Errorf("failed to list authenticators for rollback: %w", err)
	}
	for _, key := range keys {
		if err := s.backend.Delete(ctx, AuthenticatorKind, key); err != nil {
			return fmt.Errorf("failed to delete authenticator record %s: %w", key, err)
		}
	}
	if err := s.backend.Delete(ctx, UserKind, accountID.String()); err != nil {
		return fmt.Errorf("failed to delete user record: %w", err)
	}
	if err := s.backend.Delete(ctx, JournalKind, accountID.String()); err != nil {
		return fmt.Errorf("failed to delete journal record: %w", err)
	}
	return nil
}

// SweepJournals rolls back every registration write left uncommitted by a
// previous run. Called once at startup.
func (s *CredentialStore) SweepJournals(ctx context.Context) error {
	keys, err := s.backend.List(ctx, JournalKind, "")
	if err != nil {
		return fmt.Errorf("failed to list registration journal: %w", err)
	}

	for _, key := range keys {
		accountID, err := interfaces.NewAccountID(key)
		if err != nil {
			s.log.Warn("Skipping malformed journal entry", slog.String("key", key), "err", err)
			continue
		}
		if err := s.undoJournaledWrite(ctx, accountID); err != nil {
			return fmt.Errorf("failed to sweep journal entry %s: %w", key, err)
		}
		s.log.Info("Swept uncommitted registration", slog.String("account_id", key))
	}
	return nil
}
