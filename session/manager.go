// Package session owns the cryptographic worker's lifecycle and tracks which
// account currently holds an unlocked session. It is the single boundary
// where worker-protocol errors gain operation context before reaching
// orchestrators.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/passkey-account-backend/interfaces"
	"github.com/ruteri/passkey-account-backend/vrf"
)

// Manager exposes session operations over the worker protocol. The manager
// mirrors the worker's active account locally; the mirror is authoritative
// only for synchronous reads, every mutating operation trusts the worker's
// response.
type Manager struct {
	log *slog.Logger

	mu            sync.Mutex
	worker        *vrf.Worker
	client        *vrf.Client
	activeAccount interfaces.AccountID
	sessionStart  time.Time
}

// NewManager creates a session manager. The worker is started lazily on
// first use.
func NewManager(log *slog.Logger) *Manager {
	return &Manager{log: log}
}

// ensureWorker lazily initializes and starts the worker.
func (m *Manager) ensureWorker() *vrf.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.worker == nil {
		m.worker = vrf.NewWorker(m.log.With("component", "vrf-worker"))
		m.worker.Start()
		m.client = vrf.NewClient(m.worker)
	}
	return m.client
}

// Close stops the worker and clears the local session mirror.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.worker != nil {
		m.worker.Stop()
	}
	m.activeAccount = ""
	m.sessionStart = time.Time{}
}

// healthCheck pings the worker with a short deadline so security-sensitive
// operations fail fast with a clear cause instead of their own generic
// timeout.
func (m *Manager) healthCheck(ctx context.Context, client *vrf.Client) error {
	if _, err := client.Call(ctx, vrf.MsgPing, nil); err != nil {
		return fmt.Errorf("worker failed health check: %w", err)
	}
	return nil
}

func (m *Manager) recordActive(accountID interfaces.AccountID) {
	m.mu.Lock()
	m.activeAccount = accountID
	m.sessionStart = time.Now()
	m.mu.Unlock()
}

// Unlock decrypts a stored keypair with the ceremony secret output and makes
// accountID the active session. A second unlock supersedes the first, never
// errors.
func (m *Manager) Unlock(ctx context.Context, secretOutput []byte, accountID interfaces.AccountID, encrypted interfaces.EncryptedVRFKeypair) error {
	client := m.ensureWorker()
	if err := m.healthCheck(ctx, client); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrSessionUnlockFailed, err)
	}

	_, err := client.Call(ctx, vrf.MsgUnlockVRFKeypair, vrf.UnlockParams{
		AccountID:    accountID,
		SecretOutput: secretOutput,
		Encrypted:    encrypted,
	})
	if err != nil {
		return fmt.Errorf("%w: unlock %s: %w", interfaces.ErrSessionUnlockFailed, accountID.String(), err)
	}

	m.recordActive(accountID)
	m.log.Info("Session unlocked", "accountId", accountID.String())
	return nil
}

// GenerateChallenge computes a VRF challenge with the resident session
// keypair; fails if no session is active.
func (m *Manager) GenerateChallenge(ctx context.Context, input vrf.ChallengeInput) (interfaces.VRFChallenge, error) {
	client := m.ensureWorker()
	if err := m.healthCheck(ctx, client); err != nil {
		return interfaces.VRFChallenge{}, fmt.Errorf("%w: %w", interfaces.ErrChallengeGenerationFailed, err)
	}

	data, err := client.Call(ctx, vrf.MsgGenerateVRFChallenge, input)
	if err != nil {
		return interfaces.VRFChallenge{}, fmt.Errorf("%w: %w", interfaces.ErrChallengeGenerationFailed, err)
	}

	result, ok := data.(vrf.ChallengeResult)
	if !ok {
		return interfaces.VRFChallenge{}, fmt.Errorf("%w: unexpected worker response", interfaces.ErrChallengeGenerationFailed)
	}
	return result.Challenge, nil
}

// BootstrapKeypair generates a fresh random keypair in worker memory before
// any ceremony secret exists, returning its public key and a challenge for
// the authenticator. Used only during registration.
func (m *Manager) BootstrapKeypair(ctx context.Context, input vrf.ChallengeInput) (*vrf.BootstrapResult, error) {
	client := m.ensureWorker()

	data, err := client.Call(ctx, vrf.MsgGenerateVRFKeypairBootstrap, vrf.BootstrapParams{Challenge: &input})
	if err != nil {
		return nil, fmt.Errorf("%w: bootstrap: %w", interfaces.ErrKeypairDerivationFailed, err)
	}

	result, ok := data.(vrf.BootstrapResult)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected worker response", interfaces.ErrKeypairDerivationFailed)
	}

	m.recordActive(interfaces.AccountID(input.UserID))
	return &result, nil
}

// EncryptSessionKeypair encrypts the resident bootstrap keypair with the
// ceremony secret output, completing the two-phase bootstrap: the key shown
// to the remote verifier and the one stored are provably the same.
func (m *Manager) EncryptSessionKeypair(ctx context.Context, secretOutput []byte) (*vrf.EncryptResult, error) {
	client := m.ensureWorker()

	data, err := client.Call(ctx, vrf.MsgEncryptVRFKeypair, vrf.EncryptParams{SecretOutput: secretOutput})
	if err != nil {
		return nil, fmt.Errorf("%w: encrypt session keypair: %w", interfaces.ErrKeypairDerivationFailed, err)
	}

	result, ok := data.(vrf.EncryptResult)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected worker response", interfaces.ErrKeypairDerivationFailed)
	}
	return &result, nil
}

// DeriveFromSecret deterministically derives a keypair from a ceremony
// secret output salted by the account id. Identical inputs always yield the
// identical public key and, when input is supplied, the identical challenge.
// With persist the derived keypair becomes the active session and an
// encrypted copy is returned for storage.
func (m *Manager) DeriveFromSecret(ctx context.Context, secretOutput []byte, accountID interfaces.AccountID, input *vrf.ChallengeInput, persist bool) (*vrf.DeriveResult, error) {
	client := m.ensureWorker()

	data, err := client.Call(ctx, vrf.MsgDeriveVRFKeypairFromPRF, vrf.DeriveParams{
		AccountID:    accountID,
		SecretOutput: secretOutput,
		Persist:      persist,
		Challenge:    input,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: derive for %s: %w", interfaces.ErrKeypairDerivationFailed, accountID.String(), err)
	}

	result, ok := data.(vrf.DeriveResult)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected worker response", interfaces.ErrKeypairDerivationFailed)
	}

	if persist {
		m.recordActive(accountID)
	}
	return &result, nil
}

// Status reports the current session. It never fails: worker unavailability
// or any internal error degrades to an inactive session, because a status
// check must never itself become a blocking failure.
func (m *Manager) Status(ctx context.Context) interfaces.SessionStatus {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()

	if client == nil {
		return interfaces.SessionStatus{Active: false}
	}

	data, err := client.Call(ctx, vrf.MsgCheckVRFStatus, nil)
	if err != nil {
		m.log.Debug("Status check degraded to inactive", "err", err)
		return interfaces.SessionStatus{Active: false}
	}

	result, ok := data.(vrf.StatusResult)
	if !ok || !result.Active {
		return interfaces.SessionStatus{Active: false}
	}

	return interfaces.SessionStatus{
		Active:          true,
		AccountID:       result.AccountID,
		SessionDuration: time.Since(result.SessionStartedAt),
	}
}

// Logout clears the worker session. Best-effort: the local mirror is cleared
// regardless of whether the worker acknowledges.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	client := m.client
	m.activeAccount = ""
	m.sessionStart = time.Time{}
	m.mu.Unlock()

	if client == nil {
		return
	}
	if _, err := client.Call(ctx, vrf.MsgLogout, nil); err != nil {
		m.log.Warn("Logout not acknowledged by worker", "err", err)
	}
}

// ActiveAccount returns the locally mirrored active account for synchronous
// reads without a worker round trip.
func (m *Manager) ActiveAccount() interfaces.AccountID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeAccount
}

// ConfigureShamir3Pass forwards the commutative-encryption configuration to
// the worker.
func (m *Manager) ConfigureShamir3Pass(ctx context.Context, cfg vrf.Shamir3PassConfig) error {
	client := m.ensureWorker()
	if _, err := client.Call(ctx, vrf.MsgConfigureShamir3Pass, cfg); err != nil {
		return fmt.Errorf("configure shamir 3-pass: %w", err)
	}
	return nil
}

// ExportRecoveryShares splits the active session key into threshold shares
// for offline backup. The plaintext key never leaves the worker.
func (m *Manager) ExportRecoveryShares(ctx context.Context, shares, threshold int) ([][]byte, error) {
	client := m.ensureWorker()

	data, err := client.Call(ctx, vrf.MsgExportRecoveryShares, vrf.ExportSharesParams{Shares: shares, Threshold: threshold})
	if err != nil {
		return nil, fmt.Errorf("export recovery shares: %w", err)
	}

	result, ok := data.(vrf.ExportSharesResult)
	if !ok {
		return nil, fmt.Errorf("export recovery shares: unexpected worker response")
	}
	return result.Shares, nil
}

// CombineRecoveryShares reconstructs a session key from shares and unlocks
// it as the active session for accountID.
func (m *Manager) CombineRecoveryShares(ctx context.Context, accountID interfaces.AccountID, shares [][]byte) (string, error) {
	client := m.ensureWorker()

	data, err := client.Call(ctx, vrf.MsgCombineRecoveryShares, vrf.CombineSharesParams{AccountID: accountID, Shares: shares})
	if err != nil {
		return "", fmt.Errorf("combine recovery shares: %w", err)
	}

	result, ok := data.(vrf.CombineSharesResult)
	if !ok {
		return "", fmt.Errorf("combine recovery shares: unexpected worker response")
	}

	m.recordActive(accountID)
	return result.PublicKey, nil
}
