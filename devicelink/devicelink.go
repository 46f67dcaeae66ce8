// Package devicelink links an additional authenticator to an existing
// account through a short-lived, single-use out-of-band code. The linking
// ceremony reuses the active session's challenge generation and the
// registration store path.
package devicelink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruteri/passkey-account-backend/credentials"
	"github.com/ruteri/passkey-account-backend/interfaces"
	"github.com/ruteri/passkey-account-backend/session"
	"github.com/ruteri/passkey-account-backend/vrf"
)

// DefaultCodeTTL bounds how long an issued link code stays redeemable.
const DefaultCodeTTL = 5 * time.Minute

type linkCode struct {
	accountID interfaces.AccountID
	expiresAt time.Time
}

// Result is the outcome of a redeemed link code.
type Result struct {
	AccountID    interfaces.AccountID `json:"accountId"`
	CredentialID string               `json:"credentialId"`
	DeviceNumber int                  `json:"deviceNumber"`
}

// Manager issues and redeems device-link codes.
type Manager struct {
	log           *slog.Logger
	sessions      *session.Manager
	ledger        interfaces.LedgerClient
	store         interfaces.CredentialStore
	authenticator interfaces.PlatformAuthenticator
	rpID          string
	ttl           time.Duration

	mu    sync.Mutex
	codes map[string]linkCode
}

// NewManager creates a device-link manager. A zero ttl selects
// DefaultCodeTTL.
func NewManager(log *slog.Logger, sessions *session.Manager, ledger interfaces.LedgerClient, store interfaces.CredentialStore, authenticator interfaces.PlatformAuthenticator, rpID string, ttl time.Duration) *Manager {
	if ttl == 0 {
		ttl = DefaultCodeTTL
	}
	return &Manager{
		log:           log,
		sessions:      sessions,
		ledger:        ledger,
		store:         store,
		authenticator: authenticator,
		rpID:          rpID,
		ttl:           ttl,
		codes:         make(map[string]linkCode),
	}
}

func (m *Manager) sweepExpired(now time.Time) {
	for code, entry := range m.codes {
		if now.After(entry.expiresAt) {
			delete(m.codes, code)
		}
	}
}

// IssueCode creates a link code bound to the currently active account. It
// requires an unlocked session; the code proves the issuing device already
// authenticated.
func (m *Manager) IssueCode(ctx context.Context) (string, time.Time, error) {
	accountID := m.sessions.ActiveAccount()
	if accountID == "" {
		return "", time.Time{}, fmt.Errorf("%w: no active session to link against", interfaces.ErrSessionUnlockFailed)
	}

	code := uuid.NewString()
	expiresAt := time.Now().Add(m.ttl)

	m.mu.Lock()
	m.sweepExpired(time.Now())
	m.codes[code] = linkCode{accountID: accountID, expiresAt: expiresAt}
	m.mu.Unlock()

	m.log.Info("Issued device link code",
		slog.String("account_id", accountID.String()),
		slog.Time("expires_at", expiresAt))
	return code, expiresAt, nil
}

// Redeem consumes a link code, runs a registration ceremony for the new
// authenticator against a session-generated challenge, and persists the new
// authenticator record with the next device number.
func (m *Manager) Redeem(ctx context.Context, code string) (*Result, error) {
	m.mu.Lock()
	entry, ok := m.codes[code]
	if ok {
		// Single-use: consumed on first redemption attempt.
		delete(m.codes, code)
	}
	m.mu.Unlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, fmt.Errorf("link code invalid or expired")
	}
	accountID := entry.accountID

	user, err := m.store.GetUser(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user for device link: %w", err)
	}

	block, err := m.ledger.ViewBlock(ctx, "final")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch freshness block: %w", err)
	}

	challenge, err := m.sessions.GenerateChallenge(ctx, vrf.ChallengeInput{
		UserID:      accountID.String(),
		RPID:        m.rpID,
		BlockHeight: block.Height,
		BlockHash:   block.Hash,
	})
	if err != nil {
		return nil, err
	}
	challengeBytes, err := challenge.OutputAs32Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrChallengeGenerationFailed, err)
	}

	credential, err := m.authenticator.GenerateRegistrationCredential(ctx, challengeBytes, accountID, m.rpID)
	if err != nil {
		return nil, err
	}

	outputs, err := credentials.ExtractPRF(credential)
	if err != nil {
		return nil, err
	}
	defer outputs.Zero()
	if err := outputs.RequireDual(); err != nil {
		return nil, err
	}

	// Same role split as registration: the first output yields the
	// deterministic VRF key, the second the account signing key, so recovery
	// from this device works unchanged.
	vrfDerived, err := m.sessions.DeriveFromSecret(ctx, outputs.Output1, accountID, nil, false)
	if err != nil {
		return nil, err
	}
	signing, err := m.sessions.DeriveFromSecret(ctx, outputs.Output2, accountID, nil, false)
	if err != nil {
		return nil, err
	}

	deviceNumber := user.LastDeviceNumber + 1
	now := time.Now()
	user.LastDeviceNumber = deviceNumber
	batch := interfaces.RegistrationBatch{
		User: *user,
		Authenticator: interfaces.StoredAuthenticator{
			CredentialID: credential.ID,
			AccountID:    accountID,
			PublicKey:    signing.PublicKey,
			VRFPublicKey: vrfDerived.PublicKey,
			DeviceNumber: deviceNumber,
			Transports:   credential.Response.Transports,
			RegisteredAt: now,
		},
	}
	if err := m.store.AtomicRegistrationWrite(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to persist linked authenticator: %w", err)
	}

	m.log.Info("Linked new device",
		slog.String("account_id", accountID.String()),
		slog.String("credential_id", credential.ID),
		slog.Int("device_number", deviceNumber))

	return &Result{
		AccountID:    accountID,
		CredentialID: credential.ID,
		DeviceNumber: deviceNumber,
	}, nil
}
