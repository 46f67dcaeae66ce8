// Package recovery implements the four-phase account recovery state machine:
// discover candidate accounts for a physical authenticator, let the caller
// select one, deterministically re-derive the account keys, prove remote
// access, reconcile authenticator state and re-activate the session.
package recovery

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/passkey-account-backend/credentials"
	"github.com/ruteri/passkey-account-backend/interfaces"
	"github.com/ruteri/passkey-account-backend/metrics"
	"github.com/ruteri/passkey-account-backend/session"
)

// Phase is the recovery state machine phase. Transitions are strictly
// forward except error, which is reachable from any phase; Reset returns to
// idle.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseDiscovering Phase = "discovering"
	PhaseReady       Phase = "ready"
	PhaseRecovering  Phase = "recovering"
	PhaseComplete    Phase = "complete"
	PhaseError       Phase = "error"
)

// candidate is the private full tuple held between discovery and recovery.
type candidate struct {
	credentialID string
	accountID    interfaces.AccountID
	publicKey    string
	verified     bool
}

// DiscoveredAccount is the redacted candidate projection returned to
// callers: no raw credential, no secret outputs.
type DiscoveredAccount struct {
	CredentialID string               `json:"credentialId"`
	AccountID    interfaces.AccountID `json:"accountId"`
	PublicKey    string               `json:"publicKey,omitempty"`
	DisplayName  string               `json:"displayName"`
}

// Selection identifies one discovered candidate to recover.
type Selection struct {
	AccountID    interfaces.AccountID `json:"accountId"`
	CredentialID string               `json:"credentialId"`
}

// Result is the outcome of a completed recovery.
type Result struct {
	AccountID        interfaces.AccountID `json:"accountId"`
	SessionPublicKey string               `json:"sessionPublicKey"`
	AccountPublicKey string               `json:"accountPublicKey"`
	DeviceNumber     int                  `json:"deviceNumber"`
	SyncedCount      int                  `json:"syncedCount"`
}

// Orchestrator drives one recovery attempt. It is single-use between Resets:
// Discover may run once, then Recover once. Methods are safe for concurrent
// callers; the phase gate serializes actual progress.
type Orchestrator struct {
	log           *slog.Logger
	sessions      *session.Manager
	ledger        interfaces.LedgerClient
	verifier      interfaces.VerifierContract
	store         interfaces.CredentialStore
	authenticator interfaces.PlatformAuthenticator
	rpID          string

	mu         sync.Mutex
	phase      Phase
	cancelled  bool
	candidates []candidate
	outputs    credentials.DualPRFOutputs
	credential *credentials.AuthenticationCredential
}

// NewOrchestrator creates a recovery orchestrator in phase idle.
func NewOrchestrator(log *slog.Logger, sessions *session.Manager, ledger interfaces.LedgerClient, verifier interfaces.VerifierContract, store interfaces.CredentialStore, authenticator interfaces.PlatformAuthenticator, rpID string) *Orchestrator {
	return &Orchestrator{
		log:           log,
		sessions:      sessions,
		ledger:        ledger,
		verifier:      verifier,
		store:         store,
		authenticator: authenticator,
		rpID:          rpID,
		phase:         PhaseIdle,
	}
}

// Phase returns the current state machine phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Cancel cooperatively stops the flow: no new step starts, requests already
// in flight are not aborted.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelled = true
}

// Reset returns the state machine to idle, discarding candidates and zeroing
// the retained ceremony secrets.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phase = PhaseIdle
	o.cancelled = false
	o.candidates = nil
	o.outputs.Zero()
	o.outputs = credentials.DualPRFOutputs{}
	o.credential = nil
}

func (o *Orchestrator) transition(from, to Phase) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelled {
		return fmt.Errorf("recovery cancelled")
	}
	if o.phase != from {
		return fmt.Errorf("recovery phase is %s, expected %s", o.phase, from)
	}
	o.phase = to
	return nil
}

func (o *Orchestrator) fail(err error) error {
	o.mu.Lock()
	o.phase = PhaseError
	o.mu.Unlock()
	metrics.Recoveries.WithLabelValues("error").Inc()
	return err
}

func (o *Orchestrator) checkCancelled() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelled {
		return fmt.Errorf("recovery cancelled")
	}
	return nil
}

// Discover runs one authenticator ceremony and returns the redacted list of
// accounts this authenticator can plausibly recover. A random challenge
// suffices here: the verifying value is authenticator possession plus
// biometric, not challenge freshness against a remote party. Single-use
// until Reset.
func (o *Orchestrator) Discover(ctx context.Context, accountHint interfaces.AccountID, sink interfaces.EventSink) ([]DiscoveredAccount, error) {
	if err := o.transition(PhaseIdle, PhaseDiscovering); err != nil {
		return nil, o.fail(err)
	}
	sink.Emit(DiscoverEvent{S: interfaces.EventProgress, Msg: "Waiting for passkey ceremony"})

	var challenge [32]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return nil, o.fail(fmt.Errorf("failed to generate discovery challenge: %w", err))
	}

	credential, err := o.authenticator.GetCredential(ctx, challenge, nil, o.rpID)
	if err != nil {
		sink.Emit(DiscoverEvent{S: interfaces.EventError, Msg: interfaces.UserFacingMessage(err)})
		return nil, o.fail(err)
	}

	outputs, err := credentials.ExtractAssertionPRF(credential)
	if err != nil {
		sink.Emit(DiscoverEvent{S: interfaces.EventError, Msg: err.Error()})
		return nil, o.fail(err)
	}
	// Recovery-grade and encryption-grade derivations must not be conflated:
	// a credential without the second output fails here, before any
	// single-output fallback could silently occur.
	if err := outputs.RequireDual(); err != nil {
		sink.Emit(DiscoverEvent{S: interfaces.EventError, Msg: err.Error()})
		return nil, o.fail(err)
	}

	candidates, err := o.buildCandidates(ctx, accountHint, credential.ID)
	if err != nil {
		sink.Emit(DiscoverEvent{S: interfaces.EventError, Msg: err.Error()})
		return nil, o.fail(err)
	}

	o.mu.Lock()
	o.candidates = candidates
	o.outputs = outputs
	o.credential = credential
	o.phase = PhaseReady
	o.mu.Unlock()

	projected := make([]DiscoveredAccount, 0, len(candidates))
	for _, c := range candidates {
		name := c.accountID.String()
		if !c.verified {
			name += " (unverified)"
		}
		projected = append(projected, DiscoveredAccount{
			CredentialID: c.credentialID,
			AccountID:    c.accountID,
			PublicKey:    c.publicKey,
			DisplayName:  name,
		})
	}

	sink.Emit(DiscoverEvent{S: interfaces.EventSuccess, Candidates: len(projected),
		Msg: fmt.Sprintf("Found %d recoverable account(s)", len(projected))})
	return projected, nil
}

// buildCandidates narrows the account hint against the verifier's credential
// records. A verifier lookup failure degrades to a best-effort manual entry
// rather than blocking recovery on the remote side.
func (o *Orchestrator) buildCandidates(ctx context.Context, accountHint interfaces.AccountID, credentialID string) ([]candidate, error) {
	if accountHint == "" {
		return nil, fmt.Errorf("account hint required for discovery")
	}
	if err := accountHint.Validate(); err != nil {
		return nil, err
	}

	ids, err := o.verifier.GetCredentialIDs(ctx, accountHint)
	if err != nil {
		o.log.Warn("Credential lookup failed, offering manual entry",
			slog.String("account_id", accountHint.String()), "err", err)
		return []candidate{{credentialID: credentialID, accountID: accountHint}}, nil
	}

	for _, id := range ids {
		if id == credentialID {
			return []candidate{{credentialID: credentialID, accountID: accountHint, verified: true}}, nil
		}
	}
	if len(ids) == 0 {
		// No prior records; the account may predate the verifier contract.
		return []candidate{{credentialID: credentialID, accountID: accountHint}}, nil
	}
	return nil, fmt.Errorf("this passkey is not registered for account %s", accountHint.String())
}

// Recover re-derives the selected account's keys from the discovery
// ceremony's secrets, proves on-chain access, reconciles the authenticator
// list, persists the recovered material and activates the session.
func (o *Orchestrator) Recover(ctx context.Context, selection Selection, sink interfaces.EventSink) (*Result, error) {
	if err := o.transition(PhaseReady, PhaseRecovering); err != nil {
		return nil, o.fail(err)
	}

	// Re-validate against the candidates of the preceding discovery; a
	// caller-held selection may be stale or forged.
	o.mu.Lock()
	var selected *candidate
	for i := range o.candidates {
		if o.candidates[i].accountID == selection.AccountID && o.candidates[i].credentialID == selection.CredentialID {
			selected = &o.candidates[i]
			break
		}
	}
	// Clone the ceremony secrets under the lock: Reset zeroes the retained
	// outputs in place, and must not corrupt an in-flight derivation.
	outputs := o.outputs.Clone()
	credential := o.credential
	o.mu.Unlock()
	defer outputs.Zero()

	if selected == nil {
		return nil, o.fail(fmt.Errorf("%w: %s is not among the discovered candidates",
			interfaces.ErrRecoverySelectionInvalid, selection.AccountID.String()))
	}
	accountID := selected.accountID

	sink.Emit(RecoverEvent{S: interfaces.EventProgress, Msg: "Re-deriving account keys"})
	signing, err := o.sessions.DeriveFromSecret(ctx, outputs.Output2, accountID, nil, false)
	if err != nil {
		sink.Emit(RecoverEvent{S: interfaces.EventError, Msg: interfaces.UserFacingMessage(err)})
		return nil, o.fail(err)
	}

	// The access-key check is the proof that recovery is legitimate: the
	// re-derived key must actually hold access to the target account.
	if _, err := o.ledger.ViewAccessKey(ctx, accountID, signing.PublicKey); err != nil {
		if errors.Is(err, interfaces.ErrAccountNotFound) {
			err = fmt.Errorf("%w: account %s", interfaces.ErrRecoveryAccessDenied, accountID.String())
		} else {
			err = fmt.Errorf("access key verification: %w", err)
		}
		sink.Emit(RecoverEvent{S: interfaces.EventError, Msg: interfaces.UserFacingMessage(err)})
		return nil, o.fail(err)
	}

	if err := o.checkCancelled(); err != nil {
		return nil, o.fail(err)
	}

	// Same derivation as registration: the recovery-grade keypair comes from
	// the first output salted by the account id, persisted and activated.
	derived, err := o.sessions.DeriveFromSecret(ctx, outputs.Output1, accountID, nil, true)
	if err != nil {
		sink.Emit(RecoverEvent{S: interfaces.EventError, Msg: interfaces.UserFacingMessage(err)})
		return nil, o.fail(err)
	}
	if derived.Encrypted == nil {
		return nil, o.fail(fmt.Errorf("%w: derivation returned no encrypted keypair", interfaces.ErrKeypairDerivationFailed))
	}

	// Reconcile the verifier's authenticator list to recover the correct
	// device-sequence number for this credential.
	deviceNumber := 1
	synced, err := o.verifier.SyncAuthenticators(ctx, accountID)
	if err != nil {
		o.log.Warn("Authenticator sync failed, assuming first device",
			slog.String("account_id", accountID.String()), "err", err)
	}
	lastDeviceNumber := 1
	for _, auth := range synced {
		if auth.CredentialID == selected.credentialID {
			deviceNumber = auth.DeviceNumber
		}
		if auth.DeviceNumber > lastDeviceNumber {
			lastDeviceNumber = auth.DeviceNumber
		}
	}

	sink.Emit(RecoverEvent{S: interfaces.EventProgress, Msg: "Storing recovered credentials"})
	now := time.Now()
	batch := interfaces.RegistrationBatch{
		User: interfaces.StoredUser{
			AccountID:           accountID,
			EncryptedVRFKeypair: *derived.Encrypted,
			VRFPublicKey:        derived.PublicKey,
			LastDeviceNumber:    lastDeviceNumber,
			RegisteredAt:        now,
		},
		Authenticator: interfaces.StoredAuthenticator{
			CredentialID: selected.credentialID,
			AccountID:    accountID,
			PublicKey:    signing.PublicKey,
			VRFPublicKey: derived.PublicKey,
			DeviceNumber: deviceNumber,
			RegisteredAt: now,
			LastUsedAt:   now,
		},
	}
	if err := o.store.AtomicRegistrationWrite(ctx, batch); err != nil {
		sink.Emit(RecoverEvent{S: interfaces.EventError, Msg: interfaces.UserFacingMessage(err)})
		return nil, o.fail(err)
	}

	// Activate the session with the stored blob so a process restart unlocks
	// exactly the way this recovery did.
	if err := o.sessions.Unlock(ctx, outputs.Output1, accountID, *derived.Encrypted); err != nil {
		sink.Emit(RecoverEvent{S: interfaces.EventError, Msg: interfaces.UserFacingMessage(err)})
		return nil, o.fail(err)
	}

	o.mu.Lock()
	o.phase = PhaseComplete
	o.mu.Unlock()
	metrics.Recoveries.WithLabelValues("ok").Inc()

	o.log.Info("Recovery completed",
		slog.String("account_id", accountID.String()),
		slog.String("credential_id", credential.ID),
		slog.Int("device_number", deviceNumber))
	sink.Emit(RecoverEvent{S: interfaces.EventSuccess, Msg: "Account recovered"})

	return &Result{
		AccountID:        accountID,
		SessionPublicKey: derived.PublicKey,
		AccountPublicKey: signing.PublicKey,
		DeviceNumber:     deviceNumber,
		SyncedCount:      len(synced),
	}, nil
}
