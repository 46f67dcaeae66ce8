// Package registration drives the bootstrap-then-encrypt two-phase account
// registration flow: precondition checks, a fresh in-memory keypair shown to
// the authenticator, parallel post-ceremony derivations, remote account
// creation plus contract registration, atomic local persistence and session
// activation, with strict reverse-ordered rollback on any failure.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ruteri/passkey-account-backend/credentials"
	"github.com/ruteri/passkey-account-backend/interfaces"
	"github.com/ruteri/passkey-account-backend/metrics"
	"github.com/ruteri/passkey-account-backend/session"
	"github.com/ruteri/passkey-account-backend/vrf"
)

// Config carries the orchestrator's policy knobs.
type Config struct {
	// RPID is the relying-party identifier bound into every ceremony.
	RPID string

	// SecureTransport reports whether the surface reaching this process uses
	// a secure transport context. Registration refuses to start without it.
	SecureTransport bool

	// AccessKeyPollAttempts bounds the legacy-path wait for the created
	// account's access key to propagate.
	AccessKeyPollAttempts int

	// AccessKeyPollInitial is the first poll delay; each subsequent delay is
	// multiplied by AccessKeyPollFactor.
	AccessKeyPollInitial time.Duration
	AccessKeyPollFactor  float64
}

func (c Config) withDefaults() Config {
	if c.AccessKeyPollAttempts == 0 {
		c.AccessKeyPollAttempts = 10
	}
	if c.AccessKeyPollInitial == 0 {
		c.AccessKeyPollInitial = time.Second
	}
	if c.AccessKeyPollFactor == 0 {
		c.AccessKeyPollFactor = 1.5
	}
	return c
}

// Progress is the diagnostic view of how far a registration attempt got.
// Rollback decisions are driven by the undo stack, not these booleans.
type Progress struct {
	AccountCreated        bool   `json:"accountCreated"`
	ContractRegistered    bool   `json:"contractRegistered"`
	DatabaseStored        bool   `json:"databaseStored"`
	ContractTransactionID string `json:"contractTransactionId,omitempty"`
}

// Result is the final outcome of a successful registration.
type Result struct {
	AccountID         interfaces.AccountID `json:"accountId"`
	TransactionID     string               `json:"transactionId"`
	SessionPublicKey  string               `json:"sessionPublicKey"`
	RecoveryPublicKey string               `json:"recoveryPublicKey"`
	AccountPublicKey  string               `json:"accountPublicKey"`
	Progress          Progress             `json:"progress"`
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Orchestrator sequences a registration attempt across the session manager,
// the remote collaborators and the credential store.
type Orchestrator struct {
	cfg           Config
	log           *slog.Logger
	sessions      *session.Manager
	ledger        interfaces.LedgerClient
	verifier      interfaces.VerifierContract
	funder        interfaces.AccountFunder
	store         interfaces.CredentialStore
	authenticator interfaces.PlatformAuthenticator
	clock         interfaces.Clock
}

// NewOrchestrator creates a registration orchestrator. A nil funder selects
// the atomic create-and-register path; a non-nil funder selects the legacy
// sequential path with a retained pre-signed deletion transaction.
func NewOrchestrator(cfg Config, log *slog.Logger, sessions *session.Manager, ledger interfaces.LedgerClient, verifier interfaces.VerifierContract, funder interfaces.AccountFunder, store interfaces.CredentialStore, authenticator interfaces.PlatformAuthenticator, clock interfaces.Clock) *Orchestrator {
	if clock == nil {
		clock = systemClock{}
	}
	return &Orchestrator{
		cfg:           cfg.withDefaults(),
		log:           log,
		sessions:      sessions,
		ledger:        ledger,
		verifier:      verifier,
		funder:        funder,
		store:         store,
		authenticator: authenticator,
		clock:         clock,
	}
}

// Register runs the full registration flow for accountID. On any failure
// after forward progress began, completed steps are undone in reverse order
// before the original error is returned.
func (o *Orchestrator) Register(ctx context.Context, accountID interfaces.AccountID, sink interfaces.EventSink) (*Result, error) {
	result, err := o.register(ctx, accountID, sink)
	if err != nil {
		if errors.Is(err, interfaces.ErrUserCancelled) {
			metrics.Registrations.WithLabelValues("cancelled").Inc()
		} else {
			metrics.Registrations.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	metrics.Registrations.WithLabelValues("ok").Inc()
	return result, nil
}

func (o *Orchestrator) register(ctx context.Context, accountID interfaces.AccountID, sink interfaces.EventSink) (*Result, error) {
	var undo undoStack
	var progress Progress

	// Step 1: precondition check.
	sink.Emit(PreconditionEvent{S: interfaces.EventProgress, Msg: "Checking account availability"})
	if err := o.checkPreconditions(ctx, accountID); err != nil {
		sink.Emit(PreconditionEvent{S: interfaces.EventError, Msg: interfaces.UserFacingMessage(err)})
		return nil, err
	}
	sink.Emit(PreconditionEvent{S: interfaces.EventSuccess, Msg: "Account is available"})

	// Step 2: bootstrap keypair. The keypair generated here is encrypted
	// after the ceremony, so the public key shown to the remote verifier and
	// the one stored are provably the same.
	block, err := o.ledger.ViewBlock(ctx, "final")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch freshness block: %w", interfaces.ErrRegistrationPrecondition, err)
	}
	input := vrf.ChallengeInput{
		UserID:      accountID.String(),
		RPID:        o.cfg.RPID,
		BlockHeight: block.Height,
		BlockHash:   block.Hash,
	}

	bootstrap, err := o.sessions.BootstrapKeypair(ctx, input)
	if err != nil {
		sink.Emit(BootstrapEvent{S: interfaces.EventError, Msg: interfaces.UserFacingMessage(err)})
		return nil, err
	}
	if bootstrap.Challenge == nil {
		return nil, fmt.Errorf("%w: bootstrap produced no challenge", interfaces.ErrKeypairDerivationFailed)
	}
	challenge := *bootstrap.Challenge
	sink.Emit(BootstrapEvent{S: interfaces.EventSuccess, PublicKey: bootstrap.PublicKey, Msg: "Session keypair generated"})

	// Step 3: authenticator ceremony.
	sink.Emit(CeremonyEvent{S: interfaces.EventProgress, Msg: "Waiting for passkey ceremony"})
	challengeBytes, err := challenge.OutputAs32Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrChallengeGenerationFailed, err)
	}

	credential, err := o.authenticator.GenerateRegistrationCredential(ctx, challengeBytes, accountID, o.cfg.RPID)
	if err != nil {
		sink.Emit(CeremonyEvent{S: interfaces.EventError, Msg: interfaces.UserFacingMessage(err)})
		return nil, err
	}

	outputs, err := credentials.ExtractPRF(credential)
	if err != nil {
		sink.Emit(CeremonyEvent{S: interfaces.EventError, Msg: err.Error()})
		return nil, fmt.Errorf("%w: %w", interfaces.ErrRegistrationPrecondition, err)
	}
	defer outputs.Zero()
	if err := outputs.RequireDual(); err != nil {
		sink.Emit(CeremonyEvent{S: interfaces.EventError, Msg: err.Error()})
		return nil, fmt.Errorf("%w: %w", interfaces.ErrRegistrationPrecondition, err)
	}
	serialized := credentials.SerializeRegistration(credential)
	sink.Emit(CeremonyEvent{S: interfaces.EventSuccess, CredentialID: credential.ID, Msg: "Passkey created"})

	// Step 4: parallel derivation fan-out. All four must succeed before any
	// remote mutation is attempted; the first failure is representative.
	sink.Emit(DerivationEvent{S: interfaces.EventProgress, Msg: "Deriving account keys"})
	var (
		encrypted *vrf.EncryptResult
		recovery  *vrf.DeriveResult
		signing   *vrf.DeriveResult
		check     *interfaces.RegistrationCheck
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		encrypted, err = o.sessions.EncryptSessionKeypair(gctx, outputs.Output1)
		return err
	})
	g.Go(func() error {
		var err error
		recovery, err = o.sessions.DeriveFromSecret(gctx, outputs.Output1, accountID, nil, false)
		return err
	})
	g.Go(func() error {
		var err error
		signing, err = o.sessions.DeriveFromSecret(gctx, outputs.Output2, accountID, nil, false)
		return err
	})
	g.Go(func() error {
		var err error
		check, err = o.verifier.CheckCanRegister(gctx, accountID, challenge, serialized)
		if err != nil {
			return fmt.Errorf("%w: can-register pre-check: %w", interfaces.ErrRemoteRegistrationFailed, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		sink.Emit(DerivationEvent{S: interfaces.EventError, Msg: interfaces.UserFacingMessage(err)})
		return nil, err
	}
	if !check.Verified {
		err := fmt.Errorf("%w: verifier rejected registration: %v", interfaces.ErrRemoteRegistrationFailed, check.Diagnostics)
		sink.Emit(DerivationEvent{S: interfaces.EventError, Msg: interfaces.UserFacingMessage(err)})
		return nil, err
	}
	sink.Emit(DerivationEvent{S: interfaces.EventSuccess, Msg: "Account keys derived"})

	// Step 5: remote registration.
	sink.Emit(RemoteEvent{S: interfaces.EventProgress, Msg: "Registering account on ledger"})
	transactionID, err := o.registerRemote(ctx, accountID, signing.PublicKey, recovery.PublicKey, challenge, serialized, &undo, &progress)
	if err != nil {
		sink.Emit(RemoteEvent{S: interfaces.EventError, Msg: interfaces.UserFacingMessage(err)})
		undo.unwind(ctx, o.log, sink)
		return nil, err
	}
	progress.ContractRegistered = true
	progress.ContractTransactionID = transactionID
	sink.Emit(RemoteEvent{S: interfaces.EventSuccess, TransactionID: transactionID, Msg: "Account registered on ledger"})

	// Step 6: atomic local persistence.
	sink.Emit(PersistEvent{S: interfaces.EventProgress, Msg: "Storing credential records"})
	now := o.clock.Now()
	batch := interfaces.RegistrationBatch{
		User: interfaces.StoredUser{
			AccountID:           accountID,
			EncryptedVRFKeypair: encrypted.Encrypted,
			VRFPublicKey:        encrypted.PublicKey,
			LastDeviceNumber:    1,
			RegisteredAt:        now,
		},
		Authenticator: interfaces.StoredAuthenticator{
			CredentialID: credential.ID,
			AccountID:    accountID,
			PublicKey:    signing.PublicKey,
			VRFPublicKey: recovery.PublicKey,
			DeviceNumber: 1,
			Transports:   credential.Response.Transports,
			RegisteredAt: now,
		},
	}
	if err := o.store.AtomicRegistrationWrite(ctx, batch); err != nil {
		sink.Emit(PersistEvent{S: interfaces.EventError, Msg: interfaces.UserFacingMessage(err)})
		undo.unwind(ctx, o.log, sink)
		return nil, err
	}
	progress.DatabaseStored = true
	undo.push("local-store", func(ctx context.Context) error {
		return o.store.RollbackUserRegistration(ctx, accountID)
	})
	sink.Emit(PersistEvent{S: interfaces.EventSuccess, Msg: "Credential records stored"})

	// Step 7: session activation, so the caller is authenticated without a
	// second ceremony.
	if err := o.sessions.Unlock(ctx, outputs.Output1, accountID, encrypted.Encrypted); err != nil {
		sink.Emit(ActivationEvent{S: interfaces.EventError, Msg: interfaces.UserFacingMessage(err)})
		undo.unwind(ctx, o.log, sink)
		return nil, err
	}
	sink.Emit(ActivationEvent{S: interfaces.EventSuccess, Msg: "Session active"})

	o.log.Info("Registration completed",
		slog.String("account_id", accountID.String()),
		slog.String("tx_id", transactionID))

	return &Result{
		AccountID:         accountID,
		TransactionID:     transactionID,
		SessionPublicKey:  encrypted.PublicKey,
		RecoveryPublicKey: recovery.PublicKey,
		AccountPublicKey:  signing.PublicKey,
		Progress:          progress,
	}, nil
}

// checkPreconditions validates the account id, the transport context, and
// that the target account does not exist. A transport failure on the
// existence lookup is a hard error, never treated as "available".
func (o *Orchestrator) checkPreconditions(ctx context.Context, accountID interfaces.AccountID) error {
	if err := accountID.Validate(); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrRegistrationPrecondition, err)
	}
	if !o.cfg.SecureTransport {
		return fmt.Errorf("%w: secure transport context required", interfaces.ErrRegistrationPrecondition)
	}

	_, err := o.ledger.ViewAccount(ctx, accountID)
	switch {
	case err == nil:
		return fmt.Errorf("%w: account %s: %w", interfaces.ErrRegistrationPrecondition, accountID.String(), interfaces.ErrAccountExists)
	case errors.Is(err, interfaces.ErrAccountNotFound):
		return nil
	default:
		return fmt.Errorf("%w: account existence check: %w", interfaces.ErrRegistrationPrecondition, err)
	}
}

// registerRemote performs step 5 over either the atomic or the legacy path
// and returns the contract transaction id.
func (o *Orchestrator) registerRemote(ctx context.Context, accountID interfaces.AccountID, accountPublicKey, recoveryPublicKey string, challenge interfaces.VRFChallenge, serialized credentials.SerializedCredential, undo *undoStack, progress *Progress) (string, error) {
	if o.funder == nil {
		// Atomic path: account creation and contract registration in one
		// all-or-nothing transaction; nothing to undo.
		outcome, err := o.verifier.CreateAccountAndRegisterUser(ctx, accountID, accountPublicKey, challenge, serialized, recoveryPublicKey)
		if err != nil {
			return "", fmt.Errorf("%w: atomic registration: %w", interfaces.ErrRemoteRegistrationFailed, err)
		}
		if !outcome.Verified {
			return "", fmt.Errorf("%w: verifier rejected atomic registration: %v", interfaces.ErrRemoteRegistrationFailed, outcome.Diagnostics)
		}
		progress.AccountCreated = true
		return outcome.TransactionID, nil
	}

	// Legacy path: create via the funding service, wait for the access key to
	// propagate, then register. The pre-signed deletion transaction is the
	// only way to undo the created account.
	created, preSignedDelete, err := o.funder.CreateAccount(ctx, accountID, accountPublicKey)
	if err != nil {
		return "", fmt.Errorf("%w: account creation: %w", interfaces.ErrRemoteRegistrationFailed, err)
	}
	if !created.Success {
		if created.FailureKind == interfaces.TxFailureAccountAlreadyExist {
			return "", fmt.Errorf("%w: %w", interfaces.ErrRemoteRegistrationFailed, interfaces.ErrAccountExists)
		}
		return "", fmt.Errorf("%w: account creation failed: %s", interfaces.ErrRemoteRegistrationFailed, created.FailureMessage)
	}
	progress.AccountCreated = true
	if len(preSignedDelete) > 0 {
		undo.push("remote-account", func(ctx context.Context) error {
			outcome, err := o.ledger.SendTransaction(ctx, preSignedDelete)
			if err != nil {
				return fmt.Errorf("failed to broadcast account deletion: %w", err)
			}
			if !outcome.Success {
				return fmt.Errorf("account deletion rejected: %s", outcome.FailureMessage)
			}
			return nil
		})
	} else {
		o.log.Warn("No pre-signed deletion transaction retained, created account cannot be cleaned up",
			slog.String("account_id", accountID.String()))
	}

	if err := o.waitForAccessKey(ctx, accountID, accountPublicKey); err != nil {
		return "", err
	}

	outcome, err := o.verifier.RegisterUser(ctx, accountID, challenge, serialized, recoveryPublicKey)
	if err != nil {
		return "", fmt.Errorf("%w: contract registration: %w", interfaces.ErrRemoteRegistrationFailed, err)
	}
	if !outcome.Verified {
		return "", fmt.Errorf("%w: verifier rejected registration: %v", interfaces.ErrRemoteRegistrationFailed, outcome.Diagnostics)
	}
	return outcome.TransactionID, nil
}

// waitForAccessKey polls the ledger until the created account's access key
// propagated, with bounded exponential backoff.
func (o *Orchestrator) waitForAccessKey(ctx context.Context, accountID interfaces.AccountID, publicKey string) error {
	delay := o.cfg.AccessKeyPollInitial
	var lastErr error
	for attempt := 1; attempt <= o.cfg.AccessKeyPollAttempts; attempt++ {
		if _, err := o.ledger.ViewAccessKey(ctx, accountID, publicKey); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == o.cfg.AccessKeyPollAttempts {
			break
		}
		o.log.Debug("Access key not yet visible",
			slog.String("account_id", accountID.String()),
			slog.Int("attempt", attempt))
		if err := o.clock.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: %w", interfaces.ErrRemoteRegistrationFailed, err)
		}
		delay = time.Duration(float64(delay) * o.cfg.AccessKeyPollFactor)
	}
	return fmt.Errorf("%w: access key did not propagate after %d attempts: %w",
		interfaces.ErrRemoteRegistrationFailed, o.cfg.AccessKeyPollAttempts, lastErr)
}
