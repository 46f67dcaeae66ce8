package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkerUnavailable is returned when the cryptographic worker was never
	// initialized or is no longer reachable.
	ErrWorkerUnavailable = errors.New("cryptographic worker unavailable")

	// ErrCommunicationTimeout is returned when a worker request expired before
	// a response arrived. The worker may still complete the operation; the
	// response is discarded by correlation-id mismatch.
	ErrCommunicationTimeout = errors.New("worker communication timeout")

	// ErrChallengeGenerationFailed is returned when a VRF challenge cannot be
	// produced, typically because no session keypair is resident.
	ErrChallengeGenerationFailed = errors.New("vrf challenge generation failed")

	// ErrKeypairDerivationFailed is returned when deterministic keypair
	// derivation fails.
	ErrKeypairDerivationFailed = errors.New("vrf keypair derivation failed")

	// ErrSessionUnlockFailed is returned when an encrypted keypair cannot be
	// decrypted and loaded into the worker session.
	ErrSessionUnlockFailed = errors.New("session unlock failed")

	// ErrRegistrationPrecondition is returned when registration cannot start:
	// bad account id, insecure transport, or the account already exists.
	ErrRegistrationPrecondition = errors.New("registration precondition failed")

	// ErrRemoteRegistrationFailed is returned when account creation, the
	// contract pre-check, or transaction broadcast fails.
	ErrRemoteRegistrationFailed = errors.New("remote registration failed")

	// ErrRecoverySelectionInvalid is returned when a recovery selection does
	// not match the candidates of the preceding discovery.
	ErrRecoverySelectionInvalid = errors.New("recovery selection invalid")

	// ErrRecoveryAccessDenied is returned when the re-derived key holds no
	// remote access to the target account.
	ErrRecoveryAccessDenied = errors.New("derived key has no access to target account")

	// ErrUserCancelled is returned when the human aborts the authenticator
	// ceremony. Callers must message this as a cancellation, not a failure.
	ErrUserCancelled = errors.New("authenticator ceremony cancelled by user")

	// ErrAccountNotFound is returned by the ledger client when an account does
	// not exist. Transport failures are never mapped to this error.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when the target account already exists on
	// the ledger.
	ErrAccountExists = errors.New("account already exists")

	// ErrRecordNotFound is returned by the credential store for absent records.
	ErrRecordNotFound = errors.New("record not found")

	// ErrStoreUnavailable is returned when a credential store backend is not
	// accessible.
	ErrStoreUnavailable = errors.New("credential store unavailable")
)

// UserFacingMessage routes a terminal error through one formatting function so
// presentation stays consistent. Cancellation invites a retry, "already
// exists" suggests logging in, everything else surfaces the underlying
// message.
func UserFacingMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUserCancelled):
		return "Passkey ceremony was cancelled - try again when ready."
	case errors.Is(err, ErrAccountExists):
		return "That account already exists - try logging in instead."
	default:
		return fmt.Sprintf("Operation failed: %s", err.Error())
	}
}
