// Package vrf implements the cryptographic worker: an isolated execution
// context that holds VRF key material in memory and performs every
// secret-dependent operation. The worker is reachable only through typed
// request/response messages with correlation ids and per-request timeouts;
// no key material ever crosses the boundary unencrypted.
package vrf

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/passkey-account-backend/interfaces"
	"github.com/ruteri/passkey-account-backend/metrics"
)

// RequestType identifies a worker message.
type RequestType string

const (
	// MsgPing is a liveness check, used before operations that require an
	// already-initialized worker.
	MsgPing RequestType = "PING"

	// MsgGenerateVRFKeypairBootstrap creates a new random keypair, holds it
	// unencrypted in worker memory, and optionally computes a challenge.
	MsgGenerateVRFKeypairBootstrap RequestType = "GENERATE_VRF_KEYPAIR_BOOTSTRAP"

	// MsgGenerateVRFChallenge computes a challenge with the resident keypair.
	MsgGenerateVRFChallenge RequestType = "GENERATE_VRF_CHALLENGE"

	// MsgUnlockVRFKeypair decrypts a stored keypair and loads it as the
	// active session.
	MsgUnlockVRFKeypair RequestType = "UNLOCK_VRF_KEYPAIR"

	// MsgDeriveVRFKeypairFromPRF deterministically derives a keypair from a
	// secret output and account id, optionally encrypting it and computing a
	// challenge in the same call.
	MsgDeriveVRFKeypairFromPRF RequestType = "DERIVE_VRF_KEYPAIR_FROM_PRF"

	// MsgEncryptVRFKeypair encrypts the resident bootstrap keypair with a
	// secret output, completing the two-phase bootstrap.
	MsgEncryptVRFKeypair RequestType = "ENCRYPT_VRF_KEYPAIR_WITH_SECRET"

	// MsgCheckVRFStatus reads the session state.
	MsgCheckVRFStatus RequestType = "CHECK_VRF_STATUS"

	// MsgLogout clears the session state.
	MsgLogout RequestType = "LOGOUT"

	// MsgConfigureShamir3Pass sets the prime modulus and relay routes for the
	// commutative-encryption recovery scheme.
	MsgConfigureShamir3Pass RequestType = "CONFIGURE_SHAMIR_3PASS"

	// MsgShamir3PassEncrypt applies one commutative encryption layer.
	MsgShamir3PassEncrypt RequestType = "SHAMIR_3PASS_ENCRYPT"

	// MsgShamir3PassDecrypt removes one commutative encryption layer.
	MsgShamir3PassDecrypt RequestType = "SHAMIR_3PASS_DECRYPT"

	// MsgExportRecoveryShares splits the active session key into secret
	// shares for offline backup.
	MsgExportRecoveryShares RequestType = "EXPORT_RECOVERY_SHARES"

	// MsgCombineRecoveryShares reconstructs a session key from shares and
	// loads it as the active session.
	MsgCombineRecoveryShares RequestType = "COMBINE_RECOVERY_SHARES"
)

// DefaultTimeout returns the default deadline for a message type. Liveness
// pings fail fast; derivations get the longest budget.
func DefaultTimeout(typ RequestType) time.Duration {
	switch typ {
	case MsgPing:
		return 2 * time.Second
	case MsgDeriveVRFKeypairFromPRF, MsgGenerateVRFKeypairBootstrap:
		return 30 * time.Second
	default:
		return 10 * time.Second
	}
}

// ChallengeInput is the public freshness input of a VRF challenge.
type ChallengeInput struct {
	UserID      string `json:"userId"`
	RPID        string `json:"rpId"`
	BlockHeight uint64 `json:"blockHeight"`
	BlockHash   string `json:"blockHash"`
}

// BootstrapParams configures MsgGenerateVRFKeypairBootstrap.
type BootstrapParams struct {
	Challenge *ChallengeInput `json:"challenge,omitempty"`
}

// BootstrapResult is the reply to MsgGenerateVRFKeypairBootstrap.
type BootstrapResult struct {
	PublicKey string                   `json:"publicKey"`
	Challenge *interfaces.VRFChallenge `json:"challenge,omitempty"`
}

// ChallengeResult is the reply to MsgGenerateVRFChallenge.
type ChallengeResult struct {
	Challenge interfaces.VRFChallenge `json:"challenge"`
}

// UnlockParams configures MsgUnlockVRFKeypair.
type UnlockParams struct {
	AccountID    interfaces.AccountID           `json:"accountId"`
	SecretOutput []byte                         `json:"-"`
	Encrypted    interfaces.EncryptedVRFKeypair `json:"encrypted"`
}

// UnlockResult is the reply to MsgUnlockVRFKeypair.
type UnlockResult struct {
	PublicKey string `json:"publicKey"`
}

// DeriveParams configures MsgDeriveVRFKeypairFromPRF. AccountID is the
// derivation salt; Persist additionally encrypts the derived keypair and
// makes it the active session.
type DeriveParams struct {
	AccountID    interfaces.AccountID `json:"accountId"`
	SecretOutput []byte               `json:"-"`
	Persist      bool                 `json:"persist"`
	Challenge    *ChallengeInput      `json:"challenge,omitempty"`
}

// DeriveResult is the reply to MsgDeriveVRFKeypairFromPRF.
type DeriveResult struct {
	PublicKey string                          `json:"publicKey"`
	Encrypted *interfaces.EncryptedVRFKeypair `json:"encrypted,omitempty"`
	Challenge *interfaces.VRFChallenge        `json:"challenge,omitempty"`
}

// EncryptParams configures MsgEncryptVRFKeypair.
type EncryptParams struct {
	SecretOutput []byte `json:"-"`
}

// EncryptResult is the reply to MsgEncryptVRFKeypair.
type EncryptResult struct {
	PublicKey string                         `json:"publicKey"`
	Encrypted interfaces.EncryptedVRFKeypair `json:"encrypted"`
}

// StatusResult is the reply to MsgCheckVRFStatus.
type StatusResult struct {
	Active           bool                 `json:"active"`
	AccountID        interfaces.AccountID `json:"accountId,omitempty"`
	SessionStartedAt time.Time            `json:"sessionStartedAt,omitempty"`
}

// Shamir3PassConfig configures the commutative-encryption recovery scheme:
// a shared prime modulus and the collaborating relay routes.
type Shamir3PassConfig struct {
	PrimeHex  string   `json:"primeHex"`
	RelayURLs []string `json:"relayUrls"`
}

// Shamir3PassParams carries one commutative encrypt/decrypt operation. Blobs
// and keys are hex big-integers, opaque to everything above the worker.
type Shamir3PassParams struct {
	ValueHex string `json:"valueHex"`
	KeyHex   string `json:"keyHex,omitempty"`
}

// Shamir3PassResult is the reply to a commutative encrypt/decrypt.
type Shamir3PassResult struct {
	ValueHex string `json:"valueHex"`
	KeyHex   string `json:"keyHex,omitempty"`
}

// ExportSharesParams configures MsgExportRecoveryShares.
type ExportSharesParams struct {
	Shares    int `json:"shares"`
	Threshold int `json:"threshold"`
}

// ExportSharesResult is the reply to MsgExportRecoveryShares.
type ExportSharesResult struct {
	Shares [][]byte `json:"shares"`
}

// CombineSharesParams configures MsgCombineRecoveryShares.
type CombineSharesParams struct {
	AccountID interfaces.AccountID `json:"accountId"`
	Shares    [][]byte             `json:"-"`
}

// CombineSharesResult is the reply to MsgCombineRecoveryShares.
type CombineSharesResult struct {
	PublicKey string `json:"publicKey"`
}

type request struct {
	Type          RequestType
	CorrelationID string
	Payload       any

	resp chan response
}

type response struct {
	CorrelationID string
	Success       bool
	Data          any
	Err           string
}

// Client is the caller-side endpoint of the worker protocol. Many requests
// may be outstanding concurrently, each under its own correlation id; the
// worker serializes them one at a time.
type Client struct {
	worker *Worker
}

// NewClient creates a protocol client for a worker.
func NewClient(worker *Worker) *Client {
	return &Client{worker: worker}
}

// Call sends one request and waits for its response or the type's default
// timeout. A timed-out request is abandoned; a late worker response is
// discarded by correlation-id mismatch.
func (c *Client) Call(ctx context.Context, typ RequestType, payload any) (any, error) {
	return c.CallWithTimeout(ctx, typ, payload, DefaultTimeout(typ))
}

// CallWithTimeout is Call with an explicit deadline.
func (c *Client) CallWithTimeout(ctx context.Context, typ RequestType, payload any, timeout time.Duration) (any, error) {
	if c.worker == nil || !c.worker.running.Load() {
		metrics.WorkerRequests.WithLabelValues(string(typ), "unavailable").Inc()
		return nil, fmt.Errorf("%s: %w", typ, interfaces.ErrWorkerUnavailable)
	}

	req := request{
		Type:          typ,
		CorrelationID: uuid.NewString(),
		Payload:       payload,
		resp:          make(chan response, 1),
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.worker.requests <- req:
	case <-c.worker.done:
		metrics.WorkerRequests.WithLabelValues(string(typ), "unavailable").Inc()
		return nil, fmt.Errorf("%s: %w", typ, interfaces.ErrWorkerUnavailable)
	case <-timer.C:
		metrics.WorkerRequests.WithLabelValues(string(typ), "timeout").Inc()
		return nil, fmt.Errorf("%s: %w", typ, interfaces.ErrCommunicationTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-req.resp:
		if resp.CorrelationID != req.CorrelationID {
			metrics.WorkerRequests.WithLabelValues(string(typ), "mismatch").Inc()
			return nil, fmt.Errorf("%s: correlation id mismatch: %w", typ, interfaces.ErrCommunicationTimeout)
		}
		if !resp.Success {
			metrics.WorkerRequests.WithLabelValues(string(typ), "error").Inc()
			return nil, fmt.Errorf("%s: %s", typ, resp.Err)
		}
		metrics.WorkerRequests.WithLabelValues(string(typ), "ok").Inc()
		return resp.Data, nil
	case <-timer.C:
		metrics.WorkerRequests.WithLabelValues(string(typ), "timeout").Inc()
		return nil, fmt.Errorf("%s: %w", typ, interfaces.ErrCommunicationTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
