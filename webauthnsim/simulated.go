// Package webauthnsim provides a simulated platform authenticator for tests
// and local development. It reproduces the property the orchestration layer
// depends on: the same device seed, relying party and account always yield
// the same credential and the same dual extension outputs.
package webauthnsim

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"sync"

	"github.com/ruteri/passkey-account-backend/credentials"
	"github.com/ruteri/passkey-account-backend/interfaces"
)

// SimulatedAuthenticator deterministically derives credentials and PRF
// outputs from a device seed. It implements interfaces.PlatformAuthenticator.
type SimulatedAuthenticator struct {
	mu       sync.Mutex
	seed     []byte
	resident map[string]string // rpID -> credential id of the last registration

	// CancelNext makes the next ceremony fail with ErrUserCancelled.
	CancelNext bool

	// OmitSecondOutput drops the second prf output, simulating an
	// authenticator without dual-output support.
	OmitSecondOutput bool

	// Ceremonies counts completed ceremonies.
	Ceremonies int
}

// New creates a simulated authenticator from a device seed.
func New(seed []byte) *SimulatedAuthenticator {
	return &SimulatedAuthenticator{seed: seed, resident: make(map[string]string)}
}

func (a *SimulatedAuthenticator) derive(parts ...string) []byte {
	mac := hmac.New(sha256.New, a.seed)
	for _, part := range parts {
		mac.Write([]byte(part))
		mac.Write([]byte{0})
	}
	return mac.Sum(nil)
}

// CredentialIDFor returns the credential id this authenticator produces for
// an account and relying party.
func (a *SimulatedAuthenticator) CredentialIDFor(accountID interfaces.AccountID, rpID string) string {
	return base64.RawURLEncoding.EncodeToString(a.derive("credential-id", rpID, accountID.String()))
}

// The PRF is keyed by credential, matching the platform extension: the same
// credential always evaluates to the same outputs regardless of how the
// ceremony was initiated.
func (a *SimulatedAuthenticator) prfResults(credentialID string) *credentials.ExtensionResults {
	first := a.derive("prf-first", credentialID)
	results := credentials.PRFValues{First: base64.RawURLEncoding.EncodeToString(first)}
	if !a.OmitSecondOutput {
		second := a.derive("prf-second", credentialID)
		results.Second = base64.RawURLEncoding.EncodeToString(second)
	}
	return &credentials.ExtensionResults{PRF: &credentials.PRFResults{Results: results}}
}

func (a *SimulatedAuthenticator) consumeCancel() bool {
	cancelled := a.CancelNext
	a.CancelNext = false
	return cancelled
}

// GenerateRegistrationCredential simulates a registration ceremony.
func (a *SimulatedAuthenticator) GenerateRegistrationCredential(ctx context.Context, challenge [32]byte, accountID interfaces.AccountID, rpID string) (*credentials.RegistrationCredential, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.consumeCancel() {
		return nil, interfaces.ErrUserCancelled
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.Ceremonies++

	credentialID := a.CredentialIDFor(accountID, rpID)
	a.resident[rpID] = credentialID

	return &credentials.RegistrationCredential{
		ID:    credentialID,
		RawID: credentialID,
		Type:  "public-key",
		Response: credentials.AttestationResponse{
			ClientDataJSON:    base64.RawURLEncoding.EncodeToString(a.derive("client-data", rpID, base64.RawURLEncoding.EncodeToString(challenge[:]))),
			AttestationObject: base64.RawURLEncoding.EncodeToString(a.derive("attestation", rpID, accountID.String())),
			Transports:        []string{"internal"},
		},
		ExtensionResults: a.prfResults(credentialID),
	}, nil
}

// GetCredential simulates an authentication ceremony. With an allow list the
// simulated user picks the first entry; without one the device answers with
// its resident credential for the relying party.
func (a *SimulatedAuthenticator) GetCredential(ctx context.Context, challenge [32]byte, allowedCredentialIDs []string, rpID string) (*credentials.AuthenticationCredential, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.consumeCancel() {
		return nil, interfaces.ErrUserCancelled
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	credentialID := ""
	if len(allowedCredentialIDs) > 0 {
		credentialID = allowedCredentialIDs[0]
	} else {
		credentialID = a.resident[rpID]
	}
	if credentialID == "" {
		return nil, errors.New("no credential available for relying party")
	}
	a.Ceremonies++

	return &credentials.AuthenticationCredential{
		ID:    credentialID,
		RawID: credentialID,
		Type:  "public-key",
		Response: credentials.AssertionResponse{
			ClientDataJSON:    base64.RawURLEncoding.EncodeToString(a.derive("client-data", rpID, base64.RawURLEncoding.EncodeToString(challenge[:]))),
			AuthenticatorData: base64.RawURLEncoding.EncodeToString(a.derive("auth-data", rpID)),
			Signature:         base64.RawURLEncoding.EncodeToString(a.derive("signature", rpID, base64.RawURLEncoding.EncodeToString(challenge[:]))),
		},
		ExtensionResults: a.prfResults(credentialID),
	}, nil
}
