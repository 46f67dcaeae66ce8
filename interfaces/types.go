// Package interfaces defines the core value types and collaborator contracts
// for the passkey account backend. It provides the contract between
// components without implementation details.
package interfaces

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// AccountID is a validated ledger account identifier: 2-64 characters of
// lowercase alphanumeric parts joined by single '.', '-' or '_' separators.
type AccountID string

var accountIDRegex = regexp.MustCompile(`^(([a-z\d]+[\-_])*[a-z\d]+\.)*([a-z\d]+[\-_])*[a-z\d]+$`)

// NewAccountID creates an account ID with validation.
func NewAccountID(raw string) (AccountID, error) {
	id := AccountID(raw)
	if err := id.Validate(); err != nil {
		return AccountID(""), err
	}
	return id, nil
}

// Validate checks the account ID format.
func (id AccountID) Validate() error {
	if len(id) < 2 || len(id) > 64 {
		return errors.New("account id must be 2-64 characters")
	}
	if !accountIDRegex.MatchString(string(id)) {
		return fmt.Errorf("invalid account id format: %q", string(id))
	}
	return nil
}

// String returns the account ID as a string.
func (id AccountID) String() string {
	return string(id)
}

// VRFChallenge is an immutable verifiable-random-function challenge. All
// string fields are base64url or printable identifiers; construct only via
// NewVRFChallenge, which rejects missing fields.
type VRFChallenge struct {
	Input       string `json:"vrfInput"`
	Output      string `json:"vrfOutput"`
	Proof       string `json:"vrfProof"`
	PublicKey   string `json:"vrfPublicKey"`
	UserID      string `json:"userId"`
	RPID        string `json:"rpId"`
	BlockHeight uint64 `json:"blockHeight"`
	BlockHash   string `json:"blockHash"`
}

// NewVRFChallenge creates a challenge, rejecting any missing field.
func NewVRFChallenge(input, output, proof, publicKey, userID, rpID string, blockHeight uint64, blockHash string) (VRFChallenge, error) {
	fields := map[string]string{
		"vrfInput":     input,
		"vrfOutput":    output,
		"vrfProof":     proof,
		"vrfPublicKey": publicKey,
		"userId":       userID,
		"rpId":         rpID,
		"blockHash":    blockHash,
	}
	for name, value := range fields {
		if value == "" {
			return VRFChallenge{}, fmt.Errorf("vrf challenge field %s must not be empty", name)
		}
	}

	return VRFChallenge{
		Input:       input,
		Output:      output,
		Proof:       proof,
		PublicKey:   publicKey,
		UserID:      userID,
		RPID:        rpID,
		BlockHeight: blockHeight,
		BlockHash:   blockHash,
	}, nil
}

// OutputAs32Bytes derives the fixed 32-byte authenticator challenge from the
// VRF output. Pure and deterministic: the first 32 bytes of the decoded
// output.
func (c VRFChallenge) OutputAs32Bytes() ([32]byte, error) {
	var out [32]byte
	decoded, err := base64.RawURLEncoding.DecodeString(c.Output)
	if err != nil {
		return out, fmt.Errorf("malformed vrf output: %w", err)
	}
	if len(decoded) < 32 {
		return out, fmt.Errorf("vrf output too short: %d bytes", len(decoded))
	}
	copy(out[:], decoded[:32])
	return out, nil
}

// EncryptedVRFKeypair is an encrypted keypair blob, opaque to every component
// except the cryptographic worker.
type EncryptedVRFKeypair struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// Validate checks both blob fields are present.
func (e EncryptedVRFKeypair) Validate() error {
	if len(e.Ciphertext) == 0 || len(e.Nonce) == 0 {
		return errors.New("encrypted vrf keypair missing ciphertext or nonce")
	}
	return nil
}

// StoredUser is the per-account record kept in the credential store.
type StoredUser struct {
	AccountID           AccountID           `json:"accountId"`
	EncryptedVRFKeypair EncryptedVRFKeypair `json:"encryptedVrfKeypair"`
	VRFPublicKey        string              `json:"vrfPublicKey"`
	LastDeviceNumber    int                 `json:"lastDeviceNumber"`
	RegisteredAt        time.Time           `json:"registeredAt"`
}

// StoredAuthenticator is the per-credential record kept in the credential
// store. CredentialID and public keys are base64url strings.
type StoredAuthenticator struct {
	CredentialID string    `json:"credentialId"`
	AccountID    AccountID `json:"accountId"`
	PublicKey    string    `json:"publicKey"`
	VRFPublicKey string    `json:"vrfPublicKey"`
	DeviceNumber int       `json:"deviceNumber"`
	Transports   []string  `json:"transports,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastUsedAt   time.Time `json:"lastUsedAt,omitempty"`
}

// SessionStatus is the session manager's synchronous view of the worker's
// session slot.
type SessionStatus struct {
	Active          bool          `json:"active"`
	AccountID       AccountID     `json:"accountId,omitempty"`
	SessionDuration time.Duration `json:"sessionDurationMs,omitempty"`
}
