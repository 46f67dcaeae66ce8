// Package credentials converts platform authenticator results into the two
// artifacts the orchestration layer needs: the dual pseudorandom extension
// outputs (which never leave the process) and a secret-free credential record
// suitable for transmission to a remote verifier.
package credentials

import (
	"encoding/base64"
	"errors"
)

// PRFValues carries the raw extension outputs of a single authenticator
// ceremony. First is used for encryption-role derivations, Second for
// signing-role derivations.
type PRFValues struct {
	First  string `json:"first,omitempty"`
	Second string `json:"second,omitempty"`
}

// PRFResults mirrors the prf extension output shape of the WebAuthn wire
// format.
type PRFResults struct {
	Results PRFValues `json:"results"`
}

// ExtensionResults holds client extension outputs attached to a credential.
type ExtensionResults struct {
	PRF *PRFResults `json:"prf,omitempty"`
}

// AttestationResponse is the authenticator's registration ceremony payload.
type AttestationResponse struct {
	ClientDataJSON    string   `json:"clientDataJSON"`
	AttestationObject string   `json:"attestationObject"`
	Transports        []string `json:"transports,omitempty"`
}

// AssertionResponse is the authenticator's authentication ceremony payload.
type AssertionResponse struct {
	ClientDataJSON    string `json:"clientDataJSON"`
	AuthenticatorData string `json:"authenticatorData"`
	Signature         string `json:"signature"`
	UserHandle        string `json:"userHandle,omitempty"`
}

// RegistrationCredential is a credential returned by a registration ceremony,
// including client extension outputs. The extension outputs contain secret
// material and must never be serialized for transmission; use
// SerializeRegistration for anything that leaves the process.
type RegistrationCredential struct {
	ID               string              `json:"id"`
	RawID            string              `json:"rawId"`
	Type             string              `json:"type"`
	Response         AttestationResponse `json:"response"`
	ExtensionResults *ExtensionResults   `json:"-"`
}

// AuthenticationCredential is a credential returned by an authentication
// ceremony. Same secrecy rules as RegistrationCredential.
type AuthenticationCredential struct {
	ID               string            `json:"id"`
	RawID            string            `json:"rawId"`
	Type             string            `json:"type"`
	Response         AssertionResponse `json:"response"`
	ExtensionResults *ExtensionResults `json:"-"`
}

// DualPRFOutputs are the two independent secrets extracted from one ceremony.
// Output1 plays the encryption role, Output2 the signing role. The same
// authenticator, relying party and account always reproduce the same pair.
type DualPRFOutputs struct {
	Output1 []byte
	Output2 []byte
}

// HasDual reports whether both outputs are present. Recovery-grade flows
// require both; Output1 alone suffices for routine session encryption.
func (d DualPRFOutputs) HasDual() bool {
	return len(d.Output1) > 0 && len(d.Output2) > 0
}

// Clone returns an independent copy of both outputs. Holders of long-lived
// outputs hand clones to concurrent consumers so zeroing one copy cannot
// corrupt the other mid-use.
func (d DualPRFOutputs) Clone() DualPRFOutputs {
	return DualPRFOutputs{
		Output1: append([]byte(nil), d.Output1...),
		Output2: append([]byte(nil), d.Output2...),
	}
}

// Zero overwrites both outputs in place.
func (d *DualPRFOutputs) Zero() {
	for i := range d.Output1 {
		d.Output1[i] = 0
	}
	for i := range d.Output2 {
		d.Output2[i] = 0
	}
}

var (
	// ErrNoPRFExtension is returned when a credential carries no prf extension output.
	ErrNoPRFExtension = errors.New("credential has no prf extension results")

	// ErrMissingSecondOutput is returned when a recovery-grade flow requires the
	// second prf output and the credential only produced the first.
	ErrMissingSecondOutput = errors.New("credential prf extension produced no second output")
)

func decodePRF(ext *ExtensionResults) (DualPRFOutputs, error) {
	if ext == nil || ext.PRF == nil || ext.PRF.Results.First == "" {
		return DualPRFOutputs{}, ErrNoPRFExtension
	}

	first, err := base64.RawURLEncoding.DecodeString(ext.PRF.Results.First)
	if err != nil {
		return DualPRFOutputs{}, errors.New("malformed first prf output")
	}

	outputs := DualPRFOutputs{Output1: first}
	if ext.PRF.Results.Second != "" {
		second, err := base64.RawURLEncoding.DecodeString(ext.PRF.Results.Second)
		if err != nil {
			return DualPRFOutputs{}, errors.New("malformed second prf output")
		}
		outputs.Output2 = second
	}
	return outputs, nil
}

// ExtractPRF pulls the dual extension outputs from a registration credential.
// The second output may be absent; callers requiring both must call
// RequireDual on the result.
func ExtractPRF(cred *RegistrationCredential) (DualPRFOutputs, error) {
	return decodePRF(cred.ExtensionResults)
}

// ExtractAssertionPRF pulls the dual extension outputs from an authentication
// credential.
func ExtractAssertionPRF(cred *AuthenticationCredential) (DualPRFOutputs, error) {
	return decodePRF(cred.ExtensionResults)
}

// RequireDual validates that both outputs are present for recovery-grade use.
func (d DualPRFOutputs) RequireDual() error {
	if len(d.Output1) == 0 {
		return ErrNoPRFExtension
	}
	if len(d.Output2) == 0 {
		return ErrMissingSecondOutput
	}
	return nil
}

// SerializedCredential is the secret-free projection of a credential, safe to
// transmit to a remote verifier. It intentionally has no extension fields.
type SerializedCredential struct {
	ID                string   `json:"id"`
	RawID             string   `json:"rawId"`
	Type              string   `json:"type"`
	ClientDataJSON    string   `json:"clientDataJSON"`
	AttestationObject string   `json:"attestationObject,omitempty"`
	AuthenticatorData string   `json:"authenticatorData,omitempty"`
	Signature         string   `json:"signature,omitempty"`
	Transports        []string `json:"transports,omitempty"`
}

// SerializeRegistration produces the transmissible record of a registration
// credential. Extension outputs are dropped, never copied.
func SerializeRegistration(cred *RegistrationCredential) SerializedCredential {
	return SerializedCredential{
		ID:                cred.ID,
		RawID:             cred.RawID,
		Type:              cred.Type,
		ClientDataJSON:    cred.Response.ClientDataJSON,
		AttestationObject: cred.Response.AttestationObject,
		Transports:        cred.Response.Transports,
	}
}

// SerializeAuthentication produces the transmissible record of an
// authentication credential.
func SerializeAuthentication(cred *AuthenticationCredential) SerializedCredential {
	return SerializedCredential{
		ID:                cred.ID,
		RawID:             cred.RawID,
		Type:              cred.Type,
		ClientDataJSON:    cred.Response.ClientDataJSON,
		AuthenticatorData: cred.Response.AuthenticatorData,
		Signature:         cred.Response.Signature,
	}
}
