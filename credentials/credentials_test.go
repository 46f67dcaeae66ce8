package credentials

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registrationCredential(first, second []byte) *RegistrationCredential {
	results := PRFValues{}
	if first != nil {
		results.First = base64.RawURLEncoding.EncodeToString(first)
	}
	if second != nil {
		results.Second = base64.RawURLEncoding.EncodeToString(second)
	}
	return &RegistrationCredential{
		ID:    "cred-1",
		RawID: "cred-1",
		Type:  "public-key",
		Response: AttestationResponse{
			ClientDataJSON:    "client-data",
			AttestationObject: "attestation",
			Transports:        []string{"internal"},
		},
		ExtensionResults: &ExtensionResults{PRF: &PRFResults{Results: results}},
	}
}

func TestExtractPRF(t *testing.T) {
	first := []byte("first-secret-output-0123456789ab")
	second := []byte("second-secret-output-0123456789a")

	outputs, err := ExtractPRF(registrationCredential(first, second))
	require.NoError(t, err, "extraction should succeed with both outputs")
	assert.Equal(t, first, outputs.Output1, "first output should round-trip")
	assert.Equal(t, second, outputs.Output2, "second output should round-trip")
	assert.True(t, outputs.HasDual(), "both outputs should be reported present")
	assert.NoError(t, outputs.RequireDual(), "dual requirement should pass")
}

func TestExtractPRF_MissingExtension(t *testing.T) {
	cred := registrationCredential([]byte("x"), nil)
	cred.ExtensionResults = nil
	_, err := ExtractPRF(cred)
	assert.ErrorIs(t, err, ErrNoPRFExtension, "missing extension should be a typed error")
}

func TestExtractPRF_MissingSecondOutput(t *testing.T) {
	outputs, err := ExtractPRF(registrationCredential([]byte("only-first"), nil))
	require.NoError(t, err, "single-output extraction should succeed")
	assert.False(t, outputs.HasDual(), "second output should be reported absent")
	assert.ErrorIs(t, outputs.RequireDual(), ErrMissingSecondOutput,
		"recovery-grade flows must get a typed error for the missing second output")
}

func TestDualPRFOutputs_Zero(t *testing.T) {
	outputs := DualPRFOutputs{Output1: []byte{1, 2, 3}, Output2: []byte{4, 5, 6}}
	outputs.Zero()
	assert.Equal(t, []byte{0, 0, 0}, outputs.Output1, "first output should be zeroed in place")
	assert.Equal(t, []byte{0, 0, 0}, outputs.Output2, "second output should be zeroed in place")
}

func TestDualPRFOutputs_CloneIndependent(t *testing.T) {
	outputs := DualPRFOutputs{Output1: []byte{1, 2, 3}, Output2: []byte{4, 5, 6}}
	clone := outputs.Clone()
	outputs.Zero()
	assert.Equal(t, []byte{1, 2, 3}, clone.Output1, "zeroing the original must not touch the clone")
	assert.Equal(t, []byte{4, 5, 6}, clone.Output2, "zeroing the original must not touch the clone")
}

func TestSerializeRegistration_DropsSecrets(t *testing.T) {
	cred := registrationCredential([]byte("secret-1"), []byte("secret-2"))
	serialized := SerializeRegistration(cred)

	assert.Equal(t, cred.ID, serialized.ID, "credential id should carry over")
	assert.Equal(t, cred.Response.AttestationObject, serialized.AttestationObject, "attestation should carry over")

	encoded, err := json.Marshal(serialized)
	require.NoError(t, err, "serialized credential should marshal")
	assert.NotContains(t, string(encoded), base64.RawURLEncoding.EncodeToString([]byte("secret-1")),
		"serialized form must not contain the first output")
	assert.NotContains(t, string(encoded), "prf", "serialized form must not contain extension fields")

	// The source credential itself refuses to marshal its extension results.
	direct, err := json.Marshal(cred)
	require.NoError(t, err, "credential should marshal")
	assert.NotContains(t, string(direct), "prf", "extension results are never marshaled")
}

func TestSerializeAuthentication(t *testing.T) {
	cred := &AuthenticationCredential{
		ID:    "cred-2",
		RawID: "cred-2",
		Type:  "public-key",
		Response: AssertionResponse{
			ClientDataJSON:    "client-data",
			AuthenticatorData: "auth-data",
			Signature:         "sig",
		},
		ExtensionResults: &ExtensionResults{PRF: &PRFResults{Results: PRFValues{First: "c2VjcmV0"}}},
	}
	serialized := SerializeAuthentication(cred)
	assert.Equal(t, "sig", serialized.Signature, "signature should carry over")
	assert.Empty(t, serialized.AttestationObject, "assertions carry no attestation")
}
