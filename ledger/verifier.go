package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ruteri/passkey-account-backend/credentials"
	"github.com/ruteri/passkey-account-backend/interfaces"
)

// VerifierClient reaches the on-chain verifier contract. Read calls go
// straight through the ledger RPC; registration writes are submitted through
// a relay endpoint that co-signs and broadcasts the transaction, so this
// service never holds a funded broadcast key.
type VerifierClient struct {
	ledger     *Client
	contractID interfaces.AccountID
	relayURL   string
	httpClient *http.Client
}

// NewVerifierClient creates a verifier contract client. relayURL may be
// empty when only read calls are needed.
func NewVerifierClient(ledger *Client, contractID interfaces.AccountID, relayURL string) *VerifierClient {
	return &VerifierClient{
		ledger:     ledger,
		contractID: contractID,
		relayURL:   relayURL,
		httpClient: http.DefaultClient,
	}
}

type checkCanRegisterArgs struct {
	AccountID  string                           `json:"account_id"`
	Challenge  interfaces.VRFChallenge          `json:"vrf_challenge"`
	Credential credentials.SerializedCredential `json:"credential"`
}

// CheckCanRegister performs the read-only registration pre-check.
func (v *VerifierClient) CheckCanRegister(ctx context.Context, accountID interfaces.AccountID, challenge interfaces.VRFChallenge, credential credentials.SerializedCredential) (*interfaces.RegistrationCheck, error) {
	raw, err := v.ledger.CallFunction(ctx, v.contractID, "check_can_register_user", checkCanRegisterArgs{
		AccountID:  accountID.String(),
		Challenge:  challenge,
		Credential: credential,
	})
	if err != nil {
		return nil, err
	}

	var check interfaces.RegistrationCheck
	if err := json.Unmarshal(raw, &check); err != nil {
		return nil, fmt.Errorf("decode check_can_register_user result: %w", err)
	}
	return &check, nil
}

type relayRegisterRequest struct {
	AccountID     string                           `json:"accountId"`
	PublicKey     string                           `json:"publicKey,omitempty"`
	Challenge     interfaces.VRFChallenge          `json:"vrfChallenge"`
	Credential    credentials.SerializedCredential `json:"credential"`
	VRFPublicKey  string                           `json:"deterministicVrfPublicKey"`
	CreateAccount bool                             `json:"createAccount"`
}

type relayRegisterResponse struct {
	Verified                   bool     `json:"verified"`
	TransactionID              string   `json:"transactionId"`
	Diagnostics                []string `json:"diagnostics,omitempty"`
	PreSignedDeleteTransaction []byte   `json:"preSignedDeleteTransaction,omitempty"`
	Error                      string   `json:"error,omitempty"`
}

func (v *VerifierClient) relayRegister(ctx context.Context, reqBody relayRegisterRequest) (*interfaces.RegistrationOutcome, error) {
	if v.relayURL == "" {
		return nil, fmt.Errorf("no relay route configured for registration writes")
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("could not encode relay request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.relayURL+"/api/relay/register", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("could not initialize relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not reach relay: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read relay response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay returned %d: %s", resp.StatusCode, string(body))
	}

	var relayResp relayRegisterResponse
	if err := json.Unmarshal(body, &relayResp); err != nil {
		return nil, fmt.Errorf("could not parse relay response: %w", err)
	}
	if relayResp.Error != "" {
		return nil, fmt.Errorf("relay rejected registration: %s", relayResp.Error)
	}

	return &interfaces.RegistrationOutcome{
		Verified:                   relayResp.Verified,
		TransactionID:              relayResp.TransactionID,
		Diagnostics:                relayResp.Diagnostics,
		PreSignedDeleteTransaction: relayResp.PreSignedDeleteTransaction,
	}, nil
}

// RegisterUser writes the registration record for an existing account.
func (v *VerifierClient) RegisterUser(ctx context.Context, accountID interfaces.AccountID, challenge interfaces.VRFChallenge, credential credentials.SerializedCredential, deterministicVRFPublicKey string) (*interfaces.RegistrationOutcome, error) {
	return v.relayRegister(ctx, relayRegisterRequest{
		AccountID:    accountID.String(),
		Challenge:    challenge,
		Credential:   credential,
		VRFPublicKey: deterministicVRFPublicKey,
	})
}

// CreateAccountAndRegisterUser creates the account and registers it with the
// verifier in one all-or-nothing transaction.
func (v *VerifierClient) CreateAccountAndRegisterUser(ctx context.Context, accountID interfaces.AccountID, publicKey string, challenge interfaces.VRFChallenge, credential credentials.SerializedCredential, deterministicVRFPublicKey string) (*interfaces.RegistrationOutcome, error) {
	return v.relayRegister(ctx, relayRegisterRequest{
		AccountID:     accountID.String(),
		PublicKey:     publicKey,
		Challenge:     challenge,
		Credential:    credential,
		VRFPublicKey:  deterministicVRFPublicKey,
		CreateAccount: true,
	})
}

type credentialIDsArgs struct {
	AccountID string `json:"account_id"`
}

// GetCredentialIDs lists credential ids registered for an account.
func (v *VerifierClient) GetCredentialIDs(ctx context.Context, accountID interfaces.AccountID) ([]string, error) {
	raw, err := v.ledger.CallFunction(ctx, v.contractID, "get_credential_ids", credentialIDsArgs{AccountID: accountID.String()})
	if err != nil {
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode get_credential_ids result: %w", err)
	}
	return ids, nil
}

// SyncAuthenticators returns the contract's authenticator list for an
// account.
func (v *VerifierClient) SyncAuthenticators(ctx context.Context, accountID interfaces.AccountID) ([]interfaces.ContractAuthenticator, error) {
	raw, err := v.ledger.CallFunction(ctx, v.contractID, "get_authenticators_by_user", credentialIDsArgs{AccountID: accountID.String()})
	if err != nil {
		return nil, err
	}

	var authenticators []interfaces.ContractAuthenticator
	if err := json.Unmarshal(raw, &authenticators); err != nil {
		return nil, fmt.Errorf("decode get_authenticators_by_user result: %w", err)
	}
	return authenticators, nil
}
