package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ruteri/passkey-account-backend/interfaces"
)

// Funder creates ledger accounts through an external funding service (the
// legacy registration path). The service returns a pre-signed deletion
// transaction that the caller retains for rollback.
type Funder struct {
	URL    string
	Client *http.Client
}

// NewFunder creates a funding service client.
func NewFunder(url string) *Funder {
	return &Funder{URL: url, Client: http.DefaultClient}
}

type funderRequest struct {
	AccountID string `json:"accountId"`
	PublicKey string `json:"publicKey"`
}

type funderResponse struct {
	TransactionID              string `json:"transactionId"`
	Success                    bool   `json:"success"`
	FailureKind                string `json:"failureKind,omitempty"`
	FailureMessage             string `json:"failureMessage,omitempty"`
	PreSignedDeleteTransaction []byte `json:"preSignedDeleteTransaction,omitempty"`
}

// CreateAccount asks the funding service to create and fund an account owned
// by the given public key.
func (f *Funder) CreateAccount(ctx context.Context, accountID interfaces.AccountID, publicKey string) (*interfaces.TransactionOutcome, interfaces.SignedTransaction, error) {
	payload, err := json.Marshal(funderRequest{AccountID: accountID.String(), PublicKey: publicKey})
	if err != nil {
		return nil, nil, fmt.Errorf("could not encode funder request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL+"/api/fund/create_account", bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("could not initialize funder request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("could not reach funding service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("could not read funder response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("funding service returned %d: %s", resp.StatusCode, string(body))
	}

	var funderResp funderResponse
	if err := json.Unmarshal(body, &funderResp); err != nil {
		return nil, nil, fmt.Errorf("could not parse funder response: %w", err)
	}

	outcome := &interfaces.TransactionOutcome{
		TransactionID:  funderResp.TransactionID,
		Success:        funderResp.Success,
		FailureKind:    interfaces.TxFailureKind(funderResp.FailureKind),
		FailureMessage: funderResp.FailureMessage,
	}
	return outcome, funderResp.PreSignedDeleteTransaction, nil
}
