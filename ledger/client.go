// Package ledger provides clients for the remote ledger RPC node and the
// verifier contract deployed on it, plus in-memory mocks for tests.
package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ruteri/passkey-account-backend/interfaces"
)

// FinalityFinal selects fully finalized blocks for view queries.
const FinalityFinal = "final"

// Client reaches the ledger over JSON-RPC 2.0.
type Client struct {
	rpc *rpc.Client
}

// Dial connects to the ledger RPC node at the given URL.
func Dial(ctx context.Context, rawURL string) (*Client, error) {
	c, err := rpc.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("could not dial ledger rpc: %w", err)
	}
	return &Client{rpc: c}, nil
}

// NewClient wraps an existing JSON-RPC client.
func NewClient(c *rpc.Client) *Client {
	return &Client{rpc: c}
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// isNotFoundRPCError reports whether an RPC error indicates a genuinely
// absent record, as opposed to a transport failure. Only these are mapped to
// the typed not-found errors.
func isNotFoundRPCError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNKNOWN_ACCOUNT") ||
		strings.Contains(msg, "UNKNOWN_ACCESS_KEY") ||
		strings.Contains(msg, "does not exist")
}

type accountQueryResult struct {
	Amount      string `json:"amount"`
	BlockHeight uint64 `json:"block_height"`
}

// ViewAccount returns the ledger's view of an account, or
// interfaces.ErrAccountNotFound for a genuinely absent account.
func (c *Client) ViewAccount(ctx context.Context, accountID interfaces.AccountID) (*interfaces.AccountView, error) {
	var result accountQueryResult
	err := c.rpc.CallContext(ctx, &result, "query", map[string]any{
		"request_type": "view_account",
		"finality":     "final",
		"account_id":   accountID.String(),
	})
	if err != nil {
		if isNotFoundRPCError(err) {
			return nil, fmt.Errorf("account %s: %w", accountID.String(), interfaces.ErrAccountNotFound)
		}
		return nil, fmt.Errorf("view account %s: %w", accountID.String(), err)
	}

	return &interfaces.AccountView{
		AccountID:   accountID,
		Balance:     result.Amount,
		BlockHeight: result.BlockHeight,
	}, nil
}

type accessKeyQueryResult struct {
	Nonce       uint64          `json:"nonce"`
	Permission  json.RawMessage `json:"permission"`
	BlockHeight uint64          `json:"block_height"`
}

// ViewAccessKey returns key metadata for a public key on an account, or
// interfaces.ErrAccountNotFound if either is absent.
func (c *Client) ViewAccessKey(ctx context.Context, accountID interfaces.AccountID, publicKey string) (*interfaces.AccessKeyView, error) {
	var result accessKeyQueryResult
	err := c.rpc.CallContext(ctx, &result, "query", map[string]any{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   accountID.String(),
		"public_key":   publicKey,
	})
	if err != nil {
		if isNotFoundRPCError(err) {
			return nil, fmt.Errorf("access key %s on %s: %w", publicKey, accountID.String(), interfaces.ErrAccountNotFound)
		}
		return nil, fmt.Errorf("view access key on %s: %w", accountID.String(), err)
	}

	return &interfaces.AccessKeyView{
		Nonce:       result.Nonce,
		Permission:  string(result.Permission),
		BlockHeight: result.BlockHeight,
	}, nil
}

type blockQueryResult struct {
	Header struct {
		Height uint64 `json:"height"`
		Hash   string `json:"hash"`
	} `json:"header"`
}

// ViewBlock returns the latest block header under the given finality, used
// as VRF challenge freshness input.
func (c *Client) ViewBlock(ctx context.Context, finality string) (*interfaces.BlockHeader, error) {
	var result blockQueryResult
	err := c.rpc.CallContext(ctx, &result, "block", map[string]any{"finality": finality})
	if err != nil {
		return nil, fmt.Errorf("view block: %w", err)
	}
	return &interfaces.BlockHeader{Height: result.Header.Height, Hash: result.Header.Hash}, nil
}

type txOutcomeResult struct {
	TransactionOutcome struct {
		ID      string `json:"id"`
		Outcome struct {
			Status json.RawMessage `json:"status"`
		} `json:"outcome"`
	} `json:"transaction_outcome"`
	Status struct {
		SuccessValue *string `json:"SuccessValue,omitempty"`
		Failure      *struct {
			ErrorType string `json:"error_type"`
			ErrorKind string `json:"error_kind"`
			Message   string `json:"error_message"`
		} `json:"Failure,omitempty"`
	} `json:"status"`
}

func classifyTxFailure(kind, message string) interfaces.TxFailureKind {
	combined := kind + " " + message
	switch {
	case strings.Contains(combined, "AccountAlreadyExists"):
		return interfaces.TxFailureAccountAlreadyExist
	case strings.Contains(combined, "NotEnoughBalance"), strings.Contains(combined, "LackBalance"):
		return interfaces.TxFailureInsufficientBalance
	default:
		return interfaces.TxFailureOther
	}
}

// SendTransaction broadcasts a signed transaction and waits for its outcome.
// Execution failures are returned as structured outcomes, not errors; only
// transport problems error.
func (c *Client) SendTransaction(ctx context.Context, tx interfaces.SignedTransaction) (*interfaces.TransactionOutcome, error) {
	var result txOutcomeResult
	err := c.rpc.CallContext(ctx, &result, "broadcast_tx_commit", base64.StdEncoding.EncodeToString(tx))
	if err != nil {
		return nil, fmt.Errorf("broadcast transaction: %w", err)
	}

	outcome := &interfaces.TransactionOutcome{
		TransactionID: result.TransactionOutcome.ID,
		Success:       result.Status.Failure == nil,
	}
	if f := result.Status.Failure; f != nil {
		outcome.FailureKind = classifyTxFailure(f.ErrorKind, f.Message)
		outcome.FailureMessage = f.Message
	}
	return outcome, nil
}

type callFunctionResult struct {
	Result []byte   `json:"result"`
	Logs   []string `json:"logs"`
}

// CallFunction performs a read-only contract function call. Args are JSON
// encoded and the raw result bytes are returned for the caller to decode.
func (c *Client) CallFunction(ctx context.Context, contractID interfaces.AccountID, method string, args any) ([]byte, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args for %s: %w", method, err)
	}

	var result callFunctionResult
	err = c.rpc.CallContext(ctx, &result, "query", map[string]any{
		"request_type": "call_function",
		"finality":     "final",
		"account_id":   contractID.String(),
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(argsJSON),
	})
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, contractID.String(), err)
	}
	return result.Result, nil
}
