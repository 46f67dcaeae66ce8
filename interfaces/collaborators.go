package interfaces

import (
	"context"
	"time"

	"github.com/ruteri/passkey-account-backend/credentials"
)

// AccountView is the ledger's view of an account.
type AccountView struct {
	AccountID   AccountID `json:"accountId"`
	Balance     string    `json:"balance"`
	BlockHeight uint64    `json:"blockHeight"`
}

// AccessKeyView is the ledger's view of an access key on an account.
type AccessKeyView struct {
	Nonce       uint64 `json:"nonce"`
	Permission  string `json:"permission"`
	BlockHeight uint64 `json:"blockHeight"`
}

// BlockHeader carries the freshness input for VRF challenges.
type BlockHeader struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

// SignedTransaction is an opaque, ready-to-broadcast signed transaction.
type SignedTransaction []byte

// TxFailureKind classifies structured transaction failures.
type TxFailureKind string

const (
	TxFailureNone                TxFailureKind = ""
	TxFailureAccountAlreadyExist TxFailureKind = "account_already_exists"
	TxFailureInsufficientBalance TxFailureKind = "insufficient_balance"
	TxFailureOther               TxFailureKind = "other"
)

// TransactionOutcome is the result of a broadcast transaction.
type TransactionOutcome struct {
	TransactionID  string        `json:"transactionId"`
	Success        bool          `json:"success"`
	FailureKind    TxFailureKind `json:"failureKind,omitempty"`
	FailureMessage string        `json:"failureMessage,omitempty"`
}

// LedgerClient reaches the remote ledger RPC node. ViewAccount and
// ViewAccessKey return ErrAccountNotFound for genuinely absent records;
// transport failures surface as distinct errors.
type LedgerClient interface {
	ViewAccount(ctx context.Context, accountID AccountID) (*AccountView, error)
	ViewAccessKey(ctx context.Context, accountID AccountID, publicKey string) (*AccessKeyView, error)
	ViewBlock(ctx context.Context, finality string) (*BlockHeader, error)
	SendTransaction(ctx context.Context, tx SignedTransaction) (*TransactionOutcome, error)
}

// RegistrationCheck is the verifier contract's answer to a can-register
// pre-check.
type RegistrationCheck struct {
	Verified        bool     `json:"verified"`
	AllowsOverwrite bool     `json:"allowsOverwrite"`
	Diagnostics     []string `json:"diagnostics,omitempty"`
}

// RegistrationOutcome is the verifier contract's answer to a registration.
type RegistrationOutcome struct {
	Verified      bool     `json:"verified"`
	TransactionID string   `json:"transactionId"`
	Diagnostics   []string `json:"diagnostics,omitempty"`

	// PreSignedDeleteTransaction, when present, can undo the account creation
	// of an atomic create-and-register call.
	PreSignedDeleteTransaction SignedTransaction `json:"-"`
}

// ContractAuthenticator is an authenticator record as known to the verifier
// contract.
type ContractAuthenticator struct {
	CredentialID string   `json:"credentialId"`
	PublicKey    string   `json:"publicKey"`
	VRFPublicKey string   `json:"vrfPublicKey"`
	DeviceNumber int      `json:"deviceNumber"`
	Transports   []string `json:"transports,omitempty"`
}

// VerifierContract reaches the on-chain verifier through the ledger.
type VerifierContract interface {
	// CheckCanRegister is a read-only pre-check of the challenge and
	// credential against the contract's verification rules.
	CheckCanRegister(ctx context.Context, accountID AccountID, challenge VRFChallenge, credential credentials.SerializedCredential) (*RegistrationCheck, error)

	// RegisterUser writes the registration record. Overwrite semantics on
	// retry are reported by CheckCanRegister, never assumed.
	RegisterUser(ctx context.Context, accountID AccountID, challenge VRFChallenge, credential credentials.SerializedCredential, deterministicVRFPublicKey string) (*RegistrationOutcome, error)

	// CreateAccountAndRegisterUser atomically creates the account and writes
	// the registration record in one transaction.
	CreateAccountAndRegisterUser(ctx context.Context, accountID AccountID, publicKey string, challenge VRFChallenge, credential credentials.SerializedCredential, deterministicVRFPublicKey string) (*RegistrationOutcome, error)

	// GetCredentialIDs lists credential ids registered for an account.
	GetCredentialIDs(ctx context.Context, accountID AccountID) ([]string, error)

	// SyncAuthenticators returns the contract's authenticator list for an
	// account, used to reconcile local storage during recovery.
	SyncAuthenticators(ctx context.Context, accountID AccountID) ([]ContractAuthenticator, error)
}

// AccountFunder creates ledger accounts through a funding service (legacy
// registration path). The returned pre-signed deletion transaction is
// retained for rollback.
type AccountFunder interface {
	CreateAccount(ctx context.Context, accountID AccountID, publicKey string) (*TransactionOutcome, SignedTransaction, error)
}

// RegistrationBatch is the atomic unit of a registration write: the user
// record and the first authenticator together, all-or-nothing.
type RegistrationBatch struct {
	User          StoredUser
	Authenticator StoredAuthenticator
}

// CredentialStore is the local encrypted-credential persistence collaborator.
type CredentialStore interface {
	GetUser(ctx context.Context, accountID AccountID) (*StoredUser, error)
	GetAuthenticatorsByUser(ctx context.Context, accountID AccountID) ([]StoredAuthenticator, error)
	StoreAuthenticator(ctx context.Context, authenticator StoredAuthenticator) error

	// AtomicRegistrationWrite persists the batch all-or-nothing; partial
	// writes must not be observable.
	AtomicRegistrationWrite(ctx context.Context, batch RegistrationBatch) error

	// RollbackUserRegistration deletes the user record and every
	// authenticator written for it.
	RollbackUserRegistration(ctx context.Context, accountID AccountID) error
}

// PlatformAuthenticator is the platform's biometric credential interface. The
// ceremony may take unbounded real time while waiting for human input; both
// methods honor ctx cancellation and return ErrUserCancelled when the human
// aborts.
type PlatformAuthenticator interface {
	GenerateRegistrationCredential(ctx context.Context, challenge [32]byte, accountID AccountID, rpID string) (*credentials.RegistrationCredential, error)
	GetCredential(ctx context.Context, challenge [32]byte, allowedCredentialIDs []string, rpID string) (*credentials.AuthenticationCredential, error)
}

// Clock abstracts time for orchestrator backoff, injected in tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}
