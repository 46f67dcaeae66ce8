package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/ruteri/passkey-account-backend/credentials"
	"github.com/ruteri/passkey-account-backend/interfaces"
)

// MockLedgerClient is an in-memory ledger for tests.
type MockLedgerClient struct {
	mu sync.Mutex

	Accounts   map[interfaces.AccountID]*interfaces.AccountView
	AccessKeys map[string]*interfaces.AccessKeyView
	Block      interfaces.BlockHeader

	// SendOutcomes are consumed in order by SendTransaction; when exhausted a
	// generic success outcome is returned.
	SendOutcomes []interfaces.TransactionOutcome
	SentTxs      []interfaces.SignedTransaction

	ViewAccountErr   error
	ViewAccessKeyErr error
	ViewBlockErr     error
	SendErr          error
}

// NewMockLedgerClient creates an empty mock ledger with a default block.
func NewMockLedgerClient() *MockLedgerClient {
	return &MockLedgerClient{
		Accounts:   make(map[interfaces.AccountID]*interfaces.AccountView),
		AccessKeys: make(map[string]*interfaces.AccessKeyView),
		Block:      interfaces.BlockHeader{Height: 100, Hash: "3K5Dt3bLqCDeK9K3sTkqJZo8nB7xQ9V1mW2eU4fH6g7J"},
	}
}

func accessKeyMapKey(accountID interfaces.AccountID, publicKey string) string {
	return accountID.String() + "|" + publicKey
}

// AddAccessKey registers a key for ViewAccessKey lookups.
func (m *MockLedgerClient) AddAccessKey(accountID interfaces.AccountID, publicKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AccessKeys[accessKeyMapKey(accountID, publicKey)] = &interfaces.AccessKeyView{Nonce: 1, Permission: "FullAccess"}
}

func (m *MockLedgerClient) ViewAccount(ctx context.Context, accountID interfaces.AccountID) (*interfaces.AccountView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ViewAccountErr != nil {
		return nil, m.ViewAccountErr
	}
	account, ok := m.Accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID.String(), interfaces.ErrAccountNotFound)
	}
	return account, nil
}

func (m *MockLedgerClient) ViewAccessKey(ctx context.Context, accountID interfaces.AccountID, publicKey string) (*interfaces.AccessKeyView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ViewAccessKeyErr != nil {
		return nil, m.ViewAccessKeyErr
	}
	key, ok := m.AccessKeys[accessKeyMapKey(accountID, publicKey)]
	if !ok {
		return nil, fmt.Errorf("access key %s on %s: %w", publicKey, accountID.String(), interfaces.ErrAccountNotFound)
	}
	return key, nil
}

func (m *MockLedgerClient) ViewBlock(ctx context.Context, finality string) (*interfaces.BlockHeader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ViewBlockErr != nil {
		return nil, m.ViewBlockErr
	}
	block := m.Block
	return &block, nil
}

func (m *MockLedgerClient) SendTransaction(ctx context.Context, tx interfaces.SignedTransaction) (*interfaces.TransactionOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return nil, m.SendErr
	}
	m.SentTxs = append(m.SentTxs, tx)
	if len(m.SendOutcomes) > 0 {
		outcome := m.SendOutcomes[0]
		m.SendOutcomes = m.SendOutcomes[1:]
		return &outcome, nil
	}
	return &interfaces.TransactionOutcome{TransactionID: "mock-tx", Success: true}, nil
}

// MockVerifierContract is an in-memory verifier contract for tests.
type MockVerifierContract struct {
	mu sync.Mutex

	Check          interfaces.RegistrationCheck
	CheckErr       error
	Outcome        interfaces.RegistrationOutcome
	RegisterErr    error
	CredentialIDs  map[interfaces.AccountID][]string
	Authenticators map[interfaces.AccountID][]interfaces.ContractAuthenticator
	SyncErr        error

	RegisterCalls     []interfaces.AccountID
	CreateAndRegCalls []interfaces.AccountID
	CheckCalls        []interfaces.AccountID
	LastVRFPublicKey  string
	LastCredentialID  string
}

// NewMockVerifierContract creates a permissive mock verifier.
func NewMockVerifierContract() *MockVerifierContract {
	return &MockVerifierContract{
		Check:          interfaces.RegistrationCheck{Verified: true, AllowsOverwrite: true},
		Outcome:        interfaces.RegistrationOutcome{Verified: true, TransactionID: "mock-register-tx"},
		CredentialIDs:  make(map[interfaces.AccountID][]string),
		Authenticators: make(map[interfaces.AccountID][]interfaces.ContractAuthenticator),
	}
}

func (m *MockVerifierContract) CheckCanRegister(ctx context.Context, accountID interfaces.AccountID, challenge interfaces.VRFChallenge, credential credentials.SerializedCredential) (*interfaces.RegistrationCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CheckCalls = append(m.CheckCalls, accountID)
	if m.CheckErr != nil {
		return nil, m.CheckErr
	}
	check := m.Check
	return &check, nil
}

func (m *MockVerifierContract) RegisterUser(ctx context.Context, accountID interfaces.AccountID, challenge interfaces.VRFChallenge, credential credentials.SerializedCredential, deterministicVRFPublicKey string) (*interfaces.RegistrationOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RegisterCalls = append(m.RegisterCalls, accountID)
	m.LastVRFPublicKey = deterministicVRFPublicKey
	m.LastCredentialID = credential.ID
	if m.RegisterErr != nil {
		return nil, m.RegisterErr
	}
	outcome := m.Outcome
	return &outcome, nil
}

func (m *MockVerifierContract) CreateAccountAndRegisterUser(ctx context.Context, accountID interfaces.AccountID, publicKey string, challenge interfaces.VRFChallenge, credential credentials.SerializedCredential, deterministicVRFPublicKey string) (*interfaces.RegistrationOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateAndRegCalls = append(m.CreateAndRegCalls, accountID)
	m.LastVRFPublicKey = deterministicVRFPublicKey
	m.LastCredentialID = credential.ID
	if m.RegisterErr != nil {
		return nil, m.RegisterErr
	}
	outcome := m.Outcome
	return &outcome, nil
}

func (m *MockVerifierContract) GetCredentialIDs(ctx context.Context, accountID interfaces.AccountID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SyncErr != nil {
		return nil, m.SyncErr
	}
	return m.CredentialIDs[accountID], nil
}

func (m *MockVerifierContract) SyncAuthenticators(ctx context.Context, accountID interfaces.AccountID) ([]interfaces.ContractAuthenticator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SyncErr != nil {
		return nil, m.SyncErr
	}
	return m.Authenticators[accountID], nil
}

// MockAccountFunder is an in-memory funding service for tests.
type MockAccountFunder struct {
	mu sync.Mutex

	Outcome         interfaces.TransactionOutcome
	PreSignedDelete interfaces.SignedTransaction
	Err             error

	Created []interfaces.AccountID
}

// NewMockAccountFunder creates a funder that succeeds with a pre-signed
// deletion transaction.
func NewMockAccountFunder() *MockAccountFunder {
	return &MockAccountFunder{
		Outcome:         interfaces.TransactionOutcome{TransactionID: "mock-create-tx", Success: true},
		PreSignedDelete: interfaces.SignedTransaction("mock-presigned-delete"),
	}
}

func (m *MockAccountFunder) CreateAccount(ctx context.Context, accountID interfaces.AccountID, publicKey string) (*interfaces.TransactionOutcome, interfaces.SignedTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, nil, m.Err
	}
	m.Created = append(m.Created, accountID)
	outcome := m.Outcome
	return &outcome, m.PreSignedDelete, nil
}
