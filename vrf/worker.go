package vrf

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/passkey-account-backend/interfaces"
	"go.uber.org/atomic"
)

// sessionState is the worker's one piece of exclusive mutable state: the
// currently resident keypair and the account it belongs to. It exists only
// for the lifetime of the worker and is never persisted.
type sessionState struct {
	keypair   *keypair
	accountID interfaces.AccountID
	startedAt time.Time
}

// Worker is the cryptographic worker actor. It owns all key material and
// processes requests strictly one at a time from its request channel, which
// is the serialization point for the whole system's session slot.
type Worker struct {
	requests chan request
	done     chan struct{}
	running  atomic.Bool
	log      *slog.Logger

	// Owned exclusively by the run loop.
	session *sessionState
	shamir  *shamir3Pass
}

// NewWorker creates a worker. Start must be called before any client use.
func NewWorker(log *slog.Logger) *Worker {
	return &Worker{
		requests: make(chan request),
		done:     make(chan struct{}),
		log:      log,
	}
}

// Start launches the worker run loop.
func (w *Worker) Start() {
	if w.running.Swap(true) {
		return
	}
	go w.run()
}

// Stop terminates the worker and clears its session. Requests in flight are
// answered; later calls fail with ErrWorkerUnavailable.
func (w *Worker) Stop() {
	if !w.running.Swap(false) {
		return
	}
	close(w.done)
}

func (w *Worker) run() {
	w.log.Info("Cryptographic worker started")
	for {
		select {
		case req := <-w.requests:
			data, err := w.handle(req)
			resp := response{CorrelationID: req.CorrelationID, Success: err == nil, Data: data}
			if err != nil {
				resp.Err = err.Error()
			}
			req.resp <- resp
		case <-w.done:
			w.clearSession()
			w.log.Info("Cryptographic worker stopped")
			return
		}
	}
}

func (w *Worker) clearSession() {
	if w.session != nil {
		w.session.keypair.zero()
		w.session = nil
	}
}

// setSession makes a keypair the active session for an account, superseding
// any previous session without error: only one physical login is meaningful
// at a time.
func (w *Worker) setSession(kp *keypair, accountID interfaces.AccountID) {
	if w.session != nil {
		w.log.Debug("Superseding active session", "previous", w.session.accountID.String(), "next", accountID.String())
		w.session.keypair.zero()
	}
	w.session = &sessionState{
		keypair:   kp,
		accountID: accountID,
		startedAt: time.Now(),
	}
}

func (w *Worker) handle(req request) (any, error) {
	switch req.Type {
	case MsgPing:
		return "pong", nil
	case MsgGenerateVRFKeypairBootstrap:
		return w.handleBootstrap(req.Payload)
	case MsgGenerateVRFChallenge:
		return w.handleChallenge(req.Payload)
	case MsgUnlockVRFKeypair:
		return w.handleUnlock(req.Payload)
	case MsgDeriveVRFKeypairFromPRF:
		return w.handleDerive(req.Payload)
	case MsgEncryptVRFKeypair:
		return w.handleEncrypt(req.Payload)
	case MsgCheckVRFStatus:
		return w.handleStatus()
	case MsgLogout:
		w.clearSession()
		return nil, nil
	case MsgConfigureShamir3Pass:
		return w.handleShamirConfig(req.Payload)
	case MsgShamir3PassEncrypt, MsgShamir3PassDecrypt:
		return w.handleShamirOp(req.Type, req.Payload)
	case MsgExportRecoveryShares:
		return w.handleExportShares(req.Payload)
	case MsgCombineRecoveryShares:
		return w.handleCombineShares(req.Payload)
	default:
		return nil, fmt.Errorf("unknown message type %q", req.Type)
	}
}

func (w *Worker) handleBootstrap(payload any) (any, error) {
	params, ok := payload.(BootstrapParams)
	if !ok {
		return nil, errors.New("invalid bootstrap payload")
	}

	kp, err := newRandomKeypair()
	if err != nil {
		return nil, err
	}

	result := BootstrapResult{PublicKey: kp.publicKeyString()}
	accountID := interfaces.AccountID("")
	if params.Challenge != nil {
		challenge, err := computeChallenge(kp, *params.Challenge)
		if err != nil {
			kp.zero()
			return nil, err
		}
		result.Challenge = &challenge
		accountID = interfaces.AccountID(params.Challenge.UserID)
	}

	w.setSession(kp, accountID)
	return result, nil
}

func (w *Worker) handleChallenge(payload any) (any, error) {
	params, ok := payload.(ChallengeInput)
	if !ok {
		return nil, errors.New("invalid challenge payload")
	}
	if w.session == nil {
		return nil, errors.New("no keypair resident in worker memory")
	}

	challenge, err := computeChallenge(w.session.keypair, params)
	if err != nil {
		return nil, err
	}
	return ChallengeResult{Challenge: challenge}, nil
}

func (w *Worker) handleUnlock(payload any) (any, error) {
	params, ok := payload.(UnlockParams)
	if !ok {
		return nil, errors.New("invalid unlock payload")
	}
	if err := params.AccountID.Validate(); err != nil {
		return nil, err
	}

	kp, err := decryptKeypair(params.Encrypted, params.SecretOutput)
	if err != nil {
		return nil, err
	}

	w.setSession(kp, params.AccountID)
	return UnlockResult{PublicKey: kp.publicKeyString()}, nil
}

func (w *Worker) handleDerive(payload any) (any, error) {
	params, ok := payload.(DeriveParams)
	if !ok {
		return nil, errors.New("invalid derive payload")
	}

	kp, err := deriveKeypair(params.SecretOutput, params.AccountID)
	if err != nil {
		return nil, err
	}

	result := DeriveResult{PublicKey: kp.publicKeyString()}

	if params.Challenge != nil {
		challenge, err := computeChallenge(kp, *params.Challenge)
		if err != nil {
			kp.zero()
			return nil, err
		}
		result.Challenge = &challenge
	}

	if params.Persist {
		encrypted, err := encryptKeypair(kp, params.SecretOutput)
		if err != nil {
			kp.zero()
			return nil, err
		}
		result.Encrypted = &encrypted
		w.setSession(kp, params.AccountID)
	} else {
		kp.zero()
	}

	return result, nil
}

func (w *Worker) handleEncrypt(payload any) (any, error) {
	params, ok := payload.(EncryptParams)
	if !ok {
		return nil, errors.New("invalid encrypt payload")
	}
	if w.session == nil {
		return nil, errors.New("no keypair resident in worker memory")
	}

	encrypted, err := encryptKeypair(w.session.keypair, params.SecretOutput)
	if err != nil {
		return nil, err
	}

	return EncryptResult{
		PublicKey: w.session.keypair.publicKeyString(),
		Encrypted: encrypted,
	}, nil
}

func (w *Worker) handleStatus() (any, error) {
	if w.session == nil {
		return StatusResult{Active: false}, nil
	}
	return StatusResult{
		Active:           true,
		AccountID:        w.session.accountID,
		SessionStartedAt: w.session.startedAt,
	}, nil
}

func (w *Worker) handleShamirConfig(payload any) (any, error) {
	cfg, ok := payload.(Shamir3PassConfig)
	if !ok {
		return nil, errors.New("invalid shamir 3-pass config payload")
	}

	s, err := newShamir3Pass(cfg)
	if err != nil {
		return nil, err
	}
	w.shamir = s
	w.log.Info("Shamir 3-pass configured", "primeBits", s.prime.BitLen(), "relays", len(s.relayURLs))
	return nil, nil
}

func (w *Worker) handleShamirOp(typ RequestType, payload any) (any, error) {
	params, ok := payload.(Shamir3PassParams)
	if !ok {
		return nil, errors.New("invalid shamir 3-pass payload")
	}
	if w.shamir == nil {
		return nil, errors.New("shamir 3-pass not configured")
	}

	if typ == MsgShamir3PassEncrypt {
		return w.shamir.encrypt(params)
	}
	return w.shamir.decrypt(params)
}

func (w *Worker) handleExportShares(payload any) (any, error) {
	params, ok := payload.(ExportSharesParams)
	if !ok {
		return nil, errors.New("invalid export shares payload")
	}
	if w.session == nil {
		return nil, errors.New("no active session to export")
	}

	shares, err := shamir.Split(w.session.keypair.seed[:], params.Shares, params.Threshold)
	if err != nil {
		return nil, fmt.Errorf("could not split session key: %w", err)
	}
	return ExportSharesResult{Shares: shares}, nil
}

func (w *Worker) handleCombineShares(payload any) (any, error) {
	params, ok := payload.(CombineSharesParams)
	if !ok {
		return nil, errors.New("invalid combine shares payload")
	}
	if err := params.AccountID.Validate(); err != nil {
		return nil, err
	}

	seedBytes, err := shamir.Combine(params.Shares)
	if err != nil {
		return nil, fmt.Errorf("could not combine shares: %w", err)
	}
	if len(seedBytes) != 32 {
		return nil, errors.New("combined shares do not form a valid session key")
	}

	var seed [32]byte
	copy(seed[:], seedBytes)
	kp := keypairFromSeed(seed)
	w.setSession(kp, params.AccountID)
	return CombineSharesResult{PublicKey: kp.publicKeyString()}, nil
}
