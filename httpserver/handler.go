package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ruteri/passkey-account-backend/devicelink"
	"github.com/ruteri/passkey-account-backend/interfaces"
	"github.com/ruteri/passkey-account-backend/ledger"
	"github.com/ruteri/passkey-account-backend/recovery"
	"github.com/ruteri/passkey-account-backend/registration"
	"github.com/ruteri/passkey-account-backend/session"
	"github.com/ruteri/passkey-account-backend/vrf"
)

// Handler routes HTTP requests to the orchestration layer. Progress events
// are collected per request and returned in the response body; there is no
// streaming surface.
type Handler struct {
	log          *slog.Logger
	sessions     *session.Manager
	ledgerClient interfaces.LedgerClient
	registrar    *registration.Orchestrator
	links        *devicelink.Manager
	rpID         string

	// Recovery is a single-use state machine between resets; one instance is
	// held per process and guarded for concurrent HTTP callers.
	recoveryMu sync.Mutex
	recoverer  *recovery.Orchestrator
}

// NewHandler creates the HTTP handler set.
func NewHandler(log *slog.Logger, sessions *session.Manager, ledgerClient interfaces.LedgerClient, registrar *registration.Orchestrator, recoverer *recovery.Orchestrator, links *devicelink.Manager, rpID string) *Handler {
	return &Handler{
		log:          log,
		sessions:     sessions,
		ledgerClient: ledgerClient,
		registrar:    registrar,
		recoverer:    recoverer,
		links:        links,
		rpID:         rpID,
	}
}

// eventRecord is the wire form of one progress event.
type eventRecord struct {
	Phase   string                 `json:"phase"`
	Status  interfaces.EventStatus `json:"status"`
	Message string                 `json:"message"`
}

// collectingSink accumulates events for inclusion in the response body.
type collectingSink struct {
	mu     sync.Mutex
	events []eventRecord
}

func (c *collectingSink) sink() interfaces.EventSink {
	return func(ev interfaces.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, eventRecord{Phase: ev.Phase(), Status: ev.Status(), Message: ev.Message()})
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

type errorResponse struct {
	Error  string        `json:"error"`
	Events []eventRecord `json:"events,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error, events []eventRecord) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, interfaces.ErrRegistrationPrecondition),
		errors.Is(err, interfaces.ErrRecoverySelectionInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, interfaces.ErrAccountExists):
		status = http.StatusConflict
	case errors.Is(err, interfaces.ErrRecoveryAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, interfaces.ErrUserCancelled):
		status = http.StatusConflict
	case errors.Is(err, interfaces.ErrAccountNotFound), errors.Is(err, interfaces.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, interfaces.ErrWorkerUnavailable), errors.Is(err, interfaces.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, errorResponse{Error: interfaces.UserFacingMessage(err), Events: events})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return false
	}
	return true
}

// HandleSessionStatus reports the active session. Never fails.
func (h *Handler) HandleSessionStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.sessions.Status(r.Context()))
}

// HandleLogout clears the active session.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Logout(r.Context())
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// HandleChallenge generates a VRF challenge with the active session keypair,
// using the latest final block as the freshness input.
func (h *Handler) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	accountID := h.sessions.ActiveAccount()
	if accountID == "" {
		h.writeError(w, interfaces.ErrChallengeGenerationFailed, nil)
		return
	}

	block, err := h.ledgerClient.ViewBlock(r.Context(), ledger.FinalityFinal)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}

	challenge, err := h.sessions.GenerateChallenge(r.Context(), vrf.ChallengeInput{
		UserID:      accountID.String(),
		RPID:        h.rpID,
		BlockHeight: block.Height,
		BlockHash:   block.Hash,
	})
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	h.writeJSON(w, http.StatusOK, challenge)
}

type registerRequest struct {
	AccountID string `json:"accountId"`
}

type registerResponse struct {
	*registration.Result
	Events []eventRecord `json:"events,omitempty"`
}

// HandleRegister runs a full registration flow.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	accountID, err := interfaces.NewAccountID(req.AccountID)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	collector := &collectingSink{}
	result, err := h.registrar.Register(r.Context(), accountID, collector.sink())
	if err != nil {
		h.writeError(w, err, collector.events)
		return
	}
	h.writeJSON(w, http.StatusOK, registerResponse{Result: result, Events: collector.events})
}

type discoverRequest struct {
	AccountHint string `json:"accountHint"`
}

type discoverResponse struct {
	Accounts []recovery.DiscoveredAccount `json:"accounts"`
	Events   []eventRecord                `json:"events,omitempty"`
}

// HandleDiscover runs the recovery discovery phase.
func (h *Handler) HandleDiscover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if !h.decode(w, r, &req) {
		return
	}

	h.recoveryMu.Lock()
	defer h.recoveryMu.Unlock()

	collector := &collectingSink{}
	accounts, err := h.recoverer.Discover(r.Context(), interfaces.AccountID(req.AccountHint), collector.sink())
	if err != nil {
		h.writeError(w, err, collector.events)
		return
	}
	h.writeJSON(w, http.StatusOK, discoverResponse{Accounts: accounts, Events: collector.events})
}

type recoverResponse struct {
	*recovery.Result
	Events []eventRecord `json:"events,omitempty"`
}

// HandleRecover runs the recovery phase for a discovered selection.
func (h *Handler) HandleRecover(w http.ResponseWriter, r *http.Request) {
	var selection recovery.Selection
	if !h.decode(w, r, &selection) {
		return
	}

	h.recoveryMu.Lock()
	defer h.recoveryMu.Unlock()

	collector := &collectingSink{}
	result, err := h.recoverer.Recover(r.Context(), selection, collector.sink())
	if err != nil {
		h.writeError(w, err, collector.events)
		return
	}
	h.writeJSON(w, http.StatusOK, recoverResponse{Result: result, Events: collector.events})
}

// HandleRecoveryReset returns the recovery state machine to idle.
func (h *Handler) HandleRecoveryReset(w http.ResponseWriter, r *http.Request) {
	h.recoveryMu.Lock()
	defer h.recoveryMu.Unlock()
	h.recoverer.Reset()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type linkCodeResponse struct {
	Code      string `json:"code"`
	ExpiresAt string `json:"expiresAt"`
}

// HandleLinkCode issues a device-link code for the active session account.
func (h *Handler) HandleLinkCode(w http.ResponseWriter, r *http.Request) {
	code, expiresAt, err := h.links.IssueCode(r.Context())
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	h.writeJSON(w, http.StatusOK, linkCodeResponse{Code: code, ExpiresAt: expiresAt.UTC().Format("2006-01-02T15:04:05Z07:00")})
}

type linkRedeemRequest struct {
	Code string `json:"code"`
}

// HandleLinkRedeem redeems a device-link code for a new authenticator.
func (h *Handler) HandleLinkRedeem(w http.ResponseWriter, r *http.Request) {
	var req linkRedeemRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.links.Redeem(r.Context(), req.Code)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}
