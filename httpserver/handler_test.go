package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ruteri/passkey-account-backend/devicelink"
	"github.com/ruteri/passkey-account-backend/interfaces"
	"github.com/ruteri/passkey-account-backend/ledger"
	"github.com/ruteri/passkey-account-backend/recovery"
	"github.com/ruteri/passkey-account-backend/registration"
	"github.com/ruteri/passkey-account-backend/session"
	"github.com/ruteri/passkey-account-backend/store"
	"github.com/ruteri/passkey-account-backend/webauthnsim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRPID = "example.com"

type handlerRig struct {
	handler  *Handler
	sessions *session.Manager
	ledger   *ledger.MockLedgerClient
	verifier *ledger.MockVerifierContract
	sim      *webauthnsim.SimulatedAuthenticator
}

func newHandlerRig(t *testing.T) *handlerRig {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	backend, err := store.NewFileBackend(t.TempDir(), log)
	require.NoError(t, err, "file backend should initialize")
	credentialStore := store.NewCredentialStore(backend, log)

	rig := &handlerRig{
		sessions: session.NewManager(log),
		ledger:   ledger.NewMockLedgerClient(),
		verifier: ledger.NewMockVerifierContract(),
		sim:      webauthnsim.New([]byte("handler-device-seed")),
	}
	t.Cleanup(rig.sessions.Close)

	registrar := registration.NewOrchestrator(registration.Config{RPID: testRPID, SecureTransport: true},
		log, rig.sessions, rig.ledger, rig.verifier, nil, credentialStore, rig.sim, nil)
	recoverer := recovery.NewOrchestrator(log, rig.sessions, rig.ledger, rig.verifier, credentialStore, rig.sim, testRPID)
	links := devicelink.NewManager(log, rig.sessions, rig.ledger, credentialStore, rig.sim, testRPID, 0)

	rig.handler = NewHandler(log, rig.sessions, rig.ledger, registrar, recoverer, links, testRPID)
	return rig
}

func postJSON(t *testing.T, handle http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err, "request body should marshal")
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handle(rec, req)
	return rec
}

func TestHandler_SessionStatus(t *testing.T) {
	rig := newHandlerRig(t)

	req := httptest.NewRequest(http.MethodGet, "/api/session/status", nil)
	rec := httptest.NewRecorder()
	rig.handler.HandleSessionStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "status must always answer 200")
	var status interfaces.SessionStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status), "response should decode")
	assert.False(t, status.Active, "no session should be active initially")
}

func TestHandler_Register(t *testing.T) {
	rig := newHandlerRig(t)

	rec := postJSON(t, rig.handler.HandleRegister, map[string]string{"accountId": "alice.test"})
	require.Equal(t, http.StatusOK, rec.Code, "registration should succeed: %s", rec.Body.String())

	var resp struct {
		AccountID string `json:"accountId"`
		Events    []eventRecord
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), "response should decode")
	assert.Equal(t, "alice.test", resp.AccountID, "response should carry the account")
	assert.NotEmpty(t, resp.Events, "the collected progress events should be returned")

	// The flow ends authenticated.
	rec = httptest.NewRecorder()
	rig.handler.HandleSessionStatus(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	var status interfaces.SessionStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status), "status should decode")
	assert.True(t, status.Active, "registration should leave the session active")
}

func TestHandler_RegisterErrors(t *testing.T) {
	rig := newHandlerRig(t)

	rec := postJSON(t, rig.handler.HandleRegister, map[string]string{"accountId": "Bad..ID"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "malformed account id should be a 400")

	rig.ledger.Accounts[interfaces.AccountID("taken.test")] = &interfaces.AccountView{AccountID: "taken.test"}
	rec = postJSON(t, rig.handler.HandleRegister, map[string]string{"accountId": "taken.test"})
	assert.Equal(t, http.StatusConflict, rec.Code, "an existing account should be a 409")
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), "error response should decode")
	assert.Contains(t, resp.Error, "logging in", "the conflict should be messaged for the user")

	rig.sim.CancelNext = true
	rec = postJSON(t, rig.handler.HandleRegister, map[string]string{"accountId": "carol.test"})
	assert.Equal(t, http.StatusConflict, rec.Code, "a cancelled ceremony should be a 409")

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("{not json")))
	rec = httptest.NewRecorder()
	rig.handler.HandleRegister(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "malformed bodies should be a 400")
}

func TestHandler_RecoveryFlow(t *testing.T) {
	rig := newHandlerRig(t)
	ctx := context.Background()

	// Register first so the device holds a recoverable credential.
	rec := postJSON(t, rig.handler.HandleRegister, map[string]string{"accountId": "alice.test"})
	require.Equal(t, http.StatusOK, rec.Code, "registration should succeed: %s", rec.Body.String())
	var registered struct {
		AccountPublicKey string `json:"accountPublicKey"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &registered), "registration response should decode")
	rig.ledger.AddAccessKey(interfaces.AccountID("alice.test"), registered.AccountPublicKey)
	credentialID := rig.sim.CredentialIDFor(interfaces.AccountID("alice.test"), testRPID)
	rig.verifier.CredentialIDs[interfaces.AccountID("alice.test")] = []string{credentialID}
	rig.sessions.Logout(ctx)

	// Recover before discover is rejected, then reset clears the error phase.
	rec = postJSON(t, rig.handler.HandleRecover, recovery.Selection{AccountID: "alice.test", CredentialID: credentialID})
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "recover before discover should fail")
	rec = httptest.NewRecorder()
	rig.handler.HandleRecoveryReset(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "reset should succeed")

	rec = postJSON(t, rig.handler.HandleDiscover, map[string]string{"accountHint": "alice.test"})
	require.Equal(t, http.StatusOK, rec.Code, "discovery should succeed: %s", rec.Body.String())
	var discovered discoverResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &discovered), "discovery response should decode")
	require.Len(t, discovered.Accounts, 1, "one candidate expected")

	rec = postJSON(t, rig.handler.HandleRecover, recovery.Selection{
		AccountID:    discovered.Accounts[0].AccountID,
		CredentialID: discovered.Accounts[0].CredentialID,
	})
	require.Equal(t, http.StatusOK, rec.Code, "recovery should succeed: %s", rec.Body.String())

	status := rig.sessions.Status(ctx)
	assert.True(t, status.Active, "recovery should leave the session active")
	assert.Equal(t, interfaces.AccountID("alice.test"), status.AccountID, "the recovered account holds the session")
}

func TestHandler_DeviceLink(t *testing.T) {
	rig := newHandlerRig(t)

	// No active session yet.
	rec := httptest.NewRecorder()
	rig.handler.HandleLinkCode(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.NotEqual(t, http.StatusOK, rec.Code, "issuing without a session must fail")

	postRec := postJSON(t, rig.handler.HandleRegister, map[string]string{"accountId": "alice.test"})
	require.Equal(t, http.StatusOK, postRec.Code, "registration should succeed: %s", postRec.Body.String())

	rec = httptest.NewRecorder()
	rig.handler.HandleLinkCode(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code, "issuing with a session should succeed")
	var issued linkCodeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued), "link code response should decode")
	require.NotEmpty(t, issued.Code, "a code should be issued")

	rec = postJSON(t, rig.handler.HandleLinkRedeem, map[string]string{"code": issued.Code})
	require.Equal(t, http.StatusOK, rec.Code, "redemption should succeed: %s", rec.Body.String())
	var result devicelink.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result), "redemption response should decode")
	assert.Equal(t, 2, result.DeviceNumber, "the linked device gets the next device number")

	rec = postJSON(t, rig.handler.HandleLinkRedeem, map[string]string{"code": issued.Code})
	assert.NotEqual(t, http.StatusOK, rec.Code, "a consumed code must not be redeemable again")
}

func TestHandler_ChallengeRequiresSession(t *testing.T) {
	rig := newHandlerRig(t)

	rec := httptest.NewRecorder()
	rig.handler.HandleChallenge(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.NotEqual(t, http.StatusOK, rec.Code, "challenge without a session must fail")

	postRec := postJSON(t, rig.handler.HandleRegister, map[string]string{"accountId": "alice.test"})
	require.Equal(t, http.StatusOK, postRec.Code, "registration should succeed: %s", postRec.Body.String())

	rec = httptest.NewRecorder()
	rig.handler.HandleChallenge(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code, "challenge with a session should succeed")
	var challenge interfaces.VRFChallenge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge), "challenge should decode")
	assert.Equal(t, "alice.test", challenge.UserID, "challenge should be bound to the session account")
	assert.NotEmpty(t, challenge.Proof, "challenge should carry its proof")
}
