package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	gateerrors "github.com/token-gate/internal/errors"
	"github.com/token-gate/internal/identity"
	"github.com/token-gate/internal/service"
	"github.com/token-gate/internal/types"
	"github.com/token-gate/internal/wallet"
)

// CreateSessionResponse is returned when a session is started
type CreateSessionResponse struct {
	Session service.Snapshot `json:"session"`
	Token   string           `json:"token"`
}

// connectRequest is the body of POST /api/sessions/{id}/connect
type connectRequest struct {
	Connector string `json:"connector"`
	proofRequest
}

// proofRequest is the connector specific proof of account ownership
type proofRequest struct {
	Address   string       `json:"address,omitempty"`
	ChainID   chainIDParam `json:"chainId,omitempty"`
	Nonce     string       `json:"nonce,omitempty"`
	Signature string       `json:"signature,omitempty"`
	Topic     string       `json:"topic,omitempty"`
}

func (p proofRequest) toConnectRequest() wallet.ConnectRequest {
	return wallet.ConnectRequest{
		Address:   strings.TrimSpace(p.Address),
		ChainID:   types.ChainID(p.ChainID),
		Nonce:     p.Nonce,
		Signature: p.Signature,
		Topic:     p.Topic,
	}
}

// walletEventRequest is the body of POST /api/sessions/{id}/wallet-events
type walletEventRequest struct {
	Type     string        `json:"type"`
	Accounts []string      `json:"accounts,omitempty"`
	ChainID  string        `json:"chainId,omitempty"`
	Proof    *proofRequest `json:"proof,omitempty"`
}

// ChainResponse is returned by POST /api/sessions/{id}/chain
type ChainResponse struct {
	ChainSwitch *service.ChainSwitch `json:"chainSwitch"`
	Session     service.Snapshot     `json:"session"`
}

// webAppRequest is the body of POST /api/sessions/{id}/telegram/webapp
type webAppRequest struct {
	InitData string `json:"initData"`
}

// session resolves the {id} route variable
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*service.Workflow, bool) {
	workflow, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return nil, false
	}
	return workflow, true
}

// handleCreateSession handles POST /api/gates/{gate}/sessions
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	workflow, err := s.registry.Create(r.Context(), mux.Vars(r)["gate"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	token, err := s.tokens.Issue(workflow.ID(), workflow.GateID())
	if err != nil {
		_ = s.registry.End(workflow.ID())
		respondServiceError(w, r, gateerrors.NewInternalError("failed to issue session token", err))
		return
	}

	respondJSON(w, http.StatusCreated, CreateSessionResponse{
		Session: workflow.Snapshot(),
		Token:   token,
	})
}

// handleGetSession handles GET /api/sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	workflow, ok := s.session(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, workflow.Snapshot())
}

// handleEndSession handles DELETE /api/sessions/{id}
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.End(mux.Vars(r)["id"]); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleIssueChallenge handles POST /api/sessions/{id}/challenge
func (s *Server) handleIssueChallenge(w http.ResponseWriter, r *http.Request) {
	workflow, ok := s.session(w, r)
	if !ok {
		return
	}
	if s.challenges == nil {
		respondServiceError(w, r, gateerrors.NewServiceUnavailableError("injected wallet connector"))
		return
	}

	challenge, err := s.challenges.IssueChallenge(r.Context(), workflow.ID())
	if err != nil {
		respondServiceError(w, r, handshakeError(err))
		return
	}
	respondJSON(w, http.StatusCreated, challenge)
}

// handleStartPairing handles POST /api/sessions/{id}/pairing
func (s *Server) handleStartPairing(w http.ResponseWriter, r *http.Request) {
	workflow, ok := s.session(w, r)
	if !ok {
		return
	}
	if s.pairings == nil {
		respondServiceError(w, r, gateerrors.NewServiceUnavailableError("remote wallet connector"))
		return
	}

	pairing, err := s.pairings.StartPairing(r.Context(), workflow.ID())
	if err != nil {
		respondServiceError(w, r, handshakeError(err))
		return
	}
	respondJSON(w, http.StatusCreated, pairing)
}

// handleConnect handles POST /api/sessions/{id}/connect
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	workflow, ok := s.session(w, r)
	if !ok {
		return
	}

	var req connectRequest
	if err := parseJSONBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	kind, valid := wallet.ParseKind(req.Connector)
	if !valid {
		respondServiceError(w, r, gateerrors.NewInvalidParameterError("connector", "must be injected or remote"))
		return
	}

	if err := workflow.Connect(r.Context(), kind, req.toConnectRequest()); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, workflow.Snapshot())
}

// handleEnsureChain handles POST /api/sessions/{id}/chain
func (s *Server) handleEnsureChain(w http.ResponseWriter, r *http.Request) {
	workflow, ok := s.session(w, r)
	if !ok {
		return
	}

	result, err := workflow.EnsureChain(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ChainResponse{ChainSwitch: result, Session: workflow.Snapshot()})
}

// handleWalletEvent handles POST /api/sessions/{id}/wallet-events
func (s *Server) handleWalletEvent(w http.ResponseWriter, r *http.Request) {
	workflow, ok := s.session(w, r)
	if !ok {
		return
	}

	var req walletEventRequest
	if err := parseJSONBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	event := service.WalletEvent{
		Type:     service.WalletEventType(req.Type),
		Accounts: req.Accounts,
		ChainID:  req.ChainID,
	}
	switch event.Type {
	case service.EventAccountsChanged, service.EventChainChanged, service.EventDisconnect:
	default:
		respondServiceError(w, r, gateerrors.NewInvalidParameterError("type", "must be accountsChanged, chainChanged or disconnect"))
		return
	}
	if req.Proof != nil {
		proof := req.Proof.toConnectRequest()
		event.Proof = &proof
	}

	if err := workflow.HandleWalletEvent(r.Context(), event); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, workflow.Snapshot())
}

// handleCheckEligibility handles POST /api/sessions/{id}/check
func (s *Server) handleCheckEligibility(w http.ResponseWriter, r *http.Request) {
	workflow, ok := s.session(w, r)
	if !ok {
		return
	}

	if _, err := workflow.CheckEligibility(r.Context()); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, workflow.Snapshot())
}

// handleSubmitIdentity handles POST /api/sessions/{id}/identity
func (s *Server) handleSubmitIdentity(w http.ResponseWriter, r *http.Request) {
	workflow, ok := s.session(w, r)
	if !ok {
		return
	}

	if err := workflow.SubmitIdentity(r.Context()); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, workflow.Snapshot())
}

// handleTelegramWebApp handles POST /api/sessions/{id}/telegram/webapp
func (s *Server) handleTelegramWebApp(w http.ResponseWriter, r *http.Request) {
	workflow, ok := s.session(w, r)
	if !ok {
		return
	}

	var req webAppRequest
	if err := parseJSONBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	tgIdentity, err := s.verifier.VerifyInitData(req.InitData)
	if err != nil {
		respondServiceError(w, r, identityError(err))
		return
	}

	if err := s.bus.Publish(r.Context(), identity.Event{SessionID: workflow.ID(), Identity: *tgIdentity}); err != nil {
		respondServiceError(w, r, gateerrors.NewCacheError("publish identity", err))
		return
	}
	respondJSON(w, http.StatusOK, workflow.Snapshot())
}
