package api

import (
	"net/http"

	"github.com/gorilla/mux"

	gateerrors "github.com/token-gate/internal/errors"
	"github.com/token-gate/internal/types"
)

// approvePairingRequest is sent by the wallet app answering a pairing
type approvePairingRequest struct {
	Approved  bool         `json:"approved"`
	Account   string       `json:"account,omitempty"`
	ChainID   chainIDParam `json:"chainId,omitempty"`
	Signature string       `json:"signature,omitempty"`
}

// pairingChainRequest is sent by the wallet app answering a chain switch
type pairingChainRequest struct {
	ChainID  chainIDParam `json:"chainId"`
	Accepted bool         `json:"accepted"`
}

// handleApprovePairing handles POST /api/pairings/{topic}/approve
func (s *Server) handleApprovePairing(w http.ResponseWriter, r *http.Request) {
	if s.pairings == nil {
		respondServiceError(w, r, gateerrors.NewServiceUnavailableError("remote wallet connector"))
		return
	}

	var req approvePairingRequest
	if err := parseJSONBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	topic := mux.Vars(r)["topic"]
	if !req.Approved {
		if err := s.pairings.Reject(r.Context(), topic); err != nil {
			respondServiceError(w, r, handshakeError(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	pairing, err := s.pairings.Approve(r.Context(), topic, req.Account, types.ChainID(req.ChainID), req.Signature)
	if err != nil {
		respondServiceError(w, r, handshakeError(err))
		return
	}
	respondJSON(w, http.StatusOK, pairing)
}

// handlePairingChain handles POST /api/pairings/{topic}/chain
func (s *Server) handlePairingChain(w http.ResponseWriter, r *http.Request) {
	if s.pairings == nil {
		respondServiceError(w, r, gateerrors.NewServiceUnavailableError("remote wallet connector"))
		return
	}

	var req pairingChainRequest
	if err := parseJSONBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if req.ChainID == 0 {
		respondServiceError(w, r, gateerrors.NewInvalidParameterError("chainId", "is required"))
		return
	}

	pairing, err := s.pairings.AcknowledgeChain(r.Context(), mux.Vars(r)["topic"], types.ChainID(req.ChainID), req.Accepted)
	if err != nil {
		respondServiceError(w, r, handshakeError(err))
		return
	}
	respondJSON(w, http.StatusOK, pairing)
}
