package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	gateerrors "github.com/token-gate/internal/errors"
	"github.com/token-gate/internal/identity"
	"github.com/token-gate/internal/logging"
	"github.com/token-gate/internal/types"
	"github.com/token-gate/internal/wallet"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	_ = json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondServiceError maps err to its category and sends it. Messages of
// system errors are not exposed.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := gateerrors.Categorize(err)

	if catErr.StatusCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithField("code", catErr.Code).Error("Request failed")
	}
	if catErr.Category == gateerrors.CategorySystem || catErr.Category == gateerrors.CategoryCache {
		respondError(w, catErr.StatusCode, catErr.Code, "An internal error occurred", nil)
		return
	}
	respondError(w, catErr.StatusCode, catErr.Code, catErr.Message, catErr.Details)
}

// parseJSONBody parses JSON request body.
func parseJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

const maxBodyBytes = 64 << 10

// Common error codes
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// handshakeError maps wallet handshake failures (challenges, pairings)
func handshakeError(err error) error {
	switch {
	case errors.Is(err, wallet.ErrPairingNotFound):
		return gateerrors.NewNotFoundError("pairing", "")
	case errors.Is(err, wallet.ErrChallengeNotFound):
		return gateerrors.NewConnectionRejectedError(err.Error())
	case wallet.IsUserError(err):
		return gateerrors.NewConnectionRejectedError(err.Error())
	default:
		return gateerrors.NewCacheError("wallet handshake", err)
	}
}

// identityError maps Telegram verification failures
func identityError(err error) error {
	switch {
	case errors.Is(err, identity.ErrNotConfigured):
		return gateerrors.NewServiceUnavailableError("telegram login")
	case errors.Is(err, identity.ErrInvalidHash), errors.Is(err, identity.ErrExpired):
		return gateerrors.NewUnauthorizedError(err.Error())
	default:
		return gateerrors.NewInvalidParameterError("telegram", err.Error())
	}
}

// chainIDParam accepts a chain id as a JSON number, a decimal string or a hex string
type chainIDParam types.ChainID

func (c *chainIDParam) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		*c = 0
		return nil
	}
	id, err := types.ParseChainID(raw)
	if err != nil {
		return err
	}
	*c = chainIDParam(id)
	return nil
}
