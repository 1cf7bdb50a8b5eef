package api

import (
	"net/http"

	"github.com/token-gate/internal/types"
)

// GateView is the public description of a gate
type GateView struct {
	ID                string                          `json:"id"`
	Name              string                          `json:"name"`
	Requirement       string                          `json:"requirement"`
	IneligibleMessage string                          `json:"ineligibleMessage"`
	Contract          string                          `json:"contract"`
	Threshold         string                          `json:"threshold"`
	Comparison        string                          `json:"comparison"`
	Chain             types.AddEthereumChainParameter `json:"chain"`
}

// handleListGates handles GET /api/gates
func (s *Server) handleListGates(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.GateIDs()
	gates := make([]GateView, 0, len(ids))
	for _, id := range ids {
		gate, ok := s.registry.Gate(id)
		if !ok {
			continue
		}
		cfg := gate.Config
		gates = append(gates, GateView{
			ID:                cfg.ID,
			Name:              cfg.Name,
			Requirement:       cfg.Requirement,
			IneligibleMessage: cfg.IneligibleMessage,
			Contract:          cfg.Contract.Hex(),
			Threshold:         cfg.ThresholdDisplay,
			Comparison:        string(cfg.Threshold.Mode),
			Chain:             cfg.Chain.AddChainParameter(),
		})
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"gates": gates,
	})
}
