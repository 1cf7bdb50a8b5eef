package models

import (
	"time"
)

// EligibilityCheck is one balance check outcome, appended to the audit sink.
// Balances and thresholds are decimal strings of raw units.
type EligibilityCheck struct {
	SessionID string    `json:"sessionId" ch:"session_id"`
	Gate      string    `json:"gate" ch:"gate"`
	Address   string    `json:"address" ch:"address"`
	ChainID   uint64    `json:"chainId" ch:"chain_id"`
	Balance   string    `json:"balance" ch:"balance"`
	Threshold string    `json:"threshold" ch:"threshold"`
	Mode      string    `json:"comparison" ch:"comparison"`
	Eligible  bool      `json:"eligible" ch:"eligible"`
	ErrorCode string    `json:"errorCode,omitempty" ch:"error_code"`
	CheckedAt time.Time `json:"checkedAt" ch:"checked_at"`
}
