package v1

import "time"

// CostLimits echoes the configured spend ceilings so clients can render
// budget gauges without a second config round-trip.
type CostLimits struct {
	SessionLimitUSD float64 `json:"session_limit_usd"`
	DailyLimitUSD   float64 `json:"daily_limit_usd"`
}

// ControlCost is the running spend of the control context. ContextTotal
// accumulates for the lifetime of the process; DailyTotal resets at UTC
// midnight.
type ControlCost struct {
	ContextTotalUSD float64    `json:"context_total"`
	DailyTotalUSD   float64    `json:"daily_total"`
	Limits          CostLimits `json:"limits"`
}

// ControlContextResponse is the body of GET /api/v1/control/context.
type ControlContextResponse struct {
	ControlSessionID string      `json:"control_session_id"`
	CreatedAt        time.Time   `json:"created_at"`
	Cost             ControlCost `json:"cost"`
}
