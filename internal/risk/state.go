package risk

import "time"

// Status is the risk state machine position for one run or session.
//
//	ACTIVE -> HALTED_DAILY   -> ACTIVE            (next trading day)
//	ACTIVE -> HALTED_DRAWDOWN -> COOLDOWN -> ACTIVE (cooldown elapses)
type Status string

const (
	StatusActive         Status = "active"
	StatusHaltedDaily    Status = "halted_daily"
	StatusHaltedDrawdown Status = "halted_drawdown"
	StatusCooldown       Status = "cooldown"
)

// State is the mutable risk bookkeeping owned exclusively by one
// backtest run or one paper session. Never shared across runs.
type State struct {
	Status           Status  `json:"status"`
	DailyPnL         float64 `json:"daily_pnl"`
	DailyDate        string  `json:"daily_date"` // YYYY-MM-DD, UTC
	PeakEquity       float64 `json:"peak_equity"`
	CooldownUntilBar int     `json:"cooldown_until_bar"`
	Halts            int     `json:"halts"`
}

// Event is an auditable record of a halt/resume transition. Halts are
// expected, recoverable conditions: they are modeled as state plus
// events, never as errors.
type Event struct {
	ID     string    `json:"id"`
	TS     time.Time `json:"ts"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason"`
	Metric float64   `json:"metric"` // the value that tripped the transition
}
