package backtest

import (
	"errors"
	"fmt"
	"time"

	"github.com/quantfold/engine/internal/portfolio"
	"github.com/quantfold/engine/internal/risk"
)

// DataInsufficientError is returned when the bar history cannot cover
// the configured warmup. It is fatal: a run that cannot warm up must
// not silently trade on a truncated window.
type DataInsufficientError struct {
	Bars    int
	MinBars int
}

func (e *DataInsufficientError) Error() string {
	return fmt.Sprintf("backtest: %d bars provided, at least %d required for warmup", e.Bars, e.MinBars)
}

// IsDataInsufficient reports whether err is a DataInsufficientError.
func IsDataInsufficient(err error) bool {
	var e *DataInsufficientError
	return errors.As(err, &e)
}

// EquityPoint is one mark-to-market observation of total equity.
type EquityPoint struct {
	TS     time.Time `json:"ts"`
	Equity float64   `json:"equity"`
}

// Result is the complete output of one backtest run.
type Result struct {
	Symbol         string            `json:"symbol"`
	Strategy       string            `json:"strategy"`
	Start          time.Time         `json:"start"`
	End            time.Time         `json:"end"`
	InitialCapital float64           `json:"initial_capital"`
	FinalEquity    float64           `json:"final_equity"`
	EquityCurve    []EquityPoint     `json:"equity_curve"`
	Trades         []portfolio.Trade `json:"trades"`
	RiskEvents     []risk.Event      `json:"risk_events"`
	Metrics        Metrics           `json:"metrics"`
}
