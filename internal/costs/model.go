package costs

import (
	"fmt"
	"math"
)

// Model holds execution cost assumptions: a proportional commission and
// a slippage model (proportional and/or fixed). It is configuration,
// not a service.
type Model struct {
	CommissionBps float64 `yaml:"commission_bps" json:"commission_bps"`
	SlippageBps   float64 `yaml:"slippage_bps" json:"slippage_bps"`
	SlippageFixed float64 `yaml:"slippage_fixed" json:"slippage_fixed"`
}

// Zero is a frictionless model, useful in tests.
var Zero = Model{}

func (m Model) Validate() error {
	if m.CommissionBps < 0 || m.SlippageBps < 0 || m.SlippageFixed < 0 {
		return fmt.Errorf("costs: commission and slippage must be non-negative")
	}
	return nil
}

// Fill converts a reference price into an executed fill. Slippage is
// always adverse: buys fill higher, sells fill lower. Commission is
// charged on the executed notional.
func (m Model) Fill(price, qty float64) (fillPrice, commission float64) {
	slip := price*m.SlippageBps/10000 + m.SlippageFixed
	if qty >= 0 {
		fillPrice = price + slip
	} else {
		fillPrice = price - slip
	}
	if fillPrice < 0 {
		fillPrice = 0
	}
	commission = math.Abs(qty) * fillPrice * m.CommissionBps / 10000
	return fillPrice, commission
}
