package portfolio

import (
	"fmt"
	"math"
	"time"
)

// Exit reasons recorded on closed trades.
const (
	ExitSignalReversal  = "signal_reversal"
	ExitStopLoss        = "stop_loss"
	ExitTakeProfit      = "take_profit"
	ExitRiskLiquidation = "risk_liquidation"
	ExitSessionEnd      = "session_end"
)

// Position is an open exposure in one symbol. Quantity is signed:
// positive long, negative short. Mutated only by order execution.
type Position struct {
	Symbol          string    `json:"symbol"`
	Qty             float64   `json:"qty"`
	AvgEntry        float64   `json:"avg_entry"`
	EntryTS         time.Time `json:"entry_ts"`
	Stop            float64   `json:"stop,omitempty"`   // protective stop level, 0 = none
	Target          float64   `json:"target,omitempty"` // take-profit level, 0 = none
	EntryCommission float64   `json:"entry_commission"`
}

// Side reports "long" or "short" from the quantity sign.
func (p Position) Side() string {
	if p.Qty < 0 {
		return "short"
	}
	return "long"
}

// Trade is a closed position record. Immutable once created.
type Trade struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Qty        float64   `json:"qty"` // absolute quantity closed
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	EntryTS    time.Time `json:"entry_ts"`
	ExitTS     time.Time `json:"exit_ts"`
	PnL        float64   `json:"pnl"` // realized, net of commissions
	Commission float64   `json:"commission"`
	ExitReason string    `json:"exit_reason"`
}

// Book is the position book for exactly one backtest run or one paper
// session. It is not synchronized: the owning run/session serializes
// access, which is what keeps the core lock-free.
type Book struct {
	cash      float64
	positions map[string]*Position
	trades    []Trade
	lastPrice map[string]float64
	tradeSeq  int64
}

// NewBook starts a book with the given cash capital.
func NewBook(capital float64) *Book {
	return &Book{
		cash:      capital,
		positions: make(map[string]*Position),
		lastPrice: make(map[string]float64),
	}
}

// Restore rebuilds a book from checkpointed state.
func Restore(cash float64, positions []Position, trades []Trade) *Book {
	b := NewBook(cash)
	for i := range positions {
		p := positions[i]
		b.positions[p.Symbol] = &p
		b.lastPrice[p.Symbol] = p.AvgEntry
	}
	b.trades = append(b.trades, trades...)
	b.tradeSeq = int64(len(trades))
	return b
}

// MarkPrice records the latest market price for a symbol.
func (b *Book) MarkPrice(symbol string, price float64) {
	b.lastPrice[symbol] = price
}

// Cash returns the free cash balance.
func (b *Book) Cash() float64 { return b.cash }

// Equity marks the book to the latest recorded prices.
func (b *Book) Equity() float64 {
	eq := b.cash
	for sym, pos := range b.positions {
		px, ok := b.lastPrice[sym]
		if !ok {
			px = pos.AvgEntry
		}
		eq += pos.Qty * px
	}
	return eq
}

// Exposure is the gross notional across all open positions.
func (b *Book) Exposure() float64 {
	total := 0.0
	for sym, pos := range b.positions {
		px, ok := b.lastPrice[sym]
		if !ok {
			px = pos.AvgEntry
		}
		total += math.Abs(pos.Qty * px)
	}
	return total
}

// Position returns a copy of the open position for a symbol.
func (b *Book) Position(symbol string) (Position, bool) {
	pos, ok := b.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Positions returns copies of all open positions.
func (b *Book) Positions() []Position {
	out := make([]Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, *pos)
	}
	return out
}

// Trades returns the closed trade history.
func (b *Book) Trades() []Trade {
	out := make([]Trade, len(b.trades))
	copy(out, b.trades)
	return out
}

// SetProtection attaches stop and take-profit levels to an open
// position. No-op when the symbol has no position.
func (b *Book) SetProtection(symbol string, stop, target float64) {
	if pos, ok := b.positions[symbol]; ok {
		pos.Stop = stop
		pos.Target = target
	}
}

// Execute applies a signed quantity delta at the given fill price.
// Closing and flipping in one call is a single atomic mutation: the book
// never passes through a transient state with both legs open. Returns
// any trades realized by the execution.
func (b *Book) Execute(symbol string, qtyDelta, fillPrice, commission float64, ts time.Time, exitReason string) []Trade {
	if qtyDelta == 0 {
		return nil
	}

	b.cash -= qtyDelta*fillPrice + commission

	pos, exists := b.positions[symbol]
	if !exists {
		b.positions[symbol] = &Position{
			Symbol:          symbol,
			Qty:             qtyDelta,
			AvgEntry:        fillPrice,
			EntryTS:         ts,
			EntryCommission: commission,
		}
		return nil
	}

	sameSide := (pos.Qty > 0) == (qtyDelta > 0)
	if sameSide {
		totalCost := pos.AvgEntry*pos.Qty + fillPrice*qtyDelta
		pos.Qty += qtyDelta
		pos.AvgEntry = totalCost / pos.Qty
		pos.EntryCommission += commission
		return nil
	}

	// Opposite side: close up to the open quantity, flip with the rest.
	closedAbs := math.Min(math.Abs(qtyDelta), math.Abs(pos.Qty))
	signedClosed := closedAbs
	if pos.Qty < 0 {
		signedClosed = -closedAbs
	}

	entryShare := pos.EntryCommission * closedAbs / math.Abs(pos.Qty)
	exitShare := commission * closedAbs / math.Abs(qtyDelta)

	trade := Trade{
		ID:         b.nextTradeID(),
		Symbol:     symbol,
		Side:       pos.Side(),
		Qty:        closedAbs,
		EntryPrice: pos.AvgEntry,
		ExitPrice:  fillPrice,
		EntryTS:    pos.EntryTS,
		ExitTS:     ts,
		PnL:        (fillPrice-pos.AvgEntry)*signedClosed - entryShare - exitShare,
		Commission: entryShare + exitShare,
		ExitReason: exitReason,
	}
	b.trades = append(b.trades, trade)

	remaining := pos.Qty + qtyDelta
	if remaining == 0 {
		delete(b.positions, symbol)
	} else if (remaining > 0) == (pos.Qty > 0) {
		// Partial close: entry basis unchanged.
		pos.Qty = remaining
		pos.EntryCommission -= entryShare
	} else {
		// Flip: the leftover delta opens a fresh position.
		b.positions[symbol] = &Position{
			Symbol:          symbol,
			Qty:             remaining,
			AvgEntry:        fillPrice,
			EntryTS:         ts,
			EntryCommission: commission - exitShare,
		}
	}
	return []Trade{trade}
}

func (b *Book) nextTradeID() string {
	b.tradeSeq++
	return fmt.Sprintf("t-%06d", b.tradeSeq)
}
