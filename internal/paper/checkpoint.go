package paper

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quantfold/engine/internal/costs"
	"github.com/quantfold/engine/internal/portfolio"
	"github.com/quantfold/engine/internal/risk"
	"github.com/quantfold/engine/internal/strategy"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	state TEXT NOT NULL,
	strategy TEXT NOT NULL,
	cost TEXT NOT NULL,
	capital REAL NOT NULL,
	cash REAL NOT NULL,
	risk_state TEXT NOT NULL,
	bar_count INTEGER NOT NULL,
	skipped INTEGER NOT NULL,
	last_bar_ts TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	session_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	qty REAL NOT NULL,
	avg_entry REAL NOT NULL,
	entry_ts TEXT NOT NULL,
	stop REAL NOT NULL,
	target REAL NOT NULL,
	entry_commission REAL NOT NULL,
	PRIMARY KEY (session_id, symbol)
);
CREATE TABLE IF NOT EXISTS trades (
	session_id TEXT NOT NULL,
	id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	qty REAL NOT NULL,
	entry_price REAL NOT NULL,
	exit_price REAL NOT NULL,
	entry_ts TEXT NOT NULL,
	exit_ts TEXT NOT NULL,
	pnl REAL NOT NULL,
	commission REAL NOT NULL,
	exit_reason TEXT NOT NULL,
	PRIMARY KEY (session_id, id)
);
`

// Checkpoint is everything needed to rebuild a session after a restart.
type Checkpoint struct {
	ID        string
	Symbol    string
	State     string
	Strategy  strategy.Strategy
	Cost      costs.Model
	Capital   float64
	Cash      float64
	Risk      risk.State
	BarCount  int
	Skipped   int
	LastBarTS time.Time
	CreatedAt time.Time
	Positions []portfolio.Position
	Trades    []portfolio.Trade
}

// Store persists session checkpoints to SQLite. A single connection
// serializes writers, which SQLite wants anyway.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) a checkpoint database. Use ":memory:"
// in tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("paper.OpenStore: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("paper.OpenStore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (st *Store) Close() error { return st.db.Close() }

// Save upserts a checkpoint transactionally so a crash mid-save never
// leaves a torn session row.
func (st *Store) Save(cp Checkpoint) error {
	stratJSON, err := json.Marshal(cp.Strategy)
	if err != nil {
		return fmt.Errorf("paper.Save: %w", err)
	}
	costJSON, err := json.Marshal(cp.Cost)
	if err != nil {
		return fmt.Errorf("paper.Save: %w", err)
	}
	riskJSON, err := json.Marshal(cp.Risk)
	if err != nil {
		return fmt.Errorf("paper.Save: %w", err)
	}

	tx, err := st.db.Begin()
	if err != nil {
		return fmt.Errorf("paper.Save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO sessions
		(id, symbol, state, strategy, cost, capital, cash, risk_state, bar_count, skipped, last_bar_ts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state=excluded.state, cash=excluded.cash, risk_state=excluded.risk_state,
			bar_count=excluded.bar_count, skipped=excluded.skipped,
			last_bar_ts=excluded.last_bar_ts, updated_at=excluded.updated_at`,
		cp.ID, cp.Symbol, cp.State, string(stratJSON), string(costJSON), cp.Capital, cp.Cash,
		string(riskJSON), cp.BarCount, cp.Skipped,
		cp.LastBarTS.UTC().Format(time.RFC3339Nano),
		cp.CreatedAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("paper.Save: session: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM positions WHERE session_id = ?`, cp.ID); err != nil {
		return fmt.Errorf("paper.Save: positions: %w", err)
	}
	for _, pos := range cp.Positions {
		_, err := tx.Exec(`INSERT INTO positions
			(session_id, symbol, qty, avg_entry, entry_ts, stop, target, entry_commission)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.ID, pos.Symbol, pos.Qty, pos.AvgEntry,
			pos.EntryTS.UTC().Format(time.RFC3339Nano), pos.Stop, pos.Target, pos.EntryCommission)
		if err != nil {
			return fmt.Errorf("paper.Save: positions: %w", err)
		}
	}

	for _, t := range cp.Trades {
		_, err := tx.Exec(`INSERT INTO trades
			(session_id, id, symbol, side, qty, entry_price, exit_price, entry_ts, exit_ts, pnl, commission, exit_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, id) DO NOTHING`,
			cp.ID, t.ID, t.Symbol, t.Side, t.Qty, t.EntryPrice, t.ExitPrice,
			t.EntryTS.UTC().Format(time.RFC3339Nano), t.ExitTS.UTC().Format(time.RFC3339Nano),
			t.PnL, t.Commission, t.ExitReason)
		if err != nil {
			return fmt.Errorf("paper.Save: trades: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("paper.Save: %w", err)
	}
	return nil
}

// Load reads one checkpoint by session id.
func (st *Store) Load(id string) (Checkpoint, error) {
	row := st.db.QueryRow(`SELECT id, symbol, state, strategy, cost, capital, cash, risk_state,
		bar_count, skipped, last_bar_ts, created_at FROM sessions WHERE id = ?`, id)
	cp, err := scanSession(row)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("paper.Load %s: %w", id, err)
	}
	if err := st.loadChildren(&cp); err != nil {
		return Checkpoint{}, fmt.Errorf("paper.Load %s: %w", id, err)
	}
	return cp, nil
}

// LoadAll reads every persisted checkpoint, stopped sessions included.
func (st *Store) LoadAll() ([]Checkpoint, error) {
	rows, err := st.db.Query(`SELECT id, symbol, state, strategy, cost, capital, cash, risk_state,
		bar_count, skipped, last_bar_ts, created_at FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("paper.LoadAll: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("paper.LoadAll: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("paper.LoadAll: %w", err)
	}
	for i := range out {
		if err := st.loadChildren(&out[i]); err != nil {
			return nil, fmt.Errorf("paper.LoadAll: %w", err)
		}
	}
	return out, nil
}

// Delete removes a session and its children.
func (st *Store) Delete(id string) error {
	tx, err := st.db.Begin()
	if err != nil {
		return fmt.Errorf("paper.Delete: %w", err)
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM trades WHERE session_id = ?`,
		`DELETE FROM positions WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return fmt.Errorf("paper.Delete: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("paper.Delete: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Checkpoint, error) {
	var cp Checkpoint
	var stratJSON, costJSON, riskJSON, lastTS, createdTS string
	err := row.Scan(&cp.ID, &cp.Symbol, &cp.State, &stratJSON, &costJSON, &cp.Capital, &cp.Cash,
		&riskJSON, &cp.BarCount, &cp.Skipped, &lastTS, &createdTS)
	if err != nil {
		return Checkpoint{}, err
	}
	if err := json.Unmarshal([]byte(stratJSON), &cp.Strategy); err != nil {
		return Checkpoint{}, err
	}
	if err := json.Unmarshal([]byte(costJSON), &cp.Cost); err != nil {
		return Checkpoint{}, err
	}
	if err := json.Unmarshal([]byte(riskJSON), &cp.Risk); err != nil {
		return Checkpoint{}, err
	}
	if cp.LastBarTS, err = time.Parse(time.RFC3339Nano, lastTS); err != nil {
		return Checkpoint{}, err
	}
	if cp.CreatedAt, err = time.Parse(time.RFC3339Nano, createdTS); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

func (st *Store) loadChildren(cp *Checkpoint) error {
	rows, err := st.db.Query(`SELECT symbol, qty, avg_entry, entry_ts, stop, target, entry_commission
		FROM positions WHERE session_id = ? ORDER BY symbol`, cp.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var pos portfolio.Position
		var entryTS string
		if err := rows.Scan(&pos.Symbol, &pos.Qty, &pos.AvgEntry, &entryTS, &pos.Stop, &pos.Target, &pos.EntryCommission); err != nil {
			return err
		}
		if pos.EntryTS, err = time.Parse(time.RFC3339Nano, entryTS); err != nil {
			return err
		}
		cp.Positions = append(cp.Positions, pos)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	trows, err := st.db.Query(`SELECT id, symbol, side, qty, entry_price, exit_price, entry_ts, exit_ts, pnl, commission, exit_reason
		FROM trades WHERE session_id = ? ORDER BY id`, cp.ID)
	if err != nil {
		return err
	}
	defer trows.Close()
	for trows.Next() {
		var t portfolio.Trade
		var entryTS, exitTS string
		if err := trows.Scan(&t.ID, &t.Symbol, &t.Side, &t.Qty, &t.EntryPrice, &t.ExitPrice, &entryTS, &exitTS, &t.PnL, &t.Commission, &t.ExitReason); err != nil {
			return err
		}
		if t.EntryTS, err = time.Parse(time.RFC3339Nano, entryTS); err != nil {
			return err
		}
		if t.ExitTS, err = time.Parse(time.RFC3339Nano, exitTS); err != nil {
			return err
		}
		cp.Trades = append(cp.Trades, t)
	}
	return trows.Err()
}

// Checkpoint captures the session for persistence.
func (s *Session) Checkpoint() Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Checkpoint{
		ID:        s.ID,
		Symbol:    s.Symbol,
		State:     s.state,
		Strategy:  s.strat,
		Cost:      s.cost,
		Capital:   s.capital,
		Cash:      s.book.Cash(),
		Risk:      s.mgr.State(),
		BarCount:  s.barCount,
		Skipped:   s.skipped,
		LastBarTS: s.lastBarTS,
		CreatedAt: s.createdAt,
		Positions: s.book.Positions(),
		Trades:    s.book.Trades(),
	}
}

// ResumeSession rebuilds a session from a checkpoint. Running sessions
// resume running; the equity curve restarts from the resume point, so
// post-restart metrics cover the new segment only.
func ResumeSession(cp Checkpoint, clock func() time.Time, sink risk.EventSink) (*Session, error) {
	if err := cp.Strategy.Params.Validate(); err != nil {
		return nil, fmt.Errorf("paper.ResumeSession %s: %w", cp.ID, err)
	}
	if clock == nil {
		clock = time.Now
	}
	if sink == nil {
		sink = risk.LogSink{}
	}
	mgr := risk.NewManager(cp.Strategy.Params, cp.Capital, sink).WithClock(clock)
	mgr.RestoreState(cp.Risk)

	s := &Session{
		ID:        cp.ID,
		Symbol:    cp.Symbol,
		state:     cp.State,
		strat:     cp.Strategy,
		cost:      cp.Cost,
		capital:   cp.Capital,
		book:      portfolio.Restore(cp.Cash, cp.Positions, cp.Trades),
		mgr:       mgr,
		lastPrice: make(map[string]float64),
		barCount:  cp.BarCount,
		skipped:   cp.Skipped,
		lastBarTS: cp.LastBarTS,
		createdAt: cp.CreatedAt,
		clock:     clock,
	}
	for _, pos := range cp.Positions {
		s.lastPrice[pos.Symbol] = pos.AvgEntry
	}
	return s, nil
}
