package forecast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// UnavailableError reports that no forecast exists for a bar. It is a
// per-bar, recoverable condition: both engines skip the bar and count
// it, they never abort on it.
type UnavailableError struct {
	Symbol string
	TS     time.Time
	Reason string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("forecast unavailable for %s at %s: %s",
		e.Symbol, e.TS.Format(time.RFC3339), e.Reason)
}

// IsUnavailable reports whether err is a per-bar forecast gap.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// Provider supplies quantile forecasts. The forecasting model itself is
// an external collaborator; the engine only consumes its output.
type Provider interface {
	Forecast(ctx context.Context, symbol string, ts time.Time, horizon int) (Forecast, error)
}

// MapProvider serves a fixed forecast set, keyed by symbol and
// timestamp. Used in tests and CSV-driven runs.
type MapProvider struct {
	bySymbol map[string]map[time.Time]Forecast
}

func NewMapProvider(fcs []Forecast) *MapProvider {
	p := &MapProvider{bySymbol: make(map[string]map[time.Time]Forecast)}
	for _, fc := range fcs {
		m, ok := p.bySymbol[fc.Symbol]
		if !ok {
			m = make(map[time.Time]Forecast)
			p.bySymbol[fc.Symbol] = m
		}
		m[fc.TS.UTC()] = fc
	}
	return p
}

func (p *MapProvider) Forecast(_ context.Context, symbol string, ts time.Time, _ int) (Forecast, error) {
	if m, ok := p.bySymbol[symbol]; ok {
		if fc, ok := m[ts.UTC()]; ok {
			return fc, nil
		}
	}
	return Forecast{}, &UnavailableError{Symbol: symbol, TS: ts, Reason: "no forecast recorded"}
}

// timeoutProvider bounds each upstream call. A provider that does not
// answer in time yields an UnavailableError so a tick skips the bar
// instead of blocking the session.
type timeoutProvider struct {
	inner   Provider
	timeout time.Duration
}

// WithTimeout wraps p with a per-call deadline.
func WithTimeout(p Provider, timeout time.Duration) Provider {
	return &timeoutProvider{inner: p, timeout: timeout}
}

func (p *timeoutProvider) Forecast(ctx context.Context, symbol string, ts time.Time, horizon int) (Forecast, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	fc, err := p.inner.Forecast(ctx, symbol, ts, horizon)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Forecast{}, &UnavailableError{Symbol: symbol, TS: ts, Reason: "provider timeout"}
		}
		return Forecast{}, err
	}
	return fc, nil
}

// limitedProvider protects a shared model endpoint with a request
// budget. Over-budget calls fail fast as unavailable rather than queue,
// because ticks must never block.
type limitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

// WithRateLimit wraps p with a requests-per-minute budget.
func WithRateLimit(p Provider, perMinute int) Provider {
	return &limitedProvider{
		inner:   p,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute),
	}
}

func (p *limitedProvider) Forecast(ctx context.Context, symbol string, ts time.Time, horizon int) (Forecast, error) {
	if !p.limiter.Allow() {
		return Forecast{}, &UnavailableError{Symbol: symbol, TS: ts, Reason: "rate limit exceeded"}
	}
	return p.inner.Forecast(ctx, symbol, ts, horizon)
}
