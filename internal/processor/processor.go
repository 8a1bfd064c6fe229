// Package processor implements the tick processor (C9): it dispatches
// every validated tick by instrument segment, maintains the in-memory
// underlying last-price table, enriches options with Greeks (C8), and
// forwards both onto the publish batcher (C10).
package processor

import (
	"sync"
	"time"

	"github.com/aristath/streamgate/internal/clock"
	"github.com/aristath/streamgate/internal/domain"
	"github.com/aristath/streamgate/internal/greeks"
	"github.com/aristath/streamgate/internal/metrics"
	"github.com/rs/zerolog"
)

// UnderlyingSink receives processed underlying bars. Must not block.
type UnderlyingSink func(domain.UnderlyingBar) bool

// OptionSink receives Greeks-enriched option snapshots. Must not block.
type OptionSink func(domain.OptionSnapshot) bool

// GreeksParams supplies the market-wide inputs the Greeks engine needs
// beyond what a single tick/instrument carries.
type GreeksParams struct {
	RiskFreeRate    float64
	DividendYield   float64
	IVMaxIterations int
	IVTolerance     float64
}

// Processor dispatches ticks by segment and enriches options.
type Processor struct {
	calendar *clock.Calendar
	clk      clock.Clock
	params   GreeksParams
	metrics  *metrics.Registry
	log      zerolog.Logger

	underlyingSink UnderlyingSink
	optionSink     OptionSink

	mu             sync.RWMutex
	lastUnderlying map[string]domain.UnderlyingBar // keyed by trading symbol
}

// New creates a Processor. underlyingSink and optionSink are called
// synchronously on the tick's own goroutine and must never block — they
// are expected to be a batcher's non-blocking add().
func New(calendar *clock.Calendar, clk clock.Clock, params GreeksParams, reg *metrics.Registry, log zerolog.Logger, underlyingSink UnderlyingSink, optionSink OptionSink) *Processor {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Processor{
		calendar:       calendar,
		clk:            clk,
		params:         params,
		metrics:        reg,
		log:            log.With().Str("component", "tick_processor").Logger(),
		underlyingSink: underlyingSink,
		optionSink:     optionSink,
		lastUnderlying: make(map[string]domain.UnderlyingBar),
	}
}

// Process dispatches one validated tick against its instrument
// descriptor. It is the single entry point downstream of the validator.
func (p *Processor) Process(tick domain.Tick, inst domain.Instrument) {
	start := p.clk.Now()
	path := "underlying"
	if inst.IsOption() {
		path = "option"
	}

	var err error
	if inst.IsOption() {
		err = p.processOption(tick, inst)
	} else {
		err = p.processUnderlying(tick, inst)
	}

	if p.metrics != nil {
		p.metrics.TicksProcessedTotal.WithLabelValues(path).Inc()
		p.metrics.ProcessingLatencySeconds.WithLabelValues(path).Observe(p.clk.Now().Sub(start).Seconds())
		if err != nil {
			p.metrics.ProcessingErrorsTotal.WithLabelValues(path).Inc()
		}
	}
	if err != nil {
		p.log.Warn().Err(err).Uint64("token", tick.Token).Str("path", path).Msg("tick processing error")
	}
}

func (p *Processor) processUnderlying(tick domain.Tick, inst domain.Instrument) error {
	bar := domain.UnderlyingBar{
		Token:     tick.Token,
		Symbol:    inst.TradingSymbol,
		LastPrice: tick.LastPrice,
		Timestamp: tick.Timestamp,
	}
	if tick.Volume != nil {
		bar.Volume = *tick.Volume
	}

	p.mu.Lock()
	p.lastUnderlying[inst.TradingSymbol] = bar
	p.mu.Unlock()

	if p.underlyingSink != nil && !p.underlyingSink(bar) {
		if p.metrics != nil {
			p.metrics.DroppedTotal.WithLabelValues("underlying_sink_full").Inc()
		}
	}
	return nil
}

func (p *Processor) processOption(tick domain.Tick, inst domain.Instrument) error {
	snap := domain.OptionSnapshot{
		Token:     tick.Token,
		Symbol:    inst.TradingSymbol,
		LastPrice: tick.LastPrice,
		Timestamp: tick.Timestamp,
	}
	if tick.Volume != nil {
		snap.Volume = *tick.Volume
	}
	if tick.OI != nil {
		snap.OI = *tick.OI
	}

	underlyingSymbol := inst.UnderlyingSymbol
	if underlyingSymbol == "" {
		underlyingSymbol = underlyingSymbolFor(inst.TradingSymbol)
	}
	p.mu.RLock()
	bar, ok := p.lastUnderlying[underlyingSymbol]
	p.mu.RUnlock()

	if !ok || inst.Expiry == nil {
		snap.GreeksComputed = false
		if p.metrics != nil {
			p.metrics.ProcessingErrorsTotal.WithLabelValues("no_underlying").Inc()
		}
	} else {
		snap.UnderlyingPrice = bar.LastPrice
		optType := greeks.Call
		if inst.OptionType == domain.OptionTypePut {
			optType = greeks.Put
		}
		t := timeToExpiry(p.calendar, p.clk.Now(), *inst.Expiry)

		iv := greeks.ImpliedVolatility(greeks.Inputs{
			Type:            optType,
			UnderlyingPrice: bar.LastPrice,
			Strike:          inst.Strike,
			RiskFreeRate:    p.params.RiskFreeRate,
			TimeToExpiry:    t,
			DividendYield:   p.params.DividendYield,
		}, midPrice(tick), p.params.IVMaxIterations, p.params.IVTolerance)

		g := greeks.Compute(greeks.Inputs{
			Type:            optType,
			UnderlyingPrice: bar.LastPrice,
			Strike:          inst.Strike,
			RiskFreeRate:    p.params.RiskFreeRate,
			Volatility:      iv.Volatility,
			TimeToExpiry:    t,
			DividendYield:   p.params.DividendYield,
		})

		snap.IV = iv.Volatility
		snap.Delta = g.Delta
		snap.Gamma = g.Gamma
		snap.Theta = g.Theta
		snap.Vega = g.Vega
		snap.Rho = g.Rho
		snap.GreeksComputed = g.Condition == greeks.ConditionOK
	}

	if p.optionSink != nil && !p.optionSink(snap) {
		if p.metrics != nil {
			p.metrics.DroppedTotal.WithLabelValues("option_sink_full").Inc()
		}
	}
	return nil
}

// LastUnderlyingPrice returns the most recently processed price for a
// trading symbol, if any has been seen.
func (p *Processor) LastUnderlyingPrice(symbol string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	bar, ok := p.lastUnderlying[symbol]
	return bar.LastPrice, ok
}

// midPrice approximates a mid quote from the tick when no bid/ask depth
// is available, falling back to last traded price.
func midPrice(tick domain.Tick) float64 {
	if tick.Depth != nil && len(tick.Depth.Bids) > 0 && len(tick.Depth.Asks) > 0 {
		return (tick.Depth.Bids[0].Price + tick.Depth.Asks[0].Price) / 2
	}
	return tick.LastPrice
}

// timeToExpiry returns time to the instrument's session-close-on-expiry
// in years, or a non-positive value once that close has passed.
func timeToExpiry(cal *clock.Calendar, now, expiry time.Time) float64 {
	if cal == nil {
		return 0
	}
	close := cal.SessionClose(expiry)
	seconds := close.Sub(now).Seconds()
	const secondsPerYear = 365.25 * 24 * 3600
	return seconds / secondsPerYear
}

// underlyingSymbolFor derives the index symbol an option is written
// against from its trading symbol, e.g. "NIFTY24JUL22000CE" -> "NIFTY".
// The processor uses it only when the instrument's UnderlyingSymbol is
// empty; it strips the trailing digits/strike/option-type suffix the
// broker's naming convention always appends.
func underlyingSymbolFor(optionSymbol string) string {
	i := 0
	for i < len(optionSymbol) && !isDigit(optionSymbol[i]) {
		i++
	}
	return optionSymbol[:i]
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
