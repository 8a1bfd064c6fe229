// Package greeks computes Black-Scholes-Merton option sensitivities (C8)
// on every validated option tick, plus implied volatility via a bounded
// Newton iteration. Pure functions, no caching: every call recomputes
// from its inputs.
package greeks

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// OptionType distinguishes calls from puts.
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

var standardNormal = distuv.Normal{Mu: 0, Sigma: 1}

// Condition records why a computation fell back to its zero value.
type Condition string

const (
	// ConditionOK marks a normal, converged computation.
	ConditionOK Condition = "ok"
	// ConditionNoUnderlying marks a missing/zero underlying reference price.
	// Compute also returns it for a non-positive volatility or strike.
	ConditionNoUnderlying Condition = "no_underlying_price"
	// ConditionExpired marks T <= 0 (at or past session close on expiry).
	ConditionExpired Condition = "expired"
	// ConditionIVNonConvergent marks a Newton iteration that did not
	// converge within the configured iteration/tolerance budget.
	ConditionIVNonConvergent Condition = "iv_non_convergent"
)

// Inputs are the Black-Scholes-Merton parameters for one option.
type Inputs struct {
	Type             OptionType
	UnderlyingPrice  float64 // S
	Strike           float64 // K
	RiskFreeRate     float64 // r
	Volatility       float64 // sigma
	TimeToExpiry     float64 // T, in years
	DividendYield    float64 // q
}

// Greeks are the five sensitivities the gateway publishes alongside every
// option snapshot.
type Greeks struct {
	Delta     float64
	Gamma     float64
	Theta     float64
	Vega      float64
	Rho       float64
	Condition Condition
}

// Compute returns the option's Greeks, or zero-Greeks with a recorded
// condition when the underlying price is unavailable or the option has
// no time left to expiry.
func Compute(in Inputs) Greeks {
	if in.UnderlyingPrice <= 0 {
		return Greeks{Condition: ConditionNoUnderlying}
	}
	if in.TimeToExpiry <= 0 {
		return Greeks{Condition: ConditionExpired}
	}
	if in.Volatility <= 0 || in.Strike <= 0 {
		return Greeks{Condition: ConditionNoUnderlying}
	}

	s, k, r, sigma, t, q := in.UnderlyingPrice, in.Strike, in.RiskFreeRate, in.Volatility, in.TimeToExpiry, in.DividendYield

	sqrtT := math.Sqrt(t)
	d1 := (math.Log(s/k) + (r-q+0.5*sigma*sigma)*t) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT

	nd1 := standardNormal.CDF(d1)
	nd2 := standardNormal.CDF(d2)
	pdfD1 := standardNormal.Prob(d1)

	discQ := math.Exp(-q * t)
	discR := math.Exp(-r * t)

	gamma := discQ * pdfD1 / (s * sigma * sqrtT)
	vega := s * discQ * pdfD1 * sqrtT / 100 // per 1% vol move

	var delta, theta, rho float64
	switch in.Type {
	case Put:
		delta = discQ * (nd1 - 1)
		theta = (-s*discQ*pdfD1*sigma/(2*sqrtT) + r*k*discR*(1-nd2) - q*s*discQ*(1-nd1)) / 365
		rho = -k * t * discR * (1 - nd2) / 100
	default: // Call
		delta = discQ * nd1
		theta = (-s*discQ*pdfD1*sigma/(2*sqrtT) - r*k*discR*nd2 + q*s*discQ*nd1) / 365
		rho = k * t * discR * nd2 / 100
	}

	return Greeks{Delta: delta, Gamma: gamma, Theta: theta, Vega: vega, Rho: rho, Condition: ConditionOK}
}

// Price is the Black-Scholes-Merton theoretical price, used by
// ImpliedVolatility's Newton iteration.
func Price(in Inputs) float64 {
	if in.UnderlyingPrice <= 0 || in.TimeToExpiry <= 0 || in.Volatility <= 0 || in.Strike <= 0 {
		return 0
	}
	s, k, r, sigma, t, q := in.UnderlyingPrice, in.Strike, in.RiskFreeRate, in.Volatility, in.TimeToExpiry, in.DividendYield
	sqrtT := math.Sqrt(t)
	d1 := (math.Log(s/k) + (r-q+0.5*sigma*sigma)*t) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT

	discQ := math.Exp(-q * t)
	discR := math.Exp(-r * t)

	if in.Type == Put {
		return k*discR*standardNormal.CDF(-d2) - s*discQ*standardNormal.CDF(-d1)
	}
	return s*discQ*standardNormal.CDF(d1) - k*discR*standardNormal.CDF(d2)
}

// IVResult is the outcome of an implied-volatility search.
type IVResult struct {
	Volatility float64
	Condition  Condition
	Iterations int
}

// ImpliedVolatility derives sigma from an observed mid-price via a
// bounded Newton iteration (vega as the derivative). Non-convergence
// within maxIterations or tolerance yields sigma=0 and
// ConditionIVNonConvergent.
func ImpliedVolatility(in Inputs, midPrice float64, maxIterations int, tolerance float64) IVResult {
	if in.UnderlyingPrice <= 0 {
		return IVResult{Condition: ConditionNoUnderlying}
	}
	if in.TimeToExpiry <= 0 {
		return IVResult{Condition: ConditionExpired}
	}
	if maxIterations <= 0 {
		maxIterations = 50
	}
	if tolerance <= 0 {
		tolerance = 1e-6
	}

	sigma := 0.3 // conventional starting guess
	for i := 1; i <= maxIterations; i++ {
		trial := in
		trial.Volatility = sigma
		price := Price(trial)
		diff := price - midPrice
		if math.Abs(diff) < tolerance {
			return IVResult{Volatility: sigma, Condition: ConditionOK, Iterations: i}
		}

		g := Compute(trial)
		vegaPerUnit := g.Vega * 100 // undo the per-1% scaling for the Newton step
		if vegaPerUnit < 1e-8 {
			break
		}
		sigma -= diff / vegaPerUnit
		if sigma <= 0 {
			sigma = 1e-4
		}
	}

	return IVResult{Condition: ConditionIVNonConvergent, Iterations: maxIterations}
}
