package greeks

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseline() Inputs {
	return Inputs{
		Type:            Call,
		UnderlyingPrice: 100,
		Strike:          100,
		RiskFreeRate:    0.05,
		Volatility:      0.2,
		TimeToExpiry:    1.0,
		DividendYield:   0,
	}
}

func TestComputeCallDeltaAtTheMoney(t *testing.T) {
	g := Compute(baseline())
	require.Equal(t, ConditionOK, g.Condition)
	assert.InDelta(t, 0.6368, g.Delta, 0.001)
}

func TestComputePutDeltaIsCallDeltaMinusOne(t *testing.T) {
	call := Compute(baseline())
	in := baseline()
	in.Type = Put
	put := Compute(in)

	assert.InDelta(t, call.Delta-1, put.Delta, 1e-9)
}

func TestComputeCallThetaMatchesKnownBlackScholesValue(t *testing.T) {
	g := Compute(baseline())
	// Textbook at-the-money call, S=K=100, r=5%, sigma=20%, T=1y: theta is
	// negative (time decay), roughly -0.0176 per calendar day.
	assert.InDelta(t, -0.0176, g.Theta, 0.0005)
}

func TestComputePutThetaMatchesKnownBlackScholesValue(t *testing.T) {
	in := baseline()
	in.Type = Put
	g := Compute(in)
	// Same inputs, put side: roughly -0.00454 per calendar day.
	assert.InDelta(t, -0.00454, g.Theta, 0.0005)
}

func TestComputeGammaAndVegaAreIdenticalForCallsAndPuts(t *testing.T) {
	call := Compute(baseline())
	in := baseline()
	in.Type = Put
	put := Compute(in)

	assert.InDelta(t, call.Gamma, put.Gamma, 1e-9)
	assert.InDelta(t, call.Vega, put.Vega, 1e-9)
}

func TestComputeReturnsConditionWhenUnderlyingMissing(t *testing.T) {
	in := baseline()
	in.UnderlyingPrice = 0
	g := Compute(in)
	assert.Equal(t, ConditionNoUnderlying, g.Condition)
	assert.Zero(t, g.Delta)
}

func TestComputeReturnsConditionWhenExpired(t *testing.T) {
	in := baseline()
	in.TimeToExpiry = 0
	g := Compute(in)
	assert.Equal(t, ConditionExpired, g.Condition)

	in.TimeToExpiry = -1
	g = Compute(in)
	assert.Equal(t, ConditionExpired, g.Condition)
}

func TestPriceMatchesKnownBlackScholesValue(t *testing.T) {
	price := Price(baseline())
	// Textbook at-the-money call, S=K=100, r=5%, sigma=20%, T=1y.
	assert.InDelta(t, 10.4506, price, 0.01)
}

func TestPriceIsZeroOutsideValidDomain(t *testing.T) {
	in := baseline()
	in.TimeToExpiry = 0
	assert.Equal(t, 0.0, Price(in))
}

func TestImpliedVolatilityRecoversKnownVolatility(t *testing.T) {
	in := baseline()
	mid := Price(in)

	result := ImpliedVolatility(in, mid, 100, 1e-8)
	require.Equal(t, ConditionOK, result.Condition)
	assert.InDelta(t, 0.2, result.Volatility, 1e-4)
}

func TestImpliedVolatilityNonConvergentYieldsZeroSigma(t *testing.T) {
	in := baseline()
	// An unreachable mid-price (above any sigma can produce) drives the
	// Newton step to an enormous sigma, where vega vanishes and the search
	// gives up.
	result := ImpliedVolatility(in, 1e9, 5, 1e-10)
	assert.Equal(t, ConditionIVNonConvergent, result.Condition)
	assert.Zero(t, result.Volatility)
}

func TestImpliedVolatilityReportsMissingUnderlying(t *testing.T) {
	in := baseline()
	in.UnderlyingPrice = 0
	result := ImpliedVolatility(in, 10, 50, 1e-6)
	assert.Equal(t, ConditionNoUnderlying, result.Condition)
}

func TestImpliedVolatilityReportsExpired(t *testing.T) {
	in := baseline()
	in.TimeToExpiry = 0
	result := ImpliedVolatility(in, 10, 50, 1e-6)
	assert.Equal(t, ConditionExpired, result.Condition)
}

func TestStandardNormalCDFSanity(t *testing.T) {
	assert.InDelta(t, 0.5, standardNormal.CDF(0), 1e-9)
	assert.True(t, math.Abs(standardNormal.CDF(10)-1) < 1e-9)
}
