package validator

import (
	"testing"

	"github.com/aristath/streamgate/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func underlying(token uint64) domain.Instrument {
	return domain.Instrument{Token: token, Segment: domain.SegmentUnderlyingIndex}
}

func option(token uint64) domain.Instrument {
	return domain.Instrument{Token: token, Segment: domain.SegmentEquityOption}
}

func u64(v uint64) *uint64 { return &v }

func TestCheckAcceptsValidUnderlyingTick(t *testing.T) {
	v := New(ModeLenient, zerolog.Nop())
	ok, err := v.Check(domain.Tick{Token: 1, LastPrice: 100.5}, underlying(1))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckAcceptsZeroPriceOption(t *testing.T) {
	v := New(ModeLenient, zerolog.Nop())
	ok, err := v.Check(domain.Tick{Token: 2, LastPrice: 0}, option(2))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckRejectsZeroPriceUnderlying(t *testing.T) {
	v := New(ModeLenient, zerolog.Nop())
	ok, err := v.Check(domain.Tick{Token: 1, LastPrice: 0}, underlying(1))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), v.Dropped())
}

func TestCheckRejectsZeroToken(t *testing.T) {
	v := New(ModeLenient, zerolog.Nop())
	ok, err := v.Check(domain.Tick{Token: 0, LastPrice: 1}, underlying(0))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckRejectsOIAtOrAboveCeiling(t *testing.T) {
	v := New(ModeLenient, zerolog.Nop())
	ok, _ := v.Check(domain.Tick{Token: 2, LastPrice: 1, OI: u64(maxOI)}, option(2))
	assert.False(t, ok)
}

func TestCheckAcceptsOIJustBelowCeiling(t *testing.T) {
	v := New(ModeLenient, zerolog.Nop())
	ok, err := v.Check(domain.Tick{Token: 2, LastPrice: 1, OI: u64(maxOI - 1)}, option(2))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStrictModeReturnsValidationError(t *testing.T) {
	v := New(ModeStrict, zerolog.Nop())
	ok, err := v.Check(domain.Tick{Token: 1, LastPrice: 0}, underlying(1))
	assert.False(t, ok)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, uint64(1), verr.Token)
}

func TestLenientModeDefaultWhenUnset(t *testing.T) {
	v := New("", zerolog.Nop())
	assert.Equal(t, ModeLenient, v.Mode())
}
