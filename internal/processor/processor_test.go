package processor

import (
	"sync"
	"testing"
	"time"

	"github.com/aristath/streamgate/internal/clock"
	"github.com/aristath/streamgate/internal/domain"
	"github.com/aristath/streamgate/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCalendar(t *testing.T) *clock.Calendar {
	cal, err := clock.New("TEST", "UTC", "09:15", "15:30", nil)
	require.NoError(t, err)
	return cal
}

func u64p(v uint64) *uint64 { return &v }

func collectingSinks() (UnderlyingSink, OptionSink, *[]domain.UnderlyingBar, *[]domain.OptionSnapshot) {
	var mu sync.Mutex
	var bars []domain.UnderlyingBar
	var snaps []domain.OptionSnapshot
	u := func(b domain.UnderlyingBar) bool {
		mu.Lock()
		defer mu.Unlock()
		bars = append(bars, b)
		return true
	}
	o := func(s domain.OptionSnapshot) bool {
		mu.Lock()
		defer mu.Unlock()
		snaps = append(snaps, s)
		return true
	}
	return u, o, &bars, &snaps
}

func TestProcessUnderlyingUpdatesLastPriceAndForwards(t *testing.T) {
	u, o, bars, _ := collectingSinks()
	p := New(testCalendar(t), clock.Real{}, GreeksParams{RiskFreeRate: 0.06, IVMaxIterations: 50, IVTolerance: 1e-6},
		metrics.NewRegistry(), zerolog.Nop(), u, o)

	inst := domain.Instrument{Token: 1, TradingSymbol: "NIFTY", Segment: domain.SegmentUnderlyingIndex}
	p.Process(domain.Tick{Token: 1, LastPrice: 22000, Volume: u64p(10), Timestamp: time.Now()}, inst)

	require.Len(t, *bars, 1)
	assert.Equal(t, 22000.0, (*bars)[0].LastPrice)

	price, ok := p.LastUnderlyingPrice("NIFTY")
	require.True(t, ok)
	assert.Equal(t, 22000.0, price)
}

func TestProcessOptionWithoutUnderlyingSkipsGreeks(t *testing.T) {
	u, o, _, snaps := collectingSinks()
	p := New(testCalendar(t), clock.Real{}, GreeksParams{RiskFreeRate: 0.06, IVMaxIterations: 50, IVTolerance: 1e-6},
		metrics.NewRegistry(), zerolog.Nop(), u, o)

	expiry := time.Now().AddDate(0, 0, 30)
	inst := domain.Instrument{
		Token: 2, TradingSymbol: "NIFTY24JUL22000CE", UnderlyingSymbol: "NIFTY",
		OptionType: domain.OptionTypeCall, Strike: 22000, Expiry: &expiry, Segment: domain.SegmentEquityOption,
	}
	p.Process(domain.Tick{Token: 2, LastPrice: 150, Timestamp: time.Now()}, inst)

	require.Len(t, *snaps, 1)
	assert.False(t, (*snaps)[0].GreeksComputed)
}

func TestProcessOptionWithUnderlyingComputesGreeks(t *testing.T) {
	u, o, _, snaps := collectingSinks()
	p := New(testCalendar(t), clock.Real{}, GreeksParams{RiskFreeRate: 0.06, IVMaxIterations: 50, IVTolerance: 1e-6},
		metrics.NewRegistry(), zerolog.Nop(), u, o)

	underlying := domain.Instrument{Token: 1, TradingSymbol: "NIFTY", Segment: domain.SegmentUnderlyingIndex}
	p.Process(domain.Tick{Token: 1, LastPrice: 22000, Timestamp: time.Now()}, underlying)

	expiry := time.Now().AddDate(0, 0, 30)
	option := domain.Instrument{
		Token: 2, TradingSymbol: "NIFTY24JUL22000CE", UnderlyingSymbol: "NIFTY",
		OptionType: domain.OptionTypeCall, Strike: 22000, Expiry: &expiry, Segment: domain.SegmentEquityOption,
	}
	p.Process(domain.Tick{Token: 2, LastPrice: 150, Timestamp: time.Now()}, option)

	require.Len(t, *snaps, 1)
	snap := (*snaps)[0]
	assert.True(t, snap.GreeksComputed)
	assert.Equal(t, 22000.0, snap.UnderlyingPrice)
	assert.NotZero(t, snap.Delta)
}

func TestProcessOptionPastExpiryRecordsNoGreeks(t *testing.T) {
	u, o, _, snaps := collectingSinks()
	p := New(testCalendar(t), clock.Real{}, GreeksParams{RiskFreeRate: 0.06, IVMaxIterations: 50, IVTolerance: 1e-6},
		metrics.NewRegistry(), zerolog.Nop(), u, o)

	underlying := domain.Instrument{Token: 1, TradingSymbol: "NIFTY", Segment: domain.SegmentUnderlyingIndex}
	p.Process(domain.Tick{Token: 1, LastPrice: 22000, Timestamp: time.Now()}, underlying)

	past := time.Now().AddDate(0, 0, -1)
	option := domain.Instrument{
		Token: 2, TradingSymbol: "NIFTY24JUL22000CE", UnderlyingSymbol: "NIFTY",
		OptionType: domain.OptionTypeCall, Strike: 22000, Expiry: &past, Segment: domain.SegmentEquityOption,
	}
	p.Process(domain.Tick{Token: 2, LastPrice: 150, Timestamp: time.Now()}, option)

	require.Len(t, *snaps, 1)
	assert.False(t, (*snaps)[0].GreeksComputed)
}

func TestProcessDropsWhenSinkFullWithoutBlocking(t *testing.T) {
	full := func(domain.UnderlyingBar) bool { return false }
	p := New(testCalendar(t), clock.Real{}, GreeksParams{}, metrics.NewRegistry(), zerolog.Nop(), full, nil)

	inst := domain.Instrument{Token: 1, TradingSymbol: "NIFTY", Segment: domain.SegmentUnderlyingIndex}
	done := make(chan struct{})
	go func() {
		p.Process(domain.Tick{Token: 1, LastPrice: 100, Timestamp: time.Now()}, inst)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Process blocked despite a sink reporting full")
	}
}

func TestUnderlyingSymbolForStripsStrikeSuffix(t *testing.T) {
	assert.Equal(t, "NIFTY", underlyingSymbolFor("NIFTY24JUL22000CE"))
	assert.Equal(t, "BANKNIFTY", underlyingSymbolFor("BANKNIFTY24AUG48000PE"))
}
