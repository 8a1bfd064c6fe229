package registry

import (
	"context"
	"time"

	"github.com/aristath/streamgate/internal/clients/tradernet"
	"github.com/aristath/streamgate/internal/domain"
)

// BrokerLoader adapts the broker REST client's bulk instrument dump into
// the Loader shape the Registry expects.
func BrokerLoader(client *tradernet.Client, creds tradernet.Credentials) Loader {
	return func(ctx context.Context) (map[uint64]domain.Instrument, error) {
		dtos, err := client.ListInstruments(ctx, creds)
		if err != nil {
			return nil, err
		}
		out := make(map[uint64]domain.Instrument, len(dtos))
		for _, d := range dtos {
			out[d.Token] = toDomainInstrument(d)
		}
		return out, nil
	}
}

func toDomainInstrument(d tradernet.InstrumentDTO) domain.Instrument {
	inst := domain.Instrument{
		Token:            d.Token,
		TradingSymbol:    d.TradingSymbol,
		Segment:          domain.Segment(d.Segment),
		UnderlyingSymbol: d.UnderlyingSymbol,
		OptionType:       domain.OptionType(d.OptionType),
		Strike:           d.Strike,
		LotSize:          d.LotSize,
		TickSize:         d.TickSize,
		Exchange:         d.Exchange,
	}
	if d.Expiry != nil {
		if t, err := time.Parse("2006-01-02", *d.Expiry); err == nil {
			inst.Expiry = &t
		}
	}
	return inst
}
