// Package validator implements the tick validator (C7): schema and range
// checks applied to every tick before it reaches the processor.
package validator

import (
	"fmt"
	"sync/atomic"

	"github.com/aristath/streamgate/internal/domain"
	"github.com/rs/zerolog"
)

// Mode selects what happens to a malformed tick.
type Mode string

const (
	// ModeStrict fails the call with a ValidationError.
	ModeStrict Mode = "strict"
	// ModeLenient drops the tick and increments a counter. Default.
	ModeLenient Mode = "lenient"
)

const maxOI = 100_000_000 // 10^8

// ValidationError describes why a tick failed the schema/range check.
type ValidationError struct {
	Token  uint64
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validator: token %d invalid: %s", e.Token, e.Reason)
}

// Validator checks ticks against the gateway's schema.
type Validator struct {
	mode Mode
	log  zerolog.Logger

	dropped atomic.Int64
}

// New creates a Validator in the given mode (ModeLenient if mode is empty).
func New(mode Mode, log zerolog.Logger) *Validator {
	if mode == "" {
		mode = ModeLenient
	}
	return &Validator{
		mode: mode,
		log:  log.With().Str("component", "tick_validator").Logger(),
	}
}

// Check validates a tick against an instrument descriptor. In strict
// mode, a malformed tick returns a *ValidationError and ok=false. In
// lenient mode, the error is swallowed into the dropped counter and
// ok=false with a nil error.
func (v *Validator) Check(tick domain.Tick, inst domain.Instrument) (ok bool, err error) {
	reason := v.schemaViolation(tick, inst)
	if reason == "" {
		return true, nil
	}

	v.dropped.Add(1)
	if v.mode == ModeStrict {
		return false, &ValidationError{Token: tick.Token, Reason: reason}
	}

	v.log.Debug().Uint64("token", tick.Token).Str("reason", reason).Msg("dropped invalid tick")
	return false, nil
}

func (v *Validator) schemaViolation(tick domain.Tick, inst domain.Instrument) string {
	if tick.Token == 0 {
		return "token must be positive"
	}
	if inst.IsOption() {
		if tick.LastPrice < 0 {
			return "last_price must be >= 0 for options"
		}
	} else if tick.LastPrice <= 0 {
		return "last_price must be > 0 for underlyings"
	}
	if tick.OI != nil {
		if *tick.OI >= maxOI {
			return "oi out of range"
		}
	}
	return ""
}

// Dropped reports the cumulative number of ticks dropped since creation.
func (v *Validator) Dropped() int64 {
	return v.dropped.Load()
}

// Mode reports the validator's configured mode.
func (v *Validator) Mode() Mode {
	return v.mode
}
