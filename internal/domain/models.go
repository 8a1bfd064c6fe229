// Package domain holds the core wire and storage types shared across the
// streaming pipeline, subscription store, and order executor.
package domain

import "time"

// Segment classifies an instrument.
type Segment string

const (
	SegmentUnderlyingIndex Segment = "underlying-index"
	SegmentEquityOption    Segment = "equity-option"
	SegmentFuture          Segment = "future"
	SegmentEquity          Segment = "equity"
)

// OptionType distinguishes calls from puts for option-segment instruments.
type OptionType string

const (
	OptionTypeCall OptionType = "CE"
	OptionTypePut  OptionType = "PE"
)

// Instrument is an immutable-within-a-trading-day descriptor keyed by the
// broker's numeric token.
type Instrument struct {
	Token            uint64     `json:"token"`
	TradingSymbol    string     `json:"tradingsymbol"`
	Segment          Segment    `json:"segment"`
	UnderlyingSymbol string     `json:"underlying_symbol,omitempty"`
	OptionType       OptionType `json:"option_type,omitempty"`
	Strike           float64    `json:"strike,omitempty"`
	Expiry           *time.Time `json:"expiry,omitempty"`
	LotSize          uint32     `json:"lot_size"`
	TickSize         float64    `json:"tick_size"`
	Exchange         string     `json:"exchange"`
}

// IsOption reports whether the instrument is an options contract.
func (i Instrument) IsOption() bool { return i.Segment == SegmentEquityOption }

// Mode is the tick depth requested for a subscription.
type Mode string

const (
	ModeLTP   Mode = "LTP"
	ModeQuote Mode = "QUOTE"
	ModeFull  Mode = "FULL"
)

// SubscriptionStatus is the lifecycle state of a subscription record.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
)

// Subscription is a durable record of interest in a token's ticks.
type Subscription struct {
	Token     uint64             `json:"token"`
	Mode      Mode               `json:"mode"`
	AccountID *string            `json:"account_id,omitempty"`
	Status    SubscriptionStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// AccountCredentials are the opaque broker credentials for one account.
type AccountCredentials struct {
	APIKey    string
	APISecret string
}

// Tick is an ephemeral market-data update. Never persisted by the core.
type Tick struct {
	Token     uint64    `json:"token"`
	LastPrice float64   `json:"last_price"`
	Volume    *uint64   `json:"volume,omitempty"`
	OI        *uint64   `json:"oi,omitempty"`
	Depth     *Depth    `json:"depth,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Depth is an optional order-book snapshot carried on FULL-mode ticks.
type Depth struct {
	Bids []DepthLevel `json:"bids,omitempty"`
	Asks []DepthLevel `json:"asks,omitempty"`
}

// DepthLevel is one price/quantity level of market depth.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity uint64  `json:"quantity"`
	Orders   uint32  `json:"orders"`
}

// UnderlyingBar is the message published on the underlying bus channel.
type UnderlyingBar struct {
	Token     uint64    `json:"token"`
	Symbol    string    `json:"symbol"`
	LastPrice float64   `json:"last_price"`
	Volume    uint64    `json:"volume,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OptionSnapshot is a tick enriched with Greeks, published on the options
// bus channel.
type OptionSnapshot struct {
	Token            uint64    `json:"token"`
	Symbol           string    `json:"symbol"`
	LastPrice        float64   `json:"last_price"`
	Volume           uint64    `json:"volume,omitempty"`
	OI               uint64    `json:"oi,omitempty"`
	UnderlyingPrice  float64   `json:"underlying_price"`
	IV               float64   `json:"iv"`
	Delta            float64   `json:"delta"`
	Gamma            float64   `json:"gamma"`
	Theta            float64   `json:"theta"`
	Vega             float64   `json:"vega"`
	Rho              float64   `json:"rho"`
	GreeksComputed   bool      `json:"greeks_computed"`
	Timestamp        time.Time `json:"timestamp"`
	// Fingerprint is not set or read by the pipeline; batches are not
	// deduplicated.
	Fingerprint string `json:"-"`
}

// SubscriptionEventType enumerates subscription lifecycle events.
type SubscriptionEventType string

const (
	EventSubscriptionCreated SubscriptionEventType = "subscription_created"
	EventSubscriptionRemoved SubscriptionEventType = "subscription_removed"
)

// SubscriptionEvent is published on the events bus channel.
type SubscriptionEvent struct {
	EventType        SubscriptionEventType  `json:"event_type"`
	InstrumentToken  uint64                 `json:"instrument_token"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	Timestamp        time.Time              `json:"timestamp"`
}

// OrderOperation is the kind of broker action an order task performs.
type OrderOperation string

const (
	OpPlace  OrderOperation = "place"
	OpModify OrderOperation = "modify"
	OpCancel OrderOperation = "cancel"
)

// TaskStatus is a state in the order executor's state machine.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskRunning    TaskStatus = "RUNNING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskRetrying   TaskStatus = "RETRYING"
	TaskDeadLetter TaskStatus = "DEAD_LETTER"
)

// Terminal reports whether status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskDeadLetter
}

// OrderParams is the opaque, operation-specific payload for an order task.
type OrderParams struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"` // BUY or SELL
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price,omitempty"`
	OrderRef string  `json:"order_ref,omitempty"` // for modify/cancel
}

// OrderResult is the broker's response once a task completes successfully.
type OrderResult struct {
	BrokerOrderID string  `json:"broker_order_id"`
	FilledPrice   float64 `json:"filled_price,omitempty"`
	Status        string  `json:"status"`
}

// OrderTask is a durable, idempotent unit of work executed against a
// single broker account.
type OrderTask struct {
	TaskID         string         `json:"task_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Operation      OrderOperation `json:"operation"`
	Params         OrderParams    `json:"params"`
	AccountID      string         `json:"account_id"`
	Status         TaskStatus     `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	LastError      *string        `json:"last_error,omitempty"`
	Result         *OrderResult   `json:"result,omitempty"`
	NextAttemptAt  time.Time      `json:"next_attempt_at"`
	RowVersion     int64          `json:"row_version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
