package model

import "time"

// Side is the aggressor side of a trade, when the feed reports it.
type Side int8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Tick represents a single trade received from an exchange feed.
// A tick is immutable once stored in the buffer.
type Tick struct {
	Symbol       string    `db:"symbol"`
	ExchangeTime time.Time `db:"exchange_time"`
	ReceiptTime  time.Time `db:"receipt_time"`
	Price        float64   `db:"price"`
	Quantity     float64   `db:"quantity"`
	Side         Side      `db:"side"`
	TradeID      int64     `db:"trade_id"`
	// Seq is the receipt order assigned by the buffer; it breaks ties between
	// ticks sharing an exchange timestamp.
	Seq uint64 `db:"-"`
}

// Bar is an OHLCV aggregate over [Start, Start+Interval).
type Bar struct {
	Symbol    string        `json:"symbol" db:"symbol"`
	Interval  time.Duration `json:"interval" db:"interval"`
	Start     time.Time     `json:"start" db:"bar_start"`
	Open      float64       `json:"open" db:"open"`
	High      float64       `json:"high" db:"high"`
	Low       float64       `json:"low" db:"low"`
	Close     float64       `json:"close" db:"close"`
	Volume    float64       `json:"volume" db:"volume"`
	TickCount int           `json:"tick_count" db:"tick_count"`
	// Complete is false for the bar whose window has not elapsed yet.
	Complete bool `json:"complete" db:"-"`
}

// End returns the exclusive end of the bar window.
func (b Bar) End() time.Time {
	return b.Start.Add(b.Interval)
}

// AlignedPoint pairs the closes of both legs for one bar start.
type AlignedPoint struct {
	Time   time.Time `json:"time"`
	CloseY float64   `json:"close_y"`
	CloseX float64   `json:"close_x"`
	// Filled marks a point where one side was forward-filled.
	Filled bool `json:"filled,omitempty"`
}

// SeriesPoint is one element of a rolling output series. Valid is false when
// the statistic was undefined for that bar.
type SeriesPoint struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
	Valid bool      `json:"valid"`
}

// SnapshotFlag records data-quality conditions of a snapshot.
type SnapshotFlag uint8

const (
	InsufficientData SnapshotFlag = 1 << iota
	DegenerateRegression
	ZScoreUndefined
	CorrelationUndefined
	StationarityUndefined
)

// Has reports whether every bit of f is set in s.
func (s SnapshotFlag) Has(f SnapshotFlag) bool {
	return s&f == f
}

// Snapshot is the published result of one analytics update. A snapshot is
// never modified after publication.
type Snapshot struct {
	Pair              string        `json:"pair"`
	BarTime           time.Time     `json:"bar_time"`
	ComputedAt        time.Time     `json:"computed_at"`
	Window            int           `json:"window"`
	Points            int           `json:"points"`
	HedgeRatio        *float64      `json:"hedge_ratio,omitempty"`
	Intercept         *float64      `json:"intercept,omitempty"`
	Spread            *float64      `json:"spread,omitempty"`
	ZScore            *float64      `json:"zscore,omitempty"`
	ADFPValue         *float64      `json:"adf_pvalue,omitempty"`
	Correlation       *float64      `json:"correlation,omitempty"`
	SpreadSeries      []SeriesPoint `json:"spread_series"`
	ZScoreSeries      []SeriesPoint `json:"zscore_series"`
	CorrelationSeries []SeriesPoint `json:"correlation_series"`
	Flags             SnapshotFlag  `json:"flags"`
	// Provisional snapshots include the still-open bar and are never fed to alerts.
	Provisional bool `json:"provisional"`
}

// Direction selects which side of zero an alert rule watches.
type Direction string

const (
	DirectionBoth  Direction = "both"
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// AlertRule is an absolute z-score threshold.
type AlertRule struct {
	ID        string    `mapstructure:"id" json:"id"`
	Threshold float64   `mapstructure:"threshold" json:"threshold"`
	Direction Direction `mapstructure:"direction" json:"direction"`
}

// AlertState is the lifecycle position of a rule.
type AlertState string

const (
	AlertArmed    AlertState = "ARMED"
	AlertFired    AlertState = "FIRED"
	AlertResolved AlertState = "RESOLVED"
)

// AlertEvent is emitted on every FIRED or RESOLVED transition.
type AlertEvent struct {
	ID          string     `json:"id"`
	RuleID      string     `json:"rule_id"`
	Pair        string     `json:"pair"`
	State       AlertState `json:"state"`
	ZValue      float64    `json:"z_value"`
	Threshold   float64    `json:"threshold"`
	BarTime     time.Time  `json:"bar_time"`
	TriggeredAt time.Time  `json:"triggered_at"`
}
