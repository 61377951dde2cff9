package regime

import (
	"math"
	"time"
)

// Label identifies a market regime
type Label string

const (
	LabelStrongUptrend   Label = "STRONG_UPTREND"
	LabelWeakUptrend     Label = "WEAK_UPTREND"
	LabelStrongDowntrend Label = "STRONG_DOWNTREND"
	LabelWeakDowntrend   Label = "WEAK_DOWNTREND"
	LabelRanging         Label = "RANGING"
	LabelHighVolatility  Label = "HIGH_VOLATILITY"
	LabelUnknown         Label = "UNKNOWN"
)

// AllLabels lists every classifiable regime label (UNKNOWN excluded)
var AllLabels = []Label{
	LabelStrongUptrend,
	LabelWeakUptrend,
	LabelStrongDowntrend,
	LabelWeakDowntrend,
	LabelRanging,
	LabelHighVolatility,
}

// IndicatorBundle holds the per-tick indicator values supplied by the
// market snapshot feed. Missing indicators are represented as NaN.
type IndicatorBundle struct {
	ADX            float64 `json:"adx"`             // Trend strength (0-100)
	Volatility     float64 `json:"volatility"`      // Realized volatility (e.g. ATR ratio)
	RSI            float64 `json:"rsi"`             // 0-100
	TrendDirection float64 `json:"trend_direction"` // -1 (down) .. +1 (up)
	EMAAlignment   float64 `json:"ema_alignment"`   // -1 (bearish stack) .. +1 (bullish stack)
	BBWidth        float64 `json:"bb_width"`        // Bollinger band width as % of price
}

// Complete reports whether all required indicators are present.
// TrendDirection and EMAAlignment are required for trend labels; a bundle
// missing any field degrades classification to UNKNOWN.
func (b IndicatorBundle) Complete() bool {
	for _, v := range []float64{b.ADX, b.Volatility, b.RSI, b.TrendDirection, b.EMAAlignment, b.BBWidth} {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}

// Snapshot is one classification tick: the indicator bundle plus the label
// and confidence the classifier assigned to it. Immutable once created.
type Snapshot struct {
	Timestamp  time.Time       `json:"timestamp"`
	Indicators IndicatorBundle `json:"indicators"`
	Label      Label           `json:"label"`
	Confidence float64         `json:"confidence"` // 0-1
}

// MarketContext captures the market state at the moment an instance opened
type MarketContext struct {
	ADX            float64 `json:"adx"`
	Volatility     float64 `json:"volatility"`
	RSI            float64 `json:"rsi"`
	TrendDirection float64 `json:"trend_direction"`
	BBWidth        float64 `json:"bb_width"`
	Hour           int     `json:"hour"`
	IsWeekend      bool    `json:"is_weekend"`
}

// ContextFromSnapshot builds a MarketContext from a classification snapshot
func ContextFromSnapshot(s Snapshot) MarketContext {
	wd := s.Timestamp.UTC().Weekday()
	return MarketContext{
		ADX:            s.Indicators.ADX,
		Volatility:     s.Indicators.Volatility,
		RSI:            s.Indicators.RSI,
		TrendDirection: s.Indicators.TrendDirection,
		BBWidth:        s.Indicators.BBWidth,
		Hour:           s.Timestamp.UTC().Hour(),
		IsWeekend:      wd == time.Saturday || wd == time.Sunday,
	}
}

// Instance is one contiguous interval during which a single regime label
// was active. Exactly one instance is open at a time; closing an instance
// stamps EndTime and is irreversible.
type Instance struct {
	ID              string        `json:"id"`
	Label           Label         `json:"label"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         *time.Time    `json:"end_time,omitempty"` // nil while open
	StartConfidence float64       `json:"start_confidence"`
	Context         MarketContext `json:"market_context"`
	ProfileID       string        `json:"profile_id"` // parameter profile active at open
	ManualOverride  bool          `json:"manual_override"`
}

// Open reports whether the instance has not yet been closed
func (i *Instance) Open() bool {
	return i.EndTime == nil
}

// Duration returns the elapsed interval length, using now for open instances
func (i *Instance) Duration(now time.Time) time.Duration {
	if i.EndTime != nil {
		return i.EndTime.Sub(i.StartTime)
	}
	return now.Sub(i.StartTime)
}
