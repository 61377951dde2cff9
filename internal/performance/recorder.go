// Package performance computes interval-scoped performance attribution and
// pattern/outlier scoring for closed regime instances.
package performance

import (
	"errors"
	"sort"
	"time"

	"regime-governor/internal/logging"
	"regime-governor/internal/regime"
)

// ErrIncompleteInterval marks a record from an interval with zero
// qualifying trades. Such records are kept for the history but are
// excluded from baselines, high-performer status and playbook generation.
var ErrIncompleteInterval = errors.New("interval performance record is incomplete")

// Trade is one completed trade from the queryable trade history. PnLPercent
// is the realized percentage return on the position.
type Trade struct {
	ID               string       `json:"id"`
	Symbol           string       `json:"symbol"`
	Direction        string       `json:"direction"` // LONG, SHORT
	StrategyID       string       `json:"strategy_id"`
	EntryTime        time.Time    `json:"entry_time"`
	ExitTime         time.Time    `json:"exit_time"`
	PnLPercent       float64      `json:"pnl_percent"`
	EntryRegime      regime.Label `json:"entry_regime"`
	EntryVolatility  float64      `json:"entry_volatility"`
	EntryConfidence  float64      `json:"entry_confidence"`
	TargetRiskReward float64      `json:"target_risk_reward"`
}

// Record holds the realized performance metrics of one closed instance,
// attached 1:1 to it. Computed once and immutable afterwards; corrections
// create a new version rather than mutating.
type Record struct {
	InstanceID   string    `json:"instance_id"`
	Version      int       `json:"version"`
	ROIPercent   float64   `json:"roi_percent"`      // sum of contained trades' % returns
	WinRate      float64   `json:"win_rate"`         // 0-1
	AvgProfitPct float64   `json:"avg_profit_pct"`   // ROI / trade count
	MaxDrawdown  float64   `json:"max_drawdown_pct"` // worst peak-to-trough of cumulative return, >= 0
	TradeCount   int       `json:"trade_count"`
	Incomplete   bool      `json:"incomplete"` // zero qualifying trades
	ComputedAt   time.Time `json:"computed_at"`
}

// Recorder computes performance records for closed regime instances
type Recorder struct {
	logger *logging.Logger
}

// NewRecorder creates a performance recorder
func NewRecorder(logger *logging.Logger) *Recorder {
	return &Recorder{logger: logger.WithComponent("recorder")}
}

// Compute builds the Record for a closed instance from the trades whose
// full lifecycle falls inside [start, end). An interval with zero
// qualifying trades still produces a record, flagged Incomplete, so that
// downstream scoring can exclude it from baselines and high-performer
// eligibility without losing the interval itself.
func (r *Recorder) Compute(inst regime.Instance, trades []Trade, now time.Time) Record {
	rec := Record{
		InstanceID: inst.ID,
		Version:    1,
		ComputedAt: now,
	}
	if inst.EndTime == nil {
		// Open instances cannot be attributed; callers should not reach here.
		rec.Incomplete = true
		return rec
	}

	contained := containedTrades(trades, inst.StartTime, *inst.EndTime)
	rec.TradeCount = len(contained)
	if len(contained) == 0 {
		rec.Incomplete = true
		r.logger.Info("interval closed with no qualifying trades",
			"instance_id", inst.ID, "label", string(inst.Label))
		return rec
	}

	wins := 0
	for _, t := range contained {
		rec.ROIPercent += t.PnLPercent
		if t.PnLPercent > 0 {
			wins++
		}
	}
	rec.WinRate = float64(wins) / float64(len(contained))
	rec.AvgProfitPct = rec.ROIPercent / float64(len(contained))
	rec.MaxDrawdown = maxDrawdown(contained)

	r.logger.Info("performance record computed",
		"instance_id", inst.ID, "label", string(inst.Label),
		"roi_pct", rec.ROIPercent, "win_rate", rec.WinRate, "trades", rec.TradeCount)
	return rec
}

// containedTrades selects trades with entry >= start and exit < end,
// ordered by exit time for drawdown computation.
func containedTrades(trades []Trade, start, end time.Time) []Trade {
	out := make([]Trade, 0, len(trades))
	for _, t := range trades {
		if !t.EntryTime.Before(start) && t.ExitTime.Before(end) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExitTime.Before(out[j].ExitTime) })
	return out
}

// maxDrawdown walks the cumulative return curve in exit order and returns
// the largest peak-to-trough decline as a positive percentage.
func maxDrawdown(trades []Trade) float64 {
	var cum, peak, worst float64
	for _, t := range trades {
		cum += t.PnLPercent
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > worst {
			worst = dd
		}
	}
	return worst
}
