package tuner

import (
	"fmt"
	"math"
)

// RiskClass buckets a recommendation by the size of the proposed change
type RiskClass string

const (
	RiskLow    RiskClass = "LOW"    // <= 10% change
	RiskMedium RiskClass = "MEDIUM" // <= 20% change
	RiskHigh   RiskClass = "HIGH"   // > 20% change
)

// maxChangeFraction caps any single recommendation at +/-30% of the
// current value regardless of what the optimizer proposes.
const maxChangeFraction = 0.30

// Recommendation is one proposed parameter change awaiting approval
type Recommendation struct {
	Parameter        string    `json:"parameter"`
	CurrentValue     float64   `json:"current_value"`
	RecommendedValue float64   `json:"recommended_value"`
	ChangePercent    float64   `json:"change_percent"`
	Risk             RiskClass `json:"risk"`
	Rationale        string    `json:"rationale"`
	Status           string    `json:"status"` // pending, applied, dismissed
}

// ParameterOptimizer proposes a change for one parameter, or nil when
// the current value should stand.
type ParameterOptimizer interface {
	Parameter() string
	Optimize(f FeatureVector, current float64) *Recommendation
}

func classifyRisk(changeFraction float64) RiskClass {
	abs := math.Abs(changeFraction)
	switch {
	case abs <= 0.10:
		return RiskLow
	case abs <= 0.20:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// buildRecommendation clips the proposed fractional change to the cap
// and fills the derived fields.
func buildRecommendation(param string, current, changeFraction float64, rationale string) *Recommendation {
	if changeFraction > maxChangeFraction {
		changeFraction = maxChangeFraction
	} else if changeFraction < -maxChangeFraction {
		changeFraction = -maxChangeFraction
	}
	return &Recommendation{
		Parameter:        param,
		CurrentValue:     current,
		RecommendedValue: current * (1 + changeFraction),
		ChangePercent:    changeFraction * 100,
		Risk:             classifyRisk(changeFraction),
		Rationale:        rationale,
		Status:           "pending",
	}
}

// ============================================================
// LEVERAGE
// ============================================================

// LeverageOptimizer scales leverage with the edge the trailing win rate
// shows over break-even, damped by market volatility.
type LeverageOptimizer struct{}

func (LeverageOptimizer) Parameter() string { return "leverage" }

func (LeverageOptimizer) Optimize(f FeatureVector, current float64) *Recommendation {
	if current <= 0 {
		return nil
	}

	edge := f.TrailingWinRate - 0.50
	if math.Abs(edge) < 0.03 {
		// no meaningful edge either way
		return nil
	}

	change := edge
	switch {
	case f.LowVolatility():
		// full adjustment in calm markets
	case f.AvgVolatility < 0.04:
		change *= 0.5
	default:
		// turbulent market: only ever reduce
		if change > 0 {
			change = 0
		}
	}
	if f.MaxDrawdown > 15 && change > 0 {
		change = 0
	}
	if change == 0 {
		return nil
	}

	rationale := fmt.Sprintf("trailing win rate %.0f%% over %d trades with avg volatility %.3f",
		f.TrailingWinRate*100, f.TradeCount, f.AvgVolatility)
	return buildRecommendation("leverage", current, change, rationale)
}

// ============================================================
// RISK/REWARD TARGET
// ============================================================

// RiskRewardOptimizer nudges the target risk/reward toward what trades
// are actually realizing.
type RiskRewardOptimizer struct{}

func (RiskRewardOptimizer) Parameter() string { return "risk_reward" }

func (RiskRewardOptimizer) Optimize(f FeatureVector, current float64) *Recommendation {
	if current <= 0 || f.RealizedRiskReward <= 0 {
		return nil
	}

	gap := (f.RealizedRiskReward - current) / current
	if math.Abs(gap) < 0.10 {
		return nil
	}

	// move a third of the way toward the realized ratio
	change := gap / 3

	rationale := fmt.Sprintf("realized risk/reward %.2f vs target %.2f", f.RealizedRiskReward, current)
	return buildRecommendation("risk_reward", current, change, rationale)
}

// ============================================================
// CONFIDENCE THRESHOLD
// ============================================================

// ConfidenceThresholdOptimizer scans the candidate thresholds and picks
// the one maximizing avgPnL + win rate + log(trade count). The log term
// keeps a high threshold from winning on a handful of cherry-picked
// trades.
type ConfidenceThresholdOptimizer struct{}

func (ConfidenceThresholdOptimizer) Parameter() string { return "confidence_threshold" }

func scoreBucket(b ConfidenceBucket) float64 {
	return b.AvgPnL + 2.0*b.WinRate + 0.3*math.Log(1+float64(b.TradeCount))
}

func (ConfidenceThresholdOptimizer) Optimize(f FeatureVector, current float64) *Recommendation {
	if current <= 0 || len(f.ConfidenceBuckets) == 0 {
		return nil
	}

	bestIdx := -1
	bestScore := math.Inf(-1)
	for i, b := range f.ConfidenceBuckets {
		if b.TradeCount == 0 {
			continue
		}
		// strict > keeps the lowest threshold on ties
		if s := scoreBucket(b); s > bestScore {
			bestScore = s
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return nil
	}

	best := f.ConfidenceBuckets[bestIdx]
	change := (best.Threshold - current) / current
	if math.Abs(change) < 0.05 {
		// current threshold already near-optimal in the scanned set
		return nil
	}

	rationale := fmt.Sprintf("threshold %.2f scored best over %d trades (win rate %.0f%%, avg pnl %.2f%%)",
		best.Threshold, best.TradeCount, best.WinRate*100, best.AvgPnL)
	return buildRecommendation("confidence_threshold", current, change, rationale)
}

// DefaultOptimizers returns the built-in optimizer set in a stable order
func DefaultOptimizers() []ParameterOptimizer {
	return []ParameterOptimizer{
		LeverageOptimizer{},
		RiskRewardOptimizer{},
		ConfidenceThresholdOptimizer{},
	}
}
