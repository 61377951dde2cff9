package tuner

import (
	"math"
	"time"

	"regime-governor/internal/performance"
	"regime-governor/internal/regime"
)

// FeatureVector summarizes recent trading history for the optimizers.
// All trailing statistics are computed over the trades passed to
// BuildFeatures, which the caller has already filtered to the lookback
// window.
type FeatureVector struct {
	// temporal
	HourOfDay int `json:"hour_of_day"`
	DayOfWeek int `json:"day_of_week"`

	// market
	DominantRegime regime.Label `json:"dominant_regime"`
	AvgVolatility  float64      `json:"avg_volatility"`

	// performance
	TradeCount      int     `json:"trade_count"`
	TrailingWinRate float64 `json:"trailing_win_rate"`
	AvgPnLPercent   float64 `json:"avg_pnl_percent"`
	PnLStdDev       float64 `json:"pnl_std_dev"`
	MaxDrawdown     float64 `json:"max_drawdown"`

	// risk
	AvgTargetRiskReward float64 `json:"avg_target_risk_reward"`
	RealizedRiskReward  float64 `json:"realized_risk_reward"`

	// per-candidate confidence threshold stats, empty when no trade in
	// the window recorded its entry confidence
	ConfidenceBuckets []ConfidenceBucket `json:"confidence_buckets,omitempty"`
}

// ConfidenceBucket summarizes the trades that would have survived one
// candidate entry-confidence threshold.
type ConfidenceBucket struct {
	Threshold  float64 `json:"threshold"`
	TradeCount int     `json:"trade_count"`
	WinRate    float64 `json:"win_rate"`
	AvgPnL     float64 `json:"avg_pnl"`
}

// confidenceCandidates is the discrete threshold set the tuner scans.
var confidenceCandidates = []float64{0.50, 0.55, 0.60, 0.65, 0.70, 0.75, 0.80, 0.85, 0.90}

// LowVolatility reports whether the trailing market context was calm
// enough to justify more aggressive parameters.
func (f FeatureVector) LowVolatility() bool {
	return f.AvgVolatility > 0 && f.AvgVolatility < 0.02
}

// BuildFeatures computes a feature vector from a trade history window
func BuildFeatures(trades []performance.Trade, now time.Time) FeatureVector {
	f := FeatureVector{
		HourOfDay: now.UTC().Hour(),
		DayOfWeek: int(now.UTC().Weekday()),
	}
	if len(trades) == 0 {
		return f
	}

	var (
		wins        int
		pnlSum      float64
		volSum      float64
		rrSum       float64
		winPnLSum   float64
		lossPnLSum  float64
		lossCount   int
		regimeCount = make(map[regime.Label]int)
	)

	cumulative := 0.0
	peak := 0.0
	maxDD := 0.0

	for _, t := range trades {
		if t.PnLPercent > 0 {
			wins++
			winPnLSum += t.PnLPercent
		} else {
			lossCount++
			lossPnLSum += t.PnLPercent
		}
		pnlSum += t.PnLPercent
		volSum += t.EntryVolatility
		rrSum += t.TargetRiskReward
		regimeCount[t.EntryRegime]++

		cumulative += t.PnLPercent
		if cumulative > peak {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > maxDD {
			maxDD = dd
		}
	}

	n := float64(len(trades))
	f.TradeCount = len(trades)
	f.TrailingWinRate = float64(wins) / n
	f.AvgPnLPercent = pnlSum / n
	f.AvgVolatility = volSum / n
	f.AvgTargetRiskReward = rrSum / n
	f.MaxDrawdown = maxDD

	var varSum float64
	for _, t := range trades {
		d := t.PnLPercent - f.AvgPnLPercent
		varSum += d * d
	}
	f.PnLStdDev = math.Sqrt(varSum / n)

	if wins > 0 && lossCount > 0 {
		avgWin := winPnLSum / float64(wins)
		avgLoss := math.Abs(lossPnLSum / float64(lossCount))
		if avgLoss > 0 {
			f.RealizedRiskReward = avgWin / avgLoss
		}
	}

	best := 0
	for label, c := range regimeCount {
		if c > best {
			best = c
			f.DominantRegime = label
		}
	}

	f.ConfidenceBuckets = buildConfidenceBuckets(trades)
	return f
}

// buildConfidenceBuckets recomputes win rate and average P&L as if each
// candidate threshold had filtered the window. Trades that never recorded
// an entry confidence are ignored; when none did, no buckets are built.
func buildConfidenceBuckets(trades []performance.Trade) []ConfidenceBucket {
	withConfidence := 0
	for _, t := range trades {
		if t.EntryConfidence > 0 {
			withConfidence++
		}
	}
	if withConfidence == 0 {
		return nil
	}

	buckets := make([]ConfidenceBucket, 0, len(confidenceCandidates))
	for _, threshold := range confidenceCandidates {
		var count, wins int
		var pnlSum float64
		for _, t := range trades {
			if t.EntryConfidence <= 0 || t.EntryConfidence < threshold {
				continue
			}
			count++
			pnlSum += t.PnLPercent
			if t.PnLPercent > 0 {
				wins++
			}
		}
		b := ConfidenceBucket{Threshold: threshold, TradeCount: count}
		if count > 0 {
			b.WinRate = float64(wins) / float64(count)
			b.AvgPnL = pnlSum / float64(count)
		}
		buckets = append(buckets, b)
	}
	return buckets
}
