package tuner

import (
	"math"
	"testing"
	"time"

	"regime-governor/internal/performance"
	"regime-governor/internal/regime"
)

func TestBuildFeatures(t *testing.T) {
	now := time.Date(2026, 3, 4, 14, 30, 0, 0, time.UTC) // Wednesday
	exit := now.Add(-time.Hour)

	trades := []performance.Trade{
		{PnLPercent: 2.0, EntryVolatility: 0.01, TargetRiskReward: 2, EntryRegime: regime.LabelStrongUptrend, ExitTime: exit},
		{PnLPercent: 2.0, EntryVolatility: 0.01, TargetRiskReward: 2, EntryRegime: regime.LabelStrongUptrend, ExitTime: exit},
		{PnLPercent: 2.0, EntryVolatility: 0.01, TargetRiskReward: 2, EntryRegime: regime.LabelRanging, ExitTime: exit},
		{PnLPercent: -1.0, EntryVolatility: 0.03, TargetRiskReward: 2, EntryRegime: regime.LabelRanging, ExitTime: exit},
	}

	f := BuildFeatures(trades, now)

	if f.HourOfDay != 14 || f.DayOfWeek != int(time.Wednesday) {
		t.Errorf("temporal features: hour=%d day=%d", f.HourOfDay, f.DayOfWeek)
	}
	if f.TradeCount != 4 {
		t.Errorf("trade count = %d, want 4", f.TradeCount)
	}
	if f.TrailingWinRate != 0.75 {
		t.Errorf("win rate = %f, want 0.75", f.TrailingWinRate)
	}
	if math.Abs(f.AvgPnLPercent-1.25) > 1e-9 {
		t.Errorf("avg pnl = %f, want 1.25", f.AvgPnLPercent)
	}
	if math.Abs(f.AvgVolatility-0.015) > 1e-9 {
		t.Errorf("avg volatility = %f, want 0.015", f.AvgVolatility)
	}
	// avg win 2.0 over avg |loss| 1.0
	if math.Abs(f.RealizedRiskReward-2.0) > 1e-9 {
		t.Errorf("realized rr = %f, want 2.0", f.RealizedRiskReward)
	}
	if f.DominantRegime != regime.LabelStrongUptrend && f.DominantRegime != regime.LabelRanging {
		t.Errorf("dominant regime = %s", f.DominantRegime)
	}
	// peak after three wins is 6, trough after the loss is 5
	if math.Abs(f.MaxDrawdown-1.0) > 1e-9 {
		t.Errorf("max drawdown = %f, want 1.0", f.MaxDrawdown)
	}
}

func TestBuildFeaturesEmpty(t *testing.T) {
	f := BuildFeatures(nil, time.Now())
	if f.TradeCount != 0 || f.TrailingWinRate != 0 || f.RealizedRiskReward != 0 {
		t.Errorf("empty window produced statistics: %+v", f)
	}
}

func TestConfidenceBuckets(t *testing.T) {
	now := time.Now()
	trades := []performance.Trade{
		{EntryConfidence: 0.72, PnLPercent: 1.0, ExitTime: now},
		{EntryConfidence: 0.72, PnLPercent: -1.0, ExitTime: now},
		{EntryConfidence: 0.55, PnLPercent: -2.0, ExitTime: now},
		{PnLPercent: 3.0, ExitTime: now}, // no confidence recorded, never bucketed
	}

	f := BuildFeatures(trades, now)
	if len(f.ConfidenceBuckets) != len(confidenceCandidates) {
		t.Fatalf("bucket count = %d, want %d", len(f.ConfidenceBuckets), len(confidenceCandidates))
	}

	byThreshold := make(map[float64]ConfidenceBucket)
	for _, b := range f.ConfidenceBuckets {
		byThreshold[b.Threshold] = b
	}

	low := byThreshold[0.50]
	if low.TradeCount != 3 {
		t.Errorf("0.50 bucket count = %d, want 3", low.TradeCount)
	}
	if math.Abs(low.AvgPnL-(-2.0/3)) > 1e-9 {
		t.Errorf("0.50 bucket avg pnl = %f", low.AvgPnL)
	}

	mid := byThreshold[0.70]
	if mid.TradeCount != 2 || mid.WinRate != 0.5 {
		t.Errorf("0.70 bucket = %+v, want 2 trades at 50%% win rate", mid)
	}

	if top := byThreshold[0.90]; top.TradeCount != 0 || top.WinRate != 0 {
		t.Errorf("0.90 bucket should be empty, got %+v", top)
	}

	// windows with no recorded confidence build no buckets at all
	if f := BuildFeatures([]performance.Trade{{PnLPercent: 1, ExitTime: now}}, now); f.ConfidenceBuckets != nil {
		t.Errorf("confidence-less window built buckets: %+v", f.ConfidenceBuckets)
	}
}

func TestLowVolatility(t *testing.T) {
	if !(FeatureVector{AvgVolatility: 0.01}).LowVolatility() {
		t.Error("0.01 should be low volatility")
	}
	if (FeatureVector{AvgVolatility: 0.03}).LowVolatility() {
		t.Error("0.03 should not be low volatility")
	}
	if (FeatureVector{AvgVolatility: 0}).LowVolatility() {
		t.Error("missing volatility must not count as low")
	}
}
