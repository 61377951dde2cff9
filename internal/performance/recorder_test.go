package performance

import (
	"math"
	"testing"
	"time"

	"regime-governor/internal/logging"
	"regime-governor/internal/regime"
)

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
}

func closedInstance(start, end time.Time) regime.Instance {
	return regime.Instance{
		ID:        "inst-1",
		Label:     regime.LabelStrongUptrend,
		StartTime: start,
		EndTime:   &end,
	}
}

func tradeAt(entry, exit time.Time, pnl float64) Trade {
	return Trade{
		ID:         "t-" + exit.Format("150405"),
		Symbol:     "BTCUSDT",
		Direction:  "LONG",
		EntryTime:  entry,
		ExitTime:   exit,
		PnLPercent: pnl,
	}
}

func TestComputeAggregates(t *testing.T) {
	r := NewRecorder(testLogger())
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	trades := []Trade{
		tradeAt(start.Add(5*time.Minute), start.Add(15*time.Minute), 2.0),
		tradeAt(start.Add(20*time.Minute), start.Add(30*time.Minute), -1.0),
		tradeAt(start.Add(35*time.Minute), start.Add(50*time.Minute), 3.0),
	}

	rec := r.Compute(closedInstance(start, end), trades, end)
	if rec.Incomplete {
		t.Fatal("record flagged incomplete with qualifying trades")
	}
	if rec.TradeCount != 3 {
		t.Errorf("trade count = %d, want 3", rec.TradeCount)
	}
	if math.Abs(rec.ROIPercent-4.0) > 1e-9 {
		t.Errorf("ROI = %f, want 4.0", rec.ROIPercent)
	}
	if math.Abs(rec.WinRate-2.0/3.0) > 1e-9 {
		t.Errorf("win rate = %f, want 0.667", rec.WinRate)
	}
	if math.Abs(rec.AvgProfitPct-4.0/3.0) > 1e-9 {
		t.Errorf("avg profit = %f, want 1.333", rec.AvgProfitPct)
	}
	// cumulative curve 2 -> 1 -> 4: worst peak-to-trough is 1
	if math.Abs(rec.MaxDrawdown-1.0) > 1e-9 {
		t.Errorf("max drawdown = %f, want 1.0", rec.MaxDrawdown)
	}
}

func TestComputeContainment(t *testing.T) {
	r := NewRecorder(testLogger())
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	trades := []Trade{
		// entered before the interval: excluded
		tradeAt(start.Add(-time.Minute), start.Add(10*time.Minute), 5.0),
		// exits exactly at the interval end: excluded (half-open interval)
		tradeAt(start.Add(30*time.Minute), end, 5.0),
		// exits after the interval: excluded
		tradeAt(start.Add(30*time.Minute), end.Add(time.Minute), 5.0),
		// fully contained: counted
		tradeAt(start, start.Add(45*time.Minute), 1.5),
	}

	rec := r.Compute(closedInstance(start, end), trades, end)
	if rec.TradeCount != 1 {
		t.Fatalf("trade count = %d, want 1 (straddling trades must not be counted)", rec.TradeCount)
	}
	if rec.ROIPercent != 1.5 {
		t.Errorf("ROI = %f, want 1.5", rec.ROIPercent)
	}
}

func TestComputeEmptyInterval(t *testing.T) {
	r := NewRecorder(testLogger())
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	rec := r.Compute(closedInstance(start, end), nil, end)
	if !rec.Incomplete {
		t.Error("empty interval must be flagged incomplete")
	}
	if rec.TradeCount != 0 || rec.ROIPercent != 0 {
		t.Errorf("empty interval produced metrics: %+v", rec)
	}
	if rec.InstanceID != "inst-1" {
		t.Error("incomplete record lost its instance attribution")
	}
}

func TestComputeOpenInstance(t *testing.T) {
	r := NewRecorder(testLogger())
	inst := regime.Instance{ID: "open", StartTime: time.Now()}

	rec := r.Compute(inst, nil, time.Now())
	if !rec.Incomplete {
		t.Error("open instance must produce an incomplete record")
	}
}
