package governor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"regime-governor/internal/events"
	"regime-governor/internal/logging"
	"regime-governor/internal/performance"
	"regime-governor/internal/playbook"
	"regime-governor/internal/profile"
	"regime-governor/internal/regime"
)

type fakeTrades struct {
	trades []performance.Trade
	calls  int
}

func (f *fakeTrades) TradesBetween(ctx context.Context, start, end time.Time) ([]performance.Trade, error) {
	f.calls++
	out := make([]performance.Trade, 0, len(f.trades))
	for _, t := range f.trades {
		if !t.EntryTime.Before(start) && t.ExitTime.Before(end) {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeRepo struct {
	saved     []regime.Instance
	closed    []regime.Instance
	open      []regime.Instance
	records   []performance.Record
	scores    []performance.Score
	playbooks []playbook.Playbook
	byLabel   map[regime.Label][]performance.Record
}

func (f *fakeRepo) SaveInstance(ctx context.Context, inst regime.Instance) error {
	f.saved = append(f.saved, inst)
	return nil
}

func (f *fakeRepo) CloseInstance(ctx context.Context, inst regime.Instance) error {
	f.closed = append(f.closed, inst)
	return nil
}

func (f *fakeRepo) OpenInstances(ctx context.Context) ([]regime.Instance, error) {
	return f.open, nil
}

func (f *fakeRepo) SaveRecord(ctx context.Context, rec performance.Record) error {
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRepo) SaveScore(ctx context.Context, score performance.Score) error {
	f.scores = append(f.scores, score)
	return nil
}

func (f *fakeRepo) SavePlaybook(ctx context.Context, pb playbook.Playbook) error {
	f.playbooks = append(f.playbooks, pb)
	return nil
}

func (f *fakeRepo) RecordsByLabel(ctx context.Context, label regime.Label, limit int) ([]performance.Record, error) {
	return f.byLabel[label], nil
}

type fakeCache struct {
	setCalls        int
	invalidateCalls int
	last            State
}

func (f *fakeCache) SetCurrentRegime(ctx context.Context, snap State) error {
	f.setCalls++
	f.last = snap
	return nil
}

func (f *fakeCache) InvalidateRegime(ctx context.Context) error {
	f.invalidateCalls++
	return nil
}

type fixture struct {
	engine *Engine
	store  *profile.Store
	repo   *fakeRepo
	trades *fakeTrades
	cache  *fakeCache
	scorer *performance.Scorer
}

func newFixture() *fixture {
	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
	bus := events.NewBus()
	store := profile.NewStore(profile.NewAuditLog(nil, zerolog.Nop()), bus, logger)
	store.Create("default", map[string]float64{"leverage": 5})

	repo := &fakeRepo{byLabel: make(map[regime.Label][]performance.Record)}
	trades := &fakeTrades{}
	cache := &fakeCache{}
	scorer := performance.NewScorer(performance.DefaultScorerConfig(), logger)

	engine := New(DefaultConfig(),
		regime.NewClassifier(regime.DefaultClassifierConfig(), logger),
		performance.NewRecorder(logger),
		scorer,
		playbook.NewEngine(store, bus, logger),
		store,
		trades, repo, cache, bus, logger)

	return &fixture{engine: engine, store: store, repo: repo, trades: trades, cache: cache, scorer: scorer}
}

func uptrendBundle() regime.IndicatorBundle {
	return regime.IndicatorBundle{ADX: 35, Volatility: 0.015, RSI: 60, TrendDirection: 0.8, EMAAlignment: 0.9, BBWidth: 2}
}

func rangingBundle() regime.IndicatorBundle {
	return regime.IndicatorBundle{ADX: 10, Volatility: 0.015, RSI: 50, TrendDirection: 0.0, EMAAlignment: 0.0, BBWidth: 1}
}

// tickUntilTransition feeds bundles until a transition fires or the
// budget runs out, returning the transitioning result.
func tickUntilTransition(t *testing.T, f *fixture, base time.Time, bundle regime.IndicatorBundle, from, budget int) (TickResult, int) {
	t.Helper()
	for i := from; i < from+budget; i++ {
		res, err := f.engine.Tick(context.Background(), base.Add(time.Duration(i)*time.Minute), bundle)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if res.Transitioned {
			return res, i + 1
		}
	}
	t.Fatal("no transition within budget")
	return TickResult{}, 0
}

func TestTickOpensInstanceOnTransition(t *testing.T) {
	f := newFixture()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	res, _ := tickUntilTransition(t, f, base, uptrendBundle(), 0, 10)
	if res.Label != regime.LabelStrongUptrend {
		t.Errorf("label = %s, want STRONG_UPTREND", res.Label)
	}
	if res.InstanceID == "" {
		t.Fatal("transition did not report an instance id")
	}
	if len(f.repo.saved) != 1 || f.repo.saved[0].ID != res.InstanceID {
		t.Error("opened instance not persisted")
	}
	if f.cache.setCalls == 0 || f.cache.last.InstanceID != res.InstanceID {
		t.Error("live regime state not mirrored into the cache")
	}

	state := f.engine.State()
	if state.Label != regime.LabelStrongUptrend || state.InstanceID != res.InstanceID {
		t.Errorf("engine state stale: %+v", state)
	}
}

func TestTickClosesIntervalAndAttributesTrades(t *testing.T) {
	f := newFixture()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	opened, next := tickUntilTransition(t, f, base, uptrendBundle(), 0, 10)
	openTime := f.repo.saved[0].StartTime

	// trades landing inside the uptrend interval
	f.trades.trades = []performance.Trade{
		{ID: "t1", EntryTime: openTime.Add(time.Second), ExitTime: openTime.Add(2 * time.Minute), PnLPercent: 2.5},
		{ID: "t2", EntryTime: openTime.Add(time.Second), ExitTime: openTime.Add(2 * time.Minute), PnLPercent: -0.5},
	}

	closed, _ := tickUntilTransition(t, f, base, rangingBundle(), next, 10)
	if closed.ClosedInstanceID != opened.InstanceID {
		t.Errorf("closed instance = %s, want %s", closed.ClosedInstanceID, opened.InstanceID)
	}
	if closed.InstanceID == "" || closed.InstanceID == opened.InstanceID {
		t.Error("no new instance opened after the close")
	}

	if len(f.repo.closed) != 1 {
		t.Fatalf("closed instances persisted = %d, want 1", len(f.repo.closed))
	}
	if f.repo.closed[0].EndTime == nil {
		t.Error("persisted close missing end time")
	}

	if len(f.repo.records) != 1 {
		t.Fatalf("performance records = %d, want 1", len(f.repo.records))
	}
	rec := f.repo.records[0]
	if rec.InstanceID != opened.InstanceID || rec.TradeCount != 2 {
		t.Errorf("record attribution wrong: %+v", rec)
	}
	if math.Abs(rec.ROIPercent-2.0) > 1e-9 {
		t.Errorf("record ROI = %f, want 2.0", rec.ROIPercent)
	}
	if len(f.repo.scores) != 1 {
		t.Errorf("pattern scores = %d, want 1", len(f.repo.scores))
	}
	if f.cache.invalidateCalls == 0 {
		t.Error("interval close did not invalidate the cache")
	}
}

func TestTickMissingIndicators(t *testing.T) {
	f := newFixture()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tickUntilTransition(t, f, base, uptrendBundle(), 0, 10)

	bundle := uptrendBundle()
	bundle.RSI = math.NaN()
	_, err := f.engine.Tick(context.Background(), base.Add(time.Hour), bundle)
	if !errors.Is(err, regime.ErrMissingIndicatorData) {
		t.Fatalf("expected ErrMissingIndicatorData, got %v", err)
	}

	if f.engine.State().Label != regime.LabelUnknown {
		t.Error("state did not degrade to UNKNOWN")
	}
	if f.engine.State().InstanceOpen == nil {
		t.Error("missing indicators closed the open interval")
	}
	if len(f.repo.closed) != 0 {
		t.Error("missing indicators persisted a close")
	}
}

func TestTickInFlight(t *testing.T) {
	f := newFixture()

	f.engine.mu.Lock()
	_, err := f.engine.Tick(context.Background(), time.Now(), uptrendBundle())
	f.engine.mu.Unlock()

	if !errors.Is(err, ErrTickInFlight) {
		t.Fatalf("expected ErrTickInFlight, got %v", err)
	}
}

func TestReconcile(t *testing.T) {
	f := newFixture()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	older := regime.Instance{ID: "older", Label: regime.LabelRanging, StartTime: now.Add(-3 * time.Hour)}
	newer := regime.Instance{ID: "newer", Label: regime.LabelStrongUptrend, StartTime: now.Add(-time.Hour)}
	f.repo.open = []regime.Instance{older, newer}

	rois := []float64{1, 2, 3, 2, 2, 1, 3, 2, 2, 2}
	for _, roi := range rois {
		f.repo.byLabel[regime.LabelRanging] = append(f.repo.byLabel[regime.LabelRanging],
			performance.Record{ROIPercent: roi, WinRate: 0.5, TradeCount: 8})
	}

	if err := f.engine.Reconcile(context.Background(), now); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	if len(f.repo.closed) != 1 || f.repo.closed[0].ID != "older" {
		t.Fatalf("dangling close wrong: %+v", f.repo.closed)
	}
	if f.repo.closed[0].EndTime == nil || !f.repo.closed[0].EndTime.Equal(now) {
		t.Error("dangling instance not closed at reconciliation time")
	}

	open := f.engine.Tracker().OpenInstance()
	if open == nil || open.ID != "newer" {
		t.Error("newest open instance was not adopted")
	}

	if got := f.scorer.Baseline(regime.LabelRanging).Count; got != len(rois) {
		t.Errorf("seeded baseline count = %d, want %d", got, len(rois))
	}
}
