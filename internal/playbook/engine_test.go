package playbook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"regime-governor/internal/events"
	"regime-governor/internal/logging"
	"regime-governor/internal/performance"
	"regime-governor/internal/profile"
	"regime-governor/internal/regime"
)

func newTestEngine() (*Engine, *profile.Store, profile.Profile) {
	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
	store := profile.NewStore(profile.NewAuditLog(nil, zerolog.Nop()), events.NewBus(), logger)
	p := store.Create("default", map[string]float64{"leverage": 5, "confidence_threshold": 0.65})
	return NewEngine(store, events.NewBus(), logger), store, p
}

func highPerformerInputs(profileID string) (regime.Instance, performance.Record, performance.Score) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	inst := regime.Instance{
		ID:              "inst-1",
		Label:           regime.LabelStrongUptrend,
		StartTime:       start,
		EndTime:         &end,
		StartConfidence: 0.72,
		ProfileID:       profileID,
	}
	rec := performance.Record{InstanceID: "inst-1", ROIPercent: 4.2, WinRate: 0.8, TradeCount: 12}
	score := performance.Score{InstanceID: "inst-1", ZScore: 3.4, PatternScore: 0.9, IsHighPerformer: true, IsOutlier: true}
	return inst, rec, score
}

func TestGenerateRequiresHighPerformer(t *testing.T) {
	e, _, p := newTestEngine()
	inst, rec, score := highPerformerInputs(p.ID)
	score.IsHighPerformer = false

	if _, err := e.GenerateFromInstance(inst, rec, score); !errors.Is(err, ErrNotHighPerformer) {
		t.Fatalf("expected ErrNotHighPerformer, got %v", err)
	}
	if len(e.List()) != 0 {
		t.Error("rejected generation still stored a playbook")
	}
}

func TestGenerateRejectsIncompleteRecord(t *testing.T) {
	e, _, p := newTestEngine()
	inst, rec, score := highPerformerInputs(p.ID)
	rec.Incomplete = true
	rec.TradeCount = 0

	if _, err := e.GenerateFromInstance(inst, rec, score); !errors.Is(err, performance.ErrIncompleteInterval) {
		t.Fatalf("expected ErrIncompleteInterval, got %v", err)
	}
}

func TestGenerateSnapshotsSourceProfile(t *testing.T) {
	e, _, p := newTestEngine()
	inst, rec, score := highPerformerInputs(p.ID)

	pb, err := e.GenerateFromInstance(inst, rec, score)
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}
	if pb.SourceLabel != regime.LabelStrongUptrend || pb.SourceInstanceID != inst.ID {
		t.Errorf("source attribution wrong: %+v", pb)
	}
	if pb.ConfidenceThreshold != 0.72 {
		t.Errorf("confidence threshold = %f, want the instance start confidence 0.72", pb.ConfidenceThreshold)
	}
	if pb.Settings["leverage"] != 5 {
		t.Errorf("settings snapshot = %v, want copy of the active profile params", pb.Settings)
	}
	if !pb.Active || !pb.AutoGenerated {
		t.Error("generated playbook must start active and be marked auto-generated")
	}
	if pb.EntryConditions == "" || pb.ExitConditions == "" || pb.StopStrategy == "" {
		t.Error("generated playbook missing strategy text")
	}
}

func TestMatchRanking(t *testing.T) {
	e, _, _ := newTestEngine()

	met := e.CreateManual(Playbook{Name: "met", SourceLabel: regime.LabelRanging, ConfidenceThreshold: 0.5})
	below := e.CreateManual(Playbook{Name: "below", SourceLabel: regime.LabelRanging, ConfidenceThreshold: 0.9})
	inactive := e.CreateManual(Playbook{Name: "inactive", SourceLabel: regime.LabelRanging, ConfidenceThreshold: 0.1})
	e.SetActive(inactive.ID, false)
	e.CreateManual(Playbook{Name: "other label", SourceLabel: regime.LabelStrongUptrend, ConfidenceThreshold: 0.1})

	matches := e.MatchCurrent(regime.LabelRanging, 0.7)
	if len(matches) != 2 {
		t.Fatalf("match count = %d, want 2 (inactive and other-label excluded)", len(matches))
	}
	if matches[0].Playbook.ID != met.ID {
		t.Errorf("best match = %s, want the playbook whose threshold is met", matches[0].Playbook.Name)
	}
	if matches[1].Playbook.ID != below.ID {
		t.Errorf("second match = %s, want the below-threshold playbook", matches[1].Playbook.Name)
	}
	if matches[0].Score <= matches[1].Score {
		t.Error("met threshold must outrank unmet threshold")
	}
	if matches[1].Score >= 0.5 {
		t.Errorf("below-threshold score = %f, want < 0.5", matches[1].Score)
	}
}

func TestMatchTiesBreakOnSuccessRate(t *testing.T) {
	e, _, _ := newTestEngine()
	weak := e.CreateManual(Playbook{Name: "weak", SourceLabel: regime.LabelRanging, ConfidenceThreshold: 0.5})
	strong := e.CreateManual(Playbook{Name: "strong", SourceLabel: regime.LabelRanging, ConfidenceThreshold: 0.5, SuccessRate: 0.9})
	_ = weak

	matches := e.MatchCurrent(regime.LabelRanging, 0.7)
	if matches[0].Playbook.ID != strong.ID {
		t.Errorf("tie broke to %s, want the higher success rate", matches[0].Playbook.Name)
	}
}

func TestApplyInactiveLeavesProfileUnchanged(t *testing.T) {
	e, store, p := newTestEngine()
	pb := e.CreateManual(Playbook{
		Name:        "aggressive",
		SourceLabel: regime.LabelStrongUptrend,
		Settings:    map[string]float64{"leverage": 10},
	})
	e.SetActive(pb.ID, false)

	err := e.Apply(context.Background(), pb.ID, p.ID, "operator")
	if !errors.Is(err, ErrPlaybookInactive) {
		t.Fatalf("expected ErrPlaybookInactive, got %v", err)
	}
	got, _ := store.Get(p.ID)
	if got.Params["leverage"] != 5 || got.Version != 1 {
		t.Error("inactive playbook apply touched the profile")
	}
	after, _ := e.Get(pb.ID)
	if after.TimesApplied != 0 {
		t.Error("failed apply incremented the counter")
	}
}

func TestApplyWritesSnapshot(t *testing.T) {
	e, store, p := newTestEngine()
	pb := e.CreateManual(Playbook{
		Name:        "aggressive",
		SourceLabel: regime.LabelStrongUptrend,
		Settings:    map[string]float64{"leverage": 10, "confidence_threshold": 0.75},
	})

	if err := e.Apply(context.Background(), pb.ID, p.ID, "operator"); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	got, _ := store.Get(p.ID)
	if got.Params["leverage"] != 10 || got.Params["confidence_threshold"] != 0.75 {
		t.Errorf("profile params = %v, want the playbook snapshot", got.Params)
	}
	after, _ := e.Get(pb.ID)
	if after.TimesApplied != 1 {
		t.Errorf("times applied = %d, want 1", after.TimesApplied)
	}
}

func TestApplyUnknownPlaybook(t *testing.T) {
	e, _, p := newTestEngine()
	if err := e.Apply(context.Background(), "nope", p.ID, "operator"); !errors.Is(err, ErrPlaybookNotFound) {
		t.Fatalf("expected ErrPlaybookNotFound, got %v", err)
	}
}

func TestRecordIntervalOutcome(t *testing.T) {
	e, _, p := newTestEngine()
	pb := e.CreateManual(Playbook{
		Name:        "tracked",
		SourceLabel: regime.LabelRanging,
		Settings:    map[string]float64{"leverage": 4},
	})
	if err := e.Apply(context.Background(), pb.ID, p.ID, "operator"); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	e.RecordIntervalOutcome(p.ID, performance.Record{ROIPercent: 5, TradeCount: 4})
	e.RecordIntervalOutcome(p.ID, performance.Record{ROIPercent: -2, TradeCount: 3})
	// incomplete intervals must not dilute the counters
	e.RecordIntervalOutcome(p.ID, performance.Record{Incomplete: true})

	after, _ := e.Get(pb.ID)
	if after.OutcomeCount != 2 {
		t.Fatalf("outcome count = %d, want 2", after.OutcomeCount)
	}
	if after.SuccessRate != 0.5 {
		t.Errorf("success rate = %f, want 0.5", after.SuccessRate)
	}
	if after.AvgROI != 1.5 {
		t.Errorf("avg ROI = %f, want 1.5", after.AvgROI)
	}
}

func TestRateBounds(t *testing.T) {
	e, _, _ := newTestEngine()
	pb := e.CreateManual(Playbook{Name: "r", SourceLabel: regime.LabelRanging})

	if err := e.Rate(pb.ID, 0); err == nil {
		t.Error("rating 0 accepted")
	}
	if err := e.Rate(pb.ID, 6); err == nil {
		t.Error("rating 6 accepted")
	}
	if err := e.Rate(pb.ID, 4); err != nil {
		t.Fatalf("rating 4 rejected: %v", err)
	}
	after, _ := e.Get(pb.ID)
	if after.UserRating == nil || *after.UserRating != 4 {
		t.Error("rating not stored")
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	e, _, _ := newTestEngine()
	orig := e.CreateManual(Playbook{Name: "persisted", SourceLabel: regime.LabelRanging, Settings: map[string]float64{"leverage": 3}})

	e2, _, _ := newTestEngine()
	e2.Restore(e.List())

	got, err := e2.Get(orig.ID)
	if err != nil {
		t.Fatalf("restored playbook missing: %v", err)
	}
	if got.Name != "persisted" || got.Settings["leverage"] != 3 {
		t.Errorf("restored playbook mangled: %+v", got)
	}
}
