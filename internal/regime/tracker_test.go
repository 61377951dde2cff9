package regime

import (
	"testing"
	"time"
)

type stubOverride struct{ active bool }

func (s *stubOverride) OverrideActive() bool { return s.active }

type stubProfiles struct{ id string }

func (s *stubProfiles) ActiveProfileID() string { return s.id }

func transitionTo(label Label, confidence float64, prev Label) Classification {
	return Classification{
		Label:         label,
		Confidence:    confidence,
		Transitioned:  true,
		PreviousLabel: prev,
	}
}

func snapshotAt(ts time.Time, label Label) Snapshot {
	return Snapshot{
		Timestamp:  ts,
		Indicators: IndicatorBundle{ADX: 30, Volatility: 0.01, RSI: 60, TrendDirection: 0.5, EMAAlignment: 0.5, BBWidth: 2},
		Label:      label,
		Confidence: 0.7,
	}
}

func TestApplyOpensInstanceOnTransition(t *testing.T) {
	tr := NewTracker(&stubOverride{}, &stubProfiles{id: "profile-1"}, nil, testLogger())
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	opened := tr.Apply(transitionTo(LabelRanging, 0.62, LabelUnknown), snapshotAt(ts, LabelRanging))
	if opened == nil {
		t.Fatal("transition did not open an instance")
	}
	if opened.Label != LabelRanging {
		t.Errorf("opened label = %s, want RANGING", opened.Label)
	}
	if opened.StartConfidence != 0.62 {
		t.Errorf("start confidence = %f, want 0.62", opened.StartConfidence)
	}
	if opened.ProfileID != "profile-1" {
		t.Errorf("profile id = %q, want profile-1", opened.ProfileID)
	}
	if !opened.Open() {
		t.Error("freshly opened instance reports closed")
	}
	if open := tr.OpenInstance(); open == nil || open.ID != opened.ID {
		t.Error("OpenInstance does not return the opened instance")
	}
}

func TestApplyClosesContiguously(t *testing.T) {
	var closed []Instance
	onClose := func(inst Instance, trigger Snapshot) { closed = append(closed, inst) }
	tr := NewTracker(&stubOverride{}, &stubProfiles{id: "profile-1"}, onClose, testLogger())

	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	t1 := t0.Add(45 * time.Minute)

	first := tr.Apply(transitionTo(LabelRanging, 0.6, LabelUnknown), snapshotAt(t0, LabelRanging))
	second := tr.Apply(transitionTo(LabelStrongUptrend, 0.7, LabelRanging), snapshotAt(t1, LabelStrongUptrend))

	if len(closed) != 1 {
		t.Fatalf("expected 1 closed instance, got %d", len(closed))
	}
	if closed[0].ID != first.ID {
		t.Error("wrong instance closed")
	}
	if closed[0].EndTime == nil || !closed[0].EndTime.Equal(t1) {
		t.Errorf("closed end time = %v, want %v", closed[0].EndTime, t1)
	}
	// no gap, no overlap: old end == new start
	if !second.StartTime.Equal(t1) {
		t.Errorf("new instance starts at %v, want %v", second.StartTime, t1)
	}
	if open := tr.OpenInstance(); open == nil || open.ID != second.ID {
		t.Error("exactly one instance must be open after a transition")
	}
}

func TestOverrideSuppressesTransition(t *testing.T) {
	override := &stubOverride{}
	var closed []Instance
	tr := NewTracker(override, &stubProfiles{id: "profile-1"}, func(inst Instance, _ Snapshot) {
		closed = append(closed, inst)
	}, testLogger())

	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	opened := tr.Apply(transitionTo(LabelRanging, 0.6, LabelUnknown), snapshotAt(t0, LabelRanging))
	if opened == nil {
		t.Fatal("setup transition failed")
	}

	override.active = true
	suppressed := tr.Apply(transitionTo(LabelStrongUptrend, 0.7, LabelRanging), snapshotAt(t0.Add(time.Hour), LabelStrongUptrend))
	if suppressed != nil {
		t.Error("transition applied while manual override active")
	}
	if len(closed) != 0 {
		t.Error("override transition closed the open instance")
	}
	if open := tr.OpenInstance(); open == nil || open.ID != opened.ID {
		t.Error("open instance changed while override active")
	}
}

func TestNonTransitionIsNoop(t *testing.T) {
	tr := NewTracker(&stubOverride{}, &stubProfiles{id: "p"}, nil, testLogger())
	ts := time.Now()

	// nothing committed yet: a tick with no transition does nothing
	if got := tr.Apply(Classification{Label: LabelUnknown}, snapshotAt(ts, LabelUnknown)); got != nil {
		t.Error("non-transition tick opened an instance")
	}
	if tr.OpenInstance() != nil {
		t.Error("instance open without any transition")
	}

	// and once an interval matches the committed label, later ticks are noops
	opened := tr.Apply(transitionTo(LabelRanging, 0.6, LabelUnknown), snapshotAt(ts, LabelRanging))
	if got := tr.Apply(Classification{Label: LabelRanging, Confidence: 0.6}, snapshotAt(ts.Add(time.Minute), LabelRanging)); got != nil {
		t.Error("matching-label tick replaced the open instance")
	}
	if open := tr.OpenInstance(); open == nil || open.ID != opened.ID {
		t.Error("open instance changed on a matching-label tick")
	}
}

func TestResyncAfterOverrideClears(t *testing.T) {
	override := &stubOverride{}
	var closed []Instance
	tr := NewTracker(override, &stubProfiles{id: "profile-1"}, func(inst Instance, _ Snapshot) {
		closed = append(closed, inst)
	}, testLogger())

	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	stale := tr.Apply(transitionTo(LabelStrongUptrend, 0.7, LabelUnknown), snapshotAt(t0, LabelStrongUptrend))
	if stale == nil {
		t.Fatal("setup transition failed")
	}

	// the classifier keeps committing while the override suppresses the
	// handoff, so later ticks report the new label without a transition
	override.active = true
	if got := tr.Apply(transitionTo(LabelHighVolatility, 0.6, LabelStrongUptrend), snapshotAt(t0.Add(time.Hour), LabelHighVolatility)); got != nil {
		t.Fatal("override did not suppress the transition")
	}

	override.active = false
	t2 := t0.Add(2 * time.Hour)
	resynced := tr.Apply(Classification{Label: LabelHighVolatility, Confidence: 0.6}, snapshotAt(t2, LabelHighVolatility))
	if resynced == nil {
		t.Fatal("stale open instance survived the first post-override tick")
	}
	if resynced.Label != LabelHighVolatility {
		t.Errorf("resynced label = %s, want HIGH_VOLATILITY", resynced.Label)
	}
	if len(closed) != 1 || closed[0].ID != stale.ID {
		t.Fatalf("stale instance not closed: %+v", closed)
	}
	if closed[0].EndTime == nil || !closed[0].EndTime.Equal(t2) {
		t.Errorf("stale instance closed at %v, want %v", closed[0].EndTime, t2)
	}
	if open := tr.OpenInstance(); open == nil || open.Label != LabelHighVolatility {
		t.Error("open instance does not carry the committed label")
	}
}

func TestResyncOpensWhenFirstTransitionWasSuppressed(t *testing.T) {
	override := &stubOverride{active: true}
	tr := NewTracker(override, &stubProfiles{id: "profile-1"}, nil, testLogger())
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if got := tr.Apply(transitionTo(LabelRanging, 0.6, LabelUnknown), snapshotAt(t0, LabelRanging)); got != nil {
		t.Fatal("override did not suppress the first transition")
	}

	override.active = false
	opened := tr.Apply(Classification{Label: LabelRanging, Confidence: 0.6}, snapshotAt(t0.Add(time.Hour), LabelRanging))
	if opened == nil || opened.Label != LabelRanging {
		t.Fatalf("no interval opened after the override cleared: %+v", opened)
	}
}

func TestCloseDangling(t *testing.T) {
	tr := NewTracker(&stubOverride{}, &stubProfiles{id: "p"}, nil, testLogger())
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	opened := tr.Apply(transitionTo(LabelRanging, 0.6, LabelUnknown), snapshotAt(t0, LabelRanging))

	if got := tr.CloseDangling("not-the-open-one", t0.Add(time.Hour)); got != nil {
		t.Error("CloseDangling closed an instance with a mismatched id")
	}

	end := t0.Add(2 * time.Hour)
	closed := tr.CloseDangling(opened.ID, end)
	if closed == nil || closed.EndTime == nil || !closed.EndTime.Equal(end) {
		t.Fatalf("dangling close failed: %+v", closed)
	}
	if tr.OpenInstance() != nil {
		t.Error("instance still open after dangling close")
	}
}

func TestAdoptReopens(t *testing.T) {
	tr := NewTracker(&stubOverride{}, &stubProfiles{id: "p"}, nil, testLogger())
	end := time.Now()
	tr.Adopt(Instance{ID: "restored", Label: LabelRanging, StartTime: end.Add(-time.Hour), EndTime: &end})

	open := tr.OpenInstance()
	if open == nil || open.ID != "restored" {
		t.Fatal("adopted instance is not open")
	}
	if open.EndTime != nil {
		t.Error("adopted instance kept its end time")
	}
}
