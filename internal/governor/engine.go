// Package governor drives the regime pipeline: each market snapshot is
// classified, the interval tracker is advanced, and closed intervals flow
// through the recorder, scorer, and playbook generator. Exactly one tick
// is in flight at a time; overlapping ticks are dropped, not queued.
package governor

import (
	"context"
	"errors"
	"sync"
	"time"

	"regime-governor/internal/events"
	"regime-governor/internal/logging"
	"regime-governor/internal/performance"
	"regime-governor/internal/playbook"
	"regime-governor/internal/profile"
	"regime-governor/internal/regime"
)

// ErrTickInFlight is returned when a tick arrives while the previous one
// is still being processed.
var ErrTickInFlight = errors.New("pipeline tick already in flight")

// TradeSource supplies closed trades for an interval's time range
type TradeSource interface {
	TradesBetween(ctx context.Context, start, end time.Time) ([]performance.Trade, error)
}

// Repository is the slice of persistence the pipeline needs. A nil
// repository disables persistence, which the tests rely on.
type Repository interface {
	SaveInstance(ctx context.Context, inst regime.Instance) error
	CloseInstance(ctx context.Context, inst regime.Instance) error
	OpenInstances(ctx context.Context) ([]regime.Instance, error)
	SaveRecord(ctx context.Context, rec performance.Record) error
	SaveScore(ctx context.Context, score performance.Score) error
	SavePlaybook(ctx context.Context, pb playbook.Playbook) error
	RecordsByLabel(ctx context.Context, label regime.Label, limit int) ([]performance.Record, error)
}

// CacheWriter mirrors the live regime into the shared cache
type CacheWriter interface {
	SetCurrentRegime(ctx context.Context, snap State) error
	InvalidateRegime(ctx context.Context) error
}

// State is the externally visible pipeline state
type State struct {
	Timestamp    time.Time        `json:"timestamp"`
	Label        regime.Label     `json:"label"`
	Confidence   float64          `json:"confidence"`
	InstanceID   string           `json:"instance_id,omitempty"`
	InstanceOpen *regime.Instance `json:"instance,omitempty"`
	Override     bool             `json:"override_active"`
}

// TickResult reports what one snapshot did to the pipeline
type TickResult struct {
	Timestamp        time.Time    `json:"timestamp"`
	Label            regime.Label `json:"label"`
	Confidence       float64      `json:"confidence"`
	Transitioned     bool         `json:"transitioned"`
	PreviousLabel    regime.Label `json:"previous_label,omitempty"`
	InstanceID       string       `json:"instance_id,omitempty"`
	ClosedInstanceID string       `json:"closed_instance_id,omitempty"`
	NewPlaybookID    string       `json:"new_playbook_id,omitempty"`
}

// Config toggles pipeline side effects
type Config struct {
	AutoGeneratePlaybooks bool `json:"auto_generate_playbooks"`
	SeedLimit             int  `json:"seed_limit"` // records per label loaded into baselines at startup
}

// DefaultConfig returns the production pipeline settings
func DefaultConfig() Config {
	return Config{AutoGeneratePlaybooks: true, SeedLimit: 50}
}

// Engine wires the pipeline stages together
type Engine struct {
	mu sync.Mutex

	classifier *regime.Classifier
	tracker    *regime.Tracker
	recorder   *performance.Recorder
	scorer     *performance.Scorer
	playbooks  *playbook.Engine
	profiles   *profile.Store
	trades     TradeSource
	repo       Repository
	cache      CacheWriter
	bus        *events.Bus
	logger     *logging.Logger
	cfg        Config

	// set for the duration of one tick, read by the close handler
	tickCtx    context.Context
	tickResult *TickResult

	lastState State
}

// New builds the pipeline. repo and cache may be nil.
func New(cfg Config, classifier *regime.Classifier, recorder *performance.Recorder,
	scorer *performance.Scorer, playbooks *playbook.Engine, profiles *profile.Store,
	trades TradeSource, repo Repository, cache CacheWriter,
	bus *events.Bus, logger *logging.Logger) *Engine {

	e := &Engine{
		classifier: classifier,
		recorder:   recorder,
		scorer:     scorer,
		playbooks:  playbooks,
		profiles:   profiles,
		trades:     trades,
		repo:       repo,
		cache:      cache,
		bus:        bus,
		logger:     logger.WithComponent("governor"),
		cfg:        cfg,
	}
	e.tracker = regime.NewTracker(profiles, profiles, e.onIntervalClose, logger)
	return e
}

// Tracker exposes the interval tracker for startup reconciliation tests
func (e *Engine) Tracker() *regime.Tracker { return e.tracker }

// Tick runs one snapshot through the pipeline. A second caller arriving
// while a tick is in flight gets ErrTickInFlight and the snapshot is
// dropped; feeds are expected to keep producing.
func (e *Engine) Tick(ctx context.Context, ts time.Time, bundle regime.IndicatorBundle) (TickResult, error) {
	if !e.mu.TryLock() {
		return TickResult{}, ErrTickInFlight
	}
	defer e.mu.Unlock()

	result := TickResult{Timestamp: ts}
	e.tickCtx = ctx
	e.tickResult = &result
	defer func() {
		e.tickCtx = nil
		e.tickResult = nil
	}()

	cls, err := e.classifier.Classify(ts, bundle)
	if err != nil {
		// missing indicators: state degrades to UNKNOWN, open interval untouched
		result.Label = regime.LabelUnknown
		e.lastState = State{
			Timestamp:    ts,
			Label:        regime.LabelUnknown,
			InstanceOpen: e.tracker.OpenInstance(),
			Override:     e.profiles.OverrideActive(),
		}
		return result, err
	}

	result.Label = cls.Label
	result.Confidence = cls.Confidence
	result.Transitioned = cls.Transitioned
	result.PreviousLabel = cls.PreviousLabel

	snap := regime.Snapshot{Timestamp: ts, Indicators: bundle, Label: cls.Label, Confidence: cls.Confidence}
	opened := e.tracker.Apply(cls, snap)

	if opened != nil {
		result.InstanceID = opened.ID
		if e.repo != nil {
			if err := e.repo.SaveInstance(ctx, *opened); err != nil {
				e.logger.Error("failed to persist regime instance", "instance_id", opened.ID, "error", err)
				e.bus.PublishError("governor", "instance persist failed", err)
			}
		}
		e.bus.PublishRegimeChanged(opened.ID, string(cls.PreviousLabel), string(cls.Label), cls.Confidence)
	} else if open := e.tracker.OpenInstance(); open != nil {
		result.InstanceID = open.ID
	}

	e.lastState = State{
		Timestamp:    ts,
		Label:        cls.Label,
		Confidence:   cls.Confidence,
		InstanceID:   result.InstanceID,
		InstanceOpen: e.tracker.OpenInstance(),
		Override:     e.profiles.OverrideActive(),
	}
	if e.cache != nil {
		if err := e.cache.SetCurrentRegime(ctx, e.lastState); err != nil {
			e.logger.Warn("failed to cache regime state", "error", err)
		}
	}
	return result, nil
}

// onIntervalClose runs synchronously inside the tick for each closed
// interval: performance record, pattern score, persistence, playbook
// feedback, and the downstream events.
func (e *Engine) onIntervalClose(closed regime.Instance, trigger regime.Snapshot) {
	ctx := e.tickCtx
	if ctx == nil {
		ctx = context.Background()
	}

	var trades []performance.Trade
	if e.trades != nil {
		var err error
		trades, err = e.trades.TradesBetween(ctx, closed.StartTime, *closed.EndTime)
		if err != nil {
			e.logger.Error("trade lookup failed for closed interval",
				"instance_id", closed.ID, "error", err)
			e.bus.PublishError("governor", "trade lookup failed", err)
			trades = nil
		}
	}

	rec := e.recorder.Compute(closed, trades, trigger.Timestamp)
	score := e.scorer.ScoreRecord(closed.Label, rec, closed.Duration(trigger.Timestamp))

	if e.repo != nil {
		if err := e.repo.CloseInstance(ctx, closed); err != nil {
			e.logger.Error("failed to persist interval close", "instance_id", closed.ID, "error", err)
		}
		if err := e.repo.SaveRecord(ctx, rec); err != nil {
			e.logger.Error("failed to persist performance record", "instance_id", closed.ID, "error", err)
		}
		if err := e.repo.SaveScore(ctx, score); err != nil {
			e.logger.Error("failed to persist pattern score", "instance_id", closed.ID, "error", err)
		}
	}

	e.playbooks.RecordIntervalOutcome(closed.ProfileID, rec)

	if e.tickResult != nil {
		e.tickResult.ClosedInstanceID = closed.ID
	}

	e.bus.Publish(events.Event{
		Type: events.EventInstanceClosed,
		Data: map[string]interface{}{
			"instance_id": closed.ID,
			"label":       string(closed.Label),
			"roi_pct":     rec.ROIPercent,
			"trade_count": rec.TradeCount,
			"incomplete":  rec.Incomplete,
		},
	})

	if score.IsOutlier {
		e.bus.PublishOutlier(closed.ID, string(closed.Label), score.ZScore)
	}
	if score.IsHighPerformer {
		e.bus.PublishHighPerformer(closed.ID, string(closed.Label), rec.ROIPercent, score.PatternScore, score.ZScore)
		if e.cfg.AutoGeneratePlaybooks {
			pb, err := e.playbooks.GenerateFromInstance(closed, rec, score)
			if err != nil {
				e.logger.Warn("playbook generation failed", "instance_id", closed.ID, "error", err)
			} else {
				if e.tickResult != nil {
					e.tickResult.NewPlaybookID = pb.ID
				}
				if e.repo != nil {
					if err := e.repo.SavePlaybook(ctx, pb); err != nil {
						e.logger.Error("failed to persist playbook", "playbook_id", pb.ID, "error", err)
					}
				}
			}
		}
	}

	if e.cache != nil {
		if err := e.cache.InvalidateRegime(ctx); err != nil {
			e.logger.Warn("cache invalidation failed", "error", err)
		}
	}
}

// State returns the last published pipeline state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastState
}

// Reconcile runs the startup pass over storage: intervals left open by a
// crash are closed at their recorded start of silence, the newest open
// interval (if any) is adopted, and per-label scoring baselines are
// re-seeded from historical records.
func (e *Engine) Reconcile(ctx context.Context, now time.Time) error {
	if e.repo == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	open, err := e.repo.OpenInstances(ctx)
	if err != nil {
		return err
	}

	// newest open instance survives, anything older is dangling
	var newest *regime.Instance
	for i := range open {
		if newest == nil || open[i].StartTime.After(newest.StartTime) {
			newest = &open[i]
		}
	}
	for i := range open {
		inst := open[i]
		if newest != nil && inst.ID == newest.ID {
			continue
		}
		inst.EndTime = &now
		if err := e.repo.CloseInstance(ctx, inst); err != nil {
			e.logger.Error("failed to close dangling instance", "instance_id", inst.ID, "error", err)
			continue
		}
		e.logger.Warn("closed dangling regime instance at startup", "instance_id", inst.ID)
	}
	if newest != nil {
		e.tracker.Adopt(*newest)
	}

	seeded := 0
	for _, label := range regime.AllLabels {
		recs, err := e.repo.RecordsByLabel(ctx, label, e.cfg.SeedLimit)
		if err != nil {
			e.logger.Error("baseline seed query failed", "label", string(label), "error", err)
			continue
		}
		e.scorer.Seed(label, recs)
		seeded += len(recs)
	}

	e.logger.Info("startup reconciliation complete",
		"open_instances", len(open), "seeded_records", seeded)
	return nil
}
