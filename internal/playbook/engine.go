// Package playbook turns exceptional regime intervals into reusable
// trading playbooks and matches the live regime against the playbook set.
package playbook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"regime-governor/internal/events"
	"regime-governor/internal/logging"
	"regime-governor/internal/performance"
	"regime-governor/internal/profile"
	"regime-governor/internal/regime"
)

var (
	// ErrPlaybookNotFound is returned for an unknown playbook id
	ErrPlaybookNotFound = errors.New("playbook not found")

	// ErrPlaybookInactive is returned when applying a deactivated playbook;
	// the parameter profile is left unchanged.
	ErrPlaybookInactive = errors.New("playbook is inactive")

	// ErrNotHighPerformer is returned when generation is requested for an
	// interval the scorer did not flag as a high performer.
	ErrNotHighPerformer = errors.New("source interval is not a high performer")
)

// Playbook is a reusable bundle of trading rules and parameters for one
// regime type. Strategy text and the parameter snapshot are fixed at
// creation; the active flag, rating, and performance counters mutate.
type Playbook struct {
	ID                  string             `json:"id"`
	Name                string             `json:"name"`
	SourceLabel         regime.Label       `json:"source_label"`
	SourceInstanceID    string             `json:"source_instance_id,omitempty"`
	ConfidenceThreshold float64            `json:"confidence_threshold"`
	EntryConditions     string             `json:"entry_conditions"`
	ExitConditions      string             `json:"exit_conditions"`
	StopStrategy        string             `json:"stop_strategy"`
	PositionSizing      string             `json:"position_sizing"`
	Settings            map[string]float64 `json:"settings"` // parameter snapshot
	Active              bool               `json:"active"`
	AutoGenerated       bool               `json:"auto_generated"`
	TimesApplied        int                `json:"times_applied"`
	SuccessRate         float64            `json:"success_rate"` // 0-1 over attributed intervals
	AvgROI              float64            `json:"avg_roi"`
	OutcomeCount        int                `json:"outcome_count"`
	UserRating          *int               `json:"user_rating,omitempty"` // 1-5
	CreatedAt           time.Time          `json:"created_at"`
}

func (p Playbook) clone() Playbook {
	cp := p
	cp.Settings = make(map[string]float64, len(p.Settings))
	for k, v := range p.Settings {
		cp.Settings[k] = v
	}
	if p.UserRating != nil {
		r := *p.UserRating
		cp.UserRating = &r
	}
	return cp
}

// Match pairs a playbook with its score against the current regime
type Match struct {
	Playbook Playbook `json:"playbook"`
	Score    float64  `json:"score"`
}

// Engine owns the playbook set
type Engine struct {
	mu        sync.RWMutex
	playbooks map[string]*Playbook
	appliedBy map[string]string // profileID -> playbook last applied to it

	store  *profile.Store
	bus    *events.Bus
	logger *logging.Logger
}

// NewEngine creates an engine with an empty playbook set
func NewEngine(store *profile.Store, bus *events.Bus, logger *logging.Logger) *Engine {
	return &Engine{
		playbooks: make(map[string]*Playbook),
		appliedBy: make(map[string]string),
		store:     store,
		bus:       bus,
		logger:    logger.WithComponent("playbook"),
	}
}

// GenerateFromInstance builds a playbook from a high-performer interval.
// The parameter snapshot is copied from the profile that was active during
// the instance; the confidence threshold defaults to the instance's start
// confidence.
func (e *Engine) GenerateFromInstance(inst regime.Instance, rec performance.Record, score performance.Score) (Playbook, error) {
	if rec.Incomplete {
		return Playbook{}, performance.ErrIncompleteInterval
	}
	if !score.IsHighPerformer {
		return Playbook{}, ErrNotHighPerformer
	}

	src, err := e.store.Get(inst.ProfileID)
	if err != nil {
		return Playbook{}, fmt.Errorf("source profile unavailable: %w", err)
	}

	pb := Playbook{
		ID:                  uuid.New().String(),
		Name:                fmt.Sprintf("%s %s", labelTitle(inst.Label), inst.StartTime.UTC().Format("2006-01-02 15:04")),
		SourceLabel:         inst.Label,
		SourceInstanceID:    inst.ID,
		ConfidenceThreshold: inst.StartConfidence,
		EntryConditions:     entryText(inst.Label),
		ExitConditions:      exitText(inst.Label),
		StopStrategy:        stopText(inst.Label),
		PositionSizing:      sizingText(inst.Label, rec),
		Settings:            src.Params,
		Active:              true,
		AutoGenerated:       true,
		CreatedAt:           time.Now(),
	}

	e.mu.Lock()
	e.playbooks[pb.ID] = &pb
	e.mu.Unlock()

	e.logger.Info("playbook generated",
		"playbook_id", pb.ID, "label", string(pb.SourceLabel),
		"source_instance", inst.ID, "roi_pct", rec.ROIPercent)
	e.bus.Publish(events.Event{
		Type: events.EventPlaybookGenerated,
		Data: map[string]interface{}{
			"playbook_id": pb.ID,
			"label":       string(pb.SourceLabel),
			"instance_id": inst.ID,
		},
	})
	return pb.clone(), nil
}

// CreateManual registers an operator-authored playbook
func (e *Engine) CreateManual(pb Playbook) Playbook {
	pb.ID = uuid.New().String()
	pb.AutoGenerated = false
	pb.Active = true
	pb.CreatedAt = time.Now()
	if pb.Settings == nil {
		pb.Settings = make(map[string]float64)
	}

	e.mu.Lock()
	e.playbooks[pb.ID] = &pb
	e.mu.Unlock()

	e.logger.Info("manual playbook created", "playbook_id", pb.ID, "name", pb.Name)
	return pb.clone()
}

// Get returns a snapshot of one playbook
func (e *Engine) Get(id string) (Playbook, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pb, ok := e.playbooks[id]
	if !ok {
		return Playbook{}, ErrPlaybookNotFound
	}
	return pb.clone(), nil
}

// List returns snapshots of all playbooks
func (e *Engine) List() []Playbook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Playbook, 0, len(e.playbooks))
	for _, pb := range e.playbooks {
		out = append(out, pb.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// MatchCurrent ranks active playbooks against the current regime. Only
// playbooks for the same label participate; those whose confidence
// threshold is met rank above those still below it. Ties break on
// historical success rate. Read-only and safe to call concurrently with
// the pipeline tick.
func (e *Engine) MatchCurrent(label regime.Label, confidence float64) []Match {
	e.mu.RLock()
	defer e.mu.RUnlock()

	matches := make([]Match, 0)
	for _, pb := range e.playbooks {
		if !pb.Active || pb.SourceLabel != label {
			continue
		}
		matches = append(matches, Match{Playbook: pb.clone(), Score: matchScore(pb, confidence)})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Playbook.SuccessRate > matches[j].Playbook.SuccessRate
	})

	if len(matches) > 0 {
		e.bus.Publish(events.Event{
			Type: events.EventPlaybookMatched,
			Data: map[string]interface{}{
				"label":       string(label),
				"confidence":  confidence,
				"best":        matches[0].Playbook.ID,
				"match_count": len(matches),
			},
		})
	}
	return matches
}

func matchScore(pb *Playbook, confidence float64) float64 {
	if pb.ConfidenceThreshold <= 0 {
		return 0.5 + 0.5*confidence
	}
	if confidence >= pb.ConfidenceThreshold {
		headroom := 1 - pb.ConfidenceThreshold
		if headroom <= 0 {
			return 1
		}
		return 0.5 + 0.5*clamp01((confidence-pb.ConfidenceThreshold)/headroom)
	}
	return 0.5 * (confidence / pb.ConfidenceThreshold)
}

// Apply copies a playbook's parameter snapshot into the target profile
// through the governed write path. An inactive playbook is rejected
// before any write is attempted, leaving the profile unchanged.
func (e *Engine) Apply(ctx context.Context, playbookID, profileID, requestedBy string) error {
	e.mu.RLock()
	pb, ok := e.playbooks[playbookID]
	var snapshot map[string]float64
	var active bool
	var name string
	if ok {
		active = pb.Active
		name = pb.Name
		snapshot = make(map[string]float64, len(pb.Settings))
		for k, v := range pb.Settings {
			snapshot[k] = v
		}
	}
	e.mu.RUnlock()

	if !ok {
		return ErrPlaybookNotFound
	}
	if !active {
		return ErrPlaybookInactive
	}

	_, err := e.store.Apply(ctx, profileID, profile.WriteRequest{
		Source:      fmt.Sprintf("playbook:%s", playbookID),
		RequestedBy: requestedBy,
		Reason:      fmt.Sprintf("apply playbook %q requested by %s", name, requestedBy),
		Changes:     snapshot,
		Automated:   true,
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	if pb, ok := e.playbooks[playbookID]; ok {
		pb.TimesApplied++
	}
	e.appliedBy[profileID] = playbookID
	e.mu.Unlock()

	e.bus.PublishPlaybookApplied(playbookID, name, profileID, requestedBy)
	return nil
}

// RecordIntervalOutcome feeds a closed interval's performance back into the
// playbook that was last applied to the interval's profile, updating its
// success rate and average ROI counters. Incomplete records are ignored.
func (e *Engine) RecordIntervalOutcome(profileID string, rec performance.Record) {
	if rec.Incomplete {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.appliedBy[profileID]
	if !ok {
		return
	}
	pb, ok := e.playbooks[id]
	if !ok {
		return
	}

	n := float64(pb.OutcomeCount)
	win := 0.0
	if rec.ROIPercent > 0 {
		win = 1.0
	}
	pb.SuccessRate = (pb.SuccessRate*n + win) / (n + 1)
	pb.AvgROI = (pb.AvgROI*n + rec.ROIPercent) / (n + 1)
	pb.OutcomeCount++
}

// SetActive toggles a playbook's active flag
func (e *Engine) SetActive(id string, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pb, ok := e.playbooks[id]
	if !ok {
		return ErrPlaybookNotFound
	}
	pb.Active = active
	return nil
}

// Rate records a user rating (1-5) on a playbook
func (e *Engine) Rate(id string, rating int) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("rating must be 1-5, got %d", rating)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pb, ok := e.playbooks[id]
	if !ok {
		return ErrPlaybookNotFound
	}
	pb.UserRating = &rating
	return nil
}

// Restore installs playbooks loaded from storage at startup
func (e *Engine) Restore(pbs []Playbook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range pbs {
		pb := pbs[i].clone()
		e.playbooks[pb.ID] = &pb
	}
}

func labelTitle(l regime.Label) string {
	switch l {
	case regime.LabelStrongUptrend:
		return "Strong Uptrend"
	case regime.LabelWeakUptrend:
		return "Weak Uptrend"
	case regime.LabelStrongDowntrend:
		return "Strong Downtrend"
	case regime.LabelWeakDowntrend:
		return "Weak Downtrend"
	case regime.LabelRanging:
		return "Ranging"
	case regime.LabelHighVolatility:
		return "High Volatility"
	default:
		return string(l)
	}
}

func entryText(l regime.Label) string {
	switch l {
	case regime.LabelStrongUptrend, regime.LabelWeakUptrend:
		return "Enter long on pullbacks to the fast EMA while trend direction stays positive"
	case regime.LabelStrongDowntrend, regime.LabelWeakDowntrend:
		return "Enter short on rallies into the fast EMA while trend direction stays negative"
	case regime.LabelRanging:
		return "Fade moves at the Bollinger band extremes toward the mid-band"
	case regime.LabelHighVolatility:
		return "Enter only on confirmed breakouts with above-average volume"
	default:
		return "No entries while the regime is unclassified"
	}
}

func exitText(l regime.Label) string {
	switch l {
	case regime.LabelStrongUptrend, regime.LabelStrongDowntrend:
		return "Trail the position; exit on trend-direction flip or EMA stack break"
	case regime.LabelWeakUptrend, regime.LabelWeakDowntrend:
		return "Take profit at the first target; exit on momentum stall"
	case regime.LabelRanging:
		return "Exit at the mid-band or opposite band touch"
	case regime.LabelHighVolatility:
		return "Exit quickly at fixed targets; do not hold through reversals"
	default:
		return "Flat"
	}
}

func stopText(l regime.Label) string {
	switch l {
	case regime.LabelHighVolatility:
		return "Wide ATR-based stop, reduced size to hold risk constant"
	case regime.LabelRanging:
		return "Tight stop just beyond the band extreme"
	default:
		return "ATR-based stop below/above the last swing point"
	}
}

func sizingText(l regime.Label, rec performance.Record) string {
	return fmt.Sprintf("Size per the profile snapshot; interval averaged %.2f%% per trade over %d trades",
		rec.AvgProfitPct, rec.TradeCount)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
