// Package tuner proposes parameter changes from trailing trade history.
// Nothing it proposes is applied without an explicit human resolution;
// approved changes go through the governed profile write path like every
// other writer.
package tuner

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
)

var (
	// ErrInsufficientData is returned when the trade history is too thin
	// to tune from.
	ErrInsufficientData = errors.New("insufficient trade history for tuning")

	// ErrTuningInProgress is returned when a pending session already
	// exists for the scope; only one session per scope may be open.
	ErrTuningInProgress = errors.New("tuning session already pending for this profile")

	// ErrSessionNotFound is returned for an unknown session id
	ErrSessionNotFound = errors.New("tuning session not found")

	// ErrSessionNotPending is returned when resolving a session that was
	// already resolved or expired.
	ErrSessionNotPending = errors.New("tuning session is not pending")

	// ErrNoRecommendations is returned when no optimizer proposes a change
	ErrNoRecommendations = errors.New("no parameter changes recommended")
)

// Session statuses
const (
	SessionPending          = "PENDING"
	SessionApplied          = "APPLIED"
	SessionPartiallyApplied = "PARTIALLY_APPLIED"
	SessionRejected         = "REJECTED"
	SessionExpired          = "EXPIRED"
)

// Recommendation statuses
const (
	RecommendationPending   = "pending"
	RecommendationApplied   = "applied"
	RecommendationDismissed = "dismissed"
)

// Resolution is the operator's decision on a whole session
type Resolution string

const (
	ResolveApplyAll  Resolution = "APPLY_ALL"
	ResolveApplySafe Resolution = "APPLY_SAFE" // low-risk recommendations only
	ResolveReject    Resolution = "REJECT"
)

// Session holds one batch of recommendations awaiting approval
type Session struct {
	ID              string           `json:"id"`
	ProfileID       string           `json:"profile_id"`
	Status          string           `json:"status"`
	Features        FeatureVector    `json:"features"`
	Recommendations []Recommendation `json:"recommendations"`
	CreatedAt       time.Time        `json:"created_at"`
	ExpiresAt       time.Time        `json:"expires_at"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy      string           `json:"resolved_by,omitempty"`
}

func (s Session) clone() Session {
	cp := s
	cp.Recommendations = make([]Recommendation, len(s.Recommendations))
	copy(cp.Recommendations, s.Recommendations)
	if s.ResolvedAt != nil {
		t := *s.ResolvedAt
		cp.ResolvedAt = &t
	}
	return cp
}

// Config bounds when and how the tuner runs
type Config struct {
	MinTrades    int           `json:"min_trades"`
	LookbackDays int           `json:"lookback_days"`
	MinCoverage  float64       `json:"min_coverage"` // fraction of the lookback the trade span must cover
	SessionTTL   time.Duration `json:"session_ttl"`
}

// DefaultConfig returns the production tuner bounds
func DefaultConfig() Config {
	return Config{
		MinTrades:    50,
		LookbackDays: 30,
		MinCoverage:  0.5,
		SessionTTL:   48 * time.Hour,
	}
}

// Tuner creates and resolves tuning sessions
type Tuner struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	pendingFor map[string]string // profileID -> pending session id

	cfg        Config
	optimizers []ParameterOptimizer
	store      *profile.Store
	bus        *events.Bus
	logger     *logging.Logger
}

// New creates a tuner with the default optimizer set
func New(cfg Config, store *profile.Store, bus *events.Bus, logger *logging.Logger) *Tuner {
	if cfg.MinTrades <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.MinCoverage <= 0 {
		cfg.MinCoverage = DefaultConfig().MinCoverage
	}
	return &Tuner{
		sessions:   make(map[string]*Session),
		pendingFor: make(map[string]string),
		cfg:        cfg,
		optimizers: DefaultOptimizers(),
		store:      store,
		bus:        bus,
		logger:     logger.WithComponent("tuner"),
	}
}

// Propose builds a session of recommendations for a profile from its
// recent trades. Trades older than the lookback window are dropped here,
// so callers may pass a superset.
func (t *Tuner) Propose(profileID string, trades []performance.Trade, now time.Time) (Session, error) {
	prof, err := t.store.Get(profileID)
	if err != nil {
		return Session{}, err
	}

	cutoff := now.AddDate(0, 0, -t.cfg.LookbackDays)
	window := make([]performance.Trade, 0, len(trades))
	for _, tr := range trades {
		if !tr.ExitTime.Before(cutoff) {
			window = append(window, tr)
		}
	}
	if len(window) < t.cfg.MinTrades {
		return Session{}, fmt.Errorf("%w: %d trades in window, need %d",
			ErrInsufficientData, len(window), t.cfg.MinTrades)
	}

	// Enough trades alone is not enough: a burst clustered in a corner of
	// the lookback says nothing about the rest of it.
	earliest, latest := window[0].ExitTime, window[0].ExitTime
	for _, tr := range window[1:] {
		if tr.ExitTime.Before(earliest) {
			earliest = tr.ExitTime
		}
		if tr.ExitTime.After(latest) {
			latest = tr.ExitTime
		}
	}
	span := latest.Sub(earliest)
	required := time.Duration(t.cfg.MinCoverage * float64(t.cfg.LookbackDays) * 24 * float64(time.Hour))
	if span < required {
		return Session{}, fmt.Errorf("%w: trades span %.1f days, need %.1f of the %d-day lookback",
			ErrInsufficientData, span.Hours()/24, required.Hours()/24, t.cfg.LookbackDays)
	}

	t.mu.Lock()
	if _, busy := t.pendingFor[profileID]; busy {
		t.mu.Unlock()
		return Session{}, ErrTuningInProgress
	}
	// reserve the scope while features run outside the lock
	t.pendingFor[profileID] = ""
	t.mu.Unlock()

	features := BuildFeatures(window, now)

	recs := make([]Recommendation, 0, len(t.optimizers))
	for _, opt := range t.optimizers {
		current, ok := prof.Params[opt.Parameter()]
		if !ok {
			continue
		}
		if rec := opt.Optimize(features, current); rec != nil {
			recs = append(recs, *rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Parameter < recs[j].Parameter })

	if len(recs) == 0 {
		t.mu.Lock()
		delete(t.pendingFor, profileID)
		t.mu.Unlock()
		return Session{}, ErrNoRecommendations
	}

	sess := &Session{
		ID:              uuid.New().String(),
		ProfileID:       profileID,
		Status:          SessionPending,
		Features:        features,
		Recommendations: recs,
		CreatedAt:       now,
		ExpiresAt:       now.Add(t.cfg.SessionTTL),
	}

	t.mu.Lock()
	t.sessions[sess.ID] = sess
	t.pendingFor[profileID] = sess.ID
	t.mu.Unlock()

	t.logger.Info("tuning session created",
		"session_id", sess.ID, "profile_id", profileID,
		"recommendations", len(recs), "trades", len(window))
	t.bus.PublishTuningSessionReady(sess.ID, profileID, len(recs))
	return sess.clone(), nil
}

// Get returns a snapshot of one session
func (t *Tuner) Get(id string) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.clone(), nil
}

// List returns snapshots of all sessions, newest first
func (t *Tuner) List() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Resolve settles a whole session at once. APPLY_ALL and APPLY_SAFE
// write the accepted recommendations through the profile store; REJECT
// dismisses everything without touching the profile.
func (t *Tuner) Resolve(ctx context.Context, sessionID string, resolution Resolution, resolvedBy string) (Session, error) {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return Session{}, ErrSessionNotFound
	}
	if s.Status != SessionPending {
		t.mu.Unlock()
		return Session{}, ErrSessionNotPending
	}

	changes := make(map[string]float64)
	applied, dismissed := 0, 0
	for i := range s.Recommendations {
		rec := &s.Recommendations[i]
		if rec.Status != RecommendationPending {
			if rec.Status == RecommendationApplied {
				applied++
			} else {
				dismissed++
			}
			continue
		}
		accept := resolution == ResolveApplyAll ||
			(resolution == ResolveApplySafe && rec.Risk == RiskLow)
		if accept {
			rec.Status = RecommendationApplied
			changes[rec.Parameter] = rec.RecommendedValue
			applied++
		} else {
			rec.Status = RecommendationDismissed
			dismissed++
		}
	}
	profileID := s.ProfileID
	t.mu.Unlock()

	if len(changes) > 0 {
		_, err := t.store.Apply(ctx, profileID, profile.WriteRequest{
			Source:      fmt.Sprintf("tuner:%s", sessionID),
			RequestedBy: resolvedBy,
			Reason:      fmt.Sprintf("tuning session resolved %s by %s", resolution, resolvedBy),
			Changes:     changes,
			Automated:   true,
		})
		if err != nil {
			// leave the session pending so the operator can retry
			t.mu.Lock()
			for i := range s.Recommendations {
				if s.Recommendations[i].Status == RecommendationApplied {
					if _, proposed := changes[s.Recommendations[i].Parameter]; proposed {
						s.Recommendations[i].Status = RecommendationPending
					}
				}
			}
			t.mu.Unlock()
			return Session{}, err
		}
	}

	now := time.Now()
	t.mu.Lock()
	switch {
	case applied == 0:
		s.Status = SessionRejected
	case dismissed == 0:
		s.Status = SessionApplied
	default:
		s.Status = SessionPartiallyApplied
	}
	s.ResolvedAt = &now
	s.ResolvedBy = resolvedBy
	delete(t.pendingFor, profileID)
	snapshot := s.clone()
	t.mu.Unlock()

	t.logger.Info("tuning session resolved",
		"session_id", sessionID, "resolution", string(resolution),
		"applied", applied, "dismissed", dismissed, "resolved_by", resolvedBy)
	t.bus.Publish(events.Event{
		Type: events.EventTuningSessionResolved,
		Data: map[string]interface{}{
			"session_id": sessionID,
			"status":     snapshot.Status,
			"applied":    applied,
			"dismissed":  dismissed,
		},
	})
	return snapshot, nil
}

// ApplyRecommendation applies a single recommendation from a pending
// session, leaving the rest for later review. The session stays pending
// until every recommendation is settled.
func (t *Tuner) ApplyRecommendation(ctx context.Context, sessionID, parameter, resolvedBy string) error {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.Status != SessionPending {
		t.mu.Unlock()
		return ErrSessionNotPending
	}
	var rec *Recommendation
	for i := range s.Recommendations {
		if s.Recommendations[i].Parameter == parameter {
			rec = &s.Recommendations[i]
			break
		}
	}
	if rec == nil || rec.Status != RecommendationPending {
		t.mu.Unlock()
		return fmt.Errorf("no pending recommendation for parameter %q", parameter)
	}
	value := rec.RecommendedValue
	profileID := s.ProfileID
	t.mu.Unlock()

	_, err := t.store.Apply(ctx, profileID, profile.WriteRequest{
		Source:      fmt.Sprintf("tuner:%s", sessionID),
		RequestedBy: resolvedBy,
		Reason:      fmt.Sprintf("recommendation %s applied by %s", parameter, resolvedBy),
		Changes:     map[string]float64{parameter: value},
		Automated:   true,
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	rec.Status = RecommendationApplied
	t.settleIfComplete(s, resolvedBy)
	t.mu.Unlock()
	return nil
}

// DismissRecommendation drops a single recommendation without a write
func (t *Tuner) DismissRecommendation(sessionID, parameter, resolvedBy string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != SessionPending {
		return ErrSessionNotPending
	}
	for i := range s.Recommendations {
		rec := &s.Recommendations[i]
		if rec.Parameter == parameter && rec.Status == RecommendationPending {
			rec.Status = RecommendationDismissed
			t.settleIfComplete(s, resolvedBy)
			return nil
		}
	}
	return fmt.Errorf("no pending recommendation for parameter %q", parameter)
}

// settleIfComplete finalizes the session once no recommendation is left
// pending. Caller holds t.mu.
func (t *Tuner) settleIfComplete(s *Session, resolvedBy string) {
	applied, pending := 0, 0
	for _, rec := range s.Recommendations {
		switch rec.Status {
		case RecommendationPending:
			pending++
		case RecommendationApplied:
			applied++
		}
	}
	if pending > 0 {
		return
	}
	switch {
	case applied == 0:
		s.Status = SessionRejected
	case applied == len(s.Recommendations):
		s.Status = SessionApplied
	default:
		s.Status = SessionPartiallyApplied
	}
	now := time.Now()
	s.ResolvedAt = &now
	s.ResolvedBy = resolvedBy
	delete(t.pendingFor, s.ProfileID)

	t.bus.Publish(events.Event{
		Type: events.EventTuningSessionResolved,
		Data: map[string]interface{}{
			"session_id": s.ID,
			"status":     s.Status,
		},
	})
}

// ExpireStale marks pending sessions past their TTL as expired and frees
// their scope for a new session. Returns the number expired.
func (t *Tuner) ExpireStale(now time.Time) int {
	t.mu.Lock()
	var expired []*Session
	for _, s := range t.sessions {
		if s.Status == SessionPending && now.After(s.ExpiresAt) {
			s.Status = SessionExpired
			at := now
			s.ResolvedAt = &at
			delete(t.pendingFor, s.ProfileID)
			expired = append(expired, s)
		}
	}
	t.mu.Unlock()

	for _, s := range expired {
		t.logger.Warn("tuning session expired unresolved",
			"session_id", s.ID, "profile_id", s.ProfileID,
			"age_hours", now.Sub(s.CreatedAt).Hours())
		t.bus.Publish(events.Event{
			Type: events.EventTuningSessionExpired,
			Data: map[string]interface{}{"session_id": s.ID, "profile_id": s.ProfileID},
		})
	}
	return len(expired)
}

// RunExpirySweeper expires stale sessions on an interval until the
// context is cancelled.
func (t *Tuner) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.ExpireStale(now)
		}
	}
}
