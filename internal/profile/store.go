// Package profile owns the live ParameterProfile objects read by the
// trading controller and the single governed write path through which the
// playbook engine, the tuner, and operators mutate them.
package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"regime-governor/internal/events"
	"regime-governor/internal/logging"
)

var (
	// ErrProfileNotFound is returned for an unknown profile id
	ErrProfileNotFound = errors.New("parameter profile not found")

	// ErrProfileBusy is returned to the loser of a concurrent write race on
	// the same profile. The caller should retry.
	ErrProfileBusy = errors.New("parameter profile busy - concurrent write in progress")

	// ErrOverrideConflict is returned when an automated write is attempted
	// while the manual override is active and the requesting actor is not
	// the override owner.
	ErrOverrideConflict = errors.New("manual override active - automated parameter change rejected")
)

// Profile is a named parameter map. The trading controller reads the
// active profile; all mutation goes through Store.Apply.
type Profile struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Params    map[string]float64 `json:"params"`
	Version   int                `json:"version"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func (p Profile) clone() Profile {
	cp := p
	cp.Params = make(map[string]float64, len(p.Params))
	for k, v := range p.Params {
		cp.Params[k] = v
	}
	return cp
}

// WriteRequest describes one governed parameter mutation
type WriteRequest struct {
	Source      string             // audit source, e.g. "playbook:<id>"
	RequestedBy string             // human actor behind the write; for automated writes, the approver
	Reason      string             // human-readable justification
	Changes     map[string]float64 // parameters to set
	Automated   bool               // true for playbook/tuner writes, false for operator writes
}

type entry struct {
	mu sync.Mutex // serializes writes per profile; TryLock losers get ErrProfileBusy
	p  Profile
}

// Store holds all parameter profiles, the active-profile pointer, and the
// operator's manual-override flag.
//
// The override flag is deliberately last-writer-wins: toggling it is not
// atomic with an in-flight tick or write, and the most recent toggle is
// the one observed by subsequent checks.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]*entry
	activeID string

	overrideActive bool
	overrideOwner  string

	audit  *AuditLog
	bus    *events.Bus
	logger *logging.Logger
}

// NewStore creates an empty profile store
func NewStore(audit *AuditLog, bus *events.Bus, logger *logging.Logger) *Store {
	return &Store{
		profiles: make(map[string]*entry),
		audit:    audit,
		bus:      bus,
		logger:   logger.WithComponent("profile-store"),
	}
}

// Create registers a new profile and returns it. The first profile created
// becomes the active one.
func (s *Store) Create(name string, params map[string]float64) Profile {
	p := Profile{
		ID:        uuid.New().String(),
		Name:      name,
		Params:    make(map[string]float64, len(params)),
		Version:   1,
		UpdatedAt: time.Now(),
	}
	for k, v := range params {
		p.Params[k] = v
	}

	s.mu.Lock()
	s.profiles[p.ID] = &entry{p: p}
	if s.activeID == "" {
		s.activeID = p.ID
	}
	s.mu.Unlock()

	s.logger.Info("profile created", "profile_id", p.ID, "name", name)
	return p.clone()
}

// Get returns an immutable snapshot of a profile
func (s *Store) Get(id string) (Profile, error) {
	s.mu.RLock()
	e, ok := s.profiles[id]
	s.mu.RUnlock()
	if !ok {
		return Profile{}, ErrProfileNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p.clone(), nil
}

// List returns snapshots of all profiles
func (s *Store) List() []Profile {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.profiles))
	for _, e := range s.profiles {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Profile, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.p.clone())
		e.mu.Unlock()
	}
	return out
}

// ActiveProfileID returns the id of the profile the trading controller is
// currently reading. Implements regime.ActiveProfileSource.
func (s *Store) ActiveProfileID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// Active returns a snapshot of the active profile
func (s *Store) Active() (Profile, error) {
	return s.Get(s.ActiveProfileID())
}

// SetActive switches the active-profile pointer
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return ErrProfileNotFound
	}
	s.activeID = id
	return nil
}

// OverrideActive reports the manual-override flag.
// Implements regime.OverrideChecker.
func (s *Store) OverrideActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overrideActive
}

// OverrideOwner returns the operator that set the override flag
func (s *Store) OverrideOwner() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overrideOwner
}

// SetManualOverride toggles the override flag. Last writer wins.
func (s *Store) SetManualOverride(active bool, owner string) {
	s.mu.Lock()
	s.overrideActive = active
	if active {
		s.overrideOwner = owner
	} else {
		s.overrideOwner = ""
	}
	s.mu.Unlock()

	s.logger.Info("manual override toggled", "active", active, "owner", owner)
	s.bus.PublishOverrideToggled(active, owner)
}

// Apply performs one governed write. Exactly one audit entry is produced
// whether the write applies or is rejected; rejection is always a typed
// error, never a silent no-op.
func (s *Store) Apply(ctx context.Context, profileID string, req WriteRequest) (Profile, error) {
	s.mu.RLock()
	e, ok := s.profiles[profileID]
	overrideActive := s.overrideActive
	overrideOwner := s.overrideOwner
	s.mu.RUnlock()
	if !ok {
		return Profile{}, ErrProfileNotFound
	}

	if !e.mu.TryLock() {
		s.rejected(ctx, profileID, req, "profile busy")
		return Profile{}, ErrProfileBusy
	}
	defer e.mu.Unlock()

	// During an override only the owner may authorize automated writes;
	// an approver other than the owner is rejected.
	if overrideActive && req.Automated && req.RequestedBy != overrideOwner {
		s.rejected(ctx, profileID, req, "manual override active")
		return Profile{}, ErrOverrideConflict
	}

	oldValues := make(map[string]float64, len(req.Changes))
	newValues := make(map[string]float64, len(req.Changes))
	for k, v := range req.Changes {
		oldValues[k] = e.p.Params[k]
		newValues[k] = v
	}
	for k, v := range req.Changes {
		e.p.Params[k] = v
	}
	e.p.Version++
	e.p.UpdatedAt = time.Now()

	s.audit.Record(ctx, AuditEntry{
		ProfileID: profileID,
		Source:    req.Source,
		Reason:    req.Reason,
		Outcome:   AuditOutcomeApplied,
		OldValues: oldValues,
		NewValues: newValues,
	})
	s.bus.PublishParameterChanged(profileID, req.Source, req.Reason, oldValues, newValues)
	s.logger.Info("profile updated",
		"profile_id", profileID, "source", req.Source,
		"changes", len(req.Changes), "version", e.p.Version)

	return e.p.clone(), nil
}

func (s *Store) rejected(ctx context.Context, profileID string, req WriteRequest, why string) {
	s.audit.Record(ctx, AuditEntry{
		ProfileID: profileID,
		Source:    req.Source,
		Reason:    fmt.Sprintf("%s (requested: %s)", why, req.Reason),
		Outcome:   AuditOutcomeRejected,
	})
	s.bus.PublishParameterRejected(profileID, req.Source, why)
}

// Audit returns the store's audit log
func (s *Store) Audit() *AuditLog {
	return s.audit
}

// Restore loads previously persisted profiles at startup. Existing
// entries with the same ID are replaced wholesale; the first restored
// profile becomes active if none is.
func (s *Store) Restore(profiles []Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range profiles {
		s.profiles[p.ID] = &entry{p: p.clone()}
		if s.activeID == "" {
			s.activeID = p.ID
		}
	}
}
