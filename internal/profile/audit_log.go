package profile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Audit outcome constants
const (
	AuditOutcomeApplied  = "APPLIED"
	AuditOutcomeRejected = "REJECTED"
)

// AuditEntry records one parameter mutation attempt, successful or not.
// Every write through the governed path produces exactly one entry.
type AuditEntry struct {
	ID        string             `json:"id"`
	ProfileID string             `json:"profile_id"`
	Source    string             `json:"source"` // e.g. "playbook:<id>", "tuner:<session>", "operator"
	Reason    string             `json:"reason"`
	Outcome   string             `json:"outcome"` // APPLIED or REJECTED
	OldValues map[string]float64 `json:"old_values,omitempty"`
	NewValues map[string]float64 `json:"new_values,omitempty"` // empty when rejected
	CreatedAt time.Time          `json:"created_at"`
}

// AuditRepository persists audit entries. A nil repository keeps the trail
// in memory only.
type AuditRepository interface {
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
}

// AuditLog writes the parameter audit trail: every entry goes to the
// structured event log and, when configured, to the repository. A bounded
// in-memory ring serves recent-history queries without touching storage.
type AuditLog struct {
	mu      sync.RWMutex
	repo    AuditRepository
	logger  zerolog.Logger
	recent  []AuditEntry
	maxKeep int
}

// NewAuditLog creates an audit log writing through the given repository
func NewAuditLog(repo AuditRepository, logger zerolog.Logger) *AuditLog {
	return &AuditLog{
		repo:    repo,
		logger:  logger.With().Str("component", "ParameterAudit").Logger(),
		maxKeep: 500,
	}
}

// Record appends one audit entry, filling id and timestamp
func (a *AuditLog) Record(ctx context.Context, entry AuditEntry) AuditEntry {
	entry.ID = uuid.New().String()
	entry.CreatedAt = time.Now()

	a.mu.Lock()
	a.recent = append(a.recent, entry)
	if len(a.recent) > a.maxKeep {
		a.recent = a.recent[len(a.recent)-a.maxKeep:]
	}
	a.mu.Unlock()

	evt := a.logger.Info()
	if entry.Outcome == AuditOutcomeRejected {
		evt = a.logger.Warn()
	}
	evt.
		Str("audit_id", entry.ID).
		Str("profile_id", entry.ProfileID).
		Str("source", entry.Source).
		Str("outcome", entry.Outcome).
		Str("reason", entry.Reason).
		Msg("Parameter mutation audited")

	if a.repo != nil {
		if err := a.repo.CreateAuditEntry(ctx, &entry); err != nil {
			a.logger.Error().
				Err(err).
				Str("audit_id", entry.ID).
				Msg("Failed to persist audit entry")
		}
	}
	return entry
}

// Recent returns up to limit most recent entries, newest last
func (a *AuditLog) Recent(limit int) []AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if limit <= 0 || limit > len(a.recent) {
		limit = len(a.recent)
	}
	out := make([]AuditEntry, limit)
	copy(out, a.recent[len(a.recent)-limit:])
	return out
}
