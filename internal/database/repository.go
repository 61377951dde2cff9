package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"regime-governor/internal/performance"
	"regime-governor/internal/playbook"
	"regime-governor/internal/profile"
	"regime-governor/internal/regime"
	"regime-governor/internal/tuner"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// REGIME INSTANCES
// ============================================================================

// SaveInstance inserts a newly opened regime instance
func (r *Repository) SaveInstance(ctx context.Context, inst regime.Instance) error {
	contextJSON, err := json.Marshal(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal market context: %w", err)
	}
	query := `
		INSERT INTO regime_instances (id, label, start_time, end_time, start_confidence, market_context, profile_id, manual_override)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = r.db.Pool.Exec(ctx, query,
		inst.ID, string(inst.Label), inst.StartTime, inst.EndTime,
		inst.StartConfidence, contextJSON, inst.ProfileID, inst.ManualOverride,
	)
	return err
}

// CloseInstance stamps the end time on a closed instance
func (r *Repository) CloseInstance(ctx context.Context, inst regime.Instance) error {
	if inst.EndTime == nil {
		return fmt.Errorf("instance %s has no end time", inst.ID)
	}
	query := `UPDATE regime_instances SET end_time = $2 WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, inst.ID, *inst.EndTime)
	return err
}

// OpenInstances returns instances with no end time, oldest first
func (r *Repository) OpenInstances(ctx context.Context) ([]regime.Instance, error) {
	query := `
		SELECT id, label, start_time, end_time, start_confidence, market_context, profile_id, manual_override
		FROM regime_instances
		WHERE end_time IS NULL
		ORDER BY start_time ASC
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

// InstanceHistory returns closed instances, newest first. An empty label
// matches all labels.
func (r *Repository) InstanceHistory(ctx context.Context, label regime.Label, limit, offset int) ([]regime.Instance, error) {
	query := `
		SELECT id, label, start_time, end_time, start_confidence, market_context, profile_id, manual_override
		FROM regime_instances
		WHERE end_time IS NOT NULL AND ($1 = '' OR label = $1)
		ORDER BY start_time DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Pool.Query(ctx, query, string(label), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

func scanInstances(rows pgx.Rows) ([]regime.Instance, error) {
	var out []regime.Instance
	for rows.Next() {
		var (
			inst        regime.Instance
			label       string
			contextJSON []byte
			profileID   *string
		)
		if err := rows.Scan(&inst.ID, &label, &inst.StartTime, &inst.EndTime,
			&inst.StartConfidence, &contextJSON, &profileID, &inst.ManualOverride); err != nil {
			return nil, err
		}
		inst.Label = regime.Label(label)
		if profileID != nil {
			inst.ProfileID = *profileID
		}
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &inst.Context); err != nil {
				return nil, fmt.Errorf("unmarshal market context: %w", err)
			}
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ============================================================================
// PERFORMANCE RECORDS AND SCORES
// ============================================================================

// SaveRecord inserts a performance record version for an instance
func (r *Repository) SaveRecord(ctx context.Context, rec performance.Record) error {
	query := `
		INSERT INTO performance_records (instance_id, version, roi_percent, win_rate, avg_profit_pct, max_drawdown, trade_count, incomplete, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (instance_id, version) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query,
		rec.InstanceID, rec.Version, rec.ROIPercent, rec.WinRate, rec.AvgProfitPct,
		rec.MaxDrawdown, rec.TradeCount, rec.Incomplete, rec.ComputedAt,
	)
	return err
}

// RecordsByLabel returns the latest record version for each of the newest
// `limit` instances of one label, ordered oldest interval first so the
// scorer's rolling baseline window ends on the most recent interval.
func (r *Repository) RecordsByLabel(ctx context.Context, label regime.Label, limit int) ([]performance.Record, error) {
	query := `
		SELECT instance_id, version, roi_percent, win_rate, avg_profit_pct,
		       max_drawdown, trade_count, incomplete, computed_at
		FROM (
			SELECT DISTINCT ON (pr.instance_id)
			       pr.instance_id, pr.version, pr.roi_percent, pr.win_rate, pr.avg_profit_pct,
			       pr.max_drawdown, pr.trade_count, pr.incomplete, pr.computed_at, ri.start_time
			FROM performance_records pr
			JOIN regime_instances ri ON ri.id = pr.instance_id
			WHERE ri.label = $1
			ORDER BY pr.instance_id, pr.version DESC
		) latest
		ORDER BY latest.start_time DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, string(label), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []performance.Record
	for rows.Next() {
		var rec performance.Record
		if err := rows.Scan(&rec.InstanceID, &rec.Version, &rec.ROIPercent, &rec.WinRate,
			&rec.AvgProfitPct, &rec.MaxDrawdown, &rec.TradeCount, &rec.Incomplete, &rec.ComputedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// the query returns newest first; Seed consumes oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RecordForInstance returns the latest record version for one instance
func (r *Repository) RecordForInstance(ctx context.Context, instanceID string) (*performance.Record, error) {
	query := `
		SELECT instance_id, version, roi_percent, win_rate, avg_profit_pct, max_drawdown, trade_count, incomplete, computed_at
		FROM performance_records
		WHERE instance_id = $1
		ORDER BY version DESC
		LIMIT 1
	`
	var rec performance.Record
	err := r.db.Pool.QueryRow(ctx, query, instanceID).Scan(
		&rec.InstanceID, &rec.Version, &rec.ROIPercent, &rec.WinRate,
		&rec.AvgProfitPct, &rec.MaxDrawdown, &rec.TradeCount, &rec.Incomplete, &rec.ComputedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveScore inserts a pattern score for an instance
func (r *Repository) SaveScore(ctx context.Context, score performance.Score) error {
	query := `
		INSERT INTO pattern_scores (instance_id, pattern_score, z_score, is_high_performer, is_outlier)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		score.InstanceID, score.PatternScore, score.ZScore, score.IsHighPerformer, score.IsOutlier,
	)
	return err
}

// ScoreForInstance returns the pattern score for one instance
func (r *Repository) ScoreForInstance(ctx context.Context, instanceID string) (*performance.Score, error) {
	query := `
		SELECT instance_id, pattern_score, z_score, is_high_performer, is_outlier
		FROM pattern_scores
		WHERE instance_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	var s performance.Score
	err := r.db.Pool.QueryRow(ctx, query, instanceID).Scan(
		&s.InstanceID, &s.PatternScore, &s.ZScore, &s.IsHighPerformer, &s.IsOutlier,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ============================================================================
// TRADES
// ============================================================================

// CreateTrade inserts a closed trade
func (r *Repository) CreateTrade(ctx context.Context, t performance.Trade) error {
	query := `
		INSERT INTO trades (id, symbol, direction, strategy_id, entry_time, exit_time, pnl_percent, entry_regime, entry_volatility, entry_confidence, target_risk_reward)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query,
		t.ID, t.Symbol, t.Direction, t.StrategyID, t.EntryTime, t.ExitTime,
		t.PnLPercent, string(t.EntryRegime), t.EntryVolatility, t.EntryConfidence, t.TargetRiskReward,
	)
	return err
}

// TradesBetween returns trades fully contained in [start, end), sorted by
// exit time. Feeds the interval performance recorder.
func (r *Repository) TradesBetween(ctx context.Context, start, end time.Time) ([]performance.Trade, error) {
	query := `
		SELECT id, symbol, direction, strategy_id, entry_time, exit_time, pnl_percent, entry_regime, entry_volatility, entry_confidence, target_risk_reward
		FROM trades
		WHERE entry_time >= $1 AND exit_time < $2
		ORDER BY exit_time ASC
	`
	return r.queryTrades(ctx, query, start, end)
}

// TradesSince returns trades that exited at or after the cutoff. Feeds the
// tuner's lookback window.
func (r *Repository) TradesSince(ctx context.Context, cutoff time.Time) ([]performance.Trade, error) {
	query := `
		SELECT id, symbol, direction, strategy_id, entry_time, exit_time, pnl_percent, entry_regime, entry_volatility, entry_confidence, target_risk_reward
		FROM trades
		WHERE exit_time >= $1
		ORDER BY exit_time ASC
	`
	return r.queryTrades(ctx, query, cutoff)
}

func (r *Repository) queryTrades(ctx context.Context, query string, args ...interface{}) ([]performance.Trade, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []performance.Trade
	for rows.Next() {
		var (
			t           performance.Trade
			entryRegime *string
		)
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Direction, &t.StrategyID, &t.EntryTime,
			&t.ExitTime, &t.PnLPercent, &entryRegime, &t.EntryVolatility, &t.EntryConfidence, &t.TargetRiskReward); err != nil {
			return nil, err
		}
		if entryRegime != nil {
			t.EntryRegime = regime.Label(*entryRegime)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ============================================================================
// PLAYBOOKS
// ============================================================================

// SavePlaybook upserts a playbook, counters included
func (r *Repository) SavePlaybook(ctx context.Context, pb playbook.Playbook) error {
	settingsJSON, err := json.Marshal(pb.Settings)
	if err != nil {
		return fmt.Errorf("marshal playbook settings: %w", err)
	}
	query := `
		INSERT INTO playbooks (id, name, source_label, source_instance_id, confidence_threshold,
			entry_conditions, exit_conditions, stop_strategy, position_sizing, settings,
			active, auto_generated, times_applied, success_rate, avg_roi, outcome_count, user_rating, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			active = EXCLUDED.active,
			times_applied = EXCLUDED.times_applied,
			success_rate = EXCLUDED.success_rate,
			avg_roi = EXCLUDED.avg_roi,
			outcome_count = EXCLUDED.outcome_count,
			user_rating = EXCLUDED.user_rating
	`
	_, err = r.db.Pool.Exec(ctx, query,
		pb.ID, pb.Name, string(pb.SourceLabel), pb.SourceInstanceID, pb.ConfidenceThreshold,
		pb.EntryConditions, pb.ExitConditions, pb.StopStrategy, pb.PositionSizing, settingsJSON,
		pb.Active, pb.AutoGenerated, pb.TimesApplied, pb.SuccessRate, pb.AvgROI, pb.OutcomeCount,
		pb.UserRating, pb.CreatedAt,
	)
	return err
}

// ListPlaybooks returns all stored playbooks, newest first
func (r *Repository) ListPlaybooks(ctx context.Context) ([]playbook.Playbook, error) {
	query := `
		SELECT id, name, source_label, source_instance_id, confidence_threshold,
		       entry_conditions, exit_conditions, stop_strategy, position_sizing, settings,
		       active, auto_generated, times_applied, success_rate, avg_roi, outcome_count, user_rating, created_at
		FROM playbooks
		ORDER BY created_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []playbook.Playbook
	for rows.Next() {
		var (
			pb           playbook.Playbook
			label        string
			settingsJSON []byte
		)
		if err := rows.Scan(&pb.ID, &pb.Name, &label, &pb.SourceInstanceID, &pb.ConfidenceThreshold,
			&pb.EntryConditions, &pb.ExitConditions, &pb.StopStrategy, &pb.PositionSizing, &settingsJSON,
			&pb.Active, &pb.AutoGenerated, &pb.TimesApplied, &pb.SuccessRate, &pb.AvgROI,
			&pb.OutcomeCount, &pb.UserRating, &pb.CreatedAt); err != nil {
			return nil, err
		}
		pb.SourceLabel = regime.Label(label)
		if len(settingsJSON) > 0 {
			if err := json.Unmarshal(settingsJSON, &pb.Settings); err != nil {
				return nil, fmt.Errorf("unmarshal playbook settings: %w", err)
			}
		}
		out = append(out, pb)
	}
	return out, rows.Err()
}

// ============================================================================
// TUNING SESSIONS
// ============================================================================

// SaveSession upserts a tuning session
func (r *Repository) SaveSession(ctx context.Context, s tuner.Session) error {
	featuresJSON, err := json.Marshal(s.Features)
	if err != nil {
		return fmt.Errorf("marshal session features: %w", err)
	}
	recsJSON, err := json.Marshal(s.Recommendations)
	if err != nil {
		return fmt.Errorf("marshal session recommendations: %w", err)
	}
	query := `
		INSERT INTO tuning_sessions (id, profile_id, status, features, recommendations, created_at, expires_at, resolved_at, resolved_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			recommendations = EXCLUDED.recommendations,
			resolved_at = EXCLUDED.resolved_at,
			resolved_by = EXCLUDED.resolved_by
	`
	_, err = r.db.Pool.Exec(ctx, query,
		s.ID, s.ProfileID, s.Status, featuresJSON, recsJSON,
		s.CreatedAt, s.ExpiresAt, s.ResolvedAt, s.ResolvedBy,
	)
	return err
}

// ============================================================================
// PARAMETER AUDIT
// ============================================================================

// CreateAuditEntry persists one parameter mutation attempt
func (r *Repository) CreateAuditEntry(ctx context.Context, entry *profile.AuditEntry) error {
	oldJSON, err := json.Marshal(entry.OldValues)
	if err != nil {
		return fmt.Errorf("marshal audit old values: %w", err)
	}
	newJSON, err := json.Marshal(entry.NewValues)
	if err != nil {
		return fmt.Errorf("marshal audit new values: %w", err)
	}
	query := `
		INSERT INTO parameter_audit (id, profile_id, source, reason, outcome, old_values, new_values, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		entry.ID, entry.ProfileID, entry.Source, entry.Reason, entry.Outcome,
		oldJSON, newJSON, entry.CreatedAt,
	)
	return err
}

// AuditEntries returns audit entries, newest first. An empty profileID
// matches all profiles.
func (r *Repository) AuditEntries(ctx context.Context, profileID string, limit int) ([]profile.AuditEntry, error) {
	query := `
		SELECT id, profile_id, source, reason, outcome, old_values, new_values, created_at
		FROM parameter_audit
		WHERE $1 = '' OR profile_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, profileID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []profile.AuditEntry
	for rows.Next() {
		var (
			e                profile.AuditEntry
			oldJSON, newJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.ProfileID, &e.Source, &e.Reason, &e.Outcome,
			&oldJSON, &newJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(oldJSON) > 0 {
			if err := json.Unmarshal(oldJSON, &e.OldValues); err != nil {
				return nil, fmt.Errorf("unmarshal audit old values: %w", err)
			}
		}
		if len(newJSON) > 0 {
			if err := json.Unmarshal(newJSON, &e.NewValues); err != nil {
				return nil, fmt.Errorf("unmarshal audit new values: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ============================================================================
// PARAMETER PROFILES
// ============================================================================

// SaveProfile upserts a parameter profile snapshot
func (r *Repository) SaveProfile(ctx context.Context, p profile.Profile) error {
	paramsJSON, err := json.Marshal(p.Params)
	if err != nil {
		return fmt.Errorf("marshal profile params: %w", err)
	}
	query := `
		INSERT INTO parameter_profiles (id, name, params, version, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			params = EXCLUDED.params,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.Pool.Exec(ctx, query, p.ID, p.Name, paramsJSON, p.Version, p.UpdatedAt)
	return err
}

// ListProfiles loads all stored profiles
func (r *Repository) ListProfiles(ctx context.Context) ([]profile.Profile, error) {
	query := `SELECT id, name, params, version, updated_at FROM parameter_profiles ORDER BY created_at ASC`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []profile.Profile
	for rows.Next() {
		var (
			p          profile.Profile
			paramsJSON []byte
		)
		if err := rows.Scan(&p.ID, &p.Name, &paramsJSON, &p.Version, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(paramsJSON, &p.Params); err != nil {
			return nil, fmt.Errorf("unmarshal profile params: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
