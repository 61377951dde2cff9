package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"regime-governor/internal/governor"
	"regime-governor/internal/performance"
	"regime-governor/internal/playbook"
	"regime-governor/internal/profile"
	"regime-governor/internal/regime"
	"regime-governor/internal/tuner"
)

// statusForError maps the domain error taxonomy to HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, profile.ErrProfileNotFound),
		errors.Is(err, playbook.ErrPlaybookNotFound),
		errors.Is(err, tuner.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, profile.ErrProfileBusy),
		errors.Is(err, profile.ErrOverrideConflict),
		errors.Is(err, playbook.ErrPlaybookInactive),
		errors.Is(err, tuner.ErrTuningInProgress),
		errors.Is(err, tuner.ErrSessionNotPending),
		errors.Is(err, governor.ErrTickInFlight):
		return http.StatusConflict
	case errors.Is(err, tuner.ErrInsufficientData),
		errors.Is(err, tuner.ErrNoRecommendations),
		errors.Is(err, playbook.ErrNotHighPerformer),
		errors.Is(err, performance.ErrIncompleteInterval):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) abortWithError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"error": err.Error()})
}

// ============================================================================
// INGEST
// ============================================================================

type snapshotRequest struct {
	Timestamp  time.Time `json:"timestamp"`
	Indicators struct {
		ADX            *float64 `json:"adx"`
		Volatility     *float64 `json:"volatility"`
		RSI            *float64 `json:"rsi"`
		TrendDirection *float64 `json:"trend_direction"`
		EMAAlignment   *float64 `json:"ema_alignment"`
		BBWidth        *float64 `json:"bb_width"`
	} `json:"indicators"`
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

// handleIngestSnapshot runs one market snapshot through the pipeline.
// Missing indicator fields are accepted; classification degrades to
// UNKNOWN and the open interval is left alone.
func (s *Server) handleIngestSnapshot(c *gin.Context) {
	var req snapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid snapshot payload: " + err.Error()})
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	bundle := regime.IndicatorBundle{
		ADX:            orNaN(req.Indicators.ADX),
		Volatility:     orNaN(req.Indicators.Volatility),
		RSI:            orNaN(req.Indicators.RSI),
		TrendDirection: orNaN(req.Indicators.TrendDirection),
		EMAAlignment:   orNaN(req.Indicators.EMAAlignment),
		BBWidth:        orNaN(req.Indicators.BBWidth),
	}

	result, err := s.engine.Tick(c.Request.Context(), req.Timestamp, bundle)
	if err != nil {
		if errors.Is(err, governor.ErrTickInFlight) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, regime.ErrMissingIndicatorData) {
			c.JSON(http.StatusOK, gin.H{"result": result, "warning": err.Error()})
			return
		}
		s.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

type tradeRequest struct {
	ID               string    `json:"id"`
	Symbol           string    `json:"symbol" binding:"required"`
	Direction        string    `json:"direction" binding:"required"`
	StrategyID       string    `json:"strategy_id"`
	EntryTime        time.Time `json:"entry_time" binding:"required"`
	ExitTime         time.Time `json:"exit_time" binding:"required"`
	PnLPercent       float64   `json:"pnl_percent"`
	EntryRegime      string    `json:"entry_regime"`
	EntryVolatility  float64   `json:"entry_volatility"`
	EntryConfidence  float64   `json:"entry_confidence"`
	TargetRiskReward float64   `json:"target_risk_reward"`
}

// handleIngestTrade records one closed trade
func (s *Server) handleIngestTrade(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trade storage not configured"})
		return
	}
	var req tradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trade payload: " + err.Error()})
		return
	}
	if !req.ExitTime.After(req.EntryTime) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exit_time must be after entry_time"})
		return
	}
	if req.EntryConfidence < 0 || req.EntryConfidence > 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "entry_confidence must be between 0 and 1"})
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	trade := performance.Trade{
		ID:               req.ID,
		Symbol:           req.Symbol,
		Direction:        req.Direction,
		StrategyID:       req.StrategyID,
		EntryTime:        req.EntryTime,
		ExitTime:         req.ExitTime,
		PnLPercent:       req.PnLPercent,
		EntryRegime:      regime.Label(req.EntryRegime),
		EntryVolatility:  req.EntryVolatility,
		EntryConfidence:  req.EntryConfidence,
		TargetRiskReward: req.TargetRiskReward,
	}
	if err := s.repo.CreateTrade(c.Request.Context(), trade); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": trade.ID})
}

// ============================================================================
// REGIME STATE AND HISTORY
// ============================================================================

// handleCurrentRegime serves the live regime state, preferring the cache
func (s *Server) handleCurrentRegime(c *gin.Context) {
	if s.regimeCache != nil {
		if state, err := s.regimeCache.GetCurrentRegime(c.Request.Context()); err == nil && state != nil {
			c.JSON(http.StatusOK, gin.H{"state": state, "source": "cache"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"state": s.engine.State(), "source": "engine"})
}

func (s *Server) handleRegimeHistory(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history storage not configured"})
		return
	}
	label := regime.Label(c.Query("label"))
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	instances, err := s.repo.InstanceHistory(c.Request.Context(), label, limit, offset)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances, "count": len(instances)})
}

func (s *Server) handleInstancePerformance(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history storage not configured"})
		return
	}
	id := c.Param("id")

	rec, err := s.repo.RecordForInstance(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no performance record for instance"})
		return
	}
	resp := gin.H{"record": rec}
	if score, err := s.repo.ScoreForInstance(c.Request.Context(), id); err == nil {
		resp["score"] = score
	}
	c.JSON(http.StatusOK, resp)
}

// ============================================================================
// PLAYBOOKS
// ============================================================================

func (s *Server) handleListPlaybooks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"playbooks": s.playbooks.List()})
}

type createPlaybookRequest struct {
	Name                string             `json:"name" binding:"required"`
	SourceLabel         string             `json:"source_label" binding:"required"`
	ConfidenceThreshold float64            `json:"confidence_threshold"`
	EntryConditions     string             `json:"entry_conditions"`
	ExitConditions      string             `json:"exit_conditions"`
	StopStrategy        string             `json:"stop_strategy"`
	PositionSizing      string             `json:"position_sizing"`
	Settings            map[string]float64 `json:"settings"`
}

func (s *Server) handleCreatePlaybook(c *gin.Context) {
	var req createPlaybookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid playbook payload: " + err.Error()})
		return
	}

	pb := s.playbooks.CreateManual(playbook.Playbook{
		Name:                req.Name,
		SourceLabel:         regime.Label(req.SourceLabel),
		ConfidenceThreshold: req.ConfidenceThreshold,
		EntryConditions:     req.EntryConditions,
		ExitConditions:      req.ExitConditions,
		StopStrategy:        req.StopStrategy,
		PositionSizing:      req.PositionSizing,
		Settings:            req.Settings,
	})
	if s.repo != nil {
		if err := s.repo.SavePlaybook(c.Request.Context(), pb); err != nil {
			s.logger.Error("failed to persist playbook", "playbook_id", pb.ID, "error", err)
		}
	}
	c.JSON(http.StatusCreated, gin.H{"playbook": pb})
}

// handlePlaybookMatches ranks active playbooks against the current regime
func (s *Server) handlePlaybookMatches(c *gin.Context) {
	state := s.engine.State()
	if state.Label == "" || state.Label == regime.LabelUnknown {
		c.JSON(http.StatusOK, gin.H{"matches": []playbook.Match{}, "label": regime.LabelUnknown})
		return
	}

	if s.regimeCache != nil {
		if matches, err := s.regimeCache.GetMatches(c.Request.Context(), state.Label); err == nil && matches != nil {
			c.JSON(http.StatusOK, gin.H{"matches": matches, "label": state.Label, "source": "cache"})
			return
		}
	}

	matches := s.playbooks.MatchCurrent(state.Label, state.Confidence)
	if s.regimeCache != nil {
		if err := s.regimeCache.SetMatches(c.Request.Context(), state.Label, matches); err != nil {
			s.logger.Warn("failed to cache playbook matches", "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches, "label": state.Label})
}

type applyPlaybookRequest struct {
	ProfileID   string `json:"profile_id"`
	RequestedBy string `json:"requested_by"`
}

func (s *Server) handleApplyPlaybook(c *gin.Context) {
	var req applyPlaybookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid apply payload: " + err.Error()})
		return
	}
	if req.ProfileID == "" {
		req.ProfileID = s.profiles.ActiveProfileID()
	}
	if req.RequestedBy == "" {
		req.RequestedBy = "operator"
	}

	if err := s.playbooks.Apply(c.Request.Context(), c.Param("id"), req.ProfileID, req.RequestedBy); err != nil {
		s.abortWithError(c, err)
		return
	}
	if s.repo != nil {
		if pb, err := s.playbooks.Get(c.Param("id")); err == nil {
			if err := s.repo.SavePlaybook(c.Request.Context(), pb); err != nil {
				s.logger.Error("failed to persist playbook counters", "playbook_id", pb.ID, "error", err)
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"applied": true, "profile_id": req.ProfileID})
}

func (s *Server) handleSetPlaybookActive(c *gin.Context) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	if err := s.playbooks.SetActive(c.Param("id"), req.Active); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": req.Active})
}

func (s *Server) handleRatePlaybook(c *gin.Context) {
	var req struct {
		Rating int `json:"rating" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	if err := s.playbooks.Rate(c.Param("id"), req.Rating); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rating": req.Rating})
}

// ============================================================================
// PROFILES AND GOVERNANCE
// ============================================================================

func (s *Server) handleListProfiles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"profiles":        s.profiles.List(),
		"active_id":       s.profiles.ActiveProfileID(),
		"override_active": s.profiles.OverrideActive(),
	})
}

type createProfileRequest struct {
	Name   string             `json:"name" binding:"required"`
	Params map[string]float64 `json:"params" binding:"required"`
}

func (s *Server) handleCreateProfile(c *gin.Context) {
	var req createProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile payload: " + err.Error()})
		return
	}
	p := s.profiles.Create(req.Name, req.Params)
	if s.repo != nil {
		if err := s.repo.SaveProfile(c.Request.Context(), p); err != nil {
			s.logger.Error("failed to persist profile", "profile_id", p.ID, "error", err)
		}
	}
	c.JSON(http.StatusCreated, gin.H{"profile": p})
}

func (s *Server) handleGetProfile(c *gin.Context) {
	p, err := s.profiles.Get(c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

type applyParamsRequest struct {
	Source      string             `json:"source"`
	RequestedBy string             `json:"requested_by"`
	Reason      string             `json:"reason"`
	Changes     map[string]float64 `json:"changes" binding:"required"`
}

// handleApplyParams is the operator's direct write path. It is not marked
// automated, so it succeeds even while the manual override is active.
func (s *Server) handleApplyParams(c *gin.Context) {
	var req applyParamsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params payload: " + err.Error()})
		return
	}
	if req.Source == "" {
		req.Source = "operator"
	}
	if req.RequestedBy == "" {
		req.RequestedBy = req.Source
	}

	p, err := s.profiles.Apply(c.Request.Context(), c.Param("id"), profile.WriteRequest{
		Source:      req.Source,
		RequestedBy: req.RequestedBy,
		Reason:      req.Reason,
		Changes:     req.Changes,
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if s.repo != nil {
		if err := s.repo.SaveProfile(c.Request.Context(), p); err != nil {
			s.logger.Error("failed to persist profile", "profile_id", p.ID, "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

type overrideRequest struct {
	Active bool   `json:"active"`
	Owner  string `json:"owner"`
}

func (s *Server) handleSetOverride(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid override payload: " + err.Error()})
		return
	}
	if req.Owner == "" {
		req.Owner = "operator"
	}
	s.profiles.SetManualOverride(req.Active, req.Owner)
	c.JSON(http.StatusOK, gin.H{"override_active": req.Active, "owner": req.Owner})
}

func (s *Server) handleAuditTrail(c *gin.Context) {
	profileID := c.Query("profile_id")
	limit := queryInt(c, "limit", 100)

	if s.repo != nil {
		entries, err := s.repo.AuditEntries(c.Request.Context(), profileID, limit)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
			return
		}
		s.logger.Warn("audit query fell back to memory", "error", err)
	}
	entries := s.profiles.Audit().Recent(limit)
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// ============================================================================
// TUNING SESSIONS
// ============================================================================

type createSessionRequest struct {
	ProfileID string `json:"profile_id"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trade storage not configured"})
		return
	}
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session payload: " + err.Error()})
		return
	}
	if req.ProfileID == "" {
		req.ProfileID = s.profiles.ActiveProfileID()
	}

	now := time.Now()
	trades, err := s.repo.TradesSince(c.Request.Context(), now.AddDate(0, 0, -90))
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	sess, err := s.tuner.Propose(req.ProfileID, trades, now)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if err := s.repo.SaveSession(c.Request.Context(), sess); err != nil {
		s.logger.Error("failed to persist tuning session", "session_id", sess.ID, "error", err)
	}
	c.JSON(http.StatusCreated, gin.H{"session": sess})
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.tuner.List()})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.tuner.Get(c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

type resolveSessionRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	ResolvedBy string `json:"resolved_by"`
}

func (s *Server) handleResolveSession(c *gin.Context) {
	var req resolveSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resolve payload: " + err.Error()})
		return
	}
	resolution := tuner.Resolution(req.Resolution)
	switch resolution {
	case tuner.ResolveApplyAll, tuner.ResolveApplySafe, tuner.ResolveReject:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "resolution must be APPLY_ALL, APPLY_SAFE, or REJECT"})
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "operator"
	}

	sess, err := s.tuner.Resolve(c.Request.Context(), c.Param("id"), resolution, req.ResolvedBy)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if s.repo != nil {
		if err := s.repo.SaveSession(c.Request.Context(), sess); err != nil {
			s.logger.Error("failed to persist tuning session", "session_id", sess.ID, "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (s *Server) handleApplyRecommendation(c *gin.Context) {
	resolvedBy := c.Query("resolved_by")
	if resolvedBy == "" {
		resolvedBy = "operator"
	}
	if err := s.tuner.ApplyRecommendation(c.Request.Context(), c.Param("id"), c.Param("param"), resolvedBy); err != nil {
		s.abortWithError(c, err)
		return
	}
	s.persistSession(c, c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"applied": c.Param("param")})
}

func (s *Server) handleDismissRecommendation(c *gin.Context) {
	resolvedBy := c.Query("resolved_by")
	if resolvedBy == "" {
		resolvedBy = "operator"
	}
	if err := s.tuner.DismissRecommendation(c.Param("id"), c.Param("param"), resolvedBy); err != nil {
		s.abortWithError(c, err)
		return
	}
	s.persistSession(c, c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"dismissed": c.Param("param")})
}

func (s *Server) persistSession(c *gin.Context, sessionID string) {
	if s.repo == nil {
		return
	}
	if sess, err := s.tuner.Get(sessionID); err == nil {
		if err := s.repo.SaveSession(c.Request.Context(), sess); err != nil {
			s.logger.Error("failed to persist tuning session", "session_id", sessionID, "error", err)
		}
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
