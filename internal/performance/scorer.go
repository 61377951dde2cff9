package performance

import (
	"math"
	"time"

	"regime-governor/internal/logging"
	"regime-governor/internal/regime"
)

// ScorerConfig controls baseline windows and scoring thresholds
type ScorerConfig struct {
	BaselineWindow    int     `json:"baseline_window"`     // last K non-incomplete records per label (default 50)
	OutlierZThreshold float64 `json:"outlier_z_threshold"` // |z| above this flags an outlier (default 2.0)
	ROIWeight         float64 `json:"roi_weight"`          // pattern score weight for normalized ROI (default 0.6)
	WinRateWeight     float64 `json:"win_rate_weight"`     // pattern score weight for normalized win rate (default 0.4)
	MinTradesForFull  int     `json:"min_trades_for_full"` // trade count giving a full sample-size multiplier (default 10)
	MinDurationMins   int     `json:"min_duration_mins"`   // interval minutes giving a full multiplier (default 30)
	MinBaselineCount  int     `json:"min_baseline_count"`  // records required before z-scores are meaningful (default 5)
}

// DefaultScorerConfig returns the documented defaults
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		BaselineWindow:    50,
		OutlierZThreshold: 2.0,
		ROIWeight:         0.6,
		WinRateWeight:     0.4,
		MinTradesForFull:  10,
		MinDurationMins:   30,
		MinBaselineCount:  5,
	}
}

// Score is the derived pattern/outlier assessment of one record
type Score struct {
	InstanceID      string  `json:"instance_id"`
	PatternScore    float64 `json:"pattern_score"` // 0-1
	ZScore          float64 `json:"z_score"`       // ROI z-score vs the label baseline
	IsHighPerformer bool    `json:"is_high_performer"`
	IsOutlier       bool    `json:"is_outlier"`
}

// Baseline is the rolling mean/stddev of ROI% and win rate for one label
type Baseline struct {
	Label      regime.Label `json:"label"`
	Count      int          `json:"count"`
	ROIMean    float64      `json:"roi_mean"`
	ROIStdDev  float64      `json:"roi_std_dev"`
	WinMean    float64      `json:"win_mean"`
	WinStdDev  float64      `json:"win_std_dev"`
}

type baselineWindow struct {
	rois []float64
	wins []float64
}

// Scorer maintains rolling per-label baselines and scores new records
// against them. Incomplete records never enter a baseline, so empty
// intervals cannot poison the statistics. Driven by the governor tick;
// not safe for concurrent mutation.
type Scorer struct {
	cfg     ScorerConfig
	logger  *logging.Logger
	windows map[regime.Label]*baselineWindow
}

// NewScorer creates a scorer with empty baselines
func NewScorer(cfg ScorerConfig, logger *logging.Logger) *Scorer {
	return &Scorer{
		cfg:     cfg,
		logger:  logger.WithComponent("scorer"),
		windows: make(map[regime.Label]*baselineWindow),
	}
}

// Seed preloads a label's baseline from historical records, oldest first.
// Used at startup so a restart does not forget the rolling windows.
func (s *Scorer) Seed(label regime.Label, records []Record) {
	for _, r := range records {
		if !r.Incomplete {
			s.observe(label, r)
		}
	}
}

// Baseline returns the current baseline statistics for a label
func (s *Scorer) Baseline(label regime.Label) Baseline {
	b := Baseline{Label: label}
	w, ok := s.windows[label]
	if !ok || len(w.rois) == 0 {
		return b
	}
	b.Count = len(w.rois)
	b.ROIMean, b.ROIStdDev = meanStd(w.rois)
	b.WinMean, b.WinStdDev = meanStd(w.wins)
	return b
}

// ScoreRecord scores a record against its label's baseline and then folds
// the record into the baseline (non-incomplete records only). The score is
// computed against the baseline as it stood before this record, matching
// how an operator would judge the interval at close time.
func (s *Scorer) ScoreRecord(label regime.Label, rec Record, duration time.Duration) Score {
	base := s.Baseline(label)
	score := Score{InstanceID: rec.InstanceID}

	if !rec.Incomplete && base.Count >= s.cfg.MinBaselineCount {
		score.ZScore = zScore(rec.ROIPercent, base.ROIMean, base.ROIStdDev)
		zWin := zScore(rec.WinRate, base.WinMean, base.WinStdDev)

		mult := s.sampleSizeMultiplier(rec.TradeCount, duration)
		score.PatternScore = clamp01((s.cfg.ROIWeight*logistic(score.ZScore) +
			s.cfg.WinRateWeight*logistic(zWin)) * mult)

		score.IsOutlier = math.Abs(score.ZScore) >= s.cfg.OutlierZThreshold
		// High performer requires both metrics a full deviation above the
		// mean; incomplete records are ineligible by construction.
		score.IsHighPerformer = rec.ROIPercent >= base.ROIMean+base.ROIStdDev &&
			rec.WinRate >= base.WinMean+base.WinStdDev
	}

	if !rec.Incomplete {
		s.observe(label, rec)
	}

	if score.IsHighPerformer || score.IsOutlier {
		s.logger.Info("exceptional interval",
			"instance_id", rec.InstanceID, "label", string(label),
			"z_score", score.ZScore, "pattern_score", score.PatternScore,
			"high_performer", score.IsHighPerformer, "outlier", score.IsOutlier)
	}
	return score
}

func (s *Scorer) observe(label regime.Label, rec Record) {
	w, ok := s.windows[label]
	if !ok {
		w = &baselineWindow{}
		s.windows[label] = w
	}
	w.rois = append(w.rois, rec.ROIPercent)
	w.wins = append(w.wins, rec.WinRate)
	if len(w.rois) > s.cfg.BaselineWindow {
		w.rois = w.rois[len(w.rois)-s.cfg.BaselineWindow:]
		w.wins = w.wins[len(w.wins)-s.cfg.BaselineWindow:]
	}
}

// sampleSizeMultiplier discounts intervals with few trades or very short
// duration so thin evidence cannot produce a top pattern score.
func (s *Scorer) sampleSizeMultiplier(trades int, duration time.Duration) float64 {
	tradePart := clamp01(float64(trades) / float64(s.cfg.MinTradesForFull))
	durPart := clamp01(duration.Minutes() / float64(s.cfg.MinDurationMins))
	return math.Min(tradePart, durPart)*0.5 + 0.5*math.Sqrt(tradePart*durPart)
}

func zScore(v, mean, std float64) float64 {
	if std <= 0 {
		return 0
	}
	return (v - mean) / std
}

func logistic(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func meanStd(vs []float64) (float64, float64) {
	if len(vs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	mean := sum / float64(len(vs))
	var sq float64
	for _, v := range vs {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(vs)))
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
