package regime

import (
	"errors"
	"math"
	"sort"
	"time"

	"regime-governor/internal/logging"
)

// ErrMissingIndicatorData is returned when a bundle lacks required
// indicators. The classifier degrades to UNKNOWN and never emits a
// transition for such a tick.
var ErrMissingIndicatorData = errors.New("missing indicator data")

// ClassifierConfig holds the threshold rules and smoothing parameters.
// The numeric defaults are starting points, not fixed truths; validate
// against historical data before relying on them.
type ClassifierConfig struct {
	ADXTrendThreshold  float64 `json:"adx_trend_threshold"`  // ADX above this = trending (default 25)
	ADXRangeThreshold  float64 `json:"adx_range_threshold"`  // ADX below this = ranging (default 20)
	TrendDirectionMin  float64 `json:"trend_direction_min"`  // |direction| above this = directional (default 0.2)
	HighVolPercentile  float64 `json:"high_vol_percentile"`  // volatility percentile for HIGH_VOLATILITY (default 0.90)
	VolWindowSize      int     `json:"vol_window_size"`      // rolling volatility samples kept (default 200)
	LowVolPercentile   float64 `json:"low_vol_percentile"`   // below this percentile counts as calm (default 0.40)
	SmoothingAlpha     float64 `json:"smoothing_alpha"`      // EWMA weight of the newest classification (default 0.3)
	TransitionMargin   float64 `json:"transition_margin"`    // smoothed-confidence lead required to flip (default 0.10)
	MinSmoothedSamples int     `json:"min_smoothed_samples"` // ticks before the first transition may fire (default 3)
}

// DefaultClassifierConfig returns the documented defaults
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		ADXTrendThreshold:  25,
		ADXRangeThreshold:  20,
		TrendDirectionMin:  0.2,
		HighVolPercentile:  0.90,
		VolWindowSize:      200,
		LowVolPercentile:   0.40,
		SmoothingAlpha:     0.3,
		TransitionMargin:   0.10,
		MinSmoothedSamples: 3,
	}
}

// Classification is the classifier's output for a single tick
type Classification struct {
	Timestamp          time.Time `json:"timestamp"`
	RawLabel           Label     `json:"raw_label"`
	RawConfidence      float64   `json:"raw_confidence"`
	Label              Label     `json:"label"` // label after smoothing/hysteresis
	Confidence         float64   `json:"confidence"`
	Transitioned       bool      `json:"transitioned"`
	PreviousLabel      Label     `json:"previous_label,omitempty"`
	PreviousConfidence float64   `json:"previous_confidence,omitempty"`
}

// Classifier maps indicator bundles to regime labels with hysteresis.
// It is driven by the governor tick and is not safe for concurrent use;
// the single-tick-in-flight rule of the pipeline provides serialization.
type Classifier struct {
	cfg    ClassifierConfig
	logger *logging.Logger

	smoothed  map[Label]float64 // EWMA confidence per label
	current   Label             // label after hysteresis
	ticks     int
	volWindow []float64 // rolling volatility samples for percentile rules
}

// NewClassifier creates a classifier starting in UNKNOWN
func NewClassifier(cfg ClassifierConfig, logger *logging.Logger) *Classifier {
	return &Classifier{
		cfg:      cfg,
		logger:   logger.WithComponent("classifier"),
		smoothed: make(map[Label]float64, len(AllLabels)),
		current:  LabelUnknown,
	}
}

// Current returns the post-hysteresis label and its smoothed confidence
func (c *Classifier) Current() (Label, float64) {
	return c.current, c.smoothed[c.current]
}

// Classify processes one indicator bundle and returns the resulting
// classification. A transition is reported only when the smoothed
// confidence of a new label exceeds the current label's by the configured
// margin; oscillating raw signals around a threshold therefore produce at
// most one transition per genuine margin crossing.
func (c *Classifier) Classify(ts time.Time, bundle IndicatorBundle) (Classification, error) {
	if !bundle.Complete() {
		c.logger.Warn("incomplete indicator bundle, classifying UNKNOWN", "timestamp", ts)
		return Classification{
			Timestamp:     ts,
			RawLabel:      LabelUnknown,
			Label:         c.current,
			Confidence:    c.smoothed[c.current],
			PreviousLabel: c.current,
		}, ErrMissingIndicatorData
	}

	raw, rawConf := c.classifyRaw(bundle)
	c.observeVolatility(bundle.Volatility)
	c.ticks++

	// EWMA update: decay every label, credit the raw winner
	for _, l := range AllLabels {
		c.smoothed[l] *= 1 - c.cfg.SmoothingAlpha
	}
	c.smoothed[raw] += c.cfg.SmoothingAlpha * rawConf

	out := Classification{
		Timestamp:          ts,
		RawLabel:           raw,
		RawConfidence:      rawConf,
		Label:              c.current,
		Confidence:         c.smoothed[c.current],
		PreviousLabel:      c.current,
		PreviousConfidence: c.smoothed[c.current],
	}

	if raw != c.current && c.ticks >= c.cfg.MinSmoothedSamples {
		if c.smoothed[raw] > c.smoothed[c.current]+c.cfg.TransitionMargin {
			out.Transitioned = true
			out.Label = raw
			out.Confidence = c.smoothed[raw]
			c.logger.Info("regime transition",
				"from", string(c.current), "to", string(raw),
				"confidence", c.smoothed[raw], "previous_confidence", c.smoothed[c.current])
			c.current = raw
		}
	} else if raw == c.current {
		out.Confidence = c.smoothed[raw]
	}

	return out, nil
}

// classifyRaw applies the threshold rules to a complete bundle
func (c *Classifier) classifyRaw(b IndicatorBundle) (Label, float64) {
	// Volatility rule wins over trend rules: an ATR blowout makes trend
	// labels unreliable regardless of ADX.
	if highVolCut, ok := c.volPercentile(c.cfg.HighVolPercentile); ok && b.Volatility >= highVolCut && highVolCut > 0 {
		conf := clamp01(0.6 + 0.4*math.Min(b.Volatility/highVolCut-1, 1))
		return LabelHighVolatility, conf
	}

	directional := math.Abs(b.TrendDirection) >= c.cfg.TrendDirectionMin

	if b.ADX >= c.cfg.ADXTrendThreshold && directional {
		// Strength from ADX excess and EMA-stack agreement
		adxExcess := clamp01((b.ADX - c.cfg.ADXTrendThreshold) / 25)
		agree := clamp01((b.TrendDirection*b.EMAAlignment + 1) / 2)
		conf := clamp01(0.5 + 0.3*adxExcess + 0.2*agree)
		if b.TrendDirection > 0 {
			return LabelStrongUptrend, conf
		}
		return LabelStrongDowntrend, conf
	}

	if b.ADX >= c.cfg.ADXRangeThreshold && directional {
		conf := clamp01(0.4 + 0.3*clamp01((b.ADX-c.cfg.ADXRangeThreshold)/(c.cfg.ADXTrendThreshold-c.cfg.ADXRangeThreshold)))
		if b.TrendDirection > 0 {
			return LabelWeakUptrend, conf
		}
		return LabelWeakDowntrend, conf
	}

	// Low ADX: ranging. Narrow bands and calm volatility raise confidence.
	conf := 0.5
	if lowVolCut, ok := c.volPercentile(c.cfg.LowVolPercentile); ok && b.Volatility <= lowVolCut {
		conf += 0.2
	}
	if b.ADX < c.cfg.ADXRangeThreshold {
		conf += 0.1 * clamp01((c.cfg.ADXRangeThreshold-b.ADX)/c.cfg.ADXRangeThreshold)
	}
	return LabelRanging, clamp01(conf)
}

func (c *Classifier) observeVolatility(v float64) {
	c.volWindow = append(c.volWindow, v)
	if len(c.volWindow) > c.cfg.VolWindowSize {
		c.volWindow = c.volWindow[len(c.volWindow)-c.cfg.VolWindowSize:]
	}
}

// volPercentile returns the requested percentile over the rolling window.
// Needs a handful of samples before percentile rules engage.
func (c *Classifier) volPercentile(p float64) (float64, bool) {
	if len(c.volWindow) < 10 {
		return 0, false
	}
	sorted := make([]float64, len(c.volWindow))
	copy(sorted, c.volWindow)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx], true
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
