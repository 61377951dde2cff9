package regime

import (
	"time"

	"github.com/google/uuid"

	"regime-governor/internal/logging"
)

// OverrideChecker reports whether the operator's manual override is active.
// The flag is last-writer-wins: toggling it concurrently with a tick is not
// atomic, and the tracker simply reads whichever value was written last.
type OverrideChecker interface {
	OverrideActive() bool
}

// ActiveProfileSource supplies the id of the parameter profile currently
// applied by the trading controller, stamped onto newly opened instances.
type ActiveProfileSource interface {
	ActiveProfileID() string
}

// CloseFunc receives each closed instance together with the snapshot that
// triggered the transition. The tracker calls it synchronously, inside the
// tick, so interval handoff to the performance recorder is ordered.
type CloseFunc func(closed Instance, trigger Snapshot)

// Tracker owns the lifecycle of the current regime interval. It is driven
// exclusively by the governor tick; the single-tick-in-flight rule means no
// internal locking is needed for the open instance.
type Tracker struct {
	logger   *logging.Logger
	override OverrideChecker
	profiles ActiveProfileSource
	onClose  CloseFunc

	open *Instance
}

// NewTracker creates a tracker with no open instance (initial state UNKNOWN)
func NewTracker(override OverrideChecker, profiles ActiveProfileSource, onClose CloseFunc, logger *logging.Logger) *Tracker {
	return &Tracker{
		logger:   logger.WithComponent("tracker"),
		override: override,
		profiles: profiles,
		onClose:  onClose,
	}
}

// OpenInstance returns a copy of the currently open instance, or nil when
// no confident classification has been seen yet.
func (t *Tracker) OpenInstance() *Instance {
	if t.open == nil {
		return nil
	}
	cp := *t.open
	return &cp
}

// Adopt installs an instance recovered from storage as the open one.
// Used by the dangling-interval reconciliation pass at startup.
func (t *Tracker) Adopt(inst Instance) {
	inst.EndTime = nil
	t.open = &inst
	t.logger.Info("adopted open instance from storage", "instance_id", inst.ID, "label", string(inst.Label))
}

// Apply acts on one classifier output. On a transition it closes the open
// instance, hands it to the close handler, and opens the next one. When the
// manual override is active the classification is display-only: no instance
// is closed or opened.
//
// The classifier keeps committing label changes while an override is
// active, so once the override clears the open instance may carry a stale
// label. The first tick where the committed label disagrees with the open
// instance resyncs the interval: the stale instance is closed and a new
// one opens under the classifier's label.
//
// Returns the newly opened instance when a transition or resync occurred,
// else nil.
func (t *Tracker) Apply(cls Classification, snap Snapshot) *Instance {
	if t.override.OverrideActive() {
		if cls.Transitioned {
			t.logger.Info("transition suppressed by manual override",
				"from", string(cls.PreviousLabel), "to", string(cls.Label))
		}
		return nil
	}
	if cls.Label == LabelUnknown {
		return nil
	}
	if !cls.Transitioned {
		if t.open != nil && t.open.Label == cls.Label {
			return nil
		}
		// A non-UNKNOWN committed label with no matching interval means a
		// transition was suppressed while the override was active.
		from := LabelUnknown
		if t.open != nil {
			from = t.open.Label
		}
		t.logger.Info("resyncing interval to committed label",
			"from", string(from), "to", string(cls.Label))
	}

	now := snap.Timestamp

	if t.open != nil {
		closed := *t.open
		end := now
		closed.EndTime = &end
		t.open = nil
		t.logger.Info("closed regime instance",
			"instance_id", closed.ID, "label", string(closed.Label),
			"duration", end.Sub(closed.StartTime).String())
		if t.onClose != nil {
			t.onClose(closed, snap)
		}
	}

	inst := &Instance{
		ID:              uuid.New().String(),
		Label:           cls.Label,
		StartTime:       now,
		StartConfidence: cls.Confidence,
		Context:         ContextFromSnapshot(snap),
		ProfileID:       t.profiles.ActiveProfileID(),
	}
	t.open = inst
	t.logger.Info("opened regime instance",
		"instance_id", inst.ID, "label", string(inst.Label), "confidence", inst.StartConfidence)

	cp := *inst
	return &cp
}

// CloseDangling closes an instance that was left open across a restart,
// stamping the supplied end time. Returns the closed copy, or nil when the
// instance id does not match the open one.
func (t *Tracker) CloseDangling(instanceID string, end time.Time) *Instance {
	if t.open == nil || t.open.ID != instanceID {
		return nil
	}
	closed := *t.open
	closed.EndTime = &end
	t.open = nil
	t.logger.Warn("closed dangling regime instance", "instance_id", closed.ID, "end_time", end)
	return &closed
}
