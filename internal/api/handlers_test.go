package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"regime-governor/internal/governor"
	"regime-governor/internal/performance"
	"regime-governor/internal/playbook"
	"regime-governor/internal/profile"
	"regime-governor/internal/tuner"
)

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"profile not found", profile.ErrProfileNotFound, http.StatusNotFound},
		{"playbook not found", playbook.ErrPlaybookNotFound, http.StatusNotFound},
		{"session not found", tuner.ErrSessionNotFound, http.StatusNotFound},
		{"profile busy", profile.ErrProfileBusy, http.StatusConflict},
		{"override conflict", profile.ErrOverrideConflict, http.StatusConflict},
		{"playbook inactive", playbook.ErrPlaybookInactive, http.StatusConflict},
		{"tuning in progress", tuner.ErrTuningInProgress, http.StatusConflict},
		{"session not pending", tuner.ErrSessionNotPending, http.StatusConflict},
		{"tick in flight", governor.ErrTickInFlight, http.StatusConflict},
		{"insufficient data", tuner.ErrInsufficientData, http.StatusUnprocessableEntity},
		{"no recommendations", tuner.ErrNoRecommendations, http.StatusUnprocessableEntity},
		{"not high performer", playbook.ErrNotHighPerformer, http.StatusUnprocessableEntity},
		{"incomplete interval", performance.ErrIncompleteInterval, http.StatusUnprocessableEntity},
		{"unknown error", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusForError(tt.err); got != tt.want {
				t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestStatusForWrappedError(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), tuner.ErrInsufficientData)
	if got := statusForError(wrapped); got != http.StatusUnprocessableEntity {
		t.Errorf("wrapped error mapped to %d, want 422", got)
	}
}

func TestQueryInt(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		query string
		def   int
		want  int
	}{
		{"limit=25", 50, 25},
		{"limit=0", 50, 0},
		{"", 50, 50},
		{"limit=abc", 50, 50},
		{"limit=-3", 50, 50},
	}
	for _, tt := range tests {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/x?"+tt.query, nil)
		if got := queryInt(c, "limit", tt.def); got != tt.want {
			t.Errorf("queryInt(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.Allow("client-1") {
			t.Fatalf("request %d denied under the limit", i+1)
		}
	}
	if rl.Allow("client-1") {
		t.Error("request over the limit allowed")
	}
	// other clients are unaffected
	if !rl.Allow("client-2") {
		t.Error("independent client throttled")
	}
}
