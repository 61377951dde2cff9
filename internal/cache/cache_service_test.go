package cache

import (
	"fmt"
	"testing"
	"time"
)

func newBreakerService() *CacheService {
	return &CacheService{
		healthy:         true,
		maxFailures:     3,
		checkInterval:   30 * time.Second,
		recoveryBackoff: 5 * time.Second,
		lastCheck:       time.Now(),
	}
}

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cs := newBreakerService()

	cs.recordFailure()
	cs.recordFailure()
	if !cs.IsHealthy() {
		t.Fatal("breaker opened before reaching the failure limit")
	}

	cs.recordFailure()
	if cs.IsHealthy() {
		t.Fatal("breaker still closed after three consecutive failures")
	}
}

func TestCircuitBreakerClosesOnSuccess(t *testing.T) {
	cs := newBreakerService()
	for i := 0; i < 5; i++ {
		cs.recordFailure()
	}
	if cs.IsHealthy() {
		t.Fatal("breaker should be open")
	}

	cs.recordSuccess()
	if !cs.IsHealthy() {
		t.Fatal("successful operation did not close the breaker")
	}
	if cs.failureCount != 0 {
		t.Errorf("failure count = %d, want reset to 0", cs.failureCount)
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	cs := newBreakerService()

	cs.recordFailure()
	cs.recordFailure()
	cs.recordSuccess()
	cs.recordFailure()
	cs.recordFailure()

	if !cs.IsHealthy() {
		t.Fatal("interleaved successes should keep the breaker closed")
	}
}

func TestMatchKeyPerLabel(t *testing.T) {
	up := fmt.Sprintf(PrefixMatches, "STRONG_UPTREND")
	ranging := fmt.Sprintf(PrefixMatches, "RANGING")
	if up == ranging {
		t.Fatal("match cache keys must be label-scoped")
	}
	if up != "regime:STRONG_UPTREND:matches" {
		t.Errorf("match key = %q", up)
	}
}
