package nodekit

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func newTestSession(broker *fakeBroker) (*SessionManager, *time.Time) {
	identity := IdentityFromMac(SmartLight, "1.0.0", "aa:bb:cc:dd:ee:ff")
	sm := NewSessionManager(broker, identity.Topics(""))

	current := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sm.now = func() time.Time { return current }

	return sm, &current
}

func TestSessionWillRegistered(t *testing.T) {
	broker := &fakeBroker{}
	sm, _ := newTestSession(broker)

	assertStrings(t, broker.willTopic, "homeautomation/devices/smart_light_aabbccddeeff/online")
	if len(broker.willPayload) == 0 {
		t.Error("will payload not registered")
	}
	_ = sm
}

func TestSessionSubscribesAndReportsUp(t *testing.T) {
	broker := &fakeBroker{}
	sm, _ := newTestSession(broker)

	upCalled := 0
	sm.OnSessionUp = func() { upCalled++ }

	state := sm.EnsureSession(context.Background())

	assertInts(t, int(state), int(SessionUp))
	assertInts(t, int(sm.State()), int(SessionUp))
	assertInts(t, upCalled, 1)
	assertInts(t, len(broker.subscribed), 2)
}

func TestSessionBackoffNonDecreasing(t *testing.T) {
	broker := &fakeBroker{connectErr: errors.New("refused")}
	sm, current := newTestSession(broker)

	var previousDelay time.Duration
	for attempt := 1; attempt < sm.MaxAttempts; attempt++ {
		state := sm.EnsureSession(context.Background())
		assertInts(t, int(state), int(SessionConnecting))

		delay := sm.nextAttempt.Sub(*current)
		if delay < previousDelay {
			t.Fatalf("backoff decreased: %v after %v (attempt %d)", delay, previousDelay, attempt)
		}
		previousDelay = delay

		*current = sm.nextAttempt
	}
}

func TestSessionSkipsAttemptBeforeBackoffExpires(t *testing.T) {
	broker := &fakeBroker{connectErr: errors.New("refused")}
	sm, current := newTestSession(broker)

	sm.EnsureSession(context.Background())
	assertInts(t, broker.connectCalls, 1)

	// still inside the backoff window, no second dial
	*current = current.Add(time.Millisecond)
	sm.EnsureSession(context.Background())
	assertInts(t, broker.connectCalls, 1)

	*current = sm.nextAttempt
	sm.EnsureSession(context.Background())
	assertInts(t, broker.connectCalls, 2)
}

func TestSessionFallbackKeepsRetrying(t *testing.T) {
	broker := &fakeBroker{connectErr: errors.New("refused")}
	sm, current := newTestSession(broker)

	for attempt := 0; attempt < sm.MaxAttempts; attempt++ {
		sm.EnsureSession(context.Background())
		*current = sm.nextAttempt
	}

	assertBools(t, sm.InFallback(), true)

	// fallback retries at the slow fixed interval, indefinitely
	callsBefore := broker.connectCalls
	for round := 0; round < 5; round++ {
		sm.EnsureSession(context.Background())
		delay := sm.nextAttempt.Sub(*current)
		if delay != sm.FallbackInterval {
			t.Fatalf("fallback delay = %v, want %v", delay, sm.FallbackInterval)
		}
		*current = sm.nextAttempt
	}
	assertInts(t, broker.connectCalls, callsBefore+5)
}

func TestSessionSuccessResetsBackoff(t *testing.T) {
	broker := &fakeBroker{connectErr: errors.New("refused")}
	sm, current := newTestSession(broker)

	for attempt := 0; attempt < 3; attempt++ {
		sm.EnsureSession(context.Background())
		*current = sm.nextAttempt
	}

	broker.connectErr = nil
	state := sm.EnsureSession(context.Background())
	assertInts(t, int(state), int(SessionUp))
	assertInts(t, sm.attempts, 0)
	assertBools(t, sm.InFallback(), false)

	// next failure starts over from the base delay
	broker.connected = false
	broker.connectErr = errors.New("refused")
	sm.EnsureSession(context.Background())

	delay := sm.nextAttempt.Sub(*current)
	if delay != sm.BaseDelay {
		t.Errorf("delay after reset = %v, want base %v", delay, sm.BaseDelay)
	}
}

func TestSessionRepublishesOnEveryReconnect(t *testing.T) {
	broker := &fakeBroker{}
	sm, current := newTestSession(broker)

	upCalled := 0
	sm.OnSessionUp = func() { upCalled++ }

	sm.EnsureSession(context.Background())
	assertInts(t, upCalled, 1)

	// session drop and reconnect
	broker.connected = false
	*current = current.Add(time.Hour)
	sm.EnsureSession(context.Background())
	assertInts(t, upCalled, 2)
}
