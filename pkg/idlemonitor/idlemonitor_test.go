package idlemonitor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jcttech/session-manager/pkg/containerregistry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeEntry(sessions int32, state containerregistry.State, lastSessionStoppedAt time.Time) containerregistry.Entry {
	return containerregistry.Entry{
		ContainerID:          1,
		ContainerName:        "test-container",
		State:                state,
		SessionCount:         sessions,
		LastActivityAt:       time.Now(),
		LastSessionStoppedAt: lastSessionStoppedAt,
	}
}

func TestShouldTeardown_IdleContainer(t *testing.T) {
	now := time.Now()
	idleSince := now.Add(-1 * time.Hour)
	entry := makeEntry(0, containerregistry.StateRunning, idleSince)

	if !ShouldTeardown(entry, 30*time.Minute, now) {
		t.Error("expected teardown: idle 60 min with 30 min timeout")
	}
}

func TestShouldTeardown_RecentlyIdle(t *testing.T) {
	now := time.Now()
	idleSince := now.Add(-10 * time.Minute)
	entry := makeEntry(0, containerregistry.StateRunning, idleSince)

	if ShouldTeardown(entry, 30*time.Minute, now) {
		t.Error("expected no teardown: idle 10 min with 30 min timeout")
	}
}

func TestShouldTeardown_ActiveSessions(t *testing.T) {
	now := time.Now()
	entry := makeEntry(2, containerregistry.StateRunning, time.Time{})

	if ShouldTeardown(entry, 30*time.Minute, now) {
		t.Error("expected no teardown: container has active sessions")
	}
}

func TestShouldTeardown_StoppingContainer(t *testing.T) {
	now := time.Now()
	idleSince := now.Add(-1 * time.Hour)
	entry := makeEntry(0, containerregistry.StateStopping, idleSince)

	if ShouldTeardown(entry, 30*time.Minute, now) {
		t.Error("expected no teardown: container is in stopping state")
	}
}

func TestShouldTeardown_StoppedContainer(t *testing.T) {
	now := time.Now()
	idleSince := now.Add(-1 * time.Hour)
	entry := makeEntry(0, containerregistry.StateStopped, idleSince)

	if ShouldTeardown(entry, 30*time.Minute, now) {
		t.Error("expected no teardown: container is already stopped")
	}
}

func TestShouldTeardown_ExactThreshold(t *testing.T) {
	now := time.Now()
	idleSince := now.Add(-30 * time.Minute)
	entry := makeEntry(0, containerregistry.StateRunning, idleSince)

	if !ShouldTeardown(entry, 30*time.Minute, now) {
		t.Error("expected teardown: idle duration exactly at threshold")
	}
}

func TestShouldTeardown_JustUnderThreshold(t *testing.T) {
	now := time.Now()
	idleSince := now.Add(-30*time.Minute + time.Second)
	entry := makeEntry(0, containerregistry.StateRunning, idleSince)

	if ShouldTeardown(entry, 30*time.Minute, now) {
		t.Error("expected no teardown: idle duration one second under threshold")
	}
}

func TestShouldTeardown_FallsBackToLastActivityAt(t *testing.T) {
	now := time.Now()
	entry := makeEntry(0, containerregistry.StateRunning, time.Time{})
	entry.LastActivityAt = now.Add(-1 * time.Hour)

	if !ShouldTeardown(entry, 30*time.Minute, now) {
		t.Error("expected teardown: falls back to last_activity_at when stopped timestamp is unset")
	}
}

func TestShouldTeardown_ZeroTimeoutStillEligibleAtPureFunctionLevel(t *testing.T) {
	// The 0-means-disabled guard lives in CheckAndTeardownIdle, not in
	// ShouldTeardown itself: any non-negative idle duration clears a
	// zero threshold.
	now := time.Now()
	idleSince := now.Add(-1 * time.Hour)
	entry := makeEntry(0, containerregistry.StateRunning, idleSince)

	if !ShouldTeardown(entry, 0, now) {
		t.Error("expected ShouldTeardown(..., 0, ...) to report true; the disabled guard is the caller's job")
	}
}

type fakeRemover struct {
	calls []string
	err   error
}

func (f *fakeRemover) RemoveContainer(_ context.Context, containerName string) error {
	f.calls = append(f.calls, containerName)
	return f.err
}

func TestCheckAndTeardownIdle_ZeroTimeoutDisabled(t *testing.T) {
	registry := containerregistry.New()
	registry.Register("org/repo", "main", makeEntry(0, containerregistry.StateRunning, time.Now().Add(-1*time.Hour)))

	remover := &fakeRemover{}
	m := New(registry, nil, remover, 0, testLogger())

	if err := m.CheckAndTeardownIdle(context.Background()); err != nil {
		t.Fatalf("CheckAndTeardownIdle: %v", err)
	}
	if len(remover.calls) != 0 {
		t.Errorf("expected no teardown calls with zero timeout, got %v", remover.calls)
	}
	if registry.Count() != 1 {
		t.Errorf("expected container to remain registered, count = %d", registry.Count())
	}
}

type fakeBackend struct {
	stateCalls []string
}

func (f *fakeBackend) UpdateContainerSessionCount(_ context.Context, _ int64, _ int32) error {
	return nil
}

func (f *fakeBackend) UpdateContainerState(_ context.Context, _ int64, state string) error {
	f.stateCalls = append(f.stateCalls, state)
	return nil
}

func TestCheckAndTeardownIdle_TearsDownIdleContainer(t *testing.T) {
	registry := containerregistry.New()
	registry.Register("org/repo", "main", makeEntry(0, containerregistry.StateRunning, time.Now().Add(-1*time.Hour)))

	backend := &fakeBackend{}
	remover := &fakeRemover{}
	m := New(registry, backend, remover, 30*time.Minute, testLogger())

	if err := m.CheckAndTeardownIdle(context.Background()); err != nil {
		t.Fatalf("CheckAndTeardownIdle: %v", err)
	}
	if len(remover.calls) != 1 || remover.calls[0] != "test-container" {
		t.Errorf("expected one removal call for test-container, got %v", remover.calls)
	}
	if len(backend.stateCalls) != 2 || backend.stateCalls[0] != "stopping" || backend.stateCalls[1] != "stopped" {
		t.Errorf("expected stopping then stopped state transitions, got %v", backend.stateCalls)
	}
	if registry.Count() != 0 {
		t.Errorf("expected container removed from registry, count = %d", registry.Count())
	}
}

func TestCheckAndTeardownIdle_RemovalErrorStillClearsRegistry(t *testing.T) {
	registry := containerregistry.New()
	registry.Register("org/repo", "main", makeEntry(0, containerregistry.StateRunning, time.Now().Add(-1*time.Hour)))

	backend := &fakeBackend{}
	remover := &fakeRemover{err: context.DeadlineExceeded}
	m := New(registry, backend, remover, 30*time.Minute, testLogger())

	if err := m.CheckAndTeardownIdle(context.Background()); err != nil {
		t.Fatalf("CheckAndTeardownIdle: %v", err)
	}
	if registry.Count() != 0 {
		t.Errorf("expected container removed from registry even when ssh removal fails, count = %d", registry.Count())
	}
}
