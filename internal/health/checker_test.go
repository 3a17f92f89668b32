package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeLauncher struct {
	err   error
	calls atomic.Int32
}

func (f *fakeLauncher) Ready(context.Context) error {
	f.calls.Add(1)
	return f.err
}

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	if response := checker.Liveness(context.Background()); response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		launcher ReadinessChecker
		want     Status
		message  string
	}{
		{"no launcher", nil, StatusUnhealthy, "worker launcher not configured"},
		{"launcher ready", &fakeLauncher{}, StatusHealthy, ""},
		{"launcher down", &fakeLauncher{err: errors.New("docker daemon unreachable")}, StatusUnhealthy, "docker daemon unreachable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := NewChecker(tt.launcher).Readiness(context.Background())

			if response.Status != tt.want {
				t.Errorf("Status = %s, want %s", response.Status, tt.want)
			}
			check, ok := response.Checks["workers"]
			if !ok {
				t.Fatal("Expected workers check to be present")
			}
			if check.Message != tt.message {
				t.Errorf("Message = %q, want %q", check.Message, tt.message)
			}
		})
	}
}

func TestChecker_ReadinessCached(t *testing.T) {
	t.Parallel()
	launcher := &fakeLauncher{}
	checker := NewChecker(launcher)
	checker.cacheTTL = time.Hour

	checker.Readiness(context.Background())
	checker.Readiness(context.Background())

	if n := launcher.calls.Load(); n != 1 {
		t.Errorf("launcher checked %d times, want 1", n)
	}
}

func TestChecker_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(&fakeLauncher{})
	if !checker.Readiness(context.Background()).IsHealthy() {
		t.Fatal("Expected ready before shutdown")
	}

	checker.SetShuttingDown()

	response := checker.Readiness(context.Background())
	if response.IsHealthy() {
		t.Error("Expected not ready while shutting down")
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Errorf("checks = %v, want a shutdown check", response.Checks)
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
