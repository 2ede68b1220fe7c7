package health

import (
	"context"
	"errors"
	"testing"
)

type fakeStore struct {
	err error
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.err }

func TestLivenessAlwaysHealthy(t *testing.T) {
	t.Parallel()
	c := NewChecker(nil)
	if !c.Liveness(context.Background()).IsHealthy() {
		t.Error("liveness must not depend on the store")
	}
}

func TestReadinessReflectsStore(t *testing.T) {
	t.Parallel()
	store := &fakeStore{}
	c := NewChecker(store)

	if !c.Readiness(context.Background()).IsHealthy() {
		t.Error("ready store reported unhealthy")
	}

	// The result is cached briefly; a fresh checker sees the failure.
	store.err = errors.New("connection refused")
	c2 := NewChecker(store)
	resp := c2.Readiness(context.Background())
	if resp.IsHealthy() {
		t.Error("failing store reported healthy")
	}
	if resp.Checks["store"].Message == "" {
		t.Error("failure carries no message")
	}
}

func TestReadinessUnhealthyWhenShuttingDown(t *testing.T) {
	t.Parallel()
	c := NewChecker(&fakeStore{})
	c.Readiness(context.Background())

	c.SetShuttingDown()
	resp := c.Readiness(context.Background())
	if resp.IsHealthy() {
		t.Error("shutting-down service reported ready")
	}
}
