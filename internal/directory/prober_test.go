package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestProberMarksAndEvicts(t *testing.T) {
	t.Parallel()
	d, _ := newTestDirectory()
	ctx := context.Background()

	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := registration("w-1")
	reg.BaseURL = srv.URL
	if _, err := d.Register(ctx, reg); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	p := NewProber(d, ProberConfig{
		Interval:          time.Hour, // sweeps driven manually
		Timeout:           time.Second,
		UnreachableWindow: 50 * time.Millisecond,
	})

	p.sweep(ctx)
	w, _ := d.Get("w-1")
	if !w.Reachable {
		t.Fatal("healthy worker marked unreachable")
	}

	healthy.Store(false)
	p.sweep(ctx)
	w, _ = d.Get("w-1")
	if w.Reachable {
		t.Fatal("unhealthy worker still marked reachable")
	}
	if len(d.List()) != 1 {
		t.Fatal("worker evicted before the unreachable window elapsed")
	}

	time.Sleep(60 * time.Millisecond)
	p.sweep(ctx)
	if len(d.List()) != 0 {
		t.Error("worker not evicted after the unreachable window")
	}
}

func TestProberRecoveryResetsWindow(t *testing.T) {
	t.Parallel()
	d, _ := newTestDirectory()
	ctx := context.Background()

	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := registration("w-1")
	reg.BaseURL = srv.URL
	d.Register(ctx, reg)

	p := NewProber(d, ProberConfig{
		Interval:          time.Hour,
		Timeout:           time.Second,
		UnreachableWindow: 40 * time.Millisecond,
	})

	healthy.Store(false)
	p.sweep(ctx)
	healthy.Store(true)
	p.sweep(ctx) // recovery clears the first-failure mark

	healthy.Store(false)
	time.Sleep(50 * time.Millisecond)
	p.sweep(ctx) // first failure of a fresh window
	if len(d.List()) != 1 {
		t.Error("worker evicted although the window restarted after recovery")
	}
}
