package proxypool

import (
	"context"
	"testing"
	"time"

	"github.com/August26/stealthfetch-go/internal/model"
)

func testEndpoints() []model.ProxyEndpoint {
	return []model.ProxyEndpoint{
		{Host: "10.0.0.1", Port: 8080, Scheme: model.SchemeHTTP, Region: "US"},
		{Host: "10.0.0.2", Port: 8080, Scheme: model.SchemeHTTP, Region: "DE"},
		{Host: "10.0.0.3", Port: 1080, Scheme: model.SchemeSOCKS5, Region: "US"},
	}
}

func TestSelect_EmptyPoolFallsBackToDirect(t *testing.T) {
	p := New(nil, Options{})
	if _, ok := p.Select(""); ok {
		t.Fatalf("empty pool returned an endpoint")
	}
}

func TestSelect_LeastRecentlyUsedRotation(t *testing.T) {
	p := New(testEndpoints(), Options{})

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		ep, ok := p.Select("")
		if !ok {
			t.Fatalf("select %d failed", i)
		}
		seen[ep.Key()]++
	}
	// 6 selections over 3 healthy endpoints must hit each exactly twice.
	for key, n := range seen {
		if n != 2 {
			t.Fatalf("endpoint %s selected %d times, want 2 (seen=%v)", key, n, seen)
		}
	}
}

func TestHealthStateMachine_DeadAfterThreshold(t *testing.T) {
	eps := testEndpoints()
	p := New(eps, Options{FailureThreshold: 3})
	key := eps[0].Key()

	p.ReportOutcome(key, false)
	if h := healthOf(t, p, key); h != model.Degraded {
		t.Fatalf("after 1 failure: health = %v, want degraded", h)
	}

	p.ReportOutcome(key, false)
	if h := healthOf(t, p, key); h != model.Degraded {
		t.Fatalf("after 2 failures: health = %v, want degraded", h)
	}

	p.ReportOutcome(key, false)
	if h := healthOf(t, p, key); h != model.Dead {
		t.Fatalf("after 3 failures: health = %v, want dead", h)
	}

	// Dead endpoints must never be selected while live ones exist.
	for i := 0; i < 10; i++ {
		ep, ok := p.Select("")
		if !ok {
			t.Fatalf("select failed with live endpoints present")
		}
		if ep.Key() == key {
			t.Fatalf("dead endpoint %s was selected", key)
		}
	}
}

func TestHealthStateMachine_SuccessResetsFromAnyState(t *testing.T) {
	eps := testEndpoints()
	p := New(eps, Options{FailureThreshold: 3})
	key := eps[1].Key()

	for i := 0; i < 5; i++ {
		p.ReportOutcome(key, false)
	}
	if h := healthOf(t, p, key); h != model.Dead {
		t.Fatalf("setup: expected dead, got %v", h)
	}

	p.ReportOutcome(key, true)
	snap := snapshotOf(t, p, key)
	if snap.Health != model.Healthy {
		t.Fatalf("success did not restore health: %v", snap.Health)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive failures not reset: %d", snap.ConsecutiveFailures)
	}
}

func TestSelect_PrefersHealthyOverDegraded(t *testing.T) {
	eps := testEndpoints()
	p := New(eps, Options{FailureThreshold: 3})

	// Degrade two of three; the healthy one must win every time.
	p.ReportOutcome(eps[0].Key(), false)
	p.ReportOutcome(eps[1].Key(), false)

	for i := 0; i < 5; i++ {
		ep, ok := p.Select("")
		if !ok || ep.Key() != eps[2].Key() {
			t.Fatalf("expected healthy endpoint %s, got %s", eps[2].Key(), ep.Key())
		}
	}
}

func TestSelect_DegradedServesWhenNoHealthy(t *testing.T) {
	eps := testEndpoints()
	p := New(eps, Options{FailureThreshold: 3})

	for _, ep := range eps {
		p.ReportOutcome(ep.Key(), false)
	}
	if _, ok := p.Select(""); !ok {
		t.Fatalf("degraded endpoints should still serve")
	}
}

func TestSelect_RegionFilterWithFallback(t *testing.T) {
	p := New(testEndpoints(), Options{})

	for i := 0; i < 4; i++ {
		ep, ok := p.Select("us")
		if !ok {
			t.Fatalf("regional select failed")
		}
		if ep.Region != "US" {
			t.Fatalf("region filter ignored: got %s", ep.Region)
		}
	}

	// Unknown region must fall back to the whole live set, never error.
	if _, ok := p.Select("JP"); !ok {
		t.Fatalf("unknown region must fall back, not fail")
	}
}

func TestReload_KeepsHealthForSurvivors(t *testing.T) {
	eps := testEndpoints()
	p := New(eps, Options{FailureThreshold: 3})

	deadKey := eps[0].Key()
	for i := 0; i < 3; i++ {
		p.ReportOutcome(deadKey, false)
	}

	// Reload with the first two endpoints only.
	p.Reload(eps[:2])
	if p.Len() != 2 {
		t.Fatalf("pool size after reload = %d, want 2", p.Len())
	}
	if h := healthOf(t, p, deadKey); h != model.Dead {
		t.Fatalf("reload lost health state: %v", h)
	}
}

func TestReprobe_RestoresDeadEndpoint(t *testing.T) {
	eps := testEndpoints()[:1]
	probed := make(chan string, 8)

	p := New(eps, Options{
		FailureThreshold: 1,
		ReprobeInterval:  10 * time.Millisecond,
		Prober: func(ctx context.Context, ep model.ProxyEndpoint) bool {
			probed <- ep.Key()
			return true
		},
	})

	key := eps[0].Key()
	p.ReportOutcome(key, false)
	if h := healthOf(t, p, key); h != model.Dead {
		t.Fatalf("setup: expected dead, got %v", h)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.StartReprobe(ctx)

	select {
	case got := <-probed:
		if got != key {
			t.Fatalf("probed %s, want %s", got, key)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("prober never ran")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if healthOf(t, p, key) == model.Healthy {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("dead endpoint was not restored after successful probe")
}

func healthOf(t *testing.T, p *Pool, key string) model.ProxyHealth {
	t.Helper()
	return snapshotOf(t, p, key).Health
}

func snapshotOf(t *testing.T, p *Pool, key string) model.ProxyEndpoint {
	t.Helper()
	for _, ep := range p.Snapshot() {
		if ep.Key() == key {
			return ep
		}
	}
	t.Fatalf("endpoint %s not in pool", key)
	return model.ProxyEndpoint{}
}
