package ratelimiter

import (
	"testing"
	"time"
)

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *MapLimiter
	if !l.Allow("direct:bob", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
	if New(0, 1, 0) != nil || New(1, 0, 0) != nil {
		t.Fatal("invalid args must yield nil limiter")
	}
}

func TestMapLimiterBurstThenDeny(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	if !l.Allow("direct:bob", now) || !l.Allow("direct:bob", now) {
		t.Fatal("burst of two must be allowed")
	}
	ok, wait := l.AllowAt("direct:bob", now)
	if ok {
		t.Fatal("third call in the same instant must be denied")
	}
	if wait <= 0 || wait > time.Second {
		t.Fatalf("expected wait within one second, got %v", wait)
	}
	if !l.Allow("direct:carol", now) {
		t.Fatal("other keys must have their own bucket")
	}
	if !l.Allow("direct:bob", now.Add(time.Second)) {
		t.Fatal("token must refill after one second")
	}
}

func TestMapLimiterForgetResetsBucket(t *testing.T) {
	l := New(0.001, 1, time.Minute)
	now := time.Now()
	if !l.Allow("group:g1", now) {
		t.Fatal("first call must be allowed")
	}
	if l.Allow("group:g1", now) {
		t.Fatal("second call must be denied")
	}
	l.Forget("group:g1")
	if !l.Allow("group:g1", now) {
		t.Fatal("forgotten key must start with a full bucket")
	}
}
