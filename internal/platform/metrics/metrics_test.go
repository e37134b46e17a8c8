package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersIsolatedCollectors(t *testing.T) {
	a := New()
	b := New()
	a.ModerationRejections.WithLabelValues("PROFANITY").Inc()
	if got := testutil.ToFloat64(a.ModerationRejections.WithLabelValues("PROFANITY")); got != 1 {
		t.Fatalf("expected 1 rejection, got %v", got)
	}
	if got := testutil.ToFloat64(b.ModerationRejections.WithLabelValues("PROFANITY")); got != 0 {
		t.Fatalf("registries must be isolated, got %v", got)
	}
}

func TestSetSessionStateIsOneHot(t *testing.T) {
	m := New()
	states := []string{"logged_out", "logged_in", "swapped"}
	m.SetSessionState("swapped", states)
	for _, s := range states {
		want := 0.0
		if s == "swapped" {
			want = 1
		}
		if got := testutil.ToFloat64(m.SessionState.WithLabelValues(s)); got != want {
			t.Fatalf("state %s: want %v, got %v", s, want, got)
		}
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.IdentitySwaps.Inc()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Result().Body)
	if !strings.Contains(string(body), "chatcore_session_identity_swaps_total 1") {
		t.Fatalf("expected swap counter in exposition, got:\n%s", body)
	}
}
