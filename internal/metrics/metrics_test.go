package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.EventConsumed("vibes")
	m.NotificationSent("vibe.trending", "console")
	m.CacheLookup(true)
	m.Submission("vibes", "ok")
}

func TestCounters(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.EventConsumed("vibes")
	m.EventConsumed("vibes")
	m.EventDropped("reviews", DropUnresolvedVenue)
	m.NotificationSent("vibe.trending", "webhook")

	if got := testutil.ToFloat64(m.eventsConsumed.WithLabelValues("vibes")); got != 2 {
		t.Errorf("feed_events_total{vibes} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.eventsDropped.WithLabelValues("reviews", DropUnresolvedVenue)); got != 1 {
		t.Errorf("feed_events_dropped_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.notifications.WithLabelValues("vibe.trending", "webhook")); got != 1 {
		t.Errorf("notifications_dispatched_total = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.CacheLookup(false)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `scene_crowd_cache_lookups_total{result="miss"} 1`) {
		t.Errorf("expected cache miss counter in output:\n%s", body)
	}
}
