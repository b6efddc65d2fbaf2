package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/kalambet/scene/internal/activity"
	"github.com/kalambet/scene/internal/metrics"
	"github.com/kalambet/scene/internal/scene"
	"github.com/kalambet/scene/internal/storage"
)

const testToken = "test-token-12345"

func setupAppHandler(t *testing.T, token string) (http.Handler, *scene.Service) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC))
	m, err := metrics.New()
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}
	svc := scene.New(store, scene.Options{Clock: clock, CacheTTL: -1, Metrics: m})

	handler := NewAppHandler(AppDeps{
		Service: svc,
		Token:   token,
		Metrics: m,
	})
	return handler, svc
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func withIdentity(req *http.Request, device, user string) *http.Request {
	if device != "" {
		req.Header.Set(HeaderDevice, device)
	}
	if user != "" {
		req.Header.Set(HeaderUser, user)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func seedVenue(t *testing.T, svc *scene.Service, name string) string {
	t.Helper()
	v, err := svc.AddVenue(context.Background(), activity.Venue{Name: name})
	if err != nil {
		t.Fatalf("AddVenue: %v", err)
	}
	return v.ID
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error.Type
}

func TestHealthNoAuth(t *testing.T) {
	h, _ := setupAppHandler(t, testToken)
	rec := serve(h, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMetricsNoAuth(t *testing.T) {
	h, _ := setupAppHandler(t, testToken)
	rec := serve(h, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("expected go runtime metrics in exposition")
	}
}

func TestAuthRequired(t *testing.T) {
	h, _ := setupAppHandler(t, testToken)

	for _, tok := range []string{"", "wrong"} {
		rec := serve(h, authReq("GET", "/venues", "", tok))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", tok, rec.Code)
		}
	}

	rec := serve(h, authReq("GET", "/venues", "", testToken))
	if rec.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", rec.Code)
	}
}

func TestAddAndListVenues(t *testing.T) {
	h, _ := setupAppHandler(t, testToken)

	rec := serve(h, authReq("POST", "/venues", `{"name":"Lakota","genre":"house"}`, testToken))
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST status = %d: %s", rec.Code, rec.Body.String())
	}
	var created activity.Venue
	json.NewDecoder(rec.Body).Decode(&created)
	if created.ID == "" || created.Name != "Lakota" {
		t.Errorf("created = %+v", created)
	}

	rec = serve(h, authReq("POST", "/venues", `{"genre":"house"}`, testToken))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("nameless venue status = %d, want 400", rec.Code)
	}

	rec = serve(h, authReq("GET", "/venues", "", testToken))
	var venues []activity.Venue
	json.NewDecoder(rec.Body).Decode(&venues)
	if len(venues) != 1 || venues[0].ID != created.ID {
		t.Errorf("venues = %+v", venues)
	}

	rec = serve(h, authReq("GET", "/venues/"+created.ID, "", testToken))
	if rec.Code != http.StatusOK {
		t.Errorf("GET venue status = %d", rec.Code)
	}
}

func TestSubmitVibeAndCrowdState(t *testing.T) {
	h, svc := setupAppHandler(t, testToken)
	venue := seedVenue(t, svc, "Lakota")

	for _, dev := range []string{"a", "b", "c"} {
		req := withIdentity(authReq("POST", "/venues/"+venue+"/participation/vibes", "", testToken), dev, "")
		rec := serve(h, req)
		if rec.Code != http.StatusCreated {
			t.Fatalf("vibe from %s: status = %d: %s", dev, rec.Code, rec.Body.String())
		}
	}

	rec := serve(h, authReq("GET", "/venues/"+venue+"/crowd", "", testToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("crowd status = %d", rec.Code)
	}
	var cs scene.CrowdState
	json.NewDecoder(rec.Body).Decode(&cs)
	if cs.Count != 3 || cs.Label != "Vibing" || !cs.IsTrending {
		t.Errorf("crowd = %+v", cs)
	}
}

func TestSubmitErrorMapping(t *testing.T) {
	h, svc := setupAppHandler(t, testToken)
	venue := seedVenue(t, svc, "Lakota")

	vibe := func(device string) *httptest.ResponseRecorder {
		return serve(h, withIdentity(authReq("POST", "/venues/"+venue+"/participation/vibe", "", testToken), device, ""))
	}
	if rec := vibe("dev"); rec.Code != http.StatusCreated {
		t.Fatalf("first vibe status = %d", rec.Code)
	}
	if rec := vibe("dev"); rec.Code != http.StatusConflict {
		t.Errorf("duplicate vibe status = %d, want 409", rec.Code)
	}

	rec := serve(h, withIdentity(authReq("POST", "/venues/"+venue+"/participation/feedback", `{"rating":"lit"}`, testToken), "dev", ""))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous feedback status = %d, want 401", rec.Code)
	}

	rec = serve(h, withIdentity(authReq("POST", "/venues/"+venue+"/participation/feedback", `{"rating":"meh"}`, testToken), "dev", "u1"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad rating status = %d, want 400", rec.Code)
	}

	rec = serve(h, withIdentity(authReq("POST", "/venues/"+venue+"/participation/pulling_up", `{"eta_minutes":500}`, testToken), "dev", ""))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("out of range eta status = %d, want 400", rec.Code)
	}

	rec = serve(h, withIdentity(authReq("POST", "/venues/missing/participation/vibes", "", testToken), "other", ""))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown venue status = %d, want 404", rec.Code)
	}
	if typ := errorType(t, rec); typ != "not_found" {
		t.Errorf("error type = %q", typ)
	}

	rec = serve(h, withIdentity(authReq("POST", "/venues/"+venue+"/participation/dance", "", testToken), "dev", ""))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown metric status = %d, want 400", rec.Code)
	}

	rec = serve(h, withIdentity(authReq("POST", "/venues/"+venue+"/participation/vibes", "{", testToken), "x", ""))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestAvailability(t *testing.T) {
	h, svc := setupAppHandler(t, testToken)
	venue := seedVenue(t, svc, "Lakota")

	check := func(metric, device, user string) bool {
		t.Helper()
		rec := serve(h, withIdentity(authReq("GET", "/venues/"+venue+"/participation/"+metric, "", testToken), device, user))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s availability status = %d", metric, rec.Code)
		}
		var body struct {
			Available bool `json:"available"`
		}
		json.NewDecoder(rec.Body).Decode(&body)
		return body.Available
	}

	if !check("vibes", "dev", "") {
		t.Error("vibes should be available before vibing")
	}
	serve(h, withIdentity(authReq("POST", "/venues/"+venue+"/participation/vibes", "", testToken), "dev", ""))
	if check("vibes", "dev", "") {
		t.Error("vibes should be unavailable after vibing")
	}
	if check("chat", "dev", "") {
		t.Error("chat should be unavailable anonymously")
	}
	if !check("chat", "dev", "u1") {
		t.Error("chat should be available when signed in")
	}
}

func TestFeedbackAndMessages(t *testing.T) {
	h, svc := setupAppHandler(t, testToken)
	venue := seedVenue(t, svc, "Lakota")

	for i, r := range []string{"lit", "good", "lit"} {
		user := string(rune('a' + i))
		rec := serve(h, withIdentity(authReq("POST", "/venues/"+venue+"/participation/reviews", `{"rating":"`+r+`"}`, testToken), "", user))
		if rec.Code != http.StatusCreated {
			t.Fatalf("review %d status = %d: %s", i, rec.Code, rec.Body.String())
		}
	}
	rec := serve(h, authReq("GET", "/venues/"+venue+"/feedback", "", testToken))
	var sum struct {
		Total  int `json:"total"`
		Counts struct {
			Lit  int `json:"lit"`
			Good int `json:"good"`
		} `json:"counts"`
	}
	json.NewDecoder(rec.Body).Decode(&sum)
	if sum.Total != 3 || sum.Counts.Lit != 2 || sum.Counts.Good != 1 {
		t.Errorf("summary = %+v", sum)
	}

	rec = serve(h, withIdentity(authReq("POST", "/venues/"+venue+"/participation/messages", `{"content":"line is short"}`, testToken), "", "a"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("message status = %d", rec.Code)
	}
	rec = serve(h, authReq("GET", "/venues/"+venue+"/messages", "", testToken))
	var msgs []activity.Record
	json.NewDecoder(rec.Body).Decode(&msgs)
	if len(msgs) != 1 || msgs[0].Content != "line is short" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestDashboardEndpoint(t *testing.T) {
	h, svc := setupAppHandler(t, testToken)
	busy := seedVenue(t, svc, "Busy")
	seedVenue(t, svc, "Quiet")

	for _, dev := range []string{"a", "b", "c"} {
		serve(h, withIdentity(authReq("POST", "/venues/"+busy+"/participation/vibes", "", testToken), dev, ""))
	}

	rec := serve(h, authReq("GET", "/crowd?filter=trending", "", testToken))
	var trending []scene.VenueCrowd
	json.NewDecoder(rec.Body).Decode(&trending)
	if len(trending) != 1 || trending[0].Venue.ID != busy {
		t.Errorf("trending = %+v", trending)
	}

	rec = serve(h, authReq("GET", "/crowd?limit=1", "", testToken))
	var all []scene.VenueCrowd
	json.NewDecoder(rec.Body).Decode(&all)
	if len(all) != 1 || all[0].Venue.ID != busy {
		t.Errorf("limited dashboard = %+v", all)
	}

	rec = serve(h, authReq("GET", "/crowd?filter=hot", "", testToken))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown filter status = %d, want 400", rec.Code)
	}
}
