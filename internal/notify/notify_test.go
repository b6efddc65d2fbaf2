package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/scene/internal/escalation"
)

type mockChannel struct {
	name   string
	sendFn func(ctx context.Context, n escalation.Notification) error
	sent   []escalation.Notification
}

func (m *mockChannel) Name() string     { return m.name }
func (m *mockChannel) Background() bool { return m.name != ChannelConsole }

func (m *mockChannel) Send(ctx context.Context, n escalation.Notification) error {
	if m.sendFn != nil {
		if err := m.sendFn(ctx, n); err != nil {
			return err
		}
	}
	m.sent = append(m.sent, n)
	return nil
}

var testNote = escalation.Notification{
	RuleID:    "vibe.trending",
	VenueID:   "v1",
	Title:     "🔥 Lakota is TRENDING!",
	Body:      "The party is heating up. Do not miss out!",
	TargetURL: "https://scene.example/club/v1",
}

func TestDispatchPrefersBackgroundChannel(t *testing.T) {
	bg := &mockChannel{name: ChannelWebhook}
	fg := &mockChannel{name: ChannelConsole}
	d := NewWithChannels(fg, bg)

	if err := d.Dispatch(context.Background(), testNote); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(bg.sent) != 1 || len(fg.sent) != 0 {
		t.Errorf("background sent %d, foreground sent %d; want 1, 0", len(bg.sent), len(fg.sent))
	}
}

func TestDispatchTriesBackgroundBeforeForeground(t *testing.T) {
	var order []string
	record := func(name string) func(context.Context, escalation.Notification) error {
		return func(context.Context, escalation.Notification) error {
			order = append(order, name)
			return errors.New("unavailable")
		}
	}
	fg := &mockChannel{name: ChannelConsole, sendFn: record("console")}
	bg := &mockChannel{name: ChannelDesktop, sendFn: record("desktop")}
	fallback := &mockChannel{name: "log"}
	d := NewWithChannels(fallback, fg, bg)

	got := d.Channels()
	if len(got) != 3 || got[0] != ChannelDesktop || got[1] != ChannelConsole || got[2] != "log" {
		t.Errorf("Channels() = %v, want [desktop console log]", got)
	}
	if err := d.Dispatch(context.Background(), testNote); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(order) != 2 || order[0] != "desktop" || order[1] != "console" {
		t.Errorf("send order = %v, want [desktop console]", order)
	}
	if len(fallback.sent) != 1 {
		t.Errorf("fallback sent %d, want 1", len(fallback.sent))
	}
}

func TestDispatchFallsBackToForeground(t *testing.T) {
	bg := &mockChannel{name: ChannelDesktop, sendFn: func(context.Context, escalation.Notification) error {
		return errors.New("no notification daemon")
	}}
	fg := &mockChannel{name: ChannelConsole}
	d := NewWithChannels(fg, bg)

	if err := d.Dispatch(context.Background(), testNote); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(fg.sent) != 1 {
		t.Fatalf("fallback should have received the notification")
	}
	if fg.sent[0].TargetURL != testNote.TargetURL {
		t.Errorf("TargetURL = %q", fg.sent[0].TargetURL)
	}
}

func TestDispatchPermissionDeniedIsNoop(t *testing.T) {
	fg := &mockChannel{name: ChannelConsole}
	d, err := New(Options{Enabled: false, Channel: ChannelConsole})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.fallback = fg

	if d.RequestPermission(context.Background()) {
		t.Error("RequestPermission should be false when notifications are disabled")
	}
	if err := d.Dispatch(context.Background(), testNote); err != nil {
		t.Errorf("denied dispatch should be a silent no-op, got %v", err)
	}
	if len(fg.sent) != 0 {
		t.Error("nothing should be sent when permission is denied")
	}
}

func TestNewChannelSelection(t *testing.T) {
	tests := []struct {
		opts Options
		want []string
	}{
		{Options{Enabled: true}, []string{ChannelDesktop, ChannelConsole}},
		{Options{Enabled: true, WebhookURL: "http://hook"}, []string{ChannelWebhook, ChannelDesktop, ChannelConsole}},
		{Options{Enabled: true, Channel: "webhook", WebhookURL: "http://hook"}, []string{ChannelWebhook, ChannelConsole}},
		{Options{Enabled: true, Channel: "console"}, []string{ChannelConsole}},
	}
	for _, tt := range tests {
		d, err := New(tt.opts)
		if err != nil {
			t.Fatalf("New(%+v): %v", tt.opts, err)
		}
		got := d.Channels()
		if len(got) != len(tt.want) {
			t.Errorf("New(%+v) channels = %v, want %v", tt.opts, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("New(%+v) channels = %v, want %v", tt.opts, got, tt.want)
				break
			}
		}
	}

	if _, err := New(Options{Channel: "webhook"}); err == nil {
		t.Error("webhook channel without url should fail")
	}
	if _, err := New(Options{Channel: "pager"}); err == nil {
		t.Error("unknown channel should fail")
	}
}

func TestWebhookPostsPayload(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL, srv.Client()).Send(context.Background(), testNote); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Title != testNote.Title || got.URL != testNote.TargetURL || got.RuleID != "vibe.trending" {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL, srv.Client()).Send(context.Background(), testNote); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("webhook called %d times, want 3", n)
	}
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, srv.Client())
	wh.maxElapsed = 2 * time.Second
	if err := wh.Send(context.Background(), testNote); err == nil {
		t.Fatal("expected an error for 400")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("webhook called %d times, want 1", n)
	}
}

func TestDesktopIncludesTarget(t *testing.T) {
	var title, body string
	d := &Desktop{notify: func(ti, m string) error {
		title, body = ti, m
		return nil
	}}
	if err := d.Send(context.Background(), testNote); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if title != testNote.Title {
		t.Errorf("title = %q", title)
	}
	if want := testNote.Body + "\n" + testNote.TargetURL; body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}
