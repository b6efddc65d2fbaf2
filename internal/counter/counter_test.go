package counter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/kalambet/scene/internal/activity"
	"github.com/kalambet/scene/internal/storage"
)

func newTestCounter(t *testing.T, start time.Time) (*Counter, *storage.Store, *quartz.Mock) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	clock := quartz.NewMock(t)
	clock.Set(start)
	return New(s, clock), s, clock
}

func TestCount_VibesSlideOutOfWindow(t *testing.T) {
	start := time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC)
	c, s, clock := newTestCounter(t, start)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := activity.Record{VenueID: "v1", DeviceID: "d", CreatedAt: start.Add(time.Duration(i) * time.Minute)}
		if err := s.Insert(ctx, activity.Vibes, rec); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	clock.Set(start.Add(2 * time.Minute))
	if n, _ := c.Count(ctx, "v1", activity.Vibes); n != 3 {
		t.Errorf("count = %d, want 3", n)
	}

	// At +20m the first row sits exactly on the boundary and still counts.
	clock.Set(start.Add(20 * time.Minute))
	if n, _ := c.Count(ctx, "v1", activity.Vibes); n != 3 {
		t.Errorf("count at boundary = %d, want 3", n)
	}

	clock.Set(start.Add(21*time.Minute + 30*time.Second))
	if n, _ := c.Count(ctx, "v1", activity.Vibes); n != 1 {
		t.Errorf("count after slide = %d, want 1", n)
	}
}

func TestCount_ArrivalIntentExpires(t *testing.T) {
	start := time.Date(2026, 3, 14, 22, 0, 0, 0, time.UTC)
	c, s, clock := newTestCounter(t, start)
	ctx := context.Background()

	if err := s.Insert(ctx, activity.PullingUp, activity.Record{VenueID: "v1", DeviceID: "d", ETAMinutes: 30, CreatedAt: start}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	clock.Set(start.Add(29 * time.Minute))
	if n, _ := c.Count(ctx, "v1", activity.PullingUp); n != 1 {
		t.Errorf("count at +29m = %d, want 1", n)
	}
	clock.Set(start.Add(31 * time.Minute))
	if n, _ := c.Count(ctx, "v1", activity.PullingUp); n != 0 {
		t.Errorf("count at +31m = %d, want 0", n)
	}
}

func TestCountAll(t *testing.T) {
	start := time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC)
	c, s, _ := newTestCounter(t, start)
	ctx := context.Background()

	for _, v := range []string{"a", "a", "a", "b"} {
		if err := s.Insert(ctx, activity.Vibes, activity.Record{VenueID: v, DeviceID: "d", CreatedAt: start}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := s.Insert(ctx, activity.Vibes, activity.Record{VenueID: "stale", DeviceID: "d", CreatedAt: start.Add(-time.Hour)}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	counts, err := c.CountAll(ctx, activity.Vibes)
	if err != nil {
		t.Fatalf("CountAll: %v", err)
	}
	if counts["a"] != 3 || counts["b"] != 1 {
		t.Errorf("counts = %v", counts)
	}
	if _, ok := counts["stale"]; ok {
		t.Error("venue with no qualifying rows should be absent")
	}
}

type countFunc func(ctx context.Context, stream activity.Stream, f activity.Filter, w activity.Window) (int, error)

type mockStore struct {
	count    countFunc
	venueIDs func(ctx context.Context, stream activity.Stream, w activity.Window) ([]string, error)
}

func (m *mockStore) Count(ctx context.Context, stream activity.Stream, f activity.Filter, w activity.Window) (int, error) {
	return m.count(ctx, stream, f, w)
}

func (m *mockStore) VenueIDs(ctx context.Context, stream activity.Stream, w activity.Window) ([]string, error) {
	return m.venueIDs(ctx, stream, w)
}

func TestCount_EvaluatesNowPerCall(t *testing.T) {
	clock := quartz.NewMock(t)
	start := time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC)
	clock.Set(start)

	var bounds []time.Time
	c := New(&mockStore{count: func(_ context.Context, _ activity.Stream, _ activity.Filter, w activity.Window) (int, error) {
		bounds = append(bounds, w.Bound)
		return 0, nil
	}}, clock)

	ctx := context.Background()
	c.Count(ctx, "v1", activity.Vibes)
	clock.Advance(time.Minute)
	c.Count(ctx, "v1", activity.Vibes)

	if len(bounds) != 2 || !bounds[1].Equal(bounds[0].Add(time.Minute)) {
		t.Errorf("window bounds = %v, want one minute apart", bounds)
	}
}

func TestCount_PropagatesStoreError(t *testing.T) {
	fail := activity.WrapStoreError("count", activity.Vibes, errors.New("boom"))
	c := New(&mockStore{count: func(context.Context, activity.Stream, activity.Filter, activity.Window) (int, error) {
		return 0, fail
	}}, nil)

	_, err := c.Count(context.Background(), "v1", activity.Vibes)
	var se *activity.StoreError
	if !errors.As(err, &se) {
		t.Errorf("expected StoreError, got %v", err)
	}
}

func TestCount_UnknownMetric(t *testing.T) {
	c := New(&mockStore{}, nil)
	if _, err := c.Count(context.Background(), "v1", "likes"); !errors.Is(err, activity.ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}
