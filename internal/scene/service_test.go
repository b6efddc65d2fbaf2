package scene

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/kalambet/scene/internal/activity"
	"github.com/kalambet/scene/internal/participation"
	"github.com/kalambet/scene/internal/storage"
)

func newTestService(t *testing.T, ttl time.Duration) (*Service, *storage.Store, *quartz.Mock) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC))
	return New(s, Options{Clock: clock, CacheTTL: ttl}), s, clock
}

func addVenue(t *testing.T, svc *Service, name string) string {
	t.Helper()
	v, err := svc.AddVenue(context.Background(), activity.Venue{Name: name})
	if err != nil {
		t.Fatalf("AddVenue: %v", err)
	}
	return v.ID
}

func vibe(t *testing.T, svc *Service, venueID, device string) {
	t.Helper()
	if _, err := svc.SubmitParticipation(context.Background(), venueID, activity.Vibes, activity.Identity{DeviceID: device}, participation.Payload{}); err != nil {
		t.Fatalf("SubmitParticipation: %v", err)
	}
}

func TestGetCrowdState(t *testing.T) {
	svc, _, _ := newTestService(t, -1)
	ctx := context.Background()
	venue := addVenue(t, svc, "Lakota")

	cs, err := svc.GetCrowdState(ctx, venue)
	if err != nil {
		t.Fatalf("GetCrowdState: %v", err)
	}
	if cs.Label != "Empty" || cs.IntensityPercent != 5 || cs.IsTrending {
		t.Errorf("empty venue state = %+v", cs)
	}

	for _, dev := range []string{"a", "b", "c"} {
		vibe(t, svc, venue, dev)
	}
	cs, err = svc.GetCrowdState(ctx, venue)
	if err != nil {
		t.Fatalf("GetCrowdState: %v", err)
	}
	if cs.Count != 3 || cs.Label != "Vibing" || !cs.IsTrending {
		t.Errorf("state after 3 vibes = %+v", cs)
	}
}

func TestGetCrowdStateUnknownVenue(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	_, err := svc.GetCrowdState(context.Background(), "missing")
	if !errors.Is(err, activity.ErrUnresolvedVenue) {
		t.Errorf("expected ErrUnresolvedVenue, got %v", err)
	}
}

func TestCacheServesUntilInvalidated(t *testing.T) {
	svc, store, clock := newTestService(t, time.Minute)
	ctx := context.Background()
	venue := addVenue(t, svc, "Lakota")

	if cs, _ := svc.GetCrowdState(ctx, venue); cs.Count != 0 {
		t.Fatalf("initial count = %d", cs.Count)
	}

	// A write that bypasses the service leaves the cached value in place.
	if err := store.Insert(ctx, activity.Vibes, activity.Record{VenueID: venue, DeviceID: "x", CreatedAt: clock.Now()}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if cs, _ := svc.GetCrowdState(ctx, venue); cs.Count != 0 {
		t.Errorf("cached count = %d, want stale 0", cs.Count)
	}

	svc.Invalidate(venue, activity.Vibes)
	if cs, _ := svc.GetCrowdState(ctx, venue); cs.Count != 1 {
		t.Errorf("count after invalidate = %d, want 1", cs.Count)
	}
}

// pausingStore holds a vibes count after it is computed until release is
// closed.
type pausingStore struct {
	*storage.Store
	computed chan struct{}
	release  chan struct{}
	once     sync.Once
}

func (p *pausingStore) Count(ctx context.Context, stream activity.Stream, f activity.Filter, w activity.Window) (int, error) {
	n, err := p.Store.Count(ctx, stream, f, w)
	if stream == activity.Vibes {
		p.once.Do(func() {
			close(p.computed)
			<-p.release
		})
	}
	return n, err
}

func TestInvalidateDuringInFlightCount(t *testing.T) {
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC))

	store := &pausingStore{Store: s, computed: make(chan struct{}), release: make(chan struct{})}
	svc := New(store, Options{Clock: clock, CacheTTL: time.Minute})
	ctx := context.Background()
	venue := addVenue(t, svc, "Lakota")

	done := make(chan CrowdState)
	go func() {
		cs, _ := svc.GetCrowdState(ctx, venue)
		done <- cs
	}()

	<-store.computed
	if err := s.Insert(ctx, activity.Vibes, activity.Record{VenueID: venue, DeviceID: "x", CreatedAt: clock.Now()}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	svc.Invalidate(venue, activity.Vibes)
	close(store.release)

	if cs := <-done; cs.Count != 0 {
		t.Errorf("in-flight read = %d, want the 0 it computed", cs.Count)
	}
	cs, err := svc.GetCrowdState(ctx, venue)
	if err != nil {
		t.Fatalf("GetCrowdState: %v", err)
	}
	if cs.Count != 1 {
		t.Errorf("count after invalidate = %d, want 1", cs.Count)
	}
}

func TestCacheExpires(t *testing.T) {
	svc, store, clock := newTestService(t, time.Minute)
	ctx := context.Background()
	venue := addVenue(t, svc, "Lakota")

	svc.GetCrowdState(ctx, venue)
	store.Insert(ctx, activity.Vibes, activity.Record{VenueID: venue, DeviceID: "x", CreatedAt: clock.Now()})

	clock.Advance(61 * time.Second)
	if cs, _ := svc.GetCrowdState(ctx, venue); cs.Count != 1 {
		t.Errorf("count after ttl = %d, want 1", cs.Count)
	}
}

func TestParticipationAvailability(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	ctx := context.Background()
	venue := addVenue(t, svc, "Lakota")
	anon := activity.Identity{DeviceID: "dev"}
	user := activity.Identity{DeviceID: "dev", UserID: "u1"}

	ok, err := svc.GetParticipationAvailability(ctx, venue, activity.Vibes, anon)
	if err != nil || !ok {
		t.Fatalf("vibe availability = %v, %v; want true", ok, err)
	}
	vibe(t, svc, venue, "dev")
	if ok, _ := svc.GetParticipationAvailability(ctx, venue, activity.Vibes, anon); ok {
		t.Error("vibe should be unavailable after vibing")
	}

	if ok, _ := svc.GetParticipationAvailability(ctx, venue, activity.Reviews, anon); ok {
		t.Error("feedback should be unavailable to anonymous users")
	}
	if ok, _ := svc.GetParticipationAvailability(ctx, venue, activity.Reviews, user); !ok {
		t.Error("feedback should be available to a signed-in user")
	}
	if ok, _ := svc.GetParticipationAvailability(ctx, venue, activity.Messages, user); !ok {
		t.Error("chat should always be available to a signed-in user")
	}
}

func TestSubmitParticipationErrors(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	ctx := context.Background()
	venue := addVenue(t, svc, "Lakota")

	_, err := svc.SubmitParticipation(ctx, "missing", activity.Vibes, activity.Identity{DeviceID: "d"}, participation.Payload{})
	if !errors.Is(err, activity.ErrNotFound) {
		t.Errorf("unknown venue error = %v", err)
	}

	vibe(t, svc, venue, "d")
	_, err = svc.SubmitParticipation(ctx, venue, activity.Vibes, activity.Identity{DeviceID: "d"}, participation.Payload{})
	if !errors.Is(err, activity.ErrDuplicateParticipation) {
		t.Errorf("duplicate error = %v", err)
	}

	_, err = svc.SubmitParticipation(ctx, venue, activity.Reviews, activity.Identity{DeviceID: "d"}, participation.Payload{Rating: "lit"})
	if !errors.Is(err, activity.ErrAuthRequired) {
		t.Errorf("anonymous review error = %v", err)
	}
}

func TestGetFeedbackSummary(t *testing.T) {
	svc, _, clock := newTestService(t, 0)
	ctx := context.Background()
	venue := addVenue(t, svc, "Lakota")

	for i, r := range []string{"lit", "lit", "good", "dead"} {
		id := activity.Identity{DeviceID: "d", UserID: string(rune('a' + i))}
		if _, err := svc.SubmitParticipation(ctx, venue, activity.Reviews, id, participation.Payload{Rating: r}); err != nil {
			t.Fatalf("review %d: %v", i, err)
		}
	}

	sum, err := svc.GetFeedbackSummary(ctx, venue)
	if err != nil {
		t.Fatalf("GetFeedbackSummary: %v", err)
	}
	if sum.Total != 4 || sum.Counts.Lit != 2 || sum.Counts.Good != 1 || sum.Counts.Mid != 0 || sum.Counts.Dead != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Dominant == nil || *sum.Dominant != activity.RatingLit {
		t.Errorf("dominant = %v", sum.Dominant)
	}

	clock.Advance(25 * time.Hour)
	sum, _ = svc.GetFeedbackSummary(ctx, venue)
	if sum.Total != 0 || sum.Dominant != nil {
		t.Errorf("summary after 25h = %+v, want empty", sum)
	}
}

func TestDashboard(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	ctx := context.Background()
	busy := addVenue(t, svc, "Busy")
	quiet := addVenue(t, svc, "Quiet")
	addVenue(t, svc, "Empty")

	for _, dev := range []string{"a", "b", "c", "d"} {
		vibe(t, svc, busy, dev)
	}
	vibe(t, svc, quiet, "a")

	all, err := svc.Dashboard(ctx, FilterAll)
	if err != nil {
		t.Fatalf("Dashboard: %v", err)
	}
	if len(all) != 3 || all[0].Venue.ID != busy || all[1].Venue.ID != quiet {
		t.Errorf("dashboard order = %+v", all)
	}

	trending, _ := svc.Dashboard(ctx, FilterTrending)
	if len(trending) != 1 || trending[0].Venue.ID != busy {
		t.Errorf("trending = %+v", trending)
	}

	vibing, _ := svc.Dashboard(ctx, FilterVibing)
	if len(vibing) != 2 {
		t.Errorf("vibing = %+v", vibing)
	}

	if _, err := svc.Dashboard(ctx, "hot"); !errors.Is(err, activity.ErrInvalidPayload) {
		t.Errorf("unknown filter error = %v", err)
	}
}

func TestMessages(t *testing.T) {
	svc, _, clock := newTestService(t, 0)
	ctx := context.Background()
	venue := addVenue(t, svc, "Lakota")
	user := activity.Identity{DeviceID: "d", UserID: "u"}

	for _, body := range []string{"first", "second"} {
		if _, err := svc.SubmitParticipation(ctx, venue, activity.Messages, user, participation.Payload{Content: body}); err != nil {
			t.Fatalf("SubmitParticipation: %v", err)
		}
		clock.Advance(time.Second)
	}

	msgs, err := svc.Messages(ctx, venue)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Errorf("messages = %+v", msgs)
	}
}
