package storage

import (
	"time"

	"github.com/kalambet/scene/internal/activity"
)

// timeLayout is fixed width and always UTC so that string comparison in SQL
// matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

// streamColumns selects every stream into the same ten columns so a single
// scanner serves all of them:
// rowid, id, venue_id, device_id, user_id, created_at, eta_minutes,
// expires_at, rating, content.
var streamColumns = map[activity.Stream]string{
	activity.Vibes:     "rowid, id, venue_id, device_id, user_id, created_at, 0, '', 0, ''",
	activity.PullingUp: "rowid, id, venue_id, device_id, user_id, created_at, eta_minutes, expires_at, 0, ''",
	activity.Reviews:   "rowid, id, venue_id, device_id, user_id, created_at, 0, '', rating, content",
	activity.Messages:  "rowid, id, venue_id, device_id, user_id, created_at, 0, '', 0, content",
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(stream activity.Stream, row scanner) (int64, activity.Record, error) {
	var (
		rowid              int64
		rec                activity.Record
		createdAt, expires string
		rating             int
	)
	err := row.Scan(&rowid, &rec.ID, &rec.VenueID, &rec.DeviceID, &rec.UserID,
		&createdAt, &rec.ETAMinutes, &expires, &rating, &rec.Content)
	if err != nil {
		return 0, activity.Record{}, err
	}
	rec.Stream = stream
	rec.CreatedAt = parseTime(createdAt)
	rec.ExpiresAt = parseTime(expires)
	rec.Rating = activity.Rating(rating)
	return rowid, rec, nil
}

func scanVenue(row scanner) (activity.Venue, error) {
	var (
		v         activity.Venue
		createdAt string
	)
	if err := row.Scan(&v.ID, &v.Name, &v.Lat, &v.Lng, &v.Address, &v.Genre, &v.Description, &createdAt); err != nil {
		return activity.Venue{}, err
	}
	v.CreatedAt = parseTime(createdAt)
	return v, nil
}
