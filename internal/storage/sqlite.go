package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kalambet/scene/internal/activity"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the venue catalog, the four
// participation streams and the escalation ledger.
type Store struct {
	db    *sql.DB
	poll  time.Duration
	clock quartz.Clock

	mu   sync.Mutex
	wake map[activity.Stream]chan struct{}
}

var _ activity.Store = (*Store)(nil)
var _ activity.VenueCatalog = (*Store)(nil)

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "scene.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	// This also keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{
		db:    db,
		poll:  500 * time.Millisecond,
		clock: quartz.NewReal(),
		wake:  make(map[activity.Stream]chan struct{}),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for tests and maintenance commands.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetPollInterval controls how often change feeds look for rows written by
// other processes. Inserts made through this Store wake feeds immediately.
func (s *Store) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.poll = d
	}
}

// SetClock replaces the clock used for default timestamps and feed polling.
func (s *Store) SetClock(c quartz.Clock) {
	if c != nil {
		s.clock = c
	}
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Venues ---

func (s *Store) SaveVenue(ctx context.Context, v activity.Venue) (activity.Venue, error) {
	if strings.TrimSpace(v.Name) == "" {
		return activity.Venue{}, fmt.Errorf("%w: venue name is required", activity.ErrInvalidPayload)
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO venues (id, name, lat, lng, address, genre, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, lat = excluded.lat, lng = excluded.lng,
			address = excluded.address, genre = excluded.genre, description = excluded.description`,
		v.ID, v.Name, v.Lat, v.Lng, v.Address, v.Genre, v.Description, formatTime(v.CreatedAt),
	)
	if err != nil {
		return activity.Venue{}, activity.WrapStoreError("save venue", "", err)
	}
	return v, nil
}

func (s *Store) GetVenue(ctx context.Context, id string) (activity.Venue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, lat, lng, address, genre, description, created_at
		FROM venues WHERE id = ?`, id)
	v, err := scanVenue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return activity.Venue{}, activity.ErrUnresolvedVenue
	}
	if err != nil {
		return activity.Venue{}, activity.WrapStoreError("get venue", "", err)
	}
	return v, nil
}

// ListVenues returns the catalog ordered by name.
func (s *Store) ListVenues(ctx context.Context) ([]activity.Venue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, lat, lng, address, genre, description, created_at
		FROM venues ORDER BY name ASC`)
	if err != nil {
		return nil, activity.WrapStoreError("list venues", "", err)
	}
	defer rows.Close()

	var venues []activity.Venue
	for rows.Next() {
		v, err := scanVenue(rows)
		if err != nil {
			return nil, activity.WrapStoreError("list venues", "", err)
		}
		venues = append(venues, v)
	}
	return venues, activity.WrapStoreError("list venues", "", rows.Err())
}

// --- Participation streams ---

// Insert appends rec to stream, filling the id, created_at and (for
// arrival intents) expires_at when unset.
func (s *Store) Insert(ctx context.Context, stream activity.Stream, rec activity.Record) error {
	if !stream.Valid() {
		return fmt.Errorf("%w: unknown stream %q", activity.ErrInvalidPayload, stream)
	}
	if rec.VenueID == "" {
		return fmt.Errorf("%w: venue_id is required", activity.ErrInvalidPayload)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock.Now()
	}

	var err error
	switch stream {
	case activity.Vibes:
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO vibes (id, venue_id, device_id, user_id, created_at) VALUES (?, ?, ?, ?, ?)`,
			rec.ID, rec.VenueID, rec.DeviceID, rec.UserID, formatTime(rec.CreatedAt))
	case activity.PullingUp:
		if rec.ExpiresAt.IsZero() {
			rec.ExpiresAt = rec.CreatedAt.Add(time.Duration(rec.ETAMinutes) * time.Minute)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO pulling_up (id, venue_id, device_id, user_id, eta_minutes, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.VenueID, rec.DeviceID, rec.UserID, rec.ETAMinutes, formatTime(rec.ExpiresAt), formatTime(rec.CreatedAt))
	case activity.Reviews:
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO reviews (id, venue_id, device_id, user_id, rating, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.VenueID, rec.DeviceID, rec.UserID, int(rec.Rating), rec.Content, formatTime(rec.CreatedAt))
	case activity.Messages:
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO messages (id, venue_id, device_id, user_id, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.VenueID, rec.DeviceID, rec.UserID, rec.Content, formatTime(rec.CreatedAt))
	}
	if err != nil {
		return activity.WrapStoreError("insert", stream, err)
	}

	s.notify(stream)
	return nil
}

func (s *Store) Count(ctx context.Context, stream activity.Stream, f activity.Filter, w activity.Window) (int, error) {
	if !stream.Valid() {
		return 0, fmt.Errorf("%w: unknown stream %q", activity.ErrInvalidPayload, stream)
	}
	where, args := whereClause(f, w)
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+string(stream)+where, args...).Scan(&n)
	if err != nil {
		return 0, activity.WrapStoreError("count", stream, err)
	}
	return n, nil
}

func (s *Store) QueryOne(ctx context.Context, stream activity.Stream, f activity.Filter, w activity.Window) (activity.Record, error) {
	if !stream.Valid() {
		return activity.Record{}, fmt.Errorf("%w: unknown stream %q", activity.ErrInvalidPayload, stream)
	}
	where, args := whereClause(f, w)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+streamColumns[stream]+" FROM "+string(stream)+where+" ORDER BY created_at DESC, rowid DESC LIMIT 1", args...)
	_, rec, err := scanRecord(stream, row)
	if errors.Is(err, sql.ErrNoRows) {
		return activity.Record{}, activity.ErrNotFound
	}
	if err != nil {
		return activity.Record{}, activity.WrapStoreError("query", stream, err)
	}
	return rec, nil
}

func (s *Store) VenueIDs(ctx context.Context, stream activity.Stream, w activity.Window) ([]string, error) {
	if !stream.Valid() {
		return nil, fmt.Errorf("%w: unknown stream %q", activity.ErrInvalidPayload, stream)
	}
	where, args := whereClause(activity.Filter{}, w)
	rows, err := s.db.QueryContext(ctx, "SELECT venue_id FROM "+string(stream)+where, args...)
	if err != nil {
		return nil, activity.WrapStoreError("bulk read", stream, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, activity.WrapStoreError("bulk read", stream, err)
		}
		ids = append(ids, id)
	}
	return ids, activity.WrapStoreError("bulk read", stream, rows.Err())
}

// Recent returns up to limit of the newest rows for a venue in ascending
// creation order, the way a chat log is displayed.
func (s *Store) Recent(ctx context.Context, stream activity.Stream, venueID string, limit int) ([]activity.Record, error) {
	if !stream.Valid() {
		return nil, fmt.Errorf("%w: unknown stream %q", activity.ErrInvalidPayload, stream)
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+streamColumns[stream]+` FROM `+string(stream)+`
			WHERE venue_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?
		) ORDER BY 6 ASC, 1 ASC`, venueID, limit)
	if err != nil {
		return nil, activity.WrapStoreError("recent", stream, err)
	}
	defer rows.Close()

	var out []activity.Record
	for rows.Next() {
		_, rec, err := scanRecord(stream, rows)
		if err != nil {
			return nil, activity.WrapStoreError("recent", stream, err)
		}
		out = append(out, rec)
	}
	return out, activity.WrapStoreError("recent", stream, rows.Err())
}

// Ratings returns the rating of every review of venueID within w.
func (s *Store) Ratings(ctx context.Context, venueID string, w activity.Window) ([]activity.Rating, error) {
	where, args := whereClause(activity.Filter{VenueID: venueID}, w)
	rows, err := s.db.QueryContext(ctx, "SELECT rating FROM reviews"+where, args...)
	if err != nil {
		return nil, activity.WrapStoreError("ratings", activity.Reviews, err)
	}
	defer rows.Close()

	var out []activity.Rating
	for rows.Next() {
		var r int
		if err := rows.Scan(&r); err != nil {
			return nil, activity.WrapStoreError("ratings", activity.Reviews, err)
		}
		out = append(out, activity.Rating(r))
	}
	return out, activity.WrapStoreError("ratings", activity.Reviews, rows.Err())
}

// --- Escalation ledger ---

// ClaimEscalation records that ruleID fired for venueID in epoch. It reports
// false when another process (or an earlier call) already holds the claim.
func (s *Store) ClaimEscalation(ctx context.Context, venueID, ruleID, epoch string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO escalation_ledger (venue_id, rule_id, epoch, fired_at)
		VALUES (?, ?, ?, ?)`, venueID, ruleID, epoch, formatTime(s.clock.Now()))
	if err != nil {
		return false, activity.WrapStoreError("claim escalation", "", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, activity.WrapStoreError("claim escalation", "", err)
	}
	return n == 1, nil
}

// whereClause builds the WHERE fragment shared by counts, lookups and feeds.
func whereClause(f activity.Filter, w activity.Window) (string, []any) {
	var conds []string
	var args []any

	if f.VenueID != "" {
		conds = append(conds, "venue_id = ?")
		args = append(args, f.VenueID)
	}

	switch id := f.Identity; {
	case id.DeviceID != "" && id.UserID != "":
		conds = append(conds, "(device_id = ? OR user_id = ?)")
		args = append(args, id.DeviceID, id.UserID)
	case id.DeviceID != "":
		conds = append(conds, "device_id = ?")
		args = append(args, id.DeviceID)
	case id.UserID != "":
		conds = append(conds, "user_id = ?")
		args = append(args, id.UserID)
	}

	switch w.Kind {
	case activity.WindowTrailing:
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(w.Bound))
	case activity.WindowTTL:
		conds = append(conds, "expires_at >= ?")
		args = append(args, formatTime(w.Bound))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
