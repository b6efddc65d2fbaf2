package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kalambet/scene/internal/activity"
)

const feedBatch = 100

// SubscribeInserts tails stream for rows inserted after the call. Rows are
// read in rowid order, so consumers see them in insert order. Inserts made
// through this Store wake the feed at once; rows written by other processes
// are picked up on the next poll.
func (s *Store) SubscribeInserts(ctx context.Context, stream activity.Stream, f activity.Filter) (activity.Subscription, error) {
	if !stream.Valid() {
		return nil, fmt.Errorf("%w: unknown stream %q", activity.ErrInvalidPayload, stream)
	}

	var last int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(rowid), 0) FROM "+string(stream)).Scan(&last); err != nil {
		return nil, activity.WrapStoreError("subscribe", stream, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &feed{
		store:   s,
		stream:  stream,
		filter:  f,
		last:    last,
		records: make(chan activity.Record),
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  slog.Default().With("stream", string(stream)),
	}
	go sub.run(ctx)
	return sub, nil
}

// notify wakes every feed tailing stream.
func (s *Store) notify(stream activity.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.wake[stream]; ok {
		close(ch)
		delete(s.wake, stream)
	}
}

// waitCh returns the channel closed by the next insert into stream.
func (s *Store) waitCh(stream activity.Stream) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.wake[stream]
	if !ok {
		ch = make(chan struct{})
		s.wake[stream] = ch
	}
	return ch
}

type feed struct {
	store  *Store
	stream activity.Stream
	filter activity.Filter
	last   int64

	records chan activity.Record
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *slog.Logger

	mu  sync.Mutex
	err error
}

func (f *feed) Records() <-chan activity.Record { return f.records }

func (f *feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Cancel stops the tailer and waits for it to exit. Safe to call twice.
func (f *feed) Cancel() {
	f.cancel()
	<-f.done
}

func (f *feed) run(ctx context.Context) {
	defer close(f.done)
	defer close(f.records)

	for {
		// Take the wake channel before reading so an insert that lands
		// between the read and the wait is not missed.
		wake := f.store.waitCh(f.stream)

		batch, err := f.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Warn("change feed read failed", "error", err)
			f.mu.Lock()
			f.err = err
			f.mu.Unlock()
			return
		}

		for _, rec := range batch {
			select {
			case f.records <- rec:
			case <-ctx.Done():
				return
			}
		}
		if len(batch) == feedBatch {
			continue
		}

		timer := f.store.clock.NewTimer(f.store.poll, "storage", "feed")
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// next reads the rows after the last seen rowid. Rows are collected before
// they are delivered because the store has a single connection.
func (f *feed) next(ctx context.Context) ([]activity.Record, error) {
	where, args := whereClause(f.filter, activity.Window{})
	if where == "" {
		where = " WHERE rowid > ?"
	} else {
		where += " AND rowid > ?"
	}
	args = append(args, f.last, feedBatch)

	rows, err := f.store.db.QueryContext(ctx,
		"SELECT "+streamColumns[f.stream]+" FROM "+string(f.stream)+where+" ORDER BY rowid ASC LIMIT ?", args...)
	if err != nil {
		return nil, activity.WrapStoreError("feed", f.stream, err)
	}
	defer rows.Close()

	var batch []activity.Record
	for rows.Next() {
		rowid, rec, err := scanRecord(f.stream, rows)
		if err != nil {
			return nil, activity.WrapStoreError("feed", f.stream, err)
		}
		f.last = rowid
		batch = append(batch, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, activity.WrapStoreError("feed", f.stream, err)
	}
	return batch, nil
}
