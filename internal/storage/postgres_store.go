package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-booking/internal/reconciler"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate runs every .sql file in fsys in name order. Statements must be
// idempotent.
func (p *PostgresStore) Migrate(ctx context.Context, fsys fs.FS) error {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := fs.ReadFile(fsys, name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) Record(ctx context.Context, r FlowRecord) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO booking_flows(flow_id, user_id, trip_id, state, action, seats, booking_id, message, recorded_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.FlowID, r.UserID, r.TripID, string(r.State), r.Action, r.Seats, r.BookingID, r.Message, r.RecordedAt)
	return err
}

func (p *PostgresStore) History(ctx context.Context, flowID string) ([]FlowRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT flow_id, user_id, trip_id, state, action, seats, booking_id, message, recorded_at FROM booking_flows WHERE flow_id=$1 ORDER BY id`, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FlowRecord
	for rows.Next() {
		var r FlowRecord
		var state string
		if err := rows.Scan(&r.FlowID, &r.UserID, &r.TripID, &state, &r.Action, &r.Seats, &r.BookingID, &r.Message, &r.RecordedAt); err != nil {
			return nil, err
		}
		r.State = reconciler.State(state)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error { return p.db.Close() }
