package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/carpool-coordinator/internal/coordinator"
)

const schema = `
CREATE TABLE IF NOT EXISTS ride_transitions (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT        NOT NULL,
	ride_id     BIGINT      NOT NULL,
	match_id    BIGINT      NOT NULL DEFAULT 0,
	from_phase  TEXT        NOT NULL,
	to_phase    TEXT        NOT NULL,
	reason      TEXT        NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ride_transitions_ride_idx ON ride_transitions (ride_id, occurred_at);
`

type PostgresJournal struct {
	db *sql.DB
}

// NewPostgresJournal opens dsn and checks the connection. With migrate set,
// the journal table is created if missing.
func NewPostgresJournal(ctx context.Context, dsn string, migrate bool) (*PostgresJournal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal database: %w", err)
	}
	p := &PostgresJournal{db: db}
	if migrate {
		if err := p.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return p, nil
}

func (p *PostgresJournal) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

func (p *PostgresJournal) Record(ctx context.Context, t coordinator.Transition) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO ride_transitions(session_id, ride_id, match_id, from_phase, to_phase, reason, occurred_at) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		t.SessionID, t.RideID, t.MatchID, string(t.From), string(t.To), t.Reason, t.At)
	return err
}

func (p *PostgresJournal) History(ctx context.Context, rideID int64) ([]coordinator.Transition, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT session_id, ride_id, match_id, from_phase, to_phase, reason, occurred_at FROM ride_transitions WHERE ride_id = $1 ORDER BY occurred_at, id`,
		rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []coordinator.Transition
	for rows.Next() {
		var t coordinator.Transition
		var from, to string
		if err := rows.Scan(&t.SessionID, &t.RideID, &t.MatchID, &from, &to, &t.Reason, &t.At); err != nil {
			return nil, err
		}
		t.From, t.To = coordinator.Phase(from), coordinator.Phase(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresJournal) Close() error { return p.db.Close() }
