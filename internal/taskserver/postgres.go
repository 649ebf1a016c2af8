package taskserver

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/session_relay/internal/task"
)

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore keeps pending tasks in session_relay.pending_tasks so they
// survive a task server restart.
type PostgresStore struct {
	db dbtx
}

func NewPostgresStore(db dbtx) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Add(ctx context.Context, url string) (bool, error) {
	tag, err := p.db.Exec(ctx, `
		INSERT INTO session_relay.pending_tasks(url)
		VALUES ($1)
		ON CONFLICT (url) DO NOTHING`, url)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) Pending(ctx context.Context) ([]string, error) {
	rows, err := p.db.Query(ctx, `
		SELECT url FROM session_relay.pending_tasks
		ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *PostgresStore) Remove(ctx context.Context, url string) (bool, error) {
	tag, err := p.db.Exec(ctx, `
		DELETE FROM session_relay.pending_tasks WHERE url = $1`, url)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresStore) RecordSubmission(ctx context.Context, s task.Submission, matched bool) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO session_relay.submissions(request_url, response, matched)
		VALUES ($1, $2, $3)`, s.RequestURL, s.Response, matched)
	return err
}
