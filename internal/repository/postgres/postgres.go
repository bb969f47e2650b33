package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apigrid/teams/internal/domain"
	"github.com/apigrid/teams/internal/repository"
)

// Repository implements the team and event stores on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.TeamStore  = (*Repository)(nil)
	_ repository.EventStore = (*Repository)(nil)
	_ repository.TxManager  = (*Repository)(nil)
)

const uniqueViolation = "23505"

type txKey struct{}

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Repository) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return r.pool
}

// RunInTx executes fn within one transaction. Store methods called with
// the derived context share that transaction.
func (r *Repository) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Insert creates a team row.
func (r *Repository) Insert(ctx context.Context, team *domain.Team) error {
	const query = `INSERT INTO teams (id, etag, data) VALUES ($1, $2, $3)`
	if _, err := r.conn(ctx).Exec(ctx, query, team.ID, team.Etag, team.Doc); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// Get fetches a team row with its current etag.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Team, error) {
	const query = `SELECT etag, data FROM teams WHERE id = $1`
	team := domain.Team{ID: id}
	if err := r.conn(ctx).QueryRow(ctx, query, id).Scan(&team.Etag, &team.Doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &team, nil
}

// UpdateWithEtag replaces the payload only if the stored etag matches
// expectedEtag. The predicate lives in the WHERE clause so the database
// enforces the compare-and-swap, not application locking.
func (r *Repository) UpdateWithEtag(ctx context.Context, id, expectedEtag, newEtag string, doc json.RawMessage) error {
	const query = `UPDATE teams SET etag = $1, data = $2 WHERE id = $3 AND etag = $4`
	tag, err := r.conn(ctx).Exec(ctx, query, newEtag, doc, id, expectedEtag)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		const exists = `SELECT 1 FROM teams WHERE id = $1`
		var one int
		if err := r.conn(ctx).QueryRow(ctx, exists, id).Scan(&one); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return repository.ErrNotFound
			}
			return err
		}
		return repository.ErrVersionConflict
	}
	return nil
}

// Delete removes a team row and returns its last payload and etag.
func (r *Repository) Delete(ctx context.Context, id string) (*domain.Team, error) {
	const query = `DELETE FROM teams WHERE id = $1 RETURNING etag, data`
	team := domain.Team{ID: id}
	if err := r.conn(ctx).QueryRow(ctx, query, id).Scan(&team.Etag, &team.Doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &team, nil
}

// ListIDsByMember returns ids of teams whose members array contains the
// user. Served by the GIN index on data->'members'.
func (r *Repository) ListIDsByMember(ctx context.Context, userID string) ([]string, error) {
	const query = `SELECT id FROM teams WHERE data->'members' ? $1`
	rows, err := r.conn(ctx).Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Append records one team event.
func (r *Repository) Append(ctx context.Context, event *domain.TeamEvent) error {
	const query = `INSERT INTO team_events (team_id, action, etag, before, after, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	return r.conn(ctx).QueryRow(ctx, query,
		event.TeamID, string(event.Action), event.Etag, event.Before, event.After, event.Actor, event.CreatedAt,
	).Scan(&event.ID)
}

// ListByTeam returns the newest events for a team.
func (r *Repository) ListByTeam(ctx context.Context, teamID string, limit int) ([]domain.TeamEvent, error) {
	const query = `SELECT id, team_id, action, etag, before, after, actor, created_at
		FROM team_events WHERE team_id = $1 ORDER BY id DESC LIMIT $2`
	rows, err := r.conn(ctx).Query(ctx, query, teamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.TeamEvent, 0)
	for rows.Next() {
		var ev domain.TeamEvent
		var action string
		if err := rows.Scan(&ev.ID, &ev.TeamID, &action, &ev.Etag, &ev.Before, &ev.After, &ev.Actor, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Action = domain.EventAction(action)
		events = append(events, ev)
	}
	return events, rows.Err()
}
