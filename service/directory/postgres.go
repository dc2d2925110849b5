package directory

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const (
	sqlUser       = `SELECT id, email, name, role FROM users WHERE id = $1`
	sqlProject    = `SELECT id, owner_id, is_private FROM projects WHERE id = $1`
	sqlStatusPage = `SELECT id, slug, owner_id, is_private FROM status_pages WHERE slug = $1`
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres reads the users/projects/status_pages tables.
type Postgres struct {
	q    querier
	pool *pgxpool.Pool
}

// NewPostgres connects a pool and verifies it with a ping.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "pgxpool new")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "pgx ping")
	}
	return &Postgres{q: pool, pool: pool}, nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *Postgres) LookupUser(ctx context.Context, id string) (*User, error) {
	var (
		u           User
		email, name *string
		role        *string
	)
	err := p.q.QueryRow(ctx, sqlUser, id).Scan(&u.ID, &email, &name, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "lookup user")
	}
	u.Email, u.Name, u.Role = deref(email), deref(name), deref(role)
	return &u, nil
}

func (p *Postgres) LookupProject(ctx context.Context, id string) (*Project, error) {
	var pr Project
	err := p.q.QueryRow(ctx, sqlProject, id).Scan(&pr.ID, &pr.OwnerID, &pr.IsPrivate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "lookup project")
	}
	return &pr, nil
}

func (p *Postgres) LookupStatusPageBySlug(ctx context.Context, slug string) (*StatusPage, error) {
	var sp StatusPage
	err := p.q.QueryRow(ctx, sqlStatusPage, slug).Scan(&sp.ID, &sp.Slug, &sp.OwnerID, &sp.IsPrivate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "lookup status page")
	}
	return &sp, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
