package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"userseed/internal/domain"
	"userseed/internal/repository"
)

const (
	codeUniqueViolation = "23505"
	codeDuplicateTable  = "42P07"
)

const createUsersTable = `
CREATE TABLE %s (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT NOT NULL,
	password TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

const listIndexes = `
SELECT i.relname, ix.indisunique, a.attname, (ix.indoption[k.ord - 1] & 1) = 1
FROM pg_class t
JOIN pg_namespace n ON n.oid = t.relnamespace
JOIN pg_index ix ON ix.indrelid = t.oid
JOIN pg_class i ON i.oid = ix.indexrelid
CROSS JOIN LATERAL unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ord)
JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
WHERE n.nspname = current_schema() AND t.relname = $1 AND NOT ix.indisprimary
ORDER BY i.relname, k.ord`

var userColumns = map[string]struct{}{
	"name":       {},
	"email":      {},
	"password":   {},
	"created_at": {},
	"updated_at": {},
}

// pool is the subset of *pgxpool.Pool the target needs.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Target maps collections onto tables in the current schema.
type Target struct {
	db   pool
	name string
}

var _ repository.Target = (*Target)(nil)

// Open creates a pool for dsn and pings it. A non-empty database replaces the
// one named in dsn.
func Open(ctx context.Context, dsn, database string) (*Target, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if database != "" {
		cfg.ConnConfig.Database = database
	}
	cfg.MaxConns = 1

	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Target{db: p, name: cfg.ConnConfig.Database}, nil
}

func (t *Target) Backend() string  { return "postgres" }
func (t *Target) Database() string { return t.name }

func (t *Target) CreateCollection(ctx context.Context, name string) error {
	_, err := t.db.Exec(ctx, fmt.Sprintf(createUsersTable, pgx.Identifier{name}.Sanitize()))
	if err != nil {
		if pgCode(err) == codeDuplicateTable {
			return fmt.Errorf("table %s: %w: %v", name, repository.ErrCollectionExists, err)
		}
		return fmt.Errorf("create table %s: %w", name, err)
	}
	return nil
}

func (t *Target) ListIndexes(ctx context.Context, collection string) ([]domain.IndexSpec, error) {
	rows, err := t.db.Query(ctx, listIndexes, collection)
	if err != nil {
		return nil, fmt.Errorf("list indexes of %s: %w", collection, err)
	}
	defer rows.Close()

	var specs []domain.IndexSpec
	for rows.Next() {
		var (
			name   string
			unique bool
			column string
			desc   bool
		)
		if err := rows.Scan(&name, &unique, &column, &desc); err != nil {
			return nil, fmt.Errorf("scan index row: %w", err)
		}
		specs = appendIndexColumn(specs, strings.TrimPrefix(name, collection+"_"), unique, column, desc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate indexes: %w", err)
	}
	return specs, nil
}

// appendIndexColumn folds one (index, column) row into specs. Rows arrive
// grouped by index name.
func appendIndexColumn(specs []domain.IndexSpec, name string, unique bool, column string, desc bool) []domain.IndexSpec {
	order := domain.Ascending
	if desc {
		order = domain.Descending
	}
	key := domain.IndexKey{Field: column, Order: order}

	if n := len(specs); n > 0 && specs[n-1].Name == name {
		specs[n-1].Keys = append(specs[n-1].Keys, key)
		return specs
	}
	return append(specs, domain.IndexSpec{Name: name, Unique: unique, Keys: []domain.IndexKey{key}})
}

func (t *Target) CreateIndex(ctx context.Context, collection string, spec domain.IndexSpec) error {
	existing, err := t.ListIndexes(ctx, collection)
	if err != nil {
		return err
	}
	for _, idx := range existing {
		if idx.Equal(spec) {
			return nil
		}
		if idx.Name == spec.Name || idx.SameKeys(spec) {
			return fmt.Errorf("index %s on %s (have %s): %w", spec, collection, idx, repository.ErrIndexConflict)
		}
	}

	stmt, err := createIndexSQL(collection, spec)
	if err != nil {
		return err
	}
	if _, err := t.db.Exec(ctx, stmt); err != nil {
		if pgCode(err) == codeDuplicateTable {
			return fmt.Errorf("index %s on %s: %w: %v", spec.Name, collection, repository.ErrIndexConflict, err)
		}
		return fmt.Errorf("create index %s on %s: %w", spec.Name, collection, err)
	}
	return nil
}

func createIndexSQL(collection string, spec domain.IndexSpec) (string, error) {
	cols := make([]string, 0, len(spec.Keys))
	for _, k := range spec.Keys {
		if _, ok := userColumns[k.Field]; !ok {
			return "", fmt.Errorf("index %s: unknown column %q", spec.Name, k.Field)
		}
		dir := "ASC"
		if k.Order == domain.Descending {
			dir = "DESC"
		}
		cols = append(cols, pgx.Identifier{k.Field}.Sanitize()+" "+dir)
	}

	stmt := "CREATE INDEX"
	if spec.Unique {
		stmt = "CREATE UNIQUE INDEX"
	}
	return fmt.Sprintf("%s %s ON %s (%s)",
		stmt,
		pgx.Identifier{collection + "_" + spec.Name}.Sanitize(),
		pgx.Identifier{collection}.Sanitize(),
		strings.Join(cols, ", "),
	), nil
}

func (t *Target) InsertUser(ctx context.Context, collection string, user *domain.User) error {
	var id int64
	err := t.db.QueryRow(ctx, fmt.Sprintf(`
INSERT INTO %s (name, email, password, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`, pgx.Identifier{collection}.Sanitize()),
		user.Name,
		user.Email,
		user.Password,
		user.CreatedAt,
		user.UpdatedAt,
	).Scan(&id)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return fmt.Errorf("insert user %s: %w: %v", user.Email, repository.ErrDuplicateKey, err)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	user.ID = strconv.FormatInt(id, 10)
	return nil
}

func (t *Target) FindUserByEmail(ctx context.Context, collection, email string) (*domain.User, error) {
	var (
		user domain.User
		id   int64
	)
	err := t.db.QueryRow(ctx, fmt.Sprintf(`
SELECT id, name, email, password, created_at, updated_at
FROM %s
WHERE email = $1
ORDER BY id
LIMIT 1`, pgx.Identifier{collection}.Sanitize()),
		email,
	).Scan(&id, &user.Name, &user.Email, &user.Password, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", repository.ErrNotFound)
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	user.ID = strconv.FormatInt(id, 10)
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	return &user, nil
}

func (t *Target) CountUsersByEmail(ctx context.Context, collection, email string) (int64, error) {
	var n int64
	err := t.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE email = $1`, pgx.Identifier{collection}.Sanitize()), email,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (t *Target) Close(context.Context) error {
	t.db.Close()
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
