package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"userseed/internal/domain"
	"userseed/internal/repository"
)

const createUsersTable = `
CREATE TABLE %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	email TEXT NOT NULL,
	password TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// columns a collection table carries; index keys must name one of them.
var userColumns = map[string]struct{}{
	"name":       {},
	"email":      {},
	"password":   {},
	"created_at": {},
	"updated_at": {},
}

// Target maps collections onto sqlite tables of user rows.
type Target struct {
	db   *sql.DB
	name string
}

var _ repository.Target = (*Target)(nil)

// NewTarget wraps an open database. name is reported as the database name.
func NewTarget(db *sql.DB, name string) *Target {
	return &Target{db: db, name: name}
}

func (t *Target) Backend() string  { return "sqlite" }
func (t *Target) Database() string { return t.name }

func (t *Target) CreateCollection(ctx context.Context, name string) error {
	var n int
	err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("lookup table %s: %w", name, err)
	}
	if n > 0 {
		return fmt.Errorf("table %s: %w", name, repository.ErrCollectionExists)
	}

	if _, err := t.db.ExecContext(ctx, fmt.Sprintf(createUsersTable, quoteIdent(name))); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	return nil
}

func (t *Target) ListIndexes(ctx context.Context, collection string) ([]domain.IndexSpec, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT name, "unique" FROM pragma_index_list(?) WHERE origin = 'c' ORDER BY seq`, collection,
	)
	if err != nil {
		return nil, fmt.Errorf("list indexes of %s: %w", collection, err)
	}

	var specs []domain.IndexSpec
	for rows.Next() {
		var (
			name   string
			unique int
		)
		if err := rows.Scan(&name, &unique); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan index list: %w", err)
		}
		specs = append(specs, domain.IndexSpec{Name: name, Unique: unique == 1})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate index list: %w", err)
	}
	// the pool holds a single connection; release it before the next query
	rows.Close()

	for i := range specs {
		keys, err := t.indexKeys(ctx, specs[i].Name)
		if err != nil {
			return nil, err
		}
		specs[i].Keys = keys
		specs[i].Name = strings.TrimPrefix(specs[i].Name, collection+"_")
	}
	return specs, nil
}

func (t *Target) indexKeys(ctx context.Context, index string) ([]domain.IndexKey, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT name, "desc" FROM pragma_index_xinfo(?) WHERE "key" = 1 ORDER BY seqno`, index,
	)
	if err != nil {
		return nil, fmt.Errorf("describe index %s: %w", index, err)
	}
	defer rows.Close()

	var keys []domain.IndexKey
	for rows.Next() {
		var (
			field sql.NullString
			desc  int
		)
		if err := rows.Scan(&field, &desc); err != nil {
			return nil, fmt.Errorf("scan index info: %w", err)
		}
		order := domain.Ascending
		if desc == 1 {
			order = domain.Descending
		}
		keys = append(keys, domain.IndexKey{Field: field.String, Order: order})
	}
	return keys, rows.Err()
}

// CreateIndex is a no-op when an identical index exists, like MongoDB's createIndex.
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

	cols := make([]string, 0, len(spec.Keys))
	for _, k := range spec.Keys {
		if _, ok := userColumns[k.Field]; !ok {
			return fmt.Errorf("index %s: unknown column %q", spec.Name, k.Field)
		}
		dir := "ASC"
		if k.Order == domain.Descending {
			dir = "DESC"
		}
		cols = append(cols, quoteIdent(k.Field)+" "+dir)
	}

	stmt := "CREATE INDEX"
	if spec.Unique {
		stmt = "CREATE UNIQUE INDEX"
	}
	stmt = fmt.Sprintf("%s %s ON %s (%s)",
		stmt, quoteIdent(collection+"_"+spec.Name), quoteIdent(collection), strings.Join(cols, ", "))

	if _, err := t.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create index %s on %s: %w", spec.Name, collection, err)
	}
	return nil
}

func (t *Target) InsertUser(ctx context.Context, collection string, user *domain.User) error {
	res, err := t.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (name, email, password, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)`, quoteIdent(collection)),
		user.Name,
		user.Email,
		user.Password,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert user %s: %w: %v", user.Email, repository.ErrDuplicateKey, err)
		}
		return fmt.Errorf("insert user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("user last insert id: %w", err)
	}
	user.ID = strconv.FormatInt(id, 10)
	return nil
}

func (t *Target) FindUserByEmail(ctx context.Context, collection, email string) (*domain.User, error) {
	row := t.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT id, name, email, password, created_at, updated_at
FROM %s
WHERE email = ?
ORDER BY id
LIMIT 1`, quoteIdent(collection)),
		email,
	)
	return scanUser(row)
}

func (t *Target) CountUsersByEmail(ctx context.Context, collection, email string) (int64, error) {
	var n int64
	err := t.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE email = ?`, quoteIdent(collection)), email,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (t *Target) Close(context.Context) error {
	return t.db.Close()
}

func scanUser(row interface {
	Scan(dest ...any) error
}) (*domain.User, error) {
	var (
		user domain.User
		id   int64
	)
	if err := row.Scan(
		&id,
		&user.Name,
		&user.Email,
		&user.Password,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", repository.ErrNotFound)
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	user.ID = strconv.FormatInt(id, 10)
	return &user, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *moderncsqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
		if code&0xff != sqlite3.SQLITE_CONSTRAINT {
			return false
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
