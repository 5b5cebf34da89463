package repository

import (
	"context"
	"errors"

	"userseed/internal/domain"
)

var (
	// ErrCollectionExists is returned when the collection (or table) is already present.
	ErrCollectionExists = errors.New("collection already exists")
	// ErrIndexConflict is returned when an index with the same name but a different definition exists.
	ErrIndexConflict = errors.New("index conflicts with existing index")
	// ErrIndexExists is returned when an identical index is already present.
	ErrIndexExists = errors.New("index already exists")
	// ErrDuplicateKey is returned when an insert violates a unique index.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("not found")
)

// Target is a handle to the database being bootstrapped. Implementations
// report schema collisions through the sentinel errors above and keep the
// driver error wrapped underneath.
type Target interface {
	Backend() string
	Database() string
	CreateCollection(ctx context.Context, name string) error
	// ListIndexes returns secondary indexes only; the primary key index is omitted.
	ListIndexes(ctx context.Context, collection string) ([]domain.IndexSpec, error)
	CreateIndex(ctx context.Context, collection string, spec domain.IndexSpec) error
	InsertUser(ctx context.Context, collection string, user *domain.User) error
	FindUserByEmail(ctx context.Context, collection, email string) (*domain.User, error)
	CountUsersByEmail(ctx context.Context, collection, email string) (int64, error)
	Close(ctx context.Context) error
}
