package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"userseed/internal/domain"
	"userseed/internal/repository"
)

// server error codes, see src/mongo/base/error_codes.yml
const (
	codeNamespaceNotFound     = 26
	codeNamespaceExists       = 48
	codeIndexAlreadyExists    = 68
	codeIndexOptionsConflict  = 85
	codeIndexKeySpecsConflict = 86
)

type userDocument struct {
	ID        bson.ObjectID `bson:"_id,omitempty"`
	Name      string        `bson:"name"`
	Email     string        `bson:"email"`
	Password  string        `bson:"password"`
	CreatedAt time.Time     `bson:"created_at"`
	UpdatedAt time.Time     `bson:"updated_at"`
}

func fromUser(u *domain.User) userDocument {
	return userDocument{
		Name:      u.Name,
		Email:     u.Email,
		Password:  u.Password,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func (d userDocument) toUser() *domain.User {
	return &domain.User{
		ID:        d.ID.Hex(),
		Name:      d.Name,
		Email:     d.Email,
		Password:  d.Password,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

// Target bootstraps a single MongoDB database.
type Target struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ repository.Target = (*Target)(nil)

// Open connects to uri and verifies the primary is reachable.
func Open(ctx context.Context, uri, database string) (*Target, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return NewTarget(client, database), nil
}

// NewTarget selects database on an already connected client.
func NewTarget(client *mongo.Client, database string) *Target {
	return &Target{client: client, db: client.Database(database)}
}

func (t *Target) Backend() string  { return "mongodb" }
func (t *Target) Database() string { return t.db.Name() }

func (t *Target) CreateCollection(ctx context.Context, name string) error {
	return collectionErr(name, t.db.CreateCollection(ctx, name))
}

func (t *Target) ListIndexes(ctx context.Context, collection string) ([]domain.IndexSpec, error) {
	specs, err := t.db.Collection(collection).Indexes().ListSpecifications(ctx)
	if err != nil {
		if hasCode(err, codeNamespaceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list indexes of %s: %w", collection, err)
	}

	out := make([]domain.IndexSpec, 0, len(specs))
	for _, s := range specs {
		if s.Name == "_id_" {
			continue
		}
		keys, err := keysFromRaw(s.KeysDocument)
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", s.Name, err)
		}
		out = append(out, domain.IndexSpec{
			Name:   s.Name,
			Keys:   keys,
			Unique: s.Unique != nil && *s.Unique,
		})
	}
	return out, nil
}

func (t *Target) CreateIndex(ctx context.Context, collection string, spec domain.IndexSpec) error {
	_, err := t.db.Collection(collection).Indexes().CreateOne(ctx, indexModel(spec))
	return indexErr(collection, spec, err)
}

func (t *Target) InsertUser(ctx context.Context, collection string, user *domain.User) error {
	res, err := t.db.Collection(collection).InsertOne(ctx, fromUser(user))
	if err != nil {
		return insertErr(user.Email, err)
	}
	if oid, ok := res.InsertedID.(bson.ObjectID); ok {
		user.ID = oid.Hex()
	}
	return nil
}

func (t *Target) FindUserByEmail(ctx context.Context, collection, email string) (*domain.User, error) {
	var doc userDocument
	err := t.db.Collection(collection).FindOne(ctx, bson.D{{Key: "email", Value: email}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("user: %w", repository.ErrNotFound)
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return doc.toUser(), nil
}

func (t *Target) CountUsersByEmail(ctx context.Context, collection, email string) (int64, error) {
	n, err := t.db.Collection(collection).CountDocuments(ctx, bson.D{{Key: "email", Value: email}})
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (t *Target) Close(ctx context.Context) error {
	return t.client.Disconnect(ctx)
}

func indexModel(spec domain.IndexSpec) mongo.IndexModel {
	keys := make(bson.D, 0, len(spec.Keys))
	for _, k := range spec.Keys {
		keys = append(keys, bson.E{Key: k.Field, Value: int32(k.Order)})
	}
	opts := options.Index().SetName(spec.Name)
	if spec.Unique {
		opts.SetUnique(true)
	}
	return mongo.IndexModel{Keys: keys, Options: opts}
}

func keysFromRaw(raw bson.Raw) ([]domain.IndexKey, error) {
	elems, err := raw.Elements()
	if err != nil {
		return nil, fmt.Errorf("decode index keys: %w", err)
	}

	keys := make([]domain.IndexKey, 0, len(elems))
	for _, e := range elems {
		var order float64
		v := e.Value()
		switch v.Type {
		case bson.TypeInt32:
			order = float64(v.Int32())
		case bson.TypeInt64:
			order = float64(v.Int64())
		case bson.TypeDouble:
			order = v.Double()
		default:
			// text, hashed and geo indexes carry a string; they have no direction
			order = 0
		}

		key := domain.IndexKey{Field: e.Key()}
		switch {
		case order > 0:
			key.Order = domain.Ascending
		case order < 0:
			key.Order = domain.Descending
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func collectionErr(name string, err error) error {
	if err == nil {
		return nil
	}
	if hasCode(err, codeNamespaceExists) {
		return fmt.Errorf("collection %s: %w: %v", name, repository.ErrCollectionExists, err)
	}
	return fmt.Errorf("create collection %s: %w", name, err)
}

func indexErr(collection string, spec domain.IndexSpec, err error) error {
	if err == nil {
		return nil
	}
	if hasCode(err, codeIndexAlreadyExists, codeIndexOptionsConflict, codeIndexKeySpecsConflict) {
		return fmt.Errorf("index %s on %s: %w: %v", spec, collection, repository.ErrIndexConflict, err)
	}
	return fmt.Errorf("create index %s on %s: %w", spec.Name, collection, err)
}

func insertErr(email string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("insert user %s: %w: %v", email, repository.ErrDuplicateKey, err)
	}
	return fmt.Errorf("insert user: %w", err)
}

func hasCode(err error, codes ...int32) bool {
	var cmdErr mongo.CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	for _, c := range codes {
		if cmdErr.Code == c {
			return true
		}
	}
	return false
}
