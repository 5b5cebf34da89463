package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultDatabase   = "backend_challenge"
	DefaultCollection = "users"

	AdminName  = "Admin User"
	AdminEmail = "admin@example.com"
	// AdminPasswordHash is a bcrypt hash; it is stored verbatim.
	AdminPasswordHash = "$2a$06$R.ga34oljt5UqXmSgNR6ze4QpEbq8u9i0Fui/eG2WpZs/nCgjbT1e"
)

// SortOrder is the direction of an index key.
type SortOrder int

const (
	Ascending  SortOrder = 1
	Descending SortOrder = -1
)

// IndexKey is a single field of an index.
type IndexKey struct {
	Field string
	Order SortOrder
}

// IndexSpec describes an index over a collection.
type IndexSpec struct {
	Name   string
	Keys   []IndexKey
	Unique bool
}

// DefaultName mirrors the naming convention used by MongoDB: field_order pairs
// joined with underscores, e.g. "email_1".
func (s IndexSpec) DefaultName() string {
	parts := make([]string, 0, len(s.Keys)*2)
	for _, k := range s.Keys {
		parts = append(parts, k.Field, fmt.Sprintf("%d", k.Order))
	}
	return strings.Join(parts, "_")
}

// SameKeys reports whether both specs cover the same fields in the same order
// and direction.
func (s IndexSpec) SameKeys(other IndexSpec) bool {
	if len(s.Keys) != len(other.Keys) {
		return false
	}
	for i := range s.Keys {
		if s.Keys[i] != other.Keys[i] {
			return false
		}
	}
	return true
}

// Equal reports whether two specs describe the same index.
func (s IndexSpec) Equal(other IndexSpec) bool {
	return s.Name == other.Name && s.Unique == other.Unique && s.SameKeys(other)
}

func (s IndexSpec) String() string {
	var b strings.Builder
	b.WriteString(s.Name)
	b.WriteString(" {")
	for i, k := range s.Keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %d", k.Field, k.Order)
	}
	b.WriteString("}")
	if s.Unique {
		b.WriteString(" unique")
	}
	return b.String()
}

// Seed holds the literal values of the bootstrap account.
type Seed struct {
	Name     string
	Email    string
	Password string
}

// Plan is everything the bootstrap needs to know about the target schema.
type Plan struct {
	Database   string
	Collection string
	Indexes    []IndexSpec
	Seed       Seed
}

// UserIndexes returns the indexes every users collection carries.
func UserIndexes() []IndexSpec {
	email := IndexSpec{Keys: []IndexKey{{Field: "email", Order: Ascending}}, Unique: true}
	email.Name = email.DefaultName()
	created := IndexSpec{Keys: []IndexKey{{Field: "created_at", Order: Ascending}}}
	created.Name = created.DefaultName()
	return []IndexSpec{email, created}
}

// DefaultPlan returns the plan that provisions the admin account.
func DefaultPlan() Plan {
	return Plan{
		Database:   DefaultDatabase,
		Collection: DefaultCollection,
		Indexes:    UserIndexes(),
		Seed: Seed{
			Name:     AdminName,
			Email:    AdminEmail,
			Password: AdminPasswordHash,
		},
	}
}

// Validate checks that the plan can be applied.
func (p Plan) Validate() error {
	if strings.TrimSpace(p.Database) == "" {
		return errors.New("database name is required")
	}
	if strings.TrimSpace(p.Collection) == "" {
		return errors.New("collection name is required")
	}

	for i, idx := range p.Indexes {
		if strings.TrimSpace(idx.Name) == "" {
			return fmt.Errorf("index %d: name is required", i)
		}
		if len(idx.Keys) == 0 {
			return fmt.Errorf("index %s: at least one key is required", idx.Name)
		}
		for _, k := range idx.Keys {
			if strings.TrimSpace(k.Field) == "" {
				return fmt.Errorf("index %s: empty field name", idx.Name)
			}
			if k.Order != Ascending && k.Order != Descending {
				return fmt.Errorf("index %s: invalid order %d on %s", idx.Name, k.Order, k.Field)
			}
		}
		for _, prev := range p.Indexes[:i] {
			if prev.Name == idx.Name {
				return fmt.Errorf("index %s declared twice", idx.Name)
			}
			if prev.SameKeys(idx) {
				return fmt.Errorf("indexes %s and %s cover the same keys", prev.Name, idx.Name)
			}
		}
	}

	if _, err := NewUser(p.Seed.Name, p.Seed.Email, p.Seed.Password, time.Time{}); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	return nil
}
