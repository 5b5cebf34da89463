package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"userseed/internal/domain"
	"userseed/internal/repository"
	"userseed/internal/repository/sqlite"
)

func newSQLiteTarget(t *testing.T) *sqlite.Target {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "backend_challenge.db"))
	require.NoError(t, err)

	target := sqlite.NewTarget(db, domain.DefaultDatabase)
	t.Cleanup(func() { _ = target.Close(context.Background()) })
	return target
}

func newTestRunner(policy Policy, buf *bytes.Buffer) *Runner {
	logger := logrus.New()
	logger.SetOutput(buf)
	return NewRunner(RunnerConfig{Policy: policy, Verify: true, Logger: logger})
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy(" FAIL ")
	require.NoError(t, err)
	assert.Equal(t, PolicyFail, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicySkip, p)

	_, err = ParsePolicy("ignore")
	assert.Error(t, err)
}

func TestRunFreshDatabase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	target := newSQLiteTarget(t)
	var logs bytes.Buffer

	before := time.Now().Add(-time.Second)
	report, err := newTestRunner(PolicySkip, &logs).Run(ctx, target, domain.DefaultPlan())
	after := time.Now().Add(time.Second)
	require.NoError(t, err)
	require.True(t, report.Succeeded())

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, "sqlite", report.Backend)
	assert.Equal(t, []StepResult{
		{Name: "select-database", Status: StepOK, Detail: "backend_challenge"},
		{Name: "create-collection", Status: StepCreated, Detail: "users"},
		{Name: "create-index:email_1", Status: StepCreated, Detail: "email_1 {email: 1} unique"},
		{Name: "create-index:created_at_1", Status: StepCreated, Detail: "created_at_1 {created_at: 1}"},
		{Name: "insert-seed", Status: StepCreated, Detail: "admin@example.com"},
		{Name: "verify", Status: StepOK},
	}, report.Steps)
	assert.Contains(t, logs.String(), CompletionMessage)

	indexes, err := target.ListIndexes(ctx, "users")
	require.NoError(t, err)
	assert.ElementsMatch(t, domain.UserIndexes(), indexes)

	n, err := target.CountUsersByEmail(ctx, "users", "admin@example.com")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	user, err := target.FindUserByEmail(ctx, "users", "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Admin User", user.Name)
	assert.Equal(t, domain.AdminPasswordHash, user.Password)
	assert.False(t, user.UpdatedAt.Before(user.CreatedAt))
	assert.True(t, user.CreatedAt.After(before) && user.CreatedAt.Before(after), "created_at %s", user.CreatedAt)
}

func TestRunTwiceSkipPolicy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	target := newSQLiteTarget(t)
	var logs bytes.Buffer
	runner := newTestRunner(PolicySkip, &logs)

	first, err := runner.Run(ctx, target, domain.DefaultPlan())
	require.NoError(t, err)

	second, err := runner.Run(ctx, target, domain.DefaultPlan())
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)

	for _, name := range []string{"create-collection", "create-index:email_1", "create-index:created_at_1", "insert-seed"} {
		step, ok := second.Step(name)
		require.True(t, ok, name)
		assert.Equal(t, StepSkipped, step.Status, name)
	}
	seed, _ := second.Step("insert-seed")
	assert.Contains(t, seed.Detail, "id 1")

	indexes, err := target.ListIndexes(ctx, "users")
	require.NoError(t, err)
	assert.Len(t, indexes, 2)

	n, err := target.CountUsersByEmail(ctx, "users", domain.AdminEmail)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRunTwiceFailPolicy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	target := newSQLiteTarget(t)
	var logs bytes.Buffer
	runner := newTestRunner(PolicyFail, &logs)

	_, err := runner.Run(ctx, target, domain.DefaultPlan())
	require.NoError(t, err)
	logs.Reset()

	report, err := runner.Run(ctx, target, domain.DefaultPlan())
	require.ErrorIs(t, err, repository.ErrCollectionExists)
	assert.False(t, report.Succeeded())
	require.Len(t, report.Steps, 2)
	assert.Equal(t, StepFailed, report.Steps[1].Status)
	assert.NotContains(t, logs.String(), CompletionMessage)
}

func TestRunExistingSeedSkipPolicy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	target := newSQLiteTarget(t)

	// schema partly created elsewhere, seed email already taken
	require.NoError(t, target.CreateCollection(ctx, "users"))
	require.NoError(t, target.CreateIndex(ctx, "users", domain.UserIndexes()[0]))
	existing, err := domain.NewUser("Other", domain.AdminEmail, "hash", time.Now())
	require.NoError(t, err)
	require.NoError(t, target.InsertUser(ctx, "users", existing))

	var logs bytes.Buffer
	report, err := newTestRunner(PolicySkip, &logs).Run(ctx, target, domain.DefaultPlan())
	require.NoError(t, err)

	statuses := map[string]StepStatus{}
	for _, s := range report.Steps {
		statuses[s.Name] = s.Status
	}
	assert.Equal(t, map[string]StepStatus{
		"select-database":           StepOK,
		"create-collection":         StepSkipped,
		"create-index:email_1":      StepSkipped,
		"create-index:created_at_1": StepCreated,
		"insert-seed":               StepSkipped,
		"verify":                    StepOK,
	}, statuses)

	user, err := target.FindUserByEmail(ctx, "users", domain.AdminEmail)
	require.NoError(t, err)
	assert.Equal(t, "Other", user.Name, "existing record is left untouched")
}

func TestRunDuplicateSeedFailPolicy(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{
		db:        domain.DefaultDatabase,
		insertErr: fmt.Errorf("insert user: %w: E11000", repository.ErrDuplicateKey),
	}
	var logs bytes.Buffer

	report, err := newTestRunner(PolicyFail, &logs).Run(context.Background(), target, domain.DefaultPlan())
	require.ErrorIs(t, err, repository.ErrDuplicateKey)
	last := report.Steps[len(report.Steps)-1]
	assert.Equal(t, StepResult{Name: "insert-seed", Status: StepFailed, Detail: "insert user: duplicate key: E11000"}, last)
}

func TestRunIndexConflict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	target := newSQLiteTarget(t)
	require.NoError(t, target.CreateCollection(ctx, "users"))

	notUnique := domain.UserIndexes()[0]
	notUnique.Unique = false
	require.NoError(t, target.CreateIndex(ctx, "users", notUnique))

	var logs bytes.Buffer
	report, err := newTestRunner(PolicySkip, &logs).Run(ctx, target, domain.DefaultPlan())
	require.ErrorIs(t, err, repository.ErrIndexConflict)

	last := report.Steps[len(report.Steps)-1]
	assert.Equal(t, "create-index:email_1", last.Name)
	assert.Equal(t, StepFailed, last.Status)
	_, inserted := report.Step("insert-seed")
	assert.False(t, inserted, "no step runs after a failure")
}

func TestRunIndexExistsFailPolicy(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{
		db:            domain.DefaultDatabase,
		collectionErr: nil,
		indexes:       domain.UserIndexes()[:1],
	}
	var logs bytes.Buffer

	_, err := newTestRunner(PolicyFail, &logs).Run(context.Background(), target, domain.DefaultPlan())
	require.ErrorIs(t, err, repository.ErrIndexExists)
	assert.Empty(t, target.created)
}

func TestRunDatabaseMismatch(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{db: "other"}
	var logs bytes.Buffer

	report, err := newTestRunner(PolicySkip, &logs).Run(context.Background(), target, domain.DefaultPlan())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "select-database")
	assert.Equal(t, []StepResult{{Name: "select-database", Status: StepFailed, Detail: report.Error}}, report.Steps)
	assert.False(t, target.collectionCalled)
}

func TestRunInvalidPlan(t *testing.T) {
	t.Parallel()

	plan := domain.DefaultPlan()
	plan.Seed.Password = ""
	var logs bytes.Buffer

	_, err := newTestRunner(PolicySkip, &logs).Run(context.Background(), &fakeTarget{db: plan.Database}, plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validate-plan")
}

func TestRunSurfacesRawDriverError(t *testing.T) {
	t.Parallel()

	driverErr := errors.New("connection refused")
	target := &fakeTarget{db: domain.DefaultDatabase, insertErr: driverErr}
	var logs bytes.Buffer

	report, err := newTestRunner(PolicySkip, &logs).Run(context.Background(), target, domain.DefaultPlan())
	require.ErrorIs(t, err, driverErr)
	assert.Contains(t, report.Error, "connection refused")
	assert.Len(t, target.created, 2)
}

func TestRunVerificationFailure(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{db: domain.DefaultDatabase, count: 3}
	var logs bytes.Buffer

	_, err := newTestRunner(PolicySkip, &logs).Run(context.Background(), target, domain.DefaultPlan())
	require.ErrorIs(t, err, ErrVerification)
	assert.Contains(t, err.Error(), "3 user(s)")
}

func TestRunUsesClockForTimestamps(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 18, 9, 0, 0, 500, time.UTC)
	target := &fakeTarget{db: domain.DefaultDatabase, count: 1}
	runner := NewRunner(RunnerConfig{Now: func() time.Time { return now }, Logger: logrus.New()})
	runner.cfg.Logger.SetOutput(&bytes.Buffer{})

	_, err := runner.Run(context.Background(), target, domain.DefaultPlan())
	require.NoError(t, err)
	require.NotNil(t, target.inserted)
	assert.True(t, target.inserted.CreatedAt.Equal(now.Truncate(time.Millisecond)))
	assert.Equal(t, target.inserted.CreatedAt, target.inserted.UpdatedAt)
}

type fakeTarget struct {
	db               string
	collectionErr    error
	collectionCalled bool
	indexes          []domain.IndexSpec
	created          []domain.IndexSpec
	insertErr        error
	inserted         *domain.User
	count            int64
}

func (f *fakeTarget) Backend() string  { return "fake" }
func (f *fakeTarget) Database() string { return f.db }

func (f *fakeTarget) CreateCollection(context.Context, string) error {
	f.collectionCalled = true
	return f.collectionErr
}

func (f *fakeTarget) ListIndexes(context.Context, string) ([]domain.IndexSpec, error) {
	return append(append([]domain.IndexSpec(nil), f.indexes...), f.created...), nil
}

func (f *fakeTarget) CreateIndex(_ context.Context, _ string, spec domain.IndexSpec) error {
	f.created = append(f.created, spec)
	return nil
}

func (f *fakeTarget) InsertUser(_ context.Context, _ string, user *domain.User) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	user.ID = "1"
	f.inserted = user
	return nil
}

func (f *fakeTarget) FindUserByEmail(context.Context, string, string) (*domain.User, error) {
	if f.inserted == nil {
		return nil, repository.ErrNotFound
	}
	return f.inserted, nil
}

func (f *fakeTarget) CountUsersByEmail(context.Context, string, string) (int64, error) {
	return f.count, nil
}

func (f *fakeTarget) Close(context.Context) error { return nil }
