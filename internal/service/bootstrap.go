package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"userseed/internal/domain"
	"userseed/internal/repository"
)

// CompletionMessage is logged once every step has succeeded.
const CompletionMessage = "Database initialized successfully"

// ErrVerification indicates the database does not match the plan after a run.
var ErrVerification = errors.New("bootstrap verification failed")

// Policy decides what happens when the schema or seed is already present.
type Policy string

const (
	// PolicySkip treats existing objects as done and moves on.
	PolicySkip Policy = "skip"
	// PolicyFail aborts the run on the first existing object.
	PolicyFail Policy = "fail"
)

// ParsePolicy converts a configuration value into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicySkip, PolicyFail:
		return p, nil
	case "":
		return PolicySkip, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q (want %q or %q)", s, PolicySkip, PolicyFail)
	}
}

type StepStatus string

const (
	StepCreated StepStatus = "created"
	StepSkipped StepStatus = "skipped"
	StepOK      StepStatus = "ok"
	StepFailed  StepStatus = "failed"
)

// StepResult records the outcome of one bootstrap step.
type StepResult struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
}

// Report describes a single bootstrap run, successful or not.
type Report struct {
	RunID      string       `json:"run_id"`
	Backend    string       `json:"backend"`
	Database   string       `json:"database"`
	Collection string       `json:"collection"`
	Policy     Policy       `json:"policy"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Steps      []StepResult `json:"steps"`
	Error      string       `json:"error,omitempty"`
}

// Succeeded reports whether the run finished without error.
func (r *Report) Succeeded() bool {
	return r != nil && !r.FinishedAt.IsZero() && r.Error == ""
}

// Step returns the result recorded under name.
func (r *Report) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

func (r *Report) add(name string, status StepStatus, detail string) {
	r.Steps = append(r.Steps, StepResult{Name: name, Status: status, Detail: detail})
}

const (
	stepSelectDatabase   = "select-database"
	stepCreateCollection = "create-collection"
	stepCreateIndex      = "create-index:"
	stepInsertSeed       = "insert-seed"
	stepVerify           = "verify"
)

// RunnerConfig tunes a Runner.
type RunnerConfig struct {
	Policy Policy
	Verify bool
	Now    func() time.Time
	Logger *logrus.Logger
}

// Runner applies a plan to a target: collection, indexes, then the seed
// record, strictly in that order and without rollback.
type Runner struct {
	cfg RunnerConfig
}

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Policy == "" {
		cfg.Policy = PolicySkip
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Runner{cfg: cfg}
}

// Run executes the bootstrap. The returned report is never nil; on error it
// holds every step attempted, the last one marked failed.
func (r *Runner) Run(ctx context.Context, target repository.Target, plan domain.Plan) (*Report, error) {
	report := &Report{
		RunID:      uuid.NewString(),
		Backend:    target.Backend(),
		Database:   plan.Database,
		Collection: plan.Collection,
		Policy:     r.cfg.Policy,
		StartedAt:  r.cfg.Now().UTC(),
	}
	logger := r.cfg.Logger.WithFields(logrus.Fields{
		"run_id":   report.RunID,
		"backend":  report.Backend,
		"database": plan.Database,
	})

	fail := func(step string, err error) (*Report, error) {
		report.add(step, StepFailed, err.Error())
		report.Error = err.Error()
		report.FinishedAt = r.cfg.Now().UTC()
		logger.WithField("step", step).Errorf("bootstrap failed: %v", err)
		return report, fmt.Errorf("%s: %w", step, err)
	}

	if err := plan.Validate(); err != nil {
		return fail("validate-plan", err)
	}

	if got := target.Database(); got != plan.Database {
		return fail(stepSelectDatabase, fmt.Errorf("target is bound to database %q, plan wants %q", got, plan.Database))
	}
	report.add(stepSelectDatabase, StepOK, plan.Database)
	logger.Infof("using database %s", plan.Database)

	err := target.CreateCollection(ctx, plan.Collection)
	switch {
	case err == nil:
		report.add(stepCreateCollection, StepCreated, plan.Collection)
		logger.Infof("created collection %s", plan.Collection)
	case errors.Is(err, repository.ErrCollectionExists) && r.cfg.Policy == PolicySkip:
		report.add(stepCreateCollection, StepSkipped, "collection already exists")
		logger.Infof("collection %s already exists, skipping", plan.Collection)
	default:
		return fail(stepCreateCollection, err)
	}

	existing, err := target.ListIndexes(ctx, plan.Collection)
	if err != nil {
		return fail(stepCreateIndex+"list", err)
	}
	for _, spec := range plan.Indexes {
		step := stepCreateIndex + spec.Name
		status, err := r.ensureIndex(ctx, target, plan.Collection, spec, existing)
		if err != nil {
			return fail(step, err)
		}
		report.add(step, status, spec.String())
		if status == StepSkipped {
			logger.Infof("index %s already exists, skipping", spec)
		} else {
			logger.Infof("created index %s", spec)
		}
	}

	user, err := domain.NewUser(plan.Seed.Name, plan.Seed.Email, plan.Seed.Password, r.cfg.Now())
	if err != nil {
		return fail(stepInsertSeed, err)
	}
	err = target.InsertUser(ctx, plan.Collection, user)
	switch {
	case err == nil:
		report.add(stepInsertSeed, StepCreated, user.Email)
		logger.WithField("user_id", user.ID).Infof("inserted seed user %s", user.Email)
	case errors.Is(err, repository.ErrDuplicateKey) && r.cfg.Policy == PolicySkip:
		detail := "seed user already exists"
		if prev, findErr := target.FindUserByEmail(ctx, plan.Collection, user.Email); findErr == nil {
			detail = fmt.Sprintf("seed user already exists (id %s, created %s)", prev.ID, prev.CreatedAt.Format(time.RFC3339))
		}
		report.add(stepInsertSeed, StepSkipped, detail)
		logger.Infof("seed user %s already exists, skipping", user.Email)
	default:
		return fail(stepInsertSeed, err)
	}

	if r.cfg.Verify {
		if err := verify(ctx, target, plan); err != nil {
			return fail(stepVerify, err)
		}
		report.add(stepVerify, StepOK, "")
	}

	report.FinishedAt = r.cfg.Now().UTC()
	logger.Info(CompletionMessage)
	return report, nil
}

func (r *Runner) ensureIndex(ctx context.Context, target repository.Target, collection string, spec domain.IndexSpec, existing []domain.IndexSpec) (StepStatus, error) {
	for _, idx := range existing {
		if idx.Equal(spec) {
			if r.cfg.Policy == PolicyFail {
				return StepFailed, fmt.Errorf("index %s: %w", spec, repository.ErrIndexExists)
			}
			return StepSkipped, nil
		}
		if idx.Name == spec.Name || idx.SameKeys(spec) {
			return StepFailed, fmt.Errorf("index %s (have %s): %w", spec, idx, repository.ErrIndexConflict)
		}
	}
	if err := target.CreateIndex(ctx, collection, spec); err != nil {
		return StepFailed, err
	}
	return StepCreated, nil
}

func verify(ctx context.Context, target repository.Target, plan domain.Plan) error {
	indexes, err := target.ListIndexes(ctx, plan.Collection)
	if err != nil {
		return err
	}
	for _, spec := range plan.Indexes {
		var same, overlapping int
		for _, idx := range indexes {
			if idx.Equal(spec) {
				same++
			} else if idx.SameKeys(spec) {
				overlapping++
			}
		}
		if same != 1 || overlapping != 0 {
			return fmt.Errorf("%w: index %s present %d time(s), %d other index(es) on the same keys",
				ErrVerification, spec, same, overlapping)
		}
	}

	n, err := target.CountUsersByEmail(ctx, plan.Collection, plan.Seed.Email)
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %d user(s) with email %s, want 1", ErrVerification, n, plan.Seed.Email)
	}
	return nil
}
