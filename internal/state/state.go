// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state implements sqlite persistence for icon jobs and prompt
// templates.
package state

import (
	"context"
	"database/sql"

	"github.com/canonical/sqlair"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"

	"github.com/reflectivelabs/iconworks/core/icon"
)

// State provides CRUD access to icon jobs and prompt templates.
type State struct {
	db    *sqlair.DB
	clock clock.Clock
}

// Open opens (creating if necessary) the sqlite database at path and
// ensures the schema is in place.
func Open(path string, clk clock.Clock) (*State, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_fk=1")
	if err != nil {
		return nil, errors.Annotatef(err, "opening database %q", path)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Annotate(err, "ensuring schema")
	}
	return &State{
		db:    sqlair.NewDB(sqlDB),
		clock: clk,
	}, nil
}

// Close closes the underlying database.
func (s *State) Close() error {
	return errors.Trace(s.db.PlainDB().Close())
}

// AddJob creates a new pending icon job for the given source text.
func (s *State) AddJob(ctx context.Context, sourceText string) (icon.Job, error) {
	now := s.clock.Now().UTC()
	job := dbJob{
		ID:         uuid.NewString(),
		SourceText: sourceText,
		Status:     string(icon.StatusPending),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	stmt, err := sqlair.Prepare(`
INSERT INTO icon_job (id, source_text, status, url, error, bypass, created_at, updated_at)
VALUES ($dbJob.*)`, dbJob{})
	if err != nil {
		return icon.Job{}, errors.Annotate(err, "preparing insert job statement")
	}
	if err := s.db.Query(ctx, stmt, job).Run(); err != nil {
		return icon.Job{}, errors.Annotatef(err, "inserting icon job %s", job.ID)
	}
	return job.toCore(), nil
}

// Job returns the icon job with the given id.
func (s *State) Job(ctx context.Context, id string) (icon.Job, error) {
	job := dbJob{ID: id}

	stmt, err := sqlair.Prepare(`
SELECT &dbJob.*
FROM icon_job
WHERE id = $dbJob.id`, dbJob{})
	if err != nil {
		return icon.Job{}, errors.Annotate(err, "preparing select job statement")
	}
	err = s.db.Query(ctx, stmt, job).Get(&job)
	if errors.Is(err, sqlair.ErrNoRows) {
		return icon.Job{}, errors.NotFoundf("icon job %q", id)
	} else if err != nil {
		return icon.Job{}, errors.Annotatef(err, "retrieving icon job %s", id)
	}
	return job.toCore(), nil
}

// SetGenerated records a successful generation, storing the object
// store key for the uploaded artwork.
func (s *State) SetGenerated(ctx context.Context, id, url string) error {
	job := dbJob{
		ID:        id,
		Status:    string(icon.StatusGenerated),
		URL:       url,
		UpdatedAt: s.clock.Now().UTC(),
	}

	stmt, err := sqlair.Prepare(`
UPDATE icon_job
SET status = $dbJob.status, url = $dbJob.url, error = '', updated_at = $dbJob.updated_at
WHERE id = $dbJob.id`, dbJob{})
	if err != nil {
		return errors.Annotate(err, "preparing update job statement")
	}
	return errors.Trace(s.applyToOne(ctx, stmt, job, id))
}

// SetFailed records a terminal failure. The url is cleared so a broken
// key is never exposed as valid.
func (s *State) SetFailed(ctx context.Context, id, msg string) error {
	job := dbJob{
		ID:        id,
		Status:    string(icon.StatusFailed),
		Error:     msg,
		UpdatedAt: s.clock.Now().UTC(),
	}

	stmt, err := sqlair.Prepare(`
UPDATE icon_job
SET status = $dbJob.status, url = '', error = $dbJob.error, updated_at = $dbJob.updated_at
WHERE id = $dbJob.id`, dbJob{})
	if err != nil {
		return errors.Annotate(err, "preparing update job statement")
	}
	return errors.Trace(s.applyToOne(ctx, stmt, job, id))
}

// ResetForRetry moves a failed job back to pending, clearing its error
// and stale url. The update applies only if the job is still failed,
// which gives the retry sweep its recheck: a job that raced with a
// manual regenerate is left alone. The returned bool reports whether
// the reset applied.
func (s *State) ResetForRetry(ctx context.Context, id string) (bool, error) {
	job := dbJob{
		ID:        id,
		Status:    string(icon.StatusPending),
		UpdatedAt: s.clock.Now().UTC(),
	}

	stmt, err := sqlair.Prepare(`
UPDATE icon_job
SET status = $dbJob.status, url = '', error = '', updated_at = $dbJob.updated_at
WHERE id = $dbJob.id AND status = 'failed'`, dbJob{})
	if err != nil {
		return false, errors.Annotate(err, "preparing reset job statement")
	}

	var outcome sqlair.Outcome
	if err := s.db.Query(ctx, stmt, job).Get(&outcome); err != nil {
		return false, errors.Annotatef(err, "resetting icon job %s", id)
	}
	rows, err := outcome.Result().RowsAffected()
	if err != nil {
		return false, errors.Trace(err)
	}
	return rows == 1, nil
}

// ResetForRegenerate resets a job to pending for a manual regenerate,
// replacing its source text. Unlike ResetForRetry it applies whatever
// the current status is, and like the sweep it never touches bypass.
func (s *State) ResetForRegenerate(ctx context.Context, id, sourceText string) error {
	job := dbJob{
		ID:         id,
		SourceText: sourceText,
		Status:     string(icon.StatusPending),
		UpdatedAt:  s.clock.Now().UTC(),
	}

	stmt, err := sqlair.Prepare(`
UPDATE icon_job
SET source_text = $dbJob.source_text, status = $dbJob.status, url = '', error = '', updated_at = $dbJob.updated_at
WHERE id = $dbJob.id`, dbJob{})
	if err != nil {
		return errors.Annotate(err, "preparing reset job statement")
	}
	return errors.Trace(s.applyToOne(ctx, stmt, job, id))
}

// SetBypass sets or clears the operator override that excludes a job
// from the automatic retry sweep.
func (s *State) SetBypass(ctx context.Context, id string, bypass bool) error {
	job := dbJob{
		ID:        id,
		Bypass:    bypass,
		UpdatedAt: s.clock.Now().UTC(),
	}

	stmt, err := sqlair.Prepare(`
UPDATE icon_job
SET bypass = $dbJob.bypass, updated_at = $dbJob.updated_at
WHERE id = $dbJob.id`, dbJob{})
	if err != nil {
		return errors.Annotate(err, "preparing update job statement")
	}
	return errors.Trace(s.applyToOne(ctx, stmt, job, id))
}

// FailedRetryable returns all failed jobs that have not been bypassed,
// with their source texts. These are the retry sweep's candidates.
func (s *State) FailedRetryable(ctx context.Context) ([]icon.Job, error) {
	stmt, err := sqlair.Prepare(`
SELECT &dbJob.*
FROM icon_job
WHERE status = 'failed' AND bypass = FALSE
ORDER BY updated_at`, dbJob{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing select candidates statement")
	}

	var jobs []dbJob
	err = s.db.Query(ctx, stmt).GetAll(&jobs)
	if errors.Is(err, sqlair.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Annotate(err, "retrieving retry candidates")
	}
	result := make([]icon.Job, len(jobs))
	for i, j := range jobs {
		result[i] = j.toCore()
	}
	return result, nil
}

// ActivePrompt returns the active prompt template for the category, or
// a NotFound error when none is active.
func (s *State) ActivePrompt(ctx context.Context, category string) (PromptTemplate, error) {
	prompt := dbPrompt{Category: category}

	stmt, err := sqlair.Prepare(`
SELECT &dbPrompt.*
FROM prompt_template
WHERE category = $dbPrompt.category AND active = TRUE`, dbPrompt{})
	if err != nil {
		return PromptTemplate{}, errors.Annotate(err, "preparing select prompt statement")
	}
	err = s.db.Query(ctx, stmt, prompt).Get(&prompt)
	if errors.Is(err, sqlair.ErrNoRows) {
		return PromptTemplate{}, errors.NotFoundf("active prompt for category %q", category)
	} else if err != nil {
		return PromptTemplate{}, errors.Annotatef(err, "retrieving active prompt for %q", category)
	}
	return prompt.toCore(), nil
}

// Prompts returns all prompt template versions for the category, most
// recent first.
func (s *State) Prompts(ctx context.Context, category string) ([]PromptTemplate, error) {
	prompt := dbPrompt{Category: category}

	stmt, err := sqlair.Prepare(`
SELECT &dbPrompt.*
FROM prompt_template
WHERE category = $dbPrompt.category
ORDER BY version DESC`, dbPrompt{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing select prompts statement")
	}

	var prompts []dbPrompt
	err = s.db.Query(ctx, stmt, prompt).GetAll(&prompts)
	if errors.Is(err, sqlair.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Annotatef(err, "retrieving prompts for %q", category)
	}
	result := make([]PromptTemplate, len(prompts))
	for i, p := range prompts {
		result[i] = p.toCore()
	}
	return result, nil
}

// PutPrompt adds a new prompt template version for the category. When
// activate is true the new version becomes the category's active
// template and any previously active version is deactivated, in one
// transaction.
func (s *State) PutPrompt(ctx context.Context, category, template string, activate bool) (PromptTemplate, error) {
	prompt := dbPrompt{
		ID:        uuid.NewString(),
		Category:  category,
		Template:  template,
		Active:    activate,
		CreatedAt: s.clock.Now().UTC(),
	}

	versionStmt, err := sqlair.Prepare(`
SELECT COALESCE(MAX(version), 0) AS &dbPrompt.version
FROM prompt_template
WHERE category = $dbPrompt.category`, dbPrompt{})
	if err != nil {
		return PromptTemplate{}, errors.Annotate(err, "preparing select version statement")
	}
	deactivateStmt, err := sqlair.Prepare(`
UPDATE prompt_template
SET active = FALSE
WHERE category = $dbPrompt.category AND active = TRUE`, dbPrompt{})
	if err != nil {
		return PromptTemplate{}, errors.Annotate(err, "preparing deactivate statement")
	}
	insertStmt, err := sqlair.Prepare(`
INSERT INTO prompt_template (id, category, template, version, active, created_at)
VALUES ($dbPrompt.*)`, dbPrompt{})
	if err != nil {
		return PromptTemplate{}, errors.Annotate(err, "preparing insert prompt statement")
	}

	tx, err := s.db.Begin(ctx, nil)
	if err != nil {
		return PromptTemplate{}, errors.Trace(err)
	}
	defer func() { _ = tx.Rollback() }()

	var current dbPrompt
	if err := tx.Query(ctx, versionStmt, dbPrompt{Category: category}).Get(&current); err != nil {
		return PromptTemplate{}, errors.Annotate(err, "retrieving latest prompt version")
	}
	prompt.Version = current.Version + 1

	if activate {
		if err := tx.Query(ctx, deactivateStmt, prompt).Run(); err != nil {
			return PromptTemplate{}, errors.Annotate(err, "deactivating previous prompt")
		}
	}
	if err := tx.Query(ctx, insertStmt, prompt).Run(); err != nil {
		return PromptTemplate{}, errors.Annotatef(err, "inserting prompt %s", prompt.ID)
	}
	if err := tx.Commit(); err != nil {
		return PromptTemplate{}, errors.Trace(err)
	}
	return prompt.toCore(), nil
}

// ActivatePrompt makes an existing prompt template version the active
// one for its category, deactivating any sibling, in one transaction.
func (s *State) ActivatePrompt(ctx context.Context, id string) error {
	selectStmt, err := sqlair.Prepare(`
SELECT &dbPrompt.*
FROM prompt_template
WHERE id = $dbPrompt.id`, dbPrompt{})
	if err != nil {
		return errors.Annotate(err, "preparing select prompt statement")
	}
	deactivateStmt, err := sqlair.Prepare(`
UPDATE prompt_template
SET active = FALSE
WHERE category = $dbPrompt.category AND active = TRUE`, dbPrompt{})
	if err != nil {
		return errors.Annotate(err, "preparing deactivate statement")
	}
	activateStmt, err := sqlair.Prepare(`
UPDATE prompt_template
SET active = TRUE
WHERE id = $dbPrompt.id`, dbPrompt{})
	if err != nil {
		return errors.Annotate(err, "preparing activate statement")
	}

	tx, err := s.db.Begin(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = tx.Rollback() }()

	var prompt dbPrompt
	err = tx.Query(ctx, selectStmt, dbPrompt{ID: id}).Get(&prompt)
	if errors.Is(err, sqlair.ErrNoRows) {
		return errors.NotFoundf("prompt %q", id)
	} else if err != nil {
		return errors.Annotatef(err, "retrieving prompt %s", id)
	}

	if err := tx.Query(ctx, deactivateStmt, prompt).Run(); err != nil {
		return errors.Annotate(err, "deactivating previous prompt")
	}
	if err := tx.Query(ctx, activateStmt, prompt).Run(); err != nil {
		return errors.Annotatef(err, "activating prompt %s", id)
	}
	return errors.Trace(tx.Commit())
}

// applyToOne runs an update statement that must affect exactly one
// row, mapping zero rows to NotFound.
func (s *State) applyToOne(ctx context.Context, stmt *sqlair.Statement, arg dbJob, id string) error {
	var outcome sqlair.Outcome
	if err := s.db.Query(ctx, stmt, arg).Get(&outcome); err != nil {
		return errors.Annotatef(err, "updating icon job %s", id)
	}
	rows, err := outcome.Result().RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if rows == 0 {
		return errors.NotFoundf("icon job %q", id)
	}
	return nil
}
