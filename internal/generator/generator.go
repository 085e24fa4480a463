// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package generator drives one icon generation attempt end-to-end:
// prompt resolution, the text-to-image call, the artwork upload, the
// job's terminal state transition and the progress event.
package generator

import (
	"context"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	"github.com/reflectivelabs/iconworks/core/icon"
	"github.com/reflectivelabs/iconworks/internal/imagegen"
	"github.com/reflectivelabs/iconworks/internal/objectstore"
	"github.com/reflectivelabs/iconworks/internal/state"
)

var logger = loggo.GetLogger("iconworks.generator")

const (
	// generateAttempts bounds the calls to the generation API per
	// invocation: the first attempt plus three retries, and only for
	// connection-timeout failures.
	generateAttempts = 4

	// PromptCategory keys the prompt template used for icon artwork.
	PromptCategory = "icon"

	// placeholder is the single substitution token a prompt template
	// carries. The source text replaces it verbatim.
	placeholder = "{{text}}"

	// defaultTemplate is used when no template is active for the
	// category.
	defaultTemplate = "A minimalist flat vector icon on a soft pastel background, " +
		"no text, evoking the feeling of: {{text}}"
)

// JobUpdater records a job's terminal transition.
type JobUpdater interface {
	SetGenerated(ctx context.Context, id, url string) error
	SetFailed(ctx context.Context, id, msg string) error
}

// PromptStore resolves the active prompt template for a category.
type PromptStore interface {
	ActivePrompt(ctx context.Context, category string) (state.PromptTemplate, error)
}

// Renderer turns a prompt into image bytes.
type Renderer interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// ArtifactStore uploads image bytes under a key.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// EventPublisher publishes progress events on the process hub.
type EventPublisher interface {
	Publish(topic string, data interface{}) <-chan struct{}
}

// Config holds a Generator's dependencies.
type Config struct {
	Jobs       JobUpdater
	Prompts    PromptStore
	Renderer   Renderer
	Store      ArtifactStore
	Hub        EventPublisher
	Clock      clock.Clock
	RetryDelay time.Duration
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Jobs == nil {
		return errors.NotValidf("missing Jobs")
	}
	if c.Prompts == nil {
		return errors.NotValidf("missing Prompts")
	}
	if c.Renderer == nil {
		return errors.NotValidf("missing Renderer")
	}
	if c.Store == nil {
		return errors.NotValidf("missing Store")
	}
	if c.Hub == nil {
		return errors.NotValidf("missing Hub")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	return nil
}

// Generator orchestrates icon generation attempts.
type Generator struct {
	cfg Config
}

// New returns a Generator with the given dependencies.
func New(cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Generator{cfg: cfg}, nil
}

// Generate runs one generation attempt for the job. Generation and
// upload failures never propagate: they are recorded on the job and
// announced as a failed progress event, so fire-and-forget callers
// always find the terminal outcome in the job row. The returned error
// covers only bookkeeping failures writing that outcome.
func (g *Generator) Generate(ctx context.Context, jobID, sourceText string) error {
	prompt := g.resolvePrompt(ctx, sourceText)

	var image []byte
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			image, err = g.cfg.Renderer.Generate(ctx, prompt)
			return errors.Trace(err)
		},
		Attempts: generateAttempts,
		Delay:    g.cfg.RetryDelay,
		Clock:    g.cfg.Clock,
		IsFatalError: func(err error) bool {
			return !imagegen.IsTimeout(err)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warningf("generation attempt %d for job %q timed out: %v", attempt, jobID, err)
		},
		Stop: ctx.Done(),
	})
	if err != nil {
		logger.Errorf("generation failed for job %q: %v", jobID, err)
		return errors.Trace(g.fail(ctx, jobID, err))
	}

	key := objectstore.ObjectKey(jobID, g.cfg.Clock.Now())
	stored, err := g.cfg.Store.Put(ctx, key, image)
	if err != nil {
		// The generated image is discarded; a later retry regenerates
		// from scratch.
		logger.Errorf("upload failed for job %q: %v", jobID, err)
		return errors.Trace(g.fail(ctx, jobID, err))
	}

	if err := g.cfg.Jobs.SetGenerated(ctx, jobID, stored); err != nil {
		return errors.Annotatef(err, "recording generated state for job %q", jobID)
	}
	g.cfg.Hub.Publish(icon.ProgressTopic(jobID), icon.ProgressEvent{
		JobID:  jobID,
		Status: icon.StatusGenerated,
		URL:    stored,
	})
	logger.Infof("job %q generated as %q", jobID, stored)
	return nil
}

// fail records the terminal failure and publishes the failed event.
func (g *Generator) fail(ctx context.Context, jobID string, cause error) error {
	if err := g.cfg.Jobs.SetFailed(ctx, jobID, cause.Error()); err != nil {
		return errors.Annotatef(err, "recording failed state for job %q", jobID)
	}
	g.cfg.Hub.Publish(icon.ProgressTopic(jobID), icon.ProgressEvent{
		JobID:  jobID,
		Status: icon.StatusFailed,
	})
	return nil
}

// resolvePrompt substitutes the source text into the category's active
// template, or into the built-in default when none is active. Template
// and text are both opaque strings handed to the generation model;
// nothing is escaped.
func (g *Generator) resolvePrompt(ctx context.Context, sourceText string) string {
	template := defaultTemplate
	active, err := g.cfg.Prompts.ActivePrompt(ctx, PromptCategory)
	if err == nil {
		template = active.Template
	} else if !errors.Is(err, errors.NotFound) {
		logger.Warningf("falling back to default prompt template: %v", err)
	}
	return strings.Replace(template, placeholder, sourceText, 1)
}
