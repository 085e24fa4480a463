// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package iconretrier re-drives failed icon jobs on a fixed interval.
package iconretrier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"

	"github.com/reflectivelabs/iconworks/core/icon"
)

var logger = loggo.GetLogger("iconworks.retrier")

// defaultSweepInterval is how often the worker looks for failed,
// non-bypassed jobs when the config does not say otherwise.
const defaultSweepInterval = 15 * time.Minute

// JobStore supplies the sweep's candidates and the compare-and-set
// reset that guards against racing a manual regenerate.
type JobStore interface {
	FailedRetryable(ctx context.Context) ([]icon.Job, error)
	ResetForRetry(ctx context.Context, id string) (bool, error)
}

// Generator drives one generation attempt for a job.
type Generator interface {
	Generate(ctx context.Context, jobID, sourceText string) error
}

// WorkerConfig encapsulates the configuration options for the retrier
// worker.
type WorkerConfig struct {
	Jobs          JobStore
	Generator     Generator
	Clock         clock.Clock
	SweepInterval time.Duration
}

// Validate ensures that the config values are valid.
func (c *WorkerConfig) Validate() error {
	if c.Jobs == nil {
		return errors.NotValidf("missing Jobs")
	}
	if c.Generator == nil {
		return errors.NotValidf("missing Generator")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	return nil
}

// Worker periodically sweeps for failed, non-bypassed icon jobs,
// resets each back to pending and re-drives it through the generator,
// one job at a time. A sweep that fires while another is still running
// is skipped outright, never queued. Candidates are processed
// sequentially to bound load on the generation API, at the cost of
// sweep duration scaling with the failure count.
type Worker struct {
	tomb tomb.Tomb

	cfg WorkerConfig

	// sweeping is the sweep overlap guard. It is an atomic
	// check-and-set rather than a bare flag because a forced sweep can
	// race the timer-driven one.
	sweeping atomic.Bool

	// retrying holds the ids currently being re-driven, for operator
	// visibility only.
	mu       sync.Mutex
	retrying set.Strings

	trigger chan struct{}
}

// NewWorker creates a new retrier worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	w := &Worker{
		cfg:      cfg,
		retrying: set.NewStrings(),
		trigger:  make(chan struct{}, 1),
	}
	w.tomb.Go(w.loop)
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.tomb.Wait()
}

// Retrying returns a snapshot of the job ids currently being retried.
func (w *Worker) Retrying() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retrying.SortedValues()
}

// TriggerSweep requests a sweep outside the regular schedule. The same
// overlap guard applies: a sweep already in flight makes this a no-op.
func (w *Worker) TriggerSweep() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *Worker) loop() error {
	timer := w.cfg.Clock.NewTimer(w.cfg.SweepInterval)
	defer timer.Stop()

	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying

		case <-timer.Chan():
			w.startSweep()
			timer.Reset(w.cfg.SweepInterval)

		case <-w.trigger:
			w.startSweep()
		}
	}
}

// startSweep launches a sweep unless one is already running. The sweep
// runs in its own tomb goroutine so a slow pass never blocks the timer
// loop; the guard is what keeps passes from overlapping.
func (w *Worker) startSweep() {
	if !w.sweeping.CompareAndSwap(false, true) {
		logger.Infof("retry sweep still running, skipping this firing")
		return
	}
	w.tomb.Go(func() error {
		defer w.sweeping.Store(false)
		w.sweep(w.tomb.Context(context.Background()))
		return nil
	})
}

func (w *Worker) sweep(ctx context.Context) {
	candidates, err := w.cfg.Jobs.FailedRetryable(ctx)
	if err != nil {
		logger.Errorf("listing failed icon jobs: %v", err)
		return
	}
	if len(candidates) == 0 {
		logger.Debugf("no failed icon jobs to retry")
		return
	}

	logger.Infof("retrying %d failed icon jobs", len(candidates))
	for _, job := range candidates {
		select {
		case <-w.tomb.Dying():
			return
		default:
		}
		// A bad job must not abort the sweep; retryOne logs and the
		// loop moves on.
		w.retryOne(ctx, job)
	}
}

func (w *Worker) retryOne(ctx context.Context, job icon.Job) {
	// Recheck the status at reset time. A job that stopped being
	// failed since the candidate query raced with a manual regenerate
	// and is left alone.
	applied, err := w.cfg.Jobs.ResetForRetry(ctx, job.ID)
	if err != nil {
		logger.Errorf("resetting icon job %q for retry: %v", job.ID, err)
		return
	}
	if !applied {
		logger.Debugf("icon job %q no longer failed, skipping", job.ID)
		return
	}

	w.markRetrying(job.ID)
	defer w.unmarkRetrying(job.ID)

	if err := w.cfg.Generator.Generate(ctx, job.ID, job.SourceText); err != nil {
		logger.Errorf("retrying icon job %q: %v", job.ID, err)
	}
}

func (w *Worker) markRetrying(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.retrying.Add(id)
}

func (w *Worker) unmarkRetrying(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.retrying.Remove(id)
}
