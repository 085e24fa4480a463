// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package progress exposes a per-job event sequence that merges live
// hub events with a polling fallback over the persisted job row.
package progress

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"

	"github.com/reflectivelabs/iconworks/core/icon"
)

var logger = loggo.GetLogger("iconworks.progress")

// JobReader reads the persisted job row, the ground truth a poll tick
// falls back on when the live event is missed.
type JobReader interface {
	Job(ctx context.Context, id string) (icon.Job, error)
}

// Hub is the subscription half of the process event hub.
type Hub interface {
	Subscribe(topic string, handler func(string, interface{})) func()
}

// Config holds a Watcher's dependencies.
type Config struct {
	JobID        string
	Jobs         JobReader
	Hub          Hub
	Clock        clock.Clock
	PollInterval time.Duration
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.JobID == "" {
		return errors.NotValidf("missing JobID")
	}
	if c.Jobs == nil {
		return errors.NotValidf("missing Jobs")
	}
	if c.Hub == nil {
		return errors.NotValidf("missing Hub")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.PollInterval <= 0 {
		return errors.NotValidf("non-positive PollInterval")
	}
	return nil
}

// Watcher produces a finite sequence of progress events for one job:
// one event immediately from persisted state, one per poll interval
// while the job is pending, and exactly one terminal event, whichever
// of the poll or the live hub push observes it first. The channel is
// closed after the terminal event.
type Watcher struct {
	tomb tomb.Tomb

	cfg     Config
	changes chan icon.ProgressEvent
	push    chan icon.ProgressEvent
}

// NewWatcher starts a watcher for the configured job.
func NewWatcher(cfg Config) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Watcher{
		cfg:     cfg,
		changes: make(chan icon.ProgressEvent, 1),
		push:    make(chan icon.ProgressEvent, 1),
	}
	unsub := cfg.Hub.Subscribe(icon.ProgressTopic(cfg.JobID), w.onEvent)
	w.tomb.Go(func() error {
		defer unsub()
		return w.loop()
	})
	return w, nil
}

// Changes returns the event channel. It is closed once a terminal
// event has been delivered, or when the watcher is killed.
func (w *Watcher) Changes() <-chan icon.ProgressEvent {
	return w.changes
}

// Kill is part of the worker.Worker interface.
func (w *Watcher) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Watcher) Wait() error {
	return w.tomb.Wait()
}

// onEvent receives hub publications for the job's topic. The push
// channel holds a single event; the only publication per job is the
// terminal one, so dropping duplicates is safe.
func (w *Watcher) onEvent(topic string, data interface{}) {
	event, ok := data.(icon.ProgressEvent)
	if !ok {
		logger.Criticalf("programming error: topic data expected icon.ProgressEvent, got %T", data)
		return
	}
	select {
	case w.push <- event:
	default:
	}
}

func (w *Watcher) loop() error {
	// The loop is the only sender, so it owns closing the channel.
	defer close(w.changes)

	ctx := w.tomb.Context(context.Background())

	job, err := w.cfg.Jobs.Job(ctx, w.cfg.JobID)
	if err != nil {
		return errors.Trace(err)
	}
	if done, err := w.deliver(eventFromJob(job)); done || err != nil {
		return errors.Trace(err)
	}

	timer := w.cfg.Clock.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying

		case event := <-w.push:
			// The live event races the poll; whichever observes the
			// terminal state first wins.
			if done, err := w.deliver(event); done || err != nil {
				return errors.Trace(err)
			}

		case <-timer.Chan():
			job, err := w.cfg.Jobs.Job(ctx, w.cfg.JobID)
			if err != nil {
				return errors.Trace(err)
			}
			if done, err := w.deliver(eventFromJob(job)); done || err != nil {
				return errors.Trace(err)
			}
			timer.Reset(w.cfg.PollInterval)
		}
	}
}

// deliver sends the event downstream and reports whether it was
// terminal, in which case the sequence is complete.
func (w *Watcher) deliver(event icon.ProgressEvent) (bool, error) {
	select {
	case w.changes <- event:
	case <-w.tomb.Dying():
		return false, tomb.ErrDying
	}
	return event.Status.Terminal(), nil
}

func eventFromJob(job icon.Job) icon.ProgressEvent {
	return icon.ProgressEvent{
		JobID:  job.ID,
		Status: job.Status,
		URL:    job.URL,
	}
}
