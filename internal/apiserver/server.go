// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver exposes the icon pipeline over HTTP: job creation
// and regeneration, bypass control, the in-flight retry listing, the
// prompt template store and a websocket progress stream.
package apiserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub"
	"gopkg.in/tomb.v2"

	"github.com/reflectivelabs/iconworks/core/icon"
	"github.com/reflectivelabs/iconworks/internal/state"
)

var logger = loggo.GetLogger("iconworks.apiserver")

// JobStore is the persistence surface the handlers need.
type JobStore interface {
	AddJob(ctx context.Context, sourceText string) (icon.Job, error)
	Job(ctx context.Context, id string) (icon.Job, error)
	ResetForRegenerate(ctx context.Context, id, sourceText string) error
	SetBypass(ctx context.Context, id string, bypass bool) error
	Prompts(ctx context.Context, category string) ([]state.PromptTemplate, error)
	PutPrompt(ctx context.Context, category, template string, activate bool) (state.PromptTemplate, error)
	ActivatePrompt(ctx context.Context, id string) error
}

// Generator drives one generation attempt; the handlers only ever fire
// it in the background.
type Generator interface {
	Generate(ctx context.Context, jobID, sourceText string) error
}

// Retrier is the sweep worker surface: the in-flight snapshot and the
// out-of-band trigger.
type Retrier interface {
	Retrying() []string
	TriggerSweep()
}

// URLSigner mints time-limited retrieval URLs for stored artwork.
type URLSigner interface {
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Config holds the Server's dependencies.
type Config struct {
	Addr         string
	Jobs         JobStore
	Generator    Generator
	Retrier      Retrier
	Signer       URLSigner
	Hub          *pubsub.SimpleHub
	Clock        clock.Clock
	PollInterval time.Duration
	SignedURLTTL time.Duration

	ShutdownTimeout time.Duration
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.NotValidf("missing Addr")
	}
	if c.Jobs == nil {
		return errors.NotValidf("missing Jobs")
	}
	if c.Generator == nil {
		return errors.NotValidf("missing Generator")
	}
	if c.Retrier == nil {
		return errors.NotValidf("missing Retrier")
	}
	if c.Signer == nil {
		return errors.NotValidf("missing Signer")
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

// Server is the HTTP API worker.
type Server struct {
	tomb tomb.Tomb

	cfg      Config
	listener net.Listener
	upgrader websocket.Upgrader
}

// NewServer starts the API server listening on the configured address.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.SignedURLTTL == 0 {
		cfg.SignedURLTTL = 15 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, errors.Annotatef(err, "listening on %q", cfg.Addr)
	}

	s := &Server{
		cfg:      cfg,
		listener: listener,
	}
	s.tomb.Go(s.run)
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Kill is part of the worker.Worker interface.
func (s *Server) Kill() {
	s.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Server) Wait() error {
	return s.tomb.Wait()
}

func (s *Server) run() error {
	server := &http.Server{Handler: s.routes()}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(s.listener)
	}()

	select {
	case err := <-serveErr:
		return errors.Trace(err)
	case <-s.tomb.Dying():
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return errors.Trace(err)
	}
	<-serveErr
	return tomb.ErrDying
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/icons", s.handleCreateJob).Methods("POST")
	r.HandleFunc("/v1/icons/{id}", s.handleGetJob).Methods("GET")
	r.HandleFunc("/v1/icons/{id}/regenerate", s.handleRegenerate).Methods("POST")
	r.HandleFunc("/v1/icons/{id}/bypass", s.handleBypass).Methods("PUT")
	r.HandleFunc("/v1/icons/{id}/progress", s.handleProgress).Methods("GET")
	r.HandleFunc("/v1/retries", s.handleRetries).Methods("GET")
	r.HandleFunc("/v1/retries/sweep", s.handleSweep).Methods("POST")
	r.HandleFunc("/v1/prompts/{category}", s.handleGetPrompts).Methods("GET")
	r.HandleFunc("/v1/prompts", s.handlePutPrompt).Methods("POST")
	r.HandleFunc("/v1/prompts/{id}/activate", s.handleActivatePrompt).Methods("POST")
	return r
}

// background fires a generation attempt without blocking the request.
// The tomb ties the goroutine to the server lifetime, so shutdown
// waits for in-flight attempts (the generator observes the dying
// context and records a terminal state regardless).
func (s *Server) background(jobID, sourceText string) {
	s.tomb.Go(func() error {
		ctx := s.tomb.Context(context.Background())
		if err := s.cfg.Generator.Generate(ctx, jobID, sourceText); err != nil {
			logger.Errorf("background generation for job %q: %v", jobID, err)
		}
		return nil
	})
}
