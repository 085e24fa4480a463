// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package generator_test

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/reflectivelabs/iconworks/core/icon"
	"github.com/reflectivelabs/iconworks/internal/generator"
	"github.com/reflectivelabs/iconworks/internal/state"
)

type stubJobs struct {
	mu        sync.Mutex
	generated map[string]string
	failed    map[string]string
	setErr    error
}

func newStubJobs() *stubJobs {
	return &stubJobs{
		generated: make(map[string]string),
		failed:    make(map[string]string),
	}
}

func (s *stubJobs) SetGenerated(ctx context.Context, id, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.generated[id] = url
	return nil
}

func (s *stubJobs) SetFailed(ctx context.Context, id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.failed[id] = msg
	return nil
}

type stubPrompts struct {
	template string
	err      error
}

func (s *stubPrompts) ActivePrompt(ctx context.Context, category string) (state.PromptTemplate, error) {
	if s.err != nil {
		return state.PromptTemplate{}, s.err
	}
	return state.PromptTemplate{Category: category, Template: s.template, Active: true}, nil
}

type renderResult struct {
	image []byte
	err   error
}

type stubRenderer struct {
	mu      sync.Mutex
	prompts []string
	results []renderResult
}

func (s *stubRenderer) Generate(ctx context.Context, prompt string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	i := len(s.prompts) - 1
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	result := s.results[i]
	return result.image, result.err
}

func (s *stubRenderer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

type stubStore struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (s *stubStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.keys = append(s.keys, key)
	return key, nil
}

type recordingHub struct {
	mu     sync.Mutex
	topics []string
	events []icon.ProgressEvent
}

func (h *recordingHub) Publish(topic string, data interface{}) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.topics = append(h.topics, topic)
	h.events = append(h.events, data.(icon.ProgressEvent))
	done := make(chan struct{})
	close(done)
	return done
}

func (h *recordingHub) published() []icon.ProgressEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]icon.ProgressEvent(nil), h.events...)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "connect: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type generatorSuite struct {
	testing.IsolationSuite

	jobs     *stubJobs
	prompts  *stubPrompts
	renderer *stubRenderer
	store    *stubStore
	hub      *recordingHub
}

var _ = gc.Suite(&generatorSuite{})

func (s *generatorSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.jobs = newStubJobs()
	s.prompts = &stubPrompts{err: errors.NotFoundf("active prompt")}
	s.renderer = &stubRenderer{}
	s.store = &stubStore{}
	s.hub = &recordingHub{}
}

func (s *generatorSuite) newGenerator(c *gc.C) *generator.Generator {
	gen, err := generator.New(generator.Config{
		Jobs:       s.jobs,
		Prompts:    s.prompts,
		Renderer:   s.renderer,
		Store:      s.store,
		Hub:        s.hub,
		Clock:      clock.WallClock,
		RetryDelay: time.Millisecond,
	})
	c.Assert(err, jc.ErrorIsNil)
	return gen
}

func (s *generatorSuite) TestConfigValidate(c *gc.C) {
	_, err := generator.New(generator.Config{})
	c.Assert(err, gc.ErrorMatches, "missing Jobs not valid")
}

func (s *generatorSuite) TestGenerateSuccess(c *gc.C) {
	s.renderer.results = []renderResult{{image: []byte("png")}}

	err := s.newGenerator(c).Generate(context.Background(), "J1", "sunny morning coffee")
	c.Assert(err, jc.ErrorIsNil)

	c.Check(s.renderer.calls(), gc.Equals, 1)
	url, ok := s.jobs.generated["J1"]
	c.Assert(ok, jc.IsTrue)
	c.Check(url, gc.Not(gc.Equals), "")
	c.Check(strings.HasPrefix(url, "icons/J1/"), jc.IsTrue)

	events := s.hub.published()
	c.Assert(events, gc.HasLen, 1)
	c.Check(events[0], jc.DeepEquals, icon.ProgressEvent{
		JobID:  "J1",
		Status: icon.StatusGenerated,
		URL:    url,
	})
	c.Check(s.hub.topics[0], gc.Equals, icon.ProgressTopic("J1"))
}

func (s *generatorSuite) TestGenerateUsesDefaultTemplate(c *gc.C) {
	s.renderer.results = []renderResult{{image: []byte("png")}}

	err := s.newGenerator(c).Generate(context.Background(), "J1", "sunny morning coffee")
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.renderer.prompts, gc.HasLen, 1)
	c.Check(strings.Contains(s.renderer.prompts[0], "sunny morning coffee"), jc.IsTrue)
	c.Check(strings.Contains(s.renderer.prompts[0], "{{text}}"), jc.IsFalse)
}

func (s *generatorSuite) TestGenerateUsesActiveTemplate(c *gc.C) {
	s.prompts = &stubPrompts{template: "Paint {{text}} gently"}
	s.renderer.results = []renderResult{{image: []byte("png")}}

	err := s.newGenerator(c).Generate(context.Background(), "J1", "a quiet lake")
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.renderer.prompts, gc.HasLen, 1)
	c.Check(s.renderer.prompts[0], gc.Equals, "Paint a quiet lake gently")
}

func (s *generatorSuite) TestGenerateNonTimeoutErrorIsNotRetried(c *gc.C) {
	s.renderer.results = []renderResult{{err: errors.Errorf("content policy")}}

	err := s.newGenerator(c).Generate(context.Background(), "J2", "text")
	c.Assert(err, jc.ErrorIsNil)

	c.Check(s.renderer.calls(), gc.Equals, 1)
	msg, ok := s.jobs.failed["J2"]
	c.Assert(ok, jc.IsTrue)
	c.Check(strings.Contains(msg, "content policy"), jc.IsTrue)

	events := s.hub.published()
	c.Assert(events, gc.HasLen, 1)
	c.Check(events[0], jc.DeepEquals, icon.ProgressEvent{
		JobID:  "J2",
		Status: icon.StatusFailed,
	})
}

func (s *generatorSuite) TestGenerateTimeoutIsRetriedFourAttempts(c *gc.C) {
	s.renderer.results = []renderResult{{err: timeoutError{}}}

	err := s.newGenerator(c).Generate(context.Background(), "J1", "text")
	c.Assert(err, jc.ErrorIsNil)

	// The first attempt plus exactly three retries.
	c.Check(s.renderer.calls(), gc.Equals, 4)
	_, ok := s.jobs.failed["J1"]
	c.Check(ok, jc.IsTrue)
	c.Check(s.hub.published(), gc.HasLen, 1)
}

func (s *generatorSuite) TestGenerateTimeoutThenSuccess(c *gc.C) {
	s.renderer.results = []renderResult{
		{err: timeoutError{}},
		{image: []byte("png")},
	}

	err := s.newGenerator(c).Generate(context.Background(), "J1", "text")
	c.Assert(err, jc.ErrorIsNil)

	c.Check(s.renderer.calls(), gc.Equals, 2)
	_, ok := s.jobs.generated["J1"]
	c.Check(ok, jc.IsTrue)
}

func (s *generatorSuite) TestGenerateUploadFailureIsTerminal(c *gc.C) {
	s.renderer.results = []renderResult{{image: []byte("png")}}
	s.store.err = errors.Errorf("bucket gone")

	err := s.newGenerator(c).Generate(context.Background(), "J1", "text")
	c.Assert(err, jc.ErrorIsNil)

	// Upload failure after a successful generation is terminal: the
	// image is not re-generated within this call.
	c.Check(s.renderer.calls(), gc.Equals, 1)
	msg, ok := s.jobs.failed["J1"]
	c.Assert(ok, jc.IsTrue)
	c.Check(strings.Contains(msg, "bucket gone"), jc.IsTrue)

	events := s.hub.published()
	c.Assert(events, gc.HasLen, 1)
	c.Check(events[0].Status, gc.Equals, icon.StatusFailed)
	c.Check(events[0].URL, gc.Equals, "")
}

func (s *generatorSuite) TestGenerateFreshKeysPerAttempt(c *gc.C) {
	s.renderer.results = []renderResult{{image: []byte("png")}}
	gen := s.newGenerator(c)

	c.Assert(gen.Generate(context.Background(), "J1", "text"), jc.ErrorIsNil)
	c.Assert(gen.Generate(context.Background(), "J1", "text"), jc.ErrorIsNil)

	c.Assert(s.store.keys, gc.HasLen, 2)
	c.Check(s.store.keys[0], gc.Not(gc.Equals), s.store.keys[1])
}

func (s *generatorSuite) TestGenerateBookkeepingErrorPropagates(c *gc.C) {
	s.renderer.results = []renderResult{{image: []byte("png")}}
	s.jobs.setErr = errors.Errorf("database locked")

	err := s.newGenerator(c).Generate(context.Background(), "J1", "text")
	c.Assert(err, gc.ErrorMatches, `recording generated state for job "J1": database locked`)
	c.Check(s.hub.published(), gc.HasLen, 0)
}
