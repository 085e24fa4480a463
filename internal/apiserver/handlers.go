// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/reflectivelabs/iconworks/core/icon"
	"github.com/reflectivelabs/iconworks/internal/progress"
	"github.com/reflectivelabs/iconworks/internal/state"
)

type createJobRequest struct {
	SourceText string `json:"source_text"`
}

type bypassRequest struct {
	Bypass bool `json:"bypass"`
}

type putPromptRequest struct {
	Category string `json:"category"`
	Template string `json:"template"`
	Activate bool   `json:"activate"`
}

type jobResponse struct {
	ID         string    `json:"id"`
	SourceText string    `json:"source_text"`
	Status     string    `json:"status"`
	URL        string    `json:"url,omitempty"`
	Error      string    `json:"error,omitempty"`
	Bypass     bool      `json:"bypass"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type promptResponse struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Template  string    `json:"template"`
	Version   int       `json:"version"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func makePromptResponse(p state.PromptTemplate) promptResponse {
	return promptResponse{
		ID:        p.ID,
		Category:  p.Category,
		Template:  p.Template,
		Version:   p.Version,
		Active:    p.Active,
		CreatedAt: p.CreatedAt,
	}
}

type retriesResponse struct {
	JobIDs []string `json:"job_ids"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleCreateJob accepts a source text, records a pending job and
// fires generation in the background. The response only acknowledges
// that the job was started; the outcome is observed via the job row or
// the progress stream.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, errors.BadRequestf("invalid request body: %v", err))
		return
	}
	if req.SourceText == "" {
		s.sendError(w, errors.BadRequestf("missing source_text"))
		return
	}

	job, err := s.cfg.Jobs.AddJob(r.Context(), req.SourceText)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.background(job.ID, job.SourceText)
	s.sendJSON(w, http.StatusCreated, s.jobResponse(r, job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.cfg.Jobs.Job(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, s.jobResponse(r, job))
}

// handleRegenerate resets the job and fires a fresh generation attempt
// in the background. Bypass is left as it was: regenerating a bypassed
// job does not opt it back into the automatic sweep.
func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.cfg.Jobs.Job(r.Context(), id)
	if err != nil {
		s.sendError(w, err)
		return
	}

	sourceText := job.SourceText
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.SourceText != "" {
		sourceText = req.SourceText
	}

	if err := s.cfg.Jobs.ResetForRegenerate(r.Context(), id, sourceText); err != nil {
		s.sendError(w, err)
		return
	}
	s.background(id, sourceText)
	s.sendJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleBypass(w http.ResponseWriter, r *http.Request) {
	var req bypassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, errors.BadRequestf("invalid request body: %v", err))
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.cfg.Jobs.SetBypass(r.Context(), id, req.Bypass); err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"bypass": req.Bypass})
}

func (s *Server) handleRetries(w http.ResponseWriter, r *http.Request) {
	ids := s.cfg.Retrier.Retrying()
	if ids == nil {
		ids = []string{}
	}
	s.sendJSON(w, http.StatusOK, retriesResponse{JobIDs: ids})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	s.cfg.Retrier.TriggerSweep()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetPrompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := s.cfg.Jobs.Prompts(r.Context(), mux.Vars(r)["category"])
	if err != nil {
		s.sendError(w, err)
		return
	}
	resp := make([]promptResponse, len(prompts))
	for i, p := range prompts {
		resp[i] = makePromptResponse(p)
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePutPrompt(w http.ResponseWriter, r *http.Request) {
	var req putPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, errors.BadRequestf("invalid request body: %v", err))
		return
	}
	if req.Category == "" || req.Template == "" {
		s.sendError(w, errors.BadRequestf("missing category or template"))
		return
	}
	prompt, err := s.cfg.Jobs.PutPrompt(r.Context(), req.Category, req.Template, req.Activate)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, makePromptResponse(prompt))
}

func (s *Server) handleActivatePrompt(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.cfg.Jobs.ActivatePrompt(r.Context(), id); err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"id": id})
}

// handleProgress upgrades to a websocket and streams the job's
// progress events until the terminal one, then closes. A client that
// goes away kills the watcher so the hub subscription is not leaked.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.cfg.Jobs.Job(r.Context(), id); err != nil {
		s.sendError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("upgrading progress stream for job %q: %v", id, err)
		return
	}
	defer conn.Close()

	watcher, err := progress.NewWatcher(progress.Config{
		JobID:        id,
		Jobs:         s.cfg.Jobs,
		Hub:          s.cfg.Hub,
		Clock:        s.cfg.Clock,
		PollInterval: s.cfg.PollInterval,
	})
	if err != nil {
		logger.Errorf("starting progress watcher for job %q: %v", id, err)
		return
	}
	defer func() {
		watcher.Kill()
		_ = watcher.Wait()
	}()

	// Read pump: the only reads we expect are the close handshake, but
	// reading is how gorilla surfaces a dropped client.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				watcher.Kill()
				return
			}
		}
	}()

	for event := range watcher.Changes() {
		if err := conn.WriteJSON(event); err != nil {
			logger.Debugf("progress stream for job %q closed: %v", id, err)
			return
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) jobResponse(r *http.Request, job icon.Job) jobResponse {
	resp := jobResponse{
		ID:         job.ID,
		SourceText: job.SourceText,
		Status:     string(job.Status),
		Error:      job.Error,
		Bypass:     job.Bypass,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
	if job.Status == icon.StatusGenerated && job.URL != "" {
		signed, err := s.cfg.Signer.SignedURL(r.Context(), job.URL, s.cfg.SignedURLTTL)
		if err != nil {
			// The job itself is fine; surface the row without a
			// retrievable URL rather than failing the request.
			logger.Errorf("signing url for job %q: %v", job.ID, err)
		} else {
			resp.URL = signed
		}
	}
	return resp
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorf("encoding response: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.NotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.BadRequest):
		status = http.StatusBadRequest
	}
	s.sendJSON(w, status, errorResponse{Error: err.Error()})
}
