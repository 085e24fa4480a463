// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package imagegen is the client for the external text-to-image API.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/reflectivelabs/iconworks/internal/config"
)

var logger = loggo.GetLogger("iconworks.imagegen")

// MIME represents a MIME type for identifying requests and response bodies.
type MIME = string

const (
	// JSON represents the MIME type for JSON request and response types.
	JSON MIME = "application/json"
)

// Transport defines a type for making the actual request.
type Transport interface {
	// Do performs the *http.Request and returns a *http.Response or an
	// error if it fails to construct the transport.
	Do(*http.Request) (*http.Response, error)
}

// generateRequest is the wire request for one generation call.
type generateRequest struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
}

// generateResponse is the wire response; Image carries the artwork as
// base64-encoded PNG bytes.
type generateResponse struct {
	Image string `json:"image"`
	Error string `json:"error,omitempty"`
}

// Client calls the text-to-image API.
type Client struct {
	url       string
	apiKey    string
	size      string
	timeout   time.Duration
	transport Transport
}

// NewClient creates a client for the configured endpoint. A nil
// transport gets a default http.Client whose timeout matches the
// configured request timeout.
func NewClient(cfg config.ImageGen, transport Transport) *Client {
	if transport == nil {
		transport = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Client{
		url:       cfg.URL,
		apiKey:    cfg.APIKey,
		size:      cfg.Size,
		timeout:   cfg.RequestTimeout,
		transport: transport,
	}
}

// Generate renders the prompt into PNG bytes. Connection timeouts are
// reported as timeout errors (see IsTimeout) so the caller can decide
// to retry; every other failure, including an empty or undecodable
// image payload, is terminal.
func (c *Client) Generate(ctx context.Context, prompt string) ([]byte, error) {
	body, err := json.Marshal(generateRequest{
		Prompt: prompt,
		Size:   c.size,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Trace(err)
	}
	req.Header.Set("Content-Type", JSON)
	req.Header.Set("Accept", JSON)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	if logger.IsTraceEnabled() {
		if data, err := httputil.DumpRequest(req, false); err == nil {
			logger.Tracef("%s request %s", req.Method, data)
		}
	}

	resp, err := c.transport.Do(req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode > http.StatusNoContent {
		return nil, errors.Errorf("image generation server error %d for %q", resp.StatusCode, c.url)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Annotate(err, "decoding image generation response")
	}
	if out.Error != "" {
		return nil, errors.Errorf("image generation rejected: %s", out.Error)
	}
	if out.Image == "" {
		return nil, errors.Errorf("image generation returned an empty payload")
	}
	image, err := base64.StdEncoding.DecodeString(out.Image)
	if err != nil {
		return nil, errors.Annotate(err, "decoding image payload")
	}
	if len(image) == 0 {
		return nil, errors.Errorf("image generation returned an empty payload")
	}
	return image, nil
}
