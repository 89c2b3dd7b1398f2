package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/cohortflow/cohortflow/internal/config"
	cferrors "github.com/cohortflow/cohortflow/internal/errors"
)

const validationsPath = "/v1/validations"

// HTTPCollaborator talks JSON to the rule engine over HTTP.
type HTTPCollaborator struct {
	baseURL     string
	callbackURL string
	client      *http.Client
}

// NewHTTPCollaborator creates a collaborator for cfg. transport may be nil.
func NewHTTPCollaborator(cfg config.CollaboratorConfig, transport http.RoundTripper) *HTTPCollaborator {
	if transport == nil {
		transport = http.DefaultTransport
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCollaborator{
		baseURL:     cfg.URL,
		callbackURL: cfg.CallbackURL,
		client:      &http.Client{Transport: transport, Timeout: timeout},
	}
}

// CallbackURL returns the callback address for runID, or "" when polling.
func (c *HTTPCollaborator) CallbackURL(runID string) string {
	if c.callbackURL == "" {
		return ""
	}
	u, err := url.Parse(c.callbackURL)
	if err != nil {
		return ""
	}
	u.Path = path.Join(u.Path, "v1/runs", runID, "result")
	return u.String()
}

// Submit posts the request to the rule engine.
func (c *HTTPCollaborator) Submit(ctx context.Context, req *Request) error {
	if req.CallbackURL == "" {
		req.CallbackURL = c.CallbackURL(req.RunID)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return cferrors.NewInternalError("failed to encode validation request", err)
	}
	resp, err := c.do(ctx, http.MethodPost, validationsPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Poll fetches the result of runID. 202 and 404 mean not ready yet.
func (c *HTTPCollaborator) Poll(ctx context.Context, runID string) (*Result, bool, error) {
	resp, err := c.do(ctx, http.MethodGet, path.Join(validationsPath, runID), nil)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, false, nil
	}
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, false, cferrors.NewPipelineError(cferrors.CodeResultMissing, "undecodable validation result", err)
	}
	if res.RunID == "" {
		res.RunID = runID
	}
	if err := res.Validate(); err != nil {
		return nil, false, err
	}
	return &res, true, nil
}

// do sends one request. Network failures and 5xx answers are transient;
// other 4xx answers are not retried, except 404 which Poll interprets.
func (c *HTTPCollaborator) do(ctx context.Context, method, p string, body io.Reader) (*http.Response, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, cferrors.NewInternalError("invalid collaborator url", err)
	}
	u.Path = path.Join(u.Path, p)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, cferrors.NewInternalError("failed to build collaborator request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, cferrors.NewStorageError(cferrors.CodeTransientNetwork, "collaborator unreachable", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, cferrors.NewStorageError(cferrors.CodeTransientNetwork,
			fmt.Sprintf("collaborator answered %s", resp.Status), fmt.Errorf("%s", bytes.TrimSpace(msg)))
	}
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, cferrors.NewPipelineError(cferrors.CodeInvalidRequest,
			fmt.Sprintf("collaborator rejected the request: %s", resp.Status), fmt.Errorf("%s", bytes.TrimSpace(msg)))
	}
	if resp.StatusCode == http.StatusNotFound && method != http.MethodGet {
		resp.Body.Close()
		return nil, cferrors.NewPipelineError(cferrors.CodeInvalidRequest, "collaborator endpoint not found", nil)
	}
	return resp, nil
}
