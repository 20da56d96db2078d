package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"halite-tournament/utils"
)

// WorkflowClient triggers and lists runs of the GitHub Actions workflow that
// plays matches.
type WorkflowClient struct {
	BaseURL  string // https://api.github.com
	Token    string
	Owner    string
	Repo     string
	Workflow string // file name, e.g. match.yml
	Ref      string
	Client   *http.Client
}

// WorkflowRun is the part of a GitHub workflow run matchmaking needs.
// DisplayTitle carries the match uuid.
type WorkflowRun struct {
	ID           int64     `json:"id"`
	DisplayTitle string    `json:"display_title"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

func NewWorkflowClient(baseURL, token, owner, repo, workflow, ref string) *WorkflowClient {
	return &WorkflowClient{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Token:    token,
		Owner:    owner,
		Repo:     repo,
		Workflow: workflow,
		Ref:      ref,
		Client:   utils.HTTPClient,
	}
}

// Dispatch fires a workflow_dispatch event. GitHub answers 204 and nothing
// else; the run has to be found by polling.
func (c *WorkflowClient) Dispatch(ctx context.Context, inputs map[string]string) error {
	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/%s/dispatches",
		url.PathEscape(c.Owner), url.PathEscape(c.Repo), url.PathEscape(c.Workflow))

	body := map[string]interface{}{"ref": c.Ref, "inputs": inputs}
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return apiError("dispatch", resp)
	}
	return nil
}

// ListDispatchRuns returns the most recent workflow_dispatch runs, newest first.
func (c *WorkflowClient) ListDispatchRuns(ctx context.Context) ([]WorkflowRun, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/%s/runs?event=workflow_dispatch&per_page=50",
		url.PathEscape(c.Owner), url.PathEscape(c.Repo), url.PathEscape(c.Workflow))

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError("list runs", resp)
	}

	var out struct {
		WorkflowRuns []WorkflowRun `json:"workflow_runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("github: decoding workflow runs: %w", err)
	}
	return out.WorkflowRuns, nil
}

func (c *WorkflowClient) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: %s %s: %w", method, path, err)
	}
	return resp, nil
}

func apiError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) != nil || body.Message == "" {
		body.Message = strings.TrimSpace(string(raw))
	}
	return fmt.Errorf("github: %s: HTTP %d: %s", op, resp.StatusCode, body.Message)
}
