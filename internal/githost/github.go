package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TokenSource resolves the API token for a host connection. The static
// implementation covers single-tenant deployments; multi-connection setups
// plug in their own lookup.
type TokenSource interface {
	Token(ctx context.Context, connectionID string) (string, error)
}

type StaticTokenSource struct {
	AccessToken string
}

func (s StaticTokenSource) Token(ctx context.Context, connectionID string) (string, error) {
	if s.AccessToken == "" {
		return "", fmt.Errorf("no token configured for connection %q", connectionID)
	}
	return s.AccessToken, nil
}

type GitHubClient struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
}

func NewGitHubClient(baseURL string, tokens TokenSource) *GitHubClient {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &GitHubClient{
		baseURL: baseURL,
		tokens:  tokens,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *GitHubClient) BranchExists(ctx context.Context, connectionID, fullName, branch string) (bool, error) {
	owner, repo := splitFullName(fullName)
	status, _, err := c.do(ctx, connectionID, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/branches/%s", owner, repo, branch), nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("check branch %s: unexpected status %d", branch, status)
	}
}

func (c *GitHubClient) CreateBranch(ctx context.Context, connectionID, fullName, branch, base string) error {
	owner, repo := splitFullName(fullName)

	status, body, err := c.do(ctx, connectionID, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/git/ref/heads/%s", owner, repo, base), nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("resolve base branch %s: unexpected status %d", base, status)
	}
	var baseRef struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := json.Unmarshal(body, &baseRef); err != nil {
		return fmt.Errorf("decode base ref: %w", err)
	}

	status, body, err = c.do(ctx, connectionID, http.MethodPost,
		fmt.Sprintf("/repos/%s/%s/git/refs", owner, repo), map[string]string{
			"ref": "refs/heads/" + branch,
			"sha": baseRef.Object.SHA,
		})
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("create branch %s: unexpected status %d: %s", branch, status, truncate(body))
	}
	return nil
}

func (c *GitHubClient) CreatePullRequest(ctx context.Context, connectionID, fullName string, opts PullRequestOptions) (PullRequest, error) {
	owner, repo := splitFullName(fullName)
	status, body, err := c.do(ctx, connectionID, http.MethodPost,
		fmt.Sprintf("/repos/%s/%s/pulls", owner, repo), map[string]string{
			"title": opts.Title,
			"body":  opts.Body,
			"head":  opts.Head,
			"base":  opts.Base,
		})
	if err != nil {
		return PullRequest{}, err
	}
	if status != http.StatusCreated {
		return PullRequest{}, fmt.Errorf("create pull request: unexpected status %d: %s", status, truncate(body))
	}
	var created struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return PullRequest{}, fmt.Errorf("decode pull request: %w", err)
	}
	return PullRequest{Number: created.Number, URL: created.HTMLURL}, nil
}

func (c *GitHubClient) do(ctx context.Context, connectionID, method, path string, payload any) (int, []byte, error) {
	token, err := c.tokens.Token(ctx, connectionID)
	if err != nil {
		return 0, nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("call github: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read github response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func truncate(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
