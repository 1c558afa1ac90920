// Package github integrates with the GitHub REST API: it triggers the
// per-tenant recommendation workflow (workflow_dispatch) and pushes merged
// preference CSVs into the tenant's repository (contents API).
//
// Credentials are per tenant: repo_ref is "owner/repo" and the PAT is read
// from the tenant store at call time, so rotating a token needs no restart.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"paperdigest/internal/backoff"
	"paperdigest/internal/store"
	logx "paperdigest/pkg/logx"
)

const apiVersion = "2022-11-28"

// TenantSource resolves tenant repository coordinates.
type TenantSource interface {
	GetTenant(ctx context.Context, tenantID string) (store.Tenant, bool, error)
}

type Config struct {
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string

	// WorkflowFile is the workflow triggered for pipeline operations.
	WorkflowFile string
	Branch       string

	Timeout time.Duration
}

type Client struct {
	cfg     Config
	hc      *http.Client
	tenants TenantSource
	log     logx.Logger
}

func NewClient(cfg Config, tenants TenantSource, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.github.com"
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.WorkflowFile == "" {
		cfg.WorkflowFile = "recommend.yml"
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		hc:      &http.Client{Timeout: cfg.Timeout},
		tenants: tenants,
		log:     log,
	}
}

// creds loads and splits the tenant's repository coordinates. Missing or
// malformed coordinates are permanent: retrying cannot fix configuration.
func (c *Client) creds(ctx context.Context, tenantID string) (owner, repo, pat string, err error) {
	t, ok, err := c.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return "", "", "", err
	}
	if !ok || t.RepoRef == "" || t.PAT == "" {
		return "", "", "", backoff.Permanent(fmt.Errorf("tenant %s has no repository coordinates", tenantID))
	}
	owner, repo, found := strings.Cut(t.RepoRef, "/")
	if !found || owner == "" || repo == "" {
		return "", "", "", backoff.Permanent(fmt.Errorf("tenant %s repo_ref %q is not owner/repo", tenantID, t.RepoRef))
	}
	return owner, repo, t.PAT, nil
}

// do sends one API request and decodes a JSON body into out when non-nil.
// Auth failures and missing resources are permanent.
func (c *Client) do(ctx context.Context, method, url, pat string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+pat)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("github: %s %s: status %d: %s", method, redactURL(url), resp.StatusCode, strings.TrimSpace(string(msg)))
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity:
			return resp.StatusCode, backoff.Permanent(err)
		}
		return resp.StatusCode, err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp.StatusCode, fmt.Errorf("github: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// redactURL keeps log/error strings free of query parameters.
func redactURL(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
