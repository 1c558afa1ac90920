package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"paperdigest/internal/kit"
	logx "paperdigest/pkg/logx"
)

// Syncer pushes merged preference buckets into the tenant's repository via
// the contents API. Each bucket file is one commit; an existing file is
// updated in place using its blob SHA.
type Syncer struct {
	c *Client
}

func NewSyncer(c *Client) *Syncer { return &Syncer{c: c} }

func (s *Syncer) Push(ctx context.Context, tenantID string, files []kit.BucketFile) error {
	if len(files) == 0 {
		return nil
	}
	owner, repo, pat, err := s.c.creds(ctx, tenantID)
	if err != nil {
		return err
	}

	for _, f := range files {
		if err := s.putFile(ctx, owner, repo, pat, f); err != nil {
			return fmt.Errorf("push %s: %w", f.Name, err)
		}
	}
	s.c.log.Info("preference buckets pushed",
		logx.String("tenant", tenantID),
		logx.String("repo", owner+"/"+repo),
		logx.Int("files", len(files)))
	return nil
}

func (s *Syncer) putFile(ctx context.Context, owner, repo, pat string, f kit.BucketFile) error {
	u := fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		s.c.cfg.BaseURL, url.PathEscape(owner), url.PathEscape(repo), escapePath(f.Name))

	// Updating an existing file requires its current blob SHA; 404 means the
	// file does not exist yet and a plain create is fine.
	var existing struct {
		SHA string `json:"sha"`
	}
	status, err := s.c.do(ctx, "GET", u, pat, nil, &existing)
	if err != nil && status != http.StatusNotFound {
		return err
	}

	body := map[string]any{
		"message": fmt.Sprintf("Update preference data for %s", f.Period),
		"content": base64.StdEncoding.EncodeToString(f.Data),
	}
	if existing.SHA != "" {
		body["sha"] = existing.SHA
	}
	_, err = s.c.do(ctx, "PUT", u, pat, body, nil)
	return err
}

// escapePath escapes each segment but keeps the separators.
func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}
