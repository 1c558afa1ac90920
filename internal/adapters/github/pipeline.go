package github

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"paperdigest/internal/kit"
	logx "paperdigest/pkg/logx"
)

// Pipeline triggers the tenant's recommendation workflow. The workflow run
// is asynchronous on the GitHub side; a successful trigger acknowledges the
// request and the workflow delivers its artifacts out of band.
type Pipeline struct {
	c *Client
}

func NewPipeline(c *Client) *Pipeline { return &Pipeline{c: c} }

func (p *Pipeline) Recommend(ctx context.Context, tenantID string) (kit.Result, error) {
	return p.trigger(ctx, tenantID, kit.OpRecommend, nil)
}

func (p *Pipeline) Digest(ctx context.Context, tenantID string, paperIDs []string) (kit.Result, error) {
	return p.trigger(ctx, tenantID, kit.OpDigest, paperIDs)
}

func (p *Pipeline) Similar(ctx context.Context, tenantID string, paperIDs []string) (kit.Result, error) {
	return p.trigger(ctx, tenantID, kit.OpSimilar, paperIDs)
}

func (p *Pipeline) trigger(ctx context.Context, tenantID string, op kit.Operation, paperIDs []string) (kit.Result, error) {
	owner, repo, pat, err := p.c.creds(ctx, tenantID)
	if err != nil {
		return kit.Result{}, err
	}

	inputs := map[string]string{"operation": string(op)}
	if len(paperIDs) > 0 {
		inputs["paper_ids"] = strings.Join(paperIDs, ",")
	}
	body := map[string]any{
		"ref":    p.c.cfg.Branch,
		"inputs": inputs,
	}
	u := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/dispatches",
		p.c.cfg.BaseURL, url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(p.c.cfg.WorkflowFile))

	// A successful dispatch returns 204 with no body.
	if _, err := p.c.do(ctx, "POST", u, pat, body, nil); err != nil {
		return kit.Result{}, err
	}

	p.c.log.Info("workflow dispatched",
		logx.String("tenant", tenantID),
		logx.String("op", string(op)),
		logx.String("repo", owner+"/"+repo))
	return kit.Result{
		TenantID:    tenantID,
		Operation:   op,
		GeneratedAt: time.Now(),
		Note:        fmt.Sprintf("workflow %s dispatched on %s/%s", p.c.cfg.WorkflowFile, owner, repo),
	}, nil
}
