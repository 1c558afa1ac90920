package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"paperdigest/internal/backoff"
	"paperdigest/internal/kit"
	"paperdigest/internal/store"
	logx "paperdigest/pkg/logx"
)

type memTenants map[string]store.Tenant

func (m memTenants) GetTenant(_ context.Context, tenantID string) (store.Tenant, bool, error) {
	t, ok := m[tenantID]
	return t, ok, nil
}

func newTestClient(t *testing.T, handler http.Handler, tenants memTenants) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL}, tenants, logx.Nop())
}

func TestPipelineTriggersWorkflow(t *testing.T) {
	t.Parallel()
	var gotPath, gotAuth string
	var gotBody map[string]any
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, h, memTenants{"alice": {TenantID: "alice", RepoRef: "alice/paper-feed", PAT: "tok"}})

	res, err := NewPipeline(c).Digest(context.Background(), "alice", []string{"2408.01234", "2409.05678"})
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if gotPath != "/repos/alice/paper-feed/actions/workflows/recommend.yml/dispatches" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected auth %q", gotAuth)
	}
	inputs, _ := gotBody["inputs"].(map[string]any)
	if inputs["operation"] != "digest" || inputs["paper_ids"] != "2408.01234,2409.05678" {
		t.Fatalf("unexpected inputs: %+v", inputs)
	}
	if res.Operation != kit.OpDigest || res.TenantID != "alice" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPipelineBadCredentialsArePermanent(t *testing.T) {
	t.Parallel()
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
	})
	c := newTestClient(t, h, memTenants{"alice": {TenantID: "alice", RepoRef: "a/b", PAT: "bad"}})

	_, err := NewPipeline(c).Recommend(context.Background(), "alice")
	if err == nil || !backoff.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestPipelineMissingCoordinatesArePermanent(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.NotFoundHandler(), memTenants{})
	_, err := NewPipeline(c).Recommend(context.Background(), "ghost")
	if err == nil || !backoff.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestSyncerCreatesNewFile(t *testing.T) {
	t.Parallel()
	var putBody map[string]any
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			http.NotFound(w, r)
		case http.MethodPut:
			_ = json.NewDecoder(r.Body).Decode(&putBody)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{}`))
		}
	})
	c := newTestClient(t, h, memTenants{"alice": {TenantID: "alice", RepoRef: "alice/prefs", PAT: "tok"}})

	data := []byte("paper_id,source_ref,kind,observed_at\n")
	err := NewSyncer(c).Push(context.Background(), "alice", []kit.BucketFile{
		{Period: "2026-08", Name: "preference/2026-08.csv", Data: data},
	})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if _, hasSHA := putBody["sha"]; hasSHA {
		t.Fatalf("create must not carry a sha: %+v", putBody)
	}
	got, _ := base64.StdEncoding.DecodeString(putBody["content"].(string))
	if string(got) != string(data) {
		t.Fatalf("content mismatch: %q", got)
	}
}

func TestSyncerUpdatesExistingFile(t *testing.T) {
	t.Parallel()
	var putBody map[string]any
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]string{"sha": "abc123"})
		case http.MethodPut:
			_ = json.NewDecoder(r.Body).Decode(&putBody)
			_, _ = w.Write([]byte(`{}`))
		}
	})
	c := newTestClient(t, h, memTenants{"alice": {TenantID: "alice", RepoRef: "alice/prefs", PAT: "tok"}})

	err := NewSyncer(c).Push(context.Background(), "alice", []kit.BucketFile{
		{Period: "2026-08", Name: "preference/2026-08.csv", Data: []byte("x")},
	})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if putBody["sha"] != "abc123" {
		t.Fatalf("update must carry the existing sha: %+v", putBody)
	}
}
