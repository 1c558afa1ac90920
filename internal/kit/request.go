package kit

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operation identifies one logical unit of recommendation work.
type Operation string

const (
	// OpRecommend runs the recommendation pipeline for a tenant.
	OpRecommend Operation = "recommend"
	// OpDigest summarizes an explicit list of paper ids.
	OpDigest Operation = "digest"
	// OpSimilar looks up papers similar to the given ones.
	OpSimilar Operation = "similar"
	// OpSync reconciles buffered reactions into the preference record.
	OpSync Operation = "sync"
)

func (o Operation) Valid() bool {
	switch o {
	case OpRecommend, OpDigest, OpSimilar, OpSync:
		return true
	}
	return false
}

// ConcurrencySafe reports whether two in-flight dispatches of this operation
// for the same tenant may overlap. Similarity lookups are read-only and
// produce no tenant-visible state, so they are exempt from dedup.
func (o Operation) ConcurrencySafe() bool { return o == OpSimilar }

// Origin records who asked for a dispatch. Scheduler-originated duplicates
// are dropped silently; user-originated duplicates get an explicit
// "already in progress" answer.
type Origin string

const (
	OriginSchedule Origin = "schedule"
	OriginUser     Origin = "user"
)

// Payload is the operation-specific content of a Request. Exactly one
// concrete payload type exists per operation.
type Payload interface {
	Operation() Operation
}

// RecommendPayload carries no extra data; the pipeline derives the paper set
// from the tenant's stored preferences.
type RecommendPayload struct{}

func (RecommendPayload) Operation() Operation { return OpRecommend }

// DigestPayload asks for summaries of specific papers.
type DigestPayload struct {
	PaperIDs []string
}

func (DigestPayload) Operation() Operation { return OpDigest }

// SimilarPayload asks for papers similar to the given ones.
type SimilarPayload struct {
	PaperIDs []string
}

func (SimilarPayload) Operation() Operation { return OpSimilar }

// SyncPayload triggers preference reconciliation over reactions observed in
// the trailing LookBack window.
type SyncPayload struct {
	LookBack time.Duration
}

func (SyncPayload) Operation() Operation { return OpSync }

// Request is an ephemeral unit of dispatch work. It is created at trigger or
// command time and discarded when the dispatch completes or is abandoned.
type Request struct {
	ID       string
	TenantID string
	Origin   Origin
	Payload  Payload
	FiredAt  time.Time
}

func NewRequest(tenantID string, origin Origin, p Payload) Request {
	return Request{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Origin:   origin,
		Payload:  p,
		FiredAt:  time.Now(),
	}
}

func (r Request) Operation() Operation {
	if r.Payload == nil {
		return ""
	}
	return r.Payload.Operation()
}

// DedupKey returns the identity used for at-most-one-concurrent-dispatch.
// Empty means the request is exempt from dedup.
func (r Request) DedupKey() string {
	op := r.Operation()
	if op == "" || op.ConcurrencySafe() {
		return ""
	}
	return r.TenantID + "|" + string(op)
}

func (r Request) Validate() error {
	if r.TenantID == "" {
		return errors.New("request: tenant id is empty")
	}
	if r.Payload == nil {
		return errors.New("request: payload is nil")
	}
	if op := r.Operation(); !op.Valid() {
		return fmt.Errorf("request: unknown operation %q", op)
	}
	switch r.Origin {
	case OriginSchedule, OriginUser:
	default:
		return fmt.Errorf("request: unknown origin %q", r.Origin)
	}
	return nil
}
