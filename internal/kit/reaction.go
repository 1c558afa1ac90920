package kit

import (
	"errors"
	"time"
)

// ReactionKind classifies a user reaction to a delivered paper.
type ReactionKind string

const (
	ReactionLike    ReactionKind = "like"
	ReactionDislike ReactionKind = "dislike"
	ReactionNeutral ReactionKind = "neutral"
)

func (k ReactionKind) Valid() bool {
	switch k {
	case ReactionLike, ReactionDislike, ReactionNeutral:
		return true
	}
	return false
}

// ReactionEvent is one observed user reaction. Immutable once recorded; the
// natural key is (TenantID, PaperID, SourceRef).
type ReactionEvent struct {
	TenantID   string
	PaperID    string
	SourceRef  string // opaque reference to the message the user reacted to
	Kind       ReactionKind
	ObservedAt time.Time
}

func (e ReactionEvent) Validate() error {
	if e.TenantID == "" || e.PaperID == "" || e.SourceRef == "" {
		return errors.New("reaction: tenant, paper and source ref are required")
	}
	if !e.Kind.Valid() {
		return errors.New("reaction: unknown kind " + string(e.Kind))
	}
	if e.ObservedAt.IsZero() {
		return errors.New("reaction: observed_at is zero")
	}
	return nil
}

// Bucket returns the calendar period the event belongs to ("2006-01", UTC).
func (e ReactionEvent) Bucket() string {
	return e.ObservedAt.UTC().Format(BucketLayout)
}

// BucketLayout is the calendar-period format used to partition preference
// records (one bucket per month).
const BucketLayout = "2006-01"

// PreferenceRow is one merged preference entry inside a bucket, keyed by
// (PaperID, SourceRef).
type PreferenceRow struct {
	PaperID    string
	SourceRef  string
	Kind       ReactionKind
	ObservedAt time.Time
}

// PreferenceBucket is a calendar period's worth of merged rows.
type PreferenceBucket struct {
	Period string // BucketLayout-formatted
	Rows   []PreferenceRow
}

// PreferenceRecord is the durable, append-only preference state of a tenant.
// Only buckets touched by a reconcile are present.
type PreferenceRecord struct {
	TenantID string
	Buckets  []PreferenceBucket
}

// BucketFile is the rendered tabular artifact for one bucket, handed to the
// sync collaborator for mirroring.
type BucketFile struct {
	Period string
	Name   string // e.g. "preference/2024-05.csv"
	Data   []byte
}
