// Package reconciler folds buffered reaction events into the durable
// per-tenant preference record and mirrors the touched buckets to the
// tenant's external repository.
//
// The preference record is partitioned into monthly buckets (UTC). Merging
// is idempotent: within a bucket the entry for (paper, source ref) keeps the
// reaction with the latest observation time, so replaying the same events is
// a no-op. Reconciles for the same tenant are serialized.
package reconciler
