// Package store is the durable persistence surface of the core: schedule
// rows (the job store), dedup-key leases, buffered reaction events, merged
// preference rows, tenant settings and the dispatch audit trail.
//
// It is pure persistence. The scheduler owns all schedule mutation, the
// reconciler owns all preference mutation; nothing else writes here.
package store
