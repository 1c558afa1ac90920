// Package dispatcher executes requests against the external recommendation
// pipeline using a bounded queue and a worker pool.
//
// Concurrency control is store-backed: before a request is queued the
// dispatcher claims a per-(tenant, operation) lease with a TTL covering the
// worst-case retry window. A second request for the same identity is either
// dropped (scheduler origin) or answered with ErrAlreadyInProgress (user
// origin) while the lease is held. Similarity lookups are exempt.
package dispatcher
