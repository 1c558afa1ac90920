// Package scheduler owns persisted per-tenant cron schedules and the scan
// loop that fires them.
//
// Firing model:
//   - Every schedule row carries a precomputed next_fire_at instant.
//   - The scan loop polls for due rows and claims each fire with a
//     compare-and-swap advance of next_fire_at. Exactly one scanner wins,
//     so a fire is emitted at most once even with concurrent scanners.
//   - A schedule that was due while the process was down fires exactly once
//     on the next scan; intermediate occurrences are not backfilled.
package scheduler
