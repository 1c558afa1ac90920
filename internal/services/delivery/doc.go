// Package delivery is the async outbound pipeline for results and failure
// notices: bounded queue, worker pool, token-bucket rate limiting and a
// short retry. The actual channel (chat message, webhook, ...) is behind the
// Transport interface; this package only owns pacing and reliability.
package delivery
