package kit

import "time"

// PaperSummary is one recommended or digested paper as produced by the
// external pipeline.
type PaperSummary struct {
	PaperID string
	Title   string
	Summary string
}

// Result is a successful pipeline outcome for one request.
type Result struct {
	TenantID    string
	Operation   Operation
	GeneratedAt time.Time
	Papers      []PaperSummary
	Note        string // free-form, e.g. sync summaries
}

// FailureNotice tells a tenant that their request terminally failed so they
// are never left waiting.
type FailureNotice struct {
	TenantID  string
	Operation Operation
	Reason    string
	Attempts  int
	At        time.Time
}

// Delivery is one message for the delivery collaborator: either a result or
// a failure notice, never both.
type Delivery struct {
	TenantID string
	Result   *Result
	Failure  *FailureNotice
}
