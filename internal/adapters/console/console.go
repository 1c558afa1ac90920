// Package console is a delivery transport for headless deployments: results
// and failure notices are rendered as plain text on a writer (stdout by
// default). Chat-style transports implement delivery.Transport themselves
// and are wired in place of this one.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"paperdigest/internal/kit"
)

type Transport struct {
	mu sync.Mutex
	w  io.Writer
}

func New(w io.Writer) *Transport {
	if w == nil {
		w = os.Stdout
	}
	return &Transport{w: w}
}

func (t *Transport) Send(_ context.Context, d kit.Delivery) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := io.WriteString(t.w, Render(d))
	return err
}

// Render formats one delivery as human-readable text.
func Render(d kit.Delivery) string {
	var b strings.Builder
	switch {
	case d.Result != nil:
		r := d.Result
		fmt.Fprintf(&b, "[%s] %s for %s\n", r.GeneratedAt.Format("2006-01-02 15:04:05"), r.Operation, d.TenantID)
		for i, p := range r.Papers {
			fmt.Fprintf(&b, "  %d. %s", i+1, p.PaperID)
			if p.Title != "" {
				fmt.Fprintf(&b, " %s", p.Title)
			}
			b.WriteByte('\n')
			if p.Summary != "" {
				fmt.Fprintf(&b, "     %s\n", p.Summary)
			}
		}
		if r.Note != "" {
			fmt.Fprintf(&b, "  %s\n", r.Note)
		}
	case d.Failure != nil:
		f := d.Failure
		fmt.Fprintf(&b, "[%s] %s for %s FAILED after %d attempt(s): %s\n",
			f.At.Format("2006-01-02 15:04:05"), f.Operation, d.TenantID, f.Attempts, f.Reason)
	}
	return b.String()
}
