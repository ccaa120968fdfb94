package delivery

import (
	"context"
	"errors"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/batch"
	apperrors "github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/errors"
)

// Outcome is the final result of one batch.
type Outcome struct {
	Batch    *batch.Batch
	Channel  string
	Attempts int
	Err      error
}

// Acked reports whether the batch was durably indexed.
func (o Outcome) Acked() bool { return o.Err == nil }

// Label names the outcome for metrics and the ledger: acked, failed, or
// shutdown.
func (o Outcome) Label() string {
	switch {
	case o.Err == nil:
		return "acked"
	case errors.Is(o.Err, apperrors.ErrShutdown):
		return "shutdown"
	default:
		return "failed"
	}
}

// Reporter receives every final batch outcome, one at a time.
type Reporter interface {
	Report(ctx context.Context, o Outcome)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, o Outcome)

func (f ReporterFunc) Report(ctx context.Context, o Outcome) { f(ctx, o) }
