// Package ledger records the final outcome of every batch in PostgreSQL so
// operators can audit what was indexed, parked, or abandoned at shutdown.
package ledger

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/delivery"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/logger"
)

// Schema creates the ledger table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS hec_batches (
		id           UUID PRIMARY KEY,
		created_at   TIMESTAMPTZ NOT NULL,
		finished_at  TIMESTAMPTZ NOT NULL,
		close_reason TEXT NOT NULL,
		records      INTEGER NOT NULL,
		bytes        INTEGER NOT NULL,
		channel      TEXT NOT NULL DEFAULT '',
		attempts     INTEGER NOT NULL,
		outcome      TEXT NOT NULL,
		error        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS hec_batches_outcome_idx ON hec_batches (outcome, finished_at)`,
}

const upsert = `INSERT INTO hec_batches
	(id, created_at, finished_at, close_reason, records, bytes, channel, attempts, outcome, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
	finished_at = EXCLUDED.finished_at,
	channel = EXCLUDED.channel,
	attempts = EXCLUDED.attempts,
	outcome = EXCLUDED.outcome,
	error = EXCLUDED.error`

// Execer is the subset of *sql.DB the ledger writes through.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Ledger is a delivery.Reporter persisting outcomes.
type Ledger struct {
	db      Execer
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Ledger. Each write is bounded by timeout.
func New(db Execer, timeout time.Duration) *Ledger {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Ledger{
		db:      db,
		timeout: timeout,
		now:     time.Now,
		logger:  logger.WithComponent("ledger"),
	}
}

// Record writes o, replacing any earlier row for the same batch.
func (l *Ledger) Record(ctx context.Context, o delivery.Outcome) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	errText := ""
	if o.Err != nil {
		errText = o.Err.Error()
	}
	b := o.Batch
	_, err := l.db.ExecContext(ctx, upsert,
		b.ID, b.CreatedAt.UTC(), l.now().UTC(), string(b.CloseReason()),
		b.Len(), b.Size(), o.Channel, o.Attempts, o.Label(), errText,
	)
	return err
}

// Report implements delivery.Reporter. Failures are logged, never retried.
func (l *Ledger) Report(ctx context.Context, o delivery.Outcome) {
	if err := l.Record(ctx, o); err != nil {
		l.logger.Error("failed to record batch outcome",
			"batch_id", o.Batch.ID,
			"outcome", o.Label(),
			"error", err,
		)
	}
}
