package postgres

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/oklog/ulid/v2"

	"coinshop-payments/internal/domain"
	"coinshop-payments/internal/domain/model"
	"coinshop-payments/internal/domain/ports/repository"
)

var _ repository.WebhookEventRepository = (*webhookEventRepo)(nil)

type webhookEventRepo struct{ pool *pgxpool.Pool }

func NewWebhookEventRepo(pool *pgxpool.Pool) *webhookEventRepo {
	return &webhookEventRepo{pool: pool}
}

// Append writes one delivery. Verified rows rely on the partial unique index
// over event_id, so a replay reports inserted=false instead of failing.
func (r *webhookEventRepo) Append(ctx context.Context, tx repository.Tx, ev *model.WebhookEvent) (bool, error) {
	if ev.Verified && ev.EventID == "" {
		return false, domain.ErrInvalidArgument
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	if ev.ID == "" {
		ev.ID = ulid.MustNew(ulid.Timestamp(ev.ReceivedAt), rand.Reader).String()
	}
	payload := ev.Payload
	if payload == nil {
		payload = []byte{}
	}

	const q = `
INSERT INTO webhook_events (id, event_id, invoice_id, event_type, payload, received_at, verified)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (event_id) WHERE verified DO NOTHING;`

	cmd, err := execSQL(ctx, r.pool, tx, q, ev.ID, ev.EventID, ev.InvoiceID, string(ev.Type), payload, ev.ReceivedAt, ev.Verified)
	if err != nil {
		return false, storageErr(err)
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *webhookEventRepo) ExistsByEventID(ctx context.Context, tx repository.Tx, eventID string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id=$1 AND verified);`
	row, err := pickRow(ctx, r.pool, tx, q, eventID)
	if err != nil {
		return false, err
	}
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, domain.ErrReadDatabaseRow
	}
	return exists, nil
}
