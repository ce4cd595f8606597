package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/ocpp-core/station/corterr"
)

// OutboundRecord is the durable form of a Transactional outbound
// message.
type OutboundRecord struct {
	UniqueID      string
	Action        string
	Payload       string
	Kind          string
	Attempts      int
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

// InsertOutbound persists a Transactional record before its enqueue call
// returns to the caller.
func (h *Handler) InsertOutbound(ctx context.Context, r OutboundRecord) error {
	_, err := Transactional(ctx, h, func(tx *sql.Tx) (struct{}, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO outbound_messages (unique_id, action, payload, kind, attempts, next_attempt_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.UniqueID, r.Action, r.Payload, r.Kind, r.Attempts, r.NextAttemptAt.Unix(), r.CreatedAt.Unix())
		return struct{}{}, err
	})
	if err != nil {
		return corterr.New(corterr.KindStorage, "insert outbound message", err)
	}
	return nil
}

// RemoveOutbound deletes a record once its response has been matched or
// its attempt budget has been exhausted.
func (h *Handler) RemoveOutbound(ctx context.Context, uniqueID string) error {
	_, err := Transactional(ctx, h, func(tx *sql.Tx) (struct{}, error) {
		_, err := tx.ExecContext(ctx, `DELETE FROM outbound_messages WHERE unique_id = ?`, uniqueID)
		return struct{}{}, err
	})
	if err != nil {
		return corterr.New(corterr.KindStorage, "remove outbound message", err)
	}
	return nil
}

// UpdateOutboundAttempts persists the attempts counter and next retry
// time after a send failure or timeout.
func (h *Handler) UpdateOutboundAttempts(ctx context.Context, uniqueID string, attempts int, nextAttemptAt time.Time) error {
	_, err := Transactional(ctx, h, func(tx *sql.Tx) (struct{}, error) {
		_, err := tx.ExecContext(ctx,
			`UPDATE outbound_messages SET attempts = ?, next_attempt_at = ? WHERE unique_id = ?`,
			attempts, nextAttemptAt.Unix(), uniqueID)
		return struct{}{}, err
	})
	if err != nil {
		return corterr.New(corterr.KindStorage, "update outbound attempts", err)
	}
	return nil
}

// RewritePayload replaces a pending record's payload in place, used for
// the StartTransactionResponse id rewrite.
func (h *Handler) RewritePayload(ctx context.Context, uniqueID, payload string) error {
	_, err := Transactional(ctx, h, func(tx *sql.Tx) (struct{}, error) {
		_, err := tx.ExecContext(ctx, `UPDATE outbound_messages SET payload = ? WHERE unique_id = ?`, payload, uniqueID)
		return struct{}{}, err
	})
	if err != nil {
		return corterr.New(corterr.KindStorage, "rewrite outbound payload", err)
	}
	return nil
}

// ListPending returns every durable record in FIFO (created_at) order,
// used both at boot (resurrecting in-flight transaction messages) and to
// reconstruct the in-memory queue after a crash.
func (h *Handler) ListPending(ctx context.Context) ([]OutboundRecord, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT unique_id, action, payload, kind, attempts, next_attempt_at, created_at
		 FROM outbound_messages ORDER BY created_at ASC`)
	if err != nil {
		return nil, corterr.New(corterr.KindStorage, "list pending outbound messages", err)
	}
	defer rows.Close()

	var out []OutboundRecord
	for rows.Next() {
		var r OutboundRecord
		var next, created int64
		if err := rows.Scan(&r.UniqueID, &r.Action, &r.Payload, &r.Kind, &r.Attempts, &next, &created); err != nil {
			return nil, corterr.New(corterr.KindStorage, "scan outbound message", err)
		}
		r.NextAttemptAt = time.Unix(next, 0).UTC()
		r.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, corterr.New(corterr.KindStorage, "iterate outbound messages", err)
	}
	return out, nil
}
