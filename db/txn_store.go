package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/ocpp-core/station/corterr"
)

// Transaction is the durable row behind the Transaction type.
type Transaction struct {
	ID             string
	EvseID         int
	ConnectorID    int
	StartTime      time.Time
	StartMeter     int
	IDToken        string
	GroupIDToken   *string
	ReservationID  *int
	SeqNo          int
	CSMSID         *string
	Active         bool
	StopReason     *string
	StopTime       *time.Time
	StopMeter      *int
}

func (h *Handler) UpsertTransaction(ctx context.Context, t Transaction) error {
	_, err := Transactional(ctx, h, func(tx *sql.Tx) (struct{}, error) {
		var stopTime sql.NullInt64
		if t.StopTime != nil {
			stopTime = sql.NullInt64{Int64: t.StopTime.Unix(), Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO transactions (id, evse_id, connector_id, start_time, start_meter, id_token, group_id_token, reservation_id, seq_no, csms_id, active, stop_reason, stop_time, stop_meter)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				seq_no = excluded.seq_no,
				csms_id = excluded.csms_id,
				active = excluded.active,
				stop_reason = excluded.stop_reason,
				stop_time = excluded.stop_time,
				stop_meter = excluded.stop_meter`,
			t.ID, t.EvseID, t.ConnectorID, t.StartTime.Unix(), t.StartMeter, t.IDToken,
			nullableStr(t.GroupIDToken), nullableInt(t.ReservationID), t.SeqNo, nullableStr(t.CSMSID), boolToInt(t.Active),
			nullableStr(t.StopReason), stopTime, nullableInt(t.StopMeter))
		return struct{}{}, err
	})
	if err != nil {
		return corterr.New(corterr.KindStorage, "upsert transaction", err)
	}
	return nil
}

// PendingStops returns transactions whose stop has been recorded but are
// still marked active=1 in storage awaiting the CSMS's CALLRESULT, the
// boot-time resurrection path.
func (h *Handler) PendingStops(ctx context.Context) ([]Transaction, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT id, evse_id, connector_id, start_time, start_meter, id_token, group_id_token, reservation_id, seq_no, csms_id, active, stop_reason, stop_time, stop_meter
		 FROM transactions WHERE stop_time IS NOT NULL AND active = 1`)
	if err != nil {
		return nil, corterr.New(corterr.KindStorage, "list pending stops", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// ActiveTransactions lists every transaction that has not been stopped,
// for boot-time restoration of sessions that outlived a process restart.
func (h *Handler) ActiveTransactions(ctx context.Context) ([]Transaction, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT id, evse_id, connector_id, start_time, start_meter, id_token, group_id_token, reservation_id, seq_no, csms_id, active, stop_reason, stop_time, stop_meter
		 FROM transactions WHERE stop_time IS NULL AND active = 1`)
	if err != nil {
		return nil, corterr.New(corterr.KindStorage, "list active transactions", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]Transaction, error) {
	var out []Transaction
	for rows.Next() {
		var t Transaction
		var start int64
		var groupTok, stopReason, csmsID sql.NullString
		var resID, stopMeter sql.NullInt64
		var stopTime sql.NullInt64
		var active int
		if err := rows.Scan(&t.ID, &t.EvseID, &t.ConnectorID, &start, &t.StartMeter, &t.IDToken,
			&groupTok, &resID, &t.SeqNo, &csmsID, &active, &stopReason, &stopTime, &stopMeter); err != nil {
			return nil, corterr.New(corterr.KindStorage, "scan transaction", err)
		}
		t.StartTime = time.Unix(start, 0).UTC()
		t.Active = active != 0
		if groupTok.Valid {
			t.GroupIDToken = &groupTok.String
		}
		if csmsID.Valid {
			t.CSMSID = &csmsID.String
		}
		if resID.Valid {
			v := int(resID.Int64)
			t.ReservationID = &v
		}
		if stopReason.Valid {
			t.StopReason = &stopReason.String
		}
		if stopTime.Valid {
			tm := time.Unix(stopTime.Int64, 0).UTC()
			t.StopTime = &tm
		}
		if stopMeter.Valid {
			v := int(stopMeter.Int64)
			t.StopMeter = &v
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, corterr.New(corterr.KindStorage, "iterate transactions", err)
	}
	return out, nil
}

func (h *Handler) DeleteTransaction(ctx context.Context, id string) error {
	_, err := Transactional(ctx, h, func(tx *sql.Tx) (struct{}, error) {
		_, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
		return struct{}{}, err
	})
	if err != nil {
		return corterr.New(corterr.KindStorage, "delete transaction", err)
	}
	return nil
}

func nullableStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
