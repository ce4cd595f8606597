package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ocpp-core/station/corterr"
)

// Scope identifies an availability row: the station, one EVSE, or one
// connector within an EVSE.
type Scope struct {
	EvseID      *int
	ConnectorID *int
}

// Key renders the scope's storage key: "cs", "evse:<id>", or
// "conn:<evse>:<id>".
func (s Scope) Key() string {
	switch {
	case s.EvseID == nil:
		return "cs"
	case s.ConnectorID == nil:
		return fmt.Sprintf("evse:%d", *s.EvseID)
	default:
		return fmt.Sprintf("conn:%d:%d", *s.EvseID, *s.ConnectorID)
	}
}

// SetAvailability persists the last operator-set Operative/Inoperative
// value for one scope.
func (h *Handler) SetAvailability(ctx context.Context, scope Scope, status string) error {
	_, err := Transactional(ctx, h, func(tx *sql.Tx) (struct{}, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO availability (scope, status) VALUES (?, ?)
			 ON CONFLICT(scope) DO UPDATE SET status = excluded.status`,
			scope.Key(), status)
		return struct{}{}, err
	})
	if err != nil {
		return corterr.New(corterr.KindStorage, "set availability", err)
	}
	return nil
}

func (h *Handler) GetAvailability(ctx context.Context, scope Scope) (string, bool, error) {
	var status string
	err := h.db.QueryRowContext(ctx, `SELECT status FROM availability WHERE scope = ?`, scope.Key()).Scan(&status)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, corterr.New(corterr.KindStorage, "get availability", err)
	}
	return status, true, nil
}

// AllAvailability returns every persisted scope→status pair, used at
// boot to seed the component state manager's individual_status triples.
func (h *Handler) AllAvailability(ctx context.Context) (map[string]string, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT scope, status FROM availability`)
	if err != nil {
		return nil, corterr.New(corterr.KindStorage, "list availability", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var scope, status string
		if err := rows.Scan(&scope, &status); err != nil {
			return nil, corterr.New(corterr.KindStorage, "scan availability", err)
		}
		out[scope] = status
	}
	return out, rows.Err()
}
