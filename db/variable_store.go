package db

import (
	"context"
	"database/sql"

	"github.com/ocpp-core/station/corterr"
)

// SetVariable durably stores one device-model variable value. Values are
// stored as their JSON encoding so typed restore round-trips.
func (h *Handler) SetVariable(ctx context.Context, component, variable, value string) error {
	_, err := Transactional(ctx, h, func(tx *sql.Tx) (struct{}, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO variables (component, variable, value) VALUES (?, ?, ?)
			 ON CONFLICT(component, variable) DO UPDATE SET value = excluded.value`,
			component, variable, value)
		return struct{}{}, err
	})
	if err != nil {
		return corterr.New(corterr.KindStorage, "persist variable", err)
	}
	return nil
}

// AllVariables returns every persisted variable keyed by {component, variable}.
func (h *Handler) AllVariables(ctx context.Context) (map[[2]string]string, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT component, variable, value FROM variables`)
	if err != nil {
		return nil, corterr.New(corterr.KindStorage, "list variables", err)
	}
	defer rows.Close()
	out := make(map[[2]string]string)
	for rows.Next() {
		var c, v, val string
		if err := rows.Scan(&c, &v, &val); err != nil {
			return nil, corterr.New(corterr.KindStorage, "scan variable", err)
		}
		out[[2]string{c, v}] = val
	}
	return out, rows.Err()
}
