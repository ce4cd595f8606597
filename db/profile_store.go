package db

import (
	"context"
	"database/sql"

	"github.com/ocpp-core/station/corterr"
)

// ProfileRow is the durable (profile JSON, evse, source) tuple of
// profile persistence.
type ProfileRow struct {
	ID         int
	EvseID     int
	Source     string // e.g. "CSMS", "LocalController"
	StackLevel int
	Purpose    string
	Payload    string // JSON-encoded smartcharging.Profile
}

func (h *Handler) UpsertProfile(ctx context.Context, p ProfileRow) error {
	_, err := Transactional(ctx, h, func(tx *sql.Tx) (struct{}, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO charging_profiles (id, evse_id, source, stack_level, purpose, payload)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET evse_id=excluded.evse_id, source=excluded.source,
				stack_level=excluded.stack_level, purpose=excluded.purpose, payload=excluded.payload`,
			p.ID, p.EvseID, p.Source, p.StackLevel, p.Purpose, p.Payload)
		return struct{}{}, err
	})
	if err != nil {
		return corterr.New(corterr.KindStorage, "upsert charging profile", err)
	}
	return nil
}

func (h *Handler) DeleteProfile(ctx context.Context, id int) error {
	_, err := Transactional(ctx, h, func(tx *sql.Tx) (struct{}, error) {
		_, err := tx.ExecContext(ctx, `DELETE FROM charging_profiles WHERE id = ?`, id)
		return struct{}{}, err
	})
	if err != nil {
		return corterr.New(corterr.KindStorage, "delete charging profile", err)
	}
	return nil
}

func (h *Handler) ListProfiles(ctx context.Context) ([]ProfileRow, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT id, evse_id, source, stack_level, purpose, payload FROM charging_profiles`)
	if err != nil {
		return nil, corterr.New(corterr.KindStorage, "list charging profiles", err)
	}
	defer rows.Close()

	var out []ProfileRow
	for rows.Next() {
		var p ProfileRow
		if err := rows.Scan(&p.ID, &p.EvseID, &p.Source, &p.StackLevel, &p.Purpose, &p.Payload); err != nil {
			return nil, corterr.New(corterr.KindStorage, "scan charging profile", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, corterr.New(corterr.KindStorage, "iterate charging profiles", err)
	}
	return out, nil
}
