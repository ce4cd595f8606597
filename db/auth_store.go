package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/ocpp-core/station/corterr"
)

// AuthCacheRow is the durable form of the auth cache entry.
type AuthCacheRow struct {
	TokenHash     string
	Status        string
	Expiry        *time.Time
	ParentIDToken *string
	SizeBytes     int
	LastAccess    time.Time
}

func (h *Handler) PutAuthCache(ctx context.Context, r AuthCacheRow) error {
	_, err := Transactional(ctx, h, func(tx *sql.Tx) (struct{}, error) {
		var expiry sql.NullInt64
		if r.Expiry != nil {
			expiry = sql.NullInt64{Int64: r.Expiry.Unix(), Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO auth_cache (token_hash, status, expiry, parent_id_token, size_bytes, last_access)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(token_hash) DO UPDATE SET status=excluded.status, expiry=excluded.expiry,
				parent_id_token=excluded.parent_id_token, size_bytes=excluded.size_bytes, last_access=excluded.last_access`,
			r.TokenHash, r.Status, expiry, nullableStr(r.ParentIDToken), r.SizeBytes, r.LastAccess.UnixNano())
		return struct{}{}, err
	})
	if err != nil {
		return corterr.New(corterr.KindStorage, "put auth cache entry", err)
	}
	return nil
}

func (h *Handler) GetAuthCache(ctx context.Context, tokenHash string) (AuthCacheRow, bool, error) {
	row := h.db.QueryRowContext(ctx,
		`SELECT token_hash, status, expiry, parent_id_token, size_bytes, last_access FROM auth_cache WHERE token_hash = ?`, tokenHash)

	var r AuthCacheRow
	var expiry sql.NullInt64
	var parent sql.NullString
	var lastAccess int64
	if err := row.Scan(&r.TokenHash, &r.Status, &expiry, &parent, &r.SizeBytes, &lastAccess); err != nil {
		if err == sql.ErrNoRows {
			return AuthCacheRow{}, false, nil
		}
		return AuthCacheRow{}, false, corterr.New(corterr.KindStorage, "get auth cache entry", err)
	}
	if expiry.Valid {
		t := time.Unix(expiry.Int64, 0).UTC()
		r.Expiry = &t
	}
	if parent.Valid {
		r.ParentIDToken = &parent.String
	}
	r.LastAccess = time.Unix(0, lastAccess).UTC()
	return r, true, nil
}

func (h *Handler) DeleteAuthCache(ctx context.Context, tokenHash string) error {
	_, err := Transactional(ctx, h, func(tx *sql.Tx) (struct{}, error) {
		_, err := tx.ExecContext(ctx, `DELETE FROM auth_cache WHERE token_hash = ?`, tokenHash)
		return struct{}{}, err
	})
	if err != nil {
		return corterr.New(corterr.KindStorage, "delete auth cache entry", err)
	}
	return nil
}

func (h *Handler) ClearAuthCache(ctx context.Context) error {
	_, err := Transactional(ctx, h, func(tx *sql.Tx) (struct{}, error) {
		_, err := tx.ExecContext(ctx, `DELETE FROM auth_cache`)
		return struct{}{}, err
	})
	if err != nil {
		return corterr.New(corterr.KindStorage, "clear auth cache", err)
	}
	return nil
}

func (h *Handler) AuthCacheTotalSizeBytes(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	if err := h.db.QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM auth_cache`).Scan(&total); err != nil {
		return 0, corterr.New(corterr.KindStorage, "sum auth cache size", err)
	}
	return total.Int64, nil
}

// LeastRecentlyUsed returns up to limit token hashes ordered oldest-access
// first, used by auth.Cache to evict a prefix when over budget.
func (h *Handler) LeastRecentlyUsed(ctx context.Context, limit int) ([]string, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT token_hash FROM auth_cache ORDER BY last_access ASC LIMIT ?`, limit)
	if err != nil {
		return nil, corterr.New(corterr.KindStorage, "list LRU auth cache entries", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, corterr.New(corterr.KindStorage, "scan LRU auth cache entry", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
