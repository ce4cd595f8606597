// Package db is the station's durable storage: in-flight transaction
// messages, installed charging profiles, the auth cache, availability
// state, and persisted device-model variables, on sqlite in WAL mode
// with a single writer.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/ocpp-core/station/corterr"
)

// Handler is the sole entry point for persistence. All reads/writes go
// through it; nested transactions are disallowed.
type Handler struct {
	db *sql.DB
}

// Open establishes the sqlite connection used by a single station
// process. SQLite works best single-writer, hence the pool of one.
func Open(path string) (*Handler, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=ON"
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("db: ping: %w", err)
	}

	h := &Handler{db: sqlDB}
	if err := h.migrate(); err != nil {
		return nil, fmt.Errorf("db: migrate: %w", err)
	}
	log.Info().Str("path", path).Msg("db: opened")
	return h, nil
}

func (h *Handler) Close() error { return h.db.Close() }

// Transactional runs fn inside a scoped SQL transaction: commit on a
// nil return, rollback on error or panic (re-panicking after rollback),
// and on every other exit path.
func Transactional[T any](ctx context.Context, h *Handler, fn func(tx *sql.Tx) (T, error)) (T, error) {
	var zero T
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, corterr.New(corterr.KindStorage, "begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	result, err := fn(tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("db: rollback after failed operation also failed")
		}
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, corterr.New(corterr.KindStorage, "commit transaction", err)
	}
	return result, nil
}
