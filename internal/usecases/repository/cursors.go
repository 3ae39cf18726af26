package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"

	"github.com/quayside/tokenized-estate/backend/pkg/database"
)

// CursorsRepository persists per-treasury-account ledger read positions.
// The cursor, not wall-clock time, is the single source of truth for how far
// the mirror has been read; it survives restarts.
type CursorsRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

func NewCursorsRepository(logger *slog.Logger, pg *database.Postgres) *CursorsRepository {
	return &CursorsRepository{logger: logger, db: pg.DBGetter}
}

// GetCursor returns the stored cursor, or empty when the account has never
// been read (the adapter then reads from the beginning).
func (r *CursorsRepository) GetCursor(ctx context.Context, account string) (string, error) {
	var cursor string
	err := r.db(ctx).QueryRow(ctx,
		"SELECT cursor FROM ledger_cursors WHERE account = $1", account).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load cursor for %s: %w", account, err)
	}

	return cursor, nil
}

func (r *CursorsRepository) SaveCursor(ctx context.Context, account, cursor string) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO ledger_cursors (account, cursor, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (account) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = NOW()`,
		account, cursor)
	if err != nil {
		return fmt.Errorf("failed to save cursor for %s: %w", account, err)
	}

	return nil
}
