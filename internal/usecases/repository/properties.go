package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tx "github.com/Thiht/transactor/pgx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quayside/tokenized-estate/backend/internal/entities"
	"github.com/quayside/tokenized-estate/backend/pkg/database"
)

type PropertiesRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

func NewPropertiesRepository(logger *slog.Logger, pg *database.Postgres) *PropertiesRepository {
	return &PropertiesRepository{logger: logger, db: pg.DBGetter}
}

func (r *PropertiesRepository) InsertProperty(ctx context.Context, property *entities.Property) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO properties (id, token_id, token_price, token_supply, tokens_sold)
		 VALUES ($1, $2, $3, $4, $5)`,
		property.ID, property.TokenID, property.TokenPrice, property.TokenSupply, property.TokensSold)
	if err != nil {
		return fmt.Errorf("failed to insert property: %w", err)
	}

	return nil
}

func (r *PropertiesRepository) FindProperty(ctx context.Context, id uuid.UUID) (entities.Property, error) {
	rows, err := r.db(ctx).Query(ctx,
		"SELECT id, token_id, token_price, token_supply, tokens_sold FROM properties WHERE id = $1", id)
	if err != nil {
		return entities.Property{}, err
	}

	property, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[entities.Property])
	if errors.Is(err, pgx.ErrNoRows) {
		return entities.Property{}, entities.ErrPropertyNotFound
	}
	if err != nil {
		return entities.Property{}, err
	}

	return property, nil
}

func (r *PropertiesRepository) FindProperties(ctx context.Context) ([]entities.Property, error) {
	rows, err := r.db(ctx).Query(ctx,
		"SELECT id, token_id, token_price, token_supply, tokens_sold FROM properties ORDER BY id")
	if err != nil {
		return nil, err
	}

	properties, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.Property])
	if err != nil {
		r.logger.Error("failed to collect properties rows", "error", err)
		return nil, err
	}

	return properties, nil
}
