package usecases

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quayside/tokenized-estate/backend/internal/core/ports"
	"github.com/quayside/tokenized-estate/backend/internal/entities"
)

// PropertiesStore is the property-side repository surface.
type PropertiesStore interface {
	InsertProperty(ctx context.Context, property *entities.Property) error
	FindProperty(ctx context.Context, id uuid.UUID) (entities.Property, error)
	FindProperties(ctx context.Context) ([]entities.Property, error)
}

// PropertyService registers tokenized listings: it deploys the fractional
// token through the custody service and persists the supply accounting row
// orders reserve against.
type PropertyService struct {
	logger *slog.Logger
	store  PropertiesStore
	minter ports.TokenMinter
}

func NewPropertyService(logger *slog.Logger, store PropertiesStore, minter ports.TokenMinter) *PropertyService {
	return &PropertyService{logger: logger, store: store, minter: minter}
}

type RegisterPropertyInput struct {
	Name        string
	Symbol      string
	TokenPrice  decimal.Decimal
	TokenSupply int64

	// TokenID skips deployment when the token already exists on the ledger.
	TokenID string
}

// RegisterProperty deploys the property token (unless one is supplied) and
// stores the listing with its full supply available.
func (s *PropertyService) RegisterProperty(ctx context.Context, in RegisterPropertyInput) (entities.Property, error) {
	if in.TokenSupply <= 0 {
		return entities.Property{}, fmt.Errorf("token supply must be positive, got %d", in.TokenSupply)
	}
	if in.TokenPrice.Sign() <= 0 {
		return entities.Property{}, fmt.Errorf("token price must be positive, got %s", in.TokenPrice)
	}

	tokenID := in.TokenID
	if tokenID == "" {
		var err error
		tokenID, err = s.minter.SubmitToken(ctx, entities.TokenSubmission{
			Name:      in.Name,
			Symbol:    in.Symbol,
			Decimals:  0,
			MaxSupply: in.TokenSupply,
		})
		if err != nil {
			return entities.Property{}, fmt.Errorf("failed to deploy property token: %w", err)
		}
	}

	property := entities.Property{
		ID:          uuid.New(),
		TokenID:     tokenID,
		TokenPrice:  in.TokenPrice,
		TokenSupply: in.TokenSupply,
	}

	if err := s.store.InsertProperty(ctx, &property); err != nil {
		return entities.Property{}, err
	}

	s.logger.InfoContext(ctx, "Property registered",
		"property_id", property.ID, "token_id", property.TokenID, "supply", property.TokenSupply)

	return property, nil
}

func (s *PropertyService) GetProperty(ctx context.Context, id uuid.UUID) (entities.Property, error) {
	return s.store.FindProperty(ctx, id)
}

func (s *PropertyService) ListProperties(ctx context.Context) ([]entities.Property, error) {
	return s.store.FindProperties(ctx)
}
