package usecases

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quayside/tokenized-estate/backend/internal/entities"
)

func (f *fakeStore) InsertProperty(ctx context.Context, property *entities.Property) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *property
	f.properties[property.ID] = &copied
	return nil
}

func (f *fakeStore) FindProperties(ctx context.Context) ([]entities.Property, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []entities.Property
	for _, property := range f.properties {
		out = append(out, *property)
	}
	return out, nil
}

func newPropertyService(store *fakeStore, minter *fakeMinter) *PropertyService {
	return NewPropertyService(testLogger(), store, minter)
}

func TestRegisterPropertyDeploysToken(t *testing.T) {
	store := newFakeStore()
	svc := newPropertyService(store, &fakeMinter{})

	property, err := svc.RegisterProperty(context.Background(), RegisterPropertyInput{
		Name:        "Quayside Dockside",
		Symbol:      "QSD",
		TokenPrice:  decimal.RequireFromString("50.25"),
		TokenSupply: 10_000,
	})
	require.NoError(t, err)

	// fakeMinter deploys every token as 0.0.9999.
	require.Equal(t, "0.0.9999", property.TokenID)
	require.Equal(t, int64(10_000), property.TokenSupply)
	require.Zero(t, property.TokensSold)

	stored, err := svc.GetProperty(context.Background(), property.ID)
	require.NoError(t, err)
	require.Equal(t, property.TokenID, stored.TokenID)
}

func TestRegisterPropertyWithExistingToken(t *testing.T) {
	store := newFakeStore()
	svc := newPropertyService(store, &fakeMinter{})

	property, err := svc.RegisterProperty(context.Background(), RegisterPropertyInput{
		Name:        "Harbor Lofts",
		Symbol:      "HBL",
		TokenPrice:  decimal.RequireFromString("12"),
		TokenSupply: 500,
		TokenID:     "0.0.7777",
	})
	require.NoError(t, err)
	require.Equal(t, "0.0.7777", property.TokenID)
}

func TestRegisterPropertyValidation(t *testing.T) {
	svc := newPropertyService(newFakeStore(), &fakeMinter{})

	_, err := svc.RegisterProperty(context.Background(), RegisterPropertyInput{
		TokenPrice:  decimal.RequireFromString("10"),
		TokenSupply: 0,
	})
	require.Error(t, err)

	_, err = svc.RegisterProperty(context.Background(), RegisterPropertyInput{
		TokenPrice:  decimal.Zero,
		TokenSupply: 100,
	})
	require.Error(t, err)
}

func TestGetPropertyNotFound(t *testing.T) {
	svc := newPropertyService(newFakeStore(), &fakeMinter{})

	_, err := svc.GetProperty(context.Background(), uuid.New())
	require.ErrorIs(t, err, entities.ErrPropertyNotFound)
}
