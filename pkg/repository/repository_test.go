package repository

import (
	"context"
	"testing"

	"github.com/one-covenant/basilica-billing/internal/testutil"
	"github.com/one-covenant/basilica-billing/pkg/db/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type account struct {
	ID     int64  `gorm:"primaryKey"`
	UserID string `gorm:"uniqueIndex"`
	Region string
}

func TestStoreFindByExample(t *testing.T) {
	db := testutil.OpenDB(t, &account{})
	store := ProvideStore[account](db)
	ctx := context.Background()

	for i, user := range []string{"u1", "u2", "u3"} {
		require.NoError(t, store.Create(ctx, &account{ID: int64(i + 1), UserID: user, Region: "eu"}))
	}
	require.NoError(t, store.Create(ctx, &account{ID: 4, UserID: "u4", Region: "us"}))

	rows, err := store.Find(ctx, &account{Region: "eu"}, option.WithOrderBy("id DESC"), option.WithLimit(2))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "u3", rows[0].UserID)
	assert.Equal(t, "u2", rows[1].UserID)

	one, err := store.FindOne(ctx, &account{UserID: "u4"})
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.Equal(t, "us", one.Region)
}

func TestStoreFindOneMissingIsNil(t *testing.T) {
	store := ProvideStore[account](testutil.OpenDB(t, &account{}))

	one, err := store.FindOne(context.Background(), &account{UserID: "nobody"})
	require.NoError(t, err)
	assert.Nil(t, one)
}

func TestStoreCreateSurfacesUniqueViolation(t *testing.T) {
	store := ProvideStore[account](testutil.OpenDB(t, &account{}))
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &account{ID: 1, UserID: "u1"}))
	assert.Error(t, store.Create(ctx, &account{ID: 2, UserID: "u1"}))
}
