package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourmap/tourmap/internal/domain"
	"github.com/tourmap/tourmap/internal/postgres"
)

func TestUserStore_CreateAndGet(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewUserStore(pool)
	ctx := context.Background()

	email := "jo@example.com"
	u := &domain.User{
		StravaID:  123456,
		Email:     &email,
		Firstname: "Jo",
		Lastname:  "Journey",
		Country:   "Germany",
	}
	err := store.CreateUser(ctx, u)
	require.NoError(t, err)
	assert.NotZero(t, u.ID)
	assert.False(t, u.CreatedAt.IsZero())

	got, err := store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(123456), got.StravaID)
	require.NotNil(t, got.Email)
	assert.Equal(t, "jo@example.com", *got.Email)
	assert.Equal(t, "Jo Journey", got.Name())
}

func TestUserStore_CreateDuplicateStravaID_ReturnsAlreadyExists(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewUserStore(pool)
	ctx := context.Background()

	u1 := &domain.User{StravaID: 777, Firstname: "First"}
	require.NoError(t, store.CreateUser(ctx, u1))

	u2 := &domain.User{StravaID: 777, Firstname: "Second"}
	err := store.CreateUser(ctx, u2)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestUserStore_GetByStravaID(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewUserStore(pool)
	ctx := context.Background()

	u := &domain.User{StravaID: 553133, Firstname: "First", Lastname: "Test"}
	require.NoError(t, store.CreateUser(ctx, u))

	got, err := store.GetUserByStravaID(ctx, 553133)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, u.ID, got.ID)

	missing, err := store.GetUserByStravaID(ctx, 999999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUserStore_GetNotFound_ReturnsNil(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewUserStore(pool)

	got, err := store.GetUser(context.Background(), 424242)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUserStore_EmptyFieldsComeBackEmpty(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewUserStore(pool)
	ctx := context.Background()

	// No email, no country: stored as NULL, read back as zero values.
	u := &domain.User{StravaID: 888, Firstname: "Solo"}
	require.NoError(t, store.CreateUser(ctx, u))

	got, err := store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.Email)
	assert.Equal(t, "", got.Country)
	assert.Equal(t, "Solo", got.Name())
}

func TestUserStore_Update(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewUserStore(pool)
	ctx := context.Background()

	u := &domain.User{StravaID: 100, Firstname: "Old", Country: "Austria"}
	require.NoError(t, store.CreateUser(ctx, u))

	u.Firstname = "New"
	u.Country = "France"
	email := "new@example.com"
	u.Email = &email
	require.NoError(t, store.UpdateUser(ctx, u))

	got, err := store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "New", got.Firstname)
	assert.Equal(t, "France", got.Country)
	require.NotNil(t, got.Email)
	assert.Equal(t, "new@example.com", *got.Email)
}

func TestUserStore_UpdateMissingUser_Errors(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewUserStore(pool)

	err := store.UpdateUser(context.Background(), &domain.User{ID: 31337, Firstname: "Ghost"})
	assert.Error(t, err)
}

func TestUserStore_List(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewUserStore(pool)
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, &domain.User{StravaID: 1, Firstname: "A"}))
	require.NoError(t, store.CreateUser(ctx, &domain.User{StravaID: 2, Firstname: "B"}))

	users, err := store.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "A", users[0].Firstname)
	assert.Equal(t, "B", users[1].Firstname)
}

func TestUserStore_ListEmpty_ReturnsEmptySlice(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewUserStore(pool)

	users, err := store.ListUsers(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, users)
	assert.Empty(t, users)
}
