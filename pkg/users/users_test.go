package users

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waterloobae/samlproxy/pkg/claims"
)

func testProfile(email string) claims.Profile {
	return claims.Profile{
		Fields: map[string]string{
			"email":      email,
			"name":       "Jane Doe",
			"first_name": "Jane",
			"last_name":  "Doe",
		},
		Groups: []string{"Faculty"},
	}
}

func TestCreateOrUpdateCreates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	user, err := store.CreateOrUpdate(ctx, testProfile("jdoe@example.edu"))
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "jdoe@example.edu", user.Email)
	assert.Equal(t, "Jane Doe", user.Name)
	assert.Equal(t, []string{"Faculty"}, user.Groups)
}

func TestCreateOrUpdateUpdatesExisting(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStoreWithClock(clock)
	ctx := context.Background()

	first, err := store.CreateOrUpdate(ctx, testProfile("jdoe@example.edu"))
	require.NoError(t, err)

	clock.Advance(time.Hour)

	updated := testProfile("jdoe@example.edu")
	updated.Groups = []string{"Faculty", "Chairs"}
	second, err := store.CreateOrUpdate(ctx, updated)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.LastLogin.After(first.LastLogin))
	assert.Equal(t, []string{"Faculty", "Chairs"}, second.Groups)
}

func TestCreateOrUpdateRequiresEmail(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.CreateOrUpdate(context.Background(), claims.Profile{Fields: map[string]string{}})
	assert.Error(t, err)
}

func TestGetByEmail(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.GetByEmail(ctx, "nobody@example.edu")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.CreateOrUpdate(ctx, testProfile("jdoe@example.edu"))
	require.NoError(t, err)

	user, err := store.GetByEmail(ctx, "jdoe@example.edu")
	require.NoError(t, err)
	assert.Equal(t, "jdoe@example.edu", user.Email)
}
