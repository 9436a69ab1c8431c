package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialmap/internal/apperr"
	"github.com/socialmap/internal/storage/memory"
)

func Test_Heartbeat_grants_a_lease_visible_in_members_and_rooms(t *testing.T) {
	p := memory.NewPresence(time.Minute)
	ctx := context.Background()

	require.NoError(t, p.Heartbeat(ctx, "arena", "alice"))
	require.NoError(t, p.Heartbeat(ctx, "arena", "bob"))
	require.NoError(t, p.Heartbeat(ctx, "lobby", "alice"))

	members, err := p.Members(ctx, "arena")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)

	rooms, err := p.Rooms(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"arena", "lobby"}, rooms)
}

func Test_ExpirePass_reaps_leases_older_than_ttl(t *testing.T) {
	// Arrange
	p := memory.NewPresence(time.Minute)
	ctx := context.Background()
	require.NoError(t, p.Heartbeat(ctx, "arena", "alice"))

	// Act: a sweep well past the TTL
	require.NoError(t, p.ExpirePass(ctx, time.Now().Add(5*time.Minute)))

	// Assert
	members, err := p.Members(ctx, "arena")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func Test_ExpirePass_keeps_fresh_leases(t *testing.T) {
	p := memory.NewPresence(time.Minute)
	ctx := context.Background()
	require.NoError(t, p.Heartbeat(ctx, "arena", "alice"))

	require.NoError(t, p.ExpirePass(ctx, time.Now().Add(10*time.Second)))

	members, err := p.Members(ctx, "arena")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)
}

func Test_Remove_drops_the_user_from_every_room(t *testing.T) {
	p := memory.NewPresence(time.Minute)
	ctx := context.Background()
	require.NoError(t, p.Heartbeat(ctx, "arena", "alice"))
	require.NoError(t, p.Heartbeat(ctx, "lobby", "alice"))
	require.NoError(t, p.Heartbeat(ctx, "arena", "bob"))

	require.NoError(t, p.Remove(ctx, "alice"))

	arena, err := p.Members(ctx, "arena")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, arena)
	rooms, err := p.Rooms(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func Test_Position_upsert_overwrites_and_get_reports_missing(t *testing.T) {
	store := memory.NewPositions()
	ctx := context.Background()
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Upsert(ctx, "alice", 55.75, 37.61, first))
	require.NoError(t, store.Upsert(ctx, "alice", 59.93, 30.33, first.Add(time.Minute)))

	pos, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 59.93, pos.Lat)
	assert.Equal(t, 30.33, pos.Lon)
	assert.Equal(t, first.Add(time.Minute), pos.UpdatedAt)

	_, err = store.Get(ctx, "nobody")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}
