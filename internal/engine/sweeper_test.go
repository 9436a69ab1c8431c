package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialmap/internal/engine"
	"github.com/socialmap/internal/model"
	"github.com/socialmap/internal/wire"
)

// waitInviteEvent polls the fan-out until the user receives an
// invite_event with the wanted status.
func waitInviteEvent(t *testing.T, fx *fixture, user string, want model.InviteStatus) *model.Invite {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range fx.fanout.framesFor(user) {
			if f.Kind != wire.KindInviteEvent {
				continue
			}
			var inv model.Invite
			require.NoError(t, json.Unmarshal(f.Payload, &inv))
			if inv.Status == want {
				return &inv
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no invite_event with status %q reached %s", want, user)
	return nil
}

func Test_Sweeper_expires_stale_invites_and_notifies_both_parties(t *testing.T) {
	// Arrange: pending-приглашение, TTL истечёт к первому тику
	fx := newFixture(t, "bob")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inv, err := fx.coord.InviteSend(ctx, "alice", "bob", "duel")
	require.NoError(t, err)

	sw := engine.NewSweeper(fx.coord, time.Hour, time.Millisecond, 5*time.Millisecond)
	go sw.Run(ctx)

	// Assert: терминальный переход доставлен обеим сторонам
	got := waitInviteEvent(t, fx, "alice", model.InviteStatusExpired)
	assert.Equal(t, inv.ID, got.ID)
	got = waitInviteEvent(t, fx, "bob", model.InviteStatusExpired)
	assert.Equal(t, inv.ID, got.ID)

	// Последующие тики не рассылают переход повторно.
	time.Sleep(25 * time.Millisecond)
	count := 0
	for _, f := range fx.fanout.framesFor("alice") {
		if f.Kind == wire.KindInviteEvent {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
