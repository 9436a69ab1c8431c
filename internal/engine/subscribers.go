package engine

import (
	"context"

	"github.com/socialmap/internal/storage"
	redisstore "github.com/socialmap/internal/storage/redis"
)

// SubscriberPolicy decides who sees a user's position updates.
// Track registers the updated position with the policy's own index;
// Subscribers resolves the audience for the update (the reporting user
// excluded by the caller if desired).
type SubscriberPolicy interface {
	Track(ctx context.Context, userID string, lat, lon float64) error
	Subscribers(ctx context.Context, userID string, lat, lon float64) ([]string, error)
}

// RoomPolicy fans position updates out to everyone sharing a presence
// room with the reporting user. It needs no index of its own.
type RoomPolicy struct {
	presence storage.PresenceStore
}

func NewRoomPolicy(presence storage.PresenceStore) *RoomPolicy {
	return &RoomPolicy{presence: presence}
}

func (p *RoomPolicy) Track(ctx context.Context, userID string, lat, lon float64) error {
	return nil
}

func (p *RoomPolicy) Subscribers(ctx context.Context, userID string, lat, lon float64) ([]string, error) {
	rooms, err := p.presence.Rooms(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, room := range rooms {
		members, err := p.presence.Members(ctx, room)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			if m == userID {
				continue
			}
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out, nil
}

// GeoRadiusPolicy fans position updates out to online users within a
// fixed radius, backed by the Redis geo index.
type GeoRadiusPolicy struct {
	client  *redisstore.Client
	radiusM float64
	limit   int
}

func NewGeoRadiusPolicy(client *redisstore.Client, radiusM float64, limit int) *GeoRadiusPolicy {
	return &GeoRadiusPolicy{client: client, radiusM: radiusM, limit: limit}
}

func (p *GeoRadiusPolicy) Track(ctx context.Context, userID string, lat, lon float64) error {
	return p.client.Track(ctx, userID, lat, lon)
}

func (p *GeoRadiusPolicy) Subscribers(ctx context.Context, userID string, lat, lon float64) ([]string, error) {
	near, err := p.client.Nearby(ctx, lat, lon, p.radiusM, p.limit)
	if err != nil {
		return nil, err
	}
	out := near[:0]
	for _, id := range near {
		if id != userID {
			out = append(out, id)
		}
	}
	return out, nil
}
