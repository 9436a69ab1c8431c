// Package redis реализует PresenceStore поверх Redis: TTL-ключи как lease
// юзера в комнате, set комнаты для снапшота участников и GEO-индекс для
// выбора подписчиков позиции. Общий backend, когда координатор работает
// на нескольких хостах.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	cli *redis.Client
	ttl time.Duration
}

// New подключается и проверяет соединение. ttl — время жизни lease.
func New(ctx context.Context, url string, ttl time.Duration) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Client{cli: cli, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Raw отдаёт нижележащий клиент для соседних подсистем (push-подписки).
func (c *Client) Raw() *redis.Client {
	return c.cli
}

func presenceKey(roomID, userID string) string { return "presence:" + roomID + ":" + userID }
func roomKey(roomID string) string             { return "room:" + roomID }
func userRoomsKey(userID string) string        { return "user_rooms:" + userID }

const geoKey = "geo:online"

// Heartbeat обновляет lease: TTL-ключ присутствия + членство в set'ах.
func (c *Client) Heartbeat(ctx context.Context, roomID, userID string) error {
	pipe := c.cli.Pipeline()
	pipe.Set(ctx, presenceKey(roomID, userID), "1", c.ttl)
	pipe.SAdd(ctx, roomKey(roomID), userID)
	pipe.SAdd(ctx, userRoomsKey(userID), roomID)
	pipe.Expire(ctx, userRoomsKey(userID), 2*c.ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("presence heartbeat: %w", err)
	}
	return nil
}

// Members возвращает участников set'а комнаты, чей TTL-ключ ещё жив.
func (c *Client) Members(ctx context.Context, roomID string) ([]string, error) {
	ids, err := c.cli.SMembers(ctx, roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence members: %w", err)
	}
	if len(ids) == 0 {
		return ids, nil
	}
	pipe := c.cli.Pipeline()
	checks := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		checks[i] = pipe.Exists(ctx, presenceKey(roomID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence members exists: %w", err)
	}
	live := ids[:0]
	for i, id := range ids {
		if checks[i].Val() > 0 {
			live = append(live, id)
		}
	}
	return live, nil
}

func (c *Client) Rooms(ctx context.Context, userID string) ([]string, error) {
	rooms, err := c.cli.SMembers(ctx, userRoomsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence rooms: %w", err)
	}
	return rooms, nil
}

// Remove — eager-путь при отключении последней сессии пользователя.
func (c *Client) Remove(ctx context.Context, userID string) error {
	rooms, err := c.cli.SMembers(ctx, userRoomsKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("presence remove: %w", err)
	}
	pipe := c.cli.Pipeline()
	for _, roomID := range rooms {
		pipe.Del(ctx, presenceKey(roomID, userID))
		pipe.SRem(ctx, roomKey(roomID), userID)
	}
	pipe.Del(ctx, userRoomsKey(userID))
	pipe.ZRem(ctx, geoKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence remove: %w", err)
	}
	return nil
}

// ExpirePass чистит set'ы комнат от участников, чей TTL-ключ истёк.
// Redis сам удаляет lease-ключи; здесь догоняем вторичные индексы.
func (c *Client) ExpirePass(ctx context.Context, now time.Time) error {
	iter := c.cli.Scan(ctx, 0, "room:*", 100).Iterator()
	for iter.Next(ctx) {
		room := iter.Val()
		roomID := room[len("room:"):]
		ids, err := c.cli.SMembers(ctx, room).Result()
		if err != nil {
			return fmt.Errorf("presence expire pass: %w", err)
		}
		for _, id := range ids {
			n, err := c.cli.Exists(ctx, presenceKey(roomID, id)).Result()
			if err != nil {
				return fmt.Errorf("presence expire pass: %w", err)
			}
			if n == 0 {
				if err := c.cli.SRem(ctx, room, id).Err(); err != nil {
					return fmt.Errorf("presence expire pass: %w", err)
				}
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("presence expire pass scan: %w", err)
	}
	return nil
}

// Track записывает позицию в GEO-индекс (для выбора подписчиков по радиусу).
func (c *Client) Track(ctx context.Context, userID string, lat, lon float64) error {
	err := c.cli.GeoAdd(ctx, geoKey, &redis.GeoLocation{
		Name:      userID,
		Longitude: lon,
		Latitude:  lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("geo track: %w", err)
	}
	return nil
}

// Nearby возвращает пользователей в радиусе radiusM метров, ближайшие первыми.
func (c *Client) Nearby(ctx context.Context, lat, lon float64, radiusM float64, limit int) ([]string, error) {
	locs, err := c.cli.GeoSearch(ctx, geoKey, &redis.GeoSearchQuery{
		Longitude:  lon,
		Latitude:   lat,
		Radius:     radiusM,
		RadiusUnit: "m",
		Sort:       "ASC",
		Count:      limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo nearby: %w", err)
	}
	return locs, nil
}
