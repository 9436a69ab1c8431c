package push

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "push:subs:"
	maxSubsPerUser  = 10
	subscriptionTTL = 30 * 24 * time.Hour
)

// Subscription — браузерная Web Push-подписка, как её отдаёт Push API.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// SubStore keeps each user's push subscriptions. A user holds at most
// maxSubsPerUser; old ones fall off.
type SubStore interface {
	Add(ctx context.Context, userID string, sub Subscription) error
	Remove(ctx context.Context, userID, endpoint string) error
	List(ctx context.Context, userID string) ([]Subscription, error)
}

// RedisSubs хранит подписки списками в Redis с TTL на ключ.
type RedisSubs struct {
	cli *redis.Client
}

func NewRedisSubs(cli *redis.Client) *RedisSubs {
	return &RedisSubs{cli: cli}
}

func (s *RedisSubs) Add(ctx context.Context, userID string, sub Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	key := redisKeyPrefix + userID
	pipe := s.cli.Pipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -maxSubsPerUser, -1)
	pipe.Expire(ctx, key, subscriptionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisSubs) Remove(ctx context.Context, userID, endpoint string) error {
	key := redisKeyPrefix + userID
	list, err := s.cli.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	var kept []string
	for _, item := range list {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != endpoint {
			kept = append(kept, item)
		}
	}
	if err := s.cli.Del(ctx, key).Err(); err != nil {
		return err
	}
	if len(kept) == 0 {
		return nil
	}
	for _, v := range kept {
		if err := s.cli.RPush(ctx, key, v).Err(); err != nil {
			return err
		}
	}
	return s.cli.Expire(ctx, key, subscriptionTTL).Err()
}

func (s *RedisSubs) List(ctx context.Context, userID string) ([]Subscription, error) {
	list, err := s.cli.LRange(ctx, redisKeyPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var subs []Subscription
	for _, item := range list {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != "" {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

// MemorySubs — подписки в памяти, для -dev и тестов.
type MemorySubs struct {
	mu   sync.Mutex
	subs map[string][]Subscription
}

func NewMemorySubs() *MemorySubs {
	return &MemorySubs{subs: make(map[string][]Subscription)}
}

func (s *MemorySubs) Add(ctx context.Context, userID string, sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.subs[userID]
	for i, have := range list {
		if have.Endpoint == sub.Endpoint {
			list[i] = sub
			return nil
		}
	}
	list = append(list, sub)
	if len(list) > maxSubsPerUser {
		list = list[len(list)-maxSubsPerUser:]
	}
	s.subs[userID] = list
	return nil
}

func (s *MemorySubs) Remove(ctx context.Context, userID, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.subs[userID]
	kept := list[:0]
	for _, sub := range list {
		if sub.Endpoint != endpoint {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(s.subs, userID)
	} else {
		s.subs[userID] = kept
	}
	return nil
}

func (s *MemorySubs) List(ctx context.Context, userID string) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Subscription(nil), s.subs[userID]...), nil
}
