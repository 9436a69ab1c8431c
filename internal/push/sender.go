package push

import (
	"context"
	"encoding/json"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/socialmap/internal/logger"
	"github.com/socialmap/internal/model"
)

// Sender is the invite fallback channel: when the recipient has no live
// session, the invite lands on their browser as a push notification.
// With nil VAPID options sends are silently skipped (подписки
// сохраняются, отправка не выполняется).
type Sender struct {
	store SubStore
	vapid *webpush.Options
}

// NewSender builds a sender. keys may be nil to run with pushes disabled.
func NewSender(store SubStore, keys *VAPIDKeys) *Sender {
	var opts *webpush.Options
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		opts = &webpush.Options{
			Subscriber:      "socialmap-platform",
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		}
	}
	return &Sender{store: store, vapid: opts}
}

// NotifyInvite pushes a pending invite to every subscription of the
// recipient, dropping endpoints the push service reports gone.
func (s *Sender) NotifyInvite(ctx context.Context, inv *model.Invite) {
	if s.vapid == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	subs, err := s.store.List(ctx, inv.ToUser)
	if err != nil {
		logger.Errorf("push list user=%s: %v", inv.ToUser, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"title": "New invite",
		"body":  "You have been challenged to a " + inv.Mode,
		"data": map[string]string{
			"invite_id": inv.ID,
			"from_user": inv.FromUser,
			"mode":      inv.Mode,
		},
	})
	if err != nil {
		logger.Errorf("push payload invite=%s: %v", inv.ID, err)
		return
	}
	for i := range subs {
		sub := &subs[i]
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, s.vapid)
		if err != nil {
			logger.Errorf("push send user=%s: %v", inv.ToUser, err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == 410 || resp.StatusCode == 404 {
			if err := s.store.Remove(ctx, inv.ToUser, sub.Endpoint); err != nil {
				logger.Errorf("push prune user=%s: %v", inv.ToUser, err)
			}
		}
	}
}
