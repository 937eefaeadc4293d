package push

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rendezvous/internal/logger"
)

// SendFunc отправляет одно уведомление; по умолчанию webpush.SendNotificationWithContext.
type SendFunc func(ctx context.Context, message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

// Notifier рассылает Web Push по всем подпискам пользователя. Без VAPID-ключей: no-op.
type Notifier struct {
	subs  *Subscriptions
	vapid *webpush.Options
	send  SendFunc
}

func NewNotifier(subs *Subscriptions, keys *VAPIDKeys, subscriber string) *Notifier {
	n := &Notifier{subs: subs, send: webpush.SendNotificationWithContext}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		if subscriber == "" {
			subscriber = "rendezvous-push"
		}
		n.vapid = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		}
	}
	return n
}

// WithSender подменяет транспорт (тесты).
func (n *Notifier) WithSender(send SendFunc) *Notifier {
	n.send = send
	return n
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.vapid != nil
}

// PublicKey: VAPID-ключ для клиента; пустой, если пуши выключены.
func (n *Notifier) PublicKey() string {
	if !n.Enabled() {
		return ""
	}
	return n.vapid.VAPIDPublicKey
}

type notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Notify отправляет уведомление на все подписки; протухшие (404/410) удаляются. Возвращает число доставленных.
func (n *Notifier) Notify(ctx context.Context, userID, title, body string, data map[string]string) int {
	if !n.Enabled() {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	subs, err := n.subs.List(ctx, userID)
	if err != nil {
		logger.Errorf("push notify list user=%s: %v", userID, err)
		return 0
	}
	payload, err := json.Marshal(notification{Title: title, Body: body, Data: data})
	if err != nil {
		return 0
	}

	sent := 0
	for i := range subs {
		sub := &subs[i]
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := n.send(ctx, payload, wpSub, n.vapid)
		if err != nil {
			logger.Errorf("push send %s: %v", sub.Endpoint[:min(50, len(sub.Endpoint))], err)
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			if err := n.subs.Remove(ctx, userID, sub.Endpoint); err != nil {
				logger.Errorf("push remove stale subscription user=%s: %v", userID, err)
			}
		case resp.StatusCode < 300:
			sent++
		default:
			logger.Errorf("push send user=%s: status %d", userID, resp.StatusCode)
		}
	}
	return sent
}
