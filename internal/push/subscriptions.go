// Package push: подписки Web Push и уведомления получателям без живого соединения.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rendezvous/internal/storage"
)

const (
	keyPrefix           = "push:subs:"
	maxSubscriptionsPer = 10
)

// Subscription: подписка из PushManager.subscribe() браузера.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s Subscription) Valid() bool {
	return s.Endpoint != "" && s.Keys.P256dh != "" && s.Keys.Auth != ""
}

// Subscriptions хранит подписки пользователя одним JSON-списком в KV.
type Subscriptions struct {
	kv storage.KV
}

func NewSubscriptions(kv storage.KV) *Subscriptions {
	return &Subscriptions{kv: kv}
}

func decodeSubs(raw []byte) ([]Subscription, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var list []Subscription
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("push subscriptions decode: %w", err)
	}
	return list, nil
}

func encodeSubs(list []Subscription) ([]byte, error) {
	if len(list) == 0 {
		return nil, nil
	}
	return json.Marshal(list)
}

// Add сохраняет подписку; та же endpoint заменяется, самые старые вытесняются сверх лимита.
func (s *Subscriptions) Add(ctx context.Context, userID string, sub Subscription) error {
	return s.kv.Update(ctx, keyPrefix+userID, func(cur []byte) ([]byte, error) {
		list, err := decodeSubs(cur)
		if err != nil {
			return nil, err
		}
		kept := make([]Subscription, 0, len(list)+1)
		for _, x := range list {
			if x.Endpoint != sub.Endpoint {
				kept = append(kept, x)
			}
		}
		kept = append(kept, sub)
		if len(kept) > maxSubscriptionsPer {
			kept = kept[len(kept)-maxSubscriptionsPer:]
		}
		return encodeSubs(kept)
	})
}

func (s *Subscriptions) Remove(ctx context.Context, userID, endpoint string) error {
	return s.kv.Update(ctx, keyPrefix+userID, func(cur []byte) ([]byte, error) {
		list, err := decodeSubs(cur)
		if err != nil {
			return nil, err
		}
		kept := list[:0:0]
		for _, x := range list {
			if x.Endpoint != endpoint {
				kept = append(kept, x)
			}
		}
		return encodeSubs(kept)
	})
}

func (s *Subscriptions) List(ctx context.Context, userID string) ([]Subscription, error) {
	raw, err := s.kv.Get(ctx, keyPrefix+userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSubs(raw)
}
