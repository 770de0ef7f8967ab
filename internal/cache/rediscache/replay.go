package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ReplayStore хранит виденные message-id вебхуков.
// Redis, а не память процесса: replay-защита должна работать на все
// инстансы приёмника сразу. SET NX + TTL — атомарная проверка-и-запись.
type ReplayStore struct {
	c *redis.Client
}

func NewReplayStore(addr string) *ReplayStore {
	return &ReplayStore{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// SeenAndRecord возвращает true, если message-id уже встречался в окне window.
// Новый id записывается с TTL = window.
func (r *ReplayStore) SeenAndRecord(ctx context.Context, messageID string, window time.Duration) (bool, error) {
	ok, err := r.c.SetNX(ctx, "webhook:msg:"+messageID, "1", window).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis replay setnx")
	}
	return !ok, nil
}
