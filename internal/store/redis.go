package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tvnlabs/chanvisor/internal/model"
)

const (
	redisPrefix  = "chanvisor:job:"
	redisIndex   = "chanvisor:jobs"
	redisRetries = 16
)

// Redis keeps every job in a hash. Update is an optimistic transaction:
// WATCH the job key, read, then MULTI/EXEC, retried when another writer
// touched the key in between.
type Redis struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, dsn string) (*Redis, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing redis dsn: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func redisKey(id string) string {
	return redisPrefix + id
}

func redisFields(st model.JobState) map[string]any {
	return map[string]any{
		"id":         st.ID,
		"status":     string(st.Status),
		"pid":        st.PID,
		"error":      st.Error,
		"updated_at": st.UpdatedAt.UnixNano(),
	}
}

func redisDecode(id string, vals map[string]string) (model.JobState, error) {
	if len(vals) == 0 {
		return model.JobState{}, ErrNotFound
	}
	pid, err := strconv.Atoi(vals["pid"])
	if err != nil {
		return model.JobState{}, fmt.Errorf("job %s: bad pid %q", id, vals["pid"])
	}
	updated, err := strconv.ParseInt(vals["updated_at"], 10, 64)
	if err != nil {
		return model.JobState{}, fmt.Errorf("job %s: bad updated_at %q", id, vals["updated_at"])
	}
	return model.JobState{
		ID:        id,
		Status:    model.Status(vals["status"]),
		PID:       pid,
		Error:     vals["error"],
		UpdatedAt: time.Unix(0, updated).UTC(),
	}, nil
}

// watch runs fn in an optimistic transaction on key.
func (r *Redis) watch(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	for range redisRetries {
		err := r.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%s: too many concurrent updates", key)
}

func (r *Redis) Create(ctx context.Context, st model.JobState) error {
	key := redisKey(st.ID)
	st.UpdatedAt = now()
	return r.watch(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, redisFields(st))
			p.SAdd(ctx, redisIndex, st.ID)
			return nil
		})
		return err
	})
}

func (r *Redis) Get(ctx context.Context, id string) (model.JobState, error) {
	vals, err := r.client.HGetAll(ctx, redisKey(id)).Result()
	if err != nil {
		return model.JobState{}, err
	}
	return redisDecode(id, vals)
}

func (r *Redis) Update(ctx context.Context, id string, fn UpdateFunc) (model.JobState, error) {
	key := redisKey(id)
	var out model.JobState
	err := r.watch(ctx, key, func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		cur, err := redisDecode(id, vals)
		if err != nil {
			return err
		}
		next, err := apply(cur, fn)
		if err != nil {
			out = next
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, redisFields(next))
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	})
	if err != nil && !errors.Is(err, ErrSkip) {
		return model.JobState{}, err
	}
	return out, err
}

func (r *Redis) List(ctx context.Context) ([]model.JobState, error) {
	ids, err := r.client.SMembers(ctx, redisIndex).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.JobState, 0, len(ids))
	for _, id := range ids {
		st, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	sortStates(out)
	return out, nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	key := redisKey(id)
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, key)
		p.SRem(ctx, redisIndex, id)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
