package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SetJSON marshals v and stores it under key.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal cache value %q: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}

// GetJSON fetches key and unmarshals it into out. Returns ErrMiss on absence.
func GetJSON(ctx context.Context, c Cache, key string, out any) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal cache value %q: %w", key, err)
	}
	return nil
}
