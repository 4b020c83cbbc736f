package kvport

import (
	"context"
	"log"
	"time"
)

// Failover composes a primary KV (Redis) with a local fallback. Any
// primary error routes the call to the fallback with a warn log; the
// fallback is authoritative for keys it holds, so a write that fell
// back can still be read after the primary recovers only via fallback.
type Failover struct {
	primary  KV
	fallback KV
	logger   *log.Logger
}

// NewFailover builds the decorator. primary may be nil, in which case
// every call goes straight to the fallback.
func NewFailover(primary, fallback KV) *Failover {
	return &Failover{
		primary:  primary,
		fallback: fallback,
		logger:   log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
	}
}

func (f *Failover) Get(ctx context.Context, key string) ([]byte, error) {
	if f.primary != nil {
		v, err := f.primary.Get(ctx, key)
		if err == nil {
			return v, nil
		}
		if err != ErrNotFound {
			f.logger.Printf("⚠️  primary get failed for %s, trying fallback: %v", key, err)
		}
	}
	return f.fallback.Get(ctx, key)
}

func (f *Failover) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.primary != nil {
		if err := f.primary.Set(ctx, key, value, ttl); err != nil {
			f.logger.Printf("⚠️  primary set failed for %s, using fallback: %v", key, err)
		}
	}
	return f.fallback.Set(ctx, key, value, ttl)
}

func (f *Failover) Del(ctx context.Context, keys ...string) error {
	if f.primary != nil {
		if err := f.primary.Del(ctx, keys...); err != nil {
			f.logger.Printf("⚠️  primary del failed: %v", err)
		}
	}
	return f.fallback.Del(ctx, keys...)
}

// DelOne claims from the primary when it is healthy; either store
// granting the claim counts, which mirrors how Get reads through.
func (f *Failover) DelOne(ctx context.Context, key string) (bool, error) {
	if f.primary != nil {
		ok, err := f.primary.DelOne(ctx, key)
		if err == nil {
			if ok {
				f.fallback.Del(ctx, key)
				return true, nil
			}
			return f.fallback.DelOne(ctx, key)
		}
		f.logger.Printf("⚠️  primary del failed for %s, using fallback: %v", key, err)
	}
	return f.fallback.DelOne(ctx, key)
}

func (f *Failover) IncrWindow(ctx context.Context, key string, limit int, window time.Duration) (WindowResult, error) {
	if f.primary != nil {
		res, err := f.primary.IncrWindow(ctx, key, limit, window)
		if err == nil {
			return res, nil
		}
		f.logger.Printf("⚠️  primary counter failed for %s, using fallback: %v", key, err)
	}
	return f.fallback.IncrWindow(ctx, key, limit, window)
}

func (f *Failover) DelPrefix(ctx context.Context, prefix string) error {
	if f.primary != nil {
		if err := f.primary.DelPrefix(ctx, prefix); err != nil {
			f.logger.Printf("⚠️  primary prefix del failed: %v", err)
		}
	}
	return f.fallback.DelPrefix(ctx, prefix)
}
