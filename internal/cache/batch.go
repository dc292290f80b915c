package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCrossTagBatch is returned when a key with a different partition tag
	// is added to a TagBatch. Mixing tags in one atomic batch fails on a
	// sharded deployment, so it is rejected before any network I/O.
	ErrCrossTagBatch = errors.New("cache: key partition tag differs from batch tag")

	// ErrUntaggedKey is returned when a global (untagged) key is added to a
	// TagBatch. Untagged keys hash individually and cannot be co-located.
	ErrUntaggedKey = errors.New("cache: untagged key cannot join an atomic batch")
)

// TagBatch accumulates commands against keys sharing one partition tag and
// executes them as a single transactional pipeline: one round trip, all
// succeed or the batch call fails. The first tagged key added fixes the
// batch's tag; any later key with a different or missing tag is rejected.
type TagBatch struct {
	rdb   redis.UniversalClient
	tag   string
	bound bool
	cmds  []func(context.Context, redis.Pipeliner)
}

// NewTagBatch creates an empty same-partition batch.
func NewTagBatch(rdb redis.UniversalClient) *TagBatch {
	return &TagBatch{rdb: rdb}
}

func (b *TagBatch) admit(key string) error {
	tag := PartitionTag(key)
	if tag == "" {
		return fmt.Errorf("%w: %q", ErrUntaggedKey, key)
	}
	if !b.bound {
		b.tag = tag
		b.bound = true
		return nil
	}
	if tag != b.tag {
		return fmt.Errorf("%w: key %q has tag %q, batch is bound to %q", ErrCrossTagBatch, key, tag, b.tag)
	}
	return nil
}

// HSet queues a hash write.
func (b *TagBatch) HSet(key string, mapping map[string]interface{}) error {
	if err := b.admit(key); err != nil {
		return err
	}
	b.cmds = append(b.cmds, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.HSet(ctx, key, mapping)
	})
	return nil
}

// SAdd queues set membership additions.
func (b *TagBatch) SAdd(key string, members ...interface{}) error {
	if err := b.admit(key); err != nil {
		return err
	}
	b.cmds = append(b.cmds, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.SAdd(ctx, key, members...)
	})
	return nil
}

// SRem queues set membership removals.
func (b *TagBatch) SRem(key string, members ...interface{}) error {
	if err := b.admit(key); err != nil {
		return err
	}
	b.cmds = append(b.cmds, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.SRem(ctx, key, members...)
	})
	return nil
}

// Del queues a key deletion.
func (b *TagBatch) Del(key string) error {
	if err := b.admit(key); err != nil {
		return err
	}
	b.cmds = append(b.cmds, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Del(ctx, key)
	})
	return nil
}

// Set queues a plain string write. A zero ttl means no expiry.
func (b *TagBatch) Set(key string, value interface{}, ttl time.Duration) error {
	if err := b.admit(key); err != nil {
		return err
	}
	b.cmds = append(b.cmds, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Set(ctx, key, value, ttl)
	})
	return nil
}

// Len reports the number of queued commands.
func (b *TagBatch) Len() int { return len(b.cmds) }

// Tag reports the partition tag the batch is bound to ("" until the first key).
func (b *TagBatch) Tag() string { return b.tag }

// Exec flushes the batch in one transactional pipeline. Executing an empty
// batch is a no-op.
func (b *TagBatch) Exec(ctx context.Context) error {
	if len(b.cmds) == 0 {
		return nil
	}
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, cmd := range b.cmds {
			cmd(ctx, pipe)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tag batch {%s}: %w", b.tag, err)
	}
	return nil
}

// OpError records the failure of one step of a cross-partition operation list.
type OpError struct {
	Name string
	Err  error
}

func (e OpError) Error() string { return e.Name + ": " + e.Err.Error() }

// CrossTagOps is an ordered list of independent cache operations spanning
// partition tags. Steps run sequentially and are not atomic with each other;
// a failing step is recorded and does not stop the remaining steps. This is
// the only sanctioned way to touch keys with different tags in one logical
// mutation.
type CrossTagOps struct {
	steps []struct {
		name string
		fn   func(context.Context) error
	}
}

// Append adds a named step.
func (o *CrossTagOps) Append(name string, fn func(context.Context) error) {
	o.steps = append(o.steps, struct {
		name string
		fn   func(context.Context) error
	}{name, fn})
}

// Len reports the number of queued steps.
func (o *CrossTagOps) Len() int { return len(o.steps) }

// Run executes every step in order and returns the per-step failures.
func (o *CrossTagOps) Run(ctx context.Context) []OpError {
	var errs []OpError
	for _, s := range o.steps {
		if err := s.fn(ctx); err != nil {
			errs = append(errs, OpError{Name: s.name, Err: err})
		}
	}
	return errs
}
