package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/rcliao/memory-substrate/internal/metrics"
	"github.com/rcliao/memory-substrate/internal/model"
)

// ErrDisabled is returned when no provider is configured.
var ErrDisabled = errors.New("no embedding provider configured")

// Bounded wraps an Embedder with a hard timeout and a result cache.
// Every failure it returns wraps model.ErrDependencyTimeout so callers can
// take the degraded path without inspecting provider errors.
type Bounded struct {
	inner   Embedder
	timeout time.Duration
	cache   *cache.Cache
}

// NewBounded returns a Bounded embedder. inner may be nil (embeddings disabled).
// A cacheTTL of zero disables caching.
func NewBounded(inner Embedder, timeout, cacheTTL time.Duration) *Bounded {
	b := &Bounded{inner: inner, timeout: timeout}
	if cacheTTL > 0 {
		b.cache = cache.New(cacheTTL, 2*cacheTTL)
	}
	return b
}

type embedResult struct {
	vec Vector
	err error
}

// Embed returns the vector for text, or an error wrapping model.ErrDependencyTimeout.
func (b *Bounded) Embed(ctx context.Context, text string) (Vector, error) {
	if b.inner == nil {
		return nil, fmt.Errorf("embed: %w: %w", model.ErrDependencyTimeout, ErrDisabled)
	}

	key := cacheKey(text)
	if b.cache != nil {
		if v, ok := b.cache.Get(key); ok {
			return v.(Vector), nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	outcome := "error"
	defer func() {
		metrics.EmbedLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	done := make(chan embedResult, 1)
	go func() {
		v, err := b.inner.Embed(ctx, text)
		done <- embedResult{vec: v, err: err}
	}()

	var res embedResult
	select {
	case res = <-done:
	case <-ctx.Done():
		outcome = "timeout"
		return nil, fmt.Errorf("embed: %w: %w", model.ErrDependencyTimeout, ctx.Err())
	}

	if res.err != nil {
		return nil, fmt.Errorf("embed: %w: %w", model.ErrDependencyTimeout, res.err)
	}
	if !Usable(res.vec) {
		return nil, fmt.Errorf("embed: %w: provider returned an unusable vector", model.ErrDependencyTimeout)
	}

	outcome = "success"
	if b.cache != nil {
		b.cache.Set(key, res.vec, cache.DefaultExpiration)
	}
	return res.vec, nil
}

// Dims returns the provider's vector size, or 0 when disabled.
func (b *Bounded) Dims() int {
	if b.inner == nil {
		return 0
	}
	return b.inner.Dims()
}

// Enabled reports whether a provider is configured.
func (b *Bounded) Enabled() bool { return b.inner != nil }

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
