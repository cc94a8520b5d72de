package promptcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kyeong6/EATceed-AI/internal/apperr"
)

func writeTemplate(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name+".yaml")
	content := "category: template\nbody: |\n  " + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestCache(t *testing.T) (*FileCache, *miniredis.Miniredis, string) {
	t.Helper()
	dir := t.TempDir()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(dir, rdb), mr, dir
}

func TestGet_SourceThenLocal(t *testing.T) {
	cache, _, dir := newTestCache(t)
	writeTemplate(t, dir, "advice", "give advice to {gender}")
	ctx := context.Background()

	entry, tier, err := cache.Get(ctx, CategoryTemplate, "advice")
	require.NoError(t, err)
	assert.Equal(t, TierSource, tier)
	assert.Equal(t, "give advice to {gender}", entry.Body)

	// Second lookup must come from the in-process tier.
	_, tier, err = cache.Get(ctx, CategoryTemplate, "advice")
	require.NoError(t, err)
	assert.Equal(t, TierLocal, tier)
}

func TestGet_WriteBackPopulatesRedis(t *testing.T) {
	cache, mr, dir := newTestCache(t)
	writeTemplate(t, dir, "advice", "body text")

	_, _, err := cache.Get(context.Background(), CategoryTemplate, "advice")
	require.NoError(t, err)

	assert.True(t, mr.Exists("prompt:template:advice"))
}

func TestGet_RedisTierServesOtherProcesses(t *testing.T) {
	cacheA, mr, dir := newTestCache(t)
	writeTemplate(t, dir, "advice", "shared body")
	ctx := context.Background()

	_, _, err := cacheA.Get(ctx, CategoryTemplate, "advice")
	require.NoError(t, err)

	// A second cache instance with an empty local map but the same Redis
	// resolves from the distributed tier.
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cacheB := New(dir, rdb)

	entry, tier, err := cacheB.Get(ctx, CategoryTemplate, "advice")
	require.NoError(t, err)
	assert.Equal(t, TierRedis, tier)
	assert.Equal(t, "shared body", entry.Body)
}

func TestGet_MtimeChangeInvalidatesLocal(t *testing.T) {
	dir := t.TempDir()
	cache := New(dir, nil) // no Redis: a stale local entry must fall to source
	path := writeTemplate(t, dir, "advice", "old body")
	ctx := context.Background()

	_, _, err := cache.Get(ctx, CategoryTemplate, "advice")
	require.NoError(t, err)

	writeTemplate(t, dir, "advice", "new body")
	// Force a distinct mtime even on coarse-grained filesystems.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	entry, tier, err := cache.Get(ctx, CategoryTemplate, "advice")
	require.NoError(t, err)
	assert.Equal(t, TierSource, tier)
	assert.Equal(t, "new body", entry.Body)
}

func TestGet_PerCategoryTTL(t *testing.T) {
	dir := t.TempDir()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cache := New(dir, rdb, WithTTLs(10*time.Hour, time.Minute))
	writeTemplate(t, dir, "stable", "template content")
	ctx := context.Background()

	_, _, err := cache.Get(ctx, CategoryTemplate, "stable")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Hour, mr.TTL("prompt:template:stable"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "live.yaml"),
		[]byte("category: volatile\nbody: |\n  fast-moving content\n"), 0o644))
	_, _, err = cache.Get(ctx, CategoryVolatile, "live")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("prompt:volatile:live"))
}

func TestGet_MissingTemplateIsConfigurationError(t *testing.T) {
	cache, _, _ := newTestCache(t)

	_, _, err := cache.Get(context.Background(), CategoryTemplate, "nope")
	require.Error(t, err)
	assert.True(t, apperr.IsConfiguration(err))
}

func TestGet_EmptyBodyIsConfigurationError(t *testing.T) {
	cache, mr, dir := newTestCache(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.yaml"),
		[]byte("category: template\nbody: \"\"\n"), 0o644))

	_, _, err := cache.Get(context.Background(), CategoryTemplate, "empty")
	require.Error(t, err)
	assert.True(t, apperr.IsConfiguration(err))

	// The failure must never be cached.
	assert.False(t, mr.Exists("prompt:template:empty"))
}

func TestGet_RedisDownFallsThroughToSource(t *testing.T) {
	dir := t.TempDir()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := New(dir, rdb)
	writeTemplate(t, dir, "advice", "resilient body")

	mr.Close()

	entry, tier, err := cache.Get(context.Background(), CategoryTemplate, "advice")
	require.NoError(t, err)
	assert.Equal(t, TierSource, tier)
	assert.Equal(t, "resilient body", entry.Body)
}
