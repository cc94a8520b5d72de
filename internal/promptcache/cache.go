// Package promptcache resolves prompt templates through a two-tier cache:
// an in-process map validated against the source file's mtime fingerprint,
// then Redis with a per-category TTL, then the authoritative file.
package promptcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Kyeong6/EATceed-AI/internal/apperr"
)

// Tier identifies where a lookup was satisfied.
type Tier string

const (
	TierLocal  Tier = "local"
	TierRedis  Tier = "redis"
	TierSource Tier = "source"
)

// Category selects the Redis TTL. Templates are stable week to week;
// volatile blobs (reference data) turn over faster.
type Category string

const (
	CategoryTemplate Category = "template"
	CategoryVolatile Category = "volatile"
)

// Entry is one resolved template.
type Entry struct {
	Name     string   `json:"name"`
	Category Category `json:"category"`
	Body     string   `json:"body"`
}

// Cache resolves templates by category and name.
type Cache interface {
	Get(ctx context.Context, category Category, name string) (Entry, Tier, error)
}

// templateFile is the on-disk yaml layout under the prompt directory.
type templateFile struct {
	Category string `yaml:"category"`
	Body     string `yaml:"body"`
}

type localEntry struct {
	entry       Entry
	fingerprint time.Time // source file mtime at load
}

// FileCache is the production Cache: local map → Redis → yaml file.
type FileCache struct {
	dir         string
	rdb         redis.Cmdable // nil disables the distributed tier
	templateTTL time.Duration
	volatileTTL time.Duration

	mu    sync.RWMutex
	local map[string]localEntry
}

// Option configures a FileCache.
type Option func(*FileCache)

// WithTTLs overrides the per-category Redis TTLs.
func WithTTLs(template, volatile time.Duration) Option {
	return func(c *FileCache) {
		c.templateTTL = template
		c.volatileTTL = volatile
	}
}

// New creates a FileCache over dir. rdb may be nil for single-process use.
func New(dir string, rdb redis.Cmdable, opts ...Option) *FileCache {
	c := &FileCache{
		dir:         dir,
		rdb:         rdb,
		templateTTL: 168 * time.Hour,
		volatileTTL: time.Hour,
		local:       make(map[string]localEntry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *FileCache) path(name string) string {
	return filepath.Join(c.dir, name+".yaml")
}

func redisKey(category Category, name string) string {
	return fmt.Sprintf("prompt:%s:%s", category, name)
}

func (c *FileCache) ttl(category Category) time.Duration {
	if category == CategoryVolatile {
		return c.volatileTTL
	}
	return c.templateTTL
}

// Get resolves a template. A local hit is only valid while the source
// file's mtime matches the fingerprint recorded at load; a fingerprint
// change invalidates the local tier regardless of any TTL. Empty or
// missing content is a hard configuration error and is never cached.
func (c *FileCache) Get(ctx context.Context, category Category, name string) (Entry, Tier, error) {
	fingerprint, statErr := c.fingerprint(name)

	// Tier 1: in-process, fingerprint-validated.
	if statErr == nil {
		c.mu.RLock()
		cached, ok := c.local[name]
		c.mu.RUnlock()
		if ok && cached.fingerprint.Equal(fingerprint) {
			return cached.entry, TierLocal, nil
		}
	}

	// Tier 2: Redis.
	if c.rdb != nil {
		raw, err := c.rdb.Get(ctx, redisKey(category, name)).Result()
		switch {
		case err == nil:
			var entry Entry
			if jsonErr := json.Unmarshal([]byte(raw), &entry); jsonErr == nil && entry.Body != "" {
				c.storeLocal(name, entry, fingerprint)
				return entry, TierRedis, nil
			}
			// Corrupt payload falls through to the source read.
		case err != redis.Nil:
			zap.L().Warn("prompt cache: redis lookup failed",
				zap.String("name", name),
				zap.Error(err),
			)
		}
	}

	// Tier 3: authoritative source.
	entry, err := c.readSource(category, name)
	if err != nil {
		return Entry{}, TierSource, err
	}

	c.storeLocal(name, entry, fingerprint)
	if c.rdb != nil {
		payload, _ := json.Marshal(entry)
		if err := c.rdb.Set(ctx, redisKey(category, name), payload, c.ttl(category)).Err(); err != nil {
			zap.L().Warn("prompt cache: redis write-back failed",
				zap.String("name", name),
				zap.Error(err),
			)
		}
	}

	return entry, TierSource, nil
}

func (c *FileCache) fingerprint(name string) (time.Time, error) {
	info, err := os.Stat(c.path(name))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (c *FileCache) storeLocal(name string, entry Entry, fingerprint time.Time) {
	c.mu.Lock()
	c.local[name] = localEntry{entry: entry, fingerprint: fingerprint}
	c.mu.Unlock()
}

func (c *FileCache) readSource(category Category, name string) (Entry, error) {
	raw, err := os.ReadFile(c.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, &apperr.ConfigurationError{Key: name}
		}
		return Entry{}, eris.Wrapf(err, "promptcache: read %s", name)
	}

	var tf templateFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return Entry{}, eris.Wrapf(err, "promptcache: parse %s", name)
	}

	body := strings.TrimSpace(tf.Body)
	if body == "" {
		return Entry{}, &apperr.ConfigurationError{Key: name}
	}

	cat := category
	if tf.Category != "" {
		cat = Category(tf.Category)
	}

	return Entry{Name: name, Category: cat, Body: body}, nil
}
