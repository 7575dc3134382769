// Package cache memoizes intent analyses and knowledge lookups per question.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	defaultTTL      = 24 * time.Hour
	defaultCapacity = 1000
)

type Config struct {
	Logger   *slog.Logger
	TTL      time.Duration
	Capacity uint64
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.Capacity == 0 {
		c.Capacity = defaultCapacity
	}
	return nil
}

// Cache holds two independent caches: intent analyses keyed by question and
// context hash, and retrieved knowledge text keyed by question alone.
type Cache struct {
	log     *slog.Logger
	cfg     Config
	intents *ttlcache.Cache[string, []byte]
	rag     *ttlcache.Cache[string, string]
}

func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Cache{
		log: cfg.Logger,
		cfg: cfg,
		intents: ttlcache.New(
			ttlcache.WithTTL[string, []byte](cfg.TTL),
			ttlcache.WithCapacity[string, []byte](cfg.Capacity),
		),
		rag: ttlcache.New(
			ttlcache.WithTTL[string, string](cfg.TTL),
			ttlcache.WithCapacity[string, string](cfg.Capacity),
		),
	}, nil
}

// Key is the md5 hex digest of "<trimmed query>|<context hash>".
func Key(query, contextHash string) string {
	sum := md5.Sum([]byte(strings.TrimSpace(query) + "|" + contextHash))
	return hex.EncodeToString(sum[:])
}

func ragKey(query string) string {
	sum := md5.Sum([]byte(strings.TrimSpace(query)))
	return hex.EncodeToString(sum[:])
}

// Intent returns the cached intent analysis as stored by SetIntent.
func (c *Cache) Intent(query, contextHash string) ([]byte, bool) {
	item := c.intents.Get(Key(query, contextHash))
	if item == nil {
		return nil, false
	}
	c.log.Debug("cache: intent hit", "query", query)
	return item.Value(), true
}

func (c *Cache) SetIntent(query, contextHash string, data []byte) {
	c.intents.Set(Key(query, contextHash), data, ttlcache.DefaultTTL)
}

// Knowledge returns cached knowledge context for a question.
func (c *Cache) Knowledge(query string) (string, bool) {
	item := c.rag.Get(ragKey(query))
	if item == nil {
		return "", false
	}
	return item.Value(), true
}

func (c *Cache) SetKnowledge(query, context string) {
	c.rag.Set(ragKey(query), context, ttlcache.DefaultTTL)
}

func (c *Cache) Len() int {
	return c.intents.Len() + c.rag.Len()
}

func (c *Cache) Clear() {
	c.intents.DeleteAll()
	c.rag.DeleteAll()
}
