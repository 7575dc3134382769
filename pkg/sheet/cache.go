package sheet

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/ristretto"
)

type CachingLoaderConfig struct {
	Logger  *slog.Logger
	Loader  Loader
	Fetcher Fetcher

	// MaxCells bounds the cache by total cell count across cached workbooks.
	MaxCells int64
}

func (cfg *CachingLoaderConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Loader == nil {
		return fmt.Errorf("loader is required")
	}
	if cfg.MaxCells <= 0 {
		cfg.MaxCells = 50_000_000
	}
	return nil
}

// CachingLoader memoizes parsed workbooks keyed by source, sheet and a
// version stamp (file mtime and size, or S3 ETag), so reloading an unchanged
// workbook skips parsing.
type CachingLoader struct {
	log   *slog.Logger
	cfg   CachingLoaderConfig
	cache *ristretto.Cache
}

func NewCachingLoader(cfg CachingLoaderConfig) (*CachingLoader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     cfg.MaxCells,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create workbook cache: %w", err)
	}
	return &CachingLoader{log: cfg.Logger, cfg: cfg, cache: cache}, nil
}

func (c *CachingLoader) Load(ctx context.Context, source, sheetName string) (*Workbook, error) {
	stamp, err := c.stamp(ctx, source)
	if err != nil {
		// Let the underlying loader produce the canonical error.
		return c.cfg.Loader.Load(ctx, source, sheetName)
	}
	key := source + "\x00" + sheetName + "\x00" + stamp
	if v, ok := c.cache.Get(key); ok {
		c.log.Debug("sheet: workbook cache hit", "source", source, "sheet", sheetName)
		return v.(*Workbook), nil
	}

	wb, err := c.cfg.Loader.Load(ctx, source, sheetName)
	if err != nil {
		return nil, err
	}
	cost := int64(wb.Table.Len()*wb.Table.Width()) + 1
	c.cache.Set(key, wb, cost)
	c.cache.Wait()
	return wb, nil
}

func (c *CachingLoader) stamp(ctx context.Context, source string) (string, error) {
	if IsRemote(source) {
		if c.cfg.Fetcher == nil {
			return "", fmt.Errorf("no fetcher")
		}
		return c.cfg.Fetcher.Stat(ctx, source)
	}
	fi, err := os.Stat(source)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d:%d", fi.ModTime().UnixNano(), fi.Size()), nil
}

func (c *CachingLoader) Close() {
	c.cache.Close()
}
