package mapcss

import (
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Cache memoizes style resolution. The key holds the zoom, the role and
// every tag the stylesheet's selectors can observe, so two features with the
// same key always resolve identically.
type Cache struct {
	sheet *Stylesheet
	opts  StyleOptions

	entries sync.Map // string -> []Style
	size    atomic.Int64
	hits    atomic.Int64
	misses  atomic.Int64
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// NewCache wraps sheet with a resolution cache.
func NewCache(sheet *Stylesheet, opts StyleOptions) *Cache {
	return &Cache{sheet: sheet, opts: opts}
}

// Sheet returns the underlying stylesheet.
func (c *Cache) Sheet() *Stylesheet { return c.sheet }

// Options returns the conversion options.
func (c *Cache) Options() StyleOptions { return c.opts }

// Styles returns the render styles for a feature. The returned slice is
// shared and must not be modified.
func (c *Cache) Styles(tags Tags, role Role, zoom uint8) []Style {
	key := c.key(tags, role, zoom)
	if v, ok := c.entries.Load(key); ok {
		c.hits.Add(1)
		return v.([]Style)
	}
	c.misses.Add(1)

	styles := c.opts.BuildStyles(c.sheet.Resolve(tags, role, zoom), role)
	if _, loaded := c.entries.LoadOrStore(key, styles); !loaded {
		c.size.Add(1)
	}
	return styles
}

func (c *Cache) key(tags Tags, role Role, zoom uint8) string {
	var parts []string
	tags.Range(func(k, v string) bool {
		valueMatters, relevant := c.sheet.valueKeys[k]
		switch {
		case !relevant:
		case valueMatters:
			parts = append(parts, k+"="+v)
		default:
			parts = append(parts, k)
		}
		return true
	})
	slices.Sort(parts)

	var sb strings.Builder
	sb.WriteString(strconv.Itoa(int(zoom)))
	sb.WriteByte('/')
	sb.WriteString(strconv.Itoa(int(role)))
	for _, p := range parts {
		sb.WriteByte(0)
		sb.WriteString(p)
	}
	return sb.String()
}

func (c *Cache) Stats() CacheStats {
	return CacheStats{Entries: c.size.Load(), Hits: c.hits.Load(), Misses: c.misses.Load()}
}
