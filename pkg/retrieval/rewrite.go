package retrieval

import (
	"container/list"
	"strings"
	"sync"
)

// maxQueryVariants caps the rewrite fan-out.
const maxQueryVariants = 3

// rewriteCache is a small LRU over query -> variants. Rewriting is
// deterministic, so the cache only saves the string work on hot
// queries.
type rewriteCache struct {
	mu      sync.Mutex
	cap     int
	order   *list.List
	entries map[string]*list.Element
}

type rewriteEntry struct {
	query    string
	variants []string
}

func newRewriteCache(capacity int) *rewriteCache {
	return &rewriteCache{
		cap:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *rewriteCache) get(query string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[query]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*rewriteEntry).variants, true
}

func (c *rewriteCache) put(query string, variants []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[query]; ok {
		c.order.MoveToFront(el)
		el.Value.(*rewriteEntry).variants = variants
		return
	}
	el := c.order.PushFront(&rewriteEntry{query: query, variants: variants})
	c.entries[query] = el

	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*rewriteEntry).query)
		}
	}
}

// rewriteQuery produces up to maxQueryVariants surface forms of the
// query: the original, the original minus its first word, and the
// original minus its last word. Short queries get no variants; the
// variants exist so the dense and lexical views see different surface
// forms, not to be clever.
func rewriteQuery(query string, cache *rewriteCache) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	if cached, ok := cache.get(query); ok {
		return cached
	}

	variants := []string{query}
	words := strings.Fields(query)
	if len(words) >= 3 {
		variants = append(variants, strings.Join(words[1:], " "))
		variants = append(variants, strings.Join(words[:len(words)-1], " "))
	}
	if len(variants) > maxQueryVariants {
		variants = variants[:maxQueryVariants]
	}

	// Dedup while preserving order.
	seen := make(map[string]struct{}, len(variants))
	out := variants[:0]
	for _, v := range variants {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}

	cache.put(query, out)
	return out
}
