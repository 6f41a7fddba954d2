package tagbot

import (
	"context"
	"sort"
	"strings"
	"sync"
)

const discordMaxAutocompleteChoices = 25

// TagCache is the in-memory copy of the tag store that command dispatch
// reads from. It's safe for concurrent use.
type TagCache struct {
	mu   sync.RWMutex
	tags map[string]Tag
}

func NewTagCache() *TagCache {
	return &TagCache{tags: map[string]Tag{}}
}

// Load replaces the cache contents with every tag in the store. On
// error, the existing contents are kept.
func (c *TagCache) Load(ctx context.Context, store TagStore) error {
	tags, err := store.FetchAll(ctx)
	if err != nil {
		return err
	}
	loaded := make(map[string]Tag, len(tags))
	for _, t := range tags {
		loaded[normalizeTagName(t.Name)] = t
	}
	c.mu.Lock()
	c.tags = loaded
	c.mu.Unlock()
	return nil
}

func (c *TagCache) Find(name string) (Tag, bool) {
	name = normalizeTagName(name)
	if name == "" {
		return Tag{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tags[name]
	return t, ok
}

func (c *TagCache) Upsert(tag Tag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags[normalizeTagName(tag.Name)] = tag
}

func (c *TagCache) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tags, normalizeTagName(name))
}

// Autocomplete returns up to limit tags whose names start with prefix,
// sorted by name. A limit <= 0 means no limit.
func (c *TagCache) Autocomplete(prefix string, limit int) []Tag {
	prefix = strings.ToLower(prefix)
	c.mu.RLock()
	matches := make([]Tag, 0)
	for name, t := range c.tags {
		if strings.HasPrefix(name, prefix) {
			matches = append(matches, t)
		}
	}
	c.mu.RUnlock()

	sort.Slice(
		matches, func(i, j int) bool {
			return matches[i].Name < matches[j].Name
		},
	)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func (c *TagCache) Names() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.tags))
	for name := range c.tags {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}

// All returns every cached tag, sorted by name
func (c *TagCache) All() []Tag {
	return c.Autocomplete("", 0)
}

func (c *TagCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tags)
}
