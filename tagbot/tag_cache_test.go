package tagbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

type failingTagStore struct {
	TagStore
}

func (failingTagStore) FetchAll(context.Context) ([]Tag, error) {
	return nil, errors.New("database unavailable")
}

func TestTagCache(t *testing.T) {
	ctx := context.Background()
	store := NewTagStore(setupTestDB(t))
	for _, name := range []string{"hug", "hello", "help-me", "zebra"} {
		_, err := store.Add(ctx, NewTag(name, "response for "+name, ""))
		require.NoError(t, err)
	}

	cache := NewTagCache()
	require.NoError(t, cache.Load(ctx, store))
	assert.Equal(t, 4, cache.Len())

	tag, ok := cache.Find("HUG")
	require.True(t, ok)
	assert.Equal(t, "hug", tag.Name)

	_, ok = cache.Find("")
	assert.False(t, ok)

	matches := cache.Autocomplete("HE", 0)
	require.Len(t, matches, 2)
	assert.Equal(t, "hello", matches[0].Name)
	assert.Equal(t, "help-me", matches[1].Name)

	assert.Len(t, cache.Autocomplete("", 3), 3)
	assert.Empty(t, cache.Autocomplete("nope", 0))
	assert.Equal(t, []string{"hello", "help-me", "hug", "zebra"}, cache.Names())

	cache.Upsert(*NewTag("New", "new tag", ""))
	_, ok = cache.Find("new")
	assert.True(t, ok)

	cache.Remove("ZEBRA")
	_, ok = cache.Find("zebra")
	assert.False(t, ok)

	all := cache.All()
	require.Len(t, all, 4)
	assert.Equal(t, "hello", all[0].Name)

	t.Run(
		"failed load keeps contents", func(t *testing.T) {
			err := cache.Load(ctx, failingTagStore{})
			assert.Error(t, err)
			assert.Equal(t, 4, cache.Len())
		},
	)
}

func TestTagCache_AutocompleteLimit(t *testing.T) {
	cache := NewTagCache()
	for i := 0; i < 40; i++ {
		cache.Upsert(*NewTag(fmt.Sprintf("tag%02d", i), "x", ""))
	}
	matches := cache.Autocomplete("tag", discordMaxAutocompleteChoices)
	require.Len(t, matches, discordMaxAutocompleteChoices)
	assert.Equal(t, "tag00", matches[0].Name)
	assert.Equal(t, "tag24", matches[len(matches)-1].Name)
}
