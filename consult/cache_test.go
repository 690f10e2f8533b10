package consult

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSkeletonCache(t *testing.T) {
	cache := NewSkeletonCache()

	aId := NewId()
	bId := NewId()

	_, ok := cache.Get("exam-1")
	assert.Equal(t, false, ok)
	assert.Equal(t, 0, cache.Size())

	skeleton1 := json.RawMessage(`{"landmarks":[{"x":0.5,"y":0.5,"z":0}],"handedness":"right"}`)
	cache.Put("exam-1", aId, skeleton1)

	entry, ok := cache.Get("exam-1")
	assert.Equal(t, true, ok)
	assert.Equal(t, skeleton1, entry.Skeleton)
	assert.Equal(t, aId, entry.SenderId)
	assert.NotEqual(t, int64(0), entry.UpdatedAt)
	assert.Equal(t, 1, cache.Size())

	// one slot per room, last write wins
	skeleton2 := json.RawMessage(`{"clear":true}`)
	cache.Put("exam-1", bId, skeleton2)

	entry2, ok := cache.Get("exam-1")
	assert.Equal(t, true, ok)
	assert.Equal(t, skeleton2, entry2.Skeleton)
	assert.Equal(t, bId, entry2.SenderId)
	assert.Equal(t, true, entry.UpdatedAt <= entry2.UpdatedAt)
	assert.Equal(t, 1, cache.Size())

	// rooms do not share slots
	cache.Put("exam-2", aId, skeleton1)
	assert.Equal(t, 2, cache.Size())
	entry, ok = cache.Get("exam-2")
	assert.Equal(t, true, ok)
	assert.Equal(t, skeleton1, entry.Skeleton)
}
