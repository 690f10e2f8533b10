package consult

import (
	"encoding/json"
	"sync"
	"time"
)

// the latest skeleton seen per room, as served to polling clients
type SkeletonEntry struct {
	Skeleton  json.RawMessage `json:"skeleton"`
	UpdatedAt int64           `json:"updatedAt"`
	SenderId  Id              `json:"senderId"`
}

// single slot per room, last write wins
// entries outlive their room so late pollers still see the final frame,
// including a trailing clear marker
type SkeletonCache struct {
	stateLock sync.Mutex
	entries   map[string]*SkeletonEntry
}

func NewSkeletonCache() *SkeletonCache {
	return &SkeletonCache{
		entries: map[string]*SkeletonEntry{},
	}
}

func (self *SkeletonCache) Put(roomId string, senderId Id, skeleton json.RawMessage) {
	entry := &SkeletonEntry{
		Skeleton:  skeleton,
		UpdatedAt: time.Now().UnixMilli(),
		SenderId:  senderId,
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.entries[roomId] = entry
}

// a missing entry is a normal state, not an error
func (self *SkeletonCache) Get(roomId string) (*SkeletonEntry, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[roomId]
	return entry, ok
}

func (self *SkeletonCache) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.entries)
}
