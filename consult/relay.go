package consult

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
)

type RelaySettings struct {
	// per connection outbox depth, messages beyond it are dropped
	OutboxSize int
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		OutboxSize: 32,
	}
}

// per connection send queue
// a writer pump drains Messages so the relay never blocks on a slow reader
type Outbox struct {
	userId   Id
	messages chan []byte

	sentCount atomic.Uint64
	dropCount atomic.Uint64
}

func (self *Outbox) UserId() Id {
	return self.userId
}

func (self *Outbox) Messages() <-chan []byte {
	return self.messages
}

func (self *Outbox) SentCount() uint64 {
	return self.sentCount.Load()
}

func (self *Outbox) DropCount() uint64 {
	return self.dropCount.Load()
}

// fan-out router between connections
// delivery is fire and forget with no ordering across senders
type Relay struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry *SessionRegistry
	settings *RelaySettings

	stateLock sync.Mutex
	outboxes  map[Id]*Outbox
}

func NewRelayWithDefaults(ctx context.Context, registry *SessionRegistry) *Relay {
	return NewRelay(ctx, registry, DefaultRelaySettings())
}

func NewRelay(ctx context.Context, registry *SessionRegistry, settings *RelaySettings) *Relay {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Relay{
		ctx:      cancelCtx,
		cancel:   cancel,
		registry: registry,
		settings: settings,
		outboxes: map[Id]*Outbox{},
	}
}

func (self *Relay) Open(userId Id) *Outbox {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	outbox := &Outbox{
		userId:   userId,
		messages: make(chan []byte, self.settings.OutboxSize),
	}
	self.outboxes[userId] = outbox
	return outbox
}

// note the outbox channel is not closed, a concurrent send may still land.
// the writer pump exits on its own context instead
func (self *Relay) Remove(userId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.outboxes, userId)
}

// deliver to every member of the room except the sender
func (self *Relay) Broadcast(roomId string, excludeId Id, message []byte) int {
	delivered := 0
	for _, memberId := range self.registry.RoomMemberIds(roomId) {
		if memberId == excludeId {
			continue
		}
		if self.SendTo(memberId, message) {
			delivered += 1
		}
	}
	return delivered
}

// fire and forget, false when the target is unknown or its outbox is full
func (self *Relay) SendTo(targetId Id, message []byte) bool {
	self.stateLock.Lock()
	outbox, ok := self.outboxes[targetId]
	self.stateLock.Unlock()
	if !ok {
		// stale target, drop silently
		glog.V(2).Infof("[r]drop %s<- unknown\n", targetId)
		return false
	}

	select {
	case outbox.messages <- message:
		outbox.sentCount.Add(1)
		return true
	default:
		outbox.dropCount.Add(1)
		glog.Infof("[r]drop %s<- full\n", targetId)
		return false
	}
}

func (self *Relay) Close() {
	self.cancel()
}

type RelayStats struct {
	ConnectionCount int    `json:"connectionCount"`
	RoomCount       int    `json:"roomCount"`
	SentCount       uint64 `json:"sentCount"`
	DropCount       uint64 `json:"dropCount"`
}

func (self *Relay) Stats() *RelayStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stats := &RelayStats{
		ConnectionCount: len(self.outboxes),
		RoomCount:       self.registry.RoomCount(),
	}
	for _, outbox := range self.outboxes {
		stats.SentCount += outbox.sentCount.Load()
		stats.DropCount += outbox.dropCount.Load()
	}
	return stats
}
