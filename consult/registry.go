package consult

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

var ErrRoomRequired = errors.New("Room id required.")

// one connected participant
type member struct {
	userId   Id
	roomId   string
	role     string
	userName string
}

// a room exists exactly as long as it has members
type room struct {
	roomId      string
	clinicianId Id
	expertIds   map[Id]bool
}

func (self *room) empty() bool {
	return self.clinicianId == (Id{}) && len(self.expertIds) == 0
}

// clinician first, then experts
func (self *room) memberIds() []Id {
	memberIds := []Id{}
	if self.clinicianId != (Id{}) {
		memberIds = append(memberIds, self.clinicianId)
	}
	memberIds = append(memberIds, maps.Keys(self.expertIds)...)
	return memberIds
}

type JoinResult struct {
	RoomId string
	// current members to notify of the join, excluding the joiner
	PeerIds []Id
	// full roster including the joiner
	Users []*RoomUser
	// set when the join moved the connection out of another room
	Previous *LeaveResult
}

type LeaveResult struct {
	RoomId string
	// remaining members to notify
	PeerIds     []Id
	RoomDeleted bool
}

// tracks connections and room membership
// a join is an upsert keyed by connection id, so a rejoin moves the
// connection instead of failing
type SessionRegistry struct {
	ctx context.Context

	stateLock sync.Mutex
	members   map[Id]*member
	rooms     map[string]*room
}

func NewSessionRegistry(ctx context.Context) *SessionRegistry {
	return &SessionRegistry{
		ctx:     ctx,
		members: map[Id]*member{},
		rooms:   map[string]*room{},
	}
}

func (self *SessionRegistry) Join(userId Id, roomId string, role string, userName string) (*JoinResult, error) {
	if roomId == "" {
		return nil, ErrRoomRequired
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	result := &JoinResult{
		RoomId: roomId,
	}

	if existing, ok := self.members[userId]; ok {
		if existing.roomId != roomId {
			// moving rooms leaves the old room first
			result.Previous = self.leaveLocked(existing)
		} else {
			if existing.role != role {
				glog.Infof("[reg]%s reassigned %s -> %s in %s\n", userId, existing.role, role, roomId)
			}
			self.detachLocked(existing)
			delete(self.members, userId)
		}
	}

	m := &member{
		userId:   userId,
		roomId:   roomId,
		role:     role,
		userName: userName,
	}
	self.members[userId] = m

	r, ok := self.rooms[roomId]
	if !ok {
		r = &room{
			roomId:    roomId,
			expertIds: map[Id]bool{},
		}
		self.rooms[roomId] = r
		glog.Infof("[reg]room %s created\n", roomId)
	}

	if role == RoleClinician {
		if r.clinicianId != (Id{}) && r.clinicianId != userId {
			// last clinician wins the slot
			// the displaced connection drops out of tracking without events
			glog.Infof("[reg]room %s clinician %s displaced by %s\n", roomId, r.clinicianId, userId)
			delete(self.members, r.clinicianId)
		}
		r.clinicianId = userId
	} else {
		// every non clinician role spectates as an expert
		r.expertIds[userId] = true
	}

	for _, memberId := range r.memberIds() {
		if memberId != userId {
			result.PeerIds = append(result.PeerIds, memberId)
		}
		if m2 := self.members[memberId]; m2 != nil {
			result.Users = append(result.Users, &RoomUser{
				UserId:   m2.userId,
				Role:     m2.role,
				UserName: m2.userName,
			})
		}
	}

	glog.Infof("[reg]%s (%s) joined %s as %s\n", userName, userId, roomId, role)
	return result, nil
}

// leave is idempotent, an unknown connection is a no-op
func (self *SessionRegistry) Leave(userId Id) *LeaveResult {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	m, ok := self.members[userId]
	if !ok {
		return nil
	}
	glog.Infof("[reg]%s (%s) left %s\n", m.userName, userId, m.roomId)
	return self.leaveLocked(m)
}

func (self *SessionRegistry) leaveLocked(m *member) *LeaveResult {
	self.detachLocked(m)
	delete(self.members, m.userId)

	result := &LeaveResult{
		RoomId: m.roomId,
	}
	if r, ok := self.rooms[m.roomId]; ok {
		if r.empty() {
			delete(self.rooms, m.roomId)
			result.RoomDeleted = true
			glog.Infof("[reg]room %s deleted\n", m.roomId)
		} else {
			result.PeerIds = r.memberIds()
		}
	}
	return result
}

func (self *SessionRegistry) detachLocked(m *member) {
	if r, ok := self.rooms[m.roomId]; ok {
		if r.clinicianId == m.userId {
			r.clinicianId = Id{}
		}
		delete(r.expertIds, m.userId)
	}
}

func (self *SessionRegistry) MemberRoomId(userId Id) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if m, ok := self.members[userId]; ok {
		return m.roomId, true
	}
	return "", false
}

func (self *SessionRegistry) RoomMemberIds(roomId string) []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if r, ok := self.rooms[roomId]; ok {
		return r.memberIds()
	}
	return nil
}

func (self *SessionRegistry) RoomClinicianId(roomId string) (Id, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if r, ok := self.rooms[roomId]; ok && r.clinicianId != (Id{}) {
		return r.clinicianId, true
	}
	return Id{}, false
}

func (self *SessionRegistry) RoomIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.rooms)
}

func (self *SessionRegistry) RoomCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.rooms)
}

func (self *SessionRegistry) MemberCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.members)
}
