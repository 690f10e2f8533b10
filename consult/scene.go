package consult

import (
	"math"
	"sync"
)

const (
	MinObjectScale = 0.1
	MaxObjectScale = 5.0
)

// one manipulable object in the shared scene
// transforms are mutated on the feed goroutine only
type Object struct {
	Id       string
	Name     string
	Position Vec3
	Rotation Vec3
	Scale    float64
	Grabbed  bool

	generation uint64
}

func NewObject(objectId string, name string) *Object {
	return &Object{
		Id:    objectId,
		Name:  name,
		Scale: 1.0,
	}
}

func (self *Object) ScaleTo(scale float64) {
	self.Scale = math.Max(MinObjectScale, math.Min(MaxObjectScale, scale))
}

func (self *Object) RotateX(delta float64) {
	self.Rotation.X = wrapAngle(self.Rotation.X + delta)
}

func (self *Object) RotateY(delta float64) {
	self.Rotation.Y = wrapAngle(self.Rotation.Y + delta)
}

type ObjectState struct {
	Id       string  `json:"id"`
	Name     string  `json:"name"`
	Position Vec3    `json:"position"`
	Rotation Vec3    `json:"rotation"`
	Scale    float64 `json:"scale"`
	Grabbed  bool    `json:"grabbed"`
}

// a full snapshot on the wire
// absence of an id means the object no longer exists
type SceneState struct {
	Clear   bool           `json:"clear,omitempty"`
	Objects []*ObjectState `json:"objects,omitempty"`
}

// the authoritative object set on the manipulating side,
// and the reconciled replica on every receiving side
type Scene struct {
	stateLock sync.Mutex

	objectIds []string
	objects   map[string]*Object

	generation uint64
}

func NewScene() *Scene {
	return &Scene{
		objectIds: []string{},
		objects:   map[string]*Object{},
	}
}

func (self *Scene) Add(object *Object) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.objects[object.Id]; !ok {
		self.objectIds = append(self.objectIds, object.Id)
	}
	self.objects[object.Id] = object
}

func (self *Scene) Object(objectId string) *Object {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.objects[objectId]
}

// objects in stable insertion order
func (self *Scene) Objects() []*Object {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	objects := make([]*Object, 0, len(self.objectIds))
	for _, objectId := range self.objectIds {
		objects = append(objects, self.objects[objectId])
	}
	return objects
}

func (self *Scene) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.objectIds = []string{}
	self.objects = map[string]*Object{}
}

// full copy of the scene for broadcast
func (self *Scene) Snapshot() *SceneState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state := &SceneState{
		Objects: []*ObjectState{},
	}
	for _, objectId := range self.objectIds {
		object := self.objects[objectId]
		state.Objects = append(state.Objects, &ObjectState{
			Id:       object.Id,
			Name:     object.Name,
			Position: object.Position,
			Rotation: object.Rotation,
			Scale:    object.Scale,
			Grabbed:  object.Grabbed,
		})
	}
	return state
}

// reconcile a received snapshot into the local replica
// unknown ids are created, known ids are updated in place,
// and ids absent from the snapshot are dropped after the pass
func (self *Scene) Apply(state *SceneState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if state.Clear {
		self.objectIds = []string{}
		self.objects = map[string]*Object{}
	}

	self.generation += 1
	for _, objectState := range state.Objects {
		object, ok := self.objects[objectState.Id]
		if !ok {
			object = &Object{
				Id:    objectState.Id,
				Scale: 1.0,
			}
			self.objectIds = append(self.objectIds, objectState.Id)
			self.objects[objectState.Id] = object
		}
		if objectState.Name != "" {
			object.Name = objectState.Name
		}
		object.Position = objectState.Position
		object.Rotation = Vec3{
			X: wrapAngle(objectState.Rotation.X),
			Y: wrapAngle(objectState.Rotation.Y),
			Z: wrapAngle(objectState.Rotation.Z),
		}
		if objectState.Scale != 0 {
			object.ScaleTo(objectState.Scale)
		}
		object.Grabbed = objectState.Grabbed
		object.generation = self.generation
	}

	nextObjectIds := []string{}
	for _, objectId := range self.objectIds {
		if object := self.objects[objectId]; object.generation == self.generation {
			nextObjectIds = append(nextObjectIds, objectId)
		} else {
			delete(self.objects, objectId)
		}
	}
	self.objectIds = nextObjectIds
}

// wrap into [0, 2pi)
func wrapAngle(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a
}
